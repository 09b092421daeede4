package redfault

import (
	"fmt"
	"net/http"
	"runtime/debug"
	"time"
)

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
	written    bool
}

func (rw *responseWriter) WriteHeader(code int) {
	if !rw.written {
		rw.statusCode = code
		rw.written = true
		rw.ResponseWriter.WriteHeader(code)
	}
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	if !rw.written {
		rw.statusCode = http.StatusOK
		rw.written = true
	}
	return rw.ResponseWriter.Write(b)
}

// LoggingMiddleware logs HTTP requests and responses with structured logging.
// With verbose=true it logs all requests; otherwise only error responses
// (status >= 400) and slow requests (>1s).
func LoggingMiddleware(logger Logger, verbose bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			wrapped := &responseWriter{
				ResponseWriter: w,
				statusCode:     http.StatusOK,
			}

			next.ServeHTTP(wrapped, r)

			duration := time.Since(start)

			shouldLog := verbose ||
				wrapped.statusCode >= 400 ||
				duration > time.Second

			if shouldLog && logger != nil {
				logData := map[string]interface{}{
					"method":      r.Method,
					"path":        r.URL.Path,
					"status":      wrapped.statusCode,
					"duration_ms": duration.Milliseconds(),
					"remote_addr": r.RemoteAddr,
				}

				if wrapped.statusCode >= 500 {
					logger.ErrorWithContext(r.Context(), "HTTP request error", logData)
				} else if wrapped.statusCode >= 400 {
					logger.WarnWithContext(r.Context(), "HTTP request client error", logData)
				} else if duration > time.Second {
					logger.WarnWithContext(r.Context(), "HTTP request slow", logData)
				} else {
					logger.InfoWithContext(r.Context(), "HTTP request", logData)
				}
			}
		})
	}
}

// RecoveryMiddleware creates a middleware that recovers from panics in HTTP handlers
func RecoveryMiddleware(logger Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if err := recover(); err != nil {
					stackTrace := debug.Stack()
					if logger != nil {
						logger.Error("HTTP handler panic recovered", map[string]interface{}{
							"panic":      err,
							"error_type": fmt.Sprintf("%T", err),
							"path":       r.URL.Path,
							"method":     r.Method,
							"stack":      string(stackTrace),
							"remote_ip":  r.RemoteAddr,
						})
					}

					http.Error(w, "Internal Server Error", http.StatusInternalServerError)
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

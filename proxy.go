package redfault

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Proxy is the RESP data plane. It accepts client TCP sessions, reads the
// first request, delegates the fault decision to the Faulter, and - when
// the session survives - splices client and upstream streams until either
// side closes. Each accepted session runs in its own goroutine; the accept
// loop never blocks on an in-progress session, and a failed or panicking
// session never takes the accept loop down with it.
type Proxy struct {
	cfg      ProxyConfig
	upstream *Upstream
	faulter  *Faulter
	logger   Logger

	listener net.Listener
	quit     chan struct{}
	sessions sync.WaitGroup

	// baseCtx is cancelled when the shutdown grace period runs out,
	// releasing sessions suspended in delay timers or upstream dials.
	baseCtx context.Context
	cancel  context.CancelFunc

	mu       sync.Mutex
	shutdown bool
}

// NewProxy creates a proxy for the given upstream and fault plan
func NewProxy(cfg ProxyConfig, upstream *Upstream, faulter *Faulter, logger Logger) *Proxy {
	if logger == nil {
		logger = &NoOpLogger{}
	}
	if cfg.ReadBufferSize <= 0 {
		cfg.ReadBufferSize = DefaultReadBufferSize
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Proxy{
		cfg:      cfg,
		upstream: upstream,
		faulter:  faulter,
		logger:   logger,
		quit:     make(chan struct{}),
		baseCtx:  ctx,
		cancel:   cancel,
	}
}

// Listen binds the proxy listener on all interfaces. Bind failures are
// fatal at startup and surface here, before Serve is started.
func (p *Proxy) Listen() error {
	addr := fmt.Sprintf(":%d", p.cfg.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("bind proxy listener on %s: %w", addr, err)
	}
	p.listener = listener

	p.logger.Info("Proxy listening", map[string]interface{}{
		"address":  addr,
		"upstream": p.upstream.String(),
	})
	return nil
}

// Addr returns the listener address. Valid after Listen.
func (p *Proxy) Addr() net.Addr {
	return p.listener.Addr()
}

// Serve runs the accept loop until Shutdown closes the listener. Each
// accepted connection is handed to its own session goroutine. Serve
// returns nil on orderly shutdown.
func (p *Proxy) Serve() error {
	if p.listener == nil {
		if err := p.Listen(); err != nil {
			return err
		}
	}

	for {
		conn, err := p.listener.Accept()
		if err != nil {
			select {
			case <-p.quit:
				return nil
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			p.logger.Error("Accept failed", map[string]interface{}{
				"error":      err.Error(),
				"error_type": fmt.Sprintf("%T", err),
			})
			continue
		}

		p.sessions.Add(1)
		go func() {
			defer p.sessions.Done()
			p.handleSession(conn)
		}()
	}
}

// Shutdown stops the accept loop and waits for in-flight sessions to drain
// within the bounds of ctx. When ctx expires first, suspended sessions are
// force-cancelled and ctx.Err() is returned.
func (p *Proxy) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if p.shutdown {
		p.mu.Unlock()
		return nil
	}
	p.shutdown = true
	p.mu.Unlock()

	close(p.quit)
	if p.listener != nil {
		p.listener.Close()
	}

	done := make(chan struct{})
	go func() {
		p.sessions.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.cancel()
		return nil
	case <-ctx.Done():
		p.cancel()
		return ctx.Err()
	}
}

// handleSession owns one client session from accept to close.
//
// The session state machine:
//
//	ACCEPTED -- read first frame --> DECIDE
//	DECIDE -- no fault / delay elapsed --> FORWARD
//	DECIDE -- error or drop fault, or decode failure --> TERMINATE
//	FORWARD -- either half EOF/err --> CLOSED
func (p *Proxy) handleSession(conn net.Conn) {
	sessionID := uuid.New().String()[:8]

	defer conn.Close()
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("Session panic recovered", map[string]interface{}{
				"session_id": sessionID,
				"panic":      fmt.Sprintf("%v", r),
				"stack":      string(debug.Stack()),
			})
		}
	}()

	p.logger.Debug("Session accepted", map[string]interface{}{
		"session_id":  sessionID,
		"remote_addr": conn.RemoteAddr().String(),
	})

	// One logical read bounds the first request; whatever bytes arrive in
	// one receive are the decision input.
	buf := make([]byte, p.cfg.ReadBufferSize)
	n, err := conn.Read(buf)
	if err != nil || n == 0 {
		if err != nil && err != io.EOF {
			p.logger.Debug("Session closed before first request", map[string]interface{}{
				"session_id": sessionID,
				"error":      err.Error(),
			})
		}
		p.countSession("closed_early")
		return
	}
	request := buf[:n]

	fault, err := p.faulter.Check(request)
	if err != nil {
		p.logger.Warn("First request is not a recognizable redis command", map[string]interface{}{
			"session_id": sessionID,
			"error":      err.Error(),
		})
		p.countSession("decode_failed")
		return
	}

	client, ok := conn.(ClientConn)
	if !ok {
		// Listener connections are TCP; anything else cannot half-close.
		p.logger.Error("Client connection does not support half-close", map[string]interface{}{
			"session_id": sessionID,
			"conn_type":  fmt.Sprintf("%T", conn),
		})
		p.countSession("unsupported_conn")
		return
	}

	outcome, err := p.faulter.Execute(p.baseCtx, fault, client)
	if err != nil {
		p.logger.Error("Fault execution failed", map[string]interface{}{
			"session_id": sessionID,
			"error":      err.Error(),
		})
		p.countSession("fault_error")
		return
	}
	if outcome == Exit {
		p.logger.Debug("Session terminated by fault", map[string]interface{}{
			"session_id": sessionID,
			"fault_name": fault.Name,
			"fault_type": fault.FaultType,
		})
		p.countSession("faulted")
		return
	}

	p.forward(sessionID, conn, request)
}

// forward opens the upstream connection, replays the already-read first
// frame, and runs the two stream copies until both halves finish.
func (p *Proxy) forward(sessionID string, client net.Conn, firstFrame []byte) {
	dialCtx, cancel := context.WithTimeout(p.baseCtx, p.upstream.connectTimeout)
	upstream, err := p.upstream.Dial(dialCtx)
	cancel()
	if err != nil {
		perr := NewProxyError("proxy.forward", "upstream", sessionID, err)
		p.logger.Error("Upstream connect failed", map[string]interface{}{
			"session_id": sessionID,
			"upstream":   p.upstream.Addr(),
			"error":      perr.Error(),
		})
		p.countSession("upstream_failed")
		return
	}
	defer upstream.Close()

	if _, err := upstream.Write(firstFrame); err != nil {
		p.logger.Error("Writing first request upstream failed", map[string]interface{}{
			"session_id": sessionID,
			"error":      err.Error(),
		})
		p.countSession("upstream_failed")
		return
	}

	start := time.Now()
	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		if _, err := io.Copy(upstream, client); err != nil {
			p.logger.Debug("Client to upstream copy ended", map[string]interface{}{
				"session_id": sessionID,
				"error":      err.Error(),
			})
		}
		closeWrite(upstream)
	}()

	go func() {
		defer wg.Done()
		if _, err := io.Copy(client, upstream); err != nil {
			p.logger.Debug("Upstream to client copy ended", map[string]interface{}{
				"session_id": sessionID,
				"error":      err.Error(),
			})
		}
		closeWrite(client)
	}()

	wg.Wait()

	p.logger.Debug("Session closed", map[string]interface{}{
		"session_id":  sessionID,
		"duration_ms": time.Since(start).Milliseconds(),
	})
	p.countSession("forwarded")
}

func (p *Proxy) countSession(result string) {
	if registry := GetGlobalMetricsRegistry(); registry != nil {
		registry.Counter("proxy.sessions", "result", result)
	}
}

// closeWrite shuts down the write half when the connection supports it
// (*net.TCPConn and *tls.Conn both do), and falls back to a full close.
func closeWrite(conn net.Conn) {
	type writeCloser interface {
		CloseWrite() error
	}
	if wc, ok := conn.(writeCloser); ok {
		wc.CloseWrite()
		return
	}
	conn.Close()
}

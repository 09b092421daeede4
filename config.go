package redfault

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"
)

// Defaults for knobs that have no environment variable of their own.
const (
	// DefaultReadBufferSize bounds the single logical read that captures
	// the first client request of a session.
	DefaultReadBufferSize = 64 * 1024
)

// Config holds all configuration options for the proxy process.
// It supports three-layer configuration priority:
//  1. Default values (lowest priority)
//  2. Environment variables (medium priority)
//  3. Functional options (highest priority)
//
// Example usage:
//
//	cfg, err := NewConfig(
//	    WithUpstreamAddress("redis.internal:6379"),
//	    WithProxyPort(6350),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
type Config struct {
	// Proxy data-plane configuration
	Proxy ProxyConfig `json:"proxy"`

	// Upstream Redis server configuration
	Upstream UpstreamConfig `json:"upstream"`

	// Fault config server (control plane) configuration
	Server ServerConfig `json:"server"`

	// Logging configuration
	Logging LoggingConfig `json:"logging"`

	// FaultPlanPath optionally points at a YAML or JSON seed fault plan
	// loaded into the store before the listeners start.
	FaultPlanPath string `json:"fault_plan_path" env:"FAULT_CONFIG_FILE"`

	// Logger instance used during configuration and handed to components
	logger Logger `json:"-"`
}

// ProxyConfig contains the data-plane listener configuration
type ProxyConfig struct {
	Port           int           `json:"port" env:"PROXY_PORT" default:"6350"`
	ReadBufferSize int           `json:"read_buffer_size" default:"65536"`
	ShutdownGrace  time.Duration `json:"shutdown_grace" env:"SHUTDOWN_GRACE_PERIOD" default:"2s"`
}

// UpstreamConfig contains the upstream Redis server configuration
type UpstreamConfig struct {
	Address        string        `json:"address" env:"REDIS_ADDRESS"`
	TLSEnabled     bool          `json:"tls_enabled" env:"IS_REDIS_TLS_CONN" default:"false"`
	ConnectTimeout time.Duration `json:"connect_timeout" env:"UPSTREAM_CONNECT_TIMEOUT" default:"5s"`
}

// ServerConfig contains the control-plane HTTP server configuration
// including timeouts. All timeout values use time.Duration.
type ServerConfig struct {
	Port              int           `json:"port" env:"FAULT_CONFIG_SERVER_PORT" default:"8000"`
	ReadTimeout       time.Duration `json:"read_timeout" default:"30s"`
	ReadHeaderTimeout time.Duration `json:"read_header_timeout" default:"10s"`
	WriteTimeout      time.Duration `json:"write_timeout" default:"30s"`
	IdleTimeout       time.Duration `json:"idle_timeout" default:"120s"`
	ShutdownTimeout   time.Duration `json:"shutdown_timeout" default:"10s"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `json:"level" env:"LOG_LEVEL" default:"INFO"`
	Format string `json:"format" env:"LOG_FORMAT" default:"text"`
}

// Option is a functional option for configuring the process
type Option func(*Config) error

// DefaultConfig returns a configuration with sensible defaults applied
func DefaultConfig() *Config {
	return &Config{
		Proxy: ProxyConfig{
			Port:           6350,
			ReadBufferSize: DefaultReadBufferSize,
			ShutdownGrace:  2 * time.Second,
		},
		Upstream: UpstreamConfig{
			ConnectTimeout: 5 * time.Second,
		},
		Server: ServerConfig{
			Port:              8000,
			ReadTimeout:       30 * time.Second,
			ReadHeaderTimeout: 10 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       120 * time.Second,
			ShutdownTimeout:   10 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "INFO",
			Format: "text",
		},
	}
}

// NewConfig creates a configuration with defaults, environment variables
// and functional options applied in priority order, then validates it.
func NewConfig(opts ...Option) (*Config, error) {
	cfg := DefaultConfig()

	if err := cfg.LoadFromEnv(); err != nil {
		return nil, fmt.Errorf("failed to load env config: %w", err)
	}

	// Apply functional options (these override env vars)
	for _, opt := range opts {
		if err := opt(cfg); err != nil {
			return nil, fmt.Errorf("failed to apply option: %w", err)
		}
	}

	if cfg.logger == nil {
		cfg.logger = NewProductionLogger(cfg.Logging, "redfault")
	}

	// Validate final configuration after options applied
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Logger returns the logger built from (or injected into) this configuration
func (c *Config) Logger() Logger {
	if c.logger == nil {
		c.logger = NewProductionLogger(c.Logging, "redfault")
	}
	return c.logger
}

// LoadFromEnv loads configuration from environment variables.
// Recognized variables: PROXY_PORT, REDIS_ADDRESS, IS_REDIS_TLS_CONN,
// FAULT_CONFIG_SERVER_PORT, FAULT_CONFIG_FILE, UPSTREAM_CONNECT_TIMEOUT,
// SHUTDOWN_GRACE_PERIOD, LOG_LEVEL, LOG_FORMAT.
func (c *Config) LoadFromEnv() error {
	if v := os.Getenv("PROXY_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid PROXY_PORT %q: %w", v, ErrInvalidConfiguration)
		}
		c.Proxy.Port = port
	}

	if v := os.Getenv("REDIS_ADDRESS"); v != "" {
		c.Upstream.Address = v
	}

	if v := os.Getenv("IS_REDIS_TLS_CONN"); v != "" {
		c.Upstream.TLSEnabled = parseBool(v)
	}

	if v := os.Getenv("UPSTREAM_CONNECT_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Upstream.ConnectTimeout = d
		}
	}

	if v := os.Getenv("FAULT_CONFIG_SERVER_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid FAULT_CONFIG_SERVER_PORT %q: %w", v, ErrInvalidConfiguration)
		}
		c.Server.Port = port
	}

	if v := os.Getenv("FAULT_CONFIG_FILE"); v != "" {
		c.FaultPlanPath = v
	}

	if v := os.Getenv("SHUTDOWN_GRACE_PERIOD"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Proxy.ShutdownGrace = d
		}
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		c.Logging.Format = v
	}

	return nil
}

// Validate checks if the configuration is valid and returns an error if not.
//
// Validation rules:
//   - Ports must be between 1 and 65535
//   - The upstream Redis address is required
//   - Proxy and control-plane ports must differ
func (c *Config) Validate() error {
	if c.Proxy.Port < 1 || c.Proxy.Port > 65535 {
		return fmt.Errorf("proxy port %d out of range: %w", c.Proxy.Port, ErrInvalidConfiguration)
	}
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("fault config server port %d out of range: %w", c.Server.Port, ErrInvalidConfiguration)
	}
	if c.Proxy.Port == c.Server.Port {
		return fmt.Errorf("proxy and fault config server ports are both %d: %w", c.Proxy.Port, ErrInvalidConfiguration)
	}
	if c.Upstream.Address == "" {
		return fmt.Errorf("REDIS_ADDRESS is required: %w", ErrMissingConfiguration)
	}
	if c.Proxy.ReadBufferSize <= 0 {
		return fmt.Errorf("read buffer size must be positive: %w", ErrInvalidConfiguration)
	}
	return nil
}

// parseBool parses common boolean representations (true/false, 1/0, yes/no)
func parseBool(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "true", "1", "yes", "on":
		return true
	default:
		return false
	}
}

// Functional options

// WithProxyPort sets the data-plane listener port
func WithProxyPort(port int) Option {
	return func(c *Config) error {
		c.Proxy.Port = port
		return nil
	}
}

// WithUpstreamAddress sets the upstream Redis address (host:port or URL)
func WithUpstreamAddress(address string) Option {
	return func(c *Config) error {
		c.Upstream.Address = address
		return nil
	}
}

// WithUpstreamTLS toggles TLS on the upstream connection
func WithUpstreamTLS(enabled bool) Option {
	return func(c *Config) error {
		c.Upstream.TLSEnabled = enabled
		return nil
	}
}

// WithServerPort sets the control-plane HTTP port
func WithServerPort(port int) Option {
	return func(c *Config) error {
		c.Server.Port = port
		return nil
	}
}

// WithFaultPlan sets the path of a seed fault plan file
func WithFaultPlan(path string) Option {
	return func(c *Config) error {
		c.FaultPlanPath = path
		return nil
	}
}

// WithShutdownGrace bounds how long in-flight sessions may drain on shutdown
func WithShutdownGrace(d time.Duration) Option {
	return func(c *Config) error {
		if d < 0 {
			return fmt.Errorf("shutdown grace must not be negative: %w", ErrInvalidConfiguration)
		}
		c.Proxy.ShutdownGrace = d
		return nil
	}
}

// WithLogLevel sets the log verbosity filter
func WithLogLevel(level string) Option {
	return func(c *Config) error {
		c.Logging.Level = level
		return nil
	}
}

// WithLogger injects a custom logger
func WithLogger(logger Logger) Option {
	return func(c *Config) error {
		c.logger = logger
		return nil
	}
}

// ============================================================================
// ProductionLogger Implementation
// ============================================================================

// ProductionLogger is the default Logger: level-filtered structured logging
// in JSON (log aggregation) or human-readable text (local development).
type ProductionLogger struct {
	level       int
	serviceName string
	format      string
	output      io.Writer
}

const (
	levelDebug = iota
	levelInfo
	levelWarn
	levelError
)

func levelRank(level string) int {
	switch strings.ToLower(level) {
	case "debug":
		return levelDebug
	case "warn", "warning":
		return levelWarn
	case "error":
		return levelError
	default:
		return levelInfo
	}
}

// NewProductionLogger creates a logger from LoggingConfig
func NewProductionLogger(logging LoggingConfig, serviceName string) Logger {
	return &ProductionLogger{
		level:       levelRank(logging.Level),
		serviceName: serviceName,
		format:      strings.ToLower(logging.Format),
		output:      os.Stdout,
	}
}

func (p *ProductionLogger) Info(msg string, fields map[string]interface{}) {
	p.logEvent(levelInfo, "INFO", msg, fields)
}

func (p *ProductionLogger) InfoWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	p.logEvent(levelInfo, "INFO", msg, fields)
}

func (p *ProductionLogger) Error(msg string, fields map[string]interface{}) {
	p.logEvent(levelError, "ERROR", msg, fields)
}

func (p *ProductionLogger) ErrorWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	p.logEvent(levelError, "ERROR", msg, fields)
}

func (p *ProductionLogger) Warn(msg string, fields map[string]interface{}) {
	p.logEvent(levelWarn, "WARN", msg, fields)
}

func (p *ProductionLogger) WarnWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	p.logEvent(levelWarn, "WARN", msg, fields)
}

func (p *ProductionLogger) Debug(msg string, fields map[string]interface{}) {
	p.logEvent(levelDebug, "DEBUG", msg, fields)
}

func (p *ProductionLogger) DebugWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	p.logEvent(levelDebug, "DEBUG", msg, fields)
}

func (p *ProductionLogger) logEvent(rank int, level, msg string, fields map[string]interface{}) {
	if rank < p.level {
		return
	}
	timestamp := time.Now().Format(time.RFC3339)

	if p.format == "json" {
		logEntry := map[string]interface{}{
			"timestamp": timestamp,
			"level":     level,
			"service":   p.serviceName,
			"message":   msg,
		}
		for k, v := range fields {
			logEntry[k] = v
		}
		if data, err := json.Marshal(logEntry); err == nil {
			fmt.Fprintln(p.output, string(data))
		}
		return
	}

	var fieldStr strings.Builder
	if len(fields) > 0 {
		fieldStr.WriteString(" ")
		for k, v := range fields {
			fieldStr.WriteString(fmt.Sprintf("%s=%v ", k, v))
		}
	}

	fmt.Fprintf(p.output, "%s [%s] [%s] %s%s\n",
		timestamp, level, p.serviceName, msg, fieldStr.String())
}

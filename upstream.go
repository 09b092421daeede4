package redfault

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/url"
	"time"

	"github.com/go-redis/redis/v8"
)

// Upstream describes how to reach the Redis server behind the proxy: the
// dial target, whether the connection is wrapped in TLS, and the SNI
// hostname used for server validation (platform trust store).
type Upstream struct {
	addr           string // host:port dial target
	host           string // hostname used as the TLS server name
	tlsEnabled     bool
	connectTimeout time.Duration
	logger         Logger
}

// NewUpstream builds an Upstream from configuration. The address may be a
// bare host:port or a full redis:// URL; the hostname for SNI is derived
// from it either way.
func NewUpstream(cfg UpstreamConfig, logger Logger) (*Upstream, error) {
	if logger == nil {
		logger = &NoOpLogger{}
	}
	if cfg.Address == "" {
		return nil, fmt.Errorf("redis address is required: %w", ErrMissingConfiguration)
	}

	addr, host, err := parseRedisAddress(cfg.Address)
	if err != nil {
		return nil, err
	}

	connectTimeout := cfg.ConnectTimeout
	if connectTimeout <= 0 {
		connectTimeout = 5 * time.Second
	}

	return &Upstream{
		addr:           addr,
		host:           host,
		tlsEnabled:     cfg.TLSEnabled,
		connectTimeout: connectTimeout,
		logger:         logger,
	}, nil
}

// parseRedisAddress splits a Redis address into a host:port dial target and
// the bare hostname. Addresses without a scheme are re-parsed with a
// redis:// prefix, and a missing port defaults to 6379.
func parseRedisAddress(address string) (addr, host string, err error) {
	parsed, perr := url.Parse(address)
	if perr != nil || parsed.Host == "" {
		parsed, perr = url.Parse("redis://" + address)
		if perr != nil {
			return "", "", fmt.Errorf("invalid redis address %q: %w", address, ErrInvalidConfiguration)
		}
	}

	host = parsed.Hostname()
	if host == "" {
		return "", "", fmt.Errorf("no hostname in redis address %q: %w", address, ErrInvalidConfiguration)
	}

	port := parsed.Port()
	if port == "" {
		port = "6379"
	}

	return net.JoinHostPort(host, port), host, nil
}

// Addr returns the host:port the proxy dials for each session
func (u *Upstream) Addr() string {
	return u.addr
}

// Dial opens one upstream connection, wrapping it in TLS when configured.
// One connection is opened per session - no pooling.
func (u *Upstream) Dial(ctx context.Context) (net.Conn, error) {
	dialer := net.Dialer{Timeout: u.connectTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", u.addr)
	if err != nil {
		return nil, fmt.Errorf("dial upstream %s: %v: %w", u.addr, err, ErrConnectionFailed)
	}

	if !u.tlsEnabled {
		return conn, nil
	}

	tlsConn := tls.Client(conn, &tls.Config{ServerName: u.host})
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("tls handshake with upstream %s: %v: %w", u.addr, err, ErrConnectionFailed)
	}
	return tlsConn, nil
}

// Ping verifies upstream reachability with a short-lived Redis client.
// Used as a startup preflight; the proxy still starts when it fails, so a
// down upstream delays nothing but the first real session's error.
func (u *Upstream) Ping(ctx context.Context) error {
	opts := &redis.Options{Addr: u.addr}
	if u.tlsEnabled {
		opts.TLSConfig = &tls.Config{ServerName: u.host}
	}

	client := redis.NewClient(opts)
	defer client.Close()

	if err := client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("ping upstream %s: %v: %w", u.addr, err, ErrConnectionFailed)
	}

	u.logger.Debug("Upstream ping succeeded", map[string]interface{}{
		"upstream": u.addr,
		"tls":      u.tlsEnabled,
	})
	return nil
}

// String describes the upstream for logging
func (u *Upstream) String() string {
	if u.tlsEnabled {
		return "rediss://" + u.addr
	}
	return "redis://" + u.addr
}

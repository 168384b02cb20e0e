package proxy

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"github.com/migadu/imapcache/config"
	"github.com/migadu/imapcache/consts"
	"github.com/migadu/imapcache/logger"
	"github.com/migadu/imapcache/pkg/circuitbreaker"
	"github.com/migadu/imapcache/pkg/metrics"
	"github.com/migadu/imapcache/pkg/retry"
	"github.com/migadu/imapcache/server"
)

// errDialAborted marks dial failures caused by the caller giving up, which
// say nothing about the backend's health.
var errDialAborted = errors.New("dial aborted")

func newBackendBreaker(addr string) *circuitbreaker.CircuitBreaker {
	st := circuitbreaker.BackendSettings(addr)
	st.IsExcluded = func(err error) bool {
		return errors.Is(err, errDialAborted)
	}
	return circuitbreaker.NewCircuitBreaker(st)
}

// Options configures a ConnectionManager.
type Options struct {
	Addrs              []string
	DefaultPort        int
	RoundRobin         bool
	ConnectTimeout     time.Duration
	KeepAlive          time.Duration // negative disables TCP keepalives
	Retries            int           // extra attempts after the first dial fails
	DisableHealthCheck bool

	TLSVerify     bool
	TLSServerName string
	TLSCAFile     string

	Backoff  *retry.BackoffConfig // nil uses retry.DefaultBackoffConfig
	Resolver *net.Resolver        // nil uses net.DefaultResolver
}

// ConnectionManager picks upstream addresses and opens TCP connections to them.
type ConnectionManager struct {
	roundRobin     bool
	defaultPort    int
	connectTimeout time.Duration
	keepAlive      time.Duration
	backoff        retry.BackoffConfig
	resolver       *net.Resolver

	enableBackendHealthCheck bool

	tlsVerify     bool
	tlsServerName string
	rootCAs       *x509.CertPool

	// mu guards the address list, the round-robin cursor and the breakers.
	// It is never held across network I/O and is independent of the
	// connection cache's lock.
	mu        sync.Mutex
	addrs     []string
	nextIndex int
	breakers  map[string]*circuitbreaker.CircuitBreaker
}

// NewConnectionManagerFromConfig builds a manager from the [upstream] section.
func NewConnectionManagerFromConfig(cfg *config.UpstreamConfig) (*ConnectionManager, error) {
	connectTimeout, err := cfg.GetConnectTimeout()
	if err != nil {
		return nil, fmt.Errorf("invalid connect_timeout: %w", err)
	}
	keepAlive, err := cfg.GetKeepalivePeriod()
	if err != nil {
		return nil, fmt.Errorf("invalid keepalive_period: %w", err)
	}

	return NewConnectionManager(Options{
		Addrs:              cfg.RemoteAddrs,
		DefaultPort:        cfg.RemotePort,
		RoundRobin:         cfg.DNSRoundRobin,
		ConnectTimeout:     connectTimeout,
		KeepAlive:          keepAlive,
		Retries:            cfg.ConnectRetries,
		DisableHealthCheck: cfg.DisableHealthCheck,
		TLSVerify:          cfg.TLSVerify,
		TLSServerName:      cfg.TLSServerName,
		TLSCAFile:          cfg.TLSCAFile,
	})
}

// NewConnectionManager creates a new connection manager
func NewConnectionManager(opts Options) (*ConnectionManager, error) {
	if len(opts.Addrs) == 0 {
		return nil, fmt.Errorf("no remote addresses provided")
	}

	normalizedAddrs := make([]string, 0, len(opts.Addrs))
	for _, addr := range opts.Addrs {
		if n := normalizeHostPort(addr, opts.DefaultPort); n != "" {
			normalizedAddrs = append(normalizedAddrs, n)
		}
	}
	if len(normalizedAddrs) == 0 {
		return nil, fmt.Errorf("no usable remote addresses in %v", opts.Addrs)
	}

	backoff := retry.DefaultBackoffConfig()
	if opts.Backoff != nil {
		backoff = *opts.Backoff
	}
	backoff.MaxRetries = opts.Retries

	resolver := opts.Resolver
	if resolver == nil {
		resolver = net.DefaultResolver
	}

	cm := &ConnectionManager{
		roundRobin:               opts.RoundRobin,
		defaultPort:              opts.DefaultPort,
		connectTimeout:           opts.ConnectTimeout,
		keepAlive:                opts.KeepAlive,
		backoff:                  backoff,
		resolver:                 resolver,
		enableBackendHealthCheck: !opts.DisableHealthCheck,
		tlsVerify:                opts.TLSVerify,
		tlsServerName:            opts.TLSServerName,
		addrs:                    normalizedAddrs,
		breakers:                 make(map[string]*circuitbreaker.CircuitBreaker, len(normalizedAddrs)),
	}

	if opts.TLSCAFile != "" {
		pem, err := os.ReadFile(opts.TLSCAFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read tls_ca_file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates found in %s", opts.TLSCAFile)
		}
		cm.rootCAs = pool
	}

	for _, addr := range normalizedAddrs {
		cm.breakers[addr] = newBackendBreaker(addr)
	}

	logger.Debug("Connection manager initialized", "backends", len(normalizedAddrs), "round_robin", cm.roundRobin, "health_check", cm.enableBackendHealthCheck)

	return cm, nil
}

// Addrs returns a copy of the current backend list.
func (cm *ConnectionManager) Addrs() []string {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	return append([]string(nil), cm.addrs...)
}

// Dial opens a TCP connection to an upstream server. Up to Retries further
// attempts are made after a failure, each against the next candidate address.
// It returns the connection and the address it was made to.
func (cm *ConnectionManager) Dial(ctx context.Context) (net.Conn, string, error) {
	var (
		conn    net.Conn
		backend string
		attempt int
	)

	err := retry.WithRetry(ctx, func() error {
		addr, breaker := cm.pick(attempt)
		attempt++

		c, err := cm.dialBackend(ctx, addr, breaker)
		if err != nil {
			if ctx.Err() != nil {
				return retry.Stop(err)
			}
			return err
		}
		conn, backend = c, addr
		return nil
	}, cm.backoff)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, "", fmt.Errorf("%w: upstream connect aborted: %w", consts.ErrIO, ctxErr)
		}
		return nil, "", fmt.Errorf("%w: failed to connect to upstream: %w", consts.ErrIO, err)
	}

	return conn, backend, nil
}

func (cm *ConnectionManager) dialBackend(ctx context.Context, addr string, breaker *circuitbreaker.CircuitBreaker) (net.Conn, error) {
	var conn net.Conn
	dial := func() error {
		c, err := cm.dial(ctx, addr)
		if err != nil {
			if ctx.Err() != nil {
				return fmt.Errorf("%w: %w", errDialAborted, err)
			}
			return err
		}
		conn = c
		return nil
	}

	var err error
	if breaker != nil {
		err = breaker.Execute(dial)
	} else {
		err = dial()
	}

	switch {
	case err == nil:
		metrics.UpstreamDials.WithLabelValues(addr, "success").Inc()
	case errors.Is(err, circuitbreaker.ErrCircuitBreakerOpen), errors.Is(err, circuitbreaker.ErrTooManyRequests):
		metrics.UpstreamDials.WithLabelValues(addr, "skipped").Inc()
	default:
		metrics.UpstreamDials.WithLabelValues(addr, "failure").Inc()
		if server.IsConnectionError(err) || errors.Is(err, errDialAborted) {
			logger.Debug("Failed to connect to backend", "backend", addr, "error", err)
		} else {
			logger.Warn("Failed to connect to backend", "backend", addr, "error", err)
		}
	}
	return conn, err
}

// pick chooses the address for the given attempt. With round robin every
// attempt takes the next address in turn; otherwise the list is walked from
// the first entry. Backends whose breaker is open are passed over unless all
// of them are, in which case the preferred one is let through.
func (cm *ConnectionManager) pick(attempt int) (string, *circuitbreaker.CircuitBreaker) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	n := len(cm.addrs)
	start := attempt % n
	if cm.roundRobin {
		start = cm.nextIndex % n
		cm.nextIndex = (cm.nextIndex + 1) % n
	}

	if !cm.enableBackendHealthCheck {
		return cm.addrs[start], nil
	}

	for i := 0; i < n; i++ {
		addr := cm.addrs[(start+i)%n]
		cb := cm.breakers[addr]
		if cb.State() != circuitbreaker.StateOpen {
			return addr, cb
		}
	}

	addr := cm.addrs[start]
	cb := cm.breakers[addr]
	logger.Warn("All backends marked unhealthy, trying preferred backend anyway", "backend", addr)
	cb.ForceHalfOpen()
	return addr, cb
}

func (cm *ConnectionManager) dial(ctx context.Context, addr string) (net.Conn, error) {
	dialer := &net.Dialer{
		Timeout:   cm.connectTimeout,
		KeepAlive: cm.keepAlive,
		Resolver:  cm.resolver,
	}

	logger.Debug("Attempting to connect to backend", "addr", addr)

	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}

	logger.Debug("Connected to backend", "addr", addr, "local", server.GetAddrString(conn.LocalAddr()), "remote", server.GetAddrString(conn.RemoteAddr()))
	return conn, nil
}

// ResolveAddresses resolves host names to IP addresses, expanding the address
// list. Addresses that fail to resolve are kept as they are. Health state of
// addresses present before and after is preserved.
func (cm *ConnectionManager) ResolveAddresses(ctx context.Context) error {
	current := cm.Addrs()
	logger.Info("Starting upstream address resolution", "current_backends", len(current))

	var resolved []string
	seen := make(map[string]bool)
	add := func(addr string) {
		if !seen[addr] {
			seen[addr] = true
			resolved = append(resolved, addr)
		}
	}

	for _, addr := range current {
		host, port, err := net.SplitHostPort(addr)
		if err != nil {
			add(addr)
			continue
		}
		if net.ParseIP(host) != nil {
			add(addr)
			continue
		}

		ips, err := cm.resolver.LookupIPAddr(ctx, host)
		if err != nil || len(ips) == 0 {
			logger.Warn("Failed to resolve backend, keeping unresolved address", "backend", addr, "error", err)
			add(addr)
			continue
		}
		for _, ip := range ips {
			add(net.JoinHostPort(ip.IP.String(), port))
		}
	}

	cm.mu.Lock()
	breakers := make(map[string]*circuitbreaker.CircuitBreaker, len(resolved))
	for _, addr := range resolved {
		if cb, ok := cm.breakers[addr]; ok {
			breakers[addr] = cb
		} else {
			breakers[addr] = newBackendBreaker(addr)
		}
	}
	cm.addrs = resolved
	cm.breakers = breakers
	cm.nextIndex = 0
	cm.mu.Unlock()

	logger.Info("Upstream address resolution complete", "resolved_backends", len(resolved))
	return nil
}

// IsBackendHealthy reports whether a backend is currently accepted for dialing.
func (cm *ConnectionManager) IsBackendHealthy(backend string) bool {
	if !cm.enableBackendHealthCheck {
		return true
	}

	cm.mu.Lock()
	cb, ok := cm.breakers[backend]
	cm.mu.Unlock()
	if !ok {
		return false
	}
	return cb.State() != circuitbreaker.StateOpen
}

// BackendHealthStatuses returns health information for all backends
func (cm *ConnectionManager) BackendHealthStatuses() []BackendHealthInfo {
	cm.mu.Lock()
	addrs := append([]string(nil), cm.addrs...)
	breakers := make([]*circuitbreaker.CircuitBreaker, len(addrs))
	for i, addr := range addrs {
		breakers[i] = cm.breakers[addr]
	}
	cm.mu.Unlock()

	statuses := make([]BackendHealthInfo, 0, len(addrs))
	for i, addr := range addrs {
		cb := breakers[i]
		state := cb.State()
		counts := cb.Counts()
		info := BackendHealthInfo{
			Address:            addr,
			State:              state.String(),
			IsHealthy:          state != circuitbreaker.StateOpen,
			ConsecutiveFails:   counts.ConsecutiveFailures,
			FailureCount:       counts.TotalFailures,
			LastStateChange:    cb.LastStateChange(),
			HealthCheckEnabled: cm.enableBackendHealthCheck,
		}
		if !cm.enableBackendHealthCheck {
			info.IsHealthy = true
		}
		statuses = append(statuses, info)
	}
	return statuses
}

// TLSConfig returns the client configuration used to upgrade a connection to
// backend with STARTTLS.
func (cm *ConnectionManager) TLSConfig(backend string) *tls.Config {
	serverName := cm.tlsServerName
	if serverName == "" {
		if host, _, err := net.SplitHostPort(backend); err == nil {
			serverName = host
		} else {
			serverName = backend
		}
	}

	return &tls.Config{
		ServerName:         serverName,
		InsecureSkipVerify: !cm.tlsVerify,
		RootCAs:            cm.rootCAs,
		MinVersion:         tls.VersionTLS12,
		// Never present a client certificate.
		GetClientCertificate: func(*tls.CertificateRequestInfo) (*tls.Certificate, error) {
			return &tls.Certificate{}, nil
		},
		Renegotiation: tls.RenegotiateNever,
	}
}

// GetConnectTimeout returns the TCP connect timeout.
func (cm *ConnectionManager) GetConnectTimeout() time.Duration {
	return cm.connectTimeout
}

// IsRoundRobin reports whether dials rotate across backends.
func (cm *ConnectionManager) IsRoundRobin() bool {
	return cm.roundRobin
}

package proxy

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/migadu/imapcache/config"
	"github.com/migadu/imapcache/consts"
	"github.com/migadu/imapcache/pkg/retry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastBackoff() *retry.BackoffConfig {
	return &retry.BackoffConfig{
		InitialInterval: time.Millisecond,
		MaxInterval:     time.Millisecond,
		Multiplier:      1,
	}
}

// startBackend accepts and immediately closes connections.
func startBackend(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			c.Close()
		}
	}()
	return ln.Addr().String()
}

// deadAddr returns a loopback address nothing listens on.
func deadAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())
	return addr
}

func TestNormalizeHostPort(t *testing.T) {
	tests := []struct {
		addr string
		port int
		want string
	}{
		{"imap.example.com", 143, "imap.example.com:143"},
		{"imap.example.com:1143", 143, "imap.example.com:1143"},
		{"192.0.2.1", 143, "192.0.2.1:143"},
		{"[2001:db8::1]:993", 143, "[2001:db8::1]:993"},
		{"2001:db8::1:143", 0, "[2001:db8::1]:143"},
		{"imap.example.com", 0, "imap.example.com"},
		{"", 143, ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, normalizeHostPort(tt.addr, tt.port), tt.addr)
	}
}

func TestNewConnectionManagerRequiresAddresses(t *testing.T) {
	_, err := NewConnectionManager(Options{})
	assert.Error(t, err)

	_, err = NewConnectionManager(Options{Addrs: []string{""}})
	assert.Error(t, err)
}

func TestNewConnectionManagerFromConfig(t *testing.T) {
	cfg := config.NewDefaultConfig()
	cfg.Upstream.RemoteAddrs = []string{"imap1.example.com", "imap2.example.com:1143"}
	cfg.Upstream.DNSRoundRobin = true

	cm, err := NewConnectionManagerFromConfig(&cfg.Upstream)
	require.NoError(t, err)
	assert.Equal(t, []string{"imap1.example.com:143", "imap2.example.com:1143"}, cm.Addrs())
	assert.True(t, cm.IsRoundRobin())
	assert.Equal(t, 10*time.Second, cm.GetConnectTimeout())

	cfg.Upstream.TLSCAFile = "/nonexistent/ca.pem"
	_, err = NewConnectionManagerFromConfig(&cfg.Upstream)
	assert.Error(t, err)
}

func TestDialFirstAddressWithoutRoundRobin(t *testing.T) {
	a := startBackend(t)
	b := startBackend(t)

	cm, err := NewConnectionManager(Options{Addrs: []string{a, b}, ConnectTimeout: time.Second})
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		conn, backend, err := cm.Dial(context.Background())
		require.NoError(t, err)
		conn.Close()
		assert.Equal(t, a, backend)
	}
}

func TestDialRoundRobin(t *testing.T) {
	a := startBackend(t)
	b := startBackend(t)

	cm, err := NewConnectionManager(Options{Addrs: []string{a, b}, RoundRobin: true, ConnectTimeout: time.Second})
	require.NoError(t, err)

	var got []string
	for i := 0; i < 4; i++ {
		conn, backend, err := cm.Dial(context.Background())
		require.NoError(t, err)
		conn.Close()
		got = append(got, backend)
	}
	assert.Equal(t, []string{a, b, a, b}, got)
}

func TestDialRetriesNextBackend(t *testing.T) {
	dead := deadAddr(t)
	live := startBackend(t)

	cm, err := NewConnectionManager(Options{
		Addrs:          []string{dead, live},
		ConnectTimeout: time.Second,
		Retries:        1,
		Backoff:        fastBackoff(),
	})
	require.NoError(t, err)

	conn, backend, err := cm.Dial(context.Background())
	require.NoError(t, err)
	conn.Close()
	assert.Equal(t, live, backend)
}

func TestDialFailureIsIOError(t *testing.T) {
	cm, err := NewConnectionManager(Options{
		Addrs:          []string{deadAddr(t)},
		ConnectTimeout: time.Second,
		Retries:        2,
		Backoff:        fastBackoff(),
	})
	require.NoError(t, err)

	_, _, err = cm.Dial(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, consts.ErrIO)
	assert.Contains(t, err.Error(), "after 3 attempts")
}

func TestUnhealthyBackendIsSkipped(t *testing.T) {
	dead := deadAddr(t)
	live := startBackend(t)

	cm, err := NewConnectionManager(Options{
		Addrs:          []string{dead, live},
		ConnectTimeout: time.Second,
		Backoff:        fastBackoff(),
	})
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, _, err := cm.Dial(context.Background())
		require.Error(t, err)
	}
	assert.False(t, cm.IsBackendHealthy(dead))
	assert.True(t, cm.IsBackendHealthy(live))

	conn, backend, err := cm.Dial(context.Background())
	require.NoError(t, err)
	conn.Close()
	assert.Equal(t, live, backend)

	statuses := cm.BackendHealthStatuses()
	require.Len(t, statuses, 2)
	assert.Equal(t, dead, statuses[0].Address)
	assert.False(t, statuses[0].IsHealthy)
	assert.Equal(t, "OPEN", statuses[0].State)
	assert.True(t, statuses[1].IsHealthy)
	assert.True(t, statuses[1].HealthCheckEnabled)
}

func TestAllBackendsUnhealthyStillTried(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	cm, err := NewConnectionManager(Options{Addrs: []string{addr}, ConnectTimeout: time.Second})
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, _, err := cm.Dial(context.Background())
		require.Error(t, err)
	}
	require.False(t, cm.IsBackendHealthy(addr))

	// The backend comes back on the same port.
	ln, err = net.Listen("tcp", addr)
	if err != nil {
		t.Skipf("port %s was reused: %v", addr, err)
	}
	defer ln.Close()
	go func() {
		if c, err := ln.Accept(); err == nil {
			c.Close()
		}
	}()

	conn, backend, err := cm.Dial(context.Background())
	require.NoError(t, err)
	conn.Close()
	assert.Equal(t, addr, backend)
	assert.True(t, cm.IsBackendHealthy(addr))
}

func TestDisabledHealthCheck(t *testing.T) {
	dead := deadAddr(t)

	cm, err := NewConnectionManager(Options{Addrs: []string{dead}, ConnectTimeout: time.Second, DisableHealthCheck: true})
	require.NoError(t, err)

	for i := 0; i < 4; i++ {
		_, _, err := cm.Dial(context.Background())
		require.Error(t, err)
	}
	assert.True(t, cm.IsBackendHealthy(dead))
	statuses := cm.BackendHealthStatuses()
	require.Len(t, statuses, 1)
	assert.True(t, statuses[0].IsHealthy)
	assert.False(t, statuses[0].HealthCheckEnabled)
}

func TestCancelledDialDoesNotMarkUnhealthy(t *testing.T) {
	dead := deadAddr(t)
	cm, err := NewConnectionManager(Options{Addrs: []string{dead}, ConnectTimeout: time.Second, Retries: 3, Backoff: fastBackoff()})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	for i := 0; i < 5; i++ {
		_, _, err := cm.Dial(ctx)
		require.Error(t, err)
		assert.True(t, errors.Is(err, context.Canceled))
	}
	assert.True(t, cm.IsBackendHealthy(dead))
}

func TestResolveAddresses(t *testing.T) {
	cm, err := NewConnectionManager(Options{
		Addrs:       []string{"localhost:1143", "192.0.2.7"},
		DefaultPort: 143,
	})
	require.NoError(t, err)

	require.NoError(t, cm.ResolveAddresses(context.Background()))

	addrs := cm.Addrs()
	assert.Contains(t, addrs, "192.0.2.7:143")
	assert.NotContains(t, addrs, "localhost:1143")
	for _, addr := range addrs {
		host, _, err := net.SplitHostPort(addr)
		require.NoError(t, err)
		assert.NotNil(t, net.ParseIP(host), addr)
		assert.True(t, cm.IsBackendHealthy(addr))
	}
}

func TestTLSConfig(t *testing.T) {
	cm, err := NewConnectionManager(Options{Addrs: []string{"imap.example.com"}, DefaultPort: 143, TLSVerify: true})
	require.NoError(t, err)

	cfg := cm.TLSConfig("imap.example.com:143")
	assert.Equal(t, "imap.example.com", cfg.ServerName)
	assert.False(t, cfg.InsecureSkipVerify)

	cm, err = NewConnectionManager(Options{Addrs: []string{"192.0.2.1"}, DefaultPort: 143, TLSServerName: "mail.example.com"})
	require.NoError(t, err)

	cfg = cm.TLSConfig("192.0.2.1:143")
	assert.Equal(t, "mail.example.com", cfg.ServerName)
	assert.True(t, cfg.InsecureSkipVerify)
}

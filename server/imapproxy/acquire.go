// Package imapproxy hands out logged-in upstream IMAP connections.
//
// An Acquirer first looks for an idle connection already logged in as the
// user in the connection cache. Otherwise it dials an upstream server, reads
// the greeting, optionally upgrades to TLS, replays pre-authentication
// commands and logs in, then records the connection in the cache.
package imapproxy

import (
	"context"
	"crypto/tls"
	"encoding/base64"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/emersion/go-sasl"

	"github.com/migadu/imapcache/config"
	"github.com/migadu/imapcache/consts"
	"github.com/migadu/imapcache/helpers"
	"github.com/migadu/imapcache/logger"
	"github.com/migadu/imapcache/pkg/conncache"
	"github.com/migadu/imapcache/pkg/metrics"
	"github.com/migadu/imapcache/server"
	"github.com/migadu/imapcache/server/idgen"
	"github.com/migadu/imapcache/server/imapwire"
)

// Tags used on upstream connections. Only one command is outstanding at a
// time, so fixed tags are enough.
const (
	tagStartTLS = "S0001"
	tagPreauth  = "P0001"
	tagLogin    = "A0001"

	queuedPreauthTagFormat = "QP%04d"
)

// minReclaimAge is the smallest idle age a fresh login will reclaim
// connections down to before giving up with consts.ErrPoolExhausted.
const minReclaimAge = 2 * time.Second

// ReasonQueuedPreauthFailed is the eviction reason for a reused connection
// that rejected the client's queued pre-authentication command.
const ReasonQueuedPreauthFailed = "queued_preauth_failed"

// Acquisition states, as reported in LoginError and metrics.
const (
	StateCacheLookup        = "cache_lookup"
	StateFreshConnect       = "fresh_connect"
	StateStartTLS           = "starttls"
	StateQueuedPreauth      = "queued_preauth"
	StatePreauthCommand     = "preauth_command"
	StateSASLPlain          = "sasl_plain"
	StateLiteralLogin       = "literal_login"
	StatePlainLogin         = "plain_login"
	StateResponseValidation = "response_validation"
	StateCacheInsert        = "cache_insert"
)

// Cache is the connection cache specialised to upstream IMAP connections.
type Cache = conncache.Cache[*imapwire.Conn]

// Dialer opens upstream connections. *proxy.ConnectionManager implements it.
type Dialer interface {
	Dial(ctx context.Context) (net.Conn, string, error)
	TLSConfig(backend string) *tls.Config
}

// Options carries the static login policy.
type Options struct {
	ForceTLS       bool
	LoginDisabled  bool
	PreauthCommand string

	SASLUsername string
	SASLPassword string
	SharedSecret string

	ReadTimeout time.Duration
	Expiration  time.Duration
}

// OptionsFromConfig extracts the login policy from the configuration.
func OptionsFromConfig(cfg *config.Config) (Options, error) {
	readTimeout, err := cfg.Upstream.GetReadTimeout()
	if err != nil {
		return Options{}, fmt.Errorf("invalid read_timeout: %w", err)
	}
	expiration, err := cfg.Cache.GetExpiration()
	if err != nil {
		return Options{}, fmt.Errorf("invalid expiration: %w", err)
	}

	opts := Options{
		ForceTLS:       cfg.Upstream.ForceTLS,
		LoginDisabled:  cfg.Upstream.LoginDisabled,
		PreauthCommand: cfg.Upstream.PreauthCommand,
		ReadTimeout:    readTimeout,
		Expiration:     expiration,
	}
	if cfg.Auth.Enabled() {
		opts.SASLUsername = cfg.Auth.SASLPlainUsername
		opts.SASLPassword = cfg.Auth.SASLPlainPassword
		opts.SharedSecret = cfg.Auth.SharedSecret
	}
	return opts, nil
}

func (o *Options) saslEnabled() bool {
	return o.SASLUsername != "" && o.SASLPassword != "" && o.SharedSecret != ""
}

func (o *Options) needsStartTLS() bool {
	return o.ForceTLS || o.LoginDisabled
}

// LoginRequest is what a client presented when it logged in.
type LoginRequest struct {
	Username string
	Password string
	// LiteralPassword is set when the client sent the password as a string
	// literal; it is then forwarded the same way.
	LiteralPassword bool

	ClientAddr string
	ClientPort string

	// QueuedPreauth is a command the client issued before logging in, e.g.
	// an ID command, to be replayed on the upstream connection.
	QueuedPreauth string

	// SessionID correlates log lines; one is generated when empty.
	SessionID string
}

func (r *LoginRequest) client() string {
	return net.JoinHostPort(r.ClientAddr, r.ClientPort)
}

// Result is a ready, logged-in upstream connection.
type Result struct {
	Conn *imapwire.Conn
	// Response is the server's reply to the login, without the tag, e.g.
	// "OK [CAPABILITY IMAP4rev1] done". It is empty for reused connections.
	Response string
	Reused   bool
	Backend  string

	lease *conncache.Lease[*imapwire.Conn] // nil when the connection is not cached
}

// Cached reports whether the connection is held in the cache.
func (r *Result) Cached() bool {
	return r.lease != nil
}

// LoginError describes a failed acquisition. ServerText holds the server's
// response when it refused a command. Neither is meant for the client.
type LoginError struct {
	State      string
	ServerText string
	Err        error
}

func (e *LoginError) Error() string {
	if e.ServerText != "" {
		return fmt.Sprintf("%s: %v (server said %q)", e.State, e.Err, e.ServerText)
	}
	return fmt.Sprintf("%s: %v", e.State, e.Err)
}

func (e *LoginError) Unwrap() error {
	return e.Err
}

// Acquirer produces logged-in upstream connections for client sessions.
// It is safe for concurrent use.
type Acquirer struct {
	cache  *Cache
	dialer Dialer
	opts   Options
}

// NewAcquirer creates an Acquirer.
func NewAcquirer(cache *Cache, dialer Dialer, opts Options) *Acquirer {
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = imapwire.DefaultReadTimeout
	}
	return &Acquirer{cache: cache, dialer: dialer, opts: opts}
}

// Acquire returns a connection logged in as req.Username, reusing a cached
// one when possible. On failure no connection is left open and the error is
// a *LoginError wrapping one of the consts sentinels.
func (a *Acquirer) Acquire(ctx context.Context, req LoginRequest) (*Result, error) {
	if req.SessionID == "" {
		req.SessionID = idgen.NewSessionID()
	}
	ctx = context.WithValue(ctx, consts.SessionIDKey, req.SessionID)

	lease, err := a.cache.TryAcquire(req.Username, req.Password)
	if err != nil {
		return nil, a.fail(ctx, req, "cache", StateCacheLookup, "", err)
	}
	if lease != nil {
		return a.reuse(ctx, req, lease)
	}

	logger.InfoContext(ctx, "LOGIN: no previous connection, creating a new one", "user", req.Username, "client", req.client())
	return a.fresh(ctx, req)
}

func (a *Acquirer) reuse(ctx context.Context, req LoginRequest, lease *conncache.Lease[*imapwire.Conn]) (*Result, error) {
	conn := lease.Conn()
	conn.Reader().Reset()
	conn.SetReadTimeout(a.opts.ReadTimeout)

	logger.InfoContext(ctx, "LOGIN: on existing connection", "user", lease.Username(), "client", req.client(), "backend", server.GetAddrString(conn.RemoteAddr()))

	if req.QueuedPreauth != "" {
		if serverText, err := a.runCommand(ctx, conn, fmt.Sprintf(queuedPreauthTagFormat, 1), req.QueuedPreauth); err != nil {
			if evictErr := lease.Evict(ReasonQueuedPreauthFailed); evictErr != nil && !errors.Is(evictErr, conncache.ErrStaleLease) {
				err = evictErr
			}
			return nil, a.fail(ctx, req, "cache", StateQueuedPreauth, serverText, err)
		}
	}

	metrics.Acquisitions.WithLabelValues("cache", "success").Inc()
	return &Result{
		Conn:    conn,
		Reused:  lease.Reused(),
		Backend: server.GetAddrString(conn.RemoteAddr()),
		lease:   lease,
	}, nil
}

func (a *Acquirer) fresh(ctx context.Context, req LoginRequest) (*Result, error) {
	if a.opts.saslEnabled() && helpers.StripQuotes(req.Password) != a.opts.SharedSecret {
		return nil, a.fail(ctx, req, "fresh", StateSASLPlain, "", fmt.Errorf("%w: shared secret was wrong", consts.ErrAuthRejected))
	}

	start := time.Now()
	nc, backend, err := a.dialer.Dial(ctx)
	if err != nil {
		return nil, a.fail(ctx, req, "fresh", StateFreshConnect, "", err)
	}

	conn := imapwire.NewConn(nc)
	conn.SetReadTimeout(a.opts.ReadTimeout)

	// Until the connection is in the cache it is ours to close.
	handedOff := false
	defer func() {
		if !handedOff {
			conn.Close()
		}
	}()

	if _, err := conn.ReadGreeting(); err != nil {
		return nil, a.fail(ctx, req, "fresh", StateFreshConnect, "", fmt.Errorf("no banner line received from %s: %w", backend, err))
	}

	if a.opts.needsStartTLS() {
		if serverText, err := a.startTLS(ctx, conn, backend); err != nil {
			return nil, a.fail(ctx, req, "fresh", StateStartTLS, serverText, err)
		}
	}

	if req.QueuedPreauth != "" {
		if serverText, err := a.runCommand(ctx, conn, fmt.Sprintf(queuedPreauthTagFormat, 1), req.QueuedPreauth); err != nil {
			return nil, a.fail(ctx, req, "fresh", StateQueuedPreauth, serverText, err)
		}
	}

	if a.opts.PreauthCommand != "" {
		if serverText, err := a.runCommand(ctx, conn, tagPreauth, a.opts.PreauthCommand); err != nil {
			return nil, a.fail(ctx, req, "fresh", StatePreauthCommand, serverText, err)
		}
	}

	method, err := a.authenticate(conn, req)
	if err != nil {
		return nil, a.fail(ctx, req, "fresh", method, "", err)
	}

	resp, err := conn.ReadCompletion(tagLogin)
	if err != nil {
		return nil, a.fail(ctx, req, "fresh", StateResponseValidation, "", err)
	}
	if !resp.IsOK() {
		return nil, a.fail(ctx, req, "fresh", StateResponseValidation, resp.Full,
			fmt.Errorf("%w: non-OK server response to login", consts.ErrProtocol))
	}
	metrics.UpstreamLoginDuration.WithLabelValues(method).Observe(time.Since(start).Seconds())

	if caps := resp.Capabilities(); caps != nil {
		logger.DebugContext(ctx, "Upstream announced capabilities after login", "backend", backend, "count", len(caps))
	}

	lease, err := a.insert(ctx, req, conn)
	if err != nil {
		return nil, a.fail(ctx, req, "fresh", StateCacheInsert, "", err)
	}
	handedOff = true

	logger.InfoContext(ctx, "LOGIN: on new connection", "user", req.Username, "client", req.client(), "backend", backend, "method", method, "cached", lease != nil)
	metrics.Acquisitions.WithLabelValues("fresh", "success").Inc()

	return &Result{
		Conn:     conn,
		Response: resp.Full,
		Backend:  backend,
		lease:    lease,
	}, nil
}

// startTLS issues STARTTLS and upgrades the connection. It returns the
// server's text when the server refused.
func (a *Acquirer) startTLS(ctx context.Context, conn *imapwire.Conn, backend string) (string, error) {
	if serverText, err := a.runCommand(ctx, conn, tagStartTLS, "STARTTLS"); err != nil {
		return serverText, err
	}

	hctx, cancel := context.WithTimeout(ctx, a.opts.ReadTimeout)
	defer cancel()
	if err := conn.StartTLS(hctx, a.dialer.TLSConfig(backend)); err != nil {
		return "", err
	}
	logger.DebugContext(ctx, "STARTTLS negotiated with upstream", "backend", backend)
	return "", nil
}

// runCommand sends one tagged command and waits for its OK. Untagged lines
// before the completion are skipped.
func (a *Acquirer) runCommand(ctx context.Context, conn *imapwire.Conn, tag, command string) (string, error) {
	if err := conn.Send(tag, command); err != nil {
		return "", err
	}
	resp, err := conn.ReadCompletion(tag)
	if err != nil {
		return "", err
	}
	if !resp.IsOK() {
		return resp.Full, fmt.Errorf("%w: non-OK server response to %s", consts.ErrProtocol, tag)
	}
	logger.DebugContext(ctx, "Upstream accepted command", "tag", tag, "response", resp.Full)
	return "", nil
}

// authenticate sends the login command. The completion is read by the
// caller. The returned state names the method used.
func (a *Acquirer) authenticate(conn *imapwire.Conn, req LoginRequest) (string, error) {
	switch {
	case a.opts.saslEnabled():
		client := sasl.NewPlainClient(helpers.StripQuotes(req.Username), a.opts.SASLUsername, a.opts.SASLPassword)
		_, ir, err := client.Start()
		if err != nil {
			return StateSASLPlain, fmt.Errorf("%w: %w", consts.ErrProtocol, err)
		}
		return StateSASLPlain, conn.Send(tagLogin, "AUTHENTICATE PLAIN "+base64.StdEncoding.EncodeToString(ir))

	case req.LiteralPassword:
		if err := conn.Send(tagLogin, "LOGIN "+req.Username+" {"+strconv.Itoa(len(req.Password))+"}"); err != nil {
			return StateLiteralLogin, err
		}
		if err := conn.ReadContinuation(); err != nil {
			return StateLiteralLogin, err
		}
		return StateLiteralLogin, conn.WriteString(req.Password + "\r\n")

	default:
		return StatePlainLogin, conn.Send(tagLogin, "LOGIN "+req.Username+" "+req.Password)
	}
}

// insert places a freshly logged-in connection in the cache. With no free
// slot it reclaims idle connections, halving the age threshold each round
// from the configured expiration until minReclaimAge. A username the cache
// cannot key on gives a nil lease and no error.
func (a *Acquirer) insert(ctx context.Context, req LoginRequest, conn *imapwire.Conn) (*conncache.Lease[*imapwire.Conn], error) {
	expiration := a.opts.Expiration
	for {
		lease, err := a.cache.Insert(req.Username, req.Password, conn)
		switch {
		case err == nil:
			return lease, nil
		case errors.Is(err, conncache.ErrUsernameTooLong):
			logger.WarnContext(ctx, "Username too long to cache, connection will not be reused", "user", req.Username)
			return nil, nil
		case !errors.Is(err, consts.ErrPoolExhausted):
			return nil, err
		}

		expiration /= 2
		if expiration <= minReclaimAge {
			metrics.PoolExhausted.Inc()
			return nil, fmt.Errorf("out of free connection slots: %w", err)
		}

		n, rerr := a.cache.ReclaimUnderPressure(expiration)
		if rerr != nil {
			return nil, rerr
		}
		logger.DebugContext(ctx, "Reclaimed idle connections under pressure", "max_age", expiration, "reclaimed", n)
	}
}

func (a *Acquirer) fail(ctx context.Context, req LoginRequest, path, state, serverText string, err error) error {
	metrics.Acquisitions.WithLabelValues(path, "failure").Inc()
	metrics.AcquisitionFailures.WithLabelValues(state).Inc()

	var le *LoginError
	if !errors.As(err, &le) {
		le = &LoginError{State: state, ServerText: serverText, Err: err}
	}

	args := []any{"user", req.Username, "client", req.client(), "state", le.State, "error", le.Err}
	if le.ServerText != "" {
		args = append(args, "server_response", le.ServerText)
	}
	switch {
	case errors.Is(err, consts.ErrFatal):
		logger.ErrorContext(ctx, "LOGIN failed: internal error", args...)
	case server.IsConnectionError(err), errors.Is(err, consts.ErrAuthRejected):
		logger.InfoContext(ctx, "LOGIN failed", args...)
	default:
		logger.WarnContext(ctx, "LOGIN failed", args...)
	}
	return le
}

// Release ends a client's use of a connection. A cached connection goes
// back to the cache as idle; an uncached one is closed.
func (a *Acquirer) Release(res *Result) error {
	if res.lease == nil {
		return res.Conn.Close()
	}
	return res.lease.Release()
}

// Discard closes a connection that must not be reused, e.g. because the
// client session left it in an unknown state.
func (a *Acquirer) Discard(res *Result) error {
	if res.lease == nil {
		return res.Conn.Close()
	}
	return res.lease.Evict(conncache.ReasonDiscarded)
}

// Stats returns the cache counters.
func (a *Acquirer) Stats() conncache.Stats {
	return a.cache.Stats()
}

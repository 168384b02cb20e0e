// Package imapwire implements the byte-level side of talking to an upstream
// IMAP server: a transport that can be upgraded to TLS in place, a reader
// that frames CRLF lines and string literals, and a tokenizer for tagged
// completion responses.
package imapwire

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"github.com/migadu/imapcache/consts"
)

// DefaultReadTimeout bounds every blocking read when no other timeout is set.
const DefaultReadTimeout = 30 * time.Second

// probeWait is how long Probe lets a read wait. A deadline already in the
// past fails before the socket is looked at, so it has to be in the future.
const probeWait = time.Millisecond

// Transport is a duplex byte stream to an upstream server. Reads and writes
// look the same whether or not the stream has been upgraded to TLS.
type Transport struct {
	raw  net.Conn
	conn net.Conn // raw, or a *tls.Conn layered over raw

	readTimeout time.Duration

	closeOnce sync.Once
	closeErr  error
}

// NewTransport wraps an established connection.
func NewTransport(conn net.Conn) *Transport {
	return &Transport{
		raw:         conn,
		conn:        conn,
		readTimeout: DefaultReadTimeout,
	}
}

// SetReadTimeout sets the bound applied to each blocking read. Zero disables it.
func (t *Transport) SetReadTimeout(d time.Duration) {
	t.readTimeout = d
}

// ReadTimeout returns the per-read bound.
func (t *Transport) ReadTimeout() time.Duration {
	return t.readTimeout
}

// Read reads into p, waiting at most the configured read timeout.
// Errors are returned unmapped so io.EOF stays recognisable.
func (t *Transport) Read(p []byte) (int, error) {
	if t.readTimeout > 0 {
		if err := t.conn.SetReadDeadline(time.Now().Add(t.readTimeout)); err != nil {
			return 0, err
		}
	}
	return t.conn.Read(p)
}

// Write writes all of p.
func (t *Transport) Write(p []byte) (int, error) {
	n, err := t.conn.Write(p)
	if err != nil {
		return n, fmt.Errorf("%w: write: %w", consts.ErrIO, err)
	}
	return n, nil
}

// WriteString writes s.
func (t *Transport) WriteString(s string) error {
	_, err := io.WriteString(t, s)
	return err
}

// IsTLS reports whether the stream is encrypted.
func (t *Transport) IsTLS() bool {
	_, ok := t.conn.(*tls.Conn)
	return ok
}

// ConnectionState returns the TLS state, if any.
func (t *Transport) ConnectionState() (tls.ConnectionState, bool) {
	if tc, ok := t.conn.(*tls.Conn); ok {
		return tc.ConnectionState(), true
	}
	return tls.ConnectionState{}, false
}

// StartTLS layers a TLS client session over the existing socket and runs the
// handshake. The caller must have completed the STARTTLS exchange first and
// must discard any bytes it had buffered from the plaintext phase.
func (t *Transport) StartTLS(ctx context.Context, cfg *tls.Config) error {
	if t.IsTLS() {
		return fmt.Errorf("%w: transport is already encrypted", consts.ErrProtocol)
	}

	tlsConn := tls.Client(t.raw, cfg)
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		return fmt.Errorf("%w: TLS handshake: %w", consts.ErrIO, err)
	}
	t.conn = tlsConn
	return nil
}

// Probe checks, without blocking for long, whether the peer still has the
// connection open. A read that times out means the socket is alive. A read
// that returns data also means alive; the data is unsolicited and dropped.
// End of stream or any other error means the peer is gone.
func (t *Transport) Probe() error {
	var buf [512]byte
	defer t.conn.SetReadDeadline(time.Time{})

	for {
		if err := t.conn.SetReadDeadline(time.Now().Add(probeWait)); err != nil {
			return fmt.Errorf("%w: probe: %w", consts.ErrIO, err)
		}
		n, err := t.conn.Read(buf[:])
		if err == nil && n > 0 {
			continue
		}
		if err == nil {
			return nil
		}
		if isTimeout(err) {
			return nil
		}
		if errors.Is(err, io.EOF) {
			return fmt.Errorf("%w: connection closed by server", consts.ErrIO)
		}
		return fmt.Errorf("%w: probe: %w", consts.ErrIO, err)
	}
}

// Close shuts the stream down. For TLS this sends close_notify before the
// socket is closed. Calling Close more than once is safe.
func (t *Transport) Close() error {
	t.closeOnce.Do(func() {
		if tc, ok := t.conn.(*tls.Conn); ok {
			// Don't let close_notify block on a dead peer.
			_ = tc.SetWriteDeadline(time.Now().Add(time.Second))
			t.closeErr = tc.Close()
			return
		}
		t.closeErr = t.raw.Close()
	})
	return t.closeErr
}

// LocalAddr returns the local network address.
func (t *Transport) LocalAddr() net.Addr {
	return t.raw.LocalAddr()
}

// RemoteAddr returns the upstream network address.
func (t *Transport) RemoteAddr() net.Addr {
	return t.raw.RemoteAddr()
}

func isTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

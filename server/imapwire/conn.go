package imapwire

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"net"

	"github.com/migadu/imapcache/consts"
	"github.com/migadu/imapcache/helpers"
	"github.com/migadu/imapcache/logger"
)

// Conn is an upstream connection: the transport plus the reader that frames
// what comes back on it.
type Conn struct {
	*Transport
	r *Reader
}

// NewConn wraps an established network connection.
func NewConn(nc net.Conn) *Conn {
	t := NewTransport(nc)
	return &Conn{
		Transport: t,
		r:         NewReader(t),
	}
}

// Reader returns the framing reader for this connection.
func (c *Conn) Reader() *Reader {
	return c.r
}

// StartTLS upgrades the connection. Anything buffered from the plaintext
// phase is dropped so it cannot be mistaken for encrypted data.
func (c *Conn) StartTLS(ctx context.Context, cfg *tls.Config) error {
	if c.r.Buffered() > 0 {
		return fmt.Errorf("%w: %d plaintext bytes buffered before TLS handshake", consts.ErrProtocol, c.r.Buffered())
	}
	c.r.Reset()
	return c.Transport.StartTLS(ctx, cfg)
}

// Send writes "<tag> <command>\r\n".
func (c *Conn) Send(tag, command string) error {
	line := tag + " " + command + "\r\n"
	logger.Debug("Upstream: sending command", "remote", c.RemoteAddr().String(), "line", helpers.MaskSensitive(line))
	return c.WriteString(line)
}

// ReadGreeting reads the server greeting. A greeting that announces a
// literal is rejected.
func (c *Conn) ReadGreeting() (string, error) {
	line, err := c.readWholeLine()
	if err != nil {
		return "", err
	}
	if c.r.LiteralRemaining() > 0 {
		return "", fmt.Errorf("%w: unexpected literal in server greeting", consts.ErrProtocol)
	}
	return string(trimCRLF(line)), nil
}

// ReadContinuation waits for a "+" continuation request.
func (c *Conn) ReadContinuation() error {
	line, err := c.readWholeLine()
	if err != nil {
		return err
	}
	if c.r.LiteralRemaining() > 0 {
		return fmt.Errorf("%w: unexpected literal where a continuation was expected", consts.ErrProtocol)
	}
	if !IsContinuation(line) {
		return fmt.Errorf("%w: expected continuation, got %q", consts.ErrProtocol, trimCRLF(line))
	}
	return nil
}

// ReadCompletion reads until the completion for tag arrives. Untagged
// responses, and any literals they carry, are skipped. A completion with a
// different tag is a protocol error; the status is not checked here.
func (c *Conn) ReadCompletion(tag string) (TaggedResponse, error) {
	for {
		line, err := c.readWholeLine()
		if err != nil {
			return TaggedResponse{}, err
		}

		if IsUntagged(line) {
			// A literal is followed by the rest of the same response, which
			// may announce another one.
			for c.r.LiteralRemaining() > 0 {
				if err := c.r.DiscardLiteral(); err != nil {
					return TaggedResponse{}, err
				}
				if _, err := c.readWholeLine(); err != nil {
					return TaggedResponse{}, err
				}
			}
			continue
		}

		if c.r.LiteralRemaining() > 0 {
			return TaggedResponse{}, fmt.Errorf("%w: unexpected literal in tagged response", consts.ErrProtocol)
		}

		resp, err := ParseTaggedResponse(line)
		if err != nil {
			return TaggedResponse{}, err
		}
		if resp.Tag != tag {
			return resp, fmt.Errorf("%w: response tag %q does not match %q", consts.ErrProtocol, resp.Tag, tag)
		}
		return resp, nil
	}
}

// readWholeLine returns one logical line. When the line is longer than the
// buffer only its first chunk is kept; the remaining chunks are read and
// dropped. The result is a copy and stays valid across reads.
func (c *Conn) readWholeLine() ([]byte, error) {
	line, err := c.r.ReadLine()
	if err != nil {
		return nil, err
	}
	first := bytes.Clone(line)

	for !bytes.HasSuffix(line, []byte("\n")) {
		if line, err = c.r.ReadLine(); err != nil {
			return nil, err
		}
	}
	if len(first) > 0 && first[len(first)-1] != '\n' {
		first = append(first, '\r', '\n')
	}
	return first, nil
}

package imapwire

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"math"

	"github.com/migadu/imapcache/consts"
)

const (
	// DefaultBufferSize is the capacity of a Reader's line buffer. It also
	// bounds the server response text handed back after login.
	DefaultBufferSize = 4096

	// maxLiteralSpecifierLength is how many bytes of a full buffer are held
	// back when a partial line is returned, so that a literal specifier
	// such as "{4294967295+}" straddling the cut is still seen whole on the
	// next call.
	maxLiteralSpecifierLength = 20

	minBufferSize = 2 * maxLiteralSpecifierLength
)

// Reader frames a stream from an IMAP server into CRLF lines and string
// literals. A literal announced at the end of a line must be consumed with
// ReadLiteral before ReadLine may be called again.
//
// Slices returned by ReadLine and ReadLiteral alias the internal buffer and
// are only valid until the next call.
type Reader struct {
	src io.Reader
	buf []byte

	consumed int // bytes already handed to the caller
	filled   int // bytes in buf

	literalRemaining uint32
	nonSync          bool
	moreData         bool
}

// NewReader returns a Reader with the default buffer size.
func NewReader(src io.Reader) *Reader {
	return NewReaderSize(src, DefaultBufferSize)
}

// NewReaderSize returns a Reader whose buffer holds size bytes.
func NewReaderSize(src io.Reader, size int) *Reader {
	if size < minBufferSize {
		size = minBufferSize
	}
	return &Reader{
		src: src,
		buf: make([]byte, size),
	}
}

// ReadLine returns the next CRLF-terminated line, terminator included.
//
// When the buffer fills before a line ends, the first part of the line is
// returned on its own, minus a short tail that is kept for the next call.
// If that cut happens between CR and LF, the next call returns the lone LF.
func (r *Reader) ReadLine() ([]byte, error) {
	if r.literalRemaining > 0 {
		return nil, fmt.Errorf("%w: line read with %d literal bytes outstanding", consts.ErrProtocol, r.literalRemaining)
	}

	r.compact()

	for {
		if i := bytes.IndexByte(r.buf[:r.filled], '\n'); i >= 0 {
			if i == 0 {
				if !r.moreData {
					return nil, fmt.Errorf("%w: line begins with LF", consts.ErrProtocol)
				}
				r.moreData = false
				r.consumed = 1
				return r.buf[:1], nil
			}

			r.moreData = false
			if r.buf[i-1] != '\r' {
				return nil, fmt.Errorf("%w: line terminated by LF, not CRLF", consts.ErrProtocol)
			}

			line := r.buf[:i+1]
			r.consumed = i + 1
			if err := r.parseLiteralSpecifier(line); err != nil {
				return nil, err
			}
			return line, nil
		}

		if r.filled == len(r.buf) {
			r.moreData = true
			r.consumed = len(r.buf) - maxLiteralSpecifierLength
			return r.buf[:r.consumed], nil
		}

		if err := r.fill(); err != nil {
			return nil, err
		}
	}
}

// parseLiteralSpecifier looks for "{n}" or "{n+}" immediately before the CRLF.
func (r *Reader) parseLiteralSpecifier(line []byte) error {
	n := len(line)
	if n < 3 || line[n-3] != '}' {
		return nil
	}

	end := n - 3
	start := bytes.LastIndexByte(line[:end], '{')
	if start < 0 {
		return nil
	}

	spec := line[start+1 : end]
	if len(spec) == 0 {
		// "{}" is not a literal.
		return nil
	}

	nonSync := false
	if spec[len(spec)-1] == '+' {
		nonSync = true
		spec = spec[:len(spec)-1]
	}

	count, err := parseLiteralCount(spec)
	if err != nil {
		return fmt.Errorf("%w: bad literal specifier %q: %v", consts.ErrProtocol, line[start:end+1], err)
	}

	r.literalRemaining = count
	r.nonSync = nonSync
	return nil
}

func parseLiteralCount(digits []byte) (uint32, error) {
	if len(digits) == 0 {
		return 0, errors.New("no digits")
	}

	var v uint32
	for _, c := range digits {
		if c < '0' || c > '9' {
			return 0, fmt.Errorf("unexpected character %q", c)
		}
		d := uint32(c - '0')
		if v > math.MaxUint32/10 {
			return 0, errors.New("count overflows")
		}
		v *= 10
		if d > math.MaxUint32-v {
			return 0, errors.New("count overflows")
		}
		v += d
	}
	return v, nil
}

// ReadLiteral returns the next chunk of an outstanding literal. A chunk is
// the rest of the literal or a full buffer, whichever is smaller, and is
// assembled from as many socket reads as it takes. It returns an empty
// slice when no literal is outstanding.
func (r *Reader) ReadLiteral() ([]byte, error) {
	if r.literalRemaining == 0 {
		return nil, nil
	}

	r.compact()

	want := len(r.buf)
	if uint64(r.literalRemaining) < uint64(want) {
		want = int(r.literalRemaining)
	}

	for r.filled < want {
		if err := r.fill(); err != nil {
			return nil, err
		}
	}

	r.consumed = want
	r.literalRemaining -= uint32(want)
	return r.buf[:want], nil
}

// DiscardLiteral reads and drops whatever remains of the current literal.
func (r *Reader) DiscardLiteral() error {
	for r.literalRemaining > 0 {
		if _, err := r.ReadLiteral(); err != nil {
			return err
		}
	}
	return nil
}

// LiteralRemaining returns the number of literal bytes not yet delivered.
func (r *Reader) LiteralRemaining() uint32 {
	return r.literalRemaining
}

// NonSyncLiteral reports whether the last literal specifier carried a "+".
func (r *Reader) NonSyncLiteral() bool {
	return r.nonSync
}

// Buffered returns the number of bytes read from the source but not yet
// returned to the caller.
func (r *Reader) Buffered() int {
	return r.filled - r.consumed
}

// Reset drops all buffered state. Used when the stream underneath changes
// hands, e.g. after STARTTLS or when a cached connection is reused.
func (r *Reader) Reset() {
	r.consumed = 0
	r.filled = 0
	r.literalRemaining = 0
	r.nonSync = false
	r.moreData = false
}

// compact moves unconsumed bytes to the front of the buffer.
func (r *Reader) compact() {
	if r.consumed == 0 {
		return
	}
	r.filled = copy(r.buf, r.buf[r.consumed:r.filled])
	r.consumed = 0
}

func (r *Reader) fill() error {
	n, err := r.src.Read(r.buf[r.filled:])
	r.filled += n
	if n > 0 || err == nil {
		return nil
	}
	return mapReadError(err)
}

func mapReadError(err error) error {
	switch {
	case isTimeout(err):
		return fmt.Errorf("%w (%w): %v", consts.ErrTimeout, consts.ErrIO, err)
	case errors.Is(err, io.EOF):
		return fmt.Errorf("%w: connection closed prematurely", consts.ErrIO)
	default:
		return fmt.Errorf("%w: read: %w", consts.ErrIO, err)
	}
}

package imapwire

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/emersion/go-imap/v2"

	"github.com/migadu/imapcache/consts"
)

// Tokenizer splits one response line into tokens. A token ends at the next
// space or, when there is none, at the CR of the line terminator. An empty
// token (two delimiters in a row, or a delimiter first) ends the walk.
type Tokenizer struct {
	line []byte
	pos  int
}

// NewTokenizer starts a walk over line.
func NewTokenizer(line []byte) *Tokenizer {
	return &Tokenizer{line: line}
}

// Next returns the next token, or false when there is none.
func (t *Tokenizer) Next() ([]byte, bool) {
	if t.pos >= len(t.line) {
		return nil, false
	}

	rest := t.line[t.pos:]
	i := bytes.IndexByte(rest, ' ')
	if i < 0 {
		i = bytes.IndexByte(rest, '\r')
	}
	if i <= 0 {
		t.pos = len(t.line)
		return nil, false
	}

	t.pos += i + 1
	return rest[:i], true
}

// Offset returns the index into the line where the next token starts.
func (t *Tokenizer) Offset() int {
	return t.pos
}

// Rest returns what is left of the line after the tokens consumed so far,
// without the line terminator.
func (t *Tokenizer) Rest() []byte {
	if t.pos >= len(t.line) {
		return nil
	}
	return trimCRLF(t.line[t.pos:])
}

// TaggedResponse is a parsed completion line: "<tag> <status> <text>".
type TaggedResponse struct {
	Tag    string
	Status imap.StatusResponseType
	Text   string
	// Full is everything after the tag: status and text as sent.
	Full string
}

// IsOK reports whether the status starts with "OK". The comparison is case
// sensitive.
func (r TaggedResponse) IsOK() bool {
	return strings.HasPrefix(string(r.Status), string(imap.StatusResponseTypeOK))
}

// Capabilities returns the capabilities announced in a [CAPABILITY ...]
// response code, or nil if the text has none.
func (r TaggedResponse) Capabilities() imap.CapSet {
	const prefix = "[CAPABILITY "
	if !strings.HasPrefix(r.Text, prefix) {
		return nil
	}
	end := strings.IndexByte(r.Text, ']')
	if end < 0 {
		return nil
	}

	caps := make(imap.CapSet)
	for _, c := range strings.Fields(r.Text[len(prefix):end]) {
		caps[imap.Cap(c)] = struct{}{}
	}
	return caps
}

// ParseTaggedResponse splits a completion line into tag, status and text.
func ParseTaggedResponse(line []byte) (TaggedResponse, error) {
	tok := NewTokenizer(line)

	tag, ok := tok.Next()
	if !ok {
		return TaggedResponse{}, fmt.Errorf("%w: response contained no tokens", consts.ErrProtocol)
	}

	statusStart := tok.Offset()
	status, ok := tok.Next()
	if !ok {
		return TaggedResponse{}, fmt.Errorf("%w: malformed response to tagged command", consts.ErrProtocol)
	}

	return TaggedResponse{
		Tag:    string(tag),
		Status: imap.StatusResponseType(status),
		Text:   string(tok.Rest()),
		Full:   string(trimCRLF(line[statusStart:])),
	}, nil
}

// IsUntagged reports whether line is an untagged ("*") response.
func IsUntagged(line []byte) bool {
	return len(line) > 0 && line[0] == '*'
}

// IsContinuation reports whether line is a continuation request ("+").
func IsContinuation(line []byte) bool {
	return len(line) > 0 && line[0] == '+'
}

func trimCRLF(b []byte) []byte {
	if i := bytes.IndexByte(b, '\r'); i >= 0 {
		return b[:i]
	}
	return bytes.TrimRight(b, "\n")
}

package consts

import "errors"

var (
	ErrIO            = errors.New("upstream i/o error")
	ErrTimeout       = errors.New("upstream read timeout")
	ErrProtocol      = errors.New("upstream protocol error")
	ErrAuthRejected  = errors.New("authentication rejected")
	ErrPoolExhausted = errors.New("connection pool exhausted")

	// ErrFatal marks an internal invariant violation. Process state can no
	// longer be trusted once this is returned.
	ErrFatal = errors.New("fatal internal error")
)

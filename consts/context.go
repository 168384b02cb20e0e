package consts

// ContextKey is a custom type for context keys to avoid collisions between packages.
type ContextKey string

const (
	// SessionIDKey carries the client session identifier so that upstream
	// log lines can be correlated with the client connection that caused them.
	SessionIDKey = ContextKey("session_id")
)

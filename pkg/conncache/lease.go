package conncache

// Lease is a caller's claim on one cached connection. It stays valid until
// it is released or evicted; after that every method returns ErrStaleLease.
type Lease[C Conn] struct {
	cache    *Cache[C]
	idx      int
	gen      uint64
	conn     C
	username string
	reused   bool
}

// Conn returns the leased connection.
func (l *Lease[C]) Conn() C {
	return l.conn
}

// Username returns the user the connection is logged in as.
func (l *Lease[C]) Username() string {
	return l.username
}

// Reused reports whether the connection came out of the cache rather than
// from a fresh login.
func (l *Lease[C]) Reused() bool {
	return l.reused
}

// Release hands the connection back to the cache as Idle.
func (l *Lease[C]) Release() error {
	return l.cache.Release(l)
}

// Evict drops the connection from the cache and closes it.
func (l *Lease[C]) Evict(reason string) error {
	return l.cache.Evict(l, reason)
}

// Package conncache keeps authenticated upstream connections so that a
// returning user can be handed an already logged-in session instead of
// paying for a new connect and login.
//
// The cache is a fixed arena of slots. Occupied slots hang off per-username
// hash bucket chains, with the newest entry at the head; unoccupied slots sit
// on a free stack. A slot is Active while a client session holds it and
// Idle once released. All bookkeeping happens under one mutex, and no network
// I/O is done while it is held.
package conncache

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"lukechampine.com/blake3"

	"github.com/migadu/imapcache/consts"
	"github.com/migadu/imapcache/logger"
	perrors "github.com/migadu/imapcache/pkg/errors"
	"github.com/migadu/imapcache/pkg/metrics"
)

const (
	// MaxUsernameLength bounds the usernames the cache will key on.
	MaxUsernameLength = 64

	digestSize = 16
	noSlot     = -1
)

// Eviction reasons, used for logs and metrics.
const (
	ReasonPasswordMismatch = "password_mismatch"
	ReasonProbeFailed      = "probe_failed"
	ReasonExpired          = "expired"
	ReasonDiscarded        = "discarded"
	ReasonShutdown         = "shutdown"
)

var (
	// ErrStaleLease is returned when a lease is used after its slot was
	// evicted or handed to someone else.
	ErrStaleLease = errors.New("connection lease is no longer valid")

	// ErrUsernameTooLong is returned by Insert for usernames longer than
	// MaxUsernameLength.
	ErrUsernameTooLong = errors.New("username too long to cache")
)

// Conn is an upstream connection the cache can hold.
type Conn interface {
	// Probe checks without blocking whether the peer is still there.
	Probe() error
	Close() error
}

type slotState uint8

const (
	stateFree slotState = iota
	stateActive
	stateIdle
)

func (s slotState) String() string {
	switch s {
	case stateFree:
		return "free"
	case stateActive:
		return "active"
	case stateIdle:
		return "idle"
	default:
		return "unknown"
	}
}

type slot[C Conn] struct {
	username  string
	digest    [digestSize]byte
	state     slotState
	idleSince time.Time
	conn      C
	bucket    int
	next      int    // next slot in the bucket chain
	gen       uint64 // bumped every time the slot is vacated or claimed
}

// Stats is a snapshot of the cache counters.
type Stats struct {
	Slots        int
	Free         int
	InUse        int
	Retained     int
	Peak         int
	TotalCreated uint64
	TotalReused  uint64
}

// Options configures a Cache.
type Options struct {
	Slots   int              // fixed number of connections the cache can hold
	Buckets int              // username hash buckets
	Now     func() time.Time // clock, for tests
}

// Cache is a fixed-capacity pool of authenticated connections keyed by
// username and password digest.
type Cache[C Conn] struct {
	mu      sync.Mutex
	slots   []slot[C]
	buckets []int
	free    []int
	stats   Stats

	digestKey [32]byte
	now       func() time.Time
}

// New creates a cache with opts.Slots slots. The size never changes.
func New[C Conn](opts Options) *Cache[C] {
	if opts.Slots <= 0 {
		opts.Slots = 512
	}
	if opts.Buckets <= 0 {
		opts.Buckets = 1024
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	c := &Cache[C]{
		slots:   make([]slot[C], opts.Slots),
		buckets: make([]int, opts.Buckets),
		free:    make([]int, 0, opts.Slots),
		now:     opts.Now,
	}
	for i := range c.buckets {
		c.buckets[i] = noSlot
	}
	// Lowest index on top of the stack.
	for i := opts.Slots - 1; i >= 0; i-- {
		c.slots[i].next = noSlot
		c.free = append(c.free, i)
	}
	c.stats.Slots = opts.Slots

	// Digests are keyed per process so they are useless outside it.
	if _, err := rand.Read(c.digestKey[:]); err != nil {
		panic(fmt.Sprintf("conncache: reading random key: %v", err))
	}

	logger.Info("ConnCache: Initialized", "slots", opts.Slots, "buckets", opts.Buckets)
	return c
}

func (c *Cache[C]) passwordDigest(password string) [digestSize]byte {
	h := blake3.New(digestSize, c.digestKey[:])
	h.Write([]byte(password))
	var d [digestSize]byte
	copy(d[:], h.Sum(nil))
	return d
}

func (c *Cache[C]) bucketOf(username string) int {
	sum := blake3.Sum256([]byte(username))
	return int(binary.LittleEndian.Uint64(sum[:8]) % uint64(len(c.buckets)))
}

// TryAcquire looks for an idle connection for username whose password
// matches, returning nil on a miss. An idle entry for the same user with a
// different password is evicted: the password may have changed upstream and
// the old session must not be trusted. A matching entry is marked Active
// before it is probed, so no other caller can claim it meanwhile; if the
// probe fails the entry is evicted and the search continues.
//
// The only errors returned are fatal ones.
func (c *Cache[C]) TryAcquire(username, password string) (*Lease[C], error) {
	if len(username) > MaxUsernameLength {
		return nil, nil
	}

	digest := c.passwordDigest(password)
	b := c.bucketOf(username)

	for {
		lease, stale, err := c.claimIdle(b, username, digest)
		closeAll(stale)
		if err != nil || lease == nil {
			return nil, err
		}

		if perr := lease.conn.Probe(); perr != nil {
			logger.Info("ConnCache: Unable to reuse connection", "user", username, "slot", lease.idx, "error", perr)
			if _, err := c.evict(lease.idx, lease.gen, ReasonProbeFailed); err != nil {
				return nil, err
			}
			continue
		}

		c.mu.Lock()
		c.stats.TotalReused++
		c.notePeakLocked()
		c.mu.Unlock()
		metrics.PoolConnectionsReused.Inc()

		lease.reused = true
		return lease, nil
	}
}

// claimIdle walks bucket b and flips the first idle entry matching username
// and digest to Active. Idle entries for username with another digest are
// unlinked and returned for closing.
func (c *Cache[C]) claimIdle(b int, username string, digest [digestSize]byte) (*Lease[C], []C, error) {
	var stale []C

	c.mu.Lock()
	defer c.mu.Unlock()

	for i := c.buckets[b]; i != noSlot; {
		s := &c.slots[i]
		next := s.next

		if s.state != stateIdle || s.username != username {
			i = next
			continue
		}

		if subtle.ConstantTimeCompare(s.digest[:], digest[:]) != 1 {
			logger.Info("ConnCache: Unable to reuse connection because password doesn't match", "user", username, "slot", i)
			conn, err := c.removeLocked(i)
			if err != nil {
				return nil, stale, err
			}
			stale = append(stale, conn)
			metrics.PoolEvictions.WithLabelValues(ReasonPasswordMismatch).Inc()
			i = next
			continue
		}

		// A new generation per claim invalidates the previous holder's lease.
		s.gen++
		s.state = stateActive
		c.stats.Retained--
		c.stats.InUse++
		return &Lease[C]{cache: c, idx: i, gen: s.gen, conn: s.conn, username: username}, stale, nil
	}
	return nil, stale, nil
}

// Insert adds a freshly authenticated connection as Active. It fails with
// consts.ErrPoolExhausted when no slot is free; the caller still owns conn
// in that case.
func (c *Cache[C]) Insert(username, password string, conn C) (*Lease[C], error) {
	if len(username) > MaxUsernameLength {
		return nil, ErrUsernameTooLong
	}

	digest := c.passwordDigest(password)
	b := c.bucketOf(username)

	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.free) == 0 {
		return nil, fmt.Errorf("%w: all %d slots in use", consts.ErrPoolExhausted, len(c.slots))
	}

	idx := c.free[len(c.free)-1]
	s := &c.slots[idx]
	if s.state != stateFree {
		return nil, perrors.NewFatalError("conncache insert",
			fmt.Errorf("slot %d on the free list is %s", idx, s.state))
	}
	c.free = c.free[:len(c.free)-1]

	s.username = username
	s.digest = digest
	s.state = stateActive
	s.idleSince = time.Time{}
	s.conn = conn
	s.bucket = b
	s.next = c.buckets[b]
	c.buckets[b] = idx

	c.stats.InUse++
	c.stats.TotalCreated++
	c.notePeakLocked()
	metrics.PoolConnectionsCreated.Inc()

	return &Lease[C]{cache: c, idx: idx, gen: s.gen, conn: conn, username: username}, nil
}

// Release returns a leased connection to the cache as Idle. The connection
// stays open.
func (c *Cache[C]) Release(l *Lease[C]) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := &c.slots[l.idx]
	if s.gen != l.gen || s.state != stateActive {
		return ErrStaleLease
	}

	s.state = stateIdle
	s.idleSince = c.now()
	c.stats.InUse--
	c.stats.Retained++
	return nil
}

// Evict removes a leased connection from the cache and closes it.
func (c *Cache[C]) Evict(l *Lease[C], reason string) error {
	ok, err := c.evict(l.idx, l.gen, reason)
	if err != nil {
		return err
	}
	if !ok {
		return ErrStaleLease
	}
	return nil
}

func (c *Cache[C]) evict(idx int, gen uint64, reason string) (bool, error) {
	c.mu.Lock()
	s := &c.slots[idx]
	// Only the holder of an Active claim may evict; Idle entries belong to
	// the cache.
	if s.gen != gen || s.state != stateActive {
		c.mu.Unlock()
		return false, nil
	}
	conn, err := c.removeLocked(idx)
	c.mu.Unlock()

	if err != nil {
		return false, err
	}
	metrics.PoolEvictions.WithLabelValues(reason).Inc()
	if cerr := conn.Close(); cerr != nil {
		logger.Debug("ConnCache: error closing evicted connection", "reason", reason, "error", cerr)
	}
	return true, nil
}

// ReclaimUnderPressure evicts every idle connection that has been idle for
// at least maxAge and returns how many were closed.
func (c *Cache[C]) ReclaimUnderPressure(maxAge time.Duration) (int, error) {
	var victims []C

	c.mu.Lock()
	now := c.now()
	for i := range c.slots {
		s := &c.slots[i]
		if s.state != stateIdle || now.Sub(s.idleSince) < maxAge {
			continue
		}
		conn, err := c.removeLocked(i)
		if err != nil {
			c.mu.Unlock()
			closeAll(victims)
			return len(victims), err
		}
		victims = append(victims, conn)
	}
	c.mu.Unlock()

	closeAll(victims)
	if n := len(victims); n > 0 {
		metrics.PoolEvictions.WithLabelValues(ReasonExpired).Add(float64(n))
		logger.Debug("ConnCache: Reclaimed idle connections", "count", n, "max_age", maxAge)
	}
	return len(victims), nil
}

// Stats returns a snapshot of the counters.
func (c *Cache[C]) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	st := c.stats
	st.Free = len(c.free)
	return st
}

// PoolStats implements metrics.StatsProvider.
func (c *Cache[C]) PoolStats() metrics.PoolStats {
	st := c.Stats()
	return metrics.PoolStats{
		InUse:    st.InUse,
		Retained: st.Retained,
		Peak:     st.Peak,
		Free:     st.Free,
	}
}

// Close evicts every connection, active or idle. Leases held at this point
// become stale.
func (c *Cache[C]) Close() error {
	var victims []C

	c.mu.Lock()
	for i := range c.slots {
		if c.slots[i].state == stateFree {
			continue
		}
		conn, err := c.removeLocked(i)
		if err != nil {
			c.mu.Unlock()
			closeAll(victims)
			return err
		}
		victims = append(victims, conn)
	}
	c.mu.Unlock()

	closeAll(victims)
	if len(victims) > 0 {
		metrics.PoolEvictions.WithLabelValues(ReasonShutdown).Add(float64(len(victims)))
	}
	logger.Info("ConnCache: Closed", "connections", len(victims))
	return nil
}

// removeLocked unlinks slot idx from its bucket chain, puts it on the free
// stack and returns the connection it held. A slot missing from its own
// chain means the table is corrupt. Caller holds c.mu.
func (c *Cache[C]) removeLocked(idx int) (C, error) {
	var zero C
	s := &c.slots[idx]

	prev := noSlot
	i := c.buckets[s.bucket]
	for i != noSlot && i != idx {
		prev = i
		i = c.slots[i].next
	}
	if i == noSlot {
		return zero, perrors.NewFatalError("conncache remove",
			fmt.Errorf("slot %d (%s) not found in bucket %d", idx, s.state, s.bucket))
	}

	if prev == noSlot {
		c.buckets[s.bucket] = s.next
	} else {
		c.slots[prev].next = s.next
	}

	switch s.state {
	case stateActive:
		c.stats.InUse--
	case stateIdle:
		c.stats.Retained--
	}

	conn := s.conn
	gen := s.gen + 1
	*s = slot[C]{next: noSlot, gen: gen}
	c.free = append(c.free, idx)
	return conn, nil
}

func (c *Cache[C]) notePeakLocked() {
	if c.stats.InUse > c.stats.Peak {
		c.stats.Peak = c.stats.InUse
	}
}

func closeAll[C Conn](conns []C) {
	for _, conn := range conns {
		if err := conn.Close(); err != nil {
			logger.Debug("ConnCache: error closing connection", "error", err)
		}
	}
}

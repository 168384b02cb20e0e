// Package idgen generates short, sortable identifiers for acquisition
// sessions so that every log line of one login attempt can be correlated.
package idgen

import (
	"crypto/rand"
	"encoding/base32"
	"encoding/binary"
	"hash/fnv"
	"os"
	"strings"
	"sync/atomic"
	"time"
)

const idLen = 10

var (
	// nodeID distinguishes processes that share a log sink.
	nodeID   [2]byte
	sequence atomic.Uint32

	encoding = base32.NewEncoding("abcdefghijklmnopqrstuvwxyz234567").WithPadding(base32.NoPadding)
)

func init() {
	if _, err := rand.Read(nodeID[:]); err != nil {
		h := fnv.New32a()
		hostname, _ := os.Hostname()
		h.Write([]byte(hostname))
		binary.BigEndian.PutUint16(nodeID[:], uint16(h.Sum32()^uint32(os.Getpid())))
	}
}

// NewSessionID returns a 16 character id laid out as
//
//	4 bytes  unix seconds
//	2 bytes  node id
//	2 bytes  sequence
//	2 bytes  random
//
// IDs from one process sort by creation second.
func NewSessionID() string {
	var id [idLen]byte

	binary.BigEndian.PutUint32(id[0:4], uint32(time.Now().Unix()))
	copy(id[4:6], nodeID[:])
	binary.BigEndian.PutUint16(id[6:8], uint16(sequence.Add(1)))
	if _, err := rand.Read(id[8:10]); err != nil {
		binary.BigEndian.PutUint16(id[8:10], uint16(time.Now().UnixNano()))
	}

	return encoding.EncodeToString(id[:])
}

// Valid reports whether s looks like an id produced by NewSessionID.
func Valid(s string) bool {
	if len(s) != 16 {
		return false
	}
	return strings.Trim(s, "abcdefghijklmnopqrstuvwxyz234567") == ""
}

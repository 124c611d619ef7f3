// Package idgen provides sortable, collision-resistant identifiers for
// dispatch records.
package idgen

import (
	"crypto/rand"
	"time"

	"github.com/oklog/ulid/v2"
)

// New returns a new ULID string (26 chars), lexicographically sortable by
// creation time. Used for dispatch record ids so that history listings
// sort naturally without a separate sequence.
func New() string {
	return NewAt(time.Now().UTC())
}

// NewAt returns a new ULID anchored at the given time, letting callers derive
// reproducible ids in tests.
func NewAt(now time.Time) string {
	if now.IsZero() {
		now = time.Now().UTC()
	}
	id, err := ulid.New(ulid.Timestamp(now), rand.Reader)
	if err != nil {
		// crypto/rand failing is unrecoverable; the process cannot safely mint ids.
		panic(err)
	}
	return id.String()
}

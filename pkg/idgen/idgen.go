// Package idgen generates the 26-char lexicographically sortable entity IDs
// used throughout the desired-state data model.
package idgen

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

var (
	mu      sync.Mutex
	entropy = ulid.Monotonic(rand.Reader, 0)
)

// New returns a fresh 26-char ULID string. ULIDs are monotonic within a
// single millisecond so IDs minted in a tight loop (e.g. bulk Grant
// creation) still sort in creation order.
func New() string {
	mu.Lock()
	defer mu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String()
}

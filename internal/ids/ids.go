package ids

import (
	mathrand "math/rand"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(mathrand.New(mathrand.NewSource(time.Now().UnixNano())), 0)
)

// New returns a lexicographically sortable identifier suitable for storage keys.
func New() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String()
}

// Valid reports whether raw parses as an identifier produced by New.
func Valid(raw string) bool {
	_, err := ulid.ParseStrict(strings.ToUpper(strings.TrimSpace(raw)))
	return err == nil
}

// Time extracts the creation timestamp embedded in an identifier, or the zero
// time if raw is not a valid identifier.
func Time(raw string) time.Time {
	id, err := ulid.ParseStrict(strings.ToUpper(strings.TrimSpace(raw)))
	if err != nil {
		return time.Time{}
	}
	return ulid.Time(id.Time()).UTC()
}

// Package ulid generates time-ordered unique ids for session and
// conversation records. A millisecond timestamp encoded in Crockford
// base32 is prefixed so ids sort lexicographically by creation time, then a
// uuid-derived suffix is appended for uniqueness within the same
// millisecond.
package ulid

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

const crockford = "0123456789ABCDEFGHJKMNPQRSTVWXYZ"

// New returns a new time-ordered id.
func New() string {
	return NewAt(time.Now())
}

// NewAt returns a new time-ordered id anchored to the given time, primarily
// for deterministic tests.
func NewAt(t time.Time) string {
	ms := uint64(t.UnixMilli())
	var ts [10]byte
	for i := 9; i >= 0; i-- {
		ts[i] = crockford[ms&0x1F]
		ms >>= 5
	}

	suffix := strings.ReplaceAll(uuid.New().String(), "-", "")
	if len(suffix) > 16 {
		suffix = suffix[:16]
	}
	return string(ts[:]) + strings.ToUpper(suffix)
}

// Timestamp extracts the millisecond timestamp encoded in a ulid.New id. It
// returns the zero time if id is shorter than the timestamp component.
func Timestamp(id string) time.Time {
	if len(id) < 10 {
		return time.Time{}
	}
	var ms uint64
	for i := 0; i < 10; i++ {
		idx := strings.IndexByte(crockford, id[i])
		if idx < 0 {
			return time.Time{}
		}
		ms = (ms << 5) | uint64(idx)
	}
	return time.UnixMilli(int64(ms))
}

package models

import (
	"time"

	"github.com/oklog/ulid/v2"
)

// NewID returns a ULID. IDs sort in creation order within a process, which
// is what every "oldest first" and "newest first" listing relies on.
func NewID() string { return ulid.Make().String() }

// Now is the timestamp used for records: UTC at microsecond precision so it
// survives a round trip through any of the stores unchanged.
func Now() time.Time { return time.Now().UTC().Truncate(time.Microsecond) }

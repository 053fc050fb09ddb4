package util

import (
	"crypto/rand"
	"time"

	"github.com/oklog/ulid/v2"
)

// NewID returns a prefixed ULID. ULIDs sort by creation time, which keeps
// index locality in the store.
func NewID(prefix string) string {
	id := ulid.MustNew(ulid.Timestamp(time.Now().UTC()), rand.Reader).String()
	if prefix == "" {
		return id
	}
	return prefix + "_" + id
}

func NowUTC() time.Time {
	return time.Now().UTC()
}

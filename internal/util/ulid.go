package util

import (
	"crypto/rand"
	"time"

	"github.com/oklog/ulid/v2"
)

// NewID generates a ULID for the current time.
func NewID() string {
	return NewIDAt(time.Now())
}

// NewIDAt generates a ULID whose timestamp part is t, so ids of events
// produced under a fixed clock still sort by that clock.
func NewIDAt(t time.Time) string {
	entropy := ulid.Monotonic(rand.Reader, 0)
	return ulid.MustNew(ulid.Timestamp(t), entropy).String()
}

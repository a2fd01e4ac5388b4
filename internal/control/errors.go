package control

import (
	"fmt"
	"time"
)

// MaxClockSkew is how far ahead of the controller clock a sample may be
// stamped.
const MaxClockSkew = 30 * time.Second

// FutureSampleError rejects a presence sample stamped too far ahead. Such a
// sample would hold the room occupied until long after the source went quiet.
type FutureSampleError struct {
	RoomID int64
	At     time.Time
	Now    time.Time
}

func (e *FutureSampleError) Error() string {
	return fmt.Sprintf("sample for room %d is stamped %s, ahead of %s", e.RoomID,
		e.At.Format(time.RFC3339), e.Now.Format(time.RFC3339))
}

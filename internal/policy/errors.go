package policy

import "fmt"

// SafetyViolation is returned when a vacancy shutdown would leave a room that
// has lights completely dark. FallbackID is the light switched on instead.
type SafetyViolation struct {
	RoomID     int64
	FallbackID int64
}

func (e *SafetyViolation) Error() string {
	return fmt.Sprintf("room %d would be left without a light on (fallback light %d)", e.RoomID, e.FallbackID)
}

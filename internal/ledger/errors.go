package ledger

import (
	"fmt"
	"time"
)

// ConflictError is returned when an interval is opened for a device that
// already has one open.
type ConflictError struct {
	DeviceID  int64
	OpenSince time.Time
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("device %d already has an interval open since %s", e.DeviceID, e.OpenSince.Format(time.RFC3339))
}

// NotFoundError is returned when an operation names an unknown device, room or
// interval.
type NotFoundError struct {
	Kind string
	ID   int64
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %d not found", e.Kind, e.ID)
}

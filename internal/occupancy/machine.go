// Package occupancy debounces raw presence samples into a stable per-room
// occupancy state.
package occupancy

import (
	"time"

	"roomwatt-backend/internal/model"
)

// DefaultTimeout is how long a room stays occupied after its last positive sample.
const DefaultTimeout = 5 * time.Minute

// Sample is a single presence observation for a room.
type Sample struct {
	RoomID     int64
	ObservedAt time.Time
	Detected   bool
}

// Transition is emitted whenever the debounced state of a room changes.
type Transition struct {
	RoomID int64
	State  model.OccupancyState
	At     time.Time
}

// Machine is the occupancy state machine of one room. It is not safe for
// concurrent use; each room's worker owns its machine.
//
// The no-detection timer is a deadline: it is re-armed by every positive sample
// and is the only way out of Occupied.
type Machine struct {
	roomID   int64
	timeout  time.Duration
	state    model.OccupancyState
	lastSeen time.Time
	deadline time.Time // zero while disarmed
}

// NewMachine returns a machine in the Unoccupied state.
func NewMachine(roomID int64, timeout time.Duration) *Machine {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Machine{roomID: roomID, timeout: timeout, state: model.Unoccupied}
}

// RestoreMachine rebuilds a machine from persisted room fields. An occupied room
// gets its timer re-armed from lastSeen.
func RestoreMachine(roomID int64, timeout time.Duration, state model.OccupancyState, lastSeen time.Time) *Machine {
	m := NewMachine(roomID, timeout)
	m.lastSeen = lastSeen
	if state == model.Occupied {
		m.state = model.Occupied
		if lastSeen.IsZero() {
			// nothing to debounce from, so treat as unoccupied
			m.state = model.Unoccupied
		} else {
			m.deadline = lastSeen.Add(m.timeout)
		}
	}
	return m
}

// Observe feeds one sample into the machine and returns the transitions it
// caused, in order. A sample stamped at or after the armed deadline fires the
// timer first, so a late sample yields Unoccupied followed by Occupied.
func (m *Machine) Observe(s Sample) []Transition {
	var out []Transition
	if tr, ok := m.Expire(s.ObservedAt); ok {
		out = append(out, tr)
	}

	if !s.Detected {
		if m.state == model.Occupied && m.deadline.IsZero() {
			m.deadline = m.lastSeen.Add(m.timeout)
		}
		return out
	}

	// A late sample never moves the timer backwards.
	if s.ObservedAt.Before(m.lastSeen) {
		return out
	}

	m.lastSeen = s.ObservedAt
	m.deadline = s.ObservedAt.Add(m.timeout)
	if m.state == model.Occupied {
		return out
	}
	m.state = model.Occupied
	return append(out, Transition{RoomID: m.roomID, State: model.Occupied, At: s.ObservedAt})
}

// Expire fires the timer if its deadline has passed. The transition is stamped
// with the deadline, not with now.
func (m *Machine) Expire(now time.Time) (Transition, bool) {
	if m.state != model.Occupied || m.deadline.IsZero() || now.Before(m.deadline) {
		return Transition{}, false
	}
	at := m.deadline
	m.state = model.Unoccupied
	m.deadline = time.Time{}
	return Transition{RoomID: m.roomID, State: model.Unoccupied, At: at}, true
}

// Cancel disarms the timer. Used when a room stops being monitored.
func (m *Machine) Cancel() {
	m.deadline = time.Time{}
}

// State returns the current debounced state.
func (m *Machine) State() model.OccupancyState { return m.state }

// LastSeen returns the timestamp of the last positive sample.
func (m *Machine) LastSeen() time.Time { return m.lastSeen }

// Deadline returns the armed timer deadline.
func (m *Machine) Deadline() (time.Time, bool) {
	return m.deadline, !m.deadline.IsZero()
}

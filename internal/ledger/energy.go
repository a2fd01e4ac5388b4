package ledger

import (
	"time"

	"roomwatt-backend/internal/model"
)

// EnergyWh returns powerW x elapsed hours. Saved intervals use the same formula
// against the rating the device would have drawn had it stayed on.
func EnergyWh(powerW float64, elapsed time.Duration) float64 {
	if elapsed <= 0 || powerW <= 0 {
		return 0
	}
	return powerW * elapsed.Hours()
}

// Accrues reports whether an interval of this kind accumulates energy.
func Accrues(kind model.IntervalKind) bool {
	return kind == model.KindConsumed || kind == model.KindSaved
}

// intervalWh is the energy of an interval of the given kind.
func intervalWh(kind model.IntervalKind, powerW float64, start, end time.Time) float64 {
	if !Accrues(kind) {
		return 0
	}
	return EnergyWh(powerW, end.Sub(start))
}

// hourSegments cuts [start, end] at every wall-clock hour boundary in between.
func hourSegments(start, end time.Time) [][2]time.Time {
	var segs [][2]time.Time
	for t := start; ; {
		next := t.Truncate(time.Hour).Add(time.Hour)
		if !next.Before(end) {
			segs = append(segs, [2]time.Time{t, end})
			return segs
		}
		segs = append(segs, [2]time.Time{t, next})
		t = next
	}
}

package store

import (
	"errors"
	"time"

	"gorm.io/gorm"
)

// ErrNotFound is returned when a row addressed by id does not exist.
var ErrNotFound = errors.New("record not found")

// RangeQuery selects rows in [From, To). Zero bounds are open and a zero
// RoomID matches every room.
type RangeQuery struct {
	From   time.Time
	To     time.Time
	RoomID int64
}

// EnergyTotals is the persisted energy summed over a range.
type EnergyTotals struct {
	ConsumedKWh float64 `json:"consumed_kwh"`
	SavedKWh    float64 `json:"saved_kwh"`
}

// DailyEnergy is the bucket total of one UTC day.
type DailyEnergy struct {
	Day         time.Time `json:"day"`
	ConsumedKWh float64   `json:"consumed_kwh"`
	SavedKWh    float64   `json:"saved_kwh"`
}

func (q RangeQuery) apply(tx *gorm.DB, timeCol string) *gorm.DB {
	if !q.From.IsZero() {
		tx = tx.Where(timeCol+" >= ?", q.From)
	}
	if !q.To.IsZero() {
		tx = tx.Where(timeCol+" < ?", q.To)
	}
	if q.RoomID != 0 {
		tx = tx.Where("room_id = ?", q.RoomID)
	}
	return tx
}

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}

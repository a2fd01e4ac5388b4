package model

import "time"

// IntervalKind tags what a ledger interval accounts for.
type IntervalKind string

const (
	// KindConsumed is a device switched on.
	KindConsumed IntervalKind = "consumed"
	// KindSaved is a device switched off by the vacancy policy; it accrues the
	// energy the device would have drawn had it stayed on.
	KindSaved IntervalKind = "saved"
	// KindOff is a device switched off by the user. It accrues nothing.
	KindOff IntervalKind = "off"
)

// LedgerOpen is the currently open interval of a device (hot table).
type LedgerOpen struct {
	DeviceID  int64        `gorm:"primaryKey;autoIncrement:false" json:"device_id"`
	RoomID    int64        `gorm:"index;not null" json:"room_id"`
	Kind      IntervalKind `gorm:"size:16;not null" json:"kind"`
	PowerW    float64      `gorm:"not null" json:"power_w"`
	StartedAt time.Time    `gorm:"not null" json:"started_at"`
}

// LedgerEntry is a closed, immutable interval (cold table).
type LedgerEntry struct {
	ID        string       `gorm:"primaryKey;size:36" json:"id"`
	DeviceID  int64        `gorm:"not null;index" json:"device_id"`
	RoomID    int64        `gorm:"not null;index" json:"room_id"`
	Kind      IntervalKind `gorm:"size:16;not null;index" json:"kind"`
	PowerW    float64      `gorm:"not null" json:"power_w"`
	StartedAt time.Time    `gorm:"not null;index" json:"started_at"`
	EndedAt   time.Time    `gorm:"not null;index" json:"ended_at"`
	EnergyWh  float64      `gorm:"not null" json:"energy_wh"`
}

// KWh returns the accrued energy in kilowatt-hours.
func (e LedgerEntry) KWh() float64 {
	return e.EnergyWh / 1000
}

package model

import (
	"time"

	"gorm.io/datatypes"
)

// HourlyBucket is the immutable rollup of one room over one wall-clock hour.
type HourlyBucket struct {
	RoomID      int64          `gorm:"primaryKey;autoIncrement:false" json:"room_id"`
	HourStart   time.Time      `gorm:"primaryKey" json:"hour_start"`
	ConsumedKWh float64        `gorm:"not null" json:"consumed_kwh"`
	SavedKWh    float64        `gorm:"not null" json:"saved_kwh"`
	Devices     datatypes.JSON `json:"devices"` // device id -> DeviceShare
	CreatedAt   time.Time      `gorm:"not null" json:"created_at"`
}

// DeviceShare is one device's contribution to an hourly bucket.
type DeviceShare struct {
	ConsumedKWh float64 `json:"consumed_kwh"`
	SavedKWh    float64 `json:"saved_kwh"`
}

package model

import "time"

// OccupancyState is the debounced presence state of a room.
type OccupancyState string

const (
	Unoccupied OccupancyState = "unoccupied"
	Occupied   OccupancyState = "occupied"
)

// Room represents a monitored room.
type Room struct {
	ID        int64          `gorm:"primaryKey" json:"id"`
	Name      string         `gorm:"size:128;not null" json:"name"`
	HasCamera bool           `gorm:"not null;default:false" json:"has_camera"`
	Occupancy OccupancyState `gorm:"size:16;not null;default:unoccupied" json:"occupancy"`
	LastSeen  *time.Time     `json:"last_seen"`
	CreatedAt time.Time      `gorm:"not null" json:"created_at"`
	UpdatedAt time.Time      `gorm:"not null" json:"updated_at"`

	// Associations
	Devices []Device `gorm:"foreignKey:RoomID" json:"-"`
}

package model

import "time"

// Category classifies a device. Only CategoryLight matters to the power policy.
type Category string

const (
	CategoryLight Category = "light"
	CategoryFan   Category = "fan"
	CategoryAC    Category = "ac"
	CategoryTV    Category = "tv"
	CategoryOther Category = "other"
)

// Device represents a switchable appliance inside a room.
type Device struct {
	ID        int64     `gorm:"primaryKey" json:"id"`
	RoomID    int64     `gorm:"index;not null" json:"room_id"`
	Name      string    `gorm:"size:128;not null" json:"name"`
	Category  Category  `gorm:"size:16;not null" json:"device_type"`
	PowerW    float64   `gorm:"not null" json:"power_rating"`
	IsOn      bool      `gorm:"not null" json:"is_on"`
	PolicyOff bool      `gorm:"not null;default:false" json:"policy_off"`
	ChangedAt time.Time `gorm:"not null" json:"changed_at"`
	CreatedAt time.Time `gorm:"not null" json:"created_at"`
	UpdatedAt time.Time `gorm:"not null" json:"updated_at"`

	// Associations
	Room Room `gorm:"constraint:OnDelete:CASCADE" json:"-"`
}

package store

import (
	"context"
	"fmt"
	"sort"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"roomwatt-backend/internal/model"
)

// Store defines the interface for all database operations.
type Store interface {
	DB() *gorm.DB

	CreateRoom(ctx context.Context, room *model.Room) error
	GetRoom(ctx context.Context, id int64) (*model.Room, error)
	ListRooms(ctx context.Context) ([]model.Room, error)
	DeleteRoom(ctx context.Context, id int64) error
	UpdateRoomOccupancy(ctx context.Context, roomID int64, state model.OccupancyState, lastSeen time.Time) error

	CreateDevice(ctx context.Context, device *model.Device) error
	GetDevice(ctx context.Context, id int64) (*model.Device, error)
	ListDevices(ctx context.Context, roomID int64) ([]model.Device, error)
	DeleteDevice(ctx context.Context, id int64) error
	UpdateDeviceState(ctx context.Context, device model.Device) error

	SaveOpenInterval(ctx context.Context, open model.LedgerOpen) error
	CloseInterval(ctx context.Context, open model.LedgerOpen, entries []model.LedgerEntry) error
	ListOpenIntervals(ctx context.Context) ([]model.LedgerOpen, error)
	EnergyTotals(ctx context.Context, q RangeQuery) (EnergyTotals, error)

	InsertBuckets(ctx context.Context, buckets []model.HourlyBucket) error
	ListBuckets(ctx context.Context, q RangeQuery) ([]model.HourlyBucket, error)
	DailyEnergy(ctx context.Context, since time.Time) ([]DailyEnergy, error)

	SaveSubscription(ctx context.Context, sub *model.PushSubscription, roomIDs []int64) error
	GetSubscription(ctx context.Context, endpoint string) (*model.PushSubscription, error)
	DeleteSubscription(ctx context.Context, endpoint string) error
	SubscriptionsForRoom(ctx context.Context, roomID int64) ([]model.PushSubscription, error)
}

// gormStore implements the Store interface using GORM.
type gormStore struct {
	db *gorm.DB
}

// NewGormStore creates a new GORM-backed store.
func NewGormStore(db *gorm.DB) Store {
	return &gormStore{db: db}
}

func (s *gormStore) DB() *gorm.DB { return s.db }

// --- rooms ---

func (s *gormStore) CreateRoom(ctx context.Context, room *model.Room) error {
	if room.Occupancy == "" {
		room.Occupancy = model.Unoccupied
	}
	if err := s.db.WithContext(ctx).Create(room).Error; err != nil {
		return fmt.Errorf("failed to create room %q: %w", room.Name, err)
	}
	return nil
}

func (s *gormStore) GetRoom(ctx context.Context, id int64) (*model.Room, error) {
	var room model.Room
	if err := s.db.WithContext(ctx).First(&room, id).Error; err != nil {
		return nil, notFound(err)
	}
	return &room, nil
}

func (s *gormStore) ListRooms(ctx context.Context) ([]model.Room, error) {
	var rooms []model.Room
	if err := s.db.WithContext(ctx).Order("id").Find(&rooms).Error; err != nil {
		return nil, fmt.Errorf("failed to list rooms: %w", err)
	}
	return rooms, nil
}

// DeleteRoom removes the room together with its devices and their open
// intervals. Closed ledger entries and buckets are history and stay.
func (s *gormStore) DeleteRoom(ctx context.Context, id int64) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("room_id = ?", id).Delete(&model.LedgerOpen{}).Error; err != nil {
			return fmt.Errorf("failed to delete open intervals of room %d: %w", id, err)
		}
		if err := tx.Where("room_id = ?", id).Delete(&model.Device{}).Error; err != nil {
			return fmt.Errorf("failed to delete devices of room %d: %w", id, err)
		}
		res := tx.Delete(&model.Room{}, id)
		if res.Error != nil {
			return fmt.Errorf("failed to delete room %d: %w", id, res.Error)
		}
		if res.RowsAffected == 0 {
			return ErrNotFound
		}
		return nil
	})
}

func (s *gormStore) UpdateRoomOccupancy(ctx context.Context, roomID int64, state model.OccupancyState, lastSeen time.Time) error {
	updates := map[string]any{"occupancy": state, "updated_at": time.Now().UTC()}
	if !lastSeen.IsZero() {
		updates["last_seen"] = lastSeen
	}
	if err := s.db.WithContext(ctx).Model(&model.Room{}).Where("id = ?", roomID).Updates(updates).Error; err != nil {
		return fmt.Errorf("failed to update occupancy of room %d: %w", roomID, err)
	}
	return nil
}

// --- devices ---

func (s *gormStore) CreateDevice(ctx context.Context, device *model.Device) error {
	if device.ChangedAt.IsZero() {
		device.ChangedAt = time.Now().UTC()
	}
	if err := s.db.WithContext(ctx).Omit("Room").Create(device).Error; err != nil {
		return fmt.Errorf("failed to create device %q: %w", device.Name, err)
	}
	return nil
}

func (s *gormStore) GetDevice(ctx context.Context, id int64) (*model.Device, error) {
	var device model.Device
	if err := s.db.WithContext(ctx).First(&device, id).Error; err != nil {
		return nil, notFound(err)
	}
	return &device, nil
}

func (s *gormStore) ListDevices(ctx context.Context, roomID int64) ([]model.Device, error) {
	tx := s.db.WithContext(ctx).Order("id")
	if roomID != 0 {
		tx = tx.Where("room_id = ?", roomID)
	}
	var devices []model.Device
	if err := tx.Find(&devices).Error; err != nil {
		return nil, fmt.Errorf("failed to list devices: %w", err)
	}
	return devices, nil
}

func (s *gormStore) DeleteDevice(ctx context.Context, id int64) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Delete(&model.LedgerOpen{}, id).Error; err != nil {
			return fmt.Errorf("failed to delete open interval of device %d: %w", id, err)
		}
		res := tx.Delete(&model.Device{}, id)
		if res.Error != nil {
			return fmt.Errorf("failed to delete device %d: %w", id, res.Error)
		}
		if res.RowsAffected == 0 {
			return ErrNotFound
		}
		return nil
	})
}

func (s *gormStore) UpdateDeviceState(ctx context.Context, d model.Device) error {
	err := s.db.WithContext(ctx).Model(&model.Device{}).Where("id = ?", d.ID).Updates(map[string]any{
		"is_on":      d.IsOn,
		"policy_off": d.PolicyOff,
		"changed_at": d.ChangedAt,
		"updated_at": time.Now().UTC(),
	}).Error
	if err != nil {
		return fmt.Errorf("failed to update state of device %d: %w", d.ID, err)
	}
	return nil
}

// --- ledger ---

// SaveOpenInterval upserts the hot row of a device.
func (s *gormStore) SaveOpenInterval(ctx context.Context, open model.LedgerOpen) error {
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "device_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"room_id", "kind", "power_w", "started_at"}),
	}).Create(&open).Error
	if err != nil {
		return fmt.Errorf("failed to save open interval for device %d: %w", open.DeviceID, err)
	}
	return nil
}

// CloseInterval archives the closed segments and removes the hot row, but only
// if the hot row still describes the interval being closed. Entries carry
// stable ids, so a retried call does not duplicate them.
func (s *gormStore) CloseInterval(ctx context.Context, open model.LedgerOpen, entries []model.LedgerEntry) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if len(entries) > 0 {
			if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&entries).Error; err != nil {
				return fmt.Errorf("failed to archive interval of device %d: %w", open.DeviceID, err)
			}
		}
		if err := tx.Where("device_id = ? AND started_at = ?", open.DeviceID, open.StartedAt).
			Delete(&model.LedgerOpen{}).Error; err != nil {
			return fmt.Errorf("failed to delete open interval of device %d: %w", open.DeviceID, err)
		}
		return nil
	})
}

func (s *gormStore) ListOpenIntervals(ctx context.Context) ([]model.LedgerOpen, error) {
	var opens []model.LedgerOpen
	if err := s.db.WithContext(ctx).Order("device_id").Find(&opens).Error; err != nil {
		return nil, fmt.Errorf("failed to list open intervals: %w", err)
	}
	return opens, nil
}

// EnergyTotals sums archived entries that started inside the range. Entries
// never straddle an hour, so hour-aligned ranges are exact.
func (s *gormStore) EnergyTotals(ctx context.Context, q RangeQuery) (EnergyTotals, error) {
	type row struct {
		Kind model.IntervalKind
		Wh   float64
	}
	var rows []row
	tx := q.apply(s.db.WithContext(ctx).Model(&model.LedgerEntry{}), "started_at")
	if err := tx.Select("kind, COALESCE(SUM(energy_wh), 0) AS wh").Group("kind").Scan(&rows).Error; err != nil {
		return EnergyTotals{}, fmt.Errorf("failed to sum ledger entries: %w", err)
	}
	var t EnergyTotals
	for _, r := range rows {
		switch r.Kind {
		case model.KindConsumed:
			t.ConsumedKWh += r.Wh / 1000
		case model.KindSaved:
			t.SavedKWh += r.Wh / 1000
		}
	}
	return t, nil
}

// --- buckets ---

// InsertBuckets writes buckets insert-only; an existing (room, hour) row wins.
func (s *gormStore) InsertBuckets(ctx context.Context, buckets []model.HourlyBucket) error {
	if len(buckets) == 0 {
		return nil
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&buckets).Error
	if err != nil {
		return fmt.Errorf("failed to insert %d hourly buckets: %w", len(buckets), err)
	}
	return nil
}

func (s *gormStore) ListBuckets(ctx context.Context, q RangeQuery) ([]model.HourlyBucket, error) {
	var buckets []model.HourlyBucket
	tx := q.apply(s.db.WithContext(ctx), "hour_start")
	if err := tx.Order("hour_start, room_id").Find(&buckets).Error; err != nil {
		return nil, fmt.Errorf("failed to list hourly buckets: %w", err)
	}
	return buckets, nil
}

// DailyEnergy groups buckets by UTC day in Go so the query stays portable
// between postgres and sqlite.
func (s *gormStore) DailyEnergy(ctx context.Context, since time.Time) ([]DailyEnergy, error) {
	buckets, err := s.ListBuckets(ctx, RangeQuery{From: since})
	if err != nil {
		return nil, err
	}
	byDay := make(map[time.Time]*DailyEnergy)
	for _, b := range buckets {
		h := b.HourStart.UTC()
		day := time.Date(h.Year(), h.Month(), h.Day(), 0, 0, 0, 0, time.UTC)
		d, ok := byDay[day]
		if !ok {
			d = &DailyEnergy{Day: day}
			byDay[day] = d
		}
		d.ConsumedKWh += b.ConsumedKWh
		d.SavedKWh += b.SavedKWh
	}
	out := make([]DailyEnergy, 0, len(byDay))
	for _, d := range byDay {
		out = append(out, *d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Day.Before(out[j].Day) })
	return out, nil
}

// --- push subscriptions ---

// SaveSubscription creates or replaces a subscription and its room set.
func (s *gormStore) SaveSubscription(ctx context.Context, sub *model.PushSubscription, roomIDs []int64) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Omit("Rooms").Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "endpoint"}},
			DoUpdates: clause.AssignmentColumns([]string{"p256dh", "auth"}),
		}).Create(sub).Error; err != nil {
			return err
		}

		var rooms []*model.Room
		if len(roomIDs) > 0 {
			if err := tx.Find(&rooms, roomIDs).Error; err != nil {
				return err
			}
		}
		return tx.Model(sub).Association("Rooms").Replace(rooms)
	})
}

func (s *gormStore) GetSubscription(ctx context.Context, endpoint string) (*model.PushSubscription, error) {
	var sub model.PushSubscription
	if err := s.db.WithContext(ctx).Preload("Rooms").First(&sub, "endpoint = ?", endpoint).Error; err != nil {
		return nil, notFound(err)
	}
	return &sub, nil
}

func (s *gormStore) DeleteSubscription(ctx context.Context, endpoint string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		sub := model.PushSubscription{Endpoint: endpoint}
		if err := tx.Model(&sub).Association("Rooms").Clear(); err != nil {
			return err
		}
		return tx.Delete(&sub).Error
	})
}

func (s *gormStore) SubscriptionsForRoom(ctx context.Context, roomID int64) ([]model.PushSubscription, error) {
	var subs []model.PushSubscription
	err := s.db.WithContext(ctx).
		Joins("JOIN subscription_room_mapping srm ON srm.push_subscription_endpoint = push_subscriptions.endpoint").
		Where("srm.room_id = ?", roomID).
		Find(&subs).Error
	if err != nil {
		return nil, fmt.Errorf("failed to fetch subscriptions for room %d: %w", roomID, err)
	}
	return subs, nil
}

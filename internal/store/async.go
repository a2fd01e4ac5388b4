package store

import (
	"context"
	"time"

	"roomwatt-backend/internal/model"
	"roomwatt-backend/internal/persist"
)

// AsyncRecorder mirrors in-memory state changes into the store through the
// persistence writer. Every method returns immediately. Its jobs are durable:
// an outage delays them but does not lose them.
type AsyncRecorder struct {
	store  Store
	writer *persist.Writer
}

// NewAsyncRecorder creates a recorder writing to s via w.
func NewAsyncRecorder(s Store, w *persist.Writer) *AsyncRecorder {
	return &AsyncRecorder{store: s, writer: w}
}

// IntervalOpened implements ledger.Sink.
func (r *AsyncRecorder) IntervalOpened(open model.LedgerOpen) {
	r.writer.Dispatch(persist.Job{Key: open.DeviceID, Name: "open_interval", Durable: true, Do: func(ctx context.Context) error {
		return r.store.SaveOpenInterval(ctx, open)
	}})
}

// IntervalClosed implements ledger.Sink.
func (r *AsyncRecorder) IntervalClosed(open model.LedgerOpen, entries []model.LedgerEntry) {
	r.writer.Dispatch(persist.Job{Key: open.DeviceID, Name: "close_interval", Durable: true, Do: func(ctx context.Context) error {
		return r.store.CloseInterval(ctx, open, entries)
	}})
}

// RoomChanged persists a room's debounced occupancy.
func (r *AsyncRecorder) RoomChanged(roomID int64, state model.OccupancyState, lastSeen time.Time) {
	r.writer.Dispatch(persist.Job{Key: roomID, Name: "room_occupancy", Durable: true, Do: func(ctx context.Context) error {
		return r.store.UpdateRoomOccupancy(ctx, roomID, state, lastSeen)
	}})
}

// DeviceChanged persists a device's power state.
func (r *AsyncRecorder) DeviceChanged(d model.Device) {
	r.writer.Dispatch(persist.Job{Key: d.ID, Name: "device_state", Durable: true, Do: func(ctx context.Context) error {
		return r.store.UpdateDeviceState(ctx, d)
	}})
}

// BucketsRolled persists the buckets of a closed hour.
func (r *AsyncRecorder) BucketsRolled(buckets []model.HourlyBucket) {
	r.writer.Dispatch(persist.Job{Key: 0, Name: "hourly_buckets", Durable: true, Do: func(ctx context.Context) error {
		return r.store.InsertBuckets(ctx, buckets)
	}})
}

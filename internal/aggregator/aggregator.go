// Package aggregator rolls closed ledger entries into immutable hourly buckets.
package aggregator

import (
	"encoding/json"
	"sort"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
	"gorm.io/datatypes"

	"roomwatt-backend/internal/ledger"
	"roomwatt-backend/internal/model"
)

// RoomLister returns the ids of every registered room.
type RoomLister func() []int64

// Sink receives the buckets produced for one closed hour.
type Sink func(buckets []model.HourlyBucket)

// Aggregator tracks which hour was rolled last and which ledger entries have
// already been counted. Roll is safe to call from one goroutine at a time; the
// mutex only guards the read accessors.
type Aggregator struct {
	mu     sync.Mutex
	ledger *ledger.Ledger
	rooms  RoomLister
	sink   Sink
	retain time.Duration
	logger *zap.Logger

	last   time.Time // last boundary rolled
	cursor uint64
	carry  []ledger.Entry // closed entries for an hour that has not closed yet
}

// New creates an aggregator whose first roll happens at the first hour
// boundary after start.
func New(l *ledger.Ledger, rooms RoomLister, sink Sink, retain time.Duration, logger *zap.Logger, start time.Time) *Aggregator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Aggregator{
		ledger: l,
		rooms:  rooms,
		sink:   sink,
		retain: retain,
		logger: logger,
		last:   HourStart(start),
	}
}

// HourStart truncates t to the start of its UTC hour.
func HourStart(t time.Time) time.Time {
	return t.UTC().Truncate(time.Hour)
}

// LastRolled returns the most recent boundary that was rolled.
func (a *Aggregator) LastRolled() time.Time {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.last
}

// Roll closes every hour whose end boundary is not after now and returns the
// buckets it produced. Calling it again for the same now does nothing.
func (a *Aggregator) Roll(now time.Time) []model.HourlyBucket {
	a.mu.Lock()
	defer a.mu.Unlock()

	var out []model.HourlyBucket
	for b := a.last.Add(time.Hour); !b.After(now); b = b.Add(time.Hour) {
		buckets := a.rollLocked(b, now)
		a.last = b
		if a.sink != nil && len(buckets) > 0 {
			a.sink(buckets)
		}
		out = append(out, buckets...)
	}
	return out
}

func (a *Aggregator) rollLocked(boundary, now time.Time) []model.HourlyBucket {
	a.ledger.SplitAt(boundary)

	fresh := a.ledger.EntriesSince(a.cursor)
	if n := len(fresh); n > 0 {
		a.cursor = fresh[n-1].Seq
	}
	pending := append(a.carry, fresh...)

	hourStart := boundary.Add(-time.Hour)
	var due []ledger.Entry
	a.carry = a.carry[:0:0]
	late := 0
	for _, e := range pending {
		if e.EndedAt.After(boundary) {
			a.carry = append(a.carry, e)
			continue
		}
		if e.StartedAt.Before(hourStart) {
			late++
		}
		due = append(due, e)
	}
	if late > 0 {
		a.logger.Info("Folding late ledger entries into current bucket",
			zap.Time("hour_start", hourStart), zap.Int("entries", late))
	}

	buckets := summarize(hourStart, now.UTC(), a.roomIDs(due), due)

	if a.retain > 0 {
		if n := a.ledger.Compact(boundary.Add(-a.retain)); n > 0 {
			a.logger.Debug("Compacted ledger", zap.Int("entries", n))
		}
	}
	return buckets
}

func (a *Aggregator) roomIDs(due []ledger.Entry) []int64 {
	seen := make(map[int64]struct{})
	if a.rooms != nil {
		for _, id := range a.rooms() {
			seen[id] = struct{}{}
		}
	}
	for _, e := range due {
		seen[e.RoomID] = struct{}{}
	}
	ids := make([]int64, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// summarize builds one bucket per room. Rooms with no entries get a zero
// bucket so that every hour is represented.
func summarize(hourStart, createdAt time.Time, roomIDs []int64, due []ledger.Entry) []model.HourlyBucket {
	type acc struct {
		consumed, saved float64
		devices         map[string]model.DeviceShare
	}
	byRoom := make(map[int64]*acc, len(roomIDs))
	for _, id := range roomIDs {
		byRoom[id] = &acc{devices: make(map[string]model.DeviceShare)}
	}

	for _, e := range due {
		r := byRoom[e.RoomID]
		key := strconv.FormatInt(e.DeviceID, 10)
		share := r.devices[key]
		switch e.Kind {
		case model.KindConsumed:
			r.consumed += e.KWh()
			share.ConsumedKWh += e.KWh()
		case model.KindSaved:
			r.saved += e.KWh()
			share.SavedKWh += e.KWh()
		default:
			continue
		}
		r.devices[key] = share
	}

	out := make([]model.HourlyBucket, 0, len(roomIDs))
	for _, id := range roomIDs {
		r := byRoom[id]
		raw, _ := json.Marshal(r.devices)
		out = append(out, model.HourlyBucket{
			RoomID:      id,
			HourStart:   hourStart,
			ConsumedKWh: r.consumed,
			SavedKWh:    r.saved,
			Devices:     datatypes.JSON(raw),
			CreatedAt:   createdAt,
		})
	}
	return out
}

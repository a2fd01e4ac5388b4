package control

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"roomwatt-backend/internal/aggregator"
	"roomwatt-backend/internal/ledger"
	"roomwatt-backend/internal/model"
	"roomwatt-backend/internal/occupancy"
	"roomwatt-backend/internal/policy"
)

var t0 = time.Date(2024, 5, 1, 10, 30, 0, 0, time.UTC)

type recordingSink struct {
	mu      sync.Mutex
	rooms   map[int64]model.OccupancyState
	devices map[int64]model.Device
}

func newRecordingSink() *recordingSink {
	return &recordingSink{rooms: map[int64]model.OccupancyState{}, devices: map[int64]model.Device{}}
}

func (s *recordingSink) RoomChanged(id int64, state model.OccupancyState, _ time.Time) {
	s.mu.Lock()
	s.rooms[id] = state
	s.mu.Unlock()
}

func (s *recordingSink) DeviceChanged(d model.Device) {
	s.mu.Lock()
	s.devices[d.ID] = d
	s.mu.Unlock()
}

type harness struct {
	clock  clockwork.FakeClock
	ledger *ledger.Ledger
	ctrl   *Controller
	sink   *recordingSink

	mu      sync.Mutex
	reports map[int64][]policy.Report
	buckets []model.HourlyBucket
}

func newHarness(t *testing.T, opts Options, p float64, seed uint64) *harness {
	t.Helper()
	h := &harness{
		clock:   clockwork.NewFakeClockAt(t0),
		ledger:  ledger.New(nil),
		sink:    newRecordingSink(),
		reports: map[int64][]policy.Report{},
	}
	pol := policy.New(h.ledger, nil, zap.NewNop())
	var ctrl *Controller
	agg := aggregator.New(h.ledger, func() []int64 { return ctrl.RoomIDs() }, func(b []model.HourlyBucket) {
		h.mu.Lock()
		h.buckets = append(h.buckets, b...)
		h.mu.Unlock()
	}, 0, zap.NewNop(), t0)
	ctrl = New(h.clock, pol, h.ledger, occupancy.NewSimulator(p, seed), agg, h.sink, zap.NewNop(), opts)
	ctrl.OnReport(func(r policy.Report) {
		h.mu.Lock()
		h.reports[r.RoomID] = append(h.reports[r.RoomID], r)
		h.mu.Unlock()
	})
	h.ctrl = ctrl
	t.Cleanup(ctrl.Stop)
	return h
}

func lightAndFan(roomID int64) []model.Device {
	return []model.Device{
		{ID: roomID*10 + 1, RoomID: roomID, Name: "Light", Category: model.CategoryLight, PowerW: 60, IsOn: true},
		{ID: roomID*10 + 2, RoomID: roomID, Name: "Fan", Category: model.CategoryFan, PowerW: 150, IsOn: true},
	}
}

func TestController_VacancyScenario(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Options{Timeout: 5 * time.Minute}, 0.33, 1)
	require.NoError(t, h.ctrl.AddRoom(model.Room{ID: 1, Name: "Lab", HasCamera: true}, lightAndFan(1)))

	require.NoError(t, h.ctrl.Observe(ctx, 1, true, t0))
	require.NoError(t, h.ctrl.Flush(ctx))
	snap, ok := h.ctrl.Snapshot(1)
	require.True(t, ok)
	assert.Equal(t, model.Occupied, snap.State)

	h.ctrl.Tick(ctx, t0.Add(4*time.Minute))
	snap, _ = h.ctrl.Snapshot(1)
	assert.Equal(t, model.Occupied, snap.State)

	h.ctrl.Tick(ctx, t0.Add(5*time.Minute))
	snap, _ = h.ctrl.Snapshot(1)
	assert.Equal(t, model.Unoccupied, snap.State)
	assert.InDelta(t, 60, snap.PowerW, 1e-9)

	fan, ok := h.ledger.OpenInterval(12)
	require.True(t, ok)
	assert.Equal(t, model.KindSaved, fan.Kind)
	assert.InDelta(t, 150, fan.PowerW, 1e-9)
	assert.Equal(t, t0.Add(5*time.Minute), fan.StartedAt)
	for _, e := range h.ledger.Entries(11) {
		assert.NotEqual(t, model.KindSaved, e.Kind)
	}

	h.mu.Lock()
	reports := h.reports[1]
	h.mu.Unlock()
	require.Len(t, reports, 2)
	assert.True(t, reports[1].Shutdown())
	assert.Equal(t, int64(11), reports[1].KeeperID)

	h.sink.mu.Lock()
	defer h.sink.mu.Unlock()
	assert.Equal(t, model.Unoccupied, h.sink.rooms[1])
	assert.True(t, h.sink.devices[12].PolicyOff)
}

func TestController_DuplicateSampleOneTransition(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Options{}, 0.33, 1)
	require.NoError(t, h.ctrl.AddRoom(model.Room{ID: 1, HasCamera: true}, lightAndFan(1)))

	require.NoError(t, h.ctrl.Observe(ctx, 1, true, t0))
	require.NoError(t, h.ctrl.Observe(ctx, 1, true, t0))
	require.NoError(t, h.ctrl.Flush(ctx))

	h.mu.Lock()
	defer h.mu.Unlock()
	assert.Len(t, h.reports[1], 1)
}

func runReplay(t *testing.T) (ledger.Totals, []RoomSnapshot, map[int64][]policy.Report) {
	ctx := context.Background()
	h := newHarness(t, Options{Timeout: 5 * time.Minute, Simulate: true}, 0.02, 42)
	for id := int64(1); id <= 3; id++ {
		require.NoError(t, h.ctrl.AddRoom(model.Room{ID: id}, lightAndFan(id)))
	}
	var now time.Time
	for i := 1; i <= 2000; i++ {
		now = t0.Add(time.Duration(i) * 5 * time.Second)
		h.ctrl.Tick(ctx, now)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.ledger.Totals(ledger.Query{AsOf: now}), h.ctrl.Snapshots(), h.reports
}

func TestController_ReplayIsDeterministic(t *testing.T) {
	totalsA, snapsA, reportsA := runReplay(t)
	totalsB, snapsB, reportsB := runReplay(t)

	assert.InDelta(t, totalsA.ConsumedKWh, totalsB.ConsumedKWh, 1e-9)
	assert.InDelta(t, totalsA.SavedKWh, totalsB.SavedKWh, 1e-9)
	assert.Equal(t, snapsA, snapsB)
	assert.Equal(t, reportsA, reportsB)

	// The seed produces at least one vacancy, so the comparison is meaningful.
	assert.Positive(t, totalsA.SavedKWh)

	// Every vacancy left the keeper light on.
	for _, reps := range reportsA {
		for _, r := range reps {
			if r.State == model.Unoccupied {
				assert.NotZero(t, r.KeeperID)
			}
		}
	}
}

func TestController_StaleCameraFallsBackToSimulator(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Options{Simulate: true, StaleAfter: 2 * time.Minute}, 1, 1)
	require.NoError(t, h.ctrl.AddRoom(model.Room{ID: 1, HasCamera: true}, lightAndFan(1)))

	h.ctrl.Tick(ctx, t0.Add(time.Minute))
	snap, _ := h.ctrl.Snapshot(1)
	assert.Equal(t, model.Unoccupied, snap.State, "fresh camera gets no simulated samples")

	h.clock.Advance(3 * time.Minute)
	h.ctrl.Tick(ctx, h.ctrl.Now())
	snap, _ = h.ctrl.Snapshot(1)
	assert.Equal(t, model.Occupied, snap.State)
	assert.True(t, snap.Fallback)

	// A real sample ends the fallback.
	require.NoError(t, h.ctrl.Observe(ctx, 1, false, h.ctrl.Now()))
	h.ctrl.Tick(ctx, h.ctrl.Now())
	snap, _ = h.ctrl.Snapshot(1)
	assert.False(t, snap.Fallback)
}

func TestController_SimulatorSkipsCameraRooms(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Options{Simulate: true}, 1, 1)
	require.NoError(t, h.ctrl.AddRoom(model.Room{ID: 1, HasCamera: true}, nil))
	require.NoError(t, h.ctrl.AddRoom(model.Room{ID: 2}, nil))

	samples, err := h.ctrl.SimulateNow(ctx)
	require.NoError(t, err)
	require.Len(t, samples, 1)
	assert.Equal(t, int64(2), samples[0].RoomID)

	snap, _ := h.ctrl.Snapshot(2)
	assert.Equal(t, model.Occupied, snap.State)
	snap, _ = h.ctrl.Snapshot(1)
	assert.Equal(t, model.Unoccupied, snap.State)
}

func TestController_Toggle(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Options{}, 0.33, 1)
	require.NoError(t, h.ctrl.AddRoom(model.Room{ID: 1, HasCamera: true}, lightAndFan(1)))

	h.clock.Advance(time.Minute)
	ch, err := h.ctrl.Toggle(ctx, 12, false)
	require.NoError(t, err)
	assert.Equal(t, policy.ReasonManual, ch.Reason)
	assert.False(t, ch.Device.IsOn)

	snap, _ := h.ctrl.Snapshot(1)
	assert.InDelta(t, 60, snap.PowerW, 1e-9)
	o, _ := h.ledger.OpenInterval(12)
	assert.Equal(t, model.KindOff, o.Kind)
	assert.Equal(t, t0.Add(time.Minute), o.StartedAt)

	_, err = h.ctrl.Toggle(ctx, 99, true)
	var nf *ledger.NotFoundError
	assert.True(t, errors.As(err, &nf))
}

func TestController_DeviceAndRoomLifecycle(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Options{}, 0.33, 1)
	require.NoError(t, h.ctrl.AddRoom(model.Room{ID: 1}, nil))
	assert.Error(t, h.ctrl.AddRoom(model.Room{ID: 1}, nil))

	require.NoError(t, h.ctrl.AddDevice(ctx, model.Device{ID: 5, RoomID: 1, Category: model.CategoryTV, PowerW: 100, IsOn: true}))
	_, ok := h.ledger.OpenInterval(5)
	assert.True(t, ok)

	h.clock.Advance(time.Hour)
	require.NoError(t, h.ctrl.RemoveDevice(ctx, 5))
	_, ok = h.ledger.OpenInterval(5)
	assert.False(t, ok)
	_, err := h.ctrl.Toggle(ctx, 5, false)
	var nf *ledger.NotFoundError
	assert.True(t, errors.As(err, &nf))

	err = h.ctrl.AddDevice(ctx, model.Device{ID: 6, RoomID: 2, PowerW: 1})
	assert.True(t, errors.As(err, &nf))

	require.NoError(t, h.ctrl.AddDevice(ctx, model.Device{ID: 7, RoomID: 1, PowerW: 10, IsOn: true}))
	require.NoError(t, h.ctrl.RemoveRoom(ctx, 1))
	_, ok = h.ledger.OpenInterval(7)
	assert.False(t, ok, "removing a room closes its intervals")
	assert.True(t, errors.As(h.ctrl.Observe(ctx, 1, true, t0), &nf))
	assert.Empty(t, h.ctrl.RoomIDs())
}

func TestController_TickRollsHourlyBuckets(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Options{}, 0.33, 1)
	require.NoError(t, h.ctrl.AddRoom(model.Room{ID: 1}, []model.Device{{ID: 1, RoomID: 1, PowerW: 100, IsOn: true}}))
	require.NoError(t, h.ctrl.AddRoom(model.Room{ID: 2}, nil))

	h.ctrl.Tick(ctx, t0.Add(30*time.Minute))

	h.mu.Lock()
	defer h.mu.Unlock()
	require.Len(t, h.buckets, 2)
	assert.Equal(t, time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC), h.buckets[0].HourStart)
	assert.InDelta(t, 0.05, h.buckets[0].ConsumedKWh, 1e-12)
	assert.Zero(t, h.buckets[1].ConsumedKWh)
}

func TestController_RunTicksOnClock(t *testing.T) {
	h := newHarness(t, Options{TickInterval: 5 * time.Second, Simulate: true}, 1, 1)
	require.NoError(t, h.ctrl.AddRoom(model.Room{ID: 1}, nil))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		h.ctrl.Run(ctx)
		close(done)
	}()

	h.clock.BlockUntil(1)
	h.clock.Advance(5 * time.Second)
	assert.Eventually(t, func() bool {
		snap, _ := h.ctrl.Snapshot(1)
		return snap.State == model.Occupied
	}, time.Second, 5*time.Millisecond)

	cancel()
	<-done
}

func TestController_SampleAfterDeadlineShutsDownFirst(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Options{Timeout: 5 * time.Minute}, 0.33, 1)
	require.NoError(t, h.ctrl.AddRoom(model.Room{ID: 1, HasCamera: true}, lightAndFan(1)))

	require.NoError(t, h.ctrl.Observe(ctx, 1, true, t0))
	// no tick runs between the deadline and the next sample
	h.clock.Advance(6 * time.Minute)
	require.NoError(t, h.ctrl.Observe(ctx, 1, true, h.clock.Now()))
	require.NoError(t, h.ctrl.FlushRoom(ctx, 1))

	h.mu.Lock()
	reports := h.reports[1]
	h.mu.Unlock()
	require.Len(t, reports, 3)
	assert.Equal(t, model.Unoccupied, reports[1].State)
	assert.Equal(t, t0.Add(5*time.Minute), reports[1].At)
	assert.True(t, reports[1].Shutdown())
	assert.Equal(t, model.Occupied, reports[2].State)

	snap, _ := h.ctrl.Snapshot(1)
	assert.Equal(t, model.Occupied, snap.State)
	assert.InDelta(t, 210, snap.PowerW, 1e-9)

	// the fan's saved interval covers the minute the room sat empty
	var saved float64
	for _, e := range h.ledger.Entries(12) {
		if e.Kind == model.KindSaved {
			saved += e.EnergyWh
		}
	}
	assert.InDelta(t, 2.5, saved, 1e-9)
}

func TestController_RejectsFutureSample(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Options{}, 0.33, 1)
	require.NoError(t, h.ctrl.AddRoom(model.Room{ID: 1, HasCamera: true}, lightAndFan(1)))

	err := h.ctrl.Observe(ctx, 1, true, t0.Add(3*time.Hour))
	var future *FutureSampleError
	require.True(t, errors.As(err, &future))
	assert.Equal(t, int64(1), future.RoomID)

	// small skew is tolerated
	require.NoError(t, h.ctrl.Observe(ctx, 1, true, t0.Add(MaxClockSkew)))
	require.NoError(t, h.ctrl.FlushRoom(ctx, 1))
	snap, _ := h.ctrl.Snapshot(1)
	assert.Equal(t, model.Occupied, snap.State)
}

func TestController_FlushRoomIgnoresOtherRooms(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Options{}, 0.33, 1)
	release := make(chan struct{})
	h.ctrl.OnTransition(func(tr occupancy.Transition) {
		if tr.RoomID == 2 {
			<-release
		}
	})
	require.NoError(t, h.ctrl.AddRoom(model.Room{ID: 1, HasCamera: true}, lightAndFan(1)))
	require.NoError(t, h.ctrl.AddRoom(model.Room{ID: 2, HasCamera: true}, lightAndFan(2)))
	defer close(release)

	// room 2's worker is stuck in its hook
	require.NoError(t, h.ctrl.Observe(ctx, 2, true, t0))

	flushCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	require.NoError(t, h.ctrl.Observe(flushCtx, 1, true, t0))
	require.NoError(t, h.ctrl.FlushRoom(flushCtx, 1))
	snap, _ := h.ctrl.Snapshot(1)
	assert.Equal(t, model.Occupied, snap.State)

	var nf *ledger.NotFoundError
	assert.True(t, errors.As(h.ctrl.FlushRoom(ctx, 99), &nf))
}

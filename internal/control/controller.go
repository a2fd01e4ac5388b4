// Package control runs the occupancy control loop: one single-writer worker
// per room, fed by presence samples, a fixed-interval tick and manual toggles.
package control

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"roomwatt-backend/internal/aggregator"
	"roomwatt-backend/internal/ledger"
	"roomwatt-backend/internal/model"
	"roomwatt-backend/internal/occupancy"
	"roomwatt-backend/internal/policy"
)

// StateSink persists room and device state changes. Calls are made from room
// workers and must not block.
type StateSink interface {
	RoomChanged(roomID int64, state model.OccupancyState, lastSeen time.Time)
	DeviceChanged(d model.Device)
}

type nopSink struct{}

func (nopSink) RoomChanged(int64, model.OccupancyState, time.Time) {}
func (nopSink) DeviceChanged(model.Device)                         {}

// Options tunes the controller.
type Options struct {
	TickInterval time.Duration
	Timeout      time.Duration // occupancy debounce
	StaleAfter   time.Duration // camera silence before simulator fallback
	InboxSize    int
	Simulate     bool // draw samples for camera-less rooms on every tick
}

// RoomSnapshot is a consistent, read-only view of a room.
type RoomSnapshot struct {
	ID        int64                `json:"id"`
	Name      string               `json:"name"`
	HasCamera bool                 `json:"has_camera"`
	State     model.OccupancyState `json:"occupancy"`
	LastSeen  *time.Time           `json:"last_seen"`
	Fallback  bool                 `json:"simulated_fallback"`
	PowerW    float64              `json:"power_w"`
	Devices   []model.Device       `json:"devices"`
}

// Controller owns the room workers.
type Controller struct {
	clock  clockwork.Clock
	policy *policy.Policy
	ledger *ledger.Ledger
	sim    *occupancy.Simulator
	agg    *aggregator.Aggregator
	state  StateSink
	logger *zap.Logger
	opts   Options

	onTransition []func(occupancy.Transition)
	onReport     []func(policy.Report)

	mu         sync.RWMutex
	rooms      map[int64]*roomWorker
	deviceRoom map[int64]int64
	wg         sync.WaitGroup
}

// New creates a controller. agg and state may be nil.
func New(clock clockwork.Clock, p *policy.Policy, l *ledger.Ledger, sim *occupancy.Simulator,
	agg *aggregator.Aggregator, state StateSink, logger *zap.Logger, opts Options) *Controller {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if state == nil {
		state = nopSink{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.TickInterval <= 0 {
		opts.TickInterval = 5 * time.Second
	}
	if opts.Timeout <= 0 {
		opts.Timeout = occupancy.DefaultTimeout
	}
	if opts.InboxSize <= 0 {
		opts.InboxSize = 256
	}
	return &Controller{
		clock:      clock,
		policy:     p,
		ledger:     l,
		sim:        sim,
		agg:        agg,
		state:      state,
		logger:     logger,
		opts:       opts,
		rooms:      make(map[int64]*roomWorker),
		deviceRoom: make(map[int64]int64),
	}
}

// OnTransition registers a hook called on every occupancy transition. Hooks
// run on the room's worker and must not block. Register before adding rooms.
func (c *Controller) OnTransition(fn func(occupancy.Transition)) {
	c.onTransition = append(c.onTransition, fn)
}

// OnReport registers a hook called with the policy report of every transition.
func (c *Controller) OnReport(fn func(policy.Report)) {
	c.onReport = append(c.onReport, fn)
}

// Now returns the controller's clock reading in UTC.
func (c *Controller) Now() time.Time { return c.clock.Now().UTC() }

// Run ticks until ctx is cancelled, then stops every room worker.
func (c *Controller) Run(ctx context.Context) {
	c.logger.Info("Starting control loop", zap.Duration("tick", c.opts.TickInterval))
	ticker := c.clock.NewTicker(c.opts.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("Control loop shutting down")
			c.Stop()
			return
		case <-ticker.Chan():
			c.Tick(ctx, c.Now())
		}
	}
}

// Tick runs one control step at now: simulator draws, timeout checks and the
// hourly roll. It returns once every room has processed the step.
func (c *Controller) Tick(ctx context.Context, now time.Time) {
	for _, w := range c.workers() {
		m := message{kind: msgTick, now: now}
		if c.shouldSimulate(w, now) {
			s := c.sim.Sample(w.id, now)
			m.sample = &s
		}
		if err := w.send(ctx, m); err != nil {
			c.logger.Warn("Tick not delivered", zap.Int64("room_id", w.id), zap.Error(err))
		}
	}
	if err := c.Flush(ctx); err != nil {
		c.logger.Warn("Tick barrier interrupted", zap.Error(err))
		return
	}
	if c.agg != nil {
		if buckets := c.agg.Roll(now); len(buckets) > 0 {
			c.logger.Info("Rolled hourly buckets", zap.Int("buckets", len(buckets)), zap.Time("hour_start", buckets[len(buckets)-1].HourStart))
		}
	}
}

// shouldSimulate reports whether the room gets a simulator draw this tick.
// Camera rooms fall back to it while their camera is silent.
func (c *Controller) shouldSimulate(w *roomWorker, now time.Time) bool {
	if c.sim == nil || !c.opts.Simulate {
		return false
	}
	if !w.hasCamera {
		return true
	}
	if c.opts.StaleAfter <= 0 {
		return false
	}
	stale := now.Sub(time.Unix(0, w.lastSignal.Load())) > c.opts.StaleAfter
	if w.fallback.Swap(stale) != stale {
		if stale {
			c.logger.Warn("Camera silent, falling back to simulated presence", zap.Int64("room_id", w.id))
		} else {
			c.logger.Info("Camera signal restored", zap.Int64("room_id", w.id))
		}
	}
	return stale
}

// Observe delivers a presence sample to a room. Camera samples also refresh
// the room's liveness for the stale-source fallback. A sample stamped more than
// MaxClockSkew ahead of the clock is refused with FutureSampleError.
func (c *Controller) Observe(ctx context.Context, roomID int64, detected bool, at time.Time) error {
	w, ok := c.worker(roomID)
	if !ok {
		return &ledger.NotFoundError{Kind: "room", ID: roomID}
	}
	now := c.Now()
	if at.IsZero() {
		at = now
	}
	if at.After(now.Add(MaxClockSkew)) {
		return &FutureSampleError{RoomID: roomID, At: at.UTC(), Now: now}
	}
	w.lastSignal.Store(c.clock.Now().UnixNano())
	s := occupancy.Sample{RoomID: roomID, ObservedAt: at.UTC(), Detected: detected}
	return w.send(ctx, message{kind: msgSample, sample: &s})
}

// SimulateNow draws one sample for every camera-less room right away.
func (c *Controller) SimulateNow(ctx context.Context) ([]occupancy.Sample, error) {
	if c.sim == nil {
		return nil, nil
	}
	now := c.Now()
	var out []occupancy.Sample
	for _, w := range c.workers() {
		if w.hasCamera {
			continue
		}
		s := c.sim.Sample(w.id, now)
		if err := w.send(ctx, message{kind: msgSample, sample: &s}); err != nil {
			return out, err
		}
		out = append(out, s)
	}
	return out, c.Flush(ctx)
}

// Toggle switches a device by hand.
func (c *Controller) Toggle(ctx context.Context, deviceID int64, on bool) (policy.Change, error) {
	w, ok := c.workerForDevice(deviceID)
	if !ok {
		return policy.Change{}, &ledger.NotFoundError{Kind: "device", ID: deviceID}
	}
	return w.call(ctx, message{kind: msgToggle, id: deviceID, on: on, now: c.Now()})
}

// AddRoom starts a worker for the room and registers its devices. The room's
// persisted occupancy is restored.
func (c *Controller) AddRoom(room model.Room, devices []model.Device) error {
	if _, exists := c.worker(room.ID); exists {
		return fmt.Errorf("room %d is already running", room.ID)
	}
	now := c.Now()
	var lastSeen time.Time
	if room.LastSeen != nil {
		lastSeen = room.LastSeen.UTC()
	}
	w := &roomWorker{
		c:             c,
		id:            room.ID,
		name:          room.Name,
		hasCamera:     room.HasCamera,
		machine:       occupancy.RestoreMachine(room.ID, c.opts.Timeout, room.Occupancy, lastSeen),
		devices:       policy.Devices{},
		inbox:         make(chan message, c.opts.InboxSize),
		done:          make(chan struct{}),
		persistedSeen: lastSeen,
	}
	w.lastSignal.Store(now.UnixNano())

	for i := range devices {
		d := devices[i]
		if err := c.policy.Add(w.devices, &d, now); err != nil {
			return err
		}
	}
	w.publish()

	c.mu.Lock()
	c.rooms[room.ID] = w
	for _, d := range devices {
		c.deviceRoom[d.ID] = room.ID
	}
	c.mu.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		w.run()
	}()
	c.logger.Info("Room added", zap.Int64("room_id", room.ID), zap.Bool("has_camera", room.HasCamera), zap.Int("devices", len(devices)))
	return nil
}

// RemoveRoom stops the room's worker and closes its device intervals.
func (c *Controller) RemoveRoom(ctx context.Context, roomID int64) error {
	c.mu.Lock()
	w, ok := c.rooms[roomID]
	if ok {
		delete(c.rooms, roomID)
		for id, r := range c.deviceRoom {
			if r == roomID {
				delete(c.deviceRoom, id)
			}
		}
	}
	c.mu.Unlock()
	if !ok {
		return &ledger.NotFoundError{Kind: "room", ID: roomID}
	}
	if err := w.send(ctx, message{kind: msgStop, close: true, now: c.Now()}); err != nil {
		return err
	}
	select {
	case <-w.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	c.logger.Info("Room removed", zap.Int64("room_id", roomID))
	return nil
}

// AddDevice registers a new device with its room and opens its interval.
func (c *Controller) AddDevice(ctx context.Context, d model.Device) error {
	w, ok := c.worker(d.RoomID)
	if !ok {
		return &ledger.NotFoundError{Kind: "room", ID: d.RoomID}
	}
	if _, err := w.call(ctx, message{kind: msgAddDevice, device: &d, now: c.Now()}); err != nil {
		return err
	}
	c.mu.Lock()
	c.deviceRoom[d.ID] = d.RoomID
	c.mu.Unlock()
	return nil
}

// RemoveDevice closes the device's interval and forgets it.
func (c *Controller) RemoveDevice(ctx context.Context, deviceID int64) error {
	w, ok := c.workerForDevice(deviceID)
	if !ok {
		return &ledger.NotFoundError{Kind: "device", ID: deviceID}
	}
	if _, err := w.call(ctx, message{kind: msgRemoveDevice, id: deviceID, now: c.Now()}); err != nil {
		return err
	}
	c.mu.Lock()
	delete(c.deviceRoom, deviceID)
	c.mu.Unlock()
	return nil
}

// FlushRoom waits until one room has processed the messages sent to it so far.
func (c *Controller) FlushRoom(ctx context.Context, roomID int64) error {
	w, ok := c.worker(roomID)
	if !ok {
		return &ledger.NotFoundError{Kind: "room", ID: roomID}
	}
	_, err := w.call(ctx, message{kind: msgBarrier})
	return err
}

// Flush waits until every room has processed the messages sent so far.
func (c *Controller) Flush(ctx context.Context) error {
	for _, w := range c.workers() {
		if _, err := w.call(ctx, message{kind: msgBarrier}); err != nil && !isNotFound(err) {
			return err
		}
	}
	return nil
}

// Snapshot returns the latest view of one room.
func (c *Controller) Snapshot(roomID int64) (RoomSnapshot, bool) {
	w, ok := c.worker(roomID)
	if !ok {
		return RoomSnapshot{}, false
	}
	return *w.snap.Load(), true
}

// Snapshots returns the latest view of every room, ordered by id.
func (c *Controller) Snapshots() []RoomSnapshot {
	ws := c.workers()
	out := make([]RoomSnapshot, 0, len(ws))
	for _, w := range ws {
		out = append(out, *w.snap.Load())
	}
	return out
}

// RoomIDs lists the registered rooms.
func (c *Controller) RoomIDs() []int64 {
	ws := c.workers()
	ids := make([]int64, len(ws))
	for i, w := range ws {
		ids[i] = w.id
	}
	return ids
}

// Stop ends every room worker without closing ledger intervals; they stay
// persisted and are restored on the next start.
func (c *Controller) Stop() {
	now := c.Now()
	for _, w := range c.workers() {
		select {
		case w.inbox <- message{kind: msgStop, now: now}:
		case <-w.done:
		}
	}
	c.wg.Wait()
}

func (c *Controller) worker(roomID int64) (*roomWorker, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	w, ok := c.rooms[roomID]
	return w, ok
}

func (c *Controller) workerForDevice(deviceID int64) (*roomWorker, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	roomID, ok := c.deviceRoom[deviceID]
	if !ok {
		return nil, false
	}
	w, ok := c.rooms[roomID]
	return w, ok
}

// workers returns the room workers sorted by room id, so that simulator draws
// happen in a stable order.
func (c *Controller) workers() []*roomWorker {
	c.mu.RLock()
	out := make([]*roomWorker, 0, len(c.rooms))
	for _, w := range c.rooms {
		out = append(out, w)
	}
	c.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

package control

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"roomwatt-backend/internal/ledger"
	"roomwatt-backend/internal/model"
	"roomwatt-backend/internal/occupancy"
	"roomwatt-backend/internal/policy"
)

type msgKind int

const (
	msgSample msgKind = iota
	msgTick
	msgToggle
	msgAddDevice
	msgRemoveDevice
	msgBarrier
	msgStop
)

type message struct {
	kind   msgKind
	now    time.Time
	sample *occupancy.Sample
	device *model.Device
	id     int64
	on     bool
	close  bool // msgStop: close the room's ledger intervals
	reply  chan result
}

type result struct {
	change policy.Change
	err    error
}

// roomWorker owns one room. Everything that touches the room's machine or
// devices runs on its goroutine.
type roomWorker struct {
	c         *Controller
	id        int64
	name      string
	hasCamera bool
	machine   *occupancy.Machine
	devices   policy.Devices

	inbox chan message
	done  chan struct{}

	lastSignal    atomic.Int64 // unix nanos of the last camera sample
	fallback      atomic.Bool
	snap          atomic.Pointer[RoomSnapshot]
	persistedSeen time.Time
}

func (w *roomWorker) send(ctx context.Context, m message) error {
	select {
	case w.inbox <- m:
		return nil
	case <-w.done:
		return &ledger.NotFoundError{Kind: "room", ID: w.id}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// call sends m and waits for the worker's reply.
func (w *roomWorker) call(ctx context.Context, m message) (policy.Change, error) {
	m.reply = make(chan result, 1)
	if err := w.send(ctx, m); err != nil {
		return policy.Change{}, err
	}
	select {
	case r := <-m.reply:
		return r.change, r.err
	case <-w.done:
		return policy.Change{}, &ledger.NotFoundError{Kind: "room", ID: w.id}
	case <-ctx.Done():
		return policy.Change{}, ctx.Err()
	}
}

func (w *roomWorker) run() {
	defer close(w.done)
	for m := range w.inbox {
		r, stop := w.handle(m)
		// publish first so a caller sees its own change
		w.publish()
		if m.reply != nil {
			m.reply <- r
		}
		if stop {
			return
		}
	}
}

// handle processes one message. A panic is contained to the message so that
// one broken room never takes the others down.
func (w *roomWorker) handle(m message) (r result, stop bool) {
	defer func() {
		if p := recover(); p != nil {
			w.c.logger.Error("Room worker recovered from panic",
				zap.Int64("room_id", w.id), zap.Any("panic", p), zap.Stack("stack"))
			r = result{err: fmt.Errorf("room %d: internal error", w.id)}
		}
	}()

	ctx := context.Background()
	switch m.kind {
	case msgSample:
		w.observe(ctx, *m.sample)

	case msgTick:
		if tr, ok := w.machine.Expire(m.now); ok {
			w.transition(ctx, tr)
		}
		if m.sample != nil {
			w.observe(ctx, *m.sample)
		}
		if seen := w.machine.LastSeen(); seen.After(w.persistedSeen) {
			w.persistedSeen = seen
			w.c.state.RoomChanged(w.id, w.machine.State(), seen)
		}

	case msgToggle:
		ch, err := w.c.policy.Toggle(ctx, w.devices, m.id, m.on, m.now)
		if d, ok := w.devices[m.id]; ok && err == nil {
			w.c.state.DeviceChanged(*d)
		}
		return result{change: ch, err: err}, false

	case msgAddDevice:
		err := w.c.policy.Add(w.devices, m.device, m.now)
		return result{change: policy.Change{Device: *m.device, On: m.device.IsOn}, err: err}, false

	case msgRemoveDevice:
		return result{err: w.c.policy.Remove(w.devices, m.id, m.now)}, false

	case msgBarrier:

	case msgStop:
		w.machine.Cancel()
		if m.close {
			for _, d := range w.devices.Sorted() {
				if err := w.c.policy.Remove(w.devices, d.ID, m.now); err != nil {
					w.c.logger.Warn("Failed to close device interval", zap.Int64("room_id", w.id), zap.Int64("device_id", d.ID), zap.Error(err))
				}
			}
		}
		return result{}, true
	}
	return result{}, false
}

func (w *roomWorker) observe(ctx context.Context, s occupancy.Sample) {
	for _, tr := range w.machine.Observe(s) {
		w.transition(ctx, tr)
	}
}

func (w *roomWorker) transition(ctx context.Context, tr occupancy.Transition) {
	log := w.c.logger.With(zap.Int64("room_id", w.id), zap.String("state", string(tr.State)), zap.Time("at", tr.At))
	log.Info("Occupancy changed")

	rep, err := w.c.policy.Apply(ctx, w.devices, tr)
	if err != nil {
		var sv *policy.SafetyViolation
		if errors.As(err, &sv) {
			log.Warn("Safety rule enforced", zap.Int64("fallback_device_id", sv.FallbackID))
		} else {
			log.Warn("Power policy reported errors", zap.Error(err))
		}
	}

	w.persistedSeen = w.machine.LastSeen()
	w.c.state.RoomChanged(w.id, tr.State, w.persistedSeen)
	for _, ch := range rep.Changes {
		if d, ok := w.devices[ch.Device.ID]; ok {
			w.c.state.DeviceChanged(*d)
		}
	}

	for _, fn := range w.c.onTransition {
		fn(tr)
	}
	for _, fn := range w.c.onReport {
		fn(rep)
	}
}

func (w *roomWorker) publish() {
	devs := w.devices.Sorted()
	snap := &RoomSnapshot{
		ID:        w.id,
		Name:      w.name,
		HasCamera: w.hasCamera,
		State:     w.machine.State(),
		Fallback:  w.fallback.Load(),
		PowerW:    w.devices.PowerW(),
		Devices:   make([]model.Device, len(devs)),
	}
	if seen := w.machine.LastSeen(); !seen.IsZero() {
		snap.LastSeen = &seen
	}
	for i, d := range devs {
		snap.Devices[i] = *d
	}
	w.snap.Store(snap)
}

func isNotFound(err error) bool {
	var nf *ledger.NotFoundError
	return errors.As(err, &nf)
}

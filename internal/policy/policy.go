// Package policy decides which devices are switched on or off when a room's
// occupancy changes, and records every switch in the energy ledger.
package policy

import (
	"context"
	"errors"
	"sort"
	"time"

	"go.uber.org/zap"

	"roomwatt-backend/internal/ledger"
	"roomwatt-backend/internal/model"
	"roomwatt-backend/internal/occupancy"
)

// Actuator switches a physical or virtual device.
type Actuator interface {
	Set(ctx context.Context, d model.Device, on bool) error
}

// Recorder is the part of the ledger the policy writes to.
type Recorder interface {
	Open(o model.LedgerOpen) error
	Close(deviceID int64, endedAt time.Time) ([]ledger.Entry, error)
	Switch(o model.LedgerOpen) ([]ledger.Entry, error)
}

// Reason explains why a device changed state.
type Reason string

const (
	ReasonVacancy Reason = "vacancy"
	ReasonRestore Reason = "restore"
	ReasonManual  Reason = "manual"
	ReasonSafety  Reason = "safety"
)

// Change is one device switch decided by the policy.
type Change struct {
	Device model.Device `json:"device"`
	On     bool         `json:"on"`
	Reason Reason       `json:"reason"`
}

// Report summarises the changes applied for one occupancy transition.
type Report struct {
	RoomID   int64                `json:"room_id"`
	State    model.OccupancyState `json:"state"`
	At       time.Time            `json:"at"`
	Changes  []Change             `json:"changes"`
	KeeperID int64                `json:"keeper_id,omitempty"`
	SavedW   float64              `json:"saved_w"`
}

// Shutdown reports whether the transition switched at least one device off
// for vacancy.
func (r Report) Shutdown() bool {
	for _, c := range r.Changes {
		if c.Reason == ReasonVacancy {
			return true
		}
	}
	return false
}

// Devices is the device set of one room, keyed by id. It is owned by the room
// worker.
type Devices map[int64]*model.Device

// Sorted returns the devices ordered by id.
func (ds Devices) Sorted() []*model.Device {
	out := make([]*model.Device, 0, len(ds))
	for _, d := range ds {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// PowerW is the current draw of every device that is on.
func (ds Devices) PowerW() float64 {
	var w float64
	for _, d := range ds {
		if d.IsOn {
			w += d.PowerW
		}
	}
	return w
}

// Keeper returns the lowest-id light that is on.
func (ds Devices) Keeper() (*model.Device, bool) {
	for _, d := range ds.Sorted() {
		if d.Category == model.CategoryLight && d.IsOn {
			return d, true
		}
	}
	return nil, false
}

// CheckSafety verifies that a room with lights has at least one of them on.
func CheckSafety(roomID int64, ds Devices) error {
	var first *model.Device
	for _, d := range ds.Sorted() {
		if d.Category != model.CategoryLight {
			continue
		}
		if d.IsOn {
			return nil
		}
		if first == nil {
			first = d
		}
	}
	if first == nil {
		return nil
	}
	return &SafetyViolation{RoomID: roomID, FallbackID: first.ID}
}

// KindFor returns the ledger interval kind matching a device's current state.
func KindFor(d model.Device) model.IntervalKind {
	switch {
	case d.IsOn:
		return model.KindConsumed
	case d.PolicyOff:
		return model.KindSaved
	default:
		return model.KindOff
	}
}

// Policy applies the power rules. It holds no per-room state, so one Policy is
// shared by every room worker.
type Policy struct {
	ledger   Recorder
	actuator Actuator
	logger   *zap.Logger
}

// New creates a Policy.
func New(rec Recorder, act Actuator, logger *zap.Logger) *Policy {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Policy{ledger: rec, actuator: act, logger: logger}
}

// Apply reacts to an occupancy transition of the room owning ds. The returned
// report is always usable; the error joins non-fatal problems such as actuator
// failures or a refused shutdown plan.
func (p *Policy) Apply(ctx context.Context, ds Devices, tr occupancy.Transition) (Report, error) {
	rep := Report{RoomID: tr.RoomID, State: tr.State, At: tr.At}
	var errs []error

	switch tr.State {
	case model.Occupied:
		for _, d := range ds.Sorted() {
			if !d.PolicyOff {
				continue
			}
			if err := p.set(ctx, d, true, tr.At); err != nil {
				errs = append(errs, err)
			}
			rep.Changes = append(rep.Changes, Change{Device: *d, On: true, Reason: ReasonRestore})
		}

	case model.Unoccupied:
		keeper, ok := ds.Keeper()
		if !ok {
			if err := CheckSafety(tr.RoomID, ds); err != nil {
				var sv *SafetyViolation
				errors.As(err, &sv)
				keeper = ds[sv.FallbackID]
				p.logger.Warn("Refusing dark shutdown, switching fallback light on",
					zap.Int64("room_id", tr.RoomID), zap.Int64("device_id", keeper.ID))
				if aerr := p.set(ctx, keeper, true, tr.At); aerr != nil {
					errs = append(errs, aerr)
				}
				rep.Changes = append(rep.Changes, Change{Device: *keeper, On: true, Reason: ReasonSafety})
				errs = append(errs, err)
			}
		}
		if keeper != nil {
			rep.KeeperID = keeper.ID
		}
		for _, d := range ds.Sorted() {
			if !d.IsOn || (keeper != nil && d.ID == keeper.ID) {
				continue
			}
			d.PolicyOff = true
			if err := p.set(ctx, d, false, tr.At); err != nil {
				errs = append(errs, err)
			}
			rep.SavedW += d.PowerW
			rep.Changes = append(rep.Changes, Change{Device: *d, On: false, Reason: ReasonVacancy})
		}
	}

	return rep, errors.Join(errs...)
}

// Toggle applies a manual switch. It clears the policy flag so the device is
// left alone on the next occupied transition.
func (p *Policy) Toggle(ctx context.Context, ds Devices, deviceID int64, on bool, at time.Time) (Change, error) {
	d, ok := ds[deviceID]
	if !ok {
		return Change{}, &ledger.NotFoundError{Kind: "device", ID: deviceID}
	}
	ch := Change{On: on, Reason: ReasonManual}
	if d.IsOn == on && !d.PolicyOff {
		ch.Device = *d
		return ch, nil
	}
	d.PolicyOff = false
	err := p.set(ctx, d, on, at)
	ch.Device = *d
	return ch, err
}

// Add registers a device with the room and opens its first interval. An
// interval already restored from storage is kept.
func (p *Policy) Add(ds Devices, d *model.Device, at time.Time) error {
	ds[d.ID] = d
	err := p.ledger.Open(model.LedgerOpen{
		DeviceID:  d.ID,
		RoomID:    d.RoomID,
		Kind:      KindFor(*d),
		PowerW:    d.PowerW,
		StartedAt: at,
	})
	var conflict *ledger.ConflictError
	if errors.As(err, &conflict) {
		return nil
	}
	return err
}

// Remove closes the device's interval and forgets it.
func (p *Policy) Remove(ds Devices, deviceID int64, at time.Time) error {
	if _, ok := ds[deviceID]; !ok {
		return &ledger.NotFoundError{Kind: "device", ID: deviceID}
	}
	delete(ds, deviceID)
	_, err := p.ledger.Close(deviceID, at)
	var nf *ledger.NotFoundError
	if errors.As(err, &nf) {
		return nil
	}
	return err
}

// set updates the in-memory device, switches the ledger interval and drives
// the actuator. The in-memory change stands even when the actuator fails.
func (p *Policy) set(ctx context.Context, d *model.Device, on bool, at time.Time) error {
	d.IsOn = on
	if on {
		d.PolicyOff = false
	}
	d.ChangedAt = at

	if _, err := p.ledger.Switch(model.LedgerOpen{
		DeviceID:  d.ID,
		RoomID:    d.RoomID,
		Kind:      KindFor(*d),
		PowerW:    d.PowerW,
		StartedAt: at,
	}); err != nil {
		p.logger.Error("Ledger switch failed", zap.Int64("device_id", d.ID), zap.Error(err))
		return err
	}

	if p.actuator == nil {
		return nil
	}
	if err := p.actuator.Set(ctx, *d, on); err != nil {
		p.logger.Warn("Actuator failed", zap.Int64("device_id", d.ID), zap.Bool("on", on), zap.Error(err))
		return err
	}
	return nil
}

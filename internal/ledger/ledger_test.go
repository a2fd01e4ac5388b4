package ledger

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"roomwatt-backend/internal/model"
)

type recordingSink struct {
	opened []model.LedgerOpen
	closed [][]model.LedgerEntry
}

func (s *recordingSink) IntervalOpened(o model.LedgerOpen) { s.opened = append(s.opened, o) }

func (s *recordingSink) IntervalClosed(_ model.LedgerOpen, entries []model.LedgerEntry) {
	s.closed = append(s.closed, entries)
}

var t0 = time.Date(2024, 5, 1, 10, 30, 0, 0, time.UTC)

func openFor(deviceID int64, kind model.IntervalKind, powerW float64, at time.Time) model.LedgerOpen {
	return model.LedgerOpen{DeviceID: deviceID, RoomID: 1, Kind: kind, PowerW: powerW, StartedAt: at}
}

func TestLedger_OpenTwiceConflicts(t *testing.T) {
	l := New(nil)
	require.NoError(t, l.Open(openFor(1, model.KindConsumed, 60, t0)))

	err := l.Open(openFor(1, model.KindConsumed, 60, t0.Add(time.Minute)))
	var conflict *ConflictError
	require.True(t, errors.As(err, &conflict))
	assert.Equal(t, int64(1), conflict.DeviceID)
	assert.Equal(t, t0, conflict.OpenSince)
}

func TestLedger_CloseWithoutOpen(t *testing.T) {
	l := New(nil)
	_, err := l.Close(7, t0)
	var nf *NotFoundError
	assert.True(t, errors.As(err, &nf))
	assert.Equal(t, int64(7), nf.ID)
}

func TestLedger_CloseComputesEnergy(t *testing.T) {
	testCases := []struct {
		name     string
		kind     model.IntervalKind
		powerW   float64
		duration time.Duration
		wantWh   float64
	}{
		{name: "consumed 60W for 20 minutes", kind: model.KindConsumed, powerW: 60, duration: 20 * time.Minute, wantWh: 20},
		{name: "saved 150W for 10 minutes", kind: model.KindSaved, powerW: 150, duration: 10 * time.Minute, wantWh: 25},
		{name: "user off accrues nothing", kind: model.KindOff, powerW: 150, duration: 10 * time.Minute, wantWh: 0},
		{name: "zero length", kind: model.KindConsumed, powerW: 100, duration: 0, wantWh: 0},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			l := New(nil)
			start := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
			require.NoError(t, l.Open(openFor(1, tc.kind, tc.powerW, start)))

			entries, err := l.Close(1, start.Add(tc.duration))
			require.NoError(t, err)
			require.Len(t, entries, 1)
			assert.InDelta(t, tc.wantWh, entries[0].EnergyWh, 1e-9)
			assert.InDelta(t, tc.wantWh/1000, entries[0].KWh(), 1e-12)
			assert.Equal(t, tc.kind, entries[0].Kind)

			_, stillOpen := l.OpenInterval(1)
			assert.False(t, stillOpen)
		})
	}
}

func TestLedger_CloseClampsEndBeforeStart(t *testing.T) {
	l := New(nil)
	require.NoError(t, l.Open(openFor(1, model.KindConsumed, 100, t0)))
	entries, err := l.Close(1, t0.Add(-time.Minute))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, t0, entries[0].EndedAt)
	assert.Zero(t, entries[0].EnergyWh)
}

func TestLedger_CloseSplitsAcrossHours(t *testing.T) {
	l := New(nil)
	require.NoError(t, l.Open(openFor(1, model.KindConsumed, 100, t0)))

	entries, err := l.Close(1, t0.Add(90*time.Minute))
	require.NoError(t, err)
	require.Len(t, entries, 2)

	assert.Equal(t, t0, entries[0].StartedAt)
	assert.Equal(t, time.Date(2024, 5, 1, 11, 0, 0, 0, time.UTC), entries[0].EndedAt)
	assert.Equal(t, entries[0].EndedAt, entries[1].StartedAt)
	assert.Equal(t, t0.Add(90*time.Minute), entries[1].EndedAt)

	total := entries[0].KWh() + entries[1].KWh()
	assert.InDelta(t, 100*1.5/1000, total, 1e-12)
	assert.Less(t, entries[0].Seq, entries[1].Seq)
}

func TestLedger_SplitAtReopensWithSameKind(t *testing.T) {
	sink := &recordingSink{}
	l := New(sink)
	boundary := time.Date(2024, 5, 1, 11, 0, 0, 0, time.UTC)
	require.NoError(t, l.Open(openFor(1, model.KindSaved, 150, t0)))
	require.NoError(t, l.Open(openFor(2, model.KindConsumed, 60, boundary.Add(time.Minute))))

	closed := l.SplitAt(boundary)
	require.Len(t, closed, 1)
	assert.Equal(t, int64(1), closed[0].DeviceID)
	assert.Equal(t, boundary, closed[0].EndedAt)
	assert.InDelta(t, 75, closed[0].EnergyWh, 1e-9)

	reopened, ok := l.OpenInterval(1)
	require.True(t, ok)
	assert.Equal(t, boundary, reopened.StartedAt)
	assert.Equal(t, model.KindSaved, reopened.Kind)

	untouched, ok := l.OpenInterval(2)
	require.True(t, ok)
	assert.Equal(t, boundary.Add(time.Minute), untouched.StartedAt)

	// two initial opens plus the reopen
	assert.Len(t, sink.opened, 3)
	assert.Len(t, sink.closed, 1)
}

func TestLedger_SwitchClosesAndOpens(t *testing.T) {
	l := New(nil)
	require.NoError(t, l.Open(openFor(1, model.KindConsumed, 150, t0)))

	closed, err := l.Switch(openFor(1, model.KindSaved, 150, t0.Add(10*time.Minute)))
	require.NoError(t, err)
	require.Len(t, closed, 1)
	assert.Equal(t, model.KindConsumed, closed[0].Kind)

	o, ok := l.OpenInterval(1)
	require.True(t, ok)
	assert.Equal(t, model.KindSaved, o.Kind)

	// Switch on a device with nothing open just opens.
	closed, err = l.Switch(openFor(2, model.KindConsumed, 60, t0))
	require.NoError(t, err)
	assert.Empty(t, closed)
}

func TestLedger_EnergyConservation(t *testing.T) {
	// A device on for 40 minutes then off by vacancy for 20 minutes: consumed plus
	// saved equals what it would have drawn staying on for the whole hour.
	l := New(nil)
	start := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	require.NoError(t, l.Open(openFor(1, model.KindConsumed, 150, start)))
	_, err := l.Switch(openFor(1, model.KindSaved, 150, start.Add(40*time.Minute)))
	require.NoError(t, err)
	_, err = l.Close(1, start.Add(time.Hour))
	require.NoError(t, err)

	totals := l.Totals(Query{})
	wouldHave := EnergyWh(150, time.Hour) / 1000
	assert.InDelta(t, wouldHave, totals.ConsumedKWh+totals.SavedKWh, 1e-12)
	assert.InDelta(t, 0.1, totals.ConsumedKWh, 1e-12)
	assert.InDelta(t, 0.05, totals.SavedKWh, 1e-12)
}

func TestLedger_TotalsRangeRoomAndOpen(t *testing.T) {
	l := New(nil)
	start := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	require.NoError(t, l.Open(model.LedgerOpen{DeviceID: 1, RoomID: 1, Kind: model.KindConsumed, PowerW: 100, StartedAt: start}))
	require.NoError(t, l.Open(model.LedgerOpen{DeviceID: 2, RoomID: 2, Kind: model.KindConsumed, PowerW: 1000, StartedAt: start}))
	_, err := l.Close(1, start.Add(time.Hour))
	require.NoError(t, err)

	// Half of device 1's closed hour lies in the range.
	half := l.Totals(Query{From: start.Add(30 * time.Minute), To: start.Add(2 * time.Hour), RoomID: 1})
	assert.InDelta(t, 0.05, half.ConsumedKWh, 1e-12)

	// Device 2 is still open; it only counts with AsOf.
	room2 := l.Totals(Query{RoomID: 2})
	assert.Zero(t, room2.ConsumedKWh)
	room2 = l.Totals(Query{RoomID: 2, AsOf: start.Add(15 * time.Minute)})
	assert.InDelta(t, 0.25, room2.ConsumedKWh, 1e-12)
}

func TestLedger_RestoreAndCompact(t *testing.T) {
	l := New(nil)
	require.NoError(t, l.Open(openFor(1, model.KindConsumed, 100, t0)))

	err := l.Restore([]model.LedgerOpen{
		openFor(1, model.KindConsumed, 100, t0.Add(-time.Hour)),
		openFor(2, model.KindSaved, 50, t0),
	})
	var conflict *ConflictError
	assert.True(t, errors.As(err, &conflict))
	_, ok := l.OpenInterval(2)
	assert.True(t, ok)

	_, err = l.Close(1, t0.Add(10*time.Minute))
	require.NoError(t, err)
	_, err = l.Close(2, t0.Add(3*time.Hour))
	require.NoError(t, err)

	before := len(l.EntriesSince(0))
	removed := l.Compact(t0.Add(time.Hour))
	assert.Equal(t, 2, removed) // device 1's entry and device 2's first segment
	assert.Len(t, l.EntriesSince(0), before-removed)
}

func TestLedger_EntriesSinceCursor(t *testing.T) {
	l := New(nil)
	require.NoError(t, l.Open(openFor(1, model.KindConsumed, 100, t0)))
	first, err := l.Close(1, t0.Add(time.Minute))
	require.NoError(t, err)
	require.NoError(t, l.Open(openFor(1, model.KindOff, 100, t0.Add(time.Minute))))
	_, err = l.Close(1, t0.Add(2*time.Minute))
	require.NoError(t, err)

	rest := l.EntriesSince(first[0].Seq)
	require.Len(t, rest, 1)
	assert.Equal(t, model.KindOff, rest[0].Kind)
	assert.Len(t, l.Entries(1), 2)
}

func TestLedger_SwitchNeverOverlaps(t *testing.T) {
	l := New(nil)
	boundary := time.Date(2024, 5, 1, 11, 0, 0, 0, time.UTC)
	require.NoError(t, l.Open(openFor(1, model.KindConsumed, 100, t0)))
	l.SplitAt(boundary)

	// A transition stamped before the split lands at the reopened start.
	_, err := l.Switch(openFor(1, model.KindSaved, 100, boundary.Add(-time.Minute)))
	require.NoError(t, err)
	o, _ := l.OpenInterval(1)
	assert.Equal(t, boundary, o.StartedAt)
}

func TestLedger_TotalsOpenOnly(t *testing.T) {
	l := New(nil)
	start := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	require.NoError(t, l.Open(openFor(1, model.KindConsumed, 100, start)))
	_, err := l.Switch(openFor(1, model.KindSaved, 100, start.Add(30*time.Minute)))
	require.NoError(t, err)

	got := l.Totals(Query{AsOf: start.Add(time.Hour), OpenOnly: true})
	assert.Zero(t, got.ConsumedKWh)
	assert.InDelta(t, 0.05, got.SavedKWh, 1e-12)
}

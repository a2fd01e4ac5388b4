package ledger

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"roomwatt-backend/internal/model"
)

// Sink receives every ledger mutation. Calls are made while the ledger lock is
// held, so implementations must not block and must not call back into the
// ledger. The persistence writer satisfies this by queueing.
type Sink interface {
	IntervalOpened(open model.LedgerOpen)
	IntervalClosed(open model.LedgerOpen, entries []model.LedgerEntry)
}

// Entry is a closed ledger entry plus its append sequence number.
type Entry struct {
	model.LedgerEntry
	Seq uint64
}

// Query selects ledger activity in [From, To). A zero RoomID means all rooms.
// Open intervals are accrued up to AsOf when it is set. OpenOnly skips closed
// entries, for callers that read those from storage.
type Query struct {
	From     time.Time
	To       time.Time
	RoomID   int64
	AsOf     time.Time
	OpenOnly bool
}

// Totals is consumption and savings over a query range.
type Totals struct {
	ConsumedKWh float64 `json:"consumed_kwh"`
	SavedKWh    float64 `json:"saved_kwh"`
}

// Ledger is the append-only interval log. At most one interval is open per
// device; closed entries never straddle a wall-clock hour.
type Ledger struct {
	mu      sync.Mutex
	open    map[int64]model.LedgerOpen
	entries []Entry
	seq     uint64
	sink    Sink
	newID   func() string
}

// New creates an empty ledger. sink may be nil.
func New(sink Sink) *Ledger {
	return &Ledger{
		open:  make(map[int64]model.LedgerOpen),
		sink:  sink,
		newID: uuid.NewString,
	}
}

// Open starts a new interval. It fails with ConflictError if the device
// already has one open.
func (l *Ledger) Open(o model.LedgerOpen) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.openLocked(o)
}

// Close ends the device's open interval at endedAt and appends the closed
// entries, one per hour segment. It fails with NotFoundError if nothing is open.
func (l *Ledger) Close(deviceID int64, endedAt time.Time) ([]Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closeLocked(deviceID, endedAt)
}

// Switch closes whatever interval the device has open at o.StartedAt and opens
// o in the same critical section. A start earlier than the open interval's is
// moved up to it so intervals never overlap.
func (l *Ledger) Switch(o model.LedgerOpen) ([]Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var closed []Entry
	if cur, ok := l.open[o.DeviceID]; ok {
		// never reach back before the interval being replaced
		if o.StartedAt.Before(cur.StartedAt) {
			o.StartedAt = cur.StartedAt
		}
		var err error
		if closed, err = l.closeLocked(o.DeviceID, o.StartedAt); err != nil {
			return nil, err
		}
	}
	if err := l.openLocked(o); err != nil {
		return closed, err
	}
	return closed, nil
}

// SplitAt closes every interval opened before boundary exactly at boundary and
// reopens it with the same kind starting at boundary.
func (l *Ledger) SplitAt(boundary time.Time) []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()

	ids := make([]int64, 0, len(l.open))
	for id, o := range l.open {
		if o.StartedAt.Before(boundary) {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	var out []Entry
	for _, id := range ids {
		o := l.open[id]
		closed, err := l.closeLocked(id, boundary)
		if err != nil {
			continue
		}
		out = append(out, closed...)
		o.StartedAt = boundary
		_ = l.openLocked(o)
	}
	return out
}

// Restore installs open intervals recovered from storage without notifying the
// sink. Conflicting intervals are skipped and reported.
func (l *Ledger) Restore(opens []model.LedgerOpen) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	var errs []error
	for _, o := range opens {
		if cur, ok := l.open[o.DeviceID]; ok {
			errs = append(errs, &ConflictError{DeviceID: o.DeviceID, OpenSince: cur.StartedAt})
			continue
		}
		l.open[o.DeviceID] = o
	}
	return errors.Join(errs...)
}

// OpenInterval returns the device's open interval, if any.
func (l *Ledger) OpenInterval(deviceID int64) (model.LedgerOpen, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	o, ok := l.open[deviceID]
	return o, ok
}

// OpenIntervals returns all open intervals ordered by device id.
func (l *Ledger) OpenIntervals() []model.LedgerOpen {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]model.LedgerOpen, 0, len(l.open))
	for _, o := range l.open {
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
	return out
}

// EntriesSince returns the closed entries appended after cursor, in append order.
func (l *Ledger) EntriesSince(cursor uint64) []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	i := sort.Search(len(l.entries), func(i int) bool { return l.entries[i].Seq > cursor })
	return append([]Entry(nil), l.entries[i:]...)
}

// Entries returns the closed entries of one device, in append order.
func (l *Ledger) Entries(deviceID int64) []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []Entry
	for _, e := range l.entries {
		if e.DeviceID == deviceID {
			out = append(out, e)
		}
	}
	return out
}

// Totals aggregates consumed and saved energy over the query range. Entries
// partially inside the range contribute pro rata.
func (l *Ledger) Totals(q Query) Totals {
	l.mu.Lock()
	defer l.mu.Unlock()

	var t Totals
	add := func(kind model.IntervalKind, roomID int64, powerW float64, start, end time.Time) {
		if q.RoomID != 0 && roomID != q.RoomID {
			return
		}
		if !q.From.IsZero() && start.Before(q.From) {
			start = q.From
		}
		if !q.To.IsZero() && end.After(q.To) {
			end = q.To
		}
		if !end.After(start) {
			return
		}
		kwh := intervalWh(kind, powerW, start, end) / 1000
		switch kind {
		case model.KindConsumed:
			t.ConsumedKWh += kwh
		case model.KindSaved:
			t.SavedKWh += kwh
		}
	}

	if !q.OpenOnly {
		for _, e := range l.entries {
			add(e.Kind, e.RoomID, e.PowerW, e.StartedAt, e.EndedAt)
		}
	}
	if !q.AsOf.IsZero() {
		for _, o := range l.open {
			add(o.Kind, o.RoomID, o.PowerW, o.StartedAt, q.AsOf)
		}
	}
	return t
}

// Compact drops closed entries that ended before the cutoff and returns how
// many were removed.
func (l *Ledger) Compact(before time.Time) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	kept := l.entries[:0]
	for _, e := range l.entries {
		if e.EndedAt.Before(before) {
			continue
		}
		kept = append(kept, e)
	}
	removed := len(l.entries) - len(kept)
	l.entries = kept
	return removed
}

func (l *Ledger) openLocked(o model.LedgerOpen) error {
	if cur, ok := l.open[o.DeviceID]; ok {
		return &ConflictError{DeviceID: o.DeviceID, OpenSince: cur.StartedAt}
	}
	l.open[o.DeviceID] = o
	if l.sink != nil {
		l.sink.IntervalOpened(o)
	}
	return nil
}

func (l *Ledger) closeLocked(deviceID int64, endedAt time.Time) ([]Entry, error) {
	o, ok := l.open[deviceID]
	if !ok {
		return nil, &NotFoundError{Kind: "open interval for device", ID: deviceID}
	}
	if endedAt.Before(o.StartedAt) {
		endedAt = o.StartedAt
	}
	delete(l.open, deviceID)

	segs := hourSegments(o.StartedAt, endedAt)
	out := make([]Entry, 0, len(segs))
	records := make([]model.LedgerEntry, 0, len(segs))
	for _, s := range segs {
		l.seq++
		e := Entry{
			LedgerEntry: model.LedgerEntry{
				ID:        l.newID(),
				DeviceID:  o.DeviceID,
				RoomID:    o.RoomID,
				Kind:      o.Kind,
				PowerW:    o.PowerW,
				StartedAt: s[0],
				EndedAt:   s[1],
				EnergyWh:  intervalWh(o.Kind, o.PowerW, s[0], s[1]),
			},
			Seq: l.seq,
		}
		l.entries = append(l.entries, e)
		out = append(out, e)
		records = append(records, e.LedgerEntry)
	}
	if l.sink != nil {
		l.sink.IntervalClosed(o, records)
	}
	return out, nil
}

package occupancy

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"roomwatt-backend/internal/model"
)

var t0 = time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)

func positive(at time.Time) Sample { return Sample{RoomID: 1, ObservedAt: at, Detected: true} }
func negative(at time.Time) Sample { return Sample{RoomID: 1, ObservedAt: at, Detected: false} }

func TestMachine_StartsUnoccupied(t *testing.T) {
	m := NewMachine(1, 0)
	assert.Equal(t, model.Unoccupied, m.State())
	_, armed := m.Deadline()
	assert.False(t, armed)

	_, fired := m.Expire(t0.Add(time.Hour))
	assert.False(t, fired)
}

func TestMachine_PositiveSampleOccupies(t *testing.T) {
	m := NewMachine(1, 5*time.Minute)

	trs := m.Observe(positive(t0))
	require.Len(t, trs, 1)
	assert.Equal(t, Transition{RoomID: 1, State: model.Occupied, At: t0}, trs[0])
	assert.Equal(t, t0, m.LastSeen())

	deadline, armed := m.Deadline()
	require.True(t, armed)
	assert.Equal(t, t0.Add(5*time.Minute), deadline)
}

func TestMachine_DuplicatePositiveEmitsOnce(t *testing.T) {
	m := NewMachine(1, 5*time.Minute)
	first := m.Observe(positive(t0))
	second := m.Observe(positive(t0))
	assert.Len(t, first, 1)
	assert.Empty(t, second)
}

func TestMachine_NegativeSampleNeverTransitions(t *testing.T) {
	m := NewMachine(1, 5*time.Minute)
	assert.Empty(t, m.Observe(negative(t0)))
	assert.Equal(t, model.Unoccupied, m.State())

	m.Observe(positive(t0))
	assert.Empty(t, m.Observe(negative(t0.Add(time.Minute))))
	assert.Equal(t, model.Occupied, m.State())
}

func TestMachine_TimeoutVacates(t *testing.T) {
	m := NewMachine(1, 5*time.Minute)
	m.Observe(positive(t0))

	_, ok := m.Expire(t0.Add(5*time.Minute - time.Second))
	assert.False(t, ok)

	tr, ok := m.Expire(t0.Add(5*time.Minute + 3*time.Second))
	require.True(t, ok)
	assert.Equal(t, model.Unoccupied, tr.State)
	assert.Equal(t, t0.Add(5*time.Minute), tr.At, "transition is stamped at the deadline")

	_, again := m.Expire(t0.Add(time.Hour))
	assert.False(t, again)
}

func TestMachine_PositiveSampleRearms(t *testing.T) {
	m := NewMachine(1, 5*time.Minute)
	m.Observe(positive(t0))
	m.Observe(positive(t0.Add(4 * time.Minute)))

	_, ok := m.Expire(t0.Add(6 * time.Minute))
	assert.False(t, ok, "second sample pushed the deadline out")

	tr, ok := m.Expire(t0.Add(9 * time.Minute))
	require.True(t, ok)
	assert.Equal(t, t0.Add(9*time.Minute), tr.At)
}

func TestMachine_LateSampleDoesNotRewind(t *testing.T) {
	m := NewMachine(1, 5*time.Minute)
	m.Observe(positive(t0.Add(2 * time.Minute)))
	m.Observe(positive(t0))

	assert.Equal(t, t0.Add(2*time.Minute), m.LastSeen())
	deadline, _ := m.Deadline()
	assert.Equal(t, t0.Add(7*time.Minute), deadline)
}

func TestMachine_CancelDisarms(t *testing.T) {
	m := NewMachine(1, 5*time.Minute)
	m.Observe(positive(t0))
	m.Cancel()
	_, ok := m.Expire(t0.Add(time.Hour))
	assert.False(t, ok)

	// A negative sample re-arms from the last positive one.
	m.Observe(negative(t0.Add(time.Minute)))
	tr, ok := m.Expire(t0.Add(time.Hour))
	require.True(t, ok)
	assert.Equal(t, t0.Add(5*time.Minute), tr.At)
}

func TestRestoreMachine(t *testing.T) {
	m := RestoreMachine(1, 5*time.Minute, model.Occupied, t0)
	assert.Equal(t, model.Occupied, m.State())
	tr, ok := m.Expire(t0.Add(5 * time.Minute))
	require.True(t, ok)
	assert.Equal(t, model.Unoccupied, tr.State)

	m = RestoreMachine(1, 5*time.Minute, model.Occupied, time.Time{})
	assert.Equal(t, model.Unoccupied, m.State())
}

// Every Occupied->Unoccupied edge must be preceded by a gap of at least the
// timeout since the last positive sample.
func TestMachine_VacancyRequiresFullGap(t *testing.T) {
	sim := NewSimulator(0.01, 7)
	m := NewMachine(1, 5*time.Minute)

	var lastPositive time.Time
	transitions := 0
	for i := 0; i < 5000; i++ {
		now := t0.Add(time.Duration(i) * 5 * time.Second)
		if tr, ok := m.Expire(now); ok {
			transitions++
			require.False(t, lastPositive.IsZero())
			assert.GreaterOrEqual(t, tr.At.Sub(lastPositive), 5*time.Minute)
			assert.False(t, tr.At.After(now))
		}
		s := sim.Sample(1, now)
		if s.Detected {
			lastPositive = now
		}
		m.Observe(s)
	}
	assert.Positive(t, transitions)
}

func TestMachine_SampleAfterDeadlineFiresTimerFirst(t *testing.T) {
	testCases := []struct {
		name   string
		sample Sample
		want   []Transition
	}{
		{
			name:   "positive sample after a six minute gap",
			sample: positive(t0.Add(6 * time.Minute)),
			want: []Transition{
				{RoomID: 1, State: model.Unoccupied, At: t0.Add(5 * time.Minute)},
				{RoomID: 1, State: model.Occupied, At: t0.Add(6 * time.Minute)},
			},
		},
		{
			name:   "positive sample exactly at the deadline",
			sample: positive(t0.Add(5 * time.Minute)),
			want: []Transition{
				{RoomID: 1, State: model.Unoccupied, At: t0.Add(5 * time.Minute)},
				{RoomID: 1, State: model.Occupied, At: t0.Add(5 * time.Minute)},
			},
		},
		{
			name:   "negative sample after the deadline",
			sample: negative(t0.Add(6 * time.Minute)),
			want: []Transition{
				{RoomID: 1, State: model.Unoccupied, At: t0.Add(5 * time.Minute)},
			},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			m := NewMachine(1, 5*time.Minute)
			m.Observe(positive(t0))

			assert.Equal(t, tc.want, m.Observe(tc.sample))
			assert.Equal(t, tc.want[len(tc.want)-1].State, m.State())
		})
	}
}

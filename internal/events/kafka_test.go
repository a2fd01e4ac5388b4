package events

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"roomwatt-backend/internal/model"
	"roomwatt-backend/internal/occupancy"
	"roomwatt-backend/internal/policy"
)

type captureWriter struct {
	msgs []kafka.Message
}

func (w *captureWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *captureWriter) Close() error { return nil }

var at = time.Date(2024, 5, 1, 10, 5, 0, 0, time.UTC)

func TestPublisher_Transition(t *testing.T) {
	w := &captureWriter{}
	p := &Publisher{w: w, logger: zap.NewNop()}

	p.Transition(occupancy.Transition{RoomID: 12, State: model.Unoccupied, At: at})

	require.Len(t, w.msgs, 1)
	msg := w.msgs[0]
	assert.Equal(t, "12", string(msg.Key))
	assert.Equal(t, at, msg.Time)
	assert.Equal(t, []byte(TypeTransition), msg.Headers[0].Value)

	var ev Event
	require.NoError(t, json.Unmarshal(msg.Value, &ev))
	assert.Equal(t, Event{Type: TypeTransition, RoomID: 12, State: "unoccupied", At: at}, ev)
}

func TestPublisher_Report(t *testing.T) {
	w := &captureWriter{}
	p := &Publisher{w: w, logger: zap.NewNop()}

	p.Report(policy.Report{RoomID: 1, State: model.Occupied, At: at,
		Changes: []policy.Change{{Device: model.Device{ID: 2}, On: true, Reason: policy.ReasonRestore}}})
	assert.Empty(t, w.msgs, "restores are not published")

	p.Report(policy.Report{RoomID: 1, State: model.Unoccupied, At: at, KeeperID: 1, SavedW: 150,
		Changes: []policy.Change{{Device: model.Device{ID: 2}, Reason: policy.ReasonVacancy}}})
	require.Len(t, w.msgs, 1)

	var ev Event
	require.NoError(t, json.Unmarshal(w.msgs[0].Value, &ev))
	assert.Equal(t, TypeShutdown, ev.Type)
	assert.Equal(t, []int64{2}, ev.DeviceIDs)
	assert.InDelta(t, 150, ev.SavedW, 1e-9)
	assert.Equal(t, int64(1), ev.KeeperID)
}

package actuator

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"roomwatt-backend/internal/model"
)

func TestLog_Set(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	a := NewLog(zap.New(core))

	require.NoError(t, a.Set(context.Background(), model.Device{ID: 3, RoomID: 1, Name: "Fan"}, false))

	entries := logs.All()
	require.Len(t, entries, 1)
	assert.Equal(t, "Set device off", entries[0].Message)
	assert.Equal(t, int64(3), entries[0].ContextMap()["device_id"])
}

// Package actuator holds the virtual actuator used when no broker is
// configured.
package actuator

import (
	"context"

	"go.uber.org/zap"

	"roomwatt-backend/internal/model"
)

// Log is a virtual actuator: switching a device only writes a log line.
type Log struct {
	logger *zap.Logger
}

// NewLog creates a log actuator.
func NewLog(logger *zap.Logger) *Log {
	return &Log{logger: logger.Named("actuator")}
}

// Set implements policy.Actuator.
func (a *Log) Set(_ context.Context, d model.Device, on bool) error {
	state := "off"
	if on {
		state = "on"
	}
	a.logger.Info("Set device "+state,
		zap.Int64("device_id", d.ID), zap.Int64("room_id", d.RoomID), zap.String("name", d.Name))
	return nil
}

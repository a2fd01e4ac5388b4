package mqttio

import (
	"context"
	"time"

	"go.uber.org/zap"

	"roomwatt-backend/internal/model"
)

// Actuator publishes device states as retained messages so that a relay
// reconnecting later still picks up the last command.
type Actuator struct {
	client  *Client
	timeout time.Duration
	logger  *zap.Logger
}

// NewActuator creates an MQTT actuator.
func NewActuator(c *Client, timeout time.Duration, logger *zap.Logger) *Actuator {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &Actuator{client: c, timeout: timeout, logger: logger}
}

// Set implements policy.Actuator.
func (a *Actuator) Set(ctx context.Context, d model.Device, on bool) error {
	payload := PayloadOff
	if on {
		payload = PayloadOn
	}
	timeout := a.timeout
	if deadline, ok := ctx.Deadline(); ok && time.Until(deadline) < timeout {
		timeout = time.Until(deadline)
	}
	if err := a.client.Publish(a.client.DeviceSetTopic(d.ID), payload, 1, true, timeout); err != nil {
		return err
	}
	a.logger.Debug("Device command published", zap.Int64("device_id", d.ID), zap.String("payload", payload))
	return nil
}

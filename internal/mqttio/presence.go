package mqttio

import (
	"context"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"
)

// Observer receives presence samples.
type Observer interface {
	Observe(ctx context.Context, roomID int64, detected bool, at time.Time) error
}

// SubscribePresence routes camera presence messages to obs. Messages are
// stamped with their arrival time.
func (c *Client) SubscribePresence(obs Observer, logger *zap.Logger, timeout time.Duration) error {
	return c.Subscribe(c.presenceWildcard(), 1, c.presenceHandler(obs, logger), timeout)
}

func (c *Client) presenceHandler(obs Observer, logger *zap.Logger) mqtt.MessageHandler {
	return func(_ mqtt.Client, msg mqtt.Message) {
		// a retained sample says nothing about the room right now
		if msg.Retained() {
			return
		}
		roomID, detected, err := c.ParsePresence(msg.Topic(), msg.Payload())
		if err != nil {
			logger.Warn("Ignoring presence message", zap.String("topic", msg.Topic()), zap.Error(err))
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := obs.Observe(ctx, roomID, detected, time.Now().UTC()); err != nil {
			logger.Warn("Presence sample rejected", zap.Int64("room_id", roomID), zap.Error(err))
		}
	}
}

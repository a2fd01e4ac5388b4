// Package events publishes occupancy transitions and power reports to Kafka.
package events

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"roomwatt-backend/internal/occupancy"
	"roomwatt-backend/internal/policy"
)

const (
	TypeTransition = "occupancy_transition"
	TypeShutdown   = "vacancy_shutdown"
)

// Event is the JSON body of every message. Messages are keyed by room id so a
// room's events stay ordered within a partition.
type Event struct {
	Type      string    `json:"type"`
	RoomID    int64     `json:"room_id"`
	State     string    `json:"state"`
	At        time.Time `json:"at"`
	DeviceIDs []int64   `json:"device_ids,omitempty"`
	SavedW    float64   `json:"saved_w,omitempty"`
	KeeperID  int64     `json:"keeper_id,omitempty"`
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Publisher writes events asynchronously; delivery errors are logged.
type Publisher struct {
	w      messageWriter
	logger *zap.Logger
}

// NewPublisher creates a publisher for the given brokers and topic.
func NewPublisher(brokers []string, topic string, logger *zap.Logger) *Publisher {
	p := &Publisher{logger: logger.Named("events")}
	p.w = &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		Async:        true,
		BatchTimeout: 50 * time.Millisecond,
		Completion: func(msgs []kafka.Message, err error) {
			if err != nil {
				p.logger.Warn("Kafka delivery failed", zap.Int("messages", len(msgs)), zap.Error(err))
			}
		},
	}
	return p
}

// Transition publishes an occupancy transition.
func (p *Publisher) Transition(tr occupancy.Transition) {
	p.write(Event{Type: TypeTransition, RoomID: tr.RoomID, State: string(tr.State), At: tr.At})
}

// Report publishes a vacancy shutdown. Reports that switched nothing off are
// skipped.
func (p *Publisher) Report(r policy.Report) {
	if !r.Shutdown() {
		return
	}
	ev := Event{Type: TypeShutdown, RoomID: r.RoomID, State: string(r.State), At: r.At, SavedW: r.SavedW, KeeperID: r.KeeperID}
	for _, ch := range r.Changes {
		if ch.Reason == policy.ReasonVacancy {
			ev.DeviceIDs = append(ev.DeviceIDs, ch.Device.ID)
		}
	}
	p.write(ev)
}

func (p *Publisher) write(ev Event) {
	msg, err := encode(ev)
	if err != nil {
		p.logger.Error("Failed to encode event", zap.Error(err))
		return
	}
	if err := p.w.WriteMessages(context.Background(), msg); err != nil {
		p.logger.Warn("Failed to queue event", zap.String("type", ev.Type), zap.Int64("room_id", ev.RoomID), zap.Error(err))
	}
}

// Close flushes pending messages.
func (p *Publisher) Close() error { return p.w.Close() }

func encode(ev Event) (kafka.Message, error) {
	body, err := json.Marshal(ev)
	if err != nil {
		return kafka.Message{}, err
	}
	return kafka.Message{
		Key:   []byte(strconv.FormatInt(ev.RoomID, 10)),
		Value: body,
		Time:  ev.At,
		Headers: []kafka.Header{
			{Key: "type", Value: []byte(ev.Type)},
		},
	}, nil
}

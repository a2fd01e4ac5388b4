package notification

import (
	"context"
	"fmt"
	"net/http"

	"github.com/SherClockHolmes/webpush-go"
	"go.uber.org/zap"

	"roomwatt-backend/internal/model"
	"roomwatt-backend/internal/policy"
)

// NotificationSender defines the interface for sending a web push notification.
type NotificationSender interface {
	Send(payload []byte, sub *webpush.Subscription, options *webpush.Options) (*http.Response, error)
}

// WebPushSender is a real implementation of NotificationSender using the webpush library.
type WebPushSender struct{}

// Send sends a notification using the webpush library.
func (s *WebPushSender) Send(payload []byte, sub *webpush.Subscription, options *webpush.Options) (*http.Response, error) {
	return webpush.SendNotification(payload, sub, options)
}

// Subscriptions is the slice of the store the pool needs.
type Subscriptions interface {
	SubscriptionsForRoom(ctx context.Context, roomID int64) ([]model.PushSubscription, error)
	GetRoom(ctx context.Context, id int64) (*model.Room, error)
	DeleteSubscription(ctx context.Context, endpoint string) error
}

// WorkerPool sends vacancy shutdown notices to the subscribers of a room.
type WorkerPool struct {
	size    int
	jobs    chan policy.Report
	store   Subscriptions
	webpush *webpush.Options
	sender  NotificationSender
	logger  *zap.Logger
}

// NewWorkerPool creates a new worker pool.
func NewWorkerPool(size int, s Subscriptions, webpushOptions *webpush.Options, logger *zap.Logger) *WorkerPool {
	if size <= 0 {
		size = 1
	}
	return &WorkerPool{
		size:    size,
		jobs:    make(chan policy.Report, size*16),
		store:   s,
		webpush: webpushOptions,
		sender:  &WebPushSender{},
		logger:  logger.Named("notification"),
	}
}

// Start launches the worker goroutines.
func (wp *WorkerPool) Start(ctx context.Context) {
	for i := 0; i < wp.size; i++ {
		go wp.worker(ctx, i)
	}
}

func (wp *WorkerPool) worker(ctx context.Context, id int) {
	wp.logger.Debug("Worker started", zap.Int("worker", id))
	for {
		select {
		case r := <-wp.jobs:
			wp.sendNotificationsForRoom(ctx, r)
		case <-ctx.Done():
			wp.logger.Debug("Worker shutting down", zap.Int("worker", id))
			return
		}
	}
}

// Notify queues a report. Only vacancy shutdowns produce notifications. It
// never blocks: when the queue is full the report is dropped.
func (wp *WorkerPool) Notify(r policy.Report) {
	if !r.Shutdown() {
		return
	}
	select {
	case wp.jobs <- r:
	default:
		wp.logger.Warn("Notification queue full, dropping", zap.Int64("room_id", r.RoomID))
	}
}

// Jobs returns the jobs channel for testing.
func (wp *WorkerPool) Jobs() chan policy.Report {
	return wp.jobs
}

func (wp *WorkerPool) sendNotificationsForRoom(ctx context.Context, r policy.Report) {
	subscriptions, err := wp.store.SubscriptionsForRoom(ctx, r.RoomID)
	if err != nil {
		wp.logger.Error("Error fetching subscriptions", zap.Int64("room_id", r.RoomID), zap.Error(err))
		return
	}
	if len(subscriptions) == 0 {
		return
	}

	roomLabel := fmt.Sprintf("%d", r.RoomID)
	if room, err := wp.store.GetRoom(ctx, r.RoomID); err != nil {
		wp.logger.Warn("Error fetching room", zap.Int64("room_id", r.RoomID), zap.Error(err))
	} else if room.Name != "" {
		roomLabel = room.Name
	}

	wp.logger.Info("Sending notifications", zap.Int64("room_id", r.RoomID), zap.Int("count", len(subscriptions)))
	message := Message(roomLabel, r)
	for _, sub := range subscriptions {
		wp.sendNotification(ctx, sub, []byte(message))
	}
}

// Message renders the notice for a vacancy shutdown.
func Message(roomLabel string, r policy.Report) string {
	n := 0
	for _, c := range r.Changes {
		if c.Reason == policy.ReasonVacancy {
			n++
		}
	}
	noun := "devices"
	if n == 1 {
		noun = "device"
	}
	return fmt.Sprintf("Room %s is empty: switched off %d %s (%.0f W).", roomLabel, n, noun, r.SavedW)
}

func (wp *WorkerPool) sendNotification(ctx context.Context, sub model.PushSubscription, payload []byte) {
	wpSub := &webpush.Subscription{
		Endpoint: sub.Endpoint,
		Keys: webpush.Keys{
			P256dh: sub.P256DH,
			Auth:   sub.Auth,
		},
	}

	resp, err := wp.sender.Send(payload, wpSub, wp.webpush)
	if err != nil {
		wp.logger.Warn("Error sending notification", zap.String("endpoint", sub.Endpoint), zap.Error(err))
		return
	}
	defer resp.Body.Close()

	// Handle expired subscriptions
	if resp.StatusCode == http.StatusGone {
		wp.logger.Info("Subscription expired, deleting", zap.String("endpoint", sub.Endpoint))
		if err := wp.store.DeleteSubscription(ctx, sub.Endpoint); err != nil {
			wp.logger.Error("Failed to delete expired subscription", zap.String("endpoint", sub.Endpoint), zap.Error(err))
		}
	}
}

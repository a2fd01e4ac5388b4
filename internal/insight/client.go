// Package insight forwards energy series to an external text-generation
// service and hands its prose back untouched.
package insight

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"roomwatt-backend/internal/store"
)

// ErrDisabled is returned when no service URL is configured.
var ErrDisabled = errors.New("insight service not configured")

// RoomDraw is the current power draw of one room.
type RoomDraw struct {
	RoomID int64   `json:"room_id"`
	Name   string  `json:"name"`
	PowerW float64 `json:"power_w"`
}

// Series is the numeric input posted to the service.
type Series struct {
	Daily       []store.DailyEnergy `json:"daily"`
	Rooms       []RoomDraw          `json:"rooms"`
	ConsumedKWh float64             `json:"consumed_kwh"`
	SavedKWh    float64             `json:"saved_kwh"`
}

// Insight is the service's answer. Body is the raw response payload and
// ContentType its media type.
type Insight struct {
	Body        []byte
	ContentType string
}

// Client posts series with resty.
type Client struct {
	http   *resty.Client
	url    string
	logger *zap.Logger
}

// NewClient creates a client. An empty url yields a client whose Generate
// returns ErrDisabled.
func NewClient(url, apiKey string, timeout time.Duration, logger *zap.Logger) *Client {
	c := resty.New().SetTimeout(timeout)
	if apiKey != "" {
		c.SetAuthToken(apiKey)
	}
	return &Client{http: c, url: url, logger: logger.Named("insight")}
}

// Generate posts the series and returns the response payload unmodified.
func (c *Client) Generate(ctx context.Context, s Series) (Insight, error) {
	if c == nil || c.url == "" {
		return Insight{}, ErrDisabled
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(s).
		Post(c.url)
	if err != nil {
		return Insight{}, fmt.Errorf("insight request: %w", err)
	}
	c.logger.Debug("Insight response", zap.Int("status", resp.StatusCode()), zap.Duration("took", resp.Time()))
	if resp.IsError() {
		return Insight{}, fmt.Errorf("insight service returned %s", resp.Status())
	}
	ct := resp.Header().Get("Content-Type")
	if ct == "" {
		ct = "text/plain; charset=utf-8"
	}
	return Insight{Body: resp.Body(), ContentType: ct}, nil
}

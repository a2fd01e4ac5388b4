package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"roomwatt-backend/internal/insight"
	"roomwatt-backend/internal/store"
)

// GetBuckets handles GET /api/buckets?from&to&room_id.
func (h *Handler) GetBuckets(c *gin.Context) {
	q, ok := parseRange(c)
	if !ok {
		return
	}
	buckets, err := h.store.ListBuckets(c.Request.Context(), q)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, buckets)
}

// GetEnergySaved handles GET /api/energy/saved?from&to&room_id.
func (h *Handler) GetEnergySaved(c *gin.Context) {
	q, ok := parseRange(c)
	if !ok {
		return
	}
	totals, err := h.energy(c.Request.Context(), q)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"saved_kwh":    totals.SavedKWh,
		"consumed_kwh": totals.ConsumedKWh,
		"from":         optionalTime(q.From),
		"to":           optionalTime(q.To),
		"room_id":      q.RoomID,
	})
}

func optionalTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

// GetInsights handles GET /api/insights. The text service's answer is
// returned byte for byte with its content type.
func (h *Handler) GetInsights(c *gin.Context) {
	ctx := c.Request.Context()
	now := h.ctrl.Now()
	since := now.AddDate(0, 0, -trendDays)

	daily, err := h.store.DailyEnergy(ctx, since)
	if err != nil {
		h.respondError(c, err)
		return
	}
	totals, err := h.energy(ctx, store.RangeQuery{From: since})
	if err != nil {
		h.respondError(c, err)
		return
	}
	series := insight.Series{Daily: daily, ConsumedKWh: totals.ConsumedKWh, SavedKWh: totals.SavedKWh}
	for _, snap := range h.ctrl.Snapshots() {
		series.Rooms = append(series.Rooms, insight.RoomDraw{RoomID: snap.ID, Name: snap.Name, PowerW: snap.PowerW})
	}

	out, err := h.insight.Generate(ctx, series)
	if errors.Is(err, insight.ErrDisabled) {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}
	if err != nil {
		h.logger.Warn("Insight generation failed", zap.Error(err))
		c.JSON(http.StatusBadGateway, gin.H{"error": "Insight service unavailable"})
		return
	}
	c.Data(http.StatusOK, out.ContentType, out.Body)
}

package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

type occupancyUpdateRequest struct {
	RoomID     int64      `json:"room_id" binding:"required"`
	IsOccupied *bool      `json:"is_occupied" binding:"required"`
	Timestamp  *time.Time `json:"timestamp"`
}

// UpdateOccupancy handles POST /api/occupancy/update, the presence ingest of
// camera front ends. It answers with the room after the sample is applied.
func (h *Handler) UpdateOccupancy(c *gin.Context) {
	var req occupancyUpdateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	var at time.Time
	if req.Timestamp != nil {
		at = *req.Timestamp
	}

	ctx := c.Request.Context()
	if err := h.ctrl.Observe(ctx, req.RoomID, *req.IsOccupied, at); err != nil {
		h.respondError(c, err)
		return
	}
	if err := h.ctrl.FlushRoom(ctx, req.RoomID); err != nil {
		h.respondError(c, err)
		return
	}
	snap, _ := h.ctrl.Snapshot(req.RoomID)
	c.JSON(http.StatusOK, snap)
}

type sampleResponse struct {
	RoomID     int64     `json:"room_id"`
	Detected   bool      `json:"is_occupied"`
	ObservedAt time.Time `json:"observed_at"`
}

// SimulateOccupancy handles POST /api/simulate-occupancy: one immediate draw
// for every camera-less room.
func (h *Handler) SimulateOccupancy(c *gin.Context) {
	samples, err := h.ctrl.SimulateNow(c.Request.Context())
	if err != nil {
		h.respondError(c, err)
		return
	}
	out := make([]sampleResponse, 0, len(samples))
	for _, s := range samples {
		out = append(out, sampleResponse{RoomID: s.RoomID, Detected: s.Detected, ObservedAt: s.ObservedAt})
	}
	c.JSON(http.StatusOK, gin.H{"samples": out})
}

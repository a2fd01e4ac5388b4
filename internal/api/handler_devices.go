package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"roomwatt-backend/internal/model"
	"roomwatt-backend/internal/parse"
)

type createDeviceRequest struct {
	RoomID      int64   `json:"room_id" binding:"required"`
	Name        string  `json:"name" binding:"required"`
	PowerRating float64 `json:"power_rating" binding:"required,gt=0"`
	DeviceType  string  `json:"device_type" binding:"required"`
}

// CreateDevice handles POST /api/devices. New devices start switched on.
func (h *Handler) CreateDevice(c *gin.Context) {
	var req createDeviceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	category, err := parse.ParseCategory(req.DeviceType)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if _, ok := h.ctrl.Snapshot(req.RoomID); !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "Room not found"})
		return
	}

	ctx := c.Request.Context()
	d := model.Device{
		RoomID:    req.RoomID,
		Name:      req.Name,
		Category:  category,
		PowerW:    req.PowerRating,
		IsOn:      true,
		ChangedAt: h.ctrl.Now(),
	}
	if err := h.store.CreateDevice(ctx, &d); err != nil {
		h.respondError(c, err)
		return
	}
	if err := h.ctrl.AddDevice(ctx, d); err != nil {
		if derr := h.store.DeleteDevice(ctx, d.ID); derr != nil {
			h.logger.Warn("Failed to roll back device", zap.Int64("device_id", d.ID), zap.Error(derr))
		}
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, d)
}

// ListDevices handles GET /api/devices with an optional room_id filter.
func (h *Handler) ListDevices(c *gin.Context) {
	var roomID int64
	if raw := c.Query("room_id"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid room_id"})
			return
		}
		roomID = id
	}

	devices := []model.Device{}
	for _, snap := range h.ctrl.Snapshots() {
		if roomID != 0 && snap.ID != roomID {
			continue
		}
		devices = append(devices, snap.Devices...)
	}
	c.JSON(http.StatusOK, devices)
}

// GetDevice handles GET /api/devices/:id.
func (h *Handler) GetDevice(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	for _, snap := range h.ctrl.Snapshots() {
		for _, d := range snap.Devices {
			if d.ID == id {
				c.JSON(http.StatusOK, d)
				return
			}
		}
	}
	c.JSON(http.StatusNotFound, gin.H{"error": "Device not found"})
}

// DeleteDevice handles DELETE /api/devices/:id.
func (h *Handler) DeleteDevice(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	ctx := c.Request.Context()
	if err := h.ctrl.RemoveDevice(ctx, id); err != nil {
		h.respondError(c, err)
		return
	}
	if err := h.store.DeleteDevice(ctx, id); err != nil {
		h.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type toggleRequest struct {
	On *bool `json:"on" binding:"required"`
}

// ToggleDevice handles POST /api/devices/:id/toggle.
func (h *Handler) ToggleDevice(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	var req toggleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	ch, err := h.ctrl.Toggle(c.Request.Context(), id, *req.On)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, ch.Device)
}

package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"roomwatt-backend/internal/ledger"
	"roomwatt-backend/internal/model"
)

type createRoomRequest struct {
	Name      string `json:"name" binding:"required"`
	HasCamera bool   `json:"has_camera"`
}

// CreateRoom handles POST /api/rooms.
func (h *Handler) CreateRoom(c *gin.Context) {
	var req createRoomRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	room := model.Room{Name: req.Name, HasCamera: req.HasCamera, Occupancy: model.Unoccupied}
	if err := h.store.CreateRoom(c.Request.Context(), &room); err != nil {
		h.respondError(c, err)
		return
	}
	if err := h.ctrl.AddRoom(room, nil); err != nil {
		h.respondError(c, err)
		return
	}
	snap, _ := h.ctrl.Snapshot(room.ID)
	c.JSON(http.StatusCreated, snap)
}

// ListRooms handles GET /api/rooms.
func (h *Handler) ListRooms(c *gin.Context) {
	c.JSON(http.StatusOK, h.ctrl.Snapshots())
}

// GetRoom handles GET /api/rooms/:id.
func (h *Handler) GetRoom(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	snap, ok := h.ctrl.Snapshot(id)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "Room not found"})
		return
	}
	c.JSON(http.StatusOK, snap)
}

// DeleteRoom handles DELETE /api/rooms/:id. The room's open intervals are
// closed before its rows go.
func (h *Handler) DeleteRoom(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	var nf *ledger.NotFoundError
	if err := h.ctrl.RemoveRoom(c.Request.Context(), id); err != nil && !errors.As(err, &nf) {
		h.respondError(c, err)
		return
	}
	if err := h.store.DeleteRoom(c.Request.Context(), id); err != nil {
		h.respondError(c, err)
		return
	}
	h.logger.Info("Room deleted", zap.Int64("room_id", id))
	c.Status(http.StatusNoContent)
}

// GetRoomPower handles GET /api/rooms/:id/power.
func (h *Handler) GetRoomPower(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	snap, ok := h.ctrl.Snapshot(id)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "Room not found"})
		return
	}
	on := 0
	for _, d := range snap.Devices {
		if d.IsOn {
			on++
		}
	}
	c.JSON(http.StatusOK, gin.H{
		"room_id":       snap.ID,
		"power_w":       snap.PowerW,
		"devices_on":    on,
		"devices_total": len(snap.Devices),
		"occupancy":     snap.State,
	})
}

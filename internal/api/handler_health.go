package api

import (
	"net/http"

	"github.com/carlmjohnson/versioninfo"
	"github.com/gin-gonic/gin"
)

// GetHealth handles GET /api/health.
func (h *Handler) GetHealth(c *gin.Context) {
	resp := gin.H{
		"status":   "ok",
		"version":  versioninfo.Short(),
		"revision": versioninfo.Revision,
		"rooms":    len(h.ctrl.RoomIDs()),
	}
	if h.pending != nil {
		resp["persist_pending"] = h.pending()
	}
	c.JSON(http.StatusOK, resp)
}

package handlers

import (
	"log"
	"net/http"

	"github.com/gin-gonic/gin"
)

// Health is the plain-text liveness probe. It reports degraded (503) when
// the store is unreachable, because without the store every message path
// fails.
func (h *Handler) Health(c *gin.Context) {
	sqlDB, err := h.DB.DB()
	if err == nil {
		err = sqlDB.PingContext(c.Request.Context())
	}
	if err != nil {
		log.Printf("health: store ping failed err=%v", err)
		c.String(http.StatusServiceUnavailable, "chat support server is degraded: storage unavailable")
		return
	}
	c.String(http.StatusOK, "chat support server is running")
}

package handlers

import (
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/chatsupport/relay/internal/common"
)

// GetMessages returns one session's messages, oldest first. The limit is
// clamped to [1,200] by the repo, default 50.
func (h *Handler) GetMessages(c *gin.Context) {
	sessionID := strings.TrimSpace(c.Param("sessionId"))
	if sessionID == "" {
		common.Fail(c, http.StatusBadRequest, 40001, "session id is required")
		return
	}

	limit, _ := strconv.Atoi(c.Query("limit"))

	msgs, err := h.Repo.ListBySession(c.Request.Context(), sessionID, limit)
	if err != nil {
		log.Printf("messages: list failed session=%s err=%v", sessionID, err)
		common.Fail(c, http.StatusInternalServerError, 50001, "failed to fetch messages")
		return
	}
	c.JSON(http.StatusOK, msgs)
}

// AdminMessages is the cross-session diagnostics view, newest first.
func (h *Handler) AdminMessages(c *gin.Context) {
	limit, _ := strconv.Atoi(c.Query("limit"))

	msgs, err := h.Repo.ListAll(c.Request.Context(), limit)
	if err != nil {
		log.Printf("messages: list all failed err=%v", err)
		common.Fail(c, http.StatusInternalServerError, 50001, "failed to fetch messages")
		return
	}
	common.OK(c, gin.H{"messages": msgs})
}

// AdminSessions lists sessions active within the last N hours from the
// store, plus the redis presence view of currently-live sessions when
// available.
func (h *Handler) AdminSessions(c *gin.Context) {
	hours := 24
	if v := c.Query("hours"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			hours = n
		}
	}

	sessions, err := h.Repo.ActiveSessions(c.Request.Context(), time.Duration(hours)*time.Hour)
	if err != nil {
		log.Printf("sessions: list failed err=%v", err)
		common.Fail(c, http.StatusInternalServerError, 50002, "failed to fetch sessions")
		return
	}

	live := []string{}
	if h.Tracker != nil {
		ids, err := h.Tracker.Live(c.Request.Context(), time.Duration(hours)*time.Hour)
		if err != nil {
			log.Printf("sessions: presence lookup failed err=%v", err)
		} else {
			live = ids
		}
	}

	common.OK(c, gin.H{"sessions": sessions, "live": live})
}

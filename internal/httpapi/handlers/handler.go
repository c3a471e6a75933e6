package handlers

import (
	"gorm.io/gorm"

	"github.com/chatsupport/relay/internal/chat"
	"github.com/chatsupport/relay/internal/store/redisstore"
)

type Handler struct {
	DB      *gorm.DB
	Repo    *chat.Repo
	Tracker *redisstore.Tracker // nil when redis is not configured
}

func NewHandler(db *gorm.DB, repo *chat.Repo, tracker *redisstore.Tracker) *Handler {
	return &Handler{DB: db, Repo: repo, Tracker: tracker}
}

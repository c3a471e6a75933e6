package chat

import (
	"context"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	minListLimit     = 1
	maxListLimit     = 200
	defaultListLimit = 50
)

type Repo struct {
	db *gorm.DB
}

func NewRepo(db *gorm.DB) *Repo {
	return &Repo{db: db}
}

// EnsureSession inserts a session row or, if it already exists, refreshes
// last_active. Safe to call on every reconnect.
func (r *Repo) EnsureSession(ctx context.Context, sessionID string) error {
	now := time.Now()
	s := &Session{ID: sessionID, LastActive: now}
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.Assignments(map[string]any{"last_active": now}),
	}).Create(s).Error
	if err != nil {
		return fmt.Errorf("ensure session %s: %w", sessionID, err)
	}
	return nil
}

// TouchSession bumps last_active. Returns ErrSessionNotFound when the
// session row does not exist.
func (r *Repo) TouchSession(ctx context.Context, sessionID string) error {
	res := r.db.WithContext(ctx).Model(&Session{}).
		Where("id = ?", sessionID).
		Update("last_active", time.Now())
	if res.Error != nil {
		return fmt.Errorf("touch session %s: %w", sessionID, res.Error)
	}
	if res.RowsAffected == 0 {
		// mysql reports changed rows, not matched rows: a second touch
		// within the same datetime(3) tick affects 0 rows even though the
		// session exists, so 0 alone does not mean missing
		var count int64
		if err := r.db.WithContext(ctx).Model(&Session{}).
			Where("id = ?", sessionID).
			Count(&count).Error; err != nil {
			return fmt.Errorf("touch session %s: %w", sessionID, err)
		}
		if count == 0 {
			return ErrSessionNotFound
		}
	}
	return nil
}

// AppendMessage validates and persists one message. The session is touched
// before the insert so its last_active never trails the message timestamp.
func (r *Repo) AppendMessage(ctx context.Context, sessionID string, text string, sender Sender) (*Message, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, ErrEmptyText
	}
	if !sender.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidSender, sender)
	}

	if err := r.TouchSession(ctx, sessionID); err != nil {
		return nil, err
	}

	m := &Message{
		SessionID: sessionID,
		Text:      text,
		Sender:    sender,
	}
	if err := r.db.WithContext(ctx).Create(m).Error; err != nil {
		return nil, fmt.Errorf("append message session=%s: %w", sessionID, err)
	}
	return m, nil
}

// ListBySession returns messages in ASC created_at order (id breaks ties).
// An unknown session yields an empty slice, not an error.
func (r *Repo) ListBySession(ctx context.Context, sessionID string, limit int) ([]Message, error) {
	var msgs []Message
	err := r.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("created_at ASC, id ASC").
		Limit(clampLimit(limit)).
		Find(&msgs).Error
	if err != nil {
		return nil, fmt.Errorf("list messages session=%s: %w", sessionID, err)
	}
	return msgs, nil
}

// ListAll returns the newest messages across all sessions (admin view).
func (r *Repo) ListAll(ctx context.Context, limit int) ([]Message, error) {
	var msgs []Message
	err := r.db.WithContext(ctx).
		Order("created_at DESC, id DESC").
		Limit(clampLimit(limit)).
		Find(&msgs).Error
	if err != nil {
		return nil, fmt.Errorf("list all messages: %w", err)
	}
	return msgs, nil
}

// ActiveSessions returns sessions active within the window, most recent first.
func (r *Repo) ActiveSessions(ctx context.Context, window time.Duration) ([]Session, error) {
	var sessions []Session
	err := r.db.WithContext(ctx).
		Where("last_active >= ?", time.Now().Add(-window)).
		Order("last_active DESC").
		Find(&sessions).Error
	if err != nil {
		return nil, fmt.Errorf("list active sessions: %w", err)
	}
	return sessions, nil
}

func clampLimit(limit int) int {
	if limit == 0 {
		return defaultListLimit
	}
	if limit < minListLimit {
		return minListLimit
	}
	if limit > maxListLimit {
		return maxListLimit
	}
	return limit
}

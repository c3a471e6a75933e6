package chat

import "time"

type Sender string

const (
	SenderUser   Sender = "user"
	SenderAdmin  Sender = "admin"
	SenderSystem Sender = "system" // reserved
)

func (s Sender) Valid() bool {
	switch s {
	case SenderUser, SenderAdmin, SenderSystem:
		return true
	}
	return false
}

type Session struct {
	ID         string    `gorm:"primaryKey;size:26" json:"id"`
	CreatedAt  time.Time `json:"created_at"`
	LastActive time.Time `json:"last_active"`
}

func (Session) TableName() string { return "user_sessions" }

type Message struct {
	ID        uint64    `gorm:"primaryKey;autoIncrement" json:"id"`
	SessionID string    `gorm:"size:26;not null;index" json:"session_id"`
	Text      string    `gorm:"type:text;not null" json:"text"`
	Sender    Sender    `gorm:"type:varchar(16);not null" json:"sender"`
	CreatedAt time.Time `json:"created_at"`

	Session *Session `gorm:"foreignKey:SessionID;references:ID" json:"-"`
}

func (Message) TableName() string { return "messages" }

package chat

import (
	"time"

	"github.com/google/uuid"
)

// AI is an assistant persona a chat is bound to.
type AI struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	Name      string    `gorm:"type:varchar(64);uniqueIndex;not null" json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

func (AI) TableName() string { return "ais" }

type Chat struct {
	ID          uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	UserID      uuid.UUID `gorm:"type:uuid;index;not null" json:"-"`
	AssistantID uuid.UUID `gorm:"type:uuid;index;not null" json:"assistant_id"`
	Name        string    `gorm:"type:varchar(128);not null;default:''" json:"name"`

	// Mirrored into the state store; this row is the authoritative copy.
	IsAssistantResponding bool `gorm:"not null;default:false" json:"is_assistant_responding"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (Chat) TableName() string { return "chats" }

type Message struct {
	ID     uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	ChatID uuid.UUID `gorm:"type:uuid;not null;index;index:uniq_chat_msg_index,unique,priority:1" json:"chat_id"`
	Role   string    `gorm:"type:varchar(16);not null" json:"role"`

	// Zero-based, contiguous per chat; ordering by it reconstructs the
	// conversation exactly.
	ChatIndex int `gorm:"not null;index:uniq_chat_msg_index,unique,priority:2" json:"chat_index"`

	Content   string    `gorm:"type:text;not null" json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

func (Message) TableName() string { return "chat_messages" }

package models

import "time"

// Role identifies who authored a turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	// RoleModel is the legacy name for assistant turns written by older clients.
	RoleModel Role = "model"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleAssistant, RoleModel:
		return true
	}
	return false
}

// IsAssistant reports whether r is an assistant role, legacy or current.
func (r Role) IsAssistant() bool {
	return r == RoleAssistant || r == RoleModel
}

// Turn is one chat message in the ledger. Turns are immutable once written.
type Turn struct {
	ID             uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	RemoteID       string    `gorm:"size:64" json:"remote_id,omitempty"`
	Role           Role      `gorm:"size:16;not null" json:"role"`
	Content        string    `gorm:"type:text;not null" json:"content"`
	UserID         string    `gorm:"size:64;not null;index:idx_user_conversation" json:"user_id"`
	ConversationID string    `gorm:"size:64;index:idx_user_conversation" json:"conversation_id,omitempty"`
	CreatedAt      time.Time `gorm:"index" json:"created_at"`
}

package models

import "time"

// Conversation is a derived grouping of turns sharing a conversation ID.
// It has no storage of its own.
type Conversation struct {
	ID             string    `json:"id"`
	Title          string    `json:"title"`
	StartedAt      time.Time `json:"started_at"`
	LastActivityAt time.Time `json:"last_activity_at"`
}

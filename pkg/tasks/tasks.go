// Package tasks defines the payloads that are published to Kafka.
package tasks

import "time"

// Conversation lifecycle event types.
const (
	EventConversationCreated = "conversation.created"
	EventConversationUpdated = "conversation.updated"
	EventTitleUpdated        = "conversation.title_updated"
	EventConversationDeleted = "conversation.deleted"
)

// ConversationEvent describes a change to a persisted conversation.
// The owner secret is never included; consumers correlate by ConversationID.
type ConversationEvent struct {
	Type           string    `json:"type"`
	ConversationID uint      `json:"conversation_id"`
	Title          string    `json:"title,omitempty"`
	MessageCount   int       `json:"message_count,omitempty"`
	Source         string    `json:"source"` // websocket, rest, title_recommender
	OccurredAt     time.Time `json:"occurred_at"`
}

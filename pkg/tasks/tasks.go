// Package tasks defines the payloads exchanged over Kafka.
package tasks

import "time"

// UsageEvent is published once per finalized assistant turn.
type UsageEvent struct {
	EventID        string    `json:"event_id"`
	UserID         uint      `json:"user_id"`
	ConversationID string    `json:"conversation_id"`
	MessageID      string    `json:"message_id"`
	Model          string    `json:"model"`
	Provider       string    `json:"provider"`
	Tokens         int       `json:"tokens"`
	ProcessingMs   int64     `json:"processing_ms"`
	Resumed        bool      `json:"resumed"`
	OccurredAt     time.Time `json:"occurred_at"`
}

// Day returns the UTC calendar day the event is aggregated into.
func (e UsageEvent) Day() string {
	return e.OccurredAt.UTC().Format("2006-01-02")
}

package models

import "time"

// LogEntry is an orchestration event recorded for a guardian or team.
type LogEntry struct {
	ID        int64
	EntityID  string
	EntryType string
	Content   any
	Metadata  map[string]any
	CreatedAt time.Time
}

// MessageRow is a durable conversation turn backing guardian memory.
type MessageRow struct {
	ID             int64
	GuardianName   string
	ConversationID string
	Role           string
	Content        string
	CreatedAt      time.Time
}

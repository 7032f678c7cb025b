package models

import "time"

type CallStatus string

const (
	CallStatusSuccess CallStatus = "success"
	CallStatusError   CallStatus = "error"
)

// JinxCall is one logged jinx invocation, keyed by the correlation ids
// of the conversation that triggered it.
type JinxCall struct {
	ID             int64
	ConversationID string
	MessageID      string
	TeamName       string
	GuardianName   string
	JinxName       string
	Inputs         map[string]any
	Output         any
	Status         CallStatus
	ErrorMessage   string
	DurationMS     int64
	CreatedAt      time.Time
}

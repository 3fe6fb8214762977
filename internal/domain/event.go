package domain

import (
	"time"

	"github.com/google/uuid"
)

// EventType tags a server-to-client delivery event.
type EventType string

const (
	EventConversationData EventType = "conversation_data"
	EventMessageAppended  EventType = "message_appended"
	EventThinking         EventType = "thinking"
	EventDecisionRequired EventType = "decision_required"
	EventStatusChanged    EventType = "status_changed"
	EventModelsUpdated    EventType = "models_updated"
	EventError            EventType = "error"
)

// Event is the envelope published for a session and written to its channel.
// Seq is set only for message_appended and conversation_data, where it is the
// highest message sequence the event covers.
type Event struct {
	Type      EventType `json:"type"`
	SessionID uuid.UUID `json:"session_id"`
	Seq       int       `json:"seq,omitempty"`
	Data      any       `json:"data,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// ThinkingData announces the persona about to speak.
type ThinkingData struct {
	Persona string `json:"persona"`
	Name    string `json:"name"`
	Turn    int    `json:"turn"`
}

// DecisionPrompt is a question awaiting a human answer.
type DecisionPrompt struct {
	DecisionID uuid.UUID      `json:"decision_id"`
	Question   string         `json:"question"`
	Options    []string       `json:"options"`
	Default    string         `json:"default"`
	Context    map[string]any `json:"context,omitempty"`
	ExpiresAt  time.Time      `json:"expires_at"`
}

// ErrorData describes a failure surfaced to the client.
type ErrorData struct {
	Message string `json:"message"`
}

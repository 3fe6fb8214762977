package domain

import (
	"maps"
	"slices"
	"time"

	"github.com/google/uuid"
)

type SessionStatus string

const (
	SessionStatusActive    SessionStatus = "active"
	SessionStatusCompleted SessionStatus = "completed"
	SessionStatusCancelled SessionStatus = "cancelled"
)

// Speaker tags the author of a transcript message. Anything outside the
// reserved tags below is a persona identifier.
type Speaker string

const (
	SpeakerUser   Speaker = "user"
	SpeakerSystem Speaker = "system"
	SpeakerError  Speaker = "error"
)

// IsPersona reports whether the speaker is a persona rather than a reserved tag.
func (s Speaker) IsPersona() bool {
	switch s {
	case SpeakerUser, SpeakerSystem, SpeakerError, "":
		return false
	default:
		return true
	}
}

// Message is one immutable transcript entry. Seq is the 1-based append
// position within the session and is the only ordering guarantee.
type Message struct {
	ID        uuid.UUID      `json:"id"`
	Seq       int            `json:"seq"`
	Speaker   Speaker        `json:"type"`
	Content   string         `json:"content"`
	Metadata  map[string]any `json:"metadata"`
	CreatedAt time.Time      `json:"timestamp"`
}

// UserDecision is an audit record of a question put to the human.
type UserDecision struct {
	ID        uuid.UUID      `json:"id"`
	Question  string         `json:"question"`
	Options   []string       `json:"options"`
	Default   string         `json:"default,omitempty"`
	Answer    string         `json:"answer"`
	Context   map[string]any `json:"context"`
	TimedOut  bool           `json:"timeout"`
	Fallback  bool           `json:"fallback,omitempty"`
	CreatedAt time.Time      `json:"timestamp"`
}

// Session is the full aggregate persisted as one JSON document.
type Session struct {
	ID             uuid.UUID         `json:"id"`
	UserID         string            `json:"user_id"`
	RequestText    string            `json:"project_request"`
	Status         SessionStatus     `json:"status"`
	SelectedModels map[string]string `json:"selected_models,omitempty"`
	Messages       []Message         `json:"messages"`
	Decisions      []UserDecision    `json:"user_decisions"`
	GeneratedFiles []string          `json:"generated_files,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
	UpdatedAt      time.Time         `json:"updated_at"`
}

// SessionSummary is the stable listing projection of a Session.
type SessionSummary struct {
	ID            uuid.UUID     `json:"id"`
	UserID        string        `json:"user_id"`
	RequestText   string        `json:"project_request"`
	Status        SessionStatus `json:"status"`
	CreatedAt     time.Time     `json:"created_at"`
	UpdatedAt     time.Time     `json:"updated_at"`
	MessageCount  int           `json:"message_count"`
	DecisionCount int           `json:"decision_count"`
}

// NewSession returns an empty active session.
func NewSession(userID, requestText string, now time.Time) *Session {
	return &Session{
		ID:          uuid.New(),
		UserID:      userID,
		RequestText: requestText,
		Status:      SessionStatusActive,
		Messages:    []Message{},
		Decisions:   []UserDecision{},
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

func (s *Session) Summary() SessionSummary {
	return SessionSummary{
		ID:            s.ID,
		UserID:        s.UserID,
		RequestText:   s.RequestText,
		Status:        s.Status,
		CreatedAt:     s.CreatedAt,
		UpdatedAt:     s.UpdatedAt,
		MessageCount:  len(s.Messages),
		DecisionCount: len(s.Decisions),
	}
}

// LastSeq returns the sequence number of the newest message, or 0.
func (s *Session) LastSeq() int {
	if len(s.Messages) == 0 {
		return 0
	}
	return s.Messages[len(s.Messages)-1].Seq
}

// TurnsTaken recovers the turn counter from the transcript.
func (s *Session) TurnsTaken() int {
	n := 0
	for i := range s.Messages {
		if s.Messages[i].Speaker.IsPersona() {
			n++
		}
	}
	return n
}

// Clone returns a deep copy safe to hand out of the registry.
func (s *Session) Clone() *Session {
	c := *s
	c.SelectedModels = maps.Clone(s.SelectedModels)
	c.GeneratedFiles = slices.Clone(s.GeneratedFiles)
	c.Messages = make([]Message, len(s.Messages))
	for i, m := range s.Messages {
		m.Metadata = maps.Clone(m.Metadata)
		c.Messages[i] = m
	}
	c.Decisions = make([]UserDecision, len(s.Decisions))
	for i, d := range s.Decisions {
		d.Options = slices.Clone(d.Options)
		d.Context = maps.Clone(d.Context)
		c.Decisions[i] = d
	}
	return &c
}

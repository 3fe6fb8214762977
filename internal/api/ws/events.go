package ws

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/xeipuuv/gojsonschema"
)

// ErrMalformed is returned for inbound payloads that are not a JSON object
// with a string "type".
var ErrMalformed = errors.New("ws: malformed payload") //nolint:gochecknoglobals // sentinel error

// Inbound client event types.
const (
	TypeUserMessage      = "user_message"
	TypeDecisionResponse = "decision_response"
	TypeModelSelection   = "model_selection"
	TypeResyncRequest    = "resync_request"
)

// Inbound is a decoded client-to-server event. The set of implementations
// is closed: UserMessage, DecisionResponse, ModelSelection, ResyncRequest
// and Unrecognized.
type Inbound interface {
	inbound()
}

// UserMessage seeds a collaboration run. Models, when present, are attached
// to the session first.
type UserMessage struct {
	Content string            `json:"content"`
	Models  map[string]string `json:"models,omitempty"`
}

// DecisionResponse answers a pending decision. A nil DecisionID answers the
// oldest pending decision of the session.
type DecisionResponse struct {
	DecisionID uuid.UUID `json:"decision_id"`
	Answer     string    `json:"answer"`
}

// ModelSelection records which model backs each persona slot.
type ModelSelection struct {
	Models map[string]string `json:"models"`
}

// ResyncRequest asks for a fresh conversation_data snapshot.
type ResyncRequest struct{}

// Unrecognized carries a type tag the server does not handle.
type Unrecognized struct {
	Type string
}

func (UserMessage) inbound()      {}
func (DecisionResponse) inbound() {}
func (ModelSelection) inbound()   {}
func (ResyncRequest) inbound()    {}
func (Unrecognized) inbound()     {}

// ValidationError lists schema violations of a known event type.
type ValidationError struct {
	Type   string
	Errors []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Type, strings.Join(e.Errors, "; "))
}

//nolint:gochecknoglobals // static schemas
var schemas = map[string]string{
	TypeUserMessage: `{
		"type": "object",
		"required": ["type", "content"],
		"properties": {
			"type": {"const": "user_message"},
			"content": {"type": "string", "minLength": 1, "maxLength": 20000},
			"models": {"type": "object", "additionalProperties": {"type": "string"}}
		}
	}`,
	TypeDecisionResponse: `{
		"type": "object",
		"required": ["type", "answer"],
		"properties": {
			"type": {"const": "decision_response"},
			"decision_id": {"type": "string", "pattern": "^[0-9a-fA-F-]{36}$"},
			"answer": {"type": "string"}
		}
	}`,
	TypeModelSelection: `{
		"type": "object",
		"required": ["type", "models"],
		"properties": {
			"type": {"const": "model_selection"},
			"models": {"type": "object", "minProperties": 1, "additionalProperties": {"type": "string", "minLength": 1}}
		}
	}`,
	TypeResyncRequest: `{
		"type": "object",
		"required": ["type"],
		"properties": {
			"type": {"const": "resync_request"}
		}
	}`,
}

// Decode parses and validates one inbound payload. Unknown type tags decode
// to Unrecognized without error.
func Decode(raw []byte) (Inbound, error) {
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("ws.Decode: %w: %w", ErrMalformed, err)
	}
	typ, ok := doc["type"].(string)
	if !ok || typ == "" {
		return nil, fmt.Errorf("ws.Decode: missing type: %w", ErrMalformed)
	}

	schema, known := schemas[typ]
	if !known {
		return Unrecognized{Type: typ}, nil
	}

	result, err := gojsonschema.Validate(gojsonschema.NewStringLoader(schema), gojsonschema.NewGoLoader(doc))
	if err != nil {
		return nil, fmt.Errorf("ws.Decode: schema: %w", err)
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			msgs = append(msgs, e.String())
		}
		return nil, &ValidationError{Type: typ, Errors: msgs}
	}

	var evt Inbound
	switch typ {
	case TypeUserMessage:
		var m UserMessage
		err = json.Unmarshal(raw, &m)
		evt = m
	case TypeDecisionResponse:
		var m DecisionResponse
		err = json.Unmarshal(raw, &m)
		evt = m
	case TypeModelSelection:
		var m ModelSelection
		err = json.Unmarshal(raw, &m)
		evt = m
	case TypeResyncRequest:
		evt = ResyncRequest{}
	}
	if err != nil {
		return nil, fmt.Errorf("ws.Decode(%s): %w", typ, err)
	}
	return evt, nil
}

package v1

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"net/http"
	"strings"
	"unicode/utf8"

	"github.com/danielgtaylor/huma/v2"
	"github.com/google/uuid"

	"github.com/gosuda/roundtable/internal/domain"
)

// DefaultModels returns the model assigned to each persona when a request
// carries no selection.
func DefaultModels() map[string]string {
	return map[string]string{
		"chatgpt": "gpt-4",
		"claude":  "claude-3-sonnet-20240229",
		"gemini":  "gemini-1.5-pro",
	}
}

type ListSessionsInput struct {
	UserID string `query:"user_id" maxLength:"128" doc:"Only list sessions owned by this user"`
}

type ListSessionsOutput struct {
	Body struct {
		Sessions []domain.SessionSummary `json:"sessions"`
	}
}

type GetSessionInput struct {
	ID uuid.UUID `path:"id" doc:"Session ID"`
}

type GetSessionOutput struct {
	Body *domain.Session
}

type CreateSessionInput struct {
	Body struct {
		RequestText    string            `json:"request_text" doc:"Project request that seeds the collaboration"`
		UserID         string            `json:"user_id,omitempty" required:"false" maxLength:"128" doc:"Owner of the session"`
		ModelSelection map[string]string `json:"model_selection,omitempty" required:"false" doc:"Model per persona"`
	}
}

type CreateSessionOutput struct {
	Body struct {
		SessionID uuid.UUID `json:"session_id"`
		Status    string    `json:"status"`
	}
}

type CancelSessionInput struct {
	ID uuid.UUID `path:"id" doc:"Session ID"`
}

type CancelSessionOutput struct {
	Body struct {
		SessionID uuid.UUID `json:"session_id"`
		Status    string    `json:"status"`
	}
}

// RegisterSessionRoutes mounts the session endpoints. Requests shorter than
// minRequestLength runes are rejected because they would never start a run.
func RegisterSessionRoutes(api huma.API, sessions SessionService, runner Runner, minRequestLength int) {
	huma.Register(api, huma.Operation{
		OperationID: "list-sessions",
		Method:      http.MethodGet,
		Path:        "/sessions",
		Summary:     "List sessions, newest first",
		Tags:        []string{"Sessions"},
	}, func(ctx context.Context, input *ListSessionsInput) (*ListSessionsOutput, error) {
		summaries, err := sessions.List(ctx, input.UserID)
		if err != nil {
			return nil, huma.Error500InternalServerError("failed to list sessions", err)
		}
		if summaries == nil {
			summaries = []domain.SessionSummary{}
		}

		out := &ListSessionsOutput{}
		out.Body.Sessions = summaries
		return out, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-session",
		Method:      http.MethodGet,
		Path:        "/sessions/{id}",
		Summary:     "Get a session with its full transcript",
		Tags:        []string{"Sessions"},
	}, func(ctx context.Context, input *GetSessionInput) (*GetSessionOutput, error) {
		sess, err := sessions.Get(ctx, input.ID)
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				return nil, huma.Error404NotFound("session not found")
			}
			return nil, huma.Error500InternalServerError("failed to get session", err)
		}

		return &GetSessionOutput{Body: sess}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "create-session",
		Method:        http.MethodPost,
		Path:          "/sessions",
		Summary:       "Create a session and start a collaboration",
		Tags:          []string{"Sessions"},
		DefaultStatus: http.StatusOK,
	}, func(ctx context.Context, input *CreateSessionInput) (*CreateSessionOutput, error) {
		text := strings.TrimSpace(input.Body.RequestText)
		if text == "" {
			return nil, huma.Error400BadRequest("request_text is required")
		}
		if utf8.RuneCountInString(text) < minRequestLength {
			return nil, huma.Error400BadRequest(fmt.Sprintf("request_text must be at least %d characters", minRequestLength))
		}

		id, err := sessions.Create(ctx, input.Body.UserID, text)
		if err != nil {
			if errors.Is(err, domain.ErrValidation) {
				return nil, huma.Error400BadRequest(err.Error())
			}
			return nil, huma.Error500InternalServerError("failed to create session", err)
		}

		models := DefaultModels()
		maps.Copy(models, input.Body.ModelSelection)
		if attachErr := sessions.AttachModels(ctx, id, models); attachErr != nil {
			return nil, huma.Error500InternalServerError("failed to store model selection", attachErr)
		}

		if _, submitErr := runner.Submit(ctx, id, text); submitErr != nil {
			return nil, huma.Error500InternalServerError("failed to start collaboration", submitErr)
		}

		out := &CreateSessionOutput{}
		out.Body.SessionID = id
		out.Body.Status = "started"
		return out, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "cancel-session",
		Method:      http.MethodPost,
		Path:        "/sessions/{id}/cancel",
		Summary:     "Cancel the active collaboration of a session",
		Tags:        []string{"Sessions"},
	}, func(ctx context.Context, input *CancelSessionInput) (*CancelSessionOutput, error) {
		if _, err := sessions.Get(ctx, input.ID); err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				return nil, huma.Error404NotFound("session not found")
			}
			return nil, huma.Error500InternalServerError("failed to get session", err)
		}

		if err := runner.Cancel(input.ID); err != nil {
			if errors.Is(err, domain.ErrNotRunning) {
				return nil, huma.Error409Conflict("session has no active collaboration")
			}
			return nil, huma.Error500InternalServerError("failed to cancel collaboration", err)
		}

		out := &CancelSessionOutput{}
		out.Body.SessionID = input.ID
		out.Body.Status = "cancelling"
		return out, nil
	})
}

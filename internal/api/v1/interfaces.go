package v1

import (
	"context"

	"github.com/google/uuid"

	"github.com/gosuda/roundtable/internal/collab"
	"github.com/gosuda/roundtable/internal/domain"
)

// SessionService abstracts session registry operations for handler testing.
// *session.Registry satisfies this interface.
type SessionService interface {
	Create(ctx context.Context, userID, requestText string) (uuid.UUID, error)
	Get(ctx context.Context, id uuid.UUID) (*domain.Session, error)
	List(ctx context.Context, userID string) ([]domain.SessionSummary, error)
	AttachModels(ctx context.Context, id uuid.UUID, models map[string]string) error
}

// Runner abstracts collaboration run control for handler testing.
// *collab.Scheduler satisfies this interface.
type Runner interface {
	Submit(ctx context.Context, sessionID uuid.UUID, content string) (collab.Submission, error)
	Cancel(sessionID uuid.UUID) error
}

// Package notify pushes out-of-band notices about sessions to a chat platform.
// Delivery is best effort: failures are logged and never reach the caller.
package notify

import (
	"context"

	"github.com/google/uuid"

	"github.com/gosuda/roundtable/internal/domain"
)

// Notifier receives session notices.
type Notifier interface {
	DecisionRequired(ctx context.Context, sessionID uuid.UUID, prompt domain.DecisionPrompt)
	RunFinished(ctx context.Context, sessionID uuid.UUID, status domain.SessionStatus, turns int)
}

// Noop discards every notice.
type Noop struct{}

var _ Notifier = Noop{} //nolint:gochecknoglobals // compile-time check

func (Noop) DecisionRequired(context.Context, uuid.UUID, domain.DecisionPrompt) {}

func (Noop) RunFinished(context.Context, uuid.UUID, domain.SessionStatus, int) {}

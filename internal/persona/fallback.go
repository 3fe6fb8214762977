package persona

import (
	"context"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// Provider generates text from a real model backend.
type Provider interface {
	Generate(ctx context.Context, p Prompt) (string, error)
}

// Fallback asks a Provider first and degrades to canned text on any error,
// timeout or empty output.
type Fallback struct {
	provider Provider
	canned   Source
	timeout  time.Duration
}

var _ Source = (*Fallback)(nil) //nolint:gochecknoglobals // compile-time check

// NewFallback wraps provider with canned as the degradation path.
// A zero timeout means 30 seconds.
func NewFallback(provider Provider, canned Source, timeout time.Duration) *Fallback {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Fallback{provider: provider, canned: canned, timeout: timeout}
}

// NextUtterance implements Source.
func (f *Fallback) NextUtterance(ctx context.Context, p Prompt) string {
	callCtx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	text, err := f.provider.Generate(callCtx, p)
	if err != nil {
		log.Warn().Err(err).Str("persona", p.PersonaID).Int("turn", p.Turn).Msg("provider failed, using canned response")
		return f.canned.NextUtterance(ctx, p)
	}
	if strings.TrimSpace(text) == "" {
		log.Warn().Str("persona", p.PersonaID).Int("turn", p.Turn).Msg("provider returned empty text, using canned response")
		return f.canned.NextUtterance(ctx, p)
	}
	return text
}

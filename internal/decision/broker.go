// Package decision asks a human to choose among options and suspends the
// caller until an answer arrives or the prompt times out.
package decision

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/gosuda/roundtable/internal/domain"
)

// ErrDecisionNotFound is returned when no pending decision matches.
var ErrDecisionNotFound = errors.New("decision: not found") //nolint:gochecknoglobals // sentinel error

// ErrAlreadyAnswered is returned when a pending decision already holds an answer.
var ErrAlreadyAnswered = errors.New("decision: already answered") //nolint:gochecknoglobals // sentinel error

// Recorder persists the audit entry and publishes the prompt.
// *session.Registry satisfies this interface.
type Recorder interface {
	AppendDecision(ctx context.Context, id uuid.UUID, d domain.UserDecision) (domain.UserDecision, error)
	Publish(ctx context.Context, evt domain.Event)
}

// Notifier is told about new prompts out of band. Failures are its own concern.
type Notifier interface {
	DecisionRequired(ctx context.Context, sessionID uuid.UUID, prompt domain.DecisionPrompt)
}

// Question is what the caller asks.
type Question struct {
	Text    string
	Options []string
	Default string
	Context map[string]any
}

// Outcome is the resolved answer and how it was reached.
type Outcome struct {
	Answer   string
	TimedOut bool
	Fallback bool
	Record   domain.UserDecision
}

type pending struct {
	sessionID uuid.UUID
	prompt    domain.DecisionPrompt
	answer    chan string
	resolved  bool // guarded by Broker.mu
}

// Broker tracks outstanding decisions as continuations keyed by decision id.
type Broker struct {
	recorder Recorder
	notifier Notifier
	timeout  time.Duration
	now      func() time.Time

	mu      sync.Mutex
	pending map[uuid.UUID]*pending
}

// Option configures optional Broker parameters.
type Option func(*Broker)

// WithTimeout sets how long Ask waits before using the default answer.
func WithTimeout(d time.Duration) Option {
	return func(b *Broker) {
		b.timeout = d
	}
}

// WithNotifier sets an out-of-band notifier for new prompts.
func WithNotifier(n Notifier) Option {
	return func(b *Broker) {
		b.notifier = n
	}
}

// NewBroker creates a Broker recording through recorder.
func NewBroker(recorder Recorder, opts ...Option) *Broker {
	b := &Broker{
		recorder: recorder,
		timeout:  300 * time.Second,
		now:      time.Now,
		pending:  make(map[uuid.UUID]*pending),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Ask publishes a decision prompt and blocks until it is answered, times out,
// or ctx is cancelled. Every outcome is recorded as a UserDecision. On
// cancellation the default is recorded and ctx's error returned.
func (b *Broker) Ask(ctx context.Context, sessionID uuid.UUID, q Question) (Outcome, error) {
	if q.Default == "" && len(q.Options) > 0 {
		q.Default = q.Options[0]
	}

	now := b.now()
	p := &pending{
		sessionID: sessionID,
		prompt: domain.DecisionPrompt{
			DecisionID: uuid.New(),
			Question:   q.Text,
			Options:    slices.Clone(q.Options),
			Default:    q.Default,
			Context:    maps.Clone(q.Context),
			ExpiresAt:  now.Add(b.timeout),
		},
		answer: make(chan string, 1),
	}

	b.mu.Lock()
	b.pending[p.prompt.DecisionID] = p
	b.mu.Unlock()

	b.recorder.Publish(ctx, domain.Event{
		Type:      domain.EventDecisionRequired,
		SessionID: sessionID,
		Data:      p.prompt,
		Timestamp: now,
	})
	if b.notifier != nil {
		b.notifier.DecisionRequired(ctx, sessionID, p.prompt)
	}

	timer := time.NewTimer(b.timeout)
	defer timer.Stop()

	var (
		out      Outcome
		raw      string
		answered bool
		ctxErr   error
		recordTo = ctx
	)
	select {
	case raw = <-p.answer:
		answered = true
	case <-timer.C:
	case <-ctx.Done():
		ctxErr = ctx.Err()
		recordTo = context.WithoutCancel(ctx)
	}

	// An answer accepted by Resolve before retirement still wins.
	if late, ok := b.retire(p); ok {
		raw, answered = late, true
	}

	switch {
	case answered:
		out.Answer, out.Fallback = Normalize(raw, q.Options, q.Default)
	case ctxErr != nil:
		out.Answer, out.Fallback = q.Default, true
	default:
		out.Answer, out.TimedOut = q.Default, true
		log.Warn().
			Str("session_id", sessionID.String()).
			Str("decision_id", p.prompt.DecisionID.String()).
			Str("default", q.Default).
			Msg("decision timed out, using default")
	}

	rec, err := b.recorder.AppendDecision(recordTo, sessionID, domain.UserDecision{
		ID:       p.prompt.DecisionID,
		Question: q.Text,
		Options:  slices.Clone(q.Options),
		Default:  q.Default,
		Answer:   out.Answer,
		Context:  maps.Clone(q.Context),
		TimedOut: out.TimedOut,
		Fallback: out.Fallback,
	})
	if err != nil {
		return out, fmt.Errorf("decision.Broker.Ask: record: %w", err)
	}
	out.Record = rec

	if ctxErr != nil {
		return out, fmt.Errorf("decision.Broker.Ask: %w", ctxErr)
	}
	return out, nil
}

// Resolve delivers answer to a pending decision of sessionID. A nil
// decisionID resolves the oldest pending decision of the session.
func (b *Broker) Resolve(sessionID, decisionID uuid.UUID, answer string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	var p *pending
	if decisionID == uuid.Nil {
		for _, cand := range b.pending {
			if cand.sessionID != sessionID {
				continue
			}
			if p == nil || cand.prompt.ExpiresAt.Before(p.prompt.ExpiresAt) {
				p = cand
			}
		}
	} else if cand, ok := b.pending[decisionID]; ok && cand.sessionID == sessionID {
		p = cand
	}
	if p == nil {
		return fmt.Errorf("decision.Broker.Resolve(%s): %w", decisionID, ErrDecisionNotFound)
	}

	if p.resolved {
		return fmt.Errorf("decision.Broker.Resolve(%s): %w", p.prompt.DecisionID, ErrAlreadyAnswered)
	}
	p.resolved = true
	p.answer <- answer
	return nil
}

// retire removes p from the pending set so later Resolve calls fail with
// ErrDecisionNotFound. It returns an answer delivered but not yet consumed.
func (b *Broker) retire(p *pending) (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.pending, p.prompt.DecisionID)
	select {
	case raw := <-p.answer:
		return raw, true
	default:
		return "", false
	}
}

// Pending returns the outstanding prompts of a session, oldest first.
func (b *Broker) Pending(sessionID uuid.UUID) []domain.DecisionPrompt {
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []domain.DecisionPrompt
	for _, p := range b.pending {
		if p.sessionID == sessionID {
			out = append(out, p.prompt)
		}
	}
	slices.SortFunc(out, func(a, c domain.DecisionPrompt) int {
		return cmp.Compare(a.ExpiresAt.UnixNano(), c.ExpiresAt.UnixNano())
	})
	return out
}

// Normalize maps a raw answer onto options. Options match case-insensitively
// or by 1-based index. With no options any non-blank answer is accepted.
// Anything else yields def and fallback=true.
func Normalize(raw string, options []string, def string) (answer string, fallback bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return def, true
	}
	if len(options) == 0 {
		return raw, false
	}

	for _, opt := range options {
		if strings.EqualFold(opt, raw) {
			return opt, false
		}
	}
	if n, err := strconv.Atoi(raw); err == nil && n >= 1 && n <= len(options) {
		return options[n-1], false
	}
	return def, true
}

// Package session holds live sessions in memory, persists every mutation
// through the transcript store and publishes appended messages for delivery.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/gosuda/roundtable/internal/domain"
	"github.com/gosuda/roundtable/internal/pubsub"
)

// DefaultUserID is used when a request carries no user id.
const DefaultUserID = "default"

// Store is the persistence contract the registry writes through.
// *jsonfile.Store satisfies this interface.
type Store interface {
	Save(ctx context.Context, s *domain.Session) error
	Load(ctx context.Context, id uuid.UUID) (*domain.Session, error)
	List(ctx context.Context, userID string) ([]domain.SessionSummary, error)
}

type entry struct {
	mu   sync.Mutex
	sess *domain.Session

	// guarded by Registry.mu
	refs     int
	pins     int
	lastUsed time.Time
}

// Registry maps session ids to their live transcript. Each session has its
// own lock so that exactly one writer mutates and persists it at a time.
type Registry struct {
	store   Store
	broker  pubsub.Broker
	now     func() time.Time
	idleTTL time.Duration
	sweep   time.Duration

	mu      sync.Mutex
	entries map[uuid.UUID]*entry
}

// Option configures optional Registry parameters.
type Option func(*Registry)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		r.now = now
	}
}

// WithIdleTTL sets how long an unused, unpinned session stays cached.
func WithIdleTTL(d time.Duration) Option {
	return func(r *Registry) {
		r.idleTTL = d
	}
}

// WithSweepInterval sets how often StartSweeper checks for idle sessions.
// By default it runs at half the idle TTL, but not more than once a second.
func WithSweepInterval(d time.Duration) Option {
	return func(r *Registry) {
		r.sweep = d
	}
}

// NewRegistry creates a Registry writing through store and publishing to broker.
func NewRegistry(store Store, broker pubsub.Broker, opts ...Option) *Registry {
	r := &Registry{
		store:   store,
		broker:  broker,
		now:     time.Now,
		idleTTL: 30 * time.Minute,
		entries: make(map[uuid.UUID]*entry),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Create allocates and persists a new empty session.
func (r *Registry) Create(ctx context.Context, userID, requestText string) (uuid.UUID, error) {
	requestText = strings.TrimSpace(requestText)
	if requestText == "" {
		return uuid.Nil, fmt.Errorf("session.Registry.Create: empty request text: %w", domain.ErrValidation)
	}
	if strings.TrimSpace(userID) == "" {
		userID = DefaultUserID
	}

	sess := domain.NewSession(userID, requestText, r.now())
	if err := r.store.Save(ctx, sess); err != nil {
		return uuid.Nil, fmt.Errorf("session.Registry.Create: %w", err)
	}

	r.mu.Lock()
	r.entries[sess.ID] = &entry{sess: sess, lastUsed: r.now()}
	r.mu.Unlock()

	log.Info().Str("session_id", sess.ID.String()).Str("user_id", userID).Msg("session created")

	return sess.ID, nil
}

// Get returns a copy of the session, loading it from disk if it is not cached.
func (r *Registry) Get(ctx context.Context, id uuid.UUID) (*domain.Session, error) {
	var out *domain.Session
	err := r.with(ctx, id, func(s *domain.Session) error {
		out = s.Clone()
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("session.Registry.Get: %w", err)
	}
	return out, nil
}

// List returns persisted session summaries newest first.
func (r *Registry) List(ctx context.Context, userID string) ([]domain.SessionSummary, error) {
	sums, err := r.store.List(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("session.Registry.List: %w", err)
	}
	return sums, nil
}

// Append adds a message at the tail of the transcript and persists the whole
// session. If persistence fails the message is discarded and the error
// returned. The message_appended event is published while the session lock
// is held, so delivery order matches append order.
func (r *Registry) Append(ctx context.Context, id uuid.UUID, speaker domain.Speaker, content string, metadata map[string]any) (domain.Message, error) {
	var msg domain.Message
	err := r.with(ctx, id, func(s *domain.Session) error {
		now := r.now()
		stored := domain.Message{
			ID:        uuid.New(),
			Seq:       s.LastSeq() + 1,
			Speaker:   speaker,
			Content:   content,
			Metadata:  maps.Clone(metadata),
			CreatedAt: now,
		}
		if stored.Metadata == nil {
			stored.Metadata = map[string]any{}
		}

		prevUpdated := s.UpdatedAt
		s.Messages = append(s.Messages, stored)
		s.UpdatedAt = now

		if err := r.store.Save(ctx, s); err != nil {
			s.Messages = s.Messages[:len(s.Messages)-1]
			s.UpdatedAt = prevUpdated
			return err
		}

		msg = stored
		msg.Metadata = maps.Clone(stored.Metadata)

		r.publish(ctx, domain.Event{
			Type:      domain.EventMessageAppended,
			SessionID: s.ID,
			Seq:       stored.Seq,
			Data:      stored,
			Timestamp: now,
		})
		return nil
	})
	if err != nil {
		return domain.Message{}, fmt.Errorf("session.Registry.Append: %w", err)
	}
	return msg, nil
}

// AppendDecision records a decision audit entry.
func (r *Registry) AppendDecision(ctx context.Context, id uuid.UUID, d domain.UserDecision) (domain.UserDecision, error) {
	err := r.with(ctx, id, func(s *domain.Session) error {
		if d.ID == uuid.Nil {
			d.ID = uuid.New()
		}
		if d.CreatedAt.IsZero() {
			d.CreatedAt = r.now()
		}
		if d.Context == nil {
			d.Context = map[string]any{}
		}

		prevUpdated := s.UpdatedAt
		s.Decisions = append(s.Decisions, d)
		s.UpdatedAt = d.CreatedAt

		if err := r.store.Save(ctx, s); err != nil {
			s.Decisions = s.Decisions[:len(s.Decisions)-1]
			s.UpdatedAt = prevUpdated
			return err
		}
		return nil
	})
	if err != nil {
		return domain.UserDecision{}, fmt.Errorf("session.Registry.AppendDecision: %w", err)
	}
	return d, nil
}

// AttachModels records which model variant backs each persona slot.
func (r *Registry) AttachModels(ctx context.Context, id uuid.UUID, models map[string]string) error {
	err := r.with(ctx, id, func(s *domain.Session) error {
		prev := s.SelectedModels
		s.SelectedModels = maps.Clone(models)

		if err := r.store.Save(ctx, s); err != nil {
			s.SelectedModels = prev
			return err
		}

		r.publish(ctx, domain.Event{
			Type:      domain.EventModelsUpdated,
			SessionID: s.ID,
			Data:      s.SelectedModels,
			Timestamp: r.now(),
		})
		return nil
	})
	if err != nil {
		return fmt.Errorf("session.Registry.AttachModels: %w", err)
	}
	return nil
}

// SetStatus persists a status transition.
func (r *Registry) SetStatus(ctx context.Context, id uuid.UUID, status domain.SessionStatus) error {
	err := r.with(ctx, id, func(s *domain.Session) error {
		prev := s.Status
		s.Status = status

		if err := r.store.Save(ctx, s); err != nil {
			s.Status = prev
			return err
		}

		r.publish(ctx, domain.Event{
			Type:      domain.EventStatusChanged,
			SessionID: s.ID,
			Data:      map[string]string{"status": string(status)},
			Timestamp: r.now(),
		})
		return nil
	})
	if err != nil {
		return fmt.Errorf("session.Registry.SetStatus: %w", err)
	}
	return nil
}

// SetGeneratedFiles records the artifact paths written for the session.
func (r *Registry) SetGeneratedFiles(ctx context.Context, id uuid.UUID, files []string) error {
	err := r.with(ctx, id, func(s *domain.Session) error {
		prev := s.GeneratedFiles
		s.GeneratedFiles = append([]string(nil), files...)

		if err := r.store.Save(ctx, s); err != nil {
			s.GeneratedFiles = prev
			return err
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("session.Registry.SetGeneratedFiles: %w", err)
	}
	return nil
}

// Publish sends a non-transcript event to the session's subscribers.
// Delivery is best effort.
func (r *Registry) Publish(ctx context.Context, evt domain.Event) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = r.now()
	}
	r.publish(ctx, evt)
}

// Pin keeps a session cached until the returned release func is called.
func (r *Registry) Pin(ctx context.Context, id uuid.UUID) (func(), error) {
	e, err := r.acquire(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("session.Registry.Pin: %w", err)
	}

	r.mu.Lock()
	e.pins++
	r.mu.Unlock()
	r.release(e)

	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			e.pins--
			e.lastUsed = r.now()
			r.mu.Unlock()
		})
	}, nil
}

// Cached returns the number of sessions held in memory.
func (r *Registry) Cached() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// EvictIdle drops cached sessions that are unpinned, not in use, and idle
// longer than the TTL. Evicted sessions are reloaded from disk on next access.
func (r *Registry) EvictIdle() int {
	cutoff := r.now().Add(-r.idleTTL)

	r.mu.Lock()
	defer r.mu.Unlock()

	evicted := 0
	for id, e := range r.entries {
		if e.refs == 0 && e.pins == 0 && e.lastUsed.Before(cutoff) {
			delete(r.entries, id)
			evicted++
		}
	}
	return evicted
}

// StartSweeper launches a goroutine that evicts idle sessions periodically
// until ctx is done. It returns immediately.
func (r *Registry) StartSweeper(ctx context.Context) {
	interval := r.sweep
	if interval <= 0 {
		interval = r.idleTTL / 2
		if interval < time.Second {
			interval = time.Second
		}
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := r.EvictIdle(); n > 0 {
					log.Debug().Int("evicted", n).Msg("evicted idle sessions")
				}
			}
		}
	}()
}

// Shutdown writes every cached session to disk.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	cached := make([]*entry, 0, len(r.entries))
	for _, e := range r.entries {
		cached = append(cached, e)
	}
	r.mu.Unlock()

	var errs []error
	for _, e := range cached {
		e.mu.Lock()
		if err := r.store.Save(ctx, e.sess); err != nil {
			errs = append(errs, fmt.Errorf("flush %s: %w", e.sess.ID, err))
		}
		e.mu.Unlock()
	}

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("session.Registry.Shutdown: %w", err)
	}
	return nil
}

// with runs fn holding the session's lock.
func (r *Registry) with(ctx context.Context, id uuid.UUID, fn func(*domain.Session) error) error {
	e, err := r.acquire(ctx, id)
	if err != nil {
		return err
	}
	defer r.release(e)

	e.mu.Lock()
	defer e.mu.Unlock()
	return fn(e.sess)
}

func (r *Registry) acquire(ctx context.Context, id uuid.UUID) (*entry, error) {
	r.mu.Lock()
	if e, ok := r.entries[id]; ok {
		e.refs++
		r.mu.Unlock()
		return e, nil
	}
	r.mu.Unlock()

	loaded, err := r.store.Load(ctx, id)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	// Another caller may have loaded it meanwhile.
	e, ok := r.entries[id]
	if !ok {
		e = &entry{sess: loaded}
		r.entries[id] = e
	}
	e.refs++
	return e, nil
}

func (r *Registry) release(e *entry) {
	r.mu.Lock()
	e.refs--
	e.lastUsed = r.now()
	r.mu.Unlock()
}

func (r *Registry) publish(ctx context.Context, evt domain.Event) {
	if r.broker == nil {
		return
	}

	payload, err := json.Marshal(evt)
	if err != nil {
		log.Error().Err(err).Str("type", string(evt.Type)).Msg("session.publish: marshal event")
		return
	}

	channel := pubsub.SessionChannel(evt.SessionID)
	if pubErr := r.broker.Publish(context.WithoutCancel(ctx), channel, payload); pubErr != nil {
		log.Warn().Err(pubErr).Str("channel", channel).Msg("session.publish: failed to publish event")
	}
}

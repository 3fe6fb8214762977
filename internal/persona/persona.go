// Package persona supplies the canned participants of a collaboration and
// the text each one contributes on its turn.
package persona

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/gosuda/roundtable/internal/domain"
)

// ErrUnknownPersona is returned when a requested persona is not registered.
var ErrUnknownPersona = errors.New("persona: unknown persona") //nolint:gochecknoglobals // sentinel error

// Persona is a named participant with an ordered list of canned templates.
type Persona struct {
	ID        string
	Name      string
	Role      string
	Greeting  string // prepended on turn 1, may reference {request}
	Templates []string
}

// Prompt is everything a source may consult to produce one utterance.
type Prompt struct {
	PersonaID  string
	Request    string
	Transcript []domain.Message
	Turn       int // 1-based count of this persona's turns in the run
}

// Source produces the next utterance for a persona. Implementations never
// fail and never return empty text.
type Source interface {
	NextUtterance(ctx context.Context, p Prompt) string
}

// Roster holds personas in speaking order.
type Roster struct {
	mu       sync.RWMutex
	order    []string
	personas map[string]Persona
}

// NewRoster creates a roster with the given personas in speaking order.
func NewRoster(personas ...Persona) *Roster {
	r := &Roster{personas: make(map[string]Persona, len(personas))}
	for _, p := range personas {
		r.Register(p)
	}
	return r
}

// Register adds a persona, or replaces one with the same ID in place.
func (r *Roster) Register(p Persona) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.personas[p.ID]; !ok {
		r.order = append(r.order, p.ID)
	}
	r.personas[p.ID] = p
}

// Get returns the persona registered under id.
func (r *Roster) Get(id string) (Persona, error) {
	r.mu.RLock()
	p, ok := r.personas[id]
	r.mu.RUnlock()

	if !ok {
		return Persona{}, fmt.Errorf("persona.Roster.Get(%q): %w", id, ErrUnknownPersona)
	}
	return p, nil
}

// Order returns persona IDs in speaking order.
func (r *Roster) Order() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.order)
}

// Len returns the number of registered personas.
func (r *Roster) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}

// SpeakerAt returns the persona speaking on the given 1-based turn.
func (r *Roster) SpeakerAt(turn int) (Persona, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if len(r.order) == 0 {
		return Persona{}, fmt.Errorf("persona.Roster.SpeakerAt: empty roster: %w", ErrUnknownPersona)
	}
	idx := (turn - 1) % len(r.order)
	if idx < 0 {
		idx += len(r.order)
	}
	return r.personas[r.order[idx]], nil
}

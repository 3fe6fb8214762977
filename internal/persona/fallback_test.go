package persona_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/gosuda/roundtable/internal/persona"
)

type mockProvider struct {
	generateFn func(ctx context.Context, p persona.Prompt) (string, error)
}

func (m *mockProvider) Generate(ctx context.Context, p persona.Prompt) (string, error) {
	return m.generateFn(ctx, p)
}

func TestFallback(t *testing.T) {
	t.Parallel()

	canned := newCanned(persona.Persona{ID: "p1", Templates: []string{"canned {request}"}})

	tests := []struct {
		name string
		fn   func(ctx context.Context, p persona.Prompt) (string, error)
		want string
	}{
		{
			name: "provider text wins",
			fn:   func(context.Context, persona.Prompt) (string, error) { return "live answer", nil },
			want: "live answer",
		},
		{
			name: "error degrades",
			fn:   func(context.Context, persona.Prompt) (string, error) { return "", errors.New("rate limited") },
			want: "canned todo",
		},
		{
			name: "blank degrades",
			fn:   func(context.Context, persona.Prompt) (string, error) { return "  \n", nil },
			want: "canned todo",
		},
		{
			name: "timeout degrades",
			fn: func(ctx context.Context, _ persona.Prompt) (string, error) {
				<-ctx.Done()
				return "", ctx.Err()
			},
			want: "canned todo",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			f := persona.NewFallback(&mockProvider{generateFn: tt.fn}, canned, 20*time.Millisecond)
			got := f.NextUtterance(context.Background(), persona.Prompt{PersonaID: "p1", Request: "todo", Turn: 1})
			assert.Equal(t, tt.want, got)
		})
	}
}

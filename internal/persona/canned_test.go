package persona_test

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gosuda/roundtable/internal/persona"
)

func TestRender(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		tpl  string
		want string
	}{
		{"single placeholder", "Project: {request}.", "Project: todo app."},
		{"no placeholder", "Nothing to fill.", "Nothing to fill."},
		{"escaped braces", "func f() {{ return }} // {request}", "func f() { return } // todo app"},
		{"unknown placeholder falls back", "{other} and {request}", "{other} and todo app"},
		{"unbalanced open falls back", "dict = {'a': 1 and {request}", "dict = {'a': 1 and todo app"},
		{"stray close falls back", "x } {request}", "x } todo app"},
		{"empty braces fall back", "{} {request}", "{} todo app"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, persona.Render(tt.tpl, "todo app"))
		})
	}
}

func TestRender_ReplacesExactlyOnce(t *testing.T) {
	t.Parallel()

	got := persona.Render("Let's build {request} together.", "build a CLI todo app")
	assert.Equal(t, 1, strings.Count(got, "build a CLI todo app"))
	assert.NotContains(t, got, "{request}")
}

func TestRender_RequestWithBracesIsNotReinterpreted(t *testing.T) {
	t.Parallel()

	got := persona.Render("Topic: {request}", "parse {json} blobs")
	assert.Equal(t, "Topic: parse {json} blobs", got)
}

func newCanned(personas ...persona.Persona) *persona.Canned {
	return persona.NewCanned(persona.NewRoster(personas...))
}

func TestCanned_CyclesTemplatesByTurn(t *testing.T) {
	t.Parallel()

	c := newCanned(persona.Persona{ID: "p1", Templates: []string{"a {request}", "b", "c"}})
	ctx := context.Background()

	got := make([]string, 0, 5)
	for turn := 1; turn <= 5; turn++ {
		got = append(got, c.NextUtterance(ctx, persona.Prompt{PersonaID: "p1", Request: "x", Turn: turn}))
	}
	assert.Equal(t, []string{"a x", "b", "c", "a x", "b"}, got)
}

func TestCanned_GreetingOnFirstTurnOnly(t *testing.T) {
	t.Parallel()

	c := newCanned(persona.Persona{
		ID:        "p1",
		Greeting:  "Hello! Project: {request}",
		Templates: []string{"body", "body"},
	})
	ctx := context.Background()

	first := c.NextUtterance(ctx, persona.Prompt{PersonaID: "p1", Request: "todo", Turn: 1})
	assert.Equal(t, "Hello! Project: todo\n\nbody", first)

	second := c.NextUtterance(ctx, persona.Prompt{PersonaID: "p1", Request: "todo", Turn: 2})
	assert.Equal(t, "body", second)
}

func TestCanned_NeverEmpty(t *testing.T) {
	t.Parallel()

	c := newCanned(
		persona.Persona{ID: "blank", Name: "Blank", Templates: []string{"   "}},
		persona.Persona{ID: "none", Name: "None"},
	)
	ctx := context.Background()

	for _, id := range []string{"blank", "none", "missing"} {
		text := c.NextUtterance(ctx, persona.Prompt{PersonaID: id, Request: "todo", Turn: 1})
		assert.NotEmpty(t, strings.TrimSpace(text), id)
	}
}

func TestDefaults_RenderEveryTemplate(t *testing.T) {
	t.Parallel()

	defaults := persona.Defaults()
	require.Len(t, defaults, 3)
	assert.Equal(t, []string{"chatgpt", "claude", "gemini"}, []string{defaults[0].ID, defaults[1].ID, defaults[2].ID})

	c := newCanned(defaults...)
	ctx := context.Background()

	for _, p := range defaults {
		for turn := 1; turn <= len(p.Templates); turn++ {
			text := c.NextUtterance(ctx, persona.Prompt{PersonaID: p.ID, Request: "build a CLI todo app", Turn: turn})
			assert.NotContains(t, text, "{request}", "%s turn %d", p.ID, turn)
			assert.NotContains(t, text, "{{", "%s turn %d", p.ID, turn)
		}
	}
}

func TestDefaults_GoTemplateUnescapesBraces(t *testing.T) {
	t.Parallel()

	c := newCanned(persona.Defaults()...)
	text := c.NextUtterance(context.Background(), persona.Prompt{PersonaID: "claude", Request: "todo", Turn: 3})
	assert.Contains(t, text, "type App struct {\n")
}

// ---------------------------------------------------------------------------
// Roster
// ---------------------------------------------------------------------------

func TestRoster_OrderAndSpeakerAt(t *testing.T) {
	t.Parallel()

	r := persona.NewRoster(
		persona.Persona{ID: "p1"},
		persona.Persona{ID: "p2"},
		persona.Persona{ID: "p3"},
	)
	assert.Equal(t, []string{"p1", "p2", "p3"}, r.Order())
	assert.Equal(t, 3, r.Len())

	want := []string{"p1", "p2", "p3", "p1", "p2"}
	for i, id := range want {
		p, err := r.SpeakerAt(i + 1)
		require.NoError(t, err)
		assert.Equal(t, id, p.ID)
	}
}

func TestRoster_RegisterReplacesInPlace(t *testing.T) {
	t.Parallel()

	r := persona.NewRoster(persona.Persona{ID: "p1", Name: "old"}, persona.Persona{ID: "p2"})
	r.Register(persona.Persona{ID: "p1", Name: "new"})

	assert.Equal(t, []string{"p1", "p2"}, r.Order())
	p, err := r.Get("p1")
	require.NoError(t, err)
	assert.Equal(t, "new", p.Name)
}

func TestRoster_Errors(t *testing.T) {
	t.Parallel()

	r := persona.NewRoster()

	_, err := r.Get("nobody")
	require.True(t, errors.Is(err, persona.ErrUnknownPersona))

	_, err = r.SpeakerAt(1)
	require.ErrorIs(t, err, persona.ErrUnknownPersona)
}

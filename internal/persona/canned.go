package persona

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"
)

var (
	errUnbalancedBrace = errors.New("unbalanced brace")    //nolint:gochecknoglobals // sentinel error
	errUnknownField    = errors.New("unknown placeholder") //nolint:gochecknoglobals // sentinel error
)

// Canned answers from each persona's template list, cycling by turn.
type Canned struct {
	roster *Roster
}

var _ Source = (*Canned)(nil) //nolint:gochecknoglobals // compile-time check

// NewCanned creates a canned source over roster.
func NewCanned(roster *Roster) *Canned {
	return &Canned{roster: roster}
}

// NextUtterance renders template (turn-1) mod len(templates) of the persona.
func (c *Canned) NextUtterance(_ context.Context, p Prompt) string {
	persona, err := c.roster.Get(p.PersonaID)
	if err != nil || len(persona.Templates) == 0 {
		return fmt.Sprintf("%s has nothing to add on turn %d.", displayName(persona, p.PersonaID), p.Turn)
	}

	idx := (p.Turn - 1) % len(persona.Templates)
	if idx < 0 {
		idx += len(persona.Templates)
	}
	text := Render(persona.Templates[idx], p.Request)

	if p.Turn == 1 && persona.Greeting != "" {
		text = Render(persona.Greeting, p.Request) + "\n\n" + text
	}

	if strings.TrimSpace(text) == "" {
		return fmt.Sprintf("%s is thinking about %q.", displayName(persona, p.PersonaID), p.Request)
	}
	return text
}

func displayName(p Persona, id string) string {
	if p.Name != "" {
		return p.Name
	}
	return id
}

// Render substitutes {request} in tpl. Templates are parsed strictly first
// ({{ and }} escape literal braces); if that fails the placeholder is
// replaced literally and everything else is left untouched.
func Render(tpl, request string) string {
	out, err := format(tpl, map[string]string{"request": request})
	if err != nil {
		log.Debug().Err(err).Msg("persona.Render: strict format failed, using literal replace")
		return strings.ReplaceAll(tpl, "{request}", request)
	}
	return out
}

// format is a strict brace formatter over named fields.
func format(tpl string, fields map[string]string) (string, error) {
	var b strings.Builder
	b.Grow(len(tpl))

	for i := 0; i < len(tpl); i++ {
		ch := tpl[i]
		switch ch {
		case '{':
			if i+1 < len(tpl) && tpl[i+1] == '{' {
				b.WriteByte('{')
				i++
				continue
			}
			end := strings.IndexAny(tpl[i+1:], "{}")
			if end < 0 || tpl[i+1+end] != '}' {
				return "", fmt.Errorf("persona.format: offset %d: %w", i, errUnbalancedBrace)
			}
			name := tpl[i+1 : i+1+end]
			val, ok := fields[name]
			if !ok {
				return "", fmt.Errorf("persona.format: %q: %w", name, errUnknownField)
			}
			b.WriteString(val)
			i += end + 1
		case '}':
			if i+1 < len(tpl) && tpl[i+1] == '}' {
				b.WriteByte('}')
				i++
				continue
			}
			return "", fmt.Errorf("persona.format: offset %d: %w", i, errUnbalancedBrace)
		default:
			b.WriteByte(ch)
		}
	}
	return b.String(), nil
}

package notify

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	slacklib "github.com/slack-go/slack"

	"github.com/gosuda/roundtable/internal/domain"
)

// SlackAPI abstracts the subset of the Slack client used by Slack.
type SlackAPI interface {
	PostMessageContext(ctx context.Context, channelID string, options ...slacklib.MsgOption) (string, string, error)
}

// Slack posts notices to a single channel.
type Slack struct {
	api     SlackAPI
	channel string
	baseURL string
}

var _ Notifier = (*Slack)(nil) //nolint:gochecknoglobals // compile-time check

// NewSlack creates a Slack notifier. baseURL, if set, is used to link to the
// session in the web UI.
func NewSlack(api SlackAPI, channel, baseURL string) *Slack {
	return &Slack{api: api, channel: channel, baseURL: strings.TrimRight(baseURL, "/")}
}

// DecisionRequired posts the question with one button per option.
func (s *Slack) DecisionRequired(ctx context.Context, sessionID uuid.UUID, prompt domain.DecisionPrompt) {
	text := fmt.Sprintf("Session `%s` needs a decision: %s (default `%s`)", sessionID, prompt.Question, prompt.Default)
	s.post(ctx, text, slacklib.MsgOptionBlocks(BuildDecisionBlocks(s.sessionLink(sessionID, text), sessionID, prompt)...))
}

// RunFinished posts the terminal status of a run.
func (s *Slack) RunFinished(ctx context.Context, sessionID uuid.UUID, status domain.SessionStatus, turns int) {
	text := fmt.Sprintf("Session `%s` %s after %d turns", sessionID, status, turns)
	s.post(ctx, s.sessionLink(sessionID, text))
}

func (s *Slack) sessionLink(sessionID uuid.UUID, text string) string {
	if s.baseURL == "" {
		return text
	}
	return fmt.Sprintf("%s\n<%s/?session=%s|Open session>", text, s.baseURL, sessionID)
}

func (s *Slack) post(ctx context.Context, text string, extra ...slacklib.MsgOption) {
	opts := append([]slacklib.MsgOption{slacklib.MsgOptionText(text, false)}, extra...)
	if _, _, err := s.api.PostMessageContext(ctx, s.channel, opts...); err != nil {
		log.Warn().Err(err).Str("channel", s.channel).Msg("notify.Slack: post failed")
	}
}

// BuildDecisionBlocks builds Block Kit blocks for a decision prompt: a text
// section followed by one button per option. The action block id carries the
// session and decision ids so a click can be routed back.
func BuildDecisionBlocks(text string, sessionID uuid.UUID, prompt domain.DecisionPrompt) []slacklib.Block {
	section := slacklib.NewSectionBlock(
		slacklib.NewTextBlockObject(slacklib.MarkdownType, text, false, false),
		nil,
		nil,
	)
	if len(prompt.Options) == 0 {
		return []slacklib.Block{section}
	}

	buttons := make([]slacklib.BlockElement, 0, len(prompt.Options))
	for i, opt := range prompt.Options {
		btn := slacklib.NewButtonBlockElement(
			fmt.Sprintf("decision_%d", i),
			opt,
			slacklib.NewTextBlockObject(slacklib.PlainTextType, opt, false, false),
		)
		if opt == prompt.Default {
			btn.Style = slacklib.StylePrimary
		}
		buttons = append(buttons, btn)
	}

	return []slacklib.Block{section, slacklib.NewActionBlock(decisionBlockID(sessionID, prompt.DecisionID), buttons...)}
}

const blockIDPrefix = "decision:"

func decisionBlockID(sessionID, decisionID uuid.UUID) string {
	return blockIDPrefix + sessionID.String() + ":" + decisionID.String()
}

func parseDecisionBlockID(blockID string) (sessionID, decisionID uuid.UUID, ok bool) {
	rest, found := strings.CutPrefix(blockID, blockIDPrefix)
	if !found {
		return uuid.Nil, uuid.Nil, false
	}
	sid, did, found := strings.Cut(rest, ":")
	if !found {
		return uuid.Nil, uuid.Nil, false
	}
	var err error
	if sessionID, err = uuid.Parse(sid); err != nil {
		return uuid.Nil, uuid.Nil, false
	}
	if decisionID, err = uuid.Parse(did); err != nil {
		return uuid.Nil, uuid.Nil, false
	}
	return sessionID, decisionID, true
}

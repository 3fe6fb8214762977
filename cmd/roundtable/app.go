package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"

	"github.com/rs/zerolog/log"
	slacklib "github.com/slack-go/slack"

	v1 "github.com/gosuda/roundtable/internal/api/v1"
	"github.com/gosuda/roundtable/internal/api/ws"
	"github.com/gosuda/roundtable/internal/collab"
	"github.com/gosuda/roundtable/internal/config"
	"github.com/gosuda/roundtable/internal/decision"
	"github.com/gosuda/roundtable/internal/notify"
	"github.com/gosuda/roundtable/internal/persona"
	"github.com/gosuda/roundtable/internal/pubsub"
	"github.com/gosuda/roundtable/internal/pubsub/memory"
	redispubsub "github.com/gosuda/roundtable/internal/pubsub/redis"
	"github.com/gosuda/roundtable/internal/server"
	"github.com/gosuda/roundtable/internal/session"
	"github.com/gosuda/roundtable/internal/store/jsonfile"
	"github.com/gosuda/roundtable/web"
)

// app is the fully wired service. Background work is bound to the ctx
// passed to newApp.
type app struct {
	server    *server.Server
	scheduler *collab.Scheduler
	registry  *session.Registry
	broker    pubsub.Broker
}

func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	store, err := jsonfile.New(cfg.Sessions.Dir)
	if err != nil {
		return nil, err
	}

	broker, err := newBroker(ctx, cfg)
	if err != nil {
		return nil, err
	}

	registry := session.NewRegistry(store, broker, session.WithIdleTTL(cfg.Sessions.IdleTTL))
	registry.StartSweeper(ctx)

	roster := persona.NewRoster(persona.Defaults()...)

	var notifier notify.Notifier = notify.Noop{}
	if cfg.Slack.Enabled() {
		notifier = notify.NewSlack(slacklib.New(cfg.Slack.BotToken), cfg.Slack.Channel, cfg.Server.PublicURL)
		log.Info().Str("channel", cfg.Slack.Channel).Msg("slack notifications enabled")
	}

	decisions := decision.NewBroker(registry,
		decision.WithTimeout(cfg.Collab.DecisionTimeout),
		decision.WithNotifier(notifier),
	)

	scheduler := collab.NewScheduler(registry, roster, persona.NewCanned(roster), decisions, notifier, collab.Config{
		MaxTurns:         cfg.Collab.MaxTurns,
		InterTurnDelay:   cfg.Collab.InterTurnDelay,
		AutoApprove:      cfg.Collab.AutoApprove,
		DecisionDefault:  cfg.Collab.DecisionDefault,
		MinRequestLength: cfg.Collab.MinRequestLength,
		OutputDir:        cfg.Collab.OutputDir,
	})

	webAssets, err := fs.Sub(web.Assets, "static")
	if err != nil {
		_ = broker.Close()
		return nil, fmt.Errorf("web assets: %w", err)
	}

	deps := server.Deps{
		Sessions: registry,
		Runner:   scheduler,
		Channel:  ws.NewChannel(registry, scheduler, decisions, broker, cfg.Server.CORSOrigins),
		Status: v1.ProviderStatus{
			OpenAI:    cfg.Providers.OpenAIKey != "",
			Anthropic: cfg.Providers.AnthropicKey != "",
			Gemini:    cfg.Providers.GeminiKey != "",
		},
		WebAssets: webAssets,
	}
	if cfg.Slack.SigningSecret != "" {
		deps.Interactions = notify.NewInteractionHandler(cfg.Slack.SigningSecret, decisions)
	}

	return &app{
		server:    server.New(ctx, cfg, deps),
		scheduler: scheduler,
		registry:  registry,
		broker:    broker,
	}, nil
}

// shutdown stops runs, flushes transcripts, then closes the listener and
// the broker.
func (a *app) shutdown(ctx context.Context) error {
	// Runs append their cancelled terminal message before the registry flushes.
	var errs []error
	if err := a.scheduler.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := a.registry.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := a.server.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := a.broker.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close broker: %w", err))
	}
	return errors.Join(errs...)
}

// newBroker picks Redis fan-out when an address is configured and an
// in-process broker otherwise.
func newBroker(ctx context.Context, cfg *config.Config) (pubsub.Broker, error) {
	if cfg.Redis.Addr == "" {
		return memory.New(subscriberBuffer), nil
	}

	ps, err := redispubsub.New(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, redispubsub.WithBuffer(subscriberBuffer))
	if err != nil {
		return nil, err
	}
	log.Info().Str("addr", cfg.Redis.Addr).Msg("redis event fan-out enabled")
	return ps, nil
}

package main

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/zulandar/palaver/internal/auth"
	"github.com/zulandar/palaver/internal/completion"
	"github.com/zulandar/palaver/internal/config"
	"github.com/zulandar/palaver/internal/coordinator"
	"github.com/zulandar/palaver/internal/db"
	"github.com/zulandar/palaver/internal/index"
	"github.com/zulandar/palaver/internal/ledger"
	"github.com/zulandar/palaver/internal/livequery"
	"github.com/zulandar/palaver/internal/logging"
)

// app is the wired set of components a command works with.
type app struct {
	cfg    *config.Config
	logger zerolog.Logger
	store  *db.Store
	bus    *livequery.Bus
	ledger *ledger.Ledger
	index  *index.Index
	creds  *auth.Provider
	client *completion.Client
}

// openApp loads the config, opens the store and wires every component.
func openApp(cmd *cobra.Command, configPath string) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	logger, err := logging.Setup(cfg.Log, cmd.ErrOrStderr())
	if err != nil {
		return nil, err
	}

	store, err := db.Open(cfg.Store)
	if err != nil {
		return nil, err
	}

	bus := livequery.NewBus(logger)
	l, err := ledger.New(ledger.Opts{DB: store.DB, Notifier: bus, Logger: &logger})
	if err != nil {
		bus.Close()
		store.Close()
		return nil, err
	}

	creds := auth.FromConfig(cfg)
	client, err := completion.NewClient(cfg.Backend.URL, creds.TokenSource(),
		completion.WithTimeout(cfg.Backend.Timeout),
		completion.WithRateLimit(cfg.Backend.RateLimit, cfg.Backend.Burst),
	)
	if err != nil {
		bus.Close()
		store.Close()
		return nil, err
	}

	return &app{
		cfg:    cfg,
		logger: logger,
		store:  store,
		bus:    bus,
		ledger: l,
		index:  index.New(l),
		creds:  creds,
		client: client,
	}, nil
}

// userID returns the configured user.
func (a *app) userID() string {
	return a.creds.UserID()
}

// openView opens a response coordinator for one conversation.
func (a *app) openView(ctx context.Context, conversationID string, onChange func(coordinator.Snapshot)) (*coordinator.View, error) {
	return coordinator.Open(ctx, coordinator.Opts{
		Ledger:         a.ledger,
		Bus:            a.bus,
		Completer:      a.client,
		Credentials:    a.creds,
		ConversationID: conversationID,
		Collection:     a.cfg.Collection,
		ContextWindow:  a.cfg.Coordinator.ContextWindow,
		Watchdog:       a.cfg.Coordinator.Watchdog,
		Logger:         &a.logger,
		OnChange:       onChange,
	})
}

// Close releases the bus and the store.
func (a *app) Close() {
	a.bus.Close()
	a.store.Close()
}

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/zulandar/palaver/internal/server"
)

func newServeCmd() *cobra.Command {
	var (
		configPath string
		port       int
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the local HTTP API",
		Long:  "Serves conversations, message sending and live updates (server-sent events) over HTTP.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, configPath, port)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to Palaver config file")
	cmd.Flags().IntVarP(&port, "port", "p", 0, "port to listen on (default: server.port from config)")
	return cmd
}

func runServe(cmd *cobra.Command, configPath string, port int) error {
	a, err := openApp(cmd, configPath)
	if err != nil {
		return err
	}
	defer a.Close()

	if port <= 0 {
		port = a.cfg.Server.Port
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case sig := <-sigCh:
			fmt.Fprintf(cmd.OutOrStdout(), "\nReceived %s, shutting down...\n", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	if spec := a.cfg.Store.Maintenance; spec != "" {
		stop, err := a.store.ScheduleMaintenance(spec, a.logger)
		if err != nil {
			return err
		}
		defer stop()
		a.logger.Info().Str("schedule", spec).Msg("store maintenance scheduled")
	}

	srv, err := server.New(server.Opts{
		Ledger:        a.ledger,
		Bus:           a.bus,
		Completer:     a.client,
		Credentials:   a.creds,
		Collection:    a.cfg.Collection,
		ContextWindow: a.cfg.Coordinator.ContextWindow,
		Watchdog:      a.cfg.Coordinator.Watchdog,
		Port:          port,
		Out:           cmd.OutOrStdout(),
		Logger:        &a.logger,
	})
	if err != nil {
		return err
	}
	return srv.Start(ctx)
}

package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/zulandar/palaver/internal/config"
	"github.com/zulandar/palaver/internal/db"
)

func newDBCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "db",
		Short: "Message store management commands",
	}

	cmd.AddCommand(newDBMigrateCmd())
	return cmd
}

func newDBMigrateCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Create or upgrade the message store",
		Long:  "Opens the configured store and applies any pending schema upgrades. Existing turns are preserved.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDBMigrate(cmd, configPath)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to Palaver config file")
	return cmd
}

func runDBMigrate(cmd *cobra.Command, configPath string) error {
	out := cmd.OutOrStdout()

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	store, err := db.Open(cfg.Store)
	if err != nil {
		return err
	}
	defer store.Close()

	version, err := db.SchemaVersionOf(store.DB)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Store %s is at schema version %d\n", storeLabel(cfg.Store), version)
	return nil
}

func storeLabel(s config.StoreConfig) string {
	if s.Driver == config.DriverMySQL {
		return fmt.Sprintf("mysql://%s:%d/%s", s.Host, s.Port, s.Database)
	}
	return s.Path
}

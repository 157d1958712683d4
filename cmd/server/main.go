// Package main implements the enrich-api command: the HTTP server that
// accepts batch enrichment jobs, plus the database migration and token
// tooling used to operate it.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/enrich-api/internal/config"
	"github.com/phrazzld/enrich-api/internal/platform/logger"
	"github.com/phrazzld/enrich-api/internal/platform/postgres"
	"github.com/phrazzld/enrich-api/internal/service/auth"
	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// newRootCommand builds the command tree. Each subcommand loads its own
// configuration so that --config applies uniformly.
func newRootCommand() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "enrich-api",
		Short:         "Batch LLM enrichment service",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to a config file (default ./config.yaml)")

	load := func() (*config.Config, *slog.Logger, error) {
		cfg, err := config.LoadFile(configPath)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to load configuration: %w", err)
		}
		l, err := logger.Setup(cfg.Server)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to set up logger: %w", err)
		}
		return cfg, l, nil
	}

	root.AddCommand(
		newServeCommand(load),
		newMigrateCommand(load),
		newTokenCommand(load),
	)
	return root
}

type loadFunc func() (*config.Config, *slog.Logger, error)

func newServeCommand(load loadFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP server and background task runner",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, l, err := load()
			if err != nil {
				return err
			}
			l.Info("server configuration loaded",
				"port", cfg.Server.Port,
				"log_level", cfg.Server.LogLevel,
				"dispatch_mode", cfg.Dispatch.Mode)

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			db, err := setupAppDatabase(ctx, cfg, l)
			if err != nil {
				return err
			}

			app, err := newApplication(ctx, cfg, l, db)
			if err != nil {
				_ = db.Close()
				return fmt.Errorf("failed to initialize application: %w", err)
			}
			return app.Run(ctx)
		},
	}
}

func newMigrateCommand(load loadFunc) *cobra.Command {
	commands := []string{
		postgres.MigrateUp,
		postgres.MigrateDown,
		postgres.MigrateReset,
		postgres.MigrateStatus,
		postgres.MigrateVersion,
	}
	return &cobra.Command{
		Use:       "migrate [" + strings.Join(commands, "|") + "]",
		Short:     "Apply or inspect database migrations",
		Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
		ValidArgs: commands,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, l, err := load()
			if err != nil {
				return err
			}
			db, err := setupAppDatabase(cmd.Context(), cfg, l)
			if err != nil {
				return err
			}
			defer func() { _ = db.Close() }()

			return postgres.Migrate(cmd.Context(), db, args[0], l)
		},
	}
}

// newTokenCommand issues a bearer token for an owner. There is no user
// management in this service; operators mint tokens for API clients.
func newTokenCommand(load loadFunc) *cobra.Command {
	var owner string
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue an access token for an owner ID",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ownerID, err := uuid.Parse(owner)
			if err != nil {
				return fmt.Errorf("invalid --owner: %w", err)
			}
			cfg, _, err := load()
			if err != nil {
				return err
			}
			jwtService, err := auth.NewJWTService(cfg.Auth)
			if err != nil {
				return fmt.Errorf("failed to initialize JWT service: %w", err)
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
			defer cancel()
			token, err := jwtService.GenerateToken(ctx, ownerID)
			if err != nil {
				return fmt.Errorf("failed to generate token: %w", err)
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), token)
			return err
		},
	}
	cmd.Flags().StringVar(&owner, "owner", "", "owner UUID the token is issued for")
	_ = cmd.MarkFlagRequired("owner")
	return cmd
}

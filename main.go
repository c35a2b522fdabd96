package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	authUsecase "mailsched-backend/internal/auth/usecase"
	"mailsched-backend/pkg/config"
	"mailsched-backend/pkg/database"
	"mailsched-backend/pkg/logger"

	"github.com/spf13/cobra"
)

const shutdownTimeout = 30 * time.Second

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var cfg *config.Config

	root := &cobra.Command{
		Use:           "mailsched",
		Short:         "Scheduled email fetch and classification service",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			// Load configuration
			cfg = config.Load()
			logger.Init(cfg.LogLevel, cfg.LogConsole)
		},
	}

	root.AddCommand(
		newServeCmd(&cfg),
		newMigrateCmd(&cfg),
		newTickCmd(&cfg),
		newTokenCmd(&cfg),
	)
	return root
}

func newServeCmd(cfg **config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the schedule poller",
		RunE: func(cmd *cobra.Command, args []string) error {
			log := logger.Component("main")
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			app, err := newApplication(ctx, *cfg)
			if err != nil {
				log.Error().Err(err).Msg("failed to start")
				return err
			}
			defer func() {
				if err := app.Close(); err != nil {
					log.Warn().Err(err).Msg("failed to close resources")
				}
			}()

			go app.evictIdleClients(ctx)
			if (*cfg).SchedulerEnabled {
				app.scheduler.Start(ctx)
			} else {
				log.Warn().Msg("scheduler disabled, only manual runs will execute")
			}

			serverErr := make(chan error, 1)
			go func() {
				serverErr <- app.handler.Start(":" + (*cfg).Port)
			}()

			select {
			case err := <-serverErr:
				if err != nil {
					log.Error().Err(err).Msg("server failed")
				}
				stop()
			case <-ctx.Done():
				log.Info().Msg("shutting down")
			}

			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := app.handler.Shutdown(shutdownCtx); err != nil {
				log.Warn().Err(err).Msg("http shutdown")
			}
			app.scheduler.Stop()
			app.usecase.Wait()
			log.Info().Msg("stopped")
			return nil
		},
	}
}

func newMigrateCmd(cfg **config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database tables",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := database.NewPostgresConnection(*cfg)
			if err != nil {
				return err
			}
			if err := database.AutoMigrate(db); err != nil {
				return fmt.Errorf("failed to migrate database: %w", err)
			}
			logger.Component("main").Info().Msg("database migrated")
			return nil
		},
	}
}

func newTickCmd(cfg **config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "tick",
		Short: "Run a single polling pass and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			log := logger.Component("main")
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			app, err := newApplication(ctx, *cfg)
			if err != nil {
				return err
			}
			defer app.Close()

			report, err := app.scheduler.Tick(ctx)
			if err != nil {
				return err
			}
			failed := 0
			for _, g := range report.Groups {
				for _, r := range g.Results {
					if r.Err != nil {
						failed++
						log.Error().Err(r.Err).Str("schedule_id", r.ScheduleID).Time("due_at", g.DueAt).Msg("run failed")
					}
				}
			}
			log.Info().Int("due", report.Due).Int("groups", len(report.Groups)).Int("failed", failed).Msg("tick finished")
			return nil
		},
	}
}

func newTokenCmd(cfg **config.Config) *cobra.Command {
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token <user-id>",
		Short: "Issue an API access token for a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			token, err := authUsecase.NewAuthUsecase((*cfg).JWTSecret).GenerateAccessToken(args[0], ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "token lifetime")
	return cmd
}

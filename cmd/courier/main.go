package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/stridefed/courier/internal/api"
	"github.com/stridefed/courier/internal/config"
	"github.com/stridefed/courier/internal/delivery"
	"github.com/stridefed/courier/internal/fanout"
	"github.com/stridefed/courier/internal/reputation"
	"github.com/stridefed/courier/internal/signing"
	"github.com/stridefed/courier/internal/store"
)

var version = "0.1.0"

func main() {
	rootCmd := &cobra.Command{
		Use:   "courier",
		Short: "Courier — outbound federation delivery engine",
	}

	var configPath string
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config file")

	rootCmd.AddCommand(serveCmd(&configPath))
	rootCmd.AddCommand(migrateCmd(&configPath))
	rootCmd.AddCommand(serversCmd(&configPath))
	rootCmd.AddCommand(statusCmd(&configPath))
	rootCmd.AddCommand(deadletterCmd(&configPath))
	rootCmd.AddCommand(versionCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the Courier delivery engine",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			log := setupLogger(cfg.Logging)

			st, err := setupStorage(cfg.Storage, log)
			if err != nil {
				return fmt.Errorf("failed to setup storage: %w", err)
			}
			defer st.Close()

			if err := st.Migrate(context.Background()); err != nil {
				return fmt.Errorf("failed to run migrations: %w", err)
			}
			log.Info().Msg("database migrations completed")

			resolver, err := setupSigning(cfg.Signing, log)
			if err != nil {
				return fmt.Errorf("failed to setup signing: %w", err)
			}

			tracker := reputation.NewTracker(st, thresholdsFromConfig(cfg.Reputation), log)
			transport := delivery.NewHTTPTransport(cfg.Delivery.Timeout, resolver)
			worker := delivery.NewWorker(st, tracker, transport, cfg.Delivery, log)
			scheduler := delivery.NewScheduler(st, worker, tracker, cfg.Scheduler, log)
			planner := fanout.NewPlanner(st, log)
			svc := fanout.NewService(st, planner, log)

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			scheduler.Start(ctx)

			server := api.NewServer(cfg.Server, st, svc, tracker, log)
			go func() {
				if err := server.Start(); err != nil && err != http.ErrServerClosed {
					log.Fatal().Err(err).Msg("server error")
				}
			}()

			log.Info().
				Str("version", version).
				Int("port", cfg.Server.Port).
				Int("workers", cfg.Scheduler.Workers).
				Str("storage", cfg.Storage.Driver).
				Msg("Courier is running")

			quit := make(chan os.Signal, 1)
			signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
			<-quit

			log.Info().Msg("shutting down...")

			if err := server.Shutdown(10 * time.Second); err != nil {
				log.Error().Err(err).Msg("server shutdown error")
			}

			scheduler.Stop()

			log.Info().Msg("Courier stopped")
			return nil
		},
	}
}

func migrateCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			log := setupLogger(cfg.Logging)

			st, err := setupStorage(cfg.Storage, log)
			if err != nil {
				return fmt.Errorf("failed to setup storage: %w", err)
			}
			defer st.Close()

			if err := st.Migrate(context.Background()); err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}

			log.Info().Msg("migrations completed successfully")
			return nil
		},
	}
}

func serversCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "servers",
		Short: "Inspect and manage destination server reputations",
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List all known destination servers",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, cleanup, err := storeFromConfig(*configPath)
			if err != nil {
				return err
			}
			defer cleanup()

			reps, err := st.ListReputations(context.Background())
			if err != nil {
				return fmt.Errorf("failed to list reputations: %w", err)
			}

			if len(reps) == 0 {
				fmt.Println("No destination servers seen yet.")
				return nil
			}

			for _, rep := range reps {
				fmt.Printf("  %-40s %-10s ok=%d fail=%d streak=%d\n",
					rep.Server, rep.Status, rep.SuccessCount, rep.FailureCount, rep.ConsecutiveFailures)
			}
			return nil
		},
	}

	resetCmd := &cobra.Command{
		Use:   "reset <server>",
		Short: "Reset a server's reputation and lift a suspension",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) < 1 {
				return fmt.Errorf("usage: courier servers reset <server>")
			}

			cfg, err := config.Load(*configPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			log := setupLogger(cfg.Logging)

			st, cleanup, err := storeFromConfig(*configPath)
			if err != nil {
				return err
			}
			defer cleanup()

			tracker := reputation.NewTracker(st, thresholdsFromConfig(cfg.Reputation), log)
			if err := tracker.Reset(context.Background(), args[0]); err != nil {
				return fmt.Errorf("failed to reset reputation: %w", err)
			}

			fmt.Printf("reputation for %s reset\n", args[0])
			return nil
		},
	}

	cmd.AddCommand(listCmd, resetCmd)
	return cmd
}

func statusCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "status <item_id>",
		Short: "Show delivery statuses for an item",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) < 1 {
				return fmt.Errorf("usage: courier status <item_id>")
			}

			st, cleanup, err := storeFromConfig(*configPath)
			if err != nil {
				return err
			}
			defer cleanup()

			statuses, err := st.ListStatusesByItem(context.Background(), args[0])
			if err != nil {
				return fmt.Errorf("failed to get statuses: %w", err)
			}

			out, _ := json.MarshalIndent(statuses, "", "  ")
			fmt.Println(string(out))
			return nil
		},
	}
}

func deadletterCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "deadletter",
		Short: "Inspect and requeue dead-lettered deliveries",
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List dead-lettered deliveries",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, cleanup, err := storeFromConfig(*configPath)
			if err != nil {
				return err
			}
			defer cleanup()

			letters, err := st.ListDeadLetters(context.Background(), 50, 0)
			if err != nil {
				return fmt.Errorf("failed to list dead letters: %w", err)
			}

			if len(letters) == 0 {
				fmt.Println("Dead letter queue is empty.")
				return nil
			}

			for _, dl := range letters {
				fmt.Printf("  %s  %s  %s  (%s)\n", dl.Job.ID, dl.Job.Endpoint, dl.Reason, dl.DeadAt.Format(time.RFC3339))
			}
			return nil
		},
	}

	requeueCmd := &cobra.Command{
		Use:   "requeue <job_id>",
		Short: "Requeue a dead-lettered delivery",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) < 1 {
				return fmt.Errorf("usage: courier deadletter requeue <job_id>")
			}

			st, cleanup, err := storeFromConfig(*configPath)
			if err != nil {
				return err
			}
			defer cleanup()

			job, err := st.RequeueDeadLetter(context.Background(), args[0])
			if err != nil {
				return fmt.Errorf("failed to requeue: %w", err)
			}
			if job == nil {
				return fmt.Errorf("dead letter %s not found", args[0])
			}

			fmt.Printf("job %s requeued for %s\n", job.ID, job.Endpoint)
			return nil
		},
	}

	cmd.AddCommand(listCmd, requeueCmd)
	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("Courier v%s\n", version)
		},
	}
}

func setupLogger(cfg config.LoggingConfig) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if cfg.Format == "console" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).
			With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

func setupStorage(cfg config.StorageConfig, log zerolog.Logger) (store.Store, error) {
	switch cfg.Driver {
	case "sqlite":
		log.Info().Str("path", cfg.SQLite.Path).Msg("using SQLite storage")
		return store.NewSQLite(cfg.SQLite.Path)
	default:
		return nil, fmt.Errorf("unsupported storage driver: %s", cfg.Driver)
	}
}

func setupSigning(cfg config.SigningConfig, log zerolog.Logger) (signing.KeyResolver, error) {
	if cfg.KeyPath == "" {
		log.Warn().Msg("no signing key configured, outbound requests will be unsigned")
		return nil, nil
	}
	key, err := signing.LoadPrivateKey(cfg.KeyPath)
	if err != nil {
		return nil, err
	}
	log.Info().Str("key_id", cfg.KeyID).Msg("request signing enabled")
	return signing.StaticResolver(cfg.KeyID, key), nil
}

func thresholdsFromConfig(cfg config.ReputationConfig) reputation.Thresholds {
	return reputation.Thresholds{
		DegradedThreshold: cfg.DegradedThreshold,
		SuspendThreshold:  cfg.SuspendThreshold,
		MinAttempts:       cfg.MinAttempts,
		MinSuccessRatio:   cfg.MinSuccessRatio,
	}
}

func storeFromConfig(configPath string) (store.Store, func(), error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}

	log := setupLogger(cfg.Logging)
	st, err := setupStorage(cfg.Storage, log)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to setup storage: %w", err)
	}

	if err := st.Migrate(context.Background()); err != nil {
		st.Close()
		return nil, nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return st, func() { st.Close() }, nil
}

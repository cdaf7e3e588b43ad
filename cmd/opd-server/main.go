package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ehr/opd/internal/config"
	"github.com/ehr/opd/internal/domain/consultation"
	"github.com/ehr/opd/internal/platform/db"
	"github.com/ehr/opd/internal/platform/jobs"
	"github.com/ehr/opd/migrations"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "opd-server",
		Short:        "OPD consultation completion service",
		SilenceUsage: true,
	}
	root.AddCommand(serveCmd())
	root.AddCommand(migrateCmd())
	root.AddCommand(stubBackendCmd())
	root.AddCommand(queueCmd())
	root.AddCommand(sweepCmd())
	root.AddCommand(cacheCmd())
	return root
}

func newLogger(env string, out io.Writer) zerolog.Logger {
	if env == "development" {
		return zerolog.New(zerolog.ConsoleWriter{Out: out}).With().Timestamp().Logger()
	}
	return zerolog.New(out).With().Timestamp().Logger()
}

// loadConfig loads and validates the configuration.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the consultation API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func runServer() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg.Env, os.Stdout)

	ctx := context.Background()
	a, err := buildApp(ctx, cfg, logger)
	if err != nil {
		logger.Error().Err(err).Msg("startup failed")
		return err
	}
	defer a.Close()

	scheduler := jobs.NewScheduler(logger)
	if err := scheduler.AddSweeper(cfg.SweepSchedule, a.sweeper()); err != nil {
		return err
	}
	scheduler.Start()

	e := newServer(a)
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Str("backend", backendMode(cfg)).Msg("starting server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server shutdown failed")
	}
	scheduler.Stop(shutdownCtx)
	logger.Info().Msg("server stopped")
	return nil
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the completion journal schema",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrator(cmd.Context(), func(ctx context.Context, m *db.Migrator) error {
				count, err := m.Up(ctx)
				if err != nil {
					return fmt.Errorf("migration failed: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Applied %d migration(s).\n", count)
				return nil
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrator(cmd.Context(), func(ctx context.Context, m *db.Migrator) error {
				statuses, err := m.Status(ctx)
				if err != nil {
					return fmt.Errorf("migration status: %w", err)
				}
				printMigrations(cmd.OutOrStdout(), statuses)
				return nil
			})
		},
	})
	return cmd
}

func withMigrator(ctx context.Context, fn func(context.Context, *db.Migrator) error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if cfg.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required to run migrations")
	}
	pool, err := db.NewPool(ctx, db.PoolConfig{URL: cfg.DatabaseURL, MaxConns: 2})
	if err != nil {
		return err
	}
	defer pool.Close()
	return fn(ctx, db.NewMigrator(pool, migrations.FS))
}

func printMigrations(w io.Writer, statuses []db.MigrationStatus) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "VERSION\tNAME\tSTATUS\tAPPLIED AT")
	for _, s := range statuses {
		status, appliedAt := "pending", ""
		if s.Applied {
			status = "applied"
			if s.AppliedAt != nil {
				appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
			}
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\n", s.Version, s.Name, status, appliedAt)
	}
	tw.Flush()
}

func stubBackendCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stub-backend",
		Short: "Serve the seeded in-memory hospital backend over REST",
		RunE: func(cmd *cobra.Command, args []string) error {
			port, _ := cmd.Flags().GetString("port")
			publicURL, _ := cmd.Flags().GetString("public-url")
			if publicURL == "" {
				publicURL = "http://localhost:" + port
			}
			logger := newLogger(os.Getenv("ENV"), os.Stdout)

			e := newStubServer(logger, publicURL)
			go func() {
				logger.Info().Str("addr", ":"+port).Msg("starting stub backend")
				if err := e.Start(":" + port); err != nil && err != http.ErrServerClosed {
					logger.Fatal().Err(err).Msg("stub backend error")
				}
			}()

			quit := make(chan os.Signal, 1)
			signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
			<-quit

			ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return e.Shutdown(ctx)
		},
	}
	cmd.Flags().String("port", "8081", "Port to listen on")
	cmd.Flags().String("public-url", "", "Base URL used in upload responses")
	return cmd
}

func queueCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Print a doctor's waiting queue",
		RunE: func(cmd *cobra.Command, args []string) error {
			doctorID, _ := cmd.Flags().GetInt64("doctor")
			apptID, _ := cmd.Flags().GetInt64("appointment")
			if (doctorID > 0) == (apptID > 0) {
				return fmt.Errorf("exactly one of --doctor or --appointment is required")
			}

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx := context.Background()
			a, err := buildApp(ctx, cfg, zerolog.Nop())
			if err != nil {
				return err
			}
			defer a.Close()

			var q *consultation.Queue
			if doctorID > 0 {
				q, err = a.svc.DoctorQueue(ctx, doctorID)
			} else {
				q, err = a.svc.Queue(ctx, apptID)
			}
			if err != nil {
				return err
			}
			printQueue(cmd.OutOrStdout(), q)
			return nil
		},
	}
	cmd.Flags().Int64("doctor", 0, "Doctor id")
	cmd.Flags().Int64("appointment", 0, "Current appointment id, excluded from the queue")
	return cmd
}

func printQueue(w io.Writer, q *consultation.Queue) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "TOKEN\tPATIENT\tCHIEF COMPLAINT\tAPPOINTMENT")
	for _, e := range q.Entries {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\n", e.Token, e.PatientName, e.ChiefComplaint, e.AppointmentID)
	}
	tw.Flush()

	next := q.Next()
	if next.Kind == consultation.RouteAppointment {
		fmt.Fprintf(w, "%d waiting, next: appointment %d\n", q.Total, next.AppointmentID)
	} else {
		fmt.Fprintf(w, "%d waiting, next: back to list\n", q.Total)
	}
}

func sweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Expire abandoned pending completions once",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			logger := newLogger(cfg.Env, os.Stderr)
			ctx := context.Background()
			a, err := buildApp(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer a.Close()

			expired, err := a.sweeper().RunOnce(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Expired %d pending completion(s).\n", len(expired))
			return nil
		},
	}
}

func cacheCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Manage the shared reference-data cache",
	}

	invalidate := &cobra.Command{
		Use:   "invalidate",
		Short: "Drop cached doctors or the lab catalog after backend changes",
		RunE: func(cmd *cobra.Command, args []string) error {
			doctorIDs, _ := cmd.Flags().GetInt64Slice("doctor")
			catalog, _ := cmd.Flags().GetBool("lab-tests")
			if len(doctorIDs) == 0 && !catalog {
				return fmt.Errorf("nothing to invalidate: pass --doctor or --lab-tests")
			}

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cfg.StubBackend() || cfg.RedisURL == "" {
				return fmt.Errorf("BACKEND_URL and REDIS_URL are required to invalidate the shared cache")
			}
			ctx := context.Background()
			a, err := buildApp(ctx, cfg, zerolog.Nop())
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.cached.Invalidate(ctx, catalog, doctorIDs...); err != nil {
				return fmt.Errorf("invalidate cache: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Invalidated %d doctor(s), lab catalog: %t.\n", len(doctorIDs), catalog)
			return nil
		},
	}
	invalidate.Flags().Int64Slice("doctor", nil, "Doctor ids to drop")
	invalidate.Flags().Bool("lab-tests", false, "Drop the cached lab catalog")
	cmd.AddCommand(invalidate)
	return cmd
}

package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"ecoshare/agreement"
	"ecoshare/auth"
	"ecoshare/catalog"
	"ecoshare/config"
	"ecoshare/db"
	"ecoshare/document"
	"ecoshare/lifecycle"
	"ecoshare/logger"
	"ecoshare/notify"
)

const (
	serviceName = "ecoshare"
	devSecret   = "ecoshare-development-secret"
)

// tokenService falls back to a fixed secret in development, where config
// validation lets JWT_SECRET be empty.
func tokenService(cfg *config.Config) *auth.Service {
	if cfg.JWTSecret == "" {
		return auth.NewService(devSecret)
	}
	return auth.NewService(cfg.JWTSecret)
}

// app is the wired dependency graph shared by the subcommands.
type app struct {
	cfg     *config.Config
	log     zerolog.Logger
	store   agreement.Store
	engine  *lifecycle.Engine
	pool    *pgxpool.Pool
	sqlite  *sql.DB
	sweeper *lifecycle.Sweeper
}

func (a *app) Close() {
	if a.pool != nil {
		a.pool.Close()
	}
	if a.sqlite != nil {
		if err := a.sqlite.Close(); err != nil {
			a.log.Warn().Err(err).Msg("close sqlite")
		}
	}
}

func loadApp(ctx context.Context) (*app, error) {
	cfg, err := config.New()
	if err != nil {
		return nil, err
	}
	return newApp(ctx, cfg)
}

func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	a := &app{cfg: cfg, log: logger.New(serviceName, cfg.LogLevel, cfg.LogPretty)}
	if err := a.openStore(ctx); err != nil {
		a.Close()
		return nil, err
	}

	var directory *catalog.Client
	if cfg.ListingsURL != "" || cfg.UsersURL != "" {
		c, err := catalog.New(catalog.Config{
			ListingsURL: cfg.ListingsURL,
			UsersURL:    cfg.UsersURL,
			Token:       cfg.ServiceToken,
			Timeout:     cfg.HTTPTimeout,
		})
		if err != nil {
			a.Close()
			return nil, err
		}
		directory = c
	}

	var notifier lifecycle.Notifier = notify.NewLogNotifier(a.log)
	if cfg.MailProvider == "plunk" {
		var users notify.Directory
		if directory != nil {
			users = directory
		}
		mailer, err := notify.NewPlunkMailer(notify.PlunkConfig{
			APIKey:  cfg.PlunkAPIKey,
			APIURL:  cfg.PlunkAPIURL,
			From:    cfg.MailFrom,
			ReplyTo: cfg.MailReplyTo,
			Timeout: cfg.HTTPTimeout,
		}, users, a.log)
		if err != nil {
			a.Close()
			return nil, err
		}
		notifier = mailer
	}

	format, err := document.ParseFormat(cfg.DocumentFormat)
	if err != nil {
		a.Close()
		return nil, err
	}

	a.engine = lifecycle.NewEngine(a.store, notifier, document.NewRenderer(format), a.log).
		WithDefaultExpiry(cfg.DefaultExpiry)
	if directory != nil && cfg.ListingsURL != "" {
		a.engine = a.engine.WithCatalog(directory)
	}
	a.sweeper = lifecycle.NewSweeper(a.engine, cfg.SweepBatch, cfg.SweepConcurrency)
	return a, nil
}

func (a *app) openStore(ctx context.Context) error {
	opts := []agreement.Option{agreement.WithMaxAttempts(a.cfg.MaxUpdateAttempts)}
	switch a.cfg.DBDriver {
	case "postgres":
		pool, err := db.NewPool(ctx, a.cfg.PostgresDSN)
		if err != nil {
			return fmt.Errorf("bootstrap database pool: %w", err)
		}
		a.pool = pool
		applied, err := db.Migrate(ctx, pool)
		if err != nil {
			return fmt.Errorf("apply migrations: %w", err)
		}
		if len(applied) > 0 {
			a.log.Info().Strs("migrations", applied).Msg("migrations applied")
		}
		a.store = agreement.NewPGStore(pool, opts...)
	case "sqlite":
		conn, err := db.OpenSQLite(ctx, a.cfg.SQLitePath)
		if err != nil {
			return err
		}
		a.sqlite = conn
		st, err := agreement.NewSQLiteStore(ctx, conn, opts...)
		if err != nil {
			return err
		}
		a.store = st
	case "memory":
		a.log.Warn().Msg("using in-memory store; agreements are lost on restart")
		a.store = agreement.NewMemoryStore(opts...)
	default:
		return fmt.Errorf("unsupported DB_DRIVER: %s", a.cfg.DBDriver)
	}
	return nil
}

func (a *app) sweepOnce(ctx context.Context) {
	n, err := a.sweeper.Run(ctx)
	if err != nil {
		a.log.Error().Err(err).Msg("expiry sweep failed")
		return
	}
	if n > 0 {
		a.log.Info().Int("cancelled", n).Msg("expiry sweep finished")
	}
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the periodic expiry sweep",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := loadApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()
			return a.serve(ctx)
		},
	}
}

func (a *app) serve(ctx context.Context) error {
	scheduler := cron.New()
	if a.cfg.SweepSchedule != "" {
		if _, err := scheduler.AddFunc(a.cfg.SweepSchedule, func() { a.sweepOnce(ctx) }); err != nil {
			return fmt.Errorf("schedule sweep: %w", err)
		}
		scheduler.Start()
		defer func() { <-scheduler.Stop().Done() }()
	}

	server := &Server{
		agreementService: a.engine,
		tokens:           tokenService(a.cfg),
		health:           a.store,
		log:              &a.log,
	}
	httpServer := &http.Server{
		Addr:              a.cfg.GetHTTPAddr(),
		Handler:           server.routes(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		a.log.Info().Str("addr", httpServer.Addr).Msg("HTTP server starting")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		a.log.Info().Msg("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server forced to shutdown: %w", err)
		}
		a.log.Info().Msg("server exited")
		return nil
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	}
}

func newSweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Cancel agreements whose signing deadline has passed, once",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := loadApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			n, err := a.sweeper.Run(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "cancelled %d expired agreement(s)\n", n)
			return nil
		},
	}
}

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending PostgreSQL migrations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.New()
			if err != nil {
				return err
			}
			if cfg.DBDriver != "postgres" {
				return fmt.Errorf("migrate requires DB_DRIVER=postgres, got %s", cfg.DBDriver)
			}
			pool, err := db.NewPool(cmd.Context(), cfg.PostgresDSN)
			if err != nil {
				return err
			}
			defer pool.Close()

			applied, err := db.Migrate(cmd.Context(), pool)
			if err != nil {
				return err
			}
			if len(applied) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "schema up to date")
				return nil
			}
			for _, name := range applied {
				fmt.Fprintf(cmd.OutOrStdout(), "applied %s\n", name)
			}
			return nil
		},
	}
}

func newTokenCmd() *cobra.Command {
	var (
		userID string
		ttl    time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a bearer token for a user (development)",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.New()
			if err != nil {
				return err
			}
			token, err := tokenService(cfg).IssueToken(userID, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVarP(&userID, "user", "u", "", "User ID (required)")
	cmd.Flags().DurationVar(&ttl, "ttl", auth.DefaultTTL, "Token lifetime")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/nmcds/nmcds/internal/config"
	"github.com/nmcds/nmcds/internal/domain/dose"
	"github.com/nmcds/nmcds/internal/domain/medorder"
	"github.com/nmcds/nmcds/internal/domain/recommend"
	"github.com/nmcds/nmcds/internal/domain/rules"
	"github.com/nmcds/nmcds/internal/domain/weight"
	"github.com/nmcds/nmcds/internal/platform/auth"
	"github.com/nmcds/nmcds/internal/platform/db"
	"github.com/nmcds/nmcds/internal/platform/fhir"
	"github.com/nmcds/nmcds/internal/platform/middleware"
	"github.com/nmcds/nmcds/internal/platform/session"
	"github.com/nmcds/nmcds/internal/platform/telemetry"
	"github.com/nmcds/nmcds/migrations"
)

const version = "0.1.0"

func main() {
	rootCmd := &cobra.Command{
		Use:   "nmcds-server",
		Short: "Pediatric nuclear medicine dose recommendation service",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(rulesCmd())
	rootCmd.AddCommand(recommendCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the dose recommendation server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func newLogger(cfg *config.Config) zerolog.Logger {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	if cfg.IsDev() {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	return logger.Level(level)
}

func rulesSource(cfg *config.Config) rules.SourceOptions {
	return rules.SourceOptions{
		S3Region:    cfg.RulesS3Region,
		S3Endpoint:  cfg.RulesS3Endpoint,
		S3PathStyle: cfg.RulesS3PathStyle,
	}
}

// sessionBackend is the configured session store plus what the server needs
// to keep it healthy.
type sessionBackend struct {
	store   session.Store
	pinger  db.Pinger
	cleanup func(ctx context.Context) (int64, error)
	close   func()
}

func openSessions(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*sessionBackend, error) {
	switch cfg.SessionStore {
	case "postgres":
		pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
		if err != nil {
			return nil, err
		}
		count, err := db.NewMigrator(pool, migrations.FS, "").Up(ctx)
		if err != nil {
			pool.Close()
			return nil, fmt.Errorf("migrate session schema: %w", err)
		}
		logger.Info().Int("applied", count).Msg("session schema ready")
		store := session.NewPGStore(pool, cfg.SessionTTL)
		return &sessionBackend{
			store:  store,
			pinger: pool,
			cleanup: func(ctx context.Context) (int64, error) {
				return 0, store.Cleanup(ctx)
			},
			close: pool.Close,
		}, nil
	case "sqlite":
		store, err := session.OpenSQLite(ctx, cfg.SQLitePath, cfg.SessionTTL)
		if err != nil {
			return nil, err
		}
		return &sessionBackend{
			store:   store,
			pinger:  store,
			cleanup: store.Cleanup,
			close:   func() { _ = store.Close() },
		}, nil
	default:
		store := session.NewMemoryStore(cfg.SessionTTL)
		return &sessionBackend{
			store:  store,
			pinger: store,
			cleanup: func(context.Context) (int64, error) {
				return int64(store.Cleanup()), nil
			},
			close: func() {},
		}, nil
	}
}

func runServer() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := newLogger(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Rules
	repo, err := rules.Load(ctx, cfg.RulesPath, rulesSource(cfg), rules.Options{Strict: cfg.RulesStrict, Logger: logger})
	if err != nil {
		logger.Error().Err(err).Str("path", cfg.RulesPath).Msg("failed to load rules")
		return err
	}
	logger.Info().Str("rules_version", repo.Version()).Int("studies", len(repo.Keys())).Msg("rules loaded")

	// Sessions
	sessions, err := openSessions(ctx, cfg, logger)
	if err != nil {
		logger.Error().Err(err).Str("backend", cfg.SessionStore).Msg("failed to open session store")
		return err
	}
	defer sessions.close()
	go sweepSessions(ctx, sessions, logger)

	// Engine
	metrics := telemetry.New()
	client := fhir.NewClient(cfg.FHIRBase,
		fhir.WithTimeout(cfg.FHIRTimeout()),
		fhir.WithMaxPages(cfg.FHIRMaxPages),
		fhir.WithObserver(metrics),
		fhir.WithLogger(logger),
	)
	resolver := weight.NewResolver(cfg.FHIRPageSize, logger, weight.WithObserver(metrics))
	policy := dose.Policy{LookbackDays: cfg.WeightLookbackDays, Blocking: cfg.WeightStaleAsMissing}
	workflow := recommend.NewWorkflow(recommend.Deps{
		Rules:       repo,
		Resolver:    resolver,
		Policy:      policy,
		Calculator:  dose.NewCalculator(metrics),
		Dial:        client.Dial,
		DefaultBase: cfg.FHIRBase,
		Observer:    metrics,
		Logger:      logger,
	})

	// Echo server
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Global middleware
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.SecurityHeaders(cfg.IsProduction()))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins:     cfg.CORSOrigins,
		AllowMethods:     []string{http.MethodGet, http.MethodPost},
		AllowHeaders:     []string{"Authorization", "Content-Type", "X-Request-ID"},
		AllowCredentials: true,
	}))
	if cfg.MetricsEnabled {
		e.Use(metrics.Middleware())
		e.GET("/metrics", metrics.Handler())
	}
	e.Use(middleware.RequestTimeout(cfg.RequestTimeout))
	e.Use(session.Middleware(sessions.store, logger))

	// Health check
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":        "ok",
			"version":       version,
			"rules_version": repo.Version(),
		})
	})
	e.GET("/health/sessions", db.HealthHandler(cfg.SessionStore, sessions.pinger))

	// SMART launch
	smart := auth.NewSMARTClient(cfg.ClientID, cfg.RedirectURI, cfg.SMARTScope, cfg.FHIRTimeout())
	auth.NewHandler(smart, sessions.store, cfg.FHIRBase, cfg.IsProduction(), logger).RegisterRoutes(e)

	// Weights
	writer := weight.NewWriter(resolver, sessions.store, cfg.WeightSettleDelay, logger)
	weight.NewHandler(resolver, writer, client.Dial, cfg.FHIRBase, logger).RegisterRoutes(e)

	// Recommendations and CDS Hooks
	recommendHandler := recommend.NewHandler(workflow)
	recommendHandler.RegisterRoutes(e)
	hooks := fhir.NewCDSHooksHandler()
	recommendHandler.RegisterHook(hooks)
	hooks.RegisterRoutes(e)

	// Dose orders
	medorder.NewHandler(medorder.NewDrafter(logger), client.Dial, cfg.FHIRBase).RegisterRoutes(e)

	// Graceful shutdown
	errCh := make(chan error, 1)
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Str("fhir_base", cfg.FHIRBase).Msg("starting server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		logger.Error().Err(err).Msg("server error")
		return err
	case <-ctx.Done():
	}

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server shutdown failed")
		return err
	}
	logger.Info().Msg("server stopped")
	return nil
}

// sweepSessions drops expired sessions every ten minutes until ctx ends.
func sweepSessions(ctx context.Context, b *sessionBackend, logger zerolog.Logger) {
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := b.cleanup(ctx)
			if err != nil {
				logger.Warn().Err(err).Msg("session cleanup failed")
				continue
			}
			if n > 0 {
				logger.Debug().Int64("removed", n).Msg("expired sessions removed")
			}
		}
	}
}

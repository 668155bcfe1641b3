package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/ehr/livepanels/internal/config"
	"github.com/ehr/livepanels/internal/domain/encounter"
	"github.com/ehr/livepanels/internal/domain/fact"
	"github.com/ehr/livepanels/internal/domain/panel"
	"github.com/ehr/livepanels/internal/domain/rules"
	"github.com/ehr/livepanels/internal/platform/auth"
	"github.com/ehr/livepanels/internal/platform/db"
	"github.com/ehr/livepanels/internal/platform/middleware"
	"github.com/ehr/livepanels/internal/platform/websocket"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "panels-server",
		Short:        "Live clinical panels from streamed encounter facts",
		SilenceUsage: true,
	}

	root.AddCommand(serveCmd())
	root.AddCommand(rulesCmd())
	root.AddCommand(migrateCmd())
	root.AddCommand(replayCmd())
	return root
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the panels API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServer(ctx, cfg, newLogger(cfg))
		},
	}
}

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

// newLogger writes JSON to stdout, or console output in development.
func newLogger(cfg *config.Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil || cfg.LogLevel == "" {
		level = zerolog.InfoLevel
	}

	logger := zerolog.New(os.Stdout)
	if cfg.IsDev() {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339})
	}
	return logger.Level(level).With().Timestamp().Str("service", "panels-server").Logger()
}

func engineOptions(cfg *config.Config) rules.Options {
	opts := rules.DefaultOptions()
	opts.MaxHypotheses = cfg.MaxHypotheses
	opts.MaxGaps = cfg.MaxGaps
	opts.MaxManagement = cfg.MaxManagement
	opts.GapConfidenceFloor = cfg.GapConfidenceFloor
	opts.ManagementThreshold = cfg.ManagementThreshold
	return opts
}

func dispatcherOptions(cfg *config.Config) encounter.Options {
	return encounter.Options{
		QueueSize:  cfg.EncounterQueueSize,
		AutoStart:  cfg.EncounterAutoStart,
		EndedLimit: cfg.EncounterEndedLimit,
	}
}

func ruleLoadOptions(cfg *config.Config, pool *pgxpool.Pool) rules.LoadOptions {
	opts := rules.LoadOptions{Source: rules.Source(cfg.RulesSource), File: cfg.RulesFile}
	if pool != nil {
		opts.Repo = rules.NewRuleRepoPG(pool)
	}
	return opts
}

// buildDispatcher wires the normalizer, rule engine and panel manager behind
// one dispatcher.
func buildDispatcher(ctx context.Context, cfg *config.Config, pool *pgxpool.Pool, logger zerolog.Logger, panelOpts ...panel.Option) (*encounter.Dispatcher, error) {
	vocab, err := fact.DefaultVocabulary()
	if err != nil {
		return nil, fmt.Errorf("load vocabulary: %w", err)
	}

	table, diags, err := rules.Load(ctx, ruleLoadOptions(cfg, pool), logger.With().Str("component", "rules").Logger())
	if err != nil {
		return nil, fmt.Errorf("load rules: %w", err)
	}
	if len(diags) > 0 {
		logger.Warn().Int("rejected", len(diags)).Msg("some rules were rejected; run `rules validate` for details")
	}

	engine := rules.NewEngine(table, engineOptions(cfg))
	panels := panel.NewManager(engine, logger.With().Str("component", "panels").Logger(), panelOpts...)
	return encounter.NewDispatcher(fact.NewNormalizer(vocab), panels,
		logger.With().Str("component", "dispatcher").Logger(), dispatcherOptions(cfg)), nil
}

func runServer(ctx context.Context, cfg *config.Config, logger zerolog.Logger) error {
	var pool *pgxpool.Pool
	if cfg.RulesSource == string(rules.SourcePostgres) {
		p, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
		if err != nil {
			return fmt.Errorf("connect to rule database: %w", err)
		}
		defer p.Close()
		pool = p
		logger.Info().Msg("connected to rule database")
	}

	dispatcher, err := buildDispatcher(ctx, cfg, pool, logger)
	if err != nil {
		return err
	}

	e := newServer(cfg, logger, dispatcher, pool)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Str("rules", cfg.RulesSource).Msg("starting panels server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("shutting down server")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		// Ending the encounters first closes the panel streams.
		if err := dispatcher.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("encounter shutdown failed")
		}
		return e.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info().Msg("server stopped")
	return nil
}

// newServer builds the echo instance with middleware and every route.
func newServer(cfg *config.Config, logger zerolog.Logger, dispatcher *encounter.Dispatcher, pool *pgxpool.Pool) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.BodyLimit("256K"))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", middleware.RequestIDHeader},
	}))

	if cfg.AuthEnabled() {
		e.Use(auth.JWTMiddleware(auth.JWTConfig{
			Issuer:     cfg.AuthIssuer,
			Audience:   cfg.AuthAudience,
			SigningKey: []byte(cfg.AuthSigningKey),
			Skipper:    auth.AuthSkipper,
		}))
	} else {
		logger.Warn().Msg("AUTH_SIGNING_KEY not set: requests are accepted without a token")
		e.Use(auth.DevAuthMiddleware())
	}

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]interface{}{
			"status":     "ok",
			"encounters": len(dispatcher.Encounters()),
		})
	})
	if pool != nil {
		e.GET("/health/db", db.HealthHandler(pool))
	}

	encounter.NewHandler(dispatcher).RegisterRoutes(e.Group("/api/v1"))

	streams := e.Group("", auth.RequireRole("physician", "nurse", "scribe"))
	wsLogger := logger.With().Str("component", "websocket").Logger()
	websocket.NewHandler(websocket.NewHub(wsLogger), dispatcher, wsLogger, cfg.CORSOrigins).RegisterRoutes(streams)

	return e
}

package main

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/SRE-ARCHITECT/linktracker/internal/db"
	"github.com/SRE-ARCHITECT/linktracker/internal/geo"
	"github.com/SRE-ARCHITECT/linktracker/internal/handler"
	"github.com/SRE-ARCHITECT/linktracker/internal/repo"
)

var (
	version   = "dev"
	buildTime = "unknown"
)

type Config struct {
	Host        string
	Port        string
	DBPath      string
	GeoAPIURL   string
	GeoTimeout  time.Duration
	GeoCacheTTL time.Duration
	LogLevel    string
	Debug       bool
}

func newConfigFromEnv() (Config, error) {
	cfg := Config{
		Host:      cmp.Or(os.Getenv("HOST"), "localhost"),
		Port:      cmp.Or(os.Getenv("PORT"), "8080"),
		DBPath:    cmp.Or(os.Getenv("DB_PATH"), "linktracker.db"),
		GeoAPIURL: cmp.Or(os.Getenv("GEO_API_URL"), "https://ipapi.co"),
		LogLevel:  cmp.Or(os.Getenv("LOG_LEVEL"), "info"),
		Debug:     os.Getenv("DEBUG") == "1",
	}

	// Malformed configuration fails startup rather than producing components
	// that silently misbehave later.
	var err error
	cfg.GeoTimeout, err = time.ParseDuration(cmp.Or(os.Getenv("GEO_TIMEOUT"), "2s"))
	if err != nil {
		return Config{}, fmt.Errorf("invalid GEO_TIMEOUT: %w", err)
	}
	cfg.GeoCacheTTL, err = time.ParseDuration(cmp.Or(os.Getenv("GEO_CACHE_TTL"), "24h"))
	if err != nil {
		return Config{}, fmt.Errorf("invalid GEO_CACHE_TTL: %w", err)
	}

	return cfg, nil
}

func main() {
	cfg, err := newConfigFromEnv()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to parse configuration from environment")
	}

	log.Info().
		Interface("config", cfg).
		Msg("current configuration")

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		log.Fatal().Err(err).Str("level", cfg.LogLevel).Msg("failed to parse log level")
	}
	zerolog.SetGlobalLevel(level)
	if cfg.Debug {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}

	ctx := context.Background()
	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg); err != nil {
		log.Fatal().Err(err).Msg("application error")
	}
}

func run(ctx context.Context, cfg Config) error {
	log.Info().
		Str("version", version).
		Str("build_time", buildTime).
		Msg("starting application")

	dbInstance, err := db.Open(ctx, db.DSN(cfg.DBPath))
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer dbInstance.Close()

	e := echo.New()
	defer e.Close()

	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = handler.ErrorHandler
	e.Validator = handler.NewRequestValidator()

	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogStatus: true,
		LogMethod: true,
		LogURI:    true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			log.Info().
				Str("method", v.Method).
				Str("uri", v.URI).
				Int("status", v.Status).
				Msg("request")
			return nil
		},
	}))
	e.Use(middleware.Recover())
	e.Use(middleware.CORSWithConfig(handler.CORSConfig()))

	linksRepo := repo.NewLinksRepo(dbInstance)
	clicksRepo := repo.NewClicksRepo(dbInstance)
	resolver := geo.NewResolver(geo.Config{
		BaseURL:  cfg.GeoAPIURL,
		Timeout:  cfg.GeoTimeout,
		CacheTTL: cfg.GeoCacheTTL,
	})

	api := e.Group("/api")

	trackHandler := handler.NewTrackHandler(linksRepo, clicksRepo, resolver)
	api.POST("/track", trackHandler.Track)

	linkHandler := handler.NewLinkHandler(linksRepo, clicksRepo, resolver)
	api.POST("/links", linkHandler.CreateLink)
	api.GET("/links", linkHandler.ListLinks)

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(200, map[string]string{"status": "ok"})
	})

	// Parameterized route (must be last)
	e.GET("/:code", linkHandler.Redirect)

	address := net.JoinHostPort(cfg.Host, cfg.Port)
	log.Info().Str("address", address).Msg("server starting")

	// Run server and handle graceful shutdown
	runServer(ctx, e, address)

	return nil
}

func runServer(ctx context.Context, e *echo.Echo, address string) {
	serverErr := make(chan error, 1)
	go func() {
		serverErr <- e.Start(address)
	}()

	// Wait for context cancellation (Ctrl+C or SIGTERM)
	<-ctx.Done()

	log.Info().Msg("shutdown signal received, gracefully shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := e.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("error during graceful shutdown")
	}

	if err := <-serverErr; err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Error().Err(err).Msg("server error")
	}

	log.Info().Msg("server stopped")
}

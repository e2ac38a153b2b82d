package main

import (
	"context"
	"log"

	"github.com/haatos/hookci/internal"
	"github.com/haatos/hookci/internal/handler"
	"github.com/haatos/hookci/internal/logging"
	"github.com/haatos/hookci/internal/service"
	"github.com/haatos/hookci/internal/settings"
	"github.com/haatos/hookci/internal/store"
	"github.com/haatos/hookci/internal/telemetry"
	"github.com/haatos/hookci/internal/webhook"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"
)

func main() {
	if err := settings.ReadDotenv(internal.DotEnvPath); err != nil {
		log.Fatalf("err reading %s: %+v", internal.DotEnvPath, err)
	}
	settings.Settings = settings.NewSettings()
	logger := logging.New(settings.Settings.LogLevel, settings.Settings.LogFormat)
	defer func() { _ = logger.Sync() }()

	if err := internal.InitializeConfiguration(settings.Settings.ConfigPath); err != nil {
		logger.Fatalw("err loading configuration", "path", settings.Settings.ConfigPath, "err", err)
	}
	cfg := internal.Config

	shutdownTracer, err := telemetry.InitTracer("hookci-webhook", cfg.Tracing.Enabled, logger)
	if err != nil {
		logger.Fatalw("err initializing tracer", "err", err)
	}
	defer func() { _ = shutdownTracer(context.Background()) }()

	rdb, err := store.InitDatabase(true)
	if err != nil {
		logger.Fatalw("err opening database", "err", err)
	}
	defer rdb.Close()
	rwdb, err := store.InitDatabase(false)
	if err != nil {
		logger.Fatalw("err opening database", "err", err)
	}
	defer rwdb.Close()
	driver, _ := settings.Settings.DataSource(false)
	if err := store.RunMigrations(rwdb, driver); err != nil {
		logger.Fatalw("err running migrations", "err", err)
	}

	specStore, err := store.NewSpecFileStore(cfg.Workdir)
	if err != nil {
		logger.Fatalw("err preparing spec directory", "workdir", cfg.Workdir, "err", err)
	}
	jobStore := store.NewJobSQLStore(rdb, rwdb)
	uuidGen := service.NewUUIDGen()

	generator := service.NewSpecGenerator(
		store.NewPolicySQLStore(rdb, rwdb),
		jobStore,
		specStore,
		uuidGen,
		cfg,
		logger.Named("generator"),
	)
	apiKeySvc := service.NewAPIKeyService(store.NewAPIKeySQLStore(rdb, rwdb), uuidGen)
	normalizer, err := webhook.NewNormalizer(
		settings.Settings.TriggerID,
		cfg.AllowedCIDRs,
		webhook.NewGitHubParser(settings.Settings.GitHubSecret),
		webhook.NewBitbucketParser(settings.Settings.BitbucketSecret),
	)
	if err != nil {
		logger.Fatalw("err parsing allowed_cidrs", "err", err)
	}

	e := setupEcho(cfg, logger)
	e.GET("/healthz", handler.GetHealth(rwdb))
	handler.SetupWebhookRoutes(e, handler.NewWebhookHandler(normalizer, generator, logger.Named("webhook")))
	handler.SetupJobRoutes(e, handler.NewJobHandler(jobStore, generator), apiKeySvc)

	logger.Infow("listening", "port", settings.Settings.Port, "standalone", cfg.StandaloneMode())
	if err := internal.GracefulShutdown(e, settings.Settings.Port); err != nil {
		logger.Fatalw("server stopped", "err", err)
	}
}

func setupEcho(cfg *internal.Configuration, logger *zap.SugaredLogger) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = handler.NewErrorHandler(logger)
	e.Use(
		middleware.Recover(),
		handler.Tracing("hookci-webhook"),
		handler.RequestLogger(logger.Named("http")),
	)
	if cfg.RateLimit > 0 {
		e.Use(middleware.RateLimiterWithConfig(internal.GetRateLimiterConfig(cfg.RateLimit)))
	}
	return e
}

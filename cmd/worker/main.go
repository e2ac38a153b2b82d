package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/haatos/hookci/internal"
	"github.com/haatos/hookci/internal/logging"
	"github.com/haatos/hookci/internal/logstore"
	"github.com/haatos/hookci/internal/report"
	"github.com/haatos/hookci/internal/sandbox"
	"github.com/haatos/hookci/internal/service"
	"github.com/haatos/hookci/internal/settings"
	"github.com/haatos/hookci/internal/store"
	"github.com/haatos/hookci/internal/telemetry"
	"github.com/haatos/hookci/internal/types"

	"go.uber.org/zap"
)

func main() {
	if err := settings.ReadDotenv(internal.DotEnvPath); err != nil {
		log.Fatalf("err reading %s: %+v", internal.DotEnvPath, err)
	}
	settings.Settings = settings.NewSettings()
	logger := logging.New(settings.Settings.LogLevel, settings.Settings.LogFormat)
	os.Exit(run(logger))
}

func run(logger *zap.SugaredLogger) int {
	defer func() { _ = logger.Sync() }()

	if err := internal.InitializeConfiguration(settings.Settings.ConfigPath); err != nil {
		logger.Errorw("err loading configuration", "path", settings.Settings.ConfigPath, "err", err)
		return 1
	}
	cfg := internal.Config

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracer, err := telemetry.InitTracer("hookci-worker", cfg.Tracing.Enabled, logger)
	if err != nil {
		logger.Errorw("err initializing tracer", "err", err)
		return 1
	}
	defer func() { _ = shutdownTracer(context.Background()) }()

	rdb, err := store.InitDatabase(true)
	if err != nil {
		logger.Errorw("err opening database", "err", err)
		return 1
	}
	defer rdb.Close()
	rwdb, err := store.InitDatabase(false)
	if err != nil {
		logger.Errorw("err opening database", "err", err)
		return 1
	}
	defer rwdb.Close()
	driver, _ := settings.Settings.DataSource(false)
	if err := store.RunMigrations(rwdb, driver); err != nil {
		logger.Errorw("err running migrations", "err", err)
		return 1
	}

	jobStore := store.NewJobSQLStore(rdb, rwdb)
	specStore, err := store.NewSpecFileStore(cfg.Workdir)
	if err != nil {
		logger.Errorw("err preparing spec directory", "workdir", cfg.Workdir, "err", err)
		return 1
	}

	runtime, closeRuntime, err := newRuntime(cfg)
	if err != nil {
		logger.Errorw("err starting sandbox runtime", "runtime", cfg.Sandbox.Runtime, "err", err)
		return 1
	}
	defer closeRuntime()
	if err := pruneSandboxes(ctx, runtime, jobStore); err != nil {
		logger.Warnw("err pruning leftover sandboxes", "err", err)
	}

	logs, err := newLogStore(ctx, cfg)
	if err != nil {
		logger.Errorw("err preparing log store", "err", err)
		return 1
	}

	engine := service.NewEngine(
		jobStore,
		runtime,
		logs,
		cfg,
		service.NewUUIDGen(),
		logger.Named("engine"),
	)
	reporter := report.NewReporter(cfg, logger.Named("reporter"))
	pool := service.NewWorkerPool(
		engine,
		reporter,
		specStore,
		jobStore,
		cfg.WorkerCount,
		cfg.QueueSize,
		logger.Named("pool"),
	)
	pool.Start()

	scheduler, err := service.NewScheduler()
	if err != nil {
		logger.Errorw("err creating scheduler", "err", err)
		pool.Shutdown()
		return 1
	}
	if err := service.SchedulePolling(scheduler, pool, cfg.PollInterval, logger); err != nil {
		logger.Errorw("err scheduling queue polling", "err", err)
		pool.Shutdown()
		return 1
	}
	sweeper := service.NewSweeper(jobStore, reporter, cfg.StaleAfter, logger.Named("sweeper"))
	if err := service.ScheduleSweep(scheduler, sweeper, cfg.SweepInterval); err != nil {
		logger.Errorw("err scheduling sweeper", "err", err)
		pool.Shutdown()
		return 1
	}
	scheduler.Start()

	logger.Infow("worker started",
		"workers", cfg.WorkerCount,
		"runtime", cfg.Sandbox.Runtime,
		"workdir", cfg.Workdir,
		"standalone", cfg.StandaloneMode(),
	)

	code := 0
	select {
	case <-ctx.Done():
		logger.Info("shutting down, waiting for running jobs")
	case <-pool.Halted():
		logger.Errorw("worker pool halted", "err", pool.Err())
		code = 1
	}

	if err := scheduler.Shutdown(); err != nil {
		logger.Warnw("err stopping scheduler", "err", err)
	}
	pool.Shutdown()
	return code
}

func newRuntime(cfg *internal.Configuration) (sandbox.Runtime, func(), error) {
	if cfg.Sandbox.Runtime != "ssh" {
		return sandbox.NewLocalRuntime(cfg.Workdir, cfg.Sandbox.KeepImages), func() {}, nil
	}
	ssh := cfg.Sandbox.SSH
	r, err := sandbox.NewSSHRuntime(ssh.Host, ssh.User, ssh.PrivateKeyPath, ssh.Workspace, cfg.Sandbox.KeepImages)
	if err != nil {
		return nil, nil, err
	}
	return r, func() { _ = r.Close() }, nil
}

func newLogStore(ctx context.Context, cfg *internal.Configuration) (logstore.LogStore, error) {
	local := logstore.NewLocalStore(cfg.Workdir)
	if !cfg.ObjectStore.Enabled() {
		return local, nil
	}
	return logstore.NewMinIOStore(ctx, local, cfg.ObjectStore)
}

// pruneSandboxes removes sandboxes left by a previous process, sparing jobs
// that are still marked running.
func pruneSandboxes(ctx context.Context, runtime sandbox.Runtime, jobs *store.JobSQLStore) error {
	running, err := jobs.ListJobsByState(ctx, types.JobRunning)
	if err != nil {
		return err
	}
	keep := make(map[string]struct{}, len(running))
	for _, j := range running {
		keep[j.JobID] = struct{}{}
	}
	return runtime.Prune(ctx, func(jobID string) bool {
		_, ok := keep[jobID]
		return ok
	})
}

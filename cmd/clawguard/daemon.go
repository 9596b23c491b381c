package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/clawinfra/clawguard/internal/audit"
	"github.com/clawinfra/clawguard/internal/config"
	"github.com/clawinfra/clawguard/internal/fsutil"
	"github.com/clawinfra/clawguard/internal/gateway"
	"github.com/clawinfra/clawguard/internal/health"
	"github.com/clawinfra/clawguard/internal/netguard"
	"github.com/clawinfra/clawguard/internal/pairing"
	"github.com/clawinfra/clawguard/internal/scheduler"
	"github.com/clawinfra/clawguard/internal/secrets"
	"github.com/clawinfra/clawguard/internal/security"
	"github.com/clawinfra/clawguard/internal/tools"
)

const (
	configPollInterval = 5 * time.Second
	limiterSweepEvery  = 10 * time.Minute
	keyCheckEvery      = time.Hour
	keyLockWait        = 10 * time.Second
)

// App holds all the runtime components
type App struct {
	Config    *config.Config
	Logger    *slog.Logger
	level     *slog.LevelVar
	Secrets   *secrets.Store
	Recorder  *audit.Recorder
	Store     *audit.Store // nil when the audit store is off
	Hub       *audit.Hub
	Health    *health.Registry
	Policy    *security.Policy
	Guard     *netguard.Guard
	Tools     *tools.Registry
	Pairing   *pairing.Service
	Agent     *agent
	Gateway   *gateway.Server
	Scheduler *scheduler.Scheduler

	lock    *fsutil.LockFile
	watcher *config.Watcher
	logFile *lumberjack.Logger
}

func runDaemon(configPath string, stdout, stderr io.Writer) int {
	app, err := setup(configPath, stdout)
	if err != nil {
		fmt.Fprintf(stderr, "Setup failed: %v\n", err)
		return 1
	}
	defer app.Close()

	printBanner(stdout, app)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := app.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		app.Logger.Error("daemon stopped with error", "error", err)
		return 1
	}
	app.Logger.Info("clawguard stopped")
	return 0
}

// loadConfig opens the key store and loads the config through it. The
// config is read once without a sealer to locate the data directory and
// key file. Key creation and config sealing run under <key>.lock so that
// concurrent processes never seal with different keys.
func loadConfig(path string, logger *slog.Logger, events audit.Emitter) (*config.Config, *secrets.Store, error) {
	boot, err := config.Load(path, nil, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	if err := fsutil.EnsureSecretDir(boot.Server.DataDir); err != nil {
		return nil, nil, fmt.Errorf("data dir: %w", err)
	}
	keyPath := boot.KeyPath()
	if err := os.MkdirAll(filepath.Dir(keyPath), fsutil.PermSecretDir); err != nil {
		return nil, nil, fmt.Errorf("key dir: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), keyLockWait)
	defer cancel()
	lock, err := fsutil.WaitLock(ctx, keyPath+".lock")
	if err != nil {
		return nil, nil, fmt.Errorf("key lock: %w", err)
	}
	defer lock.Release()

	var protector secrets.KeyProtector
	if !boot.Secrets.ProtectKey {
		protector = secrets.Passthrough{}
	}
	store, err := secrets.Open(secrets.Options{
		KeyPath:      keyPath,
		Protector:    protector,
		RejectLegacy: boot.Secrets.RejectLegacy,
		Logger:       logger,
		Events:       events,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("open secret store: %w", err)
	}

	cfg, err := config.Load(path, store, logger)
	if err != nil {
		store.Close()
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, store, nil
}

// setup initializes all application components
func setup(configPath string, stdout io.Writer) (*App, error) {
	app := &App{level: new(slog.LevelVar)}
	app.Logger = newLogger(stdout, "text", app.level, nil)
	app.Logger.Info("starting clawguard", "version", version, "config", configPath)

	// Sinks are attached in build; events emitted before then reach no sink.
	app.Recorder = audit.NewRecorder(app.Logger)

	cfg, store, err := loadConfig(configPath, app.Logger, app.Recorder)
	if err != nil {
		return nil, err
	}
	app.Config, app.Secrets = cfg, store
	app.level.Set(parseLogLevel(cfg.LogLevel()))
	var file io.Writer
	if cfg.Server.LogFile != "" {
		app.logFile = newLogFile(cfg.ResolvePath(cfg.Server.LogFile))
		file = app.logFile
	}
	app.Logger = newLogger(stdout, cfg.Server.LogFormat, app.level, file)

	if err := app.build(); err != nil {
		app.Close()
		return nil, err
	}
	return app, nil
}

func (a *App) build() error {
	cfg, logger := a.Config, a.Logger

	lock, err := fsutil.AcquireLock(cfg.LockPath())
	if err != nil {
		return fmt.Errorf("daemon lock: %w", err)
	}
	a.lock = lock

	a.Health = health.NewRegistry(os.Getpid(), logger)
	a.Recorder.AddSink(audit.NewLogSink(logger))
	if err := a.setupAudit(); err != nil {
		return err
	}

	a.Policy, err = newPolicy(cfg, a.Recorder, logger)
	if err != nil {
		return err
	}
	logger.Info("security policy loaded", "autonomy", a.Policy.Level(), "workspace", a.Policy.Workspace())

	a.Guard, err = netguard.New(cfg.Outbound, netguard.WithEmitter(a.Recorder), netguard.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("outbound guard: %w", err)
	}

	a.Tools = tools.NewRegistry(logger, tools.Builtins(a.Policy)...)
	a.Agent = newAgent(cfg, a.Secrets, a.Guard, a.Tools, logger)

	a.Pairing, err = pairing.New(
		pairing.Config{RequirePairing: cfg.Gateway.RequirePairing},
		a.Secrets, cfg, cfg.PairedTokens(),
		pairing.WithEmitter(a.Recorder),
		pairing.WithLogger(logger),
	)
	if err != nil {
		return fmt.Errorf("pairing: %w", err)
	}

	ticketSecret, err := config.Open(a.Secrets, cfg.Gateway.TicketSecret)
	if err != nil {
		return fmt.Errorf("ticket secret: %w", err)
	}
	deps := gateway.Deps{
		Pairing: a.Pairing,
		Handler: a.Agent,
		Hub:     a.Hub,
		Health:  a.Health,
		Logger:  logger,
	}
	if a.Store != nil {
		deps.Events = a.Store
	}
	a.Gateway, err = gateway.New(gateway.Config{
		Host:            cfg.Gateway.Host,
		Port:            cfg.Gateway.Port,
		AllowPublicBind: cfg.Gateway.AllowPublicBind,
		TicketSecret:    []byte(ticketSecret),
	}, deps)
	if err != nil {
		return err
	}

	a.Scheduler = scheduler.NewScheduler(a.Health, logger)
	jobs := []*scheduler.Job{
		scheduler.SweepLimiterJob(limiterSweepEvery, a.Policy.Limiter(), logger),
		scheduler.KeyFileCheckJob(keyCheckEvery, a.Secrets),
	}
	if a.Store != nil {
		jobs = append(jobs, scheduler.PruneAuditJob(cfg.Audit.PruneSchedule, a.Store, cfg.Retention, logger))
	}
	for _, j := range jobs {
		if err := a.Scheduler.AddJob(j); err != nil {
			return fmt.Errorf("schedule %s: %w", j.ID, err)
		}
	}

	a.watcher = config.NewWatcher(cfg.Path(), configPollInterval, logger, a.reload)
	return nil
}

// newPolicy builds the security policy rooted at the configured workspace,
// creating the workspace on first use.
func newPolicy(cfg *config.Config, events audit.Emitter, logger *slog.Logger) (*security.Policy, error) {
	secCfg := cfg.Security
	secCfg.Sandbox.WorkspacePath = cfg.WorkspacePath()
	if err := os.MkdirAll(secCfg.Sandbox.WorkspacePath, fsutil.PermSecretDir); err != nil {
		return nil, fmt.Errorf("create workspace: %w", err)
	}
	p, err := security.NewPolicy(secCfg, security.WithEmitter(events), security.WithLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("security policy: %w", err)
	}
	return p, nil
}

func (a *App) setupAudit() error {
	cfg, logger := a.Config, a.Logger

	if path := cfg.AuditDBPath(); path != "" {
		store, err := audit.OpenStore(path)
		if err != nil {
			return fmt.Errorf("audit store: %w", err)
		}
		a.Store = store
		a.Recorder.AddSink(store)
		a.Health.MarkOK("audit-store")
	}

	a.Hub = audit.NewHub(64, logger)
	a.Recorder.AddSink(a.Hub)

	if m := cfg.Audit.MQTT; m.Enabled {
		password, err := config.Open(a.Secrets, m.Password)
		if err != nil {
			return fmt.Errorf("audit mqtt password: %w", err)
		}
		topic := m.Topic
		if topic == "" {
			topic = "clawguard/security"
		}
		sink := audit.NewMQTTSink(audit.MQTTConfig{
			Broker:   m.Broker,
			Port:     m.Port,
			ClientID: fmt.Sprintf("clawguard-%d", os.Getpid()),
			Username: m.Username,
			Password: password,
			Topic:    topic,
		}, logger)
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := sink.Connect(ctx); err != nil {
			// Local sinks still record everything.
			logger.Warn("audit mqtt unavailable", "broker", m.Broker, "error", err)
			a.Health.MarkError("audit-mqtt", err)
		} else {
			a.Recorder.AddSink(sink)
			a.Health.MarkOK("audit-mqtt")
		}
	}
	return nil
}

// Run serves until ctx is cancelled or a component fails.
func (a *App) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.Gateway.Start(ctx) })
	g.Go(func() error { return a.Scheduler.Run(ctx) })
	g.Go(func() error { return a.Agent.Run(ctx) })
	g.Go(func() error { return a.watcher.Run(ctx) })
	g.Go(func() error { return a.reloadOnSignal(ctx) })
	return g.Wait()
}

// reload applies hot-reloadable config changes.
func (a *App) reload() {
	res, err := a.Config.Reload(a.Config.Path(), a.Secrets, a.Logger)
	if err != nil {
		a.Logger.Error("config reload failed", "error", err)
		return
	}
	res.LogResult(a.Logger)
	a.level.Set(parseLogLevel(a.Config.LogLevel()))
}

func (a *App) reloadOnSignal(ctx context.Context) error {
	sigs := reloadSignals()
	if len(sigs) == 0 {
		<-ctx.Done()
		return nil
	}
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, sigs...)
	defer signal.Stop(ch)
	for {
		select {
		case <-ctx.Done():
			return nil
		case sig := <-ch:
			a.Logger.Info("reload signal received", "signal", sig)
			a.reload()
		}
	}
}

// Close releases resources in reverse order of setup.
func (a *App) Close() {
	if a.Recorder != nil {
		if err := a.Recorder.Close(); err != nil {
			a.Logger.Warn("closing audit sinks", "error", err)
		}
	}
	if a.Secrets != nil {
		a.Secrets.Close()
	}
	if a.lock != nil {
		if err := a.lock.Release(); err != nil {
			a.Logger.Warn("releasing daemon lock", "error", err)
		}
	}
	if a.logFile != nil {
		_ = a.logFile.Close()
	}
}

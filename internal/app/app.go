// Package app assembles the service: config, logging, storage, platform
// adapters, the publish engine, the splitter, the HTTP API, and the
// maintenance cron.
package app

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"crosspost/internal/config"
	"crosspost/internal/contentmodel"
	"crosspost/internal/eventbus"
	"crosspost/internal/media"
	"crosspost/internal/platform"
	"crosspost/internal/platform/bluesky"
	"crosspost/internal/platform/mastodon"
	"crosspost/internal/platform/telegram"
	"crosspost/internal/publish"
	"crosspost/internal/server"
	"crosspost/internal/splitter"
	"crosspost/internal/store"
	logx "crosspost/pkg/logx"
)

type App struct {
	cfgm *config.ConfigManager

	logs *logx.Service
	log  logx.Logger
	bus  eventbus.Bus

	store   *store.Store
	factory *platform.Factory
	orch    *publish.Orchestrator
	disp    *publish.Dispatcher
	srv     *server.Server
	maint   *cron.Cron

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := config.Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	cfgm.SetValidator(func(_ context.Context, c *config.Config) error {
		return config.Validate(c)
	})

	logs, log := logx.New(logCfg(cfg))
	log = log.With(logx.String("comp", "app"))
	cfgm.SetLogger(log.With(logx.String("comp", "config")))

	busyTimeout, _ := config.ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout)
	st, err := store.Open(store.Config{
		Path:        cfg.Storage.Path,
		BusyTimeout: busyTimeout,
	}, log.With(logx.String("comp", "store")))
	if err != nil {
		logs.Close()
		return nil, fmt.Errorf("open store: %w", err)
	}

	bus := eventbus.New()

	factory := platform.NewFactory(factoryCfg(cfg), map[platform.ID]platform.Constructor{
		platform.Bluesky:  bluesky.New,
		platform.Mastodon: mastodon.New,
		platform.Telegram: telegram.New,
	}, log.With(logx.String("comp", "platform")))

	modelTimeout, _ := config.ParseDurationField("content_model.timeout", cfg.ContentModel.Timeout)
	model := contentmodel.New(contentmodel.Config{
		APIURL:  cfg.ContentModel.BaseURL,
		APIKey:  cfg.ContentModel.APIKey,
		Model:   cfg.ContentModel.Model,
		Timeout: modelTimeout,
	})
	split := splitter.New(model, log.With(logx.String("comp", "splitter")))

	orch := publish.NewOrchestrator(st, bus, log)
	disp := publish.NewDispatcher(st, factory, media.NewGate(), bus, dispatcherCfg(cfg), log)

	a := &App{
		cfgm:    cfgm,
		logs:    logs,
		log:     log,
		bus:     bus,
		store:   st,
		factory: factory,
		orch:    orch,
		disp:    disp,
	}

	if cfg.Server.Enabled {
		a.srv = server.New(serverCfg(cfg), st, orch, split, log)
	}
	if cfg.Maintenance.Enabled {
		if err := a.setupMaintenance(cfg); err != nil {
			_ = st.Close()
			logs.Close()
			return nil, err
		}
	}
	return a, nil
}

func (a *App) Start(ctx context.Context) error {
	ctx, a.cancel = context.WithCancel(ctx)

	a.disp.Start(ctx)
	if a.maint != nil {
		a.maint.Start()
	}
	if a.srv != nil {
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			if err := a.srv.Listen(); err != nil {
				a.log.Error("http server exited", logx.Err(err))
			}
		}()
	}

	// Diagnostics: follow the publish bus until shutdown.
	events, unsubscribe := a.bus.Subscribe(64)
	a.wg.Add(2)
	go func() {
		defer a.wg.Done()
		<-ctx.Done()
		unsubscribe()
	}()
	go func() {
		defer a.wg.Done()
		logPublishEvents(events, a.log.With(logx.String("comp", "publish")))
	}()

	// Hot reload: the watcher publishes validated configs; sections that
	// support live swap are applied, the rest log a restart hint.
	a.wg.Add(2)
	updates := a.cfgm.Subscribe(4)
	go func() {
		defer a.wg.Done()
		_ = a.cfgm.Watch(ctx)
	}()
	go func() {
		defer a.wg.Done()
		old := a.cfgm.Get()
		for {
			select {
			case <-ctx.Done():
				a.cfgm.Unsubscribe(updates)
				return
			case cfg, ok := <-updates:
				if !ok {
					return
				}
				a.applyConfig(old, cfg)
				old = cfg
			}
		}
	}()

	a.log.Info("started")
	return nil
}

func (a *App) Stop(ctx context.Context) error {
	if a.cancel != nil {
		a.cancel()
	}
	var firstErr error
	if a.srv != nil {
		if err := a.srv.Shutdown(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if a.maint != nil {
		<-a.maint.Stop().Done()
	}
	a.disp.Stop()
	a.wg.Wait()
	if err := a.store.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	a.log.Info("stopped")
	a.logs.Close()
	return firstErr
}

// applyConfig swaps the hot-swappable sections: logging sinks, platform
// factory knobs, and dispatcher retry policy. Storage and server changes
// need a restart and are only reported.
func (a *App) applyConfig(old, cfg *config.Config) {
	changed, attrs := config.SummarizeConfigChange(old, cfg)
	if len(changed) == 0 {
		return
	}
	a.log.Info("config changed", append(attrs, logx.String("sections", strings.Join(changed, ",")))...)

	for _, section := range changed {
		switch section {
		case "logging":
			a.logs.Apply(logCfg(cfg))
		case "platforms":
			a.factory.Apply(factoryCfg(cfg))
		case "dispatcher":
			a.disp.Apply(dispatcherCfg(cfg))
		case "content_model":
			a.log.Warn("content_model changes require a restart")
		case "storage", "server", "maintenance":
			a.log.Warn("section requires a restart", logx.String("section", section))
		}
	}
}

func (a *App) setupMaintenance(cfg *config.Config) error {
	loc := time.Local
	if tz := strings.TrimSpace(cfg.Maintenance.Timezone); tz != "" {
		l, err := time.LoadLocation(tz)
		if err != nil {
			return fmt.Errorf("maintenance.timezone: %w", err)
		}
		loc = l
	}
	retention, err := config.ParseDurationOrDefault("maintenance.prune_retention", cfg.Maintenance.PruneRetention, 7*24*time.Hour)
	if err != nil {
		return err
	}

	c := cron.New(cron.WithLocation(loc))
	log := a.log.With(logx.String("comp", "maintenance"))

	reapSpec := cfg.Maintenance.LeaseReapSpec
	if strings.TrimSpace(reapSpec) == "" {
		reapSpec = "* * * * *"
	}
	if _, err := c.AddFunc(reapSpec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if _, err := a.store.RequeueExpiredLeases(ctx); err != nil {
			log.Error("lease reap failed", logx.Err(err))
		}
	}); err != nil {
		return fmt.Errorf("maintenance.lease_reap_spec: %w", err)
	}

	pruneSpec := cfg.Maintenance.PruneSpec
	if strings.TrimSpace(pruneSpec) == "" {
		pruneSpec = "0 4 * * *"
	}
	if _, err := c.AddFunc(pruneSpec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		n, err := a.store.PruneFinishedUnits(ctx, retention)
		if err != nil {
			log.Error("queue prune failed", logx.Err(err))
			return
		}
		if n > 0 {
			log.Info("queue pruned", logx.Int("removed", n))
		}
	}); err != nil {
		return fmt.Errorf("maintenance.prune_spec: %w", err)
	}

	a.maint = c
	return nil
}

func logCfg(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func factoryCfg(cfg *config.Config) platform.FactoryConfig {
	timeout, _ := config.ParseDurationField("platforms.http_timeout", cfg.Platforms.HTTPTimeout)
	rates := make(map[platform.ID]platform.Rate, len(cfg.Platforms.Rates))
	for id, r := range cfg.Platforms.Rates {
		rates[platform.ID(id)] = platform.Rate{PerSecond: r.PerSecond, Burst: r.Burst}
	}
	return platform.FactoryConfig{HTTPTimeout: timeout, Rates: rates}
}

func dispatcherCfg(cfg *config.Config) publish.DispatcherConfig {
	poll, _ := config.ParseDurationField("dispatcher.poll_interval", cfg.Dispatcher.PollInterval)
	lease, _ := config.ParseDurationField("dispatcher.lease_for", cfg.Dispatcher.LeaseFor)
	base, _ := config.ParseDurationField("dispatcher.retry_base", cfg.Dispatcher.RetryBase)
	capd, _ := config.ParseDurationField("dispatcher.retry_cap", cfg.Dispatcher.RetryCap)
	return publish.DispatcherConfig{
		Workers:      cfg.Dispatcher.Workers,
		PollInterval: poll,
		LeaseFor:     lease,
		MaxAttempts:  cfg.Dispatcher.MaxAttempts,
		RetryBase:    base,
		RetryCap:     capd,
	}
}

func serverCfg(cfg *config.Config) server.Config {
	read, _ := config.ParseDurationField("server.read_timeout", cfg.Server.ReadTimeout)
	write, _ := config.ParseDurationField("server.write_timeout", cfg.Server.WriteTimeout)
	idle, _ := config.ParseDurationField("server.idle_timeout", cfg.Server.IdleTimeout)
	stagger, _ := config.ParseDurationField("dispatcher.stagger_interval", cfg.Dispatcher.StaggerInterval)
	return server.Config{
		Addr:           cfg.Server.Addr,
		ReadTimeout:    read,
		WriteTimeout:   write,
		IdleTimeout:    idle,
		DefaultStagger: stagger,
	}
}

// Package app wires the bot together: config, logging, storage, the
// subscription store, the poller, and the Telegram adapter. Everything is
// constructed explicitly and injected; nothing here is a package-level
// singleton, so tests can assemble partial apps with fakes.
package app

import (
	"context"
	"fmt"
	"time"

	"livebot/internal/bilibili"
	"livebot/internal/commands"
	"livebot/internal/config"
	"livebot/internal/notify"
	"livebot/internal/poller"
	rtsup "livebot/internal/runtime/supervisor"
	"livebot/internal/storage"
	"livebot/internal/subs"
	"livebot/internal/transport"
	"livebot/internal/transport/telegram"
	"livebot/internal/watch"
	"livebot/pkg/logx"
)

type App struct {
	cfgMgr *config.Manager
	logSvc *logx.Service
	log    logx.Logger

	db         storage.Store
	store      *subs.Store
	cache      *watch.Cache
	client     *bilibili.Client
	adapter    *telegram.Adapter
	dispatcher *notify.Dispatcher
	poll       *poller.Service
	handler    *commands.Handler

	updates chan transport.Message
	sup     *rtsup.Supervisor
}

func New(cfgPath string) (*App, error) {
	boot := logx.NewConsole("info")
	cfgMgr := config.NewManager(cfgPath, boot)
	cfg, err := cfgMgr.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	logSvc, log := logx.New(logConfig(cfg))

	db, err := storage.Open(storageConfig(cfg), log)
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}
	if db == nil {
		log.Warn("storage disabled; subscriptions will not survive restarts")
	}

	store := subs.NewStore(db, log)
	if err := store.Load(context.Background()); err != nil {
		return nil, fmt.Errorf("load subscriptions: %w", err)
	}
	cache := watch.NewCache(db, log)
	if err := cache.Load(context.Background()); err != nil {
		return nil, fmt.Errorf("load change-detection cache: %w", err)
	}

	client := bilibili.NewClient(bilibili.Config{
		Timeout: config.Duration(cfg.Poll.FetchTimeout, 10*time.Second),
	}, log)

	adapter, err := telegram.New(telegram.Config{
		Token:       cfg.Telegram.Token,
		PollTimeout: config.Duration(cfg.Telegram.PollTimeout, 10*time.Second),
	}, log)
	if err != nil {
		return nil, fmt.Errorf("telegram: %w", err)
	}

	dispatcher := notify.NewDispatcher(notify.Config{RatePerSec: cfg.Notify.RatePerSec}, store, adapter, log)
	poll := poller.New(pollConfig(cfg), store, cache, client, client, dispatcher, log)
	handler := commands.NewHandler(store, client, adapter, log)

	return &App{
		cfgMgr:     cfgMgr,
		logSvc:     logSvc,
		log:        log,
		db:         db,
		store:      store,
		cache:      cache,
		client:     client,
		adapter:    adapter,
		dispatcher: dispatcher,
		poll:       poll,
		handler:    handler,
		updates:    make(chan transport.Message, 64),
	}, nil
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log))

	if err := a.adapter.Start(a.sup.Context(), a.updates); err != nil {
		return err
	}
	if err := a.poll.Start(a.sup.Context()); err != nil {
		return err
	}

	a.sup.Go("commands", func(ctx context.Context) error {
		return a.handler.Run(ctx, a.updates)
	})
	a.sup.Go("config-watch", func(ctx context.Context) error {
		return a.cfgMgr.Watch(ctx)
	})

	reloads := a.cfgMgr.Subscribe(1)
	a.sup.Go("config-apply", func(ctx context.Context) error {
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case cfg := <-reloads:
				a.applyConfig(cfg)
			}
		}
	})

	a.log.Info("livebot started")
	return nil
}

// applyConfig picks up the hot-reloadable parts of a committed config.
// Storage driver and telegram token changes require a restart.
func (a *App) applyConfig(cfg *config.Config) {
	a.logSvc.Apply(logConfig(cfg))
	a.poll.Apply(pollConfig(cfg))
}

// Stop shuts down in dependency order: stop scheduling, let in-flight cycles
// drain within ctx's grace period, flush caches, then close everything.
func (a *App) Stop(ctx context.Context) error {
	if err := a.poll.Stop(ctx); err != nil {
		a.log.Warn("poller stop", logx.Err(err))
	}
	if a.sup != nil {
		a.sup.Cancel()
		if err := a.sup.Wait(ctx); err != nil && err != context.Canceled {
			a.log.Warn("supervisor wait", logx.Err(err))
		}
	}
	if err := a.adapter.Stop(ctx); err != nil {
		a.log.Warn("telegram stop", logx.Err(err))
	}
	if err := a.cache.Save(ctx); err != nil {
		a.log.Error("final cache flush failed", logx.Err(err))
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			a.log.Warn("storage close", logx.Err(err))
		}
	}
	a.log.Info("livebot stopped")
	return a.logSvc.Close()
}

func logConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func storageConfig(cfg *config.Config) storage.Config {
	return storage.Config{
		Driver:      cfg.Storage.Driver,
		Path:        cfg.Storage.Path,
		BusyTimeout: config.Duration(cfg.Storage.BusyTimeout, 0),
	}
}

func pollConfig(cfg *config.Config) poller.Config {
	return poller.Config{
		StatusInterval: config.Duration(cfg.Poll.StatusInterval, 30*time.Second),
		FeedInterval:   config.Duration(cfg.Poll.FeedInterval, 5*time.Minute),
		FetchTimeout:   config.Duration(cfg.Poll.FetchTimeout, 10*time.Second),
	}
}

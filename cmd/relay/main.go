package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"mediarelay/internal/config"
	"mediarelay/internal/eventbus"
	"mediarelay/internal/notify"
	"mediarelay/internal/runtime/supervisor"
	"mediarelay/internal/scheduler"
	"mediarelay/internal/scraper"
	"mediarelay/internal/selector"
	"mediarelay/internal/storage"
	"mediarelay/internal/transport/telegram"
	"mediarelay/internal/uploader"
	logx "mediarelay/pkg/logx"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "mediarelay:", err)
		os.Exit(1)
	}
}

func run() error {
	cfgPath := flag.String("config", "config.yaml", "path to the relay configuration file")
	flag.Parse()

	mgr := config.NewManager(*cfgPath, logx.NewConsole("INFO"))
	cfg, err := mgr.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logSvc, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File:    logx.FileConfig{Enabled: cfg.Logging.File.Enabled, Path: cfg.Logging.File.Path},
	})
	defer logSvc.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	busyTimeout, err := config.ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout)
	if err != nil {
		return err
	}
	store, err := storage.Open(storage.Config{Path: cfg.Storage.Path, BusyTimeout: busyTimeout},
		log.With(logx.String("component", "storage")))
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer store.Close()

	sel, err := selector.New(selector.Config{
		AccountsFile:  cfg.Selector.AccountsFile,
		ProxiesFile:   cfg.Selector.ProxiesFile,
		RequestBudget: cfg.Selector.RequestBudget,
	}, store, log.With(logx.String("component", "selector")))
	if err != nil {
		return fmt.Errorf("init selector: %w", err)
	}

	pollTimeout, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
	if err != nil {
		return err
	}
	bot, err := telegram.NewBot(telegram.Config{
		Token:       cfg.Telegram.Token,
		AdminChatID: cfg.Telegram.AdminChatID,
		PollTimeout: pollTimeout,
		SendRetries: cfg.Telegram.SendRetries,
	}, log.With(logx.String("component", "telegram")))
	if err != nil {
		return err
	}

	bus := eventbus.New()

	notifier := notify.New(notify.Config{
		QueueSize: cfg.Notifier.QueueSize,
		PerMinute: cfg.Notifier.PerMinute,
		Burst:     cfg.Notifier.Burst,
	}, bot, log.With(logx.String("component", "notify")))

	up := uploader.New(uploader.Config{
		Workers:   cfg.Uploader.Workers,
		QueueSize: cfg.Uploader.QueueSize,
	}, uploader.Deps{
		Store:     store,
		Deliverer: bot,
		Notifier:  notifier,
		Bus:       bus,
	}, log.With(logx.String("component", "uploader")))

	down := scraper.NewDispatcher(scraper.Config{
		Workers:   cfg.Downloader.Workers,
		QueueSize: cfg.Downloader.QueueSize,
	}, scraper.Deps{
		Selector: sel,
		Store:    store,
		Uploader: up,
		Notifier: notifier,
		Bus:      bus,
	}, log.With(logx.String("component", "downloader")))
	up.SetDownloader(down)

	sched := scheduler.New(scheduler.Config{
		ReplaySpec:   cfg.Scheduler.ReplaySpec,
		ValidateSpec: cfg.Scheduler.ValidateSpec,
	}, down, down, log.With(logx.String("component", "scheduler")))

	notifier.Start(ctx)
	up.Start(ctx)
	down.Start(ctx)
	if err := sched.Start(ctx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}

	// Hot reload: logging sinks and credential pools follow their files.
	sup := supervisor.New(ctx, supervisor.WithLogger(log))
	sup.GoRestart("config-watch", mgr.Watch)
	sup.GoRestart("pool-watch", sel.Watch)
	sup.Go("config-apply", func(ctx context.Context) error {
		updates := mgr.Subscribe(1)
		defer mgr.Unsubscribe(updates)
		for {
			select {
			case <-ctx.Done():
				return nil
			case next, ok := <-updates:
				if !ok {
					return nil
				}
				logSvc.Apply(logx.Config{
					Level:   next.Logging.Level,
					Console: next.Logging.Console,
					File:    logx.FileConfig{Enabled: next.Logging.File.Enabled, Path: next.Logging.File.Path},
				})
				if err := sel.Reload(selector.Config{
					AccountsFile:  next.Selector.AccountsFile,
					ProxiesFile:   next.Selector.ProxiesFile,
					RequestBudget: next.Selector.RequestBudget,
				}); err != nil {
					log.Warn("selector reload failed", logx.Err(err))
				}
			}
		}
	})
	sup.Go("event-log", func(ctx context.Context) error {
		return watchEvents(ctx, bus, log.With(logx.String("component", "events")))
	})
	sup.Go("telegram-listen", func(ctx context.Context) error {
		go func() {
			<-ctx.Done()
			bot.Stop()
		}()
		bot.Listen(down, up, store)
		return nil
	})

	log.Info("mediarelay started", logx.String("config", *cfgPath))
	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	sched.Stop()
	if err := down.Stop(shutdownCtx); err != nil {
		log.Warn("downloader stop", logx.Err(err))
	}
	if err := up.Stop(shutdownCtx); err != nil {
		log.Warn("uploader stop", logx.Err(err))
	}
	if err := notifier.Stop(shutdownCtx); err != nil {
		log.Warn("notifier stop", logx.Err(err))
	}
	if err := sup.Stop(shutdownCtx); err != nil {
		log.Warn("supervisor stop", logx.Err(err))
	}
	log.Info("bye")
	return nil
}

// watchEvents mirrors pipeline events into the log so job flow is visible
// without database access. Failures log at warn, the rest at debug.
func watchEvents(ctx context.Context, bus eventbus.Bus, log logx.Logger) error {
	events, unsub := bus.Subscribe(64)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-events:
			if !ok {
				return nil
			}
			switch e.Type {
			case "job.failed", "job.deferred", "upload.failed":
				log.Warn("pipeline event", logx.String("event", e.Type), logx.Any("data", e.Data))
			default:
				log.Debug("pipeline event", logx.String("event", e.Type), logx.Any("data", e.Data))
			}
		}
	}
}

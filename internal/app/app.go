// Package app assembles the process: config, logger, store, fetcher,
// delivery channel, watcher, and the two timing loops, with a file lock so
// only one instance runs against a given database.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	sddaemon "github.com/coreos/go-systemd/v22/daemon"
	"github.com/gofrs/flock"
	"github.com/rs/zerolog"

	"bandwatch/internal/config"
	"bandwatch/internal/extract"
	"bandwatch/internal/fetch"
	"bandwatch/internal/logging"
	"bandwatch/internal/scheduler"
	"bandwatch/internal/store"
	"bandwatch/internal/telegram"
	"bandwatch/internal/watcher"
)

type App struct {
	log      zerolog.Logger
	logClose func() error

	cfgMgr  *config.Manager
	lock    *flock.Flock
	store   *store.Store
	fetcher fetch.Fetcher
	channel *telegram.Channel
	watcher *watcher.Watcher
	sched   *scheduler.Scheduler

	cancel context.CancelFunc
}

func New(cfgPath string) (*App, error) {
	// Bootstrap parse just to learn the logging settings, then rebuild the
	// manager with the real logger so reload events are visible.
	cfg, err := config.NewManager(cfgPath, zerolog.Nop()).Parse()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	log, logClose := logging.New(cfg.Logging)

	mgr := config.NewManager(cfgPath, log.With().Str("component", "config").Logger())
	if _, err := mgr.Load(); err != nil {
		_ = logClose()
		return nil, fmt.Errorf("load config: %w", err)
	}
	cfg = mgr.Get()

	durs, err := parseDurations(cfg)
	if err != nil {
		_ = logClose()
		return nil, fmt.Errorf("load config: %w", err)
	}

	st, err := store.Open(store.Config{
		Path:        cfg.Store.Path,
		BusyTimeout: durs.busyTimeout,
	}, log.With().Str("component", "store").Logger())
	if err != nil {
		_ = logClose()
		return nil, fmt.Errorf("open store: %w", err)
	}

	fetcher := fetch.New(fetch.Config{
		UserAgent:    cfg.Source.UserAgent,
		RequestDelay: durs.requestDelay,
		Browser: fetch.BrowserConfig{
			Enabled:       cfg.Source.Browser.Enabled,
			MaxExpansions: cfg.Source.Browser.MaxExpansions,
		},
	}, log.With().Str("component", "fetch").Logger())

	ex, err := extract.New(cfg.Source.BaseURL, log.With().Str("component", "extract").Logger())
	if err != nil {
		_ = st.Close()
		_ = logClose()
		return nil, fmt.Errorf("extractor: %w", err)
	}

	ch, err := telegram.New(telegram.Config{
		Token:                cfg.Telegram.Token,
		ChatID:               cfg.Telegram.ChatID,
		MaxDescriptionLength: cfg.Telegram.MaxDescriptionLength,
	}, log.With().Str("component", "telegram").Logger())
	if err != nil {
		_ = st.Close()
		_ = logClose()
		return nil, fmt.Errorf("telegram: %w", err)
	}

	w := watcher.New(watcher.Config{
		BaseURL:       cfg.Source.BaseURL,
		Tags:          cfg.Tags,
		BlacklistTags: cfg.BlacklistTags,
		SendPause:     durs.sendPause,
		RetentionDays: cfg.Store.RetentionDays,
		RetryInterval: durs.retryInterval,
	}, fetcher, ex, st, ch, log.With().Str("component", "watcher").Logger())

	sched, err := scheduler.New(scheduler.Config{
		Times:    cfg.Schedule.Times,
		Timezone: cfg.Schedule.Timezone,
	}, w.RunPass, log.With().Str("component", "scheduler").Logger())
	if err != nil {
		_ = st.Close()
		_ = logClose()
		return nil, fmt.Errorf("scheduler: %w", err)
	}

	return &App{
		log:      log,
		logClose: logClose,
		cfgMgr:   mgr,
		lock:     flock.New(cfg.Store.Path + ".lock"),
		store:    st,
		fetcher:  fetcher,
		channel:  ch,
		watcher:  w,
		sched:    sched,
	}, nil
}

// durations are the config's duration strings, parsed once at wiring time.
type durations struct {
	requestDelay  time.Duration
	busyTimeout   time.Duration
	retryInterval time.Duration
	sendPause     time.Duration
}

func parseDurations(cfg *config.Config) (durations, error) {
	var d durations
	var err error
	if d.requestDelay, err = config.ParseDurationField("source.request_delay", cfg.Source.RequestDelay); err != nil {
		return durations{}, err
	}
	if d.busyTimeout, err = config.ParseDurationField("store.busy_timeout", cfg.Store.BusyTimeout); err != nil {
		return durations{}, err
	}
	if d.retryInterval, err = config.ParseDurationField("retry.interval", cfg.Retry.Interval); err != nil {
		return durations{}, err
	}
	if d.sendPause, err = config.ParseDurationField("retry.send_pause", cfg.Retry.SendPause); err != nil {
		return durations{}, err
	}
	return d, nil
}

func (a *App) Start(ctx context.Context) error {
	ok, err := a.lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return errors.New("another instance is already running against this database")
	}

	runCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	go func() {
		if err := a.cfgMgr.Watch(runCtx); err != nil && runCtx.Err() == nil {
			a.log.Error().Err(err).Msg("config watch stopped")
		}
	}()
	go a.applyReloads(runCtx, a.cfgMgr.Subscribe(4))

	a.sched.Start(runCtx)
	a.watcher.StartRetryLoop(runCtx)

	if sent, err := sddaemon.SdNotify(false, sddaemon.SdNotifyReady); err != nil {
		a.log.Warn().Err(err).Msg("systemd ready notification failed")
	} else if sent {
		a.log.Debug().Msg("systemd notified ready")
	}

	a.sendStartupStatus(runCtx)
	a.log.Info().Msg("bandwatch started")
	return nil
}

// Stop shuts everything down in dependency order. The deadline of ctx bounds
// how long an in-flight pass may take to notice cancellation.
func (a *App) Stop(ctx context.Context) error {
	_, _ = sddaemon.SdNotify(false, sddaemon.SdNotifyStopping)

	if a.cancel != nil {
		a.cancel()
	}
	done := make(chan struct{})
	go func() {
		a.sched.Stop()
		a.watcher.StopRetryLoop()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		a.log.Warn().Msg("shutdown deadline hit with loops still draining")
	}

	if err := a.fetcher.Close(); err != nil {
		a.log.Warn().Err(err).Msg("fetcher close failed")
	}
	if err := a.store.Close(); err != nil {
		a.log.Warn().Err(err).Msg("store close failed")
	}
	if err := a.lock.Unlock(); err != nil {
		a.log.Warn().Err(err).Msg("lock release failed")
	}
	a.log.Info().Msg("bandwatch stopped")
	return a.logClose()
}

// applyReloads pushes validated config edits into the running watcher. Only
// the tag lists are applied live; everything else needs a restart.
func (a *App) applyReloads(ctx context.Context, sub chan *config.Config) {
	for {
		select {
		case <-ctx.Done():
			return
		case cfg, ok := <-sub:
			if !ok {
				return
			}
			a.watcher.SetTags(cfg.Tags, cfg.BlacklistTags)
			a.log.Info().
				Strs("tags", cfg.Tags).
				Strs("blacklist", cfg.BlacklistTags).
				Msg("tag lists reloaded")
		}
	}
}

func (a *App) sendStartupStatus(ctx context.Context) {
	cfg := a.cfgMgr.Get()
	stats, err := a.store.Stats(ctx)
	if err != nil {
		a.log.Warn().Err(err).Msg("startup stats unavailable")
		return
	}
	sctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	a.channel.SendStatus(sctx, fmt.Sprintf(
		"👀 Watching %d tag(s), %d blacklisted. Store: %d release(s), %d pending.",
		len(cfg.Tags), len(cfg.BlacklistTags), stats.Total, stats.Pending(),
	))
}

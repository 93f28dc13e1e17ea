// Package app wires the whole service together: config, logging, the
// provider store, the session registry, the campaign engine, upload staging,
// run history and the HTTP API.
package app

import (
	"context"
	"fmt"
	"sync"
	"time"

	"wablast/internal/campaign"
	"wablast/internal/config"
	"wablast/internal/eventbus"
	"wablast/internal/httpapi"
	"wablast/internal/session"
	"wablast/internal/storage"
	"wablast/internal/text"
	"wablast/internal/uploads"
	"wablast/internal/wa"
	"wablast/pkg/logx"
)

type App struct {
	cfgm *config.Manager

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	store    *wa.Store
	registry *session.Registry
	engine   *campaign.Engine
	history  storage.Store
	staging  *uploads.Staging
	srv      *httpapi.Server

	runCtx context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	errMu sync.Mutex
	err   error
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	log = log.With(logx.String("comp", "app"))
	cfgm.SetLogger(log.With(logx.String("comp", "config")))

	bus := eventbus.New()

	store, err := wa.NewStore(cfg.WA.DataDir, log.With(logx.String("comp", "wa")))
	if err != nil {
		return nil, err
	}

	registry := session.NewRegistry(store, bus, log.With(logx.String("comp", "session")))

	engCfg, err := mapCampaignConfig(cfg)
	if err != nil {
		return nil, err
	}

	history, err := storage.Open(storage.Config{
		Driver: cfg.History.Driver,
		Path:   cfg.History.Path,
	}, log.With(logx.String("comp", "history")))
	if err != nil {
		return nil, err
	}
	if history != nil {
		log.Info("run history enabled", logx.String("driver", cfg.History.Driver))
	}

	rules := text.PhoneRules{
		CountryCode: cfg.WA.CountryCode,
		TrunkPrefix: cfg.WA.TrunkPrefix,
	}
	var engHistory campaign.History
	if history != nil {
		engHistory = history
	}
	engine := campaign.New(engCfg, rules, registry, bus, engHistory,
		log.With(logx.String("comp", "campaign")))

	ttl, err := config.ParseDurationOrDefault("uploads.ttl", cfg.Uploads.TTL, 6*time.Hour)
	if err != nil {
		return nil, err
	}
	staging, err := uploads.New(cfg.Uploads.Dir, ttl, log.With(logx.String("comp", "uploads")))
	if err != nil {
		return nil, err
	}

	srv := httpapi.New(cfg.Server.Listen, registry, engine, staging, history, bus,
		log.With(logx.String("comp", "http")))

	return &App{
		cfgm:     cfgm,
		log:      log,
		logs:     logSvc,
		bus:      bus,
		store:    store,
		registry: registry,
		engine:   engine,
		history:  history,
		staging:  staging,
		srv:      srv,
	}, nil
}

// Done is closed when the app run context is canceled (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.runCtx == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.runCtx.Done()
}

// Err returns the first fatal error observed while running (if any).
func (a *App) Err() error {
	a.errMu.Lock()
	defer a.errMu.Unlock()
	return a.err
}

func (a *App) fatal(err error) {
	if err == nil {
		return
	}
	a.errMu.Lock()
	if a.err == nil {
		a.err = err
	}
	a.errMu.Unlock()
	a.cancel()
}

func (a *App) Start(ctx context.Context) error {
	a.runCtx, a.cancel = context.WithCancel(ctx)

	a.engine.Start(a.runCtx)

	cfg := a.cfgm.Get()
	if spec := cfg.Uploads.SweepSpec; spec != "" {
		if err := a.staging.StartJanitor(spec); err != nil {
			return fmt.Errorf("uploads janitor: %w", err)
		}
	}

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		if err := a.srv.Start(a.runCtx); err != nil {
			a.log.Error("http server", logx.Err(err))
			a.fatal(err)
		}
	}()

	// hot reload fan-out
	sub := a.cfgm.Subscribe(8)
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(a.runCtx, sub)
	}()

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		if err := a.cfgm.Watch(a.runCtx); err != nil && a.runCtx.Err() == nil {
			a.log.Warn("config watch stopped", logx.Err(err))
		}
	}()

	// Debug-level event trace. Components subscribe themselves for real work.
	events, unsub := a.bus.Subscribe(128)
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		defer unsub()
		for {
			select {
			case <-a.runCtx.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Debug("event",
					logx.String("type", e.Type),
					logx.String("session", e.SessionID))
			}
		}
	}()

	a.log.Info("app started", logx.String("listen", cfg.Server.Listen))
	return nil
}

func (a *App) reloadLoop(ctx context.Context, sub chan *config.Config) {
	for {
		select {
		case <-ctx.Done():
			return
		case newCfg, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts: keep only the latest config in the channel.
			for {
				select {
				case newer := <-sub:
					if newer != nil {
						newCfg = newer
					}
				default:
					goto APPLY
				}
			}
		APPLY:
			a.logs.Apply(logx.Config{
				Level:   newCfg.Logging.Level,
				Console: newCfg.Logging.Console,
				File: logx.FileConfig{
					Enabled: newCfg.Logging.File.Enabled,
					Path:    newCfg.Logging.File.Path,
				},
			})

			engCfg, err := mapCampaignConfig(newCfg)
			if err != nil {
				a.log.Warn("invalid campaign config; keeping previous", logx.Err(err))
			} else {
				a.engine.Apply(engCfg)
			}

			// Listen address, data dir and history driver need a restart;
			// everything above applies live.
			a.log.Info("config reloaded")
		}
	}
}

func (a *App) Stop(ctx context.Context) error {
	if a.cancel == nil {
		return nil
	}
	a.log.Info("stopping")

	// Cancel the run context first so background loops start unwinding.
	a.cancel()

	step := func(name string, max time.Duration, fn func(context.Context) error) {
		stepCtx, cancel := context.WithTimeout(ctx, max)
		defer cancel()
		start := time.Now()
		if err := fn(stepCtx); err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		a.log.Debug("stop step end",
			logx.String("name", name), logx.Duration("took", time.Since(start)))
	}

	step("http", 3*time.Second, a.srv.Shutdown)
	step("campaigns", 5*time.Second, func(context.Context) error {
		a.engine.Shutdown()
		return nil
	})
	step("sessions", 3*time.Second, func(context.Context) error {
		a.registry.Close()
		return nil
	})
	step("uploads", time.Second, func(context.Context) error {
		a.staging.Stop()
		return nil
	})
	if a.history != nil {
		step("history", time.Second, func(context.Context) error {
			return a.history.Close()
		})
	}

	a.wg.Wait()
	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

func mapCampaignConfig(cfg *config.Config) (campaign.Config, error) {
	sendTimeout, err := config.ParseDurationOrDefault("campaign.send_timeout", cfg.Campaign.SendTimeout, 30*time.Second)
	if err != nil {
		return campaign.Config{}, err
	}
	gap, err := config.ParseDurationOrDefault("campaign.message_gap", cfg.Campaign.MessageGap, 750*time.Millisecond)
	if err != nil {
		return campaign.Config{}, err
	}
	return campaign.Config{
		MinDelay:    time.Duration(cfg.Campaign.MinDelaySeconds) * time.Second,
		MaxDelay:    time.Duration(cfg.Campaign.MaxDelaySeconds) * time.Second,
		SendTimeout: sendTimeout,
		RatePerSec:  cfg.Campaign.RatePerSec,
		MessageGap:  gap,
	}, nil
}

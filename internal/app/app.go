// Package app wires configuration, storage, the delivery pipeline and the
// background jobs into one runnable service.
package app

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/time/rate"

	"fedirelay/internal/alttext"
	"fedirelay/internal/capability"
	"fedirelay/internal/config"
	"fedirelay/internal/crossref"
	"fedirelay/internal/deliver"
	"fedirelay/internal/eventbus"
	"fedirelay/internal/mastodon"
	"fedirelay/internal/media"
	"fedirelay/internal/runtime/supervisor"
	"fedirelay/internal/segment"
	"fedirelay/internal/storage"
	logx "fedirelay/pkg/logx"
)

// App is the composed service.
type App struct {
	configPath string
	backend    alttext.Backend
}

type Option func(*App)

// WithCaptionBackend plugs in an external alt-text provider. Without one,
// images without captions get the configured fallback text.
func WithCaptionBackend(b alttext.Backend) Option {
	return func(a *App) { a.backend = b }
}

func New(configPath string, opts ...Option) *App {
	a := &App{configPath: configPath}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Run blocks until ctx is cancelled.
func (a *App) Run(ctx context.Context) error {
	mgr := config.NewManager(a.configPath)
	mgr.SetValidator(func(_ context.Context, cfg *config.Config) error {
		return config.Validate(cfg)
	})
	cfg, err := mgr.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logSvc, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	defer logSvc.Close()
	mgr.SetLogger(log.With(logx.String("component", "config")))

	p, err := buildPipeline(cfg, log, a.backend)
	if err != nil {
		return err
	}
	if p.store != nil {
		defer p.store.Close()
	}

	sup := supervisor.New(ctx, supervisor.WithLogger(log))

	sup.Go("config-watch", mgr.Watch)
	sup.Go("config-reload", func(ctx context.Context) error {
		updates := mgr.Subscribe(1)
		defer mgr.Unsubscribe(updates)
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case next := <-updates:
				// Logging changes apply live; the rest of the pipeline is
				// rebuilt on restart.
				logSvc.Apply(logx.Config{
					Level:   next.Logging.Level,
					Console: next.Logging.Console,
					File: logx.FileConfig{
						Enabled: next.Logging.File.Enabled,
						Path:    next.Logging.File.Path,
					},
				})
				log.Info("configuration reloaded, pipeline changes take effect on restart")
			}
		}
	})

	sup.Go("events", func(ctx context.Context) error {
		events, cancel := p.bus.Subscribe(64)
		defer cancel()
		elog := log.With(logx.String("component", "events"))
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case ev := <-events:
				elog.Info(ev.Topic,
					logx.String("destination", ev.Destination),
					logx.String("detail", ev.Detail))
			}
		}
	})

	if p.source != nil {
		sup.GoRestart("source", func(ctx context.Context) error {
			return p.source.Run(ctx, func(ctx context.Context, msg deliver.Message) {
				p.orch.Deliver(ctx, msg, p.dests)
			})
		})
	} else {
		log.Warn("no message source configured, only draining retries")
	}

	sched := cron.New()
	if _, err := sched.AddFunc("@every "+p.drainInterval.String(), func() {
		p.drainer.Drain(sup.Context())
	}); err != nil {
		return fmt.Errorf("schedule retry drain: %w", err)
	}
	if _, err := sched.AddFunc("17 3 * * *", func() {
		n, err := p.refs.Prune(sup.Context())
		if err != nil {
			log.Error("crossref prune failed", logx.Err(err))
			return
		}
		log.Info("crossref store pruned", logx.Int("removed", n))
	}); err != nil {
		return fmt.Errorf("schedule crossref prune: %w", err)
	}
	sched.Start()

	log.Info("relay started",
		logx.Int("destinations", len(p.dests)),
		logx.Duration("drain_interval", p.drainInterval))

	<-ctx.Done()
	log.Info("shutting down")
	<-sched.Stop().Done()
	return sup.Stop(10 * time.Second)
}

// pipeline holds everything Run needs after construction.
type pipeline struct {
	store         storage.Store
	bus           *eventbus.Bus
	orch          *deliver.Orchestrator
	drainer       *deliver.Drainer
	refs          *crossref.Store
	dests         []deliver.Destination
	source        Source
	drainInterval time.Duration
}

func buildPipeline(cfg *config.Config, log logx.Logger, backend alttext.Backend) (*pipeline, error) {
	busyTimeout, err := config.ParseDurationOrDefault("storage.busy_timeout", cfg.Storage.BusyTimeout, 0)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(storage.Config{
		Driver:      cfg.Storage.Driver,
		Path:        cfg.Storage.Path,
		BusyTimeout: busyTimeout,
	}, log.With(logx.String("component", "storage")))
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}

	maxAge, err := config.ParseDurationOrDefault("capability.max_age", cfg.Capability.MaxAge, capability.DefaultMaxAge)
	if err != nil {
		return nil, err
	}
	probeTimeout, err := config.ParseDurationOrDefault("capability.probe_timeout", cfg.Capability.ProbeTimeout, 10*time.Second)
	if err != nil {
		return nil, err
	}
	minVersion := cfg.Capability.MinVersion
	if minVersion == "" {
		minVersion = "4.5.0"
	}
	caps := capability.NewRegistry(store, log.With(logx.String("component", "capability")), minVersion, maxAge, probeTimeout)

	retention, err := config.ParseDurationOrDefault("crossref.retention", cfg.CrossRef.Retention, crossref.DefaultRetention)
	if err != nil {
		return nil, err
	}
	refs := crossref.NewStore(store, log.With(logx.String("component", "crossref")), retention)

	publishTimeout, err := config.ParseDurationOrDefault("delivery.publish_timeout", cfg.Delivery.PublishTimeout, 30*time.Second)
	if err != nil {
		return nil, err
	}
	pauseWindow, err := config.ParseDurationOrDefault("retry.pause_window", cfg.Retry.PauseWindow, deliver.DefaultPauseWindow)
	if err != nil {
		return nil, err
	}
	drainInterval, err := config.ParseDurationOrDefault("retry.drain_interval", cfg.Retry.DrainInterval, time.Minute)
	if err != nil {
		return nil, err
	}
	delays := deliver.DefaultRetryDelays
	if len(cfg.Retry.Delays) > 0 {
		delays = make([]time.Duration, 0, len(cfg.Retry.Delays))
		for i, raw := range cfg.Retry.Delays {
			d, err := config.ParseDurationField(fmt.Sprintf("retry.delays[%d]", i), raw)
			if err != nil {
				return nil, err
			}
			delays = append(delays, d)
		}
	}

	dests, err := buildDestinations(cfg, publishTimeout, log)
	if err != nil {
		return nil, err
	}

	describer, err := buildDescriber(cfg, backend, store, log)
	if err != nil {
		return nil, err
	}

	bus := eventbus.New()
	orch := deliver.NewOrchestrator(store, caps, refs, describer, bus,
		log.With(logx.String("component", "deliver")), deliver.Options{
			Segment: segment.Options{
				MaxChars:        cfg.Segmenter.MaxChars,
				MinContentLen:   cfg.Segmenter.MinContentLen,
				FirstPostMinLen: cfg.Segmenter.FirstPostMinLen,
				FooterTag:       cfg.Segmenter.FooterTag,
				Sanitize:        cfg.Segmenter.SourceLinkRewrites,
			},
			RetryDelays:     delays,
			MaxAttempts:     cfg.Retry.MaxAttempts,
			PauseWindow:     pauseWindow,
			PublishTimeout:  publishTimeout,
			FallbackCaption: cfg.AltText.Fallback,
		})

	fetcher := media.NewHTTPFetcher(publishTimeout * 2)
	drainer := deliver.NewDrainer(orch, store, fetcher, dests,
		log.With(logx.String("component", "retry")))

	var source Source
	switch cfg.Source.Driver {
	case "", "none":
	case "dir":
		poll, err := config.ParseDurationOrDefault("source.poll_interval", cfg.Source.PollInterval, 30*time.Second)
		if err != nil {
			return nil, err
		}
		source = newDirSource(cfg.Source.Path, poll, fetcher,
			log.With(logx.String("component", "source")))
	default:
		return nil, fmt.Errorf("unknown source driver %q", cfg.Source.Driver)
	}

	return &pipeline{
		store:         store,
		bus:           bus,
		orch:          orch,
		drainer:       drainer,
		refs:          refs,
		dests:         dests,
		source:        source,
		drainInterval: drainInterval,
	}, nil
}

func buildDestinations(cfg *config.Config, timeout time.Duration, log logx.Logger) ([]deliver.Destination, error) {
	ratePerSec := cfg.Delivery.RatePerSec
	if ratePerSec <= 0 {
		ratePerSec = 1
	}

	dests := make([]deliver.Destination, 0, len(cfg.Destinations))
	for _, dc := range cfg.Destinations {
		token := os.Getenv(dc.AccessTokenEnv)
		if token == "" {
			return nil, fmt.Errorf("destination %q: environment variable %s is empty", dc.Name, dc.AccessTokenEnv)
		}
		client := mastodon.New(dc.BaseURL, token, timeout,
			log.With(logx.String("destination", dc.Name)))
		dests = append(dests, deliver.Destination{
			Name:          dc.Name,
			Client:        client,
			PublicAuthors: dc.PublicAuthors,
			Limiter:       rate.NewLimiter(rate.Limit(ratePerSec), ratePerSec),
		})
	}
	return dests, nil
}

func buildDescriber(cfg *config.Config, backend alttext.Backend, store storage.Store, log logx.Logger) (alttext.Describer, error) {
	if backend == nil || len(cfg.AltText.Models) == 0 {
		return nil, nil
	}
	models := make([]alttext.Model, 0, len(cfg.AltText.Models))
	for _, mc := range cfg.AltText.Models {
		cooldown, err := config.ParseDurationOrDefault("alt_text.models.cooldown", mc.Cooldown, time.Hour)
		if err != nil {
			return nil, err
		}
		models = append(models, alttext.Model{Name: mc.Name, Cooldown: cooldown})
	}
	return alttext.NewPool(backend, models, store,
		log.With(logx.String("component", "alttext"))), nil
}

package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/normanking/cortex-voicecore/internal/bus"
	"github.com/normanking/cortex-voicecore/internal/cache"
	"github.com/normanking/cortex-voicecore/internal/capability"
	"github.com/normanking/cortex-voicecore/internal/config"
	"github.com/normanking/cortex-voicecore/internal/data"
	"github.com/normanking/cortex-voicecore/internal/intent"
	"github.com/normanking/cortex-voicecore/internal/logging"
	"github.com/normanking/cortex-voicecore/internal/metrics"
	"github.com/normanking/cortex-voicecore/internal/orchestrator"
	"github.com/normanking/cortex-voicecore/internal/state"
	"github.com/normanking/cortex-voicecore/plugins/clock"
	"github.com/normanking/cortex-voicecore/plugins/smalltalk"
	"github.com/normanking/cortex-voicecore/plugins/timer"
)

const (
	// shutdownTimeout bounds the graceful stop of the runtime.
	shutdownTimeout = 5 * time.Second
	// pruneInterval is how often expired sessions and cache entries are
	// dropped.
	pruneInterval = time.Minute
)

// runtime is the fully wired voice core used by the commands.
type runtime struct {
	cfg       *config.Config
	orch      *orchestrator.Orchestrator
	bus       *bus.Bus
	collector *metrics.Collector
	watcher   *config.Watcher
	server    *http.Server
	notify    func(timer.Timer)
	guard     *intent.Guard
	janitor   chan struct{}
	wg        sync.WaitGroup

	// metricsAddr is the bound metrics listener address.
	metricsAddr string
}

// runtimeOptions carries command-line overrides.
type runtimeOptions struct {
	configPath  string
	logLevel    string
	metricsAddr string
	// watch enables hot reload of capability toggles.
	watch bool
	// notify is called when a timer fires.
	notify func(timer.Timer)
	// asker is the remote classification provider; nil keeps
	// classification local.
	asker intent.Asker
	// pruneInterval overrides how often expired sessions and cache
	// entries are dropped.
	pruneInterval time.Duration
}

// builtinFactories lists the capabilities shipped with the CLI.
func builtinFactories(notify func(timer.Timer)) []capability.Factory {
	return []capability.Factory{
		smalltalk.Factory(),
		clock.Factory(),
		timer.Factory(timer.WithNotify(notify)),
	}
}

// loadConfig reads the configuration from path, or the default location.
func loadConfig(path string) (*config.Config, string, error) {
	if path == "" {
		p, err := config.DefaultPath()
		if err != nil {
			return nil, "", err
		}
		path = p
	}
	cfg, err := config.LoadFromPath(path)
	if err != nil {
		return nil, "", err
	}
	return cfg, path, nil
}

// newRuntime wires every component from configuration.
func newRuntime(ctx context.Context, opts runtimeOptions) (*runtime, error) {
	cfg, path, err := loadConfig(opts.configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return buildRuntime(ctx, cfg, path, opts)
}

func buildRuntime(ctx context.Context, cfg *config.Config, path string, opts runtimeOptions) (*runtime, error) {
	level := cfg.Logging.Level
	if opts.logLevel != "" {
		level = opts.logLevel
	}
	if err := logging.Setup(logging.Config{
		Level:   level,
		Console: cfg.Logging.Console,
		File:    cfg.Logging.File,
	}); err != nil {
		return nil, fmt.Errorf("setup logging: %w", err)
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, err
	}

	rt := &runtime{cfg: cfg, notify: opts.notify}

	// Intent classification
	classifierOpts := []intent.Option{
		intent.WithThreshold(cfg.Classifier.ConfidenceThreshold),
		intent.WithNER(intent.NewLexiconMatcher(intent.DefaultLexicon())),
		intent.WithRemoteTimeout(cfg.Classifier.RemoteTimeout),
	}
	switch {
	case opts.asker != nil:
		prompt := intent.NewPromptClassifier(opts.asker, intent.IntentsFromRules(intent.DefaultRules()))
		rt.guard = intent.NewGuard(prompt, cfg.Classifier.GuardConfig())
		classifierOpts = append(classifierOpts, intent.WithRemote(rt.guard, cfg.Classifier.RemoteEnabled))
	case cfg.Classifier.RemoteEnabled:
		log.Warn().Msg("remote classification is enabled but no provider is configured; using local strategies")
	}
	classifier := intent.NewClassifier(classifierOpts...)
	race := intent.NewRaceCoordinator(classifier,
		intent.WithDeadline(cfg.Race.Deadline),
		intent.WithWorkers(cfg.Race.Workers),
	)

	// Capabilities
	registry := capability.NewRegistry(cfg.Capabilities.RegistryConfig())
	n := registry.Discover(ctx, builtinFactories(rt.timerFired))
	log.Debug().Int("capabilities", n).Msg("capabilities discovered")

	// Response cache, optionally persisted
	var (
		responses *cache.Cache
		store     *data.Store
	)
	if cfg.Cache.Enabled {
		var cacheOpts []cache.Option
		if cfg.Cache.Persist {
			db, err := data.NewDB(cfg.Storage.DataDir)
			if err != nil {
				err = fmt.Errorf("open cache database: %w", err)
				if serr := registry.Shutdown(ctx); serr != nil {
					err = errors.Join(err, fmt.Errorf("shutdown capabilities: %w", serr))
				}
				return nil, err
			}
			store = db
			cacheOpts = append(cacheOpts, cache.WithStore(data.NewResponseCacheStore(store)))
		}
		responses = cache.New(cfg.Cache.ResponseCacheConfig(), cacheOpts...)
		if loaded, err := responses.Load(ctx); err != nil {
			log.Warn().Err(err).Msg("failed to warm response cache")
		} else if loaded > 0 {
			log.Debug().Int("entries", loaded).Msg("response cache warmed")
		}
	}

	// Events and metrics
	rt.bus = bus.NewBus()
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	rt.collector = metrics.NewCollector(rt.bus, metrics.NewMetrics(reg))
	rt.collector.Start()
	for _, s := range registry.List() {
		rt.collector.Observe(bus.NewCapabilityToggledEvent(s.Name, s.Enabled))
	}

	orchOpts := []orchestrator.Option{
		orchestrator.WithRace(race),
		orchestrator.WithCleaner(cfg.Transcript.Cleaner()),
		orchestrator.WithRaceDeadline(cfg.Race.Deadline),
		orchestrator.WithCache(responses),
		orchestrator.WithTracker(state.NewTracker(state.WithHistorySize(cfg.State.HistorySize))),
		orchestrator.WithBus(rt.bus),
		orchestrator.WithContextConfig(cfg.Context.ManagerConfig()),
	}
	if store != nil {
		orchOpts = append(orchOpts, orchestrator.WithCloser(store))
	}
	rt.orch = orchestrator.New(registry, orchOpts...)

	interval := opts.pruneInterval
	if interval <= 0 {
		interval = pruneInterval
	}
	rt.janitor = make(chan struct{})
	rt.wg.Add(1)
	go rt.prune(interval)

	if opts.watch && path != "" {
		w, err := config.Watch(path, rt.reload)
		if err != nil {
			log.Warn().Err(err).Msg("config hot reload unavailable")
		} else {
			rt.watcher = w
		}
	}

	if opts.metricsAddr != "" {
		if err := rt.serveMetrics(opts.metricsAddr, reg); err != nil {
			rt.Close()
			return nil, err
		}
	}

	return rt, nil
}

// reload applies capability toggles and the log level from a changed
// configuration file.
func (rt *runtime) reload(cfg *config.Config) {
	zerolog.SetGlobalLevel(logging.ParseLevel(cfg.Logging.Level))

	changed := rt.orch.Registry().ApplyToggles(cfg.Capabilities.Enabled)
	for _, name := range changed {
		enabled := cfg.Capabilities.Enabled[name]
		if err := rt.bus.Publish(bus.NewCapabilityToggledEvent(name, enabled)); err != nil && !errors.Is(err, bus.ErrClosed) {
			log.Warn().Err(err).Msg("publish toggle event")
		}
	}
}

// prune periodically drops expired sessions and cache entries until Close.
func (rt *runtime) prune(interval time.Duration) {
	defer rt.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-rt.janitor:
			return
		case <-ticker.C:
			sessions, entries := rt.orch.Prune()
			if sessions > 0 || entries > 0 {
				log.Debug().Int("sessions", sessions).Int("entries", entries).Msg("pruned expired state")
			}
		}
	}
}

func (rt *runtime) timerFired(t timer.Timer) {
	if rt.notify != nil {
		rt.notify(t)
	}
}

func (rt *runtime) serveMetrics(addr string, reg *prometheus.Registry) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	rt.metricsAddr = ln.Addr().String()
	rt.server = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if err := rt.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("metrics server stopped")
		}
	}()
	log.Info().Str("addr", ln.Addr().String()).Msg("serving metrics")
	return nil
}

// Close stops every component.
func (rt *runtime) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	var errs []error
	if rt.janitor != nil {
		close(rt.janitor)
		rt.wg.Wait()
		rt.janitor = nil
	}
	if rt.watcher != nil {
		errs = append(errs, rt.watcher.Close())
	}
	if rt.server != nil {
		errs = append(errs, rt.server.Shutdown(ctx))
	}
	if rt.orch != nil {
		errs = append(errs, rt.orch.Shutdown(ctx))
	}
	if rt.collector != nil {
		rt.collector.Stop()
	}
	if rt.bus != nil {
		errs = append(errs, rt.bus.Close())
	}
	errs = append(errs, logging.Close())
	return errors.Join(errs...)
}

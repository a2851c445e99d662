package capability

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog/log"

	"github.com/normanking/cortex-voicecore/internal/conversation"
	"github.com/normanking/cortex-voicecore/internal/entity"
)

// DefaultRouteCacheSize bounds the intent→capability routing cache.
const DefaultRouteCacheSize = 256

const (
	msgNoCapability = "Sorry, I don't know how to help with that yet."
	msgFailure      = "Sorry, something went wrong while handling that."
)

// Config configures a Registry.
type Config struct {
	// Toggles overrides the enabled flag per capability name.
	Toggles map[string]bool

	// Shared is passed to every Configurable capability; Settings entries
	// for a capability name are layered on top.
	Shared   map[string]any
	Settings map[string]map[string]any

	RouteCacheSize int
}

// OrderFunc reports whether a should be registered before b at discovery.
type OrderFunc func(a, b Info) bool

// Status is a capability's listing entry.
type Status struct {
	Info
	Enabled bool `json:"enabled"`
}

// Stats tracks routing and dispatch counters.
type Stats struct {
	Registered    int                     `json:"registered"`
	Enabled       int                     `json:"enabled"`
	RouteHits     int64                   `json:"route_hits"`
	RouteMisses   int64                   `json:"route_misses"`
	Invalidations int64                   `json:"invalidations"`
	Dispatches    int64                   `json:"dispatches"`
	Failures      map[ErrorCategory]int64 `json:"failures"`
}

type registered struct {
	cap     Capability
	info    Info
	enabled bool
}

// Registry owns the registered capabilities. It is safe for concurrent
// use; routing-cache writes happen under the read lock so a concurrent
// Enable/Disable, which takes the write lock, always purges after them.
type Registry struct {
	mu     sync.RWMutex
	caps   []*registered
	byName map[string]*registered
	routes *lru.Cache[string, string]
	cfg    Config
	order  OrderFunc

	statsMu sync.Mutex
	stats   Stats
}

// Option configures a Registry.
type Option func(*Registry)

// WithOrder imposes a deterministic order on discovered capabilities.
// Without it, discovery keeps the factory list order.
func WithOrder(fn OrderFunc) Option {
	return func(r *Registry) {
		r.order = fn
	}
}

// NewRegistry creates an empty registry.
func NewRegistry(cfg Config, opts ...Option) *Registry {
	if cfg.RouteCacheSize <= 0 {
		cfg.RouteCacheSize = DefaultRouteCacheSize
	}
	routes, err := lru.New[string, string](cfg.RouteCacheSize)
	if err != nil {
		// Only reachable with a non-positive size, excluded above.
		panic(err)
	}
	r := &Registry{
		byName: make(map[string]*registered),
		routes: routes,
		cfg:    cfg,
		stats:  Stats{Failures: make(map[ErrorCategory]int64)},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// ═══════════════════════════════════════════════════════════════════════════════
// DISCOVERY AND REGISTRATION
// ═══════════════════════════════════════════════════════════════════════════════

// Discover constructs and registers every factory. A factory that fails,
// panics or rejects its configuration is logged and skipped. It returns
// the number of capabilities registered.
func (r *Registry) Discover(ctx context.Context, factories []Factory) int {
	var built []Capability
	for _, f := range factories {
		c, err := r.build(f)
		if err != nil {
			log.Warn().Err(err).Str("factory", f.Name).Msg("skipping capability")
			continue
		}
		built = append(built, c)
	}

	if r.order != nil {
		sort.SliceStable(built, func(i, j int) bool {
			return r.order(built[i].Info(), built[j].Info())
		})
	}

	n := 0
	for _, c := range built {
		if err := r.Register(ctx, c); err != nil {
			log.Warn().Err(err).Str("capability", c.Info().Name).Msg("capability not registered")
			continue
		}
		n++
	}
	log.Info().Int("registered", n).Int("factories", len(factories)).Msg("capability discovery complete")
	return n
}

func (r *Registry) build(f Factory) (c Capability, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("factory panicked: %v", p)
		}
	}()

	if f.New == nil {
		return nil, fmt.Errorf("%w: nil constructor", ErrInvalidCapability)
	}
	c, err = f.New()
	if err != nil {
		return nil, fmt.Errorf("construct: %w", err)
	}
	if c == nil {
		return nil, fmt.Errorf("%w: constructor returned nil", ErrInvalidCapability)
	}
	if cfg, ok := c.(Configurable); ok {
		if err := cfg.Configure(r.settingsFor(c.Info().Name)); err != nil {
			return nil, fmt.Errorf("configure: %w", err)
		}
	}
	return c, nil
}

func (r *Registry) settingsFor(name string) map[string]any {
	out := make(map[string]any, len(r.cfg.Shared))
	for k, v := range r.cfg.Shared {
		out[k] = v
	}
	for k, v := range r.cfg.Settings[name] {
		out[k] = v
	}
	return out
}

// Register applies the configured enabled override, runs Initialize and
// adds c at the end of the routing order. A failed Initialize leaves the
// registry unchanged.
func (r *Registry) Register(ctx context.Context, c Capability) error {
	if c == nil {
		return ErrInvalidCapability
	}
	info := c.Info()
	if info.Name == "" {
		return fmt.Errorf("%w: empty name", ErrInvalidCapability)
	}

	r.mu.RLock()
	_, exists := r.byName[info.Name]
	r.mu.RUnlock()
	if exists {
		return fmt.Errorf("%w: %s", ErrAlreadyRegistered, info.Name)
	}

	if init, ok := c.(Initializer); ok {
		if err := safeInit(ctx, init); err != nil {
			return fmt.Errorf("%w: %s: %v", ErrInitFailed, info.Name, err)
		}
	}

	enabled := true
	if v, ok := r.cfg.Toggles[info.Name]; ok {
		enabled = v
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.byName[info.Name]; exists {
		return fmt.Errorf("%w: %s", ErrAlreadyRegistered, info.Name)
	}
	reg := &registered{cap: c, info: info, enabled: enabled}
	r.caps = append(r.caps, reg)
	r.byName[info.Name] = reg
	r.routes.Purge()

	log.Debug().
		Str("capability", info.Name).
		Str("version", info.Version).
		Bool("enabled", enabled).
		Strs("intents", info.Intents).
		Msg("capability registered")
	return nil
}

func safeInit(ctx context.Context, init Initializer) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("initialize panicked: %v", p)
		}
	}()
	return init.Initialize(ctx)
}

// ═══════════════════════════════════════════════════════════════════════════════
// ENABLE / DISABLE
// ═══════════════════════════════════════════════════════════════════════════════

// Enable turns a capability on. The routing cache is always purged.
func (r *Registry) Enable(name string) error {
	return r.setEnabled(name, true)
}

// Disable turns a capability off. The routing cache is always purged.
func (r *Registry) Disable(name string) error {
	return r.setEnabled(name, false)
}

func (r *Registry) setEnabled(name string, enabled bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	reg, ok := r.byName[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	reg.enabled = enabled
	r.invalidateLocked()
	log.Info().Str("capability", name).Bool("enabled", enabled).Msg("capability toggled")
	return nil
}

// ApplyToggles sets the enabled flag for every named capability in one
// step and purges the routing cache. Unknown names are ignored. It
// returns the names whose state changed.
func (r *Registry) ApplyToggles(toggles map[string]bool) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var changed []string
	for _, reg := range r.caps {
		v, ok := toggles[reg.info.Name]
		if !ok || v == reg.enabled {
			continue
		}
		reg.enabled = v
		changed = append(changed, reg.info.Name)
	}
	r.invalidateLocked()
	if len(changed) > 0 {
		log.Info().Strs("changed", changed).Msg("capability toggles applied")
	}
	return changed
}

func (r *Registry) invalidateLocked() {
	r.routes.Purge()
	r.bump(func(s *Stats) { s.Invalidations++ })
}

// ═══════════════════════════════════════════════════════════════════════════════
// ROUTING AND DISPATCH
// ═══════════════════════════════════════════════════════════════════════════════

// Resolve returns the capability that would handle intent, consulting and
// filling the routing cache.
func (r *Registry) Resolve(intent string) (Capability, bool) {
	reg := r.resolve(intent)
	if reg == nil {
		return nil, false
	}
	return reg.cap, true
}

func (r *Registry) resolve(intent string) *registered {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if name, ok := r.routes.Get(intent); ok {
		if reg := r.byName[name]; reg != nil && reg.enabled && safeCanHandle(reg, intent) {
			r.bump(func(s *Stats) { s.RouteHits++ })
			return reg
		}
		// The cached owner went away, was disabled or stopped claiming the
		// intent: drop every cached route, not just this one.
		r.routes.Purge()
		r.bump(func(s *Stats) { s.Invalidations++ })
	}

	r.bump(func(s *Stats) { s.RouteMisses++ })
	for _, reg := range r.caps {
		if reg.enabled && safeCanHandle(reg, intent) {
			r.routes.Add(intent, reg.info.Name)
			return reg
		}
	}
	return nil
}

func safeCanHandle(reg *registered, intent string) (ok bool) {
	defer func() {
		if p := recover(); p != nil {
			log.Error().Str("capability", reg.info.Name).Str("intent", intent).Interface("panic", p).Msg("CanHandle panicked")
			ok = false
		}
	}()
	return reg.cap.CanHandle(intent)
}

// RouteIntent resolves intent to a capability and dispatches to it. It
// never returns an error or panics: every failure is a Response with
// Success=false and an ErrorCategory.
func (r *Registry) RouteIntent(ctx context.Context, intent string, entities []entity.Entity, snap conversation.Snapshot) Response {
	reg := r.resolve(intent)
	if reg == nil {
		r.countFailure(CategoryNoCapability)
		log.Debug().Str("intent", intent).Msg("no capability for intent")
		return Fail(CategoryNoCapability, msgNoCapability)
	}
	return r.dispatch(ctx, reg, intent, entities, snap)
}

func (r *Registry) dispatch(ctx context.Context, reg *registered, intent string, entities []entity.Entity, snap conversation.Snapshot) (resp Response) {
	name := reg.info.Name
	r.bump(func(s *Stats) { s.Dispatches++ })

	defer func() {
		if p := recover(); p != nil {
			log.Error().
				Str("capability", name).
				Str("intent", intent).
				Interface("panic", p).
				Bytes("stack", debug.Stack()).
				Msg("capability panicked")
			r.countFailure(CategoryPanic)
			resp = Fail(CategoryPanic, msgFailure)
			resp.Capability = name
			resp.Error = fmt.Sprint(p)
		}
	}()

	if v, ok := reg.cap.(Validator); ok {
		if err := v.ValidateEntities(intent, entities); err != nil {
			r.countFailure(CategoryValidation)
			log.Debug().Err(err).Str("capability", name).Str("intent", intent).Msg("entity validation failed")
			resp = Fail(CategoryValidation, err.Error())
			resp.Capability = name
			resp.Error = err.Error()
			return resp
		}
	}

	resp, err := reg.cap.Execute(ctx, intent, entities, snap)
	if err != nil {
		log.Error().Err(err).Str("capability", name).Str("intent", intent).Msg("capability execution failed")
		r.countFailure(CategoryExecution)
		resp = Fail(CategoryExecution, msgFailure)
		resp.Capability = name
		resp.Error = err.Error()
		return resp
	}

	resp.Capability = name
	if !resp.Success {
		if resp.ErrorCategory == CategoryNone {
			resp.ErrorCategory = CategoryExecution
		}
		r.countFailure(resp.ErrorCategory)
	}
	return resp
}

func (r *Registry) countFailure(cat ErrorCategory) {
	r.bump(func(s *Stats) { s.Failures[cat]++ })
}

func (r *Registry) bump(fn func(*Stats)) {
	r.statsMu.Lock()
	fn(&r.stats)
	r.statsMu.Unlock()
}

// ═══════════════════════════════════════════════════════════════════════════════
// QUERIES AND SHUTDOWN
// ═══════════════════════════════════════════════════════════════════════════════

// Get returns a registered capability by name.
func (r *Registry) Get(name string) (Capability, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.byName[name]
	if !ok {
		return nil, false
	}
	return reg.cap, true
}

// List returns every capability in routing order.
func (r *Registry) List() []Status {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Status, 0, len(r.caps))
	for _, reg := range r.caps {
		out = append(out, Status{Info: reg.info, Enabled: reg.enabled})
	}
	return out
}

// Stats returns a copy of the counters.
func (r *Registry) Stats() Stats {
	r.mu.RLock()
	registeredN := len(r.caps)
	enabledN := 0
	for _, reg := range r.caps {
		if reg.enabled {
			enabledN++
		}
	}
	r.mu.RUnlock()

	r.statsMu.Lock()
	defer r.statsMu.Unlock()
	s := r.stats
	s.Failures = make(map[ErrorCategory]int64, len(r.stats.Failures))
	for k, v := range r.stats.Failures {
		s.Failures[k] = v
	}
	s.Registered = registeredN
	s.Enabled = enabledN
	return s
}

// CachedRoutes returns the number of cached intent routes.
func (r *Registry) CachedRoutes() int {
	return r.routes.Len()
}

// Shutdown calls Cleanup on every capability, tolerating individual
// failures, then clears all registry state. The returned error joins the
// cleanup failures.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	caps := r.caps
	r.caps = nil
	r.byName = make(map[string]*registered)
	r.routes.Purge()
	r.mu.Unlock()

	var errs []error
	for _, reg := range caps {
		c, ok := reg.cap.(Cleaner)
		if !ok {
			continue
		}
		if err := safeCleanup(ctx, c); err != nil {
			log.Warn().Err(err).Str("capability", reg.info.Name).Msg("capability cleanup failed")
			errs = append(errs, fmt.Errorf("%s: %w", reg.info.Name, err))
		}
	}
	log.Info().Int("capabilities", len(caps)).Int("cleanup_failures", len(errs)).Msg("capability registry shut down")
	return errors.Join(errs...)
}

func safeCleanup(ctx context.Context, c Cleaner) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("cleanup panicked: %v", p)
		}
	}()
	return c.Cleanup(ctx)
}

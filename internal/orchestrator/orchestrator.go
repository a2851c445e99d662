// Package orchestrator composes the voice core per request: state
// tracking, response cache, intent race, entity extraction, conversation
// context, and capability dispatch.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"runtime/debug"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/semaphore"

	"github.com/normanking/cortex-voicecore/internal/bus"
	"github.com/normanking/cortex-voicecore/internal/cache"
	"github.com/normanking/cortex-voicecore/internal/capability"
	"github.com/normanking/cortex-voicecore/internal/conversation"
	"github.com/normanking/cortex-voicecore/internal/entity"
	"github.com/normanking/cortex-voicecore/internal/intent"
	"github.com/normanking/cortex-voicecore/internal/state"
	"github.com/normanking/cortex-voicecore/internal/transcript"
)

// FollowUpConfidence is assigned to an intent inherited from the previous
// turn when a follow-up utterance is otherwise unclassifiable.
const FollowUpConfidence = 0.6

const (
	msgInternal    = "Sorry, something went wrong. Please try again."
	msgUnavailable = "I'm shutting down and can't help right now."
)

var (
	// ErrShutdown is reported for requests after Shutdown.
	ErrShutdown = errors.New("orchestrator is shut down")
)

// Result is the outcome of one request. Process always returns a
// well-formed Result.
type Result struct {
	RequestID string `json:"request_id"`
	SessionID string `json:"session_id"`
	Utterance string `json:"utterance"`

	// Normalized is the utterance after transcript cleanup; it is what
	// the pipeline classified and cached.
	Normalized string `json:"normalized"`

	Success bool   `json:"success"`
	Reply   string `json:"reply"`
	Error   string `json:"error,omitempty"`

	Intent   intent.Result         `json:"intent"`
	Entities []entity.Entity       `json:"entities,omitempty"`
	Context  conversation.Snapshot `json:"context"`
	Response capability.Response   `json:"response"`

	// Continue asks the caller to keep listening for a follow-up.
	Continue bool          `json:"continue,omitempty"`
	CacheHit bool          `json:"cache_hit"`
	Latency  time.Duration `json:"latency"`
}

// Orchestrator owns every pipeline service. Requests run one at a time;
// conversation context is kept per session.
type Orchestrator struct {
	race      *intent.RaceCoordinator
	extractor *entity.Extractor
	cleaner   *transcript.Cleaner
	registry  *capability.Registry
	cache     *cache.Cache
	tracker   *state.Tracker
	bus       *bus.Bus
	closers   []io.Closer
	deadline  time.Duration
	ctxCfg    conversation.Config
	now       func() time.Time

	// pipeline serializes requests; the tracker describes the single
	// in-flight request.
	pipeline *semaphore.Weighted

	mu       sync.Mutex
	sessions map[string]*conversation.Manager

	closed atomic.Bool
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithRace sets the race coordinator. The default wraps a local-only
// classifier.
func WithRace(rc *intent.RaceCoordinator) Option {
	return func(o *Orchestrator) {
		if rc != nil {
			o.race = rc
		}
	}
}

// WithRaceDeadline overrides the coordinator's deadline per request.
func WithRaceDeadline(d time.Duration) Option {
	return func(o *Orchestrator) {
		o.deadline = d
	}
}

// WithExtractor sets the entity extractor.
func WithExtractor(x *entity.Extractor) Option {
	return func(o *Orchestrator) {
		if x != nil {
			o.extractor = x
		}
	}
}

// WithCleaner sets the transcript cleaner; nil disables cleanup.
func WithCleaner(c *transcript.Cleaner) Option {
	return func(o *Orchestrator) {
		o.cleaner = c
	}
}

// WithCache sets the response cache; nil disables caching.
func WithCache(c *cache.Cache) Option {
	return func(o *Orchestrator) {
		o.cache = c
	}
}

// WithTracker sets the state tracker.
func WithTracker(t *state.Tracker) Option {
	return func(o *Orchestrator) {
		if t != nil {
			o.tracker = t
		}
	}
}

// WithBus publishes pipeline events to b.
func WithBus(b *bus.Bus) Option {
	return func(o *Orchestrator) {
		o.bus = b
	}
}

// WithContextConfig configures the per-session context managers.
func WithContextConfig(cfg conversation.Config) Option {
	return func(o *Orchestrator) {
		o.ctxCfg = cfg
	}
}

// WithClock injects the clock used by the session context managers.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		if now != nil {
			o.now = now
		}
	}
}

// WithCloser registers a resource closed by Shutdown, such as the cache
// database.
func WithCloser(c io.Closer) Option {
	return func(o *Orchestrator) {
		if c != nil {
			o.closers = append(o.closers, c)
		}
	}
}

// New creates an orchestrator dispatching to registry.
func New(registry *capability.Registry, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		race:      intent.NewRaceCoordinator(intent.NewClassifier()),
		extractor: entity.NewExtractor(),
		cleaner:   transcript.New(),
		registry:  registry,
		cache:     cache.New(cache.DefaultConfig()),
		tracker:   state.NewTracker(),
		ctxCfg:    conversation.DefaultConfig(),
		now:       time.Now,
		pipeline:  semaphore.NewWeighted(1),
		sessions:  make(map[string]*conversation.Manager),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.registry == nil {
		o.registry = capability.NewRegistry(capability.Config{})
	}
	if o.bus != nil {
		for _, s := range state.AllStates() {
			o.tracker.OnState(s, func(tr state.Transition) {
				o.publish(bus.NewStateChangedEvent(tr.From.String(), tr.To.String()))
			})
		}
	}
	return o
}

// ═══════════════════════════════════════════════════════════════════════════════
// PIPELINE
// ═══════════════════════════════════════════════════════════════════════════════

// Process runs one utterance through the pipeline for sessionID. It never
// panics and never returns nil; failures are reported in Result.Error with
// a user-facing Reply.
func (o *Orchestrator) Process(ctx context.Context, sessionID, text string) (res *Result) {
	start := time.Now()
	res = &Result{
		RequestID: uuid.NewString(),
		SessionID: sessionID,
		Utterance: text,
	}
	defer func() {
		res.Latency = time.Since(start)
	}()

	if o.closed.Load() {
		res.Error = ErrShutdown.Error()
		res.Reply = msgUnavailable
		return res
	}
	if err := o.pipeline.Acquire(ctx, 1); err != nil {
		res.Error = fmt.Sprintf("waiting for pipeline: %v", err)
		res.Reply = msgInternal
		return res
	}
	defer o.pipeline.Release(1)

	// Shutdown may have won the race for the pipeline.
	if o.closed.Load() {
		res.Error = ErrShutdown.Error()
		res.Reply = msgUnavailable
		return res
	}

	defer func() {
		if p := recover(); p != nil {
			log.Error().
				Str("request_id", res.RequestID).
				Interface("panic", p).
				Bytes("stack", debug.Stack()).
				Msg("pipeline panicked")
			o.fail(res, fmt.Errorf("pipeline panicked: %v", p))
		}
	}()

	o.run(ctx, res, start)
	return res
}

func (o *Orchestrator) run(ctx context.Context, res *Result, start time.Time) {
	o.publish(bus.NewRequestReceivedEvent(res.RequestID, res.SessionID, res.Utterance))
	o.ensureIdle()
	o.transition(state.StateListening, res)

	text := strings.TrimSpace(res.Utterance)
	if o.cleaner != nil {
		text = o.cleaner.Clean(text)
	}
	res.Normalized = text
	mgr := o.session(res.SessionID)
	followUp := conversation.IsFollowUp(text)

	// Follow-ups depend on context, so their replies are neither served
	// from nor stored in the cache.
	if o.cache != nil && !followUp {
		if hit, ok := o.cache.Get(text, ""); ok {
			if o.servable(hit) {
				o.serveCached(res, mgr, hit, start)
				return
			}
			o.cache.Invalidate(text)
		}
	}

	o.transition(state.StateProcessing, res)

	ir := o.race.ClassifyAsync(ctx, text, o.deadline)
	snap := mgr.ContextForQuery(text)
	if ir.IsUnknown() && ir.Method != intent.MethodEmpty && snap.FollowUp && snap.LastIntent() != "" {
		ir = inherit(ir, snap.LastIntent())
	}
	res.Intent = ir
	o.publish(bus.NewIntentClassifiedEvent(res.RequestID, ir.Intent, ir.Method.String(), ir.Confidence, ir.Duration))

	res.Entities = o.extractor.Extract(text, ir.Intent)
	res.Context = snap

	o.transition(state.StateExecuting, res)

	resp := o.registry.RouteIntent(ctx, ir.Intent, res.Entities, snap)
	res.Response = resp
	if !resp.Success {
		o.publish(bus.NewCapabilityFailedEvent(res.RequestID, resp.Capability, ir.Intent, string(resp.ErrorCategory), resp.Error))
	}

	o.transition(state.StateResponding, res)

	mgr.Update(text, ir.Intent, res.Entities, resp.Message, map[string]any{
		"request_id": res.RequestID,
		"capability": resp.Capability,
		"success":    resp.Success,
		"method":     ir.Method.String(),
	})
	// The capability's delta is applied last so it overrides references
	// derived from the intent and entities.
	mgr.ApplyDelta(resp.ContextDelta)

	// A cached reply never re-applies a delta, so delta-carrying
	// responses are not stored.
	if o.cache != nil && resp.Success && !followUp && !resp.Continue &&
		len(resp.ContextDelta) == 0 && ir.Method != intent.MethodContext {
		o.cache.Set(text, ir.Intent, resp.Message, map[string]any{"capability": resp.Capability})
	}

	res.Success = resp.Success
	res.Reply = resp.Message
	res.Continue = resp.Continue
	if !resp.Success {
		res.Error = string(resp.ErrorCategory)
		if resp.Error != "" {
			res.Error += ": " + resp.Error
		}
	}

	o.transition(state.StateIdle, res)
	o.publish(bus.NewResponseGeneratedEvent(res.RequestID, resp.Capability, resp.Success, false, time.Since(start)))
}

func (o *Orchestrator) serveCached(res *Result, mgr *conversation.Manager, hit cache.Entry, start time.Time) {
	res.CacheHit = true
	res.Success = true
	res.Reply = hit.Response
	res.Intent = intent.Result{
		Intent:     hit.Intent,
		Confidence: 1.0,
		Method:     intent.MethodCache,
		Text:       res.Utterance,
	}
	res.Response = capability.Succeed(hit.Response)
	if name, ok := hit.Metadata["capability"].(string); ok {
		res.Response.Capability = name
	}

	mgr.Update(res.Normalized, hit.Intent, nil, hit.Response, map[string]any{
		"request_id": res.RequestID,
		"cache_hit":  true,
	})
	res.Context = mgr.ContextForQuery("")

	o.transition(state.StateIdle, res)
	o.publish(bus.NewResponseGeneratedEvent(res.RequestID, res.Response.Capability, true, true, time.Since(start)))
}

// servable reports whether a cached reply may still be served: the
// capability that produced it must still own the intent.
func (o *Orchestrator) servable(hit cache.Entry) bool {
	owner, ok := o.registry.Resolve(hit.Intent)
	if !ok {
		return false
	}
	name, _ := hit.Metadata["capability"].(string)
	return owner.Info().Name == name
}

// inherit reuses the previous turn's intent for an unclassified follow-up.
func inherit(ir intent.Result, previous string) intent.Result {
	meta := map[string]any{"inherited_from": previous}
	for k, v := range ir.Metadata {
		meta[k] = v
	}
	return intent.Result{
		Intent:     previous,
		Confidence: FollowUpConfidence,
		Method:     intent.MethodContext,
		Text:       ir.Text,
		Metadata:   meta,
		Duration:   ir.Duration,
	}
}

// fail converts an internal failure into a well-formed result and tries to
// restore the tracker to Idle through Error.
func (o *Orchestrator) fail(res *Result, err error) {
	res.Success = false
	res.Error = err.Error()
	res.Reply = msgInternal
	o.transition(state.StateError, res)
	o.transition(state.StateIdle, res)
	o.publish(bus.NewCapabilityFailedEvent(res.RequestID, "", res.Intent.Intent, "internal", err.Error()))
}

// ensureIdle recovers a tracker left mid-pipeline by an earlier failure.
func (o *Orchestrator) ensureIdle() {
	switch o.tracker.Current() {
	case state.StateIdle, state.StateShutdown:
		return
	}
	if !o.tracker.TransitionTo(state.StateIdle, map[string]any{"reason": "recover"}) {
		o.tracker.TransitionTo(state.StateError, nil)
		o.tracker.TransitionTo(state.StateIdle, map[string]any{"reason": "recover"})
	}
}

func (o *Orchestrator) transition(to state.PipelineState, res *Result) {
	if !o.tracker.TransitionTo(to, map[string]any{"request_id": res.RequestID}) {
		log.Debug().
			Str("request_id", res.RequestID).
			Str("from", o.tracker.Current().String()).
			Str("to", to.String()).
			Msg("state transition rejected")
	}
}

func (o *Orchestrator) publish(e bus.Event) {
	if o.bus == nil {
		return
	}
	if err := o.bus.Publish(e); err != nil && !errors.Is(err, bus.ErrClosed) {
		log.Warn().Err(err).Str("event", string(e.Type)).Msg("publish failed")
	}
}

// ═══════════════════════════════════════════════════════════════════════════════
// SESSIONS
// ═══════════════════════════════════════════════════════════════════════════════

// session returns the context manager for id, creating it on first use.
// Expired sessions are dropped from the table here.
func (o *Orchestrator) session(id string) *conversation.Manager {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.pruneSessionsLocked(id)
	m, ok := o.sessions[id]
	if !ok {
		m = conversation.NewManager(o.ctxCfg, conversation.WithClock(o.now))
		o.sessions[id] = m
	}
	return m
}

func (o *Orchestrator) pruneSessionsLocked(keep string) int {
	n := 0
	for sid, m := range o.sessions {
		if sid != keep && m.IsExpired() {
			delete(o.sessions, sid)
			n++
		}
	}
	return n
}

// Prune drops expired sessions and expired cache entries. It returns how
// many of each were removed.
func (o *Orchestrator) Prune() (sessions, entries int) {
	o.mu.Lock()
	sessions = o.pruneSessionsLocked("")
	o.mu.Unlock()
	if o.cache != nil {
		entries = o.cache.PruneExpired()
	}
	return sessions, entries
}

// Session returns the summary of a live session.
func (o *Orchestrator) Session(id string) (conversation.Summary, bool) {
	o.mu.Lock()
	m, ok := o.sessions[id]
	o.mu.Unlock()
	if !ok {
		return conversation.Summary{}, false
	}
	return m.Summary(), true
}

// ResetSession clears the conversation context for id.
func (o *Orchestrator) ResetSession(id string) {
	o.mu.Lock()
	m, ok := o.sessions[id]
	o.mu.Unlock()
	if ok {
		m.Reset()
	}
}

// SessionCount returns the number of sessions held.
func (o *Orchestrator) SessionCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.sessions)
}

// ═══════════════════════════════════════════════════════════════════════════════
// ACCESSORS AND SHUTDOWN
// ═══════════════════════════════════════════════════════════════════════════════

// Stats aggregates the counters of every service.
type Stats struct {
	State      state.PipelineState `json:"state"`
	InState    time.Duration       `json:"in_state"`
	Sessions   int                 `json:"sessions"`
	Classifier intent.Stats        `json:"classifier"`
	Race       intent.RaceStats    `json:"race"`
	Registry   capability.Stats    `json:"registry"`
	Cache      *cache.Stats        `json:"cache,omitempty"`
}

// Stats returns a snapshot of all counters.
func (o *Orchestrator) Stats() Stats {
	s := Stats{
		State:      o.tracker.Current(),
		InState:    o.tracker.TimeInState(),
		Sessions:   o.SessionCount(),
		Classifier: o.race.Classifier().Stats(),
		Race:       o.race.Stats(),
		Registry:   o.registry.Stats(),
	}
	if o.cache != nil {
		cs := o.cache.Stats()
		s.Cache = &cs
	}
	return s
}

// Registry returns the capability registry.
func (o *Orchestrator) Registry() *capability.Registry {
	return o.registry
}

// Tracker returns the state tracker.
func (o *Orchestrator) Tracker() *state.Tracker {
	return o.tracker
}

// Cache returns the response cache, or nil when caching is disabled.
func (o *Orchestrator) Cache() *cache.Cache {
	return o.cache
}

// Shutdown waits for the in-flight request, moves the tracker to
// Shutdown, cleans up capabilities, drains detached remote calls and
// closes registered resources. Later calls to Process fail fast.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	if !o.closed.CompareAndSwap(false, true) {
		return ErrShutdown
	}

	var errs []error
	if err := o.pipeline.Acquire(ctx, 1); err != nil {
		errs = append(errs, fmt.Errorf("waiting for in-flight request: %w", err))
	} else {
		defer o.pipeline.Release(1)
	}

	o.tracker.TransitionTo(state.StateShutdown, map[string]any{"reason": "shutdown"})

	if err := o.registry.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("capabilities: %w", err))
	}
	if err := o.race.Wait(ctx); err != nil {
		errs = append(errs, fmt.Errorf("remote classifications: %w", err))
	}
	for _, c := range o.closers {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}

	log.Info().Int("errors", len(errs)).Msg("orchestrator shut down")
	return errors.Join(errs...)
}

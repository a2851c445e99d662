// Package timer sets, cancels and lists countdown timers. Timers live in
// the capability; the session context tracks their ids through context
// deltas so "cancel it" can resolve to the newest one.
package timer

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/normanking/cortex-voicecore/internal/capability"
	"github.com/normanking/cortex-voicecore/internal/conversation"
	"github.com/normanking/cortex-voicecore/internal/entity"
)

// Name is the capability name.
const Name = "timer"

const (
	IntentSet    = "timer.set"
	IntentCancel = "timer.cancel"
	IntentList   = "timer.list"
)

// MaxDuration caps a single timer.
const MaxDuration = 24 * time.Hour

// ErrMissingDuration is returned by validation when timer.set carries no
// duration.
var ErrMissingDuration = errors.New("How long should I set the timer for?")

// Timer is one running countdown.
type Timer struct {
	ID       string
	Duration time.Duration
	Due      time.Time
}

type running struct {
	Timer
	seq int
	t   *time.Timer
}

// Capability owns the running timers.
type Capability struct {
	capability.Base

	mu     sync.Mutex
	timers map[string]*running
	seq    int
	now    func() time.Time
	notify func(Timer)
	after  func(time.Duration, func()) *time.Timer
}

// Option configures the capability.
type Option func(*Capability)

// WithClock injects the time source used for due times.
func WithClock(now func() time.Time) Option {
	return func(c *Capability) {
		c.now = now
	}
}

// WithNotify sets the callback run when a timer fires.
func WithNotify(fn func(Timer)) Option {
	return func(c *Capability) {
		c.notify = fn
	}
}

// New creates the capability.
func New(opts ...Option) *Capability {
	c := &Capability{
		Base: capability.Base{Meta: capability.Info{
			Name:        Name,
			Description: "Countdown timers",
			Version:     "1.0.0",
			Intents:     []string{IntentSet, IntentCancel, IntentList},
		}},
		timers: make(map[string]*running),
		now:    time.Now,
		after:  time.AfterFunc,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Factory returns the discovery factory.
func Factory(opts ...Option) capability.Factory {
	return capability.Factory{
		Name: Name,
		New:  func() (capability.Capability, error) { return New(opts...), nil },
	}
}

// Initialize implements capability.Initializer.
func (c *Capability) Initialize(ctx context.Context) error {
	log.Debug().Str("capability", Name).Msg("timer capability ready")
	return nil
}

// ValidateEntities implements capability.Validator.
func (c *Capability) ValidateEntities(intentTag string, entities []entity.Entity) error {
	if intentTag != IntentSet {
		return nil
	}
	_, err := requestedDuration(entities)
	return err
}

// requestedDuration reads the duration entity. Seconds are bounded before
// conversion so huge spoken quantities cannot overflow time.Duration.
func requestedDuration(entities []entity.Entity) (time.Duration, error) {
	d, ok := entity.First(entities, entity.TypeDuration)
	if !ok {
		return 0, ErrMissingDuration
	}
	secs, ok := d.Seconds()
	if !ok || secs <= 0 {
		return 0, ErrMissingDuration
	}
	if secs > int(MaxDuration/time.Second) {
		return 0, fmt.Errorf("I can only set timers up to %s.", humanize(MaxDuration))
	}
	return time.Duration(secs) * time.Second, nil
}

// Execute implements capability.Capability.
func (c *Capability) Execute(ctx context.Context, intentTag string, entities []entity.Entity, snap conversation.Snapshot) (capability.Response, error) {
	switch intentTag {
	case IntentSet:
		return c.set(entities)
	case IntentCancel:
		return c.cancel(entities, snap), nil
	case IntentList:
		return c.list(), nil
	}
	return capability.Response{}, fmt.Errorf("unsupported intent %q", intentTag)
}

func (c *Capability) set(entities []entity.Entity) (capability.Response, error) {
	dur, err := requestedDuration(entities)
	if err != nil {
		return capability.Response{}, err
	}

	c.mu.Lock()
	c.seq++
	r := &running{
		Timer: Timer{
			ID:       fmt.Sprintf("timer-%d", c.seq),
			Duration: dur,
			Due:      c.now().Add(dur),
		},
		seq: c.seq,
	}
	id := r.ID
	r.t = c.after(dur, func() { c.fire(id) })
	c.timers[id] = r
	c.mu.Unlock()

	log.Info().Str("timer_id", id).Dur("duration", dur).Msg("timer set")

	resp := capability.Succeed(fmt.Sprintf("Timer set for %s.", humanize(dur)))
	resp.Data = map[string]any{"timer_id": id, "seconds": int(dur / time.Second)}
	resp.ContextDelta = map[string]any{
		conversation.DeltaTimerID: id,
		conversation.DeltaTopic:   "timer",
	}
	return resp, nil
}

func (c *Capability) fire(id string) {
	c.mu.Lock()
	r, ok := c.timers[id]
	if ok {
		delete(c.timers, id)
	}
	notify := c.notify
	c.mu.Unlock()
	if !ok {
		return
	}

	log.Info().Str("timer_id", id).Msg("timer finished")
	if notify != nil {
		notify(r.Timer)
	}
}

func (c *Capability) cancel(entities []entity.Entity, snap conversation.Snapshot) capability.Response {
	c.mu.Lock()
	defer c.mu.Unlock()

	var target *running
	if e, ok := entity.First(entities, entity.TypeTimerID); ok {
		target = c.timers[e.String()]
	} else {
		target = c.newestLocked(snap.ActiveTimers)
	}
	if target == nil {
		return capability.Fail(capability.CategoryValidation, "You don't have any timers running.")
	}

	target.t.Stop()
	delete(c.timers, target.ID)
	log.Info().Str("timer_id", target.ID).Msg("timer cancelled")

	resp := capability.Succeed(fmt.Sprintf("Cancelled your %s timer.", humanize(target.Duration)))
	resp.ContextDelta = map[string]any{conversation.DeltaRemoveTimerID: target.ID}
	return resp
}

// newestLocked picks the newest live timer the session knows about,
// falling back to the newest overall.
func (c *Capability) newestLocked(known []string) *running {
	for i := len(known) - 1; i >= 0; i-- {
		if r, ok := c.timers[known[i]]; ok {
			return r
		}
	}
	var newest *running
	for _, r := range c.timers {
		if newest == nil || r.seq > newest.seq {
			newest = r
		}
	}
	return newest
}

func (c *Capability) list() capability.Response {
	active := c.Active()
	if len(active) == 0 {
		return capability.Succeed("You don't have any timers running.")
	}

	now := c.now()
	parts := make([]string, 0, len(active))
	ids := make([]string, 0, len(active))
	for _, t := range active {
		left := t.Due.Sub(now).Round(time.Second)
		if left < 0 {
			left = 0
		}
		parts = append(parts, humanize(left)+" left on your "+humanize(t.Duration)+" timer")
		ids = append(ids, t.ID)
	}

	noun := "timers"
	if len(active) == 1 {
		noun = "timer"
	}
	resp := capability.Succeed(fmt.Sprintf("You have %d %s: %s.", len(active), noun, strings.Join(parts, "; ")))
	resp.Data = map[string]any{"timer_ids": ids}
	return resp
}

// Active returns the running timers in creation order.
func (c *Capability) Active() []Timer {
	c.mu.Lock()
	rs := make([]*running, 0, len(c.timers))
	for _, r := range c.timers {
		rs = append(rs, r)
	}
	c.mu.Unlock()

	sort.Slice(rs, func(i, j int) bool { return rs[i].seq < rs[j].seq })
	out := make([]Timer, len(rs))
	for i, r := range rs {
		out[i] = r.Timer
	}
	return out
}

// Cleanup implements capability.Cleaner by stopping every timer.
func (c *Capability) Cleanup(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, r := range c.timers {
		r.t.Stop()
		delete(c.timers, id)
	}
	return nil
}

// humanize renders d as "5 minutes", "1 hour 30 minutes" or "45 seconds".
func humanize(d time.Duration) string {
	d = d.Round(time.Second)
	h := int(d / time.Hour)
	m := int(d % time.Hour / time.Minute)
	s := int(d % time.Minute / time.Second)

	var parts []string
	add := func(n int, unit string) {
		if n == 0 {
			return
		}
		if n != 1 {
			unit += "s"
		}
		parts = append(parts, fmt.Sprintf("%d %s", n, unit))
	}
	add(h, "hour")
	add(m, "minute")
	add(s, "second")
	if len(parts) == 0 {
		return "0 seconds"
	}
	return strings.Join(parts, " ")
}

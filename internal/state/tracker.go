// Package state implements the pipeline state machine for the voice core.
// A request moves Idle → Listening → Processing → Executing → Responding → Idle;
// Error and Shutdown are side exits reachable from anywhere.
package state

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// PipelineState is the current stage of the request pipeline.
type PipelineState string

const (
	StateIdle       PipelineState = "idle"
	StateListening  PipelineState = "listening"
	StateProcessing PipelineState = "processing"
	StateExecuting  PipelineState = "executing"
	StateResponding PipelineState = "responding"
	StateError      PipelineState = "error"
	StateShutdown   PipelineState = "shutdown"
)

// DefaultHistorySize is the number of transitions retained in the ring.
const DefaultHistorySize = 100

// AllStates returns every pipeline state in lifecycle order.
func AllStates() []PipelineState {
	return []PipelineState{
		StateIdle,
		StateListening,
		StateProcessing,
		StateExecuting,
		StateResponding,
		StateError,
		StateShutdown,
	}
}

// String returns the string representation of a PipelineState.
func (s PipelineState) String() string {
	return string(s)
}

// allowed is the fixed forward transition table. Error and Shutdown are
// handled separately in canTransition: both are reachable from every live
// state, and Error may be re-entered.
var allowed = map[PipelineState][]PipelineState{
	StateIdle:       {StateListening},
	StateListening:  {StateProcessing, StateIdle},
	StateProcessing: {StateExecuting, StateIdle},
	StateExecuting:  {StateResponding, StateIdle},
	StateResponding: {StateIdle},
	StateError:      {StateIdle},
}

// Transition records a single accepted state change.
type Transition struct {
	From     PipelineState  `json:"from"`
	To       PipelineState  `json:"to"`
	At       time.Time      `json:"at"`
	Metadata map[string]any `json:"metadata,omitempty"`
	Duration time.Duration  `json:"duration"` // time spent in From
	Sequence uint64         `json:"sequence"`
}

// Observer is called after the tracker enters a state.
type Observer func(Transition)

// Tracker is a mutex-guarded finite-state machine with a bounded history
// ring and per-state observers.
type Tracker struct {
	mu sync.Mutex

	current     PipelineState
	enteredAt   time.Time
	history     []Transition
	historySize int
	next        int // ring write position
	filled      bool
	seq         uint64

	observers map[PipelineState][]Observer
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithHistorySize sets the transition ring capacity.
func WithHistorySize(n int) Option {
	return func(t *Tracker) {
		if n > 0 {
			t.historySize = n
		}
	}
}

// NewTracker creates a tracker in the Idle state.
func NewTracker(opts ...Option) *Tracker {
	t := &Tracker{
		current:     StateIdle,
		enteredAt:   time.Now(),
		historySize: DefaultHistorySize,
		observers:   make(map[PipelineState][]Observer),
	}
	for _, opt := range opts {
		opt(t)
	}
	t.history = make([]Transition, t.historySize)
	return t
}

// Current returns the current state.
func (t *Tracker) Current() PipelineState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.current
}

// IsTerminal reports whether the tracker has been shut down.
func (t *Tracker) IsTerminal() bool {
	return t.Current() == StateShutdown
}

// CanTransition reports whether target is reachable from the current state.
func (t *Tracker) CanTransition(target PipelineState) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return canTransition(t.current, target)
}

func canTransition(from, to PipelineState) bool {
	switch {
	case from == StateShutdown:
		return false
	case to == StateShutdown, to == StateError:
		// Error re-enters itself so a second failure during recovery is
		// still recorded.
		return true
	case from == StateError:
		return to == StateIdle
	}
	for _, s := range allowed[from] {
		if s == to {
			return true
		}
	}
	return false
}

// TransitionTo moves to target if the table allows it. A rejected
// transition leaves the state unchanged and returns false.
func (t *Tracker) TransitionTo(target PipelineState, metadata map[string]any) bool {
	t.mu.Lock()
	from := t.current
	if !canTransition(from, target) {
		t.mu.Unlock()
		log.Debug().
			Str("from", from.String()).
			Str("to", target.String()).
			Msg("state transition rejected")
		return false
	}

	now := time.Now()
	t.seq++
	tr := Transition{
		From:     from,
		To:       target,
		At:       now,
		Metadata: copyMetadata(metadata),
		Duration: now.Sub(t.enteredAt),
		Sequence: t.seq,
	}
	t.current = target
	t.enteredAt = now
	t.record(tr)

	observers := make([]Observer, len(t.observers[target]))
	copy(observers, t.observers[target])
	t.mu.Unlock()

	for _, obs := range observers {
		t.notify(obs, tr)
	}
	return true
}

// record appends to the ring (must hold lock).
func (t *Tracker) record(tr Transition) {
	t.history[t.next] = tr
	t.next = (t.next + 1) % t.historySize
	if t.next == 0 {
		t.filled = true
	}
}

// notify runs an observer, containing any panic it raises.
func (t *Tracker) notify(obs Observer, tr Transition) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Str("state", tr.To.String()).
				Str("panic", fmt.Sprint(r)).
				Msg("state observer failed")
		}
	}()
	obs(tr)
}

// OnState registers an observer fired synchronously each time the tracker
// enters state.
func (t *Tracker) OnState(state PipelineState, obs Observer) {
	if obs == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.observers[state] = append(t.observers[state], obs)
}

// History returns up to n most recent transitions, oldest first.
// n <= 0 returns the whole ring.
func (t *Tracker) History(n int) []Transition {
	t.mu.Lock()
	defer t.mu.Unlock()

	size := t.next
	if t.filled {
		size = t.historySize
	}
	if n <= 0 || n > size {
		n = size
	}

	out := make([]Transition, 0, n)
	start := t.next - n
	if start < 0 {
		start += t.historySize
	}
	for i := 0; i < n; i++ {
		out = append(out, t.history[(start+i)%t.historySize])
	}
	return out
}

// TimeInState returns how long the tracker has been in its current state.
func (t *Tracker) TimeInState() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return time.Since(t.enteredAt)
}

// Reset forces the tracker back to Idle and clears the history ring.
// Observers are kept. Used after a shutdown in tests and by the REPL.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.current = StateIdle
	t.enteredAt = time.Now()
	t.history = make([]Transition, t.historySize)
	t.next = 0
	t.filled = false
}

func copyMetadata(m map[string]any) map[string]any {
	if len(m) == 0 {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

package intent

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/semaphore"
)

const (
	// DefaultRaceDeadline is how long ClassifyAsync waits for the remote.
	DefaultRaceDeadline = 300 * time.Millisecond

	// DefaultRaceWorkers bounds concurrent in-flight remote calls.
	DefaultRaceWorkers = 4
)

// RaceStats tracks race outcomes.
type RaceStats struct {
	LocalOnly  int64 `json:"local_only"`  // local met the threshold or remote disabled
	Started    int64 `json:"started"`     // remote call issued
	RemoteWins int64 `json:"remote_wins"` // remote beat local
	LocalWins  int64 `json:"local_wins"`  // remote answered, local kept
	Timeouts   int64 `json:"timeouts"`    // deadline hit before remote answered
	Failures   int64 `json:"failures"`    // remote returned an error
	Saturated  int64 `json:"saturated"`   // worker pool full, remote skipped
}

// RaceCoordinator races the local ladder against the remote classifier
// under a deadline. Remote calls run on a bounded worker pool; a call that
// misses the deadline is detached, not killed, and its result discarded.
type RaceCoordinator struct {
	classifier *Classifier
	workers    *semaphore.Weighted
	deadline   time.Duration

	// inflight tracks detached goroutines so Wait can drain them.
	inflight sync.WaitGroup

	mu    sync.Mutex
	stats RaceStats
}

// RaceOption configures a RaceCoordinator.
type RaceOption func(*RaceCoordinator)

// WithDeadline sets the default deadline used when ClassifyAsync is given 0.
func WithDeadline(d time.Duration) RaceOption {
	return func(r *RaceCoordinator) {
		if d > 0 {
			r.deadline = d
		}
	}
}

// WithWorkers sets the worker pool size.
func WithWorkers(n int) RaceOption {
	return func(r *RaceCoordinator) {
		if n > 0 {
			r.workers = semaphore.NewWeighted(int64(n))
		}
	}
}

// NewRaceCoordinator wraps classifier.
func NewRaceCoordinator(classifier *Classifier, opts ...RaceOption) *RaceCoordinator {
	r := &RaceCoordinator{
		classifier: classifier,
		workers:    semaphore.NewWeighted(DefaultRaceWorkers),
		deadline:   DefaultRaceDeadline,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Classifier returns the wrapped classifier.
func (r *RaceCoordinator) Classifier() *Classifier {
	return r.classifier
}

type remoteOutcome struct {
	res Result
	err error
}

// ClassifyAsync computes the local result, and when it is below threshold
// races the remote classifier against deadline (0 uses the configured
// default). On timeout the local result is returned; otherwise the higher
// confidence wins with ties going to local.
func (r *RaceCoordinator) ClassifyAsync(ctx context.Context, text string, deadline time.Duration) Result {
	start := time.Now()
	if deadline <= 0 {
		deadline = r.deadline
	}

	local := r.classifier.LocalOnly(text)
	if local.Method == MethodEmpty || local.Confidence >= r.classifier.Threshold() || !r.classifier.RemoteEnabled() {
		r.bump(func(s *RaceStats) { s.LocalOnly++ })
		return r.finish(local, start)
	}

	if !r.workers.TryAcquire(1) {
		r.bump(func(s *RaceStats) { s.Saturated++ })
		log.Debug().Msg("race worker pool saturated, using local result")
		return r.finish(local, start)
	}
	r.bump(func(s *RaceStats) { s.Started++ })

	// The remote context is detached from the caller's cancellation so a
	// finished request does not tear down a call another caller is not
	// waiting on; cancel is still called at the deadline as an advisory stop.
	remoteCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan remoteOutcome, 1)

	r.inflight.Add(1)
	go func() {
		defer r.inflight.Done()
		defer r.workers.Release(1)
		defer cancel()
		res, err := r.classifier.CallRemote(remoteCtx, text)
		done <- remoteOutcome{res: res, err: err}
	}()

	timer := time.NewTimer(deadline)
	defer timer.Stop()

	select {
	case out := <-done:
		if out.err != nil {
			r.bump(func(s *RaceStats) { s.Failures++ })
			return r.finish(local, start)
		}
		if out.res.Confidence > local.Confidence {
			r.bump(func(s *RaceStats) { s.RemoteWins++ })
			return r.finish(out.res, start)
		}
		r.bump(func(s *RaceStats) { s.LocalWins++ })
		return r.finish(local, start)

	case <-timer.C:
		cancel()
		r.bump(func(s *RaceStats) { s.Timeouts++ })
		log.Debug().Dur("deadline", deadline).Msg("remote classification missed deadline")
		return r.finish(local, start)

	case <-ctx.Done():
		cancel()
		r.bump(func(s *RaceStats) { s.Timeouts++ })
		return r.finish(local, start)
	}
}

func (r *RaceCoordinator) finish(res Result, start time.Time) Result {
	res.Duration = time.Since(start)
	r.classifier.Record(res)
	return res
}

func (r *RaceCoordinator) bump(fn func(*RaceStats)) {
	r.mu.Lock()
	fn(&r.stats)
	r.mu.Unlock()
}

// Stats returns a copy of the race statistics.
func (r *RaceCoordinator) Stats() RaceStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stats
}

// Wait blocks until every detached remote call has returned or ctx ends.
// Used on shutdown and in tests.
func (r *RaceCoordinator) Wait(ctx context.Context) error {
	drained := make(chan struct{})
	go func() {
		r.inflight.Wait()
		close(drained)
	}()
	select {
	case <-drained:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

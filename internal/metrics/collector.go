// Package metrics aggregates pipeline events from the bus into session
// statistics and Prometheus collectors.
package metrics

import (
	"sync"
	"time"

	"github.com/normanking/cortex-voicecore/internal/bus"
)

// Collector subscribes to the event bus and aggregates metrics.
type Collector struct {
	bus          *bus.Bus
	prom         *Metrics
	session      *SessionStats
	recentEvents []bus.Event
	mu           sync.RWMutex
	maxEvents    int
	sub          bus.SubscriptionID
	started      bool
	stopped      bool
}

// SessionStats holds current session metrics.
type SessionStats struct {
	StartTime      time.Time
	RequestCount   int
	CacheHits      int
	SuccessCount   int
	FailureCount   int
	TotalLatencyMs int64
	RemoteWins     int
	Failures       map[string]int
	Intents        map[string]int
	LastEvent      string
	LastEventTime  time.Time
}

// Responses is the number of requests that produced a reply.
func (s SessionStats) Responses() int {
	return s.SuccessCount + s.FailureCount
}

// NewCollector creates a metrics collector. prom may be nil to keep only
// the in-process session stats.
func NewCollector(eventBus *bus.Bus, prom *Metrics) *Collector {
	return &Collector{
		bus:  eventBus,
		prom: prom,
		session: &SessionStats{
			StartTime: time.Now(),
			Failures:  make(map[string]int),
			Intents:   make(map[string]int),
		},
		maxEvents: 50,
	}
}

// Start begins listening to the event bus.
func (c *Collector) Start() {
	if c.bus == nil {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stopped || c.started {
		return
	}
	c.started = true
	c.sub = c.bus.Subscribe(bus.EventType(""), c.Observe)
}

// Stop stops listening.
func (c *Collector) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stopped {
		return
	}
	c.stopped = true
	if c.sub != "" {
		_ = c.bus.Unsubscribe(c.sub)
		c.sub = ""
	}
}

// GetSessionStats returns a copy of the current session stats.
func (c *Collector) GetSessionStats() SessionStats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	stats := *c.session
	stats.Failures = make(map[string]int, len(c.session.Failures))
	for k, v := range c.session.Failures {
		stats.Failures[k] = v
	}
	stats.Intents = make(map[string]int, len(c.session.Intents))
	for k, v := range c.session.Intents {
		stats.Intents[k] = v
	}
	return stats
}

// GetRecentEvents returns the most recent n events.
func (c *Collector) GetRecentEvents(n int) []bus.Event {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if n > len(c.recentEvents) {
		n = len(c.recentEvents)
	}
	if n < 0 {
		n = 0
	}

	events := make([]bus.Event, n)
	copy(events, c.recentEvents[len(c.recentEvents)-n:])
	return events
}

// Observe folds one event into the stats. It is the bus handler and may
// also be called directly.
func (c *Collector) Observe(event bus.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.recentEvents = append(c.recentEvents, event)
	if len(c.recentEvents) > c.maxEvents {
		c.recentEvents = c.recentEvents[1:]
	}
	c.session.LastEvent = string(event.Type)
	c.session.LastEventTime = event.Timestamp

	switch event.Type {
	case bus.EventRequestReceived:
		c.handleRequestReceived()
	case bus.EventIntentClassified:
		c.handleClassified(event)
	case bus.EventCacheHit, bus.EventResponseGenerated:
		c.handleResponse(event)
	case bus.EventCapabilityFailed:
		c.handleCapabilityFailed(event)
	case bus.EventStateChanged:
		if c.prom != nil {
			c.prom.StateTransitions.WithLabelValues(event.FromState, event.ToState).Inc()
		}
	case bus.EventCapabilityToggled:
		if c.prom != nil {
			v := 0.0
			if event.Enabled {
				v = 1
			}
			c.prom.CapabilityToggle.WithLabelValues(event.Capability).Set(v)
		}
	}
}

func (c *Collector) handleRequestReceived() {
	c.session.RequestCount++
	if c.prom != nil {
		c.prom.Requests.Inc()
	}
}

func (c *Collector) handleClassified(e bus.Event) {
	c.session.Intents[e.Intent]++
	if e.Method == "remote" {
		c.session.RemoteWins++
	}
	if c.prom != nil {
		c.prom.Classifications.WithLabelValues(e.Method).Inc()
		c.prom.IntentConfidence.Observe(e.Confidence)
	}
}

func (c *Collector) handleResponse(e bus.Event) {
	if e.Success {
		c.session.SuccessCount++
	} else {
		c.session.FailureCount++
	}
	c.session.TotalLatencyMs += e.DurationMs

	outcome := "success"
	if !e.Success {
		outcome = "failure"
	}
	capability := e.Capability
	if e.Type == bus.EventCacheHit {
		c.session.CacheHits++
		capability = "cache"
	}
	if capability == "" {
		capability = "none"
	}

	if c.prom != nil {
		if e.Type == bus.EventCacheHit {
			c.prom.CacheHits.Inc()
		}
		c.prom.Responses.WithLabelValues(capability, outcome).Inc()
		c.prom.RequestDuration.Observe(e.Duration().Seconds())
	}
}

func (c *Collector) handleCapabilityFailed(e bus.Event) {
	c.session.Failures[e.Category]++
	if c.prom != nil {
		capability := e.Capability
		if capability == "" {
			capability = "none"
		}
		c.prom.CapabilityErrors.WithLabelValues(capability, e.Category).Inc()
	}
}

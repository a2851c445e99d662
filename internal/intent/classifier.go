package intent

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// DefaultRemoteTimeout bounds the inline remote call made by Classify.
const DefaultRemoteTimeout = 2 * time.Second

// Classifier runs the strategy ladder: rule patterns, then the optional
// NER matcher, then the optional remote classifier. Each step runs only
// while confidence is below the threshold.
type Classifier struct {
	rules         []Rule
	ner           NERMatcher
	remote        RemoteClassifier
	remoteEnabled bool
	remoteTimeout time.Duration
	threshold     float64

	mu    sync.Mutex
	stats Stats
}

// Option is a functional option for configuring Classifier.
type Option func(*Classifier)

// WithThreshold sets the confidence threshold.
func WithThreshold(threshold float64) Option {
	return func(c *Classifier) {
		c.threshold = clamp(threshold)
	}
}

// WithRules replaces the rule table.
func WithRules(rules []Rule) Option {
	return func(c *Classifier) {
		c.rules = rules
	}
}

// WithExtraRules appends rules after the current table.
func WithExtraRules(rules ...Rule) Option {
	return func(c *Classifier) {
		c.rules = append(c.rules, rules...)
	}
}

// WithNER sets the structured matcher.
func WithNER(ner NERMatcher) Option {
	return func(c *Classifier) {
		c.ner = ner
	}
}

// WithRemote sets the remote classifier. A nil remote disables the fallback.
func WithRemote(remote RemoteClassifier, enabled bool) Option {
	return func(c *Classifier) {
		c.remote = remote
		c.remoteEnabled = enabled && remote != nil
	}
}

// WithRemoteTimeout bounds the inline remote call.
func WithRemoteTimeout(d time.Duration) Option {
	return func(c *Classifier) {
		if d > 0 {
			c.remoteTimeout = d
		}
	}
}

// NewClassifier creates a classifier with the built-in rule table and no
// NER or remote strategy.
func NewClassifier(opts ...Option) *Classifier {
	c := &Classifier{
		rules:         DefaultRules(),
		threshold:     DefaultConfidenceThreshold,
		remoteTimeout: DefaultRemoteTimeout,
		stats:         Stats{ByMethod: make(map[Method]int64)},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Threshold returns the configured confidence threshold.
func (c *Classifier) Threshold() float64 {
	return c.threshold
}

// RemoteEnabled reports whether the remote strategy is configured, enabled
// and currently available.
func (c *Classifier) RemoteEnabled() bool {
	if !c.remoteEnabled || c.remote == nil {
		return false
	}
	if a, ok := c.remote.(Availability); ok {
		return a.Available()
	}
	return true
}

// Classify runs the full ladder. Remote failures are absorbed: the best
// local result is returned instead.
func (c *Classifier) Classify(ctx context.Context, text string) Result {
	start := time.Now()
	res := c.local(text)

	if res.Method != MethodEmpty && res.Confidence < c.threshold && c.RemoteEnabled() {
		callCtx, cancel := context.WithTimeout(ctx, c.remoteTimeout)
		remote, err := c.CallRemote(callCtx, text)
		cancel()
		if err == nil && remote.Confidence > res.Confidence {
			res = remote
		}
	}

	res.Duration = time.Since(start)
	c.record(res)
	return res
}

// LocalOnly runs the rule and NER strategies. It never touches the network.
func (c *Classifier) LocalOnly(text string) Result {
	start := time.Now()
	res := c.local(text)
	res.Duration = time.Since(start)
	return res
}

func (c *Classifier) local(text string) Result {
	normalized := normalize(text)
	if normalized == "" {
		return Result{Intent: Unknown, Confidence: 1.0, Method: MethodEmpty, Text: text}
	}

	res := Result{Intent: Unknown, Confidence: 0, Method: MethodNone, Text: text}

	if m, ok := matchRules(c.rules, normalized); ok {
		res = Result{
			Intent:     m.intent,
			Confidence: clamp(m.confidence),
			Method:     MethodPattern,
			Text:       text,
			Metadata: map[string]any{
				"pattern": m.pattern,
				"span":    m.span,
			},
		}
	}

	if res.Confidence < c.threshold && c.ner != nil {
		if tag, ok := c.ner.Match(text); ok && ValidTag(tag) && NERConfidence > res.Confidence {
			res = Result{
				Intent:     tag,
				Confidence: NERConfidence,
				Method:     MethodNER,
				Text:       text,
			}
		}
	}
	return res
}

// CallRemote invokes the remote classifier once and converts its answer.
// The returned error is for callers that want to log it; Classify and the
// race coordinator both treat any error as "no remote result".
func (c *Classifier) CallRemote(ctx context.Context, text string) (res Result, err error) {
	if c.remote == nil {
		return Result{}, ErrNoRemote
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("remote classifier panicked: %v", r)
		}
		if err != nil {
			c.mu.Lock()
			c.stats.RemoteFailures++
			c.mu.Unlock()
			log.Debug().Err(err).Msg("remote classification failed")
		}
	}()

	c.mu.Lock()
	c.stats.RemoteCalls++
	c.mu.Unlock()

	out, err := c.remote.Classify(ctx, text)
	if err != nil {
		return Result{}, fmt.Errorf("remote classify: %w", err)
	}
	if !ValidTag(out.Intent) {
		return Result{}, fmt.Errorf("%w: %q", ErrInvalidIntent, out.Intent)
	}

	res = Result{
		Intent:     out.Intent,
		Confidence: clamp(out.Confidence),
		Method:     MethodRemote,
		Text:       text,
	}
	if out.Rationale != "" {
		res.Metadata = map[string]any{"rationale": out.Rationale}
	}
	return res, nil
}

// record updates statistics under lock.
func (c *Classifier) record(res Result) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.stats.Total++
	c.stats.ByMethod[res.Method]++
	total := float64(c.stats.Total)
	c.stats.AverageConfidence = (c.stats.AverageConfidence*(total-1) + res.Confidence) / total
}

// Record lets wrappers (the race coordinator) account for results they
// produced without going through Classify.
func (c *Classifier) Record(res Result) {
	c.record(res)
}

// Stats returns a copy of the current statistics.
func (c *Classifier) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	byMethod := make(map[Method]int64, len(c.stats.ByMethod))
	for k, v := range c.stats.ByMethod {
		byMethod[k] = v
	}
	s := c.stats
	s.ByMethod = byMethod
	return s
}

// ResetStats clears all statistics.
func (c *Classifier) ResetStats() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stats = Stats{ByMethod: make(map[Method]int64)}
}

package intent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"
)

// ═══════════════════════════════════════════════════════════════════════════════
// GUARD
// ═══════════════════════════════════════════════════════════════════════════════

// GuardConfig configures the circuit breaker and rate limiter placed in
// front of a remote classifier.
type GuardConfig struct {
	Name string
	// MaxRequests allowed through while half-open.
	MaxRequests uint32
	// Interval is the cyclic period for clearing counts while closed.
	Interval time.Duration
	// OpenTimeout is how long the breaker stays open before probing.
	OpenTimeout time.Duration
	// FailureThreshold is the consecutive failure count that trips the breaker.
	FailureThreshold uint32
	// RatePerSecond caps remote calls; 0 means unlimited.
	RatePerSecond float64
	// Burst is the limiter bucket size.
	Burst int
}

// DefaultGuardConfig returns production defaults.
func DefaultGuardConfig() GuardConfig {
	return GuardConfig{
		Name:             "remote-classifier",
		MaxRequests:      1,
		Interval:         time.Minute,
		OpenTimeout:      30 * time.Second,
		FailureThreshold: 3,
		RatePerSecond:    5,
		Burst:            5,
	}
}

// Guard wraps a RemoteClassifier with a circuit breaker and a rate limiter.
// It implements both RemoteClassifier and Availability, so the classifier
// stops calling a provider that keeps failing.
type Guard struct {
	remote  RemoteClassifier
	breaker *gobreaker.CircuitBreaker
	limiter *rate.Limiter
}

// NewGuard wraps remote.
func NewGuard(remote RemoteClassifier, cfg GuardConfig) *Guard {
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = DefaultGuardConfig().FailureThreshold
	}
	threshold := cfg.FailureThreshold

	limit := rate.Inf
	burst := cfg.Burst
	if cfg.RatePerSecond > 0 {
		limit = rate.Limit(cfg.RatePerSecond)
		if burst <= 0 {
			burst = 1
		}
	}

	return &Guard{
		remote: remote,
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        cfg.Name,
			MaxRequests: cfg.MaxRequests,
			Interval:    cfg.Interval,
			Timeout:     cfg.OpenTimeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= threshold
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				log.Warn().
					Str("breaker", name).
					Str("from", from.String()).
					Str("to", to.String()).
					Msg("remote classifier breaker state changed")
			},
		}),
		limiter: rate.NewLimiter(limit, burst),
	}
}

// Available reports whether the breaker is letting calls through.
func (g *Guard) Available() bool {
	return g.breaker.State() != gobreaker.StateOpen
}

// State returns the breaker state name.
func (g *Guard) State() string {
	return g.breaker.State().String()
}

// Classify implements RemoteClassifier.
func (g *Guard) Classify(ctx context.Context, text string) (RemoteResult, error) {
	if g.remote == nil {
		return RemoteResult{}, ErrNoRemote
	}
	if !g.limiter.Allow() {
		return RemoteResult{}, ErrRateLimited
	}

	out, err := g.breaker.Execute(func() (interface{}, error) {
		return g.remote.Classify(ctx, text)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return RemoteResult{}, fmt.Errorf("%w: %v", ErrRemoteUnavailable, err)
		}
		return RemoteResult{}, err
	}
	res, _ := out.(RemoteResult)
	return res, nil
}

// ═══════════════════════════════════════════════════════════════════════════════
// PROMPT ADAPTER
// ═══════════════════════════════════════════════════════════════════════════════

// Asker is the bounded-latency question/answer call exposed by a language
// model provider. Transport and auth live behind it.
type Asker interface {
	Ask(ctx context.Context, system, prompt string) (string, error)
}

// classificationPrompt is the system prompt sent through an Asker.
const classificationPrompt = `You are an intent classifier for a voice assistant.
Classify the user's utterance into exactly ONE of the intents listed below.

Intents:
%s

Respond with ONLY a JSON object: {"intent": "<intent>", "confidence": <0.0-1.0>, "rationale": "<short reason>"}.
Use "system.unknown" when nothing fits.`

// PromptClassifier adapts an Asker into a RemoteClassifier.
type PromptClassifier struct {
	asker   Asker
	intents []string
}

// NewPromptClassifier creates an adapter offering the given intent tags.
func NewPromptClassifier(asker Asker, intents []string) *PromptClassifier {
	return &PromptClassifier{asker: asker, intents: intents}
}

// IntentsFromRules lists the tags in a rule table, in order, without
// duplicates.
func IntentsFromRules(rules []Rule) []string {
	seen := make(map[string]bool, len(rules))
	var out []string
	for _, r := range rules {
		if !seen[r.Intent] {
			seen[r.Intent] = true
			out = append(out, r.Intent)
		}
	}
	return out
}

// Classify implements RemoteClassifier.
func (p *PromptClassifier) Classify(ctx context.Context, text string) (RemoteResult, error) {
	if p.asker == nil {
		return RemoteResult{}, ErrNoRemote
	}
	system := fmt.Sprintf(classificationPrompt, "- "+strings.Join(p.intents, "\n- "))
	answer, err := p.asker.Ask(ctx, system, text)
	if err != nil {
		return RemoteResult{}, fmt.Errorf("ask provider: %w", err)
	}
	return ParseRemoteResponse(answer)
}

// ParseRemoteResponse converts a provider answer into a RemoteResult. It
// accepts the requested JSON object (optionally wrapped in a code fence),
// or a bare "intent confidence" line as a fallback.
func ParseRemoteResponse(answer string) (RemoteResult, error) {
	cleaned := strings.TrimSpace(answer)
	cleaned = strings.TrimPrefix(cleaned, "```json")
	cleaned = strings.TrimPrefix(cleaned, "```")
	cleaned = strings.TrimSuffix(cleaned, "```")
	cleaned = strings.TrimSpace(cleaned)

	if start, end := strings.Index(cleaned, "{"), strings.LastIndex(cleaned, "}"); start >= 0 && end > start {
		var res RemoteResult
		if err := json.Unmarshal([]byte(cleaned[start:end+1]), &res); err != nil {
			return RemoteResult{}, fmt.Errorf("parse remote response: %w", err)
		}
		res.Intent = strings.ToLower(strings.TrimSpace(res.Intent))
		if !ValidTag(res.Intent) {
			return RemoteResult{}, fmt.Errorf("%w: %q", ErrInvalidIntent, res.Intent)
		}
		res.Confidence = clamp(res.Confidence)
		return res, nil
	}

	fields := strings.Fields(strings.ToLower(cleaned))
	if len(fields) == 0 {
		return RemoteResult{}, fmt.Errorf("%w: empty response", ErrInvalidIntent)
	}
	tag := strings.TrimRight(fields[0], ".,;:")
	if !ValidTag(tag) {
		return RemoteResult{}, fmt.Errorf("%w: %q", ErrInvalidIntent, tag)
	}
	res := RemoteResult{Intent: tag, Confidence: 0.5}
	if len(fields) > 1 {
		if v, err := strconv.ParseFloat(strings.TrimRight(fields[1], ".,;:"), 64); err == nil {
			res.Confidence = clamp(v)
		}
	}
	return res, nil
}

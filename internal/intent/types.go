// Package intent implements confidence-scored intent classification for the
// voice core. A fast local ladder (rule patterns, then a lexicon matcher)
// runs first; a remote classifier is consulted only when local confidence is
// below threshold, either inline (Classifier) or raced against a deadline
// (RaceCoordinator).
package intent

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"time"
)

// Unknown is the intent tag returned when nothing matched.
const Unknown = "system.unknown"

// DefaultConfidenceThreshold is the confidence at which the ladder stops.
const DefaultConfidenceThreshold = 0.8

// Method identifies which strategy produced a Result.
type Method string

const (
	// MethodEmpty is used for empty input.
	MethodEmpty Method = "empty"
	// MethodPattern indicates the rule-pattern table matched.
	MethodPattern Method = "pattern"
	// MethodNER indicates the structured lexicon/NER matcher matched.
	MethodNER Method = "ner"
	// MethodRemote indicates the remote classifier answered.
	MethodRemote Method = "remote"
	// MethodContext indicates the intent was inherited from the previous turn.
	MethodContext Method = "context"
	// MethodCache indicates the reply was served from the response cache.
	MethodCache Method = "cache"
	// MethodNone indicates no strategy matched.
	MethodNone Method = "none"
)

// String returns the string representation of a Method.
func (m Method) String() string {
	return string(m)
}

// Result is the outcome of classifying one utterance.
type Result struct {
	// Intent is the canonical "category.action" tag.
	Intent string `json:"intent"`

	// Confidence is in [0, 1].
	Confidence float64 `json:"confidence"`

	// Method is the strategy that produced the result.
	Method Method `json:"method"`

	// Text is the raw utterance.
	Text string `json:"text"`

	// Metadata carries strategy-specific details (matched pattern, rationale).
	Metadata map[string]any `json:"metadata,omitempty"`

	// Duration is how long classification took.
	Duration time.Duration `json:"duration"`
}

// Category returns the part of the intent before the dot.
func (r Result) Category() string {
	return Category(r.Intent)
}

// IsUnknown reports whether nothing matched.
func (r Result) IsUnknown() bool {
	return r.Intent == Unknown || r.Intent == ""
}

var tagPattern = regexp.MustCompile(`^[a-z][a-z0-9_]*\.[a-z][a-z0-9_]*$`)

// ValidTag reports whether tag has the "category.action" shape.
func ValidTag(tag string) bool {
	return tagPattern.MatchString(tag)
}

// Category returns the category prefix of an intent tag.
func Category(tag string) string {
	if i := strings.IndexByte(tag, '.'); i >= 0 {
		return tag[:i]
	}
	return tag
}

// Action returns the action suffix of an intent tag.
func Action(tag string) string {
	if i := strings.IndexByte(tag, '.'); i >= 0 {
		return tag[i+1:]
	}
	return ""
}

// clamp keeps a confidence inside [0, 1].
func clamp(v float64) float64 {
	switch {
	case v != v: // NaN
		return 0
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}

// RemoteResult is what a remote classifier returns.
type RemoteResult struct {
	Intent     string  `json:"intent"`
	Confidence float64 `json:"confidence"`
	Rationale  string  `json:"rationale,omitempty"`
}

// RemoteClassifier is the calling contract for a remote (LLM-backed)
// classifier. Implementations should honour ctx cancellation but are not
// required to; callers stop waiting at their deadline regardless.
type RemoteClassifier interface {
	Classify(ctx context.Context, text string) (RemoteResult, error)
}

// Availability is implemented by remote classifiers that can report whether
// they are currently worth calling.
type Availability interface {
	Available() bool
}

// NERMatcher is an optional structured matcher consulted after the rule
// patterns. A match is scored at a fixed NERConfidence.
type NERMatcher interface {
	Match(text string) (intent string, ok bool)
}

// NERConfidence is the fixed score assigned to any NERMatcher hit.
const NERConfidence = 0.85

var (
	// ErrNoRemote is returned when no remote classifier is configured.
	ErrNoRemote = errors.New("remote classifier not configured")
	// ErrRemoteUnavailable is returned when the remote is known to be down.
	ErrRemoteUnavailable = errors.New("remote classifier unavailable")
	// ErrRateLimited is returned when the remote call budget is exhausted.
	ErrRateLimited = errors.New("remote classifier rate limited")
	// ErrInvalidIntent is returned when a remote answer is not a valid tag.
	ErrInvalidIntent = errors.New("remote classifier returned invalid intent")
)

// Stats tracks classification statistics for monitoring and tuning.
type Stats struct {
	Total             int64            `json:"total"`
	ByMethod          map[Method]int64 `json:"by_method"`
	RemoteCalls       int64            `json:"remote_calls"`
	RemoteFailures    int64            `json:"remote_failures"`
	AverageConfidence float64          `json:"average_confidence"`
}

// LocalRatio returns the percentage of requests answered without the remote.
func (s Stats) LocalRatio() float64 {
	if s.Total == 0 {
		return 0
	}
	return float64(s.Total-s.ByMethod[MethodRemote]) / float64(s.Total) * 100
}

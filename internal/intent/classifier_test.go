package intent

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeRemote is a scripted RemoteClassifier.
type fakeRemote struct {
	result    RemoteResult
	err       error
	delay     time.Duration
	ignoreCtx bool // keep sleeping after cancellation
	panicMsg  string
	available *bool

	calls    atomic.Int32
	finished atomic.Int32
}

func (f *fakeRemote) Classify(ctx context.Context, text string) (RemoteResult, error) {
	f.calls.Add(1)
	defer f.finished.Add(1)

	if f.delay > 0 {
		if f.ignoreCtx {
			time.Sleep(f.delay)
		} else {
			select {
			case <-time.After(f.delay):
			case <-ctx.Done():
				return RemoteResult{}, ctx.Err()
			}
		}
	}
	if f.panicMsg != "" {
		panic(f.panicMsg)
	}
	return f.result, f.err
}

// availableRemote adds Availability to fakeRemote.
type availableRemote struct {
	*fakeRemote
}

func (a availableRemote) Available() bool {
	return a.available == nil || *a.available
}

func TestValidTag(t *testing.T) {
	tests := []struct {
		tag   string
		valid bool
	}{
		{"weather.current", true},
		{"timer.set", true},
		{"system.unknown", true},
		{"smalltalk.greeting_2", true},
		{"weather", false},
		{"Weather.Current", false},
		{"weather.current.extra", false},
		{".current", false},
		{"", false},
	}
	for _, tt := range tests {
		t.Run(tt.tag, func(t *testing.T) {
			assert.Equal(t, tt.valid, ValidTag(tt.tag))
		})
	}
}

func TestCategoryAndAction(t *testing.T) {
	assert.Equal(t, "weather", Category("weather.forecast"))
	assert.Equal(t, "forecast", Action("weather.forecast"))
	assert.Equal(t, "weather", Category("weather"))
	assert.Equal(t, "", Action("weather"))
}

func TestClassifier_Empty(t *testing.T) {
	c := NewClassifier()
	for _, in := range []string{"", "   ", "\t\n", "?!"} {
		res := c.Classify(context.Background(), in)
		assert.Equal(t, Unknown, res.Intent)
		assert.Equal(t, 1.0, res.Confidence)
		assert.Equal(t, MethodEmpty, res.Method)
	}
}

func TestClassifier_NoMatch(t *testing.T) {
	c := NewClassifier()
	res := c.Classify(context.Background(), "tell me something interesting")
	assert.Equal(t, Unknown, res.Intent)
	assert.Equal(t, 0.0, res.Confidence)
	assert.Equal(t, MethodNone, res.Method)
	assert.True(t, res.IsUnknown())
}

func TestClassifier_Patterns(t *testing.T) {
	c := NewClassifier()

	tests := []struct {
		input    string
		expected string
	}{
		{"Hello", "smalltalk.greeting"},
		{"Good morning Henry", "smalltalk.greeting"},
		{"thanks", "smalltalk.thanks"},
		{"Goodbye!", "smalltalk.farewell"},
		{"What can you do?", "smalltalk.help"},
		{"What's the weather like in Paris?", "weather.current"},
		{"is it raining", "weather.current"},
		{"Will it rain tomorrow?", "weather.forecast"},
		{"what's the weather tomorrow", "weather.forecast"},
		{"Set a timer for 5 minutes", "timer.set"},
		{"start a timer for 1 hour 30 minutes", "timer.set"},
		{"cancel the timer", "timer.cancel"},
		{"cancel it", "timer.cancel"},
		{"show my timers", "timer.list"},
		{"Open Spotify", "app.open"},
		{"close visual studio code", "app.close"},
		{"search for pizza near me", "search.web"},
		{"what time is it", "system.time"},
		{"what's the date", "system.date"},
		{"system status", "system.status"},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			res := c.Classify(context.Background(), tt.input)
			assert.Equal(t, tt.expected, res.Intent)
			assert.Equal(t, MethodPattern, res.Method)
			assert.GreaterOrEqual(t, res.Confidence, DefaultConfidenceThreshold)
			assert.LessOrEqual(t, res.Confidence, 0.95)
		})
	}
}

func TestClassifier_PatternConfidenceFormula(t *testing.T) {
	c := NewClassifier()

	// "how are you" is 11 of 17 characters: 11/17 × 1.2.
	res := c.LocalOnly("hello how are you")
	assert.Equal(t, "smalltalk.greeting", res.Intent)
	assert.InDelta(t, 11.0/17.0*1.2, res.Confidence, 1e-9)
	assert.Equal(t, "how are you", res.Metadata["span"])

	// A full-span match is capped at 0.95.
	res = c.LocalOnly("hello")
	assert.Equal(t, 0.95, res.Confidence)
}

func TestClassifier_NERFallback(t *testing.T) {
	c := NewClassifier(WithNER(NewLexiconMatcher(DefaultLexicon())))

	res := c.Classify(context.Background(), "could you please get a timer going")
	assert.Equal(t, "timer.set", res.Intent)
	assert.Equal(t, MethodNER, res.Method)
	assert.Equal(t, NERConfidence, res.Confidence)

	// A confident pattern match never reaches the NER step.
	res = c.Classify(context.Background(), "set a timer for 10 minutes")
	assert.Equal(t, MethodPattern, res.Method)
}

func TestClassifier_NERDoesNotLowerConfidence(t *testing.T) {
	c := NewClassifier(
		WithThreshold(0.99),
		WithNER(NewLexiconMatcher(DefaultLexicon())),
	)
	// Pattern gives 0.95 (< 0.99) and the NER score 0.85 is lower: keep pattern.
	res := c.LocalOnly("set a timer for 5 minutes")
	assert.Equal(t, MethodPattern, res.Method)
	assert.Equal(t, 0.95, res.Confidence)
}

func TestClassifier_RemoteFallback(t *testing.T) {
	remote := &fakeRemote{result: RemoteResult{Intent: "smalltalk.chat", Confidence: 0.9, Rationale: "open chit-chat"}}
	c := NewClassifier(WithRemote(remote, true))

	res := c.Classify(context.Background(), "tell me something interesting")
	assert.Equal(t, "smalltalk.chat", res.Intent)
	assert.Equal(t, MethodRemote, res.Method)
	assert.Equal(t, 0.9, res.Confidence)
	assert.Equal(t, "open chit-chat", res.Metadata["rationale"])
	assert.Equal(t, int32(1), remote.calls.Load())
}

func TestClassifier_RemoteSkippedWhenConfident(t *testing.T) {
	remote := &fakeRemote{result: RemoteResult{Intent: "smalltalk.chat", Confidence: 1.0}}
	c := NewClassifier(WithRemote(remote, true))

	res := c.Classify(context.Background(), "hello")
	assert.Equal(t, "smalltalk.greeting", res.Intent)
	assert.Equal(t, int32(0), remote.calls.Load())
}

func TestClassifier_RemoteDisabled(t *testing.T) {
	remote := &fakeRemote{result: RemoteResult{Intent: "smalltalk.chat", Confidence: 1.0}}
	c := NewClassifier(WithRemote(remote, false))

	res := c.Classify(context.Background(), "tell me something interesting")
	assert.Equal(t, Unknown, res.Intent)
	assert.Equal(t, int32(0), remote.calls.Load())
	assert.False(t, c.RemoteEnabled())
}

func TestClassifier_RemoteUnavailable(t *testing.T) {
	down := false
	remote := availableRemote{&fakeRemote{result: RemoteResult{Intent: "smalltalk.chat", Confidence: 1.0}, available: &down}}
	c := NewClassifier(WithRemote(remote, true))

	res := c.Classify(context.Background(), "tell me something interesting")
	assert.Equal(t, Unknown, res.Intent)
	assert.Equal(t, int32(0), remote.calls.Load())
}

func TestClassifier_RemoteFailuresAreAbsorbed(t *testing.T) {
	tests := []struct {
		name   string
		remote *fakeRemote
	}{
		{"error", &fakeRemote{err: errors.New("provider down")}},
		{"panic", &fakeRemote{panicMsg: "provider exploded"}},
		{"invalid tag", &fakeRemote{result: RemoteResult{Intent: "not a tag", Confidence: 0.99}}},
		{"timeout", &fakeRemote{delay: time.Second, result: RemoteResult{Intent: "smalltalk.chat", Confidence: 0.99}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewClassifier(WithRemote(tt.remote, true), WithRemoteTimeout(20*time.Millisecond))
			var res Result
			assert.NotPanics(t, func() {
				res = c.Classify(context.Background(), "hello how are you")
			})
			assert.Equal(t, "smalltalk.greeting", res.Intent)
			assert.Equal(t, MethodPattern, res.Method)
			assert.Equal(t, int64(1), c.Stats().RemoteFailures)
		})
	}
}

func TestClassifier_RemoteConfidenceClamped(t *testing.T) {
	remote := &fakeRemote{result: RemoteResult{Intent: "smalltalk.chat", Confidence: 1.7}}
	c := NewClassifier(WithRemote(remote, true))

	res := c.Classify(context.Background(), "tell me something interesting")
	assert.Equal(t, 1.0, res.Confidence)
}

func TestClassifier_ConfidenceAlwaysInRange(t *testing.T) {
	remote := &fakeRemote{result: RemoteResult{Intent: "smalltalk.chat", Confidence: -3}}
	c := NewClassifier(
		WithNER(NewLexiconMatcher(DefaultLexicon())),
		WithRemote(remote, true),
	)

	inputs := []string{
		"", "a", "hello", "set a timer", "what about tomorrow?", "open", "weather",
		"the quick brown fox jumps over the lazy dog", "!!!", "12345", "open the pod bay doors hal",
		"what's the weather like in San Francisco right now please",
	}
	for _, in := range inputs {
		res := c.Classify(context.Background(), in)
		assert.GreaterOrEqual(t, res.Confidence, 0.0, in)
		assert.LessOrEqual(t, res.Confidence, 1.0, in)
		assert.True(t, ValidTag(res.Intent), "intent %q for %q", res.Intent, in)
	}
}

func TestClassifier_ExtraRules(t *testing.T) {
	rule, err := NewRule("music.play", `\bplay (some )?[a-z ]+$`)
	require.NoError(t, err)

	c := NewClassifier(WithExtraRules(rule))
	res := c.Classify(context.Background(), "play some jazz")
	assert.Equal(t, "music.play", res.Intent)
}

func TestNewRule_Errors(t *testing.T) {
	_, err := NewRule("bad tag", `x`)
	assert.Error(t, err)

	_, err = NewRule("music.play", `(`)
	assert.Error(t, err)
}

func TestClassifier_Stats(t *testing.T) {
	c := NewClassifier()
	c.Classify(context.Background(), "hello")
	c.Classify(context.Background(), "tell me something interesting")
	c.Classify(context.Background(), "")

	stats := c.Stats()
	assert.Equal(t, int64(3), stats.Total)
	assert.Equal(t, int64(1), stats.ByMethod[MethodPattern])
	assert.Equal(t, int64(1), stats.ByMethod[MethodNone])
	assert.Equal(t, int64(1), stats.ByMethod[MethodEmpty])
	assert.InDelta(t, (0.95+0+1.0)/3, stats.AverageConfidence, 1e-9)
	assert.Equal(t, 100.0, stats.LocalRatio())

	c.ResetStats()
	assert.Equal(t, int64(0), c.Stats().Total)
}

func TestLexiconMatcher(t *testing.T) {
	m := NewLexiconMatcher(DefaultLexicon())

	tests := []struct {
		input  string
		intent string
		ok     bool
	}{
		{"please stop that alarm", "timer.cancel", true},
		{"I need a countdown", "timer.set", true},
		{"do I need an umbrella", "weather.current", true},
		{"launch the browser", "app.open", true},
		{"find it on the web", "search.web", true},
		{"tell me a joke", "", false},
		{"", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			intent, ok := m.Match(tt.input)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.intent, intent)
		})
	}
}

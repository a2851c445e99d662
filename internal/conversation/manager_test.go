package conversation

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/normanking/cortex-voicecore/internal/entity"
)

// fakeClock is a manually advanced time source.
type fakeClock struct {
	t time.Time
}

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestManager(cfg Config) (*Manager, *fakeClock) {
	clock := &fakeClock{t: time.Date(2024, 3, 15, 9, 0, 0, 0, time.UTC)}
	return NewManager(cfg, WithClock(clock.Now)), clock
}

func loc(name string) entity.Entity {
	return entity.Entity{Type: entity.TypeLocation, Value: name, Text: name, Confidence: 0.9}
}

func app(name string) entity.Entity {
	return entity.Entity{Type: entity.TypeApp, Value: name, Text: name, Confidence: 0.9}
}

func timerID(id string) entity.Entity {
	return entity.Entity{Type: entity.TypeTimerID, Value: id, Text: id, Confidence: 1}
}

func TestManager_HistoryBound(t *testing.T) {
	for _, n := range []int{0, 1, 4, 5, 6, 12} {
		t.Run(fmt.Sprintf("n=%d", n), func(t *testing.T) {
			m, _ := newTestManager(Config{MaxHistory: 5, Timeout: time.Hour})
			for i := 0; i < n; i++ {
				m.Update(fmt.Sprintf("utterance %d", i), "smalltalk.greeting", nil, "hi", nil)
			}
			h := m.History(0)
			assert.Len(t, h, min(n, 5))
			if n > 5 {
				// Oldest entries are dropped first.
				assert.Equal(t, fmt.Sprintf("utterance %d", n-5), h[0].Utterance)
				assert.Equal(t, fmt.Sprintf("utterance %d", n-1), h[len(h)-1].Utterance)
			}
		})
	}
}

func TestManager_UpdateSetsReferences(t *testing.T) {
	m, _ := newTestManager(DefaultConfig())

	in := m.Update("What's the weather like in Paris?", "weather.current",
		[]entity.Entity{loc("Paris")}, "It's sunny in Paris.", map[string]any{"request_id": "r1"})

	assert.NotEmpty(t, in.ID)
	assert.Equal(t, "weather.current", in.Intent)
	assert.Equal(t, "r1", in.Metadata["request_id"])

	sum := m.Summary()
	assert.Equal(t, 1, sum.Turns)
	assert.Equal(t, "weather", sum.Topic)
	assert.Equal(t, "Paris", sum.Location)
	assert.False(t, sum.Expired)
}

func TestManager_UnknownIntentKeepsTopic(t *testing.T) {
	m, _ := newTestManager(DefaultConfig())
	m.Update("weather in Paris", "weather.current", []entity.Entity{loc("Paris")}, "ok", nil)
	m.Update("blah blah", "system.unknown", nil, "sorry", nil)

	assert.Equal(t, "weather", m.Summary().Topic)
}

func TestManager_FollowUpResolvesLocation(t *testing.T) {
	m, _ := newTestManager(DefaultConfig())
	m.Update("What's the weather like in Paris?", "weather.current",
		[]entity.Entity{loc("Paris")}, "It's sunny in Paris.", nil)

	snap := m.ContextForQuery("what about tomorrow?")
	assert.True(t, snap.HasHistory)
	assert.True(t, snap.FollowUp)
	assert.Equal(t, "Paris", snap.ImpliedLocation)
	assert.Equal(t, "weather", snap.ImpliedTopic)
	assert.Equal(t, "weather.current", snap.LastIntent())
}

func TestManager_NonFollowUpHasNoImpliedReferences(t *testing.T) {
	m, _ := newTestManager(DefaultConfig())
	m.Update("weather in Paris", "weather.current", []entity.Entity{loc("Paris")}, "ok", nil)

	snap := m.ContextForQuery("open spotify")
	assert.False(t, snap.FollowUp)
	assert.Empty(t, snap.ImpliedLocation)
	assert.Equal(t, "weather", snap.Topic)
}

func TestManager_SnapshotRecentTurns(t *testing.T) {
	m, _ := newTestManager(DefaultConfig())

	empty := m.ContextForQuery("hello")
	assert.False(t, empty.HasHistory)
	assert.Empty(t, empty.RecentIntents)
	assert.NotNil(t, empty.Preferences)

	intents := []string{"smalltalk.greeting", "weather.current", "timer.set", "app.open"}
	for i, in := range intents {
		m.Update(fmt.Sprintf("u%d", i), in, []entity.Entity{loc(fmt.Sprintf("L%d", i))}, "ok", nil)
	}

	snap := m.ContextForQuery("anything")
	assert.Equal(t, intents[1:], snap.RecentIntents)
	require.Len(t, snap.RecentEntities, 3)
	assert.Equal(t, "L1", snap.RecentEntities[0].Value)
}

func TestIsFollowUp(t *testing.T) {
	tests := []struct {
		input string
		want  bool
	}{
		{"what about tomorrow?", true},
		{"How about Berlin", true},
		{"and in London?", true},
		{"tomorrow", true},
		{"cancel it", true},
		{"do that again", true},
		{"what's the weather in Paris", false},
		{"android settings", false},
		{"standard timer", false},
		{"", false},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			assert.Equal(t, tt.want, IsFollowUp(tt.input))
		})
	}
}

func TestManager_Expiry(t *testing.T) {
	m, clock := newTestManager(Config{MaxHistory: 10, Timeout: 5 * time.Minute})
	m.Update("weather in Paris", "weather.current", []entity.Entity{loc("Paris")}, "ok", nil)
	m.SetPreference("voice", "calm")

	clock.Advance(4 * time.Minute)
	assert.False(t, m.IsExpired())

	clock.Advance(2 * time.Minute)
	assert.True(t, m.IsExpired())

	m.Update("open spotify", "app.open", []entity.Entity{app("Spotify")}, "ok", nil)
	h := m.History(0)
	require.Len(t, h, 1)
	assert.Equal(t, "open spotify", h[0].Utterance)

	_, ok := m.Preference("voice")
	assert.False(t, ok)
	assert.Empty(t, m.Summary().Location)
	assert.Equal(t, "app", m.Summary().Topic)
}

func TestManager_ExpiredQueryHasNoImpliedLocation(t *testing.T) {
	m, clock := newTestManager(Config{Timeout: time.Minute})
	m.Update("weather in Paris", "weather.current", []entity.Entity{loc("Paris")}, "ok", nil)

	clock.Advance(2 * time.Minute)
	snap := m.ContextForQuery("what about tomorrow")
	assert.False(t, snap.HasHistory)
	assert.Empty(t, snap.ImpliedLocation)
}

func TestManager_Timers(t *testing.T) {
	m, _ := newTestManager(DefaultConfig())

	m.Update("set a timer for 5 minutes", "timer.set", []entity.Entity{timerID("t1")}, "ok", nil)
	m.Update("set a timer for 10 minutes", "timer.set", []entity.Entity{timerID("t2")}, "ok", nil)
	assert.Equal(t, []string{"t1", "t2"}, m.ActiveTimers())

	m.Update("cancel timer t1", "timer.cancel", []entity.Entity{timerID("t1")}, "ok", nil)
	assert.Equal(t, []string{"t2"}, m.ActiveTimers())

	m.Update("set a timer", "timer.set", []entity.Entity{timerID("t3")}, "ok", nil)
	m.Update("cancel it", "timer.cancel", nil, "ok", nil)
	assert.Equal(t, []string{"t2"}, m.ActiveTimers())

	// Non-timer intents never touch timers.
	m.Update("open t2", "app.open", []entity.Entity{timerID("t2")}, "ok", nil)
	assert.Equal(t, []string{"t2"}, m.ActiveTimers())
}

func TestManager_ApplyDelta(t *testing.T) {
	m, _ := newTestManager(DefaultConfig())

	m.ApplyDelta(map[string]any{
		DeltaTopic:    "timer",
		DeltaLocation: "Oslo",
		DeltaApp:      "Clock",
		DeltaTimerID:  "t9",
		DeltaPreferences: map[string]any{
			"voice": "calm",
		},
		"unknown_key": 42,
	})

	sum := m.Summary()
	assert.Equal(t, "timer", sum.Topic)
	assert.Equal(t, "Oslo", sum.Location)
	assert.Equal(t, "Clock", sum.App)
	assert.Equal(t, []string{"t9"}, m.ActiveTimers())

	v, ok := m.Preference("voice")
	require.True(t, ok)
	assert.Equal(t, "calm", v)

	m.ApplyDelta(map[string]any{DeltaTimerID: []any{"t10", "t11"}})
	m.ApplyDelta(map[string]any{DeltaRemoveTimerID: []string{"t9", "t11"}})
	assert.Equal(t, []string{"t10"}, m.ActiveTimers())

	m.ApplyDelta(nil)
}

func TestManager_PreferenceLearning(t *testing.T) {
	m, _ := newTestManager(DefaultConfig())
	unit := func(u string) entity.Entity {
		return entity.Entity{Type: entity.TypeTemperatureUnit, Value: u, Text: u}
	}

	m.Update("weather in Paris", "weather.current", []entity.Entity{loc("Paris"), unit("celsius")}, "ok", nil)
	m.Update("weather in Rome", "weather.current", []entity.Entity{loc("Rome"), unit("fahrenheit")}, "ok", nil)
	m.Update("open Slack", "app.open", []entity.Entity{app("Slack")}, "ok", nil)
	m.Update("open Spotify", "app.open", []entity.Entity{app("Spotify")}, "ok", nil)
	m.Update("open Spotify", "app.open", []entity.Entity{app("Spotify")}, "ok", nil)

	v, _ := m.Preference(PrefLocation)
	assert.Equal(t, "Paris", v, "first-seen location sticks")

	v, _ = m.Preference(PrefUnit)
	assert.Equal(t, "fahrenheit", v, "last-seen unit wins")

	v, _ = m.Preference(PrefFavoriteApps)
	assert.Equal(t, []string{"Spotify", "Slack"}, v)

	// The snapshot holds a copy.
	snap := m.ContextForQuery("hello")
	snap.Preferences[PrefFavoriteApps].([]string)[0] = "mutated"
	v, _ = m.Preference(PrefFavoriteApps)
	assert.Equal(t, []string{"Spotify", "Slack"}, v)
}

func TestManager_PreferenceLearningDisabled(t *testing.T) {
	m, _ := newTestManager(Config{LearnPreferences: false})
	m.Update("weather in Paris", "weather.current", []entity.Entity{loc("Paris")}, "ok", nil)

	_, ok := m.Preference(PrefLocation)
	assert.False(t, ok)
}

func TestManager_HistoryN(t *testing.T) {
	m, _ := newTestManager(DefaultConfig())
	for i := 0; i < 4; i++ {
		m.Update(fmt.Sprintf("u%d", i), "smalltalk.greeting", nil, "hi", nil)
	}

	h := m.History(2)
	require.Len(t, h, 2)
	assert.Equal(t, "u2", h[0].Utterance)
	assert.Equal(t, "u3", h[1].Utterance)
	assert.Len(t, m.History(100), 4)
}

func TestManager_Reset(t *testing.T) {
	m, _ := newTestManager(DefaultConfig())
	m.Update("weather in Paris", "weather.current", []entity.Entity{loc("Paris")}, "ok", nil)
	m.SetPreference("voice", "calm")

	m.Reset()

	assert.Empty(t, m.History(0))
	assert.Empty(t, m.ActiveTimers())
	sum := m.Summary()
	assert.Zero(t, sum.Turns)
	assert.Empty(t, sum.Topic)
	assert.Zero(t, sum.Preferences)
}

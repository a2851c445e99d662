// Package conversation keeps per-session memory: a bounded interaction
// history, the current topic/location/app references, active timers and
// learned preferences. It resolves bare follow-ups ("what about
// tomorrow?") against the previous turn and expires after inactivity.
package conversation

import (
	"time"

	"github.com/normanking/cortex-voicecore/internal/entity"
)

const (
	// DefaultMaxHistory bounds the interaction history.
	DefaultMaxHistory = 10

	// DefaultTimeout is the idle time after which a session is replaced.
	DefaultTimeout = 5 * time.Minute

	// recentTurns is how many turns a query snapshot exposes.
	recentTurns = 3

	// maxFavoriteApps bounds the learned favorite_apps list.
	maxFavoriteApps = 5
)

// Preference keys learned from interactions.
const (
	PrefLocation     = "preferred_location"
	PrefFavoriteApps = "favorite_apps"
	PrefUnit         = "temperature_unit"
)

// Delta keys understood by ApplyDelta.
const (
	DeltaTopic         = "topic"
	DeltaLocation      = "location"
	DeltaApp           = "app"
	DeltaTimerID       = "timer_id"
	DeltaRemoveTimerID = "remove_timer_id"
	DeltaPreferences   = "preferences"
)

// Interaction is one completed request.
type Interaction struct {
	ID        string          `json:"id"`
	Utterance string          `json:"utterance"`
	Intent    string          `json:"intent"`
	Entities  []entity.Entity `json:"entities,omitempty"`
	Response  string          `json:"response"`
	Timestamp time.Time       `json:"timestamp"`
	Metadata  map[string]any  `json:"metadata,omitempty"`
}

// Context is the memory of one session.
type Context struct {
	History []Interaction

	// Current references.
	Topic    string
	Location string
	App      string

	// ActiveTimers holds timer ids in creation order.
	ActiveTimers []string

	Preferences map[string]any

	SessionStart time.Time
	LastTouch    time.Time
}

func newContext(now time.Time) *Context {
	return &Context{
		Preferences:  make(map[string]any),
		SessionStart: now,
		LastTouch:    now,
	}
}

// Snapshot is what a capability sees for one query.
type Snapshot struct {
	HasHistory  bool           `json:"has_history"`
	Topic       string         `json:"topic,omitempty"`
	Preferences map[string]any `json:"preferences"`

	// RecentIntents and RecentEntities cover the last three turns, oldest
	// first. Empty when there is no history.
	RecentIntents  []string        `json:"recent_intents,omitempty"`
	RecentEntities []entity.Entity `json:"recent_entities,omitempty"`

	ActiveTimers []string `json:"active_timers,omitempty"`

	// FollowUp is set when the utterance reads as a follow-up; the Implied
	// fields then carry the current references.
	FollowUp        bool   `json:"follow_up"`
	ImpliedLocation string `json:"implied_location,omitempty"`
	ImpliedApp      string `json:"implied_app,omitempty"`
	ImpliedTopic    string `json:"implied_topic,omitempty"`
}

// LastIntent returns the most recent intent in the snapshot.
func (s Snapshot) LastIntent() string {
	if len(s.RecentIntents) == 0 {
		return ""
	}
	return s.RecentIntents[len(s.RecentIntents)-1]
}

// Summary is a diagnostic view of a session.
type Summary struct {
	Turns        int           `json:"turns"`
	Topic        string        `json:"topic,omitempty"`
	Location     string        `json:"location,omitempty"`
	App          string        `json:"app,omitempty"`
	ActiveTimers int           `json:"active_timers"`
	Preferences  int           `json:"preferences"`
	SessionAge   time.Duration `json:"session_age"`
	Idle         time.Duration `json:"idle"`
	Expired      bool          `json:"expired"`
}

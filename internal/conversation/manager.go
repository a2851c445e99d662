package conversation

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/normanking/cortex-voicecore/internal/entity"
	"github.com/normanking/cortex-voicecore/internal/intent"
)

// followUpPhrases mark an utterance as leaning on the previous turn.
var followUpPhrases = []string{
	"what about",
	"how about",
	"and",
	"also",
	"tomorrow",
	"cancel it",
	"stop it",
	"same",
	"there",
	"again",
	"instead",
}

// Config configures a Manager.
type Config struct {
	MaxHistory       int
	Timeout          time.Duration
	LearnPreferences bool
}

// DefaultConfig returns the default session settings.
func DefaultConfig() Config {
	return Config{
		MaxHistory:       DefaultMaxHistory,
		Timeout:          DefaultTimeout,
		LearnPreferences: true,
	}
}

// Manager owns one session's Context. Callers are expected to serialize
// requests per session; the mutex only protects readers such as Summary
// running alongside an update.
type Manager struct {
	mu  sync.Mutex
	cfg Config
	now func() time.Time

	ctx       *Context
	appCounts map[string]int
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock sets the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// NewManager creates a manager with an empty context.
func NewManager(cfg Config, opts ...Option) *Manager {
	if cfg.MaxHistory <= 0 {
		cfg.MaxHistory = DefaultMaxHistory
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	m := &Manager{cfg: cfg, now: time.Now}
	for _, opt := range opts {
		opt(m)
	}
	m.ctx = newContext(m.now())
	m.appCounts = make(map[string]int)
	return m
}

// Update records a completed request. An expired session is replaced
// first. References, timers and preferences are updated from intentTag and
// entities, then history is trimmed to MaxHistory.
func (m *Manager) Update(utterance, intentTag string, entities []entity.Entity, response string, metadata map[string]any) Interaction {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	m.expireLocked(now)

	in := Interaction{
		ID:        uuid.NewString(),
		Utterance: utterance,
		Intent:    intentTag,
		Entities:  append([]entity.Entity(nil), entities...),
		Response:  response,
		Timestamp: now,
		Metadata:  copyMap(metadata),
	}
	m.ctx.History = append(m.ctx.History, in)

	if intentTag != "" && intentTag != intent.Unknown {
		m.ctx.Topic = intent.Category(intentTag)
	}
	if loc, ok := entity.First(entities, entity.TypeLocation); ok {
		m.ctx.Location = loc.String()
	}
	if app, ok := entity.First(entities, entity.TypeApp); ok {
		m.ctx.App = app.String()
	}
	m.updateTimersLocked(intentTag, entities)

	if m.cfg.LearnPreferences {
		m.learnLocked(entities)
	}

	if over := len(m.ctx.History) - m.cfg.MaxHistory; over > 0 {
		m.ctx.History = append([]Interaction(nil), m.ctx.History[over:]...)
	}
	m.ctx.LastTouch = now
	return in
}

func (m *Manager) updateTimersLocked(intentTag string, entities []entity.Entity) {
	if intent.Category(intentTag) != "timer" {
		return
	}
	ids := entity.FilterByType(entities, entity.TypeTimerID)
	switch intent.Action(intentTag) {
	case "set":
		for _, id := range ids {
			m.addTimerLocked(id.String())
		}
	case "cancel":
		if len(ids) == 0 && len(m.ctx.ActiveTimers) > 0 {
			// "cancel it" refers to the newest timer.
			m.ctx.ActiveTimers = m.ctx.ActiveTimers[:len(m.ctx.ActiveTimers)-1]
			return
		}
		for _, id := range ids {
			m.removeTimerLocked(id.String())
		}
	}
}

func (m *Manager) addTimerLocked(id string) {
	if id == "" {
		return
	}
	for _, t := range m.ctx.ActiveTimers {
		if t == id {
			return
		}
	}
	m.ctx.ActiveTimers = append(m.ctx.ActiveTimers, id)
}

func (m *Manager) removeTimerLocked(id string) {
	out := m.ctx.ActiveTimers[:0]
	for _, t := range m.ctx.ActiveTimers {
		if t != id {
			out = append(out, t)
		}
	}
	m.ctx.ActiveTimers = out
}

func (m *Manager) learnLocked(entities []entity.Entity) {
	prefs := m.ctx.Preferences
	for _, e := range entities {
		switch e.Type {
		case entity.TypeLocation:
			if _, ok := prefs[PrefLocation]; !ok {
				prefs[PrefLocation] = e.String()
			}
		case entity.TypeApp:
			m.appCounts[e.String()]++
		case entity.TypeTemperatureUnit:
			prefs[PrefUnit] = e.String()
		}
	}
	if len(m.appCounts) > 0 {
		prefs[PrefFavoriteApps] = rankApps(m.appCounts)
	}
}

// rankApps orders apps by use count, then name.
func rankApps(counts map[string]int) []string {
	apps := make([]string, 0, len(counts))
	for a := range counts {
		apps = append(apps, a)
	}
	sort.Slice(apps, func(i, j int) bool {
		if counts[apps[i]] != counts[apps[j]] {
			return counts[apps[i]] > counts[apps[j]]
		}
		return apps[i] < apps[j]
	})
	if len(apps) > maxFavoriteApps {
		apps = apps[:maxFavoriteApps]
	}
	return apps
}

// ContextForQuery builds the snapshot handed to a capability for
// utterance. Follow-up phrasing adds the implied references.
func (m *Manager) ContextForQuery(utterance string) Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.expireLocked(m.now())

	snap := Snapshot{
		HasHistory:   len(m.ctx.History) > 0,
		Topic:        m.ctx.Topic,
		Preferences:  copyMap(m.ctx.Preferences),
		ActiveTimers: append([]string(nil), m.ctx.ActiveTimers...),
	}
	if snap.Preferences == nil {
		snap.Preferences = make(map[string]any)
	}

	if snap.HasHistory {
		start := max(0, len(m.ctx.History)-recentTurns)
		for _, in := range m.ctx.History[start:] {
			snap.RecentIntents = append(snap.RecentIntents, in.Intent)
			snap.RecentEntities = append(snap.RecentEntities, in.Entities...)
		}
	}

	if IsFollowUp(utterance) {
		snap.FollowUp = true
		snap.ImpliedLocation = m.ctx.Location
		snap.ImpliedApp = m.ctx.App
		snap.ImpliedTopic = m.ctx.Topic
	}
	return snap
}

// IsFollowUp reports whether utterance contains a follow-up indicator
// phrase on word boundaries.
func IsFollowUp(utterance string) bool {
	text := " " + strings.Join(strings.FieldsFunc(strings.ToLower(utterance), func(r rune) bool {
		return r == ' ' || r == '\t' || r == '\n' || r == '?' || r == '!' || r == '.' || r == ','
	}), " ") + " "
	for _, p := range followUpPhrases {
		if strings.Contains(text, " "+p+" ") {
			return true
		}
	}
	return false
}

// ApplyDelta merges a capability's context delta into the current
// references. Unknown keys are ignored.
func (m *Manager) ApplyDelta(delta map[string]any) {
	if len(delta) == 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	for k, v := range delta {
		switch k {
		case DeltaTopic:
			if s, ok := v.(string); ok {
				m.ctx.Topic = s
			}
		case DeltaLocation:
			if s, ok := v.(string); ok {
				m.ctx.Location = s
			}
		case DeltaApp:
			if s, ok := v.(string); ok {
				m.ctx.App = s
			}
		case DeltaTimerID:
			for _, id := range stringsOf(v) {
				m.addTimerLocked(id)
			}
		case DeltaRemoveTimerID:
			for _, id := range stringsOf(v) {
				m.removeTimerLocked(id)
			}
		case DeltaPreferences:
			if prefs, ok := v.(map[string]any); ok {
				for pk, pv := range prefs {
					m.ctx.Preferences[pk] = pv
				}
			}
		default:
			log.Debug().Str("key", k).Msg("ignoring unknown context delta key")
		}
	}
	m.ctx.LastTouch = m.now()
}

func stringsOf(v any) []string {
	switch t := v.(type) {
	case string:
		return []string{t}
	case []string:
		return t
	case []any:
		out := make([]string, 0, len(t))
		for _, x := range t {
			if s, ok := x.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// Preference returns a learned or explicitly set preference.
func (m *Manager) Preference(key string) (any, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.ctx.Preferences[key]
	return v, ok
}

// SetPreference stores a preference explicitly.
func (m *Manager) SetPreference(key string, value any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ctx.Preferences[key] = value
}

// History returns the last n interactions, oldest first. n <= 0 returns
// the full history.
func (m *Manager) History(n int) []Interaction {
	m.mu.Lock()
	defer m.mu.Unlock()

	h := m.ctx.History
	if n > 0 && n < len(h) {
		h = h[len(h)-n:]
	}
	return append([]Interaction(nil), h...)
}

// ActiveTimers returns the active timer ids in creation order.
func (m *Manager) ActiveTimers() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.ctx.ActiveTimers...)
}

// Reset replaces the context with an empty one.
func (m *Manager) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resetLocked(m.now())
}

func (m *Manager) resetLocked(now time.Time) {
	m.ctx = newContext(now)
	m.appCounts = make(map[string]int)
}

// IsExpired reports whether the session has been idle past the timeout.
func (m *Manager) IsExpired() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.expiredLocked(m.now())
}

func (m *Manager) expiredLocked(now time.Time) bool {
	return now.Sub(m.ctx.LastTouch) > m.cfg.Timeout
}

func (m *Manager) expireLocked(now time.Time) {
	if m.expiredLocked(now) {
		log.Debug().
			Int("turns", len(m.ctx.History)).
			Dur("idle", now.Sub(m.ctx.LastTouch)).
			Msg("conversation expired, starting fresh context")
		m.resetLocked(now)
	}
}

// Summary returns a diagnostic view.
func (m *Manager) Summary() Summary {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	return Summary{
		Turns:        len(m.ctx.History),
		Topic:        m.ctx.Topic,
		Location:     m.ctx.Location,
		App:          m.ctx.App,
		ActiveTimers: len(m.ctx.ActiveTimers),
		Preferences:  len(m.ctx.Preferences),
		SessionAge:   now.Sub(m.ctx.SessionStart),
		Idle:         now.Sub(m.ctx.LastTouch),
		Expired:      m.expiredLocked(now),
	}
}

func copyMap(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		if s, ok := v.([]string); ok {
			v = append([]string(nil), s...)
		}
		out[k] = v
	}
	return out
}

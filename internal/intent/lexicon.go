package intent

import (
	"strings"
	"unicode"
)

// LexiconEntry is one verb/object frame. An entry matches when the utterance
// contains any of its verbs (or Verbs is empty) and any of its objects.
type LexiconEntry struct {
	Intent  string
	Verbs   []string
	Objects []string
}

// LexiconMatcher is a small structured grammar: it tokenizes the utterance
// and looks for verb/object frames. It implements NERMatcher and catches
// phrasings the anchored rule patterns miss ("could you please get a
// timer going").
type LexiconMatcher struct {
	entries []LexiconEntry
}

// NewLexiconMatcher creates a matcher. Entries are tried in order.
func NewLexiconMatcher(entries []LexiconEntry) *LexiconMatcher {
	return &LexiconMatcher{entries: entries}
}

// DefaultLexicon returns the built-in verb/object frames.
func DefaultLexicon() []LexiconEntry {
	return []LexiconEntry{
		{Intent: "timer.cancel", Verbs: []string{"cancel", "stop", "delete", "remove", "clear", "kill"}, Objects: []string{"timer", "timers", "alarm", "alarms", "countdown", "reminder"}},
		{Intent: "timer.set", Verbs: []string{"set", "start", "create", "make", "get", "need", "want"}, Objects: []string{"timer", "alarm", "countdown", "reminder"}},
		{Intent: "timer.list", Verbs: []string{"list", "show", "check"}, Objects: []string{"timers", "alarms", "countdowns"}},
		{Intent: "weather.forecast", Objects: []string{"forecast"}},
		{Intent: "weather.current", Objects: []string{"weather", "temperature", "raining", "snowing", "umbrella"}},
		{Intent: "app.open", Verbs: []string{"open", "launch", "start", "run", "fire"}, Objects: []string{"app", "application", "program", "browser", "editor", "terminal"}},
		{Intent: "app.close", Verbs: []string{"close", "quit", "exit", "kill"}, Objects: []string{"app", "application", "program", "browser", "editor", "terminal", "window"}},
		{Intent: "search.web", Verbs: []string{"find", "search", "look", "lookup", "google"}, Objects: []string{"web", "internet", "online"}},
	}
}

// Match implements NERMatcher.
func (m *LexiconMatcher) Match(text string) (string, bool) {
	tokens := tokenize(text)
	if len(tokens) == 0 {
		return "", false
	}
	for _, e := range m.entries {
		if len(e.Verbs) > 0 && !containsAny(tokens, e.Verbs) {
			continue
		}
		if containsAny(tokens, e.Objects) {
			return e.Intent, true
		}
	}
	return "", false
}

func tokenize(text string) map[string]struct{} {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '\''
	})
	set := make(map[string]struct{}, len(fields))
	for _, f := range fields {
		set[f] = struct{}{}
	}
	return set
}

func containsAny(tokens map[string]struct{}, words []string) bool {
	for _, w := range words {
		if _, ok := tokens[w]; ok {
			return true
		}
	}
	return false
}

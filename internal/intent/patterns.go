package intent

import (
	"fmt"
	"regexp"
	"strings"
)

// Rule maps one intent tag to an ordered list of patterns. Patterns are
// matched against the lowercased, terminal-punctuation-stripped utterance.
type Rule struct {
	Intent   string
	Patterns []*regexp.Regexp
}

// NewRule compiles patterns for intent. The tag must be "category.action".
func NewRule(intent string, patterns ...string) (Rule, error) {
	if !ValidTag(intent) {
		return Rule{}, fmt.Errorf("invalid intent tag %q", intent)
	}
	rule := Rule{Intent: intent}
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return Rule{}, fmt.Errorf("compile pattern for %s: %w", intent, err)
		}
		rule.Patterns = append(rule.Patterns, re)
	}
	return rule, nil
}

// match is the best pattern hit for an utterance.
type match struct {
	intent     string
	pattern    string
	span       string
	confidence float64
}

// matchRules scores every rule against normalized text and returns the best
// hit. Confidence = min(0.95, span/len × 1.2); earlier rules win ties.
func matchRules(rules []Rule, normalized string) (match, bool) {
	if normalized == "" {
		return match{}, false
	}
	total := float64(len(normalized))

	var best match
	found := false
	for _, rule := range rules {
		for _, re := range rule.Patterns {
			loc := re.FindStringIndex(normalized)
			if loc == nil {
				continue
			}
			conf := min(0.95, float64(loc[1]-loc[0])/total*1.2)
			if !found || conf > best.confidence {
				best = match{
					intent:     rule.Intent,
					pattern:    re.String(),
					span:       normalized[loc[0]:loc[1]],
					confidence: conf,
				}
				found = true
			}
		}
	}
	return best, found
}

// normalize lowercases text, collapses whitespace and strips terminal
// punctuation.
func normalize(text string) string {
	lower := strings.ToLower(strings.Join(strings.Fields(text), " "))
	return strings.TrimRight(lower, "?!.,;: ")
}

// mustRule is used for the built-in table only.
func mustRule(intent string, patterns ...string) Rule {
	r, err := NewRule(intent, patterns...)
	if err != nil {
		panic(err)
	}
	return r
}

// DefaultRules returns the built-in intent→pattern table. Order matters:
// earlier rules win confidence ties.
func DefaultRules() []Rule {
	return []Rule{
		mustRule("smalltalk.greeting",
			`^(hi|hello|hey|yo)( there)?( cortex| henry)?$`,
			`^good (morning|afternoon|evening)( cortex| henry)?$`,
			`\bhow are you( doing)?( today)?\b`,
		),
		mustRule("smalltalk.thanks",
			`^(thanks|thank you|cheers)( so much| very much)?( cortex| henry)?$`,
			`\b(thanks|thank you)\b`,
		),
		mustRule("smalltalk.farewell",
			`^(goodbye|bye|bye bye|see you( later)?|good night)( cortex| henry)?$`,
			`\b(goodbye|see you later|good night)\b`,
		),
		mustRule("smalltalk.help",
			`^help$`,
			`\bwhat can you do\b`,
			`\bwhat are you able to do\b`,
		),
		mustRule("weather.forecast",
			`\bweather forecast\b.*`,
			`\b(will it|is it going to) (rain|snow|be (sunny|cold|hot|warm|windy))\b.*`,
			`\b(what'?s|what is|how'?s|how is) the weather( going to be)? (like )?(tomorrow|tonight|this weekend|next week|on [a-z]+)\b.*`,
			`\bforecast\b.*`,
		),
		mustRule("weather.current",
			`\b(what'?s|how'?s|what is|how is) the weather( like)?( (right )?now)?( (in|at|for) [a-z][a-z .'-]*)?$`,
			`\bis it (raining|snowing|sunny|cold|hot|windy)( outside)?( (in|at) [a-z][a-z .'-]*)?$`,
			`\b(current )?(weather|temperature)( outside)?( (in|at|for) [a-z][a-z .'-]*)?$`,
		),
		mustRule("timer.set",
			`\bset (a |an |the )?(timer|alarm|countdown)( for)?( [a-z0-9 ]+)?$`,
			`\b(start|create) (a |an )?(new )?(timer|countdown)( for)?( [a-z0-9 ]+)?$`,
			`\bremind me in [a-z0-9 ]+$`,
			`\b(timer|countdown) for [a-z0-9 ]+$`,
		),
		mustRule("timer.cancel",
			`\b(cancel|stop|delete|clear|remove) (the |my |that |this |all )?(timers?|alarms?|countdowns?)( [a-z0-9 ]+)?$`,
			`^(cancel|stop) it$`,
		),
		mustRule("timer.list",
			`\b(list|show)( me)? (my |all |the )?(active )?timers\b`,
			`\bhow (much|long) time (is )?left\b.*`,
			`\bwhat timers\b.*`,
		),
		mustRule("app.open",
			`\b(open|launch)( up)? [a-z0-9][a-z0-9 .'-]*$`,
			`\bbring up [a-z0-9][a-z0-9 .'-]*$`,
		),
		mustRule("app.close",
			`\b(close|quit|exit|kill) [a-z0-9][a-z0-9 .'-]*$`,
		),
		mustRule("search.web",
			`\bsearch (the web |online |the internet )?for .+$`,
			`\b(google|look up|lookup) .+$`,
			`\bsearch .+$`,
		),
		mustRule("system.time",
			`\bwhat time is it\b.*`,
			`\bwhat'?s the (current )?time\b.*`,
			`\b(tell me the|current) time\b.*`,
		),
		mustRule("system.date",
			`\bwhat'?s (the |today'?s )?date\b.*`,
			`\bwhat (day|date) is (it|today)\b.*`,
		),
		mustRule("system.status",
			`\b(system|pipeline|cortex) status\b.*`,
			`^status$`,
		),
	}
}

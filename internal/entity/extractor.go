package entity

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// Extractor runs the extraction passes.
type Extractor struct {
	ner     NERSource
	aliases map[string]string
	now     func() time.Time

	aliasPattern *regexp.Regexp
}

// Option configures an Extractor.
type Option func(*Extractor)

// WithNER sets the structured NER backend.
func WithNER(ner NERSource) Option {
	return func(e *Extractor) {
		e.ner = ner
	}
}

// WithAppAliases adds alias→canonical app names to the built-in table.
func WithAppAliases(aliases map[string]string) Option {
	return func(e *Extractor) {
		for k, v := range aliases {
			e.aliases[strings.ToLower(k)] = v
		}
	}
}

// WithClock sets the time source used to resolve relative dates.
func WithClock(now func() time.Time) Option {
	return func(e *Extractor) {
		if now != nil {
			e.now = now
		}
	}
}

// NewExtractor creates an extractor with the built-in tables.
func NewExtractor(opts ...Option) *Extractor {
	e := &Extractor{
		aliases: DefaultAppAliases(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.aliasPattern = compileAliases(e.aliases)
	return e
}

// Extract runs every pass over text and returns the deduplicated entity set
// ordered by span start. intentHint may be empty; when set it nudges the
// confidence of the passes that matter for that intent category.
func (e *Extractor) Extract(text, intentHint string) []Entity {
	if strings.TrimSpace(text) == "" {
		return nil
	}

	var all []Entity
	all = append(all, e.fromNER(text)...)
	all = append(all, extractLocations(text, intentHint)...)
	all = append(all, e.extractDates(text)...)
	all = append(all, extractDurations(text)...)
	all = append(all, e.extractApps(text, intentHint)...)
	all = append(all, extractNumbers(text)...)
	all = append(all, extractTemperatureUnits(text)...)
	all = append(all, extractConditions(text)...)

	return dedupe(all)
}

func (e *Extractor) fromNER(text string) (out []Entity) {
	if e.ner == nil {
		return nil
	}
	defer func() {
		if r := recover(); r != nil {
			log.Warn().Interface("panic", r).Msg("NER backend panicked")
			out = nil
		}
	}()
	ents, err := e.ner.Entities(text)
	if err != nil {
		log.Debug().Err(err).Msg("NER backend failed")
		return nil
	}
	return ents
}

// dedupe keeps the highest-confidence entity per (type, normalized text);
// the first seen wins ties.
func dedupe(all []Entity) []Entity {
	best := make(map[string]int, len(all))
	var out []Entity
	for _, ent := range all {
		k := ent.key()
		if i, ok := best[k]; ok {
			if ent.Confidence > out[i].Confidence {
				out[i] = ent
			}
			continue
		}
		best[k] = len(out)
		out = append(out, ent)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Start != out[j].Start {
			return out[i].Start < out[j].Start
		}
		return out[i].Type < out[j].Type
	})
	return out
}

// ═══════════════════════════════════════════════════════════════════════════════
// LOCATIONS
// ═══════════════════════════════════════════════════════════════════════════════

var locationPattern = regexp.MustCompile(`\b(?:in|at|for|near)\s+([A-Z][\p{L}'.-]*(?:\s+[A-Z][\p{L}'.-]*)*)`)

var wordPattern = regexp.MustCompile(`\S+`)

func extractLocations(text, intentHint string) []Entity {
	conf := 0.8
	if strings.HasPrefix(intentHint, "weather.") {
		conf = 0.9
	}

	var out []Entity
	for _, m := range locationPattern.FindAllStringSubmatchIndex(text, -1) {
		start, end := m[2], m[3]

		// Cut the phrase at the first date word ("in Paris Tomorrow").
		for _, w := range wordPattern.FindAllStringIndex(text[start:end], -1) {
			if isDateWord(strings.ToLower(text[start+w[0] : start+w[1]])) {
				end = start + w[0]
				break
			}
		}
		phrase := strings.TrimRight(text[start:end], " .'-")
		end = start + len(phrase)
		if phrase == "" {
			continue
		}
		out = append(out, Entity{
			Type:       TypeLocation,
			Value:      phrase,
			Text:       phrase,
			Start:      start,
			End:        end,
			Confidence: conf,
		})
	}
	return out
}

// ═══════════════════════════════════════════════════════════════════════════════
// RELATIVE DATES
// ═══════════════════════════════════════════════════════════════════════════════

// relativeDays maps fixed keywords to a day offset.
var relativeDays = map[string]int{
	"day after tomorrow": 2,
	"tomorrow":           1,
	"today":              0,
	"tonight":            0,
	"yesterday":          -1,
	"next week":          7,
}

var weekdays = map[string]time.Weekday{
	"sunday":    time.Sunday,
	"monday":    time.Monday,
	"tuesday":   time.Tuesday,
	"wednesday": time.Wednesday,
	"thursday":  time.Thursday,
	"friday":    time.Friday,
	"saturday":  time.Saturday,
}

var datePattern = regexp.MustCompile(`(?i)\b(day after tomorrow|tomorrow|today|tonight|yesterday|next week|this weekend|sunday|monday|tuesday|wednesday|thursday|friday|saturday)\b`)

func isDateWord(s string) bool {
	if _, ok := relativeDays[s]; ok {
		return true
	}
	_, ok := weekdays[s]
	return ok || s == "this weekend"
}

// dayDelta resolves a date keyword against today. Weekdays resolve to the
// next occurrence strictly after today.
func dayDelta(keyword string, today time.Weekday) int {
	if d, ok := relativeDays[keyword]; ok {
		return d
	}
	if keyword == "this weekend" {
		if today == time.Sunday {
			return 0
		}
		return int(time.Saturday - today)
	}
	wd := weekdays[keyword]
	d := (int(wd) - int(today) + 7) % 7
	if d == 0 {
		d = 7
	}
	return d
}

func (e *Extractor) extractDates(text string) []Entity {
	now := e.now()
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())

	var out []Entity
	for _, loc := range datePattern.FindAllStringIndex(text, -1) {
		span := text[loc[0]:loc[1]]
		keyword := strings.ToLower(span)
		delta := dayDelta(keyword, today.Weekday())
		out = append(out, Entity{
			Type:       TypeDate,
			Value:      today.AddDate(0, 0, delta).Format("2006-01-02"),
			Text:       span,
			Start:      loc[0],
			End:        loc[1],
			Confidence: 0.9,
			Metadata: map[string]any{
				"keyword":    keyword,
				"delta_days": delta,
			},
		})
	}
	return out
}

// ═══════════════════════════════════════════════════════════════════════════════
// APPLICATIONS
// ═══════════════════════════════════════════════════════════════════════════════

// DefaultAppAliases returns the built-in alias→canonical application table.
func DefaultAppAliases() map[string]string {
	return map[string]string{
		"chrome":             "Google Chrome",
		"google chrome":      "Google Chrome",
		"safari":             "Safari",
		"firefox":            "Firefox",
		"spotify":            "Spotify",
		"slack":              "Slack",
		"zoom":               "zoom.us",
		"vs code":            "Visual Studio Code",
		"vscode":             "Visual Studio Code",
		"visual studio code": "Visual Studio Code",
		"code editor":        "Visual Studio Code",
		"terminal":           "Terminal",
		"iterm":              "iTerm",
		"finder":             "Finder",
		"notes":              "Notes",
		"calculator":         "Calculator",
		"calendar":           "Calendar",
		"mail":               "Mail",
		"messages":           "Messages",
		"music":              "Music",
		"photos":             "Photos",
		"system settings":    "System Settings",
	}
}

// compileAliases builds one alternation, longest alias first so that
// "google chrome" wins over "chrome".
func compileAliases(aliases map[string]string) *regexp.Regexp {
	keys := make([]string, 0, len(aliases))
	for k := range aliases {
		keys = append(keys, regexp.QuoteMeta(k))
	}
	sort.Slice(keys, func(i, j int) bool {
		if len(keys[i]) != len(keys[j]) {
			return len(keys[i]) > len(keys[j])
		}
		return keys[i] < keys[j]
	})
	return regexp.MustCompile(`(?i)\b(` + strings.Join(keys, "|") + `)\b`)
}

var appVerbPattern = regexp.MustCompile(`(?i:\b(?:open|launch|start|close|quit|switch to))\s+([A-Z][\p{L}\p{N}.+-]*(?:\s+[A-Z][\p{L}\p{N}.+-]*)*)`)

func (e *Extractor) extractApps(text, intentHint string) []Entity {
	var out []Entity
	for _, loc := range e.aliasPattern.FindAllStringIndex(text, -1) {
		span := text[loc[0]:loc[1]]
		out = append(out, Entity{
			Type:       TypeApp,
			Value:      e.aliases[strings.ToLower(span)],
			Text:       span,
			Start:      loc[0],
			End:        loc[1],
			Confidence: 0.9,
			Metadata:   map[string]any{"source": "alias"},
		})
	}

	conf := 0.7
	if strings.HasPrefix(intentHint, "app.") {
		conf = 0.8
	}
	for _, m := range appVerbPattern.FindAllStringSubmatchIndex(text, -1) {
		start, end := m[2], m[3]
		phrase := strings.TrimRight(text[start:end], ".")
		out = append(out, Entity{
			Type:       TypeApp,
			Value:      phrase,
			Text:       phrase,
			Start:      start,
			End:        start + len(phrase),
			Confidence: conf,
			Metadata:   map[string]any{"source": "verb"},
		})
	}
	return out
}

// ═══════════════════════════════════════════════════════════════════════════════
// NUMBERS AND WEATHER KEYWORDS
// ═══════════════════════════════════════════════════════════════════════════════

var numberPattern = regexp.MustCompile(`(?:^|[^\p{L}\p{N}.])(-?\d+(?:\.\d+)?)\b`)

func extractNumbers(text string) []Entity {
	var out []Entity
	for _, m := range numberPattern.FindAllStringSubmatchIndex(text, -1) {
		span := text[m[2]:m[3]]
		v, err := strconv.ParseFloat(span, 64)
		if err != nil {
			continue
		}
		out = append(out, Entity{
			Type:       TypeNumber,
			Value:      v,
			Text:       span,
			Start:      m[2],
			End:        m[3],
			Confidence: 0.6,
		})
	}
	return out
}

var temperaturePattern = regexp.MustCompile(`(?i)\b(celsius|centigrade|fahrenheit|kelvin)\b|°\s?([cfk])\b`)

var temperatureUnits = map[string]string{
	"celsius":    "celsius",
	"centigrade": "celsius",
	"c":          "celsius",
	"fahrenheit": "fahrenheit",
	"f":          "fahrenheit",
	"kelvin":     "kelvin",
	"k":          "kelvin",
}

func extractTemperatureUnits(text string) []Entity {
	var out []Entity
	for _, m := range temperaturePattern.FindAllStringSubmatchIndex(text, -1) {
		var word string
		switch {
		case m[2] >= 0:
			word = text[m[2]:m[3]]
		case m[4] >= 0:
			word = text[m[4]:m[5]]
		}
		unit, ok := temperatureUnits[strings.ToLower(word)]
		if !ok {
			continue
		}
		out = append(out, Entity{
			Type:       TypeTemperatureUnit,
			Value:      unit,
			Text:       text[m[0]:m[1]],
			Start:      m[0],
			End:        m[1],
			Confidence: 0.9,
		})
	}
	return out
}

// weatherConditions maps surface words to a canonical condition.
var weatherConditions = map[string]string{
	"rain": "rain", "raining": "rain", "rainy": "rain", "drizzle": "rain", "umbrella": "rain",
	"snow": "snow", "snowing": "snow", "snowy": "snow",
	"sun": "sunny", "sunny": "sunny",
	"cloud": "cloudy", "clouds": "cloudy", "cloudy": "cloudy", "overcast": "cloudy",
	"wind": "windy", "windy": "windy",
	"storm": "storm", "stormy": "storm", "thunderstorm": "storm", "thunder": "storm",
	"fog": "fog", "foggy": "fog",
	"hot": "hot", "warm": "hot",
	"cold": "cold", "freezing": "cold", "chilly": "cold",
	"humid": "humid",
}

var conditionPattern = func() *regexp.Regexp {
	words := make([]string, 0, len(weatherConditions))
	for w := range weatherConditions {
		words = append(words, w)
	}
	sort.Slice(words, func(i, j int) bool { return len(words[i]) > len(words[j]) })
	return regexp.MustCompile(fmt.Sprintf(`(?i)\b(%s)\b`, strings.Join(words, "|")))
}()

func extractConditions(text string) []Entity {
	var out []Entity
	for _, loc := range conditionPattern.FindAllStringIndex(text, -1) {
		span := text[loc[0]:loc[1]]
		out = append(out, Entity{
			Type:       TypeWeatherCondition,
			Value:      weatherConditions[strings.ToLower(span)],
			Text:       span,
			Start:      loc[0],
			End:        loc[1],
			Confidence: 0.8,
		})
	}
	return out
}

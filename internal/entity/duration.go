package entity

import (
	"math"
	"regexp"
	"strconv"
	"strings"
)

// unitSeconds maps every accepted unit spelling to its length in seconds.
var unitSeconds = map[string]int{
	"s": 1, "sec": 1, "secs": 1, "second": 1, "seconds": 1,
	"m": 60, "min": 60, "mins": 60, "minute": 60, "minutes": 60,
	"h": 3600, "hr": 3600, "hrs": 3600, "hour": 3600, "hours": 3600,
	"day": 86400, "days": 86400,
}

var numberWords = map[string]float64{
	"a": 1, "an": 1, "one": 1, "two": 2, "three": 3, "four": 4, "five": 5,
	"six": 6, "seven": 7, "eight": 8, "nine": 9, "ten": 10, "eleven": 11,
	"twelve": 12, "fifteen": 15, "twenty": 20, "thirty": 30, "forty": 40,
	"forty five": 45, "fifty": 50, "sixty": 60, "ninety": 90,
	"half a": 0.5, "half an": 0.5,
}

// durationPart matches one quantity+unit pair. Single-letter units need a
// digit directly in front ("5m", "2h") so words like "a h" don't count.
var durationPart = regexp.MustCompile(`(?i)\b(\d+(?:\.\d+)?|half an?|forty five|an?|one|two|three|four|five|six|seven|eight|nine|ten|eleven|twelve|fifteen|twenty|thirty|forty|fifty|sixty|ninety)\s*(seconds?|secs?|minutes?|mins?|hours?|hrs?|days?|day)\b|\b(\d+)([smh])\b`)

// joiner is what may sit between two parts of one compound duration.
var joiner = regexp.MustCompile(`(?i)^\s*(,|and)?\s*(and)?\s*$`)

type durationHit struct {
	start, end int
	seconds    float64
}

func scanDurations(text string) []durationHit {
	var hits []durationHit
	for _, m := range durationPart.FindAllStringSubmatchIndex(text, -1) {
		var qty, unit string
		if m[2] >= 0 {
			qty, unit = text[m[2]:m[3]], text[m[4]:m[5]]
		} else {
			qty, unit = text[m[6]:m[7]], text[m[8]:m[9]]
		}
		n, ok := parseQuantity(qty)
		if !ok {
			continue
		}
		secs, ok := unitSeconds[strings.ToLower(unit)]
		if !ok {
			continue
		}
		hits = append(hits, durationHit{start: m[0], end: m[1], seconds: n * float64(secs)})
	}
	return hits
}

func parseQuantity(s string) (float64, bool) {
	s = strings.ToLower(strings.Join(strings.Fields(s), " "))
	if v, ok := numberWords[s]; ok {
		return v, true
	}
	v, err := strconv.ParseFloat(s, 64)
	return v, err == nil
}

// extractDurations groups adjacent quantity+unit parts ("1 hour 30
// minutes", "2 hours and 5 minutes") into one entity whose value is the
// summed total in seconds.
func extractDurations(text string) []Entity {
	hits := scanDurations(text)
	var out []Entity

	for i := 0; i < len(hits); {
		group := hits[i]
		j := i + 1
		for j < len(hits) && joiner.MatchString(text[group.end:hits[j].start]) {
			group.end = hits[j].end
			group.seconds += hits[j].seconds
			j++
		}
		total := int(math.Round(group.seconds))
		out = append(out, Entity{
			Type:       TypeDuration,
			Value:      total,
			Text:       text[group.start:group.end],
			Start:      group.start,
			End:        group.end,
			Confidence: 0.95,
			Metadata:   map[string]any{"parts": j - i},
		})
		i = j
	}
	return out
}

// ParseDuration sums every quantity+unit part in text and returns the total
// in seconds. ok is false when text has no duration at all.
func ParseDuration(text string) (seconds int, ok bool) {
	hits := scanDurations(text)
	if len(hits) == 0 {
		return 0, false
	}
	var total float64
	for _, h := range hits {
		total += h.seconds
	}
	return int(math.Round(total)), true
}

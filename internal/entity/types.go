// Package entity extracts typed values (locations, dates, durations, app
// names, numbers, weather keywords) from an utterance.
//
// Extraction runs independent passes over the same text. Each pass is
// order-insensitive; the merged set is deduplicated by (type, normalized
// text) keeping the highest-confidence entry. A missing optional backend
// contributes zero entities, never an error.
package entity

import (
	"fmt"
	"strings"
)

// Type identifies what kind of value an Entity carries.
type Type string

const (
	TypeLocation         Type = "location"
	TypeDate             Type = "date"
	TypeDuration         Type = "duration"
	TypeApp              Type = "app"
	TypeNumber           Type = "number"
	TypeTemperatureUnit  Type = "temperature_unit"
	TypeWeatherCondition Type = "weather_condition"
	TypeTimerID          Type = "timer_id"
	TypePerson           Type = "person"
	TypeOrganization     Type = "organization"
)

// Entity is one typed value found in an utterance.
type Entity struct {
	Type Type `json:"type"`

	// Value is the parsed value: string for locations, apps and keywords,
	// an ISO date string for dates, int seconds for durations, float64 for
	// numbers.
	Value any `json:"value"`

	// Text is the source span; Start and End are byte offsets into the
	// utterance.
	Text  string `json:"text"`
	Start int    `json:"start"`
	End   int    `json:"end"`

	Confidence float64        `json:"confidence"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// String returns Value formatted for display.
func (e Entity) String() string {
	if s, ok := e.Value.(string); ok {
		return s
	}
	return fmt.Sprint(e.Value)
}

// Seconds returns the Value of a duration entity.
func (e Entity) Seconds() (int, bool) {
	v, ok := e.Value.(int)
	return v, ok
}

// key is the dedup key: type plus normalized source text.
func (e Entity) key() string {
	return string(e.Type) + "\x00" + normalizeText(e.Text)
}

func normalizeText(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}

// NERSource is an optional structured named-entity backend.
type NERSource interface {
	Entities(text string) ([]Entity, error)
}

// FilterByType returns the entities of type t, in order.
func FilterByType(entities []Entity, t Type) []Entity {
	var out []Entity
	for _, e := range entities {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

// First returns the first entity of type t.
func First(entities []Entity, t Type) (Entity, bool) {
	for _, e := range entities {
		if e.Type == t {
			return e, true
		}
	}
	return Entity{}, false
}

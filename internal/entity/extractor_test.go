package entity

import (
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// friday is 2024-03-15, a Friday.
func friday() time.Time {
	return time.Date(2024, 3, 15, 10, 30, 0, 0, time.UTC)
}

func newTestExtractor(opts ...Option) *Extractor {
	return NewExtractor(append([]Option{WithClock(friday)}, opts...)...)
}

func TestParseDuration(t *testing.T) {
	tests := []struct {
		input string
		want  int
		ok    bool
	}{
		{"5 minutes", 300, true},
		{"1 hour 30 minutes", 5400, true},
		{"90 seconds", 90, true},
		{"2 hours and 15 minutes", 8100, true},
		{"an hour", 3600, true},
		{"half an hour", 1800, true},
		{"ten mins", 600, true},
		{"1.5 hours", 5400, true},
		{"5m", 300, true},
		{"2h 10m", 7800, true},
		{"one day", 86400, true},
		{"no duration here", 0, false},
		{"", 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, ok := ParseDuration(tt.input)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestExtract_Empty(t *testing.T) {
	e := newTestExtractor()
	assert.Nil(t, e.Extract("", ""))
	assert.Nil(t, e.Extract("   ", "timer.set"))
}

func TestExtract_TimerUtterance(t *testing.T) {
	e := newTestExtractor()
	got := e.Extract("Set a timer for 1 hour 30 minutes", "timer.set")

	want := []Entity{
		{Type: TypeDuration, Value: 5400, Text: "1 hour 30 minutes", Start: 16, End: 33, Confidence: 0.95, Metadata: map[string]any{"parts": 2}},
		{Type: TypeNumber, Value: 1.0, Text: "1", Start: 16, End: 17, Confidence: 0.6},
		{Type: TypeNumber, Value: 30.0, Text: "30", Start: 23, End: 25, Confidence: 0.6},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Extract() mismatch (-want +got):\n%s", diff)
	}
}

func TestExtract_SeparateDurationsStaySeparate(t *testing.T) {
	e := newTestExtractor()
	got := FilterByType(e.Extract("remind me in 5 minutes to check the 10 minute timer", ""), TypeDuration)
	require.Len(t, got, 2)
	assert.Equal(t, 300, got[0].Value)
	assert.Equal(t, 600, got[1].Value)
}

func TestExtract_Location(t *testing.T) {
	e := newTestExtractor()

	tests := []struct {
		input string
		want  string
	}{
		{"What's the weather like in Paris?", "Paris"},
		{"weather in New York tomorrow", "New York"},
		{"is it raining at San Francisco International", "San Francisco International"},
		{"forecast for London Tomorrow", "London"},
		{"coffee shops near Union Square.", "Union Square"},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			loc, ok := First(e.Extract(tt.input, "weather.current"), TypeLocation)
			require.True(t, ok)
			assert.Equal(t, tt.want, loc.Value)
			assert.Equal(t, tt.want, tt.input[loc.Start:loc.End])
			assert.Equal(t, 0.9, loc.Confidence)
		})
	}

	// Lowercase phrases and date words are not places.
	for _, in := range []string{"set a timer for five minutes", "what about on Monday", "weather for Tomorrow"} {
		_, ok := First(e.Extract(in, ""), TypeLocation)
		assert.False(t, ok, in)
	}
}

func TestExtract_RelativeDates(t *testing.T) {
	e := newTestExtractor()

	tests := []struct {
		input string
		want  string
		delta int
	}{
		{"what about tomorrow", "2024-03-16", 1},
		{"today", "2024-03-15", 0},
		{"the day after tomorrow", "2024-03-17", 2},
		{"yesterday", "2024-03-14", -1},
		{"next week", "2024-03-22", 7},
		{"on Monday", "2024-03-18", 3},
		{"on friday", "2024-03-22", 7},
		{"this weekend", "2024-03-16", 1},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			dates := FilterByType(e.Extract(tt.input, ""), TypeDate)
			require.Len(t, dates, 1)
			assert.Equal(t, tt.want, dates[0].Value)
			assert.Equal(t, tt.delta, dates[0].Metadata["delta_days"])
		})
	}
}

func TestExtract_Apps(t *testing.T) {
	e := newTestExtractor()

	got := e.Extract("Open Spotify", "app.open")
	want := []Entity{
		{Type: TypeApp, Value: "Spotify", Text: "Spotify", Start: 5, End: 12, Confidence: 0.9, Metadata: map[string]any{"source": "alias"}},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Extract() mismatch (-want +got):\n%s", diff)
	}

	app, ok := First(e.Extract("open google chrome please", ""), TypeApp)
	require.True(t, ok)
	assert.Equal(t, "Google Chrome", app.Value)

	app, ok = First(e.Extract("launch Obsidian", "app.open"), TypeApp)
	require.True(t, ok)
	assert.Equal(t, "Obsidian", app.Value)
	assert.Equal(t, 0.8, app.Confidence)
	assert.Equal(t, "verb", app.Metadata["source"])

	custom := newTestExtractor(WithAppAliases(map[string]string{"Figma": "Figma Desktop"}))
	app, ok = First(custom.Extract("close figma", ""), TypeApp)
	require.True(t, ok)
	assert.Equal(t, "Figma Desktop", app.Value)
}

func TestExtract_WeatherKeywords(t *testing.T) {
	e := newTestExtractor()

	ents := e.Extract("will it rain in London, and is it 20°C or in fahrenheit", "")
	cond, ok := First(ents, TypeWeatherCondition)
	require.True(t, ok)
	assert.Equal(t, "rain", cond.Value)

	units := FilterByType(ents, TypeTemperatureUnit)
	require.Len(t, units, 2)
	assert.Equal(t, "celsius", units[0].Value)
	assert.Equal(t, "fahrenheit", units[1].Value)

	num, ok := First(ents, TypeNumber)
	require.True(t, ok)
	assert.Equal(t, 20.0, num.Value)

	loc, ok := First(ents, TypeLocation)
	require.True(t, ok)
	assert.Equal(t, "London", loc.Value)
}

type fakeNER struct {
	ents  []Entity
	err   error
	panic bool
}

func (f fakeNER) Entities(string) ([]Entity, error) {
	if f.panic {
		panic("ner exploded")
	}
	return f.ents, f.err
}

func TestExtract_NER(t *testing.T) {
	person := Entity{Type: TypePerson, Value: "Ada", Text: "Ada", Start: 5, End: 8, Confidence: 0.99}
	e := newTestExtractor(WithNER(fakeNER{ents: []Entity{person}}))

	got, ok := First(e.Extract("call Ada", ""), TypePerson)
	require.True(t, ok)
	assert.Equal(t, person, got)
}

func TestExtract_NERFailuresYieldNothing(t *testing.T) {
	for _, ner := range []fakeNER{{err: errors.New("model missing")}, {panic: true}} {
		e := newTestExtractor(WithNER(ner))
		var ents []Entity
		assert.NotPanics(t, func() {
			ents = e.Extract("weather in Paris", "")
		})
		loc, ok := First(ents, TypeLocation)
		require.True(t, ok)
		assert.Equal(t, "Paris", loc.Value)
	}
}

func TestExtract_DedupKeepsHighestConfidence(t *testing.T) {
	strong := Entity{Type: TypeLocation, Value: "Paris, France", Text: "paris", Start: 11, End: 16, Confidence: 0.97}
	e := newTestExtractor(WithNER(fakeNER{ents: []Entity{strong}}))

	locs := FilterByType(e.Extract("weather in Paris", ""), TypeLocation)
	require.Len(t, locs, 1)
	assert.Equal(t, "Paris, France", locs[0].Value)
	assert.Equal(t, 0.97, locs[0].Confidence)
}

func TestExtract_ConfidenceInRange(t *testing.T) {
	e := newTestExtractor()
	for _, in := range []string{
		"Open Spotify and set a timer for 5 minutes in Berlin tomorrow",
		"is it -5 celsius at Oslo on Saturday",
		"search for 3 cheap flights to Rome",
	} {
		for _, ent := range e.Extract(in, "") {
			assert.GreaterOrEqual(t, ent.Confidence, 0.0)
			assert.LessOrEqual(t, ent.Confidence, 1.0)
			assert.Equal(t, ent.Text, in[ent.Start:ent.End], "%s span", ent.Type)
		}
	}
}

func TestFilterAndFirst(t *testing.T) {
	ents := []Entity{
		{Type: TypeNumber, Value: 1.0},
		{Type: TypeLocation, Value: "Paris"},
		{Type: TypeNumber, Value: 2.0},
	}
	assert.Len(t, FilterByType(ents, TypeNumber), 2)
	assert.Empty(t, FilterByType(ents, TypeApp))

	first, ok := First(ents, TypeNumber)
	require.True(t, ok)
	assert.Equal(t, 1.0, first.Value)

	_, ok = First(ents, TypeDate)
	assert.False(t, ok)
}

func TestEntityAccessors(t *testing.T) {
	d := Entity{Type: TypeDuration, Value: 300}
	secs, ok := d.Seconds()
	assert.True(t, ok)
	assert.Equal(t, 300, secs)
	assert.Equal(t, "300", d.String())

	l := Entity{Type: TypeLocation, Value: "Paris"}
	_, ok = l.Seconds()
	assert.False(t, ok)
	assert.Equal(t, "Paris", l.String())
}

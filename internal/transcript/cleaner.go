// Package transcript normalizes speech-to-text output before it reaches
// the classifier. STT often picks up disfluencies, stutters and the wake
// word itself:
//
//	"um uh hey cortex what's the weather" -> "what's the weather"
//	"[music] set set a timer for 5 minutes" -> "set a timer for 5 minutes"
//
// Case is preserved because entity extraction relies on capitalization.
package transcript

import (
	"regexp"
	"sort"
	"strings"
)

// maxLeadingFillers bounds how many filler words are stripped.
const maxLeadingFillers = 6

var (
	whitespace  = regexp.MustCompile(`\s+`)
	annotations = regexp.MustCompile(`^\s*(\[[^\]]*\]|\([^)]*\))\s*`)
	repeatPunct = regexp.MustCompile(`([.!?,])[.!?,]+`)
)

// Cleaner strips STT artifacts from a transcript. The zero value is not
// usable; create one with New.
type Cleaner struct {
	fillers     map[string]bool
	wakeWords   []string
	corrections map[string]string
}

// Option configures a Cleaner.
type Option func(*Cleaner)

// WithWakeWords replaces the wake word list. Matching is case-insensitive
// and only at the start of the transcript.
func WithWakeWords(words ...string) Option {
	return func(c *Cleaner) {
		c.wakeWords = c.wakeWords[:0]
		for _, w := range words {
			if w = strings.ToLower(strings.TrimSpace(w)); w != "" {
				c.wakeWords = append(c.wakeWords, w)
			}
		}
		sortLongestFirst(c.wakeWords)
	}
}

// WithCorrection maps a commonly misheard short utterance to what was
// meant. It applies only when it is the whole transcript.
func WithCorrection(heard, meant string) Option {
	return func(c *Cleaner) {
		c.corrections[strings.ToLower(heard)] = meant
	}
}

// DefaultWakeWords are stripped from the start of a transcript.
func DefaultWakeWords() []string {
	return []string{"hey cortex", "hi cortex", "ok cortex", "okay cortex", "cortex", "hey henry", "henry"}
}

// New creates a Cleaner with the default fillers, wake words and
// corrections.
func New(opts ...Option) *Cleaner {
	c := &Cleaner{
		fillers: map[string]bool{
			"um": true, "umm": true, "uh": true, "uhm": true, "er": true, "erm": true,
			"ah": true, "eh": true, "hmm": true, "hm": true, "mm": true,
		},
		corrections: map[string]string{
			"council": "cancel it",
			"counsel": "cancel it",
			"stock":   "stop it",
			"health":  "help",
			"held":    "help",
		},
	}
	WithWakeWords(DefaultWakeWords()...)(c)
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Clean returns the transcript with artifacts removed. A transcript made
// only of fillers cleans to "".
func (c *Cleaner) Clean(text string) string {
	text = whitespace.ReplaceAllString(strings.TrimSpace(text), " ")
	text = strings.Trim(text, `"`)
	for {
		stripped := annotations.ReplaceAllString(text, "")
		if stripped == text {
			break
		}
		text = stripped
	}
	text = repeatPunct.ReplaceAllString(text, "$1")
	text = collapseRepeats(text)

	text = c.stripFillers(text)
	text = c.stripWakeWord(text)
	text = c.stripFillers(text)

	if meant, ok := c.corrections[strings.ToLower(strings.Trim(text, ".!?, "))]; ok {
		return meant
	}
	return strings.TrimSpace(text)
}

// HasWakeWord reports whether the transcript starts with a wake word,
// ignoring leading fillers.
func (c *Cleaner) HasWakeWord(text string) bool {
	text = c.stripFillers(whitespace.ReplaceAllString(strings.TrimSpace(text), " "))
	_, ok := c.wakePrefix(text)
	return ok
}

func (c *Cleaner) stripFillers(text string) string {
	words := strings.Fields(text)
	n := 0
	for n < len(words) && n < maxLeadingFillers && c.fillers[bare(words[n])] {
		n++
	}
	if n == 0 {
		return text
	}
	return strings.Join(words[n:], " ")
}

// stripWakeWord drops a leading wake word unless it is the whole
// utterance ("hey cortex" on its own is a greeting).
func (c *Cleaner) stripWakeWord(text string) string {
	n, ok := c.wakePrefix(text)
	if !ok {
		return text
	}
	rest := strings.TrimLeft(text[n:], ",.!? ")
	if rest == "" {
		return text
	}
	return rest
}

func (c *Cleaner) wakePrefix(text string) (int, bool) {
	lower := strings.ToLower(text)
	for _, w := range c.wakeWords {
		if !strings.HasPrefix(lower, w) {
			continue
		}
		if len(lower) == len(w) || !isWordByte(lower[len(w)]) {
			return len(w), true
		}
	}
	return 0, false
}

// collapseRepeats removes immediate word repetitions ("set set a timer").
func collapseRepeats(text string) string {
	words := strings.Fields(text)
	if len(words) < 2 {
		return text
	}
	out := []string{words[0]}
	for _, w := range words[1:] {
		if !strings.EqualFold(bare(w), bare(out[len(out)-1])) {
			out = append(out, w)
		}
	}
	return strings.Join(out, " ")
}

func bare(word string) string {
	return strings.ToLower(strings.Trim(word, ",.!?"))
}

func isWordByte(b byte) bool {
	return b == '\'' || b == '-' || ('a' <= b && b <= 'z') || ('0' <= b && b <= '9')
}

func sortLongestFirst(words []string) {
	sort.SliceStable(words, func(i, j int) bool { return len(words[i]) > len(words[j]) })
}

// Package smalltalk is the conversational capability: greetings, thanks,
// farewells, help and the fallback for utterances nothing understood.
//
// Replies carry nothing time-dependent, so the response cache may replay
// them.
package smalltalk

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/normanking/cortex-voicecore/internal/capability"
	"github.com/normanking/cortex-voicecore/internal/conversation"
	"github.com/normanking/cortex-voicecore/internal/entity"
	"github.com/normanking/cortex-voicecore/internal/intent"
)

// Name is the capability name.
const Name = "smalltalk"

const (
	IntentGreeting = "smalltalk.greeting"
	IntentThanks   = "smalltalk.thanks"
	IntentFarewell = "smalltalk.farewell"
	IntentHelp     = "smalltalk.help"
	IntentUnknown  = intent.Unknown
)

var (
	thanksReplies = []string{
		"You're welcome!",
		"Happy to help.",
		"Any time.",
	}
	farewellReplies = []string{
		"Goodbye!",
		"See you later.",
		"Talk to you soon.",
	}
	unknownReplies = []string{
		"Sorry, I didn't catch that.",
		"I'm not sure how to help with that yet.",
		"Could you say that another way?",
	}
)

// Capability answers small talk.
type Capability struct {
	capability.Base

	name  atomic.Value // string
	turns atomic.Uint64
}

// Option configures the capability.
type Option func(*Capability)

// WithName sets the assistant name used in greetings.
func WithName(name string) Option {
	return func(c *Capability) {
		if name = strings.TrimSpace(name); name != "" {
			c.name.Store(name)
		}
	}
}

// New creates the capability.
func New(opts ...Option) *Capability {
	c := &Capability{
		Base: capability.Base{Meta: capability.Info{
			Name:        Name,
			Description: "Greetings, thanks, farewells, help and the unknown fallback",
			Version:     "1.1.0",
			Intents:     []string{IntentGreeting, IntentThanks, IntentFarewell, IntentHelp, IntentUnknown},
		}},
	}
	c.name.Store("Cortex")
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Factory returns the discovery factory.
func Factory(opts ...Option) capability.Factory {
	return capability.Factory{
		Name: Name,
		New:  func() (capability.Capability, error) { return New(opts...), nil },
	}
}

// Configure accepts "assistant_name".
func (c *Capability) Configure(settings map[string]any) error {
	v, ok := settings["assistant_name"]
	if !ok {
		return nil
	}
	name, ok := v.(string)
	if !ok || strings.TrimSpace(name) == "" {
		return fmt.Errorf("assistant_name must be a non-empty string, got %v", v)
	}
	c.name.Store(strings.TrimSpace(name))
	return nil
}

// Execute implements capability.Capability.
func (c *Capability) Execute(ctx context.Context, intentTag string, entities []entity.Entity, snap conversation.Snapshot) (capability.Response, error) {
	turn := c.turns.Add(1) - 1

	switch intentTag {
	case IntentGreeting:
		return capability.Succeed(fmt.Sprintf("Hello! I'm %s. How can I help?", c.assistantName())), nil
	case IntentThanks:
		return capability.Succeed(pick(thanksReplies, turn)), nil
	case IntentFarewell:
		return capability.Succeed(pick(farewellReplies, turn)), nil
	case IntentHelp:
		resp := capability.Succeed("I can set timers, tell you the time or date, and chat. Try \"set a timer for 5 minutes\".")
		resp.Continue = true
		return resp, nil
	case IntentUnknown:
		// Keep listening for a rephrase; Continue also keeps it out of the cache.
		resp := capability.Succeed(pick(unknownReplies, turn))
		resp.Continue = true
		return resp, nil
	}
	return capability.Response{}, fmt.Errorf("unsupported intent %q", intentTag)
}

func (c *Capability) assistantName() string {
	return c.name.Load().(string)
}

func pick(replies []string, turn uint64) string {
	return replies[turn%uint64(len(replies))]
}

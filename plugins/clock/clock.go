// Package clock answers time and date questions.
package clock

import (
	"context"
	"fmt"
	"time"

	"github.com/normanking/cortex-voicecore/internal/capability"
	"github.com/normanking/cortex-voicecore/internal/conversation"
	"github.com/normanking/cortex-voicecore/internal/entity"
)

// Name is the capability name.
const Name = "clock"

const (
	IntentTime = "system.time"
	IntentDate = "system.date"
)

// Capability reports the local time and date.
type Capability struct {
	capability.Base
	now func() time.Time
	loc *time.Location
}

// Option configures the capability.
type Option func(*Capability)

// WithClock injects the time source.
func WithClock(now func() time.Time) Option {
	return func(c *Capability) {
		c.now = now
	}
}

// New creates the capability.
func New(opts ...Option) *Capability {
	c := &Capability{
		Base: capability.Base{Meta: capability.Info{
			Name:        Name,
			Description: "Current time and date",
			Version:     "1.0.0",
			Intents:     []string{IntentTime, IntentDate},
		}},
		now: time.Now,
		loc: time.Local,
	}
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

// Configure accepts "timezone" as an IANA zone name.
func (c *Capability) Configure(settings map[string]any) error {
	v, ok := settings["timezone"]
	if !ok {
		return nil
	}
	name, _ := v.(string)
	loc, err := time.LoadLocation(name)
	if err != nil {
		return fmt.Errorf("timezone: %w", err)
	}
	c.loc = loc
	return nil
}

// Execute implements capability.Capability.
func (c *Capability) Execute(ctx context.Context, intentTag string, entities []entity.Entity, snap conversation.Snapshot) (capability.Response, error) {
	now := c.now().In(c.loc)

	var resp capability.Response
	switch intentTag {
	case IntentTime:
		resp = capability.Succeed("It's " + now.Format("3:04 PM") + ".")
	case IntentDate:
		resp = capability.Succeed("Today is " + now.Format("Monday, January 2") + ".")
	default:
		return capability.Response{}, fmt.Errorf("unsupported intent %q", intentTag)
	}
	resp.Data = map[string]any{"timestamp": now.Format(time.RFC3339)}
	resp.ContextDelta = map[string]any{conversation.DeltaTopic: "time"}
	return resp, nil
}

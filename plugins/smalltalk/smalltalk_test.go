package smalltalk

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/normanking/cortex-voicecore/internal/capability"
	"github.com/normanking/cortex-voicecore/internal/conversation"
	"github.com/normanking/cortex-voicecore/internal/intent"
)

func exec(t *testing.T, c *Capability, intentTag string) capability.Response {
	t.Helper()
	resp, err := c.Execute(context.Background(), intentTag, nil, conversation.Snapshot{})
	require.NoError(t, err)
	return resp
}

func TestGreeting(t *testing.T) {
	resp := exec(t, New(), IntentGreeting)
	assert.True(t, resp.Success)
	assert.Equal(t, "Hello! I'm Cortex. How can I help?", resp.Message)

	assert.Equal(t, "Hello! I'm Henry. How can I help?", exec(t, New(WithName("Henry")), IntentGreeting).Message)
	assert.Equal(t, "Hello! I'm Cortex. How can I help?", exec(t, New(WithName("  ")), IntentGreeting).Message)
}

func TestUnknownFallback(t *testing.T) {
	c := New()
	require.True(t, c.CanHandle(intent.Unknown))

	first := exec(t, c, intent.Unknown)
	assert.True(t, first.Success)
	assert.True(t, first.Continue)
	assert.Equal(t, "Sorry, I didn't catch that.", first.Message)

	second := exec(t, c, intent.Unknown)
	assert.NotEqual(t, first.Message, second.Message)
	assert.Contains(t, unknownReplies, second.Message)
}

func TestRepliesRotate(t *testing.T) {
	c := New()
	first := exec(t, c, IntentThanks).Message
	second := exec(t, c, IntentThanks).Message
	assert.NotEqual(t, first, second)
	assert.Contains(t, thanksReplies, first)

	assert.Contains(t, farewellReplies, exec(t, c, IntentFarewell).Message)
}

func TestHelpKeepsListening(t *testing.T) {
	resp := exec(t, New(), IntentHelp)
	assert.True(t, resp.Continue)
	assert.Contains(t, resp.Message, "timer")
}

func TestUnsupportedIntent(t *testing.T) {
	_, err := New().Execute(context.Background(), "weather.current", nil, conversation.Snapshot{})
	assert.Error(t, err)
}

func TestConfigure(t *testing.T) {
	c := New()
	require.NoError(t, c.Configure(map[string]any{"units": "metric"}))
	require.NoError(t, c.Configure(map[string]any{"assistant_name": " Henry "}))
	assert.Equal(t, "Hello! I'm Henry. How can I help?", exec(t, c, IntentGreeting).Message)

	assert.Error(t, c.Configure(map[string]any{"assistant_name": 42}))
	assert.Error(t, c.Configure(map[string]any{"assistant_name": ""}))
}

func TestDiscoveredThroughRegistry(t *testing.T) {
	r := capability.NewRegistry(capability.Config{
		Settings: map[string]map[string]any{Name: {"assistant_name": "Henry"}},
	})
	require.Equal(t, 1, r.Discover(context.Background(), []capability.Factory{Factory()}))

	resp := r.RouteIntent(context.Background(), IntentGreeting, nil, conversation.Snapshot{})
	assert.True(t, resp.Success)
	assert.Equal(t, Name, resp.Capability)
	assert.Equal(t, "Hello! I'm Henry. How can I help?", resp.Message)
}

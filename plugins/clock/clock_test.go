package clock

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/normanking/cortex-voicecore/internal/conversation"
)

func fixed() time.Time {
	return time.Date(2024, 3, 15, 15, 4, 0, 0, time.UTC)
}

func TestExecute(t *testing.T) {
	c := New(WithClock(fixed))
	require.NoError(t, c.Configure(map[string]any{"timezone": "UTC"}))

	resp, err := c.Execute(context.Background(), IntentTime, nil, conversation.Snapshot{})
	require.NoError(t, err)
	assert.Equal(t, "It's 3:04 PM.", resp.Message)
	assert.Equal(t, "2024-03-15T15:04:00Z", resp.Data["timestamp"])
	assert.Equal(t, "time", resp.ContextDelta[conversation.DeltaTopic])

	resp, err = c.Execute(context.Background(), IntentDate, nil, conversation.Snapshot{})
	require.NoError(t, err)
	assert.Equal(t, "Today is Friday, March 15.", resp.Message)

	_, err = c.Execute(context.Background(), "system.status", nil, conversation.Snapshot{})
	assert.Error(t, err)
}

func TestConfigureTimezone(t *testing.T) {
	c := New(WithClock(fixed))
	require.NoError(t, c.Configure(map[string]any{"timezone": "Asia/Tokyo"}))

	resp, err := c.Execute(context.Background(), IntentTime, nil, conversation.Snapshot{})
	require.NoError(t, err)
	assert.Equal(t, "It's 12:04 AM.", resp.Message)

	assert.Error(t, c.Configure(map[string]any{"timezone": "Mars/Olympus"}))
	assert.NoError(t, c.Configure(map[string]any{}))
}

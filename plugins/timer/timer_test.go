package timer

import (
	"context"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/normanking/cortex-voicecore/internal/capability"
	"github.com/normanking/cortex-voicecore/internal/conversation"
	"github.com/normanking/cortex-voicecore/internal/entity"
)

func duration(secs int) []entity.Entity {
	return []entity.Entity{{Type: entity.TypeDuration, Value: secs, Text: "x", Confidence: 0.9}}
}

var epoch = time.Date(2024, 3, 15, 9, 0, 0, 0, time.UTC)

func TestValidateEntities(t *testing.T) {
	c := New()
	assert.ErrorIs(t, c.ValidateEntities(IntentSet, nil), ErrMissingDuration)
	assert.ErrorIs(t, c.ValidateEntities(IntentSet, duration(0)), ErrMissingDuration)
	assert.Error(t, c.ValidateEntities(IntentSet, duration(2*86400)))
	assert.NoError(t, c.ValidateEntities(IntentSet, duration(300)))
	assert.NoError(t, c.ValidateEntities(IntentSet, duration(86400)))
	assert.NoError(t, c.ValidateEntities(IntentCancel, nil))
}

func TestValidateEntities_HugeDurationRejected(t *testing.T) {
	c := New()
	// Converting this many seconds to a time.Duration would wrap negative.
	huge := math.MaxInt64 / 1000
	err := c.ValidateEntities(IntentSet, duration(huge))
	require.Error(t, err)
	assert.Equal(t, "I can only set timers up to 24 hours.", err.Error())

	_, err = c.Execute(context.Background(), IntentSet, duration(huge), conversation.Snapshot{})
	assert.Error(t, err)
	assert.Empty(t, c.Active())
}

func TestSetListCancel(t *testing.T) {
	c := New(WithClock(func() time.Time { return epoch }))
	defer c.Cleanup(context.Background())
	ctx := context.Background()

	resp, err := c.Execute(ctx, IntentSet, duration(300), conversation.Snapshot{})
	require.NoError(t, err)
	assert.Equal(t, "Timer set for 5 minutes.", resp.Message)
	assert.Equal(t, "timer-1", resp.ContextDelta[conversation.DeltaTimerID])

	_, err = c.Execute(ctx, IntentSet, duration(5400), conversation.Snapshot{})
	require.NoError(t, err)

	resp, err = c.Execute(ctx, IntentList, nil, conversation.Snapshot{})
	require.NoError(t, err)
	assert.Equal(t, "You have 2 timers: 5 minutes left on your 5 minutes timer; 1 hour 30 minutes left on your 1 hour 30 minutes timer.", resp.Message)

	// The newest timer the session knows about is cancelled.
	resp, err = c.Execute(ctx, IntentCancel, nil, conversation.Snapshot{ActiveTimers: []string{"timer-1"}})
	require.NoError(t, err)
	assert.True(t, resp.Success)
	assert.Equal(t, "timer-1", resp.ContextDelta[conversation.DeltaRemoveTimerID])

	require.Len(t, c.Active(), 1)
	assert.Equal(t, "timer-2", c.Active()[0].ID)

	// Explicit id.
	resp, err = c.Execute(ctx, IntentCancel, []entity.Entity{{Type: entity.TypeTimerID, Value: "timer-2"}}, conversation.Snapshot{})
	require.NoError(t, err)
	assert.Equal(t, "Cancelled your 1 hour 30 minutes timer.", resp.Message)

	resp, err = c.Execute(ctx, IntentCancel, nil, conversation.Snapshot{})
	require.NoError(t, err)
	assert.False(t, resp.Success)
	assert.Equal(t, capability.CategoryValidation, resp.ErrorCategory)

	resp, err = c.Execute(ctx, IntentList, nil, conversation.Snapshot{})
	require.NoError(t, err)
	assert.Equal(t, "You don't have any timers running.", resp.Message)
}

func TestTimerFires(t *testing.T) {
	var (
		mu    sync.Mutex
		fired []Timer
	)
	c := New(WithNotify(func(tm Timer) {
		mu.Lock()
		fired = append(fired, tm)
		mu.Unlock()
	}))
	c.after = func(time.Duration, func()) *time.Timer {
		return time.NewTimer(time.Hour)
	}

	_, err := c.Execute(context.Background(), IntentSet, duration(1), conversation.Snapshot{})
	require.NoError(t, err)
	c.fire("timer-1")
	c.fire("timer-1")

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, fired, 1)
	assert.Equal(t, time.Second, fired[0].Duration)
	assert.Empty(t, c.Active())
	require.NoError(t, c.Cleanup(context.Background()))
}

func TestCleanupStopsTimers(t *testing.T) {
	c := New()
	for i := 0; i < 3; i++ {
		_, err := c.Execute(context.Background(), IntentSet, duration(60), conversation.Snapshot{})
		require.NoError(t, err)
	}
	require.Len(t, c.Active(), 3)
	require.NoError(t, c.Cleanup(context.Background()))
	assert.Empty(t, c.Active())
}

func TestThroughRegistry(t *testing.T) {
	r := capability.NewRegistry(capability.Config{})
	require.Equal(t, 1, r.Discover(context.Background(), []capability.Factory{Factory()}))
	defer r.Shutdown(context.Background())

	resp := r.RouteIntent(context.Background(), IntentSet, nil, conversation.Snapshot{})
	assert.False(t, resp.Success)
	assert.Equal(t, capability.CategoryValidation, resp.ErrorCategory)
	assert.Equal(t, ErrMissingDuration.Error(), resp.Message)
}

func TestHumanize(t *testing.T) {
	assert.Equal(t, "45 seconds", humanize(45*time.Second))
	assert.Equal(t, "1 minute", humanize(time.Minute))
	assert.Equal(t, "2 hours 1 second", humanize(2*time.Hour+time.Second))
	assert.Equal(t, "0 seconds", humanize(0))
}

package timeutil

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMockClock_After(t *testing.T) {
	t.Parallel()

	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	c := NewMockClock(start)

	got := <-c.After(2 * time.Second)
	assert.Equal(t, start.Add(2*time.Second), got)
	assert.Equal(t, 2*time.Second, c.Since(start))

	c.Advance(time.Second)
	assert.Equal(t, start.Add(3*time.Second), c.Now())
	assert.Equal(t, []time.Duration{2 * time.Second}, c.Sleeps())

	c.ResetSleeps()
	assert.Empty(t, c.Sleeps())
}

func TestSleep(t *testing.T) {
	t.Parallel()

	t.Run("completes", func(t *testing.T) {
		t.Parallel()
		c := NewMockClock(time.Unix(0, 0))
		require.NoError(t, Sleep(context.Background(), c, 100*time.Millisecond))
		assert.Equal(t, []time.Duration{100 * time.Millisecond}, c.Sleeps())
	})

	t.Run("cancelled", func(t *testing.T) {
		t.Parallel()
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		err := Sleep(ctx, RealClock{}, time.Hour)
		assert.ErrorIs(t, err, context.Canceled)
	})

	t.Run("zero duration", func(t *testing.T) {
		t.Parallel()
		c := NewMockClock(time.Unix(0, 0))
		require.NoError(t, Sleep(context.Background(), c, 0))
		assert.Empty(t, c.Sleeps())
	})
}

func TestRealClock(t *testing.T) {
	t.Parallel()

	c := RealClock{}
	before := c.Now()
	<-c.After(time.Millisecond)
	assert.GreaterOrEqual(t, c.Since(before), time.Millisecond)
}

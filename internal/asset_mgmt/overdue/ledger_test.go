package overdue

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"IRIS-lending/internal/platform/clock"
)

func TestMemoryLedger(t *testing.T) {
	clk := clock.NewManual(now)
	l := NewMemoryLedger(clk)
	ctx := context.Background()

	ok, err := l.MarkSent(ctx, "overdue:T1", time.Hour)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = l.MarkSent(ctx, "overdue:T1", time.Hour)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = l.MarkSent(ctx, "due_soon:T1", time.Hour)
	require.NoError(t, err)
	assert.True(t, ok, "keys are independent")

	clk.Advance(time.Hour)
	ok, err = l.MarkSent(ctx, "overdue:T1", time.Hour)
	require.NoError(t, err)
	assert.True(t, ok, "expired mark allows a new reminder")
	assert.Equal(t, 1, l.Len(), "expired entries are pruned")
}

func TestRedisLedger_Unreachable(t *testing.T) {
	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 100 * time.Millisecond,
		MaxRetries:  -1,
	})
	l := NewRedisLedger(client, "")
	defer l.Close()
	assert.Equal(t, "iris:reminder:", l.keyPrefix)

	ok, err := l.MarkSent(context.Background(), "overdue:T1", time.Hour)
	assert.False(t, ok)
	assert.ErrorContains(t, err, "mark reminder overdue:T1")
}

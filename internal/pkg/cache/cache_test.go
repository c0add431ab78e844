package cache_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/RubensPaulo1/NexFun-sub000/internal/pkg/cache"
	"github.com/RubensPaulo1/NexFun-sub000/internal/pkg/redistest"
)

func TestThrottle_TryAcquire(t *testing.T) {
	client := redistest.Client(t, 13)
	th := &cache.Throttle{Client: client, Prefix: "lock:"}
	ctx := context.Background()

	ok, err := th.TryAcquire(ctx, "verify:sub-1", time.Second)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = th.TryAcquire(ctx, "verify:sub-1", time.Second)
	require.NoError(t, err)
	assert.False(t, ok, "second caller must wait for the ttl")

	ok, err = th.TryAcquire(ctx, "verify:sub-2", time.Second)
	require.NoError(t, err)
	assert.True(t, ok, "keys are independent")

	ttl, err := client.TTL(ctx, "lock:verify:sub-1").Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, time.Duration(0))
}

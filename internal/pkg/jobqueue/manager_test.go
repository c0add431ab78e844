package jobqueue

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/RubensPaulo1/NexFun-sub000/internal/pkg/env"
)

func resetManager(t *testing.T) {
	t.Helper()
	globalManager = nil
	managerOnce = sync.Once{}
	t.Cleanup(func() {
		globalManager = nil
		managerOnce = sync.Once{}
	})
}

func TestGetManager_Singleton(t *testing.T) {
	resetManager(t)

	m1 := GetManager()
	m2 := GetManager()
	require.NotNil(t, m1)
	assert.Same(t, m1, m2)
	assert.Same(t, m1.queue, m1.GetQueue())
	assert.False(t, m1.IsRunning())
}

func TestGetManager_ReadsEnvironment(t *testing.T) {
	resetManager(t)
	prev := env.Env
	env.Env = map[string]string{
		"JOBQUEUE_WORKERS":       "2",
		"JOBQUEUE_NAMESPACE":     "test:jobs",
		"COUNTER_FLUSH_INTERVAL": "5s",
	}
	t.Cleanup(func() { env.Env = prev })

	m := GetManager()
	assert.Equal(t, 2, m.queue.workers)
	assert.Equal(t, "test:jobs:pending", m.queue.keys.pending)
	assert.Equal(t, 5*time.Second, m.flushInterval)
	assert.NotNil(t, m.flush)
}

func TestManager_StopWithoutStart(t *testing.T) {
	resetManager(t)

	m := GetManager()
	m.Stop()
	assert.False(t, m.IsRunning())
}

func TestManager_StartStopFlushesCounters(t *testing.T) {
	var mu sync.Mutex
	calls := 0
	m := &Manager{
		queue:         NewQueueWithClient(nil, 1),
		flushInterval: 10 * time.Millisecond,
		flush: func() error {
			mu.Lock()
			calls++
			mu.Unlock()
			return nil
		},
	}

	m.Start()
	assert.True(t, m.IsRunning())
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return calls >= 2
	}, 2*time.Second, 5*time.Millisecond)

	mu.Lock()
	before := calls
	mu.Unlock()
	m.Stop()
	assert.False(t, m.IsRunning())

	mu.Lock()
	assert.Greater(t, calls, before, "stop drains counters once more")
	mu.Unlock()
}

func TestManager_FlushCounters(t *testing.T) {
	calls := 0
	m := &Manager{flush: func() error { calls++; return nil }}
	require.NoError(t, m.FlushCounters())
	assert.Equal(t, 1, calls)

	m.flush = func() error { return errors.New("db down") }
	assert.EqualError(t, m.FlushCounters(), "db down")

	assert.NoError(t, (&Manager{}).FlushCounters())
}

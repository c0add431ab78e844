package jobqueue

import (
	"sync"
	"time"

	"github.com/gofiber/fiber/v2/log"

	"github.com/RubensPaulo1/NexFun-sub000/internal/pkg/cache"
	"github.com/RubensPaulo1/NexFun-sub000/internal/pkg/env"
	metrics "github.com/RubensPaulo1/NexFun-sub000/internal/pkg/metrics/counter"
)

const defaultCounterFlushInterval = 30 * time.Second

// Manager owns the process-wide queue and the periodic counter flush.
type Manager struct {
	queue              *Queue
	counterFlushTicker *time.Ticker
	flushInterval      time.Duration
	flush              func() error
	stopCh             chan struct{}
	wg                 sync.WaitGroup
	mu                 sync.Mutex
	running            bool
}

var (
	globalManager *Manager
	managerOnce   sync.Once
)

// GetManager returns the process-wide manager, creating it on first use.
func GetManager() *Manager {
	managerOnce.Do(func() {
		globalManager = &Manager{
			queue:         NewQueueWithOptions(cache.GetClient(), OptionsFromEnv()),
			flushInterval: env.GetEnvDuration("COUNTER_FLUSH_INTERVAL", defaultCounterFlushInterval),
			flush:         metrics.FlushAll,
			stopCh:        make(chan struct{}),
		}
	})
	return globalManager
}

// GetQueue returns the managed job queue
func (m *Manager) GetQueue() *Queue {
	return m.queue
}

// Start launches the queue workers and the counter flush loop.
func (m *Manager) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return
	}

	m.stopCh = make(chan struct{})
	m.running = true
	log.Info("[JobQueue Manager] Starting job queue and background tasks")

	m.queue.Start()

	interval := m.flushInterval
	if interval <= 0 {
		interval = defaultCounterFlushInterval
	}
	m.counterFlushTicker = time.NewTicker(interval)
	m.wg.Add(1)
	go m.counterFlushWorker()

	log.Info("[JobQueue Manager] Started successfully")
}

// Stop halts the flush loop, drains counters once more and stops the queue.
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.running {
		return
	}

	log.Info("[JobQueue Manager] Stopping job queue and background tasks...")

	if m.counterFlushTicker != nil {
		m.counterFlushTicker.Stop()
	}

	close(m.stopCh)
	m.running = false
	m.wg.Wait()

	// Drain counters one last time so a shutdown loses nothing.
	if err := m.FlushCounters(); err != nil {
		log.Errorf("[JobQueue Manager] Final counter flush error: %v", err)
	}

	m.queue.Stop()

	log.Info("[JobQueue Manager] Stopped successfully")
}

func (m *Manager) counterFlushWorker() {
	defer m.wg.Done()
	for {
		select {
		case <-m.stopCh:
			log.Info("[JobQueue Manager] Counter flush worker stopping")
			return
		case <-m.counterFlushTicker.C:
			if err := m.FlushCounters(); err != nil {
				log.Errorf("[JobQueue Manager] Counter flush error: %v", err)
			}
		}
	}
}

// FlushCounters drains the Redis counters into webhook_daily_stats once.
func (m *Manager) FlushCounters() error {
	if m.flush == nil {
		return nil
	}
	return m.flush()
}

func (m *Manager) IsRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

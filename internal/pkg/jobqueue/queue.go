package jobqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/RubensPaulo1/NexFun-sub000/internal/pkg/cache"
	"github.com/RubensPaulo1/NexFun-sub000/internal/pkg/env"
)

const (
	DefaultNamespace  = "reconcile:jobs"
	DefaultMaxRetries = 3
	JobTTL            = 24 * time.Hour

	// deadLetterCap bounds the dead-letter list; older entries are trimmed.
	deadLetterCap = 1000
)

var (
	// ErrNoHandler is returned for jobs whose type has no registered handler.
	ErrNoHandler = errors.New("no handler registered for job type")
	// ErrNotDeadLettered is returned when retrying a job that is not in the dead-letter list.
	ErrNotDeadLettered = errors.New("job is not dead-lettered")
)

// Handler processes one job. A returned error schedules a retry until
// MaxRetries is reached, after which the job is dead-lettered.
type Handler func(ctx context.Context, job *Job) error

// Options tunes a Queue. Zero values fall back to defaults.
type Options struct {
	Workers       int
	Namespace     string
	RetryBackoff  time.Duration
	StuckAfter    time.Duration
	SweepInterval time.Duration
}

// OptionsFromEnv reads JOBQUEUE_* overrides.
func OptionsFromEnv() Options {
	return Options{
		Workers:       env.GetEnvInt("JOBQUEUE_WORKERS", 5),
		Namespace:     env.GetEnv("JOBQUEUE_NAMESPACE", DefaultNamespace),
		RetryBackoff:  env.GetEnvDuration("JOBQUEUE_RETRY_BACKOFF", time.Minute),
		StuckAfter:    env.GetEnvDuration("JOBQUEUE_STUCK_AFTER", 10*time.Minute),
		SweepInterval: env.GetEnvDuration("JOBQUEUE_SWEEP_INTERVAL", time.Minute),
	}
}

func (o Options) withDefaults() Options {
	if o.Workers <= 0 {
		o.Workers = 3
	}
	if o.Namespace == "" {
		o.Namespace = DefaultNamespace
	}
	if o.RetryBackoff <= 0 {
		o.RetryBackoff = time.Minute
	}
	if o.StuckAfter <= 0 {
		o.StuckAfter = 10 * time.Minute
	}
	if o.SweepInterval <= 0 {
		o.SweepInterval = time.Minute
	}
	return o
}

type keys struct {
	pending    string
	processing string
	stats      string
	dead       string
	prefix     string
}

func keysFor(namespace string) keys {
	return keys{
		pending:    namespace + ":pending",
		processing: namespace + ":processing",
		stats:      namespace + ":stats",
		dead:       namespace + ":dead",
		prefix:     namespace + ":job:",
	}
}

func (k keys) job(id string) string { return k.prefix + id }

// Queue runs notification and archive jobs out of Redis lists.
type Queue struct {
	client     *redis.Client
	opts       Options
	keys       keys
	workers    int
	workerPool chan struct{}
	stopCh     chan struct{}
	wg         sync.WaitGroup
	mu         sync.Mutex
	running    bool
	handlersMu sync.RWMutex
	handlers   map[JobType]Handler
	now        func() time.Time
}

// NewQueue creates a queue on the shared cache client.
func NewQueue(workers int) *Queue {
	opts := OptionsFromEnv()
	opts.Workers = workers
	return NewQueueWithOptions(cache.GetClient(), opts)
}

func NewQueueWithClient(client *redis.Client, workers int) *Queue {
	return NewQueueWithOptions(client, Options{Workers: workers})
}

func NewQueueWithOptions(client *redis.Client, opts Options) *Queue {
	opts = opts.withDefaults()
	return &Queue{
		client:     client,
		opts:       opts,
		keys:       keysFor(opts.Namespace),
		workers:    opts.Workers,
		workerPool: make(chan struct{}, opts.Workers),
		stopCh:     make(chan struct{}),
		handlers:   make(map[JobType]Handler),
		now:        time.Now,
	}
}

// RegisterHandler sets the handler for a job type, replacing any earlier one.
func (q *Queue) RegisterHandler(jobType JobType, h Handler) {
	q.handlersMu.Lock()
	defer q.handlersMu.Unlock()
	q.handlers[jobType] = h
}

func (q *Queue) handler(jobType JobType) (Handler, bool) {
	q.handlersMu.RLock()
	defer q.handlersMu.RUnlock()
	h, ok := q.handlers[jobType]
	return h, ok
}

// Start launches the workers and the stuck-job sweeper.
func (q *Queue) Start() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.running {
		return
	}
	if q.client == nil {
		log.Warn("[JobQueue] No Redis client, workers not started")
		return
	}

	q.running = true
	log.Infof("[JobQueue] Starting %d workers on %s", q.workers, q.opts.Namespace)

	q.stopCh = make(chan struct{})
	q.workerPool = make(chan struct{}, q.workers)
	for i := 0; i < q.workers; i++ {
		q.workerPool <- struct{}{}
	}

	for i := 0; i < q.workers; i++ {
		q.wg.Add(1)
		go q.worker(i)
	}

	q.wg.Add(1)
	go q.sweeper()
}

// Stop waits for in-flight jobs to finish.
func (q *Queue) Stop() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if !q.running {
		return
	}

	log.Info("[JobQueue] Stopping workers...")
	close(q.stopCh)
	q.running = false
	q.wg.Wait()
	log.Info("[JobQueue] All workers stopped")
}

func (q *Queue) sweeper() {
	defer q.wg.Done()
	ticker := time.NewTicker(q.opts.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-q.stopCh:
			return
		case <-ticker.C:
			if n, err := q.RecoverStuck(context.Background()); err != nil {
				log.Errorf("[JobQueue] Sweep failed: %v", err)
			} else if n > 0 {
				log.Warnf("[JobQueue] Requeued %d stuck jobs", n)
			}
		}
	}
}

// RecoverStuck moves jobs that have been processing longer than StuckAfter
// back to pending and drops processing entries whose job data is gone.
func (q *Queue) RecoverStuck(ctx context.Context) (int, error) {
	ids, err := q.client.LRange(ctx, q.keys.processing, 0, -1).Result()
	if err != nil {
		return 0, err
	}
	now := q.now()
	recovered := 0
	for _, id := range ids {
		job, err := q.GetJob(ctx, id)
		if err != nil || job.Status != JobStatusProcessing {
			_ = q.client.LRem(ctx, q.keys.processing, 1, id).Err()
			continue
		}
		started := job.UpdatedAt
		if job.ProcessedAt != nil && !job.ProcessedAt.IsZero() {
			started = *job.ProcessedAt
		}
		if now.Sub(started) <= q.opts.StuckAfter {
			continue
		}
		log.Warnf("[JobQueue] Recovering stuck job %s (type=%s), age=%s", job.ID, job.Type, now.Sub(started))
		job.Status = JobStatusPending
		job.ErrorMsg = "recovered by sweeper"
		job.UpdatedAt = now
		q.updateJob(ctx, job)
		pipe := q.client.TxPipeline()
		pipe.LRem(ctx, q.keys.processing, 1, id)
		pipe.RPush(ctx, q.keys.pending, id)
		if _, err := pipe.Exec(ctx); err != nil {
			return recovered, err
		}
		recovered++
	}
	return recovered, nil
}

func (q *Queue) worker(id int) {
	defer q.wg.Done()
	ctx := context.Background()

	for {
		select {
		case <-q.stopCh:
			return
		default:
			<-q.workerPool

			job, err := q.dequeueJob(ctx)
			if err != nil {
				if !errors.Is(err, redis.Nil) {
					log.Errorf("[JobQueue] Worker %d: dequeue failed: %v", id, err)
					time.Sleep(time.Second)
				}
				q.workerPool <- struct{}{}
				continue
			}

			q.processJob(ctx, job)
			q.workerPool <- struct{}{}
		}
	}
}

// EnqueueJob stores the job and pushes it onto the pending list. The caller's
// cancellation does not abort the write.
func (q *Queue) EnqueueJob(ctx context.Context, jobType JobType, payload map[string]interface{}) (*Job, error) {
	if q.client == nil {
		return nil, errors.New("job queue has no redis client")
	}
	ctx = context.WithoutCancel(ctx)

	now := q.now()
	job := &Job{
		ID:         uuid.NewString(),
		Type:       jobType,
		Status:     JobStatusPending,
		Payload:    payload,
		CreatedAt:  now,
		UpdatedAt:  now,
		MaxRetries: DefaultMaxRetries,
	}
	data, err := json.Marshal(job)
	if err != nil {
		return nil, fmt.Errorf("marshal %s job: %w", jobType, err)
	}

	pipe := q.client.TxPipeline()
	pipe.Set(ctx, q.keys.job(job.ID), data, JobTTL)
	pipe.LPush(ctx, q.keys.pending, job.ID)
	pipe.HIncrBy(ctx, q.keys.stats, string(JobStatusPending), 1)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("enqueue %s job: %w", jobType, err)
	}

	log.Debugf("[JobQueue] Enqueued job %s (%s)", job.ID, job.Type)
	return job, nil
}

func (q *Queue) dequeueJob(ctx context.Context) (*Job, error) {
	id, err := q.client.BRPopLPush(ctx, q.keys.pending, q.keys.processing, time.Second).Result()
	if err != nil {
		return nil, err
	}
	job, err := q.GetJob(ctx, id)
	if err != nil {
		q.removeFromProcessing(ctx, id)
		return nil, fmt.Errorf("load job %s: %w", id, err)
	}
	return job, nil
}

func (q *Queue) processJob(ctx context.Context, job *Job) {
	job.MarkAsProcessing()
	q.updateJob(ctx, job)

	var err error
	if h, ok := q.handler(job.Type); ok {
		err = runHandler(ctx, h, job)
	} else {
		err = fmt.Errorf("%w: %s", ErrNoHandler, job.Type)
	}

	if err == nil {
		job.MarkAsCompleted()
		q.updateJobStats(ctx, JobStatusCompleted, 1)
		q.removeFromProcessing(ctx, job.ID)
		if delErr := q.client.Del(ctx, q.keys.job(job.ID)).Err(); delErr != nil {
			log.Errorf("[JobQueue] Failed to remove completed job %s: %v", job.ID, delErr)
		}
		return
	}

	job.MarkAsFailed(err.Error())
	if job.IsRetryable() {
		log.Warnf("[JobQueue] Job %s (%s) failed, retry %d/%d: %v", job.ID, job.Type, job.RetryCount, job.MaxRetries, err)
		job.MarkAsRetrying()
		q.updateJob(ctx, job)
		q.removeFromProcessing(ctx, job.ID)
		id := job.ID
		time.AfterFunc(q.opts.RetryBackoff*time.Duration(job.RetryCount), func() {
			if err := q.client.LPush(context.Background(), q.keys.pending, id).Err(); err != nil {
				log.Errorf("[JobQueue] Failed to requeue job %s: %v", id, err)
			}
		})
		return
	}

	log.Errorf("[JobQueue] Job %s (%s) dead-lettered after %d attempts: %v", job.ID, job.Type, job.RetryCount, err)
	q.updateJob(ctx, job)
	q.updateJobStats(ctx, JobStatusFailed, 1)
	pipe := q.client.TxPipeline()
	pipe.LRem(ctx, q.keys.processing, 1, job.ID)
	pipe.LPush(ctx, q.keys.dead, job.ID)
	pipe.LTrim(ctx, q.keys.dead, 0, deadLetterCap-1)
	// Dead letters outlive the normal job TTL so an operator can inspect them.
	pipe.Persist(ctx, q.keys.job(job.ID))
	if _, err := pipe.Exec(ctx); err != nil {
		log.Errorf("[JobQueue] Failed to dead-letter job %s: %v", job.ID, err)
	}
}

func (q *Queue) updateJob(ctx context.Context, job *Job) {
	data, err := json.Marshal(job)
	if err != nil {
		log.Errorf("[JobQueue] Failed to marshal job %s: %v", job.ID, err)
		return
	}
	if err := q.client.Set(ctx, q.keys.job(job.ID), data, JobTTL).Err(); err != nil {
		log.Errorf("[JobQueue] Failed to update job %s: %v", job.ID, err)
	}
}

func (q *Queue) removeFromProcessing(ctx context.Context, id string) {
	if err := q.client.LRem(ctx, q.keys.processing, 1, id).Err(); err != nil {
		log.Errorf("[JobQueue] Failed to remove job %s from processing: %v", id, err)
	}
}

func (q *Queue) updateJobStats(ctx context.Context, status JobStatus, delta int64) {
	if err := q.client.HIncrBy(ctx, q.keys.stats, string(status), delta).Err(); err != nil {
		log.Errorf("[JobQueue] Failed to update job stats: %v", err)
	}
}

// GetJob loads a job by id. It returns redis.Nil when the job is gone.
func (q *Queue) GetJob(ctx context.Context, id string) (*Job, error) {
	data, err := q.client.Get(ctx, q.keys.job(id)).Bytes()
	if err != nil {
		return nil, err
	}
	var job Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("unmarshal job %s: %w", id, err)
	}
	return &job, nil
}

// GetJobStats returns counters per job status.
func (q *Queue) GetJobStats(ctx context.Context) (map[JobStatus]int64, error) {
	raw, err := q.client.HGetAll(ctx, q.keys.stats).Result()
	if err != nil {
		return nil, err
	}
	stats := make(map[JobStatus]int64, len(raw))
	for status, v := range raw {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			stats[JobStatus(status)] = n
		}
	}
	return stats, nil
}

// GetQueueSize returns the number of pending jobs.
func (q *Queue) GetQueueSize(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, q.keys.pending).Result()
}

// GetProcessingSize returns the number of jobs being processed.
func (q *Queue) GetProcessingSize(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, q.keys.processing).Result()
}

// DeadLetters returns up to limit dead-lettered jobs, newest first.
func (q *Queue) DeadLetters(ctx context.Context, limit int64) ([]*Job, error) {
	if limit <= 0 {
		limit = 50
	}
	ids, err := q.client.LRange(ctx, q.keys.dead, 0, limit-1).Result()
	if err != nil {
		return nil, err
	}
	jobs := make([]*Job, 0, len(ids))
	for _, id := range ids {
		job, err := q.GetJob(ctx, id)
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

// RetryDeadLetter resets a dead-lettered job and puts it back on the pending list.
func (q *Queue) RetryDeadLetter(ctx context.Context, id string) error {
	removed, err := q.client.LRem(ctx, q.keys.dead, 1, id).Result()
	if err != nil {
		return err
	}
	if removed == 0 {
		return fmt.Errorf("%w: %s", ErrNotDeadLettered, id)
	}
	job, err := q.GetJob(ctx, id)
	if err != nil {
		return err
	}
	job.Status = JobStatusPending
	job.RetryCount = 0
	job.ErrorMsg = ""
	job.UpdatedAt = q.now()
	q.updateJob(ctx, job)
	if err := q.client.LPush(ctx, q.keys.pending, id).Err(); err != nil {
		return err
	}
	log.Infof("[JobQueue] Requeued dead-lettered job %s (%s)", id, job.Type)
	return nil
}

func runHandler(ctx context.Context, h Handler, job *Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job %s panicked: %v", job.ID, r)
		}
	}()
	return h(ctx, job)
}

package jobqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/ManuelReschke/EntitleFox/internal/pkg/billing"
)

const (
	// Redis key prefixes
	JobKeyPrefix     = "entitlefox:job:"
	JobQueueKey      = "entitlefox:job_queue"
	JobProcessingKey = "entitlefox:job_processing"
	JobStatsKey      = "entitlefox:job_stats"

	// Job settings
	DefaultMaxRetries = 5
	JobTTL            = 24 * time.Hour // Jobs expire after 24 hours

	defaultRetryDelay = time.Minute
)

// Processor re-runs a deferred event through the billing pipeline.
type Processor interface {
	Reprocess(ctx context.Context, ev billing.BillingEvent) (billing.Result, error)
}

// Queue holds billing events that failed on a provider outage and retries
// them with a growing delay. It implements billing.Deferrer.
type Queue struct {
	client     *redis.Client
	processor  Processor
	workers    int
	workerPool chan struct{}
	stopCh     chan struct{}
	wg         sync.WaitGroup
	mu         sync.Mutex
	running    bool
	retryDelay time.Duration
}

// NewQueue creates a new job queue
func NewQueue(client *redis.Client, workers int) *Queue {
	if workers <= 0 {
		workers = 3 // Default number of workers
	}

	return &Queue{
		client:     client,
		workers:    workers,
		workerPool: make(chan struct{}, workers),
		stopCh:     make(chan struct{}),
		retryDelay: defaultRetryDelay,
	}
}

// Start starts the job queue workers
func (q *Queue) Start(processor Processor) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.running {
		return
	}

	q.processor = processor
	q.stopCh = make(chan struct{})
	q.running = true
	log.Info().Int("workers", q.workers).Msg("[JobQueue] Starting workers")

	// Initialize worker pool
	for len(q.workerPool) < q.workers {
		q.workerPool <- struct{}{}
	}

	for i := 0; i < q.workers; i++ {
		q.wg.Add(1)
		go q.worker(i)
	}

	// Recovers jobs stuck in processing due to crashes
	q.wg.Add(1)
	go q.stuckSweeper(10*time.Minute, time.Minute)
}

// Stop stops the job queue workers
func (q *Queue) Stop() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if !q.running {
		return
	}

	log.Info().Msg("[JobQueue] Stopping workers...")
	close(q.stopCh)
	q.running = false
	q.wg.Wait()
	log.Info().Msg("[JobQueue] All workers stopped")
}

// Defer enqueues ev for a later pipeline run.
func (q *Queue) Defer(ctx context.Context, ev billing.BillingEvent) error {
	_, err := q.EnqueueJob(ctx, ev)
	return err
}

// stuckSweeper periodically scans the processing list and requeues jobs stuck for longer than maxAge
func (q *Queue) stuckSweeper(maxAge time.Duration, interval time.Duration) {
	defer q.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	ctx := context.Background()
	for {
		select {
		case <-q.stopCh:
			return
		case <-ticker.C:
			q.recoverStuck(ctx, maxAge, time.Now())
		}
	}
}

func (q *Queue) recoverStuck(ctx context.Context, maxAge time.Duration, now time.Time) {
	ids, err := q.client.LRange(ctx, JobProcessingKey, 0, -1).Result()
	if err != nil {
		log.Error().Err(err).Msg("[JobQueue] Sweeper LRange error")
		return
	}
	for _, id := range ids {
		job, err := q.GetJob(ctx, id)
		if err != nil {
			// Job data missing; remove from processing list
			if !errors.Is(err, redis.Nil) {
				log.Error().Err(err).Str("job_id", id).Msg("[JobQueue] Sweeper read error")
			}
			q.removeFromProcessing(ctx, id)
			continue
		}
		if job.Status != JobStatusProcessing {
			q.removeFromProcessing(ctx, id)
			continue
		}
		started := job.UpdatedAt
		if job.ProcessedAt != nil && !job.ProcessedAt.IsZero() {
			started = *job.ProcessedAt
		}
		if now.Sub(started) > maxAge {
			log.Warn().Str("job_id", job.ID).Dur("age", now.Sub(started)).Msg("[JobQueue] Recovering stuck job")
			job.ErrorMsg = "recovered by sweeper"
			_ = q.requeueJob(ctx, job)
		}
	}
}

// worker processes jobs from the queue
func (q *Queue) worker(id int) {
	defer q.wg.Done()
	ctx := context.Background()

	for {
		select {
		case <-q.stopCh:
			return
		default:
			// Acquire worker slot
			<-q.workerPool

			job, err := q.dequeueJob(ctx)
			if err != nil {
				if !errors.Is(err, redis.Nil) {
					log.Error().Err(err).Int("worker", id).Msg("[JobQueue] Error dequeuing job")
					time.Sleep(time.Second)
				}
				q.workerPool <- struct{}{}
				continue
			}

			if job != nil {
				q.processJob(ctx, job)
			}

			// Release worker slot
			q.workerPool <- struct{}{}
		}
	}
}

// EnqueueJob adds a new job to the queue
func (q *Queue) EnqueueJob(ctx context.Context, ev billing.BillingEvent) (*Job, error) {
	now := time.Now()
	job := &Job{
		ID:         uuid.New().String(),
		Type:       JobTypeReprocessEvent,
		Status:     JobStatusPending,
		Event:      ev,
		CreatedAt:  now,
		UpdatedAt:  now,
		MaxRetries: DefaultMaxRetries,
	}

	jobData, err := json.Marshal(job)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal job: %w", err)
	}

	pipe := q.client.TxPipeline()
	pipe.Set(ctx, JobKeyPrefix+job.ID, jobData, JobTTL)
	pipe.LPush(ctx, JobQueueKey, job.ID)
	pipe.HIncrBy(ctx, JobStatsKey, string(JobStatusPending), 1)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("failed to enqueue job: %w", err)
	}

	log.Info().Str("job_id", job.ID).Str("key", ev.IdempotencyKey()).Msg("[JobQueue] Enqueued job")
	return job, nil
}

// dequeueJob gets the next job from the queue
func (q *Queue) dequeueJob(ctx context.Context) (*Job, error) {
	// Move job from pending queue to processing queue atomically
	jobID, err := q.client.BRPopLPush(ctx, JobQueueKey, JobProcessingKey, time.Second).Result()
	if err != nil {
		return nil, err
	}

	job, err := q.GetJob(ctx, jobID)
	if err != nil {
		q.removeFromProcessing(ctx, jobID)
		return nil, fmt.Errorf("job data not found for ID %s: %w", jobID, err)
	}
	return job, nil
}

// processJob processes a single job
func (q *Queue) processJob(ctx context.Context, job *Job) {
	job.MarkAsProcessing()
	q.updateJob(ctx, job)

	var err error
	switch job.Type {
	case JobTypeReprocessEvent:
		var res billing.Result
		res, err = q.processor.Reprocess(ctx, job.Event)
		if err == nil {
			log.Info().Str("job_id", job.ID).Str("outcome", string(res.Outcome)).Msg("[JobQueue] Deferred event processed")
		}
	default:
		err = fmt.Errorf("unknown job type: %s", job.Type)
	}

	switch {
	case err == nil:
		job.MarkAsCompleted()
		q.updateJobStats(ctx, JobStatusCompleted, 1)
		q.removeCompletedJob(ctx, job.ID)
	case errors.Is(err, billing.ErrMalformedPayload):
		log.Error().Err(err).Str("job_id", job.ID).Msg("[JobQueue] Job cannot succeed, abandoning")
		job.MarkAsAbandoned(err.Error())
		q.updateJobStats(ctx, JobStatusFailed, 1)
	default:
		job.MarkAsFailed(err.Error())
		if job.IsRetryable() {
			log.Warn().Err(err).Str("job_id", job.ID).Int("attempt", job.RetryCount).Int("max", job.MaxRetries).Msg("[JobQueue] Retrying job")
			job.MarkAsRetrying()
			id := job.ID
			time.AfterFunc(q.retryDelay*time.Duration(job.RetryCount), func() {
				if err := q.client.LPush(context.Background(), JobQueueKey, id).Err(); err != nil {
					log.Error().Err(err).Str("job_id", id).Msg("[JobQueue] Failed to requeue job")
				}
			})
		} else {
			log.Error().Err(err).Str("job_id", job.ID).Int("retries", job.RetryCount).Msg("[JobQueue] Job permanently failed, reverify manually")
			q.updateJobStats(ctx, JobStatusFailed, 1)
		}
	}

	if job.Status != JobStatusCompleted {
		q.updateJob(ctx, job)
	}
	q.removeFromProcessing(ctx, job.ID)
}

// updateJob updates job data in Redis
func (q *Queue) updateJob(ctx context.Context, job *Job) {
	jobData, err := json.Marshal(job)
	if err != nil {
		log.Error().Err(err).Str("job_id", job.ID).Msg("[JobQueue] Failed to marshal job")
		return
	}
	if err := q.client.Set(ctx, JobKeyPrefix+job.ID, jobData, JobTTL).Err(); err != nil {
		log.Error().Err(err).Str("job_id", job.ID).Msg("[JobQueue] Failed to update job")
	}
}

// requeueJob moves a job back to the pending queue and resets its status
func (q *Queue) requeueJob(ctx context.Context, job *Job) error {
	job.Status = JobStatusPending
	job.UpdatedAt = time.Now()
	q.updateJob(ctx, job)
	q.removeFromProcessing(ctx, job.ID)
	if err := q.client.RPush(ctx, JobQueueKey, job.ID).Err(); err != nil {
		log.Error().Err(err).Str("job_id", job.ID).Msg("[JobQueue] Failed to requeue job")
		return err
	}
	return nil
}

// removeFromProcessing removes a job from the processing queue
func (q *Queue) removeFromProcessing(ctx context.Context, jobID string) {
	if err := q.client.LRem(ctx, JobProcessingKey, 1, jobID).Err(); err != nil {
		log.Error().Err(err).Str("job_id", jobID).Msg("[JobQueue] Failed to remove job from processing queue")
	}
}

// removeCompletedJob completely removes a completed job from Redis
func (q *Queue) removeCompletedJob(ctx context.Context, jobID string) {
	if err := q.client.Del(ctx, JobKeyPrefix+jobID).Err(); err != nil {
		log.Error().Err(err).Str("job_id", jobID).Msg("[JobQueue] Failed to remove completed job")
	}
}

// updateJobStats updates job statistics
func (q *Queue) updateJobStats(ctx context.Context, status JobStatus, delta int64) {
	if err := q.client.HIncrBy(ctx, JobStatsKey, string(status), delta).Err(); err != nil {
		log.Error().Err(err).Msg("[JobQueue] Failed to update job stats")
	}
}

// GetJob retrieves a job by ID
func (q *Queue) GetJob(ctx context.Context, jobID string) (*Job, error) {
	jobData, err := q.client.Get(ctx, JobKeyPrefix+jobID).Bytes()
	if err != nil {
		return nil, err
	}

	var job Job
	if err := json.Unmarshal(jobData, &job); err != nil {
		return nil, fmt.Errorf("failed to unmarshal job: %w", err)
	}
	return &job, nil
}

// GetJobStats returns statistics about job statuses
func (q *Queue) GetJobStats(ctx context.Context) (map[JobStatus]int64, error) {
	stats, err := q.client.HGetAll(ctx, JobStatsKey).Result()
	if err != nil {
		return nil, err
	}

	result := make(map[JobStatus]int64)
	for status, count := range stats {
		if countInt, err := json.Number(count).Int64(); err == nil {
			result[JobStatus(status)] = countInt
		}
	}
	return result, nil
}

// GetQueueSize returns the number of pending jobs
func (q *Queue) GetQueueSize(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, JobQueueKey).Result()
}

// GetProcessingSize returns the number of jobs being processed
func (q *Queue) GetProcessingSize(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, JobProcessingKey).Result()
}

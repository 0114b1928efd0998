package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/draftmill/flywheel/core"
)

// Queue is the enqueue-and-persist service. It validates work, deduplicates
// by content hash inside the configured window, short-circuits jobs whose
// result is already cached, and hands rows to the Repository. Execution is
// the store collaborator's job.
type Queue struct {
	repo      Repository
	cache     ResultCache
	cfg       core.QueueConfig
	logger    core.Logger
	telemetry core.Telemetry
}

// Option customizes a Queue.
type Option func(*Queue)

// WithResultCache attaches a result cache for enqueue short-circuiting and
// completion publishing.
func WithResultCache(cache ResultCache) Option {
	return func(q *Queue) {
		q.cache = cache
	}
}

// WithLogger sets the queue's logger.
func WithLogger(logger core.Logger) Option {
	return func(q *Queue) {
		if logger != nil {
			q.logger = logger
		}
	}
}

// WithTelemetry sets the queue's telemetry sink.
func WithTelemetry(telemetry core.Telemetry) Option {
	return func(q *Queue) {
		if telemetry != nil {
			q.telemetry = telemetry
		}
	}
}

// New creates a queue over the given repository.
func New(repo Repository, cfg core.QueueConfig, opts ...Option) *Queue {
	if cfg.DedupWindow <= 0 {
		cfg.DedupWindow = time.Hour
	}
	if cfg.DefaultMaxAttempts <= 0 {
		cfg.DefaultMaxAttempts = 3
	}
	if cfg.DefaultRetryDelay <= 0 {
		cfg.DefaultRetryDelay = 30 * time.Second
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = time.Hour
	}

	q := &Queue{
		repo:      repo,
		cfg:       cfg,
		logger:    &core.NoOpLogger{},
		telemetry: &core.NoOpTelemetry{},
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Enqueue validates and persists one job. The returned row is the canonical
// outcome for the caller: a fresh pending job, an existing job found by the
// deduplication window, or a synthetic completed job when the result cache
// already holds the answer.
func (q *Queue) Enqueue(ctx context.Context, jobType JobType, payload map[string]interface{}, opts *EnqueueOptions) (*Job, error) {
	if opts == nil {
		opts = &EnqueueOptions{}
	}
	if !jobType.Valid() {
		return nil, invalidOption(fmt.Sprintf("unknown job type %q", jobType))
	}
	if err := opts.validate(); err != nil {
		return nil, err
	}
	if payload == nil {
		payload = map[string]interface{}{}
	}

	canonical, err := core.CanonicalJSON(payload)
	if err != nil {
		return nil, invalidOption(fmt.Sprintf("payload is not serializable: %v", err))
	}
	payloadHash := core.Hash32(canonical)
	derivedKey := core.Hash32(append([]byte(jobType), canonical...))

	jobHash := opts.DeduplicationKey
	if jobHash == "" {
		jobHash = derivedKey
	}
	cacheKey := opts.CacheKey
	if cacheKey == "" {
		cacheKey = derivedKey
	}

	if q.cfg.DedupEnabled {
		existing, err := q.repo.FindByHash(ctx, jobHash, q.cfg.DedupWindow)
		switch {
		case err == nil:
			return q.resolveDuplicate(ctx, existing, jobType, payload, payloadHash, jobHash, cacheKey, opts)
		case errors.Is(err, core.ErrJobNotFound):
			// No duplicate; continue.
		default:
			// The unique constraint still breaks true insert races, so a
			// failed lookup degrades to inserting.
			q.logger.WarnWithContext(ctx, "Dedup lookup failed, proceeding with insert", map[string]interface{}{
				"operation": "enqueue",
				"job_hash":  jobHash,
				"error":     err.Error(),
			})
		}
	}

	if entry, ok := q.lookupResult(ctx, cacheKey); ok {
		return q.insertCached(ctx, jobType, payload, jobHash, entry, opts)
	}

	return q.insertPending(ctx, jobType, payload, jobHash, derivedKey, opts)
}

// resolveDuplicate decides what a dedup hit returns: the existing row, or a
// synthetic completed row when the caller did not ask to skip and the result
// cache already has the answer.
func (q *Queue) resolveDuplicate(ctx context.Context, existing *Job, jobType JobType, payload map[string]interface{}, payloadHash, jobHash, cacheKey string, opts *EnqueueOptions) (*Job, error) {
	if !opts.SkipIfDuplicate {
		if entry, ok := q.lookupResult(ctx, cacheKey); ok {
			return q.insertCached(ctx, jobType, payload, jobHash, entry, opts)
		}
	}

	q.telemetry.RecordMetric("queue.jobs.deduplicated", 1, map[string]string{"type": string(jobType)})
	q.logger.DebugWithContext(ctx, "Enqueue deduplicated to existing job", map[string]interface{}{
		"operation":    "enqueue",
		"job_id":       existing.ID,
		"job_hash":     jobHash,
		"payload_hash": payloadHash,
	})
	return existing, nil
}

// lookupResult consults the result cache, when one is attached.
func (q *Queue) lookupResult(ctx context.Context, key string) (*CacheEntry, bool) {
	if q.cache == nil {
		return nil, false
	}
	entry, found := q.cache.Get(ctx, key)
	if !found {
		q.telemetry.RecordMetric("queue.result_cache.misses", 1, nil)
		return nil, false
	}
	q.telemetry.RecordMetric("queue.result_cache.hits", 1, nil)
	return entry, true
}

// insertCached persists a synthetic completed row carrying the cached
// result. Losing an insert race returns the winning row instead.
func (q *Queue) insertCached(ctx context.Context, jobType JobType, payload map[string]interface{}, jobHash string, entry *CacheEntry, opts *EnqueueOptions) (*Job, error) {
	now := time.Now()
	completed := now
	job := &Job{
		ID:           uuid.New().String(),
		Type:         jobType,
		Payload:      payload,
		Priority:     priorityOrDefault(opts.Priority),
		Status:       StatusCompleted,
		MaxAttempts:  q.maxAttempts(opts),
		RetryDelay:   q.retryDelay(opts),
		CreatedAt:    now,
		ScheduledAt:  now,
		CompletedAt:  &completed,
		BatchID:      opts.BatchID,
		DependsOn:    opts.DependsOn,
		Result:       entry.Result,
		ResultCached: true,
		JobHash:      jobHash,
	}

	if err := q.repo.Insert(ctx, job); err != nil {
		var conflict *ConflictError
		if errors.As(err, &conflict) {
			return conflict.Existing, nil
		}
		return nil, fmt.Errorf("insert cached job: %w", err)
	}

	q.logger.InfoWithContext(ctx, "Job short-circuited by result cache", map[string]interface{}{
		"operation": "enqueue",
		"job_id":    job.ID,
		"type":      string(jobType),
		"cache_key": entry.Key,
	})
	return job, nil
}

// insertPending persists a fresh pending row.
func (q *Queue) insertPending(ctx context.Context, jobType JobType, payload map[string]interface{}, jobHash, derivedKey string, opts *EnqueueOptions) (*Job, error) {
	now := time.Now()
	job := &Job{
		ID:          uuid.New().String(),
		Type:        jobType,
		Payload:     payload,
		Priority:    priorityOrDefault(opts.Priority),
		Status:      StatusPending,
		MaxAttempts: q.maxAttempts(opts),
		RetryDelay:  q.retryDelay(opts),
		CreatedAt:   now,
		ScheduledAt: now,
		BatchID:     opts.BatchID,
		DependsOn:   opts.DependsOn,
		JobHash:     jobHash,
		CacheKey:    opts.CacheKey,
		CacheTTL:    opts.CacheTTL,
	}
	if opts.Delay > 0 {
		job.ScheduledAt = now.Add(opts.Delay)
	}
	// A job that wants its result cached but named no key publishes under
	// the derived one.
	if job.CacheTTL > 0 && job.CacheKey == "" {
		job.CacheKey = derivedKey
	}
	if job.CacheKey != "" && job.CacheTTL <= 0 {
		job.CacheTTL = q.cfg.CacheTTL
	}

	if err := q.repo.Insert(ctx, job); err != nil {
		var conflict *ConflictError
		if errors.As(err, &conflict) {
			q.telemetry.RecordMetric("queue.jobs.deduplicated", 1, map[string]string{"type": string(jobType)})
			q.logger.DebugWithContext(ctx, "Enqueue race resolved to existing job", map[string]interface{}{
				"operation": "enqueue",
				"job_id":    conflict.Existing.ID,
				"job_hash":  jobHash,
			})
			return conflict.Existing, nil
		}
		return nil, fmt.Errorf("insert job: %w", err)
	}

	if job.BatchID != "" {
		// Best-effort: the batch total self-corrects when the executor
		// reconciles, so a failed bump must not fail the enqueue.
		if err := q.repo.IncrementBatchTotal(ctx, job.BatchID); err != nil {
			q.logger.WarnWithContext(ctx, "Failed to increment batch expected total", map[string]interface{}{
				"operation": "enqueue",
				"job_id":    job.ID,
				"batch_id":  job.BatchID,
				"error":     err.Error(),
			})
		}
	}

	q.telemetry.RecordMetric("queue.jobs.enqueued", 1, map[string]string{
		"type":     string(jobType),
		"priority": string(job.Priority),
	})
	q.logger.InfoWithContext(ctx, "Job enqueued", map[string]interface{}{
		"operation": "enqueue",
		"job_id":    job.ID,
		"type":      string(jobType),
		"priority":  string(job.Priority),
		"job_hash":  jobHash,
	})
	return job, nil
}

// Get returns a job by id.
func (q *Queue) Get(ctx context.Context, id string) (*Job, error) {
	return q.repo.Get(ctx, id)
}

// Complete marks a job completed and publishes its result to the cache when
// the row asked for caching. Calls on already-terminal jobs are no-ops.
func (q *Queue) Complete(ctx context.Context, id string, result map[string]interface{}) (*Job, error) {
	job, err := q.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if job.Status.Terminal() {
		return job, nil
	}

	now := time.Now()
	job.Status = StatusCompleted
	job.CompletedAt = &now
	job.Result = result
	if err := q.repo.Update(ctx, job); err != nil {
		return nil, fmt.Errorf("complete job %s: %w", id, err)
	}

	q.telemetry.RecordMetric("queue.jobs.completed", 1, map[string]string{"type": string(job.Type)})

	if q.cache != nil && job.CacheKey != "" {
		ttl := job.CacheTTL
		if ttl <= 0 {
			ttl = q.cfg.CacheTTL
		}
		entry := &CacheEntry{
			Key:     job.CacheKey,
			JobType: job.Type,
			Result:  result,
		}
		if canonical, err := core.CanonicalJSON(job.Payload); err == nil {
			entry.PayloadHash = core.Hash32(canonical)
		}
		if err := q.cache.Set(ctx, entry, ttl); err != nil {
			q.logger.WarnWithContext(ctx, "Failed to publish job result to cache", map[string]interface{}{
				"operation": "complete",
				"job_id":    job.ID,
				"cache_key": job.CacheKey,
				"error":     err.Error(),
			})
		}
	}
	return job, nil
}

// Fail records a failed attempt. The job reschedules with its retry delay
// until attempts reach the limit, then lands in the terminal failed state.
func (q *Queue) Fail(ctx context.Context, id string, reason string) (*Job, error) {
	job, err := q.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if job.Status.Terminal() {
		return job, nil
	}

	job.Attempts++
	job.FailureReason = reason
	if job.Attempts >= job.MaxAttempts {
		now := time.Now()
		job.Status = StatusFailed
		job.CompletedAt = &now
		q.telemetry.RecordMetric("queue.jobs.failed", 1, map[string]string{"type": string(job.Type)})
		q.logger.WarnWithContext(ctx, "Job failed permanently", map[string]interface{}{
			"operation": "fail",
			"job_id":    job.ID,
			"type":      string(job.Type),
			"attempts":  job.Attempts,
			"reason":    reason,
		})
	} else {
		job.Status = StatusPending
		job.ScheduledAt = time.Now().Add(job.RetryDelay)
		q.logger.DebugWithContext(ctx, "Job scheduled for retry", map[string]interface{}{
			"operation":    "fail",
			"job_id":       job.ID,
			"attempts":     job.Attempts,
			"max_attempts": job.MaxAttempts,
			"retry_at":     job.ScheduledAt.Format(time.RFC3339),
		})
	}

	if err := q.repo.Update(ctx, job); err != nil {
		return nil, fmt.Errorf("fail job %s: %w", id, err)
	}
	return job, nil
}

// Stats summarizes queue depth by status.
type Stats struct {
	Pending    int `json:"pending"`
	Processing int `json:"processing"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
	Total      int `json:"total"`
}

// Stats reports how many jobs sit in each status and records the pending
// depth gauge.
func (q *Queue) Stats(ctx context.Context) (*Stats, error) {
	counts, err := q.repo.CountByStatus(ctx)
	if err != nil {
		return nil, fmt.Errorf("queue stats: %w", err)
	}
	s := &Stats{
		Pending:    counts[StatusPending],
		Processing: counts[StatusProcessing],
		Completed:  counts[StatusCompleted],
		Failed:     counts[StatusFailed],
	}
	s.Total = s.Pending + s.Processing + s.Completed + s.Failed
	q.telemetry.RecordMetric("queue.depth", float64(s.Pending), nil)
	return s, nil
}

func (q *Queue) maxAttempts(opts *EnqueueOptions) int {
	if opts.MaxAttempts > 0 {
		return opts.MaxAttempts
	}
	return q.cfg.DefaultMaxAttempts
}

func (q *Queue) retryDelay(opts *EnqueueOptions) time.Duration {
	if opts.RetryDelay > 0 {
		return opts.RetryDelay
	}
	return q.cfg.DefaultRetryDelay
}

func priorityOrDefault(p Priority) Priority {
	if p == "" {
		return PriorityNormal
	}
	return p
}

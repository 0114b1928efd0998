package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/draftmill/flywheel/core"
)

// Repository is the narrow store surface the queue depends on. The real
// implementation fronts the relational store; InMemoryRepository serves
// single-process deployments and tests.
type Repository interface {
	// Insert persists a new job. When another row already holds the same
	// (job_hash, created_at) it returns *ConflictError carrying the winner,
	// which breaks ties between racing enqueues.
	Insert(ctx context.Context, job *Job) error

	// Update replaces the stored row for job.ID.
	Update(ctx context.Context, job *Job) error

	// Get returns the job or core.ErrJobNotFound.
	Get(ctx context.Context, id string) (*Job, error)

	// FindByHash returns the most recently created job whose hash matches
	// and whose created_at falls inside the trailing window, or
	// core.ErrJobNotFound.
	FindByHash(ctx context.Context, hash string, window time.Duration) (*Job, error)

	// IncrementBatchTotal bumps a batch's expected job count.
	IncrementBatchTotal(ctx context.Context, batchID string) error

	// CountByStatus reports how many jobs sit in each status.
	CountByStatus(ctx context.Context) (map[Status]int, error)
}

// ConflictError reports an insert that lost a deduplication race. Existing
// is the row that won; callers treat the conflict as "found existing".
type ConflictError struct {
	Existing *Job
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("job %s already exists for hash %s", e.Existing.ID, e.Existing.JobHash)
}

// InMemoryRepository keeps jobs in process memory. It enforces the same
// uniqueness the relational store does: one row per (job_hash, created_at),
// with created_at at second resolution to mirror the store's timestamp
// column.
type InMemoryRepository struct {
	mu     sync.RWMutex
	jobs   map[string]*Job
	byHash map[string][]string
	unique map[string]string
	totals map[string]int
	logger core.Logger
}

// NewInMemoryRepository creates an empty repository.
func NewInMemoryRepository() *InMemoryRepository {
	return &InMemoryRepository{
		jobs:   make(map[string]*Job),
		byHash: make(map[string][]string),
		unique: make(map[string]string),
		totals: make(map[string]int),
		logger: &core.NoOpLogger{},
	}
}

// SetLogger configures the logger for this repository.
func (r *InMemoryRepository) SetLogger(logger core.Logger) {
	if logger != nil {
		r.logger = logger
	}
}

func uniqueKey(hash string, createdAt time.Time) string {
	return fmt.Sprintf("%s|%d", hash, createdAt.Truncate(time.Second).Unix())
}

func (r *InMemoryRepository) Insert(ctx context.Context, job *Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := uniqueKey(job.JobHash, job.CreatedAt)
	if winnerID, taken := r.unique[key]; taken {
		winner := r.jobs[winnerID]
		r.logger.Debug("Job insert lost dedup race", map[string]interface{}{
			"operation": "job_insert",
			"job_hash":  job.JobHash,
			"winner_id": winnerID,
		})
		return &ConflictError{Existing: copyJob(winner)}
	}

	stored := copyJob(job)
	r.jobs[stored.ID] = stored
	r.byHash[stored.JobHash] = append(r.byHash[stored.JobHash], stored.ID)
	r.unique[key] = stored.ID
	return nil
}

func (r *InMemoryRepository) Update(ctx context.Context, job *Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.jobs[job.ID]; !exists {
		return fmt.Errorf("update job %s: %w", job.ID, core.ErrJobNotFound)
	}
	r.jobs[job.ID] = copyJob(job)
	return nil
}

func (r *InMemoryRepository) Get(ctx context.Context, id string) (*Job, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	job, exists := r.jobs[id]
	if !exists {
		return nil, fmt.Errorf("get job %s: %w", id, core.ErrJobNotFound)
	}
	return copyJob(job), nil
}

func (r *InMemoryRepository) FindByHash(ctx context.Context, hash string, window time.Duration) (*Job, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	cutoff := time.Now().Add(-window)
	var newest *Job
	for _, id := range r.byHash[hash] {
		job := r.jobs[id]
		if job == nil || job.CreatedAt.Before(cutoff) {
			continue
		}
		if newest == nil || job.CreatedAt.After(newest.CreatedAt) {
			newest = job
		}
	}
	if newest == nil {
		return nil, fmt.Errorf("find job by hash %s: %w", hash, core.ErrJobNotFound)
	}
	return copyJob(newest), nil
}

func (r *InMemoryRepository) IncrementBatchTotal(ctx context.Context, batchID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.totals[batchID]++
	return nil
}

// BatchTotal returns the expected job count recorded for a batch.
func (r *InMemoryRepository) BatchTotal(batchID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.totals[batchID]
}

func (r *InMemoryRepository) CountByStatus(ctx context.Context) (map[Status]int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	counts := make(map[Status]int)
	for _, job := range r.jobs {
		counts[job.Status]++
	}
	return counts, nil
}

// copyJob clones a job so callers never share mutable state with the
// repository.
func copyJob(job *Job) *Job {
	if job == nil {
		return nil
	}
	clone := *job
	if job.Payload != nil {
		clone.Payload = make(map[string]interface{}, len(job.Payload))
		for k, v := range job.Payload {
			clone.Payload[k] = v
		}
	}
	if job.Result != nil {
		clone.Result = make(map[string]interface{}, len(job.Result))
		for k, v := range job.Result {
			clone.Result[k] = v
		}
	}
	if job.DependsOn != nil {
		clone.DependsOn = append([]string(nil), job.DependsOn...)
	}
	if job.StartedAt != nil {
		started := *job.StartedAt
		clone.StartedAt = &started
	}
	if job.CompletedAt != nil {
		completed := *job.CompletedAt
		clone.CompletedAt = &completed
	}
	return &clone
}

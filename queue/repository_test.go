package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/draftmill/flywheel/core"
)

func pendingJob(id, hash string, createdAt time.Time) *Job {
	return &Job{
		ID:          id,
		Type:        JobArticleGenerate,
		Payload:     map[string]interface{}{"topic": "espresso"},
		Priority:    PriorityNormal,
		Status:      StatusPending,
		MaxAttempts: 3,
		CreatedAt:   createdAt,
		ScheduledAt: createdAt,
		JobHash:     hash,
	}
}

func TestInMemoryRepositoryInsertAndGet(t *testing.T) {
	repo := NewInMemoryRepository()
	ctx := context.Background()

	job := pendingJob("job-1", "hash-a", time.Now())
	require.NoError(t, repo.Insert(ctx, job))

	got, err := repo.Get(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, "job-1", got.ID)
	assert.Equal(t, JobArticleGenerate, got.Type)

	// Returned rows are copies; mutating them must not leak back.
	got.Payload["topic"] = "ristretto"
	got.Status = StatusFailed

	again, err := repo.Get(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, "espresso", again.Payload["topic"])
	assert.Equal(t, StatusPending, again.Status)

	_, err = repo.Get(ctx, "missing")
	assert.True(t, errors.Is(err, core.ErrJobNotFound))
}

func TestInMemoryRepositoryUniqueConstraint(t *testing.T) {
	repo := NewInMemoryRepository()
	ctx := context.Background()
	base := time.Now().Truncate(time.Second)

	require.NoError(t, repo.Insert(ctx, pendingJob("job-1", "hash-a", base)))

	// Same hash in the same second loses the race.
	err := repo.Insert(ctx, pendingJob("job-2", "hash-a", base))
	var conflict *ConflictError
	require.True(t, errors.As(err, &conflict))
	assert.Equal(t, "job-1", conflict.Existing.ID)
	assert.Contains(t, conflict.Error(), "hash-a")

	// Same hash a different second is a fresh row.
	require.NoError(t, repo.Insert(ctx, pendingJob("job-3", "hash-a", base.Add(2*time.Second))))

	// Different hash in the same second is fine too.
	require.NoError(t, repo.Insert(ctx, pendingJob("job-4", "hash-b", base)))
}

func TestInMemoryRepositoryFindByHash(t *testing.T) {
	repo := NewInMemoryRepository()
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, repo.Insert(ctx, pendingJob("job-old", "hash-a", now.Add(-2*time.Hour))))
	require.NoError(t, repo.Insert(ctx, pendingJob("job-new", "hash-a", now.Add(-time.Minute))))

	tests := []struct {
		name    string
		hash    string
		window  time.Duration
		wantID  string
		wantErr bool
	}{
		{"newest row inside window", "hash-a", time.Hour, "job-new", false},
		{"wide window still prefers newest", "hash-a", 3 * time.Hour, "job-new", false},
		{"window excludes everything", "hash-a", 30 * time.Second, "", true},
		{"unknown hash", "hash-z", time.Hour, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := repo.FindByHash(ctx, tt.hash, tt.window)
			if tt.wantErr {
				assert.True(t, errors.Is(err, core.ErrJobNotFound))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantID, got.ID)
		})
	}
}

func TestInMemoryRepositoryUpdate(t *testing.T) {
	repo := NewInMemoryRepository()
	ctx := context.Background()

	job := pendingJob("job-1", "hash-a", time.Now())
	require.NoError(t, repo.Insert(ctx, job))

	job.Status = StatusProcessing
	job.Attempts = 1
	require.NoError(t, repo.Update(ctx, job))

	got, err := repo.Get(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, StatusProcessing, got.Status)
	assert.Equal(t, 1, got.Attempts)

	err = repo.Update(ctx, pendingJob("ghost", "hash-x", time.Now()))
	assert.True(t, errors.Is(err, core.ErrJobNotFound))
}

func TestInMemoryRepositoryBatchTotals(t *testing.T) {
	repo := NewInMemoryRepository()
	ctx := context.Background()

	require.NoError(t, repo.IncrementBatchTotal(ctx, "batch-1"))
	require.NoError(t, repo.IncrementBatchTotal(ctx, "batch-1"))
	require.NoError(t, repo.IncrementBatchTotal(ctx, "batch-2"))

	assert.Equal(t, 2, repo.BatchTotal("batch-1"))
	assert.Equal(t, 1, repo.BatchTotal("batch-2"))
	assert.Equal(t, 0, repo.BatchTotal("batch-3"))
}

func TestInMemoryRepositoryCountByStatus(t *testing.T) {
	repo := NewInMemoryRepository()
	ctx := context.Background()
	now := time.Now()

	jobs := []*Job{
		pendingJob("job-1", "hash-1", now),
		pendingJob("job-2", "hash-2", now),
		pendingJob("job-3", "hash-3", now),
	}
	for _, j := range jobs {
		require.NoError(t, repo.Insert(ctx, j))
	}

	jobs[1].Status = StatusCompleted
	require.NoError(t, repo.Update(ctx, jobs[1]))
	jobs[2].Status = StatusFailed
	require.NoError(t, repo.Update(ctx, jobs[2]))

	counts, err := repo.CountByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, counts[StatusPending])
	assert.Equal(t, 1, counts[StatusCompleted])
	assert.Equal(t, 1, counts[StatusFailed])
	assert.Equal(t, 0, counts[StatusProcessing])
}

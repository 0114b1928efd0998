// Package queue implements the platform's enqueue-and-persist job queue:
// type and option validation, content-hash deduplication inside a rolling
// window, and result-cache short-circuiting for work that already ran.
// Execution is an external collaborator reached through the Repository
// interface; dependencies, priorities, and statuses travel as data.
package queue

import (
	"fmt"
	"time"

	"github.com/draftmill/flywheel/core"
)

// JobType enumerates the work the platform schedules.
type JobType string

const (
	JobArticleGenerate  JobType = "article_generate"
	JobArticlePublish   JobType = "article_publish"
	JobLLMSnippet       JobType = "llm_snippet"
	JobKeywordMine      JobType = "keyword_mine"
	JobEmbeddingIndex   JobType = "embedding_index"
	JobImageGenerate    JobType = "image_generate"
	JobSEOAudit         JobType = "seo_audit"
	JobProductSync      JobType = "product_sync"
	JobCollectionSync   JobType = "collection_sync"
	JobBillingReconcile JobType = "billing_reconcile"
	JobUsageRollup      JobType = "usage_rollup"
	JobWebhookDeliver   JobType = "webhook_deliver"
)

var jobTypes = map[JobType]struct{}{
	JobArticleGenerate:  {},
	JobArticlePublish:   {},
	JobLLMSnippet:       {},
	JobKeywordMine:      {},
	JobEmbeddingIndex:   {},
	JobImageGenerate:    {},
	JobSEOAudit:         {},
	JobProductSync:      {},
	JobCollectionSync:   {},
	JobBillingReconcile: {},
	JobUsageRollup:      {},
	JobWebhookDeliver:   {},
}

// Valid reports whether the type is one the platform schedules.
func (t JobType) Valid() bool {
	_, ok := jobTypes[t]
	return ok
}

// Priority orders pending work for the external executor.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityNormal   Priority = "normal"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// Valid reports whether the priority is a known level.
func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityNormal, PriorityHigh, PriorityCritical:
		return true
	}
	return false
}

// Status is a job's lifecycle state. Completed and failed are terminal.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Terminal reports whether no further transitions are possible.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Job is one unit of scheduled work. Rows are immutable after a terminal
// write; the executor owns status transitions.
type Job struct {
	ID          string                 `json:"id"`
	Type        JobType                `json:"type"`
	Payload     map[string]interface{} `json:"payload"`
	Priority    Priority               `json:"priority"`
	Status      Status                 `json:"status"`
	Attempts    int                    `json:"attempts"`
	MaxAttempts int                    `json:"max_attempts"`
	RetryDelay  time.Duration          `json:"retry_delay"`

	CreatedAt   time.Time  `json:"created_at"`
	ScheduledAt time.Time  `json:"scheduled_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	BatchID   string   `json:"batch_id,omitempty"`
	DependsOn []string `json:"depends_on,omitempty"`

	Result        map[string]interface{} `json:"result,omitempty"`
	ResultCached  bool                   `json:"result_cached,omitempty"`
	FailureReason string                 `json:"failure_reason,omitempty"`

	// JobHash deduplicates content: either the caller's deduplication key
	// or hash32(type || canonical_json(payload)).
	JobHash string `json:"job_hash"`

	// CacheKey and CacheTTL tell the executor where to publish the result.
	CacheKey string        `json:"cache_key,omitempty"`
	CacheTTL time.Duration `json:"cache_ttl,omitempty"`
}

// maxAttemptsCeiling bounds retry configuration the same way the retry
// engine does.
const maxAttemptsCeiling = 100

// EnqueueOptions carries the per-job knobs of Enqueue. The zero value is
// valid: normal priority, queue-level attempt and retry defaults, no
// scheduling delay, deduplication by content hash.
type EnqueueOptions struct {
	Priority Priority

	// Delay pushes ScheduledAt into the future.
	Delay time.Duration

	MaxAttempts int
	RetryDelay  time.Duration

	DependsOn []string
	BatchID   string

	// DeduplicationKey overrides the content hash.
	DeduplicationKey string

	// SkipIfDuplicate returns the existing job immediately on a dedup hit
	// instead of consulting the result cache.
	SkipIfDuplicate bool

	// CacheKey overrides the derived result-cache key; CacheTTL bounds the
	// entry written on completion.
	CacheKey string
	CacheTTL time.Duration
}

// validate checks enumerations and numeric bounds. The payload is validated
// separately by canonical serialization.
func (o EnqueueOptions) validate() error {
	if o.Priority != "" && !o.Priority.Valid() {
		return invalidOption(fmt.Sprintf("unknown priority %q", o.Priority))
	}
	if o.Delay < 0 {
		return invalidOption("delay must not be negative")
	}
	if o.MaxAttempts < 0 || o.MaxAttempts > maxAttemptsCeiling {
		return invalidOption(fmt.Sprintf("max attempts must be between 0 and %d", maxAttemptsCeiling))
	}
	if o.RetryDelay < 0 {
		return invalidOption("retry delay must not be negative")
	}
	if o.CacheTTL < 0 {
		return invalidOption("cache TTL must not be negative")
	}
	for _, dep := range o.DependsOn {
		if dep == "" {
			return invalidOption("depends_on entries must be job ids")
		}
	}
	return nil
}

func invalidOption(msg string) error {
	return &core.PlatformError{
		Op:      "queue.Enqueue",
		Kind:    "validation",
		Message: msg,
		Err:     core.ErrInvalidInput,
	}
}

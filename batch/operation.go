// Package batch accumulates database operations and executes them under a
// strategy: sequential for determinism, parallel for throughput, or smart
// coalescing of same-table writes. Dependencies between operations form a
// DAG validated before anything touches the store; optional rollback
// restores pre-images captured before each mutation.
package batch

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sync"

	"github.com/draftmill/flywheel/core"
	"github.com/draftmill/flywheel/resilience"
)

// OpType enumerates the mutations a batch can carry.
type OpType string

const (
	OpInsert OpType = "insert"
	OpUpdate OpType = "update"
	OpUpsert OpType = "upsert"
	OpDelete OpType = "delete"
)

// Valid reports whether the operation type is known.
func (t OpType) Valid() bool {
	switch t {
	case OpInsert, OpUpdate, OpUpsert, OpDelete:
		return true
	}
	return false
}

// Accumulation limits.
const (
	maxBatchOperations = 10000
	maxPayloadBytes    = 10 * 1024 * 1024
)

var tableNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Operation is one unit of work in a batch. Insert and upsert carry the row
// in Payload; update carries new values in Payload and targets rows via
// Filter; delete targets rows via Filter alone.
type Operation struct {
	ID        string
	Type      OpType
	Table     string
	Payload   map[string]interface{}
	Filter    *Filter
	DependsOn []string

	// Retry overrides the batch-level retry policy for this operation.
	Retry *resilience.RetryConfig
}

// validate checks one operation against the accumulation rules.
func (op *Operation) validate() error {
	if !op.Type.Valid() {
		return invalidOperation(op.ID, fmt.Sprintf("unknown operation type %q", op.Type))
	}
	if !tableNamePattern.MatchString(op.Table) {
		return invalidOperation(op.ID, fmt.Sprintf("invalid table name %q", op.Table))
	}
	switch op.Type {
	case OpInsert, OpUpsert:
		if op.Payload == nil {
			return invalidOperation(op.ID, "insert and upsert require a payload")
		}
	case OpUpdate:
		if op.Payload == nil {
			return invalidOperation(op.ID, "update requires new values")
		}
		if op.Filter == nil {
			return invalidOperation(op.ID, "update requires a filter")
		}
	case OpDelete:
		if op.Filter == nil {
			return invalidOperation(op.ID, "delete requires a filter")
		}
	}
	if op.Payload != nil {
		data, err := json.Marshal(op.Payload)
		if err != nil {
			return invalidOperation(op.ID, fmt.Sprintf("payload is not serializable: %v", err))
		}
		if len(data) > maxPayloadBytes {
			return invalidOperation(op.ID, fmt.Sprintf("payload is %d bytes, limit is %d", len(data), maxPayloadBytes))
		}
	}
	for _, dep := range op.DependsOn {
		if dep == "" {
			return invalidOperation(op.ID, "depends_on entries must be operation ids")
		}
	}
	return nil
}

func invalidOperation(id, msg string) error {
	return &core.PlatformError{
		Op:      "batch.Add",
		Kind:    "validation",
		ID:      id,
		Message: msg,
		Err:     core.ErrInvalidInput,
	}
}

// Progress is the batch completion snapshot handed to subscribers.
type Progress struct {
	Total                  int     `json:"total"`
	Completed              int     `json:"completed"`
	Failed                 int     `json:"failed"`
	Percentage             float64 `json:"percentage"`
	EstimatedTimeRemaining string  `json:"estimated_time_remaining"`
}

// ProgressFunc receives progress snapshots. Called mid-flight as operations
// finish and once more at completion.
type ProgressFunc func(Progress)

// Batch accumulates operations for one execution. Not safe for concurrent
// Add calls with Execute; build first, then execute.
type Batch struct {
	executor *Executor
	id       string
	strategy Strategy

	mu          sync.Mutex
	ops         []*Operation
	byID        map[string]*Operation
	progressFns []ProgressFunc
}

// ID returns the batch identifier.
func (b *Batch) ID() string {
	return b.id
}

// SetStrategy overrides the executor's configured strategy for this batch.
func (b *Batch) SetStrategy(s Strategy) *Batch {
	b.strategy = s
	return b
}

// OnProgress subscribes a callback to progress snapshots.
func (b *Batch) OnProgress(fn ProgressFunc) *Batch {
	if fn != nil {
		b.mu.Lock()
		b.progressFns = append(b.progressFns, fn)
		b.mu.Unlock()
	}
	return b
}

// Add validates and appends one operation. An empty ID is assigned
// positionally.
func (b *Batch) Add(op *Operation) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.ops) >= b.executor.cfg.MaxBatchSize {
		return invalidOperation(op.ID, fmt.Sprintf("batch is full: limit %d operations", b.executor.cfg.MaxBatchSize))
	}
	if op.ID == "" {
		op.ID = fmt.Sprintf("op-%d", len(b.ops)+1)
	}
	if err := op.validate(); err != nil {
		return err
	}
	if _, dup := b.byID[op.ID]; dup {
		return invalidOperation(op.ID, "duplicate operation id")
	}

	b.ops = append(b.ops, op)
	b.byID[op.ID] = op
	return nil
}

// Len returns how many operations the batch holds.
func (b *Batch) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.ops)
}

package batch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/draftmill/flywheel/core"
	"github.com/draftmill/flywheel/resilience"
)

// Strategy selects how a batch's operations are dispatched.
type Strategy string

const (
	// StrategySequential runs operations one at a time in dependency order.
	StrategySequential Strategy = "sequential"
	// StrategyParallel runs every operation concurrently, each waiting for
	// its dependencies.
	StrategyParallel Strategy = "parallel"
	// StrategySmart runs dependency waves, coalescing same-table inserts
	// and upserts within a wave into single store calls.
	StrategySmart Strategy = "smart"
)

func normalizeStrategy(s string) Strategy {
	switch Strategy(s) {
	case StrategySequential, StrategyParallel:
		return Strategy(s)
	}
	return StrategySmart
}

// Executor runs batches against a store. Construct once and share; each
// NewBatch call produces an independent accumulator.
type Executor struct {
	store     Store
	cfg       core.BatchConfig
	retry     *resilience.RetryConfig
	logger    core.Logger
	telemetry core.Telemetry
}

// Option configures an Executor.
type Option func(*Executor)

func WithLogger(logger core.Logger) Option {
	return func(e *Executor) {
		if logger != nil {
			e.logger = logger
		}
	}
}

func WithTelemetry(t core.Telemetry) Option {
	return func(e *Executor) {
		if t != nil {
			e.telemetry = t
		}
	}
}

// WithRetry sets the batch-level retry policy. Operations can override it
// individually.
func WithRetry(cfg *resilience.RetryConfig) Option {
	return func(e *Executor) {
		e.retry = cfg
	}
}

// New builds an executor over a store, filling unset config fields with
// defaults.
func New(store Store, cfg core.BatchConfig, opts ...Option) *Executor {
	if cfg.MaxBatchSize <= 0 || cfg.MaxBatchSize > maxBatchOperations {
		cfg.MaxBatchSize = maxBatchOperations
	}
	if cfg.DependencyPoll <= 0 {
		cfg.DependencyPoll = 100 * time.Millisecond
	}
	if cfg.DependencyTimeout <= 0 {
		cfg.DependencyTimeout = 30 * time.Second
	}
	if cfg.GlobalTimeout <= 0 {
		cfg.GlobalTimeout = 5 * time.Minute
	}
	e := &Executor{
		store:     store,
		cfg:       cfg,
		logger:    &core.NoOpLogger{},
		telemetry: &core.NoOpTelemetry{},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// NewBatch starts an empty batch bound to this executor.
func (e *Executor) NewBatch() *Batch {
	return &Batch{
		executor: e,
		id:       uuid.New().String(),
		strategy: normalizeStrategy(e.cfg.Strategy),
		byID:     make(map[string]*Operation),
	}
}

// Result summarizes one batch execution.
type Result struct {
	BatchID    string
	Strategy   Strategy
	Completed  []string
	Failed     map[string]error
	Skipped    []string
	Duration   time.Duration
	RolledBack bool
}

// Execute runs the accumulated operations and reports per-operation
// outcomes. Validation problems and whole-batch failures (transaction
// abort, global timeout) return an error alongside the partial result.
func (b *Batch) Execute(ctx context.Context) (*Result, error) {
	return b.executor.execute(ctx, b)
}

func (e *Executor) execute(ctx context.Context, b *Batch) (*Result, error) {
	b.mu.Lock()
	ops := make([]*Operation, len(b.ops))
	copy(ops, b.ops)
	fns := make([]ProgressFunc, len(b.progressFns))
	copy(fns, b.progressFns)
	strategy := b.strategy
	b.mu.Unlock()

	res := &Result{BatchID: b.id, Strategy: strategy, Failed: make(map[string]error)}
	if len(ops) == 0 {
		return res, nil
	}

	graph := newDepGraph(ops)
	if err := graph.validate(); err != nil {
		return nil, err
	}

	ctx, span := e.telemetry.StartSpan(ctx, "batch.Execute")
	defer span.End()
	span.SetAttribute("batch.id", b.id)
	span.SetAttribute("batch.strategy", string(strategy))
	span.SetAttribute("batch.size", len(ops))

	runCtx, cancel := context.WithTimeout(ctx, e.cfg.GlobalTimeout)
	defer cancel()

	r := &run{
		executor:      e,
		batch:         b,
		graph:         graph,
		ops:           ops,
		progressFns:   fns,
		correlationID: core.NewCorrelationID("batch"),
		started:       time.Now(),
		failed:        make(map[string]error),
		cancel:        cancel,
	}

	e.logger.InfoWithContext(runCtx, "Batch execution started", map[string]interface{}{
		"batch_id":       b.id,
		"correlation_id": r.correlationID,
		"strategy":       string(strategy),
		"operations":     len(ops),
	})

	switch strategy {
	case StrategySequential:
		r.runSequential(runCtx)
	case StrategyParallel:
		r.runParallel(runCtx)
	default:
		r.runSmart(runCtx)
	}

	// An abort cancels runCtx itself; only deadline expiry and caller
	// cancellation count as interruptions.
	interrupted := runCtx.Err()
	if interrupted != nil && !errors.Is(interrupted, context.DeadlineExceeded) && ctx.Err() == nil && r.isAborted() {
		interrupted = nil
	}
	r.settle(runCtx, interrupted)

	r.mu.Lock()
	res.Completed = append(res.Completed, r.completed...)
	for id, opErr := range r.failed {
		res.Failed[id] = opErr
	}
	firstErr := r.firstErr
	r.mu.Unlock()
	for _, id := range graph.order {
		if graph.statusOf(id) == opSkipped {
			res.Skipped = append(res.Skipped, id)
		}
	}
	res.Duration = time.Since(r.started)

	if e.cfg.EnableRollback && (interrupted != nil || (e.cfg.EnableTransactions && len(res.Failed) > 0)) {
		res.RolledBack = r.rollback()
	}

	r.emitProgress()
	e.recordOutcome(runCtx, res)

	err := e.batchError(b.id, interrupted, firstErr)
	if err != nil {
		span.RecordError(err)
	}
	return res, err
}

// batchError decides whether the batch as a whole failed.
func (e *Executor) batchError(batchID string, interrupted, firstErr error) error {
	switch {
	case errors.Is(interrupted, context.DeadlineExceeded):
		return &core.PlatformError{
			Op:      "batch.Execute",
			Kind:    "timeout",
			ID:      batchID,
			Message: "batch execution exceeded the global timeout",
			Err:     core.ErrTimeout,
		}
	case interrupted != nil:
		return &core.PlatformError{
			Op:      "batch.Execute",
			Kind:    "canceled",
			ID:      batchID,
			Message: "batch execution canceled",
			Err:     core.ErrContextCanceled,
		}
	case e.cfg.EnableTransactions && firstErr != nil:
		return &core.PlatformError{
			Op:      "batch.Execute",
			Kind:    "aborted",
			ID:      batchID,
			Message: "batch aborted after operation failure",
			Err:     firstErr,
		}
	}
	return nil
}

func (e *Executor) recordOutcome(ctx context.Context, res *Result) {
	labels := map[string]string{"strategy": string(res.Strategy)}
	e.telemetry.RecordMetric("batch.operations", float64(len(res.Completed)+len(res.Failed)+len(res.Skipped)), labels)
	e.telemetry.RecordMetric("batch.duration", float64(res.Duration.Milliseconds()), labels)
	if len(res.Failed) > 0 {
		e.telemetry.RecordMetric("batch.failures", float64(len(res.Failed)), labels)
	}
	e.logger.InfoWithContext(ctx, "Batch execution finished", map[string]interface{}{
		"batch_id":    res.BatchID,
		"strategy":    string(res.Strategy),
		"completed":   len(res.Completed),
		"failed":      len(res.Failed),
		"skipped":     len(res.Skipped),
		"duration_ms": res.Duration.Milliseconds(),
		"rolled_back": res.RolledBack,
	})
}

type journalEntry struct {
	opID  string
	table string
	typ   OpType
	rows  []map[string]interface{}
}

// run is the mutable state of one execution.
type run struct {
	executor      *Executor
	batch         *Batch
	graph         *depGraph
	ops           []*Operation
	progressFns   []ProgressFunc
	correlationID string
	started       time.Time
	cancel        context.CancelFunc
	abortOnce     sync.Once

	mu        sync.Mutex
	completed []string
	failed    map[string]error
	firstErr  error
	journal   []journalEntry
	aborted   bool
}

func (r *run) isAborted() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.aborted
}

func (r *run) runSequential(ctx context.Context) {
	for _, id := range r.graph.topological() {
		if ctx.Err() != nil || r.isAborted() {
			return
		}
		op := r.batch.byID[id]
		state, blocked := r.graph.claim(id)
		switch state {
		case claimStarted:
			r.execute(ctx, op)
		case claimBlocked:
			r.failPending(ctx, id, dependencyFailure(id, blocked))
		}
	}
}

func (r *run) runParallel(ctx context.Context) {
	var wg sync.WaitGroup
	for _, op := range r.ops {
		wg.Add(1)
		go func(op *Operation) {
			defer wg.Done()
			r.awaitAndRun(ctx, op)
		}(op)
	}
	wg.Wait()
}

// awaitAndRun polls until the operation's dependencies settle, then runs it.
func (r *run) awaitAndRun(ctx context.Context, op *Operation) {
	deadline := time.Now().Add(r.executor.cfg.DependencyTimeout)
	for {
		state, blocked := r.graph.claim(op.ID)
		switch state {
		case claimStarted:
			r.execute(ctx, op)
			return
		case claimBlocked:
			r.failPending(ctx, op.ID, dependencyFailure(op.ID, blocked))
			return
		case claimDone:
			return
		}
		if r.isAborted() {
			return
		}
		if time.Now().After(deadline) {
			r.failPending(ctx, op.ID, dependencyTimeout(op.ID))
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(r.executor.cfg.DependencyPoll):
		}
	}
}

func (r *run) runSmart(ctx context.Context) {
	for _, wave := range r.graph.levels() {
		if ctx.Err() != nil || r.isAborted() {
			return
		}

		groups := make(map[string][]*Operation)
		var groupKeys []string
		var singles []*Operation
		for _, id := range wave {
			op := r.batch.byID[id]
			state, blocked := r.graph.claim(id)
			if state == claimBlocked {
				r.failPending(ctx, id, dependencyFailure(id, blocked))
				continue
			}
			if state != claimStarted {
				continue
			}
			if op.Type == OpInsert || op.Type == OpUpsert {
				key := op.Table + "|" + string(op.Type)
				if _, seen := groups[key]; !seen {
					groupKeys = append(groupKeys, key)
				}
				groups[key] = append(groups[key], op)
			} else {
				singles = append(singles, op)
			}
		}

		if r.executor.cfg.EnableTransactions {
			// Writes land in phases: inserts and upserts first, then
			// updates, then deletes.
			r.runGroups(ctx, groups, groupKeys)
			r.runSingles(ctx, filterByType(singles, OpUpdate))
			r.runSingles(ctx, filterByType(singles, OpDelete))
		} else {
			var wg sync.WaitGroup
			for _, key := range groupKeys {
				ops := groups[key]
				wg.Add(1)
				go func(ops []*Operation) {
					defer wg.Done()
					r.executeCoalesced(ctx, ops)
				}(ops)
			}
			for _, op := range singles {
				wg.Add(1)
				go func(op *Operation) {
					defer wg.Done()
					r.execute(ctx, op)
				}(op)
			}
			wg.Wait()
		}
	}
}

func filterByType(ops []*Operation, typ OpType) []*Operation {
	var out []*Operation
	for _, op := range ops {
		if op.Type == typ {
			out = append(out, op)
		}
	}
	return out
}

func (r *run) runGroups(ctx context.Context, groups map[string][]*Operation, keys []string) {
	if r.isAborted() {
		return
	}
	var wg sync.WaitGroup
	for _, key := range keys {
		ops := groups[key]
		wg.Add(1)
		go func(ops []*Operation) {
			defer wg.Done()
			r.executeCoalesced(ctx, ops)
		}(ops)
	}
	wg.Wait()
}

func (r *run) runSingles(ctx context.Context, ops []*Operation) {
	if len(ops) == 0 || r.isAborted() {
		return
	}
	var wg sync.WaitGroup
	for _, op := range ops {
		wg.Add(1)
		go func(op *Operation) {
			defer wg.Done()
			r.execute(ctx, op)
		}(op)
	}
	wg.Wait()
}

// execute runs a single claimed operation through its retry policy.
func (r *run) execute(ctx context.Context, op *Operation) {
	if err := r.apply(ctx, op); err != nil {
		r.fail(ctx, op.ID, storeFailure(op, err))
		return
	}
	r.complete(ctx, op.ID)
}

// executeCoalesced runs same-table inserts or upserts as one store call.
// All grouped operations succeed or fail together. Single-member groups go
// through the per-operation path so their own retry policy applies.
func (r *run) executeCoalesced(ctx context.Context, ops []*Operation) {
	if len(ops) == 1 {
		r.execute(ctx, ops[0])
		return
	}
	table := ops[0].Table
	typ := ops[0].Type
	rows := make([]map[string]interface{}, len(ops))
	for i, op := range ops {
		rows[i] = op.Payload
	}
	do := func() error {
		if typ == OpInsert {
			return r.executor.store.Insert(ctx, table, rows)
		}
		return r.executor.store.Upsert(ctx, table, rows)
	}
	var err error
	if cfg := r.executor.retry; cfg != nil {
		err = resilience.Retry(ctx, cfg, do)
	} else {
		err = do()
	}
	if err != nil {
		for _, op := range ops {
			r.fail(ctx, op.ID, storeFailure(op, err))
		}
		return
	}
	for _, op := range ops {
		r.complete(ctx, op.ID)
	}
}

// apply captures the pre-image when rollback is on, then performs the
// mutation under the operation's retry policy.
func (r *run) apply(ctx context.Context, op *Operation) error {
	var preImage []map[string]interface{}
	if r.executor.cfg.EnableRollback && (op.Type == OpUpdate || op.Type == OpDelete) {
		rows, err := r.executor.store.Select(ctx, op.Table, op.Filter)
		if err != nil {
			return fmt.Errorf("pre-image capture failed: %w", err)
		}
		preImage = rows
	}

	do := func() error { return r.mutate(ctx, op) }
	cfg := op.Retry
	if cfg == nil {
		cfg = r.executor.retry
	}
	var err error
	if cfg != nil {
		err = resilience.Retry(ctx, cfg, do)
	} else {
		err = do()
	}
	if err != nil {
		return err
	}

	if len(preImage) > 0 {
		r.mu.Lock()
		r.journal = append(r.journal, journalEntry{opID: op.ID, table: op.Table, typ: op.Type, rows: preImage})
		r.mu.Unlock()
	}
	return nil
}

func (r *run) mutate(ctx context.Context, op *Operation) error {
	store := r.executor.store
	switch op.Type {
	case OpInsert:
		return store.Insert(ctx, op.Table, []map[string]interface{}{op.Payload})
	case OpUpsert:
		return store.Upsert(ctx, op.Table, []map[string]interface{}{op.Payload})
	case OpUpdate:
		_, err := store.Update(ctx, op.Table, op.Payload, op.Filter)
		return err
	case OpDelete:
		_, err := store.Delete(ctx, op.Table, op.Filter)
		return err
	}
	return invalidOperation(op.ID, fmt.Sprintf("unknown operation type %q", op.Type))
}

func (r *run) complete(ctx context.Context, opID string) {
	r.graph.markCompleted(opID)
	r.mu.Lock()
	r.completed = append(r.completed, opID)
	r.mu.Unlock()
	r.executor.logger.DebugWithContext(ctx, "Batch operation completed", map[string]interface{}{
		"batch_id":       r.batch.id,
		"operation_id":   opID,
		"correlation_id": r.correlationID,
	})
	r.emitProgress()
}

// fail records a failure for an operation that ran, then fails everything
// downstream of it.
func (r *run) fail(ctx context.Context, opID string, err error) {
	r.graph.markFailed(opID, err)
	r.record(ctx, opID, err)
	r.cascade(ctx, opID)
	r.maybeAbort()
}

// failPending records a failure for an operation that never ran, such as a
// dependency failure or wait timeout.
func (r *run) failPending(ctx context.Context, opID string, err error) {
	if !r.graph.failIfPending(opID, err) {
		return
	}
	r.record(ctx, opID, err)
	r.cascade(ctx, opID)
	r.maybeAbort()
}

func (r *run) record(ctx context.Context, opID string, err error) {
	r.mu.Lock()
	r.failed[opID] = err
	if r.firstErr == nil {
		r.firstErr = err
	}
	r.mu.Unlock()
	r.executor.logger.ErrorWithContext(ctx, "Batch operation failed", map[string]interface{}{
		"batch_id":       r.batch.id,
		"operation_id":   opID,
		"correlation_id": r.correlationID,
		"error":          err.Error(),
	})
	r.emitProgress()
}

// cascade fails every pending dependent of a failed operation so waiters
// observe a terminal state instead of polling to their timeout.
func (r *run) cascade(ctx context.Context, parentID string) {
	for _, depID := range r.graph.dependentsOf(parentID) {
		depErr := dependencyFailure(depID, parentID)
		if r.graph.failIfPending(depID, depErr) {
			r.record(ctx, depID, depErr)
			r.cascade(ctx, depID)
		}
	}
}

func (r *run) maybeAbort() {
	if !r.executor.cfg.EnableTransactions {
		return
	}
	r.abortOnce.Do(func() {
		r.mu.Lock()
		r.aborted = true
		r.mu.Unlock()
		r.cancel()
	})
}

// settle resolves operations left pending after the strategy returned:
// timeout and cancellation fail them, a transaction abort skips them.
func (r *run) settle(ctx context.Context, interrupted error) {
	leftovers := r.graph.pendingIDs()
	if len(leftovers) == 0 {
		return
	}
	if interrupted != nil {
		sentinel := core.ErrContextCanceled
		kind := "canceled"
		if errors.Is(interrupted, context.DeadlineExceeded) {
			sentinel = core.ErrTimeout
			kind = "timeout"
		}
		for _, id := range leftovers {
			r.failPending(ctx, id, &core.PlatformError{
				Op:      "batch.Execute",
				Kind:    kind,
				ID:      id,
				Message: "operation did not run before the batch was interrupted",
				Err:     sentinel,
			})
		}
		return
	}
	for _, id := range leftovers {
		r.graph.markSkipped(id)
	}
}

// rollback restores captured pre-images in reverse order. Individual restore
// failures are logged and skipped so one bad row cannot block the rest.
func (r *run) rollback() bool {
	r.mu.Lock()
	entries := make([]journalEntry, len(r.journal))
	copy(entries, r.journal)
	r.mu.Unlock()
	if len(entries) == 0 {
		return false
	}

	ctx, cancel := context.WithTimeout(context.Background(), r.executor.cfg.GlobalTimeout)
	defer cancel()

	store := r.executor.store
	logger := r.executor.logger
	restored := 0
	for i := len(entries) - 1; i >= 0; i-- {
		entry := entries[i]
		switch entry.typ {
		case OpDelete:
			if err := store.Insert(ctx, entry.table, entry.rows); err != nil {
				logger.ErrorWithContext(ctx, "Rollback re-insert failed", map[string]interface{}{
					"batch_id":     r.batch.id,
					"operation_id": entry.opID,
					"table":        entry.table,
					"error":        err.Error(),
				})
				continue
			}
			restored += len(entry.rows)
		case OpUpdate:
			for _, row := range entry.rows {
				id, ok := row["id"]
				if !ok {
					logger.Warn("Rollback row has no id, skipping", map[string]interface{}{
						"batch_id":     r.batch.id,
						"operation_id": entry.opID,
						"table":        entry.table,
					})
					continue
				}
				if err := store.UpdateByID(ctx, entry.table, id, row); err != nil {
					logger.ErrorWithContext(ctx, "Rollback re-update failed", map[string]interface{}{
						"batch_id":     r.batch.id,
						"operation_id": entry.opID,
						"table":        entry.table,
						"error":        err.Error(),
					})
					continue
				}
				restored++
			}
		}
	}

	r.executor.telemetry.RecordMetric("batch.rollbacks", 1, map[string]string{"strategy": string(r.batch.strategy)})
	logger.Info("Batch rolled back", map[string]interface{}{
		"batch_id":      r.batch.id,
		"journal_size":  len(entries),
		"rows_restored": restored,
	})
	return true
}

func (r *run) emitProgress() {
	if len(r.progressFns) == 0 {
		return
	}
	r.mu.Lock()
	done := len(r.completed)
	failed := len(r.failed)
	r.mu.Unlock()

	total := len(r.ops)
	processed := done + failed
	pct := float64(processed) / float64(total) * 100
	eta := "0s"
	if processed > 0 && processed < total {
		elapsed := time.Since(r.started)
		remaining := time.Duration(float64(elapsed) / float64(processed) * float64(total-processed))
		eta = remaining.Round(time.Millisecond).String()
	}
	p := Progress{
		Total:                  total,
		Completed:              done,
		Failed:                 failed,
		Percentage:             pct,
		EstimatedTimeRemaining: eta,
	}
	for _, fn := range r.progressFns {
		fn(p)
	}
}

func dependencyFailure(opID, parentID string) error {
	return &core.PlatformError{
		Op:      "batch.Execute",
		Kind:    "dependency",
		ID:      opID,
		Message: fmt.Sprintf("operation %q blocked: dependency %q did not complete", opID, parentID),
		Err:     core.ErrDependencyFailed,
	}
}

func dependencyTimeout(opID string) error {
	return &core.PlatformError{
		Op:      "batch.Execute",
		Kind:    "dependency",
		ID:      opID,
		Message: fmt.Sprintf("operation %q timed out waiting for dependencies", opID),
		Err:     core.ErrDependencyFailed,
	}
}

func storeFailure(op *Operation, err error) error {
	return &core.PlatformError{
		Op:      "batch." + string(op.Type),
		Kind:    "store",
		ID:      op.ID,
		Message: fmt.Sprintf("operation %q failed against table %q", op.ID, op.Table),
		Err:     err,
	}
}

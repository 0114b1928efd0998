package batch

import (
	"context"
	"fmt"
	"sync"

	"github.com/draftmill/flywheel/core"
)

// Store is the persistence surface a batch executes against. Implementations
// wrap a SQL database, a REST data API, or the in-memory store below.
type Store interface {
	// Insert appends rows to a table. Coalesced same-table inserts arrive
	// as one call.
	Insert(ctx context.Context, table string, rows []map[string]interface{}) error

	// Update merges values into every row matching the filter and returns
	// how many rows changed.
	Update(ctx context.Context, table string, values map[string]interface{}, filter *Filter) (int, error)

	// Upsert inserts rows, replacing existing rows that share an "id".
	Upsert(ctx context.Context, table string, rows []map[string]interface{}) error

	// Delete removes matching rows and returns how many went away.
	Delete(ctx context.Context, table string, filter *Filter) (int, error)

	// Select reads matching rows. Used for pre-image capture and reads.
	Select(ctx context.Context, table string, filter *Filter) ([]map[string]interface{}, error)

	// UpdateByID replaces the values of the row whose "id" field matches.
	UpdateByID(ctx context.Context, table string, id interface{}, values map[string]interface{}) error
}

// InMemoryStore keeps tables as row slices. Suitable for tests and local
// development.
type InMemoryStore struct {
	mu     sync.Mutex
	tables map[string][]map[string]interface{}
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{tables: make(map[string][]map[string]interface{})}
}

// Seed loads rows into a table, replacing existing contents.
func (s *InMemoryStore) Seed(table string, rows ...map[string]interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tables[table] = nil
	for _, row := range rows {
		s.tables[table] = append(s.tables[table], copyRow(row))
	}
}

// Rows returns a snapshot of a table.
func (s *InMemoryStore) Rows(table string) []map[string]interface{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]map[string]interface{}, 0, len(s.tables[table]))
	for _, row := range s.tables[table] {
		out = append(out, copyRow(row))
	}
	return out
}

func (s *InMemoryStore) Insert(ctx context.Context, table string, rows []map[string]interface{}) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, row := range rows {
		s.tables[table] = append(s.tables[table], copyRow(row))
	}
	return nil
}

func (s *InMemoryStore) Update(ctx context.Context, table string, values map[string]interface{}, filter *Filter) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for _, row := range s.tables[table] {
		if filter.Matches(row) {
			for k, v := range values {
				row[k] = v
			}
			count++
		}
	}
	return count, nil
}

func (s *InMemoryStore) Upsert(ctx context.Context, table string, rows []map[string]interface{}) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, row := range rows {
		id, hasID := row["id"]
		replaced := false
		if hasID {
			for i, existing := range s.tables[table] {
				if compareValues(existing["id"], id) == 0 {
					s.tables[table][i] = copyRow(row)
					replaced = true
					break
				}
			}
		}
		if !replaced {
			s.tables[table] = append(s.tables[table], copyRow(row))
		}
	}
	return nil
}

func (s *InMemoryStore) Delete(ctx context.Context, table string, filter *Filter) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var kept []map[string]interface{}
	count := 0
	for _, row := range s.tables[table] {
		if filter.Matches(row) {
			count++
			continue
		}
		kept = append(kept, row)
	}
	s.tables[table] = kept
	return count, nil
}

func (s *InMemoryStore) Select(ctx context.Context, table string, filter *Filter) ([]map[string]interface{}, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var rows []map[string]interface{}
	for _, row := range s.tables[table] {
		rows = append(rows, copyRow(row))
	}
	return filter.Apply(rows), nil
}

func (s *InMemoryStore) UpdateByID(ctx context.Context, table string, id interface{}, values map[string]interface{}) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, row := range s.tables[table] {
		if compareValues(row["id"], id) == 0 {
			for k, v := range values {
				row[k] = v
			}
			return nil
		}
	}
	return &core.PlatformError{
		Op:      "batch.UpdateByID",
		Kind:    "store",
		ID:      fmt.Sprintf("%v", id),
		Message: fmt.Sprintf("no row with id %v in table %q", id, table),
		Err:     core.ErrRecordNotFound,
	}
}

func copyRow(row map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(row))
	for k, v := range row {
		out[k] = v
	}
	return out
}

package batch

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/draftmill/flywheel/core"
)

func seedPosts(s *InMemoryStore) {
	s.Seed("posts",
		map[string]interface{}{"id": 1, "status": "draft", "views": 5},
		map[string]interface{}{"id": 2, "status": "draft", "views": 80},
		map[string]interface{}{"id": 3, "status": "published", "views": 200},
	)
}

func TestInMemoryStoreInsertAndSelect(t *testing.T) {
	ctx := context.Background()
	store := NewInMemoryStore()

	err := store.Insert(ctx, "posts", []map[string]interface{}{
		{"id": 1, "status": "draft"},
		{"id": 2, "status": "published"},
	})
	require.NoError(t, err)

	rows, err := store.Select(ctx, "posts", Where(Eq("status", "draft")))
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, 1, rows[0]["id"])

	// Selected rows are copies.
	rows[0]["status"] = "mutated"
	fresh, err := store.Select(ctx, "posts", Where(Eq("id", 1)))
	require.NoError(t, err)
	assert.Equal(t, "draft", fresh[0]["status"])
}

func TestInMemoryStoreUpdate(t *testing.T) {
	ctx := context.Background()
	store := NewInMemoryStore()
	seedPosts(store)

	n, err := store.Update(ctx, "posts", map[string]interface{}{"status": "published"}, Where(Eq("status", "draft")))
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	rows, err := store.Select(ctx, "posts", Where(Eq("status", "published")))
	require.NoError(t, err)
	assert.Len(t, rows, 3)
}

func TestInMemoryStoreUpsert(t *testing.T) {
	ctx := context.Background()
	store := NewInMemoryStore()
	seedPosts(store)

	err := store.Upsert(ctx, "posts", []map[string]interface{}{
		{"id": 3, "status": "archived", "views": 200},
		{"id": 4, "status": "draft", "views": 0},
	})
	require.NoError(t, err)

	rows := store.Rows("posts")
	assert.Len(t, rows, 4)
	archived, err := store.Select(ctx, "posts", Where(Eq("id", 3)))
	require.NoError(t, err)
	assert.Equal(t, "archived", archived[0]["status"])
}

func TestInMemoryStoreDelete(t *testing.T) {
	ctx := context.Background()
	store := NewInMemoryStore()
	seedPosts(store)

	n, err := store.Delete(ctx, "posts", Where(Lt("views", 100)))
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Len(t, store.Rows("posts"), 1)
}

func TestInMemoryStoreUpdateByID(t *testing.T) {
	ctx := context.Background()
	store := NewInMemoryStore()
	seedPosts(store)

	err := store.UpdateByID(ctx, "posts", 2, map[string]interface{}{"views": 81})
	require.NoError(t, err)
	rows, err := store.Select(ctx, "posts", Where(Eq("id", 2)))
	require.NoError(t, err)
	assert.Equal(t, 81, rows[0]["views"])

	err = store.UpdateByID(ctx, "posts", 99, map[string]interface{}{"views": 0})
	assert.ErrorIs(t, err, core.ErrRecordNotFound)
}

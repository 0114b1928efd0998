package batch

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestConditionMatching(t *testing.T) {
	row := map[string]interface{}{
		"id":     7,
		"status": "published",
		"views":  1250.0,
		"title":  "Grinding for Espresso",
	}

	tests := []struct {
		name string
		cond Condition
		want bool
	}{
		{"eq string", Eq("status", "published"), true},
		{"eq string miss", Eq("status", "draft"), false},
		{"eq numeric cross-type", Eq("id", 7.0), true},
		{"eq missing field", Eq("author", "anyone"), false},
		{"in hit", In("status", "draft", "published"), true},
		{"in miss", In("status", "draft", "archived"), false},
		{"gt", Gt("views", 1000), true},
		{"gt equal is false", Gt("views", 1250), false},
		{"gte equal", Gte("views", 1250), true},
		{"lt", Lt("views", 2000), true},
		{"lte miss", Lte("views", 100), false},
		{"like prefix", Like("title", "Grinding%"), true},
		{"like case sensitive", Like("title", "grinding%"), false},
		{"ilike case insensitive", ILike("title", "grinding%"), true},
		{"like single char wildcard", Like("title", "Grinding for Espress_"), true},
		{"like middle", Like("title", "%for%"), true},
		{"like non-string field", Like("views", "%12%"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.cond.matches(row))
		})
	}
}

func TestFilterOrBranches(t *testing.T) {
	f := Where(Eq("status", "draft")).
		Or(Where(Eq("status", "published"), Gt("views", 100)))

	assert.True(t, f.Matches(map[string]interface{}{"status": "draft", "views": 0}))
	assert.True(t, f.Matches(map[string]interface{}{"status": "published", "views": 500}))
	assert.False(t, f.Matches(map[string]interface{}{"status": "published", "views": 5}))
	assert.False(t, f.Matches(map[string]interface{}{"status": "archived", "views": 500}))
}

func TestFilterApplyOrderAndWindow(t *testing.T) {
	rows := []map[string]interface{}{
		{"id": 1, "views": 30},
		{"id": 2, "views": 10},
		{"id": 3, "views": 50},
		{"id": 4, "views": 20},
		{"id": 5, "views": 40},
	}

	out := Where(Gt("views", 10)).OrderBy("views", true).Range(1, 2).Apply(rows)

	assert.Len(t, out, 2)
	assert.Equal(t, 5, out[0]["id"])
	assert.Equal(t, 1, out[1]["id"])
}

func TestFilterApplyOffsetPastEnd(t *testing.T) {
	rows := []map[string]interface{}{{"id": 1}, {"id": 2}}
	out := Where().Range(5, 10).Apply(rows)
	assert.Empty(t, out)
}

func TestNilFilterMatchesEverything(t *testing.T) {
	var f *Filter
	assert.True(t, f.Matches(map[string]interface{}{"anything": 1}))
	out := f.Apply([]map[string]interface{}{{"id": 1}, {"id": 2}})
	assert.Len(t, out, 2)
}

package queryparams

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChaining(t *testing.T) {
	q := New().Where("status", FilterEq, "open").OrderBy("createdAt", SortAsc).Paginate(10, 0)
	require.Len(t, q.Filters, 1)
	assert.Equal(t, "status", q.Filters[0].Field)
	require.Len(t, q.Sort, 1)
	assert.Equal(t, SortAsc, q.Sort[0].Direction)
	assert.Equal(t, 10, q.Limit)
}

func TestFilterByParent(t *testing.T) {
	q := FilterByParent("project_id", "p1")
	clause, args := q.ToSQL()
	assert.Equal(t, "WHERE project_id = ?", clause)
	assert.Equal(t, []any{"p1"}, args)
}

func TestToSQLMultipleFilters(t *testing.T) {
	q := New().Where("status", FilterEq, "open").Where("priority", FilterGte, 2)
	clause, args := q.ToSQL()
	assert.Equal(t, "WHERE status = ? AND priority >= ?", clause)
	assert.Equal(t, []any{"open", 2}, args)
}

func TestToSQLEmpty(t *testing.T) {
	q := New()
	clause, args := q.ToSQL()
	assert.Empty(t, clause)
	assert.Nil(t, args)
}

func TestToSQLInFilterExpandsPlaceholders(t *testing.T) {
	q := New().Where("status", FilterIn, []any{"open", "blocked", "closed"})
	clause, args := q.ToSQL()
	assert.Equal(t, "WHERE status IN (?, ?, ?)", clause)
	assert.Equal(t, []any{"open", "blocked", "closed"}, args)

	q = New().Where("priority", FilterIn, []int{1, 2})
	clause, args = q.ToSQL()
	assert.Equal(t, "WHERE priority IN (?, ?)", clause)
	assert.Equal(t, []any{1, 2}, args)

	// A scalar value degrades to a one-element IN.
	q = New().Where("status", FilterIn, "open")
	clause, args = q.ToSQL()
	assert.Equal(t, "WHERE status IN (?)", clause)
	assert.Equal(t, []any{"open"}, args)
}

func TestToSQLInFilterEmptySetMatchesNothing(t *testing.T) {
	q := New().Where("status", FilterIn, []any{})
	clause, args := q.ToSQL()
	assert.Equal(t, "WHERE 1 = 0", clause)
	assert.Nil(t, args)
}

func TestToSQLWithRendersFieldsThroughCallback(t *testing.T) {
	q := New().Where("name", FilterEq, "alice").Where("age", FilterGte, 30)
	clause, args := q.ToSQLWith(func(field string) string {
		return "json_extract(payload, '$." + field + "')"
	})
	assert.Equal(t, "WHERE json_extract(payload, '$.name') = ? AND json_extract(payload, '$.age') >= ?", clause)
	assert.Equal(t, []any{"alice", 30}, args)
}

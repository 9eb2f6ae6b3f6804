package depresolver

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func at(seconds int) time.Time {
	return time.Date(2026, 1, 1, 0, 0, seconds, 0, time.UTC)
}

func TestAssignLevelsOrdersParentBeforeChild(t *testing.T) {
	r := New()
	r.RegisterDependency("Comment", "Post")

	tasks := []Task{
		{ID: 1, ModelType: "Comment", ModelID: "c1", CreatedAt: at(1)},
		{ID: 2, ModelType: "Post", ModelID: "p1", CreatedAt: at(0)},
	}

	levels, err := r.AssignLevels(tasks)
	require.NoError(t, err)
	require.Equal(t, 0, levels[2])
	require.Equal(t, 1, levels[1])
}

func TestSortTasksByDependencyOrderChainsThreeLevels(t *testing.T) {
	r := New()
	r.RegisterDependency("Reply", "Comment")
	r.RegisterDependency("Comment", "Post")

	tasks := []Task{
		{ID: 1, ModelType: "Reply", ModelID: "r1", CreatedAt: at(2)},
		{ID: 2, ModelType: "Comment", ModelID: "c1", CreatedAt: at(1)},
		{ID: 3, ModelType: "Post", ModelID: "p1", CreatedAt: at(0)},
	}

	sorted, err := r.SortTasksByDependencyOrder(tasks)
	require.NoError(t, err)
	require.Equal(t, []int64{3, 2, 1}, []int64{sorted[0].ID, sorted[1].ID, sorted[2].ID})
}

func TestSortTasksByDependencyOrderTiebreaksByCreatedAt(t *testing.T) {
	r := New()
	tasks := []Task{
		{ID: 1, ModelType: "Task", ModelID: "t1", CreatedAt: at(5)},
		{ID: 2, ModelType: "Task", ModelID: "t2", CreatedAt: at(1)},
	}
	sorted, err := r.SortTasksByDependencyOrder(tasks)
	require.NoError(t, err)
	require.Equal(t, int64(2), sorted[0].ID)
	require.Equal(t, int64(1), sorted[1].ID)
}

func TestHasCircularDependenciesDetectsCycle(t *testing.T) {
	r := New()
	r.RegisterDependency("A", "B")
	r.RegisterDependency("B", "C")
	r.RegisterDependency("C", "A")

	hasCycle, cycle := r.HasCircularDependencies()
	require.True(t, hasCycle)
	require.NotEmpty(t, cycle)
}

func TestHasCircularDependenciesFalseForDAG(t *testing.T) {
	r := New()
	r.RegisterDependency("Comment", "Post")
	r.RegisterDependency("Reply", "Comment")

	hasCycle, cycle := r.HasCircularDependencies()
	require.False(t, hasCycle)
	require.Empty(t, cycle)
}

func TestAssignLevelsUnrelatedTasksStayAtZero(t *testing.T) {
	r := New()
	tasks := []Task{
		{ID: 1, ModelType: "Task", ModelID: "t1", CreatedAt: at(0)},
		{ID: 2, ModelType: "Widget", ModelID: "w1", CreatedAt: at(1)},
	}
	levels, err := r.AssignLevels(tasks)
	require.NoError(t, err)
	require.Equal(t, 0, levels[1])
	require.Equal(t, 0, levels[2])
}

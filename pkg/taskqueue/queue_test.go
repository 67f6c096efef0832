package taskqueue

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dotsetgreg/repobutler/pkg/storage"
)

func newTestQueue(t *testing.T) *Queue {
	t.Helper()
	dir, err := storage.New(t.TempDir())
	require.NoError(t, err)
	q := New(dir, nil)
	base := time.Date(2026, 9, 1, 12, 0, 0, 0, time.UTC)
	tick := 0
	q.now = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	}
	return q
}

func TestEnqueue_AssignsUniqueIDs(t *testing.T) {
	q := newTestQueue(t)

	seen := map[string]bool{}
	for i := 0; i < 20; i++ {
		task, err := q.Enqueue(Task{UserID: "1", Description: fmt.Sprintf("job %d", i)})
		require.NoError(t, err)
		assert.Equal(t, StatusPending, task.Status)
		assert.False(t, seen[task.ID], "duplicate id %s", task.ID)
		seen[task.ID] = true
	}
}

func TestNextPending_FIFOPeek(t *testing.T) {
	q := newTestQueue(t)

	first, err := q.Enqueue(Task{UserID: "1", Description: "first"})
	require.NoError(t, err)
	_, err = q.Enqueue(Task{UserID: "1", Description: "second"})
	require.NoError(t, err)

	got, ok, err := q.NextPending()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, first.ID, got.ID)

	// Peeking does not claim: a second peek sees the same task.
	again, ok, err := q.NextPending()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, first.ID, again.ID)
	assert.Equal(t, StatusPending, again.Status)
}

func TestNextPending_EmptyQueue(t *testing.T) {
	q := newTestQueue(t)

	_, ok, err := q.NextPending()
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestLifecycle_EndToEnd(t *testing.T) {
	q := newTestQueue(t)

	task, err := q.Enqueue(Task{UserID: "1", Description: "summarize repo"})
	require.NoError(t, err)

	next, ok, err := q.NextPending()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, task.ID, next.ID)

	claimed, err := q.MarkProcessing(next.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusProcessing, claimed.Status)
	require.NotNil(t, claimed.StartedAt)

	stuck, ok, err := q.Stuck()
	require.NoError(t, err)
	require.True(t, ok, "marker must reflect the in-flight task")
	assert.Equal(t, task.ID, stuck.ID)

	done, err := q.Complete(task.ID, map[string]any{"ok": true})
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, done.Status)
	require.NotNil(t, done.CompletedAt)

	results, err := q.Results("1", 1)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.True(t, results[0].Success)
	require.NotNil(t, results[0].DurationSeconds)
	assert.GreaterOrEqual(t, *results[0].DurationSeconds, 0.0)

	_, ok, err = q.Stuck()
	require.NoError(t, err)
	assert.False(t, ok, "marker must be cleared on completion")
}

func TestFail_RecordsError(t *testing.T) {
	q := newTestQueue(t)

	task, err := q.Enqueue(Task{UserID: "1", Description: "doomed"})
	require.NoError(t, err)
	_, err = q.MarkProcessing(task.ID)
	require.NoError(t, err)

	failed, err := q.Fail(task.ID, "upstream timed out")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, failed.Status)
	assert.Equal(t, "upstream timed out", failed.Error)
	require.NotNil(t, failed.FailedAt)

	results, err := q.Results("1", 1)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.False(t, results[0].Success)
	assert.Equal(t, "upstream timed out", results[0].Error)

	_, ok, err := q.Stuck()
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestTransitions_Monotonic(t *testing.T) {
	q := newTestQueue(t)

	task, err := q.Enqueue(Task{UserID: "1", Description: "x"})
	require.NoError(t, err)

	// Completing a task that was never claimed is rejected.
	_, err = q.Complete(task.ID, nil)
	assert.ErrorIs(t, err, ErrInvalidTransition)
	_, err = q.Fail(task.ID, "nope")
	assert.ErrorIs(t, err, ErrInvalidTransition)

	_, err = q.MarkProcessing(task.ID)
	require.NoError(t, err)
	_, err = q.Complete(task.ID, nil)
	require.NoError(t, err)

	// Terminal states accept no further transitions.
	_, err = q.Fail(task.ID, "too late")
	assert.ErrorIs(t, err, ErrInvalidTransition)
	_, err = q.MarkProcessing(task.ID)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	// The rejected transitions must not have corrupted state.
	got, ok, err := q.Get(task.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, StatusCompleted, got.Status)
}

func TestMarkProcessing_SingleInFlight(t *testing.T) {
	q := newTestQueue(t)

	a, err := q.Enqueue(Task{UserID: "1", Description: "a"})
	require.NoError(t, err)
	b, err := q.Enqueue(Task{UserID: "1", Description: "b"})
	require.NoError(t, err)

	_, err = q.MarkProcessing(a.ID)
	require.NoError(t, err)

	_, err = q.MarkProcessing(b.ID)
	assert.ErrorIs(t, err, ErrTaskInFlight)

	// Finishing the first frees the slot.
	_, err = q.Complete(a.ID, nil)
	require.NoError(t, err)
	_, err = q.MarkProcessing(b.ID)
	require.NoError(t, err)
}

func TestMarkProcessing_UnknownID(t *testing.T) {
	q := newTestQueue(t)

	_, err := q.MarkProcessing("task-0-deadbeef")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStuck_SurvivesRestart(t *testing.T) {
	dir, err := storage.New(t.TempDir())
	require.NoError(t, err)

	q := New(dir, nil)
	task, err := q.Enqueue(Task{UserID: "1", Description: "long running"})
	require.NoError(t, err)
	_, err = q.MarkProcessing(task.ID)
	require.NoError(t, err)

	// Simulate a crash by opening a fresh queue over the same directory.
	q2 := New(dir, nil)
	stuck, ok, err := q2.Stuck()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, task.ID, stuck.ID)

	other, err := q2.Enqueue(Task{UserID: "2", Description: "waiting"})
	require.NoError(t, err)
	_, err = q2.MarkProcessing(other.ID)
	assert.ErrorIs(t, err, ErrTaskInFlight)

	// Force-failing the stuck task is the documented remedy.
	_, err = q2.Fail(stuck.ID, "stuck after restart, forced by operator")
	require.NoError(t, err)
	_, ok, err = q2.Stuck()
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = q2.MarkProcessing(other.ID)
	require.NoError(t, err)
}

func TestUnstick_ForceFailsProcessingTask(t *testing.T) {
	q := newTestQueue(t)

	task, err := q.Enqueue(Task{UserID: "1", Description: "wedged"})
	require.NoError(t, err)
	_, err = q.MarkProcessing(task.ID)
	require.NoError(t, err)

	got, ok, err := q.Unstick("forced by operator")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, task.ID, got.ID)
	assert.Equal(t, StatusFailed, got.Status)
	assert.Equal(t, "forced by operator", got.Error)

	results, err := q.Results("1", 1)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.False(t, results[0].Success)

	_, ok, err = q.Stuck()
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestUnstick_ClearsMarkerLeftByCrashAfterTerminalWrite(t *testing.T) {
	q := newTestQueue(t)

	task, err := q.Enqueue(Task{UserID: "1", Description: "crashed mid-finish"})
	require.NoError(t, err)
	_, err = q.MarkProcessing(task.ID)
	require.NoError(t, err)

	// A crash between the terminal write and the marker removal leaves the
	// task completed while the marker still points at it.
	tasks, err := q.load()
	require.NoError(t, err)
	i := indexOf(tasks, task.ID)
	require.GreaterOrEqual(t, i, 0)
	now := q.now().UTC()
	tasks[i].Status = StatusCompleted
	tasks[i].CompletedAt = &now
	require.NoError(t, q.dir.WriteJSON(tasksFile, tasks))

	// Fail still refuses the transition; that is not the way out.
	_, err = q.Fail(task.ID, "nope")
	assert.ErrorIs(t, err, ErrInvalidTransition)

	got, ok, err := q.Unstick("operator")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, task.ID, got.ID)
	assert.Equal(t, StatusCompleted, got.Status, "a finished task is not re-failed")

	_, ok, err = q.Stuck()
	require.NoError(t, err)
	assert.False(t, ok)

	// The queue is usable again.
	fresh, err := q.Enqueue(Task{UserID: "1", Description: "next up"})
	require.NoError(t, err)
	_, err = q.MarkProcessing(fresh.ID)
	require.NoError(t, err)
}

func TestUnstick_NoMarker(t *testing.T) {
	q := newTestQueue(t)

	_, ok, err := q.Unstick("nothing to do")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCleanup_RetainsRecentTerminal(t *testing.T) {
	q := newTestQueue(t)

	// 80 terminal tasks, completed in order.
	var terminalIDs []string
	for i := 0; i < 80; i++ {
		task, err := q.Enqueue(Task{UserID: "1", Description: fmt.Sprintf("done %d", i)})
		require.NoError(t, err)
		_, err = q.MarkProcessing(task.ID)
		require.NoError(t, err)
		_, err = q.Complete(task.ID, nil)
		require.NoError(t, err)
		terminalIDs = append(terminalIDs, task.ID)
	}

	// 5 still active: 4 pending plus 1 processing.
	var activeIDs []string
	for i := 0; i < 5; i++ {
		task, err := q.Enqueue(Task{UserID: "1", Description: fmt.Sprintf("active %d", i)})
		require.NoError(t, err)
		activeIDs = append(activeIDs, task.ID)
	}
	_, err := q.MarkProcessing(activeIDs[0])
	require.NoError(t, err)

	evicted, err := q.Cleanup()
	require.NoError(t, err)
	assert.Equal(t, 30, evicted)

	stats, err := q.Stats()
	require.NoError(t, err)
	assert.Equal(t, 55, stats.Total)
	assert.Equal(t, 50, stats.Completed)
	assert.Equal(t, 4, stats.Pending)
	assert.Equal(t, 1, stats.Processing)

	// The oldest 30 terminal tasks are the ones evicted.
	for _, id := range terminalIDs[:30] {
		_, ok, err := q.Get(id)
		require.NoError(t, err)
		assert.False(t, ok, "expected %s to be evicted", id)
	}
	for _, id := range terminalIDs[30:] {
		_, ok, err := q.Get(id)
		require.NoError(t, err)
		assert.True(t, ok, "expected %s to survive", id)
	}
	for _, id := range activeIDs {
		_, ok, err := q.Get(id)
		require.NoError(t, err)
		assert.True(t, ok, "active tasks are never evicted")
	}
}

func TestCleanup_NoopUnderLimit(t *testing.T) {
	q := newTestQueue(t)

	task, err := q.Enqueue(Task{UserID: "1", Description: "only one"})
	require.NoError(t, err)
	_, err = q.MarkProcessing(task.ID)
	require.NoError(t, err)
	_, err = q.Complete(task.ID, nil)
	require.NoError(t, err)

	evicted, err := q.Cleanup()
	require.NoError(t, err)
	assert.Zero(t, evicted)
}

func TestResults_CapAndOrder(t *testing.T) {
	q := newTestQueue(t)
	q.resultCap = 5

	for i := 0; i < 8; i++ {
		task, err := q.Enqueue(Task{UserID: "1", Description: fmt.Sprintf("r %d", i)})
		require.NoError(t, err)
		_, err = q.MarkProcessing(task.ID)
		require.NoError(t, err)
		_, err = q.Complete(task.ID, nil)
		require.NoError(t, err)
	}

	results, err := q.Results("", 0)
	require.NoError(t, err)
	require.Len(t, results, 5, "oldest entries trimmed on append")
	assert.Equal(t, "r 7", results[0].Description, "most recent first")
	assert.Equal(t, "r 3", results[4].Description)
}

func TestResults_FilterByUser(t *testing.T) {
	q := newTestQueue(t)

	for i, user := range []string{"1", "2", "1"} {
		task, err := q.Enqueue(Task{UserID: user, Description: fmt.Sprintf("t %d", i)})
		require.NoError(t, err)
		_, err = q.MarkProcessing(task.ID)
		require.NoError(t, err)
		_, err = q.Complete(task.ID, nil)
		require.NoError(t, err)
	}

	results, err := q.Results("1", 0)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "t 2", results[0].Description)
	assert.Equal(t, "t 0", results[1].Description)

	one, err := q.Results("1", 1)
	require.NoError(t, err)
	require.Len(t, one, 1)
	assert.Equal(t, "t 2", one[0].Description)
}

func TestListByUser_StatusFilter(t *testing.T) {
	q := newTestQueue(t)

	a, err := q.Enqueue(Task{UserID: "1", Description: "a"})
	require.NoError(t, err)
	_, err = q.Enqueue(Task{UserID: "1", Description: "b"})
	require.NoError(t, err)
	_, err = q.Enqueue(Task{UserID: "2", Description: "c"})
	require.NoError(t, err)

	_, err = q.MarkProcessing(a.ID)
	require.NoError(t, err)
	_, err = q.Fail(a.ID, "boom")
	require.NoError(t, err)

	all, err := q.ListByUser("1", "")
	require.NoError(t, err)
	assert.Len(t, all, 2)

	failed, err := q.ListByUser("1", StatusFailed)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, a.ID, failed[0].ID)

	pending, err := q.ListByUser("2", StatusPending)
	require.NoError(t, err)
	assert.Len(t, pending, 1)
}

func TestGet_MissingIsNotAnError(t *testing.T) {
	q := newTestQueue(t)

	_, ok, err := q.Get("task-0-missing")
	require.NoError(t, err)
	assert.False(t, ok)
}

package taskqueue

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dotsetgreg/repobutler/pkg/logger"
	"github.com/dotsetgreg/repobutler/pkg/storage"
)

const (
	// KeepTerminal is how many terminal tasks Cleanup retains.
	KeepTerminal = 50

	// ResultLogCap bounds the result log; oldest entries trimmed on append.
	ResultLogCap = 100

	tasksFile   = "tasks/tasks.json"
	resultsFile = "tasks/results.json"
	markerFile  = "tasks/current.json"
)

// Queue manages asynchronous tasks through a four-state lifecycle with a
// durable result log and a single-slot in-flight marker. At most one task
// holds StatusProcessing at any time; the marker file mirrors that task so
// a crashed run can be detected on the next start.
type Queue struct {
	dir *storage.Dir
	log *slog.Logger

	mu           sync.Mutex
	keepTerminal int
	resultCap    int
	now          func() time.Time
}

// New opens a queue rooted at dir. A nil logger discards output.
func New(dir *storage.Dir, log *slog.Logger) *Queue {
	if log == nil {
		log = logger.Nop()
	}
	return &Queue{
		dir:          dir,
		log:          log,
		keepTerminal: KeepTerminal,
		resultCap:    ResultLogCap,
		now:          time.Now,
	}
}

func (q *Queue) load() ([]Task, error) {
	var tasks []Task
	if _, err := q.dir.ReadJSON(tasksFile, &tasks); err != nil {
		return nil, err
	}
	return tasks, nil
}

func (q *Queue) loadResults() ([]TaskResult, error) {
	var results []TaskResult
	if _, err := q.dir.ReadJSON(resultsFile, &results); err != nil {
		return nil, err
	}
	return results, nil
}

// newTaskID builds a time-prefixed id; the random suffix keeps ids unique
// under rapid successive enqueues within the same millisecond.
func (q *Queue) newTaskID() string {
	return fmt.Sprintf("task-%d-%s", q.now().UnixMilli(), uuid.NewString()[:8])
}

// Enqueue assigns an id, stamps timestamps, sets the task pending and
// appends it to the durable list. Caller fills UserID, Description, Type
// and Params; everything else is overwritten.
func (q *Queue) Enqueue(t Task) (Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	tasks, err := q.load()
	if err != nil {
		return Task{}, err
	}

	now := q.now().UTC()
	t.ID = q.newTaskID()
	t.Status = StatusPending
	t.CreatedAt = now
	t.UpdatedAt = now
	t.StartedAt = nil
	t.CompletedAt = nil
	t.FailedAt = nil
	t.Error = ""

	tasks = append(tasks, t)
	if err := q.dir.WriteJSON(tasksFile, tasks); err != nil {
		return Task{}, err
	}
	q.log.Debug("task enqueued", "id", t.ID, "user", t.UserID, "type", t.Type)
	return t, nil
}

// NextPending returns the oldest pending task by creation order, or false
// when none exists. It is a read-only peek; claiming is MarkProcessing.
func (q *Queue) NextPending() (Task, bool, error) {
	tasks, err := q.load()
	if err != nil {
		return Task{}, false, err
	}
	for _, t := range tasks {
		if t.Status == StatusPending {
			return t, true, nil
		}
	}
	return Task{}, false, nil
}

// MarkProcessing claims a pending task: transitions it to processing,
// stamps StartedAt and writes the in-flight marker. Returns ErrTaskInFlight
// while another task holds the slot, including a slot left over from a
// crashed run.
func (q *Queue) MarkProcessing(id string) (Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.dir.Exists(markerFile) {
		return Task{}, ErrTaskInFlight
	}

	tasks, err := q.load()
	if err != nil {
		return Task{}, err
	}

	i := indexOf(tasks, id)
	if i < 0 {
		return Task{}, ErrNotFound
	}
	if tasks[i].Status != StatusPending {
		return Task{}, fmt.Errorf("%w: %s is %s, want pending", ErrInvalidTransition, id, tasks[i].Status)
	}

	now := q.now().UTC()
	tasks[i].Status = StatusProcessing
	tasks[i].StartedAt = &now
	tasks[i].UpdatedAt = now

	if err := q.dir.WriteJSON(tasksFile, tasks); err != nil {
		return Task{}, err
	}
	if err := q.dir.WriteJSON(markerFile, tasks[i]); err != nil {
		return Task{}, err
	}
	q.log.Info("task processing", "id", id, "user", tasks[i].UserID)
	return tasks[i], nil
}

// Complete transitions a processing task to completed, records the result
// in the result log and clears the in-flight marker.
func (q *Queue) Complete(id string, result any) (Task, error) {
	return q.finish(id, result, true, "")
}

// Fail transitions a processing task to failed with a human-readable error
// message, records the outcome and clears the marker. Failed tasks stay
// failed; there is no requeue path.
func (q *Queue) Fail(id, errorMessage string) (Task, error) {
	return q.finish(id, nil, false, errorMessage)
}

func (q *Queue) finish(id string, result any, success bool, errorMessage string) (Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	tasks, err := q.load()
	if err != nil {
		return Task{}, err
	}

	i := indexOf(tasks, id)
	if i < 0 {
		return Task{}, ErrNotFound
	}
	if tasks[i].Status != StatusProcessing {
		return Task{}, fmt.Errorf("%w: %s is %s, want processing", ErrInvalidTransition, id, tasks[i].Status)
	}

	return q.finishLocked(tasks, i, result, success, errorMessage)
}

// finishLocked applies the terminal transition at index i. Caller holds
// q.mu and has verified the task is processing.
func (q *Queue) finishLocked(tasks []Task, i int, result any, success bool, errorMessage string) (Task, error) {
	now := q.now().UTC()
	tasks[i].UpdatedAt = now
	if success {
		tasks[i].Status = StatusCompleted
		tasks[i].CompletedAt = &now
	} else {
		tasks[i].Status = StatusFailed
		tasks[i].FailedAt = &now
		tasks[i].Error = errorMessage
	}

	res := TaskResult{
		TaskID:      tasks[i].ID,
		UserID:      tasks[i].UserID,
		Username:    tasks[i].Username,
		ChatID:      tasks[i].ChatID,
		Description: tasks[i].Description,
		Result:      result,
		Success:     success,
		Error:       errorMessage,
		CompletedAt: now,
	}
	if tasks[i].StartedAt != nil {
		d := now.Sub(*tasks[i].StartedAt).Seconds()
		if d < 0 {
			d = 0
		}
		res.DurationSeconds = &d
	}

	if err := q.dir.WriteJSON(tasksFile, tasks); err != nil {
		return Task{}, err
	}
	if err := q.appendResult(res); err != nil {
		return Task{}, err
	}
	if _, err := q.dir.Remove(markerFile); err != nil {
		return Task{}, err
	}

	q.log.Info("task finished", "id", tasks[i].ID, "status", tasks[i].Status)
	return tasks[i], nil
}

// Unstick resolves a lingering in-flight marker. A marker whose task is
// still processing is force-failed with reason. A crash between the
// terminal write and the marker removal can leave the marker pointing at a
// task that is already terminal (or since evicted); that marker is simply
// cleared. Returns the marked task and whether a marker existed.
func (q *Queue) Unstick(reason string) (Task, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var marked Task
	ok, err := q.dir.ReadJSON(markerFile, &marked)
	if err != nil {
		return Task{}, false, err
	}
	if !ok {
		return Task{}, false, nil
	}

	tasks, err := q.load()
	if err != nil {
		return Task{}, false, err
	}
	i := indexOf(tasks, marked.ID)
	if i < 0 || tasks[i].Status != StatusProcessing {
		if _, err := q.dir.Remove(markerFile); err != nil {
			return Task{}, false, err
		}
		if i >= 0 {
			marked = tasks[i]
		}
		q.log.Info("cleared stale in-flight marker", "id", marked.ID, "status", marked.Status)
		return marked, true, nil
	}

	task, err := q.finishLocked(tasks, i, nil, false, reason)
	if err != nil {
		return Task{}, false, err
	}
	return task, true, nil
}

func (q *Queue) appendResult(res TaskResult) error {
	results, err := q.loadResults()
	if err != nil {
		return err
	}
	results = append(results, res)
	if len(results) > q.resultCap {
		results = results[len(results)-q.resultCap:]
	}
	return q.dir.WriteJSON(resultsFile, results)
}

// Cleanup evicts old terminal tasks, keeping the most recently finished
// KeepTerminal of them. Pending and processing tasks are never evicted.
// Returns the number of tasks removed.
func (q *Queue) Cleanup() (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	tasks, err := q.load()
	if err != nil {
		return 0, err
	}

	var active, terminal []Task
	for _, t := range tasks {
		if t.Status.Terminal() {
			terminal = append(terminal, t)
		} else {
			active = append(active, t)
		}
	}
	if len(terminal) <= q.keepTerminal {
		return 0, nil
	}

	sort.Slice(terminal, func(i, j int) bool {
		return terminal[i].terminalAt().After(terminal[j].terminalAt())
	})
	evicted := len(terminal) - q.keepTerminal
	terminal = terminal[:q.keepTerminal]

	kept := append(active, terminal...)
	sort.Slice(kept, func(i, j int) bool {
		return kept[i].CreatedAt.Before(kept[j].CreatedAt)
	})
	if err := q.dir.WriteJSON(tasksFile, kept); err != nil {
		return 0, err
	}
	q.log.Info("task cleanup", "evicted", evicted, "kept", len(kept))
	return evicted, nil
}

// Get looks up a task by id. A missing task is a normal state, not an error.
func (q *Queue) Get(id string) (Task, bool, error) {
	tasks, err := q.load()
	if err != nil {
		return Task{}, false, err
	}
	if i := indexOf(tasks, id); i >= 0 {
		return tasks[i], true, nil
	}
	return Task{}, false, nil
}

// ListByUser returns a user's tasks in creation order, optionally filtered
// by status. An empty status matches all states.
func (q *Queue) ListByUser(userID string, status Status) ([]Task, error) {
	tasks, err := q.load()
	if err != nil {
		return nil, err
	}
	var out []Task
	for _, t := range tasks {
		if t.UserID != userID {
			continue
		}
		if status != "" && t.Status != status {
			continue
		}
		out = append(out, t)
	}
	return out, nil
}

// Results returns terminal outcomes most recent first, optionally filtered
// by user. limit <= 0 means no limit.
func (q *Queue) Results(userID string, limit int) ([]TaskResult, error) {
	results, err := q.loadResults()
	if err != nil {
		return nil, err
	}
	var out []TaskResult
	for i := len(results) - 1; i >= 0; i-- {
		if userID != "" && results[i].UserID != userID {
			continue
		}
		out = append(out, results[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// Stats counts tasks per lifecycle state.
func (q *Queue) Stats() (Stats, error) {
	tasks, err := q.load()
	if err != nil {
		return Stats{}, err
	}
	var s Stats
	for _, t := range tasks {
		switch t.Status {
		case StatusPending:
			s.Pending++
		case StatusProcessing:
			s.Processing++
		case StatusCompleted:
			s.Completed++
		case StatusFailed:
			s.Failed++
		}
	}
	s.Total = len(tasks)
	return s, nil
}

// Stuck returns the in-flight marker's task snapshot, if one exists. A
// lingering marker on startup means a previous run died mid-task; the
// documented remedy is for an operator to force-fail it via Fail.
func (q *Queue) Stuck() (Task, bool, error) {
	var t Task
	ok, err := q.dir.ReadJSON(markerFile, &t)
	if err != nil {
		return Task{}, false, err
	}
	return t, ok, nil
}

func indexOf(tasks []Task, id string) int {
	for i, t := range tasks {
		if t.ID == id {
			return i
		}
	}
	return -1
}

package taskqueue

import "time"

// Status values for a task's lifecycle. Transitions move forward only:
// pending -> processing -> completed | failed.
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

// Task is a durable unit of background work.
type Task struct {
	ID          string            `json:"id"`
	UserID      string            `json:"userId"`
	Username    string            `json:"username,omitempty"`
	ChatID      string            `json:"chatId,omitempty"`
	Description string            `json:"description"`
	Type        string            `json:"type,omitempty"`
	Params      map[string]string `json:"params,omitempty"`
	Status      Status            `json:"status"`
	CreatedAt   time.Time         `json:"createdAt"`
	UpdatedAt   time.Time         `json:"updatedAt"`
	StartedAt   *time.Time        `json:"startedAt,omitempty"`
	CompletedAt *time.Time        `json:"completedAt,omitempty"`
	FailedAt    *time.Time        `json:"failedAt,omitempty"`
	Error       string            `json:"error,omitempty"`
}

// terminalAt is the timestamp cleanup orders terminal tasks by.
func (t Task) terminalAt() time.Time {
	switch {
	case t.CompletedAt != nil:
		return *t.CompletedAt
	case t.FailedAt != nil:
		return *t.FailedAt
	default:
		return t.UpdatedAt
	}
}

// TaskResult is the append-only record of a task's terminal outcome.
type TaskResult struct {
	TaskID          string    `json:"taskId"`
	UserID          string    `json:"userId"`
	Username        string    `json:"username,omitempty"`
	ChatID          string    `json:"chatId,omitempty"`
	Description     string    `json:"description"`
	Result          any       `json:"result"`
	Success         bool      `json:"success"`
	Error           string    `json:"error,omitempty"`
	CompletedAt     time.Time `json:"completedAt"`
	DurationSeconds *float64  `json:"durationSeconds,omitempty"`
}

// Stats counts tasks per lifecycle state.
type Stats struct {
	Pending    int `json:"pending"`
	Processing int `json:"processing"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
	Total      int `json:"total"`
}

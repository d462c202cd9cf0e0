package task

import (
	"errors"
	"time"
)

var (
	ErrNotFound     = errors.New("task not found")
	ErrInvalidState = errors.New("invalid task state")
	ErrInvalidInput = errors.New("invalid task input")
)

type State string

const (
	StatePending   State = "pending"
	StateRunning   State = "running"
	StatePaused    State = "paused"
	StateCanceled  State = "canceled"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

// Terminal states are never left; only cancel removes such a task.
func (s State) Terminal() bool {
	switch s {
	case StateCanceled, StateCompleted, StateFailed:
		return true
	}
	return false
}

// Process is a running fetch process owned by a task.
type Process interface {
	PID() int32
	// Done is closed once the process has exited and been reaped.
	Done() <-chan struct{}
	// Err is the exit error; only meaningful after Done is closed.
	Err() error
}

type Task struct {
	ID                 string    `json:"id"`
	Resource           string    `json:"resource"`
	RenditionID        string    `json:"renditionId"`
	Title              string    `json:"title,omitempty"`
	State              State     `json:"state"`
	OutputTemplate     string    `json:"-"`
	ExpectedTotalBytes int64     `json:"expectedTotalBytes"`
	BytesPerSecond     int64     `json:"bytesPerSecond"`
	Attempts           int       `json:"attempts"`
	PID                int32     `json:"pid,omitempty"`
	Error              string    `json:"error,omitempty"`
	CreatedAt          time.Time `json:"createdAt"`
	UpdatedAt          time.Time `json:"updatedAt"`
	StartedAt          time.Time `json:"startedAt,omitempty"`
	FinishedAt         time.Time `json:"finishedAt,omitempty"`

	process Process
}

// fail moves the task to StateFailed and drops any process reference.
func (t *Task) fail(msg string) {
	t.State = StateFailed
	t.Error = msg
	t.process = nil
	t.PID = 0
	t.BytesPerSecond = 0
	t.FinishedAt = time.Now()
}

// detach hands the process over to the caller, who is about to stop it.
// After detach the process exit no longer affects the task state.
func (t *Task) detach() Process {
	p := t.process
	t.process = nil
	t.PID = 0
	t.BytesPerSecond = 0
	return p
}

package queue

import (
	"context"
	"sync"
	"time"
)

type Priority int

const (
	PriorityCritical Priority = 0
	PriorityHigh     Priority = 1
	PriorityNormal   Priority = 2
	PriorityLow      Priority = 3
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Fn is the unit of work executed by a queue worker.
type Fn func(ctx context.Context) (any, error)

// Callback runs after an item reaches a terminal state.
type Callback func(item *Item)

// Item is the handle returned by Submit. Callers poll Status/Result on it;
// mutation happens only inside the owning queue.
type Item struct {
	ID         string            `json:"id"`
	Priority   Priority          `json:"priority"`
	MaxRetries int               `json:"maxRetries"`
	Metadata   map[string]string `json:"metadata,omitempty"`

	fn       Fn
	callback Callback

	mu          sync.Mutex
	status      Status
	attempts    int
	result      any
	errMsg      string
	createdAt   time.Time
	startedAt   time.Time
	completedAt time.Time
}

func (it *Item) Status() Status {
	it.mu.Lock()
	defer it.mu.Unlock()
	return it.status
}

// Done reports whether the item reached a terminal state.
func (it *Item) Done() bool {
	switch it.Status() {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

func (it *Item) Result() any {
	it.mu.Lock()
	defer it.mu.Unlock()
	return it.result
}

func (it *Item) Err() string {
	it.mu.Lock()
	defer it.mu.Unlock()
	return it.errMsg
}

func (it *Item) Attempts() int {
	it.mu.Lock()
	defer it.mu.Unlock()
	return it.attempts
}

func (it *Item) CreatedAt() time.Time {
	it.mu.Lock()
	defer it.mu.Unlock()
	return it.createdAt
}

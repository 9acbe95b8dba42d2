package pipeline

import (
	"sync"
	"time"
)

// TaskStatus is one shot's position in the two-phase pipeline.
// ready_for_video and video_pending_remote are distinct states: the first
// means the keyframe exists but nothing was submitted, the second means a
// remote video task exists and the poller owns the task. Recovery never has
// to guess which side of the submission a task was on.
type TaskStatus string

const (
	TaskPending            TaskStatus = "pending"
	TaskKeyframeGenerating TaskStatus = "keyframe_generating"
	TaskKeyframeFailed     TaskStatus = "keyframe_failed"
	TaskReadyForVideo      TaskStatus = "ready_for_video"
	TaskVideoGenerating    TaskStatus = "video_generating"
	TaskVideoPendingRemote TaskStatus = "video_pending_remote"
	TaskVideoFailed        TaskStatus = "video_failed"
	TaskCompleted          TaskStatus = "completed"
	TaskCancelled          TaskStatus = "cancelled"
)

func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskKeyframeFailed, TaskVideoFailed, TaskCompleted, TaskCancelled:
		return true
	}
	return false
}

// Task tracks one shot through keyframe and video generation.
type Task struct {
	TaskID    string `json:"task_id"`
	ProjectID string `json:"project_id"`
	ShotID    string `json:"shot_id"`
	Sequence  int    `json:"sequence"`

	Status TaskStatus `json:"status"`

	KeyframeAttempts    int    `json:"keyframe_attempts"`
	MaxKeyframeAttempts int    `json:"max_keyframe_attempts"`
	KeyframeError       string `json:"keyframe_error,omitempty"`

	VideoAttempts    int    `json:"video_attempts"`
	MaxVideoAttempts int    `json:"max_video_attempts"`
	VideoError       string `json:"video_error,omitempty"`
	// VideoTaskID is the remote provider handle. Set iff the task has reached
	// video_pending_remote.
	VideoTaskID string `json:"video_task_id,omitempty"`

	Duration  string `json:"duration"`
	Size      string `json:"size"`
	Watermark bool   `json:"watermark"`
	Provider  string `json:"provider,omitempty"`

	CreatedAt           time.Time  `json:"created_at"`
	StartedAt           *time.Time `json:"started_at,omitempty"`
	KeyframeCompletedAt *time.Time `json:"keyframe_completed_at,omitempty"`
	VideoCompletedAt    *time.Time `json:"video_completed_at,omitempty"`
}

type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobPaused    JobStatus = "paused"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
	JobCancelled JobStatus = "cancelled"
)

// Job is a named batch of tasks created together and sharing execution
// policy. Jobs are always handled by pointer; mu guards the job and all of
// its tasks.
type Job struct {
	JobID     string  `json:"job_id"`
	Name      string  `json:"name"`
	ProjectID string  `json:"project_id"`
	Tasks     []*Task `json:"tasks"`

	Status JobStatus `json:"status"`

	// Counters move only on terminal task transitions, so
	// CompletedCount+FailedCount == len(Tasks) exactly when the job is done.
	CompletedCount int `json:"completed_count"`
	FailedCount    int `json:"failed_count"`

	AutoRetry   bool `json:"auto_retry"`
	Sequential  bool `json:"sequential"`
	MaxParallel int  `json:"max_parallel"`

	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	mu sync.Mutex
}

func (j *Job) TotalTasks() int { return len(j.Tasks) }

// Progress is the fraction of tasks that reached a terminal state, 0..100.
func (j *Job) Progress() float64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	if len(j.Tasks) == 0 {
		return 0
	}
	done := 0
	for _, t := range j.Tasks {
		if t.Status.Terminal() {
			done++
		}
	}
	return float64(done) / float64(len(j.Tasks)) * 100
}

// allTerminal reports whether every task is done. Caller holds j.mu.
func (j *Job) allTerminal() bool {
	for _, t := range j.Tasks {
		if !t.Status.Terminal() {
			return false
		}
	}
	return true
}

// CurrentStatus reads the job status under the lock.
func (j *Job) CurrentStatus() JobStatus {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.Status
}

// Snapshot returns a copy safe to read and serialize while processing
// continues on the original.
func (j *Job) Snapshot() *Job {
	j.mu.Lock()
	defer j.mu.Unlock()
	cp := &Job{
		JobID:          j.JobID,
		Name:           j.Name,
		ProjectID:      j.ProjectID,
		Status:         j.Status,
		CompletedCount: j.CompletedCount,
		FailedCount:    j.FailedCount,
		AutoRetry:      j.AutoRetry,
		Sequential:     j.Sequential,
		MaxParallel:    j.MaxParallel,
		CreatedAt:      j.CreatedAt,
		StartedAt:      j.StartedAt,
		CompletedAt:    j.CompletedAt,
	}
	cp.Tasks = make([]*Task, 0, len(j.Tasks))
	for _, t := range j.Tasks {
		tc := *t
		cp.Tasks = append(cp.Tasks, &tc)
	}
	return cp
}

// TaskByID returns the task with the given id, or nil.
func (j *Job) TaskByID(taskID string) *Task {
	j.mu.Lock()
	defer j.mu.Unlock()
	for _, t := range j.Tasks {
		if t.TaskID == taskID {
			return t
		}
	}
	return nil
}

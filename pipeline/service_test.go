package pipeline

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"animpipe/provider"
	"animpipe/queue"
	"animpipe/store"
)

// stubKeyframes writes a placeholder file unless failFor says the shot
// should error on this attempt.
type stubKeyframes struct {
	mu      sync.Mutex
	calls   map[string]int
	failFor func(shotID string, attempt int) error
	block   chan struct{} // when non-nil, Generate waits on it first
}

func (s *stubKeyframes) Generate(ctx context.Context, req provider.KeyframeRequest) (string, error) {
	if s.block != nil {
		select {
		case <-s.block:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	s.mu.Lock()
	if s.calls == nil {
		s.calls = make(map[string]int)
	}
	s.calls[req.ShotID]++
	attempt := s.calls[req.ShotID]
	s.mu.Unlock()

	if s.failFor != nil {
		if err := s.failFor(req.ShotID, attempt); err != nil {
			return "", err
		}
	}
	if err := store.WriteBytes(req.OutputPath, []byte("png")); err != nil {
		return "", err
	}
	return req.OutputPath, nil
}

func (s *stubKeyframes) callCount(shotID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[shotID]
}

// stubVideo hands out sequential remote ids; Poll reports completed unless
// the id is in failPolls, which fails it once.
type stubVideo struct {
	mu        sync.Mutex
	submits   int
	failPolls map[string]bool
	submitErr error
}

func (s *stubVideo) Submit(ctx context.Context, req provider.SubmitRequest) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.submitErr != nil {
		return "", s.submitErr
	}
	s.submits++
	return fmt.Sprintf("vid_%03d", s.submits), nil
}

func (s *stubVideo) Poll(ctx context.Context, remoteID string) (provider.PollResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failPolls[remoteID] {
		delete(s.failPolls, remoteID)
		return provider.PollResult{State: provider.StateFailed, Message: "remote exploded"}, nil
	}
	return provider.PollResult{
		State:    provider.StateCompleted,
		VideoURL: "stub://videos/" + remoteID + ".mp4",
		Progress: 100,
	}, nil
}

func (s *stubVideo) Download(ctx context.Context, url, dest string) error {
	return store.WriteBytes(dest, []byte("mp4"))
}

func (s *stubVideo) submitCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.submits
}

func fastOptions() Options {
	return Options{
		ImageWorkers:        2,
		VideoWorkers:        2,
		PollInterval:        20 * time.Millisecond,
		KeyframeTimeout:     5 * time.Second,
		VideoSubmitTimeout:  5 * time.Second,
		MaxKeyframeAttempts: 3,
		MaxVideoAttempts:    3,
		HandleTick:          5 * time.Millisecond,
		RetryDelay:          10 * time.Millisecond,
		BackoffBase:         time.Millisecond,
		BackoffMax:          10 * time.Millisecond,
	}
}

type testEnv struct {
	svc      *Service
	projects *store.ProjectStore
	jobs     *JobStore
	project  *store.Project
}

func newTestEnv(t *testing.T, kf provider.KeyframeGenerator, vg provider.VideoGenerator, opts Options, shotCount int) *testEnv {
	t.Helper()
	root := t.TempDir()

	projects, err := store.NewProjectStore(filepath.Join(root, "projects"))
	require.NoError(t, err)
	project, err := projects.CreateProject("demo")
	require.NoError(t, err)

	shots := make([]store.Shot, 0, shotCount)
	for i := 1; i <= shotCount; i++ {
		shots = append(shots, store.Shot{
			ShotID: fmt.Sprintf("shot_%03d", i),
			Prompt: fmt.Sprintf("shot %d prompt", i),
			Status: "frame_approved",
		})
	}
	require.NoError(t, projects.SaveShots(project, shots))

	jobs, err := NewJobStore(filepath.Join(root, "jobs"))
	require.NoError(t, err)

	reg := queue.NewRegistry(2)
	t.Cleanup(reg.Shutdown)

	svc := NewService(projects, jobs, reg, kf, vg, opts)
	require.NoError(t, svc.Start())
	t.Cleanup(svc.Stop)

	return &testEnv{svc: svc, projects: projects, jobs: jobs, project: project}
}

func shotIDs(n int) []string {
	ids := make([]string, 0, n)
	for i := 1; i <= n; i++ {
		ids = append(ids, fmt.Sprintf("shot_%03d", i))
	}
	return ids
}

func waitTerminal(t *testing.T, job *Job) {
	t.Helper()
	require.Eventually(t, func() bool {
		switch job.CurrentStatus() {
		case JobCompleted, JobFailed, JobCancelled:
			return true
		}
		return false
	}, 10*time.Second, 10*time.Millisecond, "job never reached a terminal status")
}

func TestHappyPathParallel(t *testing.T) {
	kf := &stubKeyframes{}
	vg := &stubVideo{}
	env := newTestEnv(t, kf, vg, fastOptions(), 3)

	job, err := env.svc.CreateJob(CreateJobRequest{
		ProjectID:   env.project.ProjectID,
		ShotIDs:     shotIDs(3),
		AutoRetry:   true,
		MaxParallel: 2,
	})
	require.NoError(t, err)
	assert.Len(t, job.Tasks, 3)
	assert.Equal(t, job.JobID+"_task_001", job.Tasks[0].TaskID)

	waitTerminal(t, job)

	job.mu.Lock()
	defer job.mu.Unlock()
	assert.Equal(t, JobCompleted, job.Status)
	assert.Equal(t, 3, job.CompletedCount)
	assert.Equal(t, 0, job.FailedCount)
	require.NotNil(t, job.CompletedAt)
	for _, task := range job.Tasks {
		assert.Equal(t, TaskCompleted, task.Status)
		assert.Equal(t, 1, task.KeyframeAttempts)
		assert.Equal(t, 1, task.VideoAttempts)
		assert.NotEmpty(t, task.VideoTaskID)
		assert.FileExists(t, filepath.Join(env.projects.VideoDir(env.project),
			fmt.Sprintf("%s_%s.mp4", task.ShotID, task.VideoTaskID)))
	}

	shot, err := env.projects.FindShot(env.project, "shot_002")
	require.NoError(t, err)
	require.NotNil(t, shot.CurrentBatch())
	require.NotNil(t, shot.CurrentBatch().Keyframe)
	assert.Equal(t, "completed", shot.CurrentBatch().Keyframe.Status)
	require.Len(t, shot.CurrentBatch().Videos, 1)
	assert.Equal(t, "completed", shot.CurrentBatch().Videos[0].Status)
	assert.Equal(t, "video_completed", shot.Status)
}

func TestKeyframeRetryExhaustion(t *testing.T) {
	kf := &stubKeyframes{
		failFor: func(shotID string, attempt int) error {
			if shotID == "shot_002" {
				return errors.New("model overloaded")
			}
			return nil
		},
	}
	vg := &stubVideo{}
	opts := fastOptions()
	opts.MaxKeyframeAttempts = 2
	env := newTestEnv(t, kf, vg, opts, 3)

	job, err := env.svc.CreateJob(CreateJobRequest{
		ProjectID: env.project.ProjectID,
		ShotIDs:   shotIDs(3),
		AutoRetry: true,
	})
	require.NoError(t, err)

	waitTerminal(t, job)

	job.mu.Lock()
	defer job.mu.Unlock()
	assert.Equal(t, JobFailed, job.Status)
	assert.Equal(t, 2, job.CompletedCount)
	assert.Equal(t, 1, job.FailedCount)

	failed := job.Tasks[1]
	assert.Equal(t, TaskKeyframeFailed, failed.Status)
	assert.Equal(t, 2, failed.KeyframeAttempts)
	assert.Contains(t, failed.KeyframeError, "model overloaded")
	assert.Equal(t, 2, kf.callCount("shot_002"))

	assert.Equal(t, TaskCompleted, job.Tasks[0].Status)
	assert.Equal(t, TaskCompleted, job.Tasks[2].Status)
}

func TestNoAutoRetryFailsOnFirstError(t *testing.T) {
	attempts := 0
	kf := &stubKeyframes{
		failFor: func(shotID string, attempt int) error {
			attempts = attempt
			return errors.New("transient glitch")
		},
	}
	env := newTestEnv(t, kf, &stubVideo{}, fastOptions(), 1)

	job, err := env.svc.CreateJob(CreateJobRequest{
		ProjectID: env.project.ProjectID,
		ShotIDs:   shotIDs(1),
		AutoRetry: false,
	})
	require.NoError(t, err)

	waitTerminal(t, job)
	assert.Equal(t, JobFailed, job.CurrentStatus())
	assert.Equal(t, 1, attempts)
	assert.Equal(t, TaskKeyframeFailed, job.Tasks[0].Status)
}

func TestRemoteFailureTriggersResubmission(t *testing.T) {
	kf := &stubKeyframes{}
	vg := &stubVideo{failPolls: map[string]bool{"vid_001": true}}
	env := newTestEnv(t, kf, vg, fastOptions(), 1)

	job, err := env.svc.CreateJob(CreateJobRequest{
		ProjectID: env.project.ProjectID,
		ShotIDs:   shotIDs(1),
		AutoRetry: true,
	})
	require.NoError(t, err)

	waitTerminal(t, job)

	job.mu.Lock()
	defer job.mu.Unlock()
	assert.Equal(t, JobCompleted, job.Status)
	task := job.Tasks[0]
	assert.Equal(t, TaskCompleted, task.Status)
	assert.Equal(t, 2, task.VideoAttempts)
	assert.Equal(t, "vid_002", task.VideoTaskID)
	assert.Equal(t, 2, vg.submitCount())
}

func TestRemoteFailureWithoutBudgetIsTerminal(t *testing.T) {
	kf := &stubKeyframes{}
	vg := &stubVideo{failPolls: map[string]bool{"vid_001": true}}
	opts := fastOptions()
	opts.MaxVideoAttempts = 1
	env := newTestEnv(t, kf, vg, opts, 1)

	job, err := env.svc.CreateJob(CreateJobRequest{
		ProjectID: env.project.ProjectID,
		ShotIDs:   shotIDs(1),
		AutoRetry: true,
	})
	require.NoError(t, err)

	waitTerminal(t, job)

	job.mu.Lock()
	defer job.mu.Unlock()
	assert.Equal(t, JobFailed, job.Status)
	assert.Equal(t, TaskVideoFailed, job.Tasks[0].Status)
	assert.Contains(t, job.Tasks[0].VideoError, "remote exploded")
	assert.Equal(t, 1, job.FailedCount)
}

func TestCancelMidRun(t *testing.T) {
	kf := &stubKeyframes{block: make(chan struct{})}
	env := newTestEnv(t, kf, &stubVideo{}, fastOptions(), 3)

	job, err := env.svc.CreateJob(CreateJobRequest{
		ProjectID:  env.project.ProjectID,
		ShotIDs:    shotIDs(3),
		Sequential: true,
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return job.CurrentStatus() == JobRunning
	}, 5*time.Second, 5*time.Millisecond)

	require.NoError(t, env.svc.Cancel(job.JobID))
	close(kf.block)

	require.Eventually(t, func() bool {
		job.mu.Lock()
		defer job.mu.Unlock()
		return job.allTerminal()
	}, 5*time.Second, 10*time.Millisecond)

	job.mu.Lock()
	assert.Equal(t, JobCancelled, job.Status)
	for _, task := range job.Tasks {
		assert.Equal(t, TaskCancelled, task.Status)
	}
	assert.Zero(t, job.CompletedCount)
	assert.Zero(t, job.FailedCount)
	job.mu.Unlock()

	// A second cancel on an already-cancelled job is rejected.
	err = env.svc.Cancel(job.JobID)
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestPauseAndResume(t *testing.T) {
	kf := &stubKeyframes{block: make(chan struct{})}
	env := newTestEnv(t, kf, &stubVideo{}, fastOptions(), 2)

	job, err := env.svc.CreateJob(CreateJobRequest{
		ProjectID:  env.project.ProjectID,
		ShotIDs:    shotIDs(2),
		AutoRetry:  true,
		Sequential: true,
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return job.CurrentStatus() == JobRunning
	}, 5*time.Second, 5*time.Millisecond)

	require.NoError(t, env.svc.Pause(job.JobID))
	assert.Equal(t, JobPaused, job.CurrentStatus())
	assert.ErrorIs(t, env.svc.Pause(job.JobID), ErrInvalidState)
	assert.ErrorIs(t, env.svc.Resume("no_such_job"), store.ErrNotFound)

	close(kf.block)
	require.NoError(t, env.svc.Resume(job.JobID))

	waitTerminal(t, job)
	assert.Equal(t, JobCompleted, job.CurrentStatus())

	job.mu.Lock()
	defer job.mu.Unlock()
	assert.Equal(t, 2, job.CompletedCount)
}

func TestRecoveryResumesOnlyUnfinishedTasks(t *testing.T) {
	root := t.TempDir()
	projects, err := store.NewProjectStore(filepath.Join(root, "projects"))
	require.NoError(t, err)
	project, err := projects.CreateProject("demo")
	require.NoError(t, err)

	// shot_001 already finished, shot_002 has an approved keyframe on disk
	// and awaits video submission, shot_003 never started.
	kfPath := projects.KeyframePath(project, "shot_002", "batch1")
	require.NoError(t, store.WriteBytes(kfPath, []byte("png")))
	shots := []store.Shot{
		{ShotID: "shot_001", Prompt: "p1", Status: "video_completed"},
		{ShotID: "shot_002", Prompt: "p2", Batches: []store.Batch{{
			BatchID:  "batch1",
			Keyframe: &store.KeyframeInfo{Status: "completed", Path: kfPath},
		}}},
		{ShotID: "shot_003", Prompt: "p3"},
	}
	require.NoError(t, projects.SaveShots(project, shots))

	jobs, err := NewJobStore(filepath.Join(root, "jobs"))
	require.NoError(t, err)

	now := time.Now()
	job := &Job{
		JobID:          "batch_recover01",
		Name:           "interrupted",
		ProjectID:      project.ProjectID,
		Status:         JobRunning,
		CompletedCount: 1,
		AutoRetry:      true,
		MaxParallel:    2,
		CreatedAt:      now,
		StartedAt:      &now,
	}
	mk := func(n int, shotID string, status TaskStatus) *Task {
		return &Task{
			TaskID:              fmt.Sprintf("batch_recover01_task_%03d", n),
			ProjectID:           project.ProjectID,
			ShotID:              shotID,
			Sequence:            n - 1,
			Status:              status,
			MaxKeyframeAttempts: 3,
			MaxVideoAttempts:    3,
			Duration:            "4s",
			Size:                "720p",
			CreatedAt:           now,
		}
	}
	job.Tasks = []*Task{
		mk(1, "shot_001", TaskCompleted),
		mk(2, "shot_002", TaskReadyForVideo),
		mk(3, "shot_003", TaskPending),
	}
	require.NoError(t, jobs.Save(job))

	kf := &stubKeyframes{}
	vg := &stubVideo{}
	reg := queue.NewRegistry(2)
	t.Cleanup(reg.Shutdown)
	svc := NewService(projects, jobs, reg, kf, vg, fastOptions())
	require.NoError(t, svc.Start())
	t.Cleanup(svc.Stop)

	recovered, err := svc.GetJob("batch_recover01")
	require.NoError(t, err)
	waitTerminal(t, recovered)

	recovered.mu.Lock()
	defer recovered.mu.Unlock()
	assert.Equal(t, JobCompleted, recovered.Status)
	assert.Equal(t, 3, recovered.CompletedCount)

	// The finished task was not re-run and shot_002's keyframe was reused.
	assert.Equal(t, 0, kf.callCount("shot_001"))
	assert.Equal(t, 0, kf.callCount("shot_002"))
	assert.Equal(t, 1, kf.callCount("shot_003"))
	assert.Equal(t, 0, recovered.Tasks[1].KeyframeAttempts)
}

func TestMissingShotFailsWithoutRetries(t *testing.T) {
	kf := &stubKeyframes{}
	env := newTestEnv(t, kf, &stubVideo{}, fastOptions(), 1)

	job, err := env.svc.CreateJob(CreateJobRequest{
		ProjectID: env.project.ProjectID,
		ShotIDs:   []string{"shot_999"},
		AutoRetry: true,
	})
	require.NoError(t, err)

	waitTerminal(t, job)

	job.mu.Lock()
	defer job.mu.Unlock()
	assert.Equal(t, JobFailed, job.Status)
	task := job.Tasks[0]
	assert.Equal(t, TaskKeyframeFailed, task.Status)
	// A missing shot is not retryable: exactly one attempt was consumed.
	assert.Equal(t, 1, task.KeyframeAttempts)
	assert.Contains(t, task.KeyframeError, "load shot")
}

func TestCreateJobValidation(t *testing.T) {
	env := newTestEnv(t, &stubKeyframes{}, &stubVideo{}, fastOptions(), 1)

	_, err := env.svc.CreateJob(CreateJobRequest{ProjectID: env.project.ProjectID})
	assert.ErrorContains(t, err, "empty")

	_, err = env.svc.CreateJob(CreateJobRequest{ProjectID: "proj_missing", ShotIDs: shotIDs(1)})
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestControlOnUnknownJob(t *testing.T) {
	env := newTestEnv(t, &stubKeyframes{}, &stubVideo{}, fastOptions(), 1)

	assert.ErrorIs(t, env.svc.Pause("nope"), store.ErrNotFound)
	assert.ErrorIs(t, env.svc.Cancel("nope"), store.ErrNotFound)
	_, err := env.svc.GetJob("nope")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestListJobsFiltersByProject(t *testing.T) {
	env := newTestEnv(t, &stubKeyframes{}, &stubVideo{}, fastOptions(), 1)

	job, err := env.svc.CreateJob(CreateJobRequest{
		ProjectID: env.project.ProjectID,
		ShotIDs:   shotIDs(1),
	})
	require.NoError(t, err)
	waitTerminal(t, job)

	listed, err := env.svc.ListJobs(env.project.ProjectID)
	require.NoError(t, err)
	require.Len(t, listed, 1)
	assert.Equal(t, job.JobID, listed[0].JobID)

	listed, err = env.svc.ListJobs("proj_other")
	require.NoError(t, err)
	assert.Empty(t, listed)
}

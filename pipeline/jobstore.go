package pipeline

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"animpipe/store"
)

// JobStore persists one JSON file per job under dir. Every state-changing
// event writes the whole job, so a restart sees the last committed
// transition. Writes go through the atomic temp-file rename in store.
type JobStore struct {
	dir string
}

func NewJobStore(dir string) (*JobStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create job store dir %s: %w", dir, err)
	}
	return &JobStore{dir: dir}, nil
}

func (s *JobStore) path(jobID string) string {
	return filepath.Join(s.dir, jobID+".json")
}

// Save writes the job. The caller must hold the job's lock (or otherwise own
// it exclusively); Save itself only reads.
func (s *JobStore) Save(job *Job) error {
	return store.WriteJSON(s.path(job.JobID), job)
}

func (s *JobStore) Load(jobID string) (*Job, error) {
	var job Job
	if err := store.ReadJSON(s.path(jobID), &job); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("job %s: %w", jobID, store.ErrNotFound)
		}
		return nil, err
	}
	return &job, nil
}

// List returns persisted jobs, newest first, optionally filtered by project.
// Each file is read independently; a corrupt file is skipped, not fatal.
func (s *JobStore) List(projectID string) ([]*Job, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("read job store dir: %w", err)
	}

	var jobs []*Job
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		var job Job
		if err := store.ReadJSON(filepath.Join(s.dir, e.Name()), &job); err != nil {
			continue
		}
		if projectID != "" && job.ProjectID != projectID {
			continue
		}
		jobs = append(jobs, &job)
	}

	sort.Slice(jobs, func(i, k int) bool {
		return jobs[i].CreatedAt.After(jobs[k].CreatedAt)
	})
	return jobs, nil
}

// LoadRunning returns every persisted job whose last committed status was
// running. These are the jobs that must be resumed after a crash.
func (s *JobStore) LoadRunning() ([]*Job, error) {
	all, err := s.List("")
	if err != nil {
		return nil, err
	}
	var running []*Job
	for _, j := range all {
		if j.Status == JobRunning {
			running = append(running, j)
		}
	}
	return running, nil
}

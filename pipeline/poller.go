package pipeline

import (
	"context"
	"fmt"
	"log"
	"path/filepath"
	"time"

	"animpipe/provider"
	"animpipe/store"
)

// pollerLoop periodically checks every task waiting on the remote video
// provider. One bad poll never kills the loop.
func (s *Service) pollerLoop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.checkRemoteTasks(ctx)
		}
	}
}

func (s *Service) checkRemoteTasks(ctx context.Context) {
	for _, job := range s.activeJobs() {
		if job.CurrentStatus() != JobRunning {
			continue
		}

		job.mu.Lock()
		var waiting []*Task
		for _, t := range job.Tasks {
			if t.Status == TaskVideoPendingRemote && t.VideoTaskID != "" {
				waiting = append(waiting, t)
			}
		}
		job.mu.Unlock()

		for _, t := range waiting {
			if ctx.Err() != nil {
				return
			}
			res, err := s.video.Poll(ctx, t.VideoTaskID)
			if err != nil {
				log.Printf("[poller] poll %s (task %s): %v", t.VideoTaskID, t.TaskID, err)
				continue
			}
			switch res.State {
			case provider.StateCompleted:
				s.resolveCompleted(ctx, t, job, res.VideoURL)
			case provider.StateFailed:
				s.resolveFailed(ctx, t, job, res.Message)
			}
		}
	}
}

// resolveCompleted downloads the finished video and commits the task as
// completed. A cancellation that landed while downloading wins: the result
// is discarded.
func (s *Service) resolveCompleted(ctx context.Context, t *Task, job *Job, videoURL string) {
	project, err := s.projects.LoadProject(t.ProjectID)
	if err != nil {
		s.failRemote(t, job, fmt.Sprintf("load project: %v", err))
		return
	}
	dest := filepath.Join(s.projects.VideoDir(project),
		fmt.Sprintf("%s_%s.mp4", t.ShotID, shortRemoteID(t.VideoTaskID)))

	downloadErr := s.video.Download(ctx, videoURL, dest)

	job.mu.Lock()
	if t.Status != TaskVideoPendingRemote {
		job.mu.Unlock()
		return
	}
	if downloadErr != nil {
		t.Status = TaskVideoFailed
		t.VideoError = fmt.Sprintf("download failed: %v", downloadErr)
		job.FailedCount++
		s.persist(job)
		job.mu.Unlock()
		log.Printf("[poller] task %s download failed: %v", t.TaskID, downloadErr)
		s.fireTaskFailed(t, job)
		s.checkJobCompletion(job)
		return
	}
	t.Status = TaskCompleted
	now := time.Now()
	t.VideoCompletedAt = &now
	job.CompletedCount++
	s.persist(job)
	job.mu.Unlock()

	if err := s.recordDownloadedVideo(project, t, dest); err != nil {
		log.Printf("[poller] task %s: update shot record: %v", t.TaskID, err)
	}

	log.Printf("[poller] task %s completed, video saved to %s", t.TaskID, dest)
	s.fireTaskComplete(t, job)
	s.checkJobCompletion(job)
}

// resolveFailed either schedules a delayed phase 2 retry (budget and
// auto-retry permitting) or marks the task terminally failed.
func (s *Service) resolveFailed(ctx context.Context, t *Task, job *Job, message string) {
	if message == "" {
		message = "remote video generation failed"
	}

	job.mu.Lock()
	if t.Status != TaskVideoPendingRemote {
		job.mu.Unlock()
		return
	}
	if job.AutoRetry && t.VideoAttempts < t.MaxVideoAttempts {
		t.Status = TaskReadyForVideo
		t.VideoTaskID = ""
		t.VideoError = message
		attempts := t.VideoAttempts
		s.persist(job)
		job.mu.Unlock()

		log.Printf("[poller] task %s remote failure (attempt %d/%d), retrying submission: %s",
			t.TaskID, attempts, t.MaxVideoAttempts, message)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			select {
			case <-ctx.Done():
				return
			case <-time.After(s.opts.RetryDelay):
			}
			s.processJob(ctx, job)
		}()
		return
	}

	t.Status = TaskVideoFailed
	t.VideoError = message
	job.FailedCount++
	s.persist(job)
	job.mu.Unlock()

	log.Printf("[poller] task %s failed remotely: %s", t.TaskID, message)
	s.fireTaskFailed(t, job)
	s.checkJobCompletion(job)
}

func (s *Service) failRemote(t *Task, job *Job, message string) {
	job.mu.Lock()
	if t.Status != TaskVideoPendingRemote {
		job.mu.Unlock()
		return
	}
	t.Status = TaskVideoFailed
	t.VideoError = message
	job.FailedCount++
	s.persist(job)
	job.mu.Unlock()

	log.Printf("[poller] task %s: %s", t.TaskID, message)
	s.fireTaskFailed(t, job)
	s.checkJobCompletion(job)
}

// recordDownloadedVideo stamps the matching video entry on the shot's
// current batch and marks the shot done.
func (s *Service) recordDownloadedVideo(project *store.Project, t *Task, localPath string) error {
	shot, err := s.projects.FindShot(project, t.ShotID)
	if err != nil {
		return err
	}
	if batch := shot.CurrentBatch(); batch != nil {
		for i := range batch.Videos {
			if batch.Videos[i].TaskID == t.VideoTaskID {
				batch.Videos[i].Status = "completed"
				batch.Videos[i].LocalPath = localPath
			}
		}
	}
	shot.Status = "video_completed"
	return s.projects.UpdateShot(project, shot)
}

func shortRemoteID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

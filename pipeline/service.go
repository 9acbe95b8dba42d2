package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/lithammer/shortuuid/v4"

	"animpipe/provider"
	"animpipe/queue"
	"animpipe/store"
)

// ErrInvalidState is returned by control operations on a job whose status
// does not allow them. Distinct from store.ErrNotFound.
var ErrInvalidState = errors.New("job is not in a valid state for this operation")

var errCancelled = errors.New("task cancelled")

// permanentError marks failures that retrying cannot help (missing shot,
// missing keyframe file). They terminate the phase without consuming the
// remaining retry budget.
type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

func permanent(format string, args ...any) error {
	return &permanentError{err: fmt.Errorf(format, args...)}
}

func isPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

type Options struct {
	ImageWorkers int
	VideoWorkers int

	// PollInterval is the remote status poller tick.
	PollInterval time.Duration
	// KeyframeTimeout bounds waiting for a keyframe work item; a timeout is a
	// failure. VideoSubmitTimeout bounds only the submission (the remote
	// handle retrieval), not remote completion.
	KeyframeTimeout    time.Duration
	VideoSubmitTimeout time.Duration

	MaxKeyframeAttempts int
	MaxVideoAttempts    int

	// HandleTick is how often a phase re-checks its submitted work handle.
	HandleTick time.Duration
	// RetryDelay is the pause before a poller-scheduled phase 2 retry.
	RetryDelay time.Duration
	// BackoffBase scales the 2^attempt phase retry delay; BackoffMax caps it.
	BackoffBase time.Duration
	BackoffMax  time.Duration
}

func (o *Options) withDefaults() {
	if o.ImageWorkers <= 0 {
		o.ImageWorkers = 2
	}
	if o.VideoWorkers <= 0 {
		o.VideoWorkers = 2
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 30 * time.Second
	}
	if o.KeyframeTimeout <= 0 {
		o.KeyframeTimeout = 5 * time.Minute
	}
	if o.VideoSubmitTimeout <= 0 {
		o.VideoSubmitTimeout = time.Minute
	}
	if o.MaxKeyframeAttempts <= 0 {
		o.MaxKeyframeAttempts = 3
	}
	if o.MaxVideoAttempts <= 0 {
		o.MaxVideoAttempts = 3
	}
	if o.HandleTick <= 0 {
		o.HandleTick = time.Second
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = 5 * time.Second
	}
	if o.BackoffBase <= 0 {
		o.BackoffBase = time.Second
	}
	if o.BackoffMax <= 0 {
		o.BackoffMax = 5 * time.Minute
	}
}

// Service owns the batch job lifecycle: creation, phase sequencing,
// persistence, crash recovery, pause/resume/cancel, and the remote status
// poller.
type Service struct {
	projects  *store.ProjectStore
	jobs      *JobStore
	queues    *queue.Registry
	keyframes provider.KeyframeGenerator
	video     provider.VideoGenerator
	opts      Options

	// Optional lifecycle hooks. Set before Start.
	OnTaskComplete func(t *Task, j *Job)
	OnTaskFailed   func(t *Task, j *Job)
	OnJobComplete  func(j *Job)

	mu      sync.Mutex
	active  map[string]*Job
	proc    map[string]*procFlags
	running bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func NewService(projects *store.ProjectStore, jobs *JobStore, queues *queue.Registry,
	keyframes provider.KeyframeGenerator, video provider.VideoGenerator, opts Options) *Service {
	opts.withDefaults()
	return &Service{
		projects:  projects,
		jobs:      jobs,
		queues:    queues,
		keyframes: keyframes,
		video:     video,
		opts:      opts,
		active:    make(map[string]*Job),
		proc:      make(map[string]*procFlags),
	}
}

// Start recovers persisted running jobs and launches the status poller.
// No-op if already running.
func (s *Service) Start() error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = true
	s.ctx, s.cancel = context.WithCancel(context.Background())
	ctx := s.ctx
	s.mu.Unlock()

	recovered, err := s.jobs.LoadRunning()
	if err != nil {
		return fmt.Errorf("recover jobs: %w", err)
	}
	for _, job := range recovered {
		s.mu.Lock()
		s.active[job.JobID] = job
		s.mu.Unlock()
		s.scheduleProcessing(ctx, job)
	}
	if len(recovered) > 0 {
		log.Printf("[pipeline] recovered %d unfinished batch job(s)", len(recovered))
	}

	s.wg.Add(1)
	go s.pollerLoop(ctx)

	log.Println("[pipeline] batch pipeline service started")
	return nil
}

// Stop halts processing and persists every active job. Safe to call more
// than once.
func (s *Service) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.cancel()
	s.mu.Unlock()

	s.wg.Wait()

	for _, job := range s.activeJobs() {
		job.mu.Lock()
		s.persist(job)
		job.mu.Unlock()
	}
	log.Println("[pipeline] batch pipeline service stopped")
}

type CreateJobRequest struct {
	ProjectID   string
	ShotIDs     []string
	Name        string
	Duration    string
	Size        string
	Watermark   bool
	Provider    string
	AutoRetry   bool
	Sequential  bool
	MaxParallel int
}

// CreateJob validates the request, builds one task per shot id preserving
// input order, persists the job, and schedules its processing.
func (s *Service) CreateJob(req CreateJobRequest) (*Job, error) {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil, errors.New("pipeline service is not running")
	}
	ctx := s.ctx
	s.mu.Unlock()

	if len(req.ShotIDs) == 0 {
		return nil, errors.New("shot id list is empty")
	}
	if _, err := s.projects.LoadProject(req.ProjectID); err != nil {
		return nil, fmt.Errorf("load project: %w", err)
	}

	if req.Duration == "" {
		req.Duration = "4s"
	}
	if req.Size == "" {
		req.Size = "720p"
	}
	if req.MaxParallel <= 0 {
		req.MaxParallel = 2
	}

	jobID := "batch_" + strings.ToLower(shortuuid.New())[:12]
	name := req.Name
	if name == "" {
		name = "batch_" + time.Now().Format("0102_1504")
	}

	job := &Job{
		JobID:       jobID,
		Name:        name,
		ProjectID:   req.ProjectID,
		Status:      JobPending,
		AutoRetry:   req.AutoRetry,
		Sequential:  req.Sequential,
		MaxParallel: req.MaxParallel,
		CreatedAt:   time.Now(),
	}
	for i, shotID := range req.ShotIDs {
		job.Tasks = append(job.Tasks, &Task{
			TaskID:              fmt.Sprintf("%s_task_%03d", jobID, i+1),
			ProjectID:           req.ProjectID,
			ShotID:              shotID,
			Sequence:            i,
			Status:              TaskPending,
			MaxKeyframeAttempts: s.opts.MaxKeyframeAttempts,
			MaxVideoAttempts:    s.opts.MaxVideoAttempts,
			Duration:            req.Duration,
			Size:                req.Size,
			Watermark:           req.Watermark,
			Provider:            req.Provider,
			CreatedAt:           time.Now(),
		})
	}

	job.mu.Lock()
	s.persist(job)
	job.mu.Unlock()

	s.mu.Lock()
	s.active[jobID] = job
	s.mu.Unlock()

	s.scheduleProcessing(ctx, job)

	log.Printf("[pipeline] batch job created: %s (%d tasks)", jobID, len(job.Tasks))
	return job, nil
}

func (s *Service) scheduleProcessing(ctx context.Context, job *Job) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.processJob(ctx, job)
	}()
}

// procFlags serializes processing passes per job. A pass requested while one
// is already running becomes a rerun instead of a second concurrent pass.
type procFlags struct {
	active bool
	rerun  bool
}

func (s *Service) beginProcessing(jobID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	f := s.proc[jobID]
	if f == nil {
		f = &procFlags{}
		s.proc[jobID] = f
	}
	if f.active {
		f.rerun = true
		return false
	}
	f.active = true
	return true
}

// endProcessing releases the guard; reports whether another pass was
// requested meanwhile (and consumes that request).
func (s *Service) endProcessing(jobID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	f := s.proc[jobID]
	if f == nil {
		return false
	}
	if f.rerun {
		f.rerun = false
		return true
	}
	f.active = false
	delete(s.proc, jobID)
	return false
}

// processJob drives every non-terminal task through its phases. Terminal
// tasks and tasks waiting on the remote provider are skipped, which is what
// makes re-entry after a crash or resume a no-op for finished work. At most
// one pass runs per job at a time.
func (s *Service) processJob(ctx context.Context, job *Job) {
	if !s.beginProcessing(job.JobID) {
		return
	}
	for {
		s.runJobPass(ctx, job)
		if !s.endProcessing(job.JobID) {
			return
		}
	}
}

func (s *Service) runJobPass(ctx context.Context, job *Job) {
	job.mu.Lock()
	if job.Status != JobPending && job.Status != JobRunning {
		job.mu.Unlock()
		return
	}
	job.Status = JobRunning
	if job.StartedAt == nil {
		now := time.Now()
		job.StartedAt = &now
	}
	s.persist(job)
	tasks := make([]*Task, len(job.Tasks))
	copy(tasks, job.Tasks)
	job.mu.Unlock()

	if job.Sequential {
		for _, t := range tasks {
			if ctx.Err() != nil {
				return
			}
			if job.CurrentStatus() != JobRunning {
				break
			}
			if s.taskNeedsProcessing(t, job) {
				s.processTask(ctx, t, job)
			}
		}
	} else {
		slots := job.MaxParallel
		if slots < 1 {
			slots = 1
		}
		sem := make(chan struct{}, slots)
		var wg sync.WaitGroup
		for _, t := range tasks {
			if !s.taskNeedsProcessing(t, job) {
				continue
			}
			wg.Add(1)
			go func(t *Task) {
				defer wg.Done()
				sem <- struct{}{}
				defer func() { <-sem }()
				if ctx.Err() != nil || job.CurrentStatus() != JobRunning {
					return
				}
				s.processTask(ctx, t, job)
			}(t)
		}
		wg.Wait()
	}

	s.checkJobCompletion(job)
}

func (s *Service) taskNeedsProcessing(t *Task, job *Job) bool {
	job.mu.Lock()
	defer job.mu.Unlock()
	return !t.Status.Terminal() && t.Status != TaskVideoPendingRemote
}

// processTask runs the phases a task still needs. A task recovered in
// keyframe_generating restarts phase 1; ready_for_video or video_generating
// restarts phase 2; video_pending_remote belongs to the poller.
func (s *Service) processTask(ctx context.Context, t *Task, job *Job) {
	job.mu.Lock()
	if t.StartedAt == nil {
		now := time.Now()
		t.StartedAt = &now
	}
	status := t.Status
	job.mu.Unlock()

	if status == TaskPending || status == TaskKeyframeGenerating {
		if !s.runKeyframePhase(ctx, t, job) {
			return
		}
	}

	job.mu.Lock()
	status = t.Status
	job.mu.Unlock()
	if status == TaskReadyForVideo || status == TaskVideoGenerating {
		s.runVideoPhase(ctx, t, job)
	}
}

// runKeyframePhase attempts phase 1 until it succeeds or the budget is
// spent. Returns true when the task is ready for phase 2.
func (s *Service) runKeyframePhase(ctx context.Context, t *Task, job *Job) bool {
	for {
		err := s.attemptKeyframe(ctx, t, job)
		if err == nil {
			return true
		}
		if errors.Is(err, errCancelled) || ctx.Err() != nil {
			return false
		}

		job.mu.Lock()
		t.KeyframeError = err.Error()
		retry := job.AutoRetry && !isPermanent(err) && t.KeyframeAttempts < t.MaxKeyframeAttempts
		attempts := t.KeyframeAttempts
		if !retry {
			t.Status = TaskKeyframeFailed
			job.FailedCount++
			s.persist(job)
			job.mu.Unlock()
			log.Printf("[pipeline] task %s keyframe failed permanently: %v", t.TaskID, err)
			s.fireTaskFailed(t, job)
			return false
		}
		s.persist(job)
		job.mu.Unlock()

		log.Printf("[pipeline] task %s keyframe failed (attempt %d/%d), backing off: %v",
			t.TaskID, attempts, t.MaxKeyframeAttempts, err)
		if !s.sleepBackoff(ctx, attempts) {
			return false
		}
	}
}

// attemptKeyframe makes one phase 1 attempt: skip if an approved keyframe
// already exists, otherwise submit generation to the image queue and wait for
// the handle, bounded by KeyframeTimeout.
func (s *Service) attemptKeyframe(ctx context.Context, t *Task, job *Job) error {
	job.mu.Lock()
	if t.Status == TaskCancelled {
		job.mu.Unlock()
		return errCancelled
	}
	t.Status = TaskKeyframeGenerating
	t.KeyframeAttempts++
	s.persist(job)
	job.mu.Unlock()

	project, err := s.projects.LoadProject(t.ProjectID)
	if err != nil {
		return permanent("load project: %v", err)
	}
	shot, err := s.projects.FindShot(project, t.ShotID)
	if err != nil {
		return permanent("load shot: %v", err)
	}

	if b := shot.CurrentBatch(); b != nil && b.Keyframe != nil && b.Keyframe.Status == "approved" {
		log.Printf("[pipeline] task %s already has an approved keyframe, skipping phase 1", t.TaskID)
		return s.finishKeyframe(t, job)
	}

	q := s.queues.Get("image", s.opts.ImageWorkers)
	item := q.Submit(func(ctx context.Context) (any, error) {
		return s.doGenerateKeyframe(ctx, project, shot)
	}, queue.PriorityNormal, 1, nil, map[string]string{"task": t.TaskID, "phase": "keyframe"})

	if err := s.awaitItem(ctx, q, item, s.opts.KeyframeTimeout, "keyframe generation"); err != nil {
		return err
	}
	return s.finishKeyframe(t, job)
}

func (s *Service) finishKeyframe(t *Task, job *Job) error {
	job.mu.Lock()
	defer job.mu.Unlock()
	if t.Status == TaskCancelled {
		return errCancelled
	}
	t.Status = TaskReadyForVideo
	now := time.Now()
	t.KeyframeCompletedAt = &now
	t.KeyframeError = ""
	s.persist(job)
	return nil
}

// doGenerateKeyframe is the work item body: gather reference images, call
// the generator, and record the result on the shot's current batch.
func (s *Service) doGenerateKeyframe(ctx context.Context, project *store.Project, shot *store.Shot) (any, error) {
	charRefs := make(map[string]string)
	for _, cid := range shot.Characters {
		if p := s.projects.CharacterRef(project, cid); p != "" {
			charRefs[cid] = p
		}
	}
	sceneRef := s.projects.SceneRef(project, shot.SceneID)

	batchID := shot.CreateBatch()
	out := s.projects.KeyframePath(project, shot.ShotID, batchID)

	path, err := s.keyframes.Generate(ctx, provider.KeyframeRequest{
		ShotID:        shot.ShotID,
		Description:   shot.Description,
		Action:        shot.Action,
		Prompt:        shot.Prompt,
		CharacterRefs: charRefs,
		SceneRef:      sceneRef,
		OutputPath:    out,
	})
	if err != nil {
		return nil, err
	}

	batch := shot.CurrentBatch()
	batch.Keyframe = &store.KeyframeInfo{Status: "completed", Path: path, Prompt: shot.Prompt}
	shot.Status = "frame_pending_review"
	if err := s.projects.UpdateShot(project, shot); err != nil {
		return nil, fmt.Errorf("record keyframe: %w", err)
	}
	return path, nil
}

// runVideoPhase attempts phase 2 (submission only; remote completion is the
// poller's job) until the task is waiting on the remote side or the budget
// is spent.
func (s *Service) runVideoPhase(ctx context.Context, t *Task, job *Job) {
	for {
		err := s.attemptVideoSubmit(ctx, t, job)
		if err == nil {
			return
		}
		if errors.Is(err, errCancelled) || ctx.Err() != nil {
			return
		}

		job.mu.Lock()
		t.VideoError = err.Error()
		retry := job.AutoRetry && !isPermanent(err) && t.VideoAttempts < t.MaxVideoAttempts
		attempts := t.VideoAttempts
		if !retry {
			t.Status = TaskVideoFailed
			job.FailedCount++
			s.persist(job)
			job.mu.Unlock()
			log.Printf("[pipeline] task %s video submission failed permanently: %v", t.TaskID, err)
			s.fireTaskFailed(t, job)
			return
		}
		s.persist(job)
		job.mu.Unlock()

		log.Printf("[pipeline] task %s video submission failed (attempt %d/%d), backing off: %v",
			t.TaskID, attempts, t.MaxVideoAttempts, err)
		if !s.sleepBackoff(ctx, attempts) {
			return
		}
	}
}

// attemptVideoSubmit makes one phase 2 attempt: verify the keyframe exists,
// submit to the video queue, and wait (bounded by VideoSubmitTimeout) for
// the remote handle.
func (s *Service) attemptVideoSubmit(ctx context.Context, t *Task, job *Job) error {
	job.mu.Lock()
	if t.Status == TaskCancelled {
		job.mu.Unlock()
		return errCancelled
	}
	t.Status = TaskVideoGenerating
	t.VideoAttempts++
	s.persist(job)
	job.mu.Unlock()

	project, err := s.projects.LoadProject(t.ProjectID)
	if err != nil {
		return permanent("load project: %v", err)
	}
	shot, err := s.projects.FindShot(project, t.ShotID)
	if err != nil {
		return permanent("load shot: %v", err)
	}

	batch := shot.CurrentBatch()
	if batch == nil || batch.Keyframe == nil || batch.Keyframe.Path == "" {
		return permanent("no keyframe available for shot %s", t.ShotID)
	}
	keyframePath := batch.Keyframe.Path
	if _, err := os.Stat(keyframePath); err != nil {
		return permanent("keyframe file missing: %s", keyframePath)
	}

	prompt := shot.Prompt
	if prompt == "" {
		prompt = strings.TrimSpace(shot.Description + " " + shot.Action)
	}

	q := s.queues.Get("video", s.opts.VideoWorkers)
	item := q.Submit(func(ctx context.Context) (any, error) {
		remoteID, err := s.video.Submit(ctx, provider.SubmitRequest{
			Prompt:     prompt,
			ImagePath:  keyframePath,
			Duration:   t.Duration,
			Resolution: t.Size,
			Watermark:  t.Watermark,
			Provider:   t.Provider,
		})
		if err != nil {
			return nil, err
		}

		batch.Videos = append(batch.Videos, store.VideoInfo{
			TaskID:    remoteID,
			Status:    "submitted",
			Duration:  t.Duration,
			Size:      t.Size,
			Prompt:    prompt,
			Provider:  t.Provider,
			CreatedAt: time.Now(),
		})
		shot.Status = "video_generating"
		if err := s.projects.UpdateShot(project, shot); err != nil {
			return nil, fmt.Errorf("record video submission: %w", err)
		}
		return remoteID, nil
	}, queue.PriorityNormal, 1, nil, map[string]string{"task": t.TaskID, "phase": "video"})

	if err := s.awaitItem(ctx, q, item, s.opts.VideoSubmitTimeout, "video submission"); err != nil {
		return err
	}

	remoteID, _ := item.Result().(string)
	if remoteID == "" {
		return errors.New("video submission returned no remote task id")
	}

	job.mu.Lock()
	defer job.mu.Unlock()
	if t.Status == TaskCancelled {
		return errCancelled
	}
	t.VideoTaskID = remoteID
	t.Status = TaskVideoPendingRemote
	t.VideoError = ""
	s.persist(job)
	log.Printf("[pipeline] task %s video submitted, remote task %s", t.TaskID, remoteID)
	return nil
}

// awaitItem polls the work handle until it is terminal, bounded by timeout.
func (s *Service) awaitItem(ctx context.Context, q *queue.Queue, item *queue.Item, timeout time.Duration, what string) error {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(s.opts.HandleTick)
	defer ticker.Stop()

	for {
		if item.Done() {
			break
		}
		if time.Now().After(deadline) {
			q.Cancel(item.ID)
			return fmt.Errorf("%s timed out after %s", what, timeout)
		}
		select {
		case <-ctx.Done():
			q.Cancel(item.ID)
			return ctx.Err()
		case <-ticker.C:
		}
	}

	switch item.Status() {
	case queue.StatusCompleted:
		return nil
	case queue.StatusCancelled:
		return errCancelled
	default:
		return errors.New(item.Err())
	}
}

func (s *Service) sleepBackoff(ctx context.Context, attempt int) bool {
	d := time.Duration(math.Pow(2, float64(attempt))) * s.opts.BackoffBase
	if d > s.opts.BackoffMax {
		d = s.opts.BackoffMax
	}
	select {
	case <-time.After(d):
		return true
	case <-ctx.Done():
		return false
	}
}

// checkJobCompletion stamps the job terminal once every task is. Failed wins
// over completed; a cancelled job keeps its cancelled status.
func (s *Service) checkJobCompletion(job *Job) {
	var finished bool
	job.mu.Lock()
	if job.Status == JobRunning && job.allTerminal() {
		if job.FailedCount == 0 {
			job.Status = JobCompleted
		} else {
			job.Status = JobFailed
		}
		now := time.Now()
		job.CompletedAt = &now
		s.persist(job)
		finished = true
	}
	job.mu.Unlock()

	if finished {
		log.Printf("[pipeline] batch job %s finished: %s (%d completed, %d failed)",
			job.JobID, job.CurrentStatus(), job.CompletedCount, job.FailedCount)
		if s.OnJobComplete != nil {
			s.OnJobComplete(job)
		}
	}
}

func (s *Service) fireTaskFailed(t *Task, job *Job) {
	if s.OnTaskFailed != nil {
		s.OnTaskFailed(t, job)
	}
}

func (s *Service) fireTaskComplete(t *Task, job *Job) {
	if s.OnTaskComplete != nil {
		s.OnTaskComplete(t, job)
	}
}

// persist writes the job, logging rather than propagating storage errors so
// a transient disk problem cannot crash a processing loop. Caller holds
// job.mu.
func (s *Service) persist(job *Job) {
	if err := s.jobs.Save(job); err != nil {
		log.Printf("[pipeline] persist job %s: %v", job.JobID, err)
	}
}

func (s *Service) activeJobs() []*Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	jobs := make([]*Job, 0, len(s.active))
	for _, j := range s.active {
		jobs = append(jobs, j)
	}
	return jobs
}

// GetJob returns the live job if active, otherwise the persisted copy.
func (s *Service) GetJob(jobID string) (*Job, error) {
	s.mu.Lock()
	job, ok := s.active[jobID]
	s.mu.Unlock()
	if ok {
		return job, nil
	}
	return s.jobs.Load(jobID)
}

// ListJobs returns active and historical jobs, newest first, preferring the
// live copy when a job appears in both.
func (s *Service) ListJobs(projectID string) ([]*Job, error) {
	s.mu.Lock()
	seen := make(map[string]bool, len(s.active))
	var jobs []*Job
	for _, j := range s.active {
		if projectID == "" || j.ProjectID == projectID {
			jobs = append(jobs, j)
			seen[j.JobID] = true
		}
	}
	s.mu.Unlock()

	stored, err := s.jobs.List(projectID)
	if err != nil {
		return nil, err
	}
	for _, j := range stored {
		if !seen[j.JobID] {
			jobs = append(jobs, j)
		}
	}

	sortJobsByCreated(jobs)
	return jobs, nil
}

// Pause stops new phase advancement for a running job. In-flight external
// calls finish on their own; their results commit and the job simply stops
// picking up the next task.
func (s *Service) Pause(jobID string) error {
	job, err := s.controlTarget(jobID)
	if err != nil {
		return err
	}
	job.mu.Lock()
	defer job.mu.Unlock()
	if job.Status != JobRunning {
		return fmt.Errorf("pause %s job: %w", job.Status, ErrInvalidState)
	}
	job.Status = JobPaused
	s.persist(job)
	return nil
}

// Resume re-schedules a paused job's processing.
func (s *Service) Resume(jobID string) error {
	job, err := s.controlTarget(jobID)
	if err != nil {
		return err
	}

	job.mu.Lock()
	if job.Status != JobPaused {
		job.mu.Unlock()
		return fmt.Errorf("resume %s job: %w", job.Status, ErrInvalidState)
	}
	job.Status = JobRunning
	s.persist(job)
	job.mu.Unlock()

	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()
	s.scheduleProcessing(ctx, job)
	return nil
}

// Cancel marks the job and every non-terminal task cancelled. Cooperative:
// in-flight calls complete but their results are discarded.
func (s *Service) Cancel(jobID string) error {
	job, err := s.controlTarget(jobID)
	if err != nil {
		return err
	}
	job.mu.Lock()
	defer job.mu.Unlock()
	switch job.Status {
	case JobPending, JobRunning, JobPaused:
	default:
		return fmt.Errorf("cancel %s job: %w", job.Status, ErrInvalidState)
	}
	job.Status = JobCancelled
	for _, t := range job.Tasks {
		if !t.Status.Terminal() {
			t.Status = TaskCancelled
		}
	}
	s.persist(job)
	log.Printf("[pipeline] batch job %s cancelled", jobID)
	return nil
}

// controlTarget resolves a job for a control operation: the live copy when
// active, otherwise the persisted one (registered so later operations see
// the same instance).
func (s *Service) controlTarget(jobID string) (*Job, error) {
	s.mu.Lock()
	job, ok := s.active[jobID]
	s.mu.Unlock()
	if ok {
		return job, nil
	}

	job, err := s.jobs.Load(jobID)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	if existing, ok := s.active[jobID]; ok {
		job = existing
	} else {
		s.active[jobID] = job
	}
	s.mu.Unlock()
	return job, nil
}

func sortJobsByCreated(jobs []*Job) {
	sort.Slice(jobs, func(i, k int) bool {
		return jobs[i].CreatedAt.After(jobs[k].CreatedAt)
	})
}

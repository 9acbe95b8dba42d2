package api

import (
	"errors"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/gin-gonic/gin"

	"animpipe/config"
	"animpipe/pipeline"
	"animpipe/queue"
	"animpipe/store"
)

type Handler struct {
	svc      *pipeline.Service
	projects *store.ProjectStore
	queues   *queue.Registry
	cfg      *config.Config
}

func NewHandler(svc *pipeline.Service, projects *store.ProjectStore, queues *queue.Registry, cfg *config.Config) *Handler {
	return &Handler{
		svc:      svc,
		projects: projects,
		queues:   queues,
		cfg:      cfg,
	}
}

type BatchJobRequest struct {
	ProjectID   string   `json:"projectId" binding:"required"`
	ShotIDs     []string `json:"shotIds" binding:"required"`
	Name        string   `json:"name"`
	Duration    string   `json:"duration"`
	Size        string   `json:"size"`
	Watermark   bool     `json:"watermark"`
	Provider    string   `json:"provider"`
	AutoRetry   *bool    `json:"autoRetry"`
	Sequential  bool     `json:"sequential"`
	MaxParallel int      `json:"maxParallel"`
}

type jobResponse struct {
	*pipeline.Job
	TotalTasks int     `json:"total_tasks"`
	Progress   float64 `json:"progress"`
}

func renderJob(job *pipeline.Job) jobResponse {
	snap := job.Snapshot()
	return jobResponse{
		Job:        snap,
		TotalTasks: snap.TotalTasks(),
		Progress:   snap.Progress(),
	}
}

// handleCreateBatchJob accepts a batch of shots for asynchronous processing.
func (h *Handler) handleCreateBatchJob(c *gin.Context) {
	var req BatchJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	autoRetry := true
	if req.AutoRetry != nil {
		autoRetry = *req.AutoRetry
	}

	job, err := h.svc.CreateJob(pipeline.CreateJobRequest{
		ProjectID:   req.ProjectID,
		ShotIDs:     req.ShotIDs,
		Name:        req.Name,
		Duration:    req.Duration,
		Size:        req.Size,
		Watermark:   req.Watermark,
		Provider:    req.Provider,
		AutoRetry:   autoRetry,
		Sequential:  req.Sequential,
		MaxParallel: req.MaxParallel,
	})
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"jobId": job.JobID, "totalTasks": job.TotalTasks()})
}

// handleListBatchJobs lists jobs, optionally filtered by project.
func (h *Handler) handleListBatchJobs(c *gin.Context) {
	jobs, err := h.svc.ListJobs(c.Query("projectId"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	out := make([]jobResponse, 0, len(jobs))
	for _, job := range jobs {
		out = append(out, renderJob(job))
	}
	c.JSON(http.StatusOK, out)
}

// handleGetBatchJob retrieves one job with its task breakdown.
func (h *Handler) handleGetBatchJob(c *gin.Context) {
	job, err := h.svc.GetJob(c.Param("jobId"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Job not found"})
		return
	}
	c.JSON(http.StatusOK, renderJob(job))
}

// handleBatchJobAction applies pause, resume, or cancel to a job.
func (h *Handler) handleBatchJobAction(c *gin.Context) {
	jobID := c.Param("jobId")

	var err error
	action := c.Param("action")
	switch action {
	case "pause":
		err = h.svc.Pause(jobID)
	case "resume":
		err = h.svc.Resume(jobID)
	case "cancel":
		err = h.svc.Cancel(jobID)
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "Unknown action: " + action})
		return
	}

	switch {
	case err == nil:
		c.JSON(http.StatusOK, gin.H{"message": "Job " + action + " requested"})
	case errors.Is(err, store.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "Job not found"})
	case errors.Is(err, pipeline.ErrInvalidState):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

// handleQueueStats reports per-queue worker and item counts.
func (h *Handler) handleQueueStats(c *gin.Context) {
	c.JSON(http.StatusOK, h.queues.Stats())
}

// handleGetVideo serves a downloaded video file from a project's video
// directory. The filename is confined to that directory.
func (h *Handler) handleGetVideo(c *gin.Context) {
	project, err := h.projects.LoadProject(c.Param("projectId"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Project not found"})
		return
	}

	filename := filepath.Base(c.Param("filename"))
	if filename != c.Param("filename") || strings.HasPrefix(filename, ".") {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid filename"})
		return
	}

	c.File(filepath.Join(h.projects.VideoDir(project), filename))
}

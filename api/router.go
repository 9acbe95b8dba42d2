package api

import (
	"github.com/gin-gonic/gin"

	"animpipe/config"
	"animpipe/pipeline"
	"animpipe/queue"
	"animpipe/store"
)

func SetupRouter(svc *pipeline.Service, projects *store.ProjectStore, queues *queue.Registry, cfg *config.Config) *gin.Engine {
	r := gin.Default()
	h := NewHandler(svc, projects, queues, cfg)

	// Health check
	r.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})

	v1 := r.Group("/api/v1")
	v1.Use(AuthMiddleware(cfg))
	{
		// Async batch job endpoints
		v1.POST("/batch-jobs", h.handleCreateBatchJob)
		v1.GET("/batch-jobs", h.handleListBatchJobs)
		v1.GET("/batch-jobs/:jobId", h.handleGetBatchJob)
		v1.PATCH("/batch-jobs/:jobId/:action", h.handleBatchJobAction)

		// Queue introspection
		v1.GET("/queues", h.handleQueueStats)

		// Downloaded video files. Auth applies here too; the filenames are
		// predictable.
		v1.GET("/projects/:projectId/videos/:filename", h.handleGetVideo)
	}
	return r
}

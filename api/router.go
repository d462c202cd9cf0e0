package api

import (
	"mediafetchd/config"

	"github.com/gin-gonic/gin"
)

func SetupRouter(h *Handler, cfg *config.Config) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), RequestLogger(h.log), CORSMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})

	v1 := r.Group("/api/v1")
	v1.Use(AuthMiddleware(cfg))
	{
		v1.POST("/formats", h.handleListFormats)

		v1.POST("/tasks", h.handleCreateTask)
		v1.GET("/tasks", h.handleListTasks)
		v1.GET("/tasks/:taskId", h.handleGetTaskStatus)
		v1.PATCH("/tasks/:taskId/pause", h.handlePauseTask)
		v1.PATCH("/tasks/:taskId/resume", h.handleResumeTask)
		v1.PATCH("/tasks/:taskId/cancel", h.handleCancelTask)
		v1.GET("/tasks/:taskId/file", h.handleGetFile)

		v1.GET("/journal", h.handleJournal)
	}
	return r
}

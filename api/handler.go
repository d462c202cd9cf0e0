package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"

	"mediafetchd/config"
	"mediafetchd/journal"
	"mediafetchd/task"
	"mediafetchd/ytdlp"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// Tasks is the orchestrator surface the handlers drive.
type Tasks interface {
	Submit(resource, renditionID string) (task.Task, error)
	List() []task.Status
	Status(id string) (task.Status, error)
	Pause(id string) (task.Task, error)
	Resume(id string) (task.Task, error)
	Cancel(id string) error
	OutputFile(id string) (string, error)
}

type FormatProber interface {
	Probe(ctx context.Context, resource string) (*ytdlp.Info, error)
}

type EventLog interface {
	Recent(ctx context.Context, limit int) ([]journal.Event, error)
}

const (
	resultOK           = "ok"
	resultNotFound     = "not_found"
	resultFailed       = "failed"
	resultInvalidState = "invalid_state"
)

type Handler struct {
	tasks  Tasks
	prober FormatProber
	events EventLog
	cfg    *config.Config
	log    *logrus.Logger
}

func NewHandler(tasks Tasks, prober FormatProber, events EventLog, cfg *config.Config, logger *logrus.Logger) *Handler {
	if logger == nil {
		logger = logrus.New()
	}
	return &Handler{
		tasks:  tasks,
		prober: prober,
		events: events,
		cfg:    cfg,
		log:    logger,
	}
}

type FormatsRequest struct {
	Resource string `json:"resource" form:"resource" binding:"required"`
}

type TaskRequest struct {
	Resource    string `json:"resource" form:"resource" binding:"required"`
	RenditionID string `json:"renditionId" form:"renditionId" binding:"required"`
}

// handleListFormats probes a resource synchronously and returns its renditions.
func (h *Handler) handleListFormats(c *gin.Context) {
	var req FormatsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ctx := c.Request.Context()
	if h.cfg.ProbeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.cfg.ProbeTimeout)
		defer cancel()
	}
	info, err := h.prober.Probe(ctx, req.Resource)
	switch {
	case errors.Is(err, ytdlp.ErrInvalidResource):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	case err != nil:
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, info)
}

// handleCreateTask accepts a download; probing and launching happen in the
// background and are reported through the task status.
func (h *Handler) handleCreateTask(c *gin.Context) {
	var req TaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	t, err := h.tasks.Submit(req.Resource, req.RenditionID)
	switch {
	case errors.Is(err, task.ErrInvalidInput):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	case err != nil:
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Failed to create task", "details": err.Error()})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"taskId": t.ID})
}

func (h *Handler) handleListTasks(c *gin.Context) {
	statuses := h.tasks.List()
	for i := range statuses {
		h.buildDownloadURL(c, &statuses[i])
	}
	c.JSON(http.StatusOK, statuses)
}

// buildDownloadURL sets the URL a completed task's file can be fetched from.
func (h *Handler) buildDownloadURL(c *gin.Context, s *task.Status) {
	if s.State != task.StateCompleted {
		return
	}

	baseURL := h.cfg.BaseURL
	if baseURL == "" {
		scheme := "http"
		if c.Request.TLS != nil {
			scheme = "https"
		}
		baseURL = fmt.Sprintf("%s://%s", scheme, c.Request.Host)
	}
	baseURL = strings.TrimSuffix(baseURL, "/")

	s.DownloadURL = fmt.Sprintf("%s/api/v1/tasks/%s/file", baseURL, s.ID)
}

func (h *Handler) handleGetTaskStatus(c *gin.Context) {
	s, err := h.tasks.Status(c.Param("taskId"))
	if err != nil {
		h.respondError(c, err)
		return
	}

	h.buildDownloadURL(c, &s)
	c.JSON(http.StatusOK, s)
}

func (h *Handler) handlePauseTask(c *gin.Context) {
	_, err := h.tasks.Pause(c.Param("taskId"))
	h.respondResult(c, err)
}

// handleResumeTask reports "failed" when the relaunch did not start; the
// task itself carries the reason.
func (h *Handler) handleResumeTask(c *gin.Context) {
	t, err := h.tasks.Resume(c.Param("taskId"))
	if err == nil && t.State == task.StateFailed {
		c.JSON(http.StatusOK, gin.H{"result": resultFailed, "error": t.Error})
		return
	}
	h.respondResult(c, err)
}

func (h *Handler) handleCancelTask(c *gin.Context) {
	err := h.tasks.Cancel(c.Param("taskId"))
	h.respondResult(c, err)
}

// handleGetFile serves the output of a completed task.
func (h *Handler) handleGetFile(c *gin.Context) {
	path, err := h.tasks.OutputFile(c.Param("taskId"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.FileAttachment(path, filepath.Base(path))
}

func (h *Handler) handleJournal(c *gin.Context) {
	if h.events == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "journal is disabled"})
		return
	}
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "100"))
	if err != nil || limit <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
		return
	}

	events, err := h.events.Recent(c.Request.Context(), limit)
	if err != nil {
		h.log.Warnf("read journal: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, events)
}

func (h *Handler) respondResult(c *gin.Context, err error) {
	switch {
	case err == nil:
		c.JSON(http.StatusOK, gin.H{"result": resultOK})
	case errors.Is(err, task.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"result": resultNotFound})
	case errors.Is(err, task.ErrInvalidState):
		c.JSON(http.StatusConflict, gin.H{"result": resultInvalidState, "error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"result": resultFailed, "error": err.Error()})
	}
}

func (h *Handler) respondError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, task.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "Task not found"})
	case errors.Is(err, task.ErrInvalidState):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

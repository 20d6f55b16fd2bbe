// Package api exposes the orchestrator engine over HTTP.
package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	apperrors "github.com/devflow/devflow/internal/common/errors"
	"github.com/devflow/devflow/internal/common/logger"
	"github.com/devflow/devflow/internal/orchestrator"
	v1 "github.com/devflow/devflow/pkg/api/v1"
)

// Handlers provides HTTP handlers for the orchestrator API.
type Handlers struct {
	engine *orchestrator.Engine
	logger *logger.Logger
}

// NewHandlers creates orchestrator handlers.
func NewHandlers(engine *orchestrator.Engine, log *logger.Logger) *Handlers {
	return &Handlers{
		engine: engine,
		logger: log.WithComponent("api"),
	}
}

// RegisterRoutes registers the orchestrator HTTP routes.
func RegisterRoutes(router gin.IRouter, engine *orchestrator.Engine, log *logger.Logger) {
	h := NewHandlers(engine, log)
	api := router.Group("/api/v1/orchestrator")
	api.POST("/tasks", h.httpSubmitTask)
	api.GET("/tasks/:taskId", h.httpGetTask)
	api.DELETE("/tasks/:taskId", h.httpCancelTask)
	api.GET("/queue", h.httpGetQueue)
	api.GET("/stats", h.httpGetStats)
	api.GET("/modes", h.httpListModes)
	api.POST("/mode", h.httpSwitchMode)
	api.GET("/health/providers", h.httpProviderHealth)
}

// POST /api/v1/orchestrator/tasks
func (h *Handlers) httpSubmitTask(c *gin.Context) {
	var req v1.SubmitTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.respondError(c, apperrors.BadRequest("invalid payload: "+err.Error()))
		return
	}

	st, err := h.engine.Submit(c.Request.Context(), req)
	if err != nil {
		h.respondError(c, mapEngineError(err, req.TaskID))
		return
	}
	c.JSON(http.StatusAccepted, st)
}

// GET /api/v1/orchestrator/tasks/:taskId
func (h *Handlers) httpGetTask(c *gin.Context) {
	taskID := c.Param("taskId")
	st, err := h.engine.GetState(taskID)
	if err != nil {
		h.respondError(c, mapEngineError(err, taskID))
		return
	}
	c.JSON(http.StatusOK, st)
}

// DELETE /api/v1/orchestrator/tasks/:taskId
func (h *Handlers) httpCancelTask(c *gin.Context) {
	taskID := c.Param("taskId")
	cancelled, err := h.engine.Cancel(c.Request.Context(), taskID)
	if err != nil {
		h.respondError(c, mapEngineError(err, taskID))
		return
	}
	c.JSON(http.StatusOK, v1.CancelTaskResponse{TaskID: taskID, Cancelled: cancelled})
}

// queueEntry is the wire shape of one queued task.
type queueEntry struct {
	TaskID   string    `json:"task_id"`
	Priority int       `json:"priority"`
	Mode     string    `json:"mode"`
	QueuedAt time.Time `json:"queued_at"`
}

// GET /api/v1/orchestrator/queue
func (h *Handlers) httpGetQueue(c *gin.Context) {
	queued := h.engine.QueuedTasks()
	entries := make([]queueEntry, len(queued))
	for i, qt := range queued {
		entries[i] = queueEntry{
			TaskID:   qt.TaskID,
			Priority: qt.Priority,
			Mode:     qt.Mode,
			QueuedAt: qt.QueuedAt,
		}
	}
	c.JSON(http.StatusOK, gin.H{"tasks": entries, "count": len(entries)})
}

// GET /api/v1/orchestrator/stats
func (h *Handlers) httpGetStats(c *gin.Context) {
	c.JSON(http.StatusOK, h.engine.Stats())
}

// GET /api/v1/orchestrator/modes
func (h *Handlers) httpListModes(c *gin.Context) {
	names := h.engine.Modes()
	configs := make([]v1.ModeConfig, 0, len(names))
	for _, name := range names {
		cfg, err := h.engine.ModeConfig(name)
		if err != nil {
			continue
		}
		configs = append(configs, cfg)
	}
	c.JSON(http.StatusOK, gin.H{
		"current_mode": h.engine.CurrentMode(),
		"modes":        configs,
	})
}

// POST /api/v1/orchestrator/mode
func (h *Handlers) httpSwitchMode(c *gin.Context) {
	var req v1.SwitchModeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.respondError(c, apperrors.BadRequest("invalid payload: "+err.Error()))
		return
	}

	sw, err := h.engine.SwitchMode(c.Request.Context(), req.Mode)
	if err != nil {
		h.respondError(c, mapEngineError(err, ""))
		return
	}
	c.JSON(http.StatusOK, sw)
}

// GET /api/v1/orchestrator/health/providers
func (h *Handlers) httpProviderHealth(c *gin.Context) {
	results := h.engine.HealthCheck(c.Request.Context())
	out := make(map[string]gin.H, len(results))
	healthy := true
	for name, err := range results {
		if err != nil {
			healthy = false
			out[name] = gin.H{"status": "unhealthy", "error": err.Error()}
		} else {
			out[name] = gin.H{"status": "healthy"}
		}
	}
	status := http.StatusOK
	if !healthy {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, gin.H{"providers": out})
}

func (h *Handlers) respondError(c *gin.Context, appErr *apperrors.AppError) {
	if appErr.HTTPStatus >= http.StatusInternalServerError {
		h.logger.Error("request failed",
			zap.String("path", c.FullPath()),
			zap.Error(appErr))
	}
	c.JSON(appErr.HTTPStatus, gin.H{
		"error": gin.H{
			"code":    appErr.Code,
			"message": appErr.Message,
		},
	})
}

// mapEngineError converts engine sentinels into HTTP-mapped errors.
func mapEngineError(err error, taskID string) *apperrors.AppError {
	switch {
	case errors.Is(err, orchestrator.ErrTaskNotFound):
		return apperrors.NotFound("task", taskID)
	case errors.Is(err, orchestrator.ErrDuplicateTask):
		return apperrors.Conflict("task already exists: " + taskID)
	case errors.Is(err, orchestrator.ErrUnknownMode):
		return apperrors.BadRequest(err.Error())
	case errors.Is(err, orchestrator.ErrQueueFull):
		return &apperrors.AppError{
			Code:       "QUEUE_FULL",
			Message:    "task queue is at capacity",
			HTTPStatus: http.StatusTooManyRequests,
		}
	default:
		return apperrors.Wrap(err, "orchestrator request failed")
	}
}

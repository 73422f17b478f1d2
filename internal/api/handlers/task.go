package handlers

import (
	"github.com/gin-gonic/gin"

	"github.com/jstittsworth/wagering-core/internal/cache"
	"github.com/jstittsworth/wagering-core/internal/scheduler"
	"github.com/jstittsworth/wagering-core/pkg/utils"
)

// TaskHandler exposes the scheduler's execution bookkeeping (component C)
// and the cache's admin surface (component B) over HTTP.
type TaskHandler struct {
	scheduler *scheduler.Scheduler
	cache     *cache.Cache
}

func NewTaskHandler(sched *scheduler.Scheduler, c *cache.Cache) *TaskHandler {
	return &TaskHandler{scheduler: sched, cache: c}
}

// GetTaskStatus handles GET /tasks/:execution_id.
func (h *TaskHandler) GetTaskStatus(c *gin.Context) {
	execID := c.Param("execution_id")
	exec, err := h.scheduler.Execution(execID)
	if err != nil {
		utils.SendCoreError(c, err)
		return
	}
	utils.SendSuccess(c, exec)
}

// RunTaskNow handles POST /tasks/:name/run.
func (h *TaskHandler) RunTaskNow(c *gin.Context) {
	name := c.Param("name")
	execID, err := h.scheduler.RunNow(name)
	if err != nil {
		utils.SendCoreError(c, err)
		return
	}
	utils.SendSuccess(c, gin.H{"execution_id": execID})
}

type invalidateCacheRequest struct {
	Pattern   string          `json:"pattern" binding:"required"`
	Namespace cache.Namespace `json:"namespace"`
}

// InvalidateCache handles POST /cache/invalidate.
func (h *TaskHandler) InvalidateCache(c *gin.Context) {
	var req invalidateCacheRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		utils.SendValidationError(c, "invalid request body", err.Error())
		return
	}

	count, err := h.cache.Invalidate(c.Request.Context(), req.Pattern, req.Namespace)
	if err != nil {
		utils.SendCoreError(c, err)
		return
	}
	utils.SendSuccess(c, gin.H{"invalidated_count": count})
}

// CacheStats handles GET /cache/stats.
func (h *TaskHandler) CacheStats(c *gin.Context) {
	utils.SendSuccess(c, h.cache.AllStats())
}

// CacheHealth handles GET /cache/health.
func (h *TaskHandler) CacheHealth(c *gin.Context) {
	utils.SendSuccess(c, h.cache.Health())
}

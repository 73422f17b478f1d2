package handlers

import (
	"strconv"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/jstittsworth/wagering-core/internal/models"
	"github.com/jstittsworth/wagering-core/internal/optimizer"
	"github.com/jstittsworth/wagering-core/pkg/utils"
)

// OptimizationHandler exposes component G: running a beam search and
// reading back persisted runs/artifacts, grounded on the teacher's
// internal/api/handlers/optimizer.go request-binding shape.
type OptimizationHandler struct {
	engine *optimizer.Engine
	db     *gorm.DB
}

func NewOptimizationHandler(engine *optimizer.Engine, db *gorm.DB) *OptimizationHandler {
	return &OptimizationHandler{engine: engine, db: db}
}

type optimizePortfolioRequest struct {
	Edges       []models.Edge         `json:"edges" binding:"required,min=1"`
	Objective   models.Objective      `json:"objective" binding:"required"`
	Constraints optimizer.Constraints `json:"constraints"`
}

// OptimizePortfolio handles POST /optimization/runs.
func (h *OptimizationHandler) OptimizePortfolio(c *gin.Context) {
	var req optimizePortfolioRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		utils.SendValidationError(c, "invalid request body", err.Error())
		return
	}

	solutions, err := h.engine.Optimize(c.Request.Context(), req.Edges, req.Objective, req.Constraints)
	if err != nil {
		utils.SendCoreError(c, err)
		return
	}
	utils.SendSuccess(c, gin.H{"solutions": solutions})
}

// GetOptimizationRun handles GET /optimization/runs/:id.
func (h *OptimizationHandler) GetOptimizationRun(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		utils.SendValidationError(c, "invalid run id", err.Error())
		return
	}

	var run models.OptimizationRun
	if err := h.db.First(&run, uint(id)).Error; err != nil {
		utils.SendNotFound(c, "optimization run not found")
		return
	}
	utils.SendSuccess(c, run)
}

// GetOptimizationArtifacts handles GET /optimization/runs/:id/artifacts.
func (h *OptimizationHandler) GetOptimizationArtifacts(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		utils.SendValidationError(c, "invalid run id", err.Error())
		return
	}

	var artifacts []models.OptimizationArtifact
	if err := h.db.Where("optimization_run_id = ?", uint(id)).Order("created_at ASC").Find(&artifacts).Error; err != nil {
		utils.SendInternalError(c, "failed to fetch artifacts")
		return
	}
	utils.SendSuccess(c, artifacts)
}

package handlers

import (
	"github.com/gin-gonic/gin"

	"github.com/jstittsworth/wagering-core/internal/correlation"
	"github.com/jstittsworth/wagering-core/pkg/utils"
)

// CorrelationHandler exposes component D's pairwise/factor/copula
// computations over HTTP.
type CorrelationHandler struct {
	engine *correlation.Engine
}

func NewCorrelationHandler(engine *correlation.Engine) *CorrelationHandler {
	return &CorrelationHandler{engine: engine}
}

type computeCorrelationRequest struct {
	PropIDs      []string `json:"prop_ids" binding:"required,min=2"`
	Method       string   `json:"method"`
	LookbackDays int      `json:"lookback_days"`
	Shrinkage    *bool    `json:"shrinkage"`
	Alpha        float64  `json:"alpha"`
	Factors      bool     `json:"factors"`
	Copula       bool     `json:"copula"`
}

func (req computeCorrelationRequest) toConfig() correlation.Config {
	cfg := correlation.DefaultConfig()
	if req.Method == string(correlation.MethodSpearman) {
		cfg.Method = correlation.MethodSpearman
	}
	if req.LookbackDays > 0 {
		cfg.LookbackDays = req.LookbackDays
	}
	if req.Shrinkage != nil {
		cfg.Shrinkage = *req.Shrinkage
	}
	if req.Alpha > 0 {
		cfg.Alpha = req.Alpha
	}
	return cfg
}

// ComputeCorrelation handles POST /correlation/compute.
func (h *CorrelationHandler) ComputeCorrelation(c *gin.Context) {
	var req computeCorrelationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		utils.SendValidationError(c, "invalid request body", err.Error())
		return
	}
	cfg := req.toConfig()

	matrix, err := h.engine.ComputePairwise(c.Request.Context(), req.PropIDs, cfg)
	if err != nil {
		utils.SendCoreError(c, err)
		return
	}

	resp := gin.H{"matrix": matrix}

	if req.Factors {
		factors, ferr := h.engine.FactorModel(c.Request.Context(), req.PropIDs, cfg)
		if ferr != nil {
			utils.SendCoreError(c, ferr)
			return
		}
		resp["factors"] = factors
	}

	if req.Copula {
		copula, cerr := h.engine.CopulaParams(c.Request.Context(), req.PropIDs, cfg)
		if cerr != nil {
			utils.SendCoreError(c, cerr)
			return
		}
		resp["copula"] = copula
	}

	utils.SendSuccess(c, resp)
}

package handlers

import (
	"github.com/gin-gonic/gin"

	"github.com/jstittsworth/wagering-core/internal/correlation"
	"github.com/jstittsworth/wagering-core/internal/montecarlo"
	"github.com/jstittsworth/wagering-core/pkg/utils"
)

// SimulationHandler exposes component F's Monte Carlo parlay simulator,
// fetching the correlation matrix for the requested legs from component D
// unless the caller supplies one directly.
type SimulationHandler struct {
	sim  *montecarlo.Simulator
	corr *correlation.Engine
}

func NewSimulationHandler(sim *montecarlo.Simulator, corr *correlation.Engine) *SimulationHandler {
	return &SimulationHandler{sim: sim, corr: corr}
}

type simulateParlayRequest struct {
	Legs []struct {
		EdgeID   string  `json:"edge_id" binding:"required"`
		PropID   string  `json:"prop_id" binding:"required"`
		ProbOver float64 `json:"prob_over" binding:"required,gt=0,lt=1"`
	} `json:"legs" binding:"required,min=1"`
	Correlation     [][]float64 `json:"correlation"`
	DrawsRequested  int         `json:"draws_requested"`
	Adaptive        bool        `json:"adaptive"`
	Seed            *int64      `json:"seed"`
	ConfidenceLevel float64     `json:"confidence_level"`
	TargetCIWidth   float64     `json:"target_ci_width"`
}

// SimulateParlay handles POST /simulation/parlay.
func (h *SimulationHandler) SimulateParlay(c *gin.Context) {
	var req simulateParlayRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		utils.SendValidationError(c, "invalid request body", err.Error())
		return
	}

	legs := make([]montecarlo.Leg, len(req.Legs))
	propIDs := make([]string, len(req.Legs))
	for i, l := range req.Legs {
		legs[i] = montecarlo.Leg{EdgeID: l.EdgeID, PropID: l.PropID, ProbOver: l.ProbOver}
		propIDs[i] = l.PropID
	}

	matrix := req.Correlation
	if matrix == nil {
		mr, err := h.corr.ComputePairwise(c.Request.Context(), propIDs, correlation.DefaultConfig())
		if err != nil {
			utils.SendCoreError(c, err)
			return
		}
		matrix = mr.Matrix
	}

	params := montecarlo.Params{
		DrawsRequested:  req.DrawsRequested,
		Adaptive:        req.Adaptive,
		ConfidenceLevel: req.ConfidenceLevel,
		TargetCIWidth:   req.TargetCIWidth,
	}
	if req.Seed != nil {
		params.Seed = *req.Seed
		params.HasSeed = true
	}

	result, err := h.sim.Simulate(c.Request.Context(), legs, matrix, params)
	if err != nil {
		utils.SendCoreError(c, err)
		return
	}
	utils.SendSuccess(c, result)
}

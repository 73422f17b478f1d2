package models

// Edge is an external input to the portfolio optimizer (component G). It is
// not persisted by the core; callers supply a slice of these per
// optimization request.
type Edge struct {
	EdgeID               string  `json:"edge_id"`
	PropID               string  `json:"prop_id"`
	PlayerID             *string `json:"player_id,omitempty"`
	PropType             string  `json:"prop_type,omitempty"`
	ProbOver             float64 `json:"prob_over"`
	OfferedLine          float64 `json:"offered_line"`
	FairLine             float64 `json:"fair_line"`
	VolatilityScore      float64 `json:"volatility_score"`
	EV                   float64 `json:"ev"`
	CorrelationClusterID *string `json:"correlation_cluster_id,omitempty"`
}

// ProbUnder is derived, not stored, per spec.md 3: prob_under = 1 - prob_over.
func (e Edge) ProbUnder() float64 { return 1 - e.ProbOver }

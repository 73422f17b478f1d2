package models

import (
	"time"

	"gorm.io/datatypes"
)

// MonteCarloRun is the row shape for a persisted simulation result, keyed
// by run_key. cmd/migrate creates the table; the simulator neither writes
// nor reads these rows, so an identical request is simulated again.
type MonteCarloRun struct {
	ID                   uint           `gorm:"primaryKey" json:"id"`
	RunKey               string         `gorm:"uniqueIndex;size:64;not null" json:"run_key"`
	LegsCount            int            `json:"legs_count"`
	DrawsRequested       int            `json:"draws_requested"`
	DrawsExecuted        int            `json:"draws_executed"`
	VarianceEstimate     float64        `json:"variance_estimate"`
	EVIndependent        float64        `json:"ev_independent"`
	EVAdjusted           float64        `json:"ev_adjusted"`
	ProbJoint            float64        `json:"prob_joint"`
	DistributionSnapshots datatypes.JSON `gorm:"type:jsonb" json:"distribution_snapshots"`
	Parameters           datatypes.JSON `gorm:"type:jsonb" json:"parameters"`
	CreatedAt            time.Time      `json:"created_at"`
}

func (MonteCarloRun) TableName() string { return "monte_carlo_runs" }

package models

import (
	"time"

	"gorm.io/datatypes"
)

// Objective selects the portfolio optimizer's scoring function.
type Objective string

const (
	ObjectiveEV         Objective = "EV"
	ObjectiveEVVarRatio Objective = "EV_VAR_RATIO"
	ObjectiveTargetProb Objective = "TARGET_PROB"
)

// RunStatus is an OptimizationRun's lifecycle state.
type RunStatus string

const (
	RunStatusRunning RunStatus = "RUNNING"
	RunStatusSuccess RunStatus = "SUCCESS"
	RunStatusFailed  RunStatus = "FAILED"
	RunStatusPartial RunStatus = "PARTIAL"
)

// OptimizationRun records one beam-search invocation of component G.
type OptimizationRun struct {
	ID                 uint           `gorm:"primaryKey" json:"id"`
	Objective          Objective      `gorm:"size:20;not null" json:"objective"`
	InputEdgeIDs       datatypes.JSON `gorm:"type:jsonb;not null" json:"input_edge_ids"`
	Constraints        datatypes.JSON `gorm:"type:jsonb" json:"constraints"`
	Status             RunStatus      `gorm:"size:20;not null;default:RUNNING" json:"status"`
	SolutionTicketSets datatypes.JSON `gorm:"type:jsonb" json:"solution_ticket_sets,omitempty"`
	BestScore          *float64       `json:"best_score,omitempty"`
	ErrorMessage       string         `json:"error_message,omitempty"`
	DurationMS         int64          `json:"duration_ms"`
	CreatedAt          time.Time      `json:"created_at"`

	Artifacts []OptimizationArtifact `gorm:"foreignKey:OptimizationRunID;constraint:OnDelete:CASCADE" json:"-"`
}

func (OptimizationRun) TableName() string { return "optimization_runs" }

// ArtifactType distinguishes the kind of trace an OptimizationArtifact holds.
type ArtifactType string

const (
	ArtifactTrace           ArtifactType = "TRACE"
	ArtifactIntermediatePop ArtifactType = "INTERMEDIATE_POP"
	ArtifactHeuristicStep   ArtifactType = "HEURISTIC_STEP"
)

// OptimizationArtifact is owned by its OptimizationRun and deleted
// transitively when the run is deleted.
type OptimizationArtifact struct {
	ID                uint           `gorm:"primaryKey" json:"id"`
	OptimizationRunID uint           `gorm:"not null;index" json:"optimization_run_id"`
	ArtifactType      ArtifactType   `gorm:"size:20;not null" json:"artifact_type"`
	Content           datatypes.JSON `gorm:"type:jsonb;not null" json:"content"`
	CreatedAt         time.Time      `json:"created_at"`
}

func (OptimizationArtifact) TableName() string { return "optimization_artifacts" }

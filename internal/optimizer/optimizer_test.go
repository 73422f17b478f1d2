package optimizer

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jstittsworth/wagering-core/internal/correlation"
	"github.com/jstittsworth/wagering-core/internal/models"
	"github.com/jstittsworth/wagering-core/internal/montecarlo"
)

type fakeCorrProvider struct {
	matrix correlation.MatrixResult
}

func (f fakeCorrProvider) ComputePairwise(ctx context.Context, propIDs []string, cfg correlation.Config) (correlation.MatrixResult, error) {
	n := len(propIDs)
	m := make([][]float64, n)
	for i := range m {
		m[i] = make([]float64, n)
		for j := range m[i] {
			if i == j {
				m[i][j] = 1
			} else {
				m[i][j] = f.corrBetween(propIDs[i], propIDs[j])
			}
		}
	}
	return correlation.MatrixResult{PropIDs: propIDs, Matrix: m}, nil
}

func (f fakeCorrProvider) corrBetween(a, b string) float64 {
	for i, row := range f.matrix.PropIDs {
		if row != a {
			continue
		}
		for j, col := range f.matrix.PropIDs {
			if col == b {
				return f.matrix.Matrix[i][j]
			}
		}
	}
	return 0
}

type fakeSimulator struct{}

func (fakeSimulator) Simulate(ctx context.Context, legs []montecarlo.Leg, corr [][]float64, params montecarlo.Params) (montecarlo.Result, error) {
	p := 1.0
	for _, l := range legs {
		p *= l.ProbOver
	}
	return montecarlo.Result{ProbJoint: p, CILow: p - 0.01, CIHigh: p + 0.01, EVAdjusted: p}, nil
}

func edge(id, propID string, ev, prob, vol float64) models.Edge {
	return models.Edge{EdgeID: id, PropID: propID, EV: ev, ProbOver: prob, VolatilityScore: vol}
}

func TestOptimizeEVObjectivePicksHighestScoringSet(t *testing.T) {
	edges := []models.Edge{
		edge("e1", "p1", 0.05, 0.55, 0.2),
		edge("e2", "p2", 0.06, 0.58, 0.2),
		edge("e3", "p3", 0.01, 0.51, 0.2),
	}
	corr := fakeCorrProvider{matrix: correlation.MatrixResult{
		PropIDs: []string{"p1", "p2", "p3"},
		Matrix: [][]float64{
			{1, 0.1, 0.1},
			{0.1, 1, 0.1},
			{0.1, 0.1, 1},
		},
	}}
	eng := New(corr, fakeSimulator{}, nil, nil)
	cfg := DefaultConstraints()
	cfg.MinLegs = 2
	cfg.MaxLegs = 3

	solutions, err := eng.Optimize(context.Background(), edges, models.ObjectiveEV, cfg)
	require.NoError(t, err)
	require.NotEmpty(t, solutions)
	assert.GreaterOrEqual(t, len(solutions[0].EdgeIDs), 2)
}

func TestOptimizeFiltersCandidatesBelowMinEV(t *testing.T) {
	edges := []models.Edge{
		edge("e1", "p1", 0.001, 0.55, 0.2),
		edge("e2", "p2", 0.001, 0.55, 0.2),
	}
	corr := fakeCorrProvider{matrix: correlation.MatrixResult{PropIDs: []string{"p1", "p2"}, Matrix: [][]float64{{1, 0}, {0, 1}}}}
	eng := New(corr, fakeSimulator{}, nil, nil)
	_, err := eng.Optimize(context.Background(), edges, models.ObjectiveEV, DefaultConstraints())
	require.Error(t, err)
}

func TestOptimizeRejectsOverPairwiseCorrelation(t *testing.T) {
	edges := []models.Edge{
		edge("e1", "p1", 0.05, 0.55, 0.2),
		edge("e2", "p2", 0.05, 0.55, 0.2),
	}
	corr := fakeCorrProvider{matrix: correlation.MatrixResult{
		PropIDs: []string{"p1", "p2"},
		Matrix:  [][]float64{{1, 0.9}, {0.9, 1}},
	}}
	eng := New(corr, fakeSimulator{}, nil, nil)
	cfg := DefaultConstraints()
	cfg.MinLegs = 2
	cfg.MaxPairwiseCorrelation = 0.7

	solutions, err := eng.Optimize(context.Background(), edges, models.ObjectiveEV, cfg)
	require.NoError(t, err)
	for _, s := range solutions {
		assert.Less(t, len(s.EdgeIDs), 2)
	}
}

func TestOptimizeRespectsPlayerExposureCap(t *testing.T) {
	player := "player-a"
	edges := []models.Edge{
		{EdgeID: "e1", PropID: "p1", EV: 0.05, ProbOver: 0.55, PlayerID: &player},
		{EdgeID: "e2", PropID: "p2", EV: 0.05, ProbOver: 0.55, PlayerID: &player},
		{EdgeID: "e3", PropID: "p3", EV: 0.05, ProbOver: 0.55},
		{EdgeID: "e4", PropID: "p4", EV: 0.05, ProbOver: 0.55},
	}
	corr := fakeCorrProvider{matrix: correlation.MatrixResult{
		PropIDs: []string{"p1", "p2", "p3", "p4"},
		Matrix: [][]float64{
			{1, 0, 0, 0},
			{0, 1, 0, 0},
			{0, 0, 1, 0},
			{0, 0, 0, 1},
		},
	}}
	eng := New(corr, fakeSimulator{}, nil, nil)
	cfg := DefaultConstraints()
	cfg.MinLegs = 2
	cfg.MaxLegs = 4
	cfg.MaxExposurePerPlayer = 0.34 // at most 1-in-3 legs may share a player

	solutions, err := eng.Optimize(context.Background(), edges, models.ObjectiveEV, cfg)
	require.NoError(t, err)
	for _, s := range solutions {
		count := 0
		for _, id := range s.EdgeIDs {
			if id == "e1" || id == "e2" {
				count++
			}
		}
		if len(s.EdgeIDs) > 0 {
			assert.LessOrEqual(t, float64(count)/float64(len(s.EdgeIDs)), cfg.MaxExposurePerPlayer+1e-9)
		}
	}
}

func TestOptimizeTargetProbDropsInfeasibleSolutions(t *testing.T) {
	edges := []models.Edge{
		edge("e1", "p1", 0.05, 0.3, 0.2),
		edge("e2", "p2", 0.05, 0.3, 0.2),
	}
	corr := fakeCorrProvider{matrix: correlation.MatrixResult{
		PropIDs: []string{"p1", "p2"},
		Matrix:  [][]float64{{1, 0}, {0, 1}},
	}}
	eng := New(corr, fakeSimulator{}, nil, nil)
	cfg := DefaultConstraints()
	cfg.MinLegs = 2
	cfg.TargetProbability = 0.5 // 0.3*0.3 = 0.09, infeasible

	solutions, err := eng.Optimize(context.Background(), edges, models.ObjectiveTargetProb, cfg)
	require.NoError(t, err)
	assert.Empty(t, solutions)
}

func TestOptimizeAnnotatesSolutionsWithMonteCarloResult(t *testing.T) {
	edges := []models.Edge{
		edge("e1", "p1", 0.05, 0.6, 0.2),
		edge("e2", "p2", 0.05, 0.6, 0.2),
	}
	corr := fakeCorrProvider{matrix: correlation.MatrixResult{
		PropIDs: []string{"p1", "p2"},
		Matrix:  [][]float64{{1, 0}, {0, 1}},
	}}
	eng := New(corr, fakeSimulator{}, nil, nil)
	cfg := DefaultConstraints()
	cfg.MinLegs = 2

	solutions, err := eng.Optimize(context.Background(), edges, models.ObjectiveEV, cfg)
	require.NoError(t, err)
	require.NotEmpty(t, solutions)
	require.NotNil(t, solutions[0].Annotation)
	assert.InDelta(t, 0.36, solutions[0].Annotation.ProbJoint, 1e-9)
}

func TestOptimizeCancelledContextReturnsCancelledBeforeSearchExpands(t *testing.T) {
	edges := []models.Edge{
		edge("e1", "p1", 0.05, 0.55, 0.2),
		edge("e2", "p2", 0.05, 0.55, 0.2),
		edge("e3", "p3", 0.05, 0.55, 0.2),
	}
	corr := fakeCorrProvider{matrix: correlation.MatrixResult{
		PropIDs: []string{"p1", "p2", "p3"},
		Matrix:  [][]float64{{1, 0, 0}, {0, 1, 0}, {0, 0, 1}},
	}}
	eng := New(corr, fakeSimulator{}, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	cfg := DefaultConstraints()
	cfg.MinLegs = 2
	cfg.MaxLegs = 3

	_, err := eng.Optimize(ctx, edges, models.ObjectiveEV, cfg)
	require.Error(t, err)
}

func TestOptimizeCancelledAfterHarvestReturnsPartialSolutions(t *testing.T) {
	edges := []models.Edge{
		edge("e1", "p1", 0.05, 0.55, 0.2),
		edge("e2", "p2", 0.05, 0.55, 0.2),
		edge("e3", "p3", 0.05, 0.55, 0.2),
	}
	corr := fakeCorrProvider{matrix: correlation.MatrixResult{
		PropIDs: []string{"p1", "p2", "p3"},
		Matrix:  [][]float64{{1, 0, 0}, {0, 1, 0}, {0, 0, 1}},
	}}
	eng := New(corr, fakeSimulator{}, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	cfg := DefaultConstraints()
	cfg.MinLegs = 1
	cfg.MaxLegs = 3

	solutions, err := eng.Optimize(ctx, edges, models.ObjectiveEV, cfg)
	require.Error(t, err)
	assert.NotEmpty(t, solutions, "single-leg beam states harvested before cancellation should not be discarded")
}

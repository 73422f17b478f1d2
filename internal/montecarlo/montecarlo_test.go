package montecarlo

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func identity(n int) [][]float64 {
	m := make([][]float64, n)
	for i := range m {
		m[i] = make([]float64, n)
		m[i][i] = 1
	}
	return m
}

func TestSimulateIndependentLegsMatchesProductOfProbabilities(t *testing.T) {
	sim := New()
	legs := []Leg{
		{EdgeID: "e1", PropID: "p1", ProbOver: 0.55},
		{EdgeID: "e2", PropID: "p2", ProbOver: 0.60},
	}
	res, err := sim.Simulate(context.Background(), legs, identity(2), Params{
		DrawsRequested: 50000,
		Seed:           42,
		HasSeed:        true,
	})
	require.NoError(t, err)
	assert.InDelta(t, 0.33, res.ProbJoint, 0.01)
	assert.Equal(t, 50000, res.DrawsExecuted)
	assert.InDelta(t, 0.33, res.EVIndependent, 1e-9)
}

func TestSimulateSingleLegReturnsLegProbability(t *testing.T) {
	sim := New()
	legs := []Leg{{EdgeID: "e1", PropID: "p1", ProbOver: 0.7}}
	res, err := sim.Simulate(context.Background(), legs, identity(1), Params{
		DrawsRequested: 20000,
		Seed:           7,
		HasSeed:        true,
	})
	require.NoError(t, err)
	assert.InDelta(t, 0.7, res.ProbJoint, 0.02)
}

func TestSimulateAdaptiveStopsBeforeMaxDraws(t *testing.T) {
	sim := New()
	legs := []Leg{
		{EdgeID: "e1", PropID: "p1", ProbOver: 0.5},
		{EdgeID: "e2", PropID: "p2", ProbOver: 0.5},
	}
	res, err := sim.Simulate(context.Background(), legs, identity(2), Params{
		Adaptive:       true,
		DrawsRequested: 100000,
		MaxDraws:       100000,
		TargetCIWidth:  0.05,
		Seed:           1,
		HasSeed:        true,
	})
	require.NoError(t, err)
	assert.True(t, res.AdaptiveStopped)
	assert.Less(t, res.DrawsExecuted, 100000)
}

func TestSimulatePositiveCorrelationRaisesJointProbability(t *testing.T) {
	sim := New()
	legs := []Leg{
		{EdgeID: "e1", PropID: "p1", ProbOver: 0.5},
		{EdgeID: "e2", PropID: "p2", ProbOver: 0.5},
	}
	independent, err := sim.Simulate(context.Background(), legs, identity(2), Params{
		DrawsRequested: 40000, Seed: 3, HasSeed: true,
	})
	require.NoError(t, err)

	correlated, err := sim.Simulate(context.Background(), legs, [][]float64{
		{1, 0.8},
		{0.8, 1},
	}, Params{DrawsRequested: 40000, Seed: 3, HasSeed: true})
	require.NoError(t, err)

	assert.Greater(t, correlated.ProbJoint, independent.ProbJoint)
}

func TestSimulateRejectsMismatchedMatrixDimension(t *testing.T) {
	sim := New()
	legs := []Leg{{EdgeID: "e1", PropID: "p1", ProbOver: 0.5}}
	_, err := sim.Simulate(context.Background(), legs, identity(2), Params{DrawsRequested: 1000})
	require.Error(t, err)
}

func TestSimulateRejectsBoundaryProbabilities(t *testing.T) {
	sim := New()
	legs := []Leg{{EdgeID: "e1", PropID: "p1", ProbOver: 1.0}}
	_, err := sim.Simulate(context.Background(), legs, identity(1), Params{DrawsRequested: 1000})
	require.Error(t, err)
}

func TestSimulateCancelledContextReturnsCancelled(t *testing.T) {
	sim := New()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	legs := []Leg{{EdgeID: "e1", PropID: "p1", ProbOver: 0.5}}
	_, err := sim.Simulate(ctx, legs, identity(1), Params{DrawsRequested: 1000000, BatchSize: 1})
	require.Error(t, err)
}

func TestCholeskyCacheReusesFactorForSameMatrix(t *testing.T) {
	sim := New()
	m := identity(2)
	_, reg1, err := sim.choleskyFor(m)
	require.NoError(t, err)
	_, reg2, err := sim.choleskyFor(m)
	require.NoError(t, err)
	assert.Equal(t, reg1, reg2)
	assert.Len(t, sim.cholesky, 1)
}

func TestRunKeyIsOrderIndependentOverLegs(t *testing.T) {
	legs1 := []Leg{{EdgeID: "a", ProbOver: 0.5}, {EdgeID: "b", ProbOver: 0.6}}
	legs2 := []Leg{{EdgeID: "b", ProbOver: 0.6}, {EdgeID: "a", ProbOver: 0.5}}
	params := Params{DrawsRequested: 1000, Seed: 1}
	assert.Equal(t, runKey(legs1, identity(2), params), runKey(legs2, identity(2), params))
}

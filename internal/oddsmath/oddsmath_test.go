package oddsmath

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAmericanDecimalRoundTrip(t *testing.T) {
	cases := []int{-500, -250, -110, -101, 100, 101, 110, 250, 500}
	for _, a := range cases {
		d, err := AmericanToDecimal(a)
		require.NoError(t, err)
		back, err := DecimalToAmerican(d)
		require.NoError(t, err)
		tolerance := 1
		if math.Abs(float64(a)) < 200 {
			tolerance = 1
		}
		assert.InDelta(t, a, back, float64(tolerance), "round trip for %d", a)
	}
}

func TestAmericanToDecimalRejectsZero(t *testing.T) {
	_, err := AmericanToDecimal(0)
	require.Error(t, err)
}

func TestImpliedProbBounds(t *testing.T) {
	for _, a := range []int{-1000, -110, 100, 1000} {
		p, err := ImpliedProb(a)
		require.NoError(t, err)
		assert.Greater(t, p, 0.0)
		assert.Less(t, p, 1.0)
		d, _ := AmericanToDecimal(a)
		assert.InDelta(t, 1/d, p, epsilon)
	}
}

func TestRemoveVigTwoWayEvenJuice(t *testing.T) {
	// Scenario 1 from spec.md §8: over=-110, under=-110.
	pOver, _ := ImpliedProb(-110)
	pUnder, _ := ImpliedProb(-110)
	result, err := RemoveVigTwoWay(pOver, pUnder)
	require.NoError(t, err)
	assert.InDelta(t, 0.5, result.ProbA, epsilon)
	assert.InDelta(t, 0.5, result.ProbB, epsilon)
	assert.True(t, result.VigDetected)

	edge, err := CalculateEdge(0.60, result.ProbA)
	require.NoError(t, err)
	assert.InDelta(t, 0.10, edge, epsilon)
}

func TestRemoveVigTwoWayAsymmetric(t *testing.T) {
	// Scenario 2 from spec.md §8: over=-105, under=-115.
	pOver, _ := ImpliedProb(-105)
	pUnder, _ := ImpliedProb(-115)
	assert.InDelta(t, 0.5122, pOver, 1e-3)
	assert.InDelta(t, 0.5349, pUnder, 1e-3)

	result, err := RemoveVigTwoWay(pOver, pUnder)
	require.NoError(t, err)
	assert.InDelta(t, 0.4892, result.ProbA, 1e-3)
	assert.InDelta(t, 0.5108, result.ProbB, 1e-3)
	assert.InDelta(t, 1.0, result.ProbA+result.ProbB, epsilon)
}

func TestRemoveVigTwoWayPreservesOrder(t *testing.T) {
	result, err := RemoveVigTwoWay(0.58, 0.50)
	require.NoError(t, err)
	assert.True(t, result.ProbA > result.ProbB)
}

func TestRemoveVigTwoWayNoVigAdvisory(t *testing.T) {
	result, err := RemoveVigTwoWay(0.45, 0.50)
	require.NoError(t, err)
	assert.False(t, result.VigDetected)
	assert.NotEmpty(t, result.AdvisoryNote)
	assert.Equal(t, 0.45, result.ProbA)
}

func TestCalculateEdgeRejectsOutOfRange(t *testing.T) {
	_, err := CalculateEdge(1.5, 0.5)
	require.Error(t, err)
}

func TestBetterOddsOrdering(t *testing.T) {
	assert.True(t, BetterOdds(110, -105))
	assert.False(t, BetterOdds(-105, 110))
	assert.True(t, BetterOdds(120, 110))
	assert.True(t, BetterOdds(-105, -110))
	assert.False(t, BetterOdds(-110, -105))
}

func TestArbitrageDetection(t *testing.T) {
	// Scenario 3 from spec.md §8: best over +110, best under +105.
	result, err := Arbitrage(110, 105)
	require.NoError(t, err)
	assert.True(t, result.Exists)
	assert.InDelta(t, 3.73, result.ProfitPct, 0.1)
}

func TestArbitrageNoneWhenMarketRound(t *testing.T) {
	result, err := Arbitrage(-110, -110)
	require.NoError(t, err)
	assert.False(t, result.Exists)
}

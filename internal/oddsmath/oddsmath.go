// Package oddsmath implements the pure, stateless odds arithmetic of
// spec.md 4.A: American/decimal conversion, implied probability, vig
// removal, edge calculation and best-odds/arbitrage ordering. Nothing in
// this package touches the database, the cache, or the clock.
package oddsmath

import (
	"math"

	"github.com/jstittsworth/wagering-core/internal/apperr"
)

// precision matches spec.md 4.A: probabilities round to 4 decimal places,
// and equality comparisons use a 1e-4 tolerance.
const (
	precision = 1e4
	epsilon   = 1e-4
)

func round4(p float64) float64 {
	return math.Round(p*precision) / precision
}

// AmericanToDecimal converts American odds to decimal (total-return) odds.
func AmericanToDecimal(a int) (float64, error) {
	if a == 0 {
		return 0, apperr.New(apperr.KindInvalidOdds, "american odds cannot be zero")
	}
	if a > 0 {
		return 1 + float64(a)/100, nil
	}
	return 1 + 100/float64(-a), nil
}

// DecimalToAmerican converts decimal odds back to American odds.
func DecimalToAmerican(d float64) (int, error) {
	if d <= 1 {
		return 0, apperr.New(apperr.KindInvalidOdds, "decimal odds must exceed 1.0")
	}
	if d >= 2 {
		return int(math.Round((d - 1) * 100)), nil
	}
	return int(math.Round(-100 / (d - 1))), nil
}

// ImpliedProb returns the with-vig implied probability of American odds.
func ImpliedProb(a int) (float64, error) {
	d, err := AmericanToDecimal(a)
	if err != nil {
		return 0, err
	}
	return round4(1 / d), nil
}

// VigRemovalResult carries the rescaled probabilities plus an advisory for
// when the input market already summed to (or under) 1.
type VigRemovalResult struct {
	ProbA        float64
	ProbB        float64
	VigDetected  bool
	AdvisoryNote string
}

// RemoveVigTwoWay rescales a two-way market's implied probabilities to sum
// to 1. When the inputs already sum to <= 1, they are returned unchanged
// with an advisory rather than an error — spec.md 4.A treats "no vig
// detected" as informational, not a failure.
func RemoveVigTwoWay(pA, pB float64) (VigRemovalResult, error) {
	if pA < 0 || pA > 1 || pB < 0 || pB > 1 {
		return VigRemovalResult{}, apperr.New(apperr.KindInvalidProbability, "probabilities must lie in [0,1]")
	}
	sum := pA + pB
	if sum <= 1 {
		return VigRemovalResult{
			ProbA:        round4(pA),
			ProbB:        round4(pB),
			VigDetected:  false,
			AdvisoryNote: "no vig detected: market probabilities do not exceed 1",
		}, nil
	}
	return VigRemovalResult{
		ProbA:       round4(pA / sum),
		ProbB:       round4(pB / sum),
		VigDetected: true,
	}, nil
}

// RemoveVigNWay generalizes RemoveVigTwoWay to an arbitrary number of
// outcomes by the same proportional rescaling.
func RemoveVigNWay(probs []float64) ([]float64, error) {
	sum := 0.0
	for _, p := range probs {
		if p < 0 || p > 1 {
			return nil, apperr.New(apperr.KindInvalidProbability, "probabilities must lie in [0,1]")
		}
		sum += p
	}
	out := make([]float64, len(probs))
	if sum <= 1 || sum == 0 {
		for i, p := range probs {
			out[i] = round4(p)
		}
		return out, nil
	}
	for i, p := range probs {
		out[i] = round4(p / sum)
	}
	return out, nil
}

// CalculateEdge is the model probability minus the market no-vig probability.
func CalculateEdge(pModel, pMarket float64) (float64, error) {
	if pModel < 0 || pModel > 1 || pMarket < 0 || pMarket > 1 {
		return 0, apperr.New(apperr.KindInvalidProbability, "probabilities must lie in [0,1]")
	}
	return round4(pModel - pMarket), nil
}

// BetterOdds reports whether candidate American odds are a better price
// than current for the same side of a market: positive beats negative;
// among positives, greater is better; among negatives, closer to zero wins.
func BetterOdds(candidate, current int) bool {
	switch {
	case candidate > 0 && current <= 0:
		return true
	case candidate <= 0 && current > 0:
		return false
	case candidate > 0 && current > 0:
		return candidate > current
	default: // both negative (or one/both zero, which never reaches here from valid odds)
		return candidate > current
	}
}

// ArbitrageResult reports whether a pair of best over/under American odds
// constitutes a guaranteed-profit arbitrage, per spec.md 4.A.
type ArbitrageResult struct {
	Exists    bool
	ProfitPct float64
	ProbOver  float64
	ProbUnder float64
}

// Arbitrage evaluates the best available over/under American odds pair.
func Arbitrage(bestOverAmerican, bestUnderAmerican int) (ArbitrageResult, error) {
	pOver, err := ImpliedProb(bestOverAmerican)
	if err != nil {
		return ArbitrageResult{}, err
	}
	pUnder, err := ImpliedProb(bestUnderAmerican)
	if err != nil {
		return ArbitrageResult{}, err
	}
	sum := pOver + pUnder
	if sum < 1-epsilon {
		return ArbitrageResult{
			Exists:    true,
			ProfitPct: round4((1/sum - 1) * 100),
			ProbOver:  pOver,
			ProbUnder: pUnder,
		}, nil
	}
	return ArbitrageResult{ProbOver: pOver, ProbUnder: pUnder}, nil
}

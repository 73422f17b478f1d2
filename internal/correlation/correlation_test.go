package correlation

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

type fakeSource struct {
	series map[string][]float64
}

func (f fakeSource) FetchSeries(ctx context.Context, propID string, lookbackDays int) ([]float64, error) {
	s, ok := f.series[propID]
	if !ok {
		return nil, nil
	}
	return s, nil
}

func gen(n int, f func(i int) float64) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = f(i)
	}
	return out
}

func TestComputePairwiseInsufficientSamplesReturnsInsufficientData(t *testing.T) {
	src := fakeSource{series: map[string][]float64{
		"a": {1, 2, 3},
		"b": {1, 2, 3, 4, 5, 6, 7, 8, 9, 10},
	}}
	eng := New(src, nil, nil)
	_, err := eng.ComputePairwise(context.Background(), []string{"a", "b"}, DefaultConfig())
	require.Error(t, err)
}

func TestComputePairwiseProducesSymmetricPSDMatrix(t *testing.T) {
	src := fakeSource{series: map[string][]float64{
		"a": gen(50, func(i int) float64 { return math.Sin(float64(i)) }),
		"b": gen(50, func(i int) float64 { return math.Sin(float64(i)) + 0.01*float64(i%3) }),
		"c": gen(50, func(i int) float64 { return math.Cos(float64(i)) }),
	}}
	eng := New(src, nil, nil)
	res, err := eng.ComputePairwise(context.Background(), []string{"a", "b", "c"}, DefaultConfig())
	require.NoError(t, err)

	assert.True(t, res.Diagnostics.IsSymmetric)
	assert.True(t, res.Diagnostics.IsPSD)
	for i := range res.Matrix {
		assert.InDelta(t, 1.0, res.Matrix[i][i], 1e-6)
		for j := range res.Matrix[i] {
			assert.GreaterOrEqual(t, res.Matrix[i][j], -1.0-1e-9)
			assert.LessOrEqual(t, res.Matrix[i][j], 1.0+1e-9)
			assert.InDelta(t, res.Matrix[i][j], res.Matrix[j][i], 1e-9)
		}
	}
}

func TestEnforcePSDReportsDiagnosticsFromClippedSpectrum(t *testing.T) {
	// A matrix with a negative eigenvalue: not a valid correlation matrix on
	// its own, forcing enforcePSD's spectral clip to actually engage.
	in := mat.NewSymDense(3, []float64{
		1, 0.9, -0.9,
		0.9, 1, 0.9,
		-0.9, 0.9, 1,
	})
	var eig mat.EigenSym
	require.True(t, eig.Factorize(in, true), "input must be factorizable for this test to exercise the clip path")
	hasNegative := false
	for _, v := range eig.Values(nil) {
		if v < 0 {
			hasNegative = true
		}
	}
	require.True(t, hasNegative, "test fixture must have a negative eigenvalue")

	out, diag := enforcePSD(in)

	assert.True(t, diag.IsSymmetric)
	assert.True(t, diag.IsPSD, "diagnostics must reflect the clipped, PSD-by-construction output matrix")
	assert.GreaterOrEqual(t, diag.MinEigenvalue, -1e-9)

	n, _ := out.Dims()
	var outEig mat.EigenSym
	require.True(t, outEig.Factorize(out, false))
	for _, v := range outEig.Values(nil) {
		assert.GreaterOrEqual(t, v, -1e-6, "returned matrix must actually be PSD")
	}
	for i := 0; i < n; i++ {
		assert.InDelta(t, 1.0, out.At(i, i), 1e-9)
	}
}

func TestFactorModelRespectsMaxFactorsAndExplainedVariance(t *testing.T) {
	src := fakeSource{series: map[string][]float64{
		"a": gen(60, func(i int) float64 { return float64(i%7) + math.Sin(float64(i)) }),
		"b": gen(60, func(i int) float64 { return float64(i%7) + math.Sin(float64(i))*0.9 }),
		"c": gen(60, func(i int) float64 { return float64(i%5) - math.Cos(float64(i)) }),
		"d": gen(60, func(i int) float64 { return float64(i%5) - math.Cos(float64(i))*0.9 }),
	}}
	cfg := DefaultConfig()
	cfg.MaxFactors = 2
	eng := New(src, nil, nil)
	res, err := eng.FactorModel(context.Background(), []string{"a", "b", "c", "d"}, cfg)
	require.NoError(t, err)

	assert.LessOrEqual(t, len(res.Eigenvalues), 2)
	assert.Equal(t, len(res.Loadings), 4)
	for _, row := range res.Loadings {
		assert.Len(t, row, len(res.Eigenvalues))
	}
}

func TestCopulaParamsReturnsMarginalsPerProp(t *testing.T) {
	src := fakeSource{series: map[string][]float64{
		"a": gen(30, func(i int) float64 { return float64(i) }),
		"b": gen(30, func(i int) float64 { return float64(30 - i) }),
	}}
	eng := New(src, nil, nil)
	res, err := eng.CopulaParams(context.Background(), []string{"a", "b"}, DefaultConfig())
	require.NoError(t, err)

	require.Contains(t, res.Marginals, "a")
	require.Contains(t, res.Marginals, "b")
	assert.Equal(t, 30, res.Marginals["a"].Samples)
	assert.InDelta(t, 14.5, res.Marginals["a"].Mean, 1e-9)
}

func TestSpearmanHandlesTiesViaAverageRank(t *testing.T) {
	a := []float64{1, 2, 2, 3}
	b := []float64{1, 2, 2, 3}
	c := pairwiseCorrelation(a, b, MethodSpearman)
	assert.InDelta(t, 1.0, c, 1e-9)
}

// Package correlation implements the correlation engine of spec.md 4.D:
// pairwise matrix estimation, shrinkage, PSD enforcement, a leading-factor
// decomposition, and Gaussian copula parameter extraction. It leans on
// gonum's mat/stat packages the way the teacher's
// services/optimization-service/internal/analytics/portfolio package leans
// on them for covariance and eigen work.
package correlation

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"github.com/jstittsworth/wagering-core/internal/apperr"
	"github.com/jstittsworth/wagering-core/internal/cache"
)

// Method selects how the pairwise matrix is estimated.
type Method string

const (
	MethodPearson  Method = "pearson"
	MethodSpearman Method = "spearman"
)

// HistorySource yields a historical outcome series for a proposition. The
// core does not own historical-data ingestion; callers inject this.
type HistorySource interface {
	FetchSeries(ctx context.Context, propID string, lookbackDays int) ([]float64, error)
}

// Config bounds a single compute_correlation request, per spec.md 4.D.
type Config struct {
	Method          Method
	LookbackDays    int
	MinObservations int
	MinSamples      int
	Shrinkage       bool
	Alpha           float64
	MinExplained    float64
	MaxFactors      int
	VersionTag      string
}

func DefaultConfig() Config {
	return Config{
		Method:          MethodPearson,
		LookbackDays:    90,
		MinObservations: 8,
		MinSamples:      8,
		Shrinkage:       true,
		Alpha:           0.1,
		MinExplained:    0.6,
		MaxFactors:      3,
		VersionTag:      "v1",
	}
}

// Diagnostics accompanies every matrix produced by the engine.
type Diagnostics struct {
	IsSymmetric     bool    `json:"is_symmetric"`
	IsPSD           bool    `json:"is_psd"`
	MinEigenvalue   float64 `json:"min_eigenvalue"`
	ConditionNumber float64 `json:"condition_number"`
	MaxOffDiagonal  float64 `json:"max_off_diagonal"`
	MeanCorrelation float64 `json:"mean_correlation"`
	RankDeficiency  int     `json:"rank_deficiency"`
	Degraded        bool    `json:"degraded"`
}

// MatrixResult is the pairwise-correlation output of step 2-5.
type MatrixResult struct {
	PropIDs         []string    `json:"prop_ids"`
	Matrix          [][]float64 `json:"matrix"`
	Diagnostics     Diagnostics `json:"diagnostics"`
	NumObservations int         `json:"num_observations"`
}

// FactorResult is the leading-factor decomposition of step 6.
type FactorResult struct {
	PropIDs               []string    `json:"prop_ids"`
	Loadings              [][]float64 `json:"loadings"` // n x k, row-major
	Eigenvalues            []float64  `json:"eigenvalues"`
	ExplainedVarianceRatio float64    `json:"explained_variance_ratio"`
	SampleSize             int        `json:"sample_size"`
}

// Marginal describes one proposition's estimated marginal distribution.
type Marginal struct {
	Mean    float64 `json:"mean"`
	Std     float64 `json:"std"`
	Samples int     `json:"samples"`
}

// CopulaResult is the Gaussian copula parameterization of step 7.
type CopulaResult struct {
	PropIDs   []string            `json:"prop_ids"`
	Matrix    [][]float64         `json:"matrix"`
	Marginals map[string]Marginal `json:"marginals"`
}

// Engine is the correlation engine. Construct one per process; it is safe
// for concurrent use since all mutable state lives in the injected cache.
type Engine struct {
	source HistorySource
	cache  *cache.Cache
	log    *logrus.Entry
}

func New(source HistorySource, c *cache.Cache, log *logrus.Entry) *Engine {
	return &Engine{source: source, cache: c, log: log}
}

// seriesBundle is the common-support outcome data collected for a set of
// prop_ids before any matrix math runs.
type seriesBundle struct {
	propIDs []string
	series  [][]float64
}

func (e *Engine) collect(ctx context.Context, propIDs []string, cfg Config) (seriesBundle, error) {
	minSamples := cfg.MinSamples
	if minSamples <= 0 {
		minSamples = 8
	}

	sorted := append([]string(nil), propIDs...)
	sort.Strings(sorted)

	var kept []string
	var series [][]float64
	for _, id := range sorted {
		s, err := e.source.FetchSeries(ctx, id, cfg.LookbackDays)
		if err != nil {
			if e.log != nil {
				e.log.WithError(err).WithField("prop_id", id).Warn("failed to fetch correlation history")
			}
			continue
		}
		if len(s) < minSamples {
			continue
		}
		kept = append(kept, id)
		series = append(series, s)
	}

	if len(kept) < 2 {
		return seriesBundle{}, apperr.New(apperr.KindInsufficientData, fmt.Sprintf("only %d propositions have >= %d usable samples", len(kept), minSamples))
	}
	return seriesBundle{propIDs: kept, series: series}, nil
}

// commonSupport trims two series to their shared length, taking the tail
// (most recent observations) when lengths differ.
func commonSupport(a, b []float64) ([]float64, []float64) {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	return a[len(a)-n:], b[len(b)-n:]
}

func rank(values []float64) []float64 {
	type idxVal struct {
		idx int
		val float64
	}
	iv := make([]idxVal, len(values))
	for i, v := range values {
		iv[i] = idxVal{i, v}
	}
	sort.Slice(iv, func(i, j int) bool { return iv[i].val < iv[j].val })

	ranks := make([]float64, len(values))
	i := 0
	for i < len(iv) {
		j := i
		for j+1 < len(iv) && iv[j+1].val == iv[i].val {
			j++
		}
		avgRank := float64(i+j)/2 + 1
		for k := i; k <= j; k++ {
			ranks[iv[k].idx] = avgRank
		}
		i = j + 1
	}
	return ranks
}

func pairwiseCorrelation(a, b []float64, method Method) float64 {
	x, y := commonSupport(a, b)
	if len(x) < 2 {
		return 0
	}
	if method == MethodSpearman {
		x, y = rank(x), rank(y)
	}
	c := stat.Correlation(x, y, nil)
	if math.IsNaN(c) || math.IsInf(c, 0) {
		return 0
	}
	if c > 1 {
		c = 1
	}
	if c < -1 {
		c = -1
	}
	return c
}

// buildPairwise computes the raw (un-shrunk, un-PSD-enforced) n x n matrix.
func buildPairwise(bundle seriesBundle, method Method) *mat.SymDense {
	n := len(bundle.propIDs)
	sym := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		sym.SetSym(i, i, 1)
		for j := i + 1; j < n; j++ {
			c := pairwiseCorrelation(bundle.series[i], bundle.series[j], method)
			sym.SetSym(i, j, c)
		}
	}
	return sym
}

// shrink applies Σ' = (1-α)Σ + αI.
func shrink(sym *mat.SymDense, alpha float64) *mat.SymDense {
	n, _ := sym.Dims()
	out := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			v := (1 - alpha) * sym.At(i, j)
			if i == j {
				v += alpha
			}
			out.SetSym(i, j, v)
		}
	}
	return out
}

// enforcePSD spectral-clips eigenvalues below 1e-8, reconstructs, and
// rescales the result to a unit diagonal. Falls back to the identity matrix
// (flagged Degraded) when the eigen-decomposition itself fails to converge.
func enforcePSD(sym *mat.SymDense) (*mat.SymDense, Diagnostics) {
	n, _ := sym.Dims()
	var diag Diagnostics

	var eig mat.EigenSym
	ok := eig.Factorize(sym, true)
	if !ok {
		// Eigen-decomposition itself failed to converge: fall back to the
		// identity (independence) rather than risk a non-PSD matrix reaching
		// the Monte Carlo simulator's Cholesky step.
		out := mat.NewSymDense(n, nil)
		for i := 0; i < n; i++ {
			out.SetSym(i, i, 1)
		}
		diag.Degraded = true
		diag.IsSymmetric = true
		diag.IsPSD = true
		diag.MinEigenvalue = 1
		return out, diag
	}

	values := eig.Values(nil)
	var vecs mat.Dense
	eig.VectorsTo(&vecs)

	clipped := make([]float64, len(values))
	rawMinEig := math.Inf(1)
	clippedMinEig := math.Inf(1)
	for i, v := range values {
		c := v
		if c < 1e-8 {
			c = 1e-8
		}
		clipped[i] = c
		if v < rawMinEig {
			rawMinEig = v
		}
		if c < clippedMinEig {
			clippedMinEig = c
		}
	}

	// Reconstruct: Σ = V diag(clipped) V^T
	diagData := make([]float64, n*n)
	for i, c := range clipped {
		diagData[i*n+i] = c
	}
	diagM := mat.NewDense(n, n, diagData)

	var tmp, recon mat.Dense
	tmp.Mul(&vecs, diagM)
	recon.Mul(&tmp, vecs.T())

	out := mat.NewSymDense(n, nil)
	maxOff := 0.0
	sumOff := 0.0
	countOff := 0
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			v := recon.At(i, j)
			if i == j {
				v = 1
			} else {
				// Scale by the reconstructed diagonal instead of overwriting it:
				// D^-1/2 R D^-1/2 keeps the matrix PSD.
				v /= math.Sqrt(recon.At(i, i) * recon.At(j, j))
				if v > 1 {
					v = 1
				}
				if v < -1 {
					v = -1
				}
				if math.Abs(v) > maxOff {
					maxOff = math.Abs(v)
				}
				sumOff += v
				countOff++
			}
			out.SetSym(i, j, v)
		}
	}

	maxEig := values[len(values)-1]
	cond := math.Inf(1)
	if rawMinEig > 1e-12 {
		cond = maxEig / rawMinEig
	}

	rankDeficiency := 0
	for _, v := range values {
		if v < 1e-8 {
			rankDeficiency++
		}
	}

	meanCorr := 0.0
	if countOff > 0 {
		meanCorr = sumOff / float64(countOff)
	}

	// IsPSD/MinEigenvalue come from the clipped spectrum the returned matrix
	// (out) is built from — not the pre-clip values, which can be negative
	// even though out is PSD by construction.
	diag = Diagnostics{
		IsSymmetric:     true,
		IsPSD:           clippedMinEig >= -1e-9,
		MinEigenvalue:   clippedMinEig,
		ConditionNumber: cond,
		MaxOffDiagonal:  maxOff,
		MeanCorrelation: meanCorr,
		RankDeficiency:  rankDeficiency,
	}
	return out, diag
}

func symToSlices(sym *mat.SymDense) [][]float64 {
	n, _ := sym.Dims()
	out := make([][]float64, n)
	for i := 0; i < n; i++ {
		out[i] = make([]float64, n)
		for j := 0; j < n; j++ {
			out[i][j] = sym.At(i, j)
		}
	}
	return out
}

// ComputePairwise is step 2-5 of spec.md 4.D, cache-backed.
func (e *Engine) ComputePairwise(ctx context.Context, propIDs []string, cfg Config) (MatrixResult, error) {
	key := pairwiseCacheKey(propIDs, cfg)

	var cached MatrixResult
	if e.cache != nil {
		ok, err := e.cache.Get(ctx, cache.NamespaceCorrelation, key, &cached)
		if err == nil && ok {
			return cached, nil
		}
	}

	bundle, err := e.collect(ctx, propIDs, cfg)
	if err != nil {
		return MatrixResult{}, err
	}

	raw := buildPairwise(bundle, cfg.Method)
	working := raw
	if cfg.Shrinkage {
		working = shrink(raw, cfg.Alpha)
	}
	psd, diag := enforcePSD(working)

	result := MatrixResult{
		PropIDs:         bundle.propIDs,
		Matrix:          symToSlices(psd),
		Diagnostics:     diag,
		NumObservations: len(bundle.series[0]),
	}

	if e.cache != nil {
		_ = e.cache.Set(ctx, cache.NamespaceCorrelation, key, result, time.Hour)
	}
	return result, nil
}

// FactorModel is step 6 of spec.md 4.D.
func (e *Engine) FactorModel(ctx context.Context, propIDs []string, cfg Config) (FactorResult, error) {
	key := factorCacheKey(propIDs, cfg)

	var cached FactorResult
	if e.cache != nil {
		ok, err := e.cache.Get(ctx, cache.NamespaceFactor, key, &cached)
		if err == nil && ok {
			return cached, nil
		}
	}

	mr, err := e.ComputePairwise(ctx, propIDs, cfg)
	if err != nil {
		return FactorResult{}, err
	}

	n := len(mr.PropIDs)
	sym := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			sym.SetSym(i, j, mr.Matrix[i][j])
		}
	}

	var eig mat.EigenSym
	maxFactors := cfg.MaxFactors
	if maxFactors <= 0 {
		maxFactors = 3
	}
	minExplained := cfg.MinExplained
	if minExplained <= 0 {
		minExplained = 0.6
	}

	if !eig.Factorize(sym, true) {
		return FactorResult{}, apperr.New(apperr.KindNumericalInstab, "eigen-decomposition failed for factor model")
	}

	values := eig.Values(nil) // ascending
	var vecs mat.Dense
	eig.VectorsTo(&vecs)

	type pair struct {
		val float64
		idx int
	}
	pairs := make([]pair, n)
	totalVar := 0.0
	for i, v := range values {
		pairs[i] = pair{v, i}
		totalVar += v
	}
	sort.Slice(pairs, func(i, j int) bool { return pairs[i].val > pairs[j].val })

	k := 0
	cum := 0.0
	for k < n && k < maxFactors {
		cum += pairs[k].val
		k++
		if totalVar > 0 && cum/totalVar >= minExplained {
			break
		}
	}
	if k == 0 {
		k = 1
	}

	loadings := make([][]float64, n)
	for i := 0; i < n; i++ {
		loadings[i] = make([]float64, k)
		for c := 0; c < k; c++ {
			col := pairs[c].idx
			loadings[i][c] = vecs.At(i, col) * math.Sqrt(math.Max(pairs[c].val, 0))
		}
	}

	eigenvalues := make([]float64, k)
	for c := 0; c < k; c++ {
		eigenvalues[c] = pairs[c].val
	}
	explained := 0.0
	if totalVar > 0 {
		explained = cum / totalVar
	}

	result := FactorResult{
		PropIDs:                mr.PropIDs,
		Loadings:               loadings,
		Eigenvalues:            eigenvalues,
		ExplainedVarianceRatio: explained,
		SampleSize:             mr.NumObservations,
	}

	if e.cache != nil {
		_ = e.cache.Set(ctx, cache.NamespaceFactor, key, result, 2*time.Hour)
	}
	return result, nil
}

// CopulaParams is step 7 of spec.md 4.D.
func (e *Engine) CopulaParams(ctx context.Context, propIDs []string, cfg Config) (CopulaResult, error) {
	mr, err := e.ComputePairwise(ctx, propIDs, cfg)
	if err != nil {
		return CopulaResult{}, err
	}
	bundle, err := e.collect(ctx, mr.PropIDs, cfg)
	if err != nil {
		return CopulaResult{}, err
	}

	marginals := make(map[string]Marginal, len(bundle.propIDs))
	for i, id := range bundle.propIDs {
		s := bundle.series[i]
		mean := stat.Mean(s, nil)
		std := stat.StdDev(s, nil)
		marginals[id] = Marginal{Mean: mean, Std: std, Samples: len(s)}
	}

	return CopulaResult{
		PropIDs:   mr.PropIDs,
		Matrix:    mr.Matrix,
		Marginals: marginals,
	}, nil
}

func pairwiseCacheKey(propIDs []string, cfg Config) string {
	sorted := append([]string(nil), propIDs...)
	sort.Strings(sorted)
	payload, _ := json.Marshal(struct {
		PropIDs   []string `json:"prop_ids"`
		Method    Method   `json:"method"`
		Shrinkage bool     `json:"shrinkage"`
		Alpha     float64  `json:"alpha"`
	}{sorted, cfg.Method, cfg.Shrinkage, cfg.Alpha})
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

func factorCacheKey(propIDs []string, cfg Config) string {
	sorted := append([]string(nil), propIDs...)
	sort.Strings(sorted)
	payload, _ := json.Marshal(struct {
		PropIDs    []string `json:"prop_ids"`
		Method     Method   `json:"method"`
		VersionTag string   `json:"version_tag"`
	}{sorted, cfg.Method, cfg.VersionTag})
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

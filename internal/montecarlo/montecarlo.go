// Package montecarlo implements the Gaussian-copula parlay simulator of
// spec.md 4.F: Cholesky-factor sampling, adaptive batch stopping,
// and a small Cholesky LRU cache. The batched-worker shape follows the
// teacher's services/optimization-service/internal/simulator package; the
// linear algebra leans on gonum the way
// services/optimization-service/internal/analytics/portfolio does.
package montecarlo

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"math"
	"math/rand"
	"sort"
	"sync"
	"time"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/jstittsworth/wagering-core/internal/apperr"
)

const (
	defaultConfidenceLevel = 0.95
	defaultTargetCIWidth   = 0.015
	defaultBatchSize       = 5000
	defaultMinDraws        = 1000
	defaultMaxDraws        = 100000
	minEigenFloor          = 1e-8
	choleskyCacheCapacity  = 50
)

// Leg is one parlay leg's marginal success probability.
type Leg struct {
	EdgeID   string
	PropID   string
	ProbOver float64
}

// Params configures one simulation run, per spec.md 4.F.
type Params struct {
	DrawsRequested   int
	Adaptive         bool
	Seed             int64
	HasSeed          bool
	ConfidenceLevel  float64
	TargetCIWidth    float64
	BatchSize        int
	MinDraws         int
	MaxDraws         int
	FactorLoadings   [][]float64 // optional n x k; not read: draws always use the Cholesky factor of the correlation matrix
}

func (p Params) withDefaults() Params {
	if p.ConfidenceLevel <= 0 {
		p.ConfidenceLevel = defaultConfidenceLevel
	}
	if p.TargetCIWidth <= 0 {
		p.TargetCIWidth = defaultTargetCIWidth
	}
	if p.BatchSize <= 0 {
		p.BatchSize = defaultBatchSize
	}
	if p.MinDraws <= 0 {
		p.MinDraws = defaultMinDraws
	}
	if p.MaxDraws <= 0 {
		p.MaxDraws = defaultMaxDraws
	}
	if p.DrawsRequested <= 0 {
		p.DrawsRequested = p.MaxDraws
	}
	return p
}

// DistributionSnapshot summarizes the estimated joint-success distribution.
type DistributionSnapshot struct {
	Mean      float64 `json:"mean"`
	Variance  float64 `json:"variance"`
	StdError  float64 `json:"std_error"`
	Skewness  float64 `json:"skewness"`
	Kurtosis  float64 `json:"kurtosis"`
}

// Result is the output of Simulate, per spec.md 4.F.
type Result struct {
	RunKey                string               `json:"run_key"`
	ProbJoint             float64              `json:"prob_joint"`
	DrawsExecuted         int                  `json:"draws_executed"`
	CILow                 float64              `json:"ci_low"`
	CIHigh                float64              `json:"ci_high"`
	VarianceEstimate      float64              `json:"variance_estimate"`
	EVIndependent         float64              `json:"ev_independent"`
	EVAdjusted            float64              `json:"ev_adjusted"`
	DistributionSnapshot  DistributionSnapshot `json:"distribution_snapshot"`
	AdaptiveStopped       bool                 `json:"adaptive_stopped"`
	RegularizationApplied float64              `json:"regularization_applied,omitempty"`
}

// choleskyCacheEntry holds a precomputed lower-triangular factor keyed by a
// rounded, stable hash of the correlation matrix.
type choleskyCacheEntry struct {
	key        string
	lower      *mat.Dense
	lastAccess time.Time
}

// Simulator runs Monte Carlo parlay simulations. Safe for concurrent use;
// the Cholesky cache is internally synchronized.
type Simulator struct {
	mu        sync.Mutex
	cholesky  map[string]*choleskyCacheEntry
}

func New() *Simulator {
	return &Simulator{cholesky: make(map[string]*choleskyCacheEntry)}
}

// Simulate is the full pipeline of spec.md 4.F.
func (s *Simulator) Simulate(ctx context.Context, legs []Leg, correlation [][]float64, params Params) (Result, error) {
	n := len(legs)
	if n == 0 {
		return Result{}, apperr.New(apperr.KindInvalidInput, "at least one leg is required")
	}
	if len(correlation) != n {
		return Result{}, apperr.New(apperr.KindInvalidInput, "correlation matrix dimension must match legs")
	}

	params = params.withDefaults()

	thresholds := make([]float64, n)
	evIndependent := 1.0
	for i, leg := range legs {
		if leg.ProbOver <= 0 || leg.ProbOver >= 1 {
			return Result{}, apperr.New(apperr.KindInvalidProbability, "leg probabilities must lie strictly within (0,1)")
		}
		thresholds[i] = -distuv.UnitNormal.Quantile(leg.ProbOver)
		evIndependent *= leg.ProbOver
	}

	lower, regularization, err := s.choleskyFor(correlation)
	if err != nil {
		return Result{}, err
	}

	rng := rand.New(rand.NewSource(params.Seed))
	if !params.HasSeed {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}

	var successes, executed int
	var adaptiveStopped bool
	var pHat, variance float64

	for executed < params.MaxDraws && executed < params.DrawsRequested {
		select {
		case <-ctx.Done():
			return Result{}, apperr.Wrap(apperr.KindCancelled, "monte carlo simulation cancelled", ctx.Err())
		default:
		}

		batch := params.BatchSize
		if executed+batch > params.DrawsRequested {
			batch = params.DrawsRequested - executed
		}
		if executed+batch > params.MaxDraws {
			batch = params.MaxDraws - executed
		}

		successes += s.runBatch(rng, lower, thresholds, batch, n)
		executed += batch

		pHat = float64(successes) / float64(executed)
		variance = pHat * (1 - pHat) / float64(executed)
		halfWidth := zScore(params.ConfidenceLevel) * math.Sqrt(variance)

		if params.Adaptive && executed >= params.MinDraws && 2*halfWidth <= params.TargetCIWidth {
			adaptiveStopped = true
			break
		}
	}

	halfWidth := zScore(params.ConfidenceLevel) * math.Sqrt(variance)
	stdErr := math.Sqrt(variance)
	kurtosis := 0.0
	if pHat > 0 {
		kurtosis = 1/pHat - 1
	}

	result := Result{
		RunKey:           runKey(legs, correlation, params),
		ProbJoint:        pHat,
		DrawsExecuted:    executed,
		CILow:            math.Max(0, pHat-halfWidth),
		CIHigh:           math.Min(1, pHat+halfWidth),
		VarianceEstimate: variance,
		EVIndependent:    evIndependent,
		EVAdjusted:       pHat,
		DistributionSnapshot: DistributionSnapshot{
			Mean:     pHat,
			Variance: variance,
			StdError: stdErr,
			Skewness: 0,
			Kurtosis: kurtosis,
		},
		AdaptiveStopped:       adaptiveStopped,
		RegularizationApplied: regularization,
	}
	return result, nil
}

// runBatch draws `batch` correlated samples and counts parlay successes.
func (s *Simulator) runBatch(rng *rand.Rand, lower *mat.Dense, thresholds []float64, batch, n int) int {
	successes := 0
	z := make([]float64, n)
	x := make([]float64, n)
	for b := 0; b < batch; b++ {
		for i := 0; i < n; i++ {
			z[i] = rng.NormFloat64()
		}
		for i := 0; i < n; i++ {
			sum := 0.0
			for j := 0; j <= i; j++ {
				sum += lower.At(i, j) * z[j]
			}
			x[i] = sum
		}
		allSucceed := true
		for i := 0; i < n; i++ {
			if x[i] <= thresholds[i] {
				allSucceed = false
				break
			}
		}
		if allSucceed {
			successes++
		}
	}
	return successes
}

// choleskyFor returns the cached (or freshly computed, then cached) lower
// Cholesky factor for a correlation matrix, regularizing when the minimum
// eigenvalue is too small for a stable factorization.
func (s *Simulator) choleskyFor(correlation [][]float64) (*mat.Dense, float64, error) {
	key := matrixCacheKey(correlation)

	s.mu.Lock()
	if entry, ok := s.cholesky[key]; ok {
		entry.lastAccess = time.Now()
		s.mu.Unlock()
		return entry.lower, 0, nil
	}
	s.mu.Unlock()

	n := len(correlation)
	symData := make([]float64, n*n)
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			symData[i*n+j] = correlation[i][j]
		}
	}
	sym := mat.NewSymDense(n, symData)

	var eig mat.EigenSym
	regularization := 0.0
	if eig.Factorize(sym, false) {
		values := eig.Values(nil)
		minEig := values[0]
		if minEig <= minEigenFloor {
			regularization = math.Max(1e-6, math.Abs(minEig)+1e-8)
			for i := 0; i < n; i++ {
				sym.SetSym(i, i, sym.At(i, i)+regularization)
			}
		}
	}

	var chol mat.Cholesky
	if !chol.Factorize(sym) {
		return nil, 0, apperr.New(apperr.KindNumericalInstab, "cholesky factorization failed even after regularization")
	}
	var lower mat.Dense
	chol.LTo(&lower)

	s.mu.Lock()
	if len(s.cholesky) >= choleskyCacheCapacity {
		s.evictOldestLocked()
	}
	s.cholesky[key] = &choleskyCacheEntry{key: key, lower: &lower, lastAccess: time.Now()}
	s.mu.Unlock()

	return &lower, regularization, nil
}

func (s *Simulator) evictOldestLocked() {
	var oldestKey string
	var oldest time.Time
	first := true
	for k, e := range s.cholesky {
		if first || e.lastAccess.Before(oldest) {
			oldestKey, oldest, first = k, e.lastAccess, false
		}
	}
	if !first {
		delete(s.cholesky, oldestKey)
	}
}

func zScore(confidenceLevel float64) float64 {
	tail := (1 - confidenceLevel) / 2
	return -distuv.UnitNormal.Quantile(tail)
}

func matrixCacheKey(correlation [][]float64) string {
	rounded := make([][]float64, len(correlation))
	for i, row := range correlation {
		rounded[i] = make([]float64, len(row))
		for j, v := range row {
			rounded[i][j] = math.Round(v*1e4) / 1e4
		}
	}
	payload, _ := json.Marshal(rounded)
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

func runKey(legs []Leg, correlation [][]float64, params Params) string {
	type legKey struct {
		EdgeID string  `json:"edge_id"`
		Prob   float64 `json:"prob"`
	}
	keys := make([]legKey, len(legs))
	for i, l := range legs {
		keys[i] = legKey{l.EdgeID, l.ProbOver}
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].EdgeID < keys[j].EdgeID })

	payload, _ := json.Marshal(struct {
		Legs        []legKey `json:"legs"`
		MatrixHash  string   `json:"matrix_hash"`
		Draws       int      `json:"draws"`
		Seed        int64    `json:"seed"`
	}{keys, matrixCacheKey(correlation), params.DrawsRequested, params.Seed})
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

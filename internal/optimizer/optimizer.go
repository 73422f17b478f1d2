// Package optimizer implements the portfolio optimizer of spec.md 4.G: a
// beam search over edge candidates under correlation and exposure
// constraints. The beam-expansion/scoring shape is adapted from the
// teacher's services/optimization-service/internal/optimizer package
// (DFS lineup search generalized to parlay-ticket search); exposure
// weighting follows optimizer/exposure.go's share-vs-cap idiom.
package optimizer

import (
	"context"
	"encoding/json"
	"math"
	"sort"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/jstittsworth/wagering-core/internal/apperr"
	"github.com/jstittsworth/wagering-core/internal/correlation"
	"github.com/jstittsworth/wagering-core/internal/models"
	"github.com/jstittsworth/wagering-core/internal/montecarlo"
)

const (
	targetProbRescoreCap    = 20
	targetProbRescoreDraws  = 10000
	finalAnnotationDraws    = 5000
	targetProbHeuristicDisc = 0.3 // verbatim per spec.md 4.G; not tunable
)

// Constraints bounds a single optimize_portfolio request, per spec.md 4.G.
type Constraints struct {
	MaxLegs                  int
	MinLegs                  int
	MinEVPerLeg              float64
	MaxAvgCorrelation        float64
	MaxPairwiseCorrelation   float64
	TargetProbability        float64
	MaxExposurePerPlayer     float64
	MaxExposurePerPropType   float64
	CorrelationPenaltyWeight float64
	BeamWidth                int
	SolutionsLimit           int
}

func DefaultConstraints() Constraints {
	return Constraints{
		MaxLegs:                  6,
		MinLegs:                  2,
		MinEVPerLeg:              0.02,
		MaxAvgCorrelation:        0.6,
		MaxPairwiseCorrelation:   0.7,
		TargetProbability:        0.25,
		MaxExposurePerPlayer:     0.15,
		MaxExposurePerPropType:   0.25,
		CorrelationPenaltyWeight: 0.4,
		BeamWidth:                40,
		SolutionsLimit:           10,
	}
}

// CorrelationProvider is component D as seen by the optimizer.
type CorrelationProvider interface {
	ComputePairwise(ctx context.Context, propIDs []string, cfg correlation.Config) (correlation.MatrixResult, error)
}

// Simulator is component F as seen by the optimizer.
type Simulator interface {
	Simulate(ctx context.Context, legs []montecarlo.Leg, corr [][]float64, params montecarlo.Params) (montecarlo.Result, error)
}

// Annotation is the optional Monte Carlo refinement recorded per solution.
type Annotation struct {
	ProbJoint              float64 `json:"prob_joint"`
	CILow                  float64 `json:"ci_low"`
	CIHigh                 float64 `json:"ci_high"`
	EVAdjusted             float64 `json:"ev_adjusted"`
	AvgCorrelation         float64 `json:"avg_correlation"`
	MaxPairwiseCorrelation float64 `json:"max_pairwise_correlation"`
	PortfolioVolatility    float64 `json:"portfolio_volatility"`
}

// Solution is one ranked ticket emitted by Optimize.
type Solution struct {
	EdgeIDs        []string    `json:"edge_ids"`
	Score          float64     `json:"score"`
	AvgCorrelation float64     `json:"avg_correlation"`
	Annotation     *Annotation `json:"annotation,omitempty"`
}

// beamState is one partial ticket under construction.
type beamState struct {
	indices []int // indices into the filtered candidate slice
	score   float64
}

func (b beamState) contains(idx int) bool {
	for _, i := range b.indices {
		if i == idx {
			return true
		}
	}
	return false
}

// Engine runs beam-search portfolio optimizations. Construct one per
// process; all mutable state is local to a single Optimize call.
type Engine struct {
	corr CorrelationProvider
	sim  Simulator
	db   *gorm.DB
	log  *logrus.Entry
}

func New(corr CorrelationProvider, sim Simulator, db *gorm.DB, log *logrus.Entry) *Engine {
	return &Engine{corr: corr, sim: sim, db: db, log: log}
}

// artifactAccumulator buffers TRACE/HEURISTIC_STEP artifacts in memory so
// the full run persists as a single transaction; no partial artifacts are
// ever written for a cancelled run.
type artifactAccumulator struct {
	items []models.OptimizationArtifact
}

func (a *artifactAccumulator) add(kind models.ArtifactType, content interface{}) {
	raw, err := json.Marshal(content)
	if err != nil {
		raw = []byte("{}")
	}
	a.items = append(a.items, models.OptimizationArtifact{
		ArtifactType: kind,
		Content:      datatypes.JSON(raw),
		CreatedAt:    time.Now().UTC(),
	})
}

// Optimize runs the pipeline of spec.md 4.G and persists the run record
// (with its artifacts) as a single transaction once the search concludes.
func (e *Engine) Optimize(ctx context.Context, edges []models.Edge, objective models.Objective, cfg Constraints) ([]Solution, error) {
	cfg = withDefaults(cfg)
	started := time.Now()
	artifacts := &artifactAccumulator{}

	solutions, _, _, runErr := e.search(ctx, edges, objective, cfg, artifacts)

	status := models.RunStatusSuccess
	errMsg := ""
	items := artifacts.items
	if runErr != nil {
		status = models.RunStatusFailed
		if appErr, ok := runErr.(*apperr.Error); ok && appErr.Kind == apperr.KindCancelled {
			// A cancelled run persists its record but none of its artifacts.
			items = nil
			if len(solutions) > 0 {
				// At least one beam state was harvested before cancellation:
				// spec.md 4.G distinguishes this from a FAILED run.
				status = models.RunStatusPartial
			}
		}
		errMsg = runErr.Error()
	}

	if e.db != nil {
		e.persist(edges, objective, cfg, solutions, items, status, errMsg, time.Since(started))
	}

	if runErr != nil {
		if status == models.RunStatusPartial {
			return solutions, runErr
		}
		return nil, runErr
	}
	return solutions, nil
}

func withDefaults(cfg Constraints) Constraints {
	d := DefaultConstraints()
	if cfg.MaxLegs <= 0 {
		cfg.MaxLegs = d.MaxLegs
	}
	if cfg.MinLegs <= 0 {
		cfg.MinLegs = d.MinLegs
	}
	if cfg.MinEVPerLeg == 0 {
		cfg.MinEVPerLeg = d.MinEVPerLeg
	}
	if cfg.MaxAvgCorrelation == 0 {
		cfg.MaxAvgCorrelation = d.MaxAvgCorrelation
	}
	if cfg.MaxPairwiseCorrelation == 0 {
		cfg.MaxPairwiseCorrelation = d.MaxPairwiseCorrelation
	}
	if cfg.TargetProbability == 0 {
		cfg.TargetProbability = d.TargetProbability
	}
	if cfg.MaxExposurePerPlayer == 0 {
		cfg.MaxExposurePerPlayer = d.MaxExposurePerPlayer
	}
	if cfg.MaxExposurePerPropType == 0 {
		cfg.MaxExposurePerPropType = d.MaxExposurePerPropType
	}
	if cfg.CorrelationPenaltyWeight == 0 {
		cfg.CorrelationPenaltyWeight = d.CorrelationPenaltyWeight
	}
	if cfg.BeamWidth <= 0 {
		cfg.BeamWidth = d.BeamWidth
	}
	if cfg.SolutionsLimit <= 0 {
		cfg.SolutionsLimit = d.SolutionsLimit
	}
	return cfg
}

// search runs steps 1-6 of spec.md 4.G and returns ranked solutions along
// with the correlation matrix used, for the caller's bookkeeping.
func (e *Engine) search(ctx context.Context, edges []models.Edge, objective models.Objective, cfg Constraints, artifacts *artifactAccumulator) ([]Solution, map[string]int, correlation.MatrixResult, error) {
	candidates := make([]models.Edge, 0, len(edges))
	for _, ed := range edges {
		if ed.EV >= cfg.MinEVPerLeg {
			candidates = append(candidates, ed)
		}
	}
	artifacts.add(models.ArtifactTrace, map[string]interface{}{
		"stage":               "candidate_loading",
		"candidates_in":       len(edges),
		"candidates_eligible": len(candidates),
	})
	if len(candidates) < cfg.MinLegs {
		return nil, nil, correlation.MatrixResult{}, apperr.New(apperr.KindInsufficientData, "fewer than min_legs candidates pass the ev filter")
	}

	propIDs := make([]string, 0, len(candidates))
	seen := make(map[string]bool)
	for _, c := range candidates {
		if !seen[c.PropID] {
			seen[c.PropID] = true
			propIDs = append(propIDs, c.PropID)
		}
	}

	matrix, err := e.corr.ComputePairwise(ctx, propIDs, correlation.DefaultConfig())
	if err != nil {
		return nil, nil, correlation.MatrixResult{}, err
	}
	artifacts.add(models.ArtifactTrace, map[string]interface{}{
		"stage":    "correlation_computed",
		"prop_ids": matrix.PropIDs,
		"degraded": matrix.Diagnostics.Degraded,
	})

	propIndex := make(map[string]int, len(matrix.PropIDs))
	for i, id := range matrix.PropIDs {
		propIndex[id] = i
	}
	rho := func(a, b models.Edge) float64 {
		ia, aok := propIndex[a.PropID]
		ib, bok := propIndex[b.PropID]
		if !aok || !bok {
			return 0
		}
		if a.PropID == b.PropID {
			return 1
		}
		return matrix.Matrix[ia][ib]
	}

	beam := make([]beamState, len(candidates))
	for i := range candidates {
		beam[i] = beamState{indices: []int{i}, score: scoreState(candidates, []int{i}, rho, objective, cfg)}
	}

	var harvested []beamState
	if cfg.MinLegs <= 1 {
		harvested = append(harvested, beam...)
	}

	var cancelErr error
	for depth := 1; depth < cfg.MaxLegs; depth++ {
		select {
		case <-ctx.Done():
			cancelErr = apperr.Wrap(apperr.KindCancelled, "optimization cancelled between beam depths", ctx.Err())
		default:
		}
		if cancelErr != nil {
			break
		}

		var expanded []beamState
		for _, state := range beam {
			for idx := range candidates {
				if state.contains(idx) {
					continue
				}
				if !withinCorrelationCaps(candidates, state.indices, idx, rho, cfg) {
					continue
				}
				if !withinExposureCaps(candidates, state.indices, idx, cfg) {
					continue
				}
				nextIndices := append(append([]int(nil), state.indices...), idx)
				s := scoreState(candidates, nextIndices, rho, objective, cfg)
				expanded = append(expanded, beamState{indices: nextIndices, score: s})
			}
		}

		sort.Slice(expanded, func(i, j int) bool { return expanded[i].score > expanded[j].score })
		if len(expanded) > cfg.BeamWidth {
			expanded = expanded[:cfg.BeamWidth]
		}
		beam = expanded

		bestScore, bestEdges := 0.0, []string(nil)
		if len(beam) > 0 {
			bestScore = beam[0].score
			bestEdges = edgeIDsOf(candidates, beam[0].indices)
		}
		artifacts.add(models.ArtifactHeuristicStep, map[string]interface{}{
			"depth":      depth,
			"beam_size":  len(beam),
			"best_score": bestScore,
			"best_edges": bestEdges,
		})

		if depth >= cfg.MinLegs-1 {
			for _, s := range beam {
				if len(s.indices) >= cfg.MinLegs {
					harvested = append(harvested, s)
				}
			}
		}
		if len(beam) == 0 {
			break
		}
	}

	solutions := dedupAndRank(candidates, harvested, cfg)

	if cancelErr != nil {
		// Best-so-far solutions ship with the cancellation error rather than
		// being discarded; Optimize distinguishes PARTIAL from FAILED on
		// whether any were harvested. No Monte Carlo refinement runs against
		// an already-cancelled context.
		return solutions, propIndex, matrix, cancelErr
	}

	if objective == models.ObjectiveTargetProb && e.sim != nil {
		solutions = e.rescoreTargetProb(ctx, candidates, solutions, propIndex, matrix, cfg)
	}

	if e.sim != nil {
		e.annotate(ctx, candidates, solutions, propIndex, matrix)
	}

	return solutions, propIndex, matrix, nil
}

// scoreState computes the objective-specific score for a candidate set.
func scoreState(candidates []models.Edge, indices []int, rho func(a, b models.Edge) float64, objective models.Objective, cfg Constraints) float64 {
	n := len(indices)
	sumEV := 0.0
	for _, i := range indices {
		sumEV += candidates[i].EV
	}
	if n == 1 {
		return sumEV
	}

	sumAbsRho, pairs := 0.0, 0
	for a := 0; a < n; a++ {
		for b := a + 1; b < n; b++ {
			sumAbsRho += math.Abs(rho(candidates[indices[a]], candidates[indices[b]]))
			pairs++
		}
	}
	avgAbsRho := 0.0
	if pairs > 0 {
		avgAbsRho = sumAbsRho / float64(pairs)
	}

	switch objective {
	case models.ObjectiveEVVarRatio:
		variance := 0.0
		for a := 0; a < n; a++ {
			for b := 0; b < n; b++ {
				volA := candidates[indices[a]].VolatilityScore
				volB := candidates[indices[b]].VolatilityScore
				r := 1.0
				if a != b {
					r = rho(candidates[indices[a]], candidates[indices[b]])
				}
				variance += volA * volB * r
			}
		}
		denom := math.Sqrt(math.Max(variance, 1e-8))
		return sumEV / denom
	case models.ObjectiveTargetProb:
		approxJoint := 1.0
		for _, i := range indices {
			approxJoint *= candidates[i].ProbOver
		}
		approxJoint *= 1 - avgAbsRho*targetProbHeuristicDisc
		if approxJoint < cfg.TargetProbability {
			return 0
		}
		return sumEV
	default: // ObjectiveEV
		return sumEV * (1 - avgAbsRho*cfg.CorrelationPenaltyWeight)
	}
}

func withinCorrelationCaps(candidates []models.Edge, existing []int, newIdx int, rho func(a, b models.Edge) float64, cfg Constraints) bool {
	cand := candidates[newIdx]
	for _, i := range existing {
		if math.Abs(rho(cand, candidates[i])) > cfg.MaxPairwiseCorrelation {
			return false
		}
	}

	all := append(append([]int(nil), existing...), newIdx)
	sumAbs, pairs := 0.0, 0
	for a := 0; a < len(all); a++ {
		for b := a + 1; b < len(all); b++ {
			sumAbs += math.Abs(rho(candidates[all[a]], candidates[all[b]]))
			pairs++
		}
	}
	if pairs == 0 {
		return true
	}
	return sumAbs/float64(pairs) <= cfg.MaxAvgCorrelation
}

func withinExposureCaps(candidates []models.Edge, existing []int, newIdx int, cfg Constraints) bool {
	total := len(existing) + 1
	cand := candidates[newIdx]

	if cand.PlayerID != nil {
		count := 1
		for _, i := range existing {
			if candidates[i].PlayerID != nil && *candidates[i].PlayerID == *cand.PlayerID {
				count++
			}
		}
		if float64(count)/float64(total) > cfg.MaxExposurePerPlayer {
			return false
		}
	}

	if cand.PropType != "" {
		count := 1
		for _, i := range existing {
			if candidates[i].PropType == cand.PropType {
				count++
			}
		}
		if float64(count)/float64(total) > cfg.MaxExposurePerPropType {
			return false
		}
	}

	// Existing members' player and prop-type shares in the expanded set.
	for _, m := range existing {
		playerCount, typeCount := 0, 0
		for _, i := range append([]int{newIdx}, existing...) {
			if p, q := candidates[i].PlayerID, candidates[m].PlayerID; p != nil && q != nil && *p == *q {
				playerCount++
			}
			if pt := candidates[m].PropType; pt != "" && candidates[i].PropType == pt {
				typeCount++
			}
		}
		if float64(playerCount)/float64(total) > cfg.MaxExposurePerPlayer || float64(typeCount)/float64(total) > cfg.MaxExposurePerPropType {
			return false
		}
	}

	return true
}

func edgeIDsOf(candidates []models.Edge, indices []int) []string {
	out := make([]string, len(indices))
	for i, idx := range indices {
		out[i] = candidates[idx].EdgeID
	}
	return out
}

// dedupAndRank deduplicates harvested states by edge-id set and keeps the
// top solutions_limit by score, per spec.md 4.G step 6.
func dedupAndRank(candidates []models.Edge, harvested []beamState, cfg Constraints) []Solution {
	type keyed struct {
		key   string
		state beamState
	}
	byKey := make(map[string]keyed)
	for _, s := range harvested {
		ids := append([]string(nil), edgeIDsOf(candidates, s.indices)...)
		sort.Strings(ids)
		key := sortedJoin(ids)
		if existing, ok := byKey[key]; !ok || s.score > existing.state.score {
			byKey[key] = keyed{key: key, state: s}
		}
	}

	unique := make([]keyed, 0, len(byKey))
	for _, v := range byKey {
		unique = append(unique, v)
	}
	sort.Slice(unique, func(i, j int) bool { return unique[i].state.score > unique[j].state.score })

	limit := cfg.SolutionsLimit
	if limit > len(unique) {
		limit = len(unique)
	}

	solutions := make([]Solution, limit)
	for i := 0; i < limit; i++ {
		st := unique[i].state
		solutions[i] = Solution{
			EdgeIDs:        edgeIDsOf(candidates, st.indices),
			Score:          st.score,
			AvgCorrelation: 0,
		}
	}
	return solutions
}

func sortedJoin(ids []string) string {
	out := ""
	for i, id := range ids {
		if i > 0 {
			out += "|"
		}
		out += id
	}
	return out
}

// rescoreTargetProb re-scores the top candidates (at most 20) via Monte
// Carlo with 10,000 draws, dropping solutions that fail to clear
// target_probability, per spec.md 4.G.
func (e *Engine) rescoreTargetProb(ctx context.Context, candidates []models.Edge, solutions []Solution, propIndex map[string]int, matrix correlation.MatrixResult, cfg Constraints) []Solution {
	rescoreCount := targetProbRescoreCap
	if rescoreCount > len(solutions) {
		rescoreCount = len(solutions)
	}

	byEdgeID := make(map[string]models.Edge, len(candidates))
	for _, c := range candidates {
		byEdgeID[c.EdgeID] = c
	}

	feasible := make([]Solution, 0, rescoreCount)
	for i := 0; i < rescoreCount; i++ {
		sol := solutions[i]
		legs, sub := legsAndSubmatrix(sol.EdgeIDs, byEdgeID, propIndex, matrix)
		res, err := e.sim.Simulate(ctx, legs, sub, montecarlo.Params{
			DrawsRequested: targetProbRescoreDraws,
			HasSeed:        true,
			Seed:           1,
		})
		if err != nil || res.ProbJoint < cfg.TargetProbability {
			continue
		}
		sumEV := 0.0
		for _, l := range legs {
			sumEV += byEdgeID[l.EdgeID].EV
		}
		sol.Score = sumEV
		feasible = append(feasible, sol)
	}
	for i := rescoreCount; i < len(solutions); i++ {
		feasible = append(feasible, solutions[i])
	}

	sort.Slice(feasible, func(i, j int) bool { return feasible[i].Score > feasible[j].Score })
	if len(feasible) > cfg.SolutionsLimit {
		feasible = feasible[:cfg.SolutionsLimit]
	}
	return feasible
}

// annotate optionally attaches the exact-subset Monte Carlo refinement to
// each solution, per spec.md 4.G's final-annotation step.
func (e *Engine) annotate(ctx context.Context, candidates []models.Edge, solutions []Solution, propIndex map[string]int, matrix correlation.MatrixResult) {
	byEdgeID := make(map[string]models.Edge, len(candidates))
	for _, c := range candidates {
		byEdgeID[c.EdgeID] = c
	}

	for i := range solutions {
		legs, sub := legsAndSubmatrix(solutions[i].EdgeIDs, byEdgeID, propIndex, matrix)
		res, err := e.sim.Simulate(ctx, legs, sub, montecarlo.Params{
			DrawsRequested: finalAnnotationDraws,
			HasSeed:        true,
			Seed:           1,
		})
		if err != nil {
			continue
		}

		n := len(legs)
		sumAbs, pairs, variance := 0.0, 0, 0.0
		maxAbs := 0.0
		for a := 0; a < n; a++ {
			for b := 0; b < n; b++ {
				r := sub[a][b]
				volA := byEdgeID[legs[a].EdgeID].VolatilityScore
				volB := byEdgeID[legs[b].EdgeID].VolatilityScore
				variance += volA * volB * r
				if a != b {
					sumAbs += math.Abs(r)
					pairs++
					if math.Abs(r) > maxAbs {
						maxAbs = math.Abs(r)
					}
				}
			}
		}
		avg := 0.0
		if pairs > 0 {
			avg = sumAbs / float64(pairs)
		}

		solutions[i].AvgCorrelation = avg
		solutions[i].Annotation = &Annotation{
			ProbJoint:              res.ProbJoint,
			CILow:                  res.CILow,
			CIHigh:                 res.CIHigh,
			EVAdjusted:             res.EVAdjusted,
			AvgCorrelation:         avg,
			MaxPairwiseCorrelation: maxAbs,
			PortfolioVolatility:    math.Sqrt(math.Max(variance, 0)),
		}
	}
}

func legsAndSubmatrix(edgeIDs []string, byEdgeID map[string]models.Edge, propIndex map[string]int, matrix correlation.MatrixResult) ([]montecarlo.Leg, [][]float64) {
	legs := make([]montecarlo.Leg, len(edgeIDs))
	for i, id := range edgeIDs {
		c := byEdgeID[id]
		legs[i] = montecarlo.Leg{EdgeID: c.EdgeID, PropID: c.PropID, ProbOver: c.ProbOver}
	}

	n := len(legs)
	sub := make([][]float64, n)
	for i := range sub {
		sub[i] = make([]float64, n)
	}
	for a := 0; a < n; a++ {
		ia, aok := propIndex[legs[a].PropID]
		for b := 0; b < n; b++ {
			if a == b {
				sub[a][b] = 1
				continue
			}
			ib, bok := propIndex[legs[b].PropID]
			if !aok || !bok {
				sub[a][b] = 0
				continue
			}
			sub[a][b] = matrix.Matrix[ia][ib]
		}
	}
	return legs, sub
}

// persist writes the full run record and its artifacts as one transaction,
// per spec.md 5's "optimization run + its artifacts as one" discipline.
func (e *Engine) persist(edges []models.Edge, objective models.Objective, cfg Constraints, solutions []Solution, artifacts []models.OptimizationArtifact, status models.RunStatus, errMsg string, duration time.Duration) {
	edgeIDs := make([]string, len(edges))
	for i, ed := range edges {
		edgeIDs[i] = ed.EdgeID
	}
	inputJSON, _ := json.Marshal(edgeIDs)
	constraintsJSON, _ := json.Marshal(cfg)
	solutionsJSON, _ := json.Marshal(solutions)

	var bestScore *float64
	if len(solutions) > 0 {
		bs := solutions[0].Score
		bestScore = &bs
	}

	run := &models.OptimizationRun{
		Objective:          objective,
		InputEdgeIDs:       datatypes.JSON(inputJSON),
		Constraints:        datatypes.JSON(constraintsJSON),
		Status:             status,
		SolutionTicketSets: datatypes.JSON(solutionsJSON),
		BestScore:          bestScore,
		ErrorMessage:       errMsg,
		DurationMS:         duration.Milliseconds(),
		CreatedAt:          time.Now().UTC(),
	}

	err := e.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(run).Error; err != nil {
			return err
		}
		if len(artifacts) == 0 {
			return nil
		}
		for i := range artifacts {
			artifacts[i].OptimizationRunID = run.ID
		}
		return tx.Create(&artifacts).Error
	})
	if err != nil && e.log != nil {
		e.log.WithError(err).Warn("failed to persist optimization run")
	}
}

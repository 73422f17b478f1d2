// Package oddsstore implements the odds store and best-line aggregator of
// spec.md 4.E: the snapshot write path, movement/steam detection, and
// best-line recomputation. Transaction handling follows the teacher's
// internal/services/aggregator.go pattern (per-entity lookup inside a
// transaction, create-or-update, rollback on failure).
package oddsstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/jstittsworth/wagering-core/internal/apperr"
	"github.com/jstittsworth/wagering-core/internal/models"
	"github.com/jstittsworth/wagering-core/internal/oddsmath"
)

// Quote is one bookmaker's incoming line for a proposition, per the
// record_snapshots wire shape of spec.md §6.
type Quote struct {
	Bookmaker       string
	Line            *float64
	OverAmerican    *int
	UnderAmerican   *int
	IsAvailable     bool
	SourceTimestamp *time.Time
	Volume          *float64 // accepted, not persisted: no column models this
}

const (
	steamWindow          = 15 * time.Minute
	steamMagnitudeFloor  = 2.0
	steamMinCount        = 3
	steamConfidenceFloor = 0.6
	stableLineTolerance  = 0.1
	significantMagnitude = 0.5
	bestLineWindow        = time.Hour
	defaultMaxAgeMinutes = 30.0
)

// Store is the odds store and best-line aggregator. Writes for a given
// prop_id are serialized through a per-key mutex, approximating the
// row-level lock spec.md 4.E and §5 require.
type Store struct {
	db  *gorm.DB
	log *logrus.Entry

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

func New(db *gorm.DB, log *logrus.Entry) *Store {
	return &Store{db: db, log: log, locks: make(map[string]*sync.Mutex)}
}

func (s *Store) lockFor(propID string) *sync.Mutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	l, ok := s.locks[propID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[propID] = l
	}
	return l
}

// RecordSnapshots is the write path of spec.md 4.E.
func (s *Store) RecordSnapshots(ctx context.Context, propID, sport, marketType string, quotes []Quote) (storedCount, failedCount int, err error) {
	lock := s.lockFor(propID)
	lock.Lock()
	defer lock.Unlock()

	now := time.Now().UTC()

	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, q := range quotes {
			stored, werr := s.writeOne(tx, propID, sport, marketType, q, now)
			if werr != nil {
				failedCount++
				if s.log != nil {
					s.log.WithError(werr).WithFields(logrus.Fields{"prop_id": propID, "bookmaker": q.Bookmaker}).Warn("failed to record odds snapshot")
				}
				continue
			}
			if stored {
				storedCount++
			}
		}
		return s.refreshBestLineLocked(tx, propID, sport, now)
	})
	if txErr != nil {
		return storedCount, failedCount, apperr.Wrap(apperr.KindInternal, "record_snapshots transaction failed", txErr)
	}
	return storedCount, failedCount, nil
}

// writeOne appends a snapshot (if it differs from the previous one for this
// bookmaker) and derives its movement record. Returns stored=false on a
// byte-identical re-send, which is a Conflict swallowed as a no-op per
// spec.md §7.
func (s *Store) writeOne(tx *gorm.DB, propID, sport, marketType string, q Quote, now time.Time) (bool, error) {
	var overDecimal, underDecimal, overNoVig, underNoVig *float64
	if q.OverAmerican != nil {
		d, err := oddsmath.AmericanToDecimal(*q.OverAmerican)
		if err != nil {
			return false, err
		}
		overDecimal = &d
	}
	if q.UnderAmerican != nil {
		d, err := oddsmath.AmericanToDecimal(*q.UnderAmerican)
		if err != nil {
			return false, err
		}
		underDecimal = &d
	}
	if q.OverAmerican != nil && q.UnderAmerican != nil {
		pOver, err := oddsmath.ImpliedProb(*q.OverAmerican)
		if err != nil {
			return false, err
		}
		pUnder, err := oddsmath.ImpliedProb(*q.UnderAmerican)
		if err != nil {
			return false, err
		}
		result, err := oddsmath.RemoveVigTwoWay(pOver, pUnder)
		if err != nil {
			return false, err
		}
		overNoVig, underNoVig = &result.ProbA, &result.ProbB
	}

	var prev models.OddsSnapshot
	prevErr := tx.Where("prop_id = ? AND bookmaker_id = ?", propID, q.Bookmaker).
		Order("captured_at DESC").First(&prev).Error
	hasPrev := prevErr == nil

	if hasPrev && identicalQuote(prev, q, overDecimal, underDecimal) {
		return false, nil // Conflict: byte-identical re-send is a no-op
	}

	snapshot := models.OddsSnapshot{
		PropID:          propID,
		BookmakerID:     q.Bookmaker,
		Sport:           sport,
		MarketType:      marketType,
		Line:            q.Line,
		OverAmerican:    q.OverAmerican,
		UnderAmerican:   q.UnderAmerican,
		OverDecimal:     overDecimal,
		UnderDecimal:    underDecimal,
		OverNoVigProb:   overNoVig,
		UnderNoVigProb:  underNoVig,
		IsAvailable:     q.IsAvailable,
		CapturedAt:      now,
		SourceTimestamp: q.SourceTimestamp,
	}
	if err := tx.Create(&snapshot).Error; err != nil {
		return false, apperr.Wrap(apperr.KindInternal, "create odds snapshot", err)
	}

	if hasPrev {
		if err := s.recordMovement(tx, propID, q.Bookmaker, prev, snapshot); err != nil {
			return false, err
		}
	}
	return true, nil
}

func identicalQuote(prev models.OddsSnapshot, q Quote, overDecimal, underDecimal *float64) bool {
	return floatPtrEqual(prev.Line, q.Line) &&
		intPtrEqual(prev.OverAmerican, q.OverAmerican) &&
		intPtrEqual(prev.UnderAmerican, q.UnderAmerican) &&
		prev.IsAvailable == q.IsAvailable
}

func floatPtrEqual(a, b *float64) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func intPtrEqual(a, b *int) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

// recordMovement builds and persists the OddsHistory row comparing prev to
// the newly written snapshot, then runs steam detection.
func (s *Store) recordMovement(tx *gorm.DB, propID, bookmakerID string, prev, cur models.OddsSnapshot) error {
	lineDelta := 0.0
	if prev.Line != nil && cur.Line != nil {
		lineDelta = *cur.Line - *prev.Line
	}
	overDelta, underDelta := 0, 0
	if prev.OverAmerican != nil && cur.OverAmerican != nil {
		overDelta = *cur.OverAmerican - *prev.OverAmerican
	}
	if prev.UnderAmerican != nil && cur.UnderAmerican != nil {
		underDelta = *cur.UnderAmerican - *prev.UnderAmerican
	}

	magnitude := abs(lineDelta)
	direction := models.MovementStable
	if magnitude >= stableLineTolerance {
		if lineDelta > 0 {
			direction = models.MovementUp
		} else {
			direction = models.MovementDown
		}
	}

	history := models.OddsHistory{
		SnapshotID:        cur.ID,
		PropID:            propID,
		BookmakerID:       bookmakerID,
		LineDelta:         lineDelta,
		OverOddsDelta:     overDelta,
		UnderOddsDelta:    underDelta,
		MovementMagnitude: magnitude,
		MovementDirection: direction,
		IsSignificant:     magnitude >= significantMagnitude,
		CreatedAt:         cur.CapturedAt,
	}

	steamCount, steamConfidence, concurrentMoves := s.computeSteam(tx, propID, cur.CapturedAt, magnitude)
	history.ConcurrentBookMoves = concurrentMoves
	history.SteamConfidence = steamConfidence
	history.IsSteamMove = steamConfidence >= steamConfidenceFloor && steamCount >= steamMinCount

	if err := tx.Create(&history).Error; err != nil {
		return apperr.Wrap(apperr.KindInternal, "create odds history", err)
	}
	return nil
}

// computeSteam implements the 15-minute sliding-window steam detection of
// spec.md 4.E, including the just-written magnitude in the sample.
func (s *Store) computeSteam(tx *gorm.DB, propID string, at time.Time, newMagnitude float64) (count int, confidence float64, concurrent int) {
	windowStart := at.Add(-steamWindow)
	var rows []models.OddsHistory
	if err := tx.Where("prop_id = ? AND created_at BETWEEN ? AND ?", propID, windowStart, at).Find(&rows).Error; err != nil {
		return 0, 0, 0
	}

	magnitudes := make([]float64, 0, len(rows)+1)
	for _, r := range rows {
		magnitudes = append(magnitudes, r.MovementMagnitude)
	}
	magnitudes = append(magnitudes, newMagnitude)

	n := 0
	for _, m := range magnitudes {
		if m >= steamMagnitudeFloor {
			n++
		}
	}

	mean := meanOf(magnitudes)
	variance := varianceOf(magnitudes, mean)

	term2 := 0.0
	if mean > 0 {
		term2 = 1 - variance/mean
		if term2 < 0 {
			term2 = 0
		}
	}
	term1 := float64(n) / 5
	if term1 > 1 {
		term1 = 1
	}
	confidence = 0.5 * (term1 + term2)

	bookSet := make(map[string]struct{}, len(rows))
	for _, r := range rows {
		bookSet[r.BookmakerID] = struct{}{}
	}
	return n, confidence, len(bookSet)
}

func meanOf(vals []float64) float64 {
	if len(vals) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range vals {
		sum += v
	}
	return sum / float64(len(vals))
}

func varianceOf(vals []float64, mean float64) float64 {
	if len(vals) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range vals {
		d := v - mean
		sum += d * d
	}
	return sum / float64(len(vals))
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

// refreshBestLineLocked recomputes and upserts the BestLineAggregate for a
// prop within an existing transaction. Callers outside a write already
// holding the per-prop lock should use RefreshBestLine instead.
func (s *Store) refreshBestLineLocked(tx *gorm.DB, propID, sport string, now time.Time) error {
	var snapshots []models.OddsSnapshot
	if err := tx.Where("prop_id = ? AND is_available = ? AND captured_at >= ?", propID, true, now.Add(-bestLineWindow)).
		Order("captured_at DESC").Find(&snapshots).Error; err != nil {
		return apperr.Wrap(apperr.KindInternal, "fetch snapshots for best line", err)
	}

	latestPerBook := make(map[string]models.OddsSnapshot)
	for _, snap := range snapshots {
		if _, seen := latestPerBook[snap.BookmakerID]; !seen {
			latestPerBook[snap.BookmakerID] = snap
		}
	}

	agg := models.BestLineAggregate{PropID: propID, Sport: sport, LastUpdated: now}
	if len(latestPerBook) == 0 {
		return s.upsertBestLine(tx, &agg)
	}

	var lines []float64
	var overProbs, underProbs []float64
	var bestOverAmerican, bestUnderAmerican *int
	var bestOverBook, bestUnderBook string

	for _, snap := range latestPerBook {
		if snap.Line != nil {
			lines = append(lines, *snap.Line)
		}
		if snap.OverNoVigProb != nil {
			overProbs = append(overProbs, *snap.OverNoVigProb)
		}
		if snap.UnderNoVigProb != nil {
			underProbs = append(underProbs, *snap.UnderNoVigProb)
		}
		if snap.OverAmerican != nil && (bestOverAmerican == nil || oddsmath.BetterOdds(*snap.OverAmerican, *bestOverAmerican)) {
			v := *snap.OverAmerican
			bestOverAmerican = &v
			bestOverBook = snap.BookmakerID
		}
		if snap.UnderAmerican != nil && (bestUnderAmerican == nil || oddsmath.BetterOdds(*snap.UnderAmerican, *bestUnderAmerican)) {
			v := *snap.UnderAmerican
			bestUnderAmerican = &v
			bestUnderBook = snap.BookmakerID
		}
	}

	agg.NumBookmakers = len(latestPerBook)
	if len(lines) > 0 {
		sort.Float64s(lines)
		median := medianOf(lines)
		agg.ConsensusLine = &median
		spread := lines[len(lines)-1] - lines[0]
		agg.LineSpread = spread
	}
	if len(overProbs) > 0 {
		m := meanOf(overProbs)
		agg.ConsensusOverProb = &m
	}
	if len(underProbs) > 0 {
		m := meanOf(underProbs)
		agg.ConsensusUnderProb = &m
	}
	if bestOverAmerican != nil {
		agg.BestOverAmerican = bestOverAmerican
		agg.BestOverBookmakerID = &bestOverBook
	}
	if bestUnderAmerican != nil {
		agg.BestUnderAmerican = bestUnderAmerican
		agg.BestUnderBookmakerID = &bestUnderBook
	}

	if bestOverAmerican != nil && bestUnderAmerican != nil {
		arb, err := oddsmath.Arbitrage(*bestOverAmerican, *bestUnderAmerican)
		if err == nil {
			agg.ArbitrageOpportunity = arb.Exists
			agg.ArbitrageProfitPct = arb.ProfitPct
		}
	}

	if err := s.backfillBookmakerNames(tx, &agg); err != nil && s.log != nil {
		s.log.WithError(err).Warn("failed to backfill bookmaker names on best line aggregate")
	}

	return s.upsertBestLine(tx, &agg)
}

// upsertBestLine is an idempotent upsert keyed by prop_id, the row's
// primary key, mirroring the FirstOrCreate-or-Save upsert pattern the
// teacher applies to bookmaker/contest rows, but expressed as a single
// conflict clause so concurrent refreshes for the same prop never race
// between a failed lookup and a duplicate insert.
func (s *Store) upsertBestLine(tx *gorm.DB, agg *models.BestLineAggregate) error {
	return tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "prop_id"}},
		UpdateAll: true,
	}).Create(agg).Error
}

// backfillBookmakerNames populates the redundant *_bookmaker_name fields
// from the bookmakers table, per the maintenance-task note in spec.md §9.
func (s *Store) backfillBookmakerNames(tx *gorm.DB, agg *models.BestLineAggregate) error {
	ids := make([]string, 0, 2)
	if agg.BestOverBookmakerID != nil {
		ids = append(ids, *agg.BestOverBookmakerID)
	}
	if agg.BestUnderBookmakerID != nil {
		ids = append(ids, *agg.BestUnderBookmakerID)
	}
	if len(ids) == 0 {
		return nil
	}
	var books []models.Bookmaker
	if err := tx.Where("id IN ?", ids).Find(&books).Error; err != nil {
		return err
	}
	names := make(map[string]string, len(books))
	for _, b := range books {
		names[b.ID] = b.DisplayName
	}
	if agg.BestOverBookmakerID != nil {
		if name, ok := names[*agg.BestOverBookmakerID]; ok {
			agg.BestOverBookmakerName = &name
		}
	}
	if agg.BestUnderBookmakerID != nil {
		if name, ok := names[*agg.BestUnderBookmakerID]; ok {
			agg.BestUnderBookmakerName = &name
		}
	}
	return nil
}

func medianOf(sorted []float64) float64 {
	n := len(sorted)
	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2
}

// RefreshBestLine recomputes the best-line aggregate for a prop outside of
// a snapshot write, taking the per-prop lock itself.
func (s *Store) RefreshBestLine(ctx context.Context, propID, sport string) error {
	lock := s.lockFor(propID)
	lock.Lock()
	defer lock.Unlock()
	now := time.Now().UTC()
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return s.refreshBestLineLocked(tx, propID, sport, now)
	})
}

// GetBestLine is the read path of spec.md 4.E: returns the aggregate if
// fresh, otherwise recomputes on demand.
func (s *Store) GetBestLine(ctx context.Context, propID string, maxAgeMinutes float64) (*models.BestLineAggregate, error) {
	if maxAgeMinutes <= 0 {
		maxAgeMinutes = defaultMaxAgeMinutes
	}

	var agg models.BestLineAggregate
	err := s.db.WithContext(ctx).Where("prop_id = ?", propID).First(&agg).Error
	if err == nil && agg.DataAgeMinutes(time.Now().UTC()) <= maxAgeMinutes {
		return &agg, nil
	}
	if err != nil && err != gorm.ErrRecordNotFound {
		return nil, apperr.Wrap(apperr.KindInternal, "fetch best line aggregate", err)
	}

	var sport string
	if err == nil {
		sport = agg.Sport
	} else {
		var anySnap models.OddsSnapshot
		if serr := s.db.WithContext(ctx).Where("prop_id = ?", propID).First(&anySnap).Error; serr != nil {
			return nil, apperr.New(apperr.KindNotFound, "no odds data for prop_id: "+propID)
		}
		sport = anySnap.Sport
	}

	if rerr := s.RefreshBestLine(ctx, propID, sport); rerr != nil {
		return nil, rerr
	}
	if err := s.db.WithContext(ctx).Where("prop_id = ?", propID).First(&agg).Error; err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "reload best line aggregate", err)
	}
	return &agg, nil
}

// GetLineMovement returns a prop's recorded odds history, newest first.
func (s *Store) GetLineMovement(ctx context.Context, propID string, since time.Time, limit int) ([]models.OddsHistory, error) {
	q := s.db.WithContext(ctx).Where("prop_id = ?", propID)
	if !since.IsZero() {
		q = q.Where("created_at >= ?", since)
	}
	if limit <= 0 {
		limit = 100
	}
	var rows []models.OddsHistory
	if err := q.Order("created_at DESC").Limit(limit).Find(&rows).Error; err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "fetch line movement", err)
	}
	return rows, nil
}

// GetSteamMoves returns the steam-flagged movements recorded within the
// lookback window, across all props when propID is empty.
func (s *Store) GetSteamMoves(ctx context.Context, propID string, since time.Time) ([]models.OddsHistory, error) {
	q := s.db.WithContext(ctx).Where("is_steam_move = ?", true)
	if propID != "" {
		q = q.Where("prop_id = ?", propID)
	}
	if !since.IsZero() {
		q = q.Where("created_at >= ?", since)
	}
	var rows []models.OddsHistory
	if err := q.Order("created_at DESC").Find(&rows).Error; err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "fetch steam moves", err)
	}
	return rows, nil
}

// FetchSeries implements correlation.HistorySource: it returns the over-side
// no-vig probability of every snapshot of a prop in the lookback window,
// across all bookmakers, oldest first — the closest thing the odds store
// itself can supply absent a dedicated results-ingestion component.
func (s *Store) FetchSeries(ctx context.Context, propID string, lookbackDays int) ([]float64, error) {
	if lookbackDays <= 0 {
		lookbackDays = 90
	}
	since := time.Now().UTC().AddDate(0, 0, -lookbackDays)

	var snaps []models.OddsSnapshot
	err := s.db.WithContext(ctx).
		Where("prop_id = ? AND captured_at >= ? AND over_no_vig_prob IS NOT NULL", propID, since).
		Order("captured_at ASC").
		Find(&snaps).Error
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "fetch history series", err)
	}

	series := make([]float64, 0, len(snaps))
	for _, snap := range snaps {
		if snap.OverNoVigProb != nil {
			series = append(series, *snap.OverNoVigProb)
		}
	}
	return series, nil
}

// FindArbitrage returns the current best-line aggregates flagged as
// arbitrage opportunities, optionally restricted to a sport and/or a
// minimum profit percentage.
func (s *Store) FindArbitrage(ctx context.Context, sport string, minProfitPct float64) ([]models.BestLineAggregate, error) {
	q := s.db.WithContext(ctx).Where("arbitrage_opportunity = ?", true)
	if sport != "" {
		q = q.Where("sport = ?", sport)
	}
	if minProfitPct > 0 {
		q = q.Where("arbitrage_profit_pct >= ?", minProfitPct)
	}
	var rows []models.BestLineAggregate
	if err := q.Order("arbitrage_profit_pct DESC").Find(&rows).Error; err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "find arbitrage", err)
	}
	return rows, nil
}

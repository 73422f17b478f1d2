package oddsstore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/jstittsworth/wagering-core/internal/models"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&models.Bookmaker{},
		&models.OddsSnapshot{},
		&models.OddsHistory{},
		&models.BestLineAggregate{},
	))
	return New(db, nil)
}

func americanPtr(v int) *int        { return &v }
func floatPtr(v float64) *float64 { return &v }

func TestRecordSnapshotsComputesNoVigProbabilities(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	stored, failed, err := s.RecordSnapshots(ctx, "prop-1", "nba", "points", []Quote{
		{Bookmaker: "book-a", Line: floatPtr(220.5), OverAmerican: americanPtr(-110), UnderAmerican: americanPtr(-110), IsAvailable: true},
	})
	require.NoError(t, err)
	require.Equal(t, 1, stored)
	require.Equal(t, 0, failed)

	agg, err := s.GetBestLine(ctx, "prop-1", 30)
	require.NoError(t, err)
	require.NotNil(t, agg.BestOverAmerican)
	require.Equal(t, -110, *agg.BestOverAmerican)
	require.NotNil(t, agg.ConsensusOverProb)
	require.NotNil(t, agg.ConsensusUnderProb)
	require.InDelta(t, 0.5, *agg.ConsensusOverProb, 1e-4)
	require.InDelta(t, 0.5, *agg.ConsensusUnderProb, 1e-4)
}

func TestRecordSnapshotsDuplicateIsNoOp(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	quotes := []Quote{{Bookmaker: "book-a", Line: floatPtr(220.5), OverAmerican: americanPtr(-110), UnderAmerican: americanPtr(-110), IsAvailable: true}}
	stored1, _, err := s.RecordSnapshots(ctx, "prop-1", "nba", "points", quotes)
	require.NoError(t, err)
	require.Equal(t, 1, stored1)

	stored2, _, err := s.RecordSnapshots(ctx, "prop-1", "nba", "points", quotes)
	require.NoError(t, err)
	require.Equal(t, 0, stored2, "byte-identical resend must be a no-op")
}

func TestBestLineSingleBookmakerHasZeroSpreadNoArbitrage(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, _, err := s.RecordSnapshots(ctx, "prop-1", "nba", "points", []Quote{
		{Bookmaker: "book-a", Line: floatPtr(220.5), OverAmerican: americanPtr(-110), UnderAmerican: americanPtr(-110), IsAvailable: true},
	})
	require.NoError(t, err)

	agg, err := s.GetBestLine(ctx, "prop-1", 30)
	require.NoError(t, err)
	require.Equal(t, 0.0, agg.LineSpread)
	require.False(t, agg.ArbitrageOpportunity)
}

func TestBestLineDetectsArbitrage(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, _, err := s.RecordSnapshots(ctx, "prop-1", "nba", "points", []Quote{
		{Bookmaker: "book-a", Line: floatPtr(220.5), OverAmerican: americanPtr(110), UnderAmerican: americanPtr(-200), IsAvailable: true},
		{Bookmaker: "book-b", Line: floatPtr(220.5), OverAmerican: americanPtr(-200), UnderAmerican: americanPtr(105), IsAvailable: true},
	})
	require.NoError(t, err)

	agg, err := s.GetBestLine(ctx, "prop-1", 30)
	require.NoError(t, err)
	require.True(t, agg.ArbitrageOpportunity)
	require.Greater(t, agg.ArbitrageProfitPct, 0.0)
}

func TestFindArbitrageFiltersByMinProfitPct(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, _, err := s.RecordSnapshots(ctx, "prop-1", "nba", "points", []Quote{
		{Bookmaker: "book-a", Line: floatPtr(220.5), OverAmerican: americanPtr(110), UnderAmerican: americanPtr(-200), IsAvailable: true},
		{Bookmaker: "book-b", Line: floatPtr(220.5), OverAmerican: americanPtr(-200), UnderAmerican: americanPtr(105), IsAvailable: true},
	})
	require.NoError(t, err)

	_, err = s.GetBestLine(ctx, "prop-1", 30)
	require.NoError(t, err)

	rows, err := s.FindArbitrage(ctx, "nba", 0)
	require.NoError(t, err)
	require.Len(t, rows, 1)

	rows, err = s.FindArbitrage(ctx, "nba", rows[0].ArbitrageProfitPct+1)
	require.NoError(t, err)
	require.Empty(t, rows, "a min_profit_pct above the recorded profit must exclude it")
}

func TestSteamDetectionFlagsRepeatedLargeMoves(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	propID := "prop-steam"

	lines := []float64{220.5, 222.5, 224.5, 226.5, 228.5, 230.5}
	books := []string{"book-a", "book-b", "book-c", "book-d", "book-a", "book-b"}
	for i, line := range lines {
		_, _, err := s.RecordSnapshots(ctx, propID, "nba", "points", []Quote{
			{Bookmaker: books[i], Line: floatPtr(line), OverAmerican: americanPtr(-110), UnderAmerican: americanPtr(-110), IsAvailable: true},
		})
		require.NoError(t, err)
		// The first snapshot for a given bookmaker has no prior and derives no
		// movement record; only the repeated book-a and book-b quotes do here.
		if i == 0 {
			continue
		}
	}

	// Re-quote each bookmaker once more so every entry has a prior to diff
	// against within the steam window.
	for i, line := range lines {
		_, _, err := s.RecordSnapshots(ctx, propID, "nba", "points", []Quote{
			{Bookmaker: books[i], Line: floatPtr(line + 2.5), OverAmerican: americanPtr(-110), UnderAmerican: americanPtr(-110), IsAvailable: true},
		})
		require.NoError(t, err)
	}

	var histories []models.OddsHistory
	require.NoError(t, s.db.Where("prop_id = ?", propID).Find(&histories).Error)
	require.NotEmpty(t, histories)

	foundSteam := false
	for _, h := range histories {
		if h.IsSteamMove {
			foundSteam = true
		}
	}
	require.True(t, foundSteam, "expected at least one steam-flagged movement record")
}

func TestGetBestLineUnknownPropReturnsNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetBestLine(context.Background(), "does-not-exist", 30)
	require.Error(t, err)
}

func TestGetBestLineRecomputesWhenStale(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	propID := "prop-stale"

	_, _, err := s.RecordSnapshots(ctx, propID, "nba", "points", []Quote{
		{Bookmaker: "book-a", Line: floatPtr(220.5), OverAmerican: americanPtr(-110), UnderAmerican: americanPtr(-110), IsAvailable: true},
	})
	require.NoError(t, err)

	require.NoError(t, s.db.Model(&models.BestLineAggregate{}).Where("prop_id = ?", propID).
		Update("last_updated", time.Now().UTC().Add(-time.Hour)).Error)

	agg, err := s.GetBestLine(ctx, propID, 30)
	require.NoError(t, err)
	require.WithinDuration(t, time.Now().UTC(), agg.LastUpdated, 5*time.Second)
}

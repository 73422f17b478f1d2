package models

import "time"

// OddsSnapshot is an append-only capture of one bookmaker's quote for one
// proposition at one instant. Retained per a configured window (default 7
// days) then pruned; never updated in place.
type OddsSnapshot struct {
	ID               uint       `gorm:"primaryKey" json:"id"`
	PropID           string     `gorm:"size:128;not null;index:idx_snapshot_prop_book" json:"prop_id"`
	BookmakerID      string     `gorm:"size:64;not null;index:idx_snapshot_prop_book" json:"bookmaker_id"`
	Sport            string     `gorm:"size:20;not null;index" json:"sport"`
	MarketType       string     `gorm:"size:40;not null" json:"market_type"`
	Line             *float64   `json:"line,omitempty"`
	OverAmerican     *int       `json:"over_american,omitempty"`
	UnderAmerican    *int       `json:"under_american,omitempty"`
	OverDecimal      *float64   `json:"over_decimal,omitempty"`
	UnderDecimal     *float64   `json:"under_decimal,omitempty"`
	OverNoVigProb    *float64   `json:"over_no_vig_prob,omitempty"`
	UnderNoVigProb   *float64   `json:"under_no_vig_prob,omitempty"`
	IsAvailable      bool       `gorm:"default:true" json:"is_available"`
	CapturedAt       time.Time  `gorm:"not null;index:idx_snapshot_prop_book" json:"captured_at"`
	SourceTimestamp  *time.Time `json:"source_timestamp,omitempty"`
}

func (OddsSnapshot) TableName() string { return "odds_snapshots" }

// MovementDirection classifies a line/odds delta vs. the prior snapshot.
type MovementDirection string

const (
	MovementUp     MovementDirection = "up"
	MovementDown   MovementDirection = "down"
	MovementStable MovementDirection = "stable"
)

// OddsHistory is the movement record derived when a new OddsSnapshot is
// recorded for a (prop_id, bookmaker_id) pair that already has a prior
// snapshot. Retained per a configured window (default 30 days).
type OddsHistory struct {
	ID                  uint              `gorm:"primaryKey" json:"id"`
	SnapshotID          uint              `gorm:"not null;index" json:"snapshot_id"`
	PropID              string            `gorm:"size:128;not null;index" json:"prop_id"`
	BookmakerID         string            `gorm:"size:64;not null;index" json:"bookmaker_id"`
	LineDelta           float64           `json:"line_delta"`
	OverOddsDelta       int               `json:"over_odds_delta"`
	UnderOddsDelta      int               `json:"under_odds_delta"`
	MovementMagnitude   float64           `gorm:"not null" json:"movement_magnitude"`
	MovementDirection   MovementDirection `gorm:"size:10;not null" json:"movement_direction"`
	IsSignificant       bool              `json:"is_significant"`
	IsSteamMove         bool              `json:"is_steam_move"`
	SteamConfidence     float64           `json:"steam_confidence"`
	ConcurrentBookMoves int               `json:"concurrent_book_moves"`
	CreatedAt           time.Time         `gorm:"index" json:"created_at"`
}

func (OddsHistory) TableName() string { return "odds_history" }

// BestLineAggregate is the single current-best-line row per prop_id,
// recomputed whenever a fresh snapshot lands for that proposition.
type BestLineAggregate struct {
	PropID                 string    `gorm:"primaryKey;size:128" json:"prop_id"`
	Sport                  string    `gorm:"size:20;not null" json:"sport"`
	BestOverAmerican       *int      `json:"best_over_american,omitempty"`
	BestOverBookmakerID    *string   `json:"best_over_bookmaker_id,omitempty"`
	BestOverBookmakerName  *string   `json:"best_over_bookmaker_name,omitempty"`
	BestUnderAmerican      *int      `json:"best_under_american,omitempty"`
	BestUnderBookmakerID   *string   `json:"best_under_bookmaker_id,omitempty"`
	BestUnderBookmakerName *string   `json:"best_under_bookmaker_name,omitempty"`
	ConsensusLine          *float64  `json:"consensus_line,omitempty"`
	ConsensusOverProb      *float64  `json:"consensus_over_prob,omitempty"`
	ConsensusUnderProb     *float64  `json:"consensus_under_prob,omitempty"`
	NumBookmakers          int       `gorm:"default:0" json:"num_bookmakers"`
	LineSpread             float64   `gorm:"default:0" json:"line_spread"`
	ArbitrageOpportunity   bool      `gorm:"default:false" json:"arbitrage_opportunity"`
	ArbitrageProfitPct     float64   `gorm:"default:0" json:"arbitrage_profit_pct"`
	LastUpdated            time.Time `json:"last_updated"`
}

func (BestLineAggregate) TableName() string { return "best_line_aggregates" }

// DataAgeMinutes is computed, not stored, since staleness is relative to
// the moment it's read rather than the moment it was written.
func (b BestLineAggregate) DataAgeMinutes(now time.Time) float64 {
	return now.Sub(b.LastUpdated).Minutes()
}

package handlers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/jstittsworth/wagering-core/internal/oddsstore"
	"github.com/jstittsworth/wagering-core/internal/realtime"
	"github.com/jstittsworth/wagering-core/pkg/utils"
)

// OddsHandler exposes the odds store and best-line aggregator of
// spec.md 4.E, grounded on the teacher's internal/api/handlers/contest.go
// request/response shape.
type OddsHandler struct {
	store *oddsstore.Store
	hub   *realtime.Hub
	log   *logrus.Entry
}

func NewOddsHandler(store *oddsstore.Store, hub *realtime.Hub, log *logrus.Entry) *OddsHandler {
	return &OddsHandler{store: store, hub: hub, log: log}
}

type recordSnapshotsRequest struct {
	PropID     string             `json:"prop_id" binding:"required"`
	Sport      string             `json:"sport" binding:"required"`
	MarketType string             `json:"market_type" binding:"required"`
	Quotes     []quoteRequestItem `json:"quotes" binding:"required,min=1"`
}

type quoteRequestItem struct {
	Bookmaker       string     `json:"bookmaker" binding:"required"`
	Line            *float64   `json:"line"`
	OverAmerican    *int       `json:"over_american"`
	UnderAmerican   *int       `json:"under_american"`
	IsAvailable     bool       `json:"is_available"`
	SourceTimestamp *time.Time `json:"source_timestamp"`
	Volume          *float64   `json:"volume"`
}

// RecordSnapshots handles POST /odds/snapshots.
func (h *OddsHandler) RecordSnapshots(c *gin.Context) {
	var req recordSnapshotsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		utils.SendValidationError(c, "invalid request body", err.Error())
		return
	}

	quotes := make([]oddsstore.Quote, len(req.Quotes))
	for i, q := range req.Quotes {
		quotes[i] = oddsstore.Quote{
			Bookmaker:       q.Bookmaker,
			Line:            q.Line,
			OverAmerican:    q.OverAmerican,
			UnderAmerican:   q.UnderAmerican,
			IsAvailable:     q.IsAvailable,
			SourceTimestamp: q.SourceTimestamp,
			Volume:          q.Volume,
		}
	}

	stored, failed, err := h.store.RecordSnapshots(c.Request.Context(), req.PropID, req.Sport, req.MarketType, quotes)
	if err != nil {
		utils.SendCoreError(c, err)
		return
	}

	h.hub.Publish(realtime.Event{Type: realtime.EventBestLineUpdated, PropID: req.PropID, Data: gin.H{"stored": stored}})

	c.JSON(http.StatusOK, gin.H{"stored_count": stored, "failed_count": failed})
}

// GetBestLine handles GET /odds/:prop_id/best-line.
func (h *OddsHandler) GetBestLine(c *gin.Context) {
	propID := c.Param("prop_id")
	maxAge := 0.0
	if v := c.Query("max_age_minutes"); v != "" {
		if parsed, err := time.ParseDuration(v + "m"); err == nil {
			maxAge = parsed.Minutes()
		}
	}

	agg, err := h.store.GetBestLine(c.Request.Context(), propID, maxAge)
	if err != nil {
		utils.SendCoreError(c, err)
		return
	}
	utils.SendSuccess(c, agg)
}

// GetLineMovement handles GET /odds/:prop_id/movement.
func (h *OddsHandler) GetLineMovement(c *gin.Context) {
	propID := c.Param("prop_id")
	since := parseSinceQuery(c)

	rows, err := h.store.GetLineMovement(c.Request.Context(), propID, since, 100)
	if err != nil {
		utils.SendCoreError(c, err)
		return
	}
	utils.SendSuccess(c, rows)
}

// GetSteamMoves handles GET /odds/steam-moves.
func (h *OddsHandler) GetSteamMoves(c *gin.Context) {
	propID := c.Query("prop_id")
	since := parseSinceQuery(c)

	rows, err := h.store.GetSteamMoves(c.Request.Context(), propID, since)
	if err != nil {
		utils.SendCoreError(c, err)
		return
	}
	utils.SendSuccess(c, rows)
}

// FindArbitrage handles GET /odds/arbitrage.
func (h *OddsHandler) FindArbitrage(c *gin.Context) {
	minProfitPct := 0.0
	if v := c.Query("min_profit_pct"); v != "" {
		if parsed, err := strconv.ParseFloat(v, 64); err == nil {
			minProfitPct = parsed
		}
	}

	rows, err := h.store.FindArbitrage(c.Request.Context(), c.Query("sport"), minProfitPct)
	if err != nil {
		utils.SendCoreError(c, err)
		return
	}
	utils.SendSuccess(c, rows)
}

func parseSinceQuery(c *gin.Context) time.Time {
	v := c.Query("since_minutes")
	if v == "" {
		return time.Time{}
	}
	d, err := time.ParseDuration(v + "m")
	if err != nil {
		return time.Time{}
	}
	return time.Now().UTC().Add(-d)
}

// Package api wires the HTTP surface over the core components, grounded
// on the teacher's internal/api/router.go route-group layout.
package api

import (
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/jstittsworth/wagering-core/internal/api/handlers"
	"github.com/jstittsworth/wagering-core/internal/cache"
	"github.com/jstittsworth/wagering-core/internal/correlation"
	"github.com/jstittsworth/wagering-core/internal/montecarlo"
	"github.com/jstittsworth/wagering-core/internal/oddsstore"
	"github.com/jstittsworth/wagering-core/internal/optimizer"
	"github.com/jstittsworth/wagering-core/internal/realtime"
	"github.com/jstittsworth/wagering-core/internal/scheduler"
	"github.com/jstittsworth/wagering-core/pkg/database"
)

// SetupRoutes registers every endpoint of spec.md §6 under group.
func SetupRoutes(
	group *gin.RouterGroup,
	db *database.DB,
	store *oddsstore.Store,
	corrEngine *correlation.Engine,
	sim *montecarlo.Simulator,
	opt *optimizer.Engine,
	sched *scheduler.Scheduler,
	c *cache.Cache,
	hub *realtime.Hub,
	log *logrus.Entry,
) {
	oddsHandler := handlers.NewOddsHandler(store, hub, log)
	corrHandler := handlers.NewCorrelationHandler(corrEngine)
	simHandler := handlers.NewSimulationHandler(sim, corrEngine)
	optHandler := handlers.NewOptimizationHandler(opt, db.DB)
	taskHandler := handlers.NewTaskHandler(sched, c)

	odds := group.Group("/odds")
	{
		odds.POST("/snapshots", oddsHandler.RecordSnapshots)
		odds.GET("/arbitrage", oddsHandler.FindArbitrage)
		odds.GET("/steam-moves", oddsHandler.GetSteamMoves)
		odds.GET("/:prop_id/best-line", oddsHandler.GetBestLine)
		odds.GET("/:prop_id/movement", oddsHandler.GetLineMovement)
	}

	group.POST("/correlation/compute", corrHandler.ComputeCorrelation)
	group.POST("/simulation/parlay", simHandler.SimulateParlay)

	optimization := group.Group("/optimization")
	{
		optimization.POST("/runs", optHandler.OptimizePortfolio)
		optimization.GET("/runs/:id", optHandler.GetOptimizationRun)
		optimization.GET("/runs/:id/artifacts", optHandler.GetOptimizationArtifacts)
	}

	tasks := group.Group("/tasks")
	{
		tasks.GET("/:execution_id", taskHandler.GetTaskStatus)
		tasks.POST("/:name/run", taskHandler.RunTaskNow)
	}

	cacheGroup := group.Group("/cache")
	{
		cacheGroup.POST("/invalidate", taskHandler.InvalidateCache)
		cacheGroup.GET("/stats", taskHandler.CacheStats)
		cacheGroup.GET("/health", taskHandler.CacheHealth)
	}

	group.GET("/ws", hub.HandleWebSocket)
}

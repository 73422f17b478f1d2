package main

import (
	"fmt"
	"log"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/jstittsworth/wagering-core/internal/models"
	"github.com/jstittsworth/wagering-core/pkg/config"
	"github.com/jstittsworth/wagering-core/pkg/database"
)

func main() {
	if len(os.Args) < 2 {
		log.Fatal("Usage: migrate [up|down]")
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		logrus.Fatalf("failed to load config: %v", err)
	}

	db, err := database.NewConnection(cfg.DatabaseURL, cfg.IsDevelopment())
	if err != nil {
		logrus.Fatalf("failed to connect to database: %v", err)
	}
	defer db.Close()

	switch os.Args[1] {
	case "up":
		if err := runMigrations(db); err != nil {
			logrus.Fatalf("failed to run migrations: %v", err)
		}
		logrus.Info("migrations completed successfully")

	case "down":
		if err := dropTables(db); err != nil {
			logrus.Fatalf("failed to drop tables: %v", err)
		}
		logrus.Info("tables dropped successfully")

	default:
		log.Fatalf("unknown command: %s", os.Args[1])
	}
}

func runMigrations(db *database.DB) error {
	if err := db.AutoMigrate(
		&models.Bookmaker{},
		&models.OddsSnapshot{},
		&models.OddsHistory{},
		&models.BestLineAggregate{},
		&models.CorrelationFactorModel{},
		&models.CorrelationCacheEntry{},
		&models.MonteCarloRun{},
		&models.OptimizationRun{},
		&models.OptimizationArtifact{},
	); err != nil {
		return fmt.Errorf("failed to migrate models: %w", err)
	}

	indexes := []string{
		"CREATE INDEX IF NOT EXISTS idx_odds_snapshot_captured ON odds_snapshots(captured_at DESC)",
		"CREATE INDEX IF NOT EXISTS idx_odds_history_prop_created ON odds_history(prop_id, created_at DESC)",
		"CREATE INDEX IF NOT EXISTS idx_odds_history_steam ON odds_history(is_steam_move, created_at DESC)",
		"CREATE INDEX IF NOT EXISTS idx_best_line_arbitrage ON best_line_aggregates(arbitrage_opportunity)",
		"CREATE INDEX IF NOT EXISTS idx_optimization_artifacts_run ON optimization_artifacts(optimization_run_id)",
	}
	for _, idx := range indexes {
		if err := db.Exec(idx).Error; err != nil {
			return fmt.Errorf("failed to create index: %w", err)
		}
	}

	return nil
}

func dropTables(db *database.DB) error {
	tables := []string{
		"optimization_artifacts",
		"optimization_runs",
		"monte_carlo_runs",
		"correlation_cache_entries",
		"correlation_factor_models",
		"best_line_aggregates",
		"odds_history",
		"odds_snapshots",
		"bookmakers",
	}
	for _, table := range tables {
		if err := db.Exec(fmt.Sprintf("DROP TABLE IF EXISTS %s CASCADE", table)).Error; err != nil {
			return fmt.Errorf("failed to drop table %s: %w", table, err)
		}
	}
	return nil
}

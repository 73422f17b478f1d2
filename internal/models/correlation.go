package models

import (
	"time"

	"gorm.io/datatypes"
)

// CorrelationMethod is how a CorrelationFactorModel's factors were derived.
type CorrelationMethod string

const (
	MethodPCA     CorrelationMethod = "PCA"
	MethodShrunk  CorrelationMethod = "SHRUNK"
	MethodHybrid  CorrelationMethod = "HYBRID"
	MethodPearson CorrelationMethod = "PEARSON"
	MethodCopula  CorrelationMethod = "COPULA"
)

// CorrelationFactorModel is a persisted factor decomposition for a
// (sport, context_hash, method, version_tag) key.
type CorrelationFactorModel struct {
	ID                    uint              `gorm:"primaryKey" json:"id"`
	Sport                 string            `gorm:"size:20;not null;uniqueIndex:idx_factor_model_key" json:"sport"`
	ContextHash           string            `gorm:"size:64;not null;uniqueIndex:idx_factor_model_key" json:"context_hash"`
	Method                CorrelationMethod `gorm:"size:20;not null;uniqueIndex:idx_factor_model_key" json:"method"`
	VersionTag            string            `gorm:"size:40;not null;uniqueIndex:idx_factor_model_key" json:"version_tag"`
	Factors               datatypes.JSON    `gorm:"type:jsonb;not null" json:"factors"` // n x k matrix, row-major
	Eigenvalues           datatypes.JSON    `gorm:"type:jsonb;not null" json:"eigenvalues"`
	ExplainedVarianceRatio float64          `json:"explained_variance_ratio"`
	SampleSize            int               `json:"sample_size"`
	ComputedAt            time.Time         `json:"computed_at"`
}

func (CorrelationFactorModel) TableName() string { return "correlation_factor_models" }

// CacheEntryType distinguishes what a CorrelationCacheEntry's payload holds.
type CacheEntryType string

const (
	EntryTypeMatrix       CacheEntryType = "MATRIX"
	EntryTypeFactor       CacheEntryType = "FACTOR"
	EntryTypeCopulaParams CacheEntryType = "COPULA_PARAMS"
)

// CorrelationCacheEntry is the row shape for a durable correlation cache
// payload. cmd/migrate creates the table; the correlation engine caches only
// in the in-process cache of internal/cache and does not read or write
// these rows.
type CorrelationCacheEntry struct {
	CacheKey  string         `gorm:"primaryKey;size:128" json:"cache_key"`
	EntryType CacheEntryType `gorm:"size:20;not null" json:"entry_type"`
	Payload   datatypes.JSON `gorm:"type:jsonb;not null" json:"payload"`
	CreatedAt time.Time      `json:"created_at"`
	ExpiresAt time.Time      `gorm:"index" json:"expires_at"`
}

func (CorrelationCacheEntry) TableName() string { return "correlation_cache_entries" }

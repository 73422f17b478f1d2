package models

import "time"

// BookmakerStatus is the operational state of a bookmaker feed.
type BookmakerStatus string

const (
	BookmakerActive      BookmakerStatus = "active"
	BookmakerInactive    BookmakerStatus = "inactive"
	BookmakerSuspended   BookmakerStatus = "suspended"
	BookmakerMaintenance BookmakerStatus = "maintenance"
)

// Bookmaker is seeded once and mutated by health updates; never deleted
// during normal operation.
type Bookmaker struct {
	ID                  string          `gorm:"primaryKey;size:64" json:"id"`
	CanonicalName       string          `gorm:"uniqueIndex;size:100;not null" json:"canonical_name"`
	DisplayName         string          `gorm:"size:100;not null" json:"display_name"`
	ShortName           string          `gorm:"size:32" json:"short_name"`
	Status              BookmakerStatus `gorm:"size:20;not null;default:active" json:"status"`
	IsTrusted           bool            `gorm:"default:false" json:"is_trusted"`
	ReliabilityScore    *float64        `json:"reliability_score,omitempty"`
	PriorityWeight      float64         `gorm:"default:1" json:"priority_weight"`
	IncludeInConsensus  bool            `gorm:"default:true" json:"include_in_consensus"`
	LastSuccessfulFetch *time.Time      `json:"last_successful_fetch,omitempty"`
	ConsecutiveFailures int             `gorm:"default:0" json:"consecutive_failures"`
	CreatedAt           time.Time       `json:"created_at"`
	UpdatedAt           time.Time       `json:"updated_at"`
}

func (Bookmaker) TableName() string { return "bookmakers" }

// RecordSuccess resets the failure streak and stamps the fetch time.
func (b *Bookmaker) RecordSuccess(at time.Time) {
	b.ConsecutiveFailures = 0
	b.LastSuccessfulFetch = &at
}

// RecordFailure bumps the failure streak and demotes status past a
// configured threshold, mirroring the health-check pattern the teacher
// applies to contest sync jobs.
func (b *Bookmaker) RecordFailure(suspendAfter int) {
	b.ConsecutiveFailures++
	if suspendAfter > 0 && b.ConsecutiveFailures >= suspendAfter && b.Status == BookmakerActive {
		b.Status = BookmakerSuspended
	}
}

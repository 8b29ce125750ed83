package models

import (
	"time"

	"gorm.io/gorm"
)

// ReactionTemplate is one entry of a content pool. Pools are keyed by
// the step's semantic category so one engine serves any number of
// niches without per-niche code.
type ReactionTemplate struct {
	gorm.Model
	Category    string `gorm:"not null;index" json:"category"`
	AuthorLabel string `gorm:"not null" json:"author_label"`
	Body        string `gorm:"not null" json:"body"`
	IsActive    bool   `gorm:"default:true" json:"is_active"`
}

// EngagementRecord is a scheduled, template-selected companion reaction
// attached to a send. It is synthetic social proof, created once at
// dispatch time with a pre-computed display time, and never rescheduled.
// It is kept strictly apart from genuine tracker events: the analytics
// aggregator never reads this table, and every read path carries the
// Synthetic flag.
type EngagementRecord struct {
	gorm.Model
	SendID uint `gorm:"not null;index" json:"send_id"`

	AuthorLabel string    `gorm:"not null" json:"author_label"`
	Body        string    `gorm:"not null" json:"body"`
	DisplayAt   time.Time `gorm:"not null;index" json:"display_at"`

	// PoolRef identifies the template this record was rendered from, and
	// Seed the RNG seed of the generation run, so selection is auditable
	PoolRef uint  `gorm:"not null" json:"pool_ref"`
	Seed    int64 `json:"seed"`

	Synthetic bool `gorm:"default:true" json:"synthetic"`
}

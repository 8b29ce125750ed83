package models

import "gorm.io/gorm"

// Trigger types for sequences
const (
	TriggerSignup = "on_signup"
	TriggerEvent  = "on_event"
	TriggerManual = "manual"
)

// Step semantic categories, used to key the reaction content pools
const (
	CategoryWelcome   = "welcome"
	CategoryUrgency   = "urgency"
	CategoryCaseStudy = "case-study"
	CategoryMilestone = "milestone"
)

// Sequence represents an ordered, reusable definition of timed messages
type Sequence struct {
	gorm.Model
	Name        string `gorm:"not null" json:"name"`
	Description string `json:"description"`
	TriggerType string `gorm:"default:'manual'" json:"trigger_type"` // on_signup, on_event, manual
	IsActive    bool   `gorm:"default:false" json:"is_active"`

	// Statistics (denormalized for performance; recomputed nightly from
	// enrollment and send rows)
	EnrolledCount  int `gorm:"default:0" json:"enrolled_count"`
	CompletedCount int `gorm:"default:0" json:"completed_count"`
	ExitedCount    int `gorm:"default:0" json:"exited_count"`
	SentCount      int `gorm:"default:0" json:"sent_count"`
	OpenCount      int `gorm:"default:0" json:"open_count"`
	ClickCount     int `gorm:"default:0" json:"click_count"`
	ReplyCount     int `gorm:"default:0" json:"reply_count"`
	BounceCount    int `gorm:"default:0" json:"bounce_count"`

	// Relations
	Steps []SequenceStep `gorm:"foreignKey:SequenceID" json:"steps,omitempty"`
}

// SequenceStep is one message within a sequence. The delay is relative
// to the previous step's scheduled time; the first step's delay is
// relative to the enrollment time. Inactive steps are skipped at
// scheduling time but keep their order index.
type SequenceStep struct {
	gorm.Model
	SequenceID uint `gorm:"not null;index;uniqueIndex:idx_sequence_step_order,priority:1" json:"sequence_id"`

	StepIndex  int    `gorm:"not null;uniqueIndex:idx_sequence_step_order,priority:2" json:"step_index"`
	DelayDays  int    `gorm:"default:0" json:"delay_days"`
	DelayHours int    `gorm:"default:0" json:"delay_hours"`
	Subject    string `gorm:"not null" json:"subject"`
	Body       string `gorm:"not null" json:"body"`
	Category   string `gorm:"default:'welcome'" json:"category"`
	IsActive   bool   `gorm:"default:true" json:"is_active"`
}

// ActiveStepAt returns the first active step at or after index, or nil
// when none remains.
func (s *Sequence) ActiveStepAt(index int) *SequenceStep {
	for i := range s.Steps {
		if s.Steps[i].StepIndex >= index && s.Steps[i].IsActive {
			return &s.Steps[i]
		}
	}
	return nil
}

// StepAt returns the step with the given order index, or nil.
func (s *Sequence) StepAt(index int) *SequenceStep {
	for i := range s.Steps {
		if s.Steps[i].StepIndex == index {
			return &s.Steps[i]
		}
	}
	return nil
}

package models

import (
	"time"

	"gorm.io/gorm"
)

// Enrollment states. Completed and Exited are terminal; no transition
// ever leaves a terminal state.
const (
	EnrollmentActive    = "active"
	EnrollmentCompleted = "completed"
	EnrollmentExited    = "exited"
)

// Exit reasons recorded when an enrollment leaves a sequence early
const (
	ExitUnsubscribed = "unsubscribed"
	ExitConverted    = "converted"
	ExitManual       = "manual"
)

// Enrollment is a contact's instance of progressing through a sequence.
// At most one active enrollment may exist per (contact, sequence) pair.
type Enrollment struct {
	gorm.Model
	ContactID  uint `gorm:"not null;index" json:"contact_id"`
	SequenceID uint `gorm:"not null;index" json:"sequence_id"`

	State      string    `gorm:"default:'active';index" json:"state"`
	EnrolledAt time.Time `gorm:"not null" json:"enrolled_at"`

	// Cursor is the order index of the next step to deliver. It only
	// ever increases, and freezes once the enrollment reaches a
	// terminal state.
	Cursor int `gorm:"default:0" json:"cursor"`

	ExitReason  *string    `json:"exit_reason"`
	CompletedAt *time.Time `json:"completed_at"`
	ExitedAt    *time.Time `json:"exited_at"`

	// Operator review flag, set when dispatch retries are exhausted or a
	// step template cannot be rendered. Flagged enrollments are held out
	// of scheduling until a human clears them.
	NeedsReview  bool   `gorm:"default:false" json:"needs_review"`
	ReviewReason string `json:"review_reason"`

	// Relations
	Contact  Contact  `json:"-"`
	Sequence Sequence `json:"-"`
}

// Terminal reports whether the enrollment can no longer change state.
func (e *Enrollment) Terminal() bool {
	return e.State == EnrollmentCompleted || e.State == EnrollmentExited
}

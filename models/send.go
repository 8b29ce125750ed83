package models

import (
	"time"

	"gorm.io/gorm"
)

// Send channel statuses
const (
	SendQueued    = "queued"
	SendSent      = "sent"
	SendDelivered = "delivered"
	SendBounced   = "bounced"
	SendFailed    = "failed"
)

// Delivery event types ingested by the tracker
const (
	EventDelivered = "delivered"
	EventOpened    = "opened"
	EventClicked   = "clicked"
	EventBounced   = "bounced"
	EventReplied   = "replied"
)

// Send is a concrete dispatch of one step to one enrollment. Exactly one
// row exists per (enrollment, step) pair; retries update the row in
// place rather than creating a sibling.
type Send struct {
	gorm.Model
	EnrollmentID uint `gorm:"not null;uniqueIndex:idx_sends_enrollment_step,priority:1" json:"enrollment_id"`
	SequenceID   uint `gorm:"not null;index" json:"sequence_id"`
	ContactID    uint `gorm:"not null;index" json:"contact_id"`
	StepIndex    int  `gorm:"not null;uniqueIndex:idx_sends_enrollment_step,priority:2" json:"step_index"`

	// MessageID correlates tracking-pixel hits, click redirects and IMAP
	// replies back to this send
	MessageID string `gorm:"not null;index" json:"message_id"`

	Subject string `json:"subject"`
	Body    string `json:"-"`

	Status       string     `gorm:"default:'queued';index" json:"status"`
	ScheduledAt  time.Time  `gorm:"not null" json:"scheduled_at"`
	DispatchedAt *time.Time `json:"dispatched_at"`
	AttemptCount int        `gorm:"default:0" json:"attempt_count"`
	LastError    string     `json:"last_error,omitempty"`

	// Engagement; first-occurrence timestamps are set once, counters keep
	// incrementing on replays
	DeliveredAt *time.Time `json:"delivered_at"`
	OpenedAt    *time.Time `json:"opened_at"`
	OpenCount   int        `gorm:"default:0" json:"open_count"`
	ClickedAt   *time.Time `json:"clicked_at"`
	ClickCount  int        `gorm:"default:0" json:"click_count"`
	RepliedAt   *time.Time `json:"replied_at"`
	BouncedAt   *time.Time `json:"bounced_at"`

	// Relations
	Contact    Contact      `json:"contact,omitempty"`
	Enrollment Enrollment   `json:"-"`
	Reactions  []EngagementRecord `gorm:"foreignKey:SendID" json:"reactions,omitempty"`
}

// Dispatched reports whether the send left the queue successfully.
func (s *Send) Dispatched() bool {
	return s.Status != SendQueued && s.Status != SendFailed
}

package repository

import (
	"context"
	"errors"
	"time"

	"dripflow/models"
)

// Storage-level sentinel errors. The engine wraps these into its own
// typed errors before they reach callers.
var (
	ErrNotFound = errors.New("record not found")
	ErrConflict = errors.New("conflicting record exists")
)

// StepAggregate carries per-step send/engagement counts for one
// sequence, keyed by step order index.
type StepAggregate struct {
	Sent    int64
	Opened  int64
	Clicked int64
	Replied int64
	Bounced int64
}

// ContactStore persists contacts.
type ContactStore interface {
	CreateContact(ctx context.Context, contact *models.Contact) error
	GetContact(ctx context.Context, id uint) (*models.Contact, error)
	GetContactByEmail(ctx context.Context, email string) (*models.Contact, error)
}

// SequenceStore persists sequence definitions and their denormalized
// counters.
type SequenceStore interface {
	CreateSequence(ctx context.Context, sequence *models.Sequence) error
	// GetSequence returns the sequence with steps preloaded in order.
	GetSequence(ctx context.Context, id uint) (*models.Sequence, error)
	ListSequences(ctx context.Context) ([]models.Sequence, error)
	UpdateSequence(ctx context.Context, sequence *models.Sequence) error
	CreateStep(ctx context.Context, step *models.SequenceStep) error
	// AddCounters atomically increments the named counter columns.
	AddCounters(ctx context.Context, sequenceID uint, deltas map[string]int) error
	// SetCounters overwrites counter columns (nightly recompute).
	SetCounters(ctx context.Context, sequenceID uint, counters map[string]int) error
}

// EnrollmentStore persists enrollments. Cursor and state mutations are
// compare-and-swap operations: they report false instead of applying a
// stale update, which is what makes overlapping scheduler ticks safe.
type EnrollmentStore interface {
	// CreateEnrollment fails with ErrConflict when an active enrollment
	// already exists for the (contact, sequence) pair.
	CreateEnrollment(ctx context.Context, enrollment *models.Enrollment) error
	GetEnrollment(ctx context.Context, id uint) (*models.Enrollment, error)
	// ActiveEnrollments returns active, unflagged enrollments.
	ActiveEnrollments(ctx context.Context) ([]models.Enrollment, error)
	// AdvanceCursor moves the cursor from..to for an active enrollment.
	AdvanceCursor(ctx context.Context, id uint, from, to int) (bool, error)
	// CompleteEnrollment transitions active->completed when the cursor
	// still matches fromCursor.
	CompleteEnrollment(ctx context.Context, id uint, fromCursor int, at time.Time) (bool, error)
	// ExitEnrollment transitions active->exited; false when the
	// enrollment is already terminal.
	ExitEnrollment(ctx context.Context, id uint, reason string, at time.Time) (bool, error)
	FlagReview(ctx context.Context, id uint, reason string) error
	CountByState(ctx context.Context, sequenceID uint) (map[string]int64, error)
	// ReceivedCounts returns, for each step index, the number of
	// enrollments whose cursor reached or passed that step.
	ReceivedCounts(ctx context.Context, sequenceID uint, stepCount int) ([]int64, error)
}

// SendStore persists sends. One row exists per (enrollment, step);
// CreateSend fails with ErrConflict on a duplicate pair, which is the
// dispatcher's duplicate-dispatch guard.
type SendStore interface {
	CreateSend(ctx context.Context, send *models.Send) error
	GetSend(ctx context.Context, id uint) (*models.Send, error)
	GetSendByMessageID(ctx context.Context, messageID string) (*models.Send, error)
	GetSendForStep(ctx context.Context, enrollmentID uint, stepIndex int) (*models.Send, error)
	// RequeueSend flips failed->queued for a retry attempt; false when
	// the send is no longer in failed state.
	RequeueSend(ctx context.Context, id uint) (bool, error)
	// MarkSent/MarkFailed record the outcome of one channel attempt and
	// bump the attempt counter.
	MarkSent(ctx context.Context, id uint, at time.Time) error
	MarkFailed(ctx context.Context, id uint, lastError string) error
	// FailStaleQueued fails queued sends last touched before cutoff.
	// A crash between queueing and the channel attempt otherwise leaves
	// the row in-flight forever; failing it lets the next tick retry.
	FailStaleQueued(ctx context.Context, cutoff time.Time) (int64, error)

	// Delivery-event mutations; first-occurrence timestamps are only set
	// when unset, counters always increment.
	ApplyDelivered(ctx context.Context, id uint, at time.Time) error
	ApplyOpened(ctx context.Context, id uint, at time.Time) error
	ApplyClicked(ctx context.Context, id uint, at time.Time) error
	ApplyBounced(ctx context.Context, id uint, at time.Time) error
	ApplyReplied(ctx context.Context, id uint, at time.Time) error

	RecentSends(ctx context.Context, sequenceID uint, limit int) ([]models.Send, error)
	StepAggregates(ctx context.Context, sequenceID uint) (map[int]StepAggregate, error)
	HasSends(ctx context.Context, sequenceID uint) (bool, error)
}

// EngagementStore persists reaction content pools and the synthetic
// engagement records generated from them.
type EngagementStore interface {
	CreatePoolEntry(ctx context.Context, tpl *models.ReactionTemplate) error
	// ListPool returns the active templates of one category.
	ListPool(ctx context.Context, category string) ([]models.ReactionTemplate, error)
	CreateReactions(ctx context.Context, records []models.EngagementRecord) error
	ReactionsForSend(ctx context.Context, sendID uint) ([]models.EngagementRecord, error)
}

// Store bundles every store interface for wiring convenience.
type Store interface {
	ContactStore
	SequenceStore
	EnrollmentStore
	SendStore
	EngagementStore
}

package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"dripflow/models"
	"dripflow/repository"
)

// EnrollmentManager owns the enrollment state machine:
// Active -> Completed | Active -> Exited, both terminal.
type EnrollmentManager struct {
	enrollments repository.EnrollmentStore
	sequences   repository.SequenceStore
	contacts    repository.ContactStore
	log         *logrus.Entry
}

func NewEnrollmentManager(store repository.Store, log *logrus.Entry) *EnrollmentManager {
	return &EnrollmentManager{
		enrollments: store,
		sequences:   store,
		contacts:    store,
		log:         log,
	}
}

// Enroll creates an active enrollment with cursor 0. startTime defaults
// to now when zero. Fails with AlreadyEnrolledError while an active
// enrollment exists for the (contact, sequence) pair; re-enrollment is
// allowed once the prior one is completed or exited.
func (m *EnrollmentManager) Enroll(ctx context.Context, contactID, sequenceID uint, startTime time.Time) (*models.Enrollment, error) {
	if _, err := m.contacts.GetContact(ctx, contactID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, &NotFoundError{Resource: "contact", ID: contactID}
		}
		return nil, fmt.Errorf("loading contact: %w", err)
	}

	sequence, err := m.sequences.GetSequence(ctx, sequenceID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, &NotFoundError{Resource: "sequence", ID: sequenceID}
		}
		return nil, fmt.Errorf("loading sequence: %w", err)
	}
	if !sequence.IsActive {
		return nil, &ValidationError{Message: fmt.Sprintf("sequence %d is not active", sequenceID)}
	}

	if startTime.IsZero() {
		startTime = time.Now()
	}

	enrollment := &models.Enrollment{
		ContactID:  contactID,
		SequenceID: sequenceID,
		State:      models.EnrollmentActive,
		EnrolledAt: startTime,
		Cursor:     0,
	}
	if err := m.enrollments.CreateEnrollment(ctx, enrollment); err != nil {
		if errors.Is(err, repository.ErrConflict) {
			return nil, &AlreadyEnrolledError{ContactID: contactID, SequenceID: sequenceID}
		}
		return nil, fmt.Errorf("creating enrollment: %w", err)
	}

	if err := m.sequences.AddCounters(ctx, sequenceID, map[string]int{"enrolled_count": 1}); err != nil {
		m.log.WithError(err).WithField("sequence_id", sequenceID).Warn("failed to bump enrolled counter")
	}

	m.log.WithFields(logrus.Fields{
		"enrollment_id": enrollment.ID,
		"contact_id":    contactID,
		"sequence_id":   sequenceID,
	}).Info("contact enrolled")
	return enrollment, nil
}

// Exit transitions an active enrollment to Exited. Exiting an already
// terminal enrollment is a no-op, not an error, so external exit
// triggers can be replayed safely.
func (m *EnrollmentManager) Exit(ctx context.Context, enrollmentID uint, reason string) error {
	enrollment, err := m.enrollments.GetEnrollment(ctx, enrollmentID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return &NotFoundError{Resource: "enrollment", ID: enrollmentID}
		}
		return fmt.Errorf("loading enrollment: %w", err)
	}

	exited, err := m.enrollments.ExitEnrollment(ctx, enrollmentID, reason, time.Now())
	if err != nil {
		return fmt.Errorf("exiting enrollment: %w", err)
	}
	if !exited {
		// Already completed or exited; idempotent.
		return nil
	}

	if err := m.sequences.AddCounters(ctx, enrollment.SequenceID, map[string]int{"exited_count": 1}); err != nil {
		m.log.WithError(err).WithField("sequence_id", enrollment.SequenceID).Warn("failed to bump exited counter")
	}

	m.log.WithFields(logrus.Fields{
		"enrollment_id": enrollmentID,
		"reason":        reason,
	}).Info("enrollment exited")
	return nil
}

// FlagForReview parks an enrollment for operator attention without
// changing its state. Flagged enrollments are excluded from scheduling
// until cleared.
func (m *EnrollmentManager) FlagForReview(ctx context.Context, enrollmentID uint, reason string) error {
	if err := m.enrollments.FlagReview(ctx, enrollmentID, reason); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return &NotFoundError{Resource: "enrollment", ID: enrollmentID}
		}
		return fmt.Errorf("flagging enrollment: %w", err)
	}
	m.log.WithFields(logrus.Fields{
		"enrollment_id": enrollmentID,
		"reason":        reason,
	}).Warn("enrollment flagged for review")
	return nil
}

package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"dripflow/models"
	"dripflow/repository"
)

// DueStep identifies one step of one enrollment that is ready to
// dispatch.
type DueStep struct {
	EnrollmentID uint
	SequenceID   uint
	ContactID    uint
	StepIndex    int
	DueAt        time.Time
}

// Scheduler computes when each enrollment's next step falls due. Due
// times are pure functions of the enrollment time and the step delays;
// randomness lives only in the engagement generator.
type Scheduler struct {
	enrollments repository.EnrollmentStore
	sequences   repository.SequenceStore
	log         *logrus.Entry
}

func NewScheduler(store repository.Store, log *logrus.Entry) *Scheduler {
	return &Scheduler{
		enrollments: store,
		sequences:   store,
		log:         log,
	}
}

// StepDueTime returns the scheduled time of steps[index]: the
// enrollment time plus the chained delays of every active step up to
// and including it. Inactive steps contribute no delay, so a skipped
// step never pushes back the next active one.
func StepDueTime(enrolledAt time.Time, steps []models.SequenceStep, index int) time.Time {
	due := enrolledAt
	for i := range steps {
		if steps[i].StepIndex > index {
			break
		}
		if !steps[i].IsActive {
			continue
		}
		due = due.Add(time.Duration(steps[i].DelayDays)*24*time.Hour +
			time.Duration(steps[i].DelayHours)*time.Hour)
	}
	return due
}

// DueSteps returns, for every active unflagged enrollment, the next
// step whose due time is at or before asOf. Inactive steps are skipped
// by advancing the cursor without dispatch; an enrollment whose
// remaining steps are all inactive is completed here.
func (s *Scheduler) DueSteps(ctx context.Context, asOf time.Time) ([]DueStep, error) {
	enrollments, err := s.enrollments.ActiveEnrollments(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing active enrollments: %w", err)
	}

	sequenceCache := make(map[uint]*models.Sequence)
	var due []DueStep

	for i := range enrollments {
		enrollment := &enrollments[i]

		sequence, ok := sequenceCache[enrollment.SequenceID]
		if !ok {
			sequence, err = s.sequences.GetSequence(ctx, enrollment.SequenceID)
			if err != nil {
				s.log.WithError(err).WithField("sequence_id", enrollment.SequenceID).
					Error("failed to load sequence for scheduling")
				continue
			}
			sequenceCache[enrollment.SequenceID] = sequence
		}

		step, err := s.nextDeliverableStep(ctx, enrollment, sequence)
		if err != nil {
			s.log.WithError(err).WithField("enrollment_id", enrollment.ID).
				Error("failed to resolve next step")
			continue
		}
		if step == nil {
			continue
		}

		dueAt := StepDueTime(enrollment.EnrolledAt, sequence.Steps, step.StepIndex)
		if !dueAt.After(asOf) {
			due = append(due, DueStep{
				EnrollmentID: enrollment.ID,
				SequenceID:   enrollment.SequenceID,
				ContactID:    enrollment.ContactID,
				StepIndex:    step.StepIndex,
				DueAt:        dueAt,
			})
		}
	}
	return due, nil
}

// nextDeliverableStep advances the enrollment's cursor past inactive
// steps and returns the next active one, or nil when the enrollment ran
// out of steps (in which case it is completed).
func (s *Scheduler) nextDeliverableStep(ctx context.Context, enrollment *models.Enrollment, sequence *models.Sequence) (*models.SequenceStep, error) {
	stepCount := len(sequence.Steps)
	for enrollment.Cursor < stepCount {
		step := sequence.StepAt(enrollment.Cursor)
		if step == nil {
			// Hole in the order indices; treat like an inactive step.
			step = &models.SequenceStep{StepIndex: enrollment.Cursor}
		}
		if step.IsActive {
			return step, nil
		}
		advanced, err := s.enrollments.AdvanceCursor(ctx, enrollment.ID, enrollment.Cursor, enrollment.Cursor+1)
		if err != nil {
			return nil, err
		}
		if !advanced {
			// Concurrent mutation; this enrollment is handled elsewhere.
			return nil, nil
		}
		enrollment.Cursor++
	}

	completed, err := s.enrollments.CompleteEnrollment(ctx, enrollment.ID, enrollment.Cursor, time.Now())
	if err != nil {
		return nil, err
	}
	if completed {
		if err := s.sequences.AddCounters(ctx, enrollment.SequenceID, map[string]int{"completed_count": 1}); err != nil {
			s.log.WithError(err).WithField("sequence_id", enrollment.SequenceID).
				Warn("failed to bump completed counter")
		}
		s.log.WithField("enrollment_id", enrollment.ID).Info("enrollment completed")
	}
	return nil, nil
}

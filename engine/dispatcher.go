package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"dripflow/models"
	"dripflow/repository"
	"dripflow/utils"
)

// ReactionGenerator is the synthetic engagement hook the dispatcher
// fires after a successful send.
type ReactionGenerator interface {
	Generate(ctx context.Context, sendID uint, stepIndex int, dispatchTime time.Time) error
}

// DispatcherConfig bounds channel calls and retries.
type DispatcherConfig struct {
	// BaseURL is the public origin used for tracking pixel and click
	// redirect URLs injected into message bodies.
	BaseURL string
	// SendTimeout bounds one channel send attempt.
	SendTimeout time.Duration
	// MaxAttempts is the number of channel attempts before the
	// enrollment is flagged for manual review.
	MaxAttempts int
	// TokenDefaults resolves placeholders absent from a contact profile
	// (e.g. first_name -> "there").
	TokenDefaults map[string]string
}

// Dispatcher turns a due step into an outbound send: renders the
// template, writes the Send row, pushes through the channel, advances
// the cursor and triggers the synthetic engagement generator.
type Dispatcher struct {
	sends       repository.SendStore
	enrollments repository.EnrollmentStore
	sequences   repository.SequenceStore
	contacts    repository.ContactStore
	channel     Channel
	generator   ReactionGenerator
	cfg         DispatcherConfig
	log         *logrus.Entry
}

func NewDispatcher(store repository.Store, channel Channel, generator ReactionGenerator, cfg DispatcherConfig, log *logrus.Entry) *Dispatcher {
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 30 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	return &Dispatcher{
		sends:       store,
		enrollments: store,
		sequences:   store,
		contacts:    store,
		channel:     channel,
		generator:   generator,
		cfg:         cfg,
		log:         log,
	}
}

// Dispatch performs at most one dispatch for (enrollment, stepIndex).
// Duplicate attempts from overlapping scheduler ticks are benign
// no-ops. Transient channel failures leave the send in failed state to
// be retried on a later tick; exhausting MaxAttempts flags the
// enrollment for manual review instead of exiting it.
func (d *Dispatcher) Dispatch(ctx context.Context, enrollmentID uint, stepIndex int, now time.Time) error {
	enrollment, err := d.enrollments.GetEnrollment(ctx, enrollmentID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return &NotFoundError{Resource: "enrollment", ID: enrollmentID}
		}
		return fmt.Errorf("loading enrollment: %w", err)
	}
	// The state flag takes precedence over cursor math: an exited
	// enrollment is never dispatched, however due its cursor looks.
	if enrollment.State != models.EnrollmentActive || enrollment.NeedsReview {
		return nil
	}
	if enrollment.Cursor != stepIndex {
		return nil
	}

	sequence, err := d.sequences.GetSequence(ctx, enrollment.SequenceID)
	if err != nil {
		return fmt.Errorf("loading sequence: %w", err)
	}
	step := sequence.StepAt(stepIndex)
	if step == nil || !step.IsActive {
		return nil
	}

	contact, err := d.contacts.GetContact(ctx, enrollment.ContactID)
	if err != nil {
		return fmt.Errorf("loading contact: %w", err)
	}

	send, err := d.resolveSend(ctx, enrollment, sequence, step, contact, now)
	if err != nil || send == nil {
		return err
	}

	if err := d.attemptSend(ctx, send, contact, now); err != nil {
		return err
	}

	d.advanceAfterSuccess(ctx, enrollment, sequence, stepIndex, now)

	if d.generator != nil {
		if err := d.generator.Generate(ctx, send.ID, stepIndex, now); err != nil {
			// Non-fatal: the step dispatched, the send simply gets no
			// companion reactions.
			d.log.WithError(err).WithField("send_id", send.ID).
				Warn("synthetic engagement generation failed")
		}
	}
	return nil
}

// resolveSend returns the Send row to attempt, creating it when this is
// the first attempt. A nil, nil return means nothing to do (duplicate
// dispatch, in-flight attempt, or exhausted retries).
func (d *Dispatcher) resolveSend(ctx context.Context, enrollment *models.Enrollment, sequence *models.Sequence, step *models.SequenceStep, contact *models.Contact, now time.Time) (*models.Send, error) {
	existing, err := d.sends.GetSendForStep(ctx, enrollment.ID, step.StepIndex)
	if err != nil && !errors.Is(err, repository.ErrNotFound) {
		return nil, fmt.Errorf("checking for existing send: %w", err)
	}

	if existing != nil {
		switch existing.Status {
		case models.SendQueued:
			// Another worker is mid-flight.
			return nil, nil
		case models.SendFailed:
			if existing.AttemptCount >= d.cfg.MaxAttempts {
				d.flagEnrollment(ctx, enrollment.ID, fmt.Sprintf(
					"step %d failed %d times: %s", step.StepIndex, existing.AttemptCount, existing.LastError))
				return nil, nil
			}
			requeued, err := d.sends.RequeueSend(ctx, existing.ID)
			if err != nil {
				return nil, fmt.Errorf("requeueing send: %w", err)
			}
			if !requeued {
				return nil, nil
			}
			existing.Status = models.SendQueued
			return existing, nil
		default:
			// Already dispatched; repair the cursor in case a crash
			// landed between send and advance.
			d.advanceAfterSuccess(ctx, enrollment, sequence, step.StepIndex, now)
			return nil, nil
		}
	}

	tokens := contact.TokenMap()
	subject, err := RenderTemplate(step.Subject, tokens, d.cfg.TokenDefaults)
	if err != nil {
		return nil, d.configFailure(ctx, enrollment.ID, step, err)
	}
	body, err := RenderTemplate(step.Body, tokens, d.cfg.TokenDefaults)
	if err != nil {
		return nil, d.configFailure(ctx, enrollment.ID, step, err)
	}

	messageID := uuid.New().String()
	if d.cfg.BaseURL != "" {
		body = utils.InjectTracking(body, d.cfg.BaseURL, messageID)
	}

	send := &models.Send{
		EnrollmentID: enrollment.ID,
		SequenceID:   sequence.ID,
		ContactID:    contact.ID,
		StepIndex:    step.StepIndex,
		MessageID:    messageID,
		Subject:      subject,
		Body:         body,
		Status:       models.SendQueued,
		ScheduledAt:  StepDueTime(enrollment.EnrolledAt, sequence.Steps, step.StepIndex),
	}
	if err := d.sends.CreateSend(ctx, send); err != nil {
		if errors.Is(err, repository.ErrConflict) {
			// Lost the race against a concurrent tick; exactly one Send
			// row survives per (enrollment, step).
			d.log.WithFields(logrus.Fields{
				"enrollment_id": enrollment.ID,
				"step_index":    step.StepIndex,
			}).Debug("duplicate dispatch suppressed")
			return nil, nil
		}
		return nil, fmt.Errorf("creating send: %w", err)
	}
	return send, nil
}

func (d *Dispatcher) attemptSend(ctx context.Context, send *models.Send, contact *models.Contact, now time.Time) error {
	sendCtx, cancel := context.WithTimeout(ctx, d.cfg.SendTimeout)
	defer cancel()

	err := d.channel.Send(sendCtx, OutboundMessage{
		To:        contact.Email,
		ToName:    contact.DisplayName(),
		Subject:   send.Subject,
		Body:      send.Body,
		MessageID: send.MessageID,
	})
	if err != nil {
		if markErr := d.sends.MarkFailed(ctx, send.ID, err.Error()); markErr != nil {
			d.log.WithError(markErr).WithField("send_id", send.ID).Error("failed to record send failure")
		}
		d.log.WithError(err).WithFields(logrus.Fields{
			"send_id": send.ID,
			"attempt": send.AttemptCount + 1,
		}).Warn("channel send failed")
		if send.AttemptCount+1 >= d.cfg.MaxAttempts {
			d.flagEnrollment(ctx, send.EnrollmentID, fmt.Sprintf(
				"step %d failed %d times: %s", send.StepIndex, send.AttemptCount+1, err.Error()))
		}
		return fmt.Errorf("channel send: %w", err)
	}

	if err := d.sends.MarkSent(ctx, send.ID, now); err != nil {
		return fmt.Errorf("recording sent status: %w", err)
	}
	if err := d.sequences.AddCounters(ctx, send.SequenceID, map[string]int{"sent_count": 1}); err != nil {
		d.log.WithError(err).WithField("sequence_id", send.SequenceID).Warn("failed to bump sent counter")
	}
	return nil
}

// advanceAfterSuccess moves the cursor past stepIndex and completes the
// enrollment when it was the last step.
func (d *Dispatcher) advanceAfterSuccess(ctx context.Context, enrollment *models.Enrollment, sequence *models.Sequence, stepIndex int, now time.Time) {
	advanced, err := d.enrollments.AdvanceCursor(ctx, enrollment.ID, stepIndex, stepIndex+1)
	if err != nil {
		d.log.WithError(err).WithField("enrollment_id", enrollment.ID).Error("failed to advance cursor")
		return
	}
	if !advanced {
		return
	}
	if stepIndex+1 >= len(sequence.Steps) {
		completed, err := d.enrollments.CompleteEnrollment(ctx, enrollment.ID, stepIndex+1, now)
		if err != nil {
			d.log.WithError(err).WithField("enrollment_id", enrollment.ID).Error("failed to complete enrollment")
			return
		}
		if completed {
			if err := d.sequences.AddCounters(ctx, sequence.ID, map[string]int{"completed_count": 1}); err != nil {
				d.log.WithError(err).WithField("sequence_id", sequence.ID).Warn("failed to bump completed counter")
			}
			d.log.WithField("enrollment_id", enrollment.ID).Info("enrollment completed")
		}
	}
}

// configFailure handles template errors: fail fast, park the enrollment
// on the operator queue, never send malformed content.
func (d *Dispatcher) configFailure(ctx context.Context, enrollmentID uint, step *models.SequenceStep, err error) error {
	sentry.CaptureException(err)
	d.flagEnrollment(ctx, enrollmentID, fmt.Sprintf("step %d template: %s", step.StepIndex, err.Error()))
	return err
}

func (d *Dispatcher) flagEnrollment(ctx context.Context, enrollmentID uint, reason string) {
	if err := d.enrollments.FlagReview(ctx, enrollmentID, reason); err != nil {
		d.log.WithError(err).WithField("enrollment_id", enrollmentID).Error("failed to flag enrollment")
		return
	}
	d.log.WithFields(logrus.Fields{
		"enrollment_id": enrollmentID,
		"reason":        reason,
	}).Warn("enrollment flagged for review")
}

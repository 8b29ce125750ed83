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

// Tracker applies delivery and engagement events to send records and
// keeps the sequence counters in step.
type Tracker struct {
	sends     repository.SendStore
	sequences repository.SequenceStore
	log       *logrus.Entry
}

func NewTracker(store repository.Store, log *logrus.Entry) *Tracker {
	return &Tracker{sends: store, sequences: store, log: log}
}

// RecordEvent applies one event to the send identified by sendID.
// Repeated open and click events increment their counters while the
// first-seen timestamps stay put. Events after a bounce are recorded on
// the timeline but never resurrect the bounced status.
func (t *Tracker) RecordEvent(ctx context.Context, sendID uint, event string, at time.Time) error {
	if at.IsZero() {
		at = time.Now().UTC()
	}
	send, err := t.sends.GetSend(ctx, sendID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return &UnknownSendError{SendID: sendID}
		}
		return fmt.Errorf("loading send: %w", err)
	}
	return t.apply(ctx, send, event, at)
}

// RecordEventByMessageID resolves the opaque message identifier carried
// by webhook payloads and tracking URLs.
func (t *Tracker) RecordEventByMessageID(ctx context.Context, messageID, event string, at time.Time) error {
	if at.IsZero() {
		at = time.Now().UTC()
	}
	send, err := t.sends.GetSendByMessageID(ctx, messageID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return &NotFoundError{Resource: "send", ID: 0}
		}
		return fmt.Errorf("loading send: %w", err)
	}
	return t.apply(ctx, send, event, at)
}

func (t *Tracker) apply(ctx context.Context, send *models.Send, event string, at time.Time) error {
	var (
		err     error
		counter string
	)
	switch event {
	case models.EventDelivered:
		err = t.sends.ApplyDelivered(ctx, send.ID, at)
	case models.EventOpened:
		err = t.sends.ApplyOpened(ctx, send.ID, at)
		counter = "open_count"
	case models.EventClicked:
		err = t.sends.ApplyClicked(ctx, send.ID, at)
		counter = "click_count"
	case models.EventReplied:
		err = t.sends.ApplyReplied(ctx, send.ID, at)
		counter = "reply_count"
	case models.EventBounced:
		err = t.sends.ApplyBounced(ctx, send.ID, at)
		counter = "bounce_count"
	default:
		return &ValidationError{Message: fmt.Sprintf("unknown event type %q", event)}
	}
	if err != nil {
		return fmt.Errorf("applying %s event: %w", event, err)
	}

	if counter != "" {
		if cErr := t.sequences.AddCounters(ctx, send.SequenceID, map[string]int{counter: 1}); cErr != nil {
			t.log.WithError(cErr).WithFields(logrus.Fields{
				"sequence_id": send.SequenceID,
				"counter":     counter,
			}).Warn("failed to bump sequence counter")
		}
	}

	t.log.WithFields(logrus.Fields{
		"send_id":    send.ID,
		"message_id": send.MessageID,
		"event":      event,
	}).Debug("engagement event recorded")
	return nil
}

package worker

import (
	"context"
	"fmt"
	"io"
	"log"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dripflow/models"
	"dripflow/repository"
	"dripflow/utils"
)

func TestRecomputeCounters(t *testing.T) {
	ctx := context.Background()
	store := repository.NewMemoryStore()

	sequence := &models.Sequence{
		Name:     "Onboarding",
		IsActive: true,
		Steps: []models.SequenceStep{
			{StepIndex: 0, Subject: "Welcome", Body: "Hi", Category: models.CategoryWelcome, IsActive: true},
			{StepIndex: 1, Subject: "Follow up", Body: "Hello", Category: models.CategoryWelcome, IsActive: true, DelayDays: 2},
		},
	}
	require.NoError(t, store.CreateSequence(ctx, sequence))

	states := []string{models.EnrollmentActive, models.EnrollmentCompleted, models.EnrollmentExited}
	now := time.Now().UTC()
	for i, state := range states {
		contact := &models.Contact{Email: fmt.Sprintf("contact%d@example.com", i)}
		require.NoError(t, store.CreateContact(ctx, contact))
		enrollment := &models.Enrollment{
			ContactID:  contact.ID,
			SequenceID: sequence.ID,
			State:      state,
			EnrolledAt: now.Add(-48 * time.Hour),
		}
		require.NoError(t, store.CreateEnrollment(ctx, enrollment))
		send := &models.Send{
			EnrollmentID: enrollment.ID,
			SequenceID:   sequence.ID,
			ContactID:    contact.ID,
			StepIndex:    0,
			MessageID:    "msg-" + state,
			Status:       models.SendSent,
			ScheduledAt:  now,
			DispatchedAt: utils.Pointer(now),
		}
		if i == 0 {
			send.OpenedAt = utils.Pointer(now)
			send.ClickedAt = utils.Pointer(now)
		}
		if i == 2 {
			send.Status = models.SendBounced
			send.BouncedAt = utils.Pointer(now)
		}
		require.NoError(t, store.CreateSend(ctx, send))
	}

	// Drifted counters must be overwritten, not merged
	require.NoError(t, store.SetCounters(ctx, sequence.ID, map[string]int{"sent_count": 99, "open_count": 99}))

	mw := NewMaintenanceWorker(store, nil, log.New(io.Discard, "", 0))
	mw.RecomputeCounters(ctx)

	got, err := store.GetSequence(ctx, sequence.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, got.EnrolledCount)
	assert.Equal(t, 1, got.CompletedCount)
	assert.Equal(t, 1, got.ExitedCount)
	assert.Equal(t, 3, got.SentCount)
	assert.Equal(t, 1, got.OpenCount)
	assert.Equal(t, 1, got.ClickCount)
	assert.Equal(t, 1, got.BounceCount)
	assert.Equal(t, 0, got.ReplyCount)
}

func TestSweepStaleQueued(t *testing.T) {
	ctx := context.Background()
	store := repository.NewMemoryStore()

	send := &models.Send{
		EnrollmentID: 1,
		SequenceID:   1,
		ContactID:    1,
		StepIndex:    0,
		MessageID:    "msg-stale",
		Status:       models.SendQueued,
		ScheduledAt:  time.Now(),
	}
	require.NoError(t, store.CreateSend(ctx, send))

	// A freshly queued send is presumed in-flight and left alone
	mw := NewMaintenanceWorker(store, nil, log.New(io.Discard, "", 0))
	mw.SweepStaleQueued(ctx)
	got, err := store.GetSend(ctx, send.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SendQueued, got.Status)

	// Past the cutoff it is failed with an attempt charged
	swept, err := store.FailStaleQueued(ctx, time.Now().Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(1), swept)

	got, err = store.GetSend(ctx, send.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SendFailed, got.Status)
	assert.Equal(t, 1, got.AttemptCount)
	assert.NotEmpty(t, got.LastError)
}

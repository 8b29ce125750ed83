package engine

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dripflow/models"
	"dripflow/repository"
)

type recordingChannel struct {
	mu       sync.Mutex
	messages []OutboundMessage
	fail     error
}

func (r *recordingChannel) Send(_ context.Context, msg OutboundMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail != nil {
		return r.fail
	}
	r.messages = append(r.messages, msg)
	return nil
}

func (r *recordingChannel) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.messages)
}

func newTestDispatcher(store *repository.MemoryStore, channel Channel) *Dispatcher {
	return NewDispatcher(store, channel, nil, DispatcherConfig{
		SendTimeout:   time.Second,
		MaxAttempts:   3,
		TokenDefaults: map[string]string{"first_name": "there"},
	}, testLogger())
}

func TestDispatchSendsAndAdvancesCursor(t *testing.T) {
	store := repository.NewMemoryStore()
	contact := seedContact(t, store, "ada@example.com")
	sequence := seedSequence(t, store,
		step(0, 0, "Welcome {first_name}", "Hi {first_name} from {company}"),
		step(1, 1, "Follow up", "Hello again"),
	)
	enrollment := enrollAt(t, store, contact.ID, sequence.ID, time.Now().Add(-time.Hour))

	channel := &recordingChannel{}
	dispatcher := newTestDispatcher(store, channel)

	now := time.Now().UTC()
	require.NoError(t, dispatcher.Dispatch(context.Background(), enrollment.ID, 0, now))

	require.Equal(t, 1, channel.count())
	msg := channel.messages[0]
	assert.Equal(t, "ada@example.com", msg.To)
	assert.Equal(t, "Welcome Ada", msg.Subject)
	assert.Contains(t, msg.Body, "Hi Ada from Analytical Engines Ltd")
	assert.NotEmpty(t, msg.MessageID)

	send, err := store.GetSendForStep(context.Background(), enrollment.ID, 0)
	require.NoError(t, err)
	assert.Equal(t, models.SendSent, send.Status)
	assert.NotNil(t, send.DispatchedAt)
	assert.Equal(t, 1, send.AttemptCount)

	got, err := store.GetEnrollment(context.Background(), enrollment.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.Cursor)
	assert.Equal(t, models.EnrollmentActive, got.State)

	updated, err := store.GetSequence(context.Background(), sequence.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, updated.SentCount)
}

func TestDispatchLastStepCompletesEnrollment(t *testing.T) {
	store := repository.NewMemoryStore()
	contact := seedContact(t, store, "ada@example.com")
	sequence := seedSequence(t, store, step(0, 0, "Only", "Hi"))
	enrollment := enrollAt(t, store, contact.ID, sequence.ID, time.Now().Add(-time.Hour))

	dispatcher := newTestDispatcher(store, &recordingChannel{})
	require.NoError(t, dispatcher.Dispatch(context.Background(), enrollment.ID, 0, time.Now().UTC()))

	got, err := store.GetEnrollment(context.Background(), enrollment.ID)
	require.NoError(t, err)
	assert.Equal(t, models.EnrollmentCompleted, got.State)
	assert.Equal(t, 1, got.Cursor)

	updated, err := store.GetSequence(context.Background(), sequence.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, updated.CompletedCount)
}

func TestDispatchIsIdempotentPerStep(t *testing.T) {
	store := repository.NewMemoryStore()
	contact := seedContact(t, store, "ada@example.com")
	sequence := seedSequence(t, store,
		step(0, 0, "Welcome", "Hi"),
		step(1, 1, "Follow up", "Hello"),
	)
	enrollment := enrollAt(t, store, contact.ID, sequence.ID, time.Now().Add(-time.Hour))

	channel := &recordingChannel{}
	dispatcher := newTestDispatcher(store, channel)

	require.NoError(t, dispatcher.Dispatch(context.Background(), enrollment.ID, 0, time.Now().UTC()))
	// A late duplicate from an overlapping tick is a no-op
	require.NoError(t, dispatcher.Dispatch(context.Background(), enrollment.ID, 0, time.Now().UTC()))

	assert.Equal(t, 1, channel.count())

	got, err := store.GetEnrollment(context.Background(), enrollment.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.Cursor)
}

func TestDispatchRepairsCursorAfterCrash(t *testing.T) {
	store := repository.NewMemoryStore()
	contact := seedContact(t, store, "ada@example.com")
	sequence := seedSequence(t, store,
		step(0, 0, "Welcome", "Hi"),
		step(1, 1, "Follow up", "Hello"),
	)
	enrollment := enrollAt(t, store, contact.ID, sequence.ID, time.Now().Add(-time.Hour))

	// Simulate a crash between MarkSent and AdvanceCursor: the send row
	// exists as dispatched but the cursor is still on step 0.
	now := time.Now().UTC()
	send := &models.Send{
		EnrollmentID: enrollment.ID,
		SequenceID:   sequence.ID,
		ContactID:    contact.ID,
		StepIndex:    0,
		MessageID:    "m-1",
		Status:       models.SendSent,
		ScheduledAt:  now,
		DispatchedAt: &now,
	}
	require.NoError(t, store.CreateSend(context.Background(), send))

	channel := &recordingChannel{}
	dispatcher := newTestDispatcher(store, channel)
	require.NoError(t, dispatcher.Dispatch(context.Background(), enrollment.ID, 0, now))

	// No second delivery, but the cursor moved on
	assert.Equal(t, 0, channel.count())
	got, err := store.GetEnrollment(context.Background(), enrollment.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.Cursor)
}

func TestDispatchRetriesAfterTransientFailure(t *testing.T) {
	store := repository.NewMemoryStore()
	contact := seedContact(t, store, "ada@example.com")
	sequence := seedSequence(t, store, step(0, 0, "Welcome", "Hi"))
	enrollment := enrollAt(t, store, contact.ID, sequence.ID, time.Now().Add(-time.Hour))

	channel := &recordingChannel{fail: errors.New("connection refused")}
	dispatcher := newTestDispatcher(store, channel)

	err := dispatcher.Dispatch(context.Background(), enrollment.ID, 0, time.Now().UTC())
	require.Error(t, err)

	send, getErr := store.GetSendForStep(context.Background(), enrollment.ID, 0)
	require.NoError(t, getErr)
	assert.Equal(t, models.SendFailed, send.Status)
	assert.Equal(t, 1, send.AttemptCount)
	assert.Contains(t, send.LastError, "connection refused")

	// The cursor must not move on failure
	got, getErr := store.GetEnrollment(context.Background(), enrollment.ID)
	require.NoError(t, getErr)
	assert.Equal(t, 0, got.Cursor)

	// Next tick retries the same send row and succeeds
	channel.fail = nil
	require.NoError(t, dispatcher.Dispatch(context.Background(), enrollment.ID, 0, time.Now().UTC()))

	send, getErr = store.GetSendForStep(context.Background(), enrollment.ID, 0)
	require.NoError(t, getErr)
	assert.Equal(t, models.SendSent, send.Status)
	assert.Equal(t, 2, send.AttemptCount)
	assert.Equal(t, 1, channel.count())
}

func TestDispatchFlagsEnrollmentAfterExhaustedRetries(t *testing.T) {
	store := repository.NewMemoryStore()
	contact := seedContact(t, store, "ada@example.com")
	sequence := seedSequence(t, store, step(0, 0, "Welcome", "Hi"))
	enrollment := enrollAt(t, store, contact.ID, sequence.ID, time.Now().Add(-time.Hour))

	channel := &recordingChannel{fail: errors.New("550 mailbox unavailable")}
	dispatcher := NewDispatcher(store, channel, nil, DispatcherConfig{
		SendTimeout: time.Second,
		MaxAttempts: 2,
	}, testLogger())

	require.Error(t, dispatcher.Dispatch(context.Background(), enrollment.ID, 0, time.Now().UTC()))
	require.Error(t, dispatcher.Dispatch(context.Background(), enrollment.ID, 0, time.Now().UTC()))

	got, err := store.GetEnrollment(context.Background(), enrollment.ID)
	require.NoError(t, err)
	assert.True(t, got.NeedsReview)
	assert.Contains(t, got.ReviewReason, "failed 2 times")

	// Flagged enrollments are no-ops for further dispatch attempts
	require.NoError(t, dispatcher.Dispatch(context.Background(), enrollment.ID, 0, time.Now().UTC()))
	send, err := store.GetSendForStep(context.Background(), enrollment.ID, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, send.AttemptCount)
}

func TestDispatchMissingTokenFlagsWithoutSending(t *testing.T) {
	store := repository.NewMemoryStore()
	contact := seedContact(t, store, "ada@example.com")
	sequence := seedSequence(t, store, step(0, 0, "Use {coupon}", "Code: {coupon}"))
	enrollment := enrollAt(t, store, contact.ID, sequence.ID, time.Now().Add(-time.Hour))

	channel := &recordingChannel{}
	dispatcher := newTestDispatcher(store, channel)

	err := dispatcher.Dispatch(context.Background(), enrollment.ID, 0, time.Now().UTC())
	var missing *MissingTokenError
	require.True(t, errors.As(err, &missing))
	assert.Equal(t, "coupon", missing.Token)

	assert.Equal(t, 0, channel.count())
	_, err = store.GetSendForStep(context.Background(), enrollment.ID, 0)
	assert.True(t, errors.Is(err, repository.ErrNotFound))

	got, err := store.GetEnrollment(context.Background(), enrollment.ID)
	require.NoError(t, err)
	assert.True(t, got.NeedsReview)
}

func TestDispatchInjectsTracking(t *testing.T) {
	store := repository.NewMemoryStore()
	contact := seedContact(t, store, "ada@example.com")
	sequence := seedSequence(t, store, step(0, 0, "Welcome", `Click <a href="https://example.com/docs">here</a>`))
	enrollment := enrollAt(t, store, contact.ID, sequence.ID, time.Now().Add(-time.Hour))

	channel := &recordingChannel{}
	dispatcher := NewDispatcher(store, channel, nil, DispatcherConfig{
		BaseURL:     "https://app.dripflow.test",
		SendTimeout: time.Second,
		MaxAttempts: 3,
	}, testLogger())

	require.NoError(t, dispatcher.Dispatch(context.Background(), enrollment.ID, 0, time.Now().UTC()))

	require.Equal(t, 1, channel.count())
	body := channel.messages[0].Body
	assert.True(t, strings.Contains(body, "/track/open/"), "open pixel missing")
	assert.True(t, strings.Contains(body, "/track/click/"), "click tracking missing")
}

func TestDispatchTriggersReactionGenerator(t *testing.T) {
	store := repository.NewMemoryStore()
	contact := seedContact(t, store, "ada@example.com")
	sequence := seedSequence(t, store, step(0, 0, "Welcome", "Hi"))
	enrollment := enrollAt(t, store, contact.ID, sequence.ID, time.Now().Add(-time.Hour))

	require.NoError(t, store.CreatePoolEntry(context.Background(), &models.ReactionTemplate{
		Category:    models.CategoryWelcome,
		AuthorLabel: "Morgan from Support",
		Body:        "Great to have you, {first_name}!",
		IsActive:    true,
	}))

	generator := NewEngagementGenerator(store, GeneratorConfig{MinReactions: 1, MaxReactions: 1}, testLogger()).WithSeed(7)
	dispatcher := NewDispatcher(store, &recordingChannel{}, generator, DispatcherConfig{
		SendTimeout: time.Second,
		MaxAttempts: 3,
	}, testLogger())

	require.NoError(t, dispatcher.Dispatch(context.Background(), enrollment.ID, 0, time.Now().UTC()))

	send, err := store.GetSendForStep(context.Background(), enrollment.ID, 0)
	require.NoError(t, err)
	reactions, err := store.ReactionsForSend(context.Background(), send.ID)
	require.NoError(t, err)
	require.Len(t, reactions, 1)
	assert.Equal(t, "Great to have you, Ada!", reactions[0].Body)
}

package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dripflow/models"
	"dripflow/repository"
)

func TestStepDueTime(t *testing.T) {
	enrolledAt := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	steps := []models.SequenceStep{
		step(0, 0, "a", "a"),
		step(1, 2, "b", "b"),
		step(2, 1, "c", "c"),
	}

	assert.Equal(t, enrolledAt, StepDueTime(enrolledAt, steps, 0))
	assert.Equal(t, enrolledAt.Add(48*time.Hour), StepDueTime(enrolledAt, steps, 1))
	assert.Equal(t, enrolledAt.Add(72*time.Hour), StepDueTime(enrolledAt, steps, 2))
}

func TestStepDueTimeSkipsInactiveDelays(t *testing.T) {
	enrolledAt := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	steps := []models.SequenceStep{
		step(0, 0, "a", "a"),
		inactiveStep(1, 5),
		step(2, 1, "c", "c"),
	}

	// The disabled day-5 step contributes no delay
	assert.Equal(t, enrolledAt.Add(24*time.Hour), StepDueTime(enrolledAt, steps, 2))
}

func TestStepDueTimeHours(t *testing.T) {
	enrolledAt := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	s := step(0, 1, "a", "a")
	s.DelayHours = 6

	assert.Equal(t, enrolledAt.Add(30*time.Hour), StepDueTime(enrolledAt, []models.SequenceStep{s}, 0))
}

func TestDueStepsReturnsOnlyDue(t *testing.T) {
	store := repository.NewMemoryStore()
	contactA := seedContact(t, store, "a@example.com")
	contactB := seedContact(t, store, "b@example.com")
	sequence := seedSequence(t, store,
		step(0, 0, "Welcome", "Hi"),
		step(1, 3, "Follow up", "Still there?"),
	)

	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	ready := enrollAt(t, store, contactA.ID, sequence.ID, now.Add(-time.Hour))
	enrollAt(t, store, contactB.ID, sequence.ID, now.Add(time.Hour))

	scheduler := NewScheduler(store, testLogger())
	due, err := scheduler.DueSteps(context.Background(), now)
	require.NoError(t, err)

	require.Len(t, due, 1)
	assert.Equal(t, ready.ID, due[0].EnrollmentID)
	assert.Equal(t, 0, due[0].StepIndex)
	assert.Equal(t, sequence.ID, due[0].SequenceID)
}

func TestDueStepsSkipsFlaggedEnrollments(t *testing.T) {
	store := repository.NewMemoryStore()
	contact := seedContact(t, store, "a@example.com")
	sequence := seedSequence(t, store, step(0, 0, "Welcome", "Hi"))

	now := time.Now().UTC()
	enrollment := enrollAt(t, store, contact.ID, sequence.ID, now.Add(-time.Hour))
	require.NoError(t, store.FlagReview(context.Background(), enrollment.ID, "operator hold"))

	scheduler := NewScheduler(store, testLogger())
	due, err := scheduler.DueSteps(context.Background(), now)
	require.NoError(t, err)
	assert.Empty(t, due)
}

func TestDueStepsAdvancesPastInactiveSteps(t *testing.T) {
	store := repository.NewMemoryStore()
	contact := seedContact(t, store, "a@example.com")
	sequence := seedSequence(t, store,
		inactiveStep(0, 0),
		step(1, 0, "Second", "Hi"),
	)

	now := time.Now().UTC()
	enrollment := enrollAt(t, store, contact.ID, sequence.ID, now.Add(-time.Hour))

	scheduler := NewScheduler(store, testLogger())
	due, err := scheduler.DueSteps(context.Background(), now)
	require.NoError(t, err)

	require.Len(t, due, 1)
	assert.Equal(t, 1, due[0].StepIndex)

	got, err := store.GetEnrollment(context.Background(), enrollment.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.Cursor)
}

func TestDueStepsCompletesAllInactiveTail(t *testing.T) {
	store := repository.NewMemoryStore()
	contact := seedContact(t, store, "a@example.com")
	sequence := seedSequence(t, store,
		inactiveStep(0, 0),
		inactiveStep(1, 1),
	)

	now := time.Now().UTC()
	enrollment := enrollAt(t, store, contact.ID, sequence.ID, now.Add(-time.Hour))

	scheduler := NewScheduler(store, testLogger())
	due, err := scheduler.DueSteps(context.Background(), now)
	require.NoError(t, err)
	assert.Empty(t, due)

	got, err := store.GetEnrollment(context.Background(), enrollment.ID)
	require.NoError(t, err)
	assert.Equal(t, models.EnrollmentCompleted, got.State)
	assert.NotNil(t, got.CompletedAt)

	updated, err := store.GetSequence(context.Background(), sequence.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, updated.CompletedCount)
}

func TestDueStepsIgnoresTerminalEnrollments(t *testing.T) {
	store := repository.NewMemoryStore()
	contact := seedContact(t, store, "a@example.com")
	sequence := seedSequence(t, store, step(0, 0, "Welcome", "Hi"))
	manager := NewEnrollmentManager(store, testLogger())

	now := time.Now().UTC()
	enrollment := enrollAt(t, store, contact.ID, sequence.ID, now.Add(-time.Hour))
	require.NoError(t, manager.Exit(context.Background(), enrollment.ID, models.ExitConverted))

	scheduler := NewScheduler(store, testLogger())
	due, err := scheduler.DueSteps(context.Background(), now)
	require.NoError(t, err)
	assert.Empty(t, due)
}

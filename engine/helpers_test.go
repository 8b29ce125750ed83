package engine

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"dripflow/models"
	"dripflow/repository"
)

func testLogger() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}

func seedContact(t *testing.T, store *repository.MemoryStore, email string) *models.Contact {
	t.Helper()
	contact := &models.Contact{
		Email:     email,
		FirstName: "Ada",
		LastName:  "Lovelace",
		Attributes: map[string]string{
			"company": "Analytical Engines Ltd",
		},
	}
	require.NoError(t, store.CreateContact(context.Background(), contact))
	return contact
}

func seedSequence(t *testing.T, store *repository.MemoryStore, steps ...models.SequenceStep) *models.Sequence {
	t.Helper()
	sequence := &models.Sequence{
		Name:        "Onboarding",
		TriggerType: models.TriggerManual,
		IsActive:    true,
		Steps:       steps,
	}
	require.NoError(t, store.CreateSequence(context.Background(), sequence))
	return sequence
}

func step(index, delayDays int, subject, body string) models.SequenceStep {
	return models.SequenceStep{
		StepIndex: index,
		DelayDays: delayDays,
		Subject:   subject,
		Body:      body,
		Category:  models.CategoryWelcome,
		IsActive:  true,
	}
}

func inactiveStep(index, delayDays int) models.SequenceStep {
	s := step(index, delayDays, "disabled", "disabled")
	s.IsActive = false
	return s
}

func enrollAt(t *testing.T, store *repository.MemoryStore, contactID, sequenceID uint, at time.Time) *models.Enrollment {
	t.Helper()
	manager := NewEnrollmentManager(store, testLogger())
	enrollment, err := manager.Enroll(context.Background(), contactID, sequenceID, at)
	require.NoError(t, err)
	return enrollment
}

package controller

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dripflow/engine"
	"dripflow/models"
	"dripflow/repository"
	"dripflow/utils"
)

type testEnv struct {
	app   *fiber.App
	store *repository.MemoryStore
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	store := repository.NewMemoryStore()

	engineLog := logrus.New()
	engineLog.SetOutput(io.Discard)
	entry := logrus.NewEntry(engineLog)
	quiet := log.New(io.Discard, "", 0)

	manager := engine.NewEnrollmentManager(store, entry)
	tracker := engine.NewTracker(store, entry)
	analytics := engine.NewAnalytics(store, nil, time.Minute, entry)

	contactController := NewContactController(store, quiet)
	sequenceController := NewSequenceController(store, quiet)
	enrollmentController := NewEnrollmentController(manager, quiet)
	trackingController := NewTrackingController(tracker, quiet)
	analyticsController := NewAnalyticsController(analytics, store, quiet)

	app := fiber.New()
	api := app.Group("/api/v1")
	api.Post("/contacts", contactController.CreateContact)
	api.Get("/contacts/:id", contactController.GetContact)
	api.Post("/sequences", sequenceController.CreateSequence)
	api.Get("/sequences/:id", sequenceController.GetSequence)
	api.Patch("/sequences/:id/steps/:step", sequenceController.UpdateStep)
	api.Get("/sequences/:id/stats", analyticsController.GetSequenceStats)
	api.Get("/sequences/:id/recent-sends", analyticsController.GetRecentSends)
	api.Post("/enrollments", enrollmentController.Enroll)
	api.Post("/enrollments/:id/exit", enrollmentController.Exit)
	api.Get("/sends/:id/reactions", analyticsController.GetSendReactions)
	app.Post("/webhooks/delivery", trackingController.HandleDeliveryWebhook)
	app.Get("/track/open/:messageID/:token", trackingController.TrackOpen)
	app.Get("/track/click/:messageID/:token", trackingController.TrackClick)

	return &testEnv{app: app, store: store}
}

func (e *testEnv) request(t *testing.T, method, path string, body any) *http.Response {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, path, reader)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := e.app.Test(req, -1)
	require.NoError(t, err)
	return resp
}

func decodeData(t *testing.T, resp *http.Response, out any) {
	t.Helper()
	var envelope struct {
		Success bool            `json:"success"`
		Data    json.RawMessage `json:"data"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&envelope))
	require.True(t, envelope.Success)
	require.NoError(t, json.Unmarshal(envelope.Data, out))
}

func (e *testEnv) createContact(t *testing.T, email string) models.Contact {
	t.Helper()
	resp := e.request(t, http.MethodPost, "/api/v1/contacts", fiber.Map{
		"email":      email,
		"first_name": "Ada",
		"attributes": map[string]string{"company": "Acme"},
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var contact models.Contact
	decodeData(t, resp, &contact)
	return contact
}

func (e *testEnv) createSequence(t *testing.T) models.Sequence {
	t.Helper()
	resp := e.request(t, http.MethodPost, "/api/v1/sequences", fiber.Map{
		"name":      "Onboarding",
		"is_active": true,
		"steps": []fiber.Map{
			{"subject": "Welcome {first_name}", "body": "Hi {first_name}"},
			{"subject": "Follow up", "body": "Hello again", "delay_days": 2},
		},
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var sequence models.Sequence
	decodeData(t, resp, &sequence)
	return sequence
}

func TestCreateContactEndpoint(t *testing.T) {
	env := newTestEnv(t)

	contact := env.createContact(t, "ada@example.com")
	assert.NotZero(t, contact.ID)
	assert.Equal(t, "ada@example.com", contact.Email)

	// Duplicate email
	resp := env.request(t, http.MethodPost, "/api/v1/contacts", fiber.Map{"email": "ada@example.com"})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	// Invalid email
	resp = env.request(t, http.MethodPost, "/api/v1/contacts", fiber.Map{"email": "not-an-email"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestCreateSequenceEndpoint(t *testing.T) {
	env := newTestEnv(t)

	sequence := env.createSequence(t)
	require.Len(t, sequence.Steps, 2)
	assert.Equal(t, 0, sequence.Steps[0].StepIndex)
	assert.Equal(t, 1, sequence.Steps[1].StepIndex)
	assert.True(t, sequence.Steps[0].IsActive)

	// Steps are required
	resp := env.request(t, http.MethodPost, "/api/v1/sequences", fiber.Map{"name": "Empty"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestEnrollmentEndpoints(t *testing.T) {
	env := newTestEnv(t)
	contact := env.createContact(t, "ada@example.com")
	sequence := env.createSequence(t)

	resp := env.request(t, http.MethodPost, "/api/v1/enrollments", fiber.Map{
		"contact_id":  contact.ID,
		"sequence_id": sequence.ID,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var enrollment models.Enrollment
	decodeData(t, resp, &enrollment)
	assert.Equal(t, models.EnrollmentActive, enrollment.State)

	// Double enrollment is rejected
	resp = env.request(t, http.MethodPost, "/api/v1/enrollments", fiber.Map{
		"contact_id":  contact.ID,
		"sequence_id": sequence.ID,
	})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	// Exit, then replay the exit: both succeed
	exitPath := fmt.Sprintf("/api/v1/enrollments/%d/exit", enrollment.ID)
	resp = env.request(t, http.MethodPost, exitPath, fiber.Map{"reason": "unsubscribed"})
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp = env.request(t, http.MethodPost, exitPath, fiber.Map{})
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	got, err := env.store.GetEnrollment(context.Background(), enrollment.ID)
	require.NoError(t, err)
	assert.Equal(t, models.EnrollmentExited, got.State)
	require.NotNil(t, got.ExitReason)
	assert.Equal(t, models.ExitUnsubscribed, *got.ExitReason)

	// Unknown sequence
	resp = env.request(t, http.MethodPost, "/api/v1/enrollments", fiber.Map{
		"contact_id":  contact.ID,
		"sequence_id": 999,
	})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func seedDispatchedSend(t *testing.T, env *testEnv, messageID string) *models.Send {
	t.Helper()
	contact := env.createContact(t, messageID+"@example.com")
	sequence := env.createSequence(t)
	enrollment := &models.Enrollment{
		ContactID:  contact.ID,
		SequenceID: sequence.ID,
		State:      models.EnrollmentActive,
		EnrolledAt: time.Now().Add(-time.Hour),
	}
	require.NoError(t, env.store.CreateEnrollment(context.Background(), enrollment))

	now := time.Now().UTC()
	send := &models.Send{
		EnrollmentID: enrollment.ID,
		SequenceID:   sequence.ID,
		ContactID:    contact.ID,
		StepIndex:    0,
		MessageID:    messageID,
		Status:       models.SendSent,
		ScheduledAt:  now,
		DispatchedAt: utils.Pointer(now),
	}
	require.NoError(t, env.store.CreateSend(context.Background(), send))
	return send
}

func TestDeliveryWebhook(t *testing.T) {
	env := newTestEnv(t)
	send := seedDispatchedSend(t, env, "msg-hook")

	resp := env.request(t, http.MethodPost, "/webhooks/delivery", fiber.Map{
		"event_type": "delivered",
		"message_id": send.MessageID,
		"timestamp":  time.Now().Unix(),
	})
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	got, err := env.store.GetSend(context.Background(), send.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SendDelivered, got.Status)

	// Callbacks replay; an unmatched message is dropped, not rejected
	resp = env.request(t, http.MethodPost, "/webhooks/delivery", fiber.Map{
		"event_type": "delivered",
		"message_id": "unknown",
	})
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	// Unknown event type
	resp = env.request(t, http.MethodPost, "/webhooks/delivery", fiber.Map{
		"event_type": "forwarded",
		"message_id": send.MessageID,
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestTrackOpenServesPixel(t *testing.T) {
	env := newTestEnv(t)
	send := seedDispatchedSend(t, env, "msg-open")

	token := utils.TrackingToken(send.MessageID)
	resp := env.request(t, http.MethodGet, "/track/open/"+send.MessageID+"/"+token, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "image/gif", resp.Header.Get("Content-Type"))

	got, err := env.store.GetSend(context.Background(), send.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.OpenCount)

	// Forged token still gets the pixel but records nothing
	resp = env.request(t, http.MethodGet, "/track/open/"+send.MessageID+"/forged-token", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	got, err = env.store.GetSend(context.Background(), send.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.OpenCount)
}

func TestTrackClickRedirects(t *testing.T) {
	env := newTestEnv(t)
	send := seedDispatchedSend(t, env, "msg-click")

	token := utils.TrackingToken(send.MessageID)
	target := url.QueryEscape("https://example.com/docs")
	resp := env.request(t, http.MethodGet, "/track/click/"+send.MessageID+"/"+token+"?url="+target, nil)
	assert.Equal(t, http.StatusFound, resp.StatusCode)
	assert.Equal(t, "https://example.com/docs", resp.Header.Get("Location"))

	got, err := env.store.GetSend(context.Background(), send.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.ClickCount)

	// Refuse non-http schemes
	resp = env.request(t, http.MethodGet, "/track/click/"+send.MessageID+"/"+token+"?url="+url.QueryEscape("javascript:alert(1)"), nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestUpdateStepLockedAfterSends(t *testing.T) {
	env := newTestEnv(t)
	send := seedDispatchedSend(t, env, "msg-edit")

	path := fmt.Sprintf("/api/v1/sequences/%d/steps/0", send.SequenceID)

	// Content edits are rejected once the sequence has sends
	resp := env.request(t, http.MethodPatch, path, fiber.Map{"subject": "New subject"})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	// Toggling stays allowed
	resp = env.request(t, http.MethodPatch, path, fiber.Map{"is_active": false})
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	sequence, err := env.store.GetSequence(context.Background(), send.SequenceID)
	require.NoError(t, err)
	assert.False(t, sequence.StepAt(0).IsActive)
}

func TestUpdateStepBeforeSends(t *testing.T) {
	env := newTestEnv(t)
	sequence := env.createSequence(t)

	path := fmt.Sprintf("/api/v1/sequences/%d/steps/1", sequence.ID)
	resp := env.request(t, http.MethodPatch, path, fiber.Map{"subject": "Edited", "delay_days": 5})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	got, err := env.store.GetSequence(context.Background(), sequence.ID)
	require.NoError(t, err)
	assert.Equal(t, "Edited", got.StepAt(1).Subject)
	assert.Equal(t, 5, got.StepAt(1).DelayDays)
}

func TestSequenceStatsEndpoint(t *testing.T) {
	env := newTestEnv(t)
	send := seedDispatchedSend(t, env, "msg-stats")

	resp := env.request(t, http.MethodGet, fmt.Sprintf("/api/v1/sequences/%d/stats", send.SequenceID), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var stats engine.SequenceStats
	decodeData(t, resp, &stats)
	assert.Equal(t, send.SequenceID, stats.SequenceID)
	assert.Equal(t, int64(1), stats.TotalSent)
	require.Len(t, stats.Funnel, 2)

	resp = env.request(t, http.MethodGet, "/api/v1/sequences/999/stats", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestRecentSendsEndpoint(t *testing.T) {
	env := newTestEnv(t)
	send := seedDispatchedSend(t, env, "msg-recent")

	resp := env.request(t, http.MethodGet, fmt.Sprintf("/api/v1/sequences/%d/recent-sends", send.SequenceID), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var recent []engine.RecentSend
	decodeData(t, resp, &recent)
	require.Len(t, recent, 1)
	assert.Equal(t, send.ID, recent[0].SendID)
	assert.NotEmpty(t, recent[0].ContactEmail)
}

func TestSendReactionsEndpoint(t *testing.T) {
	env := newTestEnv(t)
	send := seedDispatchedSend(t, env, "msg-react")

	require.NoError(t, env.store.CreateReactions(context.Background(), []models.EngagementRecord{{
		SendID:      send.ID,
		AuthorLabel: "Morgan from Support",
		Body:        "Welcome aboard!",
		DisplayAt:   time.Now().Add(time.Hour),
		Synthetic:   true,
	}}))

	resp := env.request(t, http.MethodGet, fmt.Sprintf("/api/v1/sends/%d/reactions", send.ID), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var reactions []models.EngagementRecord
	decodeData(t, resp, &reactions)
	require.Len(t, reactions, 1)
	assert.True(t, reactions[0].Synthetic)

	resp = env.request(t, http.MethodGet, "/api/v1/sends/999/reactions", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"dripflow/models"
)

// MemoryStore is an in-memory Store used by tests and local runs
// without a database. It mirrors the GORM implementation's semantics,
// including the CAS behavior of cursor and state updates.
type MemoryStore struct {
	mu sync.Mutex

	nextID      uint
	contacts    map[uint]*models.Contact
	sequences   map[uint]*models.Sequence
	enrollments map[uint]*models.Enrollment
	sends       map[uint]*models.Send
	pool        map[uint]*models.ReactionTemplate
	reactions   map[uint]*models.EngagementRecord
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		contacts:    make(map[uint]*models.Contact),
		sequences:   make(map[uint]*models.Sequence),
		enrollments: make(map[uint]*models.Enrollment),
		sends:       make(map[uint]*models.Send),
		pool:        make(map[uint]*models.ReactionTemplate),
		reactions:   make(map[uint]*models.EngagementRecord),
	}
}

func (s *MemoryStore) id() uint {
	s.nextID++
	return s.nextID
}

// ---- contacts ----

func (s *MemoryStore) CreateContact(_ context.Context, contact *models.Contact) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.contacts {
		if existing.Email == contact.Email {
			return ErrConflict
		}
	}
	contact.ID = s.id()
	contact.CreatedAt = time.Now()
	cp := *contact
	s.contacts[contact.ID] = &cp
	return nil
}

func (s *MemoryStore) GetContact(_ context.Context, id uint) (*models.Contact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	contact, ok := s.contacts[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *contact
	return &cp, nil
}

func (s *MemoryStore) GetContactByEmail(_ context.Context, email string) (*models.Contact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, contact := range s.contacts {
		if contact.Email == email {
			cp := *contact
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

// ---- sequences ----

func (s *MemoryStore) CreateSequence(_ context.Context, sequence *models.Sequence) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sequence.ID = s.id()
	sequence.CreatedAt = time.Now()
	for i := range sequence.Steps {
		sequence.Steps[i].ID = s.id()
		sequence.Steps[i].SequenceID = sequence.ID
	}
	cp := *sequence
	cp.Steps = append([]models.SequenceStep(nil), sequence.Steps...)
	s.sequences[sequence.ID] = &cp
	return nil
}

func (s *MemoryStore) GetSequence(_ context.Context, id uint) (*models.Sequence, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sequence, ok := s.sequences[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *sequence
	cp.Steps = append([]models.SequenceStep(nil), sequence.Steps...)
	sort.Slice(cp.Steps, func(i, j int) bool { return cp.Steps[i].StepIndex < cp.Steps[j].StepIndex })
	return &cp, nil
}

func (s *MemoryStore) ListSequences(_ context.Context) ([]models.Sequence, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.Sequence, 0, len(s.sequences))
	for _, sequence := range s.sequences {
		cp := *sequence
		cp.Steps = nil
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) UpdateSequence(_ context.Context, sequence *models.Sequence) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.sequences[sequence.ID]
	if !ok {
		return ErrNotFound
	}
	cp := *sequence
	if len(sequence.Steps) == 0 {
		cp.Steps = existing.Steps
	} else {
		cp.Steps = append([]models.SequenceStep(nil), sequence.Steps...)
	}
	s.sequences[sequence.ID] = &cp
	return nil
}

func (s *MemoryStore) CreateStep(_ context.Context, step *models.SequenceStep) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sequence, ok := s.sequences[step.SequenceID]
	if !ok {
		return ErrNotFound
	}
	for _, existing := range sequence.Steps {
		if existing.StepIndex == step.StepIndex {
			return ErrConflict
		}
	}
	step.ID = s.id()
	step.CreatedAt = time.Now()
	sequence.Steps = append(sequence.Steps, *step)
	return nil
}

func (s *MemoryStore) AddCounters(_ context.Context, sequenceID uint, deltas map[string]int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sequence, ok := s.sequences[sequenceID]
	if !ok {
		return ErrNotFound
	}
	applyCounters(sequence, deltas, true)
	return nil
}

func (s *MemoryStore) SetCounters(_ context.Context, sequenceID uint, counters map[string]int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sequence, ok := s.sequences[sequenceID]
	if !ok {
		return ErrNotFound
	}
	applyCounters(sequence, counters, false)
	return nil
}

func applyCounters(sequence *models.Sequence, values map[string]int, add bool) {
	targets := map[string]*int{
		"enrolled_count":  &sequence.EnrolledCount,
		"completed_count": &sequence.CompletedCount,
		"exited_count":    &sequence.ExitedCount,
		"sent_count":      &sequence.SentCount,
		"open_count":      &sequence.OpenCount,
		"click_count":     &sequence.ClickCount,
		"reply_count":     &sequence.ReplyCount,
		"bounce_count":    &sequence.BounceCount,
	}
	for column, value := range values {
		target, ok := targets[column]
		if !ok {
			continue
		}
		if add {
			*target += value
		} else {
			*target = value
		}
	}
}

// ---- enrollments ----

func (s *MemoryStore) CreateEnrollment(_ context.Context, enrollment *models.Enrollment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.enrollments {
		if existing.ContactID == enrollment.ContactID &&
			existing.SequenceID == enrollment.SequenceID &&
			existing.State == models.EnrollmentActive {
			return ErrConflict
		}
	}
	enrollment.ID = s.id()
	enrollment.CreatedAt = time.Now()
	cp := *enrollment
	s.enrollments[enrollment.ID] = &cp
	return nil
}

func (s *MemoryStore) GetEnrollment(_ context.Context, id uint) (*models.Enrollment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	enrollment, ok := s.enrollments[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *enrollment
	return &cp, nil
}

func (s *MemoryStore) ActiveEnrollments(_ context.Context) ([]models.Enrollment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Enrollment
	for _, enrollment := range s.enrollments {
		if enrollment.State == models.EnrollmentActive && !enrollment.NeedsReview {
			out = append(out, *enrollment)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) AdvanceCursor(_ context.Context, id uint, from, to int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	enrollment, ok := s.enrollments[id]
	if !ok {
		return false, nil
	}
	if enrollment.State != models.EnrollmentActive || enrollment.Cursor != from {
		return false, nil
	}
	enrollment.Cursor = to
	return true, nil
}

func (s *MemoryStore) CompleteEnrollment(_ context.Context, id uint, fromCursor int, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	enrollment, ok := s.enrollments[id]
	if !ok {
		return false, nil
	}
	if enrollment.State != models.EnrollmentActive || enrollment.Cursor != fromCursor {
		return false, nil
	}
	enrollment.State = models.EnrollmentCompleted
	enrollment.CompletedAt = &at
	return true, nil
}

func (s *MemoryStore) ExitEnrollment(_ context.Context, id uint, reason string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	enrollment, ok := s.enrollments[id]
	if !ok {
		return false, nil
	}
	if enrollment.State != models.EnrollmentActive {
		return false, nil
	}
	enrollment.State = models.EnrollmentExited
	enrollment.ExitReason = &reason
	enrollment.ExitedAt = &at
	return true, nil
}

func (s *MemoryStore) FlagReview(_ context.Context, id uint, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	enrollment, ok := s.enrollments[id]
	if !ok {
		return ErrNotFound
	}
	enrollment.NeedsReview = true
	enrollment.ReviewReason = reason
	return nil
}

func (s *MemoryStore) CountByState(_ context.Context, sequenceID uint) (map[string]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	counts := make(map[string]int64)
	for _, enrollment := range s.enrollments {
		if enrollment.SequenceID == sequenceID {
			counts[enrollment.State]++
		}
	}
	return counts, nil
}

func (s *MemoryStore) ReceivedCounts(_ context.Context, sequenceID uint, stepCount int) ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	received := make([]int64, stepCount)
	for _, enrollment := range s.enrollments {
		if enrollment.SequenceID != sequenceID {
			continue
		}
		for i := 0; i < stepCount && i <= enrollment.Cursor; i++ {
			received[i]++
		}
	}
	return received, nil
}

// ---- sends ----

func (s *MemoryStore) CreateSend(_ context.Context, send *models.Send) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.sends {
		if existing.EnrollmentID == send.EnrollmentID && existing.StepIndex == send.StepIndex {
			return ErrConflict
		}
	}
	send.ID = s.id()
	send.CreatedAt = time.Now()
	send.UpdatedAt = send.CreatedAt
	cp := *send
	s.sends[send.ID] = &cp
	return nil
}

func (s *MemoryStore) GetSend(_ context.Context, id uint) (*models.Send, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	send, ok := s.sends[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *send
	return &cp, nil
}

func (s *MemoryStore) GetSendByMessageID(_ context.Context, messageID string) (*models.Send, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, send := range s.sends {
		if send.MessageID == messageID {
			cp := *send
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) GetSendForStep(_ context.Context, enrollmentID uint, stepIndex int) (*models.Send, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, send := range s.sends {
		if send.EnrollmentID == enrollmentID && send.StepIndex == stepIndex {
			cp := *send
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) RequeueSend(_ context.Context, id uint) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	send, ok := s.sends[id]
	if !ok || send.Status != models.SendFailed {
		return false, nil
	}
	send.Status = models.SendQueued
	send.UpdatedAt = time.Now()
	return true, nil
}

func (s *MemoryStore) FailStaleQueued(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var swept int64
	for _, send := range s.sends {
		if send.Status != models.SendQueued || !send.UpdatedAt.Before(cutoff) {
			continue
		}
		send.Status = models.SendFailed
		send.AttemptCount++
		send.LastError = "dispatch attempt never completed"
		send.UpdatedAt = time.Now()
		swept++
	}
	return swept, nil
}

func (s *MemoryStore) MarkSent(_ context.Context, id uint, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	send, ok := s.sends[id]
	if !ok {
		return ErrNotFound
	}
	send.Status = models.SendSent
	send.DispatchedAt = &at
	send.AttemptCount++
	send.LastError = ""
	send.UpdatedAt = time.Now()
	return nil
}

func (s *MemoryStore) MarkFailed(_ context.Context, id uint, lastError string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	send, ok := s.sends[id]
	if !ok {
		return ErrNotFound
	}
	send.Status = models.SendFailed
	send.AttemptCount++
	send.LastError = lastError
	send.UpdatedAt = time.Now()
	return nil
}

func (s *MemoryStore) ApplyDelivered(_ context.Context, id uint, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	send, ok := s.sends[id]
	if !ok {
		return ErrNotFound
	}
	if send.DeliveredAt == nil {
		send.DeliveredAt = &at
	}
	if send.Status == models.SendSent {
		send.Status = models.SendDelivered
	}
	return nil
}

func (s *MemoryStore) ApplyOpened(_ context.Context, id uint, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	send, ok := s.sends[id]
	if !ok {
		return ErrNotFound
	}
	if send.OpenedAt == nil {
		send.OpenedAt = &at
	}
	send.OpenCount++
	return nil
}

func (s *MemoryStore) ApplyClicked(_ context.Context, id uint, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	send, ok := s.sends[id]
	if !ok {
		return ErrNotFound
	}
	if send.ClickedAt == nil {
		send.ClickedAt = &at
	}
	send.ClickCount++
	return nil
}

func (s *MemoryStore) ApplyBounced(_ context.Context, id uint, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	send, ok := s.sends[id]
	if !ok {
		return ErrNotFound
	}
	if send.BouncedAt == nil {
		send.BouncedAt = &at
	}
	send.Status = models.SendBounced
	return nil
}

func (s *MemoryStore) ApplyReplied(_ context.Context, id uint, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	send, ok := s.sends[id]
	if !ok {
		return ErrNotFound
	}
	if send.RepliedAt == nil {
		send.RepliedAt = &at
	}
	return nil
}

func (s *MemoryStore) RecentSends(_ context.Context, sequenceID uint, limit int) ([]models.Send, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Send
	for _, send := range s.sends {
		if send.SequenceID != sequenceID {
			continue
		}
		cp := *send
		if contact, ok := s.contacts[send.ContactID]; ok {
			cp.Contact = *contact
		}
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) StepAggregates(_ context.Context, sequenceID uint) (map[int]StepAggregate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	aggregates := make(map[int]StepAggregate)
	for _, send := range s.sends {
		if send.SequenceID != sequenceID {
			continue
		}
		agg := aggregates[send.StepIndex]
		if send.Status != models.SendQueued {
			agg.Sent++
		}
		if send.OpenedAt != nil {
			agg.Opened++
		}
		if send.ClickedAt != nil {
			agg.Clicked++
		}
		if send.RepliedAt != nil {
			agg.Replied++
		}
		if send.BouncedAt != nil {
			agg.Bounced++
		}
		aggregates[send.StepIndex] = agg
	}
	return aggregates, nil
}

func (s *MemoryStore) HasSends(_ context.Context, sequenceID uint) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, send := range s.sends {
		if send.SequenceID == sequenceID {
			return true, nil
		}
	}
	return false, nil
}

// ---- engagement ----

func (s *MemoryStore) CreatePoolEntry(_ context.Context, tpl *models.ReactionTemplate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tpl.ID = s.id()
	tpl.CreatedAt = time.Now()
	cp := *tpl
	s.pool[tpl.ID] = &cp
	return nil
}

func (s *MemoryStore) ListPool(_ context.Context, category string) ([]models.ReactionTemplate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.ReactionTemplate
	for _, tpl := range s.pool {
		if tpl.Category == category && tpl.IsActive {
			out = append(out, *tpl)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) CreateReactions(_ context.Context, records []models.EngagementRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range records {
		records[i].ID = s.id()
		records[i].CreatedAt = time.Now()
		cp := records[i]
		s.reactions[cp.ID] = &cp
	}
	return nil
}

func (s *MemoryStore) ReactionsForSend(_ context.Context, sendID uint) ([]models.EngagementRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.EngagementRecord
	for _, record := range s.reactions {
		if record.SendID == sendID {
			out = append(out, *record)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DisplayAt.Before(out[j].DisplayAt) })
	return out, nil
}

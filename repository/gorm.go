package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"dripflow/models"
)

// GormStore implements Store on a GORM-managed database.
type GormStore struct {
	db *gorm.DB
}

func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

func translate(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		return ErrNotFound
	case errors.Is(err, gorm.ErrDuplicatedKey):
		return ErrConflict
	default:
		return err
	}
}

// ---- contacts ----

func (s *GormStore) CreateContact(ctx context.Context, contact *models.Contact) error {
	return translate(s.db.WithContext(ctx).Create(contact).Error)
}

func (s *GormStore) GetContact(ctx context.Context, id uint) (*models.Contact, error) {
	var contact models.Contact
	if err := s.db.WithContext(ctx).First(&contact, id).Error; err != nil {
		return nil, translate(err)
	}
	return &contact, nil
}

func (s *GormStore) GetContactByEmail(ctx context.Context, email string) (*models.Contact, error) {
	var contact models.Contact
	if err := s.db.WithContext(ctx).Where("email = ?", email).First(&contact).Error; err != nil {
		return nil, translate(err)
	}
	return &contact, nil
}

// ---- sequences ----

func (s *GormStore) CreateSequence(ctx context.Context, sequence *models.Sequence) error {
	return translate(s.db.WithContext(ctx).Create(sequence).Error)
}

func (s *GormStore) GetSequence(ctx context.Context, id uint) (*models.Sequence, error) {
	var sequence models.Sequence
	err := s.db.WithContext(ctx).
		Preload("Steps", func(db *gorm.DB) *gorm.DB {
			return db.Order("step_index ASC")
		}).
		First(&sequence, id).Error
	if err != nil {
		return nil, translate(err)
	}
	return &sequence, nil
}

func (s *GormStore) ListSequences(ctx context.Context) ([]models.Sequence, error) {
	var sequences []models.Sequence
	if err := s.db.WithContext(ctx).Order("id ASC").Find(&sequences).Error; err != nil {
		return nil, translate(err)
	}
	return sequences, nil
}

func (s *GormStore) UpdateSequence(ctx context.Context, sequence *models.Sequence) error {
	return translate(s.db.WithContext(ctx).Save(sequence).Error)
}

func (s *GormStore) CreateStep(ctx context.Context, step *models.SequenceStep) error {
	return translate(s.db.WithContext(ctx).Create(step).Error)
}

// counterColumns whitelists the sequence columns AddCounters and
// SetCounters may touch.
var counterColumns = map[string]bool{
	"enrolled_count":  true,
	"completed_count": true,
	"exited_count":    true,
	"sent_count":      true,
	"open_count":      true,
	"click_count":     true,
	"reply_count":     true,
	"bounce_count":    true,
}

func (s *GormStore) AddCounters(ctx context.Context, sequenceID uint, deltas map[string]int) error {
	updates := make(map[string]interface{}, len(deltas))
	for column, delta := range deltas {
		if !counterColumns[column] {
			return fmt.Errorf("unknown counter column %q", column)
		}
		updates[column] = gorm.Expr(column+" + ?", delta)
	}
	return translate(s.db.WithContext(ctx).
		Model(&models.Sequence{}).
		Where("id = ?", sequenceID).
		Updates(updates).Error)
}

func (s *GormStore) SetCounters(ctx context.Context, sequenceID uint, counters map[string]int) error {
	updates := make(map[string]interface{}, len(counters))
	for column, value := range counters {
		if !counterColumns[column] {
			return fmt.Errorf("unknown counter column %q", column)
		}
		updates[column] = value
	}
	return translate(s.db.WithContext(ctx).
		Model(&models.Sequence{}).
		Where("id = ?", sequenceID).
		Updates(updates).Error)
}

// ---- enrollments ----

func (s *GormStore) CreateEnrollment(ctx context.Context, enrollment *models.Enrollment) error {
	return translate(s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		err := tx.Model(&models.Enrollment{}).
			Where("contact_id = ? AND sequence_id = ? AND state = ?",
				enrollment.ContactID, enrollment.SequenceID, models.EnrollmentActive).
			Count(&count).Error
		if err != nil {
			return err
		}
		if count > 0 {
			return gorm.ErrDuplicatedKey
		}
		return tx.Create(enrollment).Error
	}))
}

func (s *GormStore) GetEnrollment(ctx context.Context, id uint) (*models.Enrollment, error) {
	var enrollment models.Enrollment
	if err := s.db.WithContext(ctx).First(&enrollment, id).Error; err != nil {
		return nil, translate(err)
	}
	return &enrollment, nil
}

func (s *GormStore) ActiveEnrollments(ctx context.Context) ([]models.Enrollment, error) {
	var enrollments []models.Enrollment
	err := s.db.WithContext(ctx).
		Where("state = ? AND needs_review = ?", models.EnrollmentActive, false).
		Order("id ASC").
		Find(&enrollments).Error
	if err != nil {
		return nil, translate(err)
	}
	return enrollments, nil
}

func (s *GormStore) AdvanceCursor(ctx context.Context, id uint, from, to int) (bool, error) {
	res := s.db.WithContext(ctx).
		Model(&models.Enrollment{}).
		Where("id = ? AND state = ? AND cursor = ?", id, models.EnrollmentActive, from).
		Update("cursor", to)
	return res.RowsAffected > 0, translate(res.Error)
}

func (s *GormStore) CompleteEnrollment(ctx context.Context, id uint, fromCursor int, at time.Time) (bool, error) {
	res := s.db.WithContext(ctx).
		Model(&models.Enrollment{}).
		Where("id = ? AND state = ? AND cursor = ?", id, models.EnrollmentActive, fromCursor).
		Updates(map[string]interface{}{
			"state":        models.EnrollmentCompleted,
			"completed_at": at,
		})
	return res.RowsAffected > 0, translate(res.Error)
}

func (s *GormStore) ExitEnrollment(ctx context.Context, id uint, reason string, at time.Time) (bool, error) {
	res := s.db.WithContext(ctx).
		Model(&models.Enrollment{}).
		Where("id = ? AND state = ?", id, models.EnrollmentActive).
		Updates(map[string]interface{}{
			"state":       models.EnrollmentExited,
			"exit_reason": reason,
			"exited_at":   at,
		})
	return res.RowsAffected > 0, translate(res.Error)
}

func (s *GormStore) FlagReview(ctx context.Context, id uint, reason string) error {
	return translate(s.db.WithContext(ctx).
		Model(&models.Enrollment{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"needs_review":  true,
			"review_reason": reason,
		}).Error)
}

func (s *GormStore) CountByState(ctx context.Context, sequenceID uint) (map[string]int64, error) {
	var rows []struct {
		State string
		Count int64
	}
	err := s.db.WithContext(ctx).
		Model(&models.Enrollment{}).
		Select("state, COUNT(*) AS count").
		Where("sequence_id = ?", sequenceID).
		Group("state").
		Scan(&rows).Error
	if err != nil {
		return nil, translate(err)
	}
	counts := make(map[string]int64, len(rows))
	for _, row := range rows {
		counts[row.State] = row.Count
	}
	return counts, nil
}

func (s *GormStore) ReceivedCounts(ctx context.Context, sequenceID uint, stepCount int) ([]int64, error) {
	var rows []struct {
		Cursor int
		Count  int64
	}
	err := s.db.WithContext(ctx).
		Model(&models.Enrollment{}).
		Select("cursor, COUNT(*) AS count").
		Where("sequence_id = ?", sequenceID).
		Group("cursor").
		Scan(&rows).Error
	if err != nil {
		return nil, translate(err)
	}
	received := make([]int64, stepCount)
	for _, row := range rows {
		for i := 0; i < stepCount && i <= row.Cursor; i++ {
			received[i] += row.Count
		}
	}
	return received, nil
}

// ---- sends ----

func (s *GormStore) CreateSend(ctx context.Context, send *models.Send) error {
	return translate(s.db.WithContext(ctx).Create(send).Error)
}

func (s *GormStore) GetSend(ctx context.Context, id uint) (*models.Send, error) {
	var send models.Send
	if err := s.db.WithContext(ctx).First(&send, id).Error; err != nil {
		return nil, translate(err)
	}
	return &send, nil
}

func (s *GormStore) GetSendByMessageID(ctx context.Context, messageID string) (*models.Send, error) {
	var send models.Send
	if err := s.db.WithContext(ctx).Where("message_id = ?", messageID).First(&send).Error; err != nil {
		return nil, translate(err)
	}
	return &send, nil
}

func (s *GormStore) GetSendForStep(ctx context.Context, enrollmentID uint, stepIndex int) (*models.Send, error) {
	var send models.Send
	err := s.db.WithContext(ctx).
		Where("enrollment_id = ? AND step_index = ?", enrollmentID, stepIndex).
		First(&send).Error
	if err != nil {
		return nil, translate(err)
	}
	return &send, nil
}

func (s *GormStore) RequeueSend(ctx context.Context, id uint) (bool, error) {
	res := s.db.WithContext(ctx).
		Model(&models.Send{}).
		Where("id = ? AND status = ?", id, models.SendFailed).
		Update("status", models.SendQueued)
	return res.RowsAffected > 0, translate(res.Error)
}

func (s *GormStore) MarkSent(ctx context.Context, id uint, at time.Time) error {
	return translate(s.db.WithContext(ctx).
		Model(&models.Send{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":        models.SendSent,
			"dispatched_at": at,
			"attempt_count": gorm.Expr("attempt_count + 1"),
			"last_error":    "",
		}).Error)
}

func (s *GormStore) MarkFailed(ctx context.Context, id uint, lastError string) error {
	return translate(s.db.WithContext(ctx).
		Model(&models.Send{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":        models.SendFailed,
			"attempt_count": gorm.Expr("attempt_count + 1"),
			"last_error":    lastError,
		}).Error)
}

func (s *GormStore) FailStaleQueued(ctx context.Context, cutoff time.Time) (int64, error) {
	res := s.db.WithContext(ctx).
		Model(&models.Send{}).
		Where("status = ? AND updated_at < ?", models.SendQueued, cutoff).
		Updates(map[string]interface{}{
			"status":        models.SendFailed,
			"attempt_count": gorm.Expr("attempt_count + 1"),
			"last_error":    "dispatch attempt never completed",
		})
	return res.RowsAffected, translate(res.Error)
}

func (s *GormStore) ApplyDelivered(ctx context.Context, id uint, at time.Time) error {
	return translate(s.db.WithContext(ctx).
		Model(&models.Send{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"delivered_at": gorm.Expr("COALESCE(delivered_at, ?)", at),
			"status":       gorm.Expr("CASE WHEN status = ? THEN ? ELSE status END", models.SendSent, models.SendDelivered),
		}).Error)
}

func (s *GormStore) ApplyOpened(ctx context.Context, id uint, at time.Time) error {
	return translate(s.db.WithContext(ctx).
		Model(&models.Send{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"opened_at":  gorm.Expr("COALESCE(opened_at, ?)", at),
			"open_count": gorm.Expr("open_count + 1"),
		}).Error)
}

func (s *GormStore) ApplyClicked(ctx context.Context, id uint, at time.Time) error {
	return translate(s.db.WithContext(ctx).
		Model(&models.Send{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"clicked_at":  gorm.Expr("COALESCE(clicked_at, ?)", at),
			"click_count": gorm.Expr("click_count + 1"),
		}).Error)
}

func (s *GormStore) ApplyBounced(ctx context.Context, id uint, at time.Time) error {
	return translate(s.db.WithContext(ctx).
		Model(&models.Send{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"bounced_at": gorm.Expr("COALESCE(bounced_at, ?)", at),
			"status":     models.SendBounced,
		}).Error)
}

func (s *GormStore) ApplyReplied(ctx context.Context, id uint, at time.Time) error {
	return translate(s.db.WithContext(ctx).
		Model(&models.Send{}).
		Where("id = ?", id).
		Update("replied_at", gorm.Expr("COALESCE(replied_at, ?)", at)).Error)
}

func (s *GormStore) RecentSends(ctx context.Context, sequenceID uint, limit int) ([]models.Send, error) {
	var sends []models.Send
	err := s.db.WithContext(ctx).
		Preload("Contact").
		Where("sequence_id = ?", sequenceID).
		Order("created_at DESC").
		Limit(limit).
		Find(&sends).Error
	if err != nil {
		return nil, translate(err)
	}
	return sends, nil
}

func (s *GormStore) StepAggregates(ctx context.Context, sequenceID uint) (map[int]StepAggregate, error) {
	var rows []struct {
		StepIndex int
		Sent      int64
		Opened    int64
		Clicked   int64
		Replied   int64
		Bounced   int64
	}
	err := s.db.WithContext(ctx).Raw(`
        SELECT
            step_index,
            SUM(CASE WHEN status <> ? THEN 1 ELSE 0 END) AS sent,
            SUM(CASE WHEN opened_at IS NOT NULL THEN 1 ELSE 0 END) AS opened,
            SUM(CASE WHEN clicked_at IS NOT NULL THEN 1 ELSE 0 END) AS clicked,
            SUM(CASE WHEN replied_at IS NOT NULL THEN 1 ELSE 0 END) AS replied,
            SUM(CASE WHEN bounced_at IS NOT NULL THEN 1 ELSE 0 END) AS bounced
        FROM sends
        WHERE sequence_id = ? AND deleted_at IS NULL
        GROUP BY step_index
    `, models.SendQueued, sequenceID).Scan(&rows).Error
	if err != nil {
		return nil, translate(err)
	}
	aggregates := make(map[int]StepAggregate, len(rows))
	for _, row := range rows {
		aggregates[row.StepIndex] = StepAggregate{
			Sent:    row.Sent,
			Opened:  row.Opened,
			Clicked: row.Clicked,
			Replied: row.Replied,
			Bounced: row.Bounced,
		}
	}
	return aggregates, nil
}

func (s *GormStore) HasSends(ctx context.Context, sequenceID uint) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).
		Model(&models.Send{}).
		Where("sequence_id = ?", sequenceID).
		Count(&count).Error
	return count > 0, translate(err)
}

// ---- engagement ----

func (s *GormStore) CreatePoolEntry(ctx context.Context, tpl *models.ReactionTemplate) error {
	return translate(s.db.WithContext(ctx).Create(tpl).Error)
}

func (s *GormStore) ListPool(ctx context.Context, category string) ([]models.ReactionTemplate, error) {
	var pool []models.ReactionTemplate
	err := s.db.WithContext(ctx).
		Where("category = ? AND is_active = ?", category, true).
		Order("id ASC").
		Find(&pool).Error
	if err != nil {
		return nil, translate(err)
	}
	return pool, nil
}

func (s *GormStore) CreateReactions(ctx context.Context, records []models.EngagementRecord) error {
	if len(records) == 0 {
		return nil
	}
	return translate(s.db.WithContext(ctx).Create(&records).Error)
}

func (s *GormStore) ReactionsForSend(ctx context.Context, sendID uint) ([]models.EngagementRecord, error) {
	var records []models.EngagementRecord
	err := s.db.WithContext(ctx).
		Where("send_id = ?", sendID).
		Order("display_at ASC").
		Find(&records).Error
	if err != nil {
		return nil, translate(err)
	}
	return records, nil
}

package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"

	"dripflow/models"
	"dripflow/repository"
)

// StepStats is the per-step slice of a sequence report.
type StepStats struct {
	StepIndex int     `json:"step_index"`
	Subject   string  `json:"subject"`
	Active    bool    `json:"active"`
	Sent      int64   `json:"sent"`
	Opened    int64   `json:"opened"`
	Clicked   int64   `json:"clicked"`
	Replied   int64   `json:"replied"`
	OpenRate  float64 `json:"open_rate"`
	ClickRate float64 `json:"click_rate"`
	// CTOR is clicks over opens, the click-to-open rate.
	CTOR float64 `json:"ctor"`
}

// FunnelStage reports how many enrollments reached an active step and
// the drop-off from the previous stage.
type FunnelStage struct {
	StepIndex      int     `json:"step_index"`
	Subject        string  `json:"subject"`
	Received       int64   `json:"received"`
	DropoffPercent float64 `json:"dropoff_percent"`
}

// SequenceStats is the full analytics report for one sequence.
type SequenceStats struct {
	SequenceID  uint          `json:"sequence_id"`
	Name        string        `json:"name"`
	Enrolled    int64         `json:"enrolled"`
	Active      int64         `json:"active"`
	Completed   int64         `json:"completed"`
	Exited      int64         `json:"exited"`
	TotalSent   int64         `json:"total_sent"`
	OpenRate    float64       `json:"open_rate"`
	ClickRate   float64       `json:"click_rate"`
	ReplyRate   float64       `json:"reply_rate"`
	BounceRate  float64       `json:"bounce_rate"`
	Steps       []StepStats   `json:"steps"`
	Funnel      []FunnelStage `json:"funnel"`
	GeneratedAt time.Time     `json:"generated_at"`
}

// RecentSend is a single row of the recent activity feed.
type RecentSend struct {
	SendID       uint       `json:"send_id"`
	ContactEmail string     `json:"contact_email"`
	ContactName  string     `json:"contact_name"`
	StepIndex    int        `json:"step_index"`
	Subject      string     `json:"subject"`
	Status       string     `json:"status"`
	DispatchedAt *time.Time `json:"dispatched_at"`
	OpenedAt     *time.Time `json:"opened_at"`
	ClickedAt    *time.Time `json:"clicked_at"`
}

// Analytics computes sequence reports, caching them in redis between
// scheduler ticks so the dashboard can poll freely.
type Analytics struct {
	sequences   repository.SequenceStore
	enrollments repository.EnrollmentStore
	sends       repository.SendStore
	cache       *redis.Client
	cacheTTL    time.Duration
	log         *logrus.Entry
}

func NewAnalytics(store repository.Store, cache *redis.Client, cacheTTL time.Duration, log *logrus.Entry) *Analytics {
	if cacheTTL <= 0 {
		cacheTTL = time.Minute
	}
	return &Analytics{
		sequences:   store,
		enrollments: store,
		sends:       store,
		cache:       cache,
		cacheTTL:    cacheTTL,
		log:         log,
	}
}

func statsCacheKey(sequenceID uint) string {
	return fmt.Sprintf("dripflow:stats:%d", sequenceID)
}

// SequenceStats returns the cached report when fresh, computing and
// caching it otherwise.
func (a *Analytics) SequenceStats(ctx context.Context, sequenceID uint) (*SequenceStats, error) {
	if a.cache != nil {
		if raw, err := a.cache.Get(ctx, statsCacheKey(sequenceID)).Bytes(); err == nil {
			var cached SequenceStats
			if err := json.Unmarshal(raw, &cached); err == nil {
				return &cached, nil
			}
		} else if !errors.Is(err, redis.Nil) {
			a.log.WithError(err).Warn("stats cache read failed")
		}
	}

	stats, err := a.computeStats(ctx, sequenceID)
	if err != nil {
		return nil, err
	}

	if a.cache != nil {
		if raw, err := json.Marshal(stats); err == nil {
			if err := a.cache.Set(ctx, statsCacheKey(sequenceID), raw, a.cacheTTL).Err(); err != nil {
				a.log.WithError(err).Warn("stats cache write failed")
			}
		}
	}
	return stats, nil
}

// InvalidateStats drops the cached report so the next read recomputes.
func (a *Analytics) InvalidateStats(ctx context.Context, sequenceID uint) {
	if a.cache == nil {
		return
	}
	if err := a.cache.Del(ctx, statsCacheKey(sequenceID)).Err(); err != nil {
		a.log.WithError(err).Warn("stats cache invalidation failed")
	}
}

func (a *Analytics) computeStats(ctx context.Context, sequenceID uint) (*SequenceStats, error) {
	sequence, err := a.sequences.GetSequence(ctx, sequenceID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, &NotFoundError{Resource: "sequence", ID: sequenceID}
		}
		return nil, fmt.Errorf("loading sequence: %w", err)
	}

	states, err := a.enrollments.CountByState(ctx, sequenceID)
	if err != nil {
		return nil, fmt.Errorf("counting enrollments: %w", err)
	}

	aggregates, err := a.sends.StepAggregates(ctx, sequenceID)
	if err != nil {
		return nil, fmt.Errorf("aggregating sends: %w", err)
	}

	received, err := a.enrollments.ReceivedCounts(ctx, sequenceID, len(sequence.Steps))
	if err != nil {
		return nil, fmt.Errorf("counting funnel cohorts: %w", err)
	}

	stats := &SequenceStats{
		SequenceID:  sequence.ID,
		Name:        sequence.Name,
		Enrolled:    states[models.EnrollmentActive] + states[models.EnrollmentCompleted] + states[models.EnrollmentExited],
		Active:      states[models.EnrollmentActive],
		Completed:   states[models.EnrollmentCompleted],
		Exited:      states[models.EnrollmentExited],
		GeneratedAt: time.Now().UTC(),
	}

	var totalSent, totalOpened, totalClicked, totalReplied, totalBounced int64
	stats.Steps = make([]StepStats, len(sequence.Steps))
	for i, step := range sequence.Steps {
		agg := aggregates[step.StepIndex]
		totalSent += agg.Sent
		totalOpened += agg.Opened
		totalClicked += agg.Clicked
		totalReplied += agg.Replied
		totalBounced += agg.Bounced
		stats.Steps[i] = StepStats{
			StepIndex: step.StepIndex,
			Subject:   step.Subject,
			Active:    step.IsActive,
			Sent:      agg.Sent,
			Opened:    agg.Opened,
			Clicked:   agg.Clicked,
			Replied:   agg.Replied,
			OpenRate:  rate(agg.Opened, agg.Sent),
			ClickRate: rate(agg.Clicked, agg.Sent),
			CTOR:      rate(agg.Clicked, agg.Opened),
		}
	}
	stats.TotalSent = totalSent
	stats.OpenRate = rate(totalOpened, totalSent)
	stats.ClickRate = rate(totalClicked, totalSent)
	stats.ReplyRate = rate(totalReplied, totalSent)
	stats.BounceRate = rate(totalBounced, totalSent)

	// The funnel reads only active steps: a disabled step is skipped by
	// the scheduler, so it cannot lose anyone.
	var prev int64 = -1
	for _, step := range sequence.Steps {
		if !step.IsActive {
			continue
		}
		var got int64
		if step.StepIndex < len(received) {
			got = received[step.StepIndex]
		}
		stage := FunnelStage{
			StepIndex: step.StepIndex,
			Subject:   step.Subject,
			Received:  got,
		}
		if prev > 0 {
			stage.DropoffPercent = rate(prev-got, prev)
		}
		stats.Funnel = append(stats.Funnel, stage)
		prev = got
	}
	return stats, nil
}

// RecentSends returns the latest dispatched sends for the activity
// feed, newest first.
func (a *Analytics) RecentSends(ctx context.Context, sequenceID uint, limit int) ([]RecentSend, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	sends, err := a.sends.RecentSends(ctx, sequenceID, limit)
	if err != nil {
		return nil, fmt.Errorf("loading recent sends: %w", err)
	}
	out := make([]RecentSend, 0, len(sends))
	for _, s := range sends {
		row := RecentSend{
			SendID:       s.ID,
			StepIndex:    s.StepIndex,
			Subject:      s.Subject,
			Status:       s.Status,
			DispatchedAt: s.DispatchedAt,
			OpenedAt:     s.OpenedAt,
			ClickedAt:    s.ClickedAt,
		}
		if s.Contact.ID != 0 {
			row.ContactEmail = s.Contact.Email
			row.ContactName = s.Contact.DisplayName()
		}
		out = append(out, row)
	}
	return out, nil
}

// rate guards the zero denominator so an empty sequence reports zeros
// instead of NaN.
func rate(part, whole int64) float64 {
	if whole == 0 {
		return 0
	}
	return float64(part) / float64(whole) * 100
}

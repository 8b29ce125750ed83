package worker

import (
	"context"
	"log"
	"time"

	"github.com/robfig/cron/v3"

	"dripflow/engine"
	"dripflow/models"
	"dripflow/repository"
)

// staleQueuedAfter is how long a send may sit in queued before the
// sweep assumes its dispatch attempt died mid-flight.
const staleQueuedAfter = 2 * time.Hour

// MaintenanceWorker runs the periodic bookkeeping: denormalized
// sequence counters are recomputed from the source tables so drift from
// lost increments never accumulates, stale stats caches are dropped,
// and wedged queued sends are failed so the scheduler retries them.
type MaintenanceWorker struct {
	store     repository.Store
	analytics *engine.Analytics
	cron      *cron.Cron
	logger    *log.Logger
}

func NewMaintenanceWorker(store repository.Store, analytics *engine.Analytics, logger *log.Logger) *MaintenanceWorker {
	return &MaintenanceWorker{
		store:     store,
		analytics: analytics,
		cron:      cron.New(),
		logger:    logger,
	}
}

// Start registers the jobs and runs the cron loop until ctx is done.
func (mw *MaintenanceWorker) Start(ctx context.Context) {
	if _, err := mw.cron.AddFunc("15 3 * * *", func() {
		mw.RecomputeCounters(ctx)
	}); err != nil {
		mw.logger.Printf("Failed to register counter recompute job: %v", err)
		return
	}
	if _, err := mw.cron.AddFunc("@hourly", func() {
		mw.SweepStaleQueued(ctx)
	}); err != nil {
		mw.logger.Printf("Failed to register stale send sweep job: %v", err)
		return
	}

	mw.logger.Println("Maintenance worker started")
	mw.cron.Start()

	<-ctx.Done()
	mw.logger.Println("Maintenance worker shutting down...")
	<-mw.cron.Stop().Done()
}

// RecomputeCounters rebuilds each sequence's counters from enrollments
// and sends.
func (mw *MaintenanceWorker) RecomputeCounters(ctx context.Context) {
	sequences, err := mw.store.ListSequences(ctx)
	if err != nil {
		mw.logger.Printf("Failed to list sequences: %v", err)
		return
	}

	for _, sequence := range sequences {
		if err := mw.recomputeSequence(ctx, sequence.ID); err != nil {
			mw.logger.Printf("Failed to recompute counters for sequence %d: %v", sequence.ID, err)
			continue
		}
		if mw.analytics != nil {
			mw.analytics.InvalidateStats(ctx, sequence.ID)
		}
	}
	mw.logger.Printf("Recomputed counters for %d sequences", len(sequences))
}

// SweepStaleQueued fails queued sends whose dispatch attempt never
// completed; the next scheduler tick retries them through the normal
// failed-send path.
func (mw *MaintenanceWorker) SweepStaleQueued(ctx context.Context) {
	swept, err := mw.store.FailStaleQueued(ctx, time.Now().Add(-staleQueuedAfter))
	if err != nil {
		mw.logger.Printf("Failed to sweep stale queued sends: %v", err)
		return
	}
	if swept > 0 {
		mw.logger.Printf("Swept %d stale queued sends", swept)
	}
}

func (mw *MaintenanceWorker) recomputeSequence(ctx context.Context, sequenceID uint) error {
	states, err := mw.store.CountByState(ctx, sequenceID)
	if err != nil {
		return err
	}
	aggregates, err := mw.store.StepAggregates(ctx, sequenceID)
	if err != nil {
		return err
	}

	var sent, opened, clicked, replied, bounced int64
	for _, agg := range aggregates {
		sent += agg.Sent
		opened += agg.Opened
		clicked += agg.Clicked
		replied += agg.Replied
		bounced += agg.Bounced
	}

	enrolled := states[models.EnrollmentActive] + states[models.EnrollmentCompleted] + states[models.EnrollmentExited]

	return mw.store.SetCounters(ctx, sequenceID, map[string]int{
		"enrolled_count":  int(enrolled),
		"completed_count": int(states[models.EnrollmentCompleted]),
		"exited_count":    int(states[models.EnrollmentExited]),
		"sent_count":      int(sent),
		"open_count":      int(opened),
		"click_count":     int(clicked),
		"reply_count":     int(replied),
		"bounce_count":    int(bounced),
	})
}

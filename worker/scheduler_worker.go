package worker

import (
	"context"
	"log"
	"sync"
	"time"

	"dripflow/engine"
)

// SchedulerWorker drives the step pipeline: every tick it asks the
// scheduler for due steps and hands them to the dispatcher through a
// bounded pool. An in-flight set keyed by enrollment keeps overlapping
// ticks from dispatching the same enrollment twice.
type SchedulerWorker struct {
	Scheduler  *engine.Scheduler
	Dispatcher *engine.Dispatcher
	Interval   time.Duration
	PoolSize   int
	Logger     *log.Logger

	mu       sync.Mutex
	inFlight map[uint]struct{}
}

func NewSchedulerWorker(scheduler *engine.Scheduler, dispatcher *engine.Dispatcher, interval time.Duration, poolSize int, logger *log.Logger) *SchedulerWorker {
	if interval <= 0 {
		interval = time.Minute
	}
	if poolSize <= 0 {
		poolSize = 8
	}
	return &SchedulerWorker{
		Scheduler:  scheduler,
		Dispatcher: dispatcher,
		Interval:   interval,
		PoolSize:   poolSize,
		Logger:     logger,
		inFlight:   make(map[uint]struct{}),
	}
}

func (sw *SchedulerWorker) Start(ctx context.Context) {
	sw.Logger.Println("Scheduler worker started")

	ticker := time.NewTicker(sw.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			sw.Logger.Println("Scheduler worker shutting down...")
			return
		case <-ticker.C:
			sw.processTick(ctx)
		}
	}
}

func (sw *SchedulerWorker) processTick(ctx context.Context) {
	due, err := sw.Scheduler.DueSteps(ctx, time.Now().UTC())
	if err != nil {
		sw.Logger.Printf("Error computing due steps: %v", err)
		return
	}
	if len(due) == 0 {
		return
	}
	sw.Logger.Printf("Dispatching %d due steps", len(due))

	sem := make(chan struct{}, sw.PoolSize)
	var wg sync.WaitGroup
	for _, step := range due {
		if !sw.claim(step.EnrollmentID) {
			continue
		}
		wg.Add(1)
		sem <- struct{}{}
		go func(step engine.DueStep) {
			defer wg.Done()
			defer func() { <-sem }()
			defer sw.release(step.EnrollmentID)

			if err := sw.Dispatcher.Dispatch(ctx, step.EnrollmentID, step.StepIndex, time.Now().UTC()); err != nil {
				sw.Logger.Printf("Error dispatching enrollment %d step %d: %v", step.EnrollmentID, step.StepIndex, err)
			}
		}(step)
	}
	wg.Wait()
}

func (sw *SchedulerWorker) claim(enrollmentID uint) bool {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	if _, busy := sw.inFlight[enrollmentID]; busy {
		return false
	}
	sw.inFlight[enrollmentID] = struct{}{}
	return true
}

func (sw *SchedulerWorker) release(enrollmentID uint) {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	delete(sw.inFlight, enrollmentID)
}

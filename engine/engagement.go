package engine

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/sirupsen/logrus"

	"dripflow/models"
	"dripflow/repository"
)

// ReactionWindow is a display-time bucket relative to dispatch. Picks
// are spread across the configured windows round-robin so reactions
// trickle in over hours instead of landing at once.
type ReactionWindow struct {
	Min time.Duration
	Max time.Duration
}

// GeneratorConfig shapes the synthetic companion engagement attached to
// each dispatched step.
type GeneratorConfig struct {
	// MinReactions and MaxReactions bound the pick count per send.
	MinReactions int
	MaxReactions int
	// Windows are the display-time buckets, earliest first.
	Windows []ReactionWindow
}

// DefaultWindows spreads reactions over the day after a send.
var DefaultWindows = []ReactionWindow{
	{Min: 10 * time.Minute, Max: 2 * time.Hour},
	{Min: 2 * time.Hour, Max: 8 * time.Hour},
	{Min: 8 * time.Hour, Max: 24 * time.Hour},
}

// EngagementGenerator fabricates companion reactions for dispatched
// sends from a curated template pool. All output is quarantined in its
// own table and marked synthetic; analytics never read it.
type EngagementGenerator struct {
	engagements repository.EngagementStore
	sends       repository.SendStore
	sequences   repository.SequenceStore
	contacts    repository.ContactStore
	cfg         GeneratorConfig
	log         *logrus.Entry
	seed        func() int64
}

// NewEngagementGenerator builds a generator seeded from the clock. Use
// WithSeed in tests for reproducible picks.
func NewEngagementGenerator(store repository.Store, cfg GeneratorConfig, log *logrus.Entry) *EngagementGenerator {
	if cfg.MinReactions <= 0 {
		cfg.MinReactions = 2
	}
	if cfg.MaxReactions < cfg.MinReactions {
		cfg.MaxReactions = cfg.MinReactions + 3
	}
	if len(cfg.Windows) == 0 {
		cfg.Windows = DefaultWindows
	}
	return &EngagementGenerator{
		engagements: store,
		sends:       store,
		sequences:   store,
		contacts:    store,
		cfg:         cfg,
		log:         log,
		seed:        func() int64 { return time.Now().UnixNano() },
	}
}

// WithSeed pins the seed source, making every generation deterministic.
func (g *EngagementGenerator) WithSeed(seed int64) *EngagementGenerator {
	g.seed = func() int64 { return seed }
	return g
}

// Generate attaches a randomized set of pool reactions to sendID. The
// seed used for each send is stored alongside the records so a batch
// can be reproduced exactly. An empty pool for the step's category is
// not an error; the send simply gets no reactions.
func (g *EngagementGenerator) Generate(ctx context.Context, sendID uint, stepIndex int, dispatchTime time.Time) error {
	send, err := g.sends.GetSend(ctx, sendID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return &UnknownSendError{SendID: sendID}
		}
		return fmt.Errorf("loading send: %w", err)
	}

	sequence, err := g.sequences.GetSequence(ctx, send.SequenceID)
	if err != nil {
		return fmt.Errorf("loading sequence: %w", err)
	}
	step := sequence.StepAt(stepIndex)
	if step == nil {
		return &ValidationError{Message: fmt.Sprintf("sequence %d has no step %d", sequence.ID, stepIndex)}
	}

	pool, err := g.engagements.ListPool(ctx, step.Category)
	if err != nil {
		return fmt.Errorf("loading reaction pool: %w", err)
	}
	if len(pool) == 0 {
		g.log.WithFields(logrus.Fields{
			"send_id":  sendID,
			"category": step.Category,
		}).Warn("reaction pool empty, skipping synthetic engagement")
		return nil
	}

	contact, err := g.contacts.GetContact(ctx, send.ContactID)
	if err != nil {
		return fmt.Errorf("loading contact: %w", err)
	}

	seed := g.seed()
	rng := rand.New(rand.NewSource(seed))

	count := g.cfg.MinReactions
	if spread := g.cfg.MaxReactions - g.cfg.MinReactions; spread > 0 {
		count += rng.Intn(spread + 1)
	}
	if count > len(pool) {
		count = len(pool)
	}

	// Pick without replacement so one send never repeats a template.
	order := rng.Perm(len(pool))
	tokens := contact.TokenMap()

	records := make([]models.EngagementRecord, 0, count)
	for i := 0; i < count; i++ {
		tpl := pool[order[i]]
		body, err := RenderTemplate(tpl.Body, tokens, map[string]string{"first_name": "there"})
		if err != nil {
			g.log.WithError(err).WithField("template_id", tpl.ID).
				Warn("skipping reaction template with unresolved token")
			continue
		}
		window := g.cfg.Windows[i%len(g.cfg.Windows)]
		offset := window.Min
		if span := window.Max - window.Min; span > 0 {
			offset += time.Duration(rng.Int63n(int64(span)))
		}
		records = append(records, models.EngagementRecord{
			SendID:      send.ID,
			AuthorLabel: tpl.AuthorLabel,
			Body:        body,
			DisplayAt:   dispatchTime.Add(offset),
			PoolRef:     tpl.ID,
			Seed:        seed,
			Synthetic:   true,
		})
	}
	if len(records) == 0 {
		return nil
	}

	if err := g.engagements.CreateReactions(ctx, records); err != nil {
		return fmt.Errorf("storing reactions: %w", err)
	}
	g.log.WithFields(logrus.Fields{
		"send_id": send.ID,
		"count":   len(records),
		"seed":    seed,
	}).Debug("synthetic reactions generated")
	return nil
}

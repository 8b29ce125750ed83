package controller

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"

	"dripflow/engine"
	"dripflow/repository"
	"dripflow/utils"
)

type AnalyticsController struct {
	analytics *engine.Analytics
	store     repository.Store
	logger    *log.Logger
}

func NewAnalyticsController(analytics *engine.Analytics, store repository.Store, logger *log.Logger) *AnalyticsController {
	return &AnalyticsController{analytics: analytics, store: store, logger: logger}
}

// GetSequenceStats returns the full analytics report for a sequence
func (ac *AnalyticsController) GetSequenceStats(c *fiber.Ctx) error {
	id := utils.ParseUint(c.Params("id"))
	stats, err := ac.analytics.SequenceStats(c.Context(), id)
	if err != nil {
		var notFound *engine.NotFoundError
		if errors.As(err, &notFound) {
			return utils.ErrorResponse(c, fiber.StatusNotFound, "Sequence not found", nil)
		}
		ac.logger.Printf("Failed to compute stats for sequence %d: %v", id, err)
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to compute stats", nil)
	}
	return c.JSON(utils.SuccessResponse(stats))
}

// GetRecentSends returns the latest activity for a sequence
func (ac *AnalyticsController) GetRecentSends(c *fiber.Ctx) error {
	id := utils.ParseUint(c.Params("id"))
	limit := c.QueryInt("limit", 20)

	sends, err := ac.analytics.RecentSends(c.Context(), id, limit)
	if err != nil {
		ac.logger.Printf("Failed to fetch recent sends for sequence %d: %v", id, err)
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to fetch recent sends", nil)
	}
	return c.JSON(utils.SuccessResponse(sends))
}

// GetSendReactions returns the companion reactions generated for a send
func (ac *AnalyticsController) GetSendReactions(c *fiber.Ctx) error {
	id := utils.ParseUint(c.Params("id"))

	if _, err := ac.store.GetSend(c.Context(), id); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return utils.ErrorResponse(c, fiber.StatusNotFound, "Send not found", nil)
		}
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to fetch send", nil)
	}

	reactions, err := ac.store.ReactionsForSend(c.Context(), id)
	if err != nil {
		ac.logger.Printf("Failed to fetch reactions for send %d: %v", id, err)
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to fetch reactions", nil)
	}
	return c.JSON(utils.SuccessResponse(reactions))
}

// HandleLiveStatsWS pushes a fresh stats report on an interval until
// the client disconnects
func (ac *AnalyticsController) HandleLiveStatsWS(c *websocket.Conn) {
	defer c.Close()

	var input struct {
		SequenceID uint `json:"sequence_id"`
	}
	if err := c.ReadJSON(&input); err != nil {
		ac.logger.Printf("Error reading JSON: %v", err)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Reader loop exists only to detect disconnects
	go func() {
		defer cancel()
		for {
			if _, _, err := c.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		stats, err := ac.analytics.SequenceStats(ctx, input.SequenceID)
		if err != nil {
			ac.logger.Printf("Failed to compute live stats: %v", err)
			return
		}
		if err := c.WriteJSON(stats); err != nil {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

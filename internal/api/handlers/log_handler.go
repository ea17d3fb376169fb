package handlers

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/ai-log-analytics/backend/internal/pipeline"
	"github.com/ai-log-analytics/backend/internal/storage/models"
	"github.com/ai-log-analytics/backend/internal/storage/sqlite"
	"github.com/ai-log-analytics/backend/pkg/logger"
)

type LogHandler struct {
	pipeline *pipeline.Pipeline
	store    *sqlite.Client
}

func NewLogHandler(p *pipeline.Pipeline, store *sqlite.Client) *LogHandler {
	return &LogHandler{
		pipeline: p,
		store:    store,
	}
}

// HandleSubmit runs one log through the real-time detection path and
// returns the persisted verdict.
func (h *LogHandler) HandleSubmit(c *fiber.Ctx) error {
	var req struct {
		Message   string `json:"message"`
		Service   string `json:"service"`
		Level     string `json:"level"`
		Timestamp string `json:"timestamp"`
	}

	if err := c.BodyParser(&req); err != nil {
		logger.Error("Failed to parse request body", zap.Error(err))
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}

	if req.Message == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Message is required",
		})
	}

	var ts time.Time
	if req.Timestamp != "" {
		parsed, err := time.Parse(time.RFC3339, req.Timestamp)
		if err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "Timestamp must be RFC3339",
			})
		}
		ts = parsed
	}

	verdict, err := h.pipeline.Submit(c.Context(), pipeline.SubmitRequest{
		Message:   req.Message,
		Service:   req.Service,
		Level:     req.Level,
		Timestamp: ts,
	})
	if err != nil {
		logger.Error("Failed to process log", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to process log",
		})
	}

	return c.JSON(verdictJSON(*verdict))
}

// GetVerdicts returns the full verdict history for a log, one entry
// per tier.
func (h *LogHandler) GetVerdicts(c *fiber.Ctx) error {
	logID := c.Params("id")
	if logID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Log id is required",
		})
	}

	verdicts, err := h.store.GetVerdicts(logID)
	if err != nil {
		logger.Error("Failed to load verdicts", zap.String("log_id", logID), zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to load verdicts",
		})
	}

	if len(verdicts) == 0 {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "No verdicts for this log",
		})
	}

	out := make([]fiber.Map, len(verdicts))
	for i, v := range verdicts {
		out[i] = verdictJSON(v)
	}

	return c.JSON(fiber.Map{
		"log_id":   logID,
		"verdicts": out,
	})
}

func verdictJSON(v models.DetectionVerdict) fiber.Map {
	return fiber.Map{
		"log_id":     v.LogID,
		"tier":       v.Tier,
		"method":     v.Method,
		"is_anomaly": v.IsAnomaly,
		"score":      v.Score,
		"confidence": v.Confidence,
		"reasoning":  v.Reasoning,
		"severity":   v.Severity,
		"degraded":   v.Degraded,
		"created_at": v.CreatedAt,
	}
}

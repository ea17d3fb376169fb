package handlers

import (
	"context"
	"strconv"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/ai-log-analytics/backend/internal/cluster"
	"github.com/ai-log-analytics/backend/internal/storage/sqlite"
	"github.com/ai-log-analytics/backend/pkg/logger"
)

type ClusterHandler struct {
	engine *cluster.Engine
	store  *sqlite.Client

	// baseCtx spans the process lifetime; triggered runs detach from
	// the request but still stop on shutdown.
	baseCtx context.Context
}

func NewClusterHandler(baseCtx context.Context, engine *cluster.Engine, store *sqlite.Client) *ClusterHandler {
	return &ClusterHandler{
		engine:  engine,
		store:   store,
		baseCtx: baseCtx,
	}
}

// TriggerClustering starts a batch run. If one is already active its
// id is returned with started=false instead of starting a second.
func (h *ClusterHandler) TriggerClustering(c *fiber.Ctx) error {
	runID, started := h.engine.Trigger(h.baseCtx)

	status := fiber.StatusAccepted
	if !started {
		status = fiber.StatusConflict
	}

	return c.Status(status).JSON(fiber.Map{
		"run_id":  runID,
		"started": started,
	})
}

// GetRun returns the summary of one batch run.
func (h *ClusterHandler) GetRun(c *fiber.Ctx) error {
	runID := c.Params("id")

	run, err := h.store.GetClusterRun(runID)
	if err != nil {
		logger.Error("Failed to load cluster run", zap.String("run_id", runID), zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to load cluster run",
		})
	}
	if run == nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Run not found",
		})
	}

	return c.JSON(fiber.Map{
		"run_id":            run.ID,
		"status":            run.Status,
		"started_at":        run.StartedAt,
		"completed_at":      run.CompletedAt,
		"n_analyzed":        run.NAnalyzed,
		"n_clusters":        run.NClusters,
		"n_outliers":        run.NOutliers,
		"validation_errors": run.ValidationErrors,
	})
}

// GetCluster returns one cluster's metadata. Without an explicit
// run_id the latest completed run is used.
func (h *ClusterHandler) GetCluster(c *fiber.Ctx) error {
	clusterID, err := strconv.Atoi(c.Params("id"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Cluster id must be an integer",
		})
	}

	runID := c.Query("run_id")
	if runID == "" {
		runID, err = h.store.GetLatestCompletedRunID()
		if err != nil {
			logger.Error("Failed to resolve latest run", zap.Error(err))
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
				"error": "Failed to resolve latest run",
			})
		}
		if runID == "" {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
				"error": "No completed cluster runs",
			})
		}
	}

	meta, err := h.store.GetClusterMetadata(runID, clusterID)
	if err != nil {
		logger.Error("Failed to load cluster metadata",
			zap.String("run_id", runID),
			zap.Int("cluster_id", clusterID),
			zap.Error(err),
		)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to load cluster metadata",
		})
	}
	if meta == nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Cluster not found",
		})
	}

	return c.JSON(fiber.Map{
		"run_id":              meta.RunID,
		"cluster_id":          meta.ClusterID,
		"size":                meta.Size,
		"centroid":            meta.Centroid,
		"representative_logs": meta.RepresentativeLogs,
	})
}

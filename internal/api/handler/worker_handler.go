package handler

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/cuongbtq/taskq/internal/api/dto"
	"github.com/cuongbtq/taskq/internal/store"
)

// ListWorkers handles GET /api/v1/workers
// Lists worker runs; working=false includes finished runs
func (h *WorkerHandler) ListWorkers(c *gin.Context) {
	h.logger.Info("ListWorkers called",
		slog.String("method", c.Request.Method),
		slog.String("path", c.Request.URL.Path),
		slog.String("query", c.Request.URL.RawQuery),
	)

	workingOnly, err := strconv.ParseBool(c.DefaultQuery("working", "true"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "working must be a boolean",
		})
		return
	}

	workers, err := h.admin.Workers(c.Request.Context(), workingOnly)
	if err != nil {
		respondError(c, h.logger, "Failed to list workers", err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"workers": workers,
	})
}

// GetWorker handles GET /api/v1/workers/:worker_id
func (h *WorkerHandler) GetWorker(c *gin.Context) {
	h.logger.Info("GetWorker called",
		slog.String("method", c.Request.Method),
		slog.String("path", c.Request.URL.Path),
		slog.String("worker_id", c.Param("worker_id")),
	)

	workerID, ok := validID(c, h.logger, "worker_id")
	if !ok {
		return
	}

	wi, err := h.admin.Worker(c.Request.Context(), workerID)
	if err != nil {
		respondError(c, h.logger, "Failed to get worker", err)
		return
	}

	c.JSON(http.StatusOK, wi)
}

// ShutdownWorker handles POST /api/v1/workers/:worker_id/shutdown
// Asks a worker to exit with the given status on its next check-in
func (h *WorkerHandler) ShutdownWorker(c *gin.Context) {
	h.logger.Info("ShutdownWorker called",
		slog.String("method", c.Request.Method),
		slog.String("path", c.Request.URL.Path),
		slog.String("worker_id", c.Param("worker_id")),
	)

	workerID, ok := validID(c, h.logger, "worker_id")
	if !ok {
		return
	}

	var req dto.ShutdownWorkerRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		h.logger.Error("Invalid request body", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid request body",
		})
		return
	}

	n, err := h.admin.Shutdown(c.Request.Context(), store.ShutdownSelector{WorkerID: workerID}, req.Status)
	if err != nil {
		respondError(c, h.logger, "Failed to request shutdown", err)
		return
	}

	c.JSON(http.StatusOK, dto.CountResponse{Count: n})
}

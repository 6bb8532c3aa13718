package handler

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/cuongbtq/taskq/internal/admin"
	"github.com/cuongbtq/taskq/internal/api/dto"
	"github.com/cuongbtq/taskq/internal/store"
)

const maxLogLines = 1000

// CreateJob handles POST /api/v1/jobs
// Enqueues a new job
func (h *JobHandler) CreateJob(c *gin.Context) {
	h.logger.Info("CreateJob called",
		slog.String("method", c.Request.Method),
		slog.String("path", c.Request.URL.Path),
	)

	var req dto.EnqueueJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Error("Invalid request body", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid request body",
		})
		return
	}

	er := admin.EnqueueRequest{
		Queue:    req.Queue,
		Task:     req.Task,
		Args:     req.Args,
		Kwargs:   req.Kwargs,
		Tags:     req.Tags,
		Priority: req.Priority,
		Timeout:  time.Duration(req.TimeoutSeconds * float64(time.Second)),
	}
	if req.Mutex != nil {
		er.MutexKey = req.Mutex.Key
		er.MutexCount = req.Mutex.Count
	}
	if req.ProcessAfter != nil {
		er.ProcessAfter = req.ProcessAfter.UTC()
	}

	j, err := h.admin.Enqueue(c.Request.Context(), er)
	if err != nil {
		respondError(c, h.logger, "Failed to enqueue job", err)
		return
	}

	c.JSON(http.StatusCreated, dto.FromDocument(j.Document()))
}

// GetJob handles GET /api/v1/jobs/:job_id
// Retrieves a live job, falling back to the archive
func (h *JobHandler) GetJob(c *gin.Context) {
	h.logger.Info("GetJob called",
		slog.String("method", c.Request.Method),
		slog.String("path", c.Request.URL.Path),
		slog.String("job_id", c.Param("job_id")),
	)

	jobID, ok := validID(c, h.logger, "job_id")
	if !ok {
		return
	}

	doc, err := h.admin.GetJob(c.Request.Context(), jobID)
	if err != nil {
		respondError(c, h.logger, "Failed to get job", err)
		return
	}

	c.JSON(http.StatusOK, dto.FromDocument(doc))
}

// ListJobs handles GET /api/v1/jobs
// Lists live jobs with optional filtering and cursor pagination
func (h *JobHandler) ListJobs(c *gin.Context) {
	h.logger.Info("ListJobs called",
		slog.String("method", c.Request.Method),
		slog.String("path", c.Request.URL.Path),
		slog.String("query", c.Request.URL.RawQuery),
	)

	var req dto.ListJobsRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		h.logger.Error("Invalid query parameters", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid query parameters",
		})
		return
	}

	cursor, err := DecodeJobCursor(req.Cursor)
	if err != nil {
		h.logger.Error("Invalid cursor", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid cursor",
		})
		return
	}

	h.logger.Debug("Decoded cursor", slog.Any("cursor", cursor))

	page, err := h.admin.ListJobs(c.Request.Context(), admin.JobQuery{
		Queue:    req.Queue,
		Tags:     req.Tags,
		Status:   req.Status,
		PageSize: req.PageSize,
		Cursor:   cursor,
	})
	if err != nil {
		respondError(c, h.logger, "Failed to list jobs", err)
		return
	}

	jobs := make([]dto.JobDTO, len(page.Jobs))
	for i, doc := range page.Jobs {
		jobs[i] = dto.FromDocument(doc)
	}

	var nextCursor string
	if page.Next != nil {
		nextCursor = EncodeJobCursor(page.Next)
	}

	c.JSON(http.StatusOK, dto.ListJobsResponse{
		Jobs:       jobs,
		NextCursor: nextCursor,
	})
}

// RequeueJob handles POST /api/v1/jobs/:job_id/requeue
// Makes a claimed job claimable again
func (h *JobHandler) RequeueJob(c *gin.Context) {
	h.logger.Info("RequeueJob called",
		slog.String("method", c.Request.Method),
		slog.String("path", c.Request.URL.Path),
		slog.String("job_id", c.Param("job_id")),
	)

	jobID, ok := validID(c, h.logger, "job_id")
	if !ok {
		return
	}

	if err := h.admin.RequeueJob(c.Request.Context(), jobID); err != nil {
		respondError(c, h.logger, "Failed to requeue job", err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"job_id": jobID,
		"status": "requeued",
	})
}

// FixJob handles POST /api/v1/jobs/:job_id/fixed
// Flags a failed job as no longer failed
func (h *JobHandler) FixJob(c *gin.Context) {
	h.logger.Info("FixJob called",
		slog.String("method", c.Request.Method),
		slog.String("path", c.Request.URL.Path),
		slog.String("job_id", c.Param("job_id")),
	)

	jobID, ok := validID(c, h.logger, "job_id")
	if !ok {
		return
	}

	n, err := h.admin.ResetFailed(c.Request.Context(), store.FailedSelector{JobID: jobID})
	if err != nil {
		respondError(c, h.logger, "Failed to flag job as fixed", err)
		return
	}

	c.JSON(http.StatusOK, dto.CountResponse{Count: n})
}

// FinishJob handles POST /api/v1/jobs/:job_id/finish
// Flags an unfinished job as finished
func (h *JobHandler) FinishJob(c *gin.Context) {
	h.logger.Info("FinishJob called",
		slog.String("method", c.Request.Method),
		slog.String("path", c.Request.URL.Path),
		slog.String("job_id", c.Param("job_id")),
	)

	jobID, ok := validID(c, h.logger, "job_id")
	if !ok {
		return
	}

	n, err := h.admin.FinishJob(c.Request.Context(), jobID)
	if err != nil {
		respondError(c, h.logger, "Failed to finish job", err)
		return
	}

	c.JSON(http.StatusOK, dto.CountResponse{Count: n})
}

// GetJobLogs handles GET /api/v1/jobs/:job_id/logs
// Returns log lines captured while the job ran; after_seq pages forward
func (h *JobHandler) GetJobLogs(c *gin.Context) {
	h.logger.Info("GetJobLogs called",
		slog.String("method", c.Request.Method),
		slog.String("path", c.Request.URL.Path),
		slog.String("job_id", c.Param("job_id")),
	)

	jobID, ok := validID(c, h.logger, "job_id")
	if !ok {
		return
	}

	afterSeq, err := strconv.ParseInt(c.DefaultQuery("after_seq", "0"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "after_seq must be an integer",
		})
		return
	}
	limit, err := strconv.Atoi(c.DefaultQuery("limit", strconv.Itoa(maxLogLines)))
	if err != nil || limit <= 0 || limit > maxLogLines {
		limit = maxLogLines
	}

	entries, err := h.admin.JobLogs(c.Request.Context(), jobID, afterSeq, limit)
	if err != nil {
		respondError(c, h.logger, "Failed to read job logs", err)
		return
	}

	lines := make([]dto.LogLineDTO, len(entries))
	for i, e := range entries {
		lines[i] = dto.FromLogEntry(e)
	}

	c.JSON(http.StatusOK, gin.H{
		"job_id": jobID,
		"lines":  lines,
	})
}

// ListQueues handles GET /api/v1/queues
// Summarises pending and failed counts per queue
func (h *JobHandler) ListQueues(c *gin.Context) {
	h.logger.Info("ListQueues called",
		slog.String("method", c.Request.Method),
		slog.String("path", c.Request.URL.Path),
	)

	queues, err := h.admin.Queues(c.Request.Context())
	if err != nil {
		respondError(c, h.logger, "Failed to list queues", err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"queues": queues,
	})
}

package handler

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/cuongbtq/taskq/internal/api/dto"
	"github.com/cuongbtq/taskq/internal/domain"
	"github.com/cuongbtq/taskq/internal/scheduler"
)

// ListSchedules handles GET /api/v1/schedules
func (h *ScheduleHandler) ListSchedules(c *gin.Context) {
	h.logger.Info("ListSchedules called",
		slog.String("method", c.Request.Method),
		slog.String("path", c.Request.URL.Path),
	)

	rules, err := h.admin.Scheduler().Rules(c.Request.Context())
	if err != nil {
		respondError(c, h.logger, "Failed to list schedules", err)
		return
	}

	now := domain.Now()
	out := make([]dto.ScheduleDTO, len(rules))
	for i, r := range rules {
		out[i] = h.toDTO(r, now)
	}

	c.JSON(http.StatusOK, gin.H{
		"schedules": out,
	})
}

// CreateSchedule handles POST /api/v1/schedules
func (h *ScheduleHandler) CreateSchedule(c *gin.Context) {
	h.logger.Info("CreateSchedule called",
		slog.String("method", c.Request.Method),
		slog.String("path", c.Request.URL.Path),
	)

	var req dto.CreateScheduleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Error("Invalid request body", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid request body",
		})
		return
	}

	r, err := h.admin.Scheduler().AddRule(c.Request.Context(), req.Rule, req.Task, scheduler.RuleOptions{
		Queue:   req.Queue,
		Tags:    req.Tags,
		Timeout: time.Duration(req.TimeoutSeconds * float64(time.Second)),
	})
	if err != nil {
		respondError(c, h.logger, "Failed to create schedule", err)
		return
	}

	c.JSON(http.StatusCreated, h.toDTO(r, domain.Now()))
}

// DeleteSchedule handles DELETE /api/v1/schedules/:rule_id
func (h *ScheduleHandler) DeleteSchedule(c *gin.Context) {
	h.logger.Info("DeleteSchedule called",
		slog.String("method", c.Request.Method),
		slog.String("path", c.Request.URL.Path),
		slog.String("rule_id", c.Param("rule_id")),
	)

	ruleID, ok := validID(c, h.logger, "rule_id")
	if !ok {
		return
	}

	if err := h.admin.Scheduler().RemoveRule(c.Request.Context(), ruleID); err != nil {
		respondError(c, h.logger, "Failed to delete schedule", err)
		return
	}

	c.Status(http.StatusNoContent)
}

// PauseSchedule handles POST /api/v1/schedules/:rule_id/pause
// Body {"paused": false} resumes the rule
func (h *ScheduleHandler) PauseSchedule(c *gin.Context) {
	h.logger.Info("PauseSchedule called",
		slog.String("method", c.Request.Method),
		slog.String("path", c.Request.URL.Path),
		slog.String("rule_id", c.Param("rule_id")),
	)

	ruleID, ok := validID(c, h.logger, "rule_id")
	if !ok {
		return
	}

	var req dto.PauseScheduleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Error("Invalid request body", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid request body",
		})
		return
	}

	if err := h.admin.Scheduler().PauseRule(c.Request.Context(), ruleID, *req.Paused); err != nil {
		respondError(c, h.logger, "Failed to pause schedule", err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"rule_id": ruleID,
		"paused":  *req.Paused,
	})
}

func (h *ScheduleHandler) toDTO(r *domain.RuleDocument, now time.Time) dto.ScheduleDTO {
	var next time.Time
	if !r.Paused {
		n, err := scheduler.NextOccurrence(r, now)
		if err != nil {
			h.logger.Warn("Failed to compute next run",
				slog.String("rule_id", r.ID),
				slog.String("error", err.Error()),
			)
		}
		next = n
	}
	return dto.FromRule(r, next)
}

package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/cuongbtq/taskq/internal/admin"
	"github.com/cuongbtq/taskq/internal/domain"
)

// statusFor maps a service error onto an HTTP status
func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrJobNotFound),
		errors.Is(err, domain.ErrWorkerNotFound),
		errors.Is(err, domain.ErrRuleNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrInvalidTarget),
		errors.Is(err, domain.ErrInvalidArguments),
		errors.Is(err, domain.ErrInvalidRule),
		errors.Is(err, admin.ErrInvalidStatus):
		return http.StatusBadRequest
	case domain.IsUnavailable(err):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func respondError(c *gin.Context, logger *slog.Logger, msg string, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		logger.Error(msg, slog.String("error", err.Error()))
	} else {
		logger.Warn(msg, slog.String("error", err.Error()))
	}
	c.JSON(status, gin.H{
		"error":  msg,
		"detail": err.Error(),
	})
}

// validID rejects path IDs that are not UUIDs; every backend mints UUIDs
func validID(c *gin.Context, logger *slog.Logger, param string) (string, bool) {
	id := c.Param(param)
	if _, err := uuid.Parse(id); err != nil {
		logger.Error("Invalid "+param+" format", slog.String(param, id), slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": param + " must be a valid UUID",
		})
		return "", false
	}
	return id, true
}

package handlers

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/Wikid82/warden/internal/api/middleware"
	"github.com/Wikid82/warden/internal/services"
)

// statusFor maps engine errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, services.ErrInvalidSubject), errors.Is(err, services.ErrConfiguration):
		return http.StatusBadRequest
	case errors.Is(err, services.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, services.ErrPolicyConflict), errors.Is(err, services.ErrConcurrencyConflict):
		return http.StatusConflict
	case errors.Is(err, services.ErrStoreUnavailable):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// respondError writes err as JSON. Internal errors are logged, not echoed.
func respondError(c *gin.Context, err error) {
	status := statusFor(err)
	entry := middleware.GetRequestLogger(c).WithError(err).WithField("path", c.FullPath())
	switch status {
	case http.StatusInternalServerError:
		entry.Error("request failed")
		c.JSON(status, gin.H{"error": "internal error"})
		return
	case http.StatusServiceUnavailable:
		entry.Warn("store unavailable")
	default:
		entry.Debug("request rejected")
	}
	c.JSON(status, gin.H{"error": sanitizeForLog(err.Error())})
}

func badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, gin.H{"error": msg})
}

// queryDuration reads a Go duration ("90s", "15m"); a bare number is taken in unit.
func queryDuration(c *gin.Context, key string, unit time.Duration) (time.Duration, bool) {
	raw := c.Query(key)
	if raw == "" {
		return 0, true
	}
	if n, err := strconv.ParseFloat(raw, 64); err == nil {
		if n < 0 {
			badRequest(c, key+" must not be negative")
			return 0, false
		}
		return time.Duration(n * float64(unit)), true
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d < 0 {
		badRequest(c, "invalid "+key)
		return 0, false
	}
	return d, true
}

// queryTime reads an RFC 3339 timestamp.
func queryTime(c *gin.Context, key string) (time.Time, bool) {
	raw := c.Query(key)
	if raw == "" {
		return time.Time{}, true
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		badRequest(c, "invalid "+key+", expected RFC 3339")
		return time.Time{}, false
	}
	return t, true
}

func queryInt(c *gin.Context, key string) (int, bool) {
	raw := c.Query(key)
	if raw == "" {
		return 0, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		badRequest(c, "invalid "+key)
		return 0, false
	}
	return n, true
}

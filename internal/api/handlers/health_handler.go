package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/Wikid82/warden/internal/version"
)

// BreakerState reports the store circuit state.
type BreakerState interface {
	State() string
}

// HealthHandler responds with service metadata and store reachability. It
// returns 503 while the database is unreachable or the store circuit is open.
func HealthHandler(db *gorm.DB, breaker BreakerState) gin.HandlerFunc {
	return func(c *gin.Context) {
		store := "ok"
		if db != nil {
			ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
			defer cancel()
			if sqlDB, err := db.DB(); err != nil || sqlDB.PingContext(ctx) != nil {
				store = "unreachable"
			}
		}
		circuit := "closed"
		if breaker != nil {
			circuit = breaker.State()
		}

		status, code := "ok", http.StatusOK
		if store != "ok" || circuit == "open" {
			status, code = "degraded", http.StatusServiceUnavailable
		}
		c.JSON(code, gin.H{
			"status":     status,
			"service":    version.Name,
			"version":    version.Version,
			"git_commit": version.GitCommit,
			"build_time": version.BuildTime,
			"store":      store,
			"circuit":    circuit,
		})
	}
}

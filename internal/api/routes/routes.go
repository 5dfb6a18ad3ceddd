package routes

import (
	"errors"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gorm.io/gorm"

	"github.com/Wikid82/warden/internal/api/handlers"
	"github.com/Wikid82/warden/internal/api/middleware"
	"github.com/Wikid82/warden/internal/config"
	"github.com/Wikid82/warden/internal/services"
)

// Deps carries what the operator API is built over.
type Deps struct {
	DB      *gorm.DB
	Engine  *services.Engine
	Breaker handlers.BreakerState
}

// Register wires up the health probe, metrics and the operator API.
func Register(router *gin.Engine, deps Deps, cfg config.Config) error {
	if deps.DB == nil || deps.Engine == nil {
		return errors.New("routes: database and engine are required")
	}
	e := deps.Engine

	router.GET("/api/v1/health", handlers.HealthHandler(deps.DB, deps.Breaker))
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := router.Group("/api/v1")
	api.Use(middleware.AuthMiddleware([]byte(cfg.Security.JWTSecret), cfg.Security.JWTIssuer))

	view := api.Group("", middleware.RequireRole(middleware.RoleViewer))
	operate := api.Group("", middleware.RequireRole(middleware.RoleOperator))
	admin := api.Group("", middleware.RequireRole(middleware.RoleAdmin))

	// Rate limiter
	rl := handlers.NewRateLimitHandler(e.Limiter)
	view.GET("/ratelimit/check", rl.Check)
	view.GET("/ratelimit/stats", rl.Stats)
	operate.POST("/ratelimit/record", rl.Record)
	operate.POST("/ratelimit/reset", rl.Reset)

	// Flood detection
	dd := handlers.NewDDoSHandler(e.Flood)
	view.GET("/ddos/check/:subject", dd.Check)
	view.GET("/ddos/state/:subject", dd.State)
	view.GET("/ddos/stats", dd.Stats)
	operate.POST("/ddos/monitor", dd.Monitor)
	operate.POST("/ddos/block", dd.Block)
	operate.DELETE("/ddos/block/:subject", dd.Unblock)

	// Abuse analysis
	ab := handlers.NewAbuseHandler(e.Abuse)
	view.GET("/abuse/analyze/:subject", ab.Analyze)
	view.GET("/abuse/stats", ab.Stats)
	view.GET("/abuse/patterns", ab.Patterns)
	operate.POST("/abuse/check/:subject", ab.Check)
	operate.POST("/abuse/sweep", ab.Sweep)

	// Whitelist, blacklist and temp blocks
	ls := handlers.NewListsHandler(e.Lifecycle)
	view.GET("/lists/:list", ls.List)
	view.GET("/lists/status/:subject", ls.Status)
	operate.POST("/lists/:list", ls.Add)
	operate.DELETE("/lists/:list/:subject", ls.Remove)
	operate.POST("/lists/cleanup", ls.Cleanup)

	// Alerts and escalation
	al := handlers.NewAlertHandler(e.Alerts)
	view.GET("/alerts", al.List)
	view.GET("/alerts/history", al.History)
	view.GET("/alerts/stats", al.Stats)
	view.GET("/alerts/aggregate", al.Aggregate)
	view.GET("/alerts/:id", al.Show)
	view.GET("/escalation/rules", al.EscalationRules)
	view.GET("/escalation/oncall", al.OnCall)
	operate.POST("/alerts", al.Create)
	operate.POST("/alerts/cleanup", al.Cleanup)
	operate.POST("/alerts/:id/acknowledge", al.Acknowledge)
	operate.POST("/alerts/:id/resolve", al.Resolve)
	operate.POST("/alerts/:id/escalate", al.Escalate)
	operate.POST("/escalation/check", al.EscalationCheck)

	sys := handlers.NewSystemHandler(e.Lifecycle)
	view.GET("/system/whoami", sys.WhoAmI)

	// Audit trail
	au := handlers.NewAuditHandler(e.Security)
	view.GET("/audit/decisions", au.Decisions)
	view.GET("/audit/log", au.Audits)

	// Routing rules and notification providers
	rules := handlers.NewAlertRuleHandler(e.Rules)
	view.GET("/alert-rules", rules.List)
	admin.POST("/alert-rules", rules.Create)
	admin.PUT("/alert-rules/:id", rules.Update)
	admin.DELETE("/alert-rules/:id", rules.Delete)

	np := handlers.NewNotificationProviderHandler(e.Notifications)
	view.GET("/notifications/providers", np.List)
	view.GET("/notifications/templates", np.Templates)
	admin.POST("/notifications/providers", np.Create)
	admin.POST("/notifications/providers/preview", np.Preview)
	admin.POST("/notifications/providers/test", np.Test)
	admin.PUT("/notifications/providers/:id", np.Update)
	admin.DELETE("/notifications/providers/:id", np.Delete)

	return nil
}

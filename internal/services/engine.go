package services

import (
	"gorm.io/gorm"

	"github.com/Wikid82/warden/internal/config"
	"github.com/Wikid82/warden/internal/store"
)

// Engine bundles the services behind the request path, the sweeps and the
// operator API.
type Engine struct {
	Store         store.Gateway
	Clock         Clock
	Limiter       *RateLimiter
	Lifecycle     *LifecycleManager
	Flood         *FloodDetector
	Abuse         *AbuseAnalyzer
	Alerts        *AlertService
	Security      *SecurityService
	Notifications *NotificationService
	Rules         *AlertRuleService
}

// NewEngine wires every service over gw. The audit trail, notification
// providers and rule management use db directly; they are not on the
// admission path.
func NewEngine(db *gorm.DB, gw store.Gateway, cfg config.Config, clock Clock) *Engine {
	if clock == nil {
		clock = SystemClock()
	}
	security := NewSecurityService(db, clock)
	notifications := NewNotificationService(db, cfg.Notify, clock)
	lifecycle := NewLifecycleManager(gw, cfg.Lifecycle, clock, security)
	alerts := NewAlertService(gw, cfg.Alerts, clock, notifications, security)
	return &Engine{
		Store:         gw,
		Clock:         clock,
		Limiter:       NewRateLimiter(gw, cfg.RateLimit, clock),
		Lifecycle:     lifecycle,
		Flood:         NewFloodDetector(gw, cfg.Flood, clock, lifecycle, alerts),
		Abuse:         NewAbuseAnalyzer(gw, cfg.Abuse, clock, lifecycle, alerts),
		Alerts:        alerts,
		Security:      security,
		Notifications: notifications,
		Rules:         NewAlertRuleService(db),
	}
}

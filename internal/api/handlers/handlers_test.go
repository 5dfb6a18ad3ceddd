package handlers_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/Wikid82/warden/internal/api/handlers"
	"github.com/Wikid82/warden/internal/config"
	"github.com/Wikid82/warden/internal/database"
	"github.com/Wikid82/warden/internal/services"
	"github.com/Wikid82/warden/internal/store"
)

type nopNotifier struct {
	mu   sync.Mutex
	sent []string
}

func (n *nopNotifier) Notify(_ context.Context, destination string, _ services.Message) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, destination)
	return nil
}

// apiEnv is the operator API over real services, one SQLite file and a fake clock.
type apiEnv struct {
	db        *gorm.DB
	clock     *services.FakeClock
	router    *gin.Engine
	limiter   *services.RateLimiter
	lifecycle *services.LifecycleManager
	alerts    *services.AlertService
	flood     *services.FloodDetector
	abuse     *services.AbuseAnalyzer
}

func newAPIEnv(t *testing.T, mutate ...func(*config.Config)) *apiEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)
	cfg := config.Default()
	cfg.Alerts.Escalation[0].Recipients = []string{"oncall"}
	for _, m := range mutate {
		m(&cfg)
	}
	db := database.OpenTestDB(t)
	clock := services.NewFakeClock(time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC))
	gw := store.NewGormStore(db, 5*time.Second)
	security := services.NewSecurityService(db, clock)
	lifecycle := services.NewLifecycleManager(gw, cfg.Lifecycle, clock, security)
	alerts := services.NewAlertService(gw, cfg.Alerts, clock, &nopNotifier{}, security)
	env := &apiEnv{
		db:        db,
		clock:     clock,
		limiter:   services.NewRateLimiter(gw, cfg.RateLimit, clock),
		lifecycle: lifecycle,
		alerts:    alerts,
		flood:     services.NewFloodDetector(gw, cfg.Flood, clock, lifecycle, alerts),
		abuse:     services.NewAbuseAnalyzer(gw, cfg.Abuse, clock, lifecycle, alerts),
	}

	r := gin.New()
	_ = r.SetTrustedProxies(nil)
	r.Use(func(c *gin.Context) {
		c.Set("actor", "alice")
		c.Set("role", "admin")
		c.Next()
	})
	api := r.Group("/api/v1")

	rl := handlers.NewRateLimitHandler(env.limiter)
	api.GET("/ratelimit/check", rl.Check)
	api.POST("/ratelimit/record", rl.Record)
	api.GET("/ratelimit/stats", rl.Stats)
	api.POST("/ratelimit/reset", rl.Reset)

	dd := handlers.NewDDoSHandler(env.flood)
	api.POST("/ddos/monitor", dd.Monitor)
	api.GET("/ddos/check/:subject", dd.Check)
	api.GET("/ddos/state/:subject", dd.State)
	api.POST("/ddos/block", dd.Block)
	api.DELETE("/ddos/block/:subject", dd.Unblock)
	api.GET("/ddos/stats", dd.Stats)

	ab := handlers.NewAbuseHandler(env.abuse)
	api.GET("/abuse/analyze/:subject", ab.Analyze)
	api.POST("/abuse/check/:subject", ab.Check)
	api.POST("/abuse/sweep", ab.Sweep)
	api.GET("/abuse/stats", ab.Stats)
	api.GET("/abuse/patterns", ab.Patterns)

	ls := handlers.NewListsHandler(env.lifecycle)
	api.GET("/lists/:list", ls.List)
	api.POST("/lists/:list", ls.Add)
	api.DELETE("/lists/:list/:subject", ls.Remove)
	api.GET("/lists/status/:subject", ls.Status)
	api.POST("/lists/cleanup", ls.Cleanup)

	al := handlers.NewAlertHandler(env.alerts)
	api.GET("/alerts", al.List)
	api.POST("/alerts", al.Create)
	api.GET("/alerts/history", al.History)
	api.GET("/alerts/stats", al.Stats)
	api.GET("/alerts/aggregate", al.Aggregate)
	api.POST("/alerts/cleanup", al.Cleanup)
	api.GET("/alerts/:id", al.Show)
	api.POST("/alerts/:id/acknowledge", al.Acknowledge)
	api.POST("/alerts/:id/resolve", al.Resolve)
	api.POST("/alerts/:id/escalate", al.Escalate)
	api.POST("/escalation/check", al.EscalationCheck)
	api.GET("/escalation/rules", al.EscalationRules)
	api.GET("/escalation/oncall", al.OnCall)

	rules := handlers.NewAlertRuleHandler(services.NewAlertRuleService(db))
	api.GET("/alert-rules", rules.List)
	api.POST("/alert-rules", rules.Create)
	api.PUT("/alert-rules/:id", rules.Update)
	api.DELETE("/alert-rules/:id", rules.Delete)

	au := handlers.NewAuditHandler(security)
	api.GET("/audit/decisions", au.Decisions)
	api.GET("/audit/log", au.Audits)

	sys := handlers.NewSystemHandler(env.lifecycle)
	api.GET("/system/whoami", sys.WhoAmI)

	env.router = r
	return env
}

// do sends a request with an optional JSON body and decodes the response into out.
func (e *apiEnv) do(t *testing.T, method, path string, body, out interface{}) int {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	if out != nil {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), out), w.Body.String())
	}
	return w.Code
}

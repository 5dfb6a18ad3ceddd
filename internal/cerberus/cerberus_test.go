package cerberus_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/Wikid82/warden/internal/cerberus"
	"github.com/Wikid82/warden/internal/config"
	"github.com/Wikid82/warden/internal/database"
	"github.com/Wikid82/warden/internal/models"
	"github.com/Wikid82/warden/internal/services"
	"github.com/Wikid82/warden/internal/store"
)

type fixture struct {
	db        *gorm.DB
	clock     *services.FakeClock
	lifecycle *services.LifecycleManager
	router    *gin.Engine
}

func setup(t *testing.T, mutate func(*config.Config)) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)
	cfg := config.Default()
	cfg.RateLimit.PerIP = config.Limits{PerMinute: 3}
	cfg.RateLimit.PerKey = config.Limits{PerMinute: 5}
	cfg.RateLimit.BurstSize = 0
	if mutate != nil {
		mutate(&cfg)
	}

	db := database.OpenTestDB(t)
	clock := services.NewFakeClock(time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC))
	gw := store.NewGormStore(db, 5*time.Second)
	security := services.NewSecurityService(db, clock)
	lifecycle := services.NewLifecycleManager(gw, cfg.Lifecycle, clock, security)
	limiter := services.NewRateLimiter(gw, cfg.RateLimit, clock)
	alerts := services.NewAlertService(gw, cfg.Alerts, clock, nil, security)
	flood := services.NewFloodDetector(gw, cfg.Flood, clock, lifecycle, alerts)

	r := gin.New()
	r.Use(cerberus.New(cfg.Security, lifecycle, limiter, flood, clock).Middleware())
	r.GET("/api/orders", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"ok": true}) })
	r.GET("/api/missing", func(c *gin.Context) { c.Status(http.StatusNotFound) })
	return &fixture{db: db, clock: clock, lifecycle: lifecycle, router: r}
}

func (f *fixture) get(path, ip string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	req.RemoteAddr = ip + ":40000"
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func reason(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	r, _ := body["reason"].(string)
	return r
}

func TestMiddleware_RateLimitReturns429WithRetryAfter(t *testing.T) {
	f := setup(t, nil)
	for i := 0; i < 3; i++ {
		require.Equal(t, http.StatusOK, f.get("/api/orders", "203.0.113.1", nil).Code)
		f.clock.Advance(10 * time.Second)
	}
	w := f.get("/api/orders", "203.0.113.1", nil)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, services.ReasonRateLimited, reason(t, w))
	assert.Equal(t, "30", w.Header().Get("Retry-After"))

	// another client is unaffected
	assert.Equal(t, http.StatusOK, f.get("/api/orders", "203.0.113.2", nil).Code)
}

func TestMiddleware_RecordsResponseCode(t *testing.T) {
	f := setup(t, nil)
	require.Equal(t, http.StatusNotFound, f.get("/api/missing", "198.51.100.3", nil).Code)

	var ev models.RequestEvent
	require.NoError(t, f.db.Where("ip = ?", "198.51.100.3").First(&ev).Error)
	assert.Equal(t, http.StatusNotFound, ev.ResponseCode)
	assert.Equal(t, "/api/missing", ev.Endpoint)
	assert.True(t, ev.Allowed)
}

func TestMiddleware_BlockedSubjects(t *testing.T) {
	f := setup(t, nil)
	ctx := t.Context()

	_, err := f.lifecycle.Add(ctx, "192.0.2.10", models.MembershipBlacklisted, "scanner", services.AddOptions{})
	require.NoError(t, err)
	w := f.get("/api/orders", "192.0.2.10", nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, services.ReasonBlacklisted, reason(t, w))

	_, err = f.lifecycle.Add(ctx, "192.0.2.11", models.MembershipTempBlocked, "flood", services.AddOptions{Source: models.SourceDDoS})
	require.NoError(t, err)
	w = f.get("/api/orders", "192.0.2.11", nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, services.ReasonDDoSBlock, reason(t, w))
	assert.Equal(t, "900", w.Header().Get("Retry-After"))

	_, err = f.lifecycle.Add(ctx, "192.0.2.12", models.MembershipTempBlocked, "abuse", services.AddOptions{Source: models.SourceAbuse})
	require.NoError(t, err)
	w = f.get("/api/orders", "192.0.2.12", nil)
	assert.Equal(t, services.ReasonTempBlocked, reason(t, w))

	var denied models.RequestEvent
	require.NoError(t, f.db.Where("ip = ?", "192.0.2.10").First(&denied).Error)
	assert.False(t, denied.Allowed)
	assert.Equal(t, services.ReasonBlacklisted, denied.Reason)
	assert.Equal(t, http.StatusForbidden, denied.ResponseCode)
}

func TestMiddleware_WhitelistBypassesLimits(t *testing.T) {
	f := setup(t, nil)
	_, err := f.lifecycle.Add(t.Context(), "10.0.0.8", models.MembershipWhitelisted, "monitor", services.AddOptions{})
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		require.Equal(t, http.StatusOK, f.get("/api/orders", "10.0.0.8", nil).Code, "request %d", i)
	}
}

func TestMiddleware_APIKeyUsesKeyLimits(t *testing.T) {
	f := setup(t, nil)
	key := map[string]string{"X-API-Key": "partner-key-0001"}
	for i := 0; i < 5; i++ {
		require.Equal(t, http.StatusOK, f.get("/api/orders", "198.51.100.7", key).Code, "request %d", i)
	}
	assert.Equal(t, http.StatusTooManyRequests, f.get("/api/orders", "198.51.100.7", key).Code)
	assert.Equal(t, http.StatusOK, f.get("/api/orders", "198.51.100.7", nil).Code, "the IP has its own quota")
}

func TestMiddleware_GeoBlockDoesNotConsumeQuota(t *testing.T) {
	f := setup(t, func(c *config.Config) { c.Flood.BlockedCountries = []string{"KP"} })
	geo := map[string]string{"CF-IPCountry": "kp"}
	for i := 0; i < 5; i++ {
		w := f.get("/api/orders", "203.0.113.40", geo)
		require.Equal(t, http.StatusForbidden, w.Code)
		assert.Equal(t, services.ReasonGeoBlocked, reason(t, w))
	}
	for i := 0; i < 3; i++ {
		assert.Equal(t, http.StatusOK, f.get("/api/orders", "203.0.113.40", nil).Code)
	}
}

func TestMiddleware_EndpointScopedLimits(t *testing.T) {
	f := setup(t, func(c *config.Config) {
		c.Security.EndpointScoped = []string{"/api/orders"}
		c.RateLimit.PerEndpoint = config.Limits{PerMinute: 1}
	})
	assert.Equal(t, http.StatusOK, f.get("/api/orders", "203.0.113.50", nil).Code)
	assert.Equal(t, http.StatusTooManyRequests, f.get("/api/orders", "203.0.113.50", nil).Code)
	assert.Equal(t, http.StatusNotFound, f.get("/api/missing", "203.0.113.50", nil).Code)
}

func TestMiddleware_StoreUnavailable(t *testing.T) {
	closed := setup(t, nil)
	sqlDB, err := closed.db.DB()
	require.NoError(t, err)
	require.NoError(t, sqlDB.Close())
	assert.Equal(t, http.StatusServiceUnavailable, closed.get("/api/orders", "203.0.113.60", nil).Code)

	open := setup(t, func(c *config.Config) { c.Security.FailOpen = true })
	sqlDB, err = open.db.DB()
	require.NoError(t, err)
	require.NoError(t, sqlDB.Close())
	assert.Equal(t, http.StatusOK, open.get("/api/orders", "203.0.113.60", nil).Code)
}

func TestEvaluate_InvalidSubject(t *testing.T) {
	f := setup(t, nil)
	cfg := config.Default()
	c := cerberus.New(cfg.Security, f.lifecycle, nil, nil, f.clock)
	_, err := c.Evaluate(t.Context(), services.Request{Subjects: services.Subjects{IP: "not-an-ip"}})
	assert.ErrorIs(t, err, services.ErrInvalidSubject)
}

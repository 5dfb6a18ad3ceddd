package services

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Wikid82/warden/internal/config"
	"github.com/Wikid82/warden/internal/database"
	"github.com/Wikid82/warden/internal/models"
)

func setupNotificationService(t *testing.T, cfg config.NotifyConfig) (*NotificationService, *FakeClock) {
	t.Helper()
	db := database.OpenTestDB(t)
	clock := NewFakeClock(testStart)
	return NewNotificationService(db, cfg, clock), clock
}

func TestNotificationService_Webhook(t *testing.T) {
	var (
		mu   sync.Mutex
		body map[string]interface{}
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		_ = json.NewDecoder(r.Body).Decode(&body)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	svc, _ := setupNotificationService(t, config.NotifyConfig{RatePerSecond: 10, Burst: 10})
	ctx := context.Background()
	require.NoError(t, svc.CreateProvider(ctx, &models.NotificationProvider{Name: "ops-hook", Type: "webhook", URL: srv.URL, Template: "detailed", Enabled: true}))

	err := svc.Notify(ctx, "ops-hook", Message{Title: "DDoS detected", Body: "203.0.113.9", Level: models.AlertCritical, Component: "ddos", Type: "ddos_detected", AlertID: "a-1"})
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "DDoS detected", body["title"])
	assert.Equal(t, "critical", body["level"])
	assert.Equal(t, "a-1", body["alert_id"])
}

func TestNotificationService_WebhookErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	svc, _ := setupNotificationService(t, config.NotifyConfig{RatePerSecond: 10, Burst: 10})
	ctx := context.Background()
	require.NoError(t, svc.CreateProvider(ctx, &models.NotificationProvider{Name: "broken", Type: "webhook", URL: srv.URL, Enabled: true}))

	err := svc.Notify(ctx, "broken", Message{Title: "x", Level: models.AlertWarning})
	assert.ErrorContains(t, err, "status: 500")
}

func TestNotificationService_ShoutrrrAndThrottle(t *testing.T) {
	svc, clock := setupNotificationService(t, config.NotifyConfig{RatePerSecond: 1, Burst: 1})
	var sent []string
	svc.send = func(url, message string) error {
		sent = append(sent, url+"|"+message)
		return nil
	}
	ctx := context.Background()
	require.NoError(t, svc.CreateProvider(ctx, &models.NotificationProvider{Name: "chat", Type: "slack", URL: "slack://token@channel", Enabled: true}))

	require.NoError(t, svc.Notify(ctx, "chat", Message{Title: "t", Body: "b", Level: models.AlertInfo}))
	err := svc.Notify(ctx, "chat", Message{Title: "t", Body: "b", Level: models.AlertInfo})
	assert.True(t, errors.Is(err, ErrThrottled))

	clock.Advance(time.Second)
	require.NoError(t, svc.Notify(ctx, "chat", Message{Title: "t", Body: "b", Level: models.AlertInfo}))
	assert.Equal(t, []string{"slack://token@channel|t\n\nb", "slack://token@channel|t\n\nb"}, sent)
}

func TestNotificationService_MinLevelAndUnknownDestination(t *testing.T) {
	svc, _ := setupNotificationService(t, config.NotifyConfig{})
	svc.send = func(string, string) error { return nil }
	ctx := context.Background()
	require.NoError(t, svc.CreateProvider(ctx, &models.NotificationProvider{Name: "pager", Type: "gotify", URL: "gotify://host/token", MinLevel: "critical", Enabled: true}))

	err := svc.Notify(ctx, "pager", Message{Level: models.AlertWarning})
	assert.True(t, errors.Is(err, ErrFiltered))
	assert.NoError(t, svc.Notify(ctx, "pager", Message{Level: models.AlertCritical}))

	err = svc.Notify(ctx, "nobody", Message{Level: models.AlertCritical})
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestNotificationService_ProviderValidation(t *testing.T) {
	svc, _ := setupNotificationService(t, config.NotifyConfig{})
	ctx := context.Background()

	err := svc.CreateProvider(ctx, &models.NotificationProvider{Name: "bad", Type: "webhook", Template: "custom", Config: `{"x": {{.Broken`})
	assert.True(t, errors.Is(err, ErrConfiguration))

	err = svc.CreateProvider(ctx, &models.NotificationProvider{Name: "lvl", Type: "slack", MinLevel: "loud"})
	assert.True(t, errors.Is(err, ErrConfiguration))

	p := &models.NotificationProvider{Name: "ok", Type: "slack", URL: "slack://a@b", Enabled: true}
	require.NoError(t, svc.CreateProvider(ctx, p))
	assert.Equal(t, "minimal", p.Template)

	list, err := svc.ListProviders(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)

	require.NoError(t, svc.DeleteProvider(ctx, p.ID))
	list, err = svc.ListProviders(ctx)
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestValidateWebhookURL(t *testing.T) {
	_, err := validateWebhookURL("ftp://example.com")
	assert.Error(t, err)
	_, err = validateWebhookURL("http://")
	assert.Error(t, err)
	u, err := validateWebhookURL("http://127.0.0.1:9000/hook")
	require.NoError(t, err)
	assert.Equal(t, "/hook", u.Path)
}

func TestNormalizeDiscordURL(t *testing.T) {
	got := normalizeURL("discord", "https://discord.com/api/webhooks/123/abc-DEF")
	assert.Equal(t, "discord://abc-DEF@123", got)
	assert.Equal(t, "slack://x", normalizeURL("slack", "slack://x"))
}

package services

import (
	"context"
	"sync"
	"testing"
	"time"

	"gorm.io/gorm"

	"github.com/Wikid82/warden/internal/config"
	"github.com/Wikid82/warden/internal/database"
	"github.com/Wikid82/warden/internal/store"
)

var testStart = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

// testEnv wires every service over one migrated SQLite file and a fake clock.
type testEnv struct {
	cfg       config.Config
	db        *gorm.DB
	clock     *FakeClock
	store     *store.GormStore
	security  *SecurityService
	lifecycle *LifecycleManager
	limiter   *RateLimiter
	alerts    *AlertService
	notifier  *recordingNotifier
	flood     *FloodDetector
	abuse     *AbuseAnalyzer
}

func newTestEnv(t *testing.T, mutate ...func(*config.Config)) *testEnv {
	t.Helper()
	cfg := config.Default()
	for _, m := range mutate {
		m(&cfg)
	}
	db := database.OpenTestDB(t)
	clock := NewFakeClock(testStart)
	gw := store.NewGormStore(db, 5*time.Second)
	security := NewSecurityService(db, clock)
	notifier := &recordingNotifier{}
	lifecycle := NewLifecycleManager(gw, cfg.Lifecycle, clock, security)
	alerts := NewAlertService(gw, cfg.Alerts, clock, notifier, security)
	return &testEnv{
		cfg:       cfg,
		db:        db,
		clock:     clock,
		store:     gw,
		security:  security,
		lifecycle: lifecycle,
		limiter:   NewRateLimiter(gw, cfg.RateLimit, clock),
		alerts:    alerts,
		notifier:  notifier,
		flood:     NewFloodDetector(gw, cfg.Flood, clock, lifecycle, alerts),
		abuse:     NewAbuseAnalyzer(gw, cfg.Abuse, clock, lifecycle, alerts),
	}
}

type sentNotification struct {
	Destination string
	Subject     string
}

// recordingNotifier captures deliveries instead of sending them.
type recordingNotifier struct {
	mu   sync.Mutex
	sent []sentNotification
}

func (n *recordingNotifier) Notify(_ context.Context, destination string, msg Message) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, sentNotification{Destination: destination, Subject: msg.Title})
	return nil
}

func (n *recordingNotifier) destinations() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]string, 0, len(n.sent))
	for _, s := range n.sent {
		out = append(out, s.Destination)
	}
	return out
}

package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Wikid82/warden/internal/models"
	"github.com/Wikid82/warden/internal/store"
)

func addRule(t *testing.T, env *testEnv, r models.AlertRule) models.AlertRule {
	t.Helper()
	require.NoError(t, env.db.Create(&r).Error)
	return r
}

func TestAlertService_CreateDeduplicates(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	addRule(t, env, models.AlertRule{Name: "ddos-ops", Component: "ddos", Destinations: "ops", Enabled: true})

	first, err := env.alerts.Create(ctx, "ddos", models.AlertCritical, "ddos_detected", "flood from 203.0.113.9", map[string]interface{}{"rate": 150})
	require.NoError(t, err)
	env.clock.Advance(10 * time.Minute)
	second, err := env.alerts.Create(ctx, "ddos", models.AlertCritical, "ddos_detected", "flood again", nil)
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, 2, second.OccurrenceCount)
	assert.Equal(t, env.clock.Now(), second.UpdatedAt.UTC())

	active, err := env.alerts.List(ctx, ListFilter{Component: "ddos"})
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, 2, active[0].OccurrenceCount)

	// only the first occurrence is routed
	assert.Equal(t, []string{"ops"}, env.notifier.destinations())
}

func TestAlertService_DedupWindowAndLevel(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	a, err := env.alerts.Create(ctx, "abuse", models.AlertWarning, "abuse_pattern", "m", nil)
	require.NoError(t, err)

	b, err := env.alerts.Create(ctx, "abuse", models.AlertCritical, "abuse_pattern", "m", nil)
	require.NoError(t, err)
	assert.NotEqual(t, a.ID, b.ID, "different level is a different alert")

	env.clock.Advance(61 * time.Minute)
	c, err := env.alerts.Create(ctx, "abuse", models.AlertWarning, "abuse_pattern", "m", nil)
	require.NoError(t, err)
	assert.NotEqual(t, a.ID, c.ID, "outside the dedup window a new alert is created")
	assert.Equal(t, 1, c.OccurrenceCount)
}

func TestAlertService_CreateValidation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.alerts.Create(ctx, "ddos", models.AlertLevel("panic"), "x", "m", nil)
	assert.True(t, errors.Is(err, ErrConfiguration), "got %v", err)
	_, err = env.alerts.Create(ctx, "", models.AlertInfo, "x", "m", nil)
	assert.True(t, errors.Is(err, ErrConfiguration), "got %v", err)
}

func TestAlertService_AcknowledgeAndResolve(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	a, err := env.alerts.Create(ctx, "ddos", models.AlertCritical, "ddos_detected", "m", nil)
	require.NoError(t, err)

	env.clock.Advance(time.Minute)
	acked, err := env.alerts.Acknowledge(ctx, a.ID, "alice")
	require.NoError(t, err)
	assert.Equal(t, models.AlertAcknowledged, acked.Status)
	assert.Equal(t, "alice", acked.AcknowledgedBy)
	require.NotNil(t, acked.AcknowledgedAt)

	again, err := env.alerts.Acknowledge(ctx, a.ID, "bob")
	require.NoError(t, err)
	assert.Equal(t, "alice", again.AcknowledgedBy, "acknowledging twice is a no-op")

	resolved, err := env.alerts.Resolve(ctx, a.ID, "alice")
	require.NoError(t, err)
	assert.Equal(t, models.AlertResolved, resolved.Status)
	require.NotNil(t, resolved.ResolvedAt)

	_, err = env.alerts.Acknowledge(ctx, a.ID, "alice")
	assert.True(t, errors.Is(err, ErrPolicyConflict), "got %v", err)

	_, err = env.alerts.Resolve(ctx, "does-not-exist", "alice")
	assert.True(t, errors.Is(err, ErrNotFound), "got %v", err)

	audits, err := env.security.ListAudits(ctx, time.Time{}, 0)
	require.NoError(t, err)
	require.Len(t, audits, 2)
	assert.Equal(t, "resolve", audits[0].Action)
	assert.Equal(t, "acknowledge", audits[1].Action)

	// resolved alerts no longer dedup new detections
	fresh, err := env.alerts.Create(ctx, "ddos", models.AlertCritical, "ddos_detected", "m", nil)
	require.NoError(t, err)
	assert.NotEqual(t, a.ID, fresh.ID)
}

func TestAlertService_ListHistoryAndStats(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	a, err := env.alerts.Create(ctx, "ddos", models.AlertCritical, "ddos_detected", "m", nil)
	require.NoError(t, err)
	_, err = env.alerts.Create(ctx, "abuse", models.AlertWarning, "abuse_pattern", "m", nil)
	require.NoError(t, err)
	_, err = env.alerts.Create(ctx, "abuse", models.AlertWarning, "abuse_pattern", "m", nil)
	require.NoError(t, err)
	_, err = env.alerts.Resolve(ctx, a.ID, "ops")
	require.NoError(t, err)

	open, err := env.alerts.List(ctx, ListFilter{})
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, "abuse", open[0].Component)

	history, err := env.alerts.History(ctx, ListFilter{})
	require.NoError(t, err)
	assert.Len(t, history, 2)

	st, err := env.alerts.Stats(ctx, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, 2, st.Total)
	assert.Equal(t, 3, st.Occurrences)
	assert.Equal(t, 1, st.Unacknowledged)
	assert.Equal(t, 1, st.ByStatus[string(models.AlertResolved)])
	assert.Equal(t, 1, st.ByLevel[string(models.AlertCritical)])
	assert.Equal(t, 1, st.ByComponent["abuse"])
}

func TestAlertService_Aggregate(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.alerts.Create(ctx, "ddos", models.AlertWarning, "ddos_detected", "m", nil)
	require.NoError(t, err)
	_, err = env.alerts.Create(ctx, "ddos", models.AlertCritical, "ddos_detected", "m", nil)
	require.NoError(t, err)
	_, err = env.alerts.Create(ctx, "ddos", models.AlertCritical, "ddos_detected", "m", nil)
	require.NoError(t, err)
	_, err = env.alerts.Create(ctx, "abuse", models.AlertWarning, "abuse_pattern", "m", nil)
	require.NoError(t, err)

	groups, err := env.alerts.Aggregate(ctx, "", 0)
	require.NoError(t, err)
	require.Len(t, groups, 2)
	assert.Equal(t, "abuse", groups[0].Component)
	ddos := groups[1]
	assert.Equal(t, "ddos_detected", ddos.Type)
	assert.Equal(t, 2, ddos.Alerts)
	assert.Equal(t, 3, ddos.Occurrences)
	assert.Equal(t, models.AlertCritical, ddos.Level)
	assert.Len(t, ddos.AlertIDs, 2)

	only, err := env.alerts.Aggregate(ctx, "abuse", 0)
	require.NoError(t, err)
	assert.Len(t, only, 1)

	env.clock.Advance(16 * time.Minute)
	later, err := env.alerts.Aggregate(ctx, "", 0)
	require.NoError(t, err)
	assert.Empty(t, later, "alerts outside the aggregation window are not grouped")

	open, err := env.alerts.List(ctx, ListFilter{})
	require.NoError(t, err)
	assert.Len(t, open, 3, "aggregation leaves alerts untouched")
}

func TestAlertService_CleanupResolvesStale(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	stale, err := env.alerts.Create(ctx, "ddos", models.AlertCritical, "ddos_detected", "m", nil)
	require.NoError(t, err)
	env.clock.Advance(20 * time.Hour)
	recent, err := env.alerts.Create(ctx, "abuse", models.AlertWarning, "abuse_pattern", "m", nil)
	require.NoError(t, err)
	env.clock.Advance(5 * time.Hour)

	n, err := env.alerts.Cleanup(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := env.alerts.Get(ctx, stale.ID)
	require.NoError(t, err)
	assert.Equal(t, models.AlertResolved, got.Status)
	assert.Equal(t, "system", got.ResolvedBy)

	got, err = env.alerts.Get(ctx, recent.ID)
	require.NoError(t, err)
	assert.Equal(t, models.AlertActive, got.Status)
}

func TestAlertService_StoreUnavailable(t *testing.T) {
	env := newTestEnv(t)
	sqlDB, err := env.db.DB()
	require.NoError(t, err)
	require.NoError(t, sqlDB.Close())

	_, err = env.alerts.Create(context.Background(), "ddos", models.AlertCritical, "ddos_detected", "m", nil)
	assert.True(t, errors.Is(err, store.ErrUnavailable), "got %v", err)
}

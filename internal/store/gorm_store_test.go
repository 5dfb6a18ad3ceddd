package store

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Wikid82/warden/internal/database"
	"github.com/Wikid82/warden/internal/models"
)

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T) *GormStore {
	t.Helper()
	return NewGormStore(database.OpenTestDB(t), 5*time.Second)
}

func event(identifier, ip string, at time.Time) *models.RequestEvent {
	return &models.RequestEvent{
		Identifier: identifier,
		Kind:       models.SubjectIP,
		IP:         ip,
		Endpoint:   "/api/items",
		Allowed:    true,
		UnixNano:   at.UnixNano(),
	}
}

func TestInsertEventAndCount_CountsWindows(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, s.InsertEvent(ctx, event("1.2.3.4", "1.2.3.4", base.Add(-2*time.Hour))))
	}
	for i := 0; i < 4; i++ {
		require.NoError(t, s.InsertEvent(ctx, event("1.2.3.4", "1.2.3.4", base.Add(-30*time.Second))))
	}

	ev := event("1.2.3.4", "1.2.3.4", base)
	var prior []int64
	counts, err := s.InsertEventAndCount(ctx, ev, []int64{
		base.Add(-time.Minute).UnixNano(),
		base.Add(-24 * time.Hour).UnixNano(),
	}, func(p []int64) (bool, string) {
		prior = p
		return true, ""
	})
	require.NoError(t, err)
	assert.Equal(t, []int64{4, 7}, prior)
	assert.Equal(t, []int64{5, 8}, counts)
	assert.NotZero(t, ev.ID)
}

func TestInsertEventAndCount_DeniedEventsDoNotCount(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	starts := []int64{base.Add(-time.Minute).UnixNano()}
	deny := func([]int64) (bool, string) { return false, "rate_limit_exceeded" }

	ev := event("d", "10.0.0.7", base)
	counts, err := s.InsertEventAndCount(ctx, ev, starts, deny)
	require.NoError(t, err)
	assert.Equal(t, []int64{0}, counts)
	assert.False(t, ev.Allowed)
	assert.Equal(t, "rate_limit_exceeded", ev.Reason)

	n, err := s.CountEvents(ctx, "d", "", base.Add(-time.Minute))
	require.NoError(t, err)
	assert.Zero(t, n)

	st, err := s.EventStats(ctx, EventFilter{IP: "10.0.0.7"})
	require.NoError(t, err)
	assert.EqualValues(t, 1, st.Denied)
}

func TestInsertEvent_MonotonicPerIdentifier(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first := event("a", "10.0.0.1", base)
	second := event("a", "10.0.0.1", base)
	other := event("b", "10.0.0.2", base)
	require.NoError(t, s.InsertEvent(ctx, first))
	require.NoError(t, s.InsertEvent(ctx, second))
	require.NoError(t, s.InsertEvent(ctx, other))

	assert.Greater(t, second.UnixNano, first.UnixNano)
	assert.Equal(t, base.UnixNano(), other.UnixNano)
}

func TestInsertEventAndCount_ConcurrentWritersSeeDistinctCounts(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	const n = 20
	var wg sync.WaitGroup
	results := make(chan int64, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			counts, err := s.InsertEventAndCount(ctx, event("race", "10.0.0.9", base), []int64{base.Add(-time.Minute).UnixNano()}, nil)
			if assert.NoError(t, err) {
				results <- counts[0]
			}
		}()
	}
	wg.Wait()
	close(results)

	seen := map[int64]bool{}
	for c := range results {
		assert.False(t, seen[c], "count %d observed twice", c)
		seen[c] = true
	}
	assert.Len(t, seen, n)
}

func TestCompleteEvent_WriteOnce(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	ev := event("1.1.1.1", "1.1.1.1", base)
	require.NoError(t, s.InsertEvent(ctx, ev))
	require.NoError(t, s.CompleteEvent(ctx, ev.ID, 404))
	require.NoError(t, s.CompleteEvent(ctx, ev.ID, 200))

	sum, err := s.SubjectSummary(ctx, "1.1.1.1", "", base.Add(-time.Minute))
	require.NoError(t, err)
	assert.EqualValues(t, 1, sum.Errors)
}

func TestCountEventsAndOldest(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.InsertEvent(ctx, event("x", "10.0.0.1", base.Add(-10*time.Second))))
	ev := event("x", "10.0.0.1", base)
	ev.Endpoint = "/login"
	require.NoError(t, s.InsertEvent(ctx, ev))

	n, err := s.CountEvents(ctx, "x", "", base.Add(-time.Minute))
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	n, err = s.CountEvents(ctx, "x", "/login", base.Add(-time.Minute))
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	oldest, ok, err := s.OldestEventSince(ctx, "x", base.Add(-time.Minute))
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, oldest.Equal(base.Add(-10*time.Second)))

	_, ok, err = s.OldestEventSince(ctx, "missing", base.Add(-time.Minute))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSubjectActivity_PeakSecondAndInFlight(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, s.InsertEvent(ctx, event("10.0.0.1", "10.0.0.1", base.Add(time.Duration(i)*time.Millisecond))))
	}
	done := event("10.0.0.1", "10.0.0.1", base.Add(3*time.Second))
	require.NoError(t, s.InsertEvent(ctx, done))
	require.NoError(t, s.CompleteEvent(ctx, done.ID, 200))
	require.NoError(t, s.InsertEvent(ctx, event("10.0.0.2", "10.0.0.2", base)))

	act, err := s.SubjectActivity(ctx, base.Add(-time.Minute))
	require.NoError(t, err)
	require.Len(t, act, 2)
	assert.Equal(t, Activity{IP: "10.0.0.1", PeakPerSecond: 5, InFlight: 5, Total: 6}, act[0])
	assert.Equal(t, "10.0.0.2", act[1].IP)
}

func TestSubjectActivity_PeakSpansSecondBoundary(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	start := base.Add(700 * time.Millisecond)
	for i := 0; i < 8; i++ {
		require.NoError(t, s.InsertEvent(ctx, event("10.0.0.9", "10.0.0.9", start.Add(time.Duration(i)*100*time.Millisecond))))
	}

	act, err := s.SubjectActivity(ctx, base.Add(-time.Minute))
	require.NoError(t, err)
	require.Len(t, act, 1)
	assert.Equal(t, int64(8), act[0].PeakPerSecond)
}

func TestPeakPerSecond(t *testing.T) {
	sec := int64(time.Second)
	assert.Zero(t, peakPerSecond(nil))
	assert.Equal(t, int64(1), peakPerSecond([]int64{0, sec, 2 * sec}), "span end is exclusive")
	assert.Equal(t, int64(3), peakPerSecond([]int64{0, sec / 2, sec - 1, sec + sec/4}))
	assert.Equal(t, int64(2), peakPerSecond([]int64{0, 3 * sec, 3*sec + 1}))
}

func TestActiveSubjects_IncludesKeys(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		ev := event(models.APIKeySubject("abc"), "10.0.0.3", base)
		ev.Kind = models.SubjectAPIKey
		ev.APIKeyHash = "abc"
		require.NoError(t, s.InsertEvent(ctx, ev))
	}
	require.NoError(t, s.InsertEvent(ctx, event("10.0.0.4", "10.0.0.4", base)))

	subjects, err := s.ActiveSubjects(ctx, base.Add(-time.Minute), 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"10.0.0.3", "key:abc"}, subjects)
}

func TestEventStatsAndDelete(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.InsertEvent(ctx, event("y", "10.0.0.5", base)))
	denied := event("y", "10.0.0.5", base)
	denied.Allowed = false
	denied.Reason = "rate_limit_exceeded"
	require.NoError(t, s.InsertEvent(ctx, denied))

	st, err := s.EventStats(ctx, EventFilter{Identifier: "y"})
	require.NoError(t, err)
	assert.EqualValues(t, 2, st.Total)
	assert.EqualValues(t, 1, st.Denied)
	assert.EqualValues(t, 1, st.ByReason["rate_limit_exceeded"])

	n, err := s.DeleteEvents(ctx, "y", "")
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)
}

func TestUpsertIdentityRecord_OptimisticLock(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	rec := &models.IdentityRecord{Subject: "10.0.0.8", Kind: models.SubjectIP, Membership: models.MembershipBlacklisted, CreatedAt: base, UpdatedAt: base}
	require.NoError(t, s.UpsertIdentityRecord(ctx, rec, 0))
	assert.Equal(t, 1, rec.Version)

	dup := &models.IdentityRecord{Subject: "10.0.0.8", Membership: models.MembershipWhitelisted}
	err := s.UpsertIdentityRecord(ctx, dup, 0)
	assert.True(t, errors.Is(err, ErrConflict), "got %v", err)

	stale := *rec
	rec.Reason = "manual"
	require.NoError(t, s.UpsertIdentityRecord(ctx, rec, 1))
	assert.Equal(t, 2, rec.Version)

	stale.Reason = "late"
	err = s.UpsertIdentityRecord(ctx, &stale, 1)
	assert.True(t, errors.Is(err, ErrConflict), "got %v", err)

	got, err := s.GetIdentityRecord(ctx, "10.0.0.8")
	require.NoError(t, err)
	assert.Equal(t, "manual", got.Reason)

	missing, err := s.GetIdentityRecord(ctx, "nobody")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestPurgeExpired_ClearsTempBlocksKeepsLadder(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	exp := base.Add(-time.Minute)
	rec := &models.IdentityRecord{Subject: "10.0.0.9", Membership: models.MembershipTempBlocked, ExpiresAt: &exp, ViolationCount: 2, CreatedAt: base, UpdatedAt: base}
	require.NoError(t, s.UpsertIdentityRecord(ctx, rec, 0))
	require.NoError(t, s.InsertEvent(ctx, event("old", "10.0.0.9", base.Add(-72*time.Hour))))

	n, err := s.PurgeExpired(ctx, TableIdentities, base)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	got, err := s.GetIdentityRecord(ctx, "10.0.0.9")
	require.NoError(t, err)
	assert.Equal(t, models.MembershipNone, got.Membership)
	assert.Nil(t, got.ExpiresAt)
	assert.Equal(t, 2, got.ViolationCount)

	n, err = s.PurgeExpired(ctx, TableEvents, base.Add(-48*time.Hour))
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
}

func newAlert(component, typ string, at time.Time) *models.Alert {
	return &models.Alert{Component: component, Type: typ, Level: models.AlertWarning, Message: "m", CreatedAt: at, UpdatedAt: at}
}

func TestDedupAlert_BumpsWithinWindow(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a, created, err := s.DedupAlert(ctx, newAlert("ddos", "flood", base), base.Add(-time.Hour))
	require.NoError(t, err)
	require.True(t, created)
	assert.NotEmpty(t, a.ID)

	later := base.Add(10 * time.Minute)
	b, created, err := s.DedupAlert(ctx, newAlert("ddos", "flood", later), later.Add(-time.Hour))
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, a.ID, b.ID)
	assert.Equal(t, 2, b.OccurrenceCount)

	got, err := s.GetAlert(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.OccurrenceCount)
	assert.True(t, got.CreatedAt.Equal(base))
}

func TestUpdateAlertAndQuery(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a := newAlert("abuse", "abuse_detected", base)
	require.NoError(t, s.InsertAlert(ctx, a))
	require.NoError(t, s.InsertAlert(ctx, newAlert("ddos", "flood", base.Add(time.Minute))))

	a.Status = models.AlertResolved
	require.NoError(t, s.UpdateAlert(ctx, a, 1))
	err := s.UpdateAlert(ctx, a, 1)
	assert.True(t, errors.Is(err, ErrConflict))

	active, err := s.QueryAlerts(ctx, AlertFilter{Statuses: []models.AlertStatus{models.AlertActive}})
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "ddos", active[0].Component)

	all, err := s.QueryAlerts(ctx, AlertFilter{Since: base.Add(-time.Minute)})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	_, err = s.GetAlert(ctx, "missing")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestListAlertRules_PriorityOrder(t *testing.T) {
	db := database.OpenTestDB(t)
	s := NewGormStore(db, time.Second)
	require.NoError(t, db.Create(&models.AlertRule{Name: "b", Priority: 20, Enabled: true}).Error)
	require.NoError(t, db.Create(&models.AlertRule{Name: "a", Priority: 10, Enabled: true}).Error)
	off := &models.AlertRule{Name: "off", Priority: 1, Enabled: true}
	require.NoError(t, db.Create(off).Error)
	require.NoError(t, db.Model(off).Update("enabled", false).Error)

	rules, err := s.ListAlertRules(context.Background())
	require.NoError(t, err)
	require.Len(t, rules, 2)
	assert.Equal(t, "a", rules[0].Name)
	assert.Equal(t, "b", rules[1].Name)
}

func TestClosedDatabaseIsUnavailable(t *testing.T) {
	db := database.OpenTestDB(t)
	s := NewGormStore(db, time.Second)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	require.NoError(t, sqlDB.Close())

	_, err = s.CountEvents(context.Background(), "x", "", base)
	assert.True(t, errors.Is(err, ErrUnavailable), "got %v", err)
}

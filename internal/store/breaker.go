package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sony/gobreaker/v2"

	"github.com/Wikid82/warden/internal/logger"
	"github.com/Wikid82/warden/internal/models"
)

// BreakerSettings tunes the circuit breaker in front of a Gateway.
type BreakerSettings struct {
	Name string
	// Failures is the number of consecutive ErrUnavailable results that opens the circuit.
	Failures uint32
	// OpenFor is how long the circuit stays open before a probe is allowed.
	OpenFor time.Duration
	// OnStateChange is called after every transition, if set.
	OnStateChange func(from, to gobreaker.State)
}

// Resilient wraps a Gateway with a circuit breaker. Only ErrUnavailable counts
// as a failure; conflicts and missing rows are ordinary outcomes. While the
// circuit is open every call fails fast with ErrUnavailable.
type Resilient struct {
	next Gateway
	cb   *gobreaker.CircuitBreaker[any]
}

// NewResilient wraps next.
func NewResilient(next Gateway, st BreakerSettings) *Resilient {
	if st.Name == "" {
		st.Name = "store"
	}
	if st.Failures == 0 {
		st.Failures = 5
	}
	if st.OpenFor <= 0 {
		st.OpenFor = 5 * time.Second
	}
	log := logger.Component("store")
	cb := gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:        st.Name,
		MaxRequests: 1,
		Timeout:     st.OpenFor,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= st.Failures
		},
		IsSuccessful: func(err error) bool {
			return err == nil || !errors.Is(err, ErrUnavailable)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.WithField("breaker", name).Warnf("circuit %s -> %s", from, to)
			if st.OnStateChange != nil {
				st.OnStateChange(from, to)
			}
		},
	})
	return &Resilient{next: next, cb: cb}
}

// State reports the breaker state ("closed", "half-open" or "open").
func (r *Resilient) State() string {
	return r.cb.State().String()
}

func run[T any](r *Resilient, fn func() (T, error)) (T, error) {
	out, err := r.cb.Execute(func() (any, error) {
		v, err := fn()
		return v, err
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		err = fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	v, ok := out.(T)
	if !ok {
		var zero T
		return zero, err
	}
	return v, err
}

func exec(r *Resilient, fn func() error) error {
	_, err := run(r, func() (struct{}, error) { return struct{}{}, fn() })
	return err
}

func (r *Resilient) InsertEvent(ctx context.Context, ev *models.RequestEvent) error {
	return exec(r, func() error { return r.next.InsertEvent(ctx, ev) })
}

func (r *Resilient) InsertEventAndCount(ctx context.Context, ev *models.RequestEvent, windowStarts []int64, decide Decider) ([]int64, error) {
	return run(r, func() ([]int64, error) { return r.next.InsertEventAndCount(ctx, ev, windowStarts, decide) })
}

func (r *Resilient) CompleteEvent(ctx context.Context, id uint64, responseCode int) error {
	return exec(r, func() error { return r.next.CompleteEvent(ctx, id, responseCode) })
}

func (r *Resilient) CountEvents(ctx context.Context, identifier, endpoint string, since time.Time) (int64, error) {
	return run(r, func() (int64, error) { return r.next.CountEvents(ctx, identifier, endpoint, since) })
}

func (r *Resilient) OldestEventSince(ctx context.Context, identifier string, since time.Time) (time.Time, bool, error) {
	type result struct {
		at time.Time
		ok bool
	}
	res, err := run(r, func() (result, error) {
		at, ok, err := r.next.OldestEventSince(ctx, identifier, since)
		return result{at, ok}, err
	})
	return res.at, res.ok, err
}

func (r *Resilient) SubjectActivity(ctx context.Context, since time.Time) ([]Activity, error) {
	return run(r, func() ([]Activity, error) { return r.next.SubjectActivity(ctx, since) })
}

func (r *Resilient) SubjectSummary(ctx context.Context, ip, apiKeyHash string, since time.Time) (Summary, error) {
	return run(r, func() (Summary, error) { return r.next.SubjectSummary(ctx, ip, apiKeyHash, since) })
}

func (r *Resilient) ActiveSubjects(ctx context.Context, since time.Time, minEvents int) ([]string, error) {
	return run(r, func() ([]string, error) { return r.next.ActiveSubjects(ctx, since, minEvents) })
}

func (r *Resilient) EventStats(ctx context.Context, f EventFilter) (EventStats, error) {
	return run(r, func() (EventStats, error) { return r.next.EventStats(ctx, f) })
}

func (r *Resilient) DeleteEvents(ctx context.Context, identifier, endpoint string) (int64, error) {
	return run(r, func() (int64, error) { return r.next.DeleteEvents(ctx, identifier, endpoint) })
}

func (r *Resilient) GetIdentityRecord(ctx context.Context, subject string) (*models.IdentityRecord, error) {
	return run(r, func() (*models.IdentityRecord, error) { return r.next.GetIdentityRecord(ctx, subject) })
}

func (r *Resilient) UpsertIdentityRecord(ctx context.Context, rec *models.IdentityRecord, expectedVersion int) error {
	return exec(r, func() error { return r.next.UpsertIdentityRecord(ctx, rec, expectedVersion) })
}

func (r *Resilient) ListIdentityRecords(ctx context.Context, membership models.Membership) ([]models.IdentityRecord, error) {
	return run(r, func() ([]models.IdentityRecord, error) { return r.next.ListIdentityRecords(ctx, membership) })
}

func (r *Resilient) InsertAlert(ctx context.Context, a *models.Alert) error {
	return exec(r, func() error { return r.next.InsertAlert(ctx, a) })
}

func (r *Resilient) FindActiveAlert(ctx context.Context, component, alertType string, level models.AlertLevel, since time.Time) (*models.Alert, error) {
	return run(r, func() (*models.Alert, error) {
		return r.next.FindActiveAlert(ctx, component, alertType, level, since)
	})
}

func (r *Resilient) DedupAlert(ctx context.Context, a *models.Alert, since time.Time) (*models.Alert, bool, error) {
	type result struct {
		alert   *models.Alert
		created bool
	}
	res, err := run(r, func() (result, error) {
		out, created, err := r.next.DedupAlert(ctx, a, since)
		return result{out, created}, err
	})
	return res.alert, res.created, err
}

func (r *Resilient) GetAlert(ctx context.Context, id string) (*models.Alert, error) {
	return run(r, func() (*models.Alert, error) { return r.next.GetAlert(ctx, id) })
}

func (r *Resilient) UpdateAlert(ctx context.Context, a *models.Alert, expectedVersion int) error {
	return exec(r, func() error { return r.next.UpdateAlert(ctx, a, expectedVersion) })
}

func (r *Resilient) QueryAlerts(ctx context.Context, f AlertFilter) ([]models.Alert, error) {
	return run(r, func() ([]models.Alert, error) { return r.next.QueryAlerts(ctx, f) })
}

func (r *Resilient) ListAlertRules(ctx context.Context) ([]models.AlertRule, error) {
	return run(r, func() ([]models.AlertRule, error) { return r.next.ListAlertRules(ctx) })
}

func (r *Resilient) PurgeExpired(ctx context.Context, table Table, before time.Time) (int64, error) {
	return run(r, func() (int64, error) { return r.next.PurgeExpired(ctx, table, before) })
}

var _ Gateway = (*Resilient)(nil)
var _ Gateway = (*GormStore)(nil)

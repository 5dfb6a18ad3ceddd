// Package store is the durable gateway for request events, identity records
// and alerts. All queries are parameterized through gorm.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/Wikid82/warden/internal/models"
)

var (
	// ErrUnavailable covers timeouts, driver failures and an open circuit.
	ErrUnavailable = errors.New("store unavailable")
	// ErrConflict is returned when an optimistic version check or unique insert loses a race.
	ErrConflict = errors.New("concurrency conflict")
	// ErrNotFound is returned by lookups that require a row.
	ErrNotFound = errors.New("not found")
)

// Table names the tables PurgeExpired can act on.
type Table string

const (
	// TableEvents deletes request events older than the cutoff.
	TableEvents Table = "request_events"
	// TableIdentities clears temp blocks that expired before the cutoff. The
	// record itself is kept so the violation ladder survives expiry.
	TableIdentities Table = "identity_records"
)

// Activity is one IP's traffic shape over a sweep window.
type Activity struct {
	IP string `json:"ip"`
	// PeakPerSecond is the largest number of events in any sliding one-second span.
	PeakPerSecond int64 `json:"peak_per_second"`
	// InFlight counts events in the window whose response has not been recorded.
	InFlight int64 `json:"in_flight"`
	Total    int64 `json:"total"`
}

// Summary aggregates one subject's events over a window.
type Summary struct {
	Total     int64
	Errors    int64
	Endpoints int64
	FirstNano int64
	LastNano  int64
}

// EventFilter narrows EventStats; zero fields match everything.
type EventFilter struct {
	Identifier string
	IP         string
	Since      time.Time
}

// EventStats are allow/deny totals for an EventFilter.
type EventStats struct {
	Total    int64            `json:"total"`
	Allowed  int64            `json:"allowed"`
	Denied   int64            `json:"denied"`
	ByReason map[string]int64 `json:"by_reason"`
}

// AlertFilter narrows QueryAlerts; zero fields match everything.
type AlertFilter struct {
	Component      string
	Type           string
	Level          models.AlertLevel
	Statuses       []models.AlertStatus
	Since          time.Time
	Until          time.Time
	Unacknowledged bool
	Limit          int
}

// Decider picks the admission outcome from the admitted-event counts seen
// before the new event, in the order of the window starts.
type Decider func(prior []int64) (allowed bool, reason string)

// Gateway is the operation set the engine needs from durable storage. Every
// method applies its own bounded timeout and reports I/O failure as ErrUnavailable.
type Gateway interface {
	InsertEvent(ctx context.Context, ev *models.RequestEvent) error
	// InsertEventAndCount counts the admitted events for ev.Identifier at or
	// after each of windowStarts (unix nanos), lets decide set the outcome from
	// those counts, and inserts ev, all in one atomic step. The returned counts
	// include ev when it was admitted.
	InsertEventAndCount(ctx context.Context, ev *models.RequestEvent, windowStarts []int64, decide Decider) ([]int64, error)
	CompleteEvent(ctx context.Context, id uint64, responseCode int) error
	// CountEvents and OldestEventSince only see admitted events: denied
	// requests never consume quota.
	CountEvents(ctx context.Context, identifier, endpoint string, since time.Time) (int64, error)
	OldestEventSince(ctx context.Context, identifier string, since time.Time) (time.Time, bool, error)
	SubjectActivity(ctx context.Context, since time.Time) ([]Activity, error)
	SubjectSummary(ctx context.Context, ip, apiKeyHash string, since time.Time) (Summary, error)
	ActiveSubjects(ctx context.Context, since time.Time, minEvents int) ([]string, error)
	EventStats(ctx context.Context, f EventFilter) (EventStats, error)
	DeleteEvents(ctx context.Context, identifier, endpoint string) (int64, error)

	GetIdentityRecord(ctx context.Context, subject string) (*models.IdentityRecord, error)
	// UpsertIdentityRecord inserts rec when rec.ID is zero, otherwise updates it
	// only if the stored version equals expectedVersion. rec.Version is bumped on success.
	UpsertIdentityRecord(ctx context.Context, rec *models.IdentityRecord, expectedVersion int) error
	ListIdentityRecords(ctx context.Context, membership models.Membership) ([]models.IdentityRecord, error)

	InsertAlert(ctx context.Context, a *models.Alert) error
	FindActiveAlert(ctx context.Context, component, alertType string, level models.AlertLevel, since time.Time) (*models.Alert, error)
	// DedupAlert bumps the matching active alert created at or after since, or
	// inserts a. It reports whether a new row was created.
	DedupAlert(ctx context.Context, a *models.Alert, since time.Time) (*models.Alert, bool, error)
	GetAlert(ctx context.Context, id string) (*models.Alert, error)
	UpdateAlert(ctx context.Context, a *models.Alert, expectedVersion int) error
	QueryAlerts(ctx context.Context, f AlertFilter) ([]models.Alert, error)
	ListAlertRules(ctx context.Context) ([]models.AlertRule, error)

	PurgeExpired(ctx context.Context, table Table, before time.Time) (int64, error)
}

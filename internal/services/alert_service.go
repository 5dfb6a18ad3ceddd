package services

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Wikid82/warden/internal/config"
	"github.com/Wikid82/warden/internal/logger"
	"github.com/Wikid82/warden/internal/metrics"
	"github.com/Wikid82/warden/internal/models"
	"github.com/Wikid82/warden/internal/store"
)

// AlertService runs the alert lifecycle: dedup on create, acknowledge and
// resolve, aggregation, escalation and routing.
type AlertService struct {
	store    store.Gateway
	cfg      config.AlertConfig
	clock    Clock
	notifier Notifier
	auditor  Auditor
	log      *logrus.Entry

	escalating sync.Mutex
}

func NewAlertService(gw store.Gateway, cfg config.AlertConfig, clock Clock, notifier Notifier, auditor Auditor) *AlertService {
	if clock == nil {
		clock = SystemClock()
	}
	return &AlertService{store: gw, cfg: cfg, clock: clock, notifier: notifier, auditor: auditor, log: logger.Component("alerts")}
}

// Create records a detection. An active alert with the same component, type
// and level created within the dedup window absorbs it as another occurrence.
// Only newly created alerts are routed.
func (s *AlertService) Create(ctx context.Context, component string, level models.AlertLevel, alertType, message string, metadata map[string]interface{}) (*models.Alert, error) {
	component = strings.TrimSpace(component)
	alertType = strings.TrimSpace(alertType)
	if component == "" || alertType == "" {
		return nil, opErr("alert create", "", fmt.Errorf("%w: component and type are required", ErrConfiguration))
	}
	if !level.Valid() {
		return nil, opErr("alert create", "", fmt.Errorf("%w: unknown level %q", ErrConfiguration, level))
	}

	var (
		out     *models.Alert
		created bool
	)
	err := retryConflict(func() error {
		now := s.clock.Now()
		a := &models.Alert{
			Component: component,
			Type:      alertType,
			Level:     level,
			Status:    models.AlertActive,
			Message:   message,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := a.SetMetadata(metadata); err != nil {
			return fmt.Errorf("%w: metadata: %v", ErrConfiguration, err)
		}
		var err error
		out, created, err = s.store.DedupAlert(ctx, a, now.Add(-s.cfg.DedupWindow))
		return err
	})
	if err != nil {
		return nil, opErr("alert create", component+"/"+alertType, err)
	}

	metrics.IncAlert(string(level), created)
	entry := s.log.WithFields(logrus.Fields{"alert_id": out.ID, "type": alertType, "level": level, "occurrences": out.OccurrenceCount})
	if !created {
		entry.Debug("alert deduplicated")
		return out, nil
	}
	entry.Info("alert created")

	dests, err := s.Route(ctx, out)
	if err != nil {
		s.log.WithError(err).WithField("alert_id", out.ID).Warn("alert routing failed")
		return out, nil
	}
	s.dispatch(ctx, out, dests, "")
	return out, nil
}

func (s *AlertService) Get(ctx context.Context, id string) (*models.Alert, error) {
	a, err := s.store.GetAlert(ctx, id)
	if err != nil {
		return nil, opErr("alert get", id, err)
	}
	return a, nil
}

// transition applies mutate to the alert under CAS, retrying on conflict.
// mutate returns false when the alert is already in the wanted state.
func (s *AlertService) transition(ctx context.Context, op, id string, mutate func(a *models.Alert, now time.Time) (bool, error)) (*models.Alert, bool, error) {
	var (
		out     *models.Alert
		changed bool
	)
	err := retryConflict(func() error {
		a, err := s.store.GetAlert(ctx, id)
		if err != nil {
			return err
		}
		now := s.clock.Now()
		expected := a.Version
		changed, err = mutate(a, now)
		if err != nil || !changed {
			out = a
			return err
		}
		a.UpdatedAt = now
		if err := s.store.UpdateAlert(ctx, a, expected); err != nil {
			return err
		}
		out = a
		return nil
	})
	if err != nil {
		return nil, false, opErr(op, id, err)
	}
	return out, changed, nil
}

// Acknowledge stops escalation for an active alert.
func (s *AlertService) Acknowledge(ctx context.Context, id, actor string) (*models.Alert, error) {
	a, changed, err := s.transition(ctx, "alert acknowledge", id, func(a *models.Alert, now time.Time) (bool, error) {
		switch a.Status {
		case models.AlertResolved:
			return false, fmt.Errorf("%w: alert is resolved", ErrPolicyConflict)
		case models.AlertAcknowledged:
			return false, nil
		}
		a.Status = models.AlertAcknowledged
		a.AcknowledgedBy = actor
		a.AcknowledgedAt = &now
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	if changed {
		s.audit(ctx, actor, "acknowledge", id, "")
	}
	return a, nil
}

// Resolve closes an alert. Resolving a resolved alert is a no-op.
func (s *AlertService) Resolve(ctx context.Context, id, actor string) (*models.Alert, error) {
	a, changed, err := s.transition(ctx, "alert resolve", id, func(a *models.Alert, now time.Time) (bool, error) {
		if a.Status == models.AlertResolved {
			return false, nil
		}
		a.Status = models.AlertResolved
		a.ResolvedBy = actor
		a.ResolvedAt = &now
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	if changed {
		s.audit(ctx, actor, "resolve", id, "")
	}
	return a, nil
}

// ListFilter selects alerts for List and History.
type ListFilter struct {
	Component string
	Type      string
	Level     models.AlertLevel
	Status    models.AlertStatus
	Since     time.Time
	Limit     int
}

func (f ListFilter) query() store.AlertFilter {
	q := store.AlertFilter{Component: f.Component, Type: f.Type, Level: f.Level, Since: f.Since, Limit: f.Limit}
	if f.Status != "" {
		q.Statuses = []models.AlertStatus{f.Status}
	}
	return q
}

// List returns open alerts (active or acknowledged) unless a status is given.
func (s *AlertService) List(ctx context.Context, f ListFilter) ([]models.Alert, error) {
	q := f.query()
	if len(q.Statuses) == 0 {
		q.Statuses = []models.AlertStatus{models.AlertActive, models.AlertAcknowledged}
	}
	out, err := s.store.QueryAlerts(ctx, q)
	if err != nil {
		return nil, opErr("alert list", "", err)
	}
	return out, nil
}

// History returns alerts of every status created since f.Since, defaulting to the last week.
func (s *AlertService) History(ctx context.Context, f ListFilter) ([]models.Alert, error) {
	if f.Since.IsZero() {
		f.Since = s.clock.Now().Add(-7 * 24 * time.Hour)
	}
	out, err := s.store.QueryAlerts(ctx, f.query())
	if err != nil {
		return nil, opErr("alert history", "", err)
	}
	return out, nil
}

// AlertStats summarizes alerts created since a cutoff.
type AlertStats struct {
	Total          int            `json:"total"`
	Occurrences    int            `json:"occurrences"`
	Unacknowledged int            `json:"unacknowledged"`
	Escalated      int            `json:"escalated"`
	ByStatus       map[string]int `json:"by_status"`
	ByLevel        map[string]int `json:"by_level"`
	ByComponent    map[string]int `json:"by_component"`
}

func (s *AlertService) Stats(ctx context.Context, since time.Time) (AlertStats, error) {
	if since.IsZero() {
		since = s.clock.Now().Add(-24 * time.Hour)
	}
	alerts, err := s.store.QueryAlerts(ctx, store.AlertFilter{Since: since})
	if err != nil {
		return AlertStats{}, opErr("alert stats", "", err)
	}
	st := AlertStats{ByStatus: map[string]int{}, ByLevel: map[string]int{}, ByComponent: map[string]int{}}
	for _, a := range alerts {
		st.Total++
		st.Occurrences += a.OccurrenceCount
		st.ByStatus[string(a.Status)]++
		st.ByLevel[string(a.Level)]++
		st.ByComponent[a.Component]++
		if a.Status == models.AlertActive {
			st.Unacknowledged++
		}
		if a.EscalationLevel > 0 {
			st.Escalated++
		}
	}
	return st, nil
}

// Cleanup auto-resolves open alerts that have not been updated within the
// stale period. Alerts are never deleted.
func (s *AlertService) Cleanup(ctx context.Context) (int, error) {
	now := s.clock.Now()
	cutoff := now.Add(-s.cfg.StaleAfter)
	open, err := s.store.QueryAlerts(ctx, store.AlertFilter{Statuses: []models.AlertStatus{models.AlertActive, models.AlertAcknowledged}})
	if err != nil {
		return 0, opErr("alert cleanup", "", err)
	}
	resolved := 0
	for _, a := range open {
		if !a.UpdatedAt.Before(cutoff) {
			continue
		}
		if _, err := s.Resolve(ctx, a.ID, "system"); err != nil {
			s.log.WithError(err).WithField("alert_id", a.ID).Warn("stale alert not resolved")
			continue
		}
		resolved++
	}
	if resolved > 0 {
		s.log.WithField("resolved", resolved).Info("stale alerts auto-resolved")
	}
	return resolved, nil
}

// AlertGroup is a reportable bundle of active alerts sharing component and type.
type AlertGroup struct {
	Component   string            `json:"component"`
	Type        string            `json:"type"`
	Alerts      int               `json:"alerts"`
	Occurrences int               `json:"occurrences"`
	Level       models.AlertLevel `json:"level"`
	FirstSeen   time.Time         `json:"first_seen"`
	LastSeen    time.Time         `json:"last_seen"`
	AlertIDs    []string          `json:"alert_ids"`
}

// Aggregate groups active alerts created within window by (component, type).
// A zero window uses the configured aggregation window. Alerts are not modified.
func (s *AlertService) Aggregate(ctx context.Context, component string, window time.Duration) ([]AlertGroup, error) {
	if window <= 0 {
		window = s.cfg.AggregationWindow
	}
	alerts, err := s.store.QueryAlerts(ctx, store.AlertFilter{
		Component: component,
		Statuses:  []models.AlertStatus{models.AlertActive},
		Since:     s.clock.Now().Add(-window),
	})
	if err != nil {
		return nil, opErr("alert aggregate", component, err)
	}

	groups := map[[2]string]*AlertGroup{}
	for _, a := range alerts {
		key := [2]string{a.Component, a.Type}
		g, ok := groups[key]
		if !ok {
			g = &AlertGroup{Component: a.Component, Type: a.Type, Level: a.Level, FirstSeen: a.CreatedAt, LastSeen: a.UpdatedAt}
			groups[key] = g
		}
		g.Alerts++
		g.Occurrences += a.OccurrenceCount
		g.AlertIDs = append(g.AlertIDs, a.ID)
		if a.Level.Rank() > g.Level.Rank() {
			g.Level = a.Level
		}
		if a.CreatedAt.Before(g.FirstSeen) {
			g.FirstSeen = a.CreatedAt
		}
		if a.UpdatedAt.After(g.LastSeen) {
			g.LastSeen = a.UpdatedAt
		}
	}
	out := make([]AlertGroup, 0, len(groups))
	for _, g := range groups {
		sort.Strings(g.AlertIDs)
		out = append(out, *g)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Component != out[j].Component {
			return out[i].Component < out[j].Component
		}
		return out[i].Type < out[j].Type
	})
	return out, nil
}

// dispatch notifies each destination. Delivery failures are logged only.
func (s *AlertService) dispatch(ctx context.Context, a *models.Alert, destinations []string, prefix string) {
	if s.notifier == nil || len(destinations) == 0 {
		return
	}
	msg := Message{
		Title:     fmt.Sprintf("%s[%s] %s/%s", prefix, strings.ToUpper(string(a.Level)), a.Component, a.Type),
		Body:      a.Message,
		Level:     a.Level,
		Component: a.Component,
		Type:      a.Type,
		AlertID:   a.ID,
		Metadata:  a.MetadataMap(),
	}
	for _, d := range destinations {
		if err := s.notifier.Notify(ctx, d, msg); err != nil {
			s.log.WithError(err).WithFields(logrus.Fields{"alert_id": a.ID, "destination": d}).Warn("notification not delivered")
		}
	}
}

func (s *AlertService) audit(ctx context.Context, actor, action, target, details string) {
	if s.auditor == nil {
		return
	}
	if err := s.auditor.LogAudit(ctx, &models.SecurityAudit{Actor: actor, Action: action, Target: target, Details: details, CreatedAt: s.clock.Now()}); err != nil {
		s.log.WithError(err).WithField("target", target).Warn("failed to record audit entry")
	}
}

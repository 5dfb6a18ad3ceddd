package services

import (
	"context"
	"errors"
	"fmt"
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

// Flood states reported by FloodDetector.State.
const (
	FloodMonitoring = "monitoring"
	FloodDetected   = "detected"
	FloodBlocked    = "blocked"
)

const (
	floodComponent = "ddos"
	floodAlertType = "ddos_detected"
	floodActor     = "flood-detector"
)

// Detection is one subject over the flood thresholds during a sweep.
type Detection struct {
	Subject            string `json:"subject"`
	RequestRate        int64  `json:"request_rate"`
	ConcurrentEstimate int64  `json:"concurrent_estimate"`
	Total              int64  `json:"total"`
	// Action is "blocked", "already_blocked" or "skipped_whitelisted".
	Action    string     `json:"action"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	AlertID   string     `json:"alert_id,omitempty"`
}

// FloodDetector sweeps recent traffic for per-IP floods and blocks offenders.
type FloodDetector struct {
	store     store.Gateway
	cfg       config.FloodConfig
	clock     Clock
	lifecycle *LifecycleManager
	alerts    *AlertService
	log       *logrus.Entry
	sweeping  sync.Mutex
}

func NewFloodDetector(gw store.Gateway, cfg config.FloodConfig, clock Clock, lifecycle *LifecycleManager, alerts *AlertService) *FloodDetector {
	if clock == nil {
		clock = SystemClock()
	}
	return &FloodDetector{store: gw, cfg: cfg, clock: clock, lifecycle: lifecycle, alerts: alerts, log: logger.Component("ddos")}
}

func (f *FloodDetector) window(w time.Duration) time.Duration {
	if w <= 0 {
		return f.cfg.DetectionWindow
	}
	return w
}

func (f *FloodDetector) over(a store.Activity) bool {
	return a.PeakPerSecond > int64(f.cfg.RequestsPerSecondThreshold) || a.InFlight > int64(f.cfg.ConcurrentThreshold)
}

// Sweep finds IPs whose peak one-second rate or in-flight count exceeded the
// thresholds within window, temp-blocks them and raises a critical alert.
// Subjects that are already blocked or whitelisted are reported but not touched.
func (f *FloodDetector) Sweep(ctx context.Context, window time.Duration) ([]Detection, error) {
	if !f.sweeping.TryLock() {
		return nil, opErr("ddos sweep", "", ErrSweepBusy)
	}
	defer f.sweeping.Unlock()

	window = f.window(window)
	activity, err := f.store.SubjectActivity(ctx, f.clock.Now().Add(-window))
	if err != nil {
		return nil, opErr("ddos sweep", "", err)
	}

	var out []Detection
	for _, a := range activity {
		if !f.over(a) {
			continue
		}
		d := Detection{Subject: a.IP, RequestRate: a.PeakPerSecond, ConcurrentEstimate: a.InFlight, Total: a.Total}
		metrics.IncDetection(floodComponent)

		st, err := f.lifecycle.Status(ctx, a.IP)
		if err != nil {
			return out, err
		}
		switch {
		case st.Membership == models.MembershipWhitelisted:
			d.Action = "skipped_whitelisted"
			f.log.WithField("subject", a.IP).Warn("flood from whitelisted subject ignored")
			out = append(out, d)
			continue
		case st.Blocked():
			d.Action = "already_blocked"
			d.ExpiresAt = st.ExpiresAt
			out = append(out, d)
			continue
		}

		reason := fmt.Sprintf("flood: %d req/s peak, %d in flight over %s", a.PeakPerSecond, a.InFlight, window)
		rec, err := f.lifecycle.Add(ctx, a.IP, models.MembershipTempBlocked, reason, AddOptions{
			Duration: f.cfg.AutoBlockDuration,
			Source:   models.SourceDDoS,
			Actor:    floodActor,
		})
		if errors.Is(err, ErrPolicyConflict) {
			d.Action = "skipped_whitelisted"
			out = append(out, d)
			continue
		}
		if err != nil {
			return out, err
		}
		d.Action = "blocked"
		d.ExpiresAt = rec.ExpiresAt

		alert, err := f.alerts.Create(ctx, floodComponent, models.AlertCritical, floodAlertType,
			fmt.Sprintf("DDoS detected from %s", a.IP),
			map[string]interface{}{
				"subject":              a.IP,
				"request_rate":         a.PeakPerSecond,
				"concurrent_estimate":  a.InFlight,
				"total":                a.Total,
				"window_seconds":       window.Seconds(),
				"rate_threshold":       f.cfg.RequestsPerSecondThreshold,
				"concurrent_threshold": f.cfg.ConcurrentThreshold,
				"membership":           rec.Membership,
			})
		if err != nil {
			f.log.WithError(err).WithField("subject", a.IP).Error("failed to raise ddos alert")
		} else {
			d.AlertID = alert.ID
		}
		f.log.WithFields(logrus.Fields{"subject": a.IP, "rate": a.PeakPerSecond, "in_flight": a.InFlight}).Warn("flood blocked")
		out = append(out, d)
	}
	return out, nil
}

// Check reports whether the subject is currently blocked by the flood detector.
func (f *FloodDetector) Check(ctx context.Context, subject string) (bool, error) {
	st, err := f.lifecycle.Status(ctx, subject)
	if err != nil {
		return false, err
	}
	return st.Blocked() && st.Record != nil && st.Record.Source == models.SourceDDoS, nil
}

// FloodState is one subject's position in the monitoring/detected/blocked cycle.
type FloodState struct {
	Subject   string          `json:"subject"`
	State     string          `json:"state"`
	ExpiresAt *time.Time      `json:"expires_at,omitempty"`
	Activity  *store.Activity `json:"activity,omitempty"`
}

func (f *FloodDetector) State(ctx context.Context, subject string) (FloodState, error) {
	st, err := f.lifecycle.Status(ctx, subject)
	if err != nil {
		return FloodState{}, err
	}
	out := FloodState{Subject: st.Subject, State: FloodMonitoring}
	if st.Blocked() {
		out.State = FloodBlocked
		out.ExpiresAt = st.ExpiresAt
	}
	activity, err := f.store.SubjectActivity(ctx, f.clock.Now().Add(-f.cfg.DetectionWindow))
	if err != nil {
		return FloodState{}, opErr("ddos state", st.Subject, err)
	}
	for i := range activity {
		if activity[i].IP != st.Subject {
			continue
		}
		out.Activity = &activity[i]
		if out.State == FloodMonitoring && f.over(activity[i]) {
			out.State = FloodDetected
		}
	}
	return out, nil
}

// Block forces a flood block on the subject, climbing the violation ladder.
func (f *FloodDetector) Block(ctx context.Context, subject, reason, actor string) (*models.IdentityRecord, error) {
	if reason == "" {
		reason = "manual flood block"
	}
	return f.lifecycle.Add(ctx, subject, models.MembershipTempBlocked, reason, AddOptions{
		Duration: f.cfg.AutoBlockDuration,
		Source:   models.SourceDDoS,
		Actor:    actor,
	})
}

// Unblock lifts whatever block the subject currently has.
func (f *FloodDetector) Unblock(ctx context.Context, subject, actor string) (*models.IdentityRecord, error) {
	st, err := f.lifecycle.Status(ctx, subject)
	if err != nil {
		return nil, err
	}
	if !st.Blocked() {
		return nil, opErr("ddos unblock", st.Subject, fmt.Errorf("%w: %s is not blocked", ErrNotFound, st.Subject))
	}
	return f.lifecycle.Remove(ctx, st.Subject, st.Membership, actor)
}

// FloodStats summarizes detector state.
type FloodStats struct {
	Window              string           `json:"window"`
	RateThreshold       int              `json:"rate_threshold"`
	ConcurrentThreshold int              `json:"concurrent_threshold"`
	ActiveSubjects      int              `json:"active_subjects"`
	OverThreshold       []store.Activity `json:"over_threshold"`
	Blocked             []StatusResult   `json:"blocked"`
}

func (f *FloodDetector) Stats(ctx context.Context) (FloodStats, error) {
	activity, err := f.store.SubjectActivity(ctx, f.clock.Now().Add(-f.cfg.DetectionWindow))
	if err != nil {
		return FloodStats{}, opErr("ddos stats", "", err)
	}
	st := FloodStats{
		Window:              f.cfg.DetectionWindow.String(),
		RateThreshold:       f.cfg.RequestsPerSecondThreshold,
		ConcurrentThreshold: f.cfg.ConcurrentThreshold,
		ActiveSubjects:      len(activity),
		OverThreshold:       []store.Activity{},
		Blocked:             []StatusResult{},
	}
	for _, a := range activity {
		if f.over(a) {
			st.OverThreshold = append(st.OverThreshold, a)
		}
	}
	blocked, err := f.lifecycle.List(ctx, "")
	if err != nil {
		return FloodStats{}, err
	}
	for _, b := range blocked {
		if b.Blocked() && b.Record != nil && b.Record.Source == models.SourceDDoS {
			st.Blocked = append(st.Blocked, b)
		}
	}
	return st, nil
}

// GeoAllowed applies the country gate. Blocked countries are always denied;
// when an allow list is configured only listed countries pass. An unknown
// country passes since the gate cannot judge it.
func (f *FloodDetector) GeoAllowed(country string) bool {
	country = strings.ToUpper(strings.TrimSpace(country))
	if country == "" || country == "XX" {
		return true
	}
	for _, c := range f.cfg.BlockedCountries {
		if strings.EqualFold(c, country) {
			return false
		}
	}
	if len(f.cfg.AllowedCountries) == 0 {
		return true
	}
	for _, c := range f.cfg.AllowedCountries {
		if strings.EqualFold(c, country) {
			return true
		}
	}
	return false
}

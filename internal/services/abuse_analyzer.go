package services

import (
	"context"
	"errors"
	"fmt"
	"math"
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

// Abuse pattern types.
const (
	PatternRapid     = "rapid_sequential_requests"
	PatternErrorRate = "high_error_rate"
	PatternExcessive = "excessive_requests"
	PatternSingle    = "single_endpoint_abuse"
)

// Finding severities.
const (
	SeverityHigh   = "high"
	SeverityMedium = "medium"
	SeverityLow    = "low"
)

const (
	abuseComponent = "abuse"
	abuseActor     = "abuse-analyzer"
)

var patternWeights = map[string]float64{
	PatternRapid:     30,
	PatternErrorRate: 20,
	PatternExcessive: 30,
	PatternSingle:    20,
}

func severityNorm(sev string) float64 {
	switch sev {
	case SeverityHigh:
		return 1.0
	case SeverityMedium:
		return 0.6
	case SeverityLow:
		return 0.3
	}
	return 0
}

// Finding is one matched abuse pattern.
type Finding struct {
	Type     string                 `json:"type"`
	Severity string                 `json:"severity"`
	Evidence map[string]interface{} `json:"evidence"`
}

// Analysis is the result of evaluating one subject over a window.
type Analysis struct {
	Subject      string    `json:"subject"`
	Window       string    `json:"window"`
	Total        int64     `json:"total"`
	Errors       int64     `json:"errors"`
	ErrorRate    float64   `json:"error_rate"`
	Endpoints    int64     `json:"endpoints"`
	MeanInterval float64   `json:"mean_interval_seconds"`
	Findings     []Finding `json:"findings"`
	Score        float64   `json:"score"`
	// Action is set by Check and Sweep: "none", "alerted", "blocked",
	// "already_blocked" or "skipped_whitelisted".
	Action  string `json:"action,omitempty"`
	AlertID string `json:"alert_id,omitempty"`
}

// Has reports whether the analysis contains a finding of the given type.
func (a Analysis) Has(pattern string) bool {
	for _, f := range a.Findings {
		if f.Type == pattern {
			return true
		}
	}
	return false
}

// AbuseAnalyzer scores per-subject traffic against the abuse pattern catalogue.
type AbuseAnalyzer struct {
	store     store.Gateway
	cfg       config.AbuseConfig
	clock     Clock
	lifecycle *LifecycleManager
	alerts    *AlertService
	log       *logrus.Entry
	sweeping  sync.Mutex
}

func NewAbuseAnalyzer(gw store.Gateway, cfg config.AbuseConfig, clock Clock, lifecycle *LifecycleManager, alerts *AlertService) *AbuseAnalyzer {
	if clock == nil {
		clock = SystemClock()
	}
	return &AbuseAnalyzer{store: gw, cfg: cfg, clock: clock, lifecycle: lifecycle, alerts: alerts, log: logger.Component("abuse")}
}

// Analyze evaluates the subject's events within window (the configured window
// when zero) without acting on the result. Findings are not exclusive.
func (z *AbuseAnalyzer) Analyze(ctx context.Context, raw string, window time.Duration) (Analysis, error) {
	subject, kind, err := NormalizeSubject(raw)
	if err != nil {
		return Analysis{}, opErr("abuse analyze", raw, err)
	}
	if window <= 0 {
		window = z.cfg.Window
	}

	ip, keyHash := subject, ""
	if kind == models.SubjectAPIKey {
		ip, keyHash = "", strings.TrimPrefix(subject, models.APIKeySubjectPrefix)
	}
	sum, err := z.store.SubjectSummary(ctx, ip, keyHash, z.clock.Now().Add(-window))
	if err != nil {
		return Analysis{}, opErr("abuse analyze", subject, err)
	}
	return z.evaluate(subject, window, sum), nil
}

func (z *AbuseAnalyzer) evaluate(subject string, window time.Duration, sum store.Summary) Analysis {
	a := Analysis{
		Subject:   subject,
		Window:    window.String(),
		Total:     sum.Total,
		Errors:    sum.Errors,
		Endpoints: sum.Endpoints,
		Findings:  []Finding{},
	}
	if sum.Total == 0 {
		return a
	}
	a.ErrorRate = float64(sum.Errors) / float64(sum.Total)
	if sum.Total > 1 {
		mean := time.Duration((sum.LastNano - sum.FirstNano) / (sum.Total - 1))
		a.MeanInterval = mean.Seconds()
		if sum.Total >= int64(z.cfg.MinRequests) && mean < z.cfg.RapidThreshold {
			a.Findings = append(a.Findings, Finding{Type: PatternRapid, Severity: SeverityHigh, Evidence: map[string]interface{}{
				"mean_interval_seconds": a.MeanInterval,
				"threshold_seconds":     z.cfg.RapidThreshold.Seconds(),
				"requests":              sum.Total,
			}})
		}
	}
	if a.ErrorRate > z.cfg.ErrorRateThreshold {
		a.Findings = append(a.Findings, Finding{Type: PatternErrorRate, Severity: SeverityMedium, Evidence: map[string]interface{}{
			"error_rate": a.ErrorRate,
			"errors":     sum.Errors,
			"requests":   sum.Total,
			"threshold":  z.cfg.ErrorRateThreshold,
		}})
	}
	if sum.Total > int64(z.cfg.ExcessiveThreshold) {
		a.Findings = append(a.Findings, Finding{Type: PatternExcessive, Severity: SeverityHigh, Evidence: map[string]interface{}{
			"requests":  sum.Total,
			"threshold": z.cfg.ExcessiveThreshold,
		}})
	}
	if sum.Endpoints == 1 && sum.Total > int64(z.cfg.SingleEndpointThreshold) {
		a.Findings = append(a.Findings, Finding{Type: PatternSingle, Severity: SeverityMedium, Evidence: map[string]interface{}{
			"requests":  sum.Total,
			"threshold": z.cfg.SingleEndpointThreshold,
		}})
	}

	score := 0.0
	for _, f := range a.Findings {
		score += patternWeights[f.Type] * severityNorm(f.Severity)
	}
	a.Score = math.Min(100, math.Round(score*10)/10)
	return a
}

// Check analyzes the subject and acts on the result: a score at or above the
// action threshold blocks it and raises a critical alert; lesser findings
// raise a warning.
func (z *AbuseAnalyzer) Check(ctx context.Context, subject string) (Analysis, error) {
	a, err := z.Analyze(ctx, subject, 0)
	if err != nil {
		return a, err
	}
	return z.act(ctx, a)
}

func (z *AbuseAnalyzer) act(ctx context.Context, a Analysis) (Analysis, error) {
	a.Action = "none"
	if len(a.Findings) == 0 {
		return a, nil
	}
	metrics.IncDetection(abuseComponent)
	types := make([]string, 0, len(a.Findings))
	for _, f := range a.Findings {
		types = append(types, f.Type)
	}
	meta := map[string]interface{}{
		"subject":    a.Subject,
		"score":      a.Score,
		"findings":   a.Findings,
		"window":     a.Window,
		"error_rate": a.ErrorRate,
		"requests":   a.Total,
	}

	if a.Score < z.cfg.ActionThreshold {
		alert, err := z.alerts.Create(ctx, abuseComponent, models.AlertWarning, "abuse_pattern",
			fmt.Sprintf("Abuse patterns from %s: %s (score %.1f)", a.Subject, strings.Join(types, ", "), a.Score), meta)
		if err != nil {
			return a, err
		}
		a.Action, a.AlertID = "alerted", alert.ID
		return a, nil
	}

	st, err := z.lifecycle.Status(ctx, a.Subject)
	if err != nil {
		return a, err
	}
	switch {
	case st.Membership == models.MembershipWhitelisted:
		a.Action = "skipped_whitelisted"
		z.log.WithField("subject", a.Subject).Warn("abuse from whitelisted subject ignored")
		return a, nil
	case st.Blocked():
		a.Action = "already_blocked"
		return a, nil
	}

	reason := fmt.Sprintf("abuse score %.1f: %s", a.Score, strings.Join(types, ", "))
	rec, err := z.lifecycle.Add(ctx, a.Subject, models.MembershipTempBlocked, reason, AddOptions{Source: models.SourceAbuse, Actor: abuseActor})
	if errors.Is(err, ErrPolicyConflict) {
		a.Action = "skipped_whitelisted"
		return a, nil
	}
	if err != nil {
		return a, err
	}
	a.Action = "blocked"
	meta["membership"] = rec.Membership

	alert, err := z.alerts.Create(ctx, abuseComponent, models.AlertCritical, "abuse_detected",
		fmt.Sprintf("Abuse detected from %s (score %.1f)", a.Subject, a.Score), meta)
	if err != nil {
		z.log.WithError(err).WithField("subject", a.Subject).Error("failed to raise abuse alert")
		return a, nil
	}
	a.AlertID = alert.ID
	z.log.WithFields(logrus.Fields{"subject": a.Subject, "score": a.Score, "findings": types}).Warn("abusive subject blocked")
	return a, nil
}

// Sweep checks every subject with at least MinRequests events in the window
// and returns the analyses that produced findings.
func (z *AbuseAnalyzer) Sweep(ctx context.Context) ([]Analysis, error) {
	if !z.sweeping.TryLock() {
		return nil, opErr("abuse sweep", "", ErrSweepBusy)
	}
	defer z.sweeping.Unlock()

	subjects, err := z.store.ActiveSubjects(ctx, z.clock.Now().Add(-z.cfg.Window), z.cfg.MinRequests)
	if err != nil {
		return nil, opErr("abuse sweep", "", err)
	}
	var out []Analysis
	for _, s := range subjects {
		a, err := z.Check(ctx, s)
		if errors.Is(err, ErrStoreUnavailable) {
			return out, err
		}
		if err != nil {
			z.log.WithError(err).WithField("subject", s).Warn("abuse check failed")
			continue
		}
		if len(a.Findings) > 0 {
			out = append(out, a)
		}
	}
	return out, nil
}

// AbuseStats summarizes current findings without acting on them.
type AbuseStats struct {
	Window    string         `json:"window"`
	Subjects  int            `json:"subjects"`
	Flagged   []Analysis     `json:"flagged"`
	ByPattern map[string]int `json:"by_pattern"`
	Blocked   int            `json:"blocked"`
}

func (z *AbuseAnalyzer) Stats(ctx context.Context) (AbuseStats, error) {
	subjects, err := z.store.ActiveSubjects(ctx, z.clock.Now().Add(-z.cfg.Window), z.cfg.MinRequests)
	if err != nil {
		return AbuseStats{}, opErr("abuse stats", "", err)
	}
	st := AbuseStats{Window: z.cfg.Window.String(), Subjects: len(subjects), Flagged: []Analysis{}, ByPattern: map[string]int{}}
	for _, s := range subjects {
		a, err := z.Analyze(ctx, s, 0)
		if err != nil {
			return AbuseStats{}, err
		}
		if len(a.Findings) == 0 {
			continue
		}
		st.Flagged = append(st.Flagged, a)
		for _, f := range a.Findings {
			st.ByPattern[f.Type]++
		}
	}
	blocked, err := z.lifecycle.List(ctx, "")
	if err != nil {
		return AbuseStats{}, err
	}
	for _, b := range blocked {
		if b.Blocked() && b.Record != nil && b.Record.Source == models.SourceAbuse {
			st.Blocked++
		}
	}
	return st, nil
}

// Pattern describes one entry of the catalogue.
type Pattern struct {
	Type        string  `json:"type"`
	Severity    string  `json:"severity"`
	Weight      float64 `json:"weight"`
	Threshold   string  `json:"threshold"`
	Description string  `json:"description"`
}

// Patterns lists the catalogue with the configured thresholds.
func (z *AbuseAnalyzer) Patterns() []Pattern {
	return []Pattern{
		{PatternRapid, SeverityHigh, patternWeights[PatternRapid], z.cfg.RapidThreshold.String(),
			fmt.Sprintf("mean gap between requests below threshold with at least %d requests", z.cfg.MinRequests)},
		{PatternErrorRate, SeverityMedium, patternWeights[PatternErrorRate], fmt.Sprintf("%.0f%%", z.cfg.ErrorRateThreshold*100),
			"share of 4xx/5xx responses above threshold"},
		{PatternExcessive, SeverityHigh, patternWeights[PatternExcessive], fmt.Sprintf("%d", z.cfg.ExcessiveThreshold),
			"request count in the window above threshold"},
		{PatternSingle, SeverityMedium, patternWeights[PatternSingle], fmt.Sprintf("%d", z.cfg.SingleEndpointThreshold),
			"all requests to one endpoint and count above threshold"},
	}
}

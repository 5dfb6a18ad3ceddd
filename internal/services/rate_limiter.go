package services

import (
	"context"
	"math"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Wikid82/warden/internal/config"
	"github.com/Wikid82/warden/internal/logger"
	"github.com/Wikid82/warden/internal/models"
	"github.com/Wikid82/warden/internal/store"
)

// Denial reasons returned to callers and stored on request events.
const (
	ReasonRateLimited = "rate_limit_exceeded"
	ReasonBlacklisted = "blacklisted"
	ReasonTempBlocked = "temp_blocked"
	ReasonDDoSBlock   = "ddos_block"
	ReasonGeoBlocked  = "geo_blocked"
)

// LimitInfo reports one window's state for a decision. Count is the number of
// admitted events in the window before the request was evaluated.
type LimitInfo struct {
	Tier   string        `json:"tier"`
	Window time.Duration `json:"-"`
	Limit  int           `json:"limit"`
	Count  int64         `json:"count"`
}

// Decision is the outcome of an admission check.
type Decision struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason,omitempty"`
	// RetryAfter is set on rate-limit denials: the time until the oldest
	// admitted event leaves the denying window.
	RetryAfter        time.Duration      `json:"-"`
	RetryAfterSeconds int                `json:"retry_after_seconds,omitempty"`
	Identifier        string             `json:"identifier"`
	Kind              models.SubjectKind `json:"kind"`
	Limits            []LimitInfo        `json:"limits"`
	Burst             LimitInfo          `json:"burst"`
	// UsedBurst is true when the minute tier admitted the request only through the burst allowance.
	UsedBurst bool `json:"used_burst"`
	// EventID is the recorded request event when the decision came from Admit.
	EventID uint64 `json:"event_id,omitempty"`
}

// Request is one inbound request as seen by Admit.
type Request struct {
	Subjects
	// Path is recorded on the event; it defaults to Subjects.Endpoint.
	Path      string
	UserAgent string
	Country   string
}

// RateLimiter is the sliding-window limiter. It holds no counters itself:
// every decision counts admitted events in the store.
type RateLimiter struct {
	store store.Gateway
	cfg   config.RateLimitConfig
	clock Clock
	log   *logrus.Entry
}

func NewRateLimiter(gw store.Gateway, cfg config.RateLimitConfig, clock Clock) *RateLimiter {
	if clock == nil {
		clock = SystemClock()
	}
	return &RateLimiter{store: gw, cfg: cfg, clock: clock, log: logger.Component("ratelimit")}
}

type tier struct {
	name   string
	window time.Duration
	limit  int
}

func (r *RateLimiter) tiers(kind models.SubjectKind) []tier {
	l := r.cfg.PerIP
	switch kind {
	case models.SubjectAPIKey:
		l = r.cfg.PerKey
	case models.SubjectEndpoint:
		l = r.cfg.PerEndpoint
	}
	return []tier{
		{"minute", time.Minute, l.PerMinute},
		{"hour", time.Hour, l.PerHour},
		{"day", 24 * time.Hour, l.PerDay},
	}
}

// evaluate applies the limits to prior counts ordered burst, minute, hour, day.
// The minute tier admits when either the burst allowance or the minute limit
// has room; hour and day are strict. A zero limit disables its tier.
func (r *RateLimiter) evaluate(id Identity, tiers []tier, prior []int64) Decision {
	d := Decision{
		Allowed:    true,
		Identifier: id.Identifier,
		Kind:       id.Kind,
		Burst:      LimitInfo{Tier: "burst", Window: r.cfg.BurstWindow, Limit: r.cfg.BurstSize, Count: prior[0]},
	}
	burstRoom := r.cfg.BurstSize > 0 && prior[0] < int64(r.cfg.BurstSize)
	for i, t := range tiers {
		count := prior[i+1]
		d.Limits = append(d.Limits, LimitInfo{Tier: t.name, Window: t.window, Limit: t.limit, Count: count})
		if t.limit <= 0 || count < int64(t.limit) {
			continue
		}
		if t.name == "minute" && burstRoom {
			d.UsedBurst = true
			continue
		}
		if d.Allowed {
			d.Allowed = false
			d.Reason = ReasonRateLimited
		}
	}
	return d
}

func (r *RateLimiter) windowStarts(now time.Time, tiers []tier) []int64 {
	starts := []int64{now.Add(-r.cfg.BurstWindow).UnixNano()}
	for _, t := range tiers {
		starts = append(starts, now.Add(-t.window).UnixNano())
	}
	return starts
}

// Check evaluates the limits for the subjects without recording anything.
func (r *RateLimiter) Check(ctx context.Context, subjects Subjects) (Decision, error) {
	id, err := subjects.Resolve()
	if err != nil {
		return Decision{}, opErr("ratelimit check", subjects.IP, err)
	}
	now := r.clock.Now()
	tiers := r.tiers(id.Kind)
	starts := r.windowStarts(now, tiers)

	prior := make([]int64, len(starts))
	for i, start := range starts {
		n, err := r.store.CountEvents(ctx, id.Identifier, "", time.Unix(0, start))
		if err != nil {
			return Decision{}, opErr("ratelimit check", id.Identifier, err)
		}
		prior[i] = n
	}
	d := r.evaluate(id, tiers, prior)
	if !d.Allowed {
		if err := r.fillRetryAfter(ctx, &d, now); err != nil {
			return Decision{}, opErr("ratelimit check", id.Identifier, err)
		}
	}
	return d, nil
}

// Admit records the request and decides it in one atomic store step, so
// concurrent callers can never admit more than the limit.
func (r *RateLimiter) Admit(ctx context.Context, req Request) (Decision, error) {
	id, err := req.Resolve()
	if err != nil {
		return Decision{}, opErr("ratelimit admit", req.IP, err)
	}
	now := r.clock.Now()
	tiers := r.tiers(id.Kind)
	ev := newEvent(id, req, now)

	var d Decision
	_, err = r.store.InsertEventAndCount(ctx, ev, r.windowStarts(now, tiers), func(prior []int64) (bool, string) {
		d = r.evaluate(id, tiers, prior)
		return d.Allowed, d.Reason
	})
	if err != nil {
		return Decision{}, opErr("ratelimit admit", id.Identifier, err)
	}
	d.EventID = ev.ID
	if !d.Allowed {
		if err := r.fillRetryAfter(ctx, &d, now); err != nil {
			r.log.WithError(err).WithField("identifier", id.Identifier).Warn("retry-after lookup failed")
		}
		r.log.WithFields(logrus.Fields{"identifier": id.Identifier, "kind": id.Kind}).Debug("rate limit exceeded")
	}
	return d, nil
}

// RecordDenied stores a request that was refused before reaching the limiter
// (blocked subject, geo gate). It does not consume quota.
func (r *RateLimiter) RecordDenied(ctx context.Context, req Request, reason string) (uint64, error) {
	return r.record(ctx, req, false, reason)
}

// RecordAllowed stores a request admitted without evaluating limits, such as
// one from a whitelisted subject.
func (r *RateLimiter) RecordAllowed(ctx context.Context, req Request) (uint64, error) {
	return r.record(ctx, req, true, "")
}

// Record stores an admitted request for the subjects without evaluating
// limits; a non-empty endpoint scopes the identifier to that endpoint.
func (r *RateLimiter) Record(ctx context.Context, subjects Subjects, endpoint string) (uint64, error) {
	if endpoint != "" {
		subjects.Endpoint = endpoint
	}
	return r.record(ctx, Request{Subjects: subjects}, true, "")
}

func (r *RateLimiter) record(ctx context.Context, req Request, allowed bool, reason string) (uint64, error) {
	id, err := req.Resolve()
	if err != nil {
		return 0, opErr("ratelimit record", req.IP, err)
	}
	ev := newEvent(id, req, r.clock.Now())
	ev.Allowed = allowed
	ev.Reason = reason
	if err := r.store.InsertEvent(ctx, ev); err != nil {
		return 0, opErr("ratelimit record", id.Identifier, err)
	}
	return ev.ID, nil
}

// Complete stores the response code for an admitted request.
func (r *RateLimiter) Complete(ctx context.Context, eventID uint64, code int) error {
	if eventID == 0 {
		return nil
	}
	return opErr("ratelimit complete", "", r.store.CompleteEvent(ctx, eventID, code))
}

// RateStats describes one identifier's current usage.
type RateStats struct {
	Identifier string             `json:"identifier"`
	Kind       models.SubjectKind `json:"kind"`
	Limits     []LimitInfo        `json:"limits"`
	Events     store.EventStats   `json:"events"`
}

// Stats reports minute/hour/day usage for the subjects plus allow/deny totals
// over the last day.
func (r *RateLimiter) Stats(ctx context.Context, subjects Subjects) (RateStats, error) {
	d, err := r.Check(ctx, subjects)
	if err != nil {
		return RateStats{}, err
	}
	ev, err := r.store.EventStats(ctx, store.EventFilter{Identifier: d.Identifier, Since: r.clock.Now().Add(-24 * time.Hour)})
	if err != nil {
		return RateStats{}, opErr("ratelimit stats", d.Identifier, err)
	}
	return RateStats{Identifier: d.Identifier, Kind: d.Kind, Limits: d.Limits, Events: ev}, nil
}

// Reset deletes the identifier's recorded events, restoring its full quota.
func (r *RateLimiter) Reset(ctx context.Context, subjects Subjects) (int64, error) {
	id, err := subjects.Resolve()
	if err != nil {
		return 0, opErr("ratelimit reset", subjects.IP, err)
	}
	n, err := r.store.DeleteEvents(ctx, id.Identifier, "")
	if err != nil {
		return 0, opErr("ratelimit reset", id.Identifier, err)
	}
	r.log.WithFields(logrus.Fields{"identifier": id.Identifier, "deleted": n}).Info("rate limit reset")
	return n, nil
}

// fillRetryAfter finds the longest wait among the denying tiers.
func (r *RateLimiter) fillRetryAfter(ctx context.Context, d *Decision, now time.Time) error {
	var wait time.Duration
	for _, l := range d.Limits {
		if l.Limit <= 0 || l.Count < int64(l.Limit) {
			continue
		}
		if l.Tier == "minute" && d.UsedBurst {
			continue
		}
		oldest, ok, err := r.store.OldestEventSince(ctx, d.Identifier, now.Add(-l.Window))
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		if w := oldest.Add(l.Window).Sub(now); w > wait {
			wait = w
		}
	}
	if wait < time.Second {
		wait = time.Second
	}
	d.RetryAfter = wait
	d.RetryAfterSeconds = int(math.Ceil(wait.Seconds()))
	return nil
}

func newEvent(id Identity, req Request, now time.Time) *models.RequestEvent {
	path := req.Path
	if path == "" {
		path = req.Endpoint
	}
	return &models.RequestEvent{
		Identifier: id.Identifier,
		Kind:       id.Kind,
		IP:         id.IP,
		APIKeyHash: id.KeyHash,
		Endpoint:   truncate(path, 512),
		UserAgent:  truncate(req.UserAgent, 512),
		Country:    truncate(req.Country, 2),
		UnixNano:   now.UnixNano(),
	}
}

func truncate(s string, n int) string {
	if len(s) > n {
		return s[:n]
	}
	return s
}

package services

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Wikid82/warden/internal/config"
	"github.com/Wikid82/warden/internal/logger"
	"github.com/Wikid82/warden/internal/metrics"
	"github.com/Wikid82/warden/internal/models"
	"github.com/Wikid82/warden/internal/store"
)

// Auditor records block decisions and operator actions. SecurityService implements it.
type Auditor interface {
	LogDecision(ctx context.Context, d *models.SecurityDecision) error
	LogAudit(ctx context.Context, a *models.SecurityAudit) error
}

// StatusResult is a subject's effective membership.
type StatusResult struct {
	Subject    string                 `json:"subject"`
	Membership models.Membership      `json:"membership"`
	ExpiresAt  *time.Time             `json:"expires_at,omitempty"`
	Record     *models.IdentityRecord `json:"record,omitempty"`
}

// Blocked reports whether the membership denies requests.
func (s StatusResult) Blocked() bool {
	return s.Membership == models.MembershipBlacklisted || s.Membership == models.MembershipTempBlocked
}

// AddOptions tune Add. Duration is a floor for the temp-block ladder rung.
type AddOptions struct {
	Duration time.Duration
	Override bool
	Source   string
	Actor    string
}

// LifecycleManager owns whitelist, blacklist and temp-block membership.
type LifecycleManager struct {
	store   store.Gateway
	cfg     config.LifecycleConfig
	clock   Clock
	auditor Auditor
	log     *logrus.Entry
}

func NewLifecycleManager(gw store.Gateway, cfg config.LifecycleConfig, clock Clock, auditor Auditor) *LifecycleManager {
	if clock == nil {
		clock = SystemClock()
	}
	return &LifecycleManager{store: gw, cfg: cfg, clock: clock, auditor: auditor, log: logger.Component("lifecycle")}
}

// Status resolves a subject's membership: whitelisted, then blacklisted, then
// an unexpired temp block, then none.
func (m *LifecycleManager) Status(ctx context.Context, raw string) (StatusResult, error) {
	subject, _, err := NormalizeSubject(raw)
	if err != nil {
		return StatusResult{}, opErr("lifecycle status", raw, err)
	}
	return m.status(ctx, subject)
}

func (m *LifecycleManager) status(ctx context.Context, subject string) (StatusResult, error) {
	rec, err := m.store.GetIdentityRecord(ctx, subject)
	if err != nil {
		return StatusResult{}, opErr("lifecycle status", subject, err)
	}
	res := StatusResult{Subject: subject, Membership: rec.Effective(m.clock.Now()), Record: rec}
	if res.Membership == models.MembershipTempBlocked {
		res.ExpiresAt = rec.ExpiresAt
	}
	return res, nil
}

func precedence(m models.Membership) int {
	switch m {
	case models.MembershipWhitelisted:
		return 3
	case models.MembershipBlacklisted:
		return 2
	case models.MembershipTempBlocked:
		return 1
	}
	return 0
}

// Resolve returns the strongest membership across the request's IP and API
// key subjects. A whitelisted IP or key admits the request.
func (m *LifecycleManager) Resolve(ctx context.Context, id Identity) (StatusResult, error) {
	best, err := m.status(ctx, id.IP)
	if err != nil {
		return StatusResult{}, err
	}
	if id.KeyHash == "" {
		return best, nil
	}
	key, err := m.status(ctx, id.Subject())
	if err != nil {
		return StatusResult{}, err
	}
	if precedence(key.Membership) > precedence(best.Membership) {
		best = key
	}
	return best, nil
}

// Add places a subject on a list. Temp blocks climb the configured ladder and
// promote to the blacklist past its last rung.
func (m *LifecycleManager) Add(ctx context.Context, raw string, list models.Membership, reason string, opts AddOptions) (*models.IdentityRecord, error) {
	subject, kind, err := NormalizeSubject(raw)
	if err != nil {
		return nil, opErr("lifecycle add", raw, err)
	}
	if list == models.MembershipNone || !list.Valid() {
		return nil, opErr("lifecycle add", subject, fmt.Errorf("%w: unknown list %q", ErrConfiguration, list))
	}
	if opts.Source == "" {
		opts.Source = models.SourceManual
	}

	var (
		out     *models.IdentityRecord
		changed bool
	)
	err = retryConflict(func() error {
		changed = false
		rec, err := m.store.GetIdentityRecord(ctx, subject)
		if err != nil {
			return err
		}
		now := m.clock.Now()
		current := rec.Effective(now)
		expected := 0
		if rec == nil {
			rec = &models.IdentityRecord{Subject: subject, Kind: kind, CreatedAt: now}
		} else {
			expected = rec.Version
		}

		switch list {
		case models.MembershipWhitelisted:
			if current == models.MembershipBlacklisted && !opts.Override {
				return fmt.Errorf("%w: %s is blacklisted; override required to whitelist", ErrPolicyConflict, subject)
			}
			rec.Membership = models.MembershipWhitelisted
			rec.ExpiresAt = nil
		case models.MembershipBlacklisted:
			if current == models.MembershipWhitelisted && !opts.Override {
				return fmt.Errorf("%w: %s is whitelisted; override required to blacklist", ErrPolicyConflict, subject)
			}
			rec.Membership = models.MembershipBlacklisted
			rec.ExpiresAt = nil
		case models.MembershipTempBlocked:
			if current == models.MembershipWhitelisted && !opts.Override {
				return fmt.Errorf("%w: %s is whitelisted; override required to block", ErrPolicyConflict, subject)
			}
			if current == models.MembershipBlacklisted {
				out = rec
				return nil
			}
			rec.ViolationCount++
			dur, promote := m.cfg.Ladder(rec.ViolationCount)
			if promote {
				rec.Membership = models.MembershipBlacklisted
				rec.ExpiresAt = nil
				break
			}
			if opts.Duration > dur {
				dur = opts.Duration
			}
			exp := now.Add(dur)
			rec.Membership = models.MembershipTempBlocked
			rec.ExpiresAt = &exp
		}
		rec.Reason = reason
		rec.Source = opts.Source
		rec.Actor = opts.Actor
		rec.UpdatedAt = now
		if err := m.store.UpsertIdentityRecord(ctx, rec, expected); err != nil {
			return err
		}
		out, changed = rec, true
		return nil
	})
	if err != nil {
		return nil, opErr("lifecycle add", subject, err)
	}
	if !changed {
		return out, nil
	}

	fields := logrus.Fields{"subject": subject, "membership": out.Membership, "source": opts.Source, "violations": out.ViolationCount}
	m.log.WithFields(fields).Info("membership changed")
	metrics.IncBlock(opts.Source, string(out.Membership))
	m.decide(ctx, opts.Source, string(out.Membership), subject, reason)
	return out, nil
}

// Remove takes a subject off list. The record and its violation count are kept
// so the ladder continues if the subject offends again.
func (m *LifecycleManager) Remove(ctx context.Context, raw string, list models.Membership, actor string) (*models.IdentityRecord, error) {
	subject, _, err := NormalizeSubject(raw)
	if err != nil {
		return nil, opErr("lifecycle remove", raw, err)
	}
	var out *models.IdentityRecord
	err = retryConflict(func() error {
		rec, err := m.store.GetIdentityRecord(ctx, subject)
		if err != nil {
			return err
		}
		now := m.clock.Now()
		current := rec.Effective(now)
		if current == models.MembershipNone || (list != "" && current != list) {
			return fmt.Errorf("%w: %s is not on the %s list", ErrNotFound, subject, listName(list))
		}
		expected := rec.Version
		rec.Membership = models.MembershipNone
		rec.ExpiresAt = nil
		rec.Actor = actor
		rec.UpdatedAt = now
		if err := m.store.UpsertIdentityRecord(ctx, rec, expected); err != nil {
			return err
		}
		out = rec
		return nil
	})
	if err != nil {
		return nil, opErr("lifecycle remove", subject, err)
	}
	m.log.WithFields(logrus.Fields{"subject": subject, "list": listName(list), "actor": actor}).Info("removed from list")
	m.decide(ctx, models.SourceManual, "unblock", subject, "removed by "+actor)
	return out, nil
}

func listName(l models.Membership) string {
	if l == "" {
		return "any"
	}
	return string(l)
}

// List returns subjects whose effective membership is list; an empty list
// returns every subject with a non-none membership.
func (m *LifecycleManager) List(ctx context.Context, list models.Membership) ([]StatusResult, error) {
	query := list
	if list == models.MembershipNone {
		query = ""
	}
	recs, err := m.store.ListIdentityRecords(ctx, query)
	if err != nil {
		return nil, opErr("lifecycle list", string(list), err)
	}
	now := m.clock.Now()
	out := make([]StatusResult, 0, len(recs))
	for i := range recs {
		rec := &recs[i]
		eff := rec.Effective(now)
		if eff == models.MembershipNone || (list != "" && eff != list) {
			continue
		}
		res := StatusResult{Subject: rec.Subject, Membership: eff, Record: rec}
		if eff == models.MembershipTempBlocked {
			res.ExpiresAt = rec.ExpiresAt
		}
		out = append(out, res)
	}
	return out, nil
}

// Cleanup clears temp blocks that have expired and returns how many were cleared.
func (m *LifecycleManager) Cleanup(ctx context.Context) (int64, error) {
	n, err := m.store.PurgeExpired(ctx, store.TableIdentities, m.clock.Now())
	if err != nil {
		return 0, opErr("lifecycle cleanup", "", err)
	}
	if n > 0 {
		m.log.WithField("cleared", n).Info("expired temp blocks cleared")
	}
	return n, nil
}

func (m *LifecycleManager) decide(ctx context.Context, source, action, subject, details string) {
	if m.auditor == nil {
		return
	}
	d := &models.SecurityDecision{Source: source, Action: action, Subject: subject, Details: details, CreatedAt: m.clock.Now()}
	if err := m.auditor.LogDecision(ctx, d); err != nil {
		m.log.WithError(err).WithField("subject", subject).Warn("failed to record decision")
	}
}

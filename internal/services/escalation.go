package services

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Wikid82/warden/internal/metrics"
	"github.com/Wikid82/warden/internal/models"
	"github.com/Wikid82/warden/internal/store"
)

// Escalated reports one alert moved up the escalation policy.
type Escalated struct {
	AlertID    string   `json:"alert_id"`
	From       int      `json:"from"`
	To         int      `json:"to"`
	Recipients []string `json:"recipients"`
}

// targetLevel returns the escalation level an alert of the given age has earned.
func (s *AlertService) targetLevel(age time.Duration) int {
	level := 0
	for i, lvl := range s.cfg.Escalation {
		if age >= lvl.Delay {
			level = i + 1
		}
	}
	return level
}

// recipients returns the de-duplicated recipients of levels (from, to].
func (s *AlertService) recipients(from, to int) []string {
	seen := map[string]bool{}
	var out []string
	for lvl := from + 1; lvl <= to && lvl <= models.MaxEscalationLevel; lvl++ {
		for _, r := range s.cfg.Escalation[lvl-1].Recipients {
			if !seen[r] {
				seen[r] = true
				out = append(out, r)
			}
		}
	}
	return out
}

// EscalationSweep raises every unacknowledged active alert to the level its
// age (measured from creation) has earned, notifying the recipients of each
// level crossed. Acknowledged and resolved alerts never escalate.
func (s *AlertService) EscalationSweep(ctx context.Context) ([]Escalated, error) {
	if !s.escalating.TryLock() {
		return nil, opErr("escalation sweep", "", ErrSweepBusy)
	}
	defer s.escalating.Unlock()

	open, err := s.store.QueryAlerts(ctx, store.AlertFilter{Statuses: []models.AlertStatus{models.AlertActive}})
	if err != nil {
		return nil, opErr("escalation sweep", "", err)
	}
	now := s.clock.Now()
	var out []Escalated
	for _, a := range open {
		if a.EscalationLevel >= models.MaxEscalationLevel {
			continue
		}
		target := s.targetLevel(now.Sub(a.CreatedAt))
		if target <= a.EscalationLevel {
			continue
		}
		esc, err := s.raise(ctx, a.ID, target, "")
		if errors.Is(err, ErrStoreUnavailable) {
			return out, err
		}
		if err != nil {
			s.log.WithError(err).WithField("alert_id", a.ID).Warn("escalation failed")
			continue
		}
		if esc != nil {
			out = append(out, *esc)
		}
	}
	return out, nil
}

// Escalate moves an active alert up one level immediately.
func (s *AlertService) Escalate(ctx context.Context, id, actor string) (Escalated, error) {
	a, err := s.store.GetAlert(ctx, id)
	if err != nil {
		return Escalated{}, opErr("alert escalate", id, err)
	}
	if a.Status != models.AlertActive {
		return Escalated{}, opErr("alert escalate", id, fmt.Errorf("%w: alert is %s", ErrPolicyConflict, a.Status))
	}
	if a.EscalationLevel >= models.MaxEscalationLevel {
		return Escalated{}, opErr("alert escalate", id, fmt.Errorf("%w: alert is at the highest level", ErrPolicyConflict))
	}
	esc, err := s.raise(ctx, id, a.EscalationLevel+1, actor)
	if err != nil {
		return Escalated{}, err
	}
	if esc == nil {
		return Escalated{}, opErr("alert escalate", id, fmt.Errorf("%w: alert changed concurrently", ErrConcurrencyConflict))
	}
	s.audit(ctx, actor, "escalate", id, "level "+strconv.Itoa(esc.To))
	return *esc, nil
}

// raise sets the alert to level under CAS. It returns nil when the alert is no
// longer active or has already reached level.
func (s *AlertService) raise(ctx context.Context, id string, level int, actor string) (*Escalated, error) {
	var from int
	a, changed, err := s.transition(ctx, "alert escalate", id, func(a *models.Alert, now time.Time) (bool, error) {
		if a.Status != models.AlertActive || a.EscalationLevel >= level {
			return false, nil
		}
		from = a.EscalationLevel
		a.EscalationLevel = level
		a.LastEscalatedAt = &now
		return true, nil
	})
	if err != nil || !changed {
		return nil, err
	}

	esc := &Escalated{AlertID: id, From: from, To: level, Recipients: s.recipients(from, level)}
	metrics.IncEscalation(strconv.Itoa(level))
	s.log.WithFields(logrus.Fields{"alert_id": id, "from": from, "to": level, "actor": actor}).Warn("alert escalated")
	s.dispatch(ctx, a, esc.Recipients, fmt.Sprintf("ESCALATION L%d ", level))
	return esc, nil
}

// OnCallLevel is one rung of the escalation policy.
type OnCallLevel struct {
	Level      int      `json:"level"`
	Delay      string   `json:"delay"`
	Recipients []string `json:"recipients"`
}

// OnCall lists the escalation policy, lowest level first.
func (s *AlertService) OnCall() []OnCallLevel {
	out := make([]OnCallLevel, 0, len(s.cfg.Escalation))
	for i, lvl := range s.cfg.Escalation {
		out = append(out, OnCallLevel{Level: i + 1, Delay: lvl.Delay.String(), Recipients: append([]string(nil), lvl.Recipients...)})
	}
	return out
}

// EscalationRules bundles the escalation policy with the routing rules.
type EscalationRules struct {
	Levels []OnCallLevel      `json:"levels"`
	Rules  []models.AlertRule `json:"rules"`
}

func (s *AlertService) Rules(ctx context.Context) (EscalationRules, error) {
	rules, err := s.store.ListAlertRules(ctx)
	if err != nil {
		return EscalationRules{}, opErr("alert rules", "", err)
	}
	return EscalationRules{Levels: s.OnCall(), Rules: rules}, nil
}

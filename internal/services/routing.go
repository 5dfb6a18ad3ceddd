package services

import (
	"context"

	"github.com/Wikid82/warden/internal/models"
)

// Route returns the destinations for an alert: the union of every enabled
// rule matching its component, level and type, taken in (priority, id) order
// with duplicates dropped at their later occurrences.
func (s *AlertService) Route(ctx context.Context, a *models.Alert) ([]string, error) {
	rules, err := s.store.ListAlertRules(ctx)
	if err != nil {
		return nil, opErr("alert route", a.ID, err)
	}
	return routeRules(rules, a), nil
}

func routeRules(rules []models.AlertRule, a *models.Alert) []string {
	seen := map[string]bool{}
	var out []string
	for _, r := range rules {
		if !r.Enabled || !r.Matches(a.Component, a.Level, a.Type) {
			continue
		}
		for _, d := range r.DestinationList() {
			if seen[d] {
				continue
			}
			seen[d] = true
			out = append(out, d)
		}
	}
	return out
}

package models

import (
	"strings"
	"time"
)

// AlertRule maps (component, level, type) to notification destinations.
// Empty or "*" fields match anything.
type AlertRule struct {
	ID           uint      `json:"id" gorm:"primaryKey"`
	Name         string    `json:"name" gorm:"uniqueIndex"`
	Component    string    `json:"component"`
	Level        string    `json:"level"`
	Type         string    `json:"type"`
	Destinations string    `json:"destinations"` // comma-separated provider names
	Priority     int       `json:"priority" gorm:"default:100"`
	Enabled      bool      `json:"enabled" gorm:"default:true"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Matches reports whether the rule applies to the alert coordinates.
func (r AlertRule) Matches(component string, level AlertLevel, alertType string) bool {
	return fieldMatches(r.Component, component) &&
		fieldMatches(r.Level, string(level)) &&
		fieldMatches(r.Type, alertType)
}

// DestinationList splits Destinations into trimmed names.
func (r AlertRule) DestinationList() []string {
	var out []string
	for _, d := range strings.Split(r.Destinations, ",") {
		if d = strings.TrimSpace(d); d != "" {
			out = append(out, d)
		}
	}
	return out
}

func fieldMatches(pattern, value string) bool {
	pattern = strings.TrimSpace(pattern)
	return pattern == "" || pattern == "*" || strings.EqualFold(pattern, value)
}

package models

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// NotificationProvider is a delivery destination. Alert rules and escalation
// policies refer to providers by Name.
type NotificationProvider struct {
	ID       string `gorm:"primaryKey" json:"id"`
	Name     string `json:"name" gorm:"uniqueIndex"`
	Type     string `json:"type"`                            // discord, slack, gotify, telegram, generic, webhook
	URL      string `json:"url"`                             // The shoutrrr URL or webhook URL
	Config   string `json:"config"`                          // JSON payload template for custom webhooks
	Template string `json:"template" gorm:"default:minimal"` // minimal|detailed|custom
	Enabled  bool   `json:"enabled"`
	// MinLevel drops alerts below this level; empty accepts everything.
	MinLevel string `json:"min_level"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (n *NotificationProvider) BeforeCreate(tx *gorm.DB) (err error) {
	if n.ID == "" {
		n.ID = uuid.New().String()
	}
	if strings.TrimSpace(n.Template) == "" {
		if strings.TrimSpace(n.Config) != "" {
			n.Template = "custom"
		} else {
			n.Template = "minimal"
		}
	}
	return
}

// Accepts reports whether an alert of the given level passes the provider's filter.
func (n NotificationProvider) Accepts(level AlertLevel) bool {
	if n.MinLevel == "" {
		return true
	}
	return level.Rank() >= AlertLevel(n.MinLevel).Rank()
}

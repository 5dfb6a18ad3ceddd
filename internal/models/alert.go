package models

import (
	"encoding/json"
	"time"
)

// AlertLevel is the severity of an alert.
type AlertLevel string

const (
	AlertCritical AlertLevel = "critical"
	AlertWarning  AlertLevel = "warning"
	AlertInfo     AlertLevel = "info"
)

// Valid reports whether l is a known level.
func (l AlertLevel) Valid() bool {
	return l == AlertCritical || l == AlertWarning || l == AlertInfo
}

// Rank orders levels, critical highest.
func (l AlertLevel) Rank() int {
	switch l {
	case AlertCritical:
		return 3
	case AlertWarning:
		return 2
	case AlertInfo:
		return 1
	}
	return 0
}

// AlertStatus is the lifecycle state of an alert.
type AlertStatus string

const (
	AlertActive       AlertStatus = "active"
	AlertAcknowledged AlertStatus = "acknowledged"
	AlertResolved     AlertStatus = "resolved"
)

// MaxEscalationLevel is the highest escalation tier.
const MaxEscalationLevel = 3

// Alert is a de-duplicated detection. Alerts are never deleted, only
// transitioned to acknowledged or resolved.
type Alert struct {
	ID              string      `json:"id" gorm:"primaryKey;size:36"`
	Component       string      `json:"component" gorm:"index:idx_alerts_dedup,priority:1;size:64"`
	Type            string      `json:"type" gorm:"index:idx_alerts_dedup,priority:2;size:64"`
	Level           AlertLevel  `json:"level" gorm:"index:idx_alerts_dedup,priority:3;size:16"`
	Status          AlertStatus `json:"status" gorm:"index:idx_alerts_dedup,priority:4;size:16"`
	Message         string      `json:"message" gorm:"type:text"`
	Metadata        string      `json:"metadata" gorm:"type:text"`
	EscalationLevel int         `json:"escalation_level"`
	OccurrenceCount int         `json:"occurrence_count"`
	AcknowledgedBy  string      `json:"acknowledged_by,omitempty"`
	AcknowledgedAt  *time.Time  `json:"acknowledged_at,omitempty"`
	ResolvedBy      string      `json:"resolved_by,omitempty"`
	ResolvedAt      *time.Time  `json:"resolved_at,omitempty"`
	LastEscalatedAt *time.Time  `json:"last_escalated_at,omitempty"`
	Version         int         `json:"version"`
	CreatedAt       time.Time   `json:"created_at" gorm:"index;autoCreateTime:false"`
	UpdatedAt       time.Time   `json:"updated_at" gorm:"autoUpdateTime:false"`
}

// SetMetadata stores m as the JSON metadata document.
func (a *Alert) SetMetadata(m map[string]interface{}) error {
	if len(m) == 0 {
		a.Metadata = "{}"
		return nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return err
	}
	a.Metadata = string(b)
	return nil
}

// MetadataMap decodes the metadata document; malformed content yields an empty map.
func (a *Alert) MetadataMap() map[string]interface{} {
	out := map[string]interface{}{}
	if a.Metadata == "" {
		return out
	}
	_ = json.Unmarshal([]byte(a.Metadata), &out)
	return out
}

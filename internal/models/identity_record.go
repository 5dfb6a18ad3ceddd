package models

import "time"

// Membership is the list a subject currently belongs to.
type Membership string

const (
	MembershipNone        Membership = "none"
	MembershipWhitelisted Membership = "whitelisted"
	MembershipBlacklisted Membership = "blacklisted"
	MembershipTempBlocked Membership = "temp_blocked"
)

// Valid reports whether m names a known list.
func (m Membership) Valid() bool {
	switch m {
	case MembershipNone, MembershipWhitelisted, MembershipBlacklisted, MembershipTempBlocked:
		return true
	}
	return false
}

// Block sources recorded on IdentityRecord.Source.
const (
	SourceManual    = "manual"
	SourceDDoS      = "ddos"
	SourceAbuse     = "abuse"
	SourceRateLimit = "ratelimit"
)

// IdentityRecord holds the list membership of one IP or API key subject.
// Version is the optimistic-lock token; every write must match it.
type IdentityRecord struct {
	ID             uint        `json:"id" gorm:"primaryKey"`
	Subject        string      `json:"subject" gorm:"uniqueIndex;not null"`
	Kind           SubjectKind `json:"kind" gorm:"size:16"`
	Membership     Membership  `json:"membership" gorm:"size:16;index"`
	Reason         string      `json:"reason" gorm:"type:text"`
	Source         string      `json:"source" gorm:"size:16"`
	Actor          string      `json:"actor,omitempty"`
	ExpiresAt      *time.Time  `json:"expires_at,omitempty" gorm:"index"`
	ViolationCount int         `json:"violation_count"`
	Version        int         `json:"version"`
	CreatedAt      time.Time   `json:"created_at" gorm:"autoCreateTime:false"`
	UpdatedAt      time.Time   `json:"updated_at" gorm:"autoUpdateTime:false"`
}

// Effective resolves the membership at time now; an expired temp block reads as none.
func (r *IdentityRecord) Effective(now time.Time) Membership {
	if r == nil {
		return MembershipNone
	}
	if r.Membership == MembershipTempBlocked {
		if r.ExpiresAt == nil || !now.Before(*r.ExpiresAt) {
			return MembershipNone
		}
	}
	if r.Membership == "" {
		return MembershipNone
	}
	return r.Membership
}

package models

import (
	"time"
)

// SecurityDecision stores a block/unblock action taken by a detector or an operator
// so it can be audited and surfaced through the API.
type SecurityDecision struct {
	ID        uint      `json:"id" gorm:"primaryKey"`
	UUID      string    `json:"uuid" gorm:"uniqueIndex"`
	Source    string    `json:"source"` // ddos, abuse, ratelimit, manual
	Action    string    `json:"action"` // whitelist, blacklist, temp_block, unblock
	Subject   string    `json:"subject" gorm:"index"`
	RuleID    string    `json:"rule_id"`
	Details   string    `json:"details" gorm:"type:text"`
	CreatedAt time.Time `json:"created_at"`
}

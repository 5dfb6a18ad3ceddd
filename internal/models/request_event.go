package models

import "time"

// SubjectKind identifies which identifier class produced an event or record.
type SubjectKind string

const (
	SubjectIP       SubjectKind = "ip"
	SubjectAPIKey   SubjectKind = "api_key"
	SubjectEndpoint SubjectKind = "endpoint"
)

// RequestEvent is one inbound request as seen by the admission path. Rows are
// append-only; ResponseCode is written once when the request completes and is
// zero while the request is still in flight.
type RequestEvent struct {
	ID           uint64      `json:"id" gorm:"primaryKey;autoIncrement"`
	Identifier   string      `json:"identifier" gorm:"index:idx_events_identifier_time,priority:1;not null"`
	Kind         SubjectKind `json:"kind" gorm:"size:16"`
	IP           string      `json:"ip" gorm:"index:idx_events_ip_time,priority:1"`
	APIKeyHash   string      `json:"api_key_hash,omitempty" gorm:"size:64"`
	Endpoint     string      `json:"endpoint" gorm:"size:512"`
	ResponseCode int         `json:"response_code"`
	UserAgent    string      `json:"user_agent,omitempty" gorm:"size:512"`
	Country      string      `json:"country,omitempty" gorm:"size:2"`
	Allowed      bool        `json:"allowed"`
	Reason       string      `json:"reason,omitempty" gorm:"size:32"`
	UnixNano     int64       `json:"unix_nano" gorm:"index:idx_events_identifier_time,priority:2;index:idx_events_ip_time,priority:2;index"`
}

// Timestamp returns the store-assigned event time.
func (e RequestEvent) Timestamp() time.Time {
	return time.Unix(0, e.UnixNano).UTC()
}

// InFlight reports whether the request has not completed yet.
func (e RequestEvent) InFlight() bool {
	return e.ResponseCode == 0
}

// IsError reports whether the completed request failed (4xx/5xx).
func (e RequestEvent) IsError() bool {
	return e.ResponseCode >= 400
}

// APIKeySubjectPrefix marks subjects and identifiers derived from an API key digest.
const APIKeySubjectPrefix = "key:"

// APIKeySubject builds the subject string for a hashed API key.
func APIKeySubject(hash string) string {
	return APIKeySubjectPrefix + hash
}

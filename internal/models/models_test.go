package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestIdentityRecord_Effective(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	future := now.Add(10 * time.Minute)
	past := now.Add(-time.Second)

	tests := []struct {
		name   string
		record *IdentityRecord
		want   Membership
	}{
		{name: "nil record", record: nil, want: MembershipNone},
		{name: "whitelisted", record: &IdentityRecord{Membership: MembershipWhitelisted}, want: MembershipWhitelisted},
		{name: "blacklisted", record: &IdentityRecord{Membership: MembershipBlacklisted}, want: MembershipBlacklisted},
		{name: "active temp block", record: &IdentityRecord{Membership: MembershipTempBlocked, ExpiresAt: &future}, want: MembershipTempBlocked},
		{name: "expired temp block", record: &IdentityRecord{Membership: MembershipTempBlocked, ExpiresAt: &past}, want: MembershipNone},
		{name: "expiry instant is exclusive", record: &IdentityRecord{Membership: MembershipTempBlocked, ExpiresAt: &now}, want: MembershipNone},
		{name: "temp block without expiry", record: &IdentityRecord{Membership: MembershipTempBlocked}, want: MembershipNone},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.record.Effective(now))
		})
	}
}

func TestAlertRule_Matches(t *testing.T) {
	rule := AlertRule{Component: "ddos", Level: "*", Type: ""}
	assert.True(t, rule.Matches("ddos", AlertCritical, "ddos_detected"))
	assert.True(t, rule.Matches("DDoS", AlertInfo, "anything"))
	assert.False(t, rule.Matches("abuse", AlertCritical, "ddos_detected"))

	exact := AlertRule{Component: "abuse", Level: "critical", Type: "abuse_detected"}
	assert.True(t, exact.Matches("abuse", AlertCritical, "abuse_detected"))
	assert.False(t, exact.Matches("abuse", AlertWarning, "abuse_detected"))
}

func TestAlertRule_DestinationList(t *testing.T) {
	r := AlertRule{Destinations: " slack, pager ,,email"}
	assert.Equal(t, []string{"slack", "pager", "email"}, r.DestinationList())
	assert.Empty(t, AlertRule{}.DestinationList())
}

func TestAlert_Metadata(t *testing.T) {
	a := &Alert{}
	assert.NoError(t, a.SetMetadata(map[string]interface{}{"rate": 150, "subject": "1.2.3.4"}))
	m := a.MetadataMap()
	assert.Equal(t, float64(150), m["rate"])
	assert.Equal(t, "1.2.3.4", m["subject"])

	a.Metadata = "not-json"
	assert.Empty(t, a.MetadataMap())

	assert.NoError(t, a.SetMetadata(nil))
	assert.Equal(t, "{}", a.Metadata)
}

func TestAlertLevel(t *testing.T) {
	assert.True(t, AlertCritical.Valid())
	assert.False(t, AlertLevel("fatal").Valid())
	assert.Greater(t, AlertCritical.Rank(), AlertWarning.Rank())
	assert.Greater(t, AlertWarning.Rank(), AlertInfo.Rank())
}

func TestRequestEvent_Helpers(t *testing.T) {
	e := RequestEvent{UnixNano: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC).UnixNano()}
	assert.Equal(t, 2026, e.Timestamp().Year())
	assert.True(t, e.InFlight())
	e.ResponseCode = 503
	assert.False(t, e.InFlight())
	assert.True(t, e.IsError())
}

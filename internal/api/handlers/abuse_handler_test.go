package handlers_test

import (
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Wikid82/warden/internal/services"
)

func TestAbuseHandler_AnalyzeDoesNotActCheckDoes(t *testing.T) {
	env := newAPIEnv(t)
	env.traffic(t, services.Subjects{IP: "203.0.113.80"}, 20, 95*time.Millisecond, 500)

	var a services.Analysis
	require.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/api/v1/abuse/analyze/203.0.113.80?window=5", nil, &a))
	assert.True(t, a.Has(services.PatternRapid))
	assert.True(t, a.Has(services.PatternErrorRate))
	assert.InDelta(t, 42.0, a.Score, 1e-9)
	assert.Empty(t, a.Action)

	var open []map[string]interface{}
	require.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/api/v1/alerts", nil, &open))
	assert.Empty(t, open)

	require.Equal(t, http.StatusOK, env.do(t, http.MethodPost, "/api/v1/abuse/check/203.0.113.80", nil, &a))
	assert.Equal(t, "alerted", a.Action)
	assert.NotEmpty(t, a.AlertID)

	require.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/api/v1/alerts?component=abuse", nil, &open))
	assert.Len(t, open, 1)
}

func TestAbuseHandler_SweepStatsPatterns(t *testing.T) {
	env := newAPIEnv(t)
	env.traffic(t, services.Subjects{IP: "203.0.113.90"}, 20, 90*time.Millisecond, 200)

	var sweep struct {
		Findings []services.Analysis `json:"findings"`
		Count    int                 `json:"count"`
	}
	require.Equal(t, http.StatusOK, env.do(t, http.MethodPost, "/api/v1/abuse/sweep", nil, &sweep))
	assert.Equal(t, 1, sweep.Count)

	var st services.AbuseStats
	require.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/api/v1/abuse/stats", nil, &st))
	assert.Equal(t, 1, st.Subjects)
	assert.Equal(t, 1, st.ByPattern[services.PatternRapid])

	var patterns []services.Pattern
	require.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/api/v1/abuse/patterns", nil, &patterns))
	assert.Len(t, patterns, 4)

	assert.Equal(t, http.StatusBadRequest, env.do(t, http.MethodGet, "/api/v1/abuse/analyze/nope!", nil, nil))
	assert.Equal(t, http.StatusBadRequest, env.do(t, http.MethodGet, "/api/v1/abuse/analyze/10.0.0.1?window=-3", nil, nil))
}

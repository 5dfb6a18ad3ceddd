package handlers_test

import (
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Wikid82/warden/internal/models"
)

func TestAlertRuleHandler_CRUDFeedsRouting(t *testing.T) {
	env := newAPIEnv(t)

	var rule models.AlertRule
	require.Equal(t, http.StatusCreated, env.do(t, http.MethodPost, "/api/v1/alert-rules",
		map[string]interface{}{"name": "page-critical", "level": "critical", "destinations": "pager, email", "priority": 10, "enabled": true}, &rule))
	require.NotZero(t, rule.ID)
	assert.Equal(t, http.StatusConflict, env.do(t, http.MethodPost, "/api/v1/alert-rules",
		map[string]interface{}{"name": "page-critical", "destinations": "x", "enabled": true}, nil))

	a := env.raise(t, "ddos", "critical", "ddos_detected")
	dests, err := env.alerts.Route(t.Context(), &a)
	require.NoError(t, err)
	assert.Equal(t, []string{"pager", "email"}, dests)

	path := fmt.Sprintf("/api/v1/alert-rules/%d", rule.ID)
	require.Equal(t, http.StatusOK, env.do(t, http.MethodPut, path,
		map[string]interface{}{"name": "page-critical", "level": "critical", "destinations": "pager", "priority": 10, "enabled": false}, &rule))
	assert.False(t, rule.Enabled)

	var rules []models.AlertRule
	require.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/api/v1/alert-rules", nil, &rules))
	require.Len(t, rules, 1)
	assert.False(t, rules[0].Enabled)

	assert.Equal(t, http.StatusOK, env.do(t, http.MethodDelete, path, nil, nil))
	assert.Equal(t, http.StatusNotFound, env.do(t, http.MethodDelete, path, nil, nil))
	assert.Equal(t, http.StatusBadRequest, env.do(t, http.MethodDelete, "/api/v1/alert-rules/abc", nil, nil))
	assert.Equal(t, http.StatusBadRequest, env.do(t, http.MethodPost, "/api/v1/alert-rules", map[string]interface{}{"name": "x"}, nil))
}

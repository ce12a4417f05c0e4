package metrics

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func resetHealth(t *testing.T) {
	t.Helper()
	healthChecker = newHealthChecker()
}

func TestGetHealth(t *testing.T) {
	tests := []struct {
		name       string
		components map[string]bool
		want       string
	}{
		{"no components", nil, "healthy"},
		{"all healthy", map[string]bool{ComponentStore: true, ComponentAPI: true}, "healthy"},
		{"one unhealthy", map[string]bool{ComponentStore: true, ComponentDispatcher: false}, "unhealthy"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resetHealth(t)
			for name, healthy := range tt.components {
				UpdateComponent(name, healthy, "circuit open")
			}
			health := GetHealth()
			assert.Equal(t, tt.want, health.Status)
			assert.Len(t, health.Components, len(tt.components))
		})
	}
}

func TestUnhealthyComponentMessage(t *testing.T) {
	resetHealth(t)
	UpdateComponent(ComponentDispatcher, false, "circuit open")

	health := GetHealth()
	assert.Equal(t, "unhealthy: circuit open", health.Components[ComponentDispatcher])

	UpdateComponent(ComponentDispatcher, true, "")
	assert.Equal(t, "healthy", GetHealth().Status)
}

func TestGetReadiness(t *testing.T) {
	resetHealth(t)
	UpdateComponent(ComponentAPI, true, "")

	readiness := GetReadiness()
	assert.Equal(t, "not_ready", readiness.Status)
	assert.Equal(t, "not registered", readiness.Components[ComponentStore])

	UpdateComponent(ComponentStore, true, "")
	UpdateComponent(ComponentReconciler, false, "loading rules")
	readiness = GetReadiness()
	assert.Equal(t, "not_ready", readiness.Status)
	assert.Equal(t, "waiting for reconciler", readiness.Message)

	UpdateComponent(ComponentReconciler, true, "")
	assert.Equal(t, "ready", GetReadiness().Status)
}

func TestSetCriticalComponents(t *testing.T) {
	resetHealth(t)
	SetCriticalComponents(ComponentStore)
	UpdateComponent(ComponentStore, true, "")

	assert.Equal(t, "ready", GetReadiness().Status)
}

func TestHandlers(t *testing.T) {
	resetHealth(t)
	SetVersion("v1.2.0")
	UpdateComponent(ComponentStore, false, "database locked")

	tests := []struct {
		name    string
		handler http.HandlerFunc
		code    int
		status  string
	}{
		{"health", HealthHandler(), http.StatusServiceUnavailable, "unhealthy"},
		{"ready", ReadyHandler(), http.StatusServiceUnavailable, "not_ready"},
		{"live", LivenessHandler(), http.StatusOK, "alive"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			tt.handler(rec, httptest.NewRequest(http.MethodGet, "/", nil))

			assert.Equal(t, tt.code, rec.Code)
			assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

			var body map[string]any
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.Equal(t, tt.status, body["status"])
		})
	}
}

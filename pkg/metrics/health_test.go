package metrics

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterComponent(t *testing.T) {
	// Reset health checker
	healthChecker = &HealthChecker{
		components: make(map[string]ComponentHealth),
		startTime:  time.Now(),
	}

	RegisterComponent("test-component", true, "running")

	require.Len(t, healthChecker.components, 1)

	comp := healthChecker.components["test-component"]
	assert.True(t, comp.Healthy, "component should be healthy")
	assert.Equal(t, "running", comp.Message)
}

func TestGetHealth_AllHealthy(t *testing.T) {
	// Reset and setup
	healthChecker = &HealthChecker{
		components: make(map[string]ComponentHealth),
		startTime:  time.Now(),
		version:    "1.0.0",
	}

	RegisterComponent("api", true, "")
	RegisterComponent("raft", true, "")

	health := GetHealth()

	assert.Equal(t, "healthy", health.Status)
	assert.Len(t, health.Components, 2)
	assert.Equal(t, "1.0.0", health.Version)
}

func TestGetHealth_OneUnhealthy(t *testing.T) {
	// Reset and setup
	healthChecker = &HealthChecker{
		components: make(map[string]ComponentHealth),
		startTime:  time.Now(),
	}

	RegisterComponent("api", true, "")
	RegisterComponent("raft", false, "not connected")

	health := GetHealth()

	assert.Equal(t, "unhealthy", health.Status)
	assert.Equal(t, "unhealthy: not connected", health.Components["raft"])
}

func TestGetReadiness_AllReady(t *testing.T) {
	// Reset and setup
	healthChecker = &HealthChecker{
		components: make(map[string]ComponentHealth),
		startTime:  time.Now(),
	}

	RegisterComponent("raft", true, "")
	RegisterComponent("containerd", true, "")
	RegisterComponent("api", true, "")

	readiness := GetReadiness()

	assert.Equal(t, "ready", readiness.Status)
}

func TestGetReadiness_MissingCriticalComponent(t *testing.T) {
	// Reset and setup
	healthChecker = &HealthChecker{
		components: make(map[string]ComponentHealth),
		startTime:  time.Now(),
	}

	RegisterComponent("api", true, "")
	// raft and containerd not registered

	readiness := GetReadiness()

	assert.Equal(t, "not_ready", readiness.Status)
	assert.NotEmpty(t, readiness.Message, "expected message explaining why not ready")
}

func TestGetReadiness_CriticalComponentUnhealthy(t *testing.T) {
	// Reset and setup
	healthChecker = &HealthChecker{
		components: make(map[string]ComponentHealth),
		startTime:  time.Now(),
	}

	RegisterComponent("raft", false, "leader not elected")
	RegisterComponent("containerd", true, "")
	RegisterComponent("api", true, "")

	readiness := GetReadiness()

	assert.Equal(t, "not_ready", readiness.Status)
}

func TestHealthHandler(t *testing.T) {
	// Reset and setup
	healthChecker = &HealthChecker{
		components: make(map[string]ComponentHealth),
		startTime:  time.Now(),
		version:    "test",
	}

	RegisterComponent("test", true, "")

	req := httptest.NewRequest("GET", "/health", nil)
	w := httptest.NewRecorder()

	handler := HealthHandler()
	handler(w, req)

	assert.Equal(t, http.StatusOK, w.Code)

	var health HealthStatus
	require.NoError(t, json.NewDecoder(w.Body).Decode(&health))

	assert.Equal(t, "healthy", health.Status)
	assert.Equal(t, "test", health.Version)
}

func TestHealthHandler_Unhealthy(t *testing.T) {
	// Reset and setup
	healthChecker = &HealthChecker{
		components: make(map[string]ComponentHealth),
		startTime:  time.Now(),
	}

	RegisterComponent("test", false, "broken")

	req := httptest.NewRequest("GET", "/health", nil)
	w := httptest.NewRecorder()

	handler := HealthHandler()
	handler(w, req)

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	var health HealthStatus
	require.NoError(t, json.NewDecoder(w.Body).Decode(&health))

	assert.Equal(t, "unhealthy", health.Status)
}

func TestReadyHandler(t *testing.T) {
	// Reset and setup
	healthChecker = &HealthChecker{
		components: make(map[string]ComponentHealth),
		startTime:  time.Now(),
	}

	RegisterComponent("raft", true, "")
	RegisterComponent("containerd", true, "")
	RegisterComponent("api", true, "")

	req := httptest.NewRequest("GET", "/ready", nil)
	w := httptest.NewRecorder()

	handler := ReadyHandler()
	handler(w, req)

	assert.Equal(t, http.StatusOK, w.Code)

	var readiness HealthStatus
	require.NoError(t, json.NewDecoder(w.Body).Decode(&readiness))

	assert.Equal(t, "ready", readiness.Status)
}

func TestReadyHandler_NotReady(t *testing.T) {
	// Reset and setup
	healthChecker = &HealthChecker{
		components: make(map[string]ComponentHealth),
		startTime:  time.Now(),
	}

	RegisterComponent("api", true, "")
	// raft not registered

	req := httptest.NewRequest("GET", "/ready", nil)
	w := httptest.NewRecorder()

	handler := ReadyHandler()
	handler(w, req)

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	var readiness HealthStatus
	require.NoError(t, json.NewDecoder(w.Body).Decode(&readiness))

	assert.Equal(t, "not_ready", readiness.Status)
}

func TestLivenessHandler(t *testing.T) {
	// Reset
	healthChecker = &HealthChecker{
		components: make(map[string]ComponentHealth),
		startTime:  time.Now(),
	}

	req := httptest.NewRequest("GET", "/live", nil)
	w := httptest.NewRecorder()

	handler := LivenessHandler()
	handler(w, req)

	assert.Equal(t, http.StatusOK, w.Code)

	var response map[string]string
	require.NoError(t, json.NewDecoder(w.Body).Decode(&response))

	assert.Equal(t, "alive", response["status"])
	assert.NotEmpty(t, response["uptime"])
}

func TestUpdateComponent(t *testing.T) {
	// Reset
	healthChecker = &HealthChecker{
		components: make(map[string]ComponentHealth),
		startTime:  time.Now(),
	}

	RegisterComponent("test", true, "ok")
	UpdateComponent("test", false, "error")

	comp := healthChecker.components["test"]
	assert.False(t, comp.Healthy, "component should be unhealthy after update")
	assert.Equal(t, "error", comp.Message)
}

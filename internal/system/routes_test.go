package system

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"
)

func setupRouter(t *testing.T, svc *Service) *httptest.Server {
	t.Helper()
	router := chi.NewRouter()
	RegisterRoutes(router, svc)
	server := httptest.NewServer(router)
	t.Cleanup(server.Close)
	return server
}

func getJSON(t *testing.T, url string) map[string]any {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return body
}

func TestGetSystemStatus(t *testing.T) {
	svc := NewService(nil, &fakeSnapcast{connected: true}, &fakeAudit{healthy: true}, nil)
	server := setupRouter(t, svc)

	body := getJSON(t, server.URL+"/v1/system/status")
	require.Equal(t, "system.status", body["object"])
	require.Equal(t, "online", body["status"])
	require.Equal(t, Version, body["version"])
	require.Equal(t, true, body["snapcastConnected"])
	require.Equal(t, true, body["auditHealthy"])
	require.NotEmpty(t, body["startedAt"])
}

func TestGetSystemStatusDegraded(t *testing.T) {
	svc := NewService(nil, &fakeSnapcast{connected: false}, nil, nil)
	server := setupRouter(t, svc)

	body := getJSON(t, server.URL+"/v1/system/status")
	require.Equal(t, "degraded", body["status"])
	require.NotContains(t, body, "auditHealthy")
}

func TestGetSystemStats(t *testing.T) {
	svc := NewService(nil, &fakeSnapcast{connected: true}, nil, nil)
	server := setupRouter(t, svc)

	body := getJSON(t, server.URL+"/v1/system/stats")
	require.Equal(t, "system.stats", body["object"])
	require.Greater(t, body["goroutines"].(float64), 0.0)
	require.Greater(t, body["numCpu"].(float64), 0.0)
	require.Equal(t, true, body["snapcastConnected"])
}

func TestGetSystemVersion(t *testing.T) {
	server := setupRouter(t, NewService(nil, nil, nil, nil))

	body := getJSON(t, server.URL+"/v1/system/version")
	require.Equal(t, "system.version", body["object"])
	require.Equal(t, Version, body["version"])
}

package openapi

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"
)

const sampleDoc = `openapi: 3.0.3
info:
  title: SnapDog API
  version: 1.0.0
paths: {}
`

func newDocServer(t *testing.T, doc string) *httptest.Server {
	t.Helper()

	if doc != "" {
		path := filepath.Join(t.TempDir(), "snapdog.v1.yaml")
		require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))
		t.Setenv("OPENAPI_SPEC_PATH", path)
	} else {
		// Fall through to the default search paths, which do not resolve
		// from the package directory.
		t.Setenv("OPENAPI_SPEC_PATH", "")
	}

	router := chi.NewRouter()
	RegisterRoutes(router)
	server := httptest.NewServer(router)
	t.Cleanup(server.Close)
	return server
}

func TestRoutes_ServesYAMLDocument(t *testing.T) {
	server := newDocServer(t, sampleDoc)

	resp, err := http.Get(server.URL + "/v1/openapi")
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "text/yaml; charset=utf-8", resp.Header.Get("Content-Type"))

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Equal(t, sampleDoc, string(body))
}

func TestRoutes_ServesJSONDocument(t *testing.T) {
	server := newDocServer(t, sampleDoc)

	resp, err := http.Get(server.URL + "/v1/openapi.json")
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)

	var parsed map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&parsed))
	require.Equal(t, "3.0.3", parsed["openapi"])

	info, ok := parsed["info"].(map[string]any)
	require.True(t, ok)
	require.Equal(t, "SnapDog API", info["title"])
}

func TestRoutes_MissingDocumentIsInternal(t *testing.T) {
	server := newDocServer(t, "")

	resp, err := http.Get(server.URL + "/v1/openapi")
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusInternalServerError, resp.StatusCode)

	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	errObj, ok := body["error"].(map[string]any)
	require.True(t, ok)
	require.Equal(t, "INTERNAL", errObj["kind"])
}

// The document shipped under assets/ must stay parseable, or the JSON
// route starts returning 500s.
func TestRoutes_ShippedDocumentParses(t *testing.T) {
	path, err := filepath.Abs(filepath.Join("..", "..", "assets", "openapi", "snapdog.v1.yaml"))
	require.NoError(t, err)
	t.Setenv("OPENAPI_SPEC_PATH", path)

	router := chi.NewRouter()
	RegisterRoutes(router)
	server := httptest.NewServer(router)
	t.Cleanup(server.Close)

	resp, err := http.Get(server.URL + "/v1/openapi.json")
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)

	var parsed map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&parsed))

	paths, ok := parsed["paths"].(map[string]any)
	require.True(t, ok)
	require.Contains(t, paths, "/v1/zones")
	require.Contains(t, paths, "/v1/clients")
	require.Contains(t, paths, "/v1/audit")
	require.Contains(t, paths, "/v1/system/status")
}

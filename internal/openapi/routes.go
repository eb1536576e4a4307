package openapi

import (
	"net/http"
	"os"
	"path/filepath"

	"github.com/go-chi/chi/v5"
	"gopkg.in/yaml.v3"

	"github.com/snapdog/snapdog-go/internal/api"
	"github.com/snapdog/snapdog-go/internal/apperrors"
)

// Default paths to search for the OpenAPI document.
var defaultSpecPaths = []string{
	// Relative to the repository root.
	"assets/openapi/snapdog.v1.yaml",
	// Installed location on deployed hosts.
	"/usr/local/share/snapdog/openapi/snapdog.v1.yaml",
}

// RegisterRoutes wires the OpenAPI document routes to the router.
func RegisterRoutes(router chi.Router) {
	router.Method(http.MethodGet, "/v1/openapi", api.Handler(serveOpenAPIYAML()))
	router.Method(http.MethodGet, "/v1/openapi.json", api.Handler(serveOpenAPIJSON()))
}

// findSpecPath locates the OpenAPI document. OPENAPI_SPEC_PATH overrides
// the default search paths.
func findSpecPath() string {
	if envPath := os.Getenv("OPENAPI_SPEC_PATH"); envPath != "" {
		if _, err := os.Stat(envPath); err == nil {
			return envPath
		}
	}

	for _, path := range defaultSpecPaths {
		absPath, err := filepath.Abs(path)
		if err != nil {
			continue
		}
		if _, err := os.Stat(absPath); err == nil {
			return absPath
		}
	}

	return ""
}

func serveOpenAPIYAML() func(w http.ResponseWriter, r *http.Request) error {
	return func(w http.ResponseWriter, r *http.Request) error {
		specPath := findSpecPath()
		if specPath == "" {
			return apperrors.NewInternal("OpenAPI document not found")
		}

		doc, err := os.ReadFile(specPath)
		if err != nil {
			return apperrors.NewInternal("failed to read OpenAPI document")
		}

		w.Header().Set("Content-Type", "text/yaml; charset=utf-8")
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(doc)
		return nil
	}
}

func serveOpenAPIJSON() func(w http.ResponseWriter, r *http.Request) error {
	return func(w http.ResponseWriter, r *http.Request) error {
		specPath := findSpecPath()
		if specPath == "" {
			return apperrors.NewInternal("OpenAPI document not found")
		}

		doc, err := os.ReadFile(specPath)
		if err != nil {
			return apperrors.NewInternal("failed to read OpenAPI document")
		}

		var parsed any
		if err := yaml.Unmarshal(doc, &parsed); err != nil {
			return apperrors.NewInternal("failed to parse OpenAPI document")
		}

		w.Header().Set("Access-Control-Allow-Origin", "*")
		return api.WriteJSON(w, http.StatusOK, parsed)
	}
}

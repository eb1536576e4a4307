package api

import (
	"encoding/json"
	"net/http"

	"github.com/snapdog/snapdog-go/internal/apperrors"
)

// ErrorResponse wraps the error payload.
// Format: {"error": {"kind": "NOT_FOUND", "message": "..."}}
type ErrorResponse struct {
	Error apperrors.Body `json:"error"`
}

// ListResponse is the envelope for collection endpoints.
// Format: {"object": "list", "data": [...], "has_more": false, "url": "/v1/zones"}
type ListResponse struct {
	Object  string `json:"object"` // always "list"
	Data    any    `json:"data"`
	HasMore bool   `json:"has_more"`
	URL     string `json:"url"`
}

// WriteJSON sends a JSON response with the given status.
func WriteJSON(w http.ResponseWriter, status int, payload any) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	return json.NewEncoder(w).Encode(payload)
}

// WriteError serializes an error into the error envelope using the
// kind-to-status mapping.
func WriteError(w http.ResponseWriter, r *http.Request, err error) {
	appErr := apperrors.Ensure(err)
	_ = WriteJSON(w, apperrors.HTTPStatus(appErr), ErrorResponse{Error: appErr.ErrorBody()})
}

// WriteList writes a collection response.
func WriteList(w http.ResponseWriter, url string, data any, hasMore bool) error {
	return WriteJSON(w, http.StatusOK, ListResponse{Object: "list", Data: data, HasMore: hasMore, URL: url})
}

// WriteResource writes a single resource. The resource should carry its own
// "object" discriminator field.
func WriteResource(w http.ResponseWriter, status int, resource any) error {
	return WriteJSON(w, status, resource)
}

// WriteAction writes the result of a non-CRUD action endpoint.
func WriteAction(w http.ResponseWriter, status int, result any) error {
	return WriteJSON(w, status, result)
}

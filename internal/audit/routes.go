package audit

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/snapdog/snapdog-go/internal/api"
	"github.com/snapdog/snapdog-go/internal/apperrors"
)

// RegisterRoutes wires the audit trail endpoints to the router.
func RegisterRoutes(router chi.Router, service *Service) {
	router.Method(http.MethodGet, "/v1/audit", api.Handler(queryEntries(service)))
	router.Method(http.MethodGet, "/v1/audit/{id}", api.Handler(getEntry(service)))
}

// queryEntries lists recorded commands, newest first.
// GET /v1/audit
func queryEntries(service *Service) func(w http.ResponseWriter, r *http.Request) error {
	return func(w http.ResponseWriter, r *http.Request) error {
		filters, err := parseQueryFilters(r)
		if err != nil {
			return err
		}

		entries, _, hasMore, err := service.Query(filters)
		if err != nil {
			return err
		}

		data := make([]any, 0, len(entries))
		for _, entry := range entries {
			data = append(data, formatEntry(entry))
		}
		return api.WriteList(w, "/v1/audit", data, hasMore)
	}
}

// getEntry returns a single recorded command.
// GET /v1/audit/{id}
func getEntry(service *Service) func(w http.ResponseWriter, r *http.Request) error {
	return func(w http.ResponseWriter, r *http.Request) error {
		entry, err := service.Get(chi.URLParam(r, "id"))
		if err != nil {
			return err
		}
		return api.WriteResource(w, http.StatusOK, formatEntry(*entry))
	}
}

func parseQueryFilters(r *http.Request) (QueryFilters, error) {
	filters := QueryFilters{Limit: DefaultQueryLimit}
	query := r.URL.Query()

	if origin := query.Get("origin"); origin != "" {
		filters.Origin = &origin
	}
	if target := query.Get("target"); target != "" {
		filters.Target = &target
	}
	if command := query.Get("command"); command != "" {
		filters.Command = &command
	}
	if outcome := query.Get("outcome"); outcome != "" {
		switch outcome {
		case OutcomeOK, OutcomeError, OutcomeDenied:
		default:
			return filters, apperrors.NewInvalidArgument("outcome must be %s, %s or %s", OutcomeOK, OutcomeError, OutcomeDenied)
		}
		filters.Outcome = &outcome
	}
	if from := query.Get("from"); from != "" {
		if _, err := time.Parse(time.RFC3339, from); err != nil {
			return filters, apperrors.NewInvalidArgument("from must be an RFC 3339 timestamp")
		}
		filters.Start = &from
	}
	if to := query.Get("to"); to != "" {
		if _, err := time.Parse(time.RFC3339, to); err != nil {
			return filters, apperrors.NewInvalidArgument("to must be an RFC 3339 timestamp")
		}
		filters.End = &to
	}
	if limitRaw := query.Get("limit"); limitRaw != "" {
		limit, err := strconv.Atoi(limitRaw)
		if err != nil || limit < 1 || limit > MaxQueryLimit {
			return filters, apperrors.NewInvalidArgument("limit must be between 1 and %d", MaxQueryLimit)
		}
		filters.Limit = limit
	}
	if offsetRaw := query.Get("offset"); offsetRaw != "" {
		offset, err := strconv.Atoi(offsetRaw)
		if err != nil || offset < 0 {
			return filters, apperrors.NewInvalidArgument("offset must be zero or greater")
		}
		filters.Offset = offset
	}

	return filters, nil
}

func formatEntry(e Entry) any {
	return struct {
		Object string `json:"object"`
		Entry
	}{"audit_entry", e}
}

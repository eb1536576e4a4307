package clients

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/snapdog/snapdog-go/internal/api"
	"github.com/snapdog/snapdog-go/internal/apperrors"
	"github.com/snapdog/snapdog-go/internal/state"
)

// Auditor records the outcome of every command arriving over HTTP.
type Auditor interface {
	RecordCommand(origin, target, command string, detail map[string]any, requestID *string, err error)
}

// RegisterRoutes wires the client endpoints to the router. auditor may
// be nil when no audit store is configured.
func RegisterRoutes(router chi.Router, manager *Manager, auditor Auditor) {
	router.Route("/v1/clients", func(clients chi.Router) {
		clients.Method(http.MethodGet, "/", api.Handler(listClients(manager)))

		clients.Route("/{index}", func(client chi.Router) {
			client.Method(http.MethodGet, "/", api.Handler(getClient(manager)))
			client.Method(http.MethodPut, "/volume", api.Handler(setClientVolume(manager, auditor)))
			client.Method(http.MethodPut, "/mute", api.Handler(setClientMute(manager, auditor)))
			client.Method(http.MethodPut, "/latency", api.Handler(setClientLatency(manager, auditor)))
			client.Method(http.MethodPut, "/name", api.Handler(setClientName(manager, auditor)))
			client.Method(http.MethodPut, "/zone", api.Handler(assignClientZone(manager, auditor)))
		})
	})
}

// listClients returns every configured client ordered by index. The
// zone query parameter narrows the listing to one zone's members.
// GET /v1/clients
func listClients(manager *Manager) func(w http.ResponseWriter, r *http.Request) error {
	return func(w http.ResponseWriter, r *http.Request) error {
		var states map[int]state.ClientState
		if zoneRaw := r.URL.Query().Get("zone"); zoneRaw != "" {
			zone, err := strconv.Atoi(zoneRaw)
			if err != nil || zone < 1 {
				return apperrors.NewInvalidArgument("zone %q must be a positive integer", zoneRaw)
			}
			states = manager.ClientsByZone(zone)
		} else {
			states = manager.AllClients()
		}

		indexes := make([]int, 0, len(states))
		for index := range states {
			indexes = append(indexes, index)
		}
		sort.Ints(indexes)

		data := make([]any, 0, len(indexes))
		for _, index := range indexes {
			data = append(data, formatClient(index, states[index]))
		}
		return api.WriteList(w, "/v1/clients", data, false)
	}
}

// getClient returns one client's state.
// GET /v1/clients/{index}
func getClient(manager *Manager) func(w http.ResponseWriter, r *http.Request) error {
	return func(w http.ResponseWriter, r *http.Request) error {
		index, err := clientIndexParam(r)
		if err != nil {
			return err
		}
		current, err := manager.Client(index)
		if err != nil {
			return err
		}
		return api.WriteResource(w, http.StatusOK, formatClient(index, current))
	}
}

// PUT /v1/clients/{index}/volume
func setClientVolume(manager *Manager, auditor Auditor) func(w http.ResponseWriter, r *http.Request) error {
	return func(w http.ResponseWriter, r *http.Request) error {
		index, err := clientIndexParam(r)
		if err != nil {
			return err
		}
		var body struct {
			Volume *int `json:"volume"`
		}
		if err := decodeClientJSON(r, &body); err != nil || body.Volume == nil {
			return invalidClientBody(r, auditor, index, "volume", "volume is required")
		}
		return clientCommand(w, r, manager, auditor, index, "volume",
			map[string]any{"volume": *body.Volume}, manager.SetVolume(r.Context(), index, *body.Volume))
	}
}

// PUT /v1/clients/{index}/mute
func setClientMute(manager *Manager, auditor Auditor) func(w http.ResponseWriter, r *http.Request) error {
	return func(w http.ResponseWriter, r *http.Request) error {
		index, err := clientIndexParam(r)
		if err != nil {
			return err
		}
		var body struct {
			Mute *bool `json:"mute"`
		}
		if err := decodeClientJSON(r, &body); err != nil || body.Mute == nil {
			return invalidClientBody(r, auditor, index, "mute", "mute is required")
		}
		return clientCommand(w, r, manager, auditor, index, "mute",
			map[string]any{"mute": *body.Mute}, manager.SetMute(r.Context(), index, *body.Mute))
	}
}

// PUT /v1/clients/{index}/latency
func setClientLatency(manager *Manager, auditor Auditor) func(w http.ResponseWriter, r *http.Request) error {
	return func(w http.ResponseWriter, r *http.Request) error {
		index, err := clientIndexParam(r)
		if err != nil {
			return err
		}
		var body struct {
			LatencyMs *int `json:"latencyMs"`
		}
		if err := decodeClientJSON(r, &body); err != nil || body.LatencyMs == nil {
			return invalidClientBody(r, auditor, index, "latency", "latencyMs is required")
		}
		return clientCommand(w, r, manager, auditor, index, "latency",
			map[string]any{"latencyMs": *body.LatencyMs}, manager.SetLatency(r.Context(), index, *body.LatencyMs))
	}
}

// PUT /v1/clients/{index}/name
func setClientName(manager *Manager, auditor Auditor) func(w http.ResponseWriter, r *http.Request) error {
	return func(w http.ResponseWriter, r *http.Request) error {
		index, err := clientIndexParam(r)
		if err != nil {
			return err
		}
		var body struct {
			Name string `json:"name"`
		}
		if err := decodeClientJSON(r, &body); err != nil || strings.TrimSpace(body.Name) == "" {
			return invalidClientBody(r, auditor, index, "name", "name is required")
		}
		return clientCommand(w, r, manager, auditor, index, "name",
			map[string]any{"name": body.Name}, manager.SetName(r.Context(), index, body.Name))
	}
}

// PUT /v1/clients/{index}/zone
func assignClientZone(manager *Manager, auditor Auditor) func(w http.ResponseWriter, r *http.Request) error {
	return func(w http.ResponseWriter, r *http.Request) error {
		index, err := clientIndexParam(r)
		if err != nil {
			return err
		}
		var body struct {
			ZoneIndex *int `json:"zoneIndex"`
		}
		if err := decodeClientJSON(r, &body); err != nil || body.ZoneIndex == nil {
			return invalidClientBody(r, auditor, index, "zone", "zoneIndex is required")
		}
		return clientCommand(w, r, manager, auditor, index, "zone",
			map[string]any{"zoneIndex": *body.ZoneIndex}, manager.AssignToZone(r.Context(), index, *body.ZoneIndex))
	}
}

// clientCommand audits the outcome and, on success, responds with the
// refreshed client state.
func clientCommand(w http.ResponseWriter, r *http.Request, manager *Manager, auditor Auditor, index int, command string, detail map[string]any, err error) error {
	recordClientCommand(r, auditor, index, command, detail, err)
	if err != nil {
		return err
	}
	current, err := manager.Client(index)
	if err != nil {
		return err
	}
	return api.WriteAction(w, http.StatusOK, formatClient(index, current))
}

func recordClientCommand(r *http.Request, auditor Auditor, index int, command string, detail map[string]any, err error) {
	if auditor == nil {
		return
	}
	var requestID *string
	if id := api.GetRequestID(r); id != "" {
		requestID = &id
	}
	auditor.RecordCommand("api", fmt.Sprintf("client:%d", index), command, detail, requestID, err)
}

func invalidClientBody(r *http.Request, auditor Auditor, index int, command, message string) error {
	err := apperrors.New(apperrors.KindInvalidArgument, message)
	recordClientCommand(r, auditor, index, command, nil, err)
	return err
}

func clientIndexParam(r *http.Request) (int, error) {
	raw := chi.URLParam(r, "index")
	index, err := strconv.Atoi(raw)
	if err != nil || index < 1 {
		return 0, apperrors.NewInvalidArgument("client index %q must be a positive integer", raw)
	}
	return index, nil
}

func decodeClientJSON(r *http.Request, dst any) error {
	return json.NewDecoder(r.Body).Decode(dst)
}

func formatClient(index int, s state.ClientState) any {
	return struct {
		Object      string `json:"object"`
		ClientIndex int    `json:"clientIndex"`
		state.ClientState
	}{"client", index, s}
}

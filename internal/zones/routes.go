package zones

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/snapdog/snapdog-go/internal/api"
	"github.com/snapdog/snapdog-go/internal/apperrors"
	"github.com/snapdog/snapdog-go/internal/state"
)

// Auditor records the outcome of every command arriving over HTTP.
type Auditor interface {
	RecordCommand(origin, target, command string, detail map[string]any, requestID *string, err error)
}

// RegisterRoutes wires the zone endpoints to the router. auditor may be
// nil when no audit store is configured.
func RegisterRoutes(router chi.Router, manager *Manager, auditor Auditor) {
	router.Route("/v1/zones", func(zones chi.Router) {
		zones.Method(http.MethodGet, "/", api.Handler(listZones(manager)))

		zones.Route("/{index}", func(zone chi.Router) {
			zone.Method(http.MethodGet, "/", api.Handler(getZone(manager)))

			zone.Method(http.MethodPost, "/play", api.Handler(playZone(manager, auditor)))
			zone.Method(http.MethodPost, "/pause", api.Handler(pauseZone(manager, auditor)))
			zone.Method(http.MethodPost, "/stop", api.Handler(stopZone(manager, auditor)))

			zone.Method(http.MethodPost, "/next", api.Handler(nextTrack(manager, auditor)))
			zone.Method(http.MethodPost, "/previous", api.Handler(previousTrack(manager, auditor)))
			zone.Method(http.MethodPut, "/track", api.Handler(setTrack(manager, auditor)))
			zone.Method(http.MethodPut, "/playlist", api.Handler(setPlaylist(manager, auditor)))

			zone.Method(http.MethodPut, "/volume", api.Handler(setZoneVolume(manager, auditor)))
			zone.Method(http.MethodPost, "/volume/up", api.Handler(zoneVolumeStep(manager, auditor, "up")))
			zone.Method(http.MethodPost, "/volume/down", api.Handler(zoneVolumeStep(manager, auditor, "down")))
			zone.Method(http.MethodPut, "/mute", api.Handler(setZoneMute(manager, auditor)))
			zone.Method(http.MethodPost, "/mute/toggle", api.Handler(toggleZoneMute(manager, auditor)))

			zone.Method(http.MethodPut, "/position", api.Handler(seekToPosition(manager, auditor)))
			zone.Method(http.MethodPut, "/progress", api.Handler(seekToProgress(manager, auditor)))

			zone.Method(http.MethodPut, "/repeat/track", api.Handler(setTrackRepeat(manager, auditor)))
			zone.Method(http.MethodPost, "/repeat/track/toggle", api.Handler(toggleTrackRepeat(manager, auditor)))
			zone.Method(http.MethodPut, "/repeat/playlist", api.Handler(setPlaylistRepeat(manager, auditor)))
			zone.Method(http.MethodPost, "/repeat/playlist/toggle", api.Handler(togglePlaylistRepeat(manager, auditor)))
			zone.Method(http.MethodPut, "/shuffle", api.Handler(setShuffle(manager, auditor)))
			zone.Method(http.MethodPost, "/shuffle/toggle", api.Handler(toggleShuffle(manager, auditor)))
		})
	})
}

// listZones returns every zone's state ordered by index.
// GET /v1/zones
func listZones(manager *Manager) func(w http.ResponseWriter, r *http.Request) error {
	return func(w http.ResponseWriter, r *http.Request) error {
		states := manager.AllStates()
		indexes := make([]int, 0, len(states))
		for index := range states {
			indexes = append(indexes, index)
		}
		sort.Ints(indexes)

		data := make([]any, 0, len(indexes))
		for _, index := range indexes {
			data = append(data, formatZone(index, states[index]))
		}
		return api.WriteList(w, "/v1/zones", data, false)
	}
}

// getZone returns one zone's state.
// GET /v1/zones/{index}
func getZone(manager *Manager) func(w http.ResponseWriter, r *http.Request) error {
	return func(w http.ResponseWriter, r *http.Request) error {
		index, err := zoneIndexParam(r)
		if err != nil {
			return err
		}
		current, err := manager.State(r.Context(), index)
		if err != nil {
			return err
		}
		return api.WriteResource(w, http.StatusOK, formatZone(index, current))
	}
}

// POST /v1/zones/{index}/play
// Optional body selects a track by 1-based index or plays a raw URL.
func playZone(manager *Manager, auditor Auditor) func(w http.ResponseWriter, r *http.Request) error {
	return func(w http.ResponseWriter, r *http.Request) error {
		index, err := zoneIndexParam(r)
		if err != nil {
			return err
		}
		var body struct {
			TrackIndex *int   `json:"trackIndex"`
			URL        string `json:"url"`
		}
		if err := decodeJSON(r, &body); err != nil && !errors.Is(err, io.EOF) {
			return invalidZoneBody(r, auditor, index, "playback", "invalid request body")
		}

		detail := map[string]any{"action": "play"}
		var cmdErr error
		switch {
		case body.TrackIndex != nil:
			detail["trackIndex"] = *body.TrackIndex
			cmdErr = manager.PlayTrack(r.Context(), index, *body.TrackIndex)
		case body.URL != "":
			detail["url"] = body.URL
			cmdErr = manager.PlayURL(r.Context(), index, body.URL)
		default:
			cmdErr = manager.Play(r.Context(), index)
		}
		return zoneCommand(w, r, manager, auditor, index, "playback", detail, cmdErr)
	}
}

// POST /v1/zones/{index}/pause
func pauseZone(manager *Manager, auditor Auditor) func(w http.ResponseWriter, r *http.Request) error {
	return func(w http.ResponseWriter, r *http.Request) error {
		index, err := zoneIndexParam(r)
		if err != nil {
			return err
		}
		return zoneCommand(w, r, manager, auditor, index, "playback",
			map[string]any{"action": "pause"}, manager.Pause(r.Context(), index))
	}
}

// POST /v1/zones/{index}/stop
func stopZone(manager *Manager, auditor Auditor) func(w http.ResponseWriter, r *http.Request) error {
	return func(w http.ResponseWriter, r *http.Request) error {
		index, err := zoneIndexParam(r)
		if err != nil {
			return err
		}
		return zoneCommand(w, r, manager, auditor, index, "playback",
			map[string]any{"action": "stop"}, manager.Stop(r.Context(), index))
	}
}

// POST /v1/zones/{index}/next
func nextTrack(manager *Manager, auditor Auditor) func(w http.ResponseWriter, r *http.Request) error {
	return func(w http.ResponseWriter, r *http.Request) error {
		index, err := zoneIndexParam(r)
		if err != nil {
			return err
		}
		return zoneCommand(w, r, manager, auditor, index, "track",
			map[string]any{"action": "next"}, manager.NextTrack(r.Context(), index))
	}
}

// POST /v1/zones/{index}/previous
func previousTrack(manager *Manager, auditor Auditor) func(w http.ResponseWriter, r *http.Request) error {
	return func(w http.ResponseWriter, r *http.Request) error {
		index, err := zoneIndexParam(r)
		if err != nil {
			return err
		}
		return zoneCommand(w, r, manager, auditor, index, "track",
			map[string]any{"action": "previous"}, manager.PreviousTrack(r.Context(), index))
	}
}

// PUT /v1/zones/{index}/track
func setTrack(manager *Manager, auditor Auditor) func(w http.ResponseWriter, r *http.Request) error {
	return func(w http.ResponseWriter, r *http.Request) error {
		index, err := zoneIndexParam(r)
		if err != nil {
			return err
		}
		var body struct {
			Index *int `json:"index"`
		}
		if err := decodeJSON(r, &body); err != nil || body.Index == nil {
			return invalidZoneBody(r, auditor, index, "track", "index is required")
		}
		return zoneCommand(w, r, manager, auditor, index, "track",
			map[string]any{"index": *body.Index}, manager.SetTrack(r.Context(), index, *body.Index))
	}
}

// PUT /v1/zones/{index}/playlist
// Selects by 1-based index or by playlist id.
func setPlaylist(manager *Manager, auditor Auditor) func(w http.ResponseWriter, r *http.Request) error {
	return func(w http.ResponseWriter, r *http.Request) error {
		index, err := zoneIndexParam(r)
		if err != nil {
			return err
		}
		var body struct {
			Index *int   `json:"index"`
			ID    string `json:"id"`
		}
		if err := decodeJSON(r, &body); err != nil {
			return invalidZoneBody(r, auditor, index, "playlist", "invalid request body")
		}
		switch {
		case body.Index != nil:
			return zoneCommand(w, r, manager, auditor, index, "playlist",
				map[string]any{"index": *body.Index}, manager.SetPlaylist(r.Context(), index, *body.Index))
		case body.ID != "":
			return zoneCommand(w, r, manager, auditor, index, "playlist",
				map[string]any{"id": body.ID}, manager.SetPlaylistByID(r.Context(), index, body.ID))
		default:
			return invalidZoneBody(r, auditor, index, "playlist", "index or id is required")
		}
	}
}

// PUT /v1/zones/{index}/volume
func setZoneVolume(manager *Manager, auditor Auditor) func(w http.ResponseWriter, r *http.Request) error {
	return func(w http.ResponseWriter, r *http.Request) error {
		index, err := zoneIndexParam(r)
		if err != nil {
			return err
		}
		var body struct {
			Volume *int `json:"volume"`
		}
		if err := decodeJSON(r, &body); err != nil || body.Volume == nil {
			return invalidZoneBody(r, auditor, index, "volume", "volume is required")
		}
		return zoneCommand(w, r, manager, auditor, index, "volume",
			map[string]any{"volume": *body.Volume}, manager.SetVolume(r.Context(), index, *body.Volume))
	}
}

// POST /v1/zones/{index}/volume/{up|down}
// Optional body overrides the default step.
func zoneVolumeStep(manager *Manager, auditor Auditor, direction string) func(w http.ResponseWriter, r *http.Request) error {
	return func(w http.ResponseWriter, r *http.Request) error {
		index, err := zoneIndexParam(r)
		if err != nil {
			return err
		}
		var body struct {
			Step int `json:"step"`
		}
		if err := decodeJSON(r, &body); err != nil && !errors.Is(err, io.EOF) {
			return invalidZoneBody(r, auditor, index, "volume", "invalid request body")
		}

		detail := map[string]any{"action": direction}
		if body.Step > 0 {
			detail["step"] = body.Step
		}
		var cmdErr error
		if direction == "up" {
			cmdErr = manager.VolumeUp(r.Context(), index, body.Step)
		} else {
			cmdErr = manager.VolumeDown(r.Context(), index, body.Step)
		}
		return zoneCommand(w, r, manager, auditor, index, "volume", detail, cmdErr)
	}
}

// PUT /v1/zones/{index}/mute
func setZoneMute(manager *Manager, auditor Auditor) func(w http.ResponseWriter, r *http.Request) error {
	return func(w http.ResponseWriter, r *http.Request) error {
		index, err := zoneIndexParam(r)
		if err != nil {
			return err
		}
		var body struct {
			Mute *bool `json:"mute"`
		}
		if err := decodeJSON(r, &body); err != nil || body.Mute == nil {
			return invalidZoneBody(r, auditor, index, "mute", "mute is required")
		}
		return zoneCommand(w, r, manager, auditor, index, "mute",
			map[string]any{"mute": *body.Mute}, manager.SetMute(r.Context(), index, *body.Mute))
	}
}

// POST /v1/zones/{index}/mute/toggle
func toggleZoneMute(manager *Manager, auditor Auditor) func(w http.ResponseWriter, r *http.Request) error {
	return func(w http.ResponseWriter, r *http.Request) error {
		index, err := zoneIndexParam(r)
		if err != nil {
			return err
		}
		return zoneCommand(w, r, manager, auditor, index, "mute",
			map[string]any{"action": "toggle"}, manager.ToggleMute(r.Context(), index))
	}
}

// PUT /v1/zones/{index}/position
func seekToPosition(manager *Manager, auditor Auditor) func(w http.ResponseWriter, r *http.Request) error {
	return func(w http.ResponseWriter, r *http.Request) error {
		index, err := zoneIndexParam(r)
		if err != nil {
			return err
		}
		var body struct {
			PositionMs *int64 `json:"positionMs"`
		}
		if err := decodeJSON(r, &body); err != nil || body.PositionMs == nil {
			return invalidZoneBody(r, auditor, index, "position", "positionMs is required")
		}
		return zoneCommand(w, r, manager, auditor, index, "position",
			map[string]any{"positionMs": *body.PositionMs}, manager.SeekToPosition(r.Context(), index, *body.PositionMs))
	}
}

// PUT /v1/zones/{index}/progress
func seekToProgress(manager *Manager, auditor Auditor) func(w http.ResponseWriter, r *http.Request) error {
	return func(w http.ResponseWriter, r *http.Request) error {
		index, err := zoneIndexParam(r)
		if err != nil {
			return err
		}
		var body struct {
			Progress *float64 `json:"progress"`
		}
		if err := decodeJSON(r, &body); err != nil || body.Progress == nil {
			return invalidZoneBody(r, auditor, index, "progress", "progress is required")
		}
		return zoneCommand(w, r, manager, auditor, index, "progress",
			map[string]any{"progress": *body.Progress}, manager.SeekToProgress(r.Context(), index, *body.Progress))
	}
}

// PUT /v1/zones/{index}/repeat/track
func setTrackRepeat(manager *Manager, auditor Auditor) func(w http.ResponseWriter, r *http.Request) error {
	return func(w http.ResponseWriter, r *http.Request) error {
		index, err := zoneIndexParam(r)
		if err != nil {
			return err
		}
		enabled, err := decodeEnabled(r)
		if err != nil {
			return invalidZoneBody(r, auditor, index, "track_repeat", "enabled is required")
		}
		return zoneCommand(w, r, manager, auditor, index, "track_repeat",
			map[string]any{"enabled": enabled}, manager.SetTrackRepeat(r.Context(), index, enabled))
	}
}

// POST /v1/zones/{index}/repeat/track/toggle
func toggleTrackRepeat(manager *Manager, auditor Auditor) func(w http.ResponseWriter, r *http.Request) error {
	return func(w http.ResponseWriter, r *http.Request) error {
		index, err := zoneIndexParam(r)
		if err != nil {
			return err
		}
		return zoneCommand(w, r, manager, auditor, index, "track_repeat",
			map[string]any{"action": "toggle"}, manager.ToggleTrackRepeat(r.Context(), index))
	}
}

// PUT /v1/zones/{index}/repeat/playlist
func setPlaylistRepeat(manager *Manager, auditor Auditor) func(w http.ResponseWriter, r *http.Request) error {
	return func(w http.ResponseWriter, r *http.Request) error {
		index, err := zoneIndexParam(r)
		if err != nil {
			return err
		}
		enabled, err := decodeEnabled(r)
		if err != nil {
			return invalidZoneBody(r, auditor, index, "playlist_repeat", "enabled is required")
		}
		return zoneCommand(w, r, manager, auditor, index, "playlist_repeat",
			map[string]any{"enabled": enabled}, manager.SetPlaylistRepeat(r.Context(), index, enabled))
	}
}

// POST /v1/zones/{index}/repeat/playlist/toggle
func togglePlaylistRepeat(manager *Manager, auditor Auditor) func(w http.ResponseWriter, r *http.Request) error {
	return func(w http.ResponseWriter, r *http.Request) error {
		index, err := zoneIndexParam(r)
		if err != nil {
			return err
		}
		return zoneCommand(w, r, manager, auditor, index, "playlist_repeat",
			map[string]any{"action": "toggle"}, manager.TogglePlaylistRepeat(r.Context(), index))
	}
}

// PUT /v1/zones/{index}/shuffle
func setShuffle(manager *Manager, auditor Auditor) func(w http.ResponseWriter, r *http.Request) error {
	return func(w http.ResponseWriter, r *http.Request) error {
		index, err := zoneIndexParam(r)
		if err != nil {
			return err
		}
		enabled, err := decodeEnabled(r)
		if err != nil {
			return invalidZoneBody(r, auditor, index, "shuffle", "enabled is required")
		}
		return zoneCommand(w, r, manager, auditor, index, "shuffle",
			map[string]any{"enabled": enabled}, manager.SetPlaylistShuffle(r.Context(), index, enabled))
	}
}

// POST /v1/zones/{index}/shuffle/toggle
func toggleShuffle(manager *Manager, auditor Auditor) func(w http.ResponseWriter, r *http.Request) error {
	return func(w http.ResponseWriter, r *http.Request) error {
		index, err := zoneIndexParam(r)
		if err != nil {
			return err
		}
		return zoneCommand(w, r, manager, auditor, index, "shuffle",
			map[string]any{"action": "toggle"}, manager.TogglePlaylistShuffle(r.Context(), index))
	}
}

// zoneCommand audits the outcome and, on success, responds with the
// refreshed zone state.
func zoneCommand(w http.ResponseWriter, r *http.Request, manager *Manager, auditor Auditor, index int, command string, detail map[string]any, err error) error {
	recordZoneCommand(r, auditor, index, command, detail, err)
	if err != nil {
		return err
	}
	current, err := manager.State(r.Context(), index)
	if err != nil {
		return err
	}
	return api.WriteAction(w, http.StatusOK, formatZone(index, current))
}

func recordZoneCommand(r *http.Request, auditor Auditor, index int, command string, detail map[string]any, err error) {
	if auditor == nil {
		return
	}
	var requestID *string
	if id := api.GetRequestID(r); id != "" {
		requestID = &id
	}
	auditor.RecordCommand("api", fmt.Sprintf("zone:%d", index), command, detail, requestID, err)
}

func invalidZoneBody(r *http.Request, auditor Auditor, index int, command, message string) error {
	err := apperrors.New(apperrors.KindInvalidArgument, message)
	recordZoneCommand(r, auditor, index, command, nil, err)
	return err
}

func zoneIndexParam(r *http.Request) (int, error) {
	raw := chi.URLParam(r, "index")
	index, err := strconv.Atoi(raw)
	if err != nil || index < 1 {
		return 0, apperrors.NewInvalidArgument("zone index %q must be a positive integer", raw)
	}
	return index, nil
}

func decodeEnabled(r *http.Request) (bool, error) {
	var body struct {
		Enabled *bool `json:"enabled"`
	}
	if err := decodeJSON(r, &body); err != nil || body.Enabled == nil {
		return false, apperrors.New(apperrors.KindInvalidArgument, "enabled is required")
	}
	return *body.Enabled, nil
}

func decodeJSON(r *http.Request, dst any) error {
	return json.NewDecoder(r.Body).Decode(dst)
}

func formatZone(index int, s state.ZoneState) any {
	return struct {
		Object    string `json:"object"`
		ZoneIndex int    `json:"zoneIndex"`
		state.ZoneState
	}{"zone", index, s}
}

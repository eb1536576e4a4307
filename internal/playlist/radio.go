package playlist

import (
	"context"

	"github.com/snapdog/snapdog-go/internal/apperrors"
	"github.com/snapdog/snapdog-go/internal/config"
	"github.com/snapdog/snapdog-go/internal/state"
)

// RadioPlaylistIndex is the fixed index of the built-in radio playlist.
const RadioPlaylistIndex = 1

// RadioPlaylistID is its stable identifier.
const RadioPlaylistID = "radio"

// RadioProvider serves the configured internet radio stations as playlist 1.
// Stations are live streams: duration and position are unknown.
type RadioProvider struct {
	stations []config.RadioStation
}

func NewRadioProvider(stations []config.RadioStation) *RadioProvider {
	return &RadioProvider{stations: stations}
}

func (p *RadioProvider) info() state.PlaylistInfo {
	return state.PlaylistInfo{
		Source:     state.SourceRadio,
		Index:      RadioPlaylistIndex,
		ID:         RadioPlaylistID,
		Name:       "Radio",
		TrackCount: len(p.stations),
	}
}

func (p *RadioProvider) Playlists(context.Context) ([]state.PlaylistInfo, error) {
	return []state.PlaylistInfo{p.info()}, nil
}

func (p *RadioProvider) PlaylistByIndex(_ context.Context, index int) (state.PlaylistInfo, error) {
	if index != RadioPlaylistIndex {
		return state.PlaylistInfo{}, apperrors.NewNotFound("playlist %d not found", index)
	}
	return p.info(), nil
}

func (p *RadioProvider) PlaylistByID(_ context.Context, id string) (state.PlaylistInfo, error) {
	if id != RadioPlaylistID {
		return state.PlaylistInfo{}, apperrors.NewNotFound("playlist %q not found", id)
	}
	return p.info(), nil
}

func (p *RadioProvider) Tracks(_ context.Context, playlistIndex int) ([]state.TrackInfo, error) {
	if playlistIndex != RadioPlaylistIndex {
		return nil, apperrors.NewNotFound("playlist %d not found", playlistIndex)
	}
	tracks := make([]state.TrackInfo, len(p.stations))
	for i, st := range p.stations {
		tracks[i] = p.track(i+1, st)
	}
	return tracks, nil
}

func (p *RadioProvider) Track(_ context.Context, playlistIndex, trackIndex int) (state.TrackInfo, error) {
	if playlistIndex != RadioPlaylistIndex {
		return state.TrackInfo{}, apperrors.NewNotFound("playlist %d not found", playlistIndex)
	}
	if trackIndex < 1 || trackIndex > len(p.stations) {
		return state.TrackInfo{}, apperrors.NewNotFound("track %d not found in playlist %d", trackIndex, playlistIndex)
	}
	return p.track(trackIndex, p.stations[trackIndex-1]), nil
}

func (p *RadioProvider) track(index int, st config.RadioStation) state.TrackInfo {
	return state.TrackInfo{
		Source: state.SourceRadio,
		Index:  index,
		Title:  st.Name,
		URL:    st.URL,
	}
}

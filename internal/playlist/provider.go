// Package playlist resolves playlists and tracks for zones by 1-based
// index. The core only ever talks to the Provider interface; where the
// entries come from is a provider concern.
package playlist

import (
	"context"

	"github.com/snapdog/snapdog-go/internal/state"
)

// Provider is the narrow capability the zones navigate tracks through.
type Provider interface {
	Playlists(ctx context.Context) ([]state.PlaylistInfo, error)
	PlaylistByIndex(ctx context.Context, index int) (state.PlaylistInfo, error)
	PlaylistByID(ctx context.Context, id string) (state.PlaylistInfo, error)
	Tracks(ctx context.Context, playlistIndex int) ([]state.TrackInfo, error)
	Track(ctx context.Context, playlistIndex, trackIndex int) (state.TrackInfo, error)
}

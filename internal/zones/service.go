// Package zones implements the per-zone playback coordinators. A zone owns
// its ZoneState record, drives the media player into the zone's sink,
// mirrors the zone onto a Snapcast group, and fans volume changes out to
// the clients of that group.
package zones

import (
	"context"
	"log"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/snapdog/snapdog-go/internal/apperrors"
	"github.com/snapdog/snapdog-go/internal/config"
	"github.com/snapdog/snapdog-go/internal/locking"
	"github.com/snapdog/snapdog-go/internal/notify"
	"github.com/snapdog/snapdog-go/internal/player"
	"github.com/snapdog/snapdog-go/internal/playlist"
	"github.com/snapdog/snapdog-go/internal/snapcast"
	"github.com/snapdog/snapdog-go/internal/state"
)

// staleAfter is how long getState waits for the zone lock before serving
// the last known record marked stale.
const staleAfter = 3 * time.Second

const defaultVolumeStep = 5

// GroupControl is the Snapcast group surface a zone drives.
type GroupControl interface {
	SetGroupMute(ctx context.Context, id string, mute bool) error
	SetGroupName(ctx context.Context, id string, name string) error
}

// ClientFanOut is the capability the Client Manager exposes to zones.
type ClientFanOut interface {
	ScaleZoneVolume(ctx context.Context, zoneIndex, target int) error
	ClientsByZone(zoneIndex int) map[int]state.ClientState
}

// Player is the media player surface a zone drives.
type Player interface {
	Play(ctx context.Context, zone int, track state.TrackInfo) error
	Pause(ctx context.Context, zone int) error
	Stop(ctx context.Context, zone int) error
	Status(zone int) player.Status
	SeekToPositionMs(ctx context.Context, zone int, positionMs int64) error
	SeekToProgress(ctx context.Context, zone int, fraction float64) error
}

// Service coordinates one zone. All mutations run under the zone's lock;
// the record is only replaced, and notifications only published, after the
// Snapcast or player call succeeded.
type Service struct {
	index    int
	conf     config.ZoneConfig
	streamID string
	interval time.Duration

	group     GroupControl
	clients   ClientFanOut
	player    Player
	playlists playlist.Provider
	repo      *snapcast.Repository
	store     *state.ZoneStore
	locks     *locking.EntityLock
	bus       *notify.Bus
	factory   notify.Factory
	logger    *log.Logger

	pumpMu   sync.Mutex
	pumpStop chan struct{}

	progMu         sync.Mutex
	lastPositionMs int64
	lastProgressAt time.Time
}

// Index returns the zone's 1-based index.
func (s *Service) Index() int { return s.index }

// StreamID returns the Snapcast stream id derived from the zone's sink.
func (s *Service) StreamID() string { return s.streamID }

// mutate runs fn under the zone lock and commits its result.
func (s *Service) mutate(ctx context.Context, fn func(cur state.ZoneState) (state.ZoneState, []notify.Notification, error)) error {
	return s.locks.WithLock(ctx, s.index, locking.DefaultTimeout, func() error {
		cur, _ := s.store.Get(s.index)
		next, notes, err := fn(cur)
		if err != nil {
			return err
		}
		s.store.Set(s.index, next)
		for _, n := range notes {
			s.bus.Publish(n)
		}
		return nil
	})
}

// initialize binds the zone to an existing Snapcast group for its stream
// and computes the initial clients set.
func (s *Service) initialize(ctx context.Context) error {
	return s.mutate(ctx, func(cur state.ZoneState) (state.ZoneState, []notify.Notification, error) {
		next := cur.With(func(z *state.ZoneState) {
			z.Name = s.conf.Name
			z.SnapcastStreamID = s.streamID
			z.Clients = sortedIndexes(s.clients.ClientsByZone(s.index))
			if g, ok := s.repo.GroupForStream(s.streamID); ok {
				z.SnapcastGroupID = g.ID
				z.Mute = g.Muted
			}
		})
		if next.SnapcastGroupID != "" {
			if g, ok := s.repo.Group(next.SnapcastGroupID); ok && g.Name != s.conf.Name {
				if err := s.group.SetGroupName(ctx, g.ID, s.conf.Name); err != nil {
					s.logger.Printf("ZONE %d: rename group %s: %v", s.index, g.ID, err)
				}
			}
		}
		return next, nil, nil
	})
}

// GetState returns the zone record. If the zone lock cannot be acquired
// within the stale window, the last known record is served marked stale.
func (s *Service) GetState(ctx context.Context) (state.ZoneState, error) {
	var out state.ZoneState
	err := s.locks.WithLock(ctx, s.index, staleAfter, func() error {
		out, _ = s.store.Get(s.index)
		return nil
	})
	if err != nil {
		if apperrors.IsKind(err, apperrors.KindDeadlineExceeded) {
			out, _ = s.store.Get(s.index)
			out.Stale = true
			return out, nil
		}
		return state.ZoneState{}, err
	}
	return out, nil
}

// Play starts the staged track.
func (s *Service) Play(ctx context.Context) error {
	err := s.mutate(ctx, func(cur state.ZoneState) (state.ZoneState, []notify.Notification, error) {
		if !cur.Track.Playable() {
			return cur, nil, apperrors.NewFailedPrecondition("zone %d has no track available to play", s.index)
		}
		if cur.PlaybackState == state.PlaybackPlaying {
			return cur, nil, nil
		}
		if err := s.player.Play(ctx, s.index, *cur.Track); err != nil {
			return cur, nil, err
		}
		next := cur.With(func(z *state.ZoneState) {
			z.PlaybackState = state.PlaybackPlaying
			z.Track.IsPlaying = true
		})
		return next, []notify.Notification{
			s.factory.ZonePlaybackStateChanged(s.index, state.PlaybackPlaying),
			s.factory.ZoneStateChanged(s.index, next),
		}, nil
	})
	if err == nil {
		s.startPump()
	}
	return err
}

// PlayTrack resolves a track from the current playlist and plays it.
func (s *Service) PlayTrack(ctx context.Context, trackIndex int) error {
	err := s.mutate(ctx, func(cur state.ZoneState) (state.ZoneState, []notify.Notification, error) {
		if cur.Playlist == nil {
			return cur, nil, apperrors.NewFailedPrecondition("zone %d has no playlist selected", s.index)
		}
		track, err := s.playlists.Track(ctx, cur.Playlist.Index, trackIndex)
		if err != nil {
			return cur, nil, err
		}
		if err := s.player.Play(ctx, s.index, track); err != nil {
			return cur, nil, err
		}
		next := cur.With(func(z *state.ZoneState) {
			z.PlaybackState = state.PlaybackPlaying
			z.Track = stagedTrack(track, true)
		})
		notes := s.trackNotes(next)
		notes = append(notes, s.factory.ZonePlaybackStateChanged(s.index, state.PlaybackPlaying), s.factory.ZoneStateChanged(s.index, next))
		return next, notes, nil
	})
	if err == nil {
		s.startPump()
	}
	return err
}

// PlayURL plays an arbitrary stream URL as a synthetic track.
func (s *Service) PlayURL(ctx context.Context, url string) error {
	if url == "" {
		return apperrors.NewInvalidArgument("zone %d: empty stream URL", s.index)
	}
	err := s.mutate(ctx, func(cur state.ZoneState) (state.ZoneState, []notify.Notification, error) {
		track := state.TrackInfo{Source: state.SourceStream, Index: 0, Title: "Stream", URL: url}
		if err := s.player.Play(ctx, s.index, track); err != nil {
			return cur, nil, err
		}
		next := cur.With(func(z *state.ZoneState) {
			z.PlaybackState = state.PlaybackPlaying
			z.Track = stagedTrack(track, true)
		})
		notes := s.trackNotes(next)
		notes = append(notes, s.factory.ZonePlaybackStateChanged(s.index, state.PlaybackPlaying), s.factory.ZoneStateChanged(s.index, next))
		return next, notes, nil
	})
	if err == nil {
		s.startPump()
	}
	return err
}

// Pause suspends playback.
func (s *Service) Pause(ctx context.Context) error {
	err := s.mutate(ctx, func(cur state.ZoneState) (state.ZoneState, []notify.Notification, error) {
		if cur.PlaybackState == state.PlaybackPaused {
			return cur, nil, nil
		}
		if err := s.player.Pause(ctx, s.index); err != nil {
			return cur, nil, err
		}
		next := cur.With(func(z *state.ZoneState) {
			z.PlaybackState = state.PlaybackPaused
			if z.Track != nil {
				z.Track.IsPlaying = false
			}
		})
		return next, []notify.Notification{
			s.factory.ZonePlaybackStateChanged(s.index, state.PlaybackPaused),
			s.factory.ZoneStateChanged(s.index, next),
		}, nil
	})
	if err == nil {
		s.stopPump()
	}
	return err
}

// Stop ends playback and rewinds the staged track.
func (s *Service) Stop(ctx context.Context) error {
	err := s.mutate(ctx, func(cur state.ZoneState) (state.ZoneState, []notify.Notification, error) {
		if cur.PlaybackState == state.PlaybackStopped {
			return cur, nil, nil
		}
		if err := s.player.Stop(ctx, s.index); err != nil {
			return cur, nil, err
		}
		next := stoppedState(cur)
		return next, []notify.Notification{
			s.factory.ZonePlaybackStateChanged(s.index, state.PlaybackStopped),
			s.factory.ZoneStateChanged(s.index, next),
		}, nil
	})
	if err == nil {
		s.stopPump()
	}
	return err
}

// SeekToPosition seeks within the current track; the record catches up via
// the player's position events.
func (s *Service) SeekToPosition(ctx context.Context, positionMs int64) error {
	return s.mutate(ctx, func(cur state.ZoneState) (state.ZoneState, []notify.Notification, error) {
		return cur, nil, s.player.SeekToPositionMs(ctx, s.index, positionMs)
	})
}

// SeekToProgress seeks to a fraction of the current track.
func (s *Service) SeekToProgress(ctx context.Context, fraction float64) error {
	return s.mutate(ctx, func(cur state.ZoneState) (state.ZoneState, []notify.Notification, error) {
		return cur, nil, s.player.SeekToProgress(ctx, s.index, state.ClampProgress(fraction))
	})
}

// SetVolume scales every client in the zone's group towards the target and
// records the new zone volume.
func (s *Service) SetVolume(ctx context.Context, volume int) error {
	volume = state.ClampVolume(volume)
	return s.mutate(ctx, func(cur state.ZoneState) (state.ZoneState, []notify.Notification, error) {
		if err := s.clients.ScaleZoneVolume(ctx, s.index, volume); err != nil {
			return cur, nil, err
		}
		next := cur.With(func(z *state.ZoneState) { z.Volume = volume })
		return next, []notify.Notification{
			s.factory.ZoneVolumeChanged(s.index, volume),
			s.factory.ZoneStateChanged(s.index, next),
		}, nil
	})
}

// VolumeUp raises the zone volume by step (default 5).
func (s *Service) VolumeUp(ctx context.Context, step int) error {
	if step <= 0 {
		step = defaultVolumeStep
	}
	cur, _ := s.store.Get(s.index)
	return s.SetVolume(ctx, cur.Volume+step)
}

// VolumeDown lowers the zone volume by step (default 5).
func (s *Service) VolumeDown(ctx context.Context, step int) error {
	if step <= 0 {
		step = defaultVolumeStep
	}
	cur, _ := s.store.Get(s.index)
	return s.SetVolume(ctx, cur.Volume-step)
}

// SetMute mutes or unmutes the zone's Snapcast group. A zone without a
// bound group only records the flag.
func (s *Service) SetMute(ctx context.Context, mute bool) error {
	return s.mutate(ctx, func(cur state.ZoneState) (state.ZoneState, []notify.Notification, error) {
		groupID := cur.SnapcastGroupID
		if groupID == "" {
			if g, ok := s.repo.GroupForStream(s.streamID); ok {
				groupID = g.ID
			}
		}
		if groupID != "" {
			if err := s.group.SetGroupMute(ctx, groupID, mute); err != nil {
				return cur, nil, err
			}
		}
		next := cur.With(func(z *state.ZoneState) {
			z.Mute = mute
			z.SnapcastGroupID = groupID
		})
		return next, []notify.Notification{
			s.factory.ZoneMuteChanged(s.index, mute),
			s.factory.ZoneStateChanged(s.index, next),
		}, nil
	})
}

// ToggleMute flips the zone mute flag.
func (s *Service) ToggleMute(ctx context.Context) error {
	cur, _ := s.store.Get(s.index)
	return s.SetMute(ctx, !cur.Mute)
}

// SetTrack stages (or, while playing, switches to) a track of the current
// playlist. Re-selecting the current track is a no-op.
func (s *Service) SetTrack(ctx context.Context, trackIndex int) error {
	return s.mutate(ctx, func(cur state.ZoneState) (state.ZoneState, []notify.Notification, error) {
		if cur.Playlist == nil {
			return cur, nil, apperrors.NewFailedPrecondition("zone %d has no playlist selected", s.index)
		}
		if cur.Track != nil && cur.Track.Source != state.SourceNone && cur.Track.Index == trackIndex {
			return cur, nil, nil
		}
		track, err := s.playlists.Track(ctx, cur.Playlist.Index, trackIndex)
		if err != nil {
			return cur, nil, err
		}
		playing := cur.PlaybackState == state.PlaybackPlaying
		if playing {
			if err := s.player.Play(ctx, s.index, track); err != nil {
				return cur, nil, err
			}
		}
		next := cur.With(func(z *state.ZoneState) {
			z.Track = stagedTrack(track, playing)
		})
		notes := s.trackNotes(next)
		notes = append(notes, s.factory.ZoneStateChanged(s.index, next))
		return next, notes, nil
	})
}

// NextTrack advances to the next playlist track; past the end the provider
// answers NotFound.
func (s *Service) NextTrack(ctx context.Context) error {
	cur, _ := s.store.Get(s.index)
	target := 1
	if cur.Track != nil && cur.Track.Source != state.SourceNone {
		target = cur.Track.Index + 1
	}
	return s.SetTrack(ctx, target)
}

// PreviousTrack steps back one track, floor-clamped at the first.
func (s *Service) PreviousTrack(ctx context.Context) error {
	cur, _ := s.store.Get(s.index)
	target := 1
	if cur.Track != nil && cur.Track.Source != state.SourceNone && cur.Track.Index > 1 {
		target = cur.Track.Index - 1
	}
	return s.SetTrack(ctx, target)
}

// SetPlaylist selects a playlist by 1-based index without starting
// playback. A staged track that does not exist in the new playlist is
// reset; if it was playing, playback stops with it.
func (s *Service) SetPlaylist(ctx context.Context, playlistIndex int) error {
	return s.setPlaylist(ctx, func(ctx context.Context) (state.PlaylistInfo, error) {
		return s.playlists.PlaylistByIndex(ctx, playlistIndex)
	})
}

// SetPlaylistByID selects a playlist by its provider id.
func (s *Service) SetPlaylistByID(ctx context.Context, id string) error {
	return s.setPlaylist(ctx, func(ctx context.Context) (state.PlaylistInfo, error) {
		return s.playlists.PlaylistByID(ctx, id)
	})
}

func (s *Service) setPlaylist(ctx context.Context, resolve func(context.Context) (state.PlaylistInfo, error)) error {
	stopPump := false
	err := s.mutate(ctx, func(cur state.ZoneState) (state.ZoneState, []notify.Notification, error) {
		info, err := resolve(ctx)
		if err != nil {
			return cur, nil, err
		}

		resetTrack := false
		if cur.Track != nil && cur.Track.Source != state.SourceNone {
			if _, err := s.playlists.Track(ctx, info.Index, cur.Track.Index); err != nil {
				if !apperrors.IsKind(err, apperrors.KindNotFound) {
					return cur, nil, err
				}
				resetTrack = true
			}
		}
		if resetTrack && cur.PlaybackState == state.PlaybackPlaying {
			if err := s.player.Stop(ctx, s.index); err != nil {
				return cur, nil, err
			}
			stopPump = true
		}

		next := cur.With(func(z *state.ZoneState) {
			z.Playlist = &info
			if resetTrack {
				z.Track = &state.TrackInfo{Source: state.SourceNone}
				if z.PlaybackState == state.PlaybackPlaying {
					z.PlaybackState = state.PlaybackStopped
				}
			}
		})
		notes := []notify.Notification{s.factory.ZonePlaylistChanged(s.index, info)}
		if resetTrack && cur.PlaybackState == state.PlaybackPlaying {
			notes = append(notes, s.factory.ZonePlaybackStateChanged(s.index, state.PlaybackStopped))
		}
		notes = append(notes, s.factory.ZoneStateChanged(s.index, next))
		return next, notes, nil
	})
	if err == nil && stopPump {
		s.stopPump()
	}
	return err
}

// SetTrackRepeat toggles replaying the current track when it ends.
func (s *Service) SetTrackRepeat(ctx context.Context, repeat bool) error {
	return s.mutate(ctx, func(cur state.ZoneState) (state.ZoneState, []notify.Notification, error) {
		next := cur.With(func(z *state.ZoneState) { z.TrackRepeat = repeat })
		return next, []notify.Notification{
			s.factory.ZoneRepeatChanged(s.index, next.TrackRepeat, next.PlaylistRepeat),
			s.factory.ZoneStateChanged(s.index, next),
		}, nil
	})
}

// SetPlaylistRepeat toggles wrapping to the first track after the last.
func (s *Service) SetPlaylistRepeat(ctx context.Context, repeat bool) error {
	return s.mutate(ctx, func(cur state.ZoneState) (state.ZoneState, []notify.Notification, error) {
		next := cur.With(func(z *state.ZoneState) { z.PlaylistRepeat = repeat })
		return next, []notify.Notification{
			s.factory.ZoneRepeatChanged(s.index, next.TrackRepeat, next.PlaylistRepeat),
			s.factory.ZoneStateChanged(s.index, next),
		}, nil
	})
}

// SetPlaylistShuffle toggles random track selection on auto-advance.
func (s *Service) SetPlaylistShuffle(ctx context.Context, shuffle bool) error {
	return s.mutate(ctx, func(cur state.ZoneState) (state.ZoneState, []notify.Notification, error) {
		next := cur.With(func(z *state.ZoneState) { z.PlaylistShuffle = shuffle })
		return next, []notify.Notification{
			s.factory.ZoneShuffleChanged(s.index, shuffle),
			s.factory.ZoneStateChanged(s.index, next),
		}, nil
	})
}

// handlePosition folds a player position sample into the record and
// publishes progress, throttled to the pump interval.
func (s *Service) handlePosition(positionMs int64, progress float64, durationMs int64) {
	// A busy zone lock skips this beat rather than queueing behind it.
	_, err := s.locks.TryWithLock(s.index, func() error {
		cur, _ := s.store.Get(s.index)
		if cur.PlaybackState != state.PlaybackPlaying || cur.Track == nil {
			return nil
		}
		next := cur.With(func(z *state.ZoneState) {
			z.Track.PositionMs = positionMs
			z.Track.Progress = state.ClampProgress(progress)
			if durationMs > 0 {
				z.Track.DurationMs = durationMs
			}
		})
		s.store.Set(s.index, next)
		s.publishProgress(next, positionMs)
		return nil
	})
	if err != nil {
		s.logger.Printf("ZONE %d: position update: %v", s.index, err)
	}
}

// publishProgress emits progress notifications only when the position moved
// since the previous beat, with a floor of half the pump interval between
// records so a bursty backend cannot flood the bus. Caller holds the zone
// lock.
func (s *Service) publishProgress(cur state.ZoneState, positionMs int64) {
	s.progMu.Lock()
	if positionMs == s.lastPositionMs || time.Since(s.lastProgressAt) < s.interval/2 {
		s.progMu.Unlock()
		return
	}
	s.lastPositionMs = positionMs
	s.lastProgressAt = time.Now()
	s.progMu.Unlock()

	s.bus.Publish(s.factory.ZoneProgressChanged(s.index, positionMs, cur.Track.Progress))
	s.bus.Publish(s.factory.ZoneTrackProgressChanged(s.index, *cur.Track))
}

// handlePlaybackEnded reacts to the player reporting an unsolicited stop:
// repeat the track, advance through the playlist, or come to rest.
func (s *Service) handlePlaybackEnded(vendorState string) {
	stopped := false
	err := s.mutate(context.Background(), func(cur state.ZoneState) (state.ZoneState, []notify.Notification, error) {
		if cur.PlaybackState != state.PlaybackPlaying {
			return cur, nil, nil
		}
		if vendorState == player.VendorEnd {
			if next, notes, ok := s.advance(cur); ok {
				return next, notes, nil
			}
		}
		next := stoppedState(cur)
		stopped = true
		return next, []notify.Notification{
			s.factory.ZoneTrackPlayingStatusChanged(s.index, state.PlaybackStopped),
			s.factory.ZonePlaybackStateChanged(s.index, state.PlaybackStopped),
			s.factory.ZoneStateChanged(s.index, next),
		}, nil
	})
	if err != nil {
		s.logger.Printf("ZONE %d: playback end: %v", s.index, err)
	}
	if stopped {
		s.stopPump()
	}
}

// advance picks the follow-up track after a natural end. Returns false
// when playback should stop instead.
func (s *Service) advance(cur state.ZoneState) (state.ZoneState, []notify.Notification, bool) {
	ctx := context.Background()

	if cur.TrackRepeat && cur.Track.Playable() {
		if err := s.player.Play(ctx, s.index, *cur.Track); err == nil {
			next := cur.With(func(z *state.ZoneState) {
				z.Track.PositionMs = 0
				z.Track.Progress = 0
			})
			return next, nil, true
		}
	}

	if cur.Playlist == nil || cur.Track == nil || cur.Track.Source == state.SourceNone {
		return cur, nil, false
	}
	target := cur.Track.Index + 1
	if cur.PlaylistShuffle && cur.Playlist.TrackCount > 1 {
		target = rand.Intn(cur.Playlist.TrackCount) + 1
		if target == cur.Track.Index {
			target = target%cur.Playlist.TrackCount + 1
		}
	}
	track, err := s.playlists.Track(ctx, cur.Playlist.Index, target)
	if apperrors.IsKind(err, apperrors.KindNotFound) && cur.PlaylistRepeat {
		track, err = s.playlists.Track(ctx, cur.Playlist.Index, 1)
	}
	if err != nil {
		return cur, nil, false
	}
	if err := s.player.Play(ctx, s.index, track); err != nil {
		return cur, nil, false
	}
	next := cur.With(func(z *state.ZoneState) {
		z.Track = stagedTrack(track, true)
	})
	notes := s.trackNotes(next)
	notes = append(notes, s.factory.ZoneStateChanged(s.index, next))
	return next, notes, true
}

// handleTrackInfo replaces the staged track metadata from the player.
func (s *Service) handleTrackInfo(track state.TrackInfo) {
	err := s.mutate(context.Background(), func(cur state.ZoneState) (state.ZoneState, []notify.Notification, error) {
		playing := cur.PlaybackState == state.PlaybackPlaying
		next := cur.With(func(z *state.ZoneState) {
			z.Track = stagedTrack(track, playing)
			z.Track.PositionMs = track.PositionMs
			z.Track.Progress = track.Progress
		})
		notes := s.trackNotes(next)
		notes = append(notes, s.factory.ZoneStateChanged(s.index, next))
		return next, notes, nil
	})
	if err != nil {
		s.logger.Printf("ZONE %d: track info update: %v", s.index, err)
	}
}

// trackNotes builds the metadata notification burst for a track change.
func (s *Service) trackNotes(next state.ZoneState) []notify.Notification {
	t := *next.Track
	return []notify.Notification{
		s.factory.ZoneTrackMetadataChanged(s.index, t),
		s.factory.ZoneTrackTitleChanged(s.index, t.Title),
		s.factory.ZoneTrackArtistChanged(s.index, t.Artist),
		s.factory.ZoneTrackAlbumChanged(s.index, t.Album),
	}
}

func stagedTrack(t state.TrackInfo, playing bool) *state.TrackInfo {
	t.PositionMs = 0
	t.Progress = 0
	t.IsPlaying = playing
	return &t
}

func stoppedState(cur state.ZoneState) state.ZoneState {
	return cur.With(func(z *state.ZoneState) {
		z.PlaybackState = state.PlaybackStopped
		if z.Track != nil {
			z.Track.IsPlaying = false
			z.Track.PositionMs = 0
			z.Track.Progress = 0
		}
	})
}

func sortedIndexes(m map[int]state.ClientState) []int {
	out := make([]int, 0, len(m))
	for i := range m {
		out = append(out, i)
	}
	sort.Ints(out)
	return out
}

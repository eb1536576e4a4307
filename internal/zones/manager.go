package zones

import (
	"context"
	"log"
	"slices"
	"sync"
	"time"

	"github.com/snapdog/snapdog-go/internal/apperrors"
	"github.com/snapdog/snapdog-go/internal/config"
	"github.com/snapdog/snapdog-go/internal/locking"
	"github.com/snapdog/snapdog-go/internal/notify"
	"github.com/snapdog/snapdog-go/internal/playlist"
	"github.com/snapdog/snapdog-go/internal/snapcast"
	"github.com/snapdog/snapdog-go/internal/state"
)

const defaultPumpInterval = 500 * time.Millisecond

// Deps carries everything the zone manager needs. Group and Clients are
// narrow capabilities so the manager never reaches into the Snapcast client
// or the client manager beyond what zones actually drive.
type Deps struct {
	Zones     []config.ZoneConfig
	Interval  time.Duration
	Group     GroupControl
	Clients   ClientFanOut
	Player    Player
	Playlists playlist.Provider
	Repo      *snapcast.Repository
	Store     *state.ZoneStore
	Locks     *locking.EntityLock
	Bus       *notify.Bus
	Logger    *log.Logger
}

// Manager owns one Service per configured zone and keeps their Snapcast
// bindings and client membership current as the mirror moves.
type Manager struct {
	services []*Service
	repo     *snapcast.Repository
	store    *state.ZoneStore
	bus      *notify.Bus
	logger   *log.Logger

	trigger chan struct{}
	stopCh  chan struct{}
	done    chan struct{}
	closeMu sync.Mutex
	closed  bool
	unsub   func()
}

func NewManager(d Deps) *Manager {
	if d.Logger == nil {
		d.Logger = log.Default()
	}
	if d.Interval <= 0 {
		d.Interval = defaultPumpInterval
	}
	m := &Manager{
		repo:    d.Repo,
		store:   d.Store,
		bus:     d.Bus,
		logger:  d.Logger,
		trigger: make(chan struct{}, 1),
		stopCh:  make(chan struct{}),
		done:    make(chan struct{}),
	}
	for i, zc := range d.Zones {
		index := i + 1
		streamID := snapcast.StreamIDFromSink(zc.Sink)
		m.services = append(m.services, &Service{
			index:     index,
			conf:      zc,
			streamID:  streamID,
			interval:  d.Interval,
			group:     d.Group,
			clients:   d.Clients,
			player:    d.Player,
			playlists: d.Playlists,
			repo:      d.Repo,
			store:     d.Store,
			locks:     d.Locks,
			bus:       d.Bus,
			logger:    d.Logger,
		})
		d.Store.Initialize(index, state.ZoneState{
			Name:             zc.Name,
			PlaybackState:    state.PlaybackStopped,
			Volume:           50,
			SnapcastStreamID: streamID,
			Track:            &state.TrackInfo{Source: state.SourceNone},
			TimestampUTC:     time.Now().UTC(),
		})
	}
	return m
}

// Start initialises every zone, wires the reconcile triggers and launches
// the reconcile worker. Initialisation failures are logged; the remaining
// zones still come up.
func (m *Manager) Start(ctx context.Context) {
	for _, s := range m.services {
		if err := s.initialize(ctx); err != nil {
			m.logger.Printf("ZONES: initialize zone %d: %v", s.index, err)
		}
	}
	m.repo.OnChange(m.kick)
	m.unsub = m.bus.Subscribe("zones-membership", func(n notify.Notification) {
		if n.Event == "ClientZoneChanged" {
			m.kick()
		}
	})
	go m.run()
	m.kick()
}

// Close stops the reconcile worker and every position pump.
func (m *Manager) Close() {
	m.closeMu.Lock()
	if m.closed {
		m.closeMu.Unlock()
		return
	}
	m.closed = true
	close(m.stopCh)
	m.closeMu.Unlock()
	<-m.done
	if m.unsub != nil {
		m.unsub()
	}
	for _, s := range m.services {
		s.stopPump()
	}
}

func (m *Manager) kick() {
	select {
	case m.trigger <- struct{}{}:
	default:
	}
}

func (m *Manager) run() {
	defer close(m.done)
	for {
		select {
		case <-m.stopCh:
			return
		case <-m.trigger:
			m.reconcile()
		}
	}
}

func (m *Manager) reconcile() {
	for _, s := range m.services {
		if err := s.reconcile(); err != nil {
			m.logger.Printf("ZONES: reconcile zone %d: %v", s.index, err)
		}
	}
}

// BindPlayerEvents routes the player's callbacks to the owning zone.
// Register once, before playback can start.
func (m *Manager) BindPlayerEvents(p interface {
	OnPosition(func(zone int, positionMs int64, progress float64, durationMs int64))
	OnPlaybackState(func(zone int, playing bool, vendorState string))
	OnTrackInfo(func(zone int, track state.TrackInfo))
}) {
	p.OnPosition(func(zone int, positionMs int64, progress float64, durationMs int64) {
		if s, err := m.Zone(zone); err == nil {
			s.handlePosition(positionMs, progress, durationMs)
		}
	})
	p.OnPlaybackState(func(zone int, playing bool, vendorState string) {
		if playing {
			return
		}
		if s, err := m.Zone(zone); err == nil {
			s.handlePlaybackEnded(vendorState)
		}
	})
	p.OnTrackInfo(func(zone int, track state.TrackInfo) {
		if s, err := m.Zone(zone); err == nil {
			s.handleTrackInfo(track)
		}
	})
}

// Zone returns the service for a 1-based zone index.
func (m *Manager) Zone(index int) (*Service, error) {
	if index < 1 || index > len(m.services) {
		return nil, apperrors.NewInvalidArgument("zone index %d out of range 1..%d", index, len(m.services))
	}
	return m.services[index-1], nil
}

// Count returns the number of configured zones.
func (m *Manager) Count() int { return len(m.services) }

// State returns one zone's record, marked stale when the zone lock is busy.
func (m *Manager) State(ctx context.Context, index int) (state.ZoneState, error) {
	s, err := m.Zone(index)
	if err != nil {
		return state.ZoneState{}, err
	}
	return s.GetState(ctx)
}

// AllStates snapshots every zone record without taking zone locks.
func (m *Manager) AllStates() map[int]state.ZoneState {
	return m.store.All()
}

func (m *Manager) Play(ctx context.Context, index int) error {
	s, err := m.Zone(index)
	if err != nil {
		return err
	}
	return s.Play(ctx)
}

func (m *Manager) PlayTrack(ctx context.Context, index, trackIndex int) error {
	s, err := m.Zone(index)
	if err != nil {
		return err
	}
	return s.PlayTrack(ctx, trackIndex)
}

func (m *Manager) PlayURL(ctx context.Context, index int, url string) error {
	s, err := m.Zone(index)
	if err != nil {
		return err
	}
	return s.PlayURL(ctx, url)
}

func (m *Manager) Pause(ctx context.Context, index int) error {
	s, err := m.Zone(index)
	if err != nil {
		return err
	}
	return s.Pause(ctx)
}

func (m *Manager) Stop(ctx context.Context, index int) error {
	s, err := m.Zone(index)
	if err != nil {
		return err
	}
	return s.Stop(ctx)
}

func (m *Manager) SeekToPosition(ctx context.Context, index int, positionMs int64) error {
	s, err := m.Zone(index)
	if err != nil {
		return err
	}
	return s.SeekToPosition(ctx, positionMs)
}

func (m *Manager) SeekToProgress(ctx context.Context, index int, fraction float64) error {
	s, err := m.Zone(index)
	if err != nil {
		return err
	}
	return s.SeekToProgress(ctx, fraction)
}

func (m *Manager) SetVolume(ctx context.Context, index, volume int) error {
	s, err := m.Zone(index)
	if err != nil {
		return err
	}
	return s.SetVolume(ctx, volume)
}

func (m *Manager) VolumeUp(ctx context.Context, index, step int) error {
	s, err := m.Zone(index)
	if err != nil {
		return err
	}
	return s.VolumeUp(ctx, step)
}

func (m *Manager) VolumeDown(ctx context.Context, index, step int) error {
	s, err := m.Zone(index)
	if err != nil {
		return err
	}
	return s.VolumeDown(ctx, step)
}

func (m *Manager) SetMute(ctx context.Context, index int, mute bool) error {
	s, err := m.Zone(index)
	if err != nil {
		return err
	}
	return s.SetMute(ctx, mute)
}

func (m *Manager) ToggleMute(ctx context.Context, index int) error {
	s, err := m.Zone(index)
	if err != nil {
		return err
	}
	return s.ToggleMute(ctx)
}

func (m *Manager) SetTrack(ctx context.Context, index, trackIndex int) error {
	s, err := m.Zone(index)
	if err != nil {
		return err
	}
	return s.SetTrack(ctx, trackIndex)
}

func (m *Manager) NextTrack(ctx context.Context, index int) error {
	s, err := m.Zone(index)
	if err != nil {
		return err
	}
	return s.NextTrack(ctx)
}

func (m *Manager) PreviousTrack(ctx context.Context, index int) error {
	s, err := m.Zone(index)
	if err != nil {
		return err
	}
	return s.PreviousTrack(ctx)
}

func (m *Manager) SetPlaylist(ctx context.Context, index, playlistIndex int) error {
	s, err := m.Zone(index)
	if err != nil {
		return err
	}
	return s.SetPlaylist(ctx, playlistIndex)
}

func (m *Manager) SetPlaylistByID(ctx context.Context, index int, id string) error {
	s, err := m.Zone(index)
	if err != nil {
		return err
	}
	return s.SetPlaylistByID(ctx, id)
}

func (m *Manager) SetTrackRepeat(ctx context.Context, index int, repeat bool) error {
	s, err := m.Zone(index)
	if err != nil {
		return err
	}
	return s.SetTrackRepeat(ctx, repeat)
}

func (m *Manager) ToggleTrackRepeat(ctx context.Context, index int) error {
	s, err := m.Zone(index)
	if err != nil {
		return err
	}
	cur, _ := m.store.Get(index)
	return s.SetTrackRepeat(ctx, !cur.TrackRepeat)
}

func (m *Manager) SetPlaylistRepeat(ctx context.Context, index int, repeat bool) error {
	s, err := m.Zone(index)
	if err != nil {
		return err
	}
	return s.SetPlaylistRepeat(ctx, repeat)
}

func (m *Manager) TogglePlaylistRepeat(ctx context.Context, index int) error {
	s, err := m.Zone(index)
	if err != nil {
		return err
	}
	cur, _ := m.store.Get(index)
	return s.SetPlaylistRepeat(ctx, !cur.PlaylistRepeat)
}

func (m *Manager) SetPlaylistShuffle(ctx context.Context, index int, shuffle bool) error {
	s, err := m.Zone(index)
	if err != nil {
		return err
	}
	return s.SetPlaylistShuffle(ctx, shuffle)
}

func (m *Manager) TogglePlaylistShuffle(ctx context.Context, index int) error {
	s, err := m.Zone(index)
	if err != nil {
		return err
	}
	cur, _ := m.store.Get(index)
	return s.SetPlaylistShuffle(ctx, !cur.PlaylistShuffle)
}

// reconcile refreshes the zone's group binding, group mute mirror and
// client membership from the current Snapcast mirror and client records.
func (s *Service) reconcile() error {
	return s.locks.WithLock(context.Background(), s.index, locking.DefaultTimeout, func() error {
		cur, _ := s.store.Get(s.index)
		next := cur
		changed := false
		var notes []notify.Notification

		if s.repo.Hydrated() {
			if g, ok := s.repo.GroupForStream(s.streamID); ok {
				if cur.SnapcastGroupID != g.ID || cur.Mute != g.Muted {
					muteFlip := cur.Mute != g.Muted
					next = next.With(func(z *state.ZoneState) {
						z.SnapcastGroupID = g.ID
						z.Mute = g.Muted
					})
					changed = true
					if muteFlip {
						notes = append(notes, s.factory.ZoneMuteChanged(s.index, g.Muted))
					}
				}
			} else if cur.SnapcastGroupID != "" {
				if g, ok := s.repo.Group(cur.SnapcastGroupID); !ok || g.StreamID != s.streamID {
					next = next.With(func(z *state.ZoneState) { z.SnapcastGroupID = "" })
					changed = true
				}
			}
		}

		members := sortedIndexes(s.clients.ClientsByZone(s.index))
		if !slices.Equal(members, cur.Clients) {
			next = next.With(func(z *state.ZoneState) { z.Clients = members })
			changed = true
		}

		if !changed {
			return nil
		}
		s.store.Set(s.index, next)
		for _, n := range append(notes, s.factory.ZoneStateChanged(s.index, next)) {
			s.bus.Publish(n)
		}
		return nil
	})
}

// Package clients owns the per-client state records, the Snapcast
// write-through mutations, and the zone-assignment algorithm that moves
// clients between zone groups.
package clients

import (
	"context"
	"log"
	"time"

	"github.com/snapdog/snapdog-go/internal/apperrors"
	"github.com/snapdog/snapdog-go/internal/config"
	"github.com/snapdog/snapdog-go/internal/locking"
	"github.com/snapdog/snapdog-go/internal/notify"
	"github.com/snapdog/snapdog-go/internal/snapcast"
	"github.com/snapdog/snapdog-go/internal/state"
)

// Control is the slice of the Snapcast connection the manager drives.
type Control interface {
	SetClientVolume(ctx context.Context, id string, percent int, muted bool) error
	SetClientLatency(ctx context.Context, id string, latencyMs int) error
	SetClientName(ctx context.Context, id string, name string) error
	SetGroupStream(ctx context.Context, id string, streamID string) error
	SetGroupClients(ctx context.Context, id string, clientIDs []string) error
}

// Manager maps configured clients (by MAC) to live Snapcast clients and
// serialises all mutations per client index. Mirror changes are folded into
// the client records by a reconcile worker so the Snapcast reader never
// blocks on entity locks.
type Manager struct {
	zones      []config.ZoneConfig
	conf       []config.ClientConfig
	indexByMAC map[string]int

	control Control
	repo    *snapcast.Repository
	store   *state.ClientStore
	locks   *locking.EntityLock
	bus     *notify.Bus
	factory notify.Factory
	logger  *log.Logger

	trigger chan struct{}
	stopCh  chan struct{}
	done    chan struct{}
}

// NewManager seeds the client store from configuration. Indexes already
// present in the store (loaded from a persisted snapshot) are kept.
func NewManager(zones []config.ZoneConfig, conf []config.ClientConfig, control Control, repo *snapcast.Repository, store *state.ClientStore, bus *notify.Bus, logger *log.Logger) *Manager {
	if logger == nil {
		logger = log.Default()
	}
	m := &Manager{
		zones:      zones,
		conf:       conf,
		indexByMAC: make(map[string]int, len(conf)),
		control:    control,
		repo:       repo,
		store:      store,
		locks:      locking.NewEntityLock(logger),
		bus:        bus,
		logger:     logger,
		trigger:    make(chan struct{}, 1),
		stopCh:     make(chan struct{}),
		done:       make(chan struct{}),
	}
	for i, c := range conf {
		m.indexByMAC[c.MAC] = i + 1
		store.Initialize(i+1, state.ClientState{
			Name:         c.Name,
			Icon:         c.Icon,
			MAC:          c.MAC,
			Volume:       50,
			ZoneIndex:    c.DefaultZone,
			TimestampUTC: time.Now().UTC(),
		})
	}
	return m
}

// Start hooks the manager to mirror changes and runs the reconcile worker.
func (m *Manager) Start() {
	m.repo.OnChange(m.kick)
	go m.run()
	m.kick()
}

// Close stops the reconcile worker.
func (m *Manager) Close() {
	select {
	case <-m.stopCh:
		return
	default:
	}
	close(m.stopCh)
	<-m.done
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

// Client returns the current record for one configured client.
func (m *Manager) Client(index int) (state.ClientState, error) {
	if err := m.validClient(index); err != nil {
		return state.ClientState{}, err
	}
	s, _ := m.store.Get(index)
	return s, nil
}

// AllClients returns every client record keyed by 1-based index.
func (m *Manager) AllClients() map[int]state.ClientState {
	return m.store.All()
}

// ClientsByZone returns the records of clients assigned to the zone.
func (m *Manager) ClientsByZone(zoneIndex int) map[int]state.ClientState {
	out := make(map[int]state.ClientState)
	for i, s := range m.store.All() {
		if s.ZoneIndex == zoneIndex {
			out[i] = s
		}
	}
	return out
}

// ClientBySnapcastID maps a Snapcast client id back to the configured index.
func (m *Manager) ClientBySnapcastID(id string) (int, state.ClientState, bool) {
	for i := 1; i <= len(m.conf); i++ {
		if s, ok := m.store.Get(i); ok && s.SnapcastID == id {
			return i, s, true
		}
	}
	if live, ok := m.repo.Client(id); ok {
		if i, ok := m.indexByMAC[snapcast.CanonicalMAC(live.Host.MAC)]; ok {
			s, _ := m.store.Get(i)
			return i, s, true
		}
	}
	return 0, state.ClientState{}, false
}

func (m *Manager) validClient(index int) error {
	if index < 1 || index > len(m.conf) {
		return apperrors.NewInvalidArgument("client index %d out of range 1..%d", index, len(m.conf))
	}
	return nil
}

func (m *Manager) validZone(index int) error {
	if index < 1 || index > len(m.zones) {
		return apperrors.NewInvalidArgument("zone index %d out of range 1..%d", index, len(m.zones))
	}
	return nil
}

// mutate runs fn under the client's lock against the live Snapcast client.
// The record is only replaced, and notifications only published, when fn
// succeeds. A client whose MAC is absent from the mirror is NotFound.
func (m *Manager) mutate(ctx context.Context, index int, fn func(cur state.ClientState, live snapcast.Client) (state.ClientState, []notify.Notification, error)) error {
	if err := m.validClient(index); err != nil {
		return err
	}
	return m.locks.WithLock(ctx, index, locking.DefaultTimeout, func() error {
		live, ok := m.repo.ClientByIndex(index)
		if !ok {
			return apperrors.NewNotFound("client %d (%s) has no live snapcast client", index, m.conf[index-1].MAC)
		}
		cur, _ := m.store.Get(index)
		next, notes, err := fn(cur, live)
		if err != nil {
			return err
		}
		m.store.Set(index, next)
		for _, n := range notes {
			m.bus.Publish(n)
		}
		return nil
	})
}

// SetVolume clamps and writes the client volume through to Snapcast.
func (m *Manager) SetVolume(ctx context.Context, index, volume int) error {
	volume = state.ClampVolume(volume)
	return m.mutate(ctx, index, func(cur state.ClientState, live snapcast.Client) (state.ClientState, []notify.Notification, error) {
		if err := m.control.SetClientVolume(ctx, live.ID, volume, cur.Mute); err != nil {
			return cur, nil, err
		}
		next := cur.With(func(c *state.ClientState) {
			c.SnapcastID = live.ID
			c.Volume = volume
		})
		return next, []notify.Notification{
			m.factory.ClientVolumeChanged(index, volume),
			m.factory.ClientStateChanged(index, next),
		}, nil
	})
}

// SetMute writes the client mute flag through to Snapcast, keeping the
// current volume.
func (m *Manager) SetMute(ctx context.Context, index int, mute bool) error {
	return m.mutate(ctx, index, func(cur state.ClientState, live snapcast.Client) (state.ClientState, []notify.Notification, error) {
		if err := m.control.SetClientVolume(ctx, live.ID, cur.Volume, mute); err != nil {
			return cur, nil, err
		}
		next := cur.With(func(c *state.ClientState) {
			c.SnapcastID = live.ID
			c.Mute = mute
		})
		return next, []notify.Notification{
			m.factory.ClientMuteChanged(index, mute),
			m.factory.ClientStateChanged(index, next),
		}, nil
	})
}

// SetLatency writes the client latency through to Snapcast.
func (m *Manager) SetLatency(ctx context.Context, index, latencyMs int) error {
	return m.mutate(ctx, index, func(cur state.ClientState, live snapcast.Client) (state.ClientState, []notify.Notification, error) {
		if err := m.control.SetClientLatency(ctx, live.ID, latencyMs); err != nil {
			return cur, nil, err
		}
		next := cur.With(func(c *state.ClientState) {
			c.SnapcastID = live.ID
			c.LatencyMs = latencyMs
		})
		return next, []notify.Notification{
			m.factory.ClientLatencyChanged(index, latencyMs),
			m.factory.ClientStateChanged(index, next),
		}, nil
	})
}

// SetName renames the client on the Snapcast server.
func (m *Manager) SetName(ctx context.Context, index int, name string) error {
	return m.mutate(ctx, index, func(cur state.ClientState, live snapcast.Client) (state.ClientState, []notify.Notification, error) {
		if err := m.control.SetClientName(ctx, live.ID, name); err != nil {
			return cur, nil, err
		}
		next := cur.With(func(c *state.ClientState) {
			c.SnapcastID = live.ID
			c.ConfiguredSnapcastName = name
		})
		return next, []notify.Notification{
			m.factory.ClientNameChanged(index, name),
			m.factory.ClientStateChanged(index, next),
		}, nil
	})
}

// AssignToZone moves a client into the zone's Snapcast group.
//
// The zone's stream id is derived from its sink. If a group already carries
// that stream it is the target; otherwise a group with no stream, or failing
// that any group, is retargeted via Group.SetStream. Membership is realised
// with Group.SetClients on the target group, which Snapcast treats as a
// move. Re-issuing the same assignment changes nothing and publishes
// nothing.
func (m *Manager) AssignToZone(ctx context.Context, clientIndex, zoneIndex int) error {
	if err := m.validClient(clientIndex); err != nil {
		return err
	}
	if err := m.validZone(zoneIndex); err != nil {
		return err
	}
	return m.locks.WithLock(ctx, clientIndex, locking.DefaultTimeout, func() error {
		live, ok := m.repo.ClientByIndex(clientIndex)
		if !ok {
			return apperrors.NewNotFound("client %d (%s) has no live snapcast client", clientIndex, m.conf[clientIndex-1].MAC)
		}
		targetStream := snapcast.StreamIDFromSink(m.zones[zoneIndex-1].Sink)

		group, err := m.groupForStream(ctx, targetStream)
		if err != nil {
			return err
		}

		member := false
		ids := make([]string, 0, len(group.Clients)+1)
		for _, c := range group.Clients {
			ids = append(ids, c.ID)
			if c.ID == live.ID {
				member = true
			}
		}

		cur, _ := m.store.Get(clientIndex)
		if member && cur.ZoneIndex == zoneIndex {
			return nil
		}
		if !member {
			ids = append(ids, live.ID)
			if err := m.control.SetGroupClients(ctx, group.ID, ids); err != nil {
				return err
			}
		}

		if cur.ZoneIndex == zoneIndex {
			return nil
		}
		next := cur.With(func(c *state.ClientState) {
			c.SnapcastID = live.ID
			c.ZoneIndex = zoneIndex
		})
		m.store.Set(clientIndex, next)
		m.bus.Publish(m.factory.ClientZoneChanged(clientIndex, cur.ZoneIndex, zoneIndex))
		m.bus.Publish(m.factory.ClientStateChanged(clientIndex, next))
		return nil
	})
}

// groupForStream finds the group carrying the stream, or retargets one.
func (m *Manager) groupForStream(ctx context.Context, streamID string) (snapcast.Group, error) {
	if g, ok := m.repo.GroupForStream(streamID); ok {
		return g, nil
	}
	groups := m.repo.Groups()
	if len(groups) == 0 {
		return snapcast.Group{}, apperrors.NewUnavailable("no snapcast group available for stream %s", streamID)
	}
	pick := groups[0]
	for _, g := range groups {
		if g.StreamID == "" {
			pick = g
			break
		}
	}
	if err := m.control.SetGroupStream(ctx, pick.ID, streamID); err != nil {
		return snapcast.Group{}, err
	}
	pick.StreamID = streamID
	return pick, nil
}

// reconcile folds the current mirror into every client record.
func (m *Manager) reconcile() {
	if !m.repo.Hydrated() {
		return
	}
	for i := 1; i <= len(m.conf); i++ {
		m.reconcileClient(i)
	}
}

func (m *Manager) reconcileClient(index int) {
	err := m.locks.WithLock(context.Background(), index, locking.DefaultTimeout, func() error {
		cur, _ := m.store.Get(index)
		live, ok := m.repo.ClientByIndex(index)

		var next state.ClientState
		if !ok {
			if !cur.Connected {
				return nil
			}
			next = cur.With(func(c *state.ClientState) { c.Connected = false })
		} else {
			next = cur.With(func(c *state.ClientState) {
				c.SnapcastID = live.ID
				c.Connected = live.Connected
				c.Volume = live.Config.Volume.Percent
				c.Mute = live.Config.Volume.Muted
				c.LatencyMs = live.Config.Latency
				c.ConfiguredSnapcastName = live.Config.Name
				c.HostIPAddress = live.Host.IP
				c.HostName = live.Host.Name
				c.HostOS = live.Host.OS
				c.HostArch = live.Host.Arch
				if live.LastSeen.Sec > 0 {
					c.LastSeenUTC = time.Unix(live.LastSeen.Sec, live.LastSeen.Usec*1000).UTC()
				}
				if c.ZoneIndex == 0 {
					c.ZoneIndex = m.conf[index-1].DefaultZone
				}
			})
		}

		notes := m.diff(index, cur, next)
		if len(notes) == 0 {
			return nil
		}
		m.store.Set(index, next)
		for _, n := range notes {
			m.bus.Publish(n)
		}
		return nil
	})
	if err != nil {
		m.logger.Printf("CLIENTS: reconcile client %d: %v", index, err)
	}
}

// diff emits one field notification per observed change plus the canonical
// ClientStateChanged when anything moved.
func (m *Manager) diff(index int, cur, next state.ClientState) []notify.Notification {
	var notes []notify.Notification
	if next.Connected != cur.Connected {
		notes = append(notes, m.factory.ClientConnectionChanged(index, next.Connected))
	}
	if next.Volume != cur.Volume {
		notes = append(notes, m.factory.ClientVolumeChanged(index, next.Volume))
	}
	if next.Mute != cur.Mute {
		notes = append(notes, m.factory.ClientMuteChanged(index, next.Mute))
	}
	if next.LatencyMs != cur.LatencyMs {
		notes = append(notes, m.factory.ClientLatencyChanged(index, next.LatencyMs))
	}
	if next.ConfiguredSnapcastName != cur.ConfiguredSnapcastName {
		notes = append(notes, m.factory.ClientNameChanged(index, next.ConfiguredSnapcastName))
	}
	if next.ZoneIndex != cur.ZoneIndex {
		notes = append(notes, m.factory.ClientZoneChanged(index, cur.ZoneIndex, next.ZoneIndex))
	}
	if len(notes) == 0 && !quietEqual(cur, next) {
		notes = append(notes, m.factory.ClientStateChanged(index, next))
		return notes
	}
	if len(notes) > 0 {
		notes = append(notes, m.factory.ClientStateChanged(index, next))
	}
	return notes
}

// quietEqual compares the fields that change without a dedicated
// notification of their own.
func quietEqual(a, b state.ClientState) bool {
	return a.SnapcastID == b.SnapcastID &&
		a.LastSeenUTC.Equal(b.LastSeenUTC) &&
		a.HostIPAddress == b.HostIPAddress &&
		a.HostName == b.HostName &&
		a.HostOS == b.HostOS &&
		a.HostArch == b.HostArch
}

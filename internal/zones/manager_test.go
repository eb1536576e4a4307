package zones

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/snapdog/snapdog-go/internal/apperrors"
	"github.com/snapdog/snapdog-go/internal/clients"
	"github.com/snapdog/snapdog-go/internal/config"
	"github.com/snapdog/snapdog-go/internal/locking"
	"github.com/snapdog/snapdog-go/internal/notify"
	"github.com/snapdog/snapdog-go/internal/playlist"
	"github.com/snapdog/snapdog-go/internal/snapcast"
	"github.com/snapdog/snapdog-go/internal/state"
)

func mirrorNotification(t *testing.T, method string, params any) snapcast.Notification {
	t.Helper()
	raw, err := json.Marshal(params)
	require.NoError(t, err)
	return snapcast.Notification{Method: method, Params: raw}
}

func TestManager_Start_BindsGroupAndMembership(t *testing.T) {
	e := newZoneEnv(t, 50*time.Millisecond)

	st := e.state(t, 1)
	require.Equal(t, "g1", st.SnapcastGroupID)
	require.Equal(t, "Zone1", st.SnapcastStreamID)
	require.Equal(t, []int{1}, st.Clients)
	require.False(t, st.Mute)

	st2 := e.state(t, 2)
	require.Empty(t, st2.SnapcastGroupID)
	require.Equal(t, "Zone2", st2.SnapcastStreamID)
	require.Empty(t, st2.Clients)

	// Fixture group name already matches the zone: no rename issued.
	require.Empty(t, e.group.byMethod("Group.SetName"))
}

func TestManager_Start_RenamesMismatchedGroup(t *testing.T) {
	server := zoneFixtureServer()
	server.Groups[0].Name = "group-f33b"
	e := newZoneEnvWithServer(t, 50*time.Millisecond, server)

	renames := e.group.byMethod("Group.SetName")
	require.Len(t, renames, 1)
	require.Equal(t, "g1", renames[0].id)
	require.Equal(t, "Living Room", renames[0].name)
}

func TestManager_Reconcile_MirrorsExternalGroupMute(t *testing.T) {
	e := newZoneEnv(t, 50*time.Millisecond)

	e.repo.Apply(mirrorNotification(t, snapcast.MethodGroupOnMute, map[string]any{
		"id":   "g1",
		"mute": true,
	}))

	require.Eventually(t, func() bool { return e.state(t, 1).Mute }, time.Second, 5*time.Millisecond)
	events := waitEvents(t, e.col, "ZoneMuteChanged", 1)
	payload := events[0].Payload.(notify.ZoneMutePayload)
	require.True(t, payload.IsMuted)
	require.Equal(t, 1, payload.ZoneIndex)
}

func TestManager_Reconcile_RebindsWhenStreamMoves(t *testing.T) {
	e := newZoneEnv(t, 50*time.Millisecond)

	e.repo.Apply(mirrorNotification(t, snapcast.MethodGroupOnStreamChanged, map[string]any{
		"id":        "g1",
		"stream_id": "Zone2",
	}))

	require.Eventually(t, func() bool {
		return e.state(t, 1).SnapcastGroupID == "" && e.state(t, 2).SnapcastGroupID == "g1"
	}, time.Second, 5*time.Millisecond)
}

func TestManager_MembershipFollowsClientZoneChanges(t *testing.T) {
	e := newZoneEnv(t, 50*time.Millisecond)

	e.fan.setMembers(1, 1, 4)
	e.bus.Publish(notify.Factory{}.ClientZoneChanged(4, 2, 1))

	require.Eventually(t, func() bool {
		st := e.state(t, 1)
		return len(st.Clients) == 2 && st.Clients[0] == 1 && st.Clients[1] == 4
	}, time.Second, 5*time.Millisecond)
	waitEvents(t, e.col, "ZoneStateChanged", 1)
}

func TestManager_Zone_ValidatesIndex(t *testing.T) {
	e := newZoneEnv(t, 50*time.Millisecond)

	_, err := e.mgr.Zone(0)
	require.True(t, apperrors.IsKind(err, apperrors.KindInvalidArgument))
	_, err = e.mgr.Zone(3)
	require.True(t, apperrors.IsKind(err, apperrors.KindInvalidArgument))

	err = e.mgr.Play(context.Background(), 99)
	require.True(t, apperrors.IsKind(err, apperrors.KindInvalidArgument))
}

func TestManager_AllStates_SnapshotsEveryZone(t *testing.T) {
	e := newZoneEnv(t, 50*time.Millisecond)

	all := e.mgr.AllStates()
	require.Len(t, all, 2)
	require.Equal(t, "Living Room", all[1].Name)
	require.Equal(t, "Kitchen", all[2].Name)
	require.Equal(t, 2, e.mgr.Count())
}

// recordingControl satisfies clients.Control for the end-to-end volume
// test; only volume writes are interesting.
type recordingControl struct {
	mu      sync.Mutex
	volumes map[string]int
}

func (c *recordingControl) SetClientVolume(_ context.Context, id string, percent int, _ bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.volumes == nil {
		c.volumes = make(map[string]int)
	}
	c.volumes[id] = percent
	return nil
}

func (c *recordingControl) SetClientLatency(context.Context, string, int) error { return nil }

func (c *recordingControl) SetClientName(context.Context, string, string) error { return nil }

func (c *recordingControl) SetGroupStream(context.Context, string, string) error { return nil }

func (c *recordingControl) SetGroupClients(context.Context, string, []string) error { return nil }

func (c *recordingControl) volumeOf(id string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.volumes[id]
}

// Three clients at 20/40/60 in the zone's group, zone target 80: the group
// mean moves to 80 and every client keeps its offset.
func TestManager_SetVolume_ScalesGroupThroughClientManager(t *testing.T) {
	zoneConfigs := []config.ZoneConfig{
		{Name: "Living Room", Sink: "/snapsinks/zone1"},
		{Name: "Kitchen", Sink: "/snapsinks/zone2"},
	}
	clientConfigs := []config.ClientConfig{
		{Name: "Living Speaker", MAC: "aa:bb:cc:dd:ee:01", DefaultZone: 1},
		{Name: "Dining Speaker", MAC: "aa:bb:cc:dd:ee:02", DefaultZone: 1},
		{Name: "Corner Speaker", MAC: "aa:bb:cc:dd:ee:03", DefaultZone: 1},
	}
	macs := []string{"aa:bb:cc:dd:ee:01", "aa:bb:cc:dd:ee:02", "aa:bb:cc:dd:ee:03"}

	snapClient := func(id string, volume int) snapcast.Client {
		return snapcast.Client{
			ID:        id,
			Connected: true,
			Config:    snapcast.ClientSettings{Volume: snapcast.ClientVolume{Percent: volume}},
			Host:      snapcast.Host{MAC: id},
		}
	}
	repo := snapcast.NewRepository(macs, nil)
	repo.ReplaceServer(snapcast.Server{
		Groups: []snapcast.Group{{
			ID:       "g1",
			Name:     "Living Room",
			StreamID: "Zone1",
			Clients: []snapcast.Client{
				snapClient("aa:bb:cc:dd:ee:01", 20),
				snapClient("aa:bb:cc:dd:ee:02", 40),
				snapClient("aa:bb:cc:dd:ee:03", 60),
			},
		}},
		Streams: []snapcast.Stream{
			{ID: "Zone1", Status: snapcast.StreamPlaying},
			{ID: "Zone2", Status: snapcast.StreamIdle},
		},
	})

	bus := notify.NewBus(nil)
	t.Cleanup(bus.Close)

	control := &recordingControl{}
	cm := clients.NewManager(zoneConfigs, clientConfigs, control, repo, state.NewClientStore(), bus, nil)
	cm.Start()
	t.Cleanup(cm.Close)
	require.Eventually(t, func() bool {
		s, err := cm.Client(3)
		return err == nil && s.Volume == 60
	}, time.Second, 5*time.Millisecond)

	store := state.NewZoneStore()
	mgr := NewManager(Deps{
		Zones:     zoneConfigs,
		Interval:  50 * time.Millisecond,
		Group:     &fakeGroup{},
		Clients:   cm,
		Player:    newFakePlayer(),
		Playlists: playlist.NewRadioProvider(radioStations()),
		Repo:      repo,
		Store:     store,
		Locks:     locking.NewEntityLock(nil),
		Bus:       bus,
		Logger:    nil,
	})
	mgr.Start(context.Background())
	t.Cleanup(mgr.Close)

	require.NoError(t, mgr.SetVolume(context.Background(), 1, 80))

	require.Equal(t, 73, control.volumeOf("aa:bb:cc:dd:ee:01"))
	require.Equal(t, 80, control.volumeOf("aa:bb:cc:dd:ee:02"))
	require.Equal(t, 87, control.volumeOf("aa:bb:cc:dd:ee:03"))

	st, ok := store.Get(1)
	require.True(t, ok)
	require.Equal(t, 80, st.Volume)
	require.Equal(t, []int{1, 2, 3}, st.Clients)
}

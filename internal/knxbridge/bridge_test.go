package knxbridge

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/vapourismo/knx-go/knx"
	"github.com/vapourismo/knx-go/knx/cemi"
	"github.com/vapourismo/knx-go/knx/dpt"

	"github.com/snapdog/snapdog-go/internal/apperrors"
	"github.com/snapdog/snapdog-go/internal/config"
	"github.com/snapdog/snapdog-go/internal/notify"
	"github.com/snapdog/snapdog-go/internal/state"
)

type fakeTunnel struct {
	mu      sync.Mutex
	sent    []knx.GroupEvent
	inbound chan knx.GroupEvent
}

func newFakeTunnel() *fakeTunnel {
	return &fakeTunnel{inbound: make(chan knx.GroupEvent, 16)}
}

func (f *fakeTunnel) Send(event knx.GroupEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, event)
	return nil
}

func (f *fakeTunnel) Inbound() <-chan knx.GroupEvent { return f.inbound }

func (f *fakeTunnel) Close() { close(f.inbound) }

func (f *fakeTunnel) sentTo(addr cemi.GroupAddr) []knx.GroupEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []knx.GroupEvent
	for _, e := range f.sent {
		if e.Destination == addr {
			out = append(out, e)
		}
	}
	return out
}

type knxZoneCall struct {
	op    string
	index int
	num   int
	flag  bool
}

type knxFakeZones struct {
	mu    sync.Mutex
	calls []knxZoneCall
}

func (z *knxFakeZones) add(c knxZoneCall) error {
	z.mu.Lock()
	defer z.mu.Unlock()
	z.calls = append(z.calls, c)
	return nil
}

func (z *knxFakeZones) all() []knxZoneCall {
	z.mu.Lock()
	defer z.mu.Unlock()
	return append([]knxZoneCall(nil), z.calls...)
}

func (z *knxFakeZones) count() int {
	z.mu.Lock()
	defer z.mu.Unlock()
	return len(z.calls)
}

func (z *knxFakeZones) Play(_ context.Context, index int) error {
	return z.add(knxZoneCall{op: "play", index: index})
}
func (z *knxFakeZones) Pause(_ context.Context, index int) error {
	return z.add(knxZoneCall{op: "pause", index: index})
}
func (z *knxFakeZones) SetVolume(_ context.Context, index, volume int) error {
	return z.add(knxZoneCall{op: "setVolume", index: index, num: volume})
}
func (z *knxFakeZones) SetMute(_ context.Context, index int, mute bool) error {
	return z.add(knxZoneCall{op: "setMute", index: index, flag: mute})
}
func (z *knxFakeZones) SetTrack(_ context.Context, index, trackIndex int) error {
	return z.add(knxZoneCall{op: "setTrack", index: index, num: trackIndex})
}
func (z *knxFakeZones) SetPlaylist(_ context.Context, index, playlistIndex int) error {
	return z.add(knxZoneCall{op: "setPlaylist", index: index, num: playlistIndex})
}

type knxClientCall struct {
	op    string
	index int
	num   int
	flag  bool
}

type knxFakeClients struct {
	mu    sync.Mutex
	calls []knxClientCall
}

func (c *knxFakeClients) add(call knxClientCall) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, call)
	return nil
}

func (c *knxFakeClients) all() []knxClientCall {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]knxClientCall(nil), c.calls...)
}

func (c *knxFakeClients) SetVolume(_ context.Context, index, volume int) error {
	return c.add(knxClientCall{op: "setVolume", index: index, num: volume})
}
func (c *knxFakeClients) SetMute(_ context.Context, index int, mute bool) error {
	return c.add(knxClientCall{op: "setMute", index: index, flag: mute})
}

type knxAuditRecord struct {
	origin  string
	target  string
	command string
	detail  map[string]any
	err     error
}

type knxFakeAuditor struct {
	mu      sync.Mutex
	records []knxAuditRecord
}

func (a *knxFakeAuditor) RecordCommand(origin, target, command string, detail map[string]any, _ *string, err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.records = append(a.records, knxAuditRecord{origin: origin, target: target, command: command, detail: detail, err: err})
}

func (a *knxFakeAuditor) all() []knxAuditRecord {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]knxAuditRecord(nil), a.records...)
}

func (a *knxFakeAuditor) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.records)
}

func testKNXDocument() config.KNXDocument {
	return config.KNXDocument{
		Zones: []config.KNXZoneAddresses{{
			Zone:           1,
			Playback:       "1/1/1",
			PlaybackStatus: "1/1/2",
			Volume:         "1/2/1",
			VolumeStatus:   "1/2/2",
			Mute:           "1/3/1",
			MuteStatus:     "1/3/2",
			Track:          "1/4/1",
			TrackStatus:    "1/4/2",
			Playlist:       "1/5/1",
			PlaylistStatus: "1/5/2",
		}},
		Clients: []config.KNXClientAddresses{{
			Client:       1,
			Volume:       "2/1/1",
			VolumeStatus: "2/1/2",
			Mute:         "2/2/1",
			MuteStatus:   "2/2/2",
		}},
	}
}

type knxEnv struct {
	bridge  *Bridge
	tunnel  *fakeTunnel
	bus     *notify.Bus
	zones   *knxFakeZones
	clients *knxFakeClients
	audit   *knxFakeAuditor
}

func newKNXEnv(t *testing.T) *knxEnv {
	t.Helper()
	doc := testKNXDocument()
	cfg := config.Config{KNXGatewayAddr: "10.0.0.10:3671", RequestTimeoutMs: 1000, KNX: doc}

	table, err := buildTable(doc)
	require.NoError(t, err)

	bus := notify.NewBus(nil)
	t.Cleanup(bus.Close)

	tunnel := newFakeTunnel()
	zones := &knxFakeZones{}
	clients := &knxFakeClients{}
	audit := &knxFakeAuditor{}

	bridge := newWithTable(cfg, table, zones, clients, audit, bus, nil)
	bridge.dial = func() (groupConn, error) { return tunnel, nil }
	require.NoError(t, bridge.Start())
	t.Cleanup(bridge.Close)

	return &knxEnv{bridge: bridge, tunnel: tunnel, bus: bus, zones: zones, clients: clients, audit: audit}
}

func (env *knxEnv) write(t *testing.T, addr string, data []byte) {
	env.tunnel.inbound <- knx.GroupEvent{Command: knx.GroupWrite, Destination: ga(t, addr), Data: data}
}

func waitKNX(t *testing.T, cond func() bool) {
	t.Helper()
	require.Eventually(t, cond, time.Second, 5*time.Millisecond)
}

func TestBridge_StartFailsWhenGatewayUnreachable(t *testing.T) {
	table, err := buildTable(config.KNXDocument{})
	require.NoError(t, err)

	bus := notify.NewBus(nil)
	defer bus.Close()

	bridge := newWithTable(config.Config{KNXGatewayAddr: "10.0.0.10:3671"}, table, &knxFakeZones{}, &knxFakeClients{}, nil, bus, nil)
	bridge.dial = func() (groupConn, error) { return nil, errors.New("no route to host") }

	err = bridge.Start()
	require.Error(t, err)
	require.True(t, apperrors.IsKind(err, apperrors.KindUnavailable))
}

func TestBridge_WritesVolumeStatus(t *testing.T) {
	env := newKNXEnv(t)

	env.bus.Publish(notify.Factory{}.ZoneVolumeChanged(1, 55))

	status := ga(t, "1/2/2")
	waitKNX(t, func() bool { return len(env.tunnel.sentTo(status)) == 1 })
	event := env.tunnel.sentTo(status)[0]
	require.Equal(t, knx.GroupWrite, event.Command)
	require.Equal(t, dpt.DPT_5001(55).Pack(), event.Data)
}

func TestBridge_SkipsUnchangedStatusValues(t *testing.T) {
	env := newKNXEnv(t)

	env.bus.Publish(notify.Factory{}.ZoneVolumeChanged(1, 55))
	env.bus.Publish(notify.Factory{}.ZoneVolumeChanged(1, 55))
	env.bus.Publish(notify.Factory{}.ZoneVolumeChanged(1, 60))

	status := ga(t, "1/2/2")
	waitKNX(t, func() bool { return len(env.tunnel.sentTo(status)) == 2 })
	events := env.tunnel.sentTo(status)
	require.Equal(t, dpt.DPT_5001(55).Pack(), events[0].Data)
	require.Equal(t, dpt.DPT_5001(60).Pack(), events[1].Data)
}

func TestBridge_PlaybackStatusIsThePlayingBit(t *testing.T) {
	env := newKNXEnv(t)

	env.bus.Publish(notify.Factory{}.ZonePlaybackStateChanged(1, state.PlaybackPlaying))
	env.bus.Publish(notify.Factory{}.ZonePlaybackStateChanged(1, state.PlaybackPaused))

	status := ga(t, "1/1/2")
	waitKNX(t, func() bool { return len(env.tunnel.sentTo(status)) == 2 })
	events := env.tunnel.sentTo(status)
	require.Equal(t, dpt.DPT_1001(true).Pack(), events[0].Data)
	require.Equal(t, dpt.DPT_1001(false).Pack(), events[1].Data)
}

func TestBridge_TrackStatusClampsToByteRange(t *testing.T) {
	env := newKNXEnv(t)

	env.bus.Publish(notify.Factory{}.ZoneTrackMetadataChanged(1, state.TrackInfo{Index: 300}))

	status := ga(t, "1/4/2")
	waitKNX(t, func() bool { return len(env.tunnel.sentTo(status)) == 1 })
	require.Equal(t, dpt.DPT_5005(255).Pack(), env.tunnel.sentTo(status)[0].Data)
}

func TestBridge_IgnoresNotificationsWithoutAnAddress(t *testing.T) {
	env := newKNXEnv(t)

	// Zone 2 has no addresses and latency has no KNX mapping. Delivery is
	// ordered per subscriber, so once the bound write lands the earlier
	// notifications have been processed.
	env.bus.Publish(notify.Factory{}.ZoneVolumeChanged(2, 40))
	env.bus.Publish(notify.Factory{}.ClientLatencyChanged(1, 20))
	env.bus.Publish(notify.Factory{}.ZoneVolumeChanged(1, 40))

	waitKNX(t, func() bool {
		env.tunnel.mu.Lock()
		defer env.tunnel.mu.Unlock()
		return len(env.tunnel.sent) == 1
	})
	require.Equal(t, ga(t, "1/2/2"), env.tunnel.sentTo(ga(t, "1/2/2"))[0].Destination)
}

func TestBridge_DispatchesZoneCommands(t *testing.T) {
	env := newKNXEnv(t)

	env.write(t, "1/1/1", dpt.DPT_1001(true).Pack())
	env.write(t, "1/1/1", dpt.DPT_1001(false).Pack())
	env.write(t, "1/2/1", dpt.DPT_5001(70).Pack())
	env.write(t, "1/3/1", dpt.DPT_1001(true).Pack())
	env.write(t, "1/4/1", dpt.DPT_5005(3).Pack())
	env.write(t, "1/5/1", dpt.DPT_5005(2).Pack())

	waitKNX(t, func() bool { return env.zones.count() == 6 })
	require.Equal(t, []knxZoneCall{
		{op: "play", index: 1},
		{op: "pause", index: 1},
		{op: "setVolume", index: 1, num: 70},
		{op: "setMute", index: 1, flag: true},
		{op: "setTrack", index: 1, num: 3},
		{op: "setPlaylist", index: 1, num: 2},
	}, env.zones.all())
}

func TestBridge_DispatchesClientCommands(t *testing.T) {
	env := newKNXEnv(t)

	env.write(t, "2/1/1", dpt.DPT_5001(45).Pack())
	env.write(t, "2/2/1", dpt.DPT_1001(true).Pack())

	waitKNX(t, func() bool { return len(env.clients.all()) == 2 })
	require.Equal(t, []knxClientCall{
		{op: "setVolume", index: 1, num: 45},
		{op: "setMute", index: 1, flag: true},
	}, env.clients.all())
}

func TestBridge_AuditsDispatches(t *testing.T) {
	env := newKNXEnv(t)

	env.write(t, "1/2/1", dpt.DPT_5001(70).Pack())

	waitKNX(t, func() bool { return env.audit.count() == 1 })
	rec := env.audit.all()[0]
	require.Equal(t, "knx", rec.origin)
	require.Equal(t, "zone:1", rec.target)
	require.Equal(t, "volume", rec.command)
	require.Equal(t, "1/2/1", rec.detail["groupAddress"])
	require.Equal(t, 70, rec.detail["value"])
	require.NoError(t, rec.err)
}

func TestBridge_InvalidDataIsAuditedNotDispatched(t *testing.T) {
	env := newKNXEnv(t)

	env.write(t, "1/4/1", dpt.DPT_5005(0).Pack())
	env.write(t, "1/2/1", nil)

	waitKNX(t, func() bool { return env.audit.count() == 2 })
	for _, rec := range env.audit.all() {
		require.Error(t, rec.err)
		require.True(t, apperrors.IsKind(rec.err, apperrors.KindInvalidArgument))
	}
	require.Zero(t, env.zones.count())
}

func TestBridge_IgnoresReadsAndUnknownAddresses(t *testing.T) {
	env := newKNXEnv(t)

	env.tunnel.inbound <- knx.GroupEvent{Command: knx.GroupRead, Destination: ga(t, "1/2/1")}
	env.tunnel.inbound <- knx.GroupEvent{Command: knx.GroupWrite, Destination: ga(t, "7/7/7"), Data: dpt.DPT_1001(true).Pack()}
	env.write(t, "1/1/1", dpt.DPT_1001(true).Pack())

	waitKNX(t, func() bool { return env.zones.count() == 1 })
	require.Equal(t, 1, env.audit.count())
}

func TestBridge_CloseStopsTheReadLoop(t *testing.T) {
	env := newKNXEnv(t)

	env.bridge.Close()
	select {
	case <-env.bridge.done:
	default:
		t.Fatal("read loop still running after Close")
	}

	// Second Close is a no-op.
	env.bridge.Close()
}

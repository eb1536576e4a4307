package knxbridge

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/vapourismo/knx-go/knx/cemi"
	"github.com/vapourismo/knx-go/knx/dpt"

	"github.com/snapdog/snapdog-go/internal/apperrors"
	"github.com/snapdog/snapdog-go/internal/config"
	"github.com/snapdog/snapdog-go/internal/notify"
	"github.com/snapdog/snapdog-go/internal/state"
)

func ga(t *testing.T, s string) cemi.GroupAddr {
	t.Helper()
	addr, err := cemi.NewGroupAddrString(s)
	require.NoError(t, err)
	return addr
}

func TestBuildTable(t *testing.T) {
	doc := config.KNXDocument{
		Zones: []config.KNXZoneAddresses{{
			Zone:         1,
			Playback:     "1/1/1",
			VolumeStatus: "1/2/2",
			Mute:         "1/3/1",
		}},
		Clients: []config.KNXClientAddresses{{
			Client:     2,
			Volume:     "2/1/1",
			MuteStatus: "2/2/2",
		}},
	}

	table, err := buildTable(doc)
	require.NoError(t, err)

	require.Equal(t, binding{"zone", 1, notify.AttrPlayback}, table.commands[ga(t, "1/1/1")])
	require.Equal(t, binding{"zone", 1, notify.AttrMute}, table.commands[ga(t, "1/3/1")])
	require.Equal(t, binding{"client", 2, notify.AttrVolume}, table.commands[ga(t, "2/1/1")])
	require.Len(t, table.commands, 3)

	require.Equal(t, ga(t, "1/2/2"), table.status[binding{"zone", 1, notify.AttrVolume}])
	require.Equal(t, ga(t, "2/2/2"), table.status[binding{"client", 2, notify.AttrMute}])
	require.Len(t, table.status, 2)
}

func TestBuildTable_EmptyDocument(t *testing.T) {
	table, err := buildTable(config.KNXDocument{})
	require.NoError(t, err)
	require.Empty(t, table.commands)
	require.Empty(t, table.status)
}

func TestBuildTable_RejectsBadAddress(t *testing.T) {
	doc := config.KNXDocument{
		Zones: []config.KNXZoneAddresses{{Zone: 1, Volume: "not-an-address"}},
	}
	_, err := buildTable(doc)
	require.Error(t, err)
	require.True(t, apperrors.IsKind(err, apperrors.KindInvalidArgument))
}

func TestBuildTable_RejectsDuplicateCommandAddress(t *testing.T) {
	doc := config.KNXDocument{
		Zones: []config.KNXZoneAddresses{
			{Zone: 1, Volume: "1/2/1"},
			{Zone: 2, Mute: "1/2/1"},
		},
	}
	_, err := buildTable(doc)
	require.Error(t, err)
	require.Contains(t, err.Error(), "1/2/1")
}

func TestBuildTable_RejectsNonPositiveIndexes(t *testing.T) {
	_, err := buildTable(config.KNXDocument{Zones: []config.KNXZoneAddresses{{Zone: 0}}})
	require.Error(t, err)

	_, err = buildTable(config.KNXDocument{Clients: []config.KNXClientAddresses{{Client: -1}}})
	require.Error(t, err)
}

func TestStatusFrame(t *testing.T) {
	factory := notify.Factory{}

	tests := []struct {
		name string
		n    notify.Notification
		bind binding
		data []byte
	}{
		{"zone volume", factory.ZoneVolumeChanged(1, 55), binding{"zone", 1, notify.AttrVolume}, dpt.DPT_5001(55).Pack()},
		{"zone mute", factory.ZoneMuteChanged(2, true), binding{"zone", 2, notify.AttrMute}, dpt.DPT_1001(true).Pack()},
		{"zone playing", factory.ZonePlaybackStateChanged(1, state.PlaybackPlaying), binding{"zone", 1, notify.AttrPlayback}, dpt.DPT_1001(true).Pack()},
		{"zone paused", factory.ZonePlaybackStateChanged(1, state.PlaybackPaused), binding{"zone", 1, notify.AttrPlayback}, dpt.DPT_1001(false).Pack()},
		{"zone track", factory.ZoneTrackMetadataChanged(1, state.TrackInfo{Index: 7}), binding{"zone", 1, notify.AttrTrack}, dpt.DPT_5005(7).Pack()},
		{"zone playlist", factory.ZonePlaylistChanged(1, state.PlaylistInfo{Index: 2}), binding{"zone", 1, notify.AttrPlaylist}, dpt.DPT_5005(2).Pack()},
		{"client volume", factory.ClientVolumeChanged(3, 80), binding{"client", 3, notify.AttrVolume}, dpt.DPT_5001(80).Pack()},
		{"client mute", factory.ClientMuteChanged(3, false), binding{"client", 3, notify.AttrMute}, dpt.DPT_1001(false).Pack()},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			bind, data, ok := statusFrame(tc.n)
			require.True(t, ok)
			require.Equal(t, tc.bind, bind)
			require.Equal(t, tc.data, data)
		})
	}
}

func TestStatusFrame_SkipsUnmappedNotifications(t *testing.T) {
	factory := notify.Factory{}
	for _, n := range []notify.Notification{
		factory.ClientLatencyChanged(1, 20),
		factory.ZoneProgressChanged(1, 1000, 0.5),
		factory.ZoneShuffleChanged(1, true),
		factory.SystemVersion("1.0.0"),
	} {
		_, _, ok := statusFrame(n)
		require.False(t, ok, n.Event)
	}
}

func TestPackIndexClampsToByteRange(t *testing.T) {
	require.Equal(t, dpt.DPT_5005(255).Pack(), packIndex(300))
	require.Equal(t, dpt.DPT_5005(0).Pack(), packIndex(-4))
	require.Equal(t, dpt.DPT_5005(12).Pack(), packIndex(12))
}

func TestCodecRoundTrips(t *testing.T) {
	on, err := unpackSwitch(packSwitch(true))
	require.NoError(t, err)
	require.True(t, on)

	// Scaling quantizes to 1/255 steps; integer percents survive the trip.
	for _, volume := range []int{0, 1, 37, 55, 99, 100} {
		got, err := unpackPercent(packPercent(volume))
		require.NoError(t, err)
		require.Equal(t, volume, got)
	}

	index, err := unpackIndex(packIndex(3))
	require.NoError(t, err)
	require.Equal(t, 3, index)
}

func TestUnpackRejectsBadData(t *testing.T) {
	_, err := unpackSwitch(nil)
	require.Error(t, err)

	_, err = unpackPercent([]byte{})
	require.Error(t, err)

	_, err = unpackIndex(dpt.DPT_5005(0).Pack())
	require.Error(t, err)
}

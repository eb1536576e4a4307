package notify

import (
	"time"

	"github.com/snapdog/snapdog-go/internal/state"
)

// Factory builds every notification record in the system. Emitters go
// through it so all protocol surfaces observe the same shapes.
type Factory struct{}

func record(event string, entity Entity, index int, attr string, payload any) Notification {
	return Notification{
		Event:     event,
		Entity:    entity,
		Index:     index,
		Attribute: attr,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	}
}

func (Factory) ClientVolumeChanged(clientIndex, volume int) Notification {
	return record("ClientVolumeChanged", EntityClient, clientIndex, AttrVolume,
		ClientVolumePayload{ClientIndex: clientIndex, Volume: volume})
}

func (Factory) ClientMuteChanged(clientIndex int, muted bool) Notification {
	return record("ClientMuteChanged", EntityClient, clientIndex, AttrMute,
		ClientMutePayload{ClientIndex: clientIndex, IsMuted: muted})
}

func (Factory) ClientLatencyChanged(clientIndex, latencyMs int) Notification {
	return record("ClientLatencyChanged", EntityClient, clientIndex, AttrLatency,
		ClientLatencyPayload{ClientIndex: clientIndex, LatencyMs: latencyMs})
}

func (Factory) ClientZoneChanged(clientIndex, oldZone, newZone int) Notification {
	return record("ClientZoneChanged", EntityClient, clientIndex, AttrZone,
		ClientZonePayload{ClientIndex: clientIndex, OldZone: oldZone, NewZone: newZone})
}

func (Factory) ClientConnectionChanged(clientIndex int, connected bool) Notification {
	return record("ClientConnectionChanged", EntityClient, clientIndex, AttrConnected,
		ClientConnectionPayload{ClientIndex: clientIndex, IsConnected: connected})
}

func (Factory) ClientNameChanged(clientIndex int, name string) Notification {
	return record("ClientNameChanged", EntityClient, clientIndex, AttrName,
		ClientNamePayload{ClientIndex: clientIndex, Name: name})
}

func (Factory) ClientStateChanged(clientIndex int, s state.ClientState) Notification {
	return record("ClientStateChanged", EntityClient, clientIndex, AttrState,
		ClientStatePayload{ClientIndex: clientIndex, State: s})
}

func (Factory) ZoneVolumeChanged(zoneIndex, volume int) Notification {
	return record("ZoneVolumeChanged", EntityZone, zoneIndex, AttrVolume,
		ZoneVolumePayload{ZoneIndex: zoneIndex, Volume: volume})
}

func (Factory) ZoneMuteChanged(zoneIndex int, muted bool) Notification {
	return record("ZoneMuteChanged", EntityZone, zoneIndex, AttrMute,
		ZoneMutePayload{ZoneIndex: zoneIndex, IsMuted: muted})
}

func (Factory) ZonePlaybackStateChanged(zoneIndex int, ps state.PlaybackState) Notification {
	return record("ZonePlaybackStateChanged", EntityZone, zoneIndex, AttrPlayback,
		ZonePlaybackPayload{ZoneIndex: zoneIndex, PlaybackState: ps, IsPlaying: ps == state.PlaybackPlaying})
}

func (Factory) ZoneTrackPlayingStatusChanged(zoneIndex int, ps state.PlaybackState) Notification {
	return record("ZoneTrackPlayingStatusChanged", EntityZone, zoneIndex, AttrPlayback,
		ZonePlaybackPayload{ZoneIndex: zoneIndex, PlaybackState: ps, IsPlaying: ps == state.PlaybackPlaying})
}

func (Factory) ZoneProgressChanged(zoneIndex int, positionMs int64, progress float64) Notification {
	return record("ZoneProgressChanged", EntityZone, zoneIndex, AttrProgress,
		ZoneProgressPayload{ZoneIndex: zoneIndex, PositionMs: positionMs, ProgressPercent: progress * 100})
}

func (Factory) ZoneTrackProgressChanged(zoneIndex int, track state.TrackInfo) Notification {
	return record("ZoneTrackProgressChanged", EntityZone, zoneIndex, AttrTrack,
		ZoneTrackPayload{ZoneIndex: zoneIndex, Track: track})
}

func (Factory) ZoneTrackMetadataChanged(zoneIndex int, track state.TrackInfo) Notification {
	return record("ZoneTrackMetadataChanged", EntityZone, zoneIndex, AttrTrack,
		ZoneTrackPayload{ZoneIndex: zoneIndex, Track: track})
}

func (Factory) ZoneTrackTitleChanged(zoneIndex int, title string) Notification {
	return record("ZoneTrackTitleChanged", EntityZone, zoneIndex, AttrTrackTitle,
		ZoneTrackFieldPayload{ZoneIndex: zoneIndex, Value: title})
}

func (Factory) ZoneTrackArtistChanged(zoneIndex int, artist string) Notification {
	return record("ZoneTrackArtistChanged", EntityZone, zoneIndex, AttrTrackArtist,
		ZoneTrackFieldPayload{ZoneIndex: zoneIndex, Value: artist})
}

func (Factory) ZoneTrackAlbumChanged(zoneIndex int, album string) Notification {
	return record("ZoneTrackAlbumChanged", EntityZone, zoneIndex, AttrTrackAlbum,
		ZoneTrackFieldPayload{ZoneIndex: zoneIndex, Value: album})
}

func (Factory) ZonePlaylistChanged(zoneIndex int, pl state.PlaylistInfo) Notification {
	return record("ZonePlaylistChanged", EntityZone, zoneIndex, AttrPlaylist,
		ZonePlaylistPayload{ZoneIndex: zoneIndex, Playlist: pl})
}

func (Factory) ZoneRepeatChanged(zoneIndex int, trackRepeat, playlistRepeat bool) Notification {
	return record("ZoneRepeatChanged", EntityZone, zoneIndex, AttrRepeat,
		ZoneRepeatPayload{ZoneIndex: zoneIndex, TrackRepeat: trackRepeat, PlaylistRepeat: playlistRepeat})
}

func (Factory) ZoneShuffleChanged(zoneIndex int, shuffle bool) Notification {
	return record("ZoneShuffleChanged", EntityZone, zoneIndex, AttrShuffle,
		ZoneShufflePayload{ZoneIndex: zoneIndex, PlaylistShuffle: shuffle})
}

func (Factory) ZoneStateChanged(zoneIndex int, s state.ZoneState) Notification {
	return record("ZoneStateChanged", EntityZone, zoneIndex, AttrState,
		ZoneStatePayload{ZoneIndex: zoneIndex, State: s})
}

func (Factory) ZonesInfo(zones map[int]state.ZoneState) Notification {
	return record("ZonesInfo", EntitySystem, 0, AttrState, ZonesInfoPayload{Zones: zones})
}

func (Factory) StateSnapshot(zones map[int]state.ZoneState, clients map[int]state.ClientState) Notification {
	return record("StateSnapshot", EntitySystem, 0, AttrState,
		StateSnapshotPayload{Zones: zones, Clients: clients})
}

func (Factory) SystemStatus(status string, uptime time.Duration) Notification {
	return record("SystemStatusChanged", EntitySystem, 0, AttrStatus,
		SystemStatusPayload{Status: status, UptimeSec: int64(uptime.Seconds())})
}

func (Factory) SystemVersion(version string) Notification {
	return record("SystemVersion", EntitySystem, 0, AttrVersion,
		SystemVersionPayload{Version: version})
}

func (Factory) ServerStats(stats ServerStatsPayload) Notification {
	return record("ServerStatsChanged", EntitySystem, 0, AttrStats, stats)
}

func (Factory) SystemError(message string) Notification {
	return record("SystemError", EntitySystem, 0, AttrError,
		SystemErrorPayload{Message: message})
}

func (Factory) CommandStatus(origin, target, command, outcome string) Notification {
	return record("CommandStatus", EntityCommand, 0, AttrStatus,
		CommandStatusPayload{Origin: origin, Target: target, Command: command, Outcome: outcome})
}

func (Factory) CommandError(origin, target, command, errorKind, message string) Notification {
	return record("CommandError", EntityCommand, 0, AttrError,
		CommandStatusPayload{Origin: origin, Target: target, Command: command, Outcome: "error", ErrorKind: errorKind, Message: message})
}

// Package notify carries typed change records from the core to every
// protocol surface. The Factory is the single place records are built, so
// HTTP, WebSocket, MQTT and KNX all see identical payloads; the Bus fans
// them out without letting one slow sink stall another.
package notify

import (
	"time"

	"github.com/snapdog/snapdog-go/internal/state"
)

// Entity discriminates what a notification is about.
type Entity string

const (
	EntityZone    Entity = "zone"
	EntityClient  Entity = "client"
	EntitySystem  Entity = "system"
	EntityCommand Entity = "command"
)

// Attribute names the changed property. Bridges key topics and group
// addresses off these.
const (
	AttrVolume      = "volume"
	AttrMute        = "mute"
	AttrLatency     = "latency"
	AttrConnected   = "connected"
	AttrZone        = "zone"
	AttrName        = "name"
	AttrState       = "state"
	AttrPlayback    = "playback"
	AttrProgress    = "progress"
	AttrTrack       = "track"
	AttrTrackTitle  = "track_title"
	AttrTrackArtist = "track_artist"
	AttrTrackAlbum  = "track_album"
	AttrPlaylist    = "playlist"
	AttrRepeat      = "repeat"
	AttrShuffle     = "shuffle"
	AttrStatus      = "status"
	AttrVersion     = "version"
	AttrStats       = "stats"
	AttrError       = "error"
)

// Notification is one change record. Event matches the wire event name on
// the WebSocket surface; Entity/Index/Attribute drive topic and group
// address construction in the bridges.
type Notification struct {
	Event     string    `json:"event"`
	Entity    Entity    `json:"entity"`
	Index     int       `json:"index,omitempty"`
	Attribute string    `json:"attribute"`
	Payload   any       `json:"payload"`
	Timestamp time.Time `json:"timestamp"`
}

// Payload shapes. Field names are part of the external contract.

type ClientVolumePayload struct {
	ClientIndex int `json:"clientIndex"`
	Volume      int `json:"volume"`
}

type ClientMutePayload struct {
	ClientIndex int  `json:"clientIndex"`
	IsMuted     bool `json:"isMuted"`
}

type ClientLatencyPayload struct {
	ClientIndex int `json:"clientIndex"`
	LatencyMs   int `json:"latencyMs"`
}

type ClientZonePayload struct {
	ClientIndex int `json:"clientIndex"`
	OldZone     int `json:"oldZone"`
	NewZone     int `json:"newZone"`
}

type ClientConnectionPayload struct {
	ClientIndex int  `json:"clientIndex"`
	IsConnected bool `json:"isConnected"`
}

type ClientNamePayload struct {
	ClientIndex int    `json:"clientIndex"`
	Name        string `json:"name"`
}

type ClientStatePayload struct {
	ClientIndex int               `json:"clientIndex"`
	State       state.ClientState `json:"state"`
}

type ZoneVolumePayload struct {
	ZoneIndex int `json:"zoneIndex"`
	Volume    int `json:"volume"`
}

type ZoneMutePayload struct {
	ZoneIndex int  `json:"zoneIndex"`
	IsMuted   bool `json:"isMuted"`
}

type ZonePlaybackPayload struct {
	ZoneIndex     int                 `json:"zoneIndex"`
	PlaybackState state.PlaybackState `json:"playbackState"`
	IsPlaying     bool                `json:"isPlaying"`
}

type ZoneProgressPayload struct {
	ZoneIndex       int     `json:"zoneIndex"`
	PositionMs      int64   `json:"positionMs"`
	ProgressPercent float64 `json:"progressPercent"`
}

type ZoneTrackPayload struct {
	ZoneIndex int             `json:"zoneIndex"`
	Track     state.TrackInfo `json:"track"`
}

type ZoneTrackFieldPayload struct {
	ZoneIndex int    `json:"zoneIndex"`
	Value     string `json:"value"`
}

type ZonePlaylistPayload struct {
	ZoneIndex int                `json:"zoneIndex"`
	Playlist  state.PlaylistInfo `json:"playlist"`
}

type ZoneRepeatPayload struct {
	ZoneIndex      int  `json:"zoneIndex"`
	TrackRepeat    bool `json:"trackRepeat"`
	PlaylistRepeat bool `json:"playlistRepeat"`
}

type ZoneShufflePayload struct {
	ZoneIndex       int  `json:"zoneIndex"`
	PlaylistShuffle bool `json:"playlistShuffle"`
}

type ZoneStatePayload struct {
	ZoneIndex int             `json:"zoneIndex"`
	State     state.ZoneState `json:"state"`
}

type ZonesInfoPayload struct {
	Zones map[int]state.ZoneState `json:"zones"`
}

type StateSnapshotPayload struct {
	Zones   map[int]state.ZoneState   `json:"zones"`
	Clients map[int]state.ClientState `json:"clients"`
}

type SystemStatusPayload struct {
	Status    string `json:"status"`
	UptimeSec int64  `json:"uptimeSec"`
}

type SystemVersionPayload struct {
	Version string `json:"version"`
}

type ServerStatsPayload struct {
	UptimeSec     int64  `json:"uptimeSec"`
	Goroutines    int    `json:"goroutines"`
	HeapBytes     uint64 `json:"heapBytes"`
	NumCPU        int    `json:"numCpu"`
	SnapConnected bool   `json:"snapcastConnected"`
}

type SystemErrorPayload struct {
	Message string `json:"message"`
}

type CommandStatusPayload struct {
	Origin    string `json:"origin"`
	Target    string `json:"target"`
	Command   string `json:"command"`
	Outcome   string `json:"outcome"`
	ErrorKind string `json:"errorKind,omitempty"`
	Message   string `json:"message,omitempty"`
}

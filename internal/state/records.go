// Package state holds the mutable zone and client records and their stores.
//
// Records are value types updated copy-on-write: every mutation goes through
// With, which clones the record, applies the change and restamps it. Stores
// swap whole records, so readers always see a consistent pre- or post-image.
package state

import "time"

// PlaybackState is a zone's playback lifecycle state.
type PlaybackState string

const (
	PlaybackStopped PlaybackState = "stopped"
	PlaybackPlaying PlaybackState = "playing"
	PlaybackPaused  PlaybackState = "paused"
)

// Track sources. SourceNone is the sentinel for "no track staged".
const (
	SourceNone   = "none"
	SourceRadio  = "radio"
	SourceStream = "stream"
)

// TrackInfo describes the track a zone is playing or has staged.
type TrackInfo struct {
	Source     string  `json:"source"`
	Index      int     `json:"index"`
	Title      string  `json:"title"`
	Artist     string  `json:"artist,omitempty"`
	Album      string  `json:"album,omitempty"`
	URL        string  `json:"url"`
	DurationMs int64   `json:"durationMs"`
	PositionMs int64   `json:"positionMs"`
	Progress   float64 `json:"progress"`
	IsPlaying  bool    `json:"isPlaying"`
	CoverURL   string  `json:"coverUrl,omitempty"`
	Genre      string  `json:"genre,omitempty"`
	Year       int     `json:"year,omitempty"`
	Rating     int     `json:"rating,omitempty"`
}

// Playable reports whether the track can be handed to the media player.
func (t *TrackInfo) Playable() bool {
	return t != nil && t.Source != SourceNone && t.URL != ""
}

// PlaylistInfo identifies the playlist a zone currently navigates.
type PlaylistInfo struct {
	Source     string `json:"source"`
	Index      int    `json:"index"`
	ID         string `json:"playlistId"`
	Name       string `json:"name"`
	TrackCount int    `json:"trackCount"`
}

// ZoneState is the full mutable record of one zone, keyed by its 1-based
// index.
type ZoneState struct {
	Name             string        `json:"name"`
	PlaybackState    PlaybackState `json:"playbackState"`
	Volume           int           `json:"volume"`
	Mute             bool          `json:"mute"`
	TrackRepeat      bool          `json:"trackRepeat"`
	PlaylistRepeat   bool          `json:"playlistRepeat"`
	PlaylistShuffle  bool          `json:"playlistShuffle"`
	SnapcastGroupID  string        `json:"snapcastGroupId,omitempty"`
	SnapcastStreamID string        `json:"snapcastStreamId"`
	Track            *TrackInfo    `json:"track,omitempty"`
	Playlist         *PlaylistInfo `json:"playlist,omitempty"`
	Clients          []int         `json:"clients"`
	Stale            bool          `json:"stale,omitempty"`
	TimestampUTC     time.Time     `json:"timestampUtc"`
}

// Clone returns a deep copy of the record.
func (s ZoneState) Clone() ZoneState {
	out := s
	if s.Track != nil {
		t := *s.Track
		out.Track = &t
	}
	if s.Playlist != nil {
		p := *s.Playlist
		out.Playlist = &p
	}
	if s.Clients != nil {
		out.Clients = append([]int(nil), s.Clients...)
	}
	return out
}

// With returns a restamped copy with fn applied. The receiver is untouched.
func (s ZoneState) With(fn func(*ZoneState)) ZoneState {
	out := s.Clone()
	fn(&out)
	out.Volume = ClampVolume(out.Volume)
	out.TimestampUTC = time.Now().UTC()
	return out
}

// ClientState is the full mutable record of one configured client, keyed by
// its 1-based index.
type ClientState struct {
	Name                   string    `json:"name"`
	Icon                   string    `json:"icon,omitempty"`
	MAC                    string    `json:"mac"`
	SnapcastID             string    `json:"snapcastId"`
	Connected              bool      `json:"connected"`
	Volume                 int       `json:"volume"`
	Mute                   bool      `json:"mute"`
	LatencyMs              int       `json:"latencyMs"`
	ZoneIndex              int       `json:"zoneIndex"`
	ConfiguredSnapcastName string    `json:"configuredSnapcastName"`
	LastSeenUTC            time.Time `json:"lastSeenUtc"`
	HostIPAddress          string    `json:"hostIpAddress,omitempty"`
	HostName               string    `json:"hostName,omitempty"`
	HostOS                 string    `json:"hostOs,omitempty"`
	HostArch               string    `json:"hostArch,omitempty"`
	TimestampUTC           time.Time `json:"timestampUtc"`
}

// With returns a restamped copy with fn applied.
func (s ClientState) With(fn func(*ClientState)) ClientState {
	out := s
	fn(&out)
	out.Volume = ClampVolume(out.Volume)
	out.TimestampUTC = time.Now().UTC()
	return out
}

// ClampVolume bounds a volume percentage to [0,100].
func ClampVolume(v int) int {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}

// ClampProgress bounds a progress fraction to [0,1].
func ClampProgress(f float64) float64 {
	if f < 0 {
		return 0
	}
	if f > 1 {
		return 1
	}
	return f
}

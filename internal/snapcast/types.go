// Package snapcast speaks the Snapcast server's JSON-RPC control protocol
// and mirrors the server topology it reports.
//
// The wire structs below follow the field names of the Snapcast control
// protocol exactly. Everything else in the program treats this package as
// the single source of truth for what the server currently looks like.
package snapcast

import "encoding/json"

// LastSeen is the server's last-contact timestamp for a client.
type LastSeen struct {
	Sec  int64 `json:"sec"`
	Usec int64 `json:"usec"`
}

// ClientVolume is the per-client volume block.
type ClientVolume struct {
	Muted   bool `json:"muted"`
	Percent int  `json:"percent"`
}

// ClientSettings is the mutable per-client configuration held by the server.
type ClientSettings struct {
	Instance int          `json:"instance"`
	Latency  int          `json:"latency"`
	Name     string       `json:"name"`
	Volume   ClientVolume `json:"volume"`
}

// Host describes the machine a client or the server runs on.
type Host struct {
	Arch string `json:"arch"`
	IP   string `json:"ip"`
	MAC  string `json:"mac"`
	Name string `json:"name"`
	OS   string `json:"os"`
}

// ClientInfo is the snapclient build information.
type ClientInfo struct {
	Name            string `json:"name"`
	ProtocolVersion int    `json:"protocolVersion"`
	Version         string `json:"version"`
}

// Client is one snapclient as reported by the server.
type Client struct {
	ID         string         `json:"id"`
	Connected  bool           `json:"connected"`
	Config     ClientSettings `json:"config"`
	Host       Host           `json:"host"`
	LastSeen   LastSeen       `json:"lastSeen"`
	Snapclient ClientInfo     `json:"snapclient"`
}

// Group is a set of clients bound to one stream.
type Group struct {
	ID       string   `json:"id"`
	Name     string   `json:"name"`
	Muted    bool     `json:"muted"`
	StreamID string   `json:"stream_id"`
	Clients  []Client `json:"clients"`
}

// StreamURI is the source URI of a stream as the server parsed it.
type StreamURI struct {
	Raw      string            `json:"raw"`
	Scheme   string            `json:"scheme"`
	Host     string            `json:"host"`
	Path     string            `json:"path"`
	Fragment string            `json:"fragment"`
	Query    map[string]string `json:"query"`
}

// Stream states as reported by the server.
const (
	StreamIdle     = "idle"
	StreamPlaying  = "playing"
	StreamDisabled = "disabled"
)

// Stream is one audio source configured on the server.
type Stream struct {
	ID     string    `json:"id"`
	Status string    `json:"status"`
	URI    StreamURI `json:"uri"`
}

// ServerInfo is the snapserver build block inside Server.GetStatus.
type ServerInfo struct {
	ControlProtocolVersion int    `json:"controlProtocolVersion"`
	Name                   string `json:"name"`
	ProtocolVersion        int    `json:"protocolVersion"`
	Version                string `json:"version"`
}

// ServerDetails pairs the server host with its build information.
type ServerDetails struct {
	Host       Host       `json:"host"`
	Snapserver ServerInfo `json:"snapserver"`
}

// Server is the full topology snapshot returned by Server.GetStatus and
// carried by Server.OnUpdate.
type Server struct {
	Groups  []Group       `json:"groups"`
	Server  ServerDetails `json:"server"`
	Streams []Stream      `json:"streams"`
}

// Clone returns a deep copy of the snapshot. Group client slices and stream
// query maps are the only reference fields.
func (s Server) Clone() Server {
	out := s
	out.Groups = make([]Group, len(s.Groups))
	for i, g := range s.Groups {
		out.Groups[i] = g.Clone()
	}
	out.Streams = make([]Stream, len(s.Streams))
	for i, st := range s.Streams {
		out.Streams[i] = st.Clone()
	}
	return out
}

// Clone returns a deep copy of the group.
func (g Group) Clone() Group {
	out := g
	out.Clients = make([]Client, len(g.Clients))
	copy(out.Clients, g.Clients)
	return out
}

// Clone returns a deep copy of the stream.
func (s Stream) Clone() Stream {
	out := s
	if s.URI.Query != nil {
		out.URI.Query = make(map[string]string, len(s.URI.Query))
		for k, v := range s.URI.Query {
			out.URI.Query[k] = v
		}
	}
	return out
}

// Notification method names sent by the server.
const (
	MethodClientOnConnect        = "Client.OnConnect"
	MethodClientOnDisconnect     = "Client.OnDisconnect"
	MethodClientOnVolumeChanged  = "Client.OnVolumeChanged"
	MethodClientOnLatencyChanged = "Client.OnLatencyChanged"
	MethodClientOnNameChanged    = "Client.OnNameChanged"
	MethodGroupOnMute            = "Group.OnMute"
	MethodGroupOnStreamChanged   = "Group.OnStreamChanged"
	MethodGroupOnNameChanged     = "Group.OnNameChanged"
	MethodStreamOnUpdate         = "Stream.OnUpdate"
	MethodServerOnUpdate         = "Server.OnUpdate"
)

// Request method names accepted by the server.
const (
	MethodServerGetStatus  = "Server.GetStatus"
	MethodClientSetVolume  = "Client.SetVolume"
	MethodClientSetLatency = "Client.SetLatency"
	MethodClientSetName    = "Client.SetName"
	MethodGroupSetMute     = "Group.SetMute"
	MethodGroupSetStream   = "Group.SetStream"
	MethodGroupSetName     = "Group.SetName"
	MethodGroupSetClients  = "Group.SetClients"
)

// Notification is one server-initiated message, delivered to subscribers in
// arrival order.
type Notification struct {
	Method string
	Params json.RawMessage
}

// Notification parameter shapes. Connect and disconnect carry the full
// client object; the rest carry only the changed field.

type clientConnectParams struct {
	ID     string `json:"id"`
	Client Client `json:"client"`
}

type clientVolumeParams struct {
	ID     string       `json:"id"`
	Volume ClientVolume `json:"volume"`
}

type clientLatencyParams struct {
	ID      string `json:"id"`
	Latency int    `json:"latency"`
}

type clientNameParams struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type groupMuteParams struct {
	ID   string `json:"id"`
	Mute bool   `json:"mute"`
}

type groupStreamParams struct {
	ID       string `json:"id"`
	StreamID string `json:"stream_id"`
}

type groupNameParams struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type streamUpdateParams struct {
	ID     string `json:"id"`
	Stream Stream `json:"stream"`
}

type serverUpdateParams struct {
	Server Server `json:"server"`
}

// statusResult is the envelope around Server.GetStatus responses.
type statusResult struct {
	Server Server `json:"server"`
}

package snapcast

import (
	"encoding/json"
	"log"
	"strings"
	"sync"
)

// Repository mirrors the Snapcast server topology. It is hydrated with full
// snapshots and kept current by applying notifications in arrival order.
// All reads return copies; callers never share memory with the mirror.
//
// The configured client MAC order gives clients their stable 1-based index.
type Repository struct {
	logger *log.Logger
	macs   []string

	mu       sync.RWMutex
	server   Server
	hydrated bool

	changedMu  sync.Mutex
	changedFns []func()
}

// NewRepository builds an empty mirror. macs is the configured client list
// in index order; entries are canonicalised for lookups.
func NewRepository(macs []string, logger *log.Logger) *Repository {
	if logger == nil {
		logger = log.Default()
	}
	canonical := make([]string, len(macs))
	for i, m := range macs {
		canonical[i] = CanonicalMAC(m)
	}
	return &Repository{logger: logger, macs: canonical}
}

// CanonicalMAC lowercases a hardware address and normalises dash separators
// to colons so lookups match regardless of the reporting format.
func CanonicalMAC(s string) string {
	return strings.ToLower(strings.ReplaceAll(strings.TrimSpace(s), "-", ":"))
}

// OnChange registers fn to run after every mutation that altered the mirror.
// Callbacks run synchronously on the applying goroutine and must be cheap.
func (r *Repository) OnChange(fn func()) {
	r.changedMu.Lock()
	r.changedFns = append(r.changedFns, fn)
	r.changedMu.Unlock()
}

func (r *Repository) fireChanged() {
	r.changedMu.Lock()
	fns := r.changedFns
	r.changedMu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

// Hydrated reports whether at least one full snapshot has been applied.
func (r *Repository) Hydrated() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.hydrated
}

// ReplaceServer swaps in a full snapshot, superseding all prior state.
func (r *Repository) ReplaceServer(s Server) {
	r.mu.Lock()
	r.server = s.Clone()
	r.hydrated = true
	r.mu.Unlock()
	r.fireChanged()
}

// Apply decodes one server notification and applies its delta. Events that
// reference ids missing from the mirror are logged and dropped; the next
// full snapshot heals any drift.
func (r *Repository) Apply(n Notification) {
	changed := false
	switch n.Method {
	case MethodClientOnConnect:
		var p clientConnectParams
		if !decodeParams(r.logger, n, &p) {
			return
		}
		changed = r.applyClientPresence(p.ID, p.Client, true)
	case MethodClientOnDisconnect:
		var p clientConnectParams
		if !decodeParams(r.logger, n, &p) {
			return
		}
		changed = r.applyClientPresence(p.ID, p.Client, false)
	case MethodClientOnVolumeChanged:
		var p clientVolumeParams
		if !decodeParams(r.logger, n, &p) {
			return
		}
		changed = r.mutateClient(n.Method, p.ID, func(c *Client) {
			c.Config.Volume = p.Volume
		})
	case MethodClientOnLatencyChanged:
		var p clientLatencyParams
		if !decodeParams(r.logger, n, &p) {
			return
		}
		changed = r.mutateClient(n.Method, p.ID, func(c *Client) {
			c.Config.Latency = p.Latency
		})
	case MethodClientOnNameChanged:
		var p clientNameParams
		if !decodeParams(r.logger, n, &p) {
			return
		}
		changed = r.mutateClient(n.Method, p.ID, func(c *Client) {
			c.Config.Name = p.Name
		})
	case MethodGroupOnMute:
		var p groupMuteParams
		if !decodeParams(r.logger, n, &p) {
			return
		}
		changed = r.mutateGroup(n.Method, p.ID, func(g *Group) {
			g.Muted = p.Mute
		})
	case MethodGroupOnStreamChanged:
		var p groupStreamParams
		if !decodeParams(r.logger, n, &p) {
			return
		}
		changed = r.mutateGroup(n.Method, p.ID, func(g *Group) {
			g.StreamID = p.StreamID
		})
	case MethodGroupOnNameChanged:
		var p groupNameParams
		if !decodeParams(r.logger, n, &p) {
			return
		}
		changed = r.mutateGroup(n.Method, p.ID, func(g *Group) {
			g.Name = p.Name
		})
	case MethodStreamOnUpdate:
		var p streamUpdateParams
		if !decodeParams(r.logger, n, &p) {
			return
		}
		changed = r.upsertStream(p.Stream)
	case MethodServerOnUpdate:
		var p serverUpdateParams
		if !decodeParams(r.logger, n, &p) {
			return
		}
		r.ReplaceServer(p.Server)
		return
	default:
		// Newer servers emit methods this controller does not track.
		return
	}
	if changed {
		r.fireChanged()
	}
}

func decodeParams(logger *log.Logger, n Notification, out any) bool {
	if err := json.Unmarshal(n.Params, out); err != nil {
		logger.Printf("SNAPCAST: %s: undecodable params: %v", n.Method, err)
		return false
	}
	return true
}

// applyClientPresence replaces the stored client with the object carried by
// a connect or disconnect event. The connected flag follows the method, not
// the payload.
func (r *Repository) applyClientPresence(id string, client Client, connected bool) bool {
	client.Connected = connected
	r.mu.Lock()
	defer r.mu.Unlock()
	for gi := range r.server.Groups {
		g := &r.server.Groups[gi]
		for ci := range g.Clients {
			if g.Clients[ci].ID == id {
				g.Clients[ci] = client
				return true
			}
		}
	}
	r.logger.Printf("SNAPCAST: presence event for unknown client %q ignored", id)
	return false
}

func (r *Repository) mutateClient(method, id string, fn func(*Client)) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for gi := range r.server.Groups {
		g := &r.server.Groups[gi]
		for ci := range g.Clients {
			if g.Clients[ci].ID == id {
				fn(&g.Clients[ci])
				return true
			}
		}
	}
	r.logger.Printf("SNAPCAST: %s for unknown client %q ignored", method, id)
	return false
}

func (r *Repository) mutateGroup(method, id string, fn func(*Group)) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for gi := range r.server.Groups {
		if r.server.Groups[gi].ID == id {
			fn(&r.server.Groups[gi])
			return true
		}
	}
	r.logger.Printf("SNAPCAST: %s for unknown group %q ignored", method, id)
	return false
}

func (r *Repository) upsertStream(s Stream) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.server.Streams {
		if r.server.Streams[i].ID == s.ID {
			r.server.Streams[i] = s.Clone()
			return true
		}
	}
	r.server.Streams = append(r.server.Streams, s.Clone())
	return true
}

// Snapshot returns a deep copy of the whole mirror.
func (r *Repository) Snapshot() Server {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.server.Clone()
}

// Details returns the server host and build block.
func (r *Repository) Details() ServerDetails {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.server.Server
}

// Client looks a client up by its Snapcast id.
func (r *Repository) Client(id string) (Client, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for gi := range r.server.Groups {
		for _, c := range r.server.Groups[gi].Clients {
			if c.ID == id {
				return c, true
			}
		}
	}
	return Client{}, false
}

// ClientByMAC looks a client up by hardware address, matching the host MAC
// first and the client id as a fallback for servers that report no MAC.
func (r *Repository) ClientByMAC(mac string) (Client, bool) {
	want := CanonicalMAC(mac)
	if want == "" {
		return Client{}, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	for gi := range r.server.Groups {
		for _, c := range r.server.Groups[gi].Clients {
			if CanonicalMAC(c.Host.MAC) == want {
				return c, true
			}
		}
	}
	for gi := range r.server.Groups {
		for _, c := range r.server.Groups[gi].Clients {
			if CanonicalMAC(c.ID) == want {
				return c, true
			}
		}
	}
	return Client{}, false
}

// ClientByIndex resolves the 1-based configured client index.
func (r *Repository) ClientByIndex(index int) (Client, bool) {
	if index < 1 || index > len(r.macs) {
		return Client{}, false
	}
	return r.ClientByMAC(r.macs[index-1])
}

// Group looks a group up by id.
func (r *Repository) Group(id string) (Group, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, g := range r.server.Groups {
		if g.ID == id {
			return g.Clone(), true
		}
	}
	return Group{}, false
}

// GroupOfClient returns the group currently containing the client.
func (r *Repository) GroupOfClient(clientID string) (Group, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, g := range r.server.Groups {
		for _, c := range g.Clients {
			if c.ID == clientID {
				return g.Clone(), true
			}
		}
	}
	return Group{}, false
}

// GroupForStream returns the first group bound to the stream id.
func (r *Repository) GroupForStream(streamID string) (Group, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, g := range r.server.Groups {
		if g.StreamID == streamID {
			return g.Clone(), true
		}
	}
	return Group{}, false
}

// Stream looks a stream up by id.
func (r *Repository) Stream(id string) (Stream, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, s := range r.server.Streams {
		if s.ID == id {
			return s.Clone(), true
		}
	}
	return Stream{}, false
}

// Groups returns all groups.
func (r *Repository) Groups() []Group {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Group, len(r.server.Groups))
	for i, g := range r.server.Groups {
		out[i] = g.Clone()
	}
	return out
}

// Streams returns all streams.
func (r *Repository) Streams() []Stream {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Stream, len(r.server.Streams))
	for i, s := range r.server.Streams {
		out[i] = s.Clone()
	}
	return out
}

// Clients returns every client across all groups.
func (r *Repository) Clients() []Client {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Client
	for _, g := range r.server.Groups {
		out = append(out, g.Clients...)
	}
	return out
}

// Package knxbridge mirrors zone and client state onto KNX group addresses
// and turns inbound group writes into manager commands.
//
// Command addresses are listened on, status addresses are written to; the
// mapping comes from the knx section of the configuration file. An empty
// gateway address disables the bridge.
package knxbridge

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/vapourismo/knx-go/knx"
	"github.com/vapourismo/knx-go/knx/cemi"

	"github.com/snapdog/snapdog-go/internal/apperrors"
	"github.com/snapdog/snapdog-go/internal/config"
	"github.com/snapdog/snapdog-go/internal/notify"
)

// ZoneCommands is the slice of the zone manager a group telegram can reach.
// Playback rides a 1-bit switch, so only play and pause are addressable.
type ZoneCommands interface {
	Play(ctx context.Context, index int) error
	Pause(ctx context.Context, index int) error
	SetVolume(ctx context.Context, index, volume int) error
	SetMute(ctx context.Context, index int, mute bool) error
	SetTrack(ctx context.Context, index, trackIndex int) error
	SetPlaylist(ctx context.Context, index, playlistIndex int) error
}

// ClientCommands is the slice of the client manager a group telegram can reach.
type ClientCommands interface {
	SetVolume(ctx context.Context, index, volume int) error
	SetMute(ctx context.Context, index int, mute bool) error
}

// Auditor records dispatched commands. Nil disables auditing.
type Auditor interface {
	RecordCommand(origin, target, command string, detail map[string]any, requestID *string, err error)
}

// groupConn is the slice of the knx-go tunnel the bridge uses.
type groupConn interface {
	Send(event knx.GroupEvent) error
	Inbound() <-chan knx.GroupEvent
	Close()
}

// Bridge connects the notification bus and the managers to a KNXnet/IP
// gateway over a group tunnel.
type Bridge struct {
	cfg     config.Config
	table   *addressTable
	zones   ZoneCommands
	clients ClientCommands
	audit   Auditor
	bus     *notify.Bus
	logger  *log.Logger

	dial func() (groupConn, error)

	conn  groupConn
	unsub func()
	done  chan struct{}

	// Unchanged status values are not rewritten. KNX TP is a 9600 baud
	// bus shared with every sensor and actuator in the house.
	mu   sync.Mutex
	sent map[cemi.GroupAddr]string
}

// New creates a bridge for the configured gateway. The group address map
// is validated here; connecting happens in Start.
func New(cfg config.Config, zones ZoneCommands, clients ClientCommands, audit Auditor, bus *notify.Bus, logger *log.Logger) (*Bridge, error) {
	table, err := buildTable(cfg.KNX)
	if err != nil {
		return nil, err
	}
	b := newWithTable(cfg, table, zones, clients, audit, bus, logger)
	b.dial = func() (groupConn, error) {
		tunnel, err := knx.NewGroupTunnel(cfg.KNXGatewayAddr, knx.DefaultTunnelConfig)
		if err != nil {
			return nil, err
		}
		return &tunnel, nil
	}
	return b, nil
}

func newWithTable(cfg config.Config, table *addressTable, zones ZoneCommands, clients ClientCommands, audit Auditor, bus *notify.Bus, logger *log.Logger) *Bridge {
	if logger == nil {
		logger = log.New(log.Writer(), "", log.LstdFlags)
	}
	return &Bridge{
		cfg:     cfg,
		table:   table,
		zones:   zones,
		clients: clients,
		audit:   audit,
		bus:     bus,
		logger:  logger,
		sent:    make(map[cemi.GroupAddr]string),
	}
}

// Start opens the group tunnel, begins dispatching inbound writes and
// mirroring state changes to status addresses.
func (b *Bridge) Start() error {
	conn, err := b.dial()
	if err != nil {
		return apperrors.Wrap(apperrors.KindUnavailable, "knx gateway "+b.cfg.KNXGatewayAddr, err)
	}
	b.conn = conn
	b.done = make(chan struct{})
	go b.readLoop()
	b.unsub = b.bus.Subscribe("knx-bridge", b.writeStatus)

	b.logger.Printf("KNX: connected to %s (%d command, %d status addresses)",
		b.cfg.KNXGatewayAddr, len(b.table.commands), len(b.table.status))
	return nil
}

// Close stops mirroring and tears down the tunnel.
func (b *Bridge) Close() {
	if b.unsub != nil {
		b.unsub()
		b.unsub = nil
	}
	if b.conn != nil {
		b.conn.Close()
		<-b.done
		b.conn = nil
	}
}

// readLoop drains inbound group traffic until the tunnel closes. The
// bridge shares the line with the rest of the installation, so telegrams
// for unbound addresses pass without comment.
func (b *Bridge) readLoop() {
	defer close(b.done)
	for event := range b.conn.Inbound() {
		if event.Command != knx.GroupWrite {
			continue
		}
		bind, ok := b.table.commands[event.Destination]
		if !ok {
			continue
		}
		b.dispatch(bind, event)
	}
}

func (b *Bridge) dispatch(bind binding, event knx.GroupEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(b.cfg.RequestTimeoutMs)*time.Millisecond)
	defer cancel()

	detail := map[string]any{"groupAddress": event.Destination.String()}
	var err error
	switch bind.entity {
	case "zone":
		err = b.dispatchZone(ctx, bind, event.Data, detail)
	case "client":
		err = b.dispatchClient(ctx, bind, event.Data, detail)
	}

	if b.audit != nil {
		target := fmt.Sprintf("%s:%d", bind.entity, bind.index)
		b.audit.RecordCommand("knx", target, bind.attr, detail, nil, err)
	}
	if err != nil {
		b.logger.Printf("KNX: %s %s: %v", event.Destination, bind.attr, err)
	}
}

func (b *Bridge) dispatchZone(ctx context.Context, bind binding, data []byte, detail map[string]any) error {
	index := bind.index
	switch bind.attr {
	case notify.AttrPlayback:
		on, err := unpackSwitch(data)
		if err != nil {
			return apperrors.NewInvalidArgument("zone %d playback: %v", index, err)
		}
		detail["value"] = on
		if on {
			return b.zones.Play(ctx, index)
		}
		return b.zones.Pause(ctx, index)
	case notify.AttrVolume:
		volume, err := unpackPercent(data)
		if err != nil {
			return apperrors.NewInvalidArgument("zone %d volume: %v", index, err)
		}
		detail["value"] = volume
		return b.zones.SetVolume(ctx, index, volume)
	case notify.AttrMute:
		mute, err := unpackSwitch(data)
		if err != nil {
			return apperrors.NewInvalidArgument("zone %d mute: %v", index, err)
		}
		detail["value"] = mute
		return b.zones.SetMute(ctx, index, mute)
	case notify.AttrTrack:
		track, err := unpackIndex(data)
		if err != nil {
			return apperrors.NewInvalidArgument("zone %d track: %v", index, err)
		}
		detail["value"] = track
		return b.zones.SetTrack(ctx, index, track)
	case notify.AttrPlaylist:
		playlist, err := unpackIndex(data)
		if err != nil {
			return apperrors.NewInvalidArgument("zone %d playlist: %v", index, err)
		}
		detail["value"] = playlist
		return b.zones.SetPlaylist(ctx, index, playlist)
	}
	return apperrors.NewInvalidArgument("zone %d: unmapped attribute %q", index, bind.attr)
}

func (b *Bridge) dispatchClient(ctx context.Context, bind binding, data []byte, detail map[string]any) error {
	index := bind.index
	switch bind.attr {
	case notify.AttrVolume:
		volume, err := unpackPercent(data)
		if err != nil {
			return apperrors.NewInvalidArgument("client %d volume: %v", index, err)
		}
		detail["value"] = volume
		return b.clients.SetVolume(ctx, index, volume)
	case notify.AttrMute:
		mute, err := unpackSwitch(data)
		if err != nil {
			return apperrors.NewInvalidArgument("client %d mute: %v", index, err)
		}
		detail["value"] = mute
		return b.clients.SetMute(ctx, index, mute)
	}
	return apperrors.NewInvalidArgument("client %d: unmapped attribute %q", index, bind.attr)
}

func (b *Bridge) writeStatus(n notify.Notification) {
	bind, data, ok := statusFrame(n)
	if !ok {
		return
	}
	ga, bound := b.table.status[bind]
	if !bound {
		return
	}

	key := string(data)
	b.mu.Lock()
	if last, seen := b.sent[ga]; seen && last == key {
		b.mu.Unlock()
		return
	}
	b.sent[ga] = key
	b.mu.Unlock()

	err := b.conn.Send(knx.GroupEvent{
		Command:     knx.GroupWrite,
		Destination: ga,
		Data:        data,
	})
	if err != nil {
		b.logger.Printf("KNX: write %s: %v", ga, err)
	}
}

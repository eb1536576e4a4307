package knxbridge

import (
	"errors"
	"math"

	"github.com/vapourismo/knx-go/knx/cemi"
	"github.com/vapourismo/knx-go/knx/dpt"

	"github.com/snapdog/snapdog-go/internal/apperrors"
	"github.com/snapdog/snapdog-go/internal/config"
	"github.com/snapdog/snapdog-go/internal/notify"
)

// binding ties a group address to one attribute of one entity.
type binding struct {
	entity string
	index  int
	attr   string
}

// addressTable resolves inbound command addresses to bindings and bindings
// to outbound status addresses. A command address must be unique: one
// telegram dispatches to exactly one command.
type addressTable struct {
	commands map[cemi.GroupAddr]binding
	status   map[binding]cemi.GroupAddr
}

type addressEntry struct {
	addr    string
	attr    string
	command bool
}

func buildTable(doc config.KNXDocument) (*addressTable, error) {
	t := &addressTable{
		commands: make(map[cemi.GroupAddr]binding),
		status:   make(map[binding]cemi.GroupAddr),
	}

	for _, z := range doc.Zones {
		if z.Zone < 1 {
			return nil, apperrors.NewInvalidArgument("knx zones entry: zone index %d is not 1-based", z.Zone)
		}
		entries := []addressEntry{
			{z.Playback, notify.AttrPlayback, true},
			{z.PlaybackStatus, notify.AttrPlayback, false},
			{z.Volume, notify.AttrVolume, true},
			{z.VolumeStatus, notify.AttrVolume, false},
			{z.Mute, notify.AttrMute, true},
			{z.MuteStatus, notify.AttrMute, false},
			{z.Track, notify.AttrTrack, true},
			{z.TrackStatus, notify.AttrTrack, false},
			{z.Playlist, notify.AttrPlaylist, true},
			{z.PlaylistStatus, notify.AttrPlaylist, false},
		}
		if err := t.add("zone", z.Zone, entries); err != nil {
			return nil, err
		}
	}

	for _, c := range doc.Clients {
		if c.Client < 1 {
			return nil, apperrors.NewInvalidArgument("knx clients entry: client index %d is not 1-based", c.Client)
		}
		entries := []addressEntry{
			{c.Volume, notify.AttrVolume, true},
			{c.VolumeStatus, notify.AttrVolume, false},
			{c.Mute, notify.AttrMute, true},
			{c.MuteStatus, notify.AttrMute, false},
		}
		if err := t.add("client", c.Client, entries); err != nil {
			return nil, err
		}
	}

	return t, nil
}

func (t *addressTable) add(entity string, index int, entries []addressEntry) error {
	for _, e := range entries {
		if e.addr == "" {
			continue
		}
		ga, err := cemi.NewGroupAddrString(e.addr)
		if err != nil {
			return apperrors.NewInvalidArgument("knx %s %d: bad group address %q for %s", entity, index, e.addr, e.attr)
		}
		b := binding{entity: entity, index: index, attr: e.attr}
		if e.command {
			if prev, dup := t.commands[ga]; dup {
				return apperrors.NewInvalidArgument("knx: group address %s bound to both %s %d %s and %s %d %s",
					ga, prev.entity, prev.index, prev.attr, entity, index, e.attr)
			}
			t.commands[ga] = b
		} else {
			t.status[b] = ga
		}
	}
	return nil
}

// statusFrame maps a notification to the binding and encoded datapoint
// value of its status address. Notifications with no KNX representation
// report ok=false.
func statusFrame(n notify.Notification) (binding, []byte, bool) {
	switch p := n.Payload.(type) {
	case notify.ZoneVolumePayload:
		return binding{"zone", p.ZoneIndex, notify.AttrVolume}, packPercent(p.Volume), true
	case notify.ZoneMutePayload:
		return binding{"zone", p.ZoneIndex, notify.AttrMute}, packSwitch(p.IsMuted), true
	case notify.ZonePlaybackPayload:
		return binding{"zone", p.ZoneIndex, notify.AttrPlayback}, packSwitch(p.IsPlaying), true
	case notify.ZoneTrackPayload:
		return binding{"zone", p.ZoneIndex, notify.AttrTrack}, packIndex(p.Track.Index), true
	case notify.ZonePlaylistPayload:
		return binding{"zone", p.ZoneIndex, notify.AttrPlaylist}, packIndex(p.Playlist.Index), true
	case notify.ClientVolumePayload:
		return binding{"client", p.ClientIndex, notify.AttrVolume}, packPercent(p.Volume), true
	case notify.ClientMutePayload:
		return binding{"client", p.ClientIndex, notify.AttrMute}, packSwitch(p.IsMuted), true
	}
	return binding{}, nil, false
}

// Datapoint codecs. Playback and mute ride DPT 1.001, volume DPT 5.001,
// track and playlist indexes DPT 5.010 (clamped to its 0..255 range).
// knx-go has no DPT_5010 type; DPT_5005 carries the same raw unsigned
// 8-bit wire format, so indexes are encoded through it.

func packSwitch(on bool) []byte { return dpt.DPT_1001(on).Pack() }

func packPercent(volume int) []byte { return dpt.DPT_5001(volume).Pack() }

func packIndex(n int) []byte {
	if n < 0 {
		n = 0
	}
	if n > 255 {
		n = 255
	}
	return dpt.DPT_5005(n).Pack()
}

func unpackSwitch(data []byte) (bool, error) {
	var v dpt.DPT_1001
	if err := v.Unpack(data); err != nil {
		return false, err
	}
	return bool(v), nil
}

func unpackPercent(data []byte) (int, error) {
	var v dpt.DPT_5001
	if err := v.Unpack(data); err != nil {
		return 0, err
	}
	return int(math.Round(float64(v))), nil
}

func unpackIndex(data []byte) (int, error) {
	var v dpt.DPT_5005
	if err := v.Unpack(data); err != nil {
		return 0, err
	}
	if v == 0 {
		return 0, errors.New("index 0 (indexes are 1-based)")
	}
	return int(v), nil
}

// Package mqttbridge mirrors state onto MQTT topics and turns command
// topics back into manager calls. Topic layout:
//
//	{prefix}/zone/{index}/{attribute}        state, retained
//	{prefix}/client/{index}/{attribute}      state, retained
//	{prefix}/system/{attribute}              state, retained
//	{prefix}/system/command/{attribute}      command outcomes, not retained
//	{prefix}/{zone|client}/{index}/{name}/set  inbound commands
package mqttbridge

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/snapdog/snapdog-go/internal/apperrors"
	"github.com/snapdog/snapdog-go/internal/config"
	"github.com/snapdog/snapdog-go/internal/notify"
	"github.com/snapdog/snapdog-go/internal/state"
)

const (
	connectTimeout = 10 * time.Second
	publishTimeout = 5 * time.Second
	commandQoS     = 1
)

// ZoneCommands is the slice of the zone manager the bridge drives.
type ZoneCommands interface {
	Play(ctx context.Context, index int) error
	Pause(ctx context.Context, index int) error
	Stop(ctx context.Context, index int) error
	PlayURL(ctx context.Context, index int, url string) error
	SetVolume(ctx context.Context, index, volume int) error
	VolumeUp(ctx context.Context, index, step int) error
	VolumeDown(ctx context.Context, index, step int) error
	SetMute(ctx context.Context, index int, mute bool) error
	ToggleMute(ctx context.Context, index int) error
	SetTrack(ctx context.Context, index, trackIndex int) error
	NextTrack(ctx context.Context, index int) error
	PreviousTrack(ctx context.Context, index int) error
	SetPlaylist(ctx context.Context, index, playlistIndex int) error
	SetPlaylistByID(ctx context.Context, index int, id string) error
	SetTrackRepeat(ctx context.Context, index int, repeat bool) error
	ToggleTrackRepeat(ctx context.Context, index int) error
	SetPlaylistRepeat(ctx context.Context, index int, repeat bool) error
	TogglePlaylistRepeat(ctx context.Context, index int) error
	SetPlaylistShuffle(ctx context.Context, index int, shuffle bool) error
	TogglePlaylistShuffle(ctx context.Context, index int) error
	SeekToPosition(ctx context.Context, index int, positionMs int64) error
	SeekToProgress(ctx context.Context, index int, fraction float64) error
}

// ClientCommands is the slice of the client manager the bridge drives.
type ClientCommands interface {
	Client(index int) (state.ClientState, error)
	SetVolume(ctx context.Context, index, volume int) error
	SetMute(ctx context.Context, index int, mute bool) error
	SetLatency(ctx context.Context, index, latencyMs int) error
	SetName(ctx context.Context, index int, name string) error
	AssignToZone(ctx context.Context, clientIndex, zoneIndex int) error
}

// Auditor records dispatched commands. Nil disables auditing.
type Auditor interface {
	RecordCommand(origin, target, command string, detail map[string]any, requestID *string, err error)
}

// conn is the slice of the paho client the bridge uses.
type conn interface {
	Connect() mqtt.Token
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	Subscribe(topic string, qos byte, callback mqtt.MessageHandler) mqtt.Token
	Disconnect(quiesce uint)
}

// Bridge connects the notification bus and the managers to an MQTT broker.
type Bridge struct {
	cfg     config.Config
	client  conn
	zones   ZoneCommands
	clients ClientCommands
	audit   Auditor
	bus     *notify.Bus
	logger  *log.Logger

	unsub func()

	// Retained topics skip republishing unchanged payloads so a chatty
	// reconcile loop does not spam the broker.
	mu        sync.Mutex
	published map[string]string
}

// New creates a bridge for the configured broker.
func New(cfg config.Config, zones ZoneCommands, clients ClientCommands, audit Auditor, bus *notify.Bus, logger *log.Logger) *Bridge {
	b := newWithClient(cfg, nil, zones, clients, audit, bus, logger)

	opts := mqtt.NewClientOptions().
		AddBroker(cfg.MQTTBrokerURL).
		SetClientID(cfg.MQTTClientID).
		SetUsername(cfg.MQTTUsername).
		SetPassword(cfg.MQTTPassword).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetOnConnectHandler(func(mqtt.Client) {
			b.logger.Printf("MQTT: connected to %s", cfg.MQTTBrokerURL)
			b.subscribeCommands()
		}).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			b.logger.Printf("MQTT: connection lost: %v", err)
		})
	b.client = mqtt.NewClient(opts)
	return b
}

func newWithClient(cfg config.Config, client conn, zones ZoneCommands, clients ClientCommands, audit Auditor, bus *notify.Bus, logger *log.Logger) *Bridge {
	if logger == nil {
		logger = log.New(log.Writer(), "", log.LstdFlags)
	}
	return &Bridge{
		cfg:       cfg,
		client:    client,
		zones:     zones,
		clients:   clients,
		audit:     audit,
		bus:       bus,
		logger:    logger,
		published: make(map[string]string),
	}
}

// Start connects to the broker and begins mirroring. Command topics are
// (re)subscribed from the on-connect handler so reconnects pick them up.
func (b *Bridge) Start() error {
	token := b.client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		return apperrors.NewUnavailable("mqtt broker %s: connect timeout", b.cfg.MQTTBrokerURL)
	}
	if err := token.Error(); err != nil {
		return apperrors.Wrap(apperrors.KindUnavailable, "mqtt connect", err)
	}

	b.unsub = b.bus.Subscribe("mqtt-bridge", b.publish)
	return nil
}

// Close stops mirroring and disconnects from the broker.
func (b *Bridge) Close() {
	if b.unsub != nil {
		b.unsub()
		b.unsub = nil
	}
	b.client.Disconnect(250)
}

func (b *Bridge) subscribeCommands() {
	for _, topic := range commandTopics(b.cfg.MQTTTopicPrefix) {
		token := b.client.Subscribe(topic, commandQoS, b.handleCommand)
		if token.WaitTimeout(publishTimeout) && token.Error() != nil {
			b.logger.Printf("MQTT: subscribe %s: %v", topic, token.Error())
		}
	}
}

func (b *Bridge) publish(n notify.Notification) {
	topic, ok := topicFor(b.cfg.MQTTTopicPrefix, n)
	if !ok {
		return
	}
	payload, ok := payloadFor(n)
	if !ok {
		return
	}
	retained := b.cfg.MQTTRetain && retains(n)

	if retained {
		b.mu.Lock()
		if last, seen := b.published[topic]; seen && last == payload {
			b.mu.Unlock()
			return
		}
		b.published[topic] = payload
		b.mu.Unlock()
	}

	token := b.client.Publish(topic, commandQoS, retained, payload)
	if token.WaitTimeout(publishTimeout) && token.Error() != nil {
		b.logger.Printf("MQTT: publish %s: %v", topic, token.Error())
	}
}

func (b *Bridge) handleCommand(_ mqtt.Client, msg mqtt.Message) {
	cmd, ok := parseCommandTopic(b.cfg.MQTTTopicPrefix, msg.Topic())
	if !ok {
		b.logger.Printf("MQTT: ignoring unparseable command topic %s", msg.Topic())
		return
	}
	payload := strings.TrimSpace(string(msg.Payload()))

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(b.cfg.RequestTimeoutMs)*time.Millisecond)
	defer cancel()

	var err error
	switch cmd.entity {
	case "zone":
		err = b.dispatchZone(ctx, cmd, payload)
	case "client":
		err = b.dispatchClient(ctx, cmd, payload)
	}

	if b.audit != nil {
		target := fmt.Sprintf("%s:%d", cmd.entity, cmd.index)
		b.audit.RecordCommand("mqtt", target, cmd.name, map[string]any{"payload": payload}, nil, err)
	}
	if err != nil {
		b.logger.Printf("MQTT: %s: %v", msg.Topic(), err)
	}
}

func (b *Bridge) dispatchZone(ctx context.Context, cmd command, payload string) error {
	index := cmd.index
	switch cmd.name {
	case "playback":
		switch strings.ToLower(payload) {
		case "play":
			return b.zones.Play(ctx, index)
		case "pause":
			return b.zones.Pause(ctx, index)
		case "stop":
			return b.zones.Stop(ctx, index)
		}
		return apperrors.NewInvalidArgument("zone %d: playback command %q", index, payload)
	case "volume":
		switch strings.ToLower(payload) {
		case "up":
			return b.zones.VolumeUp(ctx, index, 0)
		case "down":
			return b.zones.VolumeDown(ctx, index, 0)
		}
		volume, err := parseIntPayload(payload)
		if err != nil {
			return apperrors.NewInvalidArgument("zone %d: %v", index, err)
		}
		return b.zones.SetVolume(ctx, index, volume)
	case "mute":
		if strings.EqualFold(payload, "toggle") {
			return b.zones.ToggleMute(ctx, index)
		}
		mute, err := parseBoolPayload(payload)
		if err != nil {
			return apperrors.NewInvalidArgument("zone %d: %v", index, err)
		}
		return b.zones.SetMute(ctx, index, mute)
	case "track":
		switch strings.ToLower(payload) {
		case "next":
			return b.zones.NextTrack(ctx, index)
		case "previous":
			return b.zones.PreviousTrack(ctx, index)
		}
		track, err := parseIntPayload(payload)
		if err != nil {
			return apperrors.NewInvalidArgument("zone %d: %v", index, err)
		}
		return b.zones.SetTrack(ctx, index, track)
	case "playlist":
		if pl, err := parseIntPayload(payload); err == nil {
			return b.zones.SetPlaylist(ctx, index, pl)
		}
		if payload == "" {
			return apperrors.NewInvalidArgument("zone %d: empty playlist payload", index)
		}
		return b.zones.SetPlaylistByID(ctx, index, payload)
	case "track_repeat":
		if strings.EqualFold(payload, "toggle") {
			return b.zones.ToggleTrackRepeat(ctx, index)
		}
		repeat, err := parseBoolPayload(payload)
		if err != nil {
			return apperrors.NewInvalidArgument("zone %d: %v", index, err)
		}
		return b.zones.SetTrackRepeat(ctx, index, repeat)
	case "playlist_repeat":
		if strings.EqualFold(payload, "toggle") {
			return b.zones.TogglePlaylistRepeat(ctx, index)
		}
		repeat, err := parseBoolPayload(payload)
		if err != nil {
			return apperrors.NewInvalidArgument("zone %d: %v", index, err)
		}
		return b.zones.SetPlaylistRepeat(ctx, index, repeat)
	case "shuffle":
		if strings.EqualFold(payload, "toggle") {
			return b.zones.TogglePlaylistShuffle(ctx, index)
		}
		shuffle, err := parseBoolPayload(payload)
		if err != nil {
			return apperrors.NewInvalidArgument("zone %d: %v", index, err)
		}
		return b.zones.SetPlaylistShuffle(ctx, index, shuffle)
	case "position":
		ms, err := strconv.ParseInt(strings.TrimSpace(payload), 10, 64)
		if err != nil {
			return apperrors.NewInvalidArgument("zone %d: not a position payload: %q", index, payload)
		}
		return b.zones.SeekToPosition(ctx, index, ms)
	case "progress":
		fraction, err := strconv.ParseFloat(strings.TrimSpace(payload), 64)
		if err != nil {
			return apperrors.NewInvalidArgument("zone %d: not a progress payload: %q", index, payload)
		}
		return b.zones.SeekToProgress(ctx, index, fraction)
	case "url":
		if payload == "" {
			return apperrors.NewInvalidArgument("zone %d: empty stream URL", index)
		}
		return b.zones.PlayURL(ctx, index, payload)
	}
	return apperrors.NewInvalidArgument("zone %d: unknown command %q", index, cmd.name)
}

func (b *Bridge) dispatchClient(ctx context.Context, cmd command, payload string) error {
	index := cmd.index
	switch cmd.name {
	case "volume":
		volume, err := parseIntPayload(payload)
		if err != nil {
			return apperrors.NewInvalidArgument("client %d: %v", index, err)
		}
		return b.clients.SetVolume(ctx, index, volume)
	case "mute":
		if strings.EqualFold(payload, "toggle") {
			current, err := b.clients.Client(index)
			if err != nil {
				return err
			}
			return b.clients.SetMute(ctx, index, !current.Mute)
		}
		mute, err := parseBoolPayload(payload)
		if err != nil {
			return apperrors.NewInvalidArgument("client %d: %v", index, err)
		}
		return b.clients.SetMute(ctx, index, mute)
	case "latency":
		latency, err := parseIntPayload(payload)
		if err != nil {
			return apperrors.NewInvalidArgument("client %d: %v", index, err)
		}
		return b.clients.SetLatency(ctx, index, latency)
	case "name":
		if payload == "" {
			return apperrors.NewInvalidArgument("client %d: empty name", index)
		}
		return b.clients.SetName(ctx, index, payload)
	case "zone":
		zone, err := parseIntPayload(payload)
		if err != nil {
			return apperrors.NewInvalidArgument("client %d: %v", index, err)
		}
		return b.clients.AssignToZone(ctx, index, zone)
	}
	return apperrors.NewInvalidArgument("client %d: unknown command %q", index, cmd.name)
}

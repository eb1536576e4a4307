package mqttbridge

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/snapdog/snapdog-go/internal/notify"
)

// topicFor maps a notification to its state topic under the prefix.
// Command outcomes ride under system/command so dashboards can watch one
// subtree for everything transient.
func topicFor(prefix string, n notify.Notification) (string, bool) {
	switch n.Entity {
	case notify.EntityZone:
		return fmt.Sprintf("%s/zone/%d/%s", prefix, n.Index, n.Attribute), true
	case notify.EntityClient:
		return fmt.Sprintf("%s/client/%d/%s", prefix, n.Index, n.Attribute), true
	case notify.EntitySystem:
		return fmt.Sprintf("%s/system/%s", prefix, n.Attribute), true
	case notify.EntityCommand:
		return fmt.Sprintf("%s/system/command/%s", prefix, n.Attribute), true
	}
	return "", false
}

// payloadFor renders a notification payload for its topic. Scalar
// attributes publish bare values so building-automation rules can consume
// them without JSON parsing; structured attributes publish JSON.
func payloadFor(n notify.Notification) (string, bool) {
	switch p := n.Payload.(type) {
	case notify.ClientVolumePayload:
		return strconv.Itoa(p.Volume), true
	case notify.ClientMutePayload:
		return strconv.FormatBool(p.IsMuted), true
	case notify.ClientLatencyPayload:
		return strconv.Itoa(p.LatencyMs), true
	case notify.ClientZonePayload:
		return strconv.Itoa(p.NewZone), true
	case notify.ClientConnectionPayload:
		return strconv.FormatBool(p.IsConnected), true
	case notify.ClientNamePayload:
		return p.Name, true
	case notify.ZoneVolumePayload:
		return strconv.Itoa(p.Volume), true
	case notify.ZoneMutePayload:
		return strconv.FormatBool(p.IsMuted), true
	case notify.ZonePlaybackPayload:
		return string(p.PlaybackState), true
	case notify.ZoneTrackFieldPayload:
		return p.Value, true
	case notify.ZoneShufflePayload:
		return strconv.FormatBool(p.PlaylistShuffle), true
	case notify.SystemVersionPayload:
		return p.Version, true
	case notify.SystemErrorPayload:
		return p.Message, true
	default:
		data, err := json.Marshal(n.Payload)
		if err != nil {
			return "", false
		}
		return string(data), true
	}
}

// retains reports whether a topic should carry the retained flag. Command
// outcomes and progress beats are transient; everything else is current
// state a late subscriber wants immediately.
func retains(n notify.Notification) bool {
	if n.Entity == notify.EntityCommand {
		return false
	}
	return n.Attribute != notify.AttrProgress
}

// commandTopics returns the wildcard subscriptions for inbound commands.
func commandTopics(prefix string) []string {
	return []string{
		prefix + "/zone/+/+/set",
		prefix + "/client/+/+/set",
	}
}

// command is a parsed inbound command topic.
type command struct {
	entity string
	index  int
	name   string
}

// parseCommandTopic parses "{prefix}/{entity}/{index}/{name}/set".
func parseCommandTopic(prefix, topic string) (command, bool) {
	rest, ok := strings.CutPrefix(topic, prefix+"/")
	if !ok {
		return command{}, false
	}
	parts := strings.Split(rest, "/")
	if len(parts) != 4 || parts[3] != "set" {
		return command{}, false
	}
	if parts[0] != "zone" && parts[0] != "client" {
		return command{}, false
	}
	index, err := strconv.Atoi(parts[1])
	if err != nil || index < 1 {
		return command{}, false
	}
	if parts[2] == "" {
		return command{}, false
	}
	return command{entity: parts[0], index: index, name: parts[2]}, true
}

func parseBoolPayload(s string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "true", "1", "on":
		return true, nil
	case "false", "0", "off":
		return false, nil
	}
	return false, fmt.Errorf("not a boolean payload: %q", s)
}

func parseIntPayload(s string) (int, error) {
	v, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("not an integer payload: %q", s)
	}
	return v, nil
}

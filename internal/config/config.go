package config

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// ZoneConfig describes one audio zone. The sink is the FIFO the media player
// writes into; its basename encodes the Snapcast stream id.
type ZoneConfig struct {
	Name          string `yaml:"name"`
	Sink          string `yaml:"sink"`
	DefaultStream string `yaml:"default_stream"`
}

// ClientConfig describes one Snapcast client device. The position in the
// clients list fixes the client's 1-based index.
type ClientConfig struct {
	Name        string `yaml:"name"`
	MAC         string `yaml:"mac"`
	DefaultZone int    `yaml:"default_zone"`
	Icon        string `yaml:"icon"`
}

// RadioStation is one entry of the built-in radio playlist.
type RadioStation struct {
	Name string `yaml:"name"`
	URL  string `yaml:"url"`
}

// KNXZoneAddresses holds the group addresses for one zone. Command addresses
// are listened on; status addresses are written to.
type KNXZoneAddresses struct {
	Zone           int    `yaml:"zone"`
	Playback       string `yaml:"playback"`
	PlaybackStatus string `yaml:"playback_status"`
	Volume         string `yaml:"volume"`
	VolumeStatus   string `yaml:"volume_status"`
	Mute           string `yaml:"mute"`
	MuteStatus     string `yaml:"mute_status"`
	Track          string `yaml:"track"`
	TrackStatus    string `yaml:"track_status"`
	Playlist       string `yaml:"playlist"`
	PlaylistStatus string `yaml:"playlist_status"`
}

// KNXClientAddresses holds the group addresses for one client.
type KNXClientAddresses struct {
	Client       int    `yaml:"client"`
	Volume       string `yaml:"volume"`
	VolumeStatus string `yaml:"volume_status"`
	Mute         string `yaml:"mute"`
	MuteStatus   string `yaml:"mute_status"`
}

// Document is the YAML configuration file: the ordered zone and client lists
// plus the optional radio playlist and KNX address map.
type Document struct {
	Zones   []ZoneConfig         `yaml:"zones"`
	Clients []ClientConfig       `yaml:"clients"`
	Radio   []RadioStation       `yaml:"radio"`
	KNX     KNXDocument          `yaml:"knx"`
}

// KNXDocument is the KNX section of the configuration file.
type KNXDocument struct {
	Zones   []KNXZoneAddresses   `yaml:"zones"`
	Clients []KNXClientAddresses `yaml:"clients"`
}

// Config holds the full runtime configuration.
type Config struct {
	Host string
	Port string

	// Snapcast server connection.
	SnapcastHost     string
	SnapcastPort     int
	RequestTimeoutMs int

	// Zone position pump.
	ProgressUpdateIntervalMs int

	// Media player.
	FfmpegPath string

	// Optional persistence. Empty path disables the SQLite state store and
	// the command audit trail.
	SQLiteDBPath string

	// Maintenance jobs.
	ResyncIntervalSec     int
	StateFlushIntervalSec int
	AuditRetentionDays    int

	// MQTT bridge. Empty broker URL disables the bridge.
	MQTTBrokerURL   string
	MQTTUsername    string
	MQTTPassword    string
	MQTTClientID    string
	MQTTTopicPrefix string
	MQTTRetain      bool

	// KNX bridge. Empty gateway address disables the bridge.
	KNXGatewayAddr string

	// North-bound auth. No API keys means the API is open.
	APIKeys                 []string
	JWTSecret               string
	JWTAccessTokenExpirySec int

	Zones   []ZoneConfig
	Clients []ClientConfig
	Radio   []RadioStation
	KNX     KNXDocument
}

var macPattern = regexp.MustCompile(`^[0-9a-f]{2}(:[0-9a-f]{2}){5}$`)

// NormalizeMAC lowercases a MAC address and converts "-" separators to ":".
// Returns an error if the result is not a canonical colon-separated MAC.
func NormalizeMAC(mac string) (string, error) {
	normalized := strings.ToLower(strings.ReplaceAll(strings.TrimSpace(mac), "-", ":"))
	if !macPattern.MatchString(normalized) {
		return "", fmt.Errorf("malformed MAC address %q", mac)
	}
	return normalized, nil
}

// Load reads configuration from environment variables and the YAML document.
func Load() (Config, error) {
	cfg := Config{
		Host:                     envString("SNAPDOG_HOST", "0.0.0.0"),
		Port:                     envString("SNAPDOG_PORT", "8080"),
		SnapcastHost:             envString("SNAPCAST_HOST", "127.0.0.1"),
		SnapcastPort:             envInt("SNAPCAST_PORT", 1705),
		RequestTimeoutMs:         envInt("SNAPCAST_REQUEST_TIMEOUT_MS", 5000),
		ProgressUpdateIntervalMs: envInt("PROGRESS_UPDATE_INTERVAL_MS", 500),
		FfmpegPath:               envString("FFMPEG_PATH", "ffmpeg"),
		SQLiteDBPath:             envString("SNAPDOG_DB_PATH", ""),
		ResyncIntervalSec:        envInt("SNAPCAST_RESYNC_INTERVAL_SEC", 300),
		StateFlushIntervalSec:    envInt("STATE_FLUSH_INTERVAL_SEC", 60),
		AuditRetentionDays:       envInt("AUDIT_RETENTION_DAYS", 7),
		MQTTBrokerURL:            envString("MQTT_BROKER_URL", ""),
		MQTTUsername:             envString("MQTT_USERNAME", ""),
		MQTTPassword:             envString("MQTT_PASSWORD", ""),
		MQTTClientID:             envString("MQTT_CLIENT_ID", "snapdog"),
		MQTTTopicPrefix:          envString("MQTT_TOPIC_PREFIX", "snapdog"),
		MQTTRetain:               envBool("MQTT_RETAIN", true),
		KNXGatewayAddr:           envString("KNX_GATEWAY_ADDR", ""),
		APIKeys:                  envCSV("SNAPDOG_API_KEYS"),
		JWTSecret:                envString("JWT_SECRET", ""),
		JWTAccessTokenExpirySec:  envInt("JWT_ACCESS_TOKEN_EXPIRY", 3600),
	}

	path := envString("SNAPDOG_CONFIG_PATH", "./snapdog.yml")
	doc, err := loadDocument(path)
	if err != nil {
		return Config{}, err
	}
	cfg.Zones = doc.Zones
	cfg.Clients = doc.Clients
	cfg.Radio = doc.Radio
	cfg.KNX = doc.KNX

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadDocument parses a configuration document from YAML bytes.
func LoadDocument(data []byte) (Document, error) {
	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return Document{}, fmt.Errorf("parse config document: %w", err)
	}
	return doc, nil
}

func loadDocument(path string) (Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Document{}, fmt.Errorf("read config %s: %w", path, err)
	}
	return LoadDocument(data)
}

// Validate checks the configuration invariants. MAC addresses are normalized
// in place.
func (cfg *Config) Validate() error {
	if len(cfg.Zones) == 0 {
		return fmt.Errorf("at least one zone must be configured")
	}
	for i := range cfg.Zones {
		zone := &cfg.Zones[i]
		if strings.TrimSpace(zone.Name) == "" {
			return fmt.Errorf("zone %d: name is required", i+1)
		}
		if strings.TrimSpace(zone.Sink) == "" {
			return fmt.Errorf("zone %d: sink is required", i+1)
		}
	}

	seen := make(map[string]int, len(cfg.Clients))
	for i := range cfg.Clients {
		client := &cfg.Clients[i]
		if strings.TrimSpace(client.Name) == "" {
			return fmt.Errorf("client %d: name is required", i+1)
		}
		mac, err := NormalizeMAC(client.MAC)
		if err != nil {
			return fmt.Errorf("client %d: %w", i+1, err)
		}
		if prev, ok := seen[mac]; ok {
			return fmt.Errorf("client %d: MAC %s already used by client %d", i+1, mac, prev)
		}
		seen[mac] = i + 1
		client.MAC = mac
		if client.DefaultZone < 1 || client.DefaultZone > len(cfg.Zones) {
			return fmt.Errorf("client %d: default_zone %d out of range 1..%d", i+1, client.DefaultZone, len(cfg.Zones))
		}
	}

	if cfg.RequestTimeoutMs <= 0 {
		return fmt.Errorf("SNAPCAST_REQUEST_TIMEOUT_MS must be positive")
	}
	if cfg.ProgressUpdateIntervalMs <= 0 {
		return fmt.Errorf("PROGRESS_UPDATE_INTERVAL_MS must be positive")
	}

	if len(cfg.APIKeys) > 0 && len(strings.TrimSpace(cfg.JWTSecret)) < 32 {
		return fmt.Errorf("JWT_SECRET must be at least 32 characters when API keys are configured")
	}
	return nil
}

// AuthEnabled reports whether the north-bound API requires authentication.
func (cfg Config) AuthEnabled() bool { return len(cfg.APIKeys) > 0 }

func envString(key, fallback string) string {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	return val
}

func envInt(key string, fallback int) int {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(val)
	if err != nil {
		return fallback
	}
	return parsed
}

func envBool(key string, fallback bool) bool {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	return strings.EqualFold(val, "true")
}

func envCSV(key string) []string {
	val := os.Getenv(key)
	if val == "" {
		return []string{}
	}
	parts := strings.Split(val, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed == "" {
			continue
		}
		result = append(result, trimmed)
	}
	return result
}

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

const sampleDocument = `
zones:
  - name: Living Room
    sink: /snapsinks/zone1
  - name: Kitchen
    sink: /snapsinks/zone2
    default_stream: Zone2
clients:
  - name: Living Room Speaker
    mac: "AA:BB:CC:DD:EE:01"
    default_zone: 1
    icon: speaker
  - name: Kitchen Speaker
    mac: "aa-bb-cc-dd-ee-02"
    default_zone: 2
radio:
  - name: FM4
    url: http://stream.example.com/fm4
`

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "snapdog.yml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("SNAPDOG_CONFIG_PATH", writeConfigFile(t, sampleDocument))

	cfg, err := Load()
	require.NoError(t, err)

	require.Equal(t, "127.0.0.1", cfg.SnapcastHost)
	require.Equal(t, 1705, cfg.SnapcastPort)
	require.Equal(t, 5000, cfg.RequestTimeoutMs)
	require.Equal(t, 500, cfg.ProgressUpdateIntervalMs)
	require.Equal(t, "snapdog", cfg.MQTTTopicPrefix)
	require.True(t, cfg.MQTTRetain)
	require.False(t, cfg.AuthEnabled())
	require.Len(t, cfg.Zones, 2)
	require.Len(t, cfg.Clients, 2)
	require.Len(t, cfg.Radio, 1)
}

func TestLoad_NormalizesMACs(t *testing.T) {
	t.Setenv("SNAPDOG_CONFIG_PATH", writeConfigFile(t, sampleDocument))

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, "aa:bb:cc:dd:ee:01", cfg.Clients[0].MAC)
	require.Equal(t, "aa:bb:cc:dd:ee:02", cfg.Clients[1].MAC)
}

func TestLoad_RejectsDuplicateMAC(t *testing.T) {
	doc := `
zones:
  - name: One
    sink: /snapsinks/zone1
clients:
  - name: A
    mac: "aa:bb:cc:dd:ee:01"
    default_zone: 1
  - name: B
    mac: "AA:BB:CC:DD:EE:01"
    default_zone: 1
`
	t.Setenv("SNAPDOG_CONFIG_PATH", writeConfigFile(t, doc))

	_, err := Load()
	require.Error(t, err)
	require.Contains(t, err.Error(), "already used")
}

func TestLoad_RejectsDefaultZoneOutOfRange(t *testing.T) {
	doc := `
zones:
  - name: One
    sink: /snapsinks/zone1
clients:
  - name: A
    mac: "aa:bb:cc:dd:ee:01"
    default_zone: 3
`
	t.Setenv("SNAPDOG_CONFIG_PATH", writeConfigFile(t, doc))

	_, err := Load()
	require.Error(t, err)
	require.Contains(t, err.Error(), "out of range")
}

func TestLoad_RequiresJWTSecretWithAPIKeys(t *testing.T) {
	t.Setenv("SNAPDOG_CONFIG_PATH", writeConfigFile(t, sampleDocument))
	t.Setenv("SNAPDOG_API_KEYS", "key-one,key-two")
	t.Setenv("JWT_SECRET", "short")

	_, err := Load()
	require.Error(t, err)
	require.Contains(t, err.Error(), "JWT_SECRET")
}

func TestNormalizeMAC(t *testing.T) {
	mac, err := NormalizeMAC(" AA-BB-CC-DD-EE-FF ")
	require.NoError(t, err)
	require.Equal(t, "aa:bb:cc:dd:ee:ff", mac)

	_, err = NormalizeMAC("not-a-mac")
	require.Error(t, err)

	_, err = NormalizeMAC("aa:bb:cc:dd:ee")
	require.Error(t, err)
}

func TestLoad_MissingConfigFile(t *testing.T) {
	t.Setenv("SNAPDOG_CONFIG_PATH", filepath.Join(t.TempDir(), "missing.yml"))

	_, err := Load()
	require.Error(t, err)
}

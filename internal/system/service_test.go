package system

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/snapdog/snapdog-go/internal/notify"
)

type fakeSnapcast struct{ connected bool }

func (f *fakeSnapcast) Connected() bool { return f.connected }

type fakeAudit struct{ healthy bool }

func (f *fakeAudit) IsHealthy() bool { return f.healthy }

type eventCollector struct {
	mu     sync.Mutex
	events []string
}

func (c *eventCollector) add(n notify.Notification) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, n.Event)
}

func (c *eventCollector) has(event string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, e := range c.events {
		if e == event {
			return true
		}
	}
	return false
}

func TestStatusReflectsSnapcastConnection(t *testing.T) {
	snap := &fakeSnapcast{connected: true}
	svc := NewService(nil, snap, nil, nil)

	status := svc.Status()
	require.Equal(t, "online", status.Status)
	require.Equal(t, Version, status.Version)
	require.True(t, status.SnapcastConnected)
	require.GreaterOrEqual(t, status.UptimeSec, int64(0))
	require.Nil(t, status.AuditHealthy)

	snap.connected = false
	require.Equal(t, "degraded", svc.Status().Status)
}

func TestStatusReportsAuditHealthWhenConfigured(t *testing.T) {
	svc := NewService(nil, &fakeSnapcast{connected: true}, &fakeAudit{healthy: true}, nil)

	status := svc.Status()
	require.NotNil(t, status.AuditHealthy)
	require.True(t, *status.AuditHealthy)
}

func TestStatsSamplesRuntime(t *testing.T) {
	svc := NewService(nil, &fakeSnapcast{connected: true}, nil, nil)

	stats := svc.Stats()
	require.Positive(t, stats.Goroutines)
	require.Positive(t, stats.NumCPU)
	require.Positive(t, stats.HeapBytes)
	require.True(t, stats.SnapConnected)
}

func TestStatsWithoutSnapcastProvider(t *testing.T) {
	svc := NewService(nil, nil, nil, nil)
	require.False(t, svc.Stats().SnapConnected)
}

func TestStatsJobPublishesOnTheBus(t *testing.T) {
	bus := notify.NewBus(nil)
	defer bus.Close()

	col := &eventCollector{}
	unsub := bus.Subscribe("system-test", col.add)
	defer unsub()

	svc := NewService(bus, &fakeSnapcast{connected: true}, nil, nil)
	svc.StartStatsJob()
	defer svc.StopStatsJob()

	require.Eventually(t, func() bool {
		return col.has("SystemVersion") && col.has("SystemStatusChanged") && col.has("ServerStatsChanged")
	}, time.Second, 5*time.Millisecond)
}

func TestStatsJobStopsCleanly(t *testing.T) {
	bus := notify.NewBus(nil)
	defer bus.Close()

	svc := NewService(bus, nil, nil, nil)
	svc.interval = 10 * time.Millisecond
	svc.StartStatsJob()
	svc.StopStatsJob()

	// Restart after stop works.
	svc.StartStatsJob()
	svc.StopStatsJob()
}

// Package system reports process health: uptime, version, runtime counters
// and the Snapcast connection. It backs the system endpoints and publishes
// the periodic server stats notification.
package system

import (
	"log"
	"runtime"
	"time"

	"github.com/snapdog/snapdog-go/internal/notify"
)

// Version is the server version, set at build time or defaulted.
var Version = "1.0.0"

// DefaultStatsInterval is how often server stats are published on the bus.
const DefaultStatsInterval = 60 * time.Second

// SnapcastStatus reports whether the Snapcast connection is up.
type SnapcastStatus interface {
	Connected() bool
}

// AuditHealth reports whether the audit store is accepting writes.
type AuditHealth interface {
	IsHealthy() bool
}

// Status is the system health summary served by the status endpoint.
type Status struct {
	Status            string    `json:"status"`
	Version           string    `json:"version"`
	StartedAt         time.Time `json:"startedAt"`
	UptimeSec         int64     `json:"uptimeSec"`
	SnapcastConnected bool      `json:"snapcastConnected"`
	AuditHealthy      *bool     `json:"auditHealthy,omitempty"`
}

// Service samples process state. Snapcast and audit providers may be nil
// when the corresponding subsystem is not running.
type Service struct {
	bus      *notify.Bus
	factory  notify.Factory
	snapcast SnapcastStatus
	audit    AuditHealth
	logger   *log.Logger

	startTime time.Time
	interval  time.Duration

	statsStop chan struct{}
	statsDone chan struct{}
}

// NewService creates a system service.
func NewService(bus *notify.Bus, snapcast SnapcastStatus, audit AuditHealth, logger *log.Logger) *Service {
	if logger == nil {
		logger = log.Default()
	}
	return &Service{
		bus:       bus,
		snapcast:  snapcast,
		audit:     audit,
		logger:    logger,
		startTime: time.Now(),
		interval:  DefaultStatsInterval,
	}
}

// Uptime is the time since the service was constructed.
func (s *Service) Uptime() time.Duration {
	return time.Since(s.startTime)
}

// Status summarises system health. The status field is "online" while the
// Snapcast connection is up and "degraded" while it is down.
func (s *Service) Status() Status {
	connected := s.snapcast != nil && s.snapcast.Connected()
	status := "online"
	if !connected {
		status = "degraded"
	}

	out := Status{
		Status:            status,
		Version:           Version,
		StartedAt:         s.startTime.UTC(),
		UptimeSec:         int64(s.Uptime().Seconds()),
		SnapcastConnected: connected,
	}
	if s.audit != nil {
		healthy := s.audit.IsHealthy()
		out.AuditHealthy = &healthy
	}
	return out
}

// Stats samples the process runtime counters.
func (s *Service) Stats() notify.ServerStatsPayload {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	return notify.ServerStatsPayload{
		UptimeSec:     int64(s.Uptime().Seconds()),
		Goroutines:    runtime.NumGoroutine(),
		HeapBytes:     mem.HeapAlloc,
		NumCPU:        runtime.NumCPU(),
		SnapConnected: s.snapcast != nil && s.snapcast.Connected(),
	}
}

// StartStatsJob announces the version and begins publishing server stats,
// once immediately and then on the interval.
func (s *Service) StartStatsJob() {
	if s.statsStop != nil {
		return
	}
	s.statsStop = make(chan struct{})
	s.statsDone = make(chan struct{})

	s.bus.Publish(s.factory.SystemVersion(Version))
	s.bus.Publish(s.factory.SystemStatus(s.Status().Status, s.Uptime()))

	go s.runStatsLoop()
}

// StopStatsJob stops the stats loop.
func (s *Service) StopStatsJob() {
	if s.statsStop == nil {
		return
	}
	close(s.statsStop)
	<-s.statsDone
	s.statsStop = nil
}

func (s *Service) runStatsLoop() {
	defer close(s.statsDone)

	s.bus.Publish(s.factory.ServerStats(s.Stats()))

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.bus.Publish(s.factory.ServerStats(s.Stats()))
		case <-s.statsStop:
			return
		}
	}
}

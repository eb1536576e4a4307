// Package scheduler runs the periodic maintenance jobs: a full Snapcast
// resync that heals any drift the notification stream missed, a state
// flush to SQLite, and audit retention pruning. Jobs whose collaborators
// are absent are skipped.
package scheduler

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/snapdog/snapdog-go/internal/config"
	"github.com/snapdog/snapdog-go/internal/snapcast"
	"github.com/snapdog/snapdog-go/internal/state"
)

// defaultPruneInterval is how often audit retention runs. The cutoff
// itself comes from the audit service's retention window.
const defaultPruneInterval = 24 * time.Hour

// StatusSource yields a full Snapcast server snapshot on demand.
type StatusSource interface {
	ServerStatus(ctx context.Context) (snapcast.Server, error)
}

// SnapshotSink accepts a replacement server snapshot.
type SnapshotSink interface {
	ReplaceServer(s snapcast.Server)
}

// Snapshotter captures the current zone and client states for persistence.
type Snapshotter func() (map[int]state.ZoneState, map[int]state.ClientState)

// AuditPruner removes audit entries past the retention window.
type AuditPruner interface {
	Prune() (int64, error)
}

// Deps are the collaborators the maintenance jobs drive. A job is only
// registered when every dependency it needs is non-nil.
type Deps struct {
	Source    StatusSource
	Mirror    SnapshotSink
	Snapshot  Snapshotter
	Persister state.Persister
	Pruner    AuditPruner
}

type intervals struct {
	resync  time.Duration
	flush   time.Duration
	prune   time.Duration
	timeout time.Duration
}

// Service owns every periodic job in the process.
type Service struct {
	deps    Deps
	logger  *log.Logger
	timeout time.Duration
	cron    *cron.Cron
	jobs    int
	catchup sync.WaitGroup

	mu      sync.Mutex
	running bool
}

// NewService builds the scheduler from configuration. An interval of
// zero or less disables that job.
func NewService(cfg config.Config, deps Deps, logger *log.Logger) *Service {
	return newService(deps, intervals{
		resync:  time.Duration(cfg.ResyncIntervalSec) * time.Second,
		flush:   time.Duration(cfg.StateFlushIntervalSec) * time.Second,
		prune:   defaultPruneInterval,
		timeout: time.Duration(cfg.RequestTimeoutMs) * time.Millisecond,
	}, logger)
}

func newService(deps Deps, iv intervals, logger *log.Logger) *Service {
	if logger == nil {
		logger = log.Default()
	}
	if iv.timeout <= 0 {
		iv.timeout = 5 * time.Second
	}
	s := &Service{
		deps:    deps,
		logger:  logger,
		timeout: iv.timeout,
		cron:    cron.New(),
	}
	s.register("snapcast resync", iv.resync, deps.Source != nil && deps.Mirror != nil, s.resync)
	s.register("state flush", iv.flush, deps.Snapshot != nil && deps.Persister != nil, s.flush)
	s.register("audit prune", iv.prune, deps.Pruner != nil, s.prune)
	return s
}

func (s *Service) register(name string, every time.Duration, wired bool, fn func() error) {
	if !wired || every <= 0 {
		return
	}
	_, err := s.cron.AddFunc(fmt.Sprintf("@every %s", every), func() {
		if err := fn(); err != nil {
			s.logger.Printf("SCHED: %s: %v", name, err)
		}
	})
	if err != nil {
		s.logger.Printf("SCHED: register %s: %v", name, err)
		return
	}
	s.jobs++
}

// Start launches the registered jobs. The audit prune also runs once
// right away so a long-stopped instance catches up on retention.
func (s *Service) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.running = true
	s.cron.Start()
	if s.deps.Pruner != nil {
		s.catchup.Add(1)
		go func() {
			defer s.catchup.Done()
			if err := s.prune(); err != nil {
				s.logger.Printf("SCHED: audit prune: %v", err)
			}
		}()
	}
	s.logger.Printf("SCHED: %d maintenance jobs running", s.jobs)
}

// Stop halts the schedule and waits for in-flight jobs to finish.
func (s *Service) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	s.running = false
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.catchup.Wait()
}

// IsRunning reports whether the scheduler has been started.
func (s *Service) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// JobCount reports how many jobs made it onto the schedule.
func (s *Service) JobCount() int {
	return s.jobs
}

func (s *Service) resync() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	server, err := s.deps.Source.ServerStatus(ctx)
	if err != nil {
		return err
	}
	s.deps.Mirror.ReplaceServer(server)
	return nil
}

func (s *Service) flush() error {
	zones, clients := s.deps.Snapshot()
	return s.deps.Persister.SaveAll(zones, clients)
}

func (s *Service) prune() error {
	deleted, err := s.deps.Pruner.Prune()
	if err != nil {
		return err
	}
	if deleted > 0 {
		s.logger.Printf("SCHED: pruned %d audit entries", deleted)
	}
	return nil
}

package audit

import (
	"fmt"
	"log"
	"sync"

	"github.com/snapdog/snapdog-go/internal/apperrors"
	"github.com/snapdog/snapdog-go/internal/notify"
)

const (
	// DefaultRetentionDays is how long entries are kept before pruning.
	DefaultRetentionDays = 90

	// DefaultQueryLimit caps result sets when the caller does not specify one.
	DefaultQueryLimit = 100

	// MaxQueryLimit is the hard ceiling on requested page sizes.
	MaxQueryLimit = 1000

	// MaxConsecutiveFailures before the audit trail reports unhealthy.
	MaxConsecutiveFailures = 3
)

// Service records commands, answers queries and prunes old entries. It also
// publishes CommandStatus and CommandError notifications so the outcome of
// every command reaches the same subscribers as state changes.
type Service struct {
	repo          *Repository
	bus           *notify.Bus
	factory       notify.Factory
	logger        *log.Logger
	retentionDays int

	mu                  sync.Mutex
	consecutiveFailures int
}

// NewService creates an audit service. retentionDays <= 0 selects the
// default. bus may be nil for callers that do not fan out notifications.
func NewService(repo *Repository, bus *notify.Bus, retentionDays int, logger *log.Logger) *Service {
	if retentionDays <= 0 {
		retentionDays = DefaultRetentionDays
	}
	return &Service{
		repo:          repo,
		bus:           bus,
		logger:        logger,
		retentionDays: retentionDays,
	}
}

// Record persists an entry and publishes the matching command notification.
func (s *Service) Record(input RecordInput) (*Entry, error) {
	entry, err := s.repo.Insert(input)
	if err != nil {
		s.recordFailure()
		return nil, fmt.Errorf("record audit entry: %w", err)
	}
	s.recordSuccess()
	s.publish(entry)
	return entry, nil
}

// RecordCommand is the fire-and-forget path used by the transports. The
// outcome and error kind derive from cmdErr; storage failures are logged,
// never surfaced, so a broken audit trail cannot fail commands.
func (s *Service) RecordCommand(origin, target, command string, detail map[string]any, requestID *string, cmdErr error) {
	input := RecordInput{
		Origin:    origin,
		Target:    target,
		Command:   command,
		Detail:    detail,
		Outcome:   OutcomeOK,
		RequestID: requestID,
	}
	if cmdErr != nil {
		kind := string(apperrors.KindOf(cmdErr))
		input.Outcome = OutcomeError
		if apperrors.IsKind(cmdErr, apperrors.KindUnauthorized) {
			input.Outcome = OutcomeDenied
		}
		input.ErrorKind = &kind
		input.Detail = withMessage(detail, cmdErr.Error())
	}

	if _, err := s.Record(input); err != nil && s.logger != nil {
		s.logger.Printf("AUDIT: record %s %s: %v", command, target, err)
	}
}

// withMessage copies detail so the caller's map is never mutated.
func withMessage(detail map[string]any, message string) map[string]any {
	out := make(map[string]any, len(detail)+1)
	for k, v := range detail {
		out[k] = v
	}
	out["message"] = message
	return out
}

func (s *Service) publish(entry *Entry) {
	if s.bus == nil {
		return
	}
	if entry.Outcome == OutcomeOK {
		s.bus.Publish(s.factory.CommandStatus(entry.Origin, entry.Target, entry.Command, entry.Outcome))
		return
	}
	kind := ""
	if entry.ErrorKind != nil {
		kind = *entry.ErrorKind
	}
	message := ""
	if m, ok := entry.Detail["message"].(string); ok {
		message = m
	}
	s.bus.Publish(s.factory.CommandError(entry.Origin, entry.Target, entry.Command, kind, message))
}

// Query returns matching entries plus the total count and whether more
// pages remain beyond this one.
func (s *Service) Query(filters QueryFilters) ([]Entry, int, bool, error) {
	if filters.Limit <= 0 {
		filters.Limit = DefaultQueryLimit
	}
	if filters.Limit > MaxQueryLimit {
		filters.Limit = MaxQueryLimit
	}
	if filters.Offset < 0 {
		filters.Offset = 0
	}

	entries, total, err := s.repo.Query(filters)
	if err != nil {
		s.recordFailure()
		return nil, 0, false, fmt.Errorf("query audit entries: %w", err)
	}
	s.recordSuccess()

	hasMore := filters.Offset+len(entries) < total
	return entries, total, hasMore, nil
}

// Get returns a single entry by id.
func (s *Service) Get(id string) (*Entry, error) {
	entry, err := s.repo.Get(id)
	if err != nil {
		s.recordFailure()
		return nil, fmt.Errorf("get audit entry: %w", err)
	}
	s.recordSuccess()
	if entry == nil {
		return nil, apperrors.NewNotFound("audit entry %s not found", id)
	}
	return entry, nil
}

// Prune deletes entries older than the retention window and reports how
// many were removed. The scheduler calls this on its retention cadence.
func (s *Service) Prune() (int64, error) {
	deleted, err := s.repo.PruneOlderThan(s.retentionDays)
	if err != nil {
		s.recordFailure()
		return 0, fmt.Errorf("prune audit entries: %w", err)
	}
	s.recordSuccess()
	return deleted, nil
}

// IsHealthy reports whether recent storage operations have been succeeding.
func (s *Service) IsHealthy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.consecutiveFailures < MaxConsecutiveFailures
}

func (s *Service) recordSuccess() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.consecutiveFailures = 0
}

func (s *Service) recordFailure() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.consecutiveFailures++
}

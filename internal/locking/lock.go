// Package locking provides the per-entity mutexes that serialise zone and
// client mutations.
package locking

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/snapdog/snapdog-go/internal/apperrors"
)

// DefaultTimeout bounds lock acquisition so a stuck holder cannot wedge
// every caller behind it.
const DefaultTimeout = 5 * time.Second

type entityMutex struct {
	mu       sync.Mutex
	locked   bool
	lockTime time.Time
}

// EntityLock hands out one mutex per 1-based entity index.
type EntityLock struct {
	mu      sync.Mutex
	mutexes map[int]*entityMutex
	logger  *log.Logger
}

func NewEntityLock(logger *log.Logger) *EntityLock {
	if logger == nil {
		logger = log.Default()
	}
	return &EntityLock{
		mutexes: make(map[int]*entityMutex),
		logger:  logger,
	}
}

// WithLock runs fn while holding the mutex for index. Acquisition gives up
// after timeout with DeadlineExceeded, or earlier with Cancelled when ctx
// fires; fn is never started in either case.
func (el *EntityLock) WithLock(ctx context.Context, index int, timeout time.Duration, fn func() error) error {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	em := el.getOrCreate(index)

	acquired := make(chan struct{})
	go func() {
		em.mu.Lock()
		close(acquired)
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-acquired:
	case <-timer.C:
		// The acquiring goroutine still completes eventually; hand the
		// lock straight back when it does.
		go func() {
			<-acquired
			em.mu.Unlock()
		}()
		el.logger.Printf("LOCK: entity %d not acquired within %s", index, timeout)
		return apperrors.NewDeadlineExceeded("entity %d lock not acquired within %s", index, timeout)
	case <-ctx.Done():
		go func() {
			<-acquired
			em.mu.Unlock()
		}()
		return apperrors.NewCancelled("entity %d lock wait cancelled", index)
	}

	em.locked = true
	em.lockTime = time.Now()
	defer func() {
		em.locked = false
		em.mu.Unlock()
	}()

	return fn()
}

// TryWithLock runs fn only if the mutex is free right now. It reports
// whether fn ran. Periodic work uses this to skip a beat instead of piling
// up behind a long command.
func (el *EntityLock) TryWithLock(index int, fn func() error) (bool, error) {
	em := el.getOrCreate(index)
	if !em.mu.TryLock() {
		return false, nil
	}
	em.locked = true
	em.lockTime = time.Now()
	defer func() {
		em.locked = false
		em.mu.Unlock()
	}()
	return true, fn()
}

// IsLocked reports whether the entity's mutex is currently held.
func (el *EntityLock) IsLocked(index int) bool {
	el.mu.Lock()
	em, exists := el.mutexes[index]
	el.mu.Unlock()
	if !exists {
		return false
	}
	return em.locked
}

func (el *EntityLock) getOrCreate(index int) *entityMutex {
	el.mu.Lock()
	defer el.mu.Unlock()

	em, exists := el.mutexes[index]
	if !exists {
		em = &entityMutex{}
		el.mutexes[index] = em
	}
	return em
}

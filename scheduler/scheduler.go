// Package scheduler drives the daemon mode: one bot cycle on a fixed
// interval. A cycle that outlives its interval delays the next tick
// instead of overlapping it; runs never execute concurrently.
package scheduler

import (
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

const minInterval = 10 * time.Second

// Scheduler manages the periodic run job.
type Scheduler struct {
	cron    *cron.Cron
	mu      sync.Mutex
	entryID cron.EntryID
	started bool
}

// NewScheduler creates a stopped scheduler.
func NewScheduler() *Scheduler {
	return &Scheduler{
		cron: cron.New(cron.WithChain(
			cron.SkipIfStillRunning(cron.DiscardLogger),
		)),
	}
}

// Schedule sets the run function and its interval, replacing any existing
// schedule.
func (s *Scheduler) Schedule(interval time.Duration, fn func()) error {
	if interval < minInterval {
		return fmt.Errorf("interval %s too short (minimum %s)", interval, minInterval)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.entryID != 0 {
		s.cron.Remove(s.entryID)
	}

	entryID, err := s.cron.AddFunc("@every "+interval.String(), fn)
	if err != nil {
		return fmt.Errorf("add cron job: %w", err)
	}
	s.entryID = entryID

	return nil
}

// Start begins the scheduler.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started {
		s.cron.Start()
		s.started = true
	}
}

// Stop halts the scheduler without interrupting a run in flight.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		s.cron.Stop()
		s.started = false
	}
}

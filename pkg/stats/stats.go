// Package stats tracks scheduler throughput counters. Internal counters are
// mutated on hot paths under a mutex; a monitor goroutine folds them into a
// public per-interval snapshot.
package stats

import (
	"context"
	"sync"
	"time"

	"github.com/cuemby/nscan/pkg/types"
)

// Internal holds the hot-path counters of one scheduler instance.
type Internal struct {
	mu             sync.Mutex
	completedTasks int64
	dispatchedJobs int64
	pendingTasks   int64
}

// NewInternal returns zeroed counters.
func NewInternal() *Internal {
	return &Internal{}
}

// DispatchJob credits n dispatched jobs.
func (s *Internal) DispatchJob(n int64) {
	s.mu.Lock()
	s.dispatchedJobs += n
	s.mu.Unlock()
}

// DispatchTasks credits n completed tasks and debits pending, saturating at 0.
func (s *Internal) DispatchTasks(n int64) {
	s.mu.Lock()
	if s.pendingTasks < n {
		s.pendingTasks = 0
	} else {
		s.pendingTasks -= n
	}
	s.completedTasks += n
	s.mu.Unlock()
}

// AddPending credits n pending tasks.
func (s *Internal) AddPending(n int64) {
	s.mu.Lock()
	s.pendingTasks += n
	s.mu.Unlock()
}

// RemovePending debits n pending tasks, saturating at 0.
func (s *Internal) RemovePending(n int64) {
	s.mu.Lock()
	if s.pendingTasks < n {
		s.pendingTasks = 0
	} else {
		s.pendingTasks -= n
	}
	s.mu.Unlock()
}

// UpdatePending sets the pending counter to an absolute value.
func (s *Internal) UpdatePending(n int64) {
	s.mu.Lock()
	s.pendingTasks = n
	s.mu.Unlock()
}

// Snapshot is the value of the internal counters at a reset point.
type Snapshot struct {
	CompletedTasks int64
	DispatchedJobs int64
	PendingTasks   int64
}

// Reset returns the current counters and zeroes completed and dispatched.
// Pending is carried forward.
func (s *Internal) Reset() Snapshot {
	s.mu.Lock()
	snap := Snapshot{
		CompletedTasks: s.completedTasks,
		DispatchedJobs: s.dispatchedJobs,
		PendingTasks:   s.pendingTasks,
	}
	s.completedTasks = 0
	s.dispatchedJobs = 0
	s.mu.Unlock()
	return snap
}

// Pending returns the current pending count.
func (s *Internal) Pending() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pendingTasks
}

// Shared is the public snapshot recomputed every update interval.
type Shared struct {
	mu  sync.RWMutex
	cur types.SchedulerStats
}

// NewShared returns a zeroed snapshot holder.
func NewShared() *Shared {
	return &Shared{}
}

// Stats returns the latest snapshot.
func (s *Shared) Stats() types.SchedulerStats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cur
}

func (s *Shared) update(snap Snapshot, intervalSeconds float64) {
	s.mu.Lock()
	s.cur = types.SchedulerStats{
		TasksPerSecond: float64(snap.CompletedTasks) / intervalSeconds,
		JobsPerSecond:  float64(snap.DispatchedJobs) / intervalSeconds,
		PendingTasks:   snap.PendingTasks,
	}
	s.mu.Unlock()
}

// StartMonitor folds internal counters into shared every interval until ctx
// is cancelled.
func StartMonitor(ctx context.Context, internal *Internal, shared *Shared, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				shared.update(internal.Reset(), interval.Seconds())
			case <-ctx.Done():
				return
			}
		}
	}()
}

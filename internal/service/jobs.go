package service

import (
	"errors"
	"sync"

	"sketchd/pkg/types"
)

var (
	// ErrDuplicateJob: a job with this ID is already tracked.
	ErrDuplicateJob = errors.New("job already exists")
	// ErrJobNotFound: no job with this ID is tracked.
	ErrJobNotFound = errors.New("job not found")
)

// defaultJobRetention caps how many finished job records stay
// queryable before the oldest are dropped.
const defaultJobRetention = 1000

// JobTracker records every compile job's lifecycle. The jobs map is
// the single source of truth; status transitions happen under the
// write lock. Live jobs are kept unconditionally; finished ones are
// retained up to a cap so the map stays bounded over the service
// lifetime.
//
// State machine:
//
//	Pending -> InFlight -> Completed | Failed
type JobTracker struct {
	mu   sync.RWMutex
	jobs map[types.JobID]*types.JobRecord

	retain int
	// finished holds terminal job IDs oldest-first, pending eviction.
	finished []types.JobID
}

// NewJobTracker creates an empty tracker retaining at most retain
// finished records; retain <= 0 applies the default cap.
func NewJobTracker(retain int) *JobTracker {
	if retain <= 0 {
		retain = defaultJobRetention
	}
	return &JobTracker{
		jobs:   make(map[types.JobID]*types.JobRecord),
		retain: retain,
	}
}

// Add registers a new pending job.
func (t *JobTracker) Add(id types.JobID, board string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.jobs[id]; exists {
		return ErrDuplicateJob
	}
	now := types.NowMillis()
	t.jobs[id] = &types.JobRecord{
		ID:        id,
		Board:     board,
		Status:    types.StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	return nil
}

// MarkInFlight transitions a job to in-flight (slot held).
func (t *JobTracker) MarkInFlight(id types.JobID) error {
	return t.setStatus(id, types.StatusInFlight, "")
}

// MarkCompleted transitions a job to completed.
func (t *JobTracker) MarkCompleted(id types.JobID) error {
	return t.setStatus(id, types.StatusCompleted, "")
}

// MarkFailed transitions a job to failed, recording the failure text.
func (t *JobTracker) MarkFailed(id types.JobID, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	return t.setStatus(id, types.StatusFailed, msg)
}

func (t *JobTracker) setStatus(id types.JobID, status types.JobStatus, errMsg string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	job, exists := t.jobs[id]
	if !exists {
		return ErrJobNotFound
	}
	was := job.Status
	job.Status = status
	job.Error = errMsg
	job.UpdatedAt = types.NowMillis()

	if terminal(status) && !terminal(was) {
		t.finished = append(t.finished, id)
		for len(t.finished) > t.retain {
			delete(t.jobs, t.finished[0])
			t.finished = t.finished[1:]
		}
	}
	return nil
}

func terminal(s types.JobStatus) bool {
	return s == types.StatusCompleted || s == types.StatusFailed
}

// Get returns a copy of one job's record.
func (t *JobTracker) Get(id types.JobID) (types.JobRecord, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	job, exists := t.jobs[id]
	if !exists {
		return types.JobRecord{}, false
	}
	return *job, true
}

// InFlight returns the number of jobs currently in flight.
func (t *JobTracker) InFlight() int {
	t.mu.RLock()
	defer t.mu.RUnlock()

	n := 0
	for _, job := range t.jobs {
		if job.Status == types.StatusInFlight {
			n++
		}
	}
	return n
}

// Stats returns job counts per status.
func (t *JobTracker) Stats() map[types.JobStatus]int {
	t.mu.RLock()
	defer t.mu.RUnlock()

	stats := map[types.JobStatus]int{
		types.StatusPending:   0,
		types.StatusInFlight:  0,
		types.StatusCompleted: 0,
		types.StatusFailed:    0,
	}
	for _, job := range t.jobs {
		stats[job.Status]++
	}
	return stats
}

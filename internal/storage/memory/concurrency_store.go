package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/crawlops/crawlward/internal/crawl"
)

type queuedSpec struct {
	spec crawl.JobSpec
	at   time.Time
}

// ConcurrencyStore is an in-memory crawl.ConcurrencyStore. Promotion
// order is by enqueue time with job ID as the tie-break, matching the
// Redis zset backend.
type ConcurrencyStore struct {
	mu     sync.Mutex
	active map[string]map[string]struct{}
	queued map[string][]queuedSpec
}

// NewConcurrencyStore constructs a ConcurrencyStore.
func NewConcurrencyStore() *ConcurrencyStore {
	return &ConcurrencyStore{
		active: make(map[string]map[string]struct{}),
		queued: make(map[string][]queuedSpec),
	}
}

// ActiveCount returns the team's current active-job count.
func (s *ConcurrencyStore) ActiveCount(_ context.Context, teamID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.active[teamID])), nil
}

// TryReserve adds the job to the active set iff the set is under
// limit. Reserving an already-active ID succeeds idempotently. The
// check and the add happen under one lock, matching the Redis
// backend's script.
func (s *ConcurrencyStore) TryReserve(_ context.Context, teamID, jobID string, limit int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.active[teamID]
	if !ok {
		set = make(map[string]struct{})
		s.active[teamID] = set
	}
	if _, already := set[jobID]; already {
		return true, nil
	}
	if int64(len(set)) >= limit {
		return false, nil
	}
	set[jobID] = struct{}{}
	return true, nil
}

// MarkInactive removes the job from the team's active set.
func (s *ConcurrencyStore) MarkInactive(_ context.Context, teamID, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.active[teamID], jobID)
	return nil
}

// PushQueued holds a job spec back for later admission. Re-pushing the
// same job ID replaces the stored spec instead of duplicating it.
func (s *ConcurrencyStore) PushQueued(_ context.Context, teamID string, spec crawl.JobSpec, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	q := s.queued[teamID]
	for i := range q {
		if q[i].spec.ID == spec.ID {
			q[i].spec = spec
			return nil
		}
	}
	s.queued[teamID] = append(q, queuedSpec{spec: spec, at: at})
	s.sortLocked(teamID)
	return nil
}

// PromoteQueued moves held specs into the active set in promotion
// order until the set reaches limit or the queue drains. Pop and
// activation happen under one lock, so a concurrent release can never
// promote past the limit.
func (s *ConcurrencyStore) PromoteQueued(_ context.Context, teamID string, limit int64) ([]crawl.JobSpec, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.active[teamID]
	if !ok {
		set = make(map[string]struct{})
		s.active[teamID] = set
	}
	var out []crawl.JobSpec
	q := s.queued[teamID]
	for len(q) > 0 && int64(len(set)) < limit {
		entry := q[0]
		q = q[1:]
		set[entry.spec.ID] = struct{}{}
		out = append(out, entry.spec)
	}
	s.queued[teamID] = q
	return out, nil
}

// QueuedJobIDs lists the held job IDs for the team.
func (s *ConcurrencyStore) QueuedJobIDs(_ context.Context, teamID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q := s.queued[teamID]
	out := make([]string, 0, len(q))
	for _, entry := range q {
		out = append(out, entry.spec.ID)
	}
	return out, nil
}

func (s *ConcurrencyStore) sortLocked(teamID string) {
	q := s.queued[teamID]
	sort.SliceStable(q, func(i, j int) bool {
		if !q[i].at.Equal(q[j].at) {
			return q[i].at.Before(q[j].at)
		}
		return q[i].spec.ID < q[j].spec.ID
	})
}

// Package memory provides in-memory store implementations for
// development and testing.
package memory

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/crawlops/crawlward/internal/crawl"
)

// Registry is an in-memory crawl.Registry.
type Registry struct {
	mu          sync.RWMutex
	crawls      map[string]crawl.Crawl
	jobs        map[string]map[string]struct{}
	jobsDone    map[string]map[string]struct{}
	kickoffDone map[string]bool
	completion  map[string]string
	active      map[string]struct{}
}

// NewRegistry constructs a Registry.
func NewRegistry() *Registry {
	return &Registry{
		crawls:      make(map[string]crawl.Crawl),
		jobs:        make(map[string]map[string]struct{}),
		jobsDone:    make(map[string]map[string]struct{}),
		kickoffDone: make(map[string]bool),
		completion:  make(map[string]string),
		active:      make(map[string]struct{}),
	}
}

// CreateCrawl stores crawl metadata, initializes the job sets, and adds
// the crawl to the active index.
func (r *Registry) CreateCrawl(_ context.Context, c crawl.Crawl) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.crawls[c.ID]; exists {
		return errors.New("crawl already exists")
	}
	r.crawls[c.ID] = c
	r.jobs[c.ID] = make(map[string]struct{})
	r.jobsDone[c.ID] = make(map[string]struct{})
	r.active[c.ID] = struct{}{}
	return nil
}

// GetCrawl returns nil when the crawl is absent; expiry is routine, not
// an error.
func (r *Registry) GetCrawl(_ context.Context, id string) (*crawl.Crawl, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.crawls[id]
	if !ok {
		return nil, nil
	}
	out := c
	return &out, nil
}

// CancelCrawl sets the advisory cancelled flag.
func (r *Registry) CancelCrawl(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.crawls[id]
	if !ok {
		return nil
	}
	c.Cancelled = true
	r.crawls[id] = c
	return nil
}

// AddJob adds the job ID to the crawl's job set. Idempotent.
func (r *Registry) AddJob(_ context.Context, crawlID, jobID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.jobs[crawlID]
	if !ok {
		set = make(map[string]struct{})
		r.jobs[crawlID] = set
	}
	set[jobID] = struct{}{}
	return nil
}

// MarkJobDone adds the job ID to the done set. Idempotent. Callers own
// the contract that AddJob lands first.
func (r *Registry) MarkJobDone(_ context.Context, crawlID, jobID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.jobsDone[crawlID]
	if !ok {
		set = make(map[string]struct{})
		r.jobsDone[crawlID] = set
	}
	set[jobID] = struct{}{}
	return nil
}

// JobCounts returns the cardinality of the job and done sets.
func (r *Registry) JobCounts(_ context.Context, crawlID string) (int64, int64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return int64(len(r.jobs[crawlID])), int64(len(r.jobsDone[crawlID])), nil
}

// OutstandingJobIDs returns jobs \ jobs_done, sorted for deterministic
// tests.
func (r *Registry) OutstandingJobIDs(_ context.Context, crawlID string) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	done := r.jobsDone[crawlID]
	var out []string
	for id := range r.jobs[crawlID] {
		if _, ok := done[id]; !ok {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out, nil
}

// MarkKickoffFinished records that link discovery stopped adding jobs.
func (r *Registry) MarkKickoffFinished(_ context.Context, crawlID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.kickoffDone[crawlID] = true
	return nil
}

// IsKickoffFinished reports the kickoff flag.
func (r *Registry) IsKickoffFinished(_ context.Context, crawlID string) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.kickoffDone[crawlID], nil
}

// RecordCompletion stores the overarching completion job ID.
func (r *Registry) RecordCompletion(_ context.Context, crawlID, jobID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.completion[crawlID] = jobID
	return nil
}

// CompletionJobID returns the completion job ID, empty when none was
// recorded.
func (r *Registry) CompletionJobID(_ context.Context, crawlID string) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.completion[crawlID], nil
}

// ActiveCrawlIDs lists crawls still being watched, sorted for
// deterministic tests.
func (r *Registry) ActiveCrawlIDs(_ context.Context) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.active))
	for id := range r.active {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}

// RemoveActiveCrawl drops the crawl from the active index.
func (r *Registry) RemoveActiveCrawl(_ context.Context, crawlID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.active, crawlID)
	return nil
}

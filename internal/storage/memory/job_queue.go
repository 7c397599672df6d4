package memory

import (
	"context"
	"sync"

	"github.com/crawlops/crawlward/internal/crawl"
)

// JobQueue is an in-memory crawl.JobQueue. Tests drive job status
// transitions directly through SetStatus, standing in for the external
// workers that own them in production.
type JobQueue struct {
	mu      sync.RWMutex
	records map[string]crawl.JobRecord
}

// NewJobQueue constructs a JobQueue.
func NewJobQueue() *JobQueue {
	return &JobQueue{records: make(map[string]crawl.JobRecord)}
}

// Enqueue registers the spec as a queued job record.
func (q *JobQueue) Enqueue(_ context.Context, spec crawl.JobSpec) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.records[spec.ID] = crawl.JobRecord{
		ID:        spec.ID,
		CrawlID:   spec.CrawlID,
		TeamID:    spec.TeamID,
		Status:    crawl.JobStatusQueued,
		CreatedAt: spec.CreatedAt,
		Options:   spec.Options,
	}
	return nil
}

// GetJob returns nil when the job is unknown or evicted.
func (q *JobQueue) GetJob(_ context.Context, id string) (*crawl.JobRecord, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	rec, ok := q.records[id]
	if !ok {
		return nil, nil
	}
	out := rec
	return &out, nil
}

// GetJobs batch-looks-up records, silently skipping unknown IDs.
func (q *JobQueue) GetJobs(_ context.Context, ids []string) ([]crawl.JobRecord, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	out := make([]crawl.JobRecord, 0, len(ids))
	for _, id := range ids {
		if rec, ok := q.records[id]; ok {
			out = append(out, rec)
		}
	}
	return out, nil
}

// SetStatus overrides a record's status and failure reason, emulating
// the queue workers.
func (q *JobQueue) SetStatus(id string, status crawl.JobStatus, failedReason *string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	rec, ok := q.records[id]
	if !ok {
		rec = crawl.JobRecord{ID: id}
	}
	rec.Status = status
	rec.FailedReason = failedReason
	q.records[id] = rec
}

// Evict removes a record, emulating queue retention expiry.
func (q *JobQueue) Evict(id string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.records, id)
}

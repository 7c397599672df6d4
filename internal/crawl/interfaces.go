package crawl

import (
	"context"
	"time"
)

// Registry stores per-crawl metadata, the job and done-job ID sets, and
// the global active-crawl index. Absence is not an error: crawls expire
// and callers must treat a nil result as not-found.
type Registry interface {
	CreateCrawl(ctx context.Context, c Crawl) error
	GetCrawl(ctx context.Context, id string) (*Crawl, error)
	CancelCrawl(ctx context.Context, id string) error

	AddJob(ctx context.Context, crawlID, jobID string) error
	MarkJobDone(ctx context.Context, crawlID, jobID string) error
	JobCounts(ctx context.Context, crawlID string) (total, done int64, err error)
	OutstandingJobIDs(ctx context.Context, crawlID string) ([]string, error)

	MarkKickoffFinished(ctx context.Context, crawlID string) error
	IsKickoffFinished(ctx context.Context, crawlID string) (bool, error)

	RecordCompletion(ctx context.Context, crawlID, jobID string) error
	CompletionJobID(ctx context.Context, crawlID string) (string, error)

	ActiveCrawlIDs(ctx context.Context) ([]string, error)
	RemoveActiveCrawl(ctx context.Context, crawlID string) error
}

// JobQueue adapts the distributed work queue. Status transitions are
// owned by the queue's workers; this core only enqueues and reads.
type JobQueue interface {
	Enqueue(ctx context.Context, spec JobSpec) error
	GetJob(ctx context.Context, id string) (*JobRecord, error)
	GetJobs(ctx context.Context, ids []string) ([]JobRecord, error)
}

// ConcurrencyStore backs the admission controller: a per-team set of
// currently active job IDs plus a FIFO queue of withheld job specs.
// Registrations must be durable before the call returns. TryReserve
// and PromoteQueued are atomic with respect to the active set, so the
// cap holds under concurrent callers.
type ConcurrencyStore interface {
	ActiveCount(ctx context.Context, teamID string) (int64, error)
	// TryReserve adds the job to the active set iff the set is under
	// limit, in one atomic step. Reserving an already-active job ID
	// succeeds without consuming a slot.
	TryReserve(ctx context.Context, teamID, jobID string, limit int64) (bool, error)
	MarkInactive(ctx context.Context, teamID, jobID string) error

	PushQueued(ctx context.Context, teamID string, spec JobSpec, at time.Time) error
	// PromoteQueued atomically moves held specs into the active set in
	// promotion order until the set reaches limit or the queue drains,
	// returning the promoted specs.
	PromoteQueued(ctx context.Context, teamID string, limit int64) ([]JobSpec, error)
	QueuedJobIDs(ctx context.Context, teamID string) ([]string, error)
}

// JobHistoryStore reads the durable job-history rows used once the
// live queue has evicted a record. Returns ErrNotFound when the row is
// absent.
type JobHistoryStore interface {
	GetHistoricalJob(ctx context.Context, id string) (*HistoricalJob, error)
	MostRecentJobForCrawl(ctx context.Context, crawlID string) (*HistoricalJob, error)
}

// TeamLimits resolves the per-team concurrency cap.
type TeamLimits interface {
	ConcurrencyLimit(ctx context.Context, teamID string) (int, error)
}

// Publisher pushes lifecycle events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces job and report IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}

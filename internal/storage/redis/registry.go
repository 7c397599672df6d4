// Package redis implements the shared-store interfaces on Redis. Sets
// back the crawl job indexes, a JSON string holds crawl metadata, and
// sorted sets provide deterministic FIFO ordering where it matters.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	goredis "github.com/redis/go-redis/v9"

	"github.com/crawlops/crawlward/internal/crawl"
)

const (
	crawlKeyPrefix  = "crawl:"
	activeCrawlsKey = "crawls:active"
)

// Registry implements crawl.Registry on Redis.
type Registry struct {
	rdb goredis.UniversalClient
}

// NewRegistry constructs a Registry.
func NewRegistry(rdb goredis.UniversalClient) *Registry {
	return &Registry{rdb: rdb}
}

func crawlKey(id string) string      { return crawlKeyPrefix + id }
func jobsKey(id string) string       { return crawlKeyPrefix + id + ":jobs" }
func jobsDoneKey(id string) string   { return crawlKeyPrefix + id + ":jobs_done" }
func kickoffKey(id string) string    { return crawlKeyPrefix + id + ":kickoff_finished" }
func completionKey(id string) string { return crawlKeyPrefix + id + ":completion_job" }

// CreateCrawl stores the crawl JSON and registers it in the active
// index in one pipeline.
func (r *Registry) CreateCrawl(ctx context.Context, c crawl.Crawl) error {
	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal crawl: %w", err)
	}
	pipe := r.rdb.TxPipeline()
	pipe.Set(ctx, crawlKey(c.ID), data, 0)
	pipe.SAdd(ctx, activeCrawlsKey, c.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("create crawl %s: %w", c.ID, err)
	}
	return nil
}

// GetCrawl returns nil when the key is gone; crawls expire by TTL
// outside this core.
func (r *Registry) GetCrawl(ctx context.Context, id string) (*crawl.Crawl, error) {
	data, err := r.rdb.Get(ctx, crawlKey(id)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get crawl %s: %w", id, err)
	}
	var c crawl.Crawl
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("unmarshal crawl %s: %w", id, err)
	}
	return &c, nil
}

// CancelCrawl rewrites the crawl JSON with the cancelled flag set. The
// flag is advisory; already-admitted jobs are not killed.
func (r *Registry) CancelCrawl(ctx context.Context, id string) error {
	c, err := r.GetCrawl(ctx, id)
	if err != nil {
		return err
	}
	if c == nil {
		return nil
	}
	c.Cancelled = true
	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal crawl: %w", err)
	}
	if err := r.rdb.Set(ctx, crawlKey(id), data, goredis.KeepTTL).Err(); err != nil {
		return fmt.Errorf("cancel crawl %s: %w", id, err)
	}
	return nil
}

// AddJob adds the job ID to the crawl's job set. Set semantics make
// replays under at-least-once delivery safe.
func (r *Registry) AddJob(ctx context.Context, crawlID, jobID string) error {
	if err := r.rdb.SAdd(ctx, jobsKey(crawlID), jobID).Err(); err != nil {
		return fmt.Errorf("add job %s to crawl %s: %w", jobID, crawlID, err)
	}
	return nil
}

// MarkJobDone adds the job ID to the done set.
func (r *Registry) MarkJobDone(ctx context.Context, crawlID, jobID string) error {
	if err := r.rdb.SAdd(ctx, jobsDoneKey(crawlID), jobID).Err(); err != nil {
		return fmt.Errorf("mark job %s done for crawl %s: %w", jobID, crawlID, err)
	}
	return nil
}

// JobCounts returns the cardinality of the job and done sets.
func (r *Registry) JobCounts(ctx context.Context, crawlID string) (int64, int64, error) {
	pipe := r.rdb.Pipeline()
	totalCmd := pipe.SCard(ctx, jobsKey(crawlID))
	doneCmd := pipe.SCard(ctx, jobsDoneKey(crawlID))
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, 0, fmt.Errorf("job counts for crawl %s: %w", crawlID, err)
	}
	return totalCmd.Val(), doneCmd.Val(), nil
}

// OutstandingJobIDs computes jobs \ jobs_done server-side.
func (r *Registry) OutstandingJobIDs(ctx context.Context, crawlID string) ([]string, error) {
	ids, err := r.rdb.SDiff(ctx, jobsKey(crawlID), jobsDoneKey(crawlID)).Result()
	if err != nil {
		return nil, fmt.Errorf("outstanding jobs for crawl %s: %w", crawlID, err)
	}
	return ids, nil
}

// MarkKickoffFinished records that link discovery stopped adding jobs.
func (r *Registry) MarkKickoffFinished(ctx context.Context, crawlID string) error {
	if err := r.rdb.Set(ctx, kickoffKey(crawlID), "1", 0).Err(); err != nil {
		return fmt.Errorf("mark kickoff finished for crawl %s: %w", crawlID, err)
	}
	return nil
}

// IsKickoffFinished reports the kickoff flag; a missing key means the
// discovery phase is still running.
func (r *Registry) IsKickoffFinished(ctx context.Context, crawlID string) (bool, error) {
	_, err := r.rdb.Get(ctx, kickoffKey(crawlID)).Result()
	if errors.Is(err, goredis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("kickoff flag for crawl %s: %w", crawlID, err)
	}
	return true, nil
}

// RecordCompletion stores the overarching completion job ID.
func (r *Registry) RecordCompletion(ctx context.Context, crawlID, jobID string) error {
	if err := r.rdb.Set(ctx, completionKey(crawlID), jobID, 0).Err(); err != nil {
		return fmt.Errorf("record completion for crawl %s: %w", crawlID, err)
	}
	return nil
}

// CompletionJobID returns the completion job ID, empty when none was
// recorded.
func (r *Registry) CompletionJobID(ctx context.Context, crawlID string) (string, error) {
	id, err := r.rdb.Get(ctx, completionKey(crawlID)).Result()
	if errors.Is(err, goredis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("completion job for crawl %s: %w", crawlID, err)
	}
	return id, nil
}

// ActiveCrawlIDs lists every crawl still being watched.
func (r *Registry) ActiveCrawlIDs(ctx context.Context) ([]string, error) {
	ids, err := r.rdb.SMembers(ctx, activeCrawlsKey).Result()
	if err != nil {
		return nil, fmt.Errorf("active crawl ids: %w", err)
	}
	return ids, nil
}

// RemoveActiveCrawl drops the crawl from the active index.
func (r *Registry) RemoveActiveCrawl(ctx context.Context, crawlID string) error {
	if err := r.rdb.SRem(ctx, activeCrawlsKey, crawlID).Err(); err != nil {
		return fmt.Errorf("remove active crawl %s: %w", crawlID, err)
	}
	return nil
}

package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/crawlops/crawlward/internal/crawl"
)

const (
	queueJobPrefix  = "queue:job:"
	queuePendingKey = "queue:pending"
)

// JobQueue adapts the Redis-backed work queue the external workers
// consume. Enqueue writes the job hash and registers the ID in the
// priority zset; status fields on the hash are owned by the workers
// and only read here.
type JobQueue struct {
	rdb goredis.UniversalClient
}

// NewJobQueue constructs a JobQueue.
func NewJobQueue(rdb goredis.UniversalClient) *JobQueue {
	return &JobQueue{rdb: rdb}
}

func jobKey(id string) string { return queueJobPrefix + id }

// Enqueue pushes the job with its priority. Lower scores are consumed
// first, so priority is negated.
func (q *JobQueue) Enqueue(ctx context.Context, spec crawl.JobSpec) error {
	options, err := json.Marshal(spec.Options)
	if err != nil {
		return fmt.Errorf("marshal options: %w", err)
	}
	fields := map[string]any{
		"crawl_id":   spec.CrawlID,
		"team_id":    spec.TeamID,
		"url":        spec.URL,
		"status":     string(crawl.JobStatusQueued),
		"created_at": spec.CreatedAt.UTC().Format(time.RFC3339Nano),
		"options":    string(options),
	}
	pipe := q.rdb.TxPipeline()
	pipe.HSet(ctx, jobKey(spec.ID), fields)
	pipe.ZAdd(ctx, queuePendingKey, goredis.Z{Score: -float64(spec.Priority), Member: spec.ID})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("enqueue job %s: %w", spec.ID, err)
	}
	return nil
}

// GetJob returns nil when the record has been evicted; retention is the
// queue's business.
func (q *JobQueue) GetJob(ctx context.Context, id string) (*crawl.JobRecord, error) {
	fields, err := q.rdb.HGetAll(ctx, jobKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("get job %s: %w", id, err)
	}
	if len(fields) == 0 {
		return nil, nil
	}
	rec, err := recordFromFields(id, fields)
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// GetJobs batch-looks-up records with one pipeline round-trip,
// skipping evicted IDs.
func (q *JobQueue) GetJobs(ctx context.Context, ids []string) ([]crawl.JobRecord, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	pipe := q.rdb.Pipeline()
	cmds := make([]*goredis.MapStringStringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGetAll(ctx, jobKey(id))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("batch get jobs: %w", err)
	}
	out := make([]crawl.JobRecord, 0, len(ids))
	for i, cmd := range cmds {
		fields, err := cmd.Result()
		if err != nil {
			return nil, fmt.Errorf("batch get job %s: %w", ids[i], err)
		}
		if len(fields) == 0 {
			continue
		}
		rec, err := recordFromFields(ids[i], fields)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

func recordFromFields(id string, fields map[string]string) (crawl.JobRecord, error) {
	rec := crawl.JobRecord{
		ID:      id,
		CrawlID: fields["crawl_id"],
		TeamID:  fields["team_id"],
		Status:  parseStatus(fields["status"]),
	}
	if raw := fields["created_at"]; raw != "" {
		at, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return rec, fmt.Errorf("job %s created_at: %w", id, err)
		}
		rec.CreatedAt = at
	}
	// An absent failed_reason field is meaningfully different from an
	// empty one: absence is the crash signature.
	if reason, ok := fields["failed_reason"]; ok {
		rec.FailedReason = &reason
	}
	if raw := fields["return_value"]; raw != "" {
		rec.ReturnValue = json.RawMessage(raw)
	}
	if raw := fields["options"]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &rec.Options); err != nil {
			return rec, fmt.Errorf("job %s options: %w", id, err)
		}
	}
	return rec, nil
}

func parseStatus(raw string) crawl.JobStatus {
	switch crawl.JobStatus(raw) {
	case crawl.JobStatusQueued, crawl.JobStatusActive, crawl.JobStatusCompleted, crawl.JobStatusFailed:
		return crawl.JobStatus(raw)
	default:
		return crawl.JobStatusUnknown
	}
}

// PendingRank exposes the job's position in the priority zset, mainly
// for operational debugging.
func (q *JobQueue) PendingRank(ctx context.Context, id string) (int64, error) {
	rank, err := q.rdb.ZRank(ctx, queuePendingKey, id).Result()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return -1, nil
		}
		return -1, fmt.Errorf("pending rank for job %s: %w", id, err)
	}
	return rank, nil
}

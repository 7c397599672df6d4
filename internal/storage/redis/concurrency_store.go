package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/crawlops/crawlward/internal/crawl"
)

const (
	concurrencyActivePrefix = "concurrency:active:"
	concurrencyQueuePrefix  = "concurrency:queued:"
	concurrencySpecPrefix   = "concurrency:queued_specs:"
)

// reserveScript adds the job to the active set iff the set is under
// the limit. The membership check makes re-reserving an active ID a
// no-op success instead of consuming a second slot.
var reserveScript = goredis.NewScript(`
if redis.call("SISMEMBER", KEYS[1], ARGV[1]) == 1 then
  return 1
end
if redis.call("SCARD", KEYS[1]) < tonumber(ARGV[2]) then
  redis.call("SADD", KEYS[1], ARGV[1])
  return 1
end
return 0
`)

// promoteScript pops held job IDs in score order and marks each active
// while the active set stays under the limit, returning the popped
// spec payloads. Running as one script keeps concurrent releases from
// promoting past the limit.
var promoteScript = goredis.NewScript(`
local promoted = {}
while redis.call("SCARD", KEYS[3]) < tonumber(ARGV[1]) do
  local entry = redis.call("ZPOPMIN", KEYS[1], 1)
  if #entry == 0 then
    break
  end
  local id = entry[1]
  redis.call("SADD", KEYS[3], id)
  local payload = redis.call("HGET", KEYS[2], id)
  redis.call("HDEL", KEYS[2], id)
  if payload then
    table.insert(promoted, payload)
  end
end
return promoted
`)

// ConcurrencyStore implements crawl.ConcurrencyStore on Redis. The
// held queue is a per-team sorted set of job IDs scored by enqueue
// time, with the spec payloads in a companion hash keyed by job ID, so
// re-pushing a job ID replaces its payload instead of duplicating the
// entry. Reservation and promotion run as Lua scripts; the cap check
// and the set write are one atomic step. The write completes before
// PushQueued returns; losing a held job here would be a data-loss bug.
type ConcurrencyStore struct {
	rdb goredis.UniversalClient
}

// NewConcurrencyStore constructs a ConcurrencyStore.
func NewConcurrencyStore(rdb goredis.UniversalClient) *ConcurrencyStore {
	return &ConcurrencyStore{rdb: rdb}
}

func activeKey(teamID string) string { return concurrencyActivePrefix + teamID }
func queueKey(teamID string) string  { return concurrencyQueuePrefix + teamID }
func specKey(teamID string) string   { return concurrencySpecPrefix + teamID }

// ActiveCount returns the team's current active-job count.
func (s *ConcurrencyStore) ActiveCount(ctx context.Context, teamID string) (int64, error) {
	n, err := s.rdb.SCard(ctx, activeKey(teamID)).Result()
	if err != nil {
		return 0, fmt.Errorf("active count for team %s: %w", teamID, err)
	}
	return n, nil
}

// TryReserve atomically claims an active slot for the job.
func (s *ConcurrencyStore) TryReserve(ctx context.Context, teamID, jobID string, limit int64) (bool, error) {
	n, err := reserveScript.Run(ctx, s.rdb, []string{activeKey(teamID)}, jobID, limit).Int()
	if err != nil {
		return false, fmt.Errorf("reserve %s for team %s: %w", jobID, teamID, err)
	}
	return n == 1, nil
}

// MarkInactive removes the job from the team's active set.
func (s *ConcurrencyStore) MarkInactive(ctx context.Context, teamID, jobID string) error {
	if err := s.rdb.SRem(ctx, activeKey(teamID), jobID).Err(); err != nil {
		return fmt.Errorf("mark inactive %s for team %s: %w", jobID, teamID, err)
	}
	return nil
}

// PushQueued durably holds a job spec back for later admission.
// ZAddNX keeps the original enqueue score on a re-push, so a replayed
// registration neither duplicates the entry nor loses its queue
// position; the payload in the hash is replaced.
func (s *ConcurrencyStore) PushQueued(ctx context.Context, teamID string, spec crawl.JobSpec, at time.Time) error {
	payload, err := json.Marshal(spec)
	if err != nil {
		return fmt.Errorf("marshal queued spec: %w", err)
	}
	pipe := s.rdb.TxPipeline()
	pipe.ZAddNX(ctx, queueKey(teamID), goredis.Z{
		Score:  float64(at.UnixMilli()),
		Member: spec.ID,
	})
	pipe.HSet(ctx, specKey(teamID), spec.ID, string(payload))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("push queued %s for team %s: %w", spec.ID, teamID, err)
	}
	return nil
}

// PromoteQueued atomically moves held specs into the active set in
// promotion order until the set reaches limit or the queue drains.
func (s *ConcurrencyStore) PromoteQueued(ctx context.Context, teamID string, limit int64) ([]crawl.JobSpec, error) {
	keys := []string{queueKey(teamID), specKey(teamID), activeKey(teamID)}
	raw, err := promoteScript.Run(ctx, s.rdb, keys, limit).Slice()
	if err != nil {
		return nil, fmt.Errorf("promote queued for team %s: %w", teamID, err)
	}
	specs := make([]crawl.JobSpec, 0, len(raw))
	for _, entry := range raw {
		payload, ok := entry.(string)
		if !ok {
			return specs, fmt.Errorf("promote queued for team %s: unexpected payload type %T", teamID, entry)
		}
		var spec crawl.JobSpec
		if err := json.Unmarshal([]byte(payload), &spec); err != nil {
			return specs, fmt.Errorf("unmarshal queued spec for team %s: %w", teamID, err)
		}
		specs = append(specs, spec)
	}
	return specs, nil
}

// QueuedJobIDs lists the held job IDs for the team in promotion order.
func (s *ConcurrencyStore) QueuedJobIDs(ctx context.Context, teamID string) ([]string, error) {
	ids, err := s.rdb.ZRange(ctx, queueKey(teamID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("queued job ids for team %s: %w", teamID, err)
	}
	return ids, nil
}

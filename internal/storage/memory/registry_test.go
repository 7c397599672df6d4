package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/crawlops/crawlward/internal/crawl"
)

func TestRegistryCreateAndGet(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	ctx := context.Background()

	c := crawl.Crawl{
		ID:     "crawl-1",
		TeamID: "team-1",
		CrawlerOptions: &crawl.CrawlerOptions{
			MaxDepth: 3,
			Limit:    100,
		},
		CreatedAt: time.Unix(1000, 0),
	}
	require.NoError(t, r.CreateCrawl(ctx, c))
	require.Error(t, r.CreateCrawl(ctx, c))

	got, err := r.GetCrawl(ctx, "crawl-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, "team-1", got.TeamID)
	require.Equal(t, crawl.KindCrawl, got.Kind())

	active, err := r.ActiveCrawlIDs(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"crawl-1"}, active)
}

func TestRegistryGetMissingCrawlIsNil(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	got, err := r.GetCrawl(context.Background(), "nope")
	require.NoError(t, err)
	require.Nil(t, got)
}

func TestRegistryCancelSetsFlag(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	ctx := context.Background()
	require.NoError(t, r.CreateCrawl(ctx, crawl.Crawl{ID: "crawl-1"}))
	require.NoError(t, r.CancelCrawl(ctx, "crawl-1"))

	got, err := r.GetCrawl(ctx, "crawl-1")
	require.NoError(t, err)
	require.True(t, got.Cancelled)
}

func TestRegistryJobSets(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	ctx := context.Background()
	require.NoError(t, r.CreateCrawl(ctx, crawl.Crawl{ID: "crawl-1"}))

	require.NoError(t, r.AddJob(ctx, "crawl-1", "job-a"))
	require.NoError(t, r.AddJob(ctx, "crawl-1", "job-b"))
	require.NoError(t, r.AddJob(ctx, "crawl-1", "job-b"))
	require.NoError(t, r.MarkJobDone(ctx, "crawl-1", "job-a"))
	require.NoError(t, r.MarkJobDone(ctx, "crawl-1", "job-a"))

	total, done, err := r.JobCounts(ctx, "crawl-1")
	require.NoError(t, err)
	require.Equal(t, int64(2), total)
	require.Equal(t, int64(1), done)

	outstanding, err := r.OutstandingJobIDs(ctx, "crawl-1")
	require.NoError(t, err)
	require.Equal(t, []string{"job-b"}, outstanding)

	require.NoError(t, r.MarkJobDone(ctx, "crawl-1", "job-b"))
	outstanding, err = r.OutstandingJobIDs(ctx, "crawl-1")
	require.NoError(t, err)
	require.Empty(t, outstanding)
}

func TestRegistryKickoffFlag(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	ctx := context.Background()
	require.NoError(t, r.CreateCrawl(ctx, crawl.Crawl{ID: "crawl-1"}))

	finished, err := r.IsKickoffFinished(ctx, "crawl-1")
	require.NoError(t, err)
	require.False(t, finished)

	require.NoError(t, r.MarkKickoffFinished(ctx, "crawl-1"))
	finished, err = r.IsKickoffFinished(ctx, "crawl-1")
	require.NoError(t, err)
	require.True(t, finished)
}

func TestRegistryCompletionAndActiveIndex(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	ctx := context.Background()
	require.NoError(t, r.CreateCrawl(ctx, crawl.Crawl{ID: "crawl-1"}))
	require.NoError(t, r.CreateCrawl(ctx, crawl.Crawl{ID: "crawl-2"}))

	id, err := r.CompletionJobID(ctx, "crawl-1")
	require.NoError(t, err)
	require.Empty(t, id)

	require.NoError(t, r.RecordCompletion(ctx, "crawl-1", "job-done"))
	id, err = r.CompletionJobID(ctx, "crawl-1")
	require.NoError(t, err)
	require.Equal(t, "job-done", id)

	require.NoError(t, r.RemoveActiveCrawl(ctx, "crawl-1"))
	active, err := r.ActiveCrawlIDs(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"crawl-2"}, active)
}

func TestJobQueueRoundTrip(t *testing.T) {
	t.Parallel()

	q := NewJobQueue()
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, crawl.JobSpec{
		ID:      "job-a",
		CrawlID: "crawl-1",
		TeamID:  "team-1",
		URL:     "https://example.com/a",
	}))

	rec, err := q.GetJob(ctx, "job-a")
	require.NoError(t, err)
	require.NotNil(t, rec)
	require.Equal(t, crawl.JobStatusQueued, rec.Status)

	reason := "upstream 500"
	q.SetStatus("job-a", crawl.JobStatusFailed, &reason)
	rec, err = q.GetJob(ctx, "job-a")
	require.NoError(t, err)
	require.False(t, rec.IsCrashSignature())

	q.SetStatus("job-a", crawl.JobStatusFailed, nil)
	rec, err = q.GetJob(ctx, "job-a")
	require.NoError(t, err)
	require.True(t, rec.IsCrashSignature())

	q.Evict("job-a")
	rec, err = q.GetJob(ctx, "job-a")
	require.NoError(t, err)
	require.Nil(t, rec)
}

func TestJobQueueGetJobsSkipsUnknown(t *testing.T) {
	t.Parallel()

	q := NewJobQueue()
	ctx := context.Background()
	require.NoError(t, q.Enqueue(ctx, crawl.JobSpec{ID: "job-a"}))

	records, err := q.GetJobs(ctx, []string{"job-a", "job-missing"})
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.Equal(t, "job-a", records[0].ID)
}

func TestHistoryStoreMostRecent(t *testing.T) {
	t.Parallel()

	s := NewHistoryStore()
	ctx := context.Background()

	_, err := s.GetHistoricalJob(ctx, "nope")
	require.ErrorIs(t, err, crawl.ErrNotFound)
	_, err = s.MostRecentJobForCrawl(ctx, "crawl-1")
	require.ErrorIs(t, err, crawl.ErrNotFound)

	s.Put(crawl.HistoricalJob{
		ID:        "job-old",
		CrawlID:   "crawl-1",
		TeamID:    "team-1",
		CreatedAt: time.Unix(1000, 0),
	})
	s.Put(crawl.HistoricalJob{
		ID:        "job-new",
		CrawlID:   "crawl-1",
		TeamID:    "team-1",
		CreatedAt: time.Unix(2000, 0),
	})
	s.Put(crawl.HistoricalJob{
		ID:        "job-other",
		CrawlID:   "crawl-2",
		TeamID:    "team-2",
		CreatedAt: time.Unix(3000, 0),
	})

	newest, err := s.MostRecentJobForCrawl(ctx, "crawl-1")
	require.NoError(t, err)
	require.Equal(t, "job-new", newest.ID)

	got, err := s.GetHistoricalJob(ctx, "job-old")
	require.NoError(t, err)
	require.Equal(t, "team-1", got.TeamID)
}

func TestConcurrencyStorePromotionOrder(t *testing.T) {
	t.Parallel()

	s := NewConcurrencyStore()
	ctx := context.Background()

	base := time.Unix(1000, 0)
	require.NoError(t, s.PushQueued(ctx, "team-1", crawl.JobSpec{ID: "job-b"}, base.Add(time.Second)))
	require.NoError(t, s.PushQueued(ctx, "team-1", crawl.JobSpec{ID: "job-a"}, base))
	// Same timestamp falls back to ID order.
	require.NoError(t, s.PushQueued(ctx, "team-1", crawl.JobSpec{ID: "job-d"}, base.Add(time.Second)))

	ids, err := s.QueuedJobIDs(ctx, "team-1")
	require.NoError(t, err)
	require.Equal(t, []string{"job-a", "job-b", "job-d"}, ids)

	promoted, err := s.PromoteQueued(ctx, "team-1", 2)
	require.NoError(t, err)
	require.Len(t, promoted, 2)
	require.Equal(t, "job-a", promoted[0].ID)
	require.Equal(t, "job-b", promoted[1].ID)

	// Promotion marks the jobs active, so the limit is now consumed.
	count, err := s.ActiveCount(ctx, "team-1")
	require.NoError(t, err)
	require.Equal(t, int64(2), count)

	none, err := s.PromoteQueued(ctx, "team-1", 2)
	require.NoError(t, err)
	require.Empty(t, none)

	remaining, err := s.QueuedJobIDs(ctx, "team-1")
	require.NoError(t, err)
	require.Equal(t, []string{"job-d"}, remaining)
}

func TestConcurrencyStoreQueuedRePushKeepsOneEntry(t *testing.T) {
	t.Parallel()

	s := NewConcurrencyStore()
	ctx := context.Background()

	base := time.Unix(1000, 0)
	require.NoError(t, s.PushQueued(ctx, "team-1", crawl.JobSpec{ID: "job-a", URL: "https://example.com/a"}, base))
	require.NoError(t, s.PushQueued(ctx, "team-1", crawl.JobSpec{ID: "job-b"}, base.Add(time.Second)))

	// A replayed registration re-stamps and re-pushes the same job ID.
	// It must not become a second queue entry or lose its position.
	require.NoError(t, s.PushQueued(ctx, "team-1", crawl.JobSpec{ID: "job-a", URL: "https://example.com/a2"}, base.Add(time.Minute)))

	ids, err := s.QueuedJobIDs(ctx, "team-1")
	require.NoError(t, err)
	require.Equal(t, []string{"job-a", "job-b"}, ids)

	promoted, err := s.PromoteQueued(ctx, "team-1", 10)
	require.NoError(t, err)
	require.Len(t, promoted, 2)
	require.Equal(t, "job-a", promoted[0].ID)
	require.Equal(t, "https://example.com/a2", promoted[0].URL)

	count, err := s.ActiveCount(ctx, "team-1")
	require.NoError(t, err)
	require.Equal(t, int64(2), count)
}

func TestConcurrencyStoreReserveHonorsLimit(t *testing.T) {
	t.Parallel()

	s := NewConcurrencyStore()
	ctx := context.Background()

	ok, err := s.TryReserve(ctx, "team-1", "job-a", 1)
	require.NoError(t, err)
	require.True(t, ok)

	// Re-reserving an active job is a success, not a second slot.
	ok, err = s.TryReserve(ctx, "team-1", "job-a", 1)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = s.TryReserve(ctx, "team-1", "job-b", 1)
	require.NoError(t, err)
	require.False(t, ok)

	count, err := s.ActiveCount(ctx, "team-1")
	require.NoError(t, err)
	require.Equal(t, int64(1), count)

	require.NoError(t, s.MarkInactive(ctx, "team-1", "job-a"))
	require.NoError(t, s.MarkInactive(ctx, "team-1", "job-a"))
	count, err = s.ActiveCount(ctx, "team-1")
	require.NoError(t, err)
	require.Equal(t, int64(0), count)
}

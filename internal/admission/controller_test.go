package admission

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/crawlops/crawlward/internal/crawl"
	"github.com/crawlops/crawlward/internal/storage/memory"
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.now = c.now.Add(d)
}

func spec(id, teamID string) crawl.JobSpec {
	return crawl.JobSpec{
		ID:      id,
		CrawlID: "crawl-1",
		TeamID:  teamID,
		URL:     "https://example.com/" + id,
	}
}

func newTestController(t *testing.T, limit int) (*Controller, *fakeClock) {
	t.Helper()
	limits := memory.NewStaticTeamLimits(limit)
	clock := &fakeClock{now: time.Unix(1000, 0)}
	return NewController(memory.NewConcurrencyStore(), limits, clock, nil), clock
}

func TestTryAdmitUnderLimit(t *testing.T) {
	t.Parallel()

	ctrl, _ := newTestController(t, 2)
	ctx := context.Background()

	decision, err := ctrl.TryAdmit(ctx, spec("job-a", "team-1"))
	require.NoError(t, err)
	require.Equal(t, Admitted, decision)

	decision, err = ctrl.TryAdmit(ctx, spec("job-b", "team-1"))
	require.NoError(t, err)
	require.Equal(t, Admitted, decision)

	held, err := ctrl.QueuedJobIDs(ctx, "team-1")
	require.NoError(t, err)
	require.Empty(t, held)
}

func TestTryAdmitHoldsAtLimit(t *testing.T) {
	t.Parallel()

	ctrl, clock := newTestController(t, 1)
	ctx := context.Background()

	decision, err := ctrl.TryAdmit(ctx, spec("job-a", "team-1"))
	require.NoError(t, err)
	require.Equal(t, Admitted, decision)

	clock.Advance(time.Second)
	decision, err = ctrl.TryAdmit(ctx, spec("job-b", "team-1"))
	require.NoError(t, err)
	require.Equal(t, Queued, decision)

	held, err := ctrl.QueuedJobIDs(ctx, "team-1")
	require.NoError(t, err)
	require.Equal(t, []string{"job-b"}, held)
}

func TestReleasePromotesFIFO(t *testing.T) {
	t.Parallel()

	ctrl, clock := newTestController(t, 1)
	ctx := context.Background()

	_, err := ctrl.TryAdmit(ctx, spec("job-a", "team-1"))
	require.NoError(t, err)

	clock.Advance(time.Second)
	_, err = ctrl.TryAdmit(ctx, spec("job-b", "team-1"))
	require.NoError(t, err)

	clock.Advance(time.Second)
	_, err = ctrl.TryAdmit(ctx, spec("job-c", "team-1"))
	require.NoError(t, err)

	promoted, err := ctrl.Release(ctx, "team-1", "job-a")
	require.NoError(t, err)
	require.Len(t, promoted, 1)
	require.Equal(t, "job-b", promoted[0].ID)

	promoted, err = ctrl.Release(ctx, "team-1", "job-b")
	require.NoError(t, err)
	require.Len(t, promoted, 1)
	require.Equal(t, "job-c", promoted[0].ID)

	promoted, err = ctrl.Release(ctx, "team-1", "job-c")
	require.NoError(t, err)
	require.Empty(t, promoted)
}

func TestReleasePromotedJobsAreActive(t *testing.T) {
	t.Parallel()

	store := memory.NewConcurrencyStore()
	clock := &fakeClock{now: time.Unix(1000, 0)}
	ctrl := NewController(store, memory.NewStaticTeamLimits(1), clock, nil)
	ctx := context.Background()

	_, err := ctrl.TryAdmit(ctx, spec("job-a", "team-1"))
	require.NoError(t, err)
	clock.Advance(time.Second)
	_, err = ctrl.TryAdmit(ctx, spec("job-b", "team-1"))
	require.NoError(t, err)

	promoted, err := ctrl.Release(ctx, "team-1", "job-a")
	require.NoError(t, err)
	require.Len(t, promoted, 1)

	// The promoted job counts against the limit before Release returns.
	active, err := store.ActiveCount(ctx, "team-1")
	require.NoError(t, err)
	require.Equal(t, int64(1), active)

	held, err := ctrl.QueuedJobIDs(ctx, "team-1")
	require.NoError(t, err)
	require.Empty(t, held)
}

func TestReleasePromotesUpToCapacity(t *testing.T) {
	t.Parallel()

	limits := memory.NewStaticTeamLimits(8)
	limits.Set("team-1", 2)
	store := memory.NewConcurrencyStore()
	clock := &fakeClock{now: time.Unix(1000, 0)}
	ctrl := NewController(store, limits, clock, nil)
	ctx := context.Background()

	for _, id := range []string{"job-a", "job-b", "job-c", "job-d"} {
		_, err := ctrl.TryAdmit(ctx, spec(id, "team-1"))
		require.NoError(t, err)
		clock.Advance(time.Second)
	}

	// Both active slots free up before the next release runs.
	require.NoError(t, store.MarkInactive(ctx, "team-1", "job-a"))
	promoted, err := ctrl.Release(ctx, "team-1", "job-b")
	require.NoError(t, err)
	require.Len(t, promoted, 2)
	require.Equal(t, "job-c", promoted[0].ID)
	require.Equal(t, "job-d", promoted[1].ID)
}

func TestTryAdmitConcurrentNeverExceedsLimit(t *testing.T) {
	t.Parallel()

	store := memory.NewConcurrencyStore()
	clock := &fakeClock{now: time.Unix(1000, 0)}
	ctrl := NewController(store, memory.NewStaticTeamLimits(1), clock, nil)
	ctx := context.Background()

	const racers = 16
	decisions := make([]Decision, racers)
	start := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			d, err := ctrl.TryAdmit(ctx, spec(fmt.Sprintf("job-%d", i), "team-1"))
			require.NoError(t, err)
			decisions[i] = d
		}(i)
	}
	close(start)
	wg.Wait()

	var admitted int
	for _, d := range decisions {
		if d == Admitted {
			admitted++
		}
	}
	require.Equal(t, 1, admitted)

	active, err := store.ActiveCount(ctx, "team-1")
	require.NoError(t, err)
	require.Equal(t, int64(1), active)

	held, err := ctrl.QueuedJobIDs(ctx, "team-1")
	require.NoError(t, err)
	require.Len(t, held, racers-1)
}

func TestAdmissionIsPerTeam(t *testing.T) {
	t.Parallel()

	ctrl, clock := newTestController(t, 1)
	ctx := context.Background()

	decision, err := ctrl.TryAdmit(ctx, spec("job-a", "team-1"))
	require.NoError(t, err)
	require.Equal(t, Admitted, decision)

	clock.Advance(time.Second)
	decision, err = ctrl.TryAdmit(ctx, spec("job-b", "team-2"))
	require.NoError(t, err)
	require.Equal(t, Admitted, decision)
}

func TestHeldSpecCarriesFullPayload(t *testing.T) {
	t.Parallel()

	store := memory.NewConcurrencyStore()
	clock := &fakeClock{now: time.Unix(1000, 0)}
	ctrl := NewController(store, memory.NewStaticTeamLimits(1), clock, nil)
	ctx := context.Background()

	_, err := ctrl.TryAdmit(ctx, spec("job-a", "team-1"))
	require.NoError(t, err)

	clock.Advance(time.Second)
	held := crawl.JobSpec{
		ID:       "job-b",
		CrawlID:  "crawl-1",
		TeamID:   "team-1",
		URL:      "https://example.com/deep/page",
		Priority: 7,
		Options: crawl.ScrapeOptions{
			Formats: []crawl.Format{crawl.FormatMarkdown, crawl.FormatLinks},
			Proxy:   crawl.ProxyStealth,
			Timeout: 45 * time.Second,
		},
	}
	decision, err := ctrl.TryAdmit(ctx, held)
	require.NoError(t, err)
	require.Equal(t, Queued, decision)

	promoted, err := ctrl.Release(ctx, "team-1", "job-a")
	require.NoError(t, err)
	require.Len(t, promoted, 1)
	require.Equal(t, held.ID, promoted[0].ID)
	require.Equal(t, held.URL, promoted[0].URL)
	require.Equal(t, held.Priority, promoted[0].Priority)
	require.Equal(t, held.Options.Proxy, promoted[0].Options.Proxy)
	require.Equal(t, held.Options.Formats, promoted[0].Options.Formats)
}

func TestDecisionString(t *testing.T) {
	t.Parallel()

	require.Equal(t, "admitted", Admitted.String())
	require.Equal(t, "queued", Queued.String())
}

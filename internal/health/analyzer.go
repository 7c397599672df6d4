// Package health diagnoses every active crawl by cross-referencing the
// crawl registry, the admission controller, and the work queue. The
// analyzer is a read-only auditor: it never mutates crawl state, and a
// failure diagnosing one crawl never aborts the scan of the others.
package health

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/crawlops/crawlward/internal/crawl"
)

// ConcurrencyAuditor is the read-side slice of the admission controller
// the analyzer needs.
type ConcurrencyAuditor interface {
	QueuedJobIDs(ctx context.Context, teamID string) ([]string, error)
}

// Analyzer runs the two-pass crawl health diagnostic.
type Analyzer struct {
	registry    crawl.Registry
	queue       crawl.JobQueue
	admission   ConcurrencyAuditor
	history     crawl.JobHistoryStore
	clock       crawl.Clock
	logger      *zap.Logger
	parallelism int
}

// NewAnalyzer constructs an Analyzer. Parallelism bounds the pass-1
// fan-out across crawls.
func NewAnalyzer(
	registry crawl.Registry,
	queue crawl.JobQueue,
	admission ConcurrencyAuditor,
	history crawl.JobHistoryStore,
	clock crawl.Clock,
	parallelism int,
	logger *zap.Logger,
) *Analyzer {
	if parallelism <= 0 {
		parallelism = 16
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Analyzer{
		registry:    registry,
		queue:       queue,
		admission:   admission,
		history:     history,
		clock:       clock,
		logger:      logger,
		parallelism: parallelism,
	}
}

// passOne is the per-crawl snapshot gathered before any team-level
// grouping. When report is set the crawl short-circuited (privacy
// refusal or a collection failure) and skips pass two.
type passOne struct {
	id            string
	crawl         *crawl.Crawl
	teamID        string
	total         int64
	done          int64
	outstanding   []string
	kickoffDone   bool
	completionJob string
	report        *crawl.HealthReport
}

// AnalyzeAll diagnoses every crawl in the active index. Per-crawl
// failures come back as unsuccessful reports alongside the rest.
func (a *Analyzer) AnalyzeAll(ctx context.Context) ([]crawl.HealthReport, error) {
	ids, err := a.registry.ActiveCrawlIDs(ctx)
	if err != nil {
		return nil, fmt.Errorf("list active crawls: %w", err)
	}

	// Pass 1: no ordering dependency across crawls, fan out.
	snapshots := make([]passOne, len(ids))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.parallelism)
	for i, id := range ids {
		g.Go(func() error {
			snapshots[i] = a.collect(gctx, id)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	// Pass 2: one concurrency snapshot per distinct team, then fan back
	// out per crawl.
	byTeam := make(map[string][]*passOne)
	reports := make([]crawl.HealthReport, 0, len(ids))
	for i := range snapshots {
		snap := &snapshots[i]
		if snap.report != nil {
			reports = append(reports, *snap.report)
			continue
		}
		byTeam[snap.teamID] = append(byTeam[snap.teamID], snap)
	}

	teams := make([]string, 0, len(byTeam))
	for team := range byTeam {
		teams = append(teams, team)
	}
	sort.Strings(teams)

	g2, g2ctx := errgroup.WithContext(ctx)
	g2.SetLimit(a.parallelism)
	results := make([][]crawl.HealthReport, len(teams))
	for i, team := range teams {
		g2.Go(func() error {
			results[i] = a.analyzeTeam(g2ctx, team, byTeam[team])
			return nil
		})
	}
	if err := g2.Wait(); err != nil {
		return nil, err
	}
	for _, rs := range results {
		reports = append(reports, rs...)
	}

	sort.Slice(reports, func(i, j int) bool { return reports[i].ID < reports[j].ID })
	return reports, nil
}

// AnalyzeCrawl diagnoses a single crawl on demand. A crawl the
// registry has never seen, with no jobs and no completion record,
// returns crawl.ErrNotFound rather than a fabricated healthy report.
// Crawls whose record expired but whose job sets survive still
// classify normally.
func (a *Analyzer) AnalyzeCrawl(ctx context.Context, crawlID string) (crawl.HealthReport, error) {
	snap := a.collect(ctx, crawlID)
	if snap.report != nil {
		return *snap.report, nil
	}
	if snap.crawl == nil && snap.total == 0 && snap.completionJob == "" && !snap.kickoffDone {
		return crawl.HealthReport{}, fmt.Errorf("crawl %s: %w", crawlID, crawl.ErrNotFound)
	}
	queued, err := a.admission.QueuedJobIDs(ctx, snap.teamID)
	if err != nil {
		return a.failureReport(crawlID, fmt.Errorf("concurrency snapshot: %w", err)), nil
	}
	return a.classify(ctx, snap, toSet(queued)), nil
}

// collect is pass one for a single crawl.
func (a *Analyzer) collect(ctx context.Context, crawlID string) passOne {
	snap := passOne{id: crawlID}

	c, err := a.registry.GetCrawl(ctx, crawlID)
	if err != nil {
		report := a.failureReport(crawlID, fmt.Errorf("get crawl: %w", err))
		snap.report = &report
		return snap
	}
	snap.crawl = c

	if c != nil && c.ZeroDataRetention {
		// Diagnosis would inspect job contents; refused for ZDR tenants.
		a.logger.Info("health diagnosis unavailable for zero-data-retention crawl",
			zap.String("crawl_id", crawlID))
		snap.report = &crawl.HealthReport{
			ID:        crawlID,
			Success:   true,
			Status:    crawl.HealthUnavailable,
			Kind:      c.Kind(),
			TeamID:    c.TeamID,
			CreatedAt: c.CreatedAt,
			UpdatedAt: a.clock.Now(),
		}
		return snap
	}

	snap.completionJob, err = a.registry.CompletionJobID(ctx, crawlID)
	if err != nil {
		report := a.failureReport(crawlID, fmt.Errorf("completion job: %w", err))
		snap.report = &report
		return snap
	}

	snap.teamID, err = a.resolveTeam(ctx, snap)
	if err != nil {
		report := a.failureReport(crawlID, fmt.Errorf("resolve team: %w", err))
		snap.report = &report
		return snap
	}

	snap.total, snap.done, err = a.registry.JobCounts(ctx, crawlID)
	if err != nil {
		report := a.failureReport(crawlID, fmt.Errorf("job counts: %w", err))
		snap.report = &report
		return snap
	}
	snap.outstanding, err = a.registry.OutstandingJobIDs(ctx, crawlID)
	if err != nil {
		report := a.failureReport(crawlID, fmt.Errorf("outstanding jobs: %w", err))
		snap.report = &report
		return snap
	}
	snap.kickoffDone, err = a.registry.IsKickoffFinished(ctx, crawlID)
	if err != nil {
		report := a.failureReport(crawlID, fmt.Errorf("kickoff flag: %w", err))
		snap.report = &report
		return snap
	}
	return snap
}

// resolveTeam walks the fallback chain for a crawl's team: the crawl
// record, then the most recent historical job, then the overarching
// completion job, then unknown. Later stages are strictly less
// reliable, so the order is load-bearing.
func (a *Analyzer) resolveTeam(ctx context.Context, snap passOne) (string, error) {
	if snap.crawl != nil && snap.crawl.TeamID != "" {
		return snap.crawl.TeamID, nil
	}
	recent, err := a.history.MostRecentJobForCrawl(ctx, snap.id)
	if err != nil && !errors.Is(err, crawl.ErrNotFound) {
		return "", err
	}
	if recent != nil && recent.TeamID != "" {
		return recent.TeamID, nil
	}
	if snap.completionJob != "" {
		done, err := a.history.GetHistoricalJob(ctx, snap.completionJob)
		if err != nil && !errors.Is(err, crawl.ErrNotFound) {
			return "", err
		}
		if done != nil && done.TeamID != "" {
			return done.TeamID, nil
		}
	}
	return "", nil
}

func (a *Analyzer) analyzeTeam(ctx context.Context, teamID string, snaps []*passOne) []crawl.HealthReport {
	queued, err := a.admission.QueuedJobIDs(ctx, teamID)
	if err != nil {
		reports := make([]crawl.HealthReport, 0, len(snaps))
		for _, snap := range snaps {
			reports = append(reports, a.failureReport(snap.id, fmt.Errorf("concurrency snapshot for team %s: %w", teamID, err)))
		}
		return reports
	}
	queuedSet := toSet(queued)

	reports := make([]crawl.HealthReport, 0, len(snaps))
	for _, snap := range snaps {
		reports = append(reports, a.classify(ctx, *snap, queuedSet))
	}
	return reports
}

// classify is pass two for one crawl: partition the outstanding jobs,
// batch-look-up the remainder in the queue, and apply the status
// precedence.
func (a *Analyzer) classify(ctx context.Context, snap passOne, queuedSet map[string]struct{}) crawl.HealthReport {
	throttled := 0
	remainder := make([]string, 0, len(snap.outstanding))
	for _, id := range snap.outstanding {
		if _, held := queuedSet[id]; held {
			throttled++
			continue
		}
		remainder = append(remainder, id)
	}

	records, err := a.queue.GetJobs(ctx, remainder)
	if err != nil {
		return a.failureReport(snap.id, fmt.Errorf("queue lookup: %w", err))
	}

	found := make(map[string]crawl.JobRecord, len(records))
	for _, rec := range records {
		found[rec.ID] = rec
	}

	var (
		queuedCount  int
		pendingCount int
		crashSigned  int
		missing      []string
	)
	for _, id := range remainder {
		rec, ok := found[id]
		if !ok {
			missing = append(missing, id)
			continue
		}
		switch {
		case rec.IsCrashSignature():
			crashSigned++
		case rec.Status == crawl.JobStatusQueued:
			queuedCount++
		case rec.Status == crawl.JobStatusActive, rec.Status == crawl.JobStatusCompleted:
			// Completed-in-queue but not yet marked done is the brief
			// inconsistency window; report it as processing.
			pendingCount++
		}
		// A normal failure (reason recorded) is excluded from stuck
		// diagnosis entirely.
	}

	report := crawl.HealthReport{
		ID:      snap.id,
		Success: true,
		Jobs: crawl.JobCounts{
			Total:             int(snap.total),
			Done:              int(snap.done),
			Pending:           pendingCount,
			Queued:            queuedCount,
			ConcurrencyQueued: throttled,
			Outstanding:       len(missing),
		},
		OutstandingJobs: missing,
		KickoffDone:     snap.kickoffDone,
		Kind:            snap.crawl.Kind(),
		TeamID:          snap.teamID,
		UpdatedAt:       a.clock.Now(),
	}
	if snap.crawl != nil {
		report.CreatedAt = snap.crawl.CreatedAt
		report.Cancelled = snap.crawl.Cancelled
	}

	switch {
	case snap.completionJob != "" || report.Cancelled:
		// Finished wins over any apparent staleness, including a stale
		// active-index entry; cancellation reports as finished rather
		// than stuck to avoid false alarms.
		report.Status = crawl.HealthFinished
	case len(missing) == 0:
		report.Status = crawl.HealthWorking
	case snap.crawl.Delay() > 0:
		report.Status = crawl.HealthStuckDelay
	case crashSigned > 0:
		report.Status = crawl.HealthStuckStalled
	default:
		report.Status = crawl.HealthStuckOther
	}

	if report.Kind == crawl.KindBatchScrape && snap.total == 0 {
		// Known-benign degenerate case, auto-resolvable; tagged so the
		// aggregate can count it instead of alarming.
		report.Symptoms = append(report.Symptoms, crawl.SymptomBatchScrapeZeroJobs)
	}
	return report
}

func (a *Analyzer) failureReport(crawlID string, err error) crawl.HealthReport {
	a.logger.Warn("crawl health diagnosis failed",
		zap.String("crawl_id", crawlID),
		zap.Error(err),
	)
	return crawl.HealthReport{
		ID:        crawlID,
		Success:   false,
		Error:     err.Error(),
		Kind:      crawl.KindNotSure,
		UpdatedAt: a.clock.Now(),
	}
}

func toSet(ids []string) map[string]struct{} {
	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return set
}

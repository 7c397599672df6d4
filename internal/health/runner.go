package health

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/crawlops/crawlward/internal/crawl"
	"github.com/crawlops/crawlward/internal/metrics"
)

// Snapshot is the result of one completed diagnostic run.
type Snapshot struct {
	Reports     []crawl.HealthReport `json:"reports"`
	Aggregate   Aggregate            `json:"aggregate"`
	GeneratedAt time.Time            `json:"generated_at"`
}

// Runner executes the analyzer on an interval, records metrics, keeps
// the latest snapshot for the API, and publishes alert events for
// stuck crawls.
type Runner struct {
	analyzer  *Analyzer
	publisher crawl.Publisher
	clock     crawl.Clock
	logger    *zap.Logger
	interval  time.Duration
	topic     string

	mu     sync.RWMutex
	latest *Snapshot
}

// NewRunner constructs a Runner. Publisher may be nil; alerts are then
// only logged.
func NewRunner(
	analyzer *Analyzer,
	publisher crawl.Publisher,
	clock crawl.Clock,
	interval time.Duration,
	topic string,
	logger *zap.Logger,
) *Runner {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{
		analyzer:  analyzer,
		publisher: publisher,
		clock:     clock,
		logger:    logger,
		interval:  interval,
		topic:     topic,
	}
}

// Run blocks, executing diagnostic passes until the context finishes.
func (r *Runner) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		if _, err := r.RunOnce(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			r.logger.Error("health scan failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// RunOnce executes a single diagnostic pass and retains its snapshot.
func (r *Runner) RunOnce(ctx context.Context) (*Snapshot, error) {
	start := r.clock.Now()
	reports, err := r.analyzer.AnalyzeAll(ctx)
	if err != nil {
		return nil, err
	}
	snap := &Snapshot{
		Reports:     reports,
		Aggregate:   Aggregated(reports),
		GeneratedAt: r.clock.Now(),
	}

	r.observe(snap, r.clock.Now().Sub(start))
	r.alert(ctx, reports)

	r.mu.Lock()
	r.latest = snap
	r.mu.Unlock()
	return snap, nil
}

// Latest returns the most recent snapshot, nil before the first run.
func (r *Runner) Latest() *Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.latest
}

func (r *Runner) observe(snap *Snapshot, took time.Duration) {
	metrics.ObserveHealthScan(took, len(snap.Reports), snap.Aggregate.Failures)
	counts := make(map[string]int)
	for _, report := range snap.Reports {
		if report.Success {
			counts[string(report.Status)]++
		}
	}
	metrics.SetCrawlHealthCounts(counts)
	for symptom, count := range snap.Aggregate.BySymptom {
		metrics.SetSymptomCount(symptom, count)
	}
}

func (r *Runner) alert(ctx context.Context, reports []crawl.HealthReport) {
	for _, report := range reports {
		if !report.Success || !report.Status.IsStuck() {
			continue
		}
		r.logger.Warn("crawl appears stuck",
			zap.String("crawl_id", report.ID),
			zap.String("team_id", report.TeamID),
			zap.String("status", string(report.Status)),
			zap.Int("outstanding", report.Jobs.Outstanding),
		)
		if r.publisher == nil || r.topic == "" {
			continue
		}
		payload := map[string]any{
			"event":       "crawl.stuck",
			"crawl_id":    report.ID,
			"team_id":     report.TeamID,
			"status":      string(report.Status),
			"outstanding": report.Jobs.Outstanding,
			"detected_at": r.clock.Now().Format(time.RFC3339),
		}
		if _, err := r.publisher.Publish(ctx, r.topic, payload); err != nil {
			r.logger.Error("publish stuck alert failed",
				zap.String("crawl_id", report.ID),
				zap.Error(err),
			)
		}
	}
}

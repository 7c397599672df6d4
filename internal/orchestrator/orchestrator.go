// Package orchestrator composes the registry, the admission
// controller, and the work queue to admit page jobs into crawls,
// record completions, and decide when a crawl is finished.
package orchestrator

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/crawlops/crawlward/internal/admission"
	"github.com/crawlops/crawlward/internal/crawl"
	"github.com/crawlops/crawlward/internal/metrics"
)

// Config controls Orchestrator behavior.
type Config struct {
	// FinishedTopic receives crawl lifecycle events; empty disables
	// publishing.
	FinishedTopic string
}

// Orchestrator is the consumer-facing glue over the three stores.
type Orchestrator struct {
	registry  crawl.Registry
	queue     crawl.JobQueue
	admission *admission.Controller
	publisher crawl.Publisher
	idGen     crawl.IDGenerator
	clock     crawl.Clock
	cfg       Config
	logger    *zap.Logger
}

// New constructs an Orchestrator.
func New(
	registry crawl.Registry,
	queue crawl.JobQueue,
	controller *admission.Controller,
	publisher crawl.Publisher,
	idGen crawl.IDGenerator,
	clock crawl.Clock,
	cfg Config,
	logger *zap.Logger,
) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		registry:  registry,
		queue:     queue,
		admission: controller,
		publisher: publisher,
		idGen:     idGen,
		clock:     clock,
		cfg:       cfg,
		logger:    logger,
	}
}

// StartCrawl registers a new crawl and places it in the active index.
func (o *Orchestrator) StartCrawl(ctx context.Context, c crawl.Crawl) error {
	if c.CreatedAt.IsZero() {
		c.CreatedAt = o.clock.Now()
	}
	if err := o.registry.CreateCrawl(ctx, c); err != nil {
		return fmt.Errorf("create crawl: %w", err)
	}
	o.logger.Info("crawl started",
		zap.String("crawl_id", c.ID),
		zap.String("team_id", c.TeamID),
		zap.String("kind", string(c.Kind())),
	)
	return nil
}

// AddJob admits a newly discovered page job into its crawl. The job ID
// lands in the crawl's job set before the queue sees it, so a
// completion can never be recorded for an ID the registry does not
// know. Cancelled crawls refuse new jobs.
func (o *Orchestrator) AddJob(ctx context.Context, spec crawl.JobSpec) (admission.Decision, error) {
	if spec.CreatedAt.IsZero() {
		spec.CreatedAt = o.clock.Now()
	}
	if spec.CrawlID != "" {
		c, err := o.registry.GetCrawl(ctx, spec.CrawlID)
		if err != nil {
			return admission.Queued, fmt.Errorf("get crawl: %w", err)
		}
		if c != nil && c.Cancelled {
			return admission.Queued, crawl.ErrCrawlCancelled
		}
		if err := o.registry.AddJob(ctx, spec.CrawlID, spec.ID); err != nil {
			return admission.Queued, fmt.Errorf("register job: %w", err)
		}
	}

	decision, err := o.admission.TryAdmit(ctx, spec)
	if err != nil {
		return decision, fmt.Errorf("admit job: %w", err)
	}
	metrics.ObserveAdmission(decision.String())
	metrics.ObserveJobAdded()
	if decision == admission.Admitted {
		if err := o.queue.Enqueue(ctx, spec); err != nil {
			return decision, fmt.Errorf("enqueue job: %w", err)
		}
	}
	return decision, nil
}

// CompleteJob records a terminal job status: mark done, release team
// capacity, and push any promoted held jobs into the work queue.
func (o *Orchestrator) CompleteJob(ctx context.Context, teamID, crawlID, jobID string) error {
	if crawlID != "" {
		if err := o.registry.MarkJobDone(ctx, crawlID, jobID); err != nil {
			return fmt.Errorf("mark job done: %w", err)
		}
	}

	promoted, err := o.admission.Release(ctx, teamID, jobID)
	if err != nil {
		return fmt.Errorf("release capacity: %w", err)
	}
	metrics.AddPromotions(len(promoted))
	for _, spec := range promoted {
		if err := o.queue.Enqueue(ctx, spec); err != nil {
			return fmt.Errorf("enqueue promoted job %s: %w", spec.ID, err)
		}
	}

	if crawlID != "" {
		if err := o.finishIfDone(ctx, crawlID); err != nil {
			return err
		}
	}
	return nil
}

// FinishKickoff signals that link discovery stopped adding jobs, and
// closes out crawls whose last job completed during discovery.
func (o *Orchestrator) FinishKickoff(ctx context.Context, crawlID string) error {
	if err := o.registry.MarkKickoffFinished(ctx, crawlID); err != nil {
		return fmt.Errorf("mark kickoff finished: %w", err)
	}
	return o.finishIfDone(ctx, crawlID)
}

// CancelCrawl sets the advisory flag. Jobs already in the work queue
// run to completion; only new admissions stop.
func (o *Orchestrator) CancelCrawl(ctx context.Context, crawlID string) error {
	if err := o.registry.CancelCrawl(ctx, crawlID); err != nil {
		return fmt.Errorf("cancel crawl: %w", err)
	}
	metrics.ObserveCrawlFinished("cancelled")
	o.logger.Info("crawl cancelled", zap.String("crawl_id", crawlID))
	o.publish(ctx, map[string]any{
		"event":    "crawl.cancelled",
		"crawl_id": crawlID,
	})
	return nil
}

// finishIfDone writes the overarching completion record and prunes the
// active index once every job is confirmed done and kickoff has
// finished. Replays are safe: the completion record is written once
// and set removal is idempotent.
func (o *Orchestrator) finishIfDone(ctx context.Context, crawlID string) error {
	existing, err := o.registry.CompletionJobID(ctx, crawlID)
	if err != nil {
		return fmt.Errorf("completion job: %w", err)
	}
	if existing != "" {
		return nil
	}
	kickoffDone, err := o.registry.IsKickoffFinished(ctx, crawlID)
	if err != nil {
		return fmt.Errorf("kickoff flag: %w", err)
	}
	if !kickoffDone {
		return nil
	}
	outstanding, err := o.registry.OutstandingJobIDs(ctx, crawlID)
	if err != nil {
		return fmt.Errorf("outstanding jobs: %w", err)
	}
	if len(outstanding) > 0 {
		return nil
	}

	completionID, err := o.idGen.NewID()
	if err != nil {
		return fmt.Errorf("completion id: %w", err)
	}
	if err := o.registry.RecordCompletion(ctx, crawlID, completionID); err != nil {
		return fmt.Errorf("record completion: %w", err)
	}
	if err := o.registry.RemoveActiveCrawl(ctx, crawlID); err != nil {
		return fmt.Errorf("remove active crawl: %w", err)
	}
	metrics.ObserveCrawlFinished("completed")
	o.logger.Info("crawl finished",
		zap.String("crawl_id", crawlID),
		zap.String("completion_job_id", completionID),
	)
	o.publish(ctx, map[string]any{
		"event":             "crawl.finished",
		"crawl_id":          crawlID,
		"completion_job_id": completionID,
		"finished_at":       o.clock.Now().Format(time.RFC3339),
	})
	return nil
}

func (o *Orchestrator) publish(ctx context.Context, payload map[string]any) {
	if o.publisher == nil || o.cfg.FinishedTopic == "" {
		return
	}
	if _, err := o.publisher.Publish(ctx, o.cfg.FinishedTopic, payload); err != nil {
		o.logger.Error("publish lifecycle event failed", zap.Error(err))
	}
}

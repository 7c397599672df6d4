// Package admission caps the number of simultaneously active jobs per
// team. Excess jobs are held back with their full payload, never
// rejected, and promoted in deterministic FIFO order as capacity
// frees up.
package admission

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/crawlops/crawlward/internal/crawl"
)

// Decision is the outcome of an admission attempt.
type Decision int

// Admission outcomes. Admitted means the caller pushes the job to the
// work queue; Queued means the controller holds it.
const (
	Admitted Decision = iota
	Queued
)

// String implements fmt.Stringer for logging and metrics labels.
func (d Decision) String() string {
	if d == Admitted {
		return "admitted"
	}
	return "queued"
}

// Controller implements per-team concurrency admission control over a
// durable ConcurrencyStore.
type Controller struct {
	store  crawl.ConcurrencyStore
	limits crawl.TeamLimits
	clock  crawl.Clock
	logger *zap.Logger
}

// NewController constructs a Controller.
func NewController(store crawl.ConcurrencyStore, limits crawl.TeamLimits, clock crawl.Clock, logger *zap.Logger) *Controller {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Controller{
		store:  store,
		limits: limits,
		clock:  clock,
		logger: logger,
	}
}

// TryAdmit admits the job if the team is under its concurrency limit,
// otherwise durably holds the spec. The reservation is a single atomic
// store operation, so concurrent callers on the same team can never
// admit past the cap. The held registration has landed in the store
// before this returns; a crash may re-run TryAdmit but can never lose
// the job.
func (c *Controller) TryAdmit(ctx context.Context, spec crawl.JobSpec) (Decision, error) {
	limit, err := c.limits.ConcurrencyLimit(ctx, spec.TeamID)
	if err != nil {
		return Queued, fmt.Errorf("resolve limit: %w", err)
	}
	reserved, err := c.store.TryReserve(ctx, spec.TeamID, spec.ID, int64(limit))
	if err != nil {
		return Queued, fmt.Errorf("reserve slot: %w", err)
	}
	if reserved {
		return Admitted, nil
	}
	if err := c.store.PushQueued(ctx, spec.TeamID, spec, c.clock.Now()); err != nil {
		return Queued, fmt.Errorf("push queued: %w", err)
	}
	c.logger.Debug("job held by concurrency limit",
		zap.String("team_id", spec.TeamID),
		zap.String("job_id", spec.ID),
		zap.Int("limit", limit),
	)
	return Queued, nil
}

// Release removes a finished job from tracking and returns the held
// specs now eligible for admission, already marked active. Promotion
// is a single atomic store operation against the limit, so concurrent
// releases cannot over-promote. Callers only push the returned specs
// to the work queue, keeping the invariant that a job ID lives in at
// most one of the two queues.
func (c *Controller) Release(ctx context.Context, teamID, jobID string) ([]crawl.JobSpec, error) {
	if err := c.store.MarkInactive(ctx, teamID, jobID); err != nil {
		return nil, fmt.Errorf("mark inactive: %w", err)
	}
	limit, err := c.limits.ConcurrencyLimit(ctx, teamID)
	if err != nil {
		return nil, fmt.Errorf("resolve limit: %w", err)
	}
	specs, err := c.store.PromoteQueued(ctx, teamID, int64(limit))
	if err != nil {
		return nil, fmt.Errorf("promote queued: %w", err)
	}
	if len(specs) > 0 {
		c.logger.Debug("promoted held jobs",
			zap.String("team_id", teamID),
			zap.Int("count", len(specs)),
		)
	}
	return specs, nil
}

// QueuedJobIDs lists the job IDs currently held for the team. The
// health analyzer uses this to tell "deliberately throttled" apart
// from "stuck".
func (c *Controller) QueuedJobIDs(ctx context.Context, teamID string) ([]string, error) {
	ids, err := c.store.QueuedJobIDs(ctx, teamID)
	if err != nil {
		return nil, fmt.Errorf("queued job ids: %w", err)
	}
	return ids, nil
}

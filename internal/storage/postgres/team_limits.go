package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// TeamLimits resolves per-team concurrency caps from the teams table,
// falling back to a configured default when the team has no explicit
// cap.
type TeamLimits struct {
	pool         querier
	defaultLimit int
}

// NewTeamLimits constructs a TeamLimits provider over an existing pool.
func NewTeamLimits(pool querier, defaultLimit int) (*TeamLimits, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if defaultLimit <= 0 {
		return nil, fmt.Errorf("default limit must be > 0")
	}
	return &TeamLimits{pool: pool, defaultLimit: defaultLimit}, nil
}

// ConcurrencyLimit returns the team's cap on simultaneously active
// jobs. An unknown team or NULL cap gets the deployment default.
func (t *TeamLimits) ConcurrencyLimit(ctx context.Context, teamID string) (int, error) {
	var limit *int
	err := t.pool.QueryRow(ctx,
		`SELECT concurrency_limit FROM teams WHERE id = $1`, teamID).Scan(&limit)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return t.defaultLimit, nil
		}
		return 0, fmt.Errorf("concurrency limit for team %s: %w", teamID, err)
	}
	if limit == nil || *limit <= 0 {
		return t.defaultLimit, nil
	}
	return *limit, nil
}

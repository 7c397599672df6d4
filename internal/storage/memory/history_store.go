package memory

import (
	"context"
	"sync"

	"github.com/crawlops/crawlward/internal/crawl"
)

// HistoryStore is an in-memory crawl.JobHistoryStore.
type HistoryStore struct {
	mu   sync.RWMutex
	jobs map[string]crawl.HistoricalJob
}

// NewHistoryStore constructs a HistoryStore.
func NewHistoryStore() *HistoryStore {
	return &HistoryStore{jobs: make(map[string]crawl.HistoricalJob)}
}

// Put records a historical job row, replacing any prior row with the
// same ID.
func (s *HistoryStore) Put(job crawl.HistoricalJob) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[job.ID] = job
}

// GetHistoricalJob returns the job row by ID, crawl.ErrNotFound when
// absent.
func (s *HistoryStore) GetHistoricalJob(_ context.Context, id string) (*crawl.HistoricalJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[id]
	if !ok {
		return nil, crawl.ErrNotFound
	}
	out := job
	return &out, nil
}

// MostRecentJobForCrawl returns the newest job row belonging to the
// crawl, crawl.ErrNotFound when the crawl has no rows.
func (s *HistoryStore) MostRecentJobForCrawl(_ context.Context, crawlID string) (*crawl.HistoricalJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var newest *crawl.HistoricalJob
	for _, job := range s.jobs {
		if job.CrawlID != crawlID {
			continue
		}
		if newest == nil || job.CreatedAt.After(newest.CreatedAt) {
			j := job
			newest = &j
		}
	}
	if newest == nil {
		return nil, crawl.ErrNotFound
	}
	return newest, nil
}

// StaticTeamLimits is a crawl.TeamLimits with fixed per-team caps.
type StaticTeamLimits struct {
	mu           sync.RWMutex
	limits       map[string]int
	defaultLimit int
}

// NewStaticTeamLimits constructs a StaticTeamLimits with the given
// fallback cap.
func NewStaticTeamLimits(defaultLimit int) *StaticTeamLimits {
	return &StaticTeamLimits{
		limits:       make(map[string]int),
		defaultLimit: defaultLimit,
	}
}

// Set overrides the cap for one team.
func (l *StaticTeamLimits) Set(teamID string, limit int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.limits[teamID] = limit
}

// ConcurrencyLimit returns the team's cap, falling back to the default.
func (l *StaticTeamLimits) ConcurrencyLimit(_ context.Context, teamID string) (int, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if limit, ok := l.limits[teamID]; ok && limit > 0 {
		return limit, nil
	}
	return l.defaultLimit, nil
}

package health

import (
	"sort"

	"github.com/crawlops/crawlward/internal/crawl"
)

// AggregateRow counts reports sharing a team and status.
type AggregateRow struct {
	TeamID string             `json:"team_id"`
	Status crawl.HealthStatus `json:"status"`
	Count  int                `json:"count"`
}

// Aggregate is the operator-facing rollup of one diagnostic run.
type Aggregate struct {
	Total     int            `json:"total"`
	Failures  int            `json:"failures"`
	ByTeam    []AggregateRow `json:"by_team_status"`
	BySymptom map[string]int `json:"by_symptom,omitempty"`
}

// Aggregated rolls reports up by {team, status} and by named symptom.
// Unsuccessful diagnoses are counted separately rather than folded
// into a status bucket.
func Aggregated(reports []crawl.HealthReport) Aggregate {
	agg := Aggregate{Total: len(reports)}
	byKey := make(map[AggregateRow]int)
	for _, report := range reports {
		if !report.Success {
			agg.Failures++
			continue
		}
		key := AggregateRow{TeamID: report.TeamID, Status: report.Status}
		byKey[key]++
		for _, symptom := range report.Symptoms {
			if agg.BySymptom == nil {
				agg.BySymptom = make(map[string]int)
			}
			agg.BySymptom[symptom]++
		}
	}
	for key, count := range byKey {
		key.Count = count
		agg.ByTeam = append(agg.ByTeam, key)
	}
	sort.Slice(agg.ByTeam, func(i, j int) bool {
		if agg.ByTeam[i].TeamID != agg.ByTeam[j].TeamID {
			return agg.ByTeam[i].TeamID < agg.ByTeam[j].TeamID
		}
		return agg.ByTeam[i].Status < agg.ByTeam[j].Status
	})
	return agg
}

// Package crawl defines core types shared across subsystems.
package crawl

import (
	"encoding/json"
	"time"
)

// JobStatus is the lifecycle state of a page-fetch job as reported by
// the distributed work queue.
type JobStatus string

// Job status values owned by the queue and its workers. This core only
// reads them.
const (
	JobStatusQueued    JobStatus = "queued"
	JobStatusActive    JobStatus = "active"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusUnknown   JobStatus = "unknown"
)

// ProxyTier is the proxy escalation level for a fetch attempt.
type ProxyTier string

// Proxy tiers in escalation order. Retries may move down this list but
// never back up.
const (
	ProxyBasic   ProxyTier = "basic"
	ProxyStealth ProxyTier = "stealth"
	ProxyAuto    ProxyTier = "auto"
)

// Rank orders proxy tiers for monotonicity checks. Unknown tiers rank
// below basic so escalation always moves forward.
func (p ProxyTier) Rank() int {
	switch p {
	case ProxyBasic:
		return 1
	case ProxyStealth:
		return 2
	case ProxyAuto:
		return 3
	default:
		return 0
	}
}

// Next returns the following tier in the escalation sequence and false
// once the top tier is reached.
func (p ProxyTier) Next() (ProxyTier, bool) {
	switch p {
	case ProxyBasic, "":
		return ProxyStealth, true
	case ProxyStealth:
		return ProxyAuto, true
	default:
		return p, false
	}
}

// Format is an output format requested for a scraped page.
type Format string

// Supported output formats. Document, JSON and change-tracking formats
// impose minimum timeout floors on fetch attempts.
const (
	FormatMarkdown       Format = "markdown"
	FormatHTML           Format = "html"
	FormatRawHTML        Format = "raw_html"
	FormatLinks          Format = "links"
	FormatScreenshot     Format = "screenshot"
	FormatDocument       Format = "document"
	FormatJSON           Format = "json"
	FormatChangeTracking Format = "change_tracking"
)

// Feature is an optional fetch behavior that the attempt policy may
// toggle off or remove across retries.
type Feature string

// Features eligible for the retry waterfall.
const (
	FeatureActions   Feature = "actions"
	FeatureWaitFor   Feature = "wait_for"
	FeatureMobile    Feature = "mobile"
	FeatureAdblock   Feature = "adblock"
	FeatureSkipCache Feature = "skip_cache"
)

// ScrapeOptions is the per-page fetch configuration snapshotted onto
// each attempt. Features maps a feature to its enabled state: a toggled
// feature stays in the map with value false, a removed feature is
// deleted outright.
type ScrapeOptions struct {
	Formats  []Format         `json:"formats,omitempty"`
	Proxy    ProxyTier        `json:"proxy,omitempty"`
	Timeout  time.Duration    `json:"timeout,omitempty"`
	Features map[Feature]bool `json:"features,omitempty"`
}

// Clone deep-copies the options so policy decisions never mutate the
// previous attempt's snapshot.
func (o ScrapeOptions) Clone() ScrapeOptions {
	out := o
	if o.Formats != nil {
		out.Formats = append([]Format(nil), o.Formats...)
	}
	if o.Features != nil {
		out.Features = make(map[Feature]bool, len(o.Features))
		for f, enabled := range o.Features {
			out.Features[f] = enabled
		}
	}
	return out
}

// HasFormat reports whether the format is requested.
func (o ScrapeOptions) HasFormat(f Format) bool {
	for _, have := range o.Formats {
		if have == f {
			return true
		}
	}
	return false
}

// CrawlerOptions governs link discovery for a multi-page crawl. A nil
// CrawlerOptions on a Crawl marks it as a batch scrape.
type CrawlerOptions struct {
	MaxDepth           int           `json:"max_depth,omitempty"`
	Limit              int           `json:"limit,omitempty"`
	IncludePaths       []string      `json:"include_paths,omitempty"`
	ExcludePaths       []string      `json:"exclude_paths,omitempty"`
	AllowExternalLinks bool          `json:"allow_external_links,omitempty"`
	Delay              time.Duration `json:"delay,omitempty"`
}

// InternalOptions carries service-internal tuning not exposed to
// tenants.
type InternalOptions struct {
	Priority int `json:"priority,omitempty"`
}

// CrawlKind distinguishes multi-page crawls from batch scrapes. NotSure
// is reported when the crawl record has expired.
type CrawlKind string

// Crawl kinds surfaced in health reports.
const (
	KindCrawl       CrawlKind = "crawl"
	KindBatchScrape CrawlKind = "batch_scrape"
	KindNotSure     CrawlKind = "not_sure"
)

// Crawl is one multi-page scrape request. It is created once, mutated
// only to set Cancelled, and garbage-collected by TTL outside this
// core.
type Crawl struct {
	ID                string           `json:"id"`
	TeamID            string           `json:"team_id"`
	CrawlerOptions    *CrawlerOptions  `json:"crawler_options,omitempty"`
	ScrapeOptions     ScrapeOptions    `json:"scrape_options"`
	Internal          InternalOptions  `json:"internal_options"`
	CreatedAt         time.Time        `json:"created_at"`
	Cancelled         bool             `json:"cancelled"`
	ZeroDataRetention bool             `json:"zero_data_retention"`
}

// Kind derives the crawl kind: batch scrapes are crawls submitted
// without crawler options.
func (c *Crawl) Kind() CrawlKind {
	if c == nil {
		return KindNotSure
	}
	if c.CrawlerOptions == nil {
		return KindBatchScrape
	}
	return KindCrawl
}

// Delay returns the configured inter-request delay, zero for batch
// scrapes.
func (c *Crawl) Delay() time.Duration {
	if c == nil || c.CrawlerOptions == nil {
		return 0
	}
	return c.CrawlerOptions.Delay
}

// JobSpec is everything needed to enqueue one page-fetch job. Specs
// held back by admission control carry the full payload so they can be
// pushed to the queue later without another lookup.
type JobSpec struct {
	ID        string        `json:"id"`
	CrawlID   string        `json:"crawl_id,omitempty"`
	TeamID    string        `json:"team_id"`
	URL       string        `json:"url"`
	Options   ScrapeOptions `json:"options"`
	Priority  int           `json:"priority"`
	CreatedAt time.Time     `json:"created_at"`
}

// JobRecord is one page-fetch attempt as seen in the work queue. A
// failed record with a nil FailedReason is the crash signature: the
// worker died without recording why.
type JobRecord struct {
	ID           string          `json:"id"`
	CrawlID      string          `json:"crawl_id,omitempty"`
	TeamID       string          `json:"team_id"`
	Status       JobStatus       `json:"status"`
	CreatedAt    time.Time       `json:"created_at"`
	ReturnValue  json.RawMessage `json:"return_value,omitempty"`
	FailedReason *string         `json:"failed_reason,omitempty"`
	Options      ScrapeOptions   `json:"scrape_options"`
}

// IsCrashSignature reports the failed-with-no-reason state.
func (r JobRecord) IsCrashSignature() bool {
	return r.Status == JobStatusFailed && r.FailedReason == nil
}

// HistoricalJob is a job row read back from the durable history store
// after the live queue has evicted the record.
type HistoricalJob struct {
	ID           string        `json:"id"`
	CrawlID      string        `json:"crawl_id,omitempty"`
	TeamID       string        `json:"team_id"`
	Status       JobStatus     `json:"status"`
	Options      ScrapeOptions `json:"scrape_options"`
	CreatedAt    time.Time     `json:"created_at"`
	FailedReason *string       `json:"failed_reason,omitempty"`
}

// JobCounts is the per-crawl job breakdown computed by the health
// analyzer.
type JobCounts struct {
	Total             int `json:"total"`
	Done              int `json:"done"`
	Pending           int `json:"pending"`
	Queued            int `json:"queued"`
	ConcurrencyQueued int `json:"concurrencyQueued"`
	Outstanding       int `json:"outstanding"`
}

// HealthStatus classifies a crawl's diagnosed condition.
type HealthStatus string

// Health statuses in classification precedence order. Finished wins
// over any apparent staleness; working is checked before any stuck
// classification.
const (
	HealthFinished     HealthStatus = "finished"
	HealthWorking      HealthStatus = "working"
	HealthStuckDelay   HealthStatus = "stuck_delay"
	HealthStuckStalled HealthStatus = "stuck_stalled"
	HealthStuckOther   HealthStatus = "stuck_other"
	HealthUnavailable  HealthStatus = "unavailable"
)

// IsStuck reports whether the status is one of the stuck
// classifications.
func (s HealthStatus) IsStuck() bool {
	switch s {
	case HealthStuckDelay, HealthStuckStalled, HealthStuckOther:
		return true
	default:
		return false
	}
}

// Known symptom names surfaced in reports and the aggregate.
const (
	SymptomBatchScrapeZeroJobs = "batch_scrape_zero_jobs"
)

// HealthReport is the ephemeral diagnostic result for one crawl. It is
// recomputed on every pass and never persisted as authoritative state.
type HealthReport struct {
	ID              string       `json:"id"`
	Success         bool         `json:"success"`
	Error           string       `json:"error,omitempty"`
	Status          HealthStatus `json:"status"`
	Cancelled       bool         `json:"cancelled,omitempty"`
	Jobs            JobCounts    `json:"jobs"`
	OutstandingJobs []string     `json:"outstandingJobs"`
	KickoffDone     bool         `json:"kickoffDone"`
	Kind            CrawlKind    `json:"type"`
	TeamID          string       `json:"team_id"`
	Symptoms        []string     `json:"symptoms,omitempty"`
	CreatedAt       time.Time    `json:"created_at"`
	UpdatedAt       time.Time    `json:"updated_at"`
}

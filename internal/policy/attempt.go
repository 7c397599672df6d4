// Package policy decides what the next fetch attempt for a failed page
// job looks like: which feature to relax, whether to escalate the
// proxy tier, and what timeout the resulting option set requires. It
// is a pure function over the previous attempt and a fixed budget, so
// callers can replay decisions deterministically.
package policy

import (
	"fmt"
	"strings"
	"time"

	"github.com/crawlops/crawlward/internal/crawl"
)

// Budget bounds the lifetime of one logical page fetch across retries.
// All counters are independent.
type Budget struct {
	MaxAttempts        int
	MaxFeatureToggles  int
	MaxFeatureRemovals int
	MaxPDFPrefetch     int
	MaxDocPrefetch     int
}

// DefaultBudget returns the deployment defaults.
func DefaultBudget() Budget {
	return Budget{
		MaxAttempts:        5,
		MaxFeatureToggles:  2,
		MaxFeatureRemovals: 1,
		MaxPDFPrefetch:     1,
		MaxDocPrefetch:     1,
	}
}

// Attempt describes a prior failed attempt plus the budget already
// consumed on its behalf.
type Attempt struct {
	Options      crawl.ScrapeOptions
	FailedReason string
	// Number is the 1-based count of attempts that have run.
	Number          int
	FeatureToggles  int
	FeatureRemovals int
	PDFPrefetches   int
	DocPrefetches   int
}

// Action names the single adjustment applied for the next attempt.
type Action string

// Possible adjustments. Retried means the options were kept as-is and
// only the attempt counter advanced.
const (
	ActionEscalatedProxy Action = "escalated_proxy"
	ActionToggledFeature Action = "toggled_feature"
	ActionRemovedFeature Action = "removed_feature"
	ActionPrefetchRetry  Action = "prefetch_retry"
	ActionRetried        Action = "retried"
)

// Next is the decision for the following attempt, carrying the
// cumulative counters the caller threads into its next Attempt.
type Next struct {
	Options crawl.ScrapeOptions
	Action  Action
	// Feature is set when Action toggled or removed one.
	Feature         crawl.Feature
	FeatureToggles  int
	FeatureRemovals int
	PDFPrefetches   int
	DocPrefetches   int
}

// GiveUpError signals that the attempt budget is exhausted. Reason is
// the last failure reason verbatim; callers surface it as the terminal
// failure of the original request.
type GiveUpError struct {
	Reason string
}

func (e *GiveUpError) Error() string {
	return fmt.Sprintf("attempt budget exhausted: %s", e.Reason)
}

// Minimum timeouts imposed by expensive option combinations. The
// policy raises an explicit timeout to the floor, never lowers one.
const (
	documentTimeoutFloor       = 120 * time.Second
	jsonTimeoutFloor           = 60 * time.Second
	changeTrackingTimeoutFloor = 60 * time.Second
	proxyTimeoutFloor          = 45 * time.Second
)

// NextAttempt produces the options for the retry following prev, or a
// *GiveUpError once the total-attempt budget is spent. Each retry
// applies at most one adjustment: a prefetch retry, a feature toggle,
// a feature removal, or a proxy escalation, in that precedence.
func NextAttempt(prev Attempt, budget Budget) (Next, error) {
	if prev.Number >= budget.MaxAttempts {
		return Next{}, &GiveUpError{Reason: prev.FailedReason}
	}

	next := Next{
		Options:         prev.Options.Clone(),
		Action:          ActionRetried,
		FeatureToggles:  prev.FeatureToggles,
		FeatureRemovals: prev.FeatureRemovals,
		PDFPrefetches:   prev.PDFPrefetches,
		DocPrefetches:   prev.DocPrefetches,
	}

	switch {
	case isPDFPrefetchFailure(prev.FailedReason):
		if prev.PDFPrefetches >= budget.MaxPDFPrefetch {
			return Next{}, &GiveUpError{Reason: prev.FailedReason}
		}
		next.PDFPrefetches++
		next.Action = ActionPrefetchRetry

	case isDocPrefetchFailure(prev.FailedReason):
		if prev.DocPrefetches >= budget.MaxDocPrefetch {
			return Next{}, &GiveUpError{Reason: prev.FailedReason}
		}
		next.DocPrefetches++
		next.Action = ActionPrefetchRetry

	default:
		if suspect, ok := suspectFeature(prev.FailedReason, next.Options); ok {
			switch {
			case prev.FeatureToggles < budget.MaxFeatureToggles:
				next.Options.Features[suspect] = false
				next.Feature = suspect
				next.FeatureToggles++
				next.Action = ActionToggledFeature
			case prev.FeatureRemovals < budget.MaxFeatureRemovals:
				delete(next.Options.Features, suspect)
				next.Feature = suspect
				next.FeatureRemovals++
				next.Action = ActionRemovedFeature
			default:
				escalateProxy(&next)
			}
		} else {
			escalateProxy(&next)
		}
	}

	next.Options.Timeout = recomputeTimeout(next.Options)
	return next, nil
}

func escalateProxy(next *Next) {
	if tier, ok := next.Options.Proxy.Next(); ok {
		next.Options.Proxy = tier
		next.Action = ActionEscalatedProxy
	}
}

// featureOrder fixes the scan order so the suspected feature is
// deterministic when a reason mentions more than one.
var featureOrder = []struct {
	feature crawl.Feature
	keyword string
}{
	{crawl.FeatureActions, "action"},
	{crawl.FeatureWaitFor, "wait"},
	{crawl.FeatureMobile, "mobile"},
	{crawl.FeatureAdblock, "adblock"},
	{crawl.FeatureSkipCache, "cache"},
}

func suspectFeature(reason string, opts crawl.ScrapeOptions) (crawl.Feature, bool) {
	lower := strings.ToLower(reason)
	for _, candidate := range featureOrder {
		enabled, present := opts.Features[candidate.feature]
		if present && enabled && strings.Contains(lower, candidate.keyword) {
			return candidate.feature, true
		}
	}
	return "", false
}

func isPDFPrefetchFailure(reason string) bool {
	return strings.Contains(strings.ToLower(reason), "pdf prefetch")
}

func isDocPrefetchFailure(reason string) bool {
	return strings.Contains(strings.ToLower(reason), "document prefetch")
}

// recomputeTimeout raises an explicit timeout to the highest floor the
// option set imposes. An unset timeout stays unset; the fetch engine
// default applies there.
func recomputeTimeout(opts crawl.ScrapeOptions) time.Duration {
	if opts.Timeout <= 0 {
		return opts.Timeout
	}
	floor := time.Duration(0)
	if opts.HasFormat(crawl.FormatDocument) && documentTimeoutFloor > floor {
		floor = documentTimeoutFloor
	}
	if opts.HasFormat(crawl.FormatJSON) && jsonTimeoutFloor > floor {
		floor = jsonTimeoutFloor
	}
	if opts.HasFormat(crawl.FormatChangeTracking) && changeTrackingTimeoutFloor > floor {
		floor = changeTrackingTimeoutFloor
	}
	if opts.Proxy.Rank() > crawl.ProxyBasic.Rank() && proxyTimeoutFloor > floor {
		floor = proxyTimeoutFloor
	}
	if opts.Timeout < floor {
		return floor
	}
	return opts.Timeout
}

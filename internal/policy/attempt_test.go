package policy

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/crawlops/crawlward/internal/crawl"
)

func TestNextAttemptGivesUpAtBudget(t *testing.T) {
	t.Parallel()

	budget := DefaultBudget()
	prev := Attempt{
		Options:      crawl.ScrapeOptions{Proxy: crawl.ProxyAuto},
		FailedReason: "net::ERR_CONNECTION_RESET",
		Number:       budget.MaxAttempts,
	}

	_, err := NextAttempt(prev, budget)
	var giveUp *GiveUpError
	require.ErrorAs(t, err, &giveUp)
	require.Equal(t, "net::ERR_CONNECTION_RESET", giveUp.Reason)
}

func TestNextAttemptEscalatesProxy(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		from crawl.ProxyTier
		want crawl.ProxyTier
	}{
		{name: "basic to stealth", from: crawl.ProxyBasic, want: crawl.ProxyStealth},
		{name: "unset treated as basic", from: "", want: crawl.ProxyStealth},
		{name: "stealth to auto", from: crawl.ProxyStealth, want: crawl.ProxyAuto},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			next, err := NextAttempt(Attempt{
				Options:      crawl.ScrapeOptions{Proxy: tc.from},
				FailedReason: "fetch failed",
				Number:       1,
			}, DefaultBudget())
			require.NoError(t, err)
			require.Equal(t, ActionEscalatedProxy, next.Action)
			require.Equal(t, tc.want, next.Options.Proxy)
		})
	}
}

func TestNextAttemptNeverDescendsProxy(t *testing.T) {
	t.Parallel()

	budget := DefaultBudget()
	attempt := Attempt{
		Options:      crawl.ScrapeOptions{Proxy: crawl.ProxyBasic},
		FailedReason: "fetch failed",
		Number:       1,
	}
	rank := attempt.Options.Proxy.Rank()
	for attempt.Number < budget.MaxAttempts {
		next, err := NextAttempt(attempt, budget)
		require.NoError(t, err)
		require.GreaterOrEqual(t, next.Options.Proxy.Rank(), rank)
		rank = next.Options.Proxy.Rank()
		attempt = Attempt{
			Options:      next.Options,
			FailedReason: "fetch failed",
			Number:       attempt.Number + 1,
		}
	}
}

func TestNextAttemptTopTierKeepsRetrying(t *testing.T) {
	t.Parallel()

	next, err := NextAttempt(Attempt{
		Options:      crawl.ScrapeOptions{Proxy: crawl.ProxyAuto},
		FailedReason: "fetch failed",
		Number:       1,
	}, DefaultBudget())
	require.NoError(t, err)
	require.Equal(t, ActionRetried, next.Action)
	require.Equal(t, crawl.ProxyAuto, next.Options.Proxy)
}

func TestNextAttemptTogglesSuspectFeatureFirst(t *testing.T) {
	t.Parallel()

	next, err := NextAttempt(Attempt{
		Options: crawl.ScrapeOptions{
			Proxy:    crawl.ProxyBasic,
			Features: map[crawl.Feature]bool{crawl.FeatureActions: true},
		},
		FailedReason: "action execution timed out",
		Number:       1,
	}, DefaultBudget())
	require.NoError(t, err)
	require.Equal(t, ActionToggledFeature, next.Action)
	require.Equal(t, crawl.FeatureActions, next.Feature)
	require.Equal(t, 1, next.FeatureToggles)

	// Toggled features stay in the map, disabled.
	enabled, present := next.Options.Features[crawl.FeatureActions]
	require.True(t, present)
	require.False(t, enabled)
	// Proxy untouched when a feature was adjusted.
	require.Equal(t, crawl.ProxyBasic, next.Options.Proxy)
}

func TestNextAttemptRemovesFeatureAfterToggleBudget(t *testing.T) {
	t.Parallel()

	budget := DefaultBudget()
	next, err := NextAttempt(Attempt{
		Options: crawl.ScrapeOptions{
			Features: map[crawl.Feature]bool{crawl.FeatureMobile: true},
		},
		FailedReason:   "mobile emulation crashed",
		Number:         2,
		FeatureToggles: budget.MaxFeatureToggles,
	}, budget)
	require.NoError(t, err)
	require.Equal(t, ActionRemovedFeature, next.Action)
	require.Equal(t, crawl.FeatureMobile, next.Feature)
	require.Equal(t, 1, next.FeatureRemovals)
	require.NotContains(t, next.Options.Features, crawl.FeatureMobile)
}

func TestNextAttemptFallsToProxyWhenFeatureBudgetsSpent(t *testing.T) {
	t.Parallel()

	budget := DefaultBudget()
	next, err := NextAttempt(Attempt{
		Options: crawl.ScrapeOptions{
			Proxy:    crawl.ProxyBasic,
			Features: map[crawl.Feature]bool{crawl.FeatureWaitFor: true},
		},
		FailedReason:    "wait condition never satisfied",
		Number:          3,
		FeatureToggles:  budget.MaxFeatureToggles,
		FeatureRemovals: budget.MaxFeatureRemovals,
	}, budget)
	require.NoError(t, err)
	require.Equal(t, ActionEscalatedProxy, next.Action)
	require.Equal(t, crawl.ProxyStealth, next.Options.Proxy)
	// The suspect feature itself is left alone.
	require.True(t, next.Options.Features[crawl.FeatureWaitFor])
}

func TestNextAttemptIgnoresDisabledSuspect(t *testing.T) {
	t.Parallel()

	next, err := NextAttempt(Attempt{
		Options: crawl.ScrapeOptions{
			Proxy:    crawl.ProxyBasic,
			Features: map[crawl.Feature]bool{crawl.FeatureAdblock: false},
		},
		FailedReason: "adblock rules failed to load",
		Number:       1,
	}, DefaultBudget())
	require.NoError(t, err)
	require.Equal(t, ActionEscalatedProxy, next.Action)
}

func TestNextAttemptPDFPrefetchRetry(t *testing.T) {
	t.Parallel()

	budget := DefaultBudget()
	next, err := NextAttempt(Attempt{
		Options:      crawl.ScrapeOptions{Proxy: crawl.ProxyBasic},
		FailedReason: "pdf prefetch failed: upstream 503",
		Number:       1,
	}, budget)
	require.NoError(t, err)
	require.Equal(t, ActionPrefetchRetry, next.Action)
	require.Equal(t, 1, next.PDFPrefetches)
	// Prefetch retries repeat the attempt unchanged.
	require.Equal(t, crawl.ProxyBasic, next.Options.Proxy)

	_, err = NextAttempt(Attempt{
		Options:       next.Options,
		FailedReason:  "pdf prefetch failed: upstream 503",
		Number:        2,
		PDFPrefetches: next.PDFPrefetches,
	}, budget)
	var giveUp *GiveUpError
	require.ErrorAs(t, err, &giveUp)
	require.Equal(t, "pdf prefetch failed: upstream 503", giveUp.Reason)
}

func TestNextAttemptDocPrefetchBudgetIndependent(t *testing.T) {
	t.Parallel()

	budget := DefaultBudget()
	next, err := NextAttempt(Attempt{
		FailedReason:  "document prefetch failed: conversion error",
		Number:        2,
		PDFPrefetches: budget.MaxPDFPrefetch,
	}, budget)
	require.NoError(t, err)
	require.Equal(t, ActionPrefetchRetry, next.Action)
	require.Equal(t, 1, next.DocPrefetches)
	require.Equal(t, budget.MaxPDFPrefetch, next.PDFPrefetches)
}

func TestNextAttemptTimeoutFloors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		options crawl.ScrapeOptions
		want    time.Duration
	}{
		{
			name: "document format raises explicit timeout",
			options: crawl.ScrapeOptions{
				Formats: []crawl.Format{crawl.FormatDocument},
				Timeout: 30 * time.Second,
			},
			want: 120 * time.Second,
		},
		{
			name: "json format floor",
			options: crawl.ScrapeOptions{
				Formats: []crawl.Format{crawl.FormatJSON},
				Timeout: 10 * time.Second,
			},
			want: 60 * time.Second,
		},
		{
			name: "change tracking floor",
			options: crawl.ScrapeOptions{
				Formats: []crawl.Format{crawl.FormatChangeTracking},
				Timeout: 10 * time.Second,
			},
			want: 60 * time.Second,
		},
		{
			name: "highest floor wins",
			options: crawl.ScrapeOptions{
				Formats: []crawl.Format{crawl.FormatJSON, crawl.FormatDocument},
				Timeout: 10 * time.Second,
			},
			want: 120 * time.Second,
		},
		{
			name: "generous timeout never lowered",
			options: crawl.ScrapeOptions{
				Formats: []crawl.Format{crawl.FormatDocument},
				Timeout: 300 * time.Second,
			},
			want: 300 * time.Second,
		},
		{
			name: "unset timeout stays unset",
			options: crawl.ScrapeOptions{
				Formats: []crawl.Format{crawl.FormatDocument},
			},
			want: 0,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			next, err := NextAttempt(Attempt{
				Options:      tc.options,
				FailedReason: "fetch failed",
				Number:       1,
			}, DefaultBudget())
			require.NoError(t, err)
			require.Equal(t, tc.want, next.Options.Timeout)
		})
	}
}

func TestNextAttemptProxyEscalationRaisesTimeout(t *testing.T) {
	t.Parallel()

	next, err := NextAttempt(Attempt{
		Options: crawl.ScrapeOptions{
			Proxy:   crawl.ProxyBasic,
			Timeout: 10 * time.Second,
		},
		FailedReason: "fetch failed",
		Number:       1,
	}, DefaultBudget())
	require.NoError(t, err)
	require.Equal(t, crawl.ProxyStealth, next.Options.Proxy)
	require.Equal(t, 45*time.Second, next.Options.Timeout)
}

func TestNextAttemptDoesNotMutatePrevious(t *testing.T) {
	t.Parallel()

	opts := crawl.ScrapeOptions{
		Proxy:    crawl.ProxyBasic,
		Features: map[crawl.Feature]bool{crawl.FeatureActions: true},
		Formats:  []crawl.Format{crawl.FormatMarkdown},
	}
	_, err := NextAttempt(Attempt{
		Options:      opts,
		FailedReason: "action blocked by bot check",
		Number:       1,
	}, DefaultBudget())
	require.NoError(t, err)
	require.True(t, opts.Features[crawl.FeatureActions])
	require.Equal(t, crawl.ProxyBasic, opts.Proxy)
}

func TestGiveUpErrorMessageCarriesReason(t *testing.T) {
	t.Parallel()

	var err error = &GiveUpError{Reason: "tls handshake failure"}
	require.Contains(t, err.Error(), "tls handshake failure")

	var giveUp *GiveUpError
	require.True(t, errors.As(err, &giveUp))
}

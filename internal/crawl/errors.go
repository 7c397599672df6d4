package crawl

import "errors"

// ErrNotFound is returned by the durable history store when a job row
// does not exist. Registry and queue lookups signal absence with a nil
// result instead, because expiry there is routine.
var ErrNotFound = errors.New("not found")

// ErrCrawlCancelled is returned when a caller tries to admit new jobs
// into a cancelled crawl.
var ErrCrawlCancelled = errors.New("crawl is cancelled")

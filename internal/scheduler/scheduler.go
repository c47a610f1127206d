// Package scheduler runs deferred retirement tasks. A task is identified only
// by its handle; the scheduler does not know which task is "the" task of an
// alias, callers track that themselves.
package scheduler

import (
	"context"
	"time"
)

const (
	// DefaultStalenessHorizon is how late a task may fire before it is dropped
	DefaultStalenessHorizon = time.Hour
	// DefaultRetryDelay is how long a task whose handler failed waits before
	// it runs again
	DefaultRetryDelay = 5 * time.Second
)

// Handler is invoked with the alias of a task when it fires
type Handler func(ctx context.Context, alias string) error

// Scheduler submits and cancels deferred tasks.
//
// Cancel must be a no-op for handles that already fired, were already
// cancelled, or never existed. Tasks fire no earlier than their time. A task
// whose handler returns an error keeps its handle and runs again after the
// retry delay, until it succeeds, is cancelled or passes the staleness horizon.
type Scheduler interface {
	Schedule(ctx context.Context, alias string, at time.Time) (string, error)
	Cancel(ctx context.Context, handle string) error
	Start(ctx context.Context, handler Handler) error
	Stop()
}

// stale reports whether a task due at due is past the horizon at now
func stale(due, now time.Time, horizon time.Duration) bool {
	return now.Sub(due) > horizon
}

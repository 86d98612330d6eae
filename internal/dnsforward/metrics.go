package dnsforward

import (
	"context"
	"time"
)

// Metrics is the interface for the collection of upstream statistics.
type Metrics interface {
	// ObserveUpstream records the time it took to receive a matched response
	// from the server in slot.
	ObserveUpstream(ctx context.Context, slot Slot, dur time.Duration)

	// IncTimeout increments the number of queries that have timed out on the
	// server in slot.
	IncTimeout(ctx context.Context, slot Slot)

	// IncUnmatched increments the number of dropped upstream responses.
	IncUnmatched(ctx context.Context)

	// IncServFail increments the number of SERVFAIL replies sent after both
	// servers have failed.
	IncServFail(ctx context.Context)
}

// EmptyMetrics is an implementation of [Metrics] that does nothing.
type EmptyMetrics struct{}

// type check
var _ Metrics = EmptyMetrics{}

// ObserveUpstream implements the [Metrics] interface for EmptyMetrics.
func (EmptyMetrics) ObserveUpstream(_ context.Context, _ Slot, _ time.Duration) {}

// IncTimeout implements the [Metrics] interface for EmptyMetrics.
func (EmptyMetrics) IncTimeout(_ context.Context, _ Slot) {}

// IncUnmatched implements the [Metrics] interface for EmptyMetrics.
func (EmptyMetrics) IncUnmatched(_ context.Context) {}

// IncServFail implements the [Metrics] interface for EmptyMetrics.
func (EmptyMetrics) IncServFail(_ context.Context) {}

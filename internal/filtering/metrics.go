package filtering

import (
	"context"
	"time"
)

// Metrics is the interface for the collection of rule-set statistics.
type Metrics interface {
	// SetRuleCount sets the number of domains in the published rule set.
	SetRuleCount(ctx context.Context, n int)

	// ObserveLoad records the duration of a successful rule-set build.
	ObserveLoad(ctx context.Context, dur time.Duration)
}

// EmptyMetrics is an implementation of [Metrics] that does nothing.
type EmptyMetrics struct{}

// type check
var _ Metrics = EmptyMetrics{}

// SetRuleCount implements the [Metrics] interface for EmptyMetrics.
func (EmptyMetrics) SetRuleCount(_ context.Context, _ int) {}

// ObserveLoad implements the [Metrics] interface for EmptyMetrics.
func (EmptyMetrics) ObserveLoad(_ context.Context, _ time.Duration) {}

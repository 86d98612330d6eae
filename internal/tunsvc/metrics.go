package tunsvc

import (
	"context"

	"github.com/carrotproxy/daedalus/internal/dnsforward"
)

// Result is the outcome of the handling of a single packet.
type Result string

// Valid results.
const (
	ResultBlocked    Result = "blocked"
	ResultBypassed   Result = "bypassed"
	ResultForwarded  Result = "forwarded"
	ResultMalformed  Result = "malformed"
	ResultRedirected Result = "redirected"
)

// Metrics is the interface for the collection of session statistics.
type Metrics interface {
	dnsforward.Metrics

	// IncQuery increments the number of packets handled with res.
	IncQuery(ctx context.Context, res Result)
}

// EmptyMetrics is an implementation of [Metrics] that does nothing.
type EmptyMetrics struct {
	dnsforward.EmptyMetrics
}

// type check
var _ Metrics = EmptyMetrics{}

// IncQuery implements the [Metrics] interface for EmptyMetrics.
func (EmptyMetrics) IncQuery(_ context.Context, _ Result) {}

package metrics_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/carrotproxy/daedalus/internal/dnsforward"
	"github.com/carrotproxy/daedalus/internal/metrics"
	"github.com/carrotproxy/daedalus/internal/tunsvc"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics(t *testing.T) {
	t.Parallel()

	m, err := metrics.New()
	require.NoError(t, err)

	ctx := context.Background()

	m.IncQuery(ctx, tunsvc.ResultBlocked)
	m.IncQuery(ctx, tunsvc.ResultBlocked)
	m.IncQuery(ctx, tunsvc.ResultForwarded)
	m.IncTimeout(ctx, dnsforward.SlotPrimary)
	m.IncServFail(ctx)
	m.ObserveUpstream(ctx, dnsforward.SlotSecondary, 10*time.Millisecond)
	m.SetRuleCount(ctx, 42)
	m.ObserveLoad(ctx, time.Second)

	const want = `
# HELP daedalus_tunnel_packets_total Total number of packets read from the tunnel by handling result.
# TYPE daedalus_tunnel_packets_total counter
daedalus_tunnel_packets_total{result="blocked"} 2
daedalus_tunnel_packets_total{result="forwarded"} 1
# HELP daedalus_upstream_timeouts_total Total number of queries not answered in time by the upstream server.
# TYPE daedalus_upstream_timeouts_total counter
daedalus_upstream_timeouts_total{slot="primary"} 1
# HELP daedalus_tunnel_servfail_total Total number of SERVFAIL replies synthesized for the clients.
# TYPE daedalus_tunnel_servfail_total counter
daedalus_tunnel_servfail_total 1
# HELP daedalus_rules_domains Number of domains in the published rule set.
# TYPE daedalus_rules_domains gauge
daedalus_rules_domains 42
`

	err = testutil.GatherAndCompare(
		m.Registry(),
		strings.NewReader(want),
		"daedalus_tunnel_packets_total",
		"daedalus_upstream_timeouts_total",
		"daedalus_tunnel_servfail_total",
		"daedalus_rules_domains",
	)
	require.NoError(t, err)

	n, err := testutil.GatherAndCount(m.Registry(), "daedalus_upstream_response_duration_seconds")
	require.NoError(t, err)

	assert.Equal(t, 1, n)
}

func TestMetrics_Handler(t *testing.T) {
	t.Parallel()

	m, err := metrics.New()
	require.NoError(t, err)

	m.SetRuleCount(context.Background(), 7)

	rw := httptest.NewRecorder()
	m.Handler().ServeHTTP(rw, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rw.Code)
	assert.Contains(t, rw.Body.String(), "daedalus_rules_domains 7")
}

func TestMetrics_sessionAndHeartbeat(t *testing.T) {
	t.Parallel()

	m, err := metrics.New()
	require.NoError(t, err)

	ctx := context.Background()

	m.IncActivation(ctx)
	m.IncActivation(ctx)
	m.IncSubmission(ctx, true)
	m.IncSubmission(ctx, false)
	m.IncSubmission(ctx, false)

	const want = `
# HELP daedalus_session_activations_total Total number of successfully activated tunnel sessions.
# TYPE daedalus_session_activations_total counter
daedalus_session_activations_total 2
# HELP daedalus_heartbeat_submissions_total Total number of token submissions by result.
# TYPE daedalus_heartbeat_submissions_total counter
daedalus_heartbeat_submissions_total{result="error"} 2
daedalus_heartbeat_submissions_total{result="success"} 1
`

	err = testutil.GatherAndCompare(
		m.Registry(),
		strings.NewReader(want),
		"daedalus_session_activations_total",
		"daedalus_heartbeat_submissions_total",
	)
	require.NoError(t, err)
}

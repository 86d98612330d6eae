package dnstest_test

import (
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/AdguardTeam/golibs/logutil/slogutil"
	"github.com/AdguardTeam/golibs/testutil"
	"github.com/carrotproxy/daedalus/internal/dnsserver"
	"github.com/carrotproxy/daedalus/internal/dnstest"
	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testTimeout is the common timeout for tests.
const testTimeout = 1 * time.Second

// refusedDomain is answered with REFUSED by the test server.
const refusedDomain = "refused.example"

// testAddr is the address in the answers of the test server.
var testAddr = netip.MustParseAddr("1.2.3.4")

// startServer starts a local DNS server and returns its description.
func startServer(tb testing.TB) (srv dnsserver.Server) {
	tb.Helper()

	conn, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(tb, err)

	started := make(chan struct{})
	s := &dns.Server{
		PacketConn:        conn,
		NotifyStartedFunc: func() { close(started) },
		Handler: dns.HandlerFunc(func(w dns.ResponseWriter, req *dns.Msg) {
			resp := &dns.Msg{}
			resp.SetReply(req)

			if req.Question[0].Name == dns.Fqdn(refusedDomain) {
				resp.Rcode = dns.RcodeRefused
			} else {
				resp.Answer = []dns.RR{&dns.A{
					Hdr: dns.RR_Header{
						Name:   req.Question[0].Name,
						Rrtype: dns.TypeA,
						Class:  dns.ClassINET,
						Ttl:    60,
					},
					A: testAddr.AsSlice(),
				}}
			}

			_ = w.WriteMsg(resp)
		}),
	}

	go func() { _ = s.ActivateAndServe() }()
	testutil.CleanupAndRequireSuccess(tb, s.Shutdown)

	_, _ = testutil.RequireReceive(tb, started, testTimeout)

	ap := testutil.RequireTypeAssert[*net.UDPAddr](tb, conn.LocalAddr()).AddrPort()

	return dnsserver.Server{
		ID:   "local",
		Addr: ap.Addr(),
		Port: ap.Port(),
	}
}

func TestTester_Test(t *testing.T) {
	t.Parallel()

	srv := startServer(t)
	tester := dnstest.New(&dnstest.Config{
		Logger:  slogutil.NewDiscardLogger(),
		Domains: []string{"good.example", refusedDomain},
		Timeout: testTimeout,
	})

	ctx := testutil.ContextWithTimeout(t, 2*testTimeout)
	results, err := tester.Test(ctx, srv)
	require.NoError(t, err)
	require.Len(t, results, 2)

	good := results[0]
	require.NoError(t, good.Err)

	assert.Equal(t, "good.example", good.Domain)
	assert.Equal(t, []netip.Addr{testAddr}, good.Addrs)
	assert.Positive(t, good.RTT)

	refused := results[1]
	assert.Equal(t, refusedDomain, refused.Domain)
	testutil.AssertErrorMsg(t, "unexpected rcode REFUSED", refused.Err)
	assert.Empty(t, refused.Addrs)
}

func TestDefaultDomains(t *testing.T) {
	t.Parallel()

	assert.Equal(t, []string{
		"google.com",
		"twitter.com",
		"youtube.com",
		"facebook.com",
		"wikipedia.org",
	}, dnstest.DefaultDomains())
}

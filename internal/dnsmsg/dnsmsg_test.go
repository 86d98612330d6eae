package dnsmsg_test

import (
	"net"
	"net/netip"
	"testing"

	"github.com/AdguardTeam/golibs/testutil"
	"github.com/carrotproxy/daedalus/internal/dnsmsg"
	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newReq returns a new query for the given domain and type.
func newReq(domain string, qt uint16) (req *dns.Msg) {
	req = &dns.Msg{}
	req.SetQuestion(dns.Fqdn(domain), qt)
	req.Id = 0x1234

	return req
}

// requireReplyTo checks the header and the question of resp.
func requireReplyTo(tb testing.TB, req, resp *dns.Msg, rcode int) {
	tb.Helper()

	require.NotNil(tb, resp)

	assert.Equal(tb, req.Id, resp.Id)
	assert.Equal(tb, req.Question, resp.Question)
	assert.True(tb, resp.Response)
	assert.True(tb, resp.RecursionAvailable)
	assert.Equal(tb, req.RecursionDesired, resp.RecursionDesired)
	assert.Equal(tb, rcode, resp.Rcode)
}

func TestConstructor_NewBlocked(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name      string
		mode      dnsmsg.BlockingMode
		qt        uint16
		wantAns   net.IP
		wantRcode int
	}{{
		name:      "default",
		mode:      "",
		qt:        dns.TypeA,
		wantAns:   nil,
		wantRcode: dns.RcodeNameError,
	}, {
		name:      "null_ip_a",
		mode:      dnsmsg.BlockingModeNullIP,
		qt:        dns.TypeA,
		wantAns:   net.IPv4zero.To4(),
		wantRcode: dns.RcodeSuccess,
	}, {
		name:      "null_ip_aaaa",
		mode:      dnsmsg.BlockingModeNullIP,
		qt:        dns.TypeAAAA,
		wantAns:   net.IPv6zero,
		wantRcode: dns.RcodeSuccess,
	}, {
		name:      "null_ip_txt",
		mode:      dnsmsg.BlockingModeNullIP,
		qt:        dns.TypeTXT,
		wantAns:   nil,
		wantRcode: dns.RcodeSuccess,
	}, {
		name:      "refused",
		mode:      dnsmsg.BlockingModeREFUSED,
		qt:        dns.TypeA,
		wantAns:   nil,
		wantRcode: dns.RcodeRefused,
	}}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			c := dnsmsg.NewConstructor(&dnsmsg.Config{BlockingMode: tc.mode})
			req := newReq("ads.example.com", tc.qt)

			resp := c.NewBlocked(req)
			requireReplyTo(t, req, resp, tc.wantRcode)

			if tc.wantAns == nil {
				assert.Empty(t, resp.Answer)

				return
			}

			require.Len(t, resp.Answer, 1)

			switch ans := resp.Answer[0].(type) {
			case *dns.A:
				assert.Equal(t, tc.wantAns, ans.A)
			case *dns.AAAA:
				assert.Equal(t, tc.wantAns, ans.AAAA)
			default:
				t.Fatalf("unexpected answer type %T", ans)
			}
		})
	}
}

func TestConstructor_NewRedirect(t *testing.T) {
	t.Parallel()

	c := dnsmsg.NewConstructor(&dnsmsg.Config{TTL: 60})

	v4 := netip.MustParseAddr("1.2.3.4")
	v6 := netip.MustParseAddr("2001:db8::1")

	t.Run("a", func(t *testing.T) {
		t.Parallel()

		req := newReq("good.example.com", dns.TypeA)
		resp, ok := c.NewRedirect(req, v4)
		require.True(t, ok)

		requireReplyTo(t, req, resp, dns.RcodeSuccess)
		require.Len(t, resp.Answer, 1)

		a := testutil.RequireTypeAssert[*dns.A](t, resp.Answer[0])
		assert.Equal(t, net.IP(v4.AsSlice()), a.A)
		assert.Equal(t, uint32(60), a.Hdr.Ttl)
		assert.Equal(t, "good.example.com.", a.Hdr.Name)
	})

	t.Run("aaaa", func(t *testing.T) {
		t.Parallel()

		req := newReq("good.example.com", dns.TypeAAAA)
		resp, ok := c.NewRedirect(req, v6)
		require.True(t, ok)

		requireReplyTo(t, req, resp, dns.RcodeSuccess)
		require.Len(t, resp.Answer, 1)

		aaaa := testutil.RequireTypeAssert[*dns.AAAA](t, resp.Answer[0])
		assert.Equal(t, net.IP(v6.AsSlice()), aaaa.AAAA)
	})

	t.Run("family_mismatch", func(t *testing.T) {
		t.Parallel()

		req := newReq("good.example.com", dns.TypeAAAA)
		resp, ok := c.NewRedirect(req, v4)
		require.True(t, ok)

		requireReplyTo(t, req, resp, dns.RcodeSuccess)
		assert.Empty(t, resp.Answer)
	})

	t.Run("unsupported_type", func(t *testing.T) {
		t.Parallel()

		req := newReq("good.example.com", dns.TypeMX)
		resp, ok := c.NewRedirect(req, v4)
		assert.False(t, ok)
		assert.Nil(t, resp)
	})
}

func TestConstructor_NewServFail(t *testing.T) {
	t.Parallel()

	c := dnsmsg.NewConstructor(&dnsmsg.Config{})
	req := newReq("example.com", dns.TypeA)
	req.RecursionDesired = false

	resp := c.NewServFail(req)
	requireReplyTo(t, req, resp, dns.RcodeServerFailure)

	// The response must survive the wire round trip.
	b, err := resp.Pack()
	require.NoError(t, err)

	got := &dns.Msg{}
	require.NoError(t, got.Unpack(b))

	assert.Equal(t, dns.RcodeServerFailure, got.Rcode)
	assert.Equal(t, req.Id, got.Id)
}

func TestBlockingMode_UnmarshalText(t *testing.T) {
	t.Parallel()

	var m dnsmsg.BlockingMode
	require.NoError(t, m.UnmarshalText([]byte("null_ip")))
	assert.Equal(t, dnsmsg.BlockingModeNullIP, m)

	assert.Error(t, m.UnmarshalText([]byte("custom_ip")))
}

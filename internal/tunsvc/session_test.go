package tunsvc_test

import (
	"context"
	"net"
	"net/netip"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/AdguardTeam/golibs/errors"
	"github.com/AdguardTeam/golibs/logutil/slogutil"
	"github.com/AdguardTeam/golibs/testutil"
	"github.com/carrotproxy/daedalus/internal/dnsforward"
	"github.com/carrotproxy/daedalus/internal/dnsmsg"
	"github.com/carrotproxy/daedalus/internal/dnsserver"
	"github.com/carrotproxy/daedalus/internal/filtering/rulelist"
	"github.com/carrotproxy/daedalus/internal/ippkt"
	"github.com/carrotproxy/daedalus/internal/tun"
	"github.com/carrotproxy/daedalus/internal/tunsvc"
	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Common timeouts for tests.
const (
	testTimeout         = 1 * time.Second
	testUpstreamTimeout = 50 * time.Millisecond
)

// Common addresses for tests.
var (
	testClient   = netip.MustParseAddrPort("10.7.0.2:40000")
	testResolver = netip.MustParseAddrPort("10.7.0.1:53")
)

// fakeDevice is a [tun.Device] for tests backed by channels.
type fakeDevice struct {
	in   chan []byte
	out  chan []byte
	done chan struct{}
	once *sync.Once
}

// newFakeDevice returns a new *fakeDevice.
func newFakeDevice() (d *fakeDevice) {
	return &fakeDevice{
		in:   make(chan []byte, 8),
		out:  make(chan []byte, 8),
		done: make(chan struct{}),
		once: &sync.Once{},
	}
}

// type check
var _ tun.Device = (*fakeDevice)(nil)

// Read implements the [tun.Device] interface for *fakeDevice.
func (d *fakeDevice) Read(b []byte) (n int, err error) {
	select {
	case <-d.done:
		return 0, os.ErrClosed
	case data := <-d.in:
		return copy(b, data), nil
	}
}

// Write implements the [tun.Device] interface for *fakeDevice.
func (d *fakeDevice) Write(b []byte) (n int, err error) {
	select {
	case <-d.done:
		return 0, os.ErrClosed
	case d.out <- append([]byte(nil), b...):
		return len(b), nil
	}
}

// Close implements the [tun.Device] interface for *fakeDevice.
func (d *fakeDevice) Close() (err error) {
	d.once.Do(func() { close(d.done) })

	return nil
}

// Name implements the [tun.Device] interface for *fakeDevice.
func (d *fakeDevice) Name() (name string) { return "faketun0" }

// MTU implements the [tun.Device] interface for *fakeDevice.
func (d *fakeDevice) MTU() (mtu int) { return tun.DefaultMTU }

// fakeTransport is a [tunsvc.UpstreamTransport] for tests.  The answers are
// looked up by slot; slots without an answer never respond.
type fakeTransport struct {
	handler dnsforward.ResponseHandler
	answers map[dnsforward.Slot]netip.Addr
	sent    chan dnsforward.Slot
}

// type check
var _ tunsvc.UpstreamTransport = (*fakeTransport)(nil)

// Start implements the [tunsvc.UpstreamTransport] interface for
// *fakeTransport.
func (t *fakeTransport) Start(_ context.Context) (err error) { return nil }

// Shutdown implements the [tunsvc.UpstreamTransport] interface for
// *fakeTransport.
func (t *fakeTransport) Shutdown(_ context.Context) (err error) { return nil }

// Send implements the [tunsvc.UpstreamTransport] interface for
// *fakeTransport.
func (t *fakeTransport) Send(ctx context.Context, slot dnsforward.Slot, data []byte) (err error) {
	t.sent <- slot

	addr, ok := t.answers[slot]
	if !ok {
		return nil
	}

	req := &dns.Msg{}
	err = req.Unpack(data)
	if err != nil {
		return err
	}

	resp := &dns.Msg{}
	resp.SetReply(req)
	resp.Answer = []dns.RR{&dns.A{
		Hdr: dns.RR_Header{
			Name:   req.Question[0].Name,
			Rrtype: dns.TypeA,
			Class:  dns.ClassINET,
			Ttl:    60,
		},
		A: addr.AsSlice(),
	}}

	respData, err := resp.Pack()
	if err != nil {
		return err
	}

	go t.handler(ctx, slot, respData)

	return nil
}

// mapFilter is a [tunsvc.Filter] for tests.
type mapFilter map[string]rulelist.Result

// type check
var _ tunsvc.Filter = mapFilter(nil)

// Lookup implements the [tunsvc.Filter] interface for mapFilter.
func (f mapFilter) Lookup(domain string) (res rulelist.Result) {
	domain, err := rulelist.NormalizeDomain(domain)
	if err != nil {
		return rulelist.Result{}
	}

	return f[domain]
}

// newTestSession returns a new started session with the given upstream
// answers.
func newTestSession(
	tb testing.TB,
	answers map[dnsforward.Slot]netip.Addr,
) (s *tunsvc.Session, dev *fakeDevice, sent chan dnsforward.Slot) {
	tb.Helper()

	dev = newFakeDevice()
	sent = make(chan dnsforward.Slot, 8)

	s = tunsvc.NewSession(&tunsvc.SessionConfig{
		Logger: slogutil.NewDiscardLogger(),
		Filter: mapFilter{
			"ads.example.com": {Action: rulelist.ActionBlock},
			"good.example.com": {
				Addr:   netip.MustParseAddr("1.2.3.4"),
				Action: rulelist.ActionRedirect,
			},
		},
		Messages: dnsmsg.NewConstructor(&dnsmsg.Config{}),
		OpenDevice: func(_ context.Context) (d tun.Device, err error) {
			return dev, nil
		},
		OpenTransport: func(
			_ context.Context,
			c *dnsforward.UDPTransportConfig,
		) (t tunsvc.UpstreamTransport, err error) {
			return &fakeTransport{
				handler: c.Handler,
				answers: answers,
				sent:    sent,
			}, nil
		},
		Servers: dnsserver.Pair{
			Primary:   dnsserver.Server{ID: "primary", Addr: netip.MustParseAddr("192.0.2.1")},
			Secondary: dnsserver.Server{ID: "secondary", Addr: netip.MustParseAddr("192.0.2.2")},
		},
		UpstreamTimeout: testUpstreamTimeout,
	})

	ctx := testutil.ContextWithTimeout(tb, testTimeout)
	require.NoError(tb, s.Start(ctx))
	testutil.CleanupAndRequireSuccess(tb, func() (err error) {
		return s.Shutdown(testutil.ContextWithTimeout(tb, testTimeout))
	})

	return s, dev, sent
}

// query sends a query for name to dev and returns the decoded reply.
func query(tb testing.TB, dev *fakeDevice, name string) (resp *dns.Msg) {
	tb.Helper()

	req := &dns.Msg{}
	req.SetQuestion(name, dns.TypeA)

	payload, err := req.Pack()
	require.NoError(tb, err)

	data, err := ippkt.NewUDP(testClient, testResolver, payload)
	require.NoError(tb, err)

	testutil.RequireSend(tb, dev.in, data, testTimeout)
	out, ok := testutil.RequireReceive(tb, dev.out, testTimeout)
	require.True(tb, ok)

	pkt, err := ippkt.Decode(out)
	require.NoError(tb, err)

	assert.Equal(tb, testResolver, pkt.Src)
	assert.Equal(tb, testClient, pkt.Dst)

	resp = &dns.Msg{}
	require.NoError(tb, resp.Unpack(pkt.Payload))
	require.Equal(tb, req.Id, resp.Id)

	return resp
}

// requireAnswerA checks that resp contains a single A record with addr.
func requireAnswerA(tb testing.TB, resp *dns.Msg, addr netip.Addr) {
	tb.Helper()

	require.Equal(tb, dns.RcodeSuccess, resp.Rcode)
	require.Len(tb, resp.Answer, 1)

	a := testutil.RequireTypeAssert[*dns.A](tb, resp.Answer[0])
	got, ok := netip.AddrFromSlice(a.A)
	require.True(tb, ok)

	assert.Equal(tb, addr, got.Unmap())
}

func TestSession_blocked(t *testing.T) {
	t.Parallel()

	_, dev, sent := newTestSession(t, nil)

	resp := query(t, dev, "ads.example.com.")
	assert.Equal(t, dns.RcodeNameError, resp.Rcode)
	assert.Empty(t, resp.Answer)
	assert.Empty(t, sent)
}

func TestSession_redirected(t *testing.T) {
	t.Parallel()

	_, dev, sent := newTestSession(t, nil)

	resp := query(t, dev, "good.example.com.")
	requireAnswerA(t, resp, netip.MustParseAddr("1.2.3.4"))
	assert.Empty(t, sent)
}

func TestSession_forwarded(t *testing.T) {
	t.Parallel()

	want := netip.MustParseAddr("9.9.9.9")
	_, dev, sent := newTestSession(t, map[dnsforward.Slot]netip.Addr{
		dnsforward.SlotPrimary: want,
	})

	resp := query(t, dev, "other.example.com.")
	requireAnswerA(t, resp, want)

	slot, ok := testutil.RequireReceive(t, sent, testTimeout)
	require.True(t, ok)

	assert.Equal(t, dnsforward.SlotPrimary, slot)
}

func TestSession_failover(t *testing.T) {
	t.Parallel()

	want := netip.MustParseAddr("5.6.7.8")
	_, dev, sent := newTestSession(t, map[dnsforward.Slot]netip.Addr{
		dnsforward.SlotSecondary: want,
	})

	resp := query(t, dev, "other.example.com.")
	requireAnswerA(t, resp, want)

	for _, wantSlot := range []dnsforward.Slot{dnsforward.SlotPrimary, dnsforward.SlotSecondary} {
		slot, ok := testutil.RequireReceive(t, sent, testTimeout)
		require.True(t, ok)

		assert.Equal(t, wantSlot, slot)
	}
}

func TestSession_servFail(t *testing.T) {
	t.Parallel()

	_, dev, _ := newTestSession(t, nil)

	resp := query(t, dev, "other.example.com.")
	assert.Equal(t, dns.RcodeServerFailure, resp.Rcode)
}

func TestSession_bypass(t *testing.T) {
	t.Parallel()

	dev := newFakeDevice()
	bypassed := make(chan []byte, 1)

	s := tunsvc.NewSession(&tunsvc.SessionConfig{
		Logger:   slogutil.NewDiscardLogger(),
		Filter:   mapFilter{},
		Messages: dnsmsg.NewConstructor(&dnsmsg.Config{}),
		OpenDevice: func(_ context.Context) (d tun.Device, err error) {
			return dev, nil
		},
		OpenTransport: func(
			_ context.Context,
			c *dnsforward.UDPTransportConfig,
		) (t tunsvc.UpstreamTransport, err error) {
			return &fakeTransport{handler: c.Handler, sent: make(chan dnsforward.Slot, 1)}, nil
		},
		Bypass: func(_ context.Context, data []byte) {
			bypassed <- data
		},
	})

	ctx := testutil.ContextWithTimeout(t, testTimeout)
	require.NoError(t, s.Start(ctx))
	testutil.CleanupAndRequireSuccess(t, func() (err error) {
		return s.Shutdown(testutil.ContextWithTimeout(t, testTimeout))
	})

	data, err := ippkt.NewUDP(testClient, netip.MustParseAddrPort("10.7.0.1:443"), []byte("hello"))
	require.NoError(t, err)

	testutil.RequireSend(t, dev.in, data, testTimeout)
	got, ok := testutil.RequireReceive(t, bypassed, testTimeout)
	require.True(t, ok)

	assert.Equal(t, data, got)
}

func TestSession_lifecycle(t *testing.T) {
	t.Parallel()

	s, _, _ := newTestSession(t, nil)
	assert.Equal(t, tunsvc.StateActive, s.State())

	ctx := testutil.ContextWithTimeout(t, testTimeout)
	err := s.Start(ctx)
	assert.ErrorIs(t, err, tunsvc.ErrSessionActive)

	require.NoError(t, s.Shutdown(ctx))
	assert.Equal(t, tunsvc.StateInactive, s.State())

	// Shutting down an inactive session is a no-op.
	require.NoError(t, s.Shutdown(ctx))
}

func TestSession_Start_setupError(t *testing.T) {
	t.Parallel()

	s := tunsvc.NewSession(&tunsvc.SessionConfig{
		Logger:   slogutil.NewDiscardLogger(),
		Filter:   mapFilter{},
		Messages: dnsmsg.NewConstructor(&dnsmsg.Config{}),
		OpenDevice: func(_ context.Context) (d tun.Device, err error) {
			return nil, &net.OpError{Op: "open", Err: os.ErrPermission}
		},
	})

	ctx := testutil.ContextWithTimeout(t, testTimeout)
	err := s.Start(ctx)
	require.ErrorIs(t, err, tunsvc.ErrTunnelSetup)
	assert.ErrorIs(t, err, os.ErrPermission)

	assert.Equal(t, tunsvc.StateInactive, s.State())
}

func TestSession_dnsAddr(t *testing.T) {
	t.Parallel()

	dev := newFakeDevice()
	bypassed := make(chan []byte, 1)

	s := tunsvc.NewSession(&tunsvc.SessionConfig{
		Logger: slogutil.NewDiscardLogger(),
		Filter: mapFilter{
			"ads.example.com": {Action: rulelist.ActionBlock},
		},
		Messages: dnsmsg.NewConstructor(&dnsmsg.Config{}),
		OpenDevice: func(_ context.Context) (d tun.Device, err error) {
			return dev, nil
		},
		OpenTransport: func(
			_ context.Context,
			c *dnsforward.UDPTransportConfig,
		) (t tunsvc.UpstreamTransport, err error) {
			return &fakeTransport{handler: c.Handler, sent: make(chan dnsforward.Slot, 1)}, nil
		},
		Bypass: func(_ context.Context, data []byte) {
			bypassed <- data
		},
		DNSAddr: testResolver.Addr(),
	})

	ctx := testutil.ContextWithTimeout(t, testTimeout)
	require.NoError(t, s.Start(ctx))
	testutil.CleanupAndRequireSuccess(t, func() (err error) {
		return s.Shutdown(testutil.ContextWithTimeout(t, testTimeout))
	})

	resp := query(t, dev, "ads.example.com.")
	assert.Equal(t, dns.RcodeNameError, resp.Rcode)

	req := &dns.Msg{}
	req.SetQuestion("ads.example.com.", dns.TypeA)

	payload, err := req.Pack()
	require.NoError(t, err)

	data, err := ippkt.NewUDP(testClient, netip.MustParseAddrPort("10.7.0.9:53"), payload)
	require.NoError(t, err)

	testutil.RequireSend(t, dev.in, data, testTimeout)
	got, ok := testutil.RequireReceive(t, bypassed, testTimeout)
	require.True(t, ok)

	assert.Equal(t, data, got)
	assert.Empty(t, dev.out)
}

func TestSession_protect(t *testing.T) {
	t.Parallel()

	protected := make(chan int, 2)
	s := tunsvc.NewSession(&tunsvc.SessionConfig{
		Logger:   slogutil.NewDiscardLogger(),
		Filter:   mapFilter{},
		Messages: dnsmsg.NewConstructor(&dnsmsg.Config{}),
		OpenDevice: func(_ context.Context) (d tun.Device, err error) {
			return newFakeDevice(), nil
		},
		Protect: func(fd int) (err error) {
			protected <- fd

			return nil
		},
		Servers: dnsserver.Pair{
			Primary:   dnsserver.Server{ID: "primary", Addr: netip.MustParseAddr("127.0.0.1")},
			Secondary: dnsserver.Server{ID: "secondary", Addr: netip.MustParseAddr("127.0.0.1")},
		},
		UpstreamTimeout: testUpstreamTimeout,
	})

	ctx := testutil.ContextWithTimeout(t, testTimeout)
	require.NoError(t, s.Start(ctx))
	testutil.CleanupAndRequireSuccess(t, func() (err error) {
		return s.Shutdown(testutil.ContextWithTimeout(t, testTimeout))
	})

	for range 2 {
		fd, ok := testutil.RequireReceive(t, protected, testTimeout)
		require.True(t, ok)

		assert.Positive(t, fd)
	}
}

func TestSession_protectError(t *testing.T) {
	t.Parallel()

	const errProtect errors.Error = "cannot protect"

	s := tunsvc.NewSession(&tunsvc.SessionConfig{
		Logger:   slogutil.NewDiscardLogger(),
		Filter:   mapFilter{},
		Messages: dnsmsg.NewConstructor(&dnsmsg.Config{}),
		OpenDevice: func(_ context.Context) (d tun.Device, err error) {
			return newFakeDevice(), nil
		},
		Protect: func(_ int) (err error) {
			return errProtect
		},
		Servers: dnsserver.Pair{
			Primary:   dnsserver.Server{ID: "primary", Addr: netip.MustParseAddr("127.0.0.1")},
			Secondary: dnsserver.Server{ID: "secondary", Addr: netip.MustParseAddr("127.0.0.1")},
		},
		UpstreamTimeout: testUpstreamTimeout,
	})

	err := s.Start(testutil.ContextWithTimeout(t, testTimeout))
	assert.ErrorIs(t, err, errProtect)
	assert.Equal(t, tunsvc.StateInactive, s.State())
}

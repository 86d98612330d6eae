// Package dnstest contains the test of upstream DNS servers that resolves a
// list of well-known domains and measures the round-trip time.
package dnstest

import (
	"context"
	"fmt"
	"log/slog"
	"net/netip"
	"time"

	"github.com/AdguardTeam/dnsproxy/upstream"
	"github.com/AdguardTeam/golibs/errors"
	"github.com/AdguardTeam/golibs/logutil/slogutil"
	"github.com/carrotproxy/daedalus/internal/dnsserver"
	"github.com/miekg/dns"
)

// DefaultTimeout is the default timeout of a single exchange.
const DefaultTimeout = 2 * time.Second

// DefaultDomains returns the domains resolved by default.
func DefaultDomains() (domains []string) {
	return []string{
		"google.com",
		"twitter.com",
		"youtube.com",
		"facebook.com",
		"wikipedia.org",
	}
}

// Result is the result of the resolution of a single domain.
type Result struct {
	// Err is the error of the resolution, if any.
	Err error

	// Domain is the resolved domain.
	Domain string

	// Addrs are the addresses from the answer section.
	Addrs []netip.Addr

	// RTT is the time of the exchange.
	RTT time.Duration
}

// Config is the configuration of a [Tester].
type Config struct {
	// Logger is used to log the exchanges.  It must not be nil.
	Logger *slog.Logger

	// Domains are the domains to resolve.  If empty, [DefaultDomains] is
	// used.
	Domains []string

	// Timeout is the timeout of a single exchange.  If zero,
	// [DefaultTimeout] is used.
	Timeout time.Duration
}

// Tester tests the upstream servers.
type Tester struct {
	logger  *slog.Logger
	domains []string
	timeout time.Duration
}

// New returns a new properly initialized *Tester.  c must not be nil.
func New(c *Config) (t *Tester) {
	t = &Tester{
		logger:  c.Logger,
		domains: c.Domains,
		timeout: c.Timeout,
	}

	if len(t.domains) == 0 {
		t.domains = DefaultDomains()
	}

	if t.timeout == 0 {
		t.timeout = DefaultTimeout
	}

	return t
}

// Test resolves the domains of t using srv.  err is only returned if the
// server address is not usable; the errors of the resolutions are in
// results.
func (t *Tester) Test(ctx context.Context, srv dnsserver.Server) (results []*Result, err error) {
	addr := "udp://" + srv.AddrPort().String()
	ups, err := upstream.AddressToUpstream(addr, &upstream.Options{
		Logger:  t.logger.With(slogutil.KeyPrefix, "upstream"),
		Timeout: t.timeout,
	})
	if err != nil {
		return nil, fmt.Errorf("creating upstream for %s: %w", srv, err)
	}
	defer func() { err = errors.WithDeferred(err, ups.Close()) }()

	l := t.logger.With("server", srv.ID)
	for _, d := range t.domains {
		if ctx.Err() != nil {
			return results, ctx.Err()
		}

		res := t.resolve(ups, d)
		if res.Err != nil {
			l.WarnContext(ctx, "test query failed", "domain", d, slogutil.KeyError, res.Err)
		} else {
			l.DebugContext(ctx, "test query", "domain", d, "rtt", res.RTT, "addrs", res.Addrs)
		}

		results = append(results, res)
	}

	return results, nil
}

// resolve sends a single A query for domain.
func (t *Tester) resolve(ups upstream.Upstream, domain string) (res *Result) {
	res = &Result{
		Domain: domain,
	}

	req := &dns.Msg{
		MsgHdr: dns.MsgHdr{
			Id:               dns.Id(),
			RecursionDesired: true,
		},
		Question: []dns.Question{{
			Name:   dns.Fqdn(domain),
			Qtype:  dns.TypeA,
			Qclass: dns.ClassINET,
		}},
	}

	start := time.Now()
	resp, err := ups.Exchange(req)
	res.RTT = time.Since(start)
	if err != nil {
		res.Err = fmt.Errorf("exchanging: %w", err)

		return res
	}

	if resp.Rcode != dns.RcodeSuccess {
		res.Err = fmt.Errorf("unexpected rcode %s", dns.RcodeToString[resp.Rcode])

		return res
	}

	for _, rr := range resp.Answer {
		a, ok := rr.(*dns.A)
		if !ok {
			continue
		}

		if ip, ok := netip.AddrFromSlice(a.A); ok {
			res.Addrs = append(res.Addrs, ip.Unmap())
		}
	}

	return res
}

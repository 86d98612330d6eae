// Package dnsmsg contains the construction of locally synthesized DNS
// responses.
package dnsmsg

import (
	"encoding"
	"fmt"
	"net/netip"
	"slices"

	"github.com/AdguardTeam/golibs/errors"
	"github.com/miekg/dns"
)

// BlockingMode is the way blocked queries are answered.
type BlockingMode string

// Valid blocking modes.
const (
	// BlockingModeNXDOMAIN answers with the NXDOMAIN response code.
	BlockingModeNXDOMAIN BlockingMode = "nxdomain"

	// BlockingModeNullIP answers A queries with 0.0.0.0 and AAAA queries with
	// ::.  Queries of other types get an empty NOERROR response.
	BlockingModeNullIP BlockingMode = "null_ip"

	// BlockingModeREFUSED answers with the REFUSED response code.
	BlockingModeREFUSED BlockingMode = "refused"
)

// type check
var _ encoding.TextUnmarshaler = (*BlockingMode)(nil)

// UnmarshalText implements the [encoding.TextUnmarshaler] interface for
// *BlockingMode.
func (m *BlockingMode) UnmarshalText(b []byte) (err error) {
	switch v := BlockingMode(b); v {
	case BlockingModeNXDOMAIN, BlockingModeNullIP, BlockingModeREFUSED:
		*m = v

		return nil
	default:
		return fmt.Errorf("blocking mode: %w: %q", errors.ErrBadEnumValue, b)
	}
}

// DefaultTTL is the default TTL of synthesized records, in seconds.
const DefaultTTL uint32 = 10

// Config is the configuration of a [Constructor].
type Config struct {
	// BlockingMode is the way blocked queries are answered.  If empty,
	// [BlockingModeNXDOMAIN] is used.
	BlockingMode BlockingMode

	// TTL is the TTL of synthesized records.  If zero, [DefaultTTL] is used.
	TTL uint32
}

// Constructor creates DNS responses.  It is safe for concurrent use.
type Constructor struct {
	blockingMode BlockingMode
	ttl          uint32
}

// NewConstructor returns a new properly initialized *Constructor.  c must not
// be nil.
func NewConstructor(c *Config) (cons *Constructor) {
	cons = &Constructor{
		blockingMode: c.BlockingMode,
		ttl:          c.TTL,
	}

	if cons.blockingMode == "" {
		cons.blockingMode = BlockingModeNXDOMAIN
	}

	if cons.ttl == 0 {
		cons.ttl = DefaultTTL
	}

	return cons
}

// NewReply returns a response to req with the given response code.  The ID,
// the opcode, the RD bit, and the whole question section of req are kept.
func (c *Constructor) NewReply(req *dns.Msg, rcode int) (resp *dns.Msg) {
	resp = &dns.Msg{
		MsgHdr: dns.MsgHdr{
			RecursionAvailable: true,
		},
		Compress: true,
	}

	resp.SetRcode(req, rcode)
	resp.Question = slices.Clone(req.Question)

	return resp
}

// NewBlocked returns a response to the blocked query req according to the
// blocking mode.  req must have a question.
func (c *Constructor) NewBlocked(req *dns.Msg) (resp *dns.Msg) {
	switch c.blockingMode {
	case BlockingModeNullIP:
		switch req.Question[0].Qtype {
		case dns.TypeA:
			return c.newAddrReply(req, netip.IPv4Unspecified())
		case dns.TypeAAAA:
			return c.newAddrReply(req, netip.IPv6Unspecified())
		default:
			return c.NewReply(req, dns.RcodeSuccess)
		}
	case BlockingModeREFUSED:
		return c.NewReply(req, dns.RcodeRefused)
	default:
		return c.NewReply(req, dns.RcodeNameError)
	}
}

// NewRedirect returns a response to req with addr as the answer.  ok is false
// if the type of the query cannot be answered with an address, in which case
// the query should be forwarded.  If the family of addr does not match the
// type of the query, the response is empty.  req must have a question.
func (c *Constructor) NewRedirect(req *dns.Msg, addr netip.Addr) (resp *dns.Msg, ok bool) {
	addr = addr.Unmap()

	switch qt := req.Question[0].Qtype; {
	case qt == dns.TypeA && addr.Is4(), qt == dns.TypeAAAA && addr.Is6():
		return c.newAddrReply(req, addr), true
	case qt == dns.TypeA, qt == dns.TypeAAAA:
		return c.NewReply(req, dns.RcodeSuccess), true
	default:
		return nil, false
	}
}

// NewServFail returns a SERVFAIL response to req.
func (c *Constructor) NewServFail(req *dns.Msg) (resp *dns.Msg) {
	return c.NewReply(req, dns.RcodeServerFailure)
}

// newAddrReply returns a successful response to req with a single address
// record.  The family of addr must match the type of the question.
func (c *Constructor) newAddrReply(req *dns.Msg, addr netip.Addr) (resp *dns.Msg) {
	resp = c.NewReply(req, dns.RcodeSuccess)

	q := req.Question[0]
	hdr := dns.RR_Header{
		Name:   q.Name,
		Rrtype: q.Qtype,
		Class:  dns.ClassINET,
		Ttl:    c.ttl,
	}

	if addr.Is4() {
		resp.Answer = append(resp.Answer, &dns.A{Hdr: hdr, A: addr.AsSlice()})
	} else {
		resp.Answer = append(resp.Answer, &dns.AAAA{Hdr: hdr, AAAA: addr.AsSlice()})
	}

	return resp
}

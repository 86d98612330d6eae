// Package rulelist contains the parsing of hosts-file and dnsmasq rule lists
// and the immutable rule set built from them.
package rulelist

import (
	"encoding"
	"fmt"
	"net/netip"

	"github.com/AdguardTeam/golibs/errors"
	"github.com/c2h5oh/datasize"
)

// DefaultRuleBufSize is the default length of a buffer used to read a line with
// a rule, in bytes.
const DefaultRuleBufSize = 1024

// MaxRuleLen is the maximum length of a line with a rule, in bytes.  Longer
// lines abort the parsing of the file.
const MaxRuleLen = 64 * int(datasize.KB)

// DefaultMaxFileSize is the default maximum size of a single rule file.
const DefaultMaxFileSize = 64 * datasize.MB

// Format is the declared format of a rule file.
type Format string

// Valid formats.
const (
	FormatHosts   Format = "hosts"
	FormatDnsmasq Format = "dnsmasq"
)

// type check
var _ encoding.TextUnmarshaler = (*Format)(nil)

// UnmarshalText implements the [encoding.TextUnmarshaler] interface for
// *Format.
func (f *Format) UnmarshalText(b []byte) (err error) {
	switch v := Format(b); v {
	case FormatHosts, FormatDnsmasq:
		*f = v

		return nil
	default:
		return fmt.Errorf("rule file format: %w: %q", errors.ErrBadEnumValue, b)
	}
}

// Action is the action a rule prescribes for a domain.
type Action uint8

// Valid actions.
const (
	// ActionPassthrough means that the query is forwarded upstream.  It is
	// also the result of a lookup for a domain that has no rule.
	ActionPassthrough Action = iota

	// ActionBlock means that the query is answered locally with a blocked
	// response.
	ActionBlock

	// ActionRedirect means that the query is answered locally with the
	// address of the rule.
	ActionRedirect
)

// type check
var _ fmt.Stringer = ActionPassthrough

// String implements the [fmt.Stringer] interface for Action.
func (a Action) String() (s string) {
	switch a {
	case ActionPassthrough:
		return "passthrough"
	case ActionBlock:
		return "block"
	case ActionRedirect:
		return "redirect"
	default:
		return fmt.Sprintf("!bad_action_%d", a)
	}
}

// Entry is a single parsed rule.  It must not be modified after it has been
// added to a [Set].
type Entry struct {
	// Addr is the address to answer with.  It is only valid for
	// [ActionRedirect].
	Addr netip.Addr

	// Domain is the normalized domain name the rule applies to.  It is the
	// match key of the rule.
	Domain string

	// Source is the name of the file the rule comes from.
	Source string

	// Action is the action of the rule.
	Action Action
}

// Result returns the lookup result for e.
func (e *Entry) Result() (res Result) {
	return Result{
		Addr:   e.Addr,
		Source: e.Source,
		Action: e.Action,
	}
}

// Result is the result of a rule lookup.  The zero value is a passthrough
// result.
type Result struct {
	// Addr is the address to answer with for [ActionRedirect].
	Addr netip.Addr

	// Source is the name of the file of the matched rule, if any.
	Source string

	// Action is the action to take.
	Action Action
}

// DefaultNullAddrs returns the addresses that hosts-file rules use to block a
// domain.
func DefaultNullAddrs() (addrs []netip.Addr) {
	return []netip.Addr{
		netip.IPv4Unspecified(),
		netip.AddrFrom4([4]byte{127, 0, 0, 1}),
		netip.IPv6Unspecified(),
		netip.IPv6Loopback(),
	}
}

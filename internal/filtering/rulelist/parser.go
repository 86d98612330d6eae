package rulelist

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/netip"
	"strings"

	"github.com/AdguardTeam/golibs/container"
	"github.com/AdguardTeam/golibs/errors"
	"github.com/AdguardTeam/golibs/logutil/slogutil"
	"github.com/AdguardTeam/golibs/netutil"
)

// ctxCheckLines is the number of lines between checks of the parsing context.
const ctxCheckLines = 1024

// ParserConfig is the configuration of a [Parser].
type ParserConfig struct {
	// Logger is used to log skipped lines.  It must not be nil.
	Logger *slog.Logger

	// NullAddrs are the addresses that make a hosts-file rule a blocking one.
	// If empty, [DefaultNullAddrs] are used.
	NullAddrs []netip.Addr

	// Source is the name of the parsed file.
	Source string

	// Format is the declared format of the parsed file.  It must be valid.
	Format Format
}

// Parser parses the lines of a single rule file of one format.
type Parser struct {
	logger    *slog.Logger
	nullAddrs *container.MapSet[netip.Addr]
	source    string
	format    Format
}

// NewParser returns a new rule parser.  c must not be nil and must be valid.
func NewParser(c *ParserConfig) (p *Parser) {
	nullAddrs := c.NullAddrs
	if len(nullAddrs) == 0 {
		nullAddrs = DefaultNullAddrs()
	}

	return &Parser{
		logger:    c.Logger,
		nullAddrs: container.NewMapSet(nullAddrs...),
		source:    c.Source,
		format:    c.Format,
	}
}

// ParseResult contains the statistics of parsing a rule file by
// [Parser.Parse].
type ParseResult struct {
	// Rules is the number of entries produced.  A hosts-file line with
	// several names produces several entries.
	Rules int

	// Skipped is the number of lines that could not be parsed.
	Skipped int
}

// Parse reads src line by line using buf and calls add for every parsed
// entry.  Lines that cannot be parsed are logged and skipped.  err is only
// returned if reading fails or ctx is canceled.  res is never nil.
func (p *Parser) Parse(
	ctx context.Context,
	src io.Reader,
	buf []byte,
	add func(e *Entry),
) (res *ParseResult, err error) {
	res = &ParseResult{}

	s := bufio.NewScanner(src)
	s.Buffer(buf, MaxRuleLen)

	lineNum := 0
	for s.Scan() {
		lineNum++
		if lineNum%ctxCheckLines == 0 {
			if err = ctx.Err(); err != nil {
				return res, fmt.Errorf("parsing %q: %w", p.source, err)
			}
		}

		entries, lineErr := p.ParseLine(ctx, s.Bytes())
		if lineErr != nil {
			res.Skipped++
			p.logger.WarnContext(
				ctx,
				"skipping rule",
				slogutil.KeyError, &ParseError{
					Err:    lineErr,
					Source: p.source,
					Line:   lineNum,
				},
			)

			continue
		}

		for _, e := range entries {
			add(e)
		}

		res.Rules += len(entries)
	}

	return res, errors.Annotate(s.Err(), "scanning %q: %w", p.source)
}

// ParseLine parses a single line.  entries is empty for blank lines and
// comments.
func (p *Parser) ParseLine(ctx context.Context, line []byte) (entries []*Entry, err error) {
	trimmed := bytes.TrimSpace(line)
	if len(trimmed) == 0 || trimmed[0] == '#' {
		return nil, nil
	}

	switch p.format {
	case FormatHosts:
		return p.parseHosts(ctx, trimmed)
	case FormatDnsmasq:
		return p.parseDnsmasq(string(trimmed))
	default:
		panic(fmt.Errorf("rulelist: format: %w: %q", errors.ErrBadEnumValue, p.format))
	}
}

// parseHosts parses a trimmed hosts-file line.  Invalid names are skipped,
// the line is only rejected if none of its names are valid.
func (p *Parser) parseHosts(ctx context.Context, line []byte) (entries []*Entry, err error) {
	if i := bytes.IndexByte(line, '#'); i >= 0 {
		line = line[:i]
	}

	fields := strings.Fields(string(line))
	if len(fields) == 0 {
		return nil, nil
	}

	addr, err := netip.ParseAddr(fields[0])
	if err != nil {
		// Don't wrap the error, because it's informative enough as is.
		return nil, err
	}

	action := ActionRedirect
	addr = addr.Unmap()
	if p.nullAddrs.Has(addr) {
		action, addr = ActionBlock, netip.Addr{}
	}

	names := fields[1:]
	entries = make([]*Entry, 0, len(names))
	for i, name := range names {
		domain, nameErr := NormalizeDomain(name)
		if nameErr != nil {
			p.logger.DebugContext(
				ctx,
				"skipping hosts name",
				"source", p.source,
				"idx", i,
				slogutil.KeyError, nameErr,
			)

			continue
		}

		entries = append(entries, &Entry{
			Addr:   addr,
			Domain: domain,
			Source: p.source,
			Action: action,
		})
	}

	if len(entries) == 0 {
		return nil, fmt.Errorf("hosts: %w", ErrNoDomains)
	}

	return entries, nil
}

// parseDnsmasq parses a trimmed dnsmasq line.  Only the address and server
// directives are supported.
func (p *Parser) parseDnsmasq(line string) (entries []*Entry, err error) {
	if i := strings.IndexByte(line, '#'); i > 0 && line[i-1] != '/' {
		line = strings.TrimSpace(line[:i])
	}

	key, val, ok := strings.Cut(line, "=")
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownDirective, line)
	}

	key = strings.TrimSpace(key)
	switch key {
	case "address", "server":
		// Go on.
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownDirective, key)
	}

	domains, target, err := splitDnsmasqValue(strings.TrimSpace(val))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", key, err)
	}

	action, addr := ActionPassthrough, netip.Addr{}
	if key == "address" {
		action, addr, err = addressAction(target)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", key, err)
		}
	}

	entries = make([]*Entry, 0, len(domains))
	for _, d := range domains {
		var domain string
		domain, err = NormalizeDomain(d)
		if err != nil {
			return nil, fmt.Errorf("%s: domain %q: %w", key, d, err)
		}

		entries = append(entries, &Entry{
			Addr:   addr,
			Domain: domain,
			Source: p.source,
			Action: action,
		})
	}

	return entries, nil
}

// splitDnsmasqValue splits a value of the form "/d1/d2/target" into the
// domains and the target.  target may be empty.
func splitDnsmasqValue(val string) (domains []string, target string, err error) {
	if !strings.HasPrefix(val, "/") {
		return nil, "", fmt.Errorf("value %q: %w", val, ErrNoDomains)
	}

	parts := strings.Split(val[1:], "/")
	if len(parts) < 2 {
		return nil, "", fmt.Errorf("value %q: %w", val, ErrNoDomains)
	}

	return parts[:len(parts)-1], parts[len(parts)-1], nil
}

// addressAction returns the action of an address directive with the given
// target.
func addressAction(target string) (action Action, addr netip.Addr, err error) {
	if target == "" || target == "#" {
		return ActionBlock, netip.Addr{}, nil
	}

	addr, err = netip.ParseAddr(target)
	if err != nil {
		// Don't wrap the error, because it's informative enough as is.
		return ActionPassthrough, netip.Addr{}, err
	}

	return ActionRedirect, addr.Unmap(), nil
}

// NormalizeDomain returns the match key for name: lowercased and without the
// trailing dot.
func NormalizeDomain(name string) (domain string, err error) {
	domain = strings.ToLower(strings.TrimSpace(name))
	domain = strings.TrimSuffix(domain, ".")
	if domain == "" {
		return "", ErrEmptyDomain
	}

	err = netutil.ValidateDomainName(domain)
	if err != nil {
		// Don't wrap the error, because it's informative enough as is.
		return "", err
	}

	return domain, nil
}

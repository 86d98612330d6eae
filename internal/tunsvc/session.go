// Package tunsvc contains the tunnel session that reads the DNS queries from
// the virtual interface, answers them from the rules, and forwards the rest
// upstream.
package tunsvc

import (
	"context"
	"fmt"
	"log/slog"
	"net/netip"
	"slices"
	"sync"
	"syscall"
	"time"

	"github.com/AdguardTeam/golibs/errors"
	"github.com/AdguardTeam/golibs/logutil/slogutil"
	"github.com/AdguardTeam/golibs/service"
	"github.com/carrotproxy/daedalus/internal/dnsforward"
	"github.com/carrotproxy/daedalus/internal/dnsmsg"
	"github.com/carrotproxy/daedalus/internal/dnsserver"
	"github.com/carrotproxy/daedalus/internal/filtering/rulelist"
	"github.com/carrotproxy/daedalus/internal/ippkt"
	"github.com/carrotproxy/daedalus/internal/tun"
	"github.com/google/uuid"
	"github.com/miekg/dns"
)

const (
	// ErrSessionActive is returned by [Session.Start] if the session is not
	// inactive.
	ErrSessionActive errors.Error = "session is already active"

	// ErrTunnelSetup is returned by [Session.Start] if the device cannot be
	// opened.
	ErrTunnelSetup errors.Error = "tunnel setup failed"
)

// State is the lifecycle state of a [Session].
type State uint8

// Valid states.
const (
	StateInactive State = iota
	StateStarting
	StateActive
	StateStopping
)

// type check
var _ fmt.Stringer = StateInactive

// String implements the [fmt.Stringer] interface for State.
func (s State) String() (str string) {
	switch s {
	case StateInactive:
		return "inactive"
	case StateStarting:
		return "starting"
	case StateActive:
		return "active"
	case StateStopping:
		return "stopping"
	default:
		return fmt.Sprintf("!bad_state_%d", s)
	}
}

// Filter returns the rule result for a domain.  It must be safe for
// concurrent use.
type Filter interface {
	Lookup(domain string) (res rulelist.Result)
}

// UpstreamTransport is the transport of the queries forwarded upstream.
type UpstreamTransport interface {
	dnsforward.Transport
	service.Interface
}

// DeviceOpener opens the device of a session.
type DeviceOpener func(ctx context.Context) (d tun.Device, err error)

// TransportOpener opens the upstream transport of a session.
type TransportOpener func(
	ctx context.Context,
	c *dnsforward.UDPTransportConfig,
) (t UpstreamTransport, err error)

// BypassHandler handles the packets that are not DNS queries.
type BypassHandler func(ctx context.Context, data []byte)

// SessionConfig is the configuration of a [Session].
type SessionConfig struct {
	// Logger is used to log the operation of the session.  It must not be
	// nil.
	Logger *slog.Logger

	// Filter is used to look up the rules.  It must not be nil.
	Filter Filter

	// Messages constructs the local responses.  It must not be nil.
	Messages *dnsmsg.Constructor

	// Metrics is used to count the queries.  If nil, [EmptyMetrics] is used.
	Metrics Metrics

	// OpenDevice opens the device.  It must not be nil.
	OpenDevice DeviceOpener

	// OpenTransport opens the upstream transport.  If nil, a
	// [dnsforward.UDPTransport] is used.
	OpenTransport TransportOpener

	// Bypass handles the packets that are not DNS queries.  If nil, such
	// packets are dropped.
	Bypass BypassHandler

	// DNSAddr, if valid, is the only destination address of the handled DNS
	// queries.  Queries to other addresses are passed to Bypass.
	DNSAddr netip.Addr

	// Protect, if not nil, is called with the descriptors of the upstream
	// sockets to exclude them from the tunnel.
	Protect func(fd int) (err error)

	// Servers are the upstream servers of the session.
	Servers dnsserver.Pair

	// UpstreamTimeout is the time to wait for a single upstream server.
	UpstreamTimeout time.Duration
}

// Session is a single activation of the tunnel.  A session can be started
// again after it has been shut down.
type Session struct {
	logger        *slog.Logger
	filter        Filter
	messages      *dnsmsg.Constructor
	metrics       Metrics
	openDevice    DeviceOpener
	openTransport TransportOpener
	bypass        BypassHandler
	protect       func(fd int) (err error)
	dnsAddr       netip.Addr
	servers       dnsserver.Pair
	timeout       time.Duration

	// mu protects the fields below.
	mu        *sync.Mutex
	dev       tun.Device
	corr      *dnsforward.Correlator
	transport UpstreamTransport
	cancel    context.CancelFunc
	wg        *sync.WaitGroup
	id        string
	state     State

	// writeMu serializes the writes to the device.
	writeMu *sync.Mutex
}

// NewSession returns a new inactive session.  c must not be nil and must be
// valid.
func NewSession(c *SessionConfig) (s *Session) {
	s = &Session{
		logger:        c.Logger,
		filter:        c.Filter,
		messages:      c.Messages,
		metrics:       c.Metrics,
		openDevice:    c.OpenDevice,
		openTransport: c.OpenTransport,
		bypass:        c.Bypass,
		protect:       c.Protect,
		dnsAddr:       c.DNSAddr,
		servers:       c.Servers,
		timeout:       c.UpstreamTimeout,
		mu:            &sync.Mutex{},
		wg:            &sync.WaitGroup{},
		writeMu:       &sync.Mutex{},
		state:         StateInactive,
	}

	if s.metrics == nil {
		s.metrics = EmptyMetrics{}
	}

	if s.openTransport == nil {
		s.openTransport = openUDPTransport
	}

	return s
}

// openUDPTransport is the default [TransportOpener].
func openUDPTransport(
	ctx context.Context,
	c *dnsforward.UDPTransportConfig,
) (t UpstreamTransport, err error) {
	return dnsforward.NewUDPTransport(ctx, c)
}

// type check
var _ service.Interface = (*Session)(nil)

// Start implements the [service.Interface] interface for *Session.  If the
// device cannot be opened, the returned error wraps [ErrTunnelSetup] and the
// session stays inactive.
func (s *Session) Start(ctx context.Context) (err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateInactive {
		return fmt.Errorf("starting session: %w: %s", ErrSessionActive, s.state)
	}

	s.state = StateStarting
	defer func() {
		if err != nil {
			s.state = StateInactive
		}
	}()

	id, err := uuid.NewV7()
	if err != nil {
		return fmt.Errorf("generating session id: %w", err)
	}

	s.id = id.String()
	l := s.logger.With("session", s.id)

	dev, err := s.openDevice(ctx)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrTunnelSetup, err)
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	defer func() {
		if err != nil {
			cancel()
			err = errors.WithDeferred(err, dev.Close())
		}
	}()

	err = s.startUpstream(runCtx, l, dev)
	if err != nil {
		// Don't wrap the error, because it's informative enough as is.
		return err
	}

	s.dev, s.cancel = dev, cancel
	s.state = StateActive

	s.wg.Add(1)
	go s.readLoop(runCtx, l, dev)

	l.InfoContext(
		ctx,
		"session started",
		"device", dev.Name(),
		"primary", s.servers.Primary,
		"secondary", s.servers.Secondary,
	)

	return nil
}

// startUpstream opens the transport and starts the correlator.  s.mu must be
// locked.
func (s *Session) startUpstream(ctx context.Context, l *slog.Logger, dev tun.Device) (err error) {
	var corr *dnsforward.Correlator
	transport, err := s.openTransport(ctx, &dnsforward.UDPTransportConfig{
		Logger: l.With(slogutil.KeyPrefix, "dnsforward"),
		Handler: func(ctx context.Context, slot dnsforward.Slot, data []byte) {
			corr.HandleResponse(ctx, slot, data)
		},
		Control:   s.control(),
		Primary:   s.servers.Primary.AddrPort(),
		Secondary: s.servers.Secondary.AddrPort(),
	})
	if err != nil {
		return fmt.Errorf("opening upstream transport: %w", err)
	}

	corr = dnsforward.NewCorrelator(&dnsforward.Config{
		Logger:    l.With(slogutil.KeyPrefix, "dnsforward"),
		Transport: transport,
		Responder: &responder{session: s, dev: dev},
		Messages:  s.messages,
		Metrics:   s.metrics,
		Timeout:   s.timeout,
	})

	err = errors.Join(corr.Start(ctx), transport.Start(ctx))
	if err != nil {
		return errors.WithDeferred(
			fmt.Errorf("starting upstream: %w", err),
			errors.Join(transport.Shutdown(ctx), corr.Shutdown(ctx)),
		)
	}

	s.corr, s.transport = corr, transport

	return nil
}

// control returns the socket control function protecting the sockets, if
// needed.
func (s *Session) control() (f func(network, address string, c syscall.RawConn) (err error)) {
	if s.protect == nil {
		return nil
	}

	return func(_, _ string, c syscall.RawConn) (err error) {
		ctrlErr := c.Control(func(fd uintptr) {
			err = s.protect(int(fd))
		})

		return errors.Join(ctrlErr, err)
	}
}

// Shutdown implements the [service.Interface] interface for *Session.  Pending
// upstream queries are dropped without replies.
func (s *Session) Shutdown(ctx context.Context) (err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateActive {
		return nil
	}

	s.state = StateStopping
	defer func() { s.state = StateInactive }()

	s.cancel()
	errs := []error{s.dev.Close()}

	// Wait for the read loop so that no query is dispatched after the
	// upstream is stopped.
	s.wg.Wait()

	errs = append(errs, s.transport.Shutdown(ctx), s.corr.Shutdown(ctx))

	s.logger.InfoContext(ctx, "session stopped", "session", s.id)

	s.dev, s.corr, s.transport, s.cancel = nil, nil, nil, nil

	return errors.Annotate(errors.Join(errs...), "stopping session: %w")
}

// State returns the current state of s.
func (s *Session) State() (st State) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.state
}

// readLoop reads and handles the packets from dev until it is closed.  It is
// intended to be used as a goroutine.
func (s *Session) readLoop(ctx context.Context, l *slog.Logger, dev tun.Device) {
	defer s.wg.Done()
	defer slogutil.RecoverAndLog(ctx, l)

	buf := make([]byte, dev.MTU())
	for {
		n, err := dev.Read(buf)
		if err != nil {
			if ctx.Err() == nil {
				l.ErrorContext(ctx, "reading from device", slogutil.KeyError, err)
			}

			return
		}

		s.handlePacket(ctx, l, dev, slices.Clone(buf[:n]))
	}
}

// handlePacket handles a single packet read from dev.
func (s *Session) handlePacket(ctx context.Context, l *slog.Logger, dev tun.Device, data []byte) {
	pkt, err := ippkt.Decode(data)
	if err != nil || !s.isQuery(pkt) {
		s.metrics.IncQuery(ctx, ResultBypassed)
		if s.bypass != nil {
			s.bypass(ctx, data)
		}

		return
	}

	req := &dns.Msg{}
	err = req.Unpack(pkt.Payload)
	if err != nil || req.Response || len(req.Question) == 0 {
		s.metrics.IncQuery(ctx, ResultMalformed)
		l.DebugContext(ctx, "dropping malformed query", "src", pkt.Src, slogutil.KeyError, err)

		return
	}

	res := s.filter.Lookup(req.Question[0].Name)
	switch res.Action {
	case rulelist.ActionBlock:
		s.metrics.IncQuery(ctx, ResultBlocked)
		s.reply(ctx, l, dev, pkt, s.messages.NewBlocked(req))
	case rulelist.ActionRedirect:
		resp, ok := s.messages.NewRedirect(req, res.Addr)
		if ok {
			s.metrics.IncQuery(ctx, ResultRedirected)
			s.reply(ctx, l, dev, pkt, resp)

			return
		}

		s.forward(ctx, l, dev, pkt, req)
	default:
		s.forward(ctx, l, dev, pkt, req)
	}
}

// isQuery returns true if pkt is a DNS query to be handled by s.
func (s *Session) isQuery(pkt *ippkt.Packet) (ok bool) {
	if !pkt.IsDNS() {
		return false
	}

	return !s.dnsAddr.IsValid() || pkt.Dst.Addr() == s.dnsAddr
}

// forward sends req upstream and replies with SERVFAIL if it cannot be
// tracked.
func (s *Session) forward(
	ctx context.Context,
	l *slog.Logger,
	dev tun.Device,
	pkt *ippkt.Packet,
	req *dns.Msg,
) {
	s.metrics.IncQuery(ctx, ResultForwarded)

	err := s.corr.Dispatch(ctx, pkt, req)
	if err != nil {
		l.WarnContext(ctx, "forwarding query", slogutil.KeyError, err)
		s.metrics.IncServFail(ctx)
		s.reply(ctx, l, dev, pkt, s.messages.NewServFail(req))
	}
}

// reply packs resp and writes it to the source of pkt.
func (s *Session) reply(
	ctx context.Context,
	l *slog.Logger,
	dev tun.Device,
	pkt *ippkt.Packet,
	resp *dns.Msg,
) {
	data, err := resp.Pack()
	if err != nil {
		l.ErrorContext(ctx, "packing response", slogutil.KeyError, err)

		return
	}

	s.writeReply(ctx, l, dev, pkt, data)
}

// writeReply wraps payload into the reply envelope of pkt and writes it to
// dev.
func (s *Session) writeReply(
	ctx context.Context,
	l *slog.Logger,
	dev tun.Device,
	pkt *ippkt.Packet,
	payload []byte,
) {
	data, err := pkt.Reply(payload)
	if err != nil {
		l.ErrorContext(ctx, "encoding reply", slogutil.KeyError, err)

		return
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	_, err = dev.Write(data)
	if err != nil && ctx.Err() == nil {
		l.WarnContext(ctx, "writing reply", slogutil.KeyError, err)
	}
}

// responder is the [dnsforward.Responder] of a session.
type responder struct {
	session *Session
	dev     tun.Device
}

// type check
var _ dnsforward.Responder = (*responder)(nil)

// WriteReply implements the [dnsforward.Responder] interface for *responder.
func (r *responder) WriteReply(ctx context.Context, pkt *ippkt.Packet, payload []byte) {
	r.session.writeReply(ctx, r.session.logger, r.dev, pkt, payload)
}

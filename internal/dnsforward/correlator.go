// Package dnsforward contains the forwarding of DNS queries from a tunnel to
// the upstream servers and the matching of the responses to the queries.
package dnsforward

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strings"
	"sync"
	"time"

	"github.com/AdguardTeam/golibs/errors"
	"github.com/AdguardTeam/golibs/logutil/slogutil"
	"github.com/AdguardTeam/golibs/service"
	"github.com/AdguardTeam/golibs/timeutil"
	"github.com/carrotproxy/daedalus/internal/dnsmsg"
	"github.com/carrotproxy/daedalus/internal/ippkt"
	"github.com/miekg/dns"
)

// DefaultTimeout is the default time to wait for a response from a single
// upstream server.
const DefaultTimeout = 2 * time.Second

// ErrTableFull is returned by [Correlator.Dispatch] when every transaction ID
// is in use.
const ErrTableFull errors.Error = "pending table is full"

// maxPending is the maximum number of pending queries, which is the number of
// distinct transaction IDs.
const maxPending = 1 << 16

// Slot is the session slot of an upstream server.
type Slot uint8

// Valid slots.
const (
	SlotPrimary Slot = iota
	SlotSecondary
)

// type check
var _ fmt.Stringer = SlotPrimary

// String implements the [fmt.Stringer] interface for Slot.
func (s Slot) String() (str string) {
	switch s {
	case SlotPrimary:
		return "primary"
	case SlotSecondary:
		return "secondary"
	default:
		return fmt.Sprintf("!bad_slot_%d", s)
	}
}

// Transport sends queries to the upstream servers.  The responses are passed
// to [Correlator.HandleResponse] by the owner of the transport.
type Transport interface {
	// Send sends the packed query to the server in slot.
	Send(ctx context.Context, slot Slot, msg []byte) (err error)
}

// Responder writes replies back to the clients.
type Responder interface {
	// WriteReply writes payload to the source of pkt.  It must not retain
	// payload.
	WriteReply(ctx context.Context, pkt *ippkt.Packet, payload []byte)
}

// PendingQuery is a query that has been forwarded upstream and is awaiting a
// response.
type PendingQuery struct {
	// packet is the envelope of the query.  The reply is sent to its source.
	packet *ippkt.Packet

	// req is the query as sent by the client.
	req *dns.Msg

	// data is the packed query with the upstream transaction ID.
	data []byte

	// sent is the time when the query was first sent.
	sent time.Time

	// deadline is the time after which the query is considered timed out on
	// the current slot.
	deadline time.Time

	// clientID is the transaction ID of the client.
	clientID uint16

	// upstreamID is the transaction ID used for the upstream servers.
	upstreamID uint16

	// slot is the slot the query is currently assigned to.
	slot Slot
}

// Config is the configuration of a [Correlator].
type Config struct {
	// Logger is used to log the operation of the correlator.  It must not be
	// nil.
	Logger *slog.Logger

	// Transport sends the queries.  It must not be nil.
	Transport Transport

	// Responder writes the replies.  It must not be nil.
	Responder Responder

	// Messages constructs the SERVFAIL responses.  It must not be nil.
	Messages *dnsmsg.Constructor

	// Metrics is used to collect upstream statistics.  If nil, [EmptyMetrics]
	// is used.
	Metrics Metrics

	// Clock is used to get the current time.  If nil, [timeutil.SystemClock]
	// is used.
	Clock timeutil.Clock

	// Timeout is the time to wait for a response from a single server.  If
	// zero, [DefaultTimeout] is used.
	Timeout time.Duration

	// SweepInterval is the interval between the checks of the deadlines.  If
	// zero, a quarter of Timeout is used.
	SweepInterval time.Duration
}

// Correlator forwards queries upstream and matches the responses to the
// clients.  A query that the primary server doesn't answer in time is retried
// once on the secondary server, and a SERVFAIL response is sent if that fails
// too.
type Correlator struct {
	logger    *slog.Logger
	transport Transport
	responder Responder
	messages  *dnsmsg.Constructor
	metrics   Metrics
	clock     timeutil.Clock

	// mu protects pending.
	mu      *sync.Mutex
	pending map[uint16]*PendingQuery

	done chan struct{}
	wg   *sync.WaitGroup

	timeout       time.Duration
	sweepInterval time.Duration
}

// NewCorrelator returns a new correlator.  c must not be nil and must be valid.
func NewCorrelator(c *Config) (cr *Correlator) {
	cr = &Correlator{
		logger:        c.Logger,
		transport:     c.Transport,
		responder:     c.Responder,
		messages:      c.Messages,
		metrics:       c.Metrics,
		clock:         c.Clock,
		mu:            &sync.Mutex{},
		pending:       map[uint16]*PendingQuery{},
		done:          make(chan struct{}),
		wg:            &sync.WaitGroup{},
		timeout:       c.Timeout,
		sweepInterval: c.SweepInterval,
	}

	if cr.metrics == nil {
		cr.metrics = EmptyMetrics{}
	}

	if cr.clock == nil {
		cr.clock = timeutil.SystemClock{}
	}

	if cr.timeout <= 0 {
		cr.timeout = DefaultTimeout
	}

	if cr.sweepInterval <= 0 {
		cr.sweepInterval = cr.timeout / 4
	}

	return cr
}

// type check
var _ service.Interface = (*Correlator)(nil)

// Start implements the [service.Interface] interface for *Correlator.  It
// starts the deadline sweeper.
func (c *Correlator) Start(ctx context.Context) (err error) {
	c.wg.Add(1)
	go c.sweep(context.WithoutCancel(ctx))

	return nil
}

// Shutdown implements the [service.Interface] interface for *Correlator.  The
// pending queries are dropped without replies.
func (c *Correlator) Shutdown(ctx context.Context) (err error) {
	select {
	case <-c.done:
		return nil
	default:
		close(c.done)
	}

	c.wg.Wait()

	c.mu.Lock()
	n := len(c.pending)
	clear(c.pending)
	c.mu.Unlock()

	c.logger.DebugContext(ctx, "shut down", "dropped", n)

	return nil
}

// Pending returns the number of queries awaiting responses.
func (c *Correlator) Pending() (n int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	return len(c.pending)
}

// Dispatch forwards req, which has been received in pkt, to the primary
// server.  Send failures are handled as timeouts.  err is only returned if the
// query cannot be tracked, and the caller should reply with SERVFAIL.
func (c *Correlator) Dispatch(ctx context.Context, pkt *ippkt.Packet, req *dns.Msg) (err error) {
	data, err := req.Pack()
	if err != nil {
		return fmt.Errorf("packing query: %w", err)
	}

	now := c.clock.Now()
	pq := &PendingQuery{
		packet:   pkt,
		req:      req,
		data:     data,
		sent:     now,
		deadline: now.Add(c.timeout),
		clientID: req.Id,
		slot:     SlotPrimary,
	}

	c.mu.Lock()
	pq.upstreamID, err = c.allocID()
	if err == nil {
		binary.BigEndian.PutUint16(pq.data, pq.upstreamID)
		c.pending[pq.upstreamID] = pq
	}
	c.mu.Unlock()

	if err != nil {
		return fmt.Errorf("dispatching query: %w", err)
	}

	err = c.transport.Send(ctx, SlotPrimary, pq.data)
	if err != nil {
		c.logger.WarnContext(ctx, "primary unreachable", slogutil.KeyError, err)
		c.retry(ctx, pq)
	}

	return nil
}

// allocID returns a transaction ID that is not used by any pending query.
// c.mu must be locked.
func (c *Correlator) allocID() (id uint16, err error) {
	if len(c.pending) >= maxPending {
		return 0, ErrTableFull
	}

	// Probe linearly starting from a random ID.
	id = uint16(rand.Uint32())
	for {
		if _, ok := c.pending[id]; !ok {
			return id, nil
		}

		id++
	}
}

// HandleResponse matches the response in data, received from the server in
// slot, with a pending query and writes it back to the client.  Responses
// that match no pending query are dropped.
func (c *Correlator) HandleResponse(ctx context.Context, slot Slot, data []byte) {
	resp := &dns.Msg{}
	err := resp.Unpack(data)
	if err != nil {
		c.logger.DebugContext(ctx, "bad upstream response", "slot", slot, slogutil.KeyError, err)
		c.metrics.IncUnmatched(ctx)

		return
	}

	c.mu.Lock()
	pq, ok := c.pending[resp.Id]
	ok = ok && pq.slot == slot && questionMatches(pq.req, resp)
	if ok {
		delete(c.pending, resp.Id)
	}
	c.mu.Unlock()

	if !ok {
		c.logger.DebugContext(ctx, "unmatched upstream response", "slot", slot, "id", resp.Id)
		c.metrics.IncUnmatched(ctx)

		return
	}

	c.metrics.ObserveUpstream(ctx, slot, c.clock.Now().Sub(pq.sent))

	// Restore the ID of the client without repacking the rest of the
	// message.
	binary.BigEndian.PutUint16(data, pq.clientID)
	c.responder.WriteReply(ctx, pq.packet, data)
}

// questionMatches returns true if the question of resp is the one of req.
// Responses without a question are accepted.
func questionMatches(req, resp *dns.Msg) (ok bool) {
	if len(resp.Question) == 0 {
		return true
	}

	if len(req.Question) != len(resp.Question) {
		return false
	}

	q, rq := req.Question[0], resp.Question[0]

	return q.Qtype == rq.Qtype && q.Qclass == rq.Qclass && strings.EqualFold(q.Name, rq.Name)
}

// sweep periodically checks the deadlines of the pending queries.  It is
// intended to be used as a goroutine.
func (c *Correlator) sweep(ctx context.Context) {
	defer c.wg.Done()
	defer slogutil.RecoverAndLog(ctx, c.logger)

	ticker := time.NewTicker(c.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.expire(ctx)
		}
	}
}

// expire retries the queries that have timed out on the primary server and
// fails the ones that have timed out on the secondary server.
func (c *Correlator) expire(ctx context.Context) {
	now := c.clock.Now()

	var retries, failures []*PendingQuery

	c.mu.Lock()
	for id, pq := range c.pending {
		if now.Before(pq.deadline) {
			continue
		}

		if pq.slot == SlotPrimary {
			retries = append(retries, pq)
		} else {
			delete(c.pending, id)
			failures = append(failures, pq)
		}
	}
	c.mu.Unlock()

	for _, pq := range retries {
		c.metrics.IncTimeout(ctx, SlotPrimary)
		c.retry(ctx, pq)
	}

	for _, pq := range failures {
		c.metrics.IncTimeout(ctx, SlotSecondary)
		c.logger.WarnContext(ctx, "upstream timeout", "slot", SlotSecondary, "qname", qname(pq.req))
		c.fail(ctx, pq)
	}
}

// retry moves pq to the secondary server and resends it.  It does nothing if
// pq has already been answered or moved.
func (c *Correlator) retry(ctx context.Context, pq *PendingQuery) {
	c.mu.Lock()
	cur, ok := c.pending[pq.upstreamID]
	ok = ok && cur == pq && pq.slot == SlotPrimary
	if ok {
		pq.slot = SlotSecondary
		pq.deadline = c.clock.Now().Add(c.timeout)
	}
	c.mu.Unlock()

	if !ok {
		return
	}

	c.logger.InfoContext(ctx, "retrying on secondary", "qname", qname(pq.req))

	err := c.transport.Send(ctx, SlotSecondary, pq.data)
	if err == nil {
		return
	}

	c.logger.WarnContext(ctx, "secondary unreachable", slogutil.KeyError, err)

	c.mu.Lock()
	cur, ok = c.pending[pq.upstreamID]
	if ok && cur == pq {
		delete(c.pending, pq.upstreamID)
	}
	c.mu.Unlock()

	if ok && cur == pq {
		c.fail(ctx, pq)
	}
}

// fail replies to the client of pq with SERVFAIL.  pq must already be removed
// from the pending table.
func (c *Correlator) fail(ctx context.Context, pq *PendingQuery) {
	c.metrics.IncServFail(ctx)

	data, err := c.messages.NewServFail(pq.req).Pack()
	if err != nil {
		c.logger.ErrorContext(ctx, "packing servfail", slogutil.KeyError, err)

		return
	}

	c.responder.WriteReply(ctx, pq.packet, data)
}

// qname returns the name of the first question of req for logging.
func qname(req *dns.Msg) (name string) {
	if len(req.Question) == 0 {
		return ""
	}

	return req.Question[0].Name
}

package dnsforward

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"slices"
	"sync"
	"syscall"

	"github.com/AdguardTeam/golibs/errors"
	"github.com/AdguardTeam/golibs/logutil/slogutil"
	"github.com/AdguardTeam/golibs/service"
	"github.com/miekg/dns"
)

// ResponseHandler is called for every datagram received from the server in
// slot.  The handler owns data.
type ResponseHandler func(ctx context.Context, slot Slot, data []byte)

// UDPTransportConfig is the configuration of a [UDPTransport].
type UDPTransportConfig struct {
	// Logger is used to log the operation of the transport.  It must not be
	// nil.
	Logger *slog.Logger

	// Handler is called for every received response.  It must not be nil.
	Handler ResponseHandler

	// Control, if not nil, is called for the sockets before they are
	// connected.  It is used to exclude the sockets from the tunnel routing.
	Control func(network, address string, c syscall.RawConn) (err error)

	// Primary is the address of the primary server.
	Primary netip.AddrPort

	// Secondary is the address of the secondary server.
	Secondary netip.AddrPort
}

// UDPTransport is a [Transport] that keeps a connected UDP socket for each
// slot.
type UDPTransport struct {
	logger  *slog.Logger
	handler ResponseHandler
	conns   [2]net.Conn
	wg      *sync.WaitGroup
}

// NewUDPTransport returns a new transport with the sockets connected to the
// servers from c.  c must not be nil and must be valid.
func NewUDPTransport(ctx context.Context, c *UDPTransportConfig) (t *UDPTransport, err error) {
	t = &UDPTransport{
		logger:  c.Logger,
		handler: c.Handler,
		wg:      &sync.WaitGroup{},
	}

	d := &net.Dialer{
		Control: c.Control,
	}

	for i, addr := range []netip.AddrPort{c.Primary, c.Secondary} {
		slot := Slot(i)
		t.conns[i], err = d.DialContext(ctx, "udp", addr.String())
		if err != nil {
			return nil, errors.WithDeferred(
				fmt.Errorf("dialing %s server %s: %w", slot, addr, err),
				t.close(),
			)
		}
	}

	return t, nil
}

// type check
var (
	_ Transport         = (*UDPTransport)(nil)
	_ service.Interface = (*UDPTransport)(nil)
)

// Start implements the [service.Interface] interface for *UDPTransport.  It
// starts reading the responses.
func (t *UDPTransport) Start(ctx context.Context) (err error) {
	for i := range t.conns {
		t.wg.Add(1)
		go t.read(context.WithoutCancel(ctx), Slot(i))
	}

	return nil
}

// Shutdown implements the [service.Interface] interface for *UDPTransport.
func (t *UDPTransport) Shutdown(_ context.Context) (err error) {
	err = t.close()
	t.wg.Wait()

	return err
}

// close closes the opened sockets.
func (t *UDPTransport) close() (err error) {
	var errs []error
	for _, c := range t.conns {
		if c != nil {
			errs = append(errs, c.Close())
		}
	}

	return errors.Annotate(errors.Join(errs...), "closing sockets: %w")
}

// Send implements the [Transport] interface for *UDPTransport.
func (t *UDPTransport) Send(_ context.Context, slot Slot, msg []byte) (err error) {
	_, err = t.conns[slot].Write(msg)

	return errors.Annotate(err, "sending to %s server: %w", slot)
}

// read reads the responses from the socket of slot until it is closed.  It is
// intended to be used as a goroutine.
func (t *UDPTransport) read(ctx context.Context, slot Slot) {
	defer t.wg.Done()
	defer slogutil.RecoverAndLog(ctx, t.logger)

	buf := make([]byte, dns.MaxMsgSize)
	for {
		n, err := t.conns[slot].Read(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}

			// ICMP errors, such as port unreachable, are reported on connected
			// sockets and do not stop the reading.
			t.logger.DebugContext(ctx, "reading response", "slot", slot, slogutil.KeyError, err)

			continue
		}

		t.handler(ctx, slot, slices.Clone(buf[:n]))
	}
}

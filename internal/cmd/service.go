package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/AdguardTeam/golibs/errors"
	"github.com/AdguardTeam/golibs/logutil/slogutil"
	"github.com/AdguardTeam/golibs/service"
	"github.com/carrotproxy/daedalus/internal/aghos"
	"github.com/carrotproxy/daedalus/internal/configmgr"
	"github.com/carrotproxy/daedalus/internal/dnsmsg"
	"github.com/carrotproxy/daedalus/internal/dnsserver"
	"github.com/carrotproxy/daedalus/internal/filtering"
	"github.com/carrotproxy/daedalus/internal/heartbeat"
	"github.com/carrotproxy/daedalus/internal/logbuf"
	"github.com/carrotproxy/daedalus/internal/metrics"
	"github.com/carrotproxy/daedalus/internal/tun"
	"github.com/carrotproxy/daedalus/internal/tunsvc"
	"github.com/carrotproxy/daedalus/internal/version"
	"github.com/carrotproxy/daedalus/internal/websvc"
	"github.com/google/renameio/v2/maybe"
)

// serviceMgr manages the services of the daemon: the rule resolver, the
// tunnel session, and the diagnostic web service.
type serviceMgr struct {
	logger   *slog.Logger
	confMgr  *configmgr.Manager
	metrics  *metrics.Metrics
	resolver *filtering.Resolver

	// watcher is an [aghos.EmptyFSWatcher] if the rule files are not watched.
	watcher aghos.FSWatcher

	// web is nil if the web service is disabled.
	web *websvc.Service

	// openDevice, if not nil, replaces the opening of the configured device.
	openDevice tunsvc.DeviceOpener

	// httpClient, if not nil, is used by the heartbeat.
	httpClient *http.Client

	pidFile string

	// mu protects the fields below.
	mu      *sync.Mutex
	session *tunsvc.Session
	servers dnsserver.Pair

	// heartbeat is nil if the token isn't submitted.
	heartbeat *service.RefreshWorker

	// fwd is nil unless the passthrough is enabled.
	fwd *tun.Forwarder

	// activations is the number of the sessions started since the start of
	// the daemon.
	activations uint64
}

// serviceMgrConfig contains service manager configuration parameters.
type serviceMgrConfig struct {
	// logger is used to log the services activity.  It must not be nil.
	logger *slog.Logger

	// confMgr is the configuration manager.  It must not be nil.
	confMgr *configmgr.Manager

	// logBuf is the buffer of the recent log lines.  It must not be nil.
	logBuf *logbuf.Buffer

	// openDevice, if not nil, is used instead of opening the device from the
	// configuration.
	openDevice tunsvc.DeviceOpener

	// httpClient, if not nil, is used to submit the token instead of the
	// default client.
	httpClient *http.Client

	// pidFile is the path to the file where to store the PID, if any.
	pidFile string
}

// newServiceMgr creates a new *serviceMgr from the current configuration.
func newServiceMgr(c *serviceMgrConfig) (s *serviceMgr, err error) {
	m, err := metrics.New()
	if err != nil {
		return nil, fmt.Errorf("creating metrics: %w", err)
	}

	conf := c.confMgr.Current()

	s = &serviceMgr{
		logger:     c.logger,
		confMgr:    c.confMgr,
		metrics:    m,
		openDevice: c.openDevice,
		httpClient: c.httpClient,
		pidFile:    c.pidFile,
		watcher:    aghos.EmptyFSWatcher{},
		mu:         &sync.Mutex{},
	}

	if conf.Rules.Watch {
		s.watcher, err = aghos.NewOSWatcher(c.logger.With(slogutil.KeyPrefix, "fswatcher"))
		if err != nil {
			return nil, fmt.Errorf("creating rule file watcher: %w", err)
		}
	}

	s.resolver = filtering.New(&filtering.Config{
		Logger:      c.logger.With(slogutil.KeyPrefix, "filtering"),
		Metrics:     m,
		Watcher:     s.watcher,
		NullAddrs:   conf.Rules.NullAddresses,
		MaxFileSize: conf.Rules.MaxFileSize,
	})

	if conf.HTTP.Enabled {
		s.web = websvc.New(&websvc.Config{
			Logger:  c.logger.With(slogutil.KeyPrefix, "websvc"),
			Metrics: m.Handler(),
			Log:     c.logBuf,
			Status:  s.status,
			Address: conf.HTTP.Address,
		})
	}

	return s, nil
}

// type check
var _ service.Interface = (*serviceMgr)(nil)

// Start implements the [service.Interface] interface for *serviceMgr.  It
// starts loading the rules and activates the tunnel session.
func (s *serviceMgr) Start(ctx context.Context) (err error) {
	s.writePID(ctx)

	err = s.watcher.Start(ctx)
	if err != nil {
		return fmt.Errorf("starting rule file watcher: %w", err)
	}

	err = s.resolver.Start(ctx)
	if err != nil {
		return fmt.Errorf("starting resolver: %w", err)
	}

	s.loadRules(ctx)

	if s.web != nil {
		err = s.web.Start(ctx)
		if err != nil {
			return fmt.Errorf("starting web: %w", err)
		}
	}

	return s.activate(ctx)
}

// loadRules requests the resolver to load the enabled rule files or clears
// the rules if there are none.
func (s *serviceMgr) loadRules(ctx context.Context) {
	req := s.confMgr.RuleLoadRequest(ctx)
	if req == nil {
		s.logger.InfoContext(ctx, "no enabled rule files, clearing rules")
		s.resolver.Clear(ctx)

		return
	}

	s.resolver.StartLoad(ctx, req)
}

// activate starts a new tunnel session with the servers selected from the
// current configuration.
func (s *serviceMgr) activate(ctx context.Context) (err error) {
	reg, err := s.confMgr.Registry()
	if err != nil {
		return fmt.Errorf("creating server registry: %w", err)
	}

	pair, err := reg.SelectForSession()
	if err != nil {
		return fmt.Errorf("selecting servers: %w", err)
	}

	conf := s.confMgr.Current()
	fwd, bypass := s.newPassthrough(ctx, conf.Tunnel)

	var protect func(fd int) (err error)
	if conf.Tunnel.SocketMark != 0 {
		protect = tun.MarkSocket(conf.Tunnel.SocketMark)
	}

	sess := tunsvc.NewSession(&tunsvc.SessionConfig{
		Logger: s.logger.With(slogutil.KeyPrefix, "tunsvc"),
		Filter: s.resolver,
		Messages: dnsmsg.NewConstructor(&dnsmsg.Config{
			BlockingMode: conf.DNS.BlockingMode,
			TTL:          conf.DNS.BlockedResponseTTL,
		}),
		Metrics:         s.metrics,
		OpenDevice:      s.deviceOpener(conf.Tunnel),
		Bypass:          bypass,
		Protect:         protect,
		DNSAddr:         conf.Tunnel.DNSAddress,
		Servers:         pair,
		UpstreamTimeout: time.Duration(conf.DNS.UpstreamTimeout),
	})

	err = sess.Start(ctx)
	if err != nil {
		closeForwarder(ctx, s.logger, fwd)

		return fmt.Errorf("activating session: %w", err)
	}

	s.metrics.IncActivation(ctx)

	hb := s.startHeartbeat(ctx, conf.Heartbeat)

	s.mu.Lock()
	defer s.mu.Unlock()

	s.session, s.servers = sess, pair
	s.heartbeat, s.fwd = hb, fwd
	s.activations++

	return nil
}

// newPassthrough returns the forwarder and the handler of the packets that
// aren't handled by the session.  Both are nil if the passthrough is disabled
// or the forwarder can't be created.
func (s *serviceMgr) newPassthrough(
	ctx context.Context,
	c *configmgr.TunnelConfig,
) (fwd *tun.Forwarder, bypass tunsvc.BypassHandler) {
	if !c.Passthrough {
		return nil, nil
	}

	fwd, err := tun.NewForwarder(c.SocketMark)
	if err != nil {
		s.logger.WarnContext(ctx, "creating forwarder, dropping bypassed packets", slogutil.KeyError, err)

		return nil, nil
	}

	l := s.logger.With(slogutil.KeyPrefix, "passthrough")

	return fwd, func(ctx context.Context, data []byte) {
		fwdErr := fwd.Forward(data)
		if fwdErr != nil {
			l.DebugContext(ctx, "forwarding packet", slogutil.KeyError, fwdErr)
		}
	}
}

// startHeartbeat starts the token submission worker if c enables it.  hb is
// nil if it doesn't.
func (s *serviceMgr) startHeartbeat(
	ctx context.Context,
	c *configmgr.HeartbeatConfig,
) (hb *service.RefreshWorker) {
	if !c.Enabled {
		return nil
	}

	hb = heartbeat.New(&heartbeat.Config{
		Logger:   s.logger.With(slogutil.KeyPrefix, "heartbeat"),
		Metrics:  s.metrics,
		Client:   s.httpClient,
		URL:      &c.URL.URL,
		Token:    c.Token,
		Interval: time.Duration(c.Interval),
		Timeout:  time.Duration(c.Timeout),
	})

	// The worker outlives the context of the activation.
	err := hb.Start(context.WithoutCancel(ctx))
	if err != nil {
		s.logger.WarnContext(ctx, "starting heartbeat", slogutil.KeyError, err)

		return nil
	}

	return hb
}

// deviceOpener returns the function opening the device described by c.
func (s *serviceMgr) deviceOpener(c *configmgr.TunnelConfig) (open tunsvc.DeviceOpener) {
	if s.openDevice != nil {
		return s.openDevice
	}

	conf := &tun.Config{
		Logger: s.logger.With(slogutil.KeyPrefix, "tun"),
		Name:   c.Name,
		Prefix: c.Address,
		MTU:    c.MTU,
		FD:     c.FD,
	}

	return func(ctx context.Context) (d tun.Device, err error) {
		return tun.Open(ctx, conf)
	}
}

// deactivate shuts down the current tunnel session and the workers started
// with it, if any.
func (s *serviceMgr) deactivate(ctx context.Context) (err error) {
	s.mu.Lock()
	sess, hb, fwd := s.session, s.heartbeat, s.fwd
	s.session, s.servers = nil, dnsserver.Pair{}
	s.heartbeat, s.fwd = nil, nil
	s.mu.Unlock()

	if hb != nil {
		err = hb.Shutdown(ctx)
		if err != nil {
			s.logger.WarnContext(ctx, "shutting down heartbeat", slogutil.KeyError, err)
		}
	}

	if sess != nil {
		err = sess.Shutdown(ctx)
	}

	closeForwarder(ctx, s.logger, fwd)

	return err
}

// closeForwarder closes fwd if it's not nil.  Errors are reported to l.
func closeForwarder(ctx context.Context, l *slog.Logger, fwd *tun.Forwarder) {
	if fwd == nil {
		return
	}

	err := fwd.Close()
	if err != nil {
		l.WarnContext(ctx, "closing forwarder", slogutil.KeyError, err)
	}
}

// Shutdown implements the [service.Interface] interface for *serviceMgr.
func (s *serviceMgr) Shutdown(ctx context.Context) (err error) {
	var errs []error

	err = s.deactivate(ctx)
	if err != nil {
		errs = append(errs, fmt.Errorf("deactivating session: %w", err))
	}

	if s.web != nil {
		err = s.web.Shutdown(ctx)
		if err != nil {
			errs = append(errs, fmt.Errorf("shutting down web: %w", err))
		}
	}

	err = s.resolver.Shutdown(ctx)
	if err != nil {
		errs = append(errs, fmt.Errorf("shutting down resolver: %w", err))
	}

	err = s.watcher.Shutdown(ctx)
	if err != nil {
		errs = append(errs, fmt.Errorf("shutting down rule file watcher: %w", err))
	}

	s.removePID(ctx)

	return errors.Join(errs...)
}

// type check
var _ service.Refresher = (*serviceMgr)(nil)

// Refresh implements the [service.Refresher] interface for *serviceMgr.  It
// rereads the configuration, reloads the rules, and reactivates the session
// with the newly selected servers.
func (s *serviceMgr) Refresh(ctx context.Context) (err error) {
	s.logger.InfoContext(ctx, "reconfiguring started")

	err = s.confMgr.Reload(ctx)
	if err != nil {
		return fmt.Errorf("reloading configuration: %w", err)
	}

	s.loadRules(ctx)

	err = s.deactivate(ctx)
	if err != nil {
		return fmt.Errorf("deactivating session: %w", err)
	}

	err = s.activate(ctx)
	if err != nil {
		// Don't wrap the error, because it's informative enough as is.
		return err
	}

	s.logger.InfoContext(ctx, "reconfiguring finished")

	return nil
}

// status returns the current status of the daemon.  It is a [websvc.StatusFunc].
func (s *serviceMgr) status(_ context.Context) (st *websvc.Status) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st = &websvc.Status{
		Version:      version.Version(),
		SessionState: tunsvc.StateInactive.String(),
		RulesState:   s.resolver.State().String(),
		RuleCount:    s.resolver.RuleCount(),
		Activations:  s.activations,
	}

	if s.session != nil {
		st.SessionState = s.session.State().String()
		st.Primary = s.servers.Primary.String()
		st.Secondary = s.servers.Secondary.String()
	}

	return st
}

// writePID writes the PID to the file.  Any errors are reported to log.
func (s *serviceMgr) writePID(ctx context.Context) {
	if s.pidFile == "" {
		return
	}

	pid := os.Getpid()
	data := strconv.AppendInt(nil, int64(pid), 10)
	data = append(data, '\n')

	err := maybe.WriteFile(s.pidFile, data, 0o644)
	if err != nil {
		s.logger.ErrorContext(ctx, "writing pidfile", slogutil.KeyError, err)

		return
	}

	s.logger.DebugContext(ctx, "wrote pid", "file", s.pidFile, "pid", pid)
}

// removePID removes the PID file.  Any errors are reported to log.
func (s *serviceMgr) removePID(ctx context.Context) {
	if s.pidFile == "" {
		return
	}

	err := os.Remove(s.pidFile)
	if err != nil {
		s.logger.ErrorContext(ctx, "removing pidfile", slogutil.KeyError, err)

		return
	}

	s.logger.DebugContext(ctx, "removed pidfile", "file", s.pidFile)
}

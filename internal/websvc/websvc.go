// Package websvc contains the diagnostic HTTP service exposing the metrics,
// the recent log lines, and the status of the daemon.
package websvc

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"sync"
	"time"

	"github.com/AdguardTeam/golibs/errors"
	"github.com/AdguardTeam/golibs/httphdr"
	"github.com/AdguardTeam/golibs/logutil/slogutil"
	"github.com/AdguardTeam/golibs/service"
	"github.com/NYTimes/gziphandler"
	"github.com/carrotproxy/daedalus/internal/logbuf"
	"github.com/carrotproxy/daedalus/internal/version"
)

// Paths of the HTTP API.
const (
	PathHealthCheck = "/health-check"
	PathLog         = "/log"
	PathMetrics     = "/metrics"
	PathStatus      = "/status"
)

// Content types.
const (
	contentTypeJSON = "application/json"
	contentTypeText = "text/plain; charset=utf-8"
)

// DefaultTimeout is the default timeout of all server operations.
const DefaultTimeout = 10 * time.Second

// Status is the status of the daemon returned by the status endpoint.
type Status struct {
	Version      string `json:"version"`
	SessionState string `json:"session_state"`
	RulesState   string `json:"rules_state"`
	Primary      string `json:"primary,omitempty"`
	Secondary    string `json:"secondary,omitempty"`
	RuleCount    int    `json:"rule_count"`
	Activations  uint64 `json:"activations"`
}

// StatusFunc returns the current status of the daemon.
type StatusFunc func(ctx context.Context) (st *Status)

// Config is the configuration of the diagnostic web service.
type Config struct {
	// Logger is used to log the operation of the service.  It must not be
	// nil.
	Logger *slog.Logger

	// Metrics serves the metrics.  It must not be nil.
	Metrics http.Handler

	// Log is the buffer of the recent log lines.  It must not be nil.
	Log *logbuf.Buffer

	// Status returns the status of the daemon.  It must not be nil.
	Status StatusFunc

	// Address is the address to listen on.  The port may be zero.
	Address netip.AddrPort

	// Timeout is the timeout of all server operations.  If zero,
	// [DefaultTimeout] is used.
	Timeout time.Duration
}

// Service is the diagnostic web service.
type Service struct {
	logger *slog.Logger
	srv    *http.Server
	logBuf *logbuf.Buffer
	status StatusFunc

	// mu protects addr.
	mu   *sync.Mutex
	addr net.Addr

	wg *sync.WaitGroup
}

// New returns a new properly initialized *Service.  c must not be nil and
// must be valid.
func New(c *Config) (svc *Service) {
	timeout := c.Timeout
	if timeout == 0 {
		timeout = DefaultTimeout
	}

	svc = &Service{
		logger: c.Logger,
		logBuf: c.Log,
		status: c.Status,
		mu:     &sync.Mutex{},
		wg:     &sync.WaitGroup{},
	}

	svc.srv = &http.Server{
		Addr:              c.Address.String(),
		Handler:           svc.newMux(c.Metrics),
		ReadTimeout:       timeout,
		WriteTimeout:      timeout,
		IdleTimeout:       timeout,
		ReadHeaderTimeout: timeout,
		ErrorLog:          slog.NewLogLogger(c.Logger.Handler(), slog.LevelDebug),
	}

	return svc
}

// newMux returns the request multiplexer of svc.
func (svc *Service) newMux(metrics http.Handler) (mux *http.ServeMux) {
	mux = http.NewServeMux()

	routes := []struct {
		handler http.Handler
		pattern string
	}{{
		handler: http.HandlerFunc(svc.handleGetHealthCheck),
		pattern: PathHealthCheck,
	}, {
		handler: gziphandler.GzipHandler(http.HandlerFunc(svc.handleGetLog)),
		pattern: PathLog,
	}, {
		handler: metrics,
		pattern: PathMetrics,
	}, {
		handler: jsonMw(http.HandlerFunc(svc.handleGetStatus)),
		pattern: PathStatus,
	}}

	for _, r := range routes {
		mux.Handle(http.MethodGet+" "+r.pattern, svc.logMw(r.handler))
	}

	mux.Handle(http.MethodDelete+" "+PathLog, svc.logMw(http.HandlerFunc(svc.handleDeleteLog)))

	return mux
}

// type check
var _ service.Interface = (*Service)(nil)

// Start implements the [service.Interface] interface for *Service.  It
// returns after the listener is bound.
func (svc *Service) Start(ctx context.Context) (err error) {
	l, err := net.Listen("tcp", svc.srv.Addr)
	if err != nil {
		return fmt.Errorf("binding %s: %w", svc.srv.Addr, err)
	}

	svc.mu.Lock()
	svc.addr = l.Addr()
	svc.mu.Unlock()

	svc.logger.InfoContext(ctx, "starting http server", "addr", l.Addr())

	svc.wg.Add(1)
	go svc.serve(context.WithoutCancel(ctx), l)

	return nil
}

// serve runs the server on l until it is shut down.  It is intended to be used
// as a goroutine.
func (svc *Service) serve(ctx context.Context, l net.Listener) {
	defer svc.wg.Done()
	defer slogutil.RecoverAndLog(ctx, svc.logger)

	err := svc.srv.Serve(l)
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		svc.logger.ErrorContext(ctx, "serving http", slogutil.KeyError, err)
	}
}

// Shutdown implements the [service.Interface] interface for *Service.
func (svc *Service) Shutdown(ctx context.Context) (err error) {
	err = svc.srv.Shutdown(ctx)
	svc.wg.Wait()

	return errors.Annotate(err, "shutting down http server: %w")
}

// LocalAddr returns the address the service is listening on.  It returns nil
// before the service is started.
func (svc *Service) LocalAddr() (addr net.Addr) {
	svc.mu.Lock()
	defer svc.mu.Unlock()

	return svc.addr
}

// handleGetHealthCheck is the handler for the GET /health-check HTTP API.
func (svc *Service) handleGetHealthCheck(w http.ResponseWriter, r *http.Request) {
	w.Header().Set(httphdr.ContentType, contentTypeText)
	svc.write(r, w, []byte("OK\n"))
}

// handleGetLog is the handler for the GET /log HTTP API.
func (svc *Service) handleGetLog(w http.ResponseWriter, r *http.Request) {
	w.Header().Set(httphdr.ContentType, contentTypeText)

	_, err := svc.logBuf.WriteTo(w)
	if err != nil {
		svc.logger.DebugContext(r.Context(), "writing log", slogutil.KeyError, err)
	}
}

// handleDeleteLog is the handler for the DELETE /log HTTP API.  It clears the
// kept log lines.
func (svc *Service) handleDeleteLog(w http.ResponseWriter, r *http.Request) {
	svc.logBuf.Clear()
	svc.logger.InfoContext(r.Context(), "log cleared")

	w.WriteHeader(http.StatusNoContent)
}

// handleGetStatus is the handler for the GET /status HTTP API.
func (svc *Service) handleGetStatus(w http.ResponseWriter, r *http.Request) {
	st := svc.status(r.Context())
	st.Version = version.Version()

	err := json.NewEncoder(w).Encode(st)
	if err != nil {
		svc.logger.DebugContext(r.Context(), "writing status", slogutil.KeyError, err)
	}
}

// write writes b to w and logs the error, if any.
func (svc *Service) write(r *http.Request, w http.ResponseWriter, b []byte) {
	_, err := w.Write(b)
	if err != nil {
		svc.logger.DebugContext(r.Context(), "writing response", slogutil.KeyError, err)
	}
}

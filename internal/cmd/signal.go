package cmd

import (
	"context"
	"log/slog"
	"os"

	"github.com/AdguardTeam/golibs/logutil/slogutil"
	"github.com/AdguardTeam/golibs/osutil"
	"github.com/AdguardTeam/golibs/service"
	"github.com/carrotproxy/daedalus/internal/aghos"
)

// refreshService is a service that can be reconfigured.
type refreshService interface {
	service.Interface
	service.Refresher
}

// signalHandler processes incoming signals and shuts the services down.
type signalHandler struct {
	logger *slog.Logger

	// signal is the channel to which OS signals are sent.
	signal chan os.Signal

	// svc is the service reconfigured and shut down by the signals.
	svc refreshService
}

// newSignalHandler returns a new signalHandler that manages svc.
func newSignalHandler(l *slog.Logger, svc refreshService) (h *signalHandler) {
	h = &signalHandler{
		logger: l,
		signal: make(chan os.Signal, 1),
		svc:    svc,
	}

	aghos.NotifyShutdownSignal(h.signal)
	aghos.NotifyReconfigureSignal(h.signal)

	return h
}

// handle processes OS signals until a shutdown signal is received or ctx is
// canceled.  It returns the exit code of the process.
func (h *signalHandler) handle(ctx context.Context) (exitCode int) {
	defer slogutil.RecoverAndLog(ctx, h.logger)

	for {
		select {
		case sig := <-h.signal:
			h.logger.InfoContext(ctx, "received signal", "signal", sig)

			switch {
			case aghos.IsReconfigureSignal(sig):
				h.reconfigure(ctx)
			case aghos.IsShutdownSignal(sig):
				return h.shutdown(ctx)
			}
		case <-ctx.Done():
			return h.shutdown(context.WithoutCancel(ctx))
		}
	}
}

// reconfigure refreshes the service.  Errors are reported to log, the daemon
// continues with the services it managed to restart.
func (h *signalHandler) reconfigure(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	err := h.svc.Refresh(ctx)
	if err != nil {
		h.logger.ErrorContext(ctx, "reconfiguring", slogutil.KeyError, err)
	}
}

// shutdown gracefully shuts down the service and returns the exit code.
func (h *signalHandler) shutdown(ctx context.Context) (exitCode int) {
	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	h.logger.InfoContext(ctx, "shutting down services")

	err := h.svc.Shutdown(ctx)
	if err != nil {
		h.logger.ErrorContext(ctx, "shutting down services", slogutil.KeyError, err)

		return osutil.ExitCodeFailure
	}

	return osutil.ExitCodeSuccess
}

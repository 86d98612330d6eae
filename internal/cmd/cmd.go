// Package cmd is the entry point of the daemon.  It assembles the
// configuration manager and the services, sets up the signal processing, and
// performs the command-line actions.
package cmd

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/AdguardTeam/golibs/errors"
	"github.com/AdguardTeam/golibs/logutil/slogutil"
	"github.com/AdguardTeam/golibs/osutil"
	"github.com/carrotproxy/daedalus/internal/aghos"
	"github.com/carrotproxy/daedalus/internal/configmgr"
	"github.com/carrotproxy/daedalus/internal/logbuf"
	"github.com/carrotproxy/daedalus/internal/ossvc"
	"github.com/carrotproxy/daedalus/internal/tunsvc"
	"github.com/carrotproxy/daedalus/internal/version"
)

// defaultTimeout is the timeout used for the operations where another timeout
// hasn't been defined.
const defaultTimeout = 10 * time.Second

// Main is the entry point of the daemon.
func Main() {
	start := time.Now()

	cmdName := os.Args[0]
	opts, err := parseOptions(cmdName, os.Args[1:], os.Stderr)
	exitCode, needExit := processOptions(opts, cmdName, err, os.Stdout)
	if needExit {
		os.Exit(exitCode)
	}

	os.Exit(run(context.Background(), opts, start))
}

// run runs the daemon or the command-line action from opts and returns the
// exit code.
func run(ctx context.Context, opts *options, start time.Time) (exitCode int) {
	baseLogger := newBaseLogger(os.Stderr, opts.verbose)
	defer slogutil.RecoverAndExit(ctx, baseLogger, osutil.ExitCodeFailure)

	if opts.workDir != "" {
		baseLogger.InfoContext(ctx, "changing working directory", "dir", opts.workDir)
		err := os.Chdir(opts.workDir)
		if err != nil {
			baseLogger.ErrorContext(ctx, "changing working directory", slogutil.KeyError, err)

			return osutil.ExitCodeFailure
		}
	}

	svcMgr := ossvc.NewManager(ctx, &ossvc.ManagerConfig{
		Logger: baseLogger.With(slogutil.KeyPrefix, "ossvc"),
	})
	if opts.serviceAction != "" {
		return performServiceAction(ctx, baseLogger, svcMgr, opts, os.Stdout)
	}

	confMgr, err := newConfigMgr(ctx, baseLogger, opts.confFile)
	if err != nil {
		baseLogger.ErrorContext(ctx, "loading configuration", slogutil.KeyError, err)

		return osutil.ExitCodeFailure
	}

	if opts.testServers {
		return testServers(ctx, baseLogger, confMgr, os.Stdout)
	}

	conf := confMgr.Current()
	buf := logbuf.New(conf.Log.BufferLines)
	logger, logCloser := newLogger(conf.Log, opts.verbose, filepath.Dir(opts.confFile), buf)
	if logCloser != nil {
		defer closeLog(ctx, baseLogger, logCloser)
	}

	logger.InfoContext(
		ctx,
		"starting",
		"version", version.Version(),
		"pid", os.Getpid(),
		"config", opts.confFile,
	)

	if conf.Tunnel.FD < 0 {
		warnNoAdminRights(ctx, logger)
	}

	if conf.Service.StartOnBoot && ossvc.Interactive() {
		installOnBoot(ctx, logger.With(slogutil.KeyPrefix, "ossvc"), svcMgr, opts)
	}

	mgr, err := newServiceMgr(&serviceMgrConfig{
		logger:  logger,
		confMgr: confMgr,
		logBuf:  buf,
		pidFile: opts.pidFile,
	})
	if err != nil {
		logger.ErrorContext(ctx, "creating services", slogutil.KeyError, err)

		return osutil.ExitCodeFailure
	}

	h := newSignalHandler(logger.With(slogutil.KeyPrefix, "sighdlr"), mgr)

	err = mgr.Start(ctx)
	if !canContinue(ctx, logger, err) {
		_ = h.shutdown(ctx)

		return osutil.ExitCodeFailure
	}

	logger.InfoContext(ctx, "started", "elapsed", time.Since(start))

	if conf.Service.Foreground || ossvc.Interactive() {
		return h.handle(ctx)
	}

	return runAsService(ctx, logger, h, opts)
}

// runAsService handles the signals of h while the daemon is run by the
// system service manager.
func runAsService(
	ctx context.Context,
	l *slog.Logger,
	h *signalHandler,
	opts *options,
) (exitCode int) {
	conf, err := newServiceConfig(opts)
	if err != nil {
		l.ErrorContext(ctx, "creating service config", slogutil.KeyError, err)

		return h.shutdown(ctx)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	started := make(chan struct{})
	done := make(chan int, 1)
	prog := ossvc.NewProgram(
		func() (err error) {
			close(started)
			go func() { done <- h.handle(ctx) }()

			return nil
		},
		func() (err error) {
			cancel()

			return nil
		},
	)

	err = ossvc.Run(conf, prog)
	if err != nil {
		l.ErrorContext(ctx, "running service", slogutil.KeyError, err)
	}

	cancel()
	select {
	case <-started:
		return <-done
	default:
		// The program hasn't been started by the service manager.
		return h.shutdown(context.WithoutCancel(ctx))
	}
}

// canContinue reports whether the daemon keeps running after the services have
// been started with err.  A failed tunnel setup leaves the session inactive
// until the next reconfiguration.  Errors are reported to l.
func canContinue(ctx context.Context, l *slog.Logger, err error) (ok bool) {
	switch {
	case err == nil:
		return true
	case errors.Is(err, tunsvc.ErrTunnelSetup):
		l.ErrorContext(ctx, "session is inactive, send SIGHUP to retry", slogutil.KeyError, err)

		return true
	default:
		l.ErrorContext(ctx, "starting services", slogutil.KeyError, err)

		return false
	}
}

// newConfigMgr returns a new configuration manager using defaultTimeout as the
// context timeout.
func newConfigMgr(
	ctx context.Context,
	l *slog.Logger,
	fileName string,
) (m *configmgr.Manager, err error) {
	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	return configmgr.New(ctx, &configmgr.ManagerConfig{
		Logger:   l.With(slogutil.KeyPrefix, "configmgr"),
		FileName: fileName,
	})
}

// warnNoAdminRights logs a warning if the process can't create the tunnel
// interface.
func warnNoAdminRights(ctx context.Context, l *slog.Logger) {
	ok, err := aghos.HaveAdminRights()
	if err != nil {
		l.WarnContext(ctx, "checking admin rights", slogutil.KeyError, err)
	} else if !ok {
		l.WarnContext(ctx, "not running as root, creating the tunnel interface may fail")
	}
}

// closeLog closes the log output.  Errors are reported to l.
func closeLog(ctx context.Context, l *slog.Logger, c io.Closer) {
	err := c.Close()
	if err != nil {
		l.ErrorContext(ctx, "closing log file", slogutil.KeyError, err)
	}
}

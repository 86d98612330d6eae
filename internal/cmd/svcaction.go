package cmd

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/AdguardTeam/golibs/logutil/slogutil"
	"github.com/AdguardTeam/golibs/osutil"
	"github.com/carrotproxy/daedalus/internal/ossvc"
	"github.com/kardianos/service"
)

// newServiceConfig returns the configuration of the system service running
// the daemon with the configuration and the PID files from opts.
func newServiceConfig(opts *options) (conf *service.Config, err error) {
	workDir := opts.workDir
	if workDir == "" {
		workDir, err = os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("getting working directory: %w", err)
		}
	}

	confFile, err := filepath.Abs(opts.confFile)
	if err != nil {
		return nil, fmt.Errorf("config file path: %w", err)
	}

	args := []string{"-c", confFile}
	if opts.pidFile != "" {
		var pidFile string
		pidFile, err = filepath.Abs(opts.pidFile)
		if err != nil {
			return nil, fmt.Errorf("pid file path: %w", err)
		}

		args = append(args, "--pidfile", pidFile)
	}

	if opts.verbose {
		args = append(args, "-v")
	}

	return ossvc.NewServiceConfig(ossvc.DefaultServiceName, workDir, args), nil
}

// performServiceAction performs the service control action from opts using
// mgr and returns the exit code.  The status is written to w.
func performServiceAction(
	ctx context.Context,
	l *slog.Logger,
	mgr ossvc.Manager,
	opts *options,
	w io.Writer,
) (exitCode int) {
	name := ossvc.ActionName(opts.serviceAction)
	if name == ossvc.ActionNameStatus {
		status, err := mgr.Status(ctx, ossvc.DefaultServiceName)
		if err != nil {
			l.ErrorContext(ctx, "getting service status", slogutil.KeyError, err)

			return osutil.ExitCodeFailure
		}

		_, _ = fmt.Fprintf(w, "service %s: %s\n", ossvc.DefaultServiceName, status)

		return osutil.ExitCodeSuccess
	}

	conf, err := newServiceConfig(opts)
	if err != nil {
		l.ErrorContext(ctx, "creating service config", slogutil.KeyError, err)

		return osutil.ExitCodeFailure
	}

	action, err := ossvc.NewAction(name, conf, opts.pidFile)
	if err != nil {
		l.ErrorContext(ctx, "parsing service action", slogutil.KeyError, err)

		return osutil.ExitCodeArgumentError
	}

	err = mgr.Perform(ctx, action)
	if err != nil {
		l.ErrorContext(ctx, "performing service action", "action", name, slogutil.KeyError, err)

		return osutil.ExitCodeFailure
	}

	return osutil.ExitCodeSuccess
}

// installOnBoot installs the daemon as a system service if it isn't
// installed yet.  Errors are reported to log.
func installOnBoot(ctx context.Context, l *slog.Logger, mgr ossvc.Manager, opts *options) {
	conf, err := newServiceConfig(opts)
	if err != nil {
		l.WarnContext(ctx, "creating service config", slogutil.KeyError, err)

		return
	}

	installed, err := ossvc.EnsureInstalled(ctx, mgr, conf)
	if err != nil {
		l.WarnContext(ctx, "installing service for start on boot", slogutil.KeyError, err)
	} else if installed {
		l.InfoContext(ctx, "installed service for start on boot", "name", conf.Name)
	}
}

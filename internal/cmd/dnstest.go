package cmd

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/AdguardTeam/golibs/logutil/slogutil"
	"github.com/AdguardTeam/golibs/osutil"
	"github.com/carrotproxy/daedalus/internal/configmgr"
	"github.com/carrotproxy/daedalus/internal/dnsserver"
	"github.com/carrotproxy/daedalus/internal/dnstest"
)

// testServers resolves the test domains with the primary and the secondary
// servers from the configuration of confMgr, writes the results to w, and
// returns the exit code.
func testServers(
	ctx context.Context,
	l *slog.Logger,
	confMgr *configmgr.Manager,
	w io.Writer,
) (exitCode int) {
	reg, err := confMgr.Registry()
	if err != nil {
		l.ErrorContext(ctx, "creating server registry", slogutil.KeyError, err)

		return osutil.ExitCodeFailure
	}

	pair, err := reg.SelectForSession()
	if err != nil {
		l.ErrorContext(ctx, "selecting servers", slogutil.KeyError, err)

		return osutil.ExitCodeFailure
	}

	tester := dnstest.New(&dnstest.Config{
		Logger:  l.With(slogutil.KeyPrefix, "dnstest"),
		Timeout: time.Duration(confMgr.Current().DNS.UpstreamTimeout),
	})

	servers := []dnsserver.Server{pair.Primary}
	if pair.Secondary.ID != pair.Primary.ID {
		servers = append(servers, pair.Secondary)
	}

	exitCode = osutil.ExitCodeSuccess
	for _, srv := range servers {
		results, testErr := tester.Test(ctx, srv)
		if testErr != nil {
			l.ErrorContext(ctx, "testing server", "server", srv, slogutil.KeyError, testErr)
			exitCode = osutil.ExitCodeFailure

			continue
		}

		if !writeResults(w, srv, results) {
			exitCode = osutil.ExitCodeFailure
		}
	}

	return exitCode
}

// writeResults writes the test results of srv to w.  ok is false if any of
// the resolutions failed.
func writeResults(w io.Writer, srv dnsserver.Server, results []*dnstest.Result) (ok bool) {
	ok = true

	_, _ = fmt.Fprintf(w, "%s:\n", srv)
	for _, res := range results {
		if res.Err != nil {
			ok = false
			_, _ = fmt.Fprintf(w, "  %s: error: %s\n", res.Domain, res.Err)

			continue
		}

		_, _ = fmt.Fprintf(w, "  %s: %v in %s\n", res.Domain, res.Addrs, res.RTT.Round(time.Millisecond))
	}

	return ok
}

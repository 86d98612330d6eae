//go:build unix

package aghos_test

import (
	"os"
	"testing"

	"github.com/carrotproxy/daedalus/internal/aghos"
	"github.com/stretchr/testify/assert"
	"golang.org/x/sys/unix"
)

func TestSignals(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		sig             os.Signal
		name            string
		wantReconfigure bool
		wantShutdown    bool
	}{{
		sig:             unix.SIGHUP,
		name:            "sighup",
		wantReconfigure: true,
		wantShutdown:    false,
	}, {
		sig:             unix.SIGTERM,
		name:            "sigterm",
		wantReconfigure: false,
		wantShutdown:    true,
	}, {
		sig:             os.Interrupt,
		name:            "interrupt",
		wantReconfigure: false,
		wantShutdown:    true,
	}, {
		sig:             unix.SIGUSR1,
		name:            "sigusr1",
		wantReconfigure: false,
		wantShutdown:    false,
	}}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			assert.Equal(t, tc.wantReconfigure, aghos.IsReconfigureSignal(tc.sig))
			assert.Equal(t, tc.wantShutdown, aghos.IsShutdownSignal(tc.sig))
		})
	}
}

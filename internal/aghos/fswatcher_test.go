package aghos_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/AdguardTeam/golibs/logutil/slogutil"
	"github.com/AdguardTeam/golibs/testutil"
	"github.com/carrotproxy/daedalus/internal/aghos"
	"github.com/stretchr/testify/require"
)

// testTimeout is the common timeout for tests.
const testTimeout = 1 * time.Second

func TestOSWatcher(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	name := filepath.Join(dir, "hosts")
	require.NoError(t, os.WriteFile(name, []byte("1.2.3.4 a.example\n"), 0o644))

	w, err := aghos.NewOSWatcher(slogutil.NewDiscardLogger())
	require.NoError(t, err)

	ctx := testutil.ContextWithTimeout(t, testTimeout)
	require.NoError(t, w.Start(ctx))
	testutil.CleanupAndRequireSuccess(t, func() (err error) {
		return w.Shutdown(testutil.ContextWithTimeout(t, testTimeout))
	})

	require.NoError(t, w.Add(name))

	// An untracked file in the same directory must not produce events.
	other := filepath.Join(dir, "other")
	require.NoError(t, os.WriteFile(other, []byte("x"), 0o644))

	select {
	case <-w.Events():
		t.Fatal("unexpected event for an untracked file")
	case <-time.After(testTimeout / 10):
		// Go on.
	}

	require.NoError(t, os.WriteFile(name, []byte("5.6.7.8 a.example\n"), 0o644))
	testutil.RequireReceive(t, w.Events(), testTimeout)

	require.NoError(t, w.Remove(name))
}

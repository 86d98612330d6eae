package filtering_test

import (
	"fmt"
	"net/netip"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/AdguardTeam/golibs/logutil/slogutil"
	"github.com/AdguardTeam/golibs/testutil"
	"github.com/carrotproxy/daedalus/internal/aghos"
	"github.com/carrotproxy/daedalus/internal/filtering"
	"github.com/carrotproxy/daedalus/internal/filtering/rulelist"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testTimeout is the common timeout for tests.
const testTimeout = 1 * time.Second

// testPollInterval is the interval between state checks in tests.
const testPollInterval = 10 * time.Millisecond

// writeRuleFile writes data into a new file in dir and returns its path.
func writeRuleFile(tb testing.TB, dir, name, data string) (path string) {
	tb.Helper()

	path = filepath.Join(dir, name)
	err := os.WriteFile(path, []byte(data), 0o644)
	require.NoError(tb, err)

	return path
}

// newTestResolver returns a new started resolver that is shut down on the
// test cleanup.
func newTestResolver(tb testing.TB) (r *filtering.Resolver) {
	tb.Helper()

	r = filtering.New(&filtering.Config{
		Logger: slogutil.NewDiscardLogger(),
	})

	ctx := testutil.ContextWithTimeout(tb, testTimeout)
	require.NoError(tb, r.Start(ctx))
	testutil.CleanupAndRequireSuccess(tb, func() (err error) {
		return r.Shutdown(testutil.ContextWithTimeout(tb, testTimeout))
	})

	return r
}

// requireReady waits until r is ready.
func requireReady(tb testing.TB, r *filtering.Resolver) {
	tb.Helper()

	require.Eventually(tb, func() (ok bool) {
		return r.State() == filtering.StateReady
	}, testTimeout, testPollInterval)
}

func TestResolver_Lookup(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	hosts := writeRuleFile(t, dir, "hosts", ""+
		"0.0.0.0 ads.example.com\n"+
		"1.2.3.4 good.example.com\n",
	)

	r := newTestResolver(t)

	assert.Equal(t, filtering.StateIdle, r.State())
	assert.Equal(t, rulelist.Result{}, r.Lookup("ads.example.com"))

	ctx := testutil.ContextWithTimeout(t, testTimeout)
	r.StartLoad(ctx, &filtering.LoadRequest{
		Files:  []string{hosts},
		Format: rulelist.FormatHosts,
	})
	requireReady(t, r)

	testCases := []struct {
		name   string
		domain string
		want   rulelist.Result
	}{{
		name:   "block",
		domain: "ads.example.com.",
		want: rulelist.Result{
			Source: hosts,
			Action: rulelist.ActionBlock,
		},
	}, {
		name:   "redirect",
		domain: "Good.Example.COM",
		want: rulelist.Result{
			Addr:   netip.MustParseAddr("1.2.3.4"),
			Source: hosts,
			Action: rulelist.ActionRedirect,
		},
	}, {
		name:   "subdomain",
		domain: "sub.ads.example.com",
		want:   rulelist.Result{},
	}, {
		name:   "unknown",
		domain: "unknown.example",
		want:   rulelist.Result{},
	}, {
		name:   "invalid",
		domain: "",
		want:   rulelist.Result{},
	}}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			assert.Equal(t, tc.want, r.Lookup(tc.domain))
		})
	}

	assert.Equal(t, 2, r.RuleCount())
}

func TestResolver_StartLoad_lastFileWins(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	fileA := writeRuleFile(t, dir, "a.conf", "address=/x.example/1.1.1.1\n")
	fileB := writeRuleFile(t, dir, "b.conf", "address=/x.example/2.2.2.2\n")

	r := newTestResolver(t)

	ctx := testutil.ContextWithTimeout(t, testTimeout)
	r.StartLoad(ctx, &filtering.LoadRequest{
		Files:  []string{fileA, fileB},
		Format: rulelist.FormatDnsmasq,
	})
	requireReady(t, r)

	res := r.Lookup("x.example")
	assert.Equal(t, rulelist.ActionRedirect, res.Action)
	assert.Equal(t, netip.MustParseAddr("2.2.2.2"), res.Addr)
}

func TestResolver_StartLoad_coalesce(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	r := newTestResolver(t)
	ctx := testutil.ContextWithTimeout(t, testTimeout)

	const n = 5
	for i := range n {
		name := fmt.Sprintf("hosts%d", i)
		data := fmt.Sprintf("10.0.0.%d x.example\n", i)
		r.StartLoad(ctx, &filtering.LoadRequest{
			Files:  []string{writeRuleFile(t, dir, name, data)},
			Format: rulelist.FormatHosts,
		})
	}

	requireReady(t, r)

	assert.Equal(t, netip.AddrFrom4([4]byte{10, 0, 0, n - 1}), r.Lookup("x.example").Addr)
}

func TestResolver_StartLoad_unavailable(t *testing.T) {
	t.Parallel()

	r := newTestResolver(t)
	ctx := testutil.ContextWithTimeout(t, testTimeout)

	r.StartLoad(ctx, &filtering.LoadRequest{
		Files:  []string{filepath.Join(t.TempDir(), "missing")},
		Format: rulelist.FormatHosts,
	})
	requireReady(t, r)

	assert.Zero(t, r.RuleCount())
	assert.Equal(t, rulelist.Result{}, r.Lookup("x.example"))
}

func TestResolver_Clear(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	hosts := writeRuleFile(t, dir, "hosts", "0.0.0.0 ads.example.com\n")

	r := newTestResolver(t)
	ctx := testutil.ContextWithTimeout(t, testTimeout)

	r.StartLoad(ctx, &filtering.LoadRequest{
		Files:  []string{hosts},
		Format: rulelist.FormatHosts,
	})
	requireReady(t, r)
	require.Equal(t, rulelist.ActionBlock, r.Lookup("ads.example.com").Action)

	r.Clear(ctx)

	assert.Equal(t, filtering.StateReady, r.State())
	assert.Zero(t, r.RuleCount())
	assert.Equal(t, rulelist.ActionPassthrough, r.Lookup("ads.example.com").Action)
}

func TestResolver_Shutdown(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	hosts := writeRuleFile(t, dir, "hosts", "0.0.0.0 ads.example.com\n")

	r := filtering.New(&filtering.Config{
		Logger: slogutil.NewDiscardLogger(),
	})

	ctx := testutil.ContextWithTimeout(t, testTimeout)
	r.StartLoad(ctx, &filtering.LoadRequest{
		Files:  []string{hosts},
		Format: rulelist.FormatHosts,
	})
	requireReady(t, r)

	require.NoError(t, r.Shutdown(ctx))

	assert.Equal(t, filtering.StateShutDown, r.State())
	assert.Equal(t, rulelist.Result{}, r.Lookup("ads.example.com"))

	r.StartLoad(ctx, &filtering.LoadRequest{
		Files:  []string{hosts},
		Format: rulelist.FormatHosts,
	})
	assert.Equal(t, filtering.StateShutDown, r.State())

	require.NoError(t, r.Shutdown(ctx))
}

func TestResolver_concurrentSwap(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	oldFile := writeRuleFile(t, dir, "old", "1.1.1.1 x.example\n1.1.1.1 y.example\n")
	newFile := writeRuleFile(t, dir, "new", "2.2.2.2 x.example\n2.2.2.2 y.example\n")

	r := newTestResolver(t)
	ctx := testutil.ContextWithTimeout(t, testTimeout)

	oldReq := &filtering.LoadRequest{Files: []string{oldFile}, Format: rulelist.FormatHosts}
	newReq := &filtering.LoadRequest{Files: []string{newFile}, Format: rulelist.FormatHosts}

	r.StartLoad(ctx, oldReq)
	requireReady(t, r)

	addrs := []netip.Addr{
		netip.MustParseAddr("1.1.1.1"),
		netip.MustParseAddr("2.2.2.2"),
	}

	stop := make(chan struct{})
	wg := &sync.WaitGroup{}
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()

			for {
				select {
				case <-stop:
					return
				default:
				}

				res := r.Lookup("x.example")
				assert.Equal(t, rulelist.ActionRedirect, res.Action)
				assert.Contains(t, addrs, res.Addr)
			}
		}()
	}

	for i := range 10 {
		req := oldReq
		if i%2 == 0 {
			req = newReq
		}

		r.StartLoad(ctx, req)
		requireReady(t, r)
	}

	close(stop)
	wg.Wait()

	assert.Equal(t, netip.MustParseAddr("1.1.1.1"), r.Lookup("x.example").Addr)
}

func TestResolver_watch(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	hosts := writeRuleFile(t, dir, "hosts", "1.1.1.1 x.example\n")

	w, err := aghos.NewOSWatcher(slogutil.NewDiscardLogger())
	require.NoError(t, err)

	ctx := testutil.ContextWithTimeout(t, testTimeout)
	require.NoError(t, w.Start(ctx))
	testutil.CleanupAndRequireSuccess(t, func() (err error) {
		return w.Shutdown(testutil.ContextWithTimeout(t, testTimeout))
	})

	r := filtering.New(&filtering.Config{
		Logger:  slogutil.NewDiscardLogger(),
		Watcher: w,
	})
	require.NoError(t, r.Start(ctx))
	testutil.CleanupAndRequireSuccess(t, func() (err error) {
		return r.Shutdown(testutil.ContextWithTimeout(t, testTimeout))
	})

	r.StartLoad(ctx, &filtering.LoadRequest{
		Files:  []string{hosts},
		Format: rulelist.FormatHosts,
	})
	requireReady(t, r)
	require.Equal(t, netip.MustParseAddr("1.1.1.1"), r.Lookup("x.example").Addr)

	writeRuleFile(t, dir, "hosts", "2.2.2.2 x.example\n")

	assert.Eventually(t, func() (ok bool) {
		return r.Lookup("x.example").Addr == netip.MustParseAddr("2.2.2.2")
	}, testTimeout, testPollInterval)
}

func TestResolver_emptyWatcher(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	hosts := writeRuleFile(t, dir, "hosts", "1.1.1.1 x.example\n")

	r := filtering.New(&filtering.Config{
		Logger:  slogutil.NewDiscardLogger(),
		Watcher: aghos.EmptyFSWatcher{},
	})

	ctx := testutil.ContextWithTimeout(t, testTimeout)
	require.NoError(t, r.Start(ctx))
	testutil.CleanupAndRequireSuccess(t, func() (err error) {
		return r.Shutdown(testutil.ContextWithTimeout(t, testTimeout))
	})

	r.StartLoad(ctx, &filtering.LoadRequest{
		Files:  []string{hosts},
		Format: rulelist.FormatHosts,
	})
	requireReady(t, r)

	assert.Equal(t, netip.MustParseAddr("1.1.1.1"), r.Lookup("x.example").Addr)
}

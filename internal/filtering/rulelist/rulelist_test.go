package rulelist_test

import (
	"context"
	"net/netip"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/AdguardTeam/golibs/logutil/slogutil"
	"github.com/AdguardTeam/golibs/testutil"
	"github.com/carrotproxy/daedalus/internal/filtering/rulelist"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testTimeout is the common timeout for tests.
const testTimeout = 1 * time.Second

// writeRuleFile writes data into a new file in dir and returns its path.
func writeRuleFile(tb testing.TB, dir, name, data string) (path string) {
	tb.Helper()

	path = filepath.Join(dir, name)
	err := os.WriteFile(path, []byte(data), 0o644)
	require.NoError(tb, err)

	return path
}

func TestBuild(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	fileA := writeRuleFile(t, dir, "a.txt", ""+
		"0.0.0.0 ads.example.com\n"+
		"1.2.3.4 x.example\n"+
		"garbage\n",
	)
	fileB := writeRuleFile(t, dir, "b.txt", "5.6.7.8 x.example\n")
	missing := filepath.Join(dir, "missing.txt")

	ctx := testutil.ContextWithTimeout(t, testTimeout)
	set, res, err := rulelist.Build(ctx, &rulelist.BuildConfig{
		Logger: slogutil.NewDiscardLogger(),
		Files:  []string{fileA, missing, fileB},
		Format: rulelist.FormatHosts,
	})
	require.NoError(t, err)
	require.NotNil(t, set)

	assert.Equal(t, 2, set.Len())
	assert.Equal(t, 2, res.Loaded())

	require.Len(t, res.Files, 3)
	assert.Equal(t, 2, res.Files[0].Rules)
	assert.Equal(t, 1, res.Files[0].Skipped)
	assert.ErrorIs(t, res.Files[1].Err, rulelist.ErrFileUnavailable)
	assert.NoError(t, res.Files[2].Err)

	e, ok := set.Lookup("x.example")
	require.True(t, ok)

	assert.Equal(t, netip.MustParseAddr("5.6.7.8"), e.Addr)
	assert.Equal(t, fileB, e.Source)

	e, ok = set.Lookup("ads.example.com")
	require.True(t, ok)

	assert.Equal(t, rulelist.ActionBlock, e.Action)
}

func TestBuild_lastLineWins(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	file := writeRuleFile(t, dir, "dnsmasq.conf", ""+
		"address=/corp.example/\n"+
		"server=/corp.example/10.0.0.1\n",
	)

	ctx := testutil.ContextWithTimeout(t, testTimeout)
	set, _, err := rulelist.Build(ctx, &rulelist.BuildConfig{
		Logger: slogutil.NewDiscardLogger(),
		Files:  []string{file},
		Format: rulelist.FormatDnsmasq,
	})
	require.NoError(t, err)

	e, ok := set.Lookup("corp.example")
	require.True(t, ok)

	assert.Equal(t, rulelist.ActionPassthrough, e.Action)
}

func TestBuild_maxFileSize(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	file := writeRuleFile(t, dir, "hosts", ""+
		"1.2.3.4 first.example\n"+
		"1.2.3.4 second.example\n",
	)

	ctx := testutil.ContextWithTimeout(t, testTimeout)
	set, _, err := rulelist.Build(ctx, &rulelist.BuildConfig{
		Logger:      slogutil.NewDiscardLogger(),
		Files:       []string{file},
		Format:      rulelist.FormatHosts,
		MaxFileSize: 22,
	})
	require.NoError(t, err)

	assert.Equal(t, 1, set.Len())
}

func TestBuild_canceled(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	file := writeRuleFile(t, dir, "hosts", "1.2.3.4 a.example\n")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	set, _, err := rulelist.Build(ctx, &rulelist.BuildConfig{
		Logger: slogutil.NewDiscardLogger(),
		Files:  []string{file},
		Format: rulelist.FormatHosts,
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Nil(t, set)
}

func TestSet(t *testing.T) {
	t.Parallel()

	assert.Zero(t, rulelist.EmptySet().Len())

	s := rulelist.NewSet(&rulelist.Entry{
		Domain: "a.example",
		Action: rulelist.ActionBlock,
	}, &rulelist.Entry{
		Addr:   netip.MustParseAddr("1.2.3.4"),
		Domain: "a.example",
		Action: rulelist.ActionRedirect,
	})

	assert.Equal(t, 1, s.Len())

	e, ok := s.Lookup("a.example")
	require.True(t, ok)

	assert.Equal(t, rulelist.Result{
		Addr:   netip.MustParseAddr("1.2.3.4"),
		Action: rulelist.ActionRedirect,
	}, e.Result())

	_, ok = s.Lookup("b.example")
	assert.False(t, ok)
}

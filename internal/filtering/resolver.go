// Package filtering contains the rule resolver that answers rule lookups from
// the currently published rule set and loads new rule sets in the background.
package filtering

import (
	"context"
	"fmt"
	"log/slog"
	"net/netip"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/AdguardTeam/golibs/errors"
	"github.com/AdguardTeam/golibs/logutil/slogutil"
	"github.com/AdguardTeam/golibs/service"
	"github.com/c2h5oh/datasize"
	"github.com/carrotproxy/daedalus/internal/aghos"
	"github.com/carrotproxy/daedalus/internal/filtering/rulelist"
)

// State is the lifecycle state of a [Resolver].
type State uint8

// Valid states.
const (
	StateIdle State = iota
	StateLoading
	StateReady
	StateShutDown
)

// type check
var _ fmt.Stringer = StateIdle

// String implements the [fmt.Stringer] interface for State.
func (s State) String() (str string) {
	switch s {
	case StateIdle:
		return "idle"
	case StateLoading:
		return "loading"
	case StateReady:
		return "ready"
	case StateShutDown:
		return "shut_down"
	default:
		return fmt.Sprintf("!bad_state_%d", s)
	}
}

// LoadRequest is a request to build a new rule set.
type LoadRequest struct {
	// Files are the paths of the rule files in their order.
	Files []string

	// Format is the declared format of the files.
	Format rulelist.Format
}

// Config is the configuration of a [Resolver].
type Config struct {
	// Logger is used to log the operation of the resolver.  It must not be
	// nil.
	Logger *slog.Logger

	// Metrics is used to report published rule sets.  If nil, [EmptyMetrics]
	// is used.
	Metrics Metrics

	// Watcher is used to reload the rule files on changes.  If nil,
	// [aghos.EmptyFSWatcher] is used and the files are not watched.
	Watcher aghos.FSWatcher

	// NullAddrs are the blocking addresses of hosts-file rules.  If empty,
	// [rulelist.DefaultNullAddrs] are used.
	NullAddrs []netip.Addr

	// MaxFileSize is the maximum size of a single rule file.  If zero,
	// [rulelist.DefaultMaxFileSize] is used.
	MaxFileSize datasize.ByteSize
}

// Resolver answers rule lookups from an immutable rule set and replaces that
// set with newly built ones.  Lookups never block on loads.
type Resolver struct {
	logger      *slog.Logger
	metrics     Metrics
	watcher     aghos.FSWatcher
	nullAddrs   []netip.Addr
	maxFileSize datasize.ByteSize

	// current is the published rule set.  It is nil before the first
	// publication and after the shutdown.
	current atomic.Pointer[rulelist.Set]

	// wg tracks the build goroutines.
	wg *sync.WaitGroup

	// mu protects the fields below.
	mu *sync.Mutex

	// cancel cancels the in-flight build.  It is nil if there is none.
	cancel context.CancelFunc

	// pending is the request to run after the in-flight build.
	pending *LoadRequest

	// last is the request of the last published set.  It is re-run when the
	// rule files change.
	last *LoadRequest

	// watched are the files added to watcher.
	watched []string

	// gen is incremented by [Resolver.Clear] to make the in-flight build
	// stale.
	gen uint64

	state State
}

// New returns a new resolver in the idle state.  c must not be nil and must be
// valid.
func New(c *Config) (r *Resolver) {
	m := c.Metrics
	if m == nil {
		m = EmptyMetrics{}
	}

	w := c.Watcher
	if w == nil {
		w = aghos.EmptyFSWatcher{}
	}

	return &Resolver{
		logger:      c.Logger,
		metrics:     m,
		watcher:     w,
		nullAddrs:   slices.Clone(c.NullAddrs),
		maxFileSize: c.MaxFileSize,
		wg:          &sync.WaitGroup{},
		mu:          &sync.Mutex{},
		state:       StateIdle,
	}
}

// type check
var _ service.Interface = (*Resolver)(nil)

// Start implements the [service.Interface] interface for *Resolver.  It starts
// handling the events of the rule file watcher, if any.
func (r *Resolver) Start(ctx context.Context) (err error) {
	events := r.watcher.Events()
	if events == nil {
		return nil
	}

	go r.handleFileEvents(context.WithoutCancel(ctx), events)

	return nil
}

// Shutdown implements the [service.Interface] interface for *Resolver.  The
// in-flight build is canceled and its result is discarded.  Lookups after the
// shutdown return passthrough results.
func (r *Resolver) Shutdown(ctx context.Context) (err error) {
	r.mu.Lock()
	if r.state == StateShutDown {
		r.mu.Unlock()

		return nil
	}

	r.state = StateShutDown
	r.pending = nil
	r.last = nil
	if r.cancel != nil {
		r.cancel()
	}

	r.current.Store(nil)
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		r.logger.InfoContext(ctx, "shut down")

		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for rule builds: %w", ctx.Err())
	}
}

// State returns the current state of r.
func (r *Resolver) State() (s State) {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.state
}

// RuleCount returns the number of domains in the published set.
func (r *Resolver) RuleCount() (n int) {
	set := r.current.Load()
	if set == nil {
		return 0
	}

	return set.Len()
}

// Lookup returns the rule result for the domain name.  It is safe for
// concurrent use and never blocks.  The result is passthrough when there is no
// rule for the domain, before the first publication, and after the shutdown.
func (r *Resolver) Lookup(domain string) (res rulelist.Result) {
	set := r.current.Load()
	if set == nil {
		return rulelist.Result{}
	}

	key, err := rulelist.NormalizeDomain(domain)
	if err != nil {
		return rulelist.Result{}
	}

	e, ok := set.Lookup(key)
	if !ok {
		return rulelist.Result{}
	}

	return e.Result()
}

// StartLoad requests building a new rule set from req.  If a build is already
// in flight, req replaces any previously pending request and is run after the
// in-flight build finishes.  req must not be nil.
func (r *Resolver) StartLoad(ctx context.Context, req *LoadRequest) {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch r.state {
	case StateShutDown:
		r.logger.DebugContext(ctx, "ignoring load request after shutdown")
	case StateLoading:
		r.pending = req
		r.logger.DebugContext(ctx, "load request pending", "files", len(req.Files))
	default:
		r.startBuild(ctx, req)
	}
}

// Clear publishes the empty rule set and drops the pending request.  An
// in-flight build is canceled and its result is discarded.
func (r *Resolver) Clear(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state == StateShutDown {
		return
	}

	r.gen++
	r.pending = nil
	r.last = nil
	if r.cancel != nil {
		r.cancel()
	} else {
		r.state = StateReady
	}

	r.current.Store(rulelist.EmptySet())
	r.metrics.SetRuleCount(ctx, 0)

	r.logger.InfoContext(ctx, "rules cleared")
}

// startBuild starts building the set for req in a new goroutine.  r.mu must be
// locked.
func (r *Resolver) startBuild(ctx context.Context, req *LoadRequest) {
	buildCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))

	r.cancel = cancel
	r.state = StateLoading

	r.wg.Add(1)
	go r.build(buildCtx, req, r.gen)
}

// build builds and publishes the rule set for req.  It is intended to be used
// as a goroutine.
func (r *Resolver) build(ctx context.Context, req *LoadRequest, gen uint64) {
	defer r.wg.Done()
	defer slogutil.RecoverAndLog(ctx, r.logger)

	r.logger.InfoContext(ctx, "loading rules", "files", len(req.Files), "format", req.Format)

	start := time.Now()
	set, res, err := rulelist.Build(ctx, &rulelist.BuildConfig{
		Logger:      r.logger,
		NullAddrs:   r.nullAddrs,
		Files:       req.Files,
		Format:      req.Format,
		MaxFileSize: r.maxFileSize,
	})
	dur := time.Since(start)

	if err == nil && res.Loaded() == 0 && len(req.Files) > 0 {
		r.logger.ErrorContext(ctx, "no rule files could be read", "files", len(req.Files))
	}

	r.finishBuild(ctx, req, gen, set, err, dur)
}

// finishBuild publishes set, if it is still relevant, and starts the pending
// build, if any.
func (r *Resolver) finishBuild(
	ctx context.Context,
	req *LoadRequest,
	gen uint64,
	set *rulelist.Set,
	buildErr error,
	dur time.Duration,
) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.cancel()
	r.cancel = nil

	switch {
	case r.state == StateShutDown:
		r.logger.DebugContext(ctx, "discarding rules built after shutdown")

		return
	case buildErr != nil:
		r.logger.DebugContext(ctx, "rule build canceled", slogutil.KeyError, buildErr)
	case gen != r.gen:
		r.logger.DebugContext(ctx, "discarding stale rules")
	default:
		r.current.Store(set)
		r.last = req
		r.metrics.SetRuleCount(ctx, set.Len())
		r.metrics.ObserveLoad(ctx, dur)
		r.watch(ctx, req.Files)

		r.logger.InfoContext(ctx, "rules loaded", "domains", set.Len(), "elapsed", dur)
	}

	if next := r.pending; next != nil {
		r.pending = nil
		r.startBuild(ctx, next)

		return
	}

	r.state = StateReady
}

// watch replaces the files tracked by the watcher with files.  r.mu must be
// locked.
func (r *Resolver) watch(ctx context.Context, files []string) {
	var errs []error
	for _, f := range r.watched {
		if !slices.Contains(files, f) {
			errs = append(errs, r.watcher.Remove(f))
		}
	}

	for _, f := range files {
		if !slices.Contains(r.watched, f) {
			errs = append(errs, r.watcher.Add(f))
		}
	}

	r.watched = slices.Clone(files)

	if err := errors.Join(errs...); err != nil {
		r.logger.WarnContext(ctx, "watching rule files", slogutil.KeyError, err)
	}
}

// handleFileEvents reloads the last published request on changes of the rule
// files.  It is intended to be used as a goroutine.
func (r *Resolver) handleFileEvents(ctx context.Context, events <-chan aghos.Event) {
	defer slogutil.RecoverAndLog(ctx, r.logger)

	for range events {
		r.mu.Lock()
		req := r.last
		r.mu.Unlock()

		if req == nil {
			continue
		}

		r.logger.InfoContext(ctx, "rule files changed, reloading")
		r.StartLoad(ctx, req)
	}
}

// Package heartbeat contains the periodic submission of the account token to
// the proxy provider, which keeps the current public address of the device
// registered.
package heartbeat

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/AdguardTeam/golibs/contextutil"
	"github.com/AdguardTeam/golibs/errors"
	"github.com/AdguardTeam/golibs/httphdr"
	"github.com/AdguardTeam/golibs/ioutil"
	"github.com/AdguardTeam/golibs/service"
	"github.com/AdguardTeam/golibs/timeutil"
	"github.com/c2h5oh/datasize"
	"github.com/carrotproxy/daedalus/internal/version"
)

// Defaults of the submissions.
const (
	DefaultInterval = 15 * time.Second
	DefaultTimeout  = 10 * time.Second
)

// TokenParam is the name of the query parameter carrying the token.
const TokenParam = "token"

// ErrBadStatus is returned when the server responds with a non-2xx status.
const ErrBadStatus errors.Error = "bad response status"

// maxRespSize is the maximum number of bytes read from a response body.
const maxRespSize = 64 * datasize.KB

// Metrics is the interface for the collection of submission statistics.
type Metrics interface {
	// IncSubmission increments the number of submissions.  ok is false if
	// the submission failed.
	IncSubmission(ctx context.Context, ok bool)
}

// EmptyMetrics is an implementation of [Metrics] that does nothing.
type EmptyMetrics struct{}

// type check
var _ Metrics = EmptyMetrics{}

// IncSubmission implements the [Metrics] interface for EmptyMetrics.
func (EmptyMetrics) IncSubmission(_ context.Context, _ bool) {}

// Config is the configuration of the token submissions.
type Config struct {
	// Logger is used to log the failed submissions.  It must not be nil.
	Logger *slog.Logger

	// Metrics is used to count the submissions.  If nil, [EmptyMetrics] is
	// used.
	Metrics Metrics

	// Client is used to send the requests.  If nil, a client with Timeout is
	// used.
	Client *http.Client

	// URL is the address of the submission endpoint.  It must not be nil.
	URL *url.URL

	// Token is the account token.
	Token string

	// Interval is the time between the submissions.  If zero,
	// [DefaultInterval] is used.
	Interval time.Duration

	// Timeout is the timeout of a single submission.  If zero,
	// [DefaultTimeout] is used.
	Timeout time.Duration
}

// Submitter sends the token to the endpoint.
type Submitter struct {
	metrics Metrics
	client  *http.Client
	url     *url.URL
}

// NewSubmitter returns a new *Submitter.  c must not be nil and must be valid.
func NewSubmitter(c *Config) (s *Submitter) {
	m := c.Metrics
	if m == nil {
		m = EmptyMetrics{}
	}

	client := c.Client
	if client == nil {
		client = &http.Client{
			Timeout: timeoutOrDefault(c.Timeout),
		}
	}

	u := *c.URL
	q := u.Query()
	q.Set(TokenParam, c.Token)
	u.RawQuery = q.Encode()

	return &Submitter{
		metrics: m,
		client:  client,
		url:     &u,
	}
}

// timeoutOrDefault returns timeout or [DefaultTimeout] if it is zero.
func timeoutOrDefault(timeout time.Duration) (res time.Duration) {
	if timeout == 0 {
		return DefaultTimeout
	}

	return timeout
}

// type check
var _ service.Refresher = (*Submitter)(nil)

// Refresh implements the [service.Refresher] interface for *Submitter.  It
// submits the token once.  The returned errors never contain the token.
func (s *Submitter) Refresh(ctx context.Context) (err error) {
	defer func() { s.metrics.IncSubmission(ctx, err == nil) }()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url.String(), nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	req.Header.Set(httphdr.UserAgent, version.UserAgent())

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("submitting token to %s: %w", s.url.Host, unwrapURLError(err))
	}
	defer func() { err = errors.WithDeferred(err, resp.Body.Close()) }()

	// Drain the body so that the connection can be reused.
	_, _ = io.Copy(io.Discard, ioutil.LimitReader(resp.Body, maxRespSize.Bytes()))

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return fmt.Errorf("submitting token to %s: %w: %d", s.url.Host, ErrBadStatus, resp.StatusCode)
	}

	return nil
}

// unwrapURLError returns the underlying error of a *url.Error, which contains
// the full URL with the token.
func unwrapURLError(err error) (unwrapped error) {
	var uErr *url.Error
	if errors.As(err, &uErr) {
		return uErr.Err
	}

	return err
}

// New returns a worker submitting the token first at once and then every
// c.Interval.  c must not be nil and must be valid.
func New(c *Config) (w *service.RefreshWorker) {
	ivl := c.Interval
	if ivl == 0 {
		ivl = DefaultInterval
	}

	return service.NewRefreshWorker(&service.RefreshWorkerConfig{
		ContextConstructor: contextutil.NewTimeoutConstructor(timeoutOrDefault(c.Timeout)),
		ErrorHandler:       service.NewSlogErrorHandler(c.Logger, slog.LevelWarn, "heartbeat"),
		Refresher:          NewSubmitter(c),
		Schedule:           &schedule{ivl: ivl},
	})
}

// schedule is a [timeutil.Schedule] with no delay before the first run.  It is
// only used from the goroutine of a single worker.
type schedule struct {
	ivl     time.Duration
	started bool
}

// type check
var _ timeutil.Schedule = (*schedule)(nil)

// UntilNext implements the [timeutil.Schedule] interface for *schedule.
func (s *schedule) UntilNext(_ time.Time) (d time.Duration) {
	if !s.started {
		s.started = true

		return 0
	}

	return s.ivl
}

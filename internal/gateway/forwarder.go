package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sony/gobreaker"

	"github.com/vyrodovalexey/keyarc-gateway/internal/observability"
	"github.com/vyrodovalexey/keyarc-gateway/internal/retry"
	"github.com/vyrodovalexey/keyarc-gateway/internal/router"
)

// Default forwarder settings.
const (
	DefaultServiceTimeout = 5 * time.Second
	DefaultRetryBackoff   = 50 * time.Millisecond
)

// Result labels of downstream calls.
const (
	resultSuccess     = "success"
	resultError       = "error"
	resultTimeout     = "timeout"
	resultCircuitOpen = "circuit_open"
	resultCancelled   = "cancelled"
)

// ForwarderConfig configures a Forwarder.
type ForwarderConfig struct {
	// Retry enables the single retry of idempotent requests.
	Retry bool

	// RetryBackoff is the wait before the retry.
	RetryBackoff time.Duration

	// Breaker configures the per-service circuit breakers.
	Breaker BreakerConfig
}

// GetEffectiveRetryBackoff returns the effective retry backoff.
func (c ForwarderConfig) GetEffectiveRetryBackoff() time.Duration {
	if c.RetryBackoff <= 0 {
		return DefaultRetryBackoff
	}
	return c.RetryBackoff
}

// upstream is one resource service.
type upstream struct {
	name    string
	base    *url.URL
	timeout time.Duration
	breaker *gobreaker.CircuitBreaker
}

// Forwarder relays permitted requests to resource services.
type Forwarder struct {
	config    ForwarderConfig
	upstreams map[string]*upstream
	transport http.RoundTripper
	logger    observability.Logger
	metrics   *Metrics
}

// ForwarderOption is a functional option for configuring the forwarder.
type ForwarderOption func(*Forwarder)

// WithForwarderLogger sets the logger for the forwarder.
func WithForwarderLogger(logger observability.Logger) ForwarderOption {
	return func(f *Forwarder) {
		f.logger = logger
	}
}

// WithForwarderMetrics sets the metrics for the forwarder.
func WithForwarderMetrics(metrics *Metrics) ForwarderOption {
	return func(f *Forwarder) {
		f.metrics = metrics
	}
}

// WithTransport sets the round tripper used for downstream calls.
func WithTransport(rt http.RoundTripper) ForwarderOption {
	return func(f *Forwarder) {
		f.transport = rt
	}
}

// NewForwarder creates a forwarder for services.
func NewForwarder(services []router.Service, cfg ForwarderConfig, opts ...ForwarderOption) (*Forwarder, error) {
	f := &Forwarder{
		config:    cfg,
		upstreams: make(map[string]*upstream, len(services)),
		logger:    observability.NopLogger(),
	}
	for _, opt := range opts {
		opt(f)
	}
	f.logger = f.logger.With(observability.String("component", "forwarder"))
	if f.metrics == nil {
		f.metrics = NewMetrics("gateway")
	}
	if f.transport == nil {
		f.transport = defaultTransport()
	}

	for _, svc := range services {
		base, err := url.Parse(svc.URL)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrInvalidService, svc.Name, err)
		}
		if (base.Scheme != "http" && base.Scheme != "https") || base.Host == "" {
			return nil, fmt.Errorf("%w: %s: url %q must be absolute http(s)", ErrInvalidService, svc.Name, svc.URL)
		}

		up := &upstream{name: svc.Name, base: base, timeout: svc.Timeout}
		if up.timeout <= 0 {
			up.timeout = DefaultServiceTimeout
		}
		if cfg.Breaker.Enabled {
			up.breaker = newBreaker(svc.Name, cfg.Breaker, f.logger, f.metrics)
		}
		f.upstreams[svc.Name] = up
	}

	return f, nil
}

func defaultTransport() http.RoundTripper {
	t := http.DefaultTransport.(*http.Transport).Clone()
	t.MaxIdleConnsPerHost = 64
	t.IdleConnTimeout = 90 * time.Second
	return t
}

// Forward sends r to the matched service and streams the response to
// w. A *DownstreamError is returned, with nothing written, when the
// service could not be reached; the caller renders it. The returned
// status is the one relayed to the client.
func (f *Forwarder) Forward(w http.ResponseWriter, r *http.Request, m *router.Match, id Identity) (int, error) {
	up, ok := f.upstreams[m.Service.Name]
	if !ok {
		return 0, &DownstreamError{Service: m.Service.Name, Kind: ErrDownstreamUnavailable, Cause: ErrInvalidService}
	}

	ctx, cancel := context.WithTimeout(r.Context(), up.timeout)
	defer cancel()

	target := up.target(m.UpstreamPath, r.URL.RawQuery)
	header := outboundHeaders(r, id)
	retryable := f.config.Retry && isIdempotent(r.Method) && hasNoBody(r)

	cfg := &retry.Config{
		MaxRetries:     1,
		InitialBackoff: f.config.GetEffectiveRetryBackoff(),
		MaxBackoff:     f.config.GetEffectiveRetryBackoff(),
		NoJitter:       true,
	}

	start := time.Now()
	var resp *http.Response
	err := retry.Do(ctx, cfg, func() error {
		if resp != nil {
			drain(resp)
			resp = nil
		}
		var err error
		resp, err = f.roundTrip(ctx, up, r, target, header)
		return err
	}, &retry.Options{
		ShouldRetry: func(err error) bool {
			return retryable && isTransient(err) && r.Context().Err() == nil
		},
		OnRetry: func(attempt int, err error, backoff time.Duration) {
			f.metrics.RecordRetry(up.name)
			f.logger.Debug("retrying downstream request",
				observability.String("service", up.name),
				observability.String("method", r.Method),
				observability.Int("attempt", attempt),
				observability.Duration("backoff", backoff),
				observability.Error(err),
			)
		},
	})

	// A transient status on the last attempt is relayed verbatim.
	if resp != nil && (err == nil || errors.Is(err, errTransientStatus)) {
		f.metrics.RecordDownstream(up.name, resultSuccess, time.Since(start))
		return f.relay(w, resp, up), nil
	}
	if resp != nil {
		drain(resp)
	}

	derr := f.classify(r.Context(), ctx, up.name, err)
	f.metrics.RecordDownstream(up.name, resultOf(derr), time.Since(start))
	return 0, derr
}

// target joins the service base URL with the upstream path.
func (u *upstream) target(path, rawQuery string) string {
	t := *u.base
	t.Path = strings.TrimSuffix(u.base.Path, "/") + path
	t.RawPath = ""
	t.RawQuery = rawQuery
	return t.String()
}

func (f *Forwarder) roundTrip(ctx context.Context, up *upstream, r *http.Request, target string, header http.Header) (*http.Response, error) {
	out, err := http.NewRequestWithContext(ctx, r.Method, target, r.Body)
	if err != nil {
		return nil, err
	}
	out.Header = header.Clone()
	out.ContentLength = r.ContentLength
	out.Host = out.URL.Host
	if r.Body == nil || r.Body == http.NoBody {
		out.Body = http.NoBody
	}

	call := func() (any, error) {
		resp, err := f.transport.RoundTrip(out)
		if err != nil {
			return nil, err
		}
		if isTransientStatus(resp.StatusCode) {
			return resp, errTransientStatus
		}
		return resp, nil
	}

	var res any
	if up.breaker != nil {
		res, err = up.breaker.Execute(call)
	} else {
		res, err = call()
	}
	resp, _ := res.(*http.Response)
	return resp, err
}

// relay writes resp to w. Headers are committed once the status is
// written; a failure while copying the body can only be logged.
func (f *Forwarder) relay(w http.ResponseWriter, resp *http.Response, up *upstream) int {
	defer resp.Body.Close()

	copyResponseHeaders(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)

	if _, err := io.Copy(flushWriter{w}, resp.Body); err != nil {
		f.logger.Warn("downstream response aborted",
			observability.String("service", up.name),
			observability.Int("status", resp.StatusCode),
			observability.Error(err),
		)
	}
	return resp.StatusCode
}

// classify maps a failed call to a *DownstreamError.
func (f *Forwarder) classify(clientCtx, callCtx context.Context, service string, err error) *DownstreamError {
	if err == nil {
		err = ErrDownstreamUnavailable
	}
	switch {
	case clientCtx.Err() != nil:
		return &DownstreamError{Service: service, Kind: ErrClientGone, Cause: clientCtx.Err()}
	case isBreakerRejection(err):
		return &DownstreamError{Service: service, Kind: ErrCircuitOpen, Cause: err}
	case errors.Is(callCtx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded):
		return &DownstreamError{Service: service, Kind: ErrDownstreamTimeout, Cause: err}
	default:
		return &DownstreamError{Service: service, Kind: ErrDownstreamUnavailable, Cause: err}
	}
}

func resultOf(err *DownstreamError) string {
	switch {
	case errors.Is(err, ErrClientGone):
		return resultCancelled
	case errors.Is(err, ErrCircuitOpen):
		return resultCircuitOpen
	case errors.Is(err, ErrDownstreamTimeout):
		return resultTimeout
	default:
		return resultError
	}
}

func isIdempotent(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return true
	default:
		return false
	}
}

// hasNoBody reports whether r can be replayed without buffering.
func hasNoBody(r *http.Request) bool {
	return r.Body == nil || r.Body == http.NoBody || r.ContentLength == 0
}

func isTransientStatus(status int) bool {
	return status == http.StatusBadGateway ||
		status == http.StatusServiceUnavailable ||
		status == http.StatusGatewayTimeout
}

// isTransient reports whether a failed attempt may be retried.
// Breaker rejections and expired deadlines are final.
func isTransient(err error) bool {
	if isBreakerRejection(err) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return false
	}
	return true
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	_ = resp.Body.Close()
}

// flushWriter flushes after every write so streamed bodies reach the
// client as they arrive.
type flushWriter struct {
	w http.ResponseWriter
}

func (fw flushWriter) Write(p []byte) (int, error) {
	n, err := fw.w.Write(p)
	if f, ok := fw.w.(http.Flusher); ok {
		f.Flush()
	}
	return n, err
}

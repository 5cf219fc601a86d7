// Package keygen talks to the licensing service: scoped validation, machine
// activation, heartbeat pings and certificate checkout. It also verifies and
// decrypts checked-out certificates offline.
//
// Every failure is a *Error. Match a category with errors.Is against the
// exported Err* values, and recover details with errors.As.
package keygen

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"keygen/internal/config"
	"keygen/internal/infrastructure"
	"keygen/internal/security"
)

const (
	mediaType       = "application/vnd.api+json"
	maxResponseSize = 4 << 20
)

// ConfigSource yields a complete configuration snapshot. Each client call
// reads exactly one snapshot. *config.Store satisfies it.
type ConfigSource interface {
	Get() config.Config
}

// Client is safe for concurrent use.
type Client struct {
	src     ConfigSource
	http    *http.Client
	limiter *rate.Limiter
	logger  *slog.Logger
	tracer  trace.Tracer
	metrics *infrastructure.Metrics
	now     func() time.Time
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the pinned client built from configuration.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) { c.logger = infrastructure.WithComponent(logger, "keygen") }
}

func WithTracer(tracer trace.Tracer) Option {
	return func(c *Client) { c.tracer = tracer }
}

func WithMetrics(m *infrastructure.Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

// WithClock overrides the clock used for response freshness checks.
func WithClock(now func() time.Time) Option {
	return func(c *Client) { c.now = now }
}

// New creates a client. Transport settings (timeout, pins, rate limit) are
// read once here; service settings are read per call.
func New(src ConfigSource, opts ...Option) (*Client, error) {
	if src == nil {
		return nil, &Error{Kind: KindInvalidArgument, Detail: "configuration source is required"}
	}
	cfg := src.Get()

	limit := rate.Inf
	if cfg.HTTP.RPS > 0 {
		limit = rate.Limit(cfg.HTTP.RPS)
	}
	burst := cfg.HTTP.Burst
	if burst < 1 {
		burst = 1
	}

	c := &Client{
		src:     src,
		limiter: rate.NewLimiter(limit, burst),
		logger:  infrastructure.WithComponent(nil, "keygen"),
		tracer:  otel.Tracer(infrastructure.InstrumentationName),
		metrics: infrastructure.NoopMetrics(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}

	if c.http == nil {
		pinner, err := security.NewCertificatePinner(cfg.HTTP.PinnedKeys)
		if err != nil {
			return nil, &Error{Kind: KindInvalidArgument, Detail: "pinned keys", Err: err}
		}
		c.http = pinner.CreateSecureHTTPClient(cfg.HTTP.Timeout)
	}
	return c, nil
}

// Config returns the snapshot the next call would use.
func (c *Client) Config() config.Config {
	return c.src.Get()
}

type request struct {
	method string
	path   string
	query  url.Values
	body   any
	// licenseKey authenticates the request when no token is configured.
	licenseKey string
	// anyBody accepts a successful response whatever its body holds.
	anyBody bool
}

// do sends req and decodes the response into out, if any.
func (c *Client) do(ctx context.Context, op string, cfg config.Config, req request, out any) error {
	ctx, span := c.tracer.Start(ctx, "keygen."+op,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("http.method", req.method),
			attribute.String("keygen.account", cfg.Service.Account),
		))
	defer span.End()

	start := time.Now()
	err := c.roundTrip(ctx, cfg, req, out)

	attrs := metric.WithAttributes(
		attribute.String("operation", op),
		attribute.String("result", resultLabel(err)),
	)
	c.metrics.Requests.Add(ctx, 1, attrs)
	c.metrics.RequestDuration.Record(ctx, time.Since(start).Seconds(), attrs)

	if err != nil {
		infrastructure.RecordError(ctx, err)
		c.logger.DebugContext(ctx, "licensing request failed",
			slog.String("operation", op),
			slog.String("error", err.Error()))
	}
	return err
}

func (c *Client) roundTrip(ctx context.Context, cfg config.Config, req request, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return &Error{Kind: KindTransport, Detail: "rate limiter", Err: err}
	}

	target, err := endpoint(cfg.Service, req.path, req.query)
	if err != nil {
		return &Error{Kind: KindInvalidArgument, Detail: "service url", Err: err}
	}

	var body io.Reader
	if req.body != nil {
		buf, err := json.Marshal(req.body)
		if err != nil {
			return &Error{Kind: KindInvalidArgument, Detail: "encode request", Err: err}
		}
		body = bytes.NewReader(buf)
	}

	hr, err := http.NewRequestWithContext(ctx, req.method, target, body)
	if err != nil {
		return &Error{Kind: KindInvalidArgument, Detail: "build request", Err: err}
	}
	setHeaders(hr, cfg.Service, req.licenseKey)

	resp, err := c.http.Do(hr)
	if err != nil {
		return &Error{Kind: KindTransport, Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return &Error{Kind: KindTransport, Detail: "read response", Err: err}
	}

	if cfg.Service.VerifyResponses {
		if err := verifyResponse(cfg.Service, hr, resp, data, c.now()); err != nil {
			return err
		}
	}

	if resp.StatusCode >= http.StatusBadRequest {
		return errorFromResponse(resp.StatusCode, data)
	}
	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		if req.anyBody {
			return nil
		}
		return &Error{Kind: KindAPI, Status: resp.StatusCode, Detail: "malformed response", Err: err}
	}
	return nil
}

// endpoint builds {api_url}/{prefix}/accounts/{account}/{path}.
func endpoint(svc config.ServiceConfig, path string, query url.Values) (string, error) {
	raw, err := url.JoinPath(svc.APIURL, svc.APIPrefix, "accounts", url.PathEscape(svc.Account), path)
	if err != nil {
		return "", err
	}
	if len(query) == 0 {
		return raw, nil
	}
	return raw + "?" + query.Encode(), nil
}

func setHeaders(r *http.Request, svc config.ServiceConfig, licenseKey string) {
	r.Header.Set("Accept", mediaType)
	if r.Body != nil {
		r.Header.Set("Content-Type", mediaType)
	}
	if svc.APIVersion != "" {
		r.Header.Set("Keygen-Version", svc.APIVersion)
	}
	if svc.Environment != "" {
		r.Header.Set("Keygen-Environment", svc.Environment)
	}
	ua := svc.UserAgent
	if ua == "" {
		ua = config.AppName + "/" + config.AppVersion
	}
	r.Header.Set("User-Agent", ua)

	switch {
	case svc.Token != "":
		r.Header.Set("Authorization", "Bearer "+svc.Token)
	case licenseKey != "":
		r.Header.Set("Authorization", "License "+licenseKey)
	case svc.LicenseKey != "":
		r.Header.Set("Authorization", "License "+svc.LicenseKey)
	}
}

func resultLabel(err error) string {
	if err == nil {
		return "ok"
	}
	if e, ok := err.(*Error); ok {
		if e.Code != "" {
			return e.Code
		}
		return fmt.Sprintf("kind_%d", int(e.Kind))
	}
	return "error"
}

func pathOf(parts ...string) string {
	escaped := make([]string, len(parts))
	for i, p := range parts {
		escaped[i] = url.PathEscape(p)
	}
	return strings.Join(escaped, "/")
}

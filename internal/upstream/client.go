// Package upstream fetches pages of action records from a Midgard-compatible
// actions endpoint and classifies each response for the scheduler.
//
// The client never retries on its own. Every call returns a Result that tells
// the caller whether to consume the records, cool the source down and try
// again, or give up on this request.
package upstream

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"math/big"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/xhyumiracle/thorchain-crosschain-data/internal/action"
	"github.com/xhyumiracle/thorchain-crosschain-data/internal/metrics"
	"github.com/xhyumiracle/thorchain-crosschain-data/internal/policy/ratelimit"
)

const (
	// DefaultPath is the actions listing path appended to each endpoint.
	DefaultPath = "/v2/actions"

	forbiddenFloor   = 30 * time.Second
	transportJitter  = 600 * time.Millisecond
	statusJitter     = 5 * time.Second
	errorBodyPreview = 400
	maxBodyBytes     = 64 << 20

	tracerName = "github.com/xhyumiracle/thorchain-crosschain-data/internal/upstream"
)

// Kind classifies one request outcome.
type Kind int

const (
	// Success means the page was decoded; Records may be empty.
	Success Kind = iota
	// Retryable means the source should cool down for Result.Cooldown and retry the same position.
	Retryable
	// Fatal means this request cannot succeed as issued.
	Fatal
)

func (k Kind) String() string {
	switch k {
	case Success:
		return "success"
	case Retryable:
		return "retryable"
	case Fatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Query selects one page of actions.
type Query struct {
	Type  string
	Asset string
	// TS is the cursor timestamp; nanoseconds are converted to seconds on the wire.
	TS     int64
	Offset int32
	Limit  int
}

// Result is the classified outcome of a page request.
type Result struct {
	Kind       Kind
	Records    []action.Record
	Cooldown   time.Duration
	Rotate     bool
	StatusCode int
	Endpoint   string
	Err        error
}

// Config holds client settings.
type Config struct {
	Endpoints []string
	Path      string
	Timeout   time.Duration
	BaseSleep time.Duration
	MaxSleep  time.Duration
	UserAgent string
}

// JitterFunc returns a random duration in [0, limit).
type JitterFunc func(limit time.Duration) time.Duration

// Option customizes a Client.
type Option func(*Client)

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

// WithLimiter throttles every request through l.
func WithLimiter(l *ratelimit.Limiter) Option {
	return func(c *Client) {
		c.limiter = l
	}
}

// WithJitter replaces the random jitter source.
func WithJitter(fn JitterFunc) Option {
	return func(c *Client) {
		if fn != nil {
			c.jitter = fn
		}
	}
}

// WithLogger sets the client logger.
func WithLogger(logger *zap.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithTracerProvider traces every page request through tp instead of the
// global provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(c *Client) {
		if tp != nil {
			c.tracer = tp.Tracer(tracerName)
		}
	}
}

// Client issues page requests against one of several equivalent endpoints.
type Client struct {
	cfg     Config
	http    *http.Client
	limiter *ratelimit.Limiter
	jitter  JitterFunc
	logger  *zap.Logger
	tracer  trace.Tracer
	rotator *Rotator
}

// New validates cfg and builds a Client.
func New(cfg Config, opts ...Option) (*Client, error) {
	rotator, err := NewRotator(cfg.Endpoints)
	if err != nil {
		return nil, err
	}
	if cfg.Path == "" {
		cfg.Path = DefaultPath
	}
	if !strings.HasPrefix(cfg.Path, "/") {
		cfg.Path = "/" + cfg.Path
	}
	if cfg.BaseSleep <= 0 {
		return nil, errors.New("upstream base sleep must be positive")
	}
	if cfg.MaxSleep < cfg.BaseSleep {
		return nil, fmt.Errorf("upstream max sleep %s is below base sleep %s", cfg.MaxSleep, cfg.BaseSleep)
	}
	c := &Client{
		cfg:     cfg,
		http:    &http.Client{Timeout: cfg.Timeout},
		jitter:  randomJitter,
		logger:  zap.NewNop(),
		tracer:  otel.Tracer(tracerName),
		rotator: rotator,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Rotator exposes the endpoint rotation state.
func (c *Client) Rotator() *Rotator {
	return c.rotator
}

// Next fetches q from the current endpoint. A response asking for rotation
// advances the rotator, so the following attempt uses the next endpoint.
func (c *Client) Next(ctx context.Context, q Query, attempt int) Result {
	res := c.FetchPage(ctx, c.rotator.Current(), q, attempt)
	if res.Rotate && c.rotator.Len() > 1 {
		next := c.rotator.Advance()
		metrics.IncRotations()
		c.logger.Info("rotating upstream endpoint",
			zap.String("from", res.Endpoint),
			zap.String("to", next),
			zap.Duration("cooldown", res.Cooldown),
		)
	}
	return res
}

// FetchPage performs exactly one request for q against endpoint.
func (c *Client) FetchPage(ctx context.Context, endpoint string, q Query, attempt int) Result {
	ctx, span := c.tracer.Start(ctx, "upstream.fetch_page",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("crawler.source", q.Asset),
			attribute.String("crawler.endpoint", endpoint),
			attribute.Int64("crawler.cursor_ts", q.TS),
			attribute.Int64("crawler.cursor_offset", int64(q.Offset)),
			attribute.Int("crawler.attempt", attempt+1),
		),
	)
	defer span.End()

	res := c.fetchPage(ctx, endpoint, q, attempt)
	span.SetAttributes(
		attribute.String("crawler.outcome", res.Kind.String()),
		attribute.Int("crawler.records", len(res.Records)),
	)
	if res.StatusCode != 0 {
		span.SetAttributes(semconv.HTTPStatusCodeKey.Int(res.StatusCode))
	}
	if res.Err != nil {
		span.RecordError(res.Err)
		span.SetStatus(codes.Error, res.Kind.String())
	}
	return res
}

func (c *Client) fetchPage(ctx context.Context, endpoint string, q Query, attempt int) Result {
	reqURL, err := c.pageURL(endpoint, q)
	if err != nil {
		return Result{Kind: Fatal, Endpoint: endpoint, Err: err}
	}
	if err := c.limiter.Wait(ctx, reqURL); err != nil {
		return Result{Kind: Retryable, Endpoint: endpoint, Err: err, Cooldown: c.transportCooldown(attempt)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return Result{Kind: Fatal, Endpoint: endpoint, Err: fmt.Errorf("build request: %w", err)}
	}
	req.Header.Set("Accept", "application/json")
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))
	if c.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", c.cfg.UserAgent)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		metrics.ObserveUpstreamRequest(endpoint, "transport_error", 0, time.Since(start))
		cooldown := c.transportCooldown(attempt)
		c.logger.Warn("upstream transport error",
			zap.String("endpoint", endpoint),
			zap.Int("attempt", attempt+1),
			zap.Duration("cooldown", cooldown),
			zap.Error(err),
		)
		return Result{Kind: Retryable, Endpoint: endpoint, Cooldown: cooldown, Err: fmt.Errorf("request %s: %w", endpoint, err)}
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	body, readErr := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	elapsed := time.Since(start)

	res := c.classify(resp, body, readErr, attempt)
	res.Endpoint = endpoint
	metrics.ObserveUpstreamRequest(endpoint, res.Kind.String(), resp.StatusCode, elapsed)
	if res.Kind == Retryable {
		metrics.ObserveCooldown(resp.StatusCode, res.Cooldown)
		c.logger.Warn("upstream retryable status",
			zap.String("endpoint", endpoint),
			zap.Int("status", resp.StatusCode),
			zap.Int("attempt", attempt+1),
			zap.Duration("cooldown", res.Cooldown),
			zap.String("body", preview(body, 200)),
		)
	}
	return res
}

func (c *Client) classify(resp *http.Response, body []byte, readErr error, attempt int) Result {
	code := resp.StatusCode
	switch code {
	case http.StatusOK:
		if readErr != nil {
			return Result{Kind: Retryable, StatusCode: code, Cooldown: c.transportCooldown(attempt), Err: fmt.Errorf("read body: %w", readErr)}
		}
		records, err := decodePage(body)
		if err != nil {
			return Result{Kind: Fatal, StatusCode: code, Err: err}
		}
		return Result{Kind: Success, StatusCode: code, Records: records}
	case http.StatusForbidden, http.StatusTooManyRequests, http.StatusInternalServerError,
		http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return Result{
			Kind:       Retryable,
			StatusCode: code,
			Cooldown:   c.statusCooldown(code, resp.Header.Get("Retry-After"), attempt),
			Rotate:     code == http.StatusForbidden,
			Err:        fmt.Errorf("HTTP %d", code),
		}
	default:
		return Result{Kind: Fatal, StatusCode: code, Err: fmt.Errorf("HTTP %d: %s", code, preview(body, errorBodyPreview))}
	}
}

func (c *Client) pageURL(endpoint string, q Query) (string, error) {
	base := strings.TrimRight(strings.TrimSpace(endpoint), "/")
	u, err := url.Parse(base + c.cfg.Path)
	if err != nil {
		return "", fmt.Errorf("parse endpoint %q: %w", endpoint, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("endpoint %q must be an absolute URL", endpoint)
	}
	v := url.Values{}
	v.Set("type", q.Type)
	v.Set("asset", q.Asset)
	v.Set("timestamp", strconv.FormatInt(NSToSec(q.TS), 10))
	v.Set("offset", strconv.FormatInt(int64(q.Offset), 10))
	v.Set("limit", strconv.Itoa(q.Limit))
	u.RawQuery = v.Encode()
	return u.String(), nil
}

func (c *Client) transportCooldown(attempt int) time.Duration {
	return minDuration(c.cfg.MaxSleep, c.exponential(attempt)+c.jitter(transportJitter))
}

func (c *Client) statusCooldown(code int, retryAfter string, attempt int) time.Duration {
	var wait time.Duration
	if secs, ok := parseRetryAfter(retryAfter, c.cfg.MaxSleep); ok {
		wait = secs
	} else {
		wait = c.exponential(attempt)
		if code == http.StatusForbidden && wait < forbiddenFloor {
			wait = forbiddenFloor
		}
	}
	return minDuration(c.cfg.MaxSleep, wait+c.jitter(statusJitter))
}

// exponential returns base*2^attempt, saturating at MaxSleep.
func (c *Client) exponential(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	delay := float64(c.cfg.BaseSleep) * math.Pow(2, float64(attempt))
	if delay > float64(c.cfg.MaxSleep) {
		return c.cfg.MaxSleep
	}
	return time.Duration(delay)
}

type pageBody struct {
	Actions []json.RawMessage `json:"actions"`
}

func decodePage(body []byte) ([]action.Record, error) {
	var page pageBody
	if err := json.Unmarshal(body, &page); err != nil {
		return nil, fmt.Errorf("decode actions page: %w", err)
	}
	records := make([]action.Record, 0, len(page.Actions))
	for i, raw := range page.Actions {
		rec, err := action.Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("decode action %d: %w", i, err)
		}
		records = append(records, rec)
	}
	return records, nil
}

// parseRetryAfter reads a delay in seconds, saturating at limit.
func parseRetryAfter(v string, limit time.Duration) (time.Duration, bool) {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0, false
	}
	secs, err := strconv.ParseFloat(v, 64)
	if err != nil || secs < 0 || math.IsNaN(secs) || math.IsInf(secs, 0) {
		return 0, false
	}
	if secs >= limit.Seconds() {
		return limit, true
	}
	return time.Duration(secs * float64(time.Second)), true
}

// NSToSec converts a nanosecond timestamp to unix seconds. Values that already
// look like seconds are returned unchanged.
func NSToSec(ts int64) int64 {
	if ts > 10_000_000_000 {
		return ts / int64(time.Second)
	}
	return ts
}

func preview(body []byte, n int) string {
	if len(body) == 0 {
		return "(empty)"
	}
	if len(body) > n {
		body = body[:n]
	}
	return string(body)
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}

func randomJitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	bound := big.NewInt(int64(limit))
	n, err := rand.Int(rand.Reader, bound)
	if err != nil {
		return limit / 2
	}
	return time.Duration(n.Int64())
}

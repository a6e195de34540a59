package upstream

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
	"go.uber.org/zap/zaptest"

	"github.com/xhyumiracle/thorchain-crosschain-data/internal/policy/ratelimit"
)

func noJitter(time.Duration) time.Duration { return 0 }

func newTestClient(t *testing.T, endpoints ...string) *Client {
	t.Helper()
	c, err := New(Config{
		Endpoints: endpoints,
		Timeout:   5 * time.Second,
		BaseSleep: 2500 * time.Millisecond,
		MaxSleep:  240 * time.Second,
		UserAgent: "actions-crawler-test",
	}, WithJitter(noJitter), WithLogger(zaptest.NewLogger(t)))
	require.NoError(t, err)
	return c
}

func statusServer(t *testing.T, code int, header map[string]string, body string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		for k, v := range header {
			w.Header().Set(k, v)
		}
		w.WriteHeader(code)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestFetchPageSuccessSendsQuery(t *testing.T) {
	t.Parallel()

	var gotQuery, gotPath, gotUA, gotAccept string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotQuery = r.URL.RawQuery
		gotUA = r.Header.Get("User-Agent")
		gotAccept = r.Header.Get("Accept")
		_, _ = w.Write([]byte(`{"actions":[{"date":"1700000000000000000","height":"1","type":"swap"},{"date":"1690000000000000000"}],"count":"2"}`))
	}))
	t.Cleanup(srv.Close)

	c := newTestClient(t, srv.URL+"/")
	res := c.FetchPage(context.Background(), srv.URL+"/", Query{
		Type: "swap", Asset: "BTC.BTC,ETH.ETH", TS: 1700000000123456789, Offset: 7, Limit: 50,
	}, 0)

	require.Equal(t, Success, res.Kind, "err: %v", res.Err)
	require.Len(t, res.Records, 2)
	assert.Equal(t, int64(1700000000000000000), res.Records[0].Date)
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Zero(t, res.Cooldown)

	assert.Equal(t, "/v2/actions", gotPath)
	assert.Contains(t, gotQuery, "timestamp=1700000000")
	assert.Contains(t, gotQuery, "offset=7")
	assert.Contains(t, gotQuery, "limit=50")
	assert.Contains(t, gotQuery, "type=swap")
	assert.Contains(t, gotQuery, "asset=BTC.BTC%2CETH.ETH")
	assert.Equal(t, "actions-crawler-test", gotUA)
	assert.Equal(t, "application/json", gotAccept)
}

func TestFetchPageEmptyAndMissingActions(t *testing.T) {
	t.Parallel()

	for _, body := range []string{`{"actions":[]}`, `{}`, `{"actions":null}`} {
		srv := statusServer(t, http.StatusOK, nil, body)
		res := newTestClient(t, srv.URL).FetchPage(context.Background(), srv.URL, Query{Limit: 50}, 0)
		assert.Equal(t, Success, res.Kind, body)
		assert.Empty(t, res.Records, body)
	}
}

func TestFetchPageUndecodableBodyIsFatal(t *testing.T) {
	t.Parallel()

	for _, body := range []string{`<html>oops</html>`, `{"actions":[1,2]}`} {
		srv := statusServer(t, http.StatusOK, nil, body)
		res := newTestClient(t, srv.URL).FetchPage(context.Background(), srv.URL, Query{Limit: 50}, 0)
		assert.Equal(t, Fatal, res.Kind, body)
		assert.Error(t, res.Err)
	}
}

func TestFetchPageClassification(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		code     int
		header   map[string]string
		attempt  int
		kind     Kind
		cooldown time.Duration
		rotate   bool
	}{
		{name: "429 with retry-after", code: 429, header: map[string]string{"Retry-After": "7"}, kind: Retryable, cooldown: 7 * time.Second},
		{name: "429 fractional retry-after", code: 429, header: map[string]string{"Retry-After": "1.5"}, kind: Retryable, cooldown: 1500 * time.Millisecond},
		{name: "429 http-date retry-after falls back", code: 429, header: map[string]string{"Retry-After": "Wed, 21 Oct 2015 07:28:00 GMT"}, attempt: 1, kind: Retryable, cooldown: 5 * time.Second},
		{name: "503 exponential", code: 503, attempt: 2, kind: Retryable, cooldown: 10 * time.Second},
		{name: "500 first attempt", code: 500, kind: Retryable, cooldown: 2500 * time.Millisecond},
		{name: "502", code: 502, kind: Retryable, cooldown: 2500 * time.Millisecond},
		{name: "504", code: 504, kind: Retryable, cooldown: 2500 * time.Millisecond},
		{name: "503 capped", code: 503, attempt: 30, kind: Retryable, cooldown: 240 * time.Second},
		{name: "403 floor", code: 403, kind: Retryable, cooldown: 30 * time.Second, rotate: true},
		{name: "403 above floor", code: 403, attempt: 4, kind: Retryable, cooldown: 40 * time.Second, rotate: true},
		{name: "403 with retry-after", code: 403, header: map[string]string{"Retry-After": "3"}, kind: Retryable, cooldown: 3 * time.Second, rotate: true},
		{name: "retry-after capped", code: 429, header: map[string]string{"Retry-After": "3600"}, kind: Retryable, cooldown: 240 * time.Second},
		{name: "retry-after huge", code: 429, header: map[string]string{"Retry-After": "1e12"}, kind: Retryable, cooldown: 240 * time.Second},
		{name: "404 fatal", code: 404, kind: Fatal},
		{name: "400 fatal", code: 400, kind: Fatal},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			srv := statusServer(t, tc.code, tc.header, "upstream says no")
			res := newTestClient(t, srv.URL).FetchPage(context.Background(), srv.URL, Query{Limit: 50}, tc.attempt)
			assert.Equal(t, tc.kind, res.Kind)
			assert.Equal(t, tc.code, res.StatusCode)
			assert.Equal(t, tc.cooldown, res.Cooldown)
			assert.Equal(t, tc.rotate, res.Rotate)
			assert.Error(t, res.Err)
			assert.Empty(t, res.Records)
		})
	}
}

func TestFetchPageJitterIsAddedAndCapped(t *testing.T) {
	t.Parallel()

	srv := statusServer(t, http.StatusServiceUnavailable, nil, "")
	var limits []time.Duration
	c, err := New(Config{Endpoints: []string{srv.URL}, BaseSleep: time.Second, MaxSleep: 4 * time.Second},
		WithJitter(func(limit time.Duration) time.Duration {
			limits = append(limits, limit)
			return limit - time.Millisecond
		}))
	require.NoError(t, err)

	res := c.FetchPage(context.Background(), srv.URL, Query{Limit: 50}, 0)
	assert.Equal(t, 4*time.Second, res.Cooldown)
	assert.Equal(t, []time.Duration{5 * time.Second}, limits)
}

func TestFetchPageFatalBodyTruncated(t *testing.T) {
	t.Parallel()

	srv := statusServer(t, http.StatusNotFound, nil, strings.Repeat("x", 1000))
	res := newTestClient(t, srv.URL).FetchPage(context.Background(), srv.URL, Query{Limit: 50}, 0)
	require.Equal(t, Fatal, res.Kind)
	msg := res.Err.Error()
	assert.True(t, strings.HasPrefix(msg, "HTTP 404: "))
	assert.Len(t, msg, len("HTTP 404: ")+400)
}

func TestFetchPageTransportErrorIsRetryable(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.NotFoundHandler())
	addr := srv.URL
	srv.Close()

	c := newTestClient(t, addr)
	res := c.FetchPage(context.Background(), addr, Query{Limit: 50}, 1)
	assert.Equal(t, Retryable, res.Kind)
	assert.Equal(t, 5*time.Second, res.Cooldown)
	assert.False(t, res.Rotate)
	assert.Zero(t, res.StatusCode)
	assert.Error(t, res.Err)
}

func TestFetchPageInvalidEndpointIsFatal(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, "https://midgard.example.com")
	res := c.FetchPage(context.Background(), "not a url", Query{Limit: 50}, 0)
	assert.Equal(t, Fatal, res.Kind)
}

func TestNextRotatesAfterForbidden(t *testing.T) {
	t.Parallel()

	var hitsA, hitsB atomic.Int32
	a := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hitsA.Add(1)
		w.WriteHeader(http.StatusForbidden)
	}))
	t.Cleanup(a.Close)
	b := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hitsB.Add(1)
		_, _ = w.Write([]byte(`{"actions":[]}`))
	}))
	t.Cleanup(b.Close)

	c := newTestClient(t, a.URL, b.URL)
	first := c.Next(context.Background(), Query{Limit: 50}, 0)
	require.Equal(t, Retryable, first.Kind)
	assert.True(t, first.Rotate)
	assert.Equal(t, a.URL, first.Endpoint)
	assert.Equal(t, b.URL, c.Rotator().Current())

	second := c.Next(context.Background(), Query{Limit: 50}, 1)
	require.Equal(t, Success, second.Kind)
	assert.Equal(t, b.URL, second.Endpoint)
	assert.Equal(t, int32(1), hitsA.Load())
	assert.Equal(t, int32(1), hitsB.Load())
}

func TestNextDoesNotRotateOnOtherStatuses(t *testing.T) {
	t.Parallel()

	a := statusServer(t, http.StatusTooManyRequests, nil, "")
	b := statusServer(t, http.StatusOK, nil, `{"actions":[]}`)
	c := newTestClient(t, a.URL, b.URL)

	res := c.Next(context.Background(), Query{Limit: 50}, 0)
	assert.Equal(t, Retryable, res.Kind)
	assert.Equal(t, a.URL, c.Rotator().Current())
}

func TestFetchPageUsesLimiter(t *testing.T) {
	t.Parallel()

	srv := statusServer(t, http.StatusOK, nil, `{"actions":[]}`)
	c, err := New(Config{Endpoints: []string{srv.URL}, BaseSleep: time.Second, MaxSleep: time.Minute},
		WithLimiter(ratelimit.New(ratelimit.Config{DefaultRPS: 0.01, DefaultBurst: 1})),
		WithJitter(noJitter))
	require.NoError(t, err)

	require.Equal(t, Success, c.FetchPage(context.Background(), srv.URL, Query{Limit: 50}, 0).Kind)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	res := c.FetchPage(ctx, srv.URL, Query{Limit: 50}, 0)
	assert.Equal(t, Retryable, res.Kind)
	assert.Error(t, res.Err)
}

func TestNewValidatesConfig(t *testing.T) {
	t.Parallel()

	_, err := New(Config{BaseSleep: time.Second, MaxSleep: time.Minute})
	assert.Error(t, err)
	_, err = New(Config{Endpoints: []string{"https://a.example.com"}, MaxSleep: time.Minute})
	assert.Error(t, err)
	_, err = New(Config{Endpoints: []string{"https://a.example.com"}, BaseSleep: time.Minute, MaxSleep: time.Second})
	assert.Error(t, err)

	c, err := New(Config{Endpoints: []string{" https://a.example.com/ ", ""}, Path: "v2/actions", BaseSleep: time.Second, MaxSleep: time.Minute})
	require.NoError(t, err)
	assert.Equal(t, "https://a.example.com", c.Rotator().Current())
	assert.Equal(t, 1, c.Rotator().Len())
	assert.Equal(t, "/v2/actions", c.cfg.Path)
}

func TestParseRetryAfterSaturates(t *testing.T) {
	t.Parallel()

	for _, v := range []string{"240", "1e12", "9.3e9"} {
		d, ok := parseRetryAfter(v, 4*time.Minute)
		require.True(t, ok, v)
		assert.Equal(t, 4*time.Minute, d, v)
	}
	d, ok := parseRetryAfter("2", 4*time.Minute)
	require.True(t, ok)
	assert.Equal(t, 2*time.Second, d)
	_, ok = parseRetryAfter("-1", 4*time.Minute)
	assert.False(t, ok)
}

func TestNSToSec(t *testing.T) {
	t.Parallel()

	assert.Equal(t, int64(1700000000), NSToSec(1700000000123456789))
	assert.Equal(t, int64(1700000000), NSToSec(1700000000))
	assert.Equal(t, int64(10_000_000_000), NSToSec(10_000_000_000))
	assert.Equal(t, int64(0), NSToSec(0))
}

func TestRotatorCycles(t *testing.T) {
	t.Parallel()

	r, err := NewRotator([]string{"https://a", "https://b", "https://c"})
	require.NoError(t, err)
	assert.Equal(t, "https://a", r.Current())
	assert.Equal(t, "https://b", r.Advance())
	assert.Equal(t, "https://c", r.Advance())
	assert.Equal(t, "https://a", r.Advance())
}

func TestRandomJitterBounds(t *testing.T) {
	t.Parallel()

	assert.Zero(t, randomJitter(0))
	for i := 0; i < 100; i++ {
		j := randomJitter(600 * time.Millisecond)
		assert.GreaterOrEqual(t, j, time.Duration(0))
		assert.Less(t, j, 600*time.Millisecond)
	}
}

func TestFetchPageRecordsSpan(t *testing.T) {
	t.Parallel()

	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	srv := statusServer(t, http.StatusTooManyRequests, nil, "slow down")
	c, err := New(Config{Endpoints: []string{srv.URL}, Timeout: 5 * time.Second, BaseSleep: time.Second, MaxSleep: time.Minute},
		WithJitter(noJitter), WithTracerProvider(tp))
	require.NoError(t, err)

	res := c.FetchPage(context.Background(), srv.URL, Query{Type: "swap", Asset: "BTC.BTC,ETH.ETH", TS: 42, Limit: 50}, 1)
	require.Equal(t, Retryable, res.Kind)

	spans := sr.Ended()
	require.Len(t, spans, 1)
	span := spans[0]
	assert.Equal(t, "upstream.fetch_page", span.Name())
	assert.Equal(t, codes.Error, span.Status().Code)
	attrs := map[attribute.Key]attribute.Value{}
	for _, kv := range span.Attributes() {
		attrs[kv.Key] = kv.Value
	}
	assert.Equal(t, "BTC.BTC,ETH.ETH", attrs["crawler.source"].AsString())
	assert.Equal(t, int64(2), attrs["crawler.attempt"].AsInt64())
	assert.Equal(t, "retryable", attrs["crawler.outcome"].AsString())
	assert.Equal(t, int64(http.StatusTooManyRequests), attrs[semconv.HTTPStatusCodeKey].AsInt64())
}

package cmd

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/xhyumiracle/thorchain-crosschain-data/internal/api"
	"github.com/xhyumiracle/thorchain-crosschain-data/internal/checkpoint"
	"github.com/xhyumiracle/thorchain-crosschain-data/internal/clock/system"
	"github.com/xhyumiracle/thorchain-crosschain-data/internal/config"
	"github.com/xhyumiracle/thorchain-crosschain-data/internal/crawler"
	"github.com/xhyumiracle/thorchain-crosschain-data/internal/id/uuid"
	"github.com/xhyumiracle/thorchain-crosschain-data/internal/metrics"
	"github.com/xhyumiracle/thorchain-crosschain-data/internal/policy/ratelimit"
	"github.com/xhyumiracle/thorchain-crosschain-data/internal/progress"
	"github.com/xhyumiracle/thorchain-crosschain-data/internal/progress/sinks"
	"github.com/xhyumiracle/thorchain-crosschain-data/internal/telemetry"
	"github.com/xhyumiracle/thorchain-crosschain-data/internal/upstream"
)

const hubCloseTimeout = 5 * time.Second

// registerer is where crawl metrics are registered; tests swap it out.
var registerer prometheus.Registerer = prometheus.DefaultRegisterer

// newCrawlCmd creates the 'crawl' subcommand.
func newCrawlCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "crawl",
		Short: "Crawl every configured source back to min-ts or exhaustion",
		Long: `Pages backwards through /v2/actions for each source in round-robin order.
Every page is appended to <out>/data/<source>.ndjson and the cursor of each
source is checkpointed to <out>/state.json. When output from an earlier run
exists, choose --resume to continue it or --fresh to start over.`,
		RunE: runCrawlCommand,
	}

	f := cmd.Flags()
	f.String("type", v.GetString("crawler.type"), "action type to crawl")
	f.StringArray("source", nil, "asset query to crawl, e.g. BTC.BTC,ETH.ETH (repeatable)")
	f.Int("limit", v.GetInt("crawler.limit"), "page size")
	f.Duration("request-delay", v.GetDuration("crawler.request_delay"), "pause per source after each request")
	f.Int("max-retries", v.GetInt("crawler.max_retries"), "consecutive retryable failures before an error is counted")
	f.Int("abort-after", v.GetInt("crawler.abort_after_ceiling_breaches"), "abort after this many consecutive retry ceiling breaches on one source (0 = never)")
	f.Int64("min-ts", v.GetInt64("crawler.min_ts"), "oldest unix second to keep (0 = no bound)")
	f.Int64("max-ts", v.GetInt64("crawler.max_ts"), "unix second to start from (0 = now)")
	f.Bool("dedup", v.GetBool("crawler.dedup"), "skip actions already present in the output")
	f.Bool("resume", false, "continue from the checkpoint or the existing logs")
	f.Bool("fresh", false, "start a new crawl; refuses when output already exists")
	f.StringArray("endpoint", nil, "upstream base URL (repeatable; rotated on 403)")
	f.Float64("rps", v.GetFloat64("upstream.rps"), "request rate cap per endpoint host (0 = unlimited)")
	f.Bool("trace", v.GetBool("tracing.enabled"), "log OpenTelemetry spans for upstream requests (needs --dev or debug logging to show)")
	f.String("status-addr", v.GetString("status.addr"), "listen address for the status server, e.g. :9464 (empty = off)")

	mustBind(v, "crawler.type", f.Lookup("type"))
	mustBind(v, "crawler.sources", f.Lookup("source"))
	mustBind(v, "crawler.limit", f.Lookup("limit"))
	mustBind(v, "crawler.request_delay", f.Lookup("request-delay"))
	mustBind(v, "crawler.max_retries", f.Lookup("max-retries"))
	mustBind(v, "crawler.abort_after_ceiling_breaches", f.Lookup("abort-after"))
	mustBind(v, "crawler.min_ts", f.Lookup("min-ts"))
	mustBind(v, "crawler.max_ts", f.Lookup("max-ts"))
	mustBind(v, "crawler.dedup", f.Lookup("dedup"))
	mustBind(v, "crawler.resume", f.Lookup("resume"))
	mustBind(v, "crawler.fresh", f.Lookup("fresh"))
	mustBind(v, "upstream.endpoints", f.Lookup("endpoint"))
	mustBind(v, "upstream.rps", f.Lookup("rps"))
	mustBind(v, "status.addr", f.Lookup("status-addr"))
	mustBind(v, "tracing.enabled", f.Lookup("trace"))
	return cmd
}

func runCrawlCommand(cmd *cobra.Command, _ []string) error {
	app, err := resolveApp(cmd.Context())
	if err != nil {
		return err
	}
	cfg, logger := app.Config, app.Logger
	ctx := cmd.Context()

	for _, w := range cfg.Warnings() {
		logger.Warn(w)
	}

	store, err := checkpoint.NewStore(cfg.StatePath())
	if err != nil {
		return fmt.Errorf("init checkpoint store: %w", err)
	}

	metrics.Init()
	promSink, err := sinks.NewPrometheusSink(registerer)
	if err != nil {
		return fmt.Errorf("init prometheus sink: %w", err)
	}
	status := sinks.NewStatusSink()
	hub := progress.NewHub(progress.Config{Logger: logger.Named("progress")},
		sinks.NewLogSink(logger.Named("progress")),
		promSink,
		status,
	)
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), hubCloseTimeout)
		defer cancel()
		if cerr := hub.Close(closeCtx); cerr != nil {
			logger.Warn("progress hub close failed", zap.Error(cerr))
		}
		if dropped := hub.Dropped(); dropped > 0 {
			logger.Warn("progress events dropped", zap.Int64("dropped", dropped))
		}
	}()

	if cfg.Status.Addr != "" {
		srvCtx, stopServer := context.WithCancel(context.Background())
		defer stopServer()
		server := api.NewServer(status, store, metrics.Handler(), logger.Named("api"))
		go func() {
			if serr := server.ListenAndServe(srvCtx, cfg.Status.Addr); serr != nil {
				logger.Error("status server failed", zap.Error(serr))
			}
		}()
	}

	clientOpts := []upstream.Option{}
	if cfg.Tracing.Enabled {
		tp, terr := telemetry.InitTracerProvider(ctx, cfg.Tracing.ServiceName, logger.Named("trace"))
		if terr != nil {
			return fmt.Errorf("init tracing: %w", terr)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), hubCloseTimeout)
			defer cancel()
			if serr := tp.Shutdown(shutdownCtx); serr != nil {
				logger.Warn("tracer shutdown failed", zap.Error(serr))
			}
		}()
		clientOpts = append(clientOpts, upstream.WithTracerProvider(tp))
	}

	client, err := buildUpstreamClient(cfg, logger, clientOpts...)
	if err != nil {
		return err
	}
	engine, err := crawler.NewEngine(engineOptions(cfg), client, store,
		crawler.WithClock(system.New()),
		crawler.WithIDGenerator(uuid.New()),
		crawler.WithEmitter(hub),
		crawler.WithLogger(logger.Named("crawler")),
	)
	if err != nil {
		return fmt.Errorf("init crawler: %w", err)
	}

	logger.Info("crawl starting",
		zap.String("type", cfg.Crawler.Type),
		zap.Strings("sources", cfg.Crawler.Sources),
		zap.Strings("endpoints", cfg.Upstream.Endpoints),
		zap.Int("limit", cfg.Crawler.Limit),
		zap.Bool("resume", cfg.Crawler.Resume),
		zap.String("out", cfg.Output.Dir),
	)
	sum, err := engine.Run(ctx)
	logSummary(logger, sum)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, context.Canceled):
		logger.Info("crawl interrupted; continue with --resume", zap.String("state", store.Path()))
		return nil
	default:
		return fmt.Errorf("run crawler: %w", err)
	}
}

// checkCrawlMode refuses a crawl whose resume/fresh choice could reuse or
// clobber earlier output.
func checkCrawlMode(cfg config.Config) error {
	return crawler.CheckMode(cfg.StatePath(), cfg.DataDir(), cfg.Crawler.Resume, cfg.Crawler.Fresh)
}

func buildUpstreamClient(cfg config.Config, logger *zap.Logger, extra ...upstream.Option) (*upstream.Client, error) {
	limiter := ratelimit.New(ratelimit.Config{
		DefaultRPS:   cfg.Upstream.RPS,
		DefaultBurst: cfg.Upstream.Burst,
	})
	opts := append([]upstream.Option{
		upstream.WithLimiter(limiter),
		upstream.WithLogger(logger.Named("upstream")),
	}, extra...)
	client, err := upstream.New(upstream.Config{
		Endpoints: cfg.Upstream.Endpoints,
		Path:      cfg.Upstream.Path,
		Timeout:   cfg.Upstream.Timeout,
		BaseSleep: cfg.Upstream.BaseSleep,
		MaxSleep:  cfg.Upstream.MaxSleep,
		UserAgent: cfg.Upstream.UserAgent,
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("init upstream client: %w", err)
	}
	return client, nil
}

func engineOptions(cfg config.Config) crawler.Options {
	return crawler.Options{
		Type:                      cfg.Crawler.Type,
		Sources:                   cfg.Crawler.Sources,
		Limit:                     cfg.Crawler.Limit,
		RequestDelay:              cfg.Crawler.RequestDelay,
		MaxRetries:                cfg.Crawler.MaxRetries,
		AbortAfterCeilingBreaches: cfg.Crawler.AbortAfterCeilingBreaches,
		MinTS:                     cfg.Crawler.MinTS,
		MaxTS:                     cfg.Crawler.MaxTS,
		Dedup:                     cfg.Crawler.Dedup,
		Resume:                    cfg.Crawler.Resume,
		SeenCap:                   cfg.Crawler.SeenCap,
		DataDir:                   cfg.DataDir(),
	}
}

func logSummary(logger *zap.Logger, sum crawler.Summary) {
	logger.Info("crawl summary",
		zap.String("run_id", sum.RunID),
		zap.Int64("requests", sum.Requests),
		zap.Int64("errors", sum.Errors),
		zap.Int64("appended", sum.Appended),
		zap.Int64("total_requests", sum.TotalRequests),
		zap.Int64("total_errors", sum.TotalErrors),
		zap.Int64("total_appended", sum.TotalAppended),
		zap.Strings("finished", sum.Finished),
		zap.Duration("duration", sum.Duration),
	)
}

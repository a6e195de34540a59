// Package config loads and validates crawler configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. CRAWLER_CRAWLER_LIMIT.
const EnvPrefix = "CRAWLER"

// UpstreamPageLimit is the largest page size the public Midgard instances honor.
const UpstreamPageLimit = 50

// Config captures all configuration knobs loaded via Viper.
type Config struct {
	Output   OutputConfig   `mapstructure:"output"`
	Crawler  CrawlerConfig  `mapstructure:"crawler"`
	Upstream UpstreamConfig `mapstructure:"upstream"`
	Status   StatusConfig   `mapstructure:"status"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Tracing  TracingConfig  `mapstructure:"tracing"`
}

// OutputConfig locates the checkpoint, append logs and crawl log.
type OutputConfig struct {
	Dir     string `mapstructure:"dir"`
	LogFile string `mapstructure:"log_file"`
}

// CrawlerConfig governs what is crawled and how the scheduler paces it.
type CrawlerConfig struct {
	Type    string   `mapstructure:"type"`
	Sources []string `mapstructure:"sources"`
	Limit   int      `mapstructure:"limit"`
	// RequestDelay is the pause a source takes after each completed request.
	RequestDelay time.Duration `mapstructure:"request_delay"`
	MaxRetries   int           `mapstructure:"max_retries"`
	// AbortAfterCeilingBreaches stops the run after this many consecutive
	// retry ceiling breaches on one source; 0 retries forever.
	AbortAfterCeilingBreaches int `mapstructure:"abort_after_ceiling_breaches"`
	// MinTS and MaxTS are unix-second bounds; 0 means unbounded.
	MinTS   int64 `mapstructure:"min_ts"`
	MaxTS   int64 `mapstructure:"max_ts"`
	Dedup   bool  `mapstructure:"dedup"`
	Resume  bool  `mapstructure:"resume"`
	Fresh   bool  `mapstructure:"fresh"`
	SeenCap int   `mapstructure:"seen_cap"`
}

// UpstreamConfig configures the actions API client.
type UpstreamConfig struct {
	Endpoints []string      `mapstructure:"endpoints"`
	Path      string        `mapstructure:"path"`
	Timeout   time.Duration `mapstructure:"timeout"`
	BaseSleep time.Duration `mapstructure:"base_sleep"`
	MaxSleep  time.Duration `mapstructure:"max_sleep"`
	UserAgent string        `mapstructure:"user_agent"`
	// RPS caps the request rate per endpoint host; 0 disables the limiter.
	RPS   float64 `mapstructure:"rps"`
	Burst int     `mapstructure:"burst"`
}

// StatusConfig controls the optional status HTTP server.
type StatusConfig struct {
	// Addr is the listen address, e.g. ":9464"; empty disables the server.
	Addr string `mapstructure:"addr"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// TracingConfig enables OpenTelemetry spans around upstream requests. Spans
// are written to the crawl log at debug level.
type TracingConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	ServiceName string `mapstructure:"service_name"`
}

// New returns a Viper instance with defaults and environment overrides wired.
// Callers may bind CLI flags to it before calling LoadFrom.
func New() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)
	return v
}

// Load builds a Config from defaults, the optional file at path and the environment.
func Load(path string) (Config, error) {
	return LoadFrom(New(), path)
}

// LoadFrom reads the optional config file into v and decodes the result.
// Without an explicit path, actions-crawler.{yaml,json,toml} is looked up in
// the working directory and $HOME/.actions-crawler.
func LoadFrom(v *viper.Viper, path string) (Config, error) {
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	} else {
		v.SetConfigName("actions-crawler")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.actions-crawler")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return Config{}, fmt.Errorf("read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	// Source names contain commas, so a plain string value is split on ';'
	// and newlines instead of the decoder's comma splitting.
	cfg.Crawler.Sources = splitSources(v.Get("crawler.sources"))
	cfg.Upstream.Endpoints = trimAll(cfg.Upstream.Endpoints)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("output.dir", "data/actions")
	v.SetDefault("output.log_file", "")
	v.SetDefault("crawler.type", "swap")
	v.SetDefault("crawler.sources", []string{"BTC.BTC,DOGE.DOGE", "BTC.BTC,ETH.ETH", "ETH.ETH,DOGE.DOGE"})
	v.SetDefault("crawler.limit", UpstreamPageLimit)
	v.SetDefault("crawler.request_delay", 300*time.Millisecond)
	v.SetDefault("crawler.max_retries", 10)
	v.SetDefault("crawler.abort_after_ceiling_breaches", 0)
	v.SetDefault("crawler.min_ts", 0)
	v.SetDefault("crawler.max_ts", 0)
	v.SetDefault("crawler.dedup", true)
	v.SetDefault("crawler.resume", false)
	v.SetDefault("crawler.fresh", false)
	v.SetDefault("crawler.seen_cap", 2_000_000)
	v.SetDefault("upstream.endpoints", []string{"https://midgard.thorchain.liquify.com"})
	v.SetDefault("upstream.path", "/v2/actions")
	v.SetDefault("upstream.timeout", 30*time.Second)
	v.SetDefault("upstream.base_sleep", 2500*time.Millisecond)
	v.SetDefault("upstream.max_sleep", 240*time.Second)
	v.SetDefault("upstream.user_agent", "actions-crawler/1.0")
	v.SetDefault("upstream.rps", 0)
	v.SetDefault("upstream.burst", 1)
	v.SetDefault("status.addr", "")
	v.SetDefault("logging.development", false)
	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.service_name", "actions-crawler")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if strings.TrimSpace(c.Output.Dir) == "" {
		return fmt.Errorf("output.dir must be set")
	}
	if strings.TrimSpace(c.Crawler.Type) == "" {
		return fmt.Errorf("crawler.type must be set")
	}
	if len(c.Crawler.Sources) == 0 {
		return fmt.Errorf("crawler.sources must list at least one asset query")
	}
	seen := make(map[string]struct{}, len(c.Crawler.Sources))
	for _, src := range c.Crawler.Sources {
		if _, dup := seen[src]; dup {
			return fmt.Errorf("crawler.sources contains %q twice", src)
		}
		seen[src] = struct{}{}
	}
	if c.Crawler.Limit <= 0 {
		return fmt.Errorf("crawler.limit must be > 0")
	}
	if c.Crawler.RequestDelay < 0 {
		return fmt.Errorf("crawler.request_delay must be >= 0")
	}
	if c.Crawler.MaxRetries < 0 {
		return fmt.Errorf("crawler.max_retries must be >= 0")
	}
	if c.Crawler.AbortAfterCeilingBreaches < 0 {
		return fmt.Errorf("crawler.abort_after_ceiling_breaches must be >= 0")
	}
	if c.Crawler.MinTS < 0 || c.Crawler.MaxTS < 0 {
		return fmt.Errorf("crawler.min_ts and crawler.max_ts must be >= 0")
	}
	if c.Crawler.MinTS > 0 && c.Crawler.MaxTS > 0 && c.Crawler.MinTS > c.Crawler.MaxTS {
		return fmt.Errorf("crawler.min_ts (%d) is after crawler.max_ts (%d)", c.Crawler.MinTS, c.Crawler.MaxTS)
	}
	if c.Crawler.SeenCap < 0 {
		return fmt.Errorf("crawler.seen_cap must be >= 0")
	}
	if len(c.Upstream.Endpoints) == 0 {
		return fmt.Errorf("upstream.endpoints must list at least one URL")
	}
	for _, ep := range c.Upstream.Endpoints {
		u, err := url.Parse(ep)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("upstream.endpoints: %q is not an absolute http(s) URL", ep)
		}
	}
	if c.Upstream.Timeout <= 0 {
		return fmt.Errorf("upstream.timeout must be > 0")
	}
	if c.Upstream.BaseSleep <= 0 {
		return fmt.Errorf("upstream.base_sleep must be > 0")
	}
	if c.Upstream.MaxSleep < c.Upstream.BaseSleep {
		return fmt.Errorf("upstream.max_sleep must be >= upstream.base_sleep")
	}
	if c.Upstream.RPS < 0 || c.Upstream.Burst < 0 {
		return fmt.Errorf("upstream.rps and upstream.burst must be >= 0")
	}
	if c.Tracing.Enabled && strings.TrimSpace(c.Tracing.ServiceName) == "" {
		return fmt.Errorf("tracing.service_name must be set when tracing is enabled")
	}
	return nil
}

// Warnings lists settings that are valid but likely to misbehave upstream.
func (c Config) Warnings() []string {
	var out []string
	if c.Crawler.Limit > UpstreamPageLimit {
		out = append(out, fmt.Sprintf("crawler.limit %d exceeds the usual upstream maximum of %d; pages may be truncated", c.Crawler.Limit, UpstreamPageLimit))
	}
	if !c.Crawler.Dedup {
		out = append(out, "crawler.dedup is off: records already on disk may be appended again")
	}
	return out
}

// StatePath is the checkpoint location.
func (c Config) StatePath() string {
	return filepath.Join(c.Output.Dir, "state.json")
}

// DataDir holds one append log per source.
func (c Config) DataDir() string {
	return filepath.Join(c.Output.Dir, "data")
}

// LogFilePath is where the crawl log is mirrored.
func (c Config) LogFilePath() string {
	if c.Output.LogFile != "" {
		return c.Output.LogFile
	}
	return filepath.Join(c.Output.Dir, "crawl.log")
}

func splitSources(raw any) []string {
	switch val := raw.(type) {
	case string:
		return trimAll(strings.FieldsFunc(val, func(r rune) bool {
			return r == ';' || r == '\n'
		}))
	case []string:
		return trimAll(val)
	case []any:
		out := make([]string, 0, len(val))
		for _, item := range val {
			out = append(out, fmt.Sprint(item))
		}
		return trimAll(out)
	default:
		return nil
	}
}

func trimAll(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

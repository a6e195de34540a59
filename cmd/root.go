// Package cmd defines and implements the CLI commands for the actions-crawler executable.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/xhyumiracle/thorchain-crosschain-data/internal/config"
	"github.com/xhyumiracle/thorchain-crosschain-data/internal/logging"
)

// appKeyType is the key for storing the App in the context.
type appKeyType string

const appKey appKeyType = "app"

// App carries what every subcommand needs once configuration is loaded.
type App struct {
	Config config.Config
	Logger *zap.Logger
}

// newLogger is a variable so tests can capture output.
var newLogger = func(cfg config.Config) (*zap.Logger, error) {
	return logging.New(cfg.Logging.Development, cfg.LogFilePath())
}

// preflight holds per-subcommand checks that must pass before anything is
// written to the output directory.
var preflight = map[string]func(config.Config) error{
	"crawl": checkCrawlMode,
}

// newRootCmd creates the root command. v receives every flag binding, so the
// precedence is flag, then CRAWLER_* environment, then config file, then default.
func newRootCmd(v *viper.Viper) *cobra.Command {
	var cfgFile string
	cmd := &cobra.Command{
		Use:   "actions-crawler",
		Short: "Backfills THORChain Midgard actions into per-source NDJSON logs.",
		Long: `actions-crawler walks the Midgard /v2/actions endpoint backwards in time for
one or more asset queries, appending every action to a durable log and
checkpointing after each page so an interrupted crawl resumes where it stopped.`,
		SilenceUsage: true,

		// Runs after flags are parsed but before the subcommand's RunE.
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.LoadFrom(v, cfgFile)
			if err != nil {
				return err
			}
			// Checks run before the logger exists: it creates <out>/crawl.log.
			if check, ok := preflight[cmd.Name()]; ok {
				if err := check(cfg); err != nil {
					return err
				}
			}
			logger, err := newLogger(cfg)
			if err != nil {
				return fmt.Errorf("init logger: %w", err)
			}
			if used := v.ConfigFileUsed(); used != "" {
				logger.Info("config loaded", zap.String("file", used))
			}
			ctx := context.WithValue(cmd.Context(), appKey, &App{Config: cfg, Logger: logger})
			cmd.SetContext(ctx)
			return nil
		},

		PersistentPostRun: func(cmd *cobra.Command, _ []string) {
			if app, err := resolveApp(cmd.Context()); err == nil {
				_ = app.Logger.Sync()
			}
		},
	}

	f := cmd.PersistentFlags()
	f.StringVar(&cfgFile, "config", "", "config file (default is ./actions-crawler.yaml or $HOME/.actions-crawler/)")
	f.String("out", v.GetString("output.dir"), "output directory for state.json, data/ and crawl.log")
	f.String("log-file", "", "crawl log path (default <out>/crawl.log)")
	f.Bool("dev", v.GetBool("logging.development"), "human-readable development logging")
	mustBind(v, "output.dir", f.Lookup("out"))
	mustBind(v, "output.log_file", f.Lookup("log-file"))
	mustBind(v, "logging.development", f.Lookup("dev"))

	cmd.AddCommand(newCrawlCmd(v))
	cmd.AddCommand(newRebuildStateCmd(v))
	return cmd
}

// Execute is the main entry point. SIGINT and SIGTERM cancel the command
// context; the crawl then saves its position and exits cleanly.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := newRootCmd(config.New()).ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func resolveApp(ctx context.Context) (*App, error) {
	app, ok := ctx.Value(appKey).(*App)
	if !ok || app == nil {
		return nil, errors.New("application not initialized")
	}
	return app, nil
}

func mustBind(v *viper.Viper, key string, flag *pflag.Flag) {
	if err := v.BindPFlag(key, flag); err != nil {
		panic(fmt.Sprintf("bind flag %s: %v", key, err))
	}
}

package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/xhyumiracle/thorchain-crosschain-data/internal/checkpoint"
	"github.com/xhyumiracle/thorchain-crosschain-data/internal/crawler"
)

// newRebuildStateCmd creates the 'rebuild-state' subcommand.
func newRebuildStateCmd(v *viper.Viper) *cobra.Command {
	var (
		minTS      int64
		force      bool
		actionType string
	)
	cmd := &cobra.Command{
		Use:   "rebuild-state",
		Short: "Regenerate state.json from the append logs in <out>/data",
		Long: `Scans every <out>/data/*.ndjson log and writes a checkpoint that marks each
source finished at its oldest stored action. Use it when state.json was lost
or to adopt logs produced elsewhere; an existing checkpoint is only replaced
with --force.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			app, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			cfg, logger := app.Config, app.Logger
			if cmd.Flags().Changed("type") {
				cfg.Crawler.Type = actionType
			}

			store, err := checkpoint.NewStore(cfg.StatePath())
			if err != nil {
				return fmt.Errorf("init checkpoint store: %w", err)
			}
			if store.Exists() && !force {
				return fmt.Errorf("%s already exists; pass --force to overwrite it", store.Path())
			}
			st, err := crawler.RebuildState(cmd.Context(), store, crawler.RebuildOptions{
				DataDir: cfg.DataDir(),
				Type:    cfg.Crawler.Type,
				MinTS:   minTS,
				Logger:  logger,
			})
			if err != nil {
				return err
			}
			logger.Info("checkpoint rebuilt",
				zap.String("path", store.Path()),
				zap.Int("sources", len(st.Cursors)),
				zap.Int64("total_appended", st.Stats.TotalAppended),
				zap.Int64p("min_ts", st.Config.MinTS),
				zap.Int64p("max_ts", st.Config.MaxTS),
			)
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "wrote %s (%d sources, %d records)\n", store.Path(), len(st.Cursors), st.Stats.TotalAppended)
			return nil
		},
	}
	cmd.Flags().Int64Var(&minTS, "min-ts", 0, "record this unix second as the lower bound instead of the oldest stored date")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing state.json")
	// Not bound into v: crawl already binds crawler.type to its own flag.
	cmd.Flags().StringVar(&actionType, "type", v.GetString("crawler.type"), "action type recorded in the checkpoint")
	return cmd
}

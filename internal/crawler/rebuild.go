package crawler

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/xhyumiracle/thorchain-crosschain-data/internal/checkpoint"
	"github.com/xhyumiracle/thorchain-crosschain-data/internal/storage/local"
	"github.com/xhyumiracle/thorchain-crosschain-data/internal/upstream"
)

// RebuildOptions controls RebuildState.
type RebuildOptions struct {
	DataDir string
	Type    string
	// MinTS overrides the recorded lower bound (unix seconds); 0 keeps the
	// oldest date found in the logs.
	MinTS  int64
	Logger *zap.Logger
}

// RebuildState reconstructs a checkpoint from the append logs in DataDir. Each
// log becomes a finished source positioned at its oldest record, and the
// counters restart from the number of stored lines.
func RebuildState(ctx context.Context, store *checkpoint.Store, opts RebuildOptions) (checkpoint.State, error) {
	if store == nil {
		return checkpoint.State{}, errors.New("checkpoint store is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	paths, err := filepath.Glob(filepath.Join(opts.DataDir, "*.ndjson"))
	if err != nil {
		return checkpoint.State{}, fmt.Errorf("list append logs: %w", err)
	}
	sort.Strings(paths)

	st := checkpoint.State{
		Cursors: make(map[string]checkpoint.Cursor, len(paths)),
		Config:  checkpoint.RunConfig{Type: opts.Type},
	}
	var globalMin, globalMax int64
	for _, path := range paths {
		if err := ctx.Err(); err != nil {
			return checkpoint.State{}, err
		}
		source := strings.ReplaceAll(strings.TrimSuffix(filepath.Base(path), ".ndjson"), "__", ",")
		r, err := local.DateRange(path)
		if err != nil {
			return checkpoint.State{}, fmt.Errorf("scan %s: %w", path, err)
		}
		if !r.Found {
			logger.Warn("skipping append log without dated records", zap.String("file", path))
			continue
		}
		st.Cursors[source] = checkpoint.Cursor{TS: r.Min, Offset: 0, Finished: true}
		st.Config.Sources = append(st.Config.Sources, source)
		st.Stats.TotalAppended += int64(r.Lines)
		if globalMin == 0 || r.Min < globalMin {
			globalMin = r.Min
		}
		if r.Max > globalMax {
			globalMax = r.Max
		}
		logger.Info("source rebuilt",
			zap.String("source", source),
			zap.Int("lines", r.Lines),
			zap.Int64("oldest_sec", upstream.NSToSec(r.Min)),
			zap.Int64("newest_sec", upstream.NSToSec(r.Max)),
		)
	}
	if len(st.Cursors) == 0 {
		return checkpoint.State{}, fmt.Errorf("no append logs with dated records in %s", opts.DataDir)
	}

	minSec := upstream.NSToSec(globalMin)
	if opts.MinTS > 0 {
		minSec = opts.MinTS
	}
	maxSec := upstream.NSToSec(globalMax)
	st.Config.MinTS = &minSec
	st.Config.MaxTS = &maxSec
	st.Stats.UpdatedAt = time.Now().Unix()

	if _, err := os.Stat(store.Path()); err == nil {
		logger.Warn("overwriting existing checkpoint", zap.String("path", store.Path()))
	}
	if err := store.Save(ctx, st); err != nil {
		return checkpoint.State{}, fmt.Errorf("save checkpoint: %w", err)
	}
	st.Version = checkpoint.Version
	return st, nil
}

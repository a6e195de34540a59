package crawler

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xhyumiracle/thorchain-crosschain-data/internal/checkpoint"
	"github.com/xhyumiracle/thorchain-crosschain-data/internal/clock/system"
	uuidgen "github.com/xhyumiracle/thorchain-crosschain-data/internal/id/uuid"
	"github.com/xhyumiracle/thorchain-crosschain-data/internal/progress"
	"github.com/xhyumiracle/thorchain-crosschain-data/internal/storage/local"
	"github.com/xhyumiracle/thorchain-crosschain-data/internal/upstream"
)

// ErrRetryCeiling is returned when a source breaches its retry ceiling more
// consecutive times than Options.AbortAfterCeilingBreaches allows.
var ErrRetryCeiling = errors.New("source exceeded retry ceiling repeatedly")

// minPause is the shortest wait when every active source is cooling down.
const minPause = 100 * time.Millisecond

// Options describes one crawl run.
type Options struct {
	Type    string
	Sources []string
	Limit   int
	// RequestDelay is the pause a source takes after each completed request.
	RequestDelay time.Duration
	// MaxRetries is how many consecutive retryable failures a source absorbs
	// before an error is counted and the attempt counter starts over.
	MaxRetries int
	// AbortAfterCeilingBreaches aborts the run after this many consecutive
	// ceiling breaches on one source; 0 keeps retrying forever.
	AbortAfterCeilingBreaches int
	// MinTS and MaxTS are inclusive unix-second bounds; 0 means unbounded.
	MinTS   int64
	MaxTS   int64
	Dedup   bool
	Resume  bool
	SeenCap int
	// DataDir holds one append log per source.
	DataDir string
}

// Summary reports what a run did. Totals include earlier resumed runs.
type Summary struct {
	RunID         string
	Requests      int64
	Errors        int64
	Appended      int64
	TotalRequests int64
	TotalErrors   int64
	TotalAppended int64
	Finished      []string
	Duration      time.Duration
}

// Option customizes an Engine.
type Option func(*Engine)

// WithClock overrides the wall clock and sleeper.
func WithClock(c Clock) Option {
	return func(e *Engine) {
		if c != nil {
			e.clock = c
		}
	}
}

// WithEmitter publishes progress events to em.
func WithEmitter(em progress.Emitter) Option {
	return func(e *Engine) {
		if em != nil {
			e.emitter = em
		}
	}
}

// WithLogger sets the engine logger.
func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithIDGenerator overrides how run IDs are created.
func WithIDGenerator(g IDGenerator) Option {
	return func(e *Engine) {
		if g != nil {
			e.ids = g
		}
	}
}

type sourceState struct {
	name     string
	cursor   Cursor
	attempts int
	breaches int
	log      *local.AppendLog
}

// Engine runs the round-robin crawl over every configured source.
type Engine struct {
	opts    Options
	fetcher Fetcher
	store   *checkpoint.Store
	clock   Clock
	emitter progress.Emitter
	logger  *zap.Logger
	ids     IDGenerator

	minBound int64
	sources  []*sourceState
	state    checkpoint.State
	runID    uuid.UUID
	run      Summary
}

// NewEngine validates opts and wires the engine dependencies.
func NewEngine(opts Options, fetcher Fetcher, store *checkpoint.Store, options ...Option) (*Engine, error) {
	if fetcher == nil {
		return nil, errors.New("fetcher is required")
	}
	if store == nil {
		return nil, errors.New("checkpoint store is required")
	}
	if len(opts.Sources) == 0 {
		return nil, errors.New("at least one source is required")
	}
	if opts.Limit <= 0 {
		return nil, fmt.Errorf("limit must be > 0, got %d", opts.Limit)
	}
	if opts.DataDir == "" {
		return nil, errors.New("data dir is required")
	}
	e := &Engine{
		opts:    opts,
		fetcher: fetcher,
		store:   store,
		clock:   system.New(),
		emitter: progress.EmitterFunc(func(progress.Event) {}),
		logger:  zap.NewNop(),
		ids:     uuidgen.New(),
	}
	for _, o := range options {
		o(e)
	}
	if opts.MinTS > 0 {
		e.minBound = opts.MinTS * int64(time.Second)
	}
	return e, nil
}

// Run crawls until every source is finished, ctx is done, or a local I/O
// failure makes further progress unsafe. On cancellation it returns ctx.Err()
// with the checkpoint reflecting the last fully applied step.
func (e *Engine) Run(ctx context.Context) (Summary, error) {
	start := e.clock.Now()
	if err := e.prepare(ctx); err != nil {
		return e.run, err
	}
	e.emit(progress.Event{Stage: progress.StageRunStart, Note: fmt.Sprintf("%d sources", len(e.sources))})

	err := e.loop(ctx)
	e.run.Duration = e.clock.Now().Sub(start)
	e.fillTotals()

	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
			err = ctxErr
		}
		e.logger.Warn("crawl stopped",
			zap.Error(err),
			zap.Int64("requests", e.run.Requests),
			zap.Int64("errors", e.run.Errors),
			zap.Int64("appended", e.run.Appended),
		)
		e.emit(progress.Event{Stage: progress.StageRunError, Dur: e.run.Duration, Note: err.Error()})
		return e.run, err
	}

	e.logger.Info("crawl finished",
		zap.Int64("total_requests", e.run.TotalRequests),
		zap.Int64("total_errors", e.run.TotalErrors),
		zap.Int64("total_appended", e.run.TotalAppended),
		zap.String("state", e.store.Path()),
	)
	e.emit(progress.Event{Stage: progress.StageRunDone, Dur: e.run.Duration})
	return e.run, nil
}

func (e *Engine) prepare(ctx context.Context) error {
	id, err := e.ids.NewID()
	if err != nil {
		return fmt.Errorf("generate run id: %w", err)
	}
	if e.runID, err = uuid.Parse(id); err != nil {
		return fmt.Errorf("parse run id %q: %w", id, err)
	}
	e.run = Summary{RunID: id}

	prior := checkpoint.State{Cursors: map[string]checkpoint.Cursor{}}
	if e.opts.Resume {
		loaded, err := e.store.Load(ctx)
		switch {
		case err == nil:
			prior = loaded
			if prior.Config.Type != "" && prior.Config.Type != e.opts.Type {
				e.logger.Warn("checkpoint was written for a different action type",
					zap.String("checkpoint_type", prior.Config.Type),
					zap.String("type", e.opts.Type),
				)
			}
		case errors.Is(err, checkpoint.ErrNoCheckpoint):
			e.logger.Info("no checkpoint found; resuming from append logs")
		default:
			return fmt.Errorf("load checkpoint: %w", err)
		}
	}

	e.state = checkpoint.State{
		Cursors: make(map[string]checkpoint.Cursor, len(e.opts.Sources)),
		Config: checkpoint.RunConfig{
			Type:    e.opts.Type,
			Sources: append([]string(nil), e.opts.Sources...),
			MinTS:   optionalTS(e.opts.MinTS),
			MaxTS:   optionalTS(e.opts.MaxTS),
		},
		Stats: prior.Stats,
	}
	e.state.Stats.RunID = id

	e.sources = make([]*sourceState, 0, len(e.opts.Sources))
	for _, name := range e.opts.Sources {
		path := filepath.Join(e.opts.DataDir, local.FileName(name))
		if e.opts.Dedup {
			e.logger.Info("loading dedup keys", zap.String("source", name), zap.String("file", path))
		}
		appendLog, err := local.OpenAppendLog(path, local.Options{
			Dedup:   e.opts.Dedup,
			SeenCap: e.opts.SeenCap,
			Logger:  e.logger,
		})
		if err != nil {
			return fmt.Errorf("open append log for %s: %w", name, err)
		}
		cur, origin, err := e.initialCursor(name, path, prior)
		if err != nil {
			return err
		}
		src := &sourceState{name: name, cursor: cur, log: appendLog}
		e.sources = append(e.sources, src)
		e.state.Cursors[name] = cur.Persisted()
		e.logger.Info("source ready",
			zap.String("source", name),
			zap.String("origin", origin),
			zap.Int64("cursor_ts", cur.TS),
			zap.Int64("cursor_sec", upstream.NSToSec(cur.TS)),
			zap.Int32("offset", cur.Offset),
			zap.Bool("finished", cur.Finished),
			zap.Int("seen_keys", appendLog.SeenCount()),
		)
	}
	return e.checkpoint(ctx)
}

// initialCursor resolves where a source starts: its checkpoint cursor when
// resuming, else the oldest date already in its log, else max_ts or now.
func (e *Engine) initialCursor(name, path string, prior checkpoint.State) (Cursor, string, error) {
	if e.opts.Resume {
		if c, ok := prior.Cursors[name]; ok {
			return Cursor{TS: c.TS, Offset: c.Offset, Finished: c.Finished}, "checkpoint", nil
		}
		r, err := local.DateRange(path)
		if err != nil {
			return Cursor{}, "", fmt.Errorf("scan append log for %s: %w", name, err)
		}
		if r.Found {
			return Cursor{TS: r.Min}, "append_log", nil
		}
	}
	ts := e.clock.Now().UnixNano()
	if e.opts.MaxTS > 0 {
		if upper := e.opts.MaxTS * int64(time.Second); upper < ts {
			return Cursor{TS: upper}, "max_ts", nil
		}
	}
	return Cursor{TS: ts}, "now", nil
}

func (e *Engine) loop(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		active := e.active()
		if len(active) == 0 {
			e.logger.Info("all sources finished")
			return nil
		}

		now := e.clock.Now()
		ready := make([]*sourceState, 0, len(active))
		earliest := active[0].cursor.CooldownUntil
		for _, src := range active {
			if !src.cursor.CooldownUntil.After(now) {
				ready = append(ready, src)
			}
			if src.cursor.CooldownUntil.Before(earliest) {
				earliest = src.cursor.CooldownUntil
			}
		}

		if len(ready) == 0 {
			wait := earliest.Sub(now)
			if wait < minPause {
				wait = minPause
			}
			e.logger.Debug("all sources cooling down", zap.Duration("wait", wait))
			if err := e.clock.Sleep(ctx, wait); err != nil {
				return err
			}
			continue
		}

		for _, src := range ready {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := e.step(ctx, src); err != nil {
				return err
			}
		}
	}
}

func (e *Engine) active() []*sourceState {
	out := make([]*sourceState, 0, len(e.sources))
	for _, src := range e.sources {
		if !src.cursor.Finished {
			out = append(out, src)
		}
	}
	return out
}

// step issues one request for src and applies its outcome.
func (e *Engine) step(ctx context.Context, src *sourceState) error {
	cur := src.cursor
	if e.minBound > 0 && cur.TS < e.minBound {
		src.cursor.Finished = true
		e.logger.Info("source reached min_ts boundary", zap.String("source", src.name), zap.Int64("cursor_ts", cur.TS))
		e.emitSource(progress.StageSourceFinished, src, progress.Event{Note: "min_ts boundary"})
		return e.checkpoint(context.WithoutCancel(ctx))
	}

	q := upstream.Query{
		Type:   e.opts.Type,
		Asset:  src.name,
		TS:     cur.TS,
		Offset: cur.Offset,
		Limit:  e.opts.Limit,
	}
	e.logger.Debug("requesting page",
		zap.String("source", src.name),
		zap.Int64("cursor_ts", cur.TS),
		zap.Int32("offset", cur.Offset),
		zap.Int("attempt", src.attempts),
	)
	started := e.clock.Now()
	res := e.fetcher.Next(ctx, q, src.attempts)
	if err := ctx.Err(); err != nil {
		// The request was cut short; nothing from it is applied.
		return err
	}
	now := e.clock.Now()
	// From here on the step is applied in full even if ctx is canceled.
	persistCtx := context.WithoutCancel(ctx)
	e.state.Stats.TotalRequests++
	e.run.Requests++

	switch res.Kind {
	case upstream.Retryable:
		return e.applyRetryable(persistCtx, src, res, now)
	case upstream.Fatal:
		return e.applyFatal(persistCtx, src, res, now)
	}

	src.attempts = 0
	src.breaches = 0
	next, kept := Advance(cur, res.Records, e.minBound)
	appended := 0
	if len(kept) > 0 {
		n, err := src.log.Append(persistCtx, kept, local.Tag{TS: upstream.NSToSec(cur.TS), Offset: cur.Offset})
		e.addAppended(n)
		if err != nil {
			return fmt.Errorf("append %s: %w", src.name, err)
		}
		appended = n
	}
	next.CooldownUntil = cur.CooldownUntil
	src.cursor = next

	e.logger.Info("page applied",
		zap.String("source", src.name),
		zap.String("endpoint", res.Endpoint),
		zap.Int("records", len(res.Records)),
		zap.Int("kept", len(kept)),
		zap.Int("appended", appended),
		zap.Int64("next_ts", next.TS),
		zap.Int32("next_offset", next.Offset),
	)
	e.emitSource(progress.StagePageDone, src, progress.Event{
		Endpoint:    res.Endpoint,
		StatusClass: progress.ClassifyStatus(res.StatusCode),
		Records:     len(res.Records),
		Appended:    appended,
		Dur:         nonNegative(now.Sub(started)),
	})
	if next.Finished {
		reason := "no more data"
		if len(res.Records) > 0 {
			reason = "remaining records before min_ts"
		}
		e.logger.Info("source finished", zap.String("source", src.name), zap.String("reason", reason))
		e.emitSource(progress.StageSourceFinished, src, progress.Event{Note: reason})
	}
	if err := e.checkpoint(persistCtx); err != nil {
		return err
	}
	src.cursor.CooldownUntil = now.Add(e.opts.RequestDelay)
	return nil
}

func (e *Engine) applyRetryable(ctx context.Context, src *sourceState, res upstream.Result, now time.Time) error {
	src.cursor.CooldownUntil = now.Add(res.Cooldown)
	src.attempts++
	e.emitSource(progress.StageRetry, src, progress.Event{
		Endpoint:    res.Endpoint,
		StatusClass: progress.ClassifyStatus(res.StatusCode),
		Attempt:     src.attempts,
		Dur:         nonNegative(res.Cooldown),
		Note:        errText(res.Err),
	})
	if src.attempts > e.opts.MaxRetries {
		src.attempts = 0
		src.breaches++
		e.state.Stats.TotalErrors++
		e.run.Errors++
		e.logger.Error("source exceeded max retries",
			zap.String("source", src.name),
			zap.Int("max_retries", e.opts.MaxRetries),
			zap.Int("consecutive_breaches", src.breaches),
			zap.Error(res.Err),
		)
		e.emitSource(progress.StageSourceError, src, progress.Event{
			Note: fmt.Sprintf("exceeded max_retries=%d: %s", e.opts.MaxRetries, errText(res.Err)),
		})
		if limit := e.opts.AbortAfterCeilingBreaches; limit > 0 && src.breaches >= limit {
			if err := e.checkpoint(ctx); err != nil {
				return err
			}
			return fmt.Errorf("%w: %s breached %d times, last error: %s", ErrRetryCeiling, src.name, src.breaches, errText(res.Err))
		}
	}
	return e.checkpoint(ctx)
}

func (e *Engine) applyFatal(ctx context.Context, src *sourceState, res upstream.Result, now time.Time) error {
	e.state.Stats.TotalErrors++
	e.run.Errors++
	src.attempts = 0
	e.logger.Error("page request failed",
		zap.String("source", src.name),
		zap.String("endpoint", res.Endpoint),
		zap.Int("status", res.StatusCode),
		zap.Error(res.Err),
	)
	e.emitSource(progress.StageSourceError, src, progress.Event{
		Endpoint:    res.Endpoint,
		StatusClass: progress.ClassifyStatus(res.StatusCode),
		Note:        errText(res.Err),
	})
	if err := e.checkpoint(ctx); err != nil {
		return err
	}
	src.cursor.CooldownUntil = now.Add(e.opts.RequestDelay)
	return nil
}

func (e *Engine) addAppended(n int) {
	e.state.Stats.TotalAppended += int64(n)
	e.run.Appended += int64(n)
}

func (e *Engine) checkpoint(ctx context.Context) error {
	for _, src := range e.sources {
		e.state.Cursors[src.name] = src.cursor.Persisted()
	}
	e.state.Stats.UpdatedAt = e.clock.Now().Unix()
	if err := e.store.Save(ctx, e.state); err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	return nil
}

func (e *Engine) fillTotals() {
	e.run.TotalRequests = e.state.Stats.TotalRequests
	e.run.TotalErrors = e.state.Stats.TotalErrors
	e.run.TotalAppended = e.state.Stats.TotalAppended
	e.run.Finished = e.run.Finished[:0]
	for _, src := range e.sources {
		if src.cursor.Finished {
			e.run.Finished = append(e.run.Finished, src.name)
		}
	}
}

// Checkpoint returns a copy of the last state handed to the checkpoint store.
func (e *Engine) Checkpoint() checkpoint.State {
	return e.state.Clone()
}

func (e *Engine) emit(evt progress.Event) {
	evt.RunID = progress.UUIDToBytes(e.runID)
	evt.TS = e.clock.Now()
	e.emitter.Emit(evt)
}

func (e *Engine) emitSource(stage progress.Stage, src *sourceState, evt progress.Event) {
	evt.Stage = stage
	evt.Source = src.name
	evt.CursorTS = src.cursor.TS
	evt.CursorOffset = src.cursor.Offset
	e.emit(evt)
}

func optionalTS(v int64) *int64 {
	if v <= 0 {
		return nil
	}
	return &v
}

func nonNegative(d time.Duration) time.Duration {
	if d < 0 {
		return 0
	}
	return d
}

func errText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

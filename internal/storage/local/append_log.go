// Package local implements the per-source append-only action log kept on the
// local filesystem. Each log is newline-delimited JSON, one action per line,
// and is only ever appended to.
package local

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/xhyumiracle/thorchain-crosschain-data/internal/action"
	"github.com/xhyumiracle/thorchain-crosschain-data/internal/hash/sha256"
)

// DefaultSeenCap bounds how many log lines are scanned for dedup keys at open.
const DefaultSeenCap = 2_000_000

// Options configures an AppendLog.
type Options struct {
	// Dedup loads the keys already present in the log so re-fetched actions
	// are not written twice. Without it only keys seen during this run count.
	Dedup bool
	// SeenCap limits the number of lines read while loading keys.
	SeenCap int
	Logger  *zap.Logger
}

// Tag records the pagination parameters a batch was fetched with.
type Tag struct {
	TS     int64
	Offset int32
}

// AppendLog is the durable record store for one source. It owns the source's
// seen-key set; it is not safe to share one file between two AppendLogs.
type AppendLog struct {
	mu     sync.Mutex
	path   string
	seen   map[sha256.Digest]struct{}
	logger *zap.Logger
}

var slugUnsafe = regexp.MustCompile(`[^A-Za-z0-9._~-]+`)

// FileName maps a source identifier such as "BTC.BTC,ETH.ETH" to its log file
// name, "BTC.BTC__ETH.ETH.ndjson".
func FileName(source string) string {
	slug := strings.ReplaceAll(strings.TrimSpace(source), ",", "__")
	return slugUnsafe.ReplaceAllString(slug, "_") + ".ndjson"
}

// OpenAppendLog prepares the log at path, creating parent directories and
// loading the seen-key set when dedup is enabled. A log whose last line was
// torn by a crash gets a terminating newline so new records start cleanly.
func OpenAppendLog(path string, opts Options) (*AppendLog, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("append log path is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("create log dir for %s: %w", path, err)
	}
	if err := terminateTornTail(path, logger); err != nil {
		return nil, err
	}
	seen := make(map[sha256.Digest]struct{})
	if opts.Dedup {
		capLines := opts.SeenCap
		if capLines <= 0 {
			capLines = DefaultSeenCap
		}
		loaded, err := LoadSeen(path, capLines, logger)
		if err != nil {
			return nil, err
		}
		seen = loaded
	}
	return &AppendLog{path: path, seen: seen, logger: logger}, nil
}

// Path returns the file backing the log.
func (l *AppendLog) Path() string {
	return l.path
}

// SeenCount reports how many distinct keys the log currently knows about.
func (l *AppendLog) SeenCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.seen)
}

// Append writes every record whose key has not been seen, tagging each line
// with the pagination parameters, and returns the number written. Each line
// is emitted with a single write and the file is synced before returning.
func (l *AppendLog) Append(ctx context.Context, records []action.Record, tag Tag) (int, error) {
	if len(records) == 0 {
		return 0, nil
	}
	if err := ctx.Err(); err != nil {
		return 0, fmt.Errorf("context canceled: %w", err)
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	// #nosec G304 -- path is derived from configured output dir and source slug.
	f, err := os.OpenFile(l.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return 0, fmt.Errorf("open %s: %w", l.path, err)
	}
	appended := 0
	for _, rec := range records {
		key := action.Key(rec)
		digest := sha256.Sum(key)
		if _, ok := l.seen[digest]; ok {
			continue
		}
		line, err := rec.Tagged(tag.TS, tag.Offset)
		if err != nil {
			_ = f.Close()
			return appended, fmt.Errorf("encode action %q: %w", key, err)
		}
		line = append(line, '\n')
		if _, err := f.Write(line); err != nil {
			_ = f.Close()
			return appended, fmt.Errorf("write %s: %w", l.path, err)
		}
		l.seen[digest] = struct{}{}
		appended++
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return appended, fmt.Errorf("sync %s: %w", l.path, err)
	}
	if err := f.Close(); err != nil {
		return appended, fmt.Errorf("close %s: %w", l.path, err)
	}
	return appended, nil
}

// LoadSeen rebuilds the key set from an existing log. A missing file yields an
// empty set. Blank and unparsable lines, including a torn final line, are
// skipped. Reading stops after capLines lines with a warning.
func LoadSeen(path string, capLines int, logger *zap.Logger) (map[sha256.Digest]struct{}, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	seen := make(map[sha256.Digest]struct{})
	err := scanLines(path, func(i int, line []byte) bool {
		if capLines > 0 && i >= capLines {
			logger.Warn("dedup key load capped",
				zap.Int("cap_lines", capLines),
				zap.String("file", filepath.Base(path)),
			)
			return false
		}
		rec, err := action.Parse(line)
		if err != nil {
			return true
		}
		seen[sha256.Sum(action.Key(rec))] = struct{}{}
		return true
	})
	if err != nil {
		return nil, err
	}
	return seen, nil
}

// Range summarizes the timestamps stored in a log.
type Range struct {
	Min   int64
	Max   int64
	Lines int
	Found bool
}

// DateRange scans a log for its smallest and largest positive date and counts
// its non-blank lines. Found is false when no dated record exists.
func DateRange(path string) (Range, error) {
	var r Range
	err := scanLines(path, func(_ int, line []byte) bool {
		r.Lines++
		rec, err := action.Parse(line)
		if err != nil || !rec.HasDate() {
			return true
		}
		if !r.Found || rec.Date < r.Min {
			r.Min = rec.Date
		}
		if !r.Found || rec.Date > r.Max {
			r.Max = rec.Date
		}
		r.Found = true
		return true
	})
	return r, err
}

// scanLines calls fn for each non-blank line; i counts every line read,
// blank ones included. fn returns false to stop early.
func scanLines(path string, fn func(i int, line []byte) bool) error {
	// #nosec G304 -- path is derived from configured output dir and source slug.
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close() //nolint:errcheck // read-only handle

	reader := bufio.NewReaderSize(f, 1<<20)
	for i := 0; ; i++ {
		line, readErr := reader.ReadBytes('\n')
		if len(line) > 0 {
			trimmed := bytes.TrimSpace(line)
			if len(trimmed) > 0 && !fn(i, trimmed) {
				return nil
			}
		}
		if readErr != nil {
			if errors.Is(readErr, io.EOF) {
				return nil
			}
			return fmt.Errorf("read %s: %w", path, readErr)
		}
	}
}

func terminateTornTail(path string, logger *zap.Logger) error {
	// #nosec G304 -- path is derived from configured output dir and source slug.
	f, err := os.OpenFile(path, os.O_RDWR, 0o600)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close() //nolint:errcheck // closed after the optional write below
	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat %s: %w", path, err)
	}
	if info.Size() == 0 {
		return nil
	}
	last := make([]byte, 1)
	if _, err := f.ReadAt(last, info.Size()-1); err != nil {
		return fmt.Errorf("read tail of %s: %w", path, err)
	}
	if last[0] == '\n' {
		return nil
	}
	logger.Warn("terminating torn trailing line", zap.String("file", filepath.Base(path)))
	if _, err := f.WriteAt([]byte{'\n'}, info.Size()); err != nil {
		return fmt.Errorf("terminate tail of %s: %w", path, err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("sync %s: %w", path, err)
	}
	return nil
}

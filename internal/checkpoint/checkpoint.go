// Package checkpoint persists the crawl state: every source cursor, the run
// configuration and cumulative counters. The file is replaced atomically so a
// reader or a restarted process never observes a half-written document.
package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// Version is the document version written by Save.
const Version = 2

// FileName is the canonical checkpoint file name inside the output directory.
const FileName = "state.json"

var (
	// ErrNoCheckpoint is returned when no checkpoint exists.
	ErrNoCheckpoint = errors.New("no checkpoint found")
	// ErrUnsupportedVersion is returned for documents this build cannot read.
	ErrUnsupportedVersion = errors.New("unsupported checkpoint version")
)

// State is the full persisted crawl state.
type State struct {
	Version int               `json:"version"`
	Cursors map[string]Cursor `json:"cursors"`
	Config  RunConfig         `json:"config"`
	Stats   Stats             `json:"stats"`
}

// Cursor is the persisted position of one source.
type Cursor struct {
	TS       int64 `json:"ts"`
	Offset   int32 `json:"offset"`
	Finished bool  `json:"finished"`
}

// RunConfig records what the crawl was asked to do. Bounds are unix seconds.
type RunConfig struct {
	Type    string   `json:"type"`
	Sources []string `json:"sources"`
	MinTS   *int64   `json:"min_ts"`
	MaxTS   *int64   `json:"max_ts"`
}

// Stats holds counters accumulated across every run resumed from this file.
type Stats struct {
	RunID         string `json:"run_id,omitempty"`
	TotalRequests int64  `json:"total_requests"`
	TotalErrors   int64  `json:"total_errors"`
	TotalAppended int64  `json:"total_appended"`
	// UpdatedAt is the unix time of the last save.
	UpdatedAt int64 `json:"updated_at"`
}

// Store reads and writes a checkpoint file.
type Store struct {
	path string
}

// NewStore returns a Store for path, creating its directory.
func NewStore(path string) (*Store, error) {
	if path == "" {
		return nil, errors.New("checkpoint path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("create checkpoint directory %s: %w", filepath.Dir(path), err)
	}
	return &Store{path: path}, nil
}

// Path returns the canonical checkpoint location.
func (s *Store) Path() string {
	return s.path
}

// Exists reports whether a checkpoint file is present.
func (s *Store) Exists() bool {
	_, err := os.Stat(s.path)
	return err == nil
}

// Load reads the last saved state.
func (s *Store) Load(ctx context.Context) (State, error) {
	if err := ctx.Err(); err != nil {
		return State{}, fmt.Errorf("context canceled: %w", err)
	}
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return State{}, ErrNoCheckpoint
		}
		return State{}, fmt.Errorf("read checkpoint file: %w", err)
	}
	var st State
	if err := json.Unmarshal(data, &st); err != nil {
		return State{}, fmt.Errorf("parse checkpoint file: %w", err)
	}
	if st.Version != Version {
		return State{}, fmt.Errorf("%w: %d", ErrUnsupportedVersion, st.Version)
	}
	if st.Cursors == nil {
		st.Cursors = map[string]Cursor{}
	}
	return st, nil
}

// Save writes st to a temporary file next to the checkpoint, syncs it and
// renames it over the checkpoint path.
func (s *Store) Save(ctx context.Context, st State) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context canceled: %w", err)
	}
	st.Version = Version
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create checkpoint temp file: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("write checkpoint temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("sync checkpoint temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("close checkpoint temp file: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("rename checkpoint file: %w", err)
	}
	return nil
}

// Clone returns a deep copy of st.
func (st State) Clone() State {
	out := st
	out.Cursors = make(map[string]Cursor, len(st.Cursors))
	for k, v := range st.Cursors {
		out.Cursors[k] = v
	}
	out.Config.Sources = append([]string(nil), st.Config.Sources...)
	if st.Config.MinTS != nil {
		v := *st.Config.MinTS
		out.Config.MinTS = &v
	}
	if st.Config.MaxTS != nil {
		v := *st.Config.MaxTS
		out.Config.MaxTS = &v
	}
	return out
}

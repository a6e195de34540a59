package sinks

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/xhyumiracle/thorchain-crosschain-data/internal/progress"
)

// RunStatus is the point-in-time view served by the status API.
type RunStatus struct {
	RunID     string         `json:"run_id,omitempty"`
	State     string         `json:"state"`
	StartedAt *time.Time     `json:"started_at,omitempty"`
	EndedAt   *time.Time     `json:"ended_at,omitempty"`
	Note      string         `json:"note,omitempty"`
	Sources   []SourceStatus `json:"sources"`
}

// SourceStatus aggregates the events of one source within the current run.
type SourceStatus struct {
	Source       string    `json:"source"`
	Pages        int64     `json:"pages"`
	Appended     int64     `json:"appended"`
	Retries      int64     `json:"retries"`
	Errors       int64     `json:"errors"`
	Finished     bool      `json:"finished"`
	CursorTS     int64     `json:"cursor_ts"`
	CursorOffset int32     `json:"cursor_offset"`
	Endpoint     string    `json:"endpoint,omitempty"`
	LastStatus   string    `json:"last_status,omitempty"`
	LastError    string    `json:"last_error,omitempty"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Run states reported by StatusSink.
const (
	StateIdle    = "idle"
	StateRunning = "running"
	StateDone    = "done"
	StateFailed  = "failed"
)

// StatusSink folds progress events into an in-memory RunStatus. A RUN_START
// for a new run resets the per-source view.
type StatusSink struct {
	mu      sync.RWMutex
	run     RunStatus
	sources map[string]*SourceStatus
}

// NewStatusSink returns an idle StatusSink.
func NewStatusSink() *StatusSink {
	return &StatusSink{
		run:     RunStatus{State: StateIdle},
		sources: make(map[string]*SourceStatus),
	}
}

// Consume applies the batch to the status view.
func (s *StatusSink) Consume(_ context.Context, batch []progress.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, evt := range batch {
		s.apply(evt)
	}
	return nil
}

func (s *StatusSink) apply(evt progress.Event) {
	runID := evt.RunUUID().String()
	switch evt.Stage {
	case progress.StageRunStart:
		ts := evt.TS
		s.run = RunStatus{RunID: runID, State: StateRunning, StartedAt: &ts}
		s.sources = make(map[string]*SourceStatus)
		return
	case progress.StageRunDone, progress.StageRunError:
		ts := evt.TS
		s.run.EndedAt = &ts
		s.run.Note = evt.Note
		s.run.State = StateDone
		if evt.Stage == progress.StageRunError {
			s.run.State = StateFailed
		}
		return
	}
	if evt.Source == "" {
		return
	}
	src, ok := s.sources[evt.Source]
	if !ok {
		src = &SourceStatus{Source: evt.Source}
		s.sources[evt.Source] = src
	}
	src.UpdatedAt = evt.TS
	switch evt.Stage {
	case progress.StagePageDone:
		src.Pages++
		src.Appended += int64(evt.Appended)
		src.Endpoint = evt.Endpoint
		src.LastStatus = string(evt.StatusClass)
		src.CursorTS, src.CursorOffset = evt.CursorTS, evt.CursorOffset
	case progress.StageRetry:
		src.Retries++
		src.Endpoint = evt.Endpoint
		src.LastError = evt.Note
	case progress.StageSourceError:
		src.Errors++
		src.LastError = evt.Note
	case progress.StageSourceFinished:
		src.Finished = true
		src.CursorTS, src.CursorOffset = evt.CursorTS, evt.CursorOffset
	}
}

// Snapshot returns a copy of the current status with sources sorted by name.
func (s *StatusSink) Snapshot() RunStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := s.run
	out.Sources = make([]SourceStatus, 0, len(s.sources))
	for _, src := range s.sources {
		out.Sources = append(out.Sources, *src)
	}
	sort.Slice(out.Sources, func(i, j int) bool {
		return out.Sources[i].Source < out.Sources[j].Source
	})
	return out
}

// Close implements the Sink interface; it performs no action.
func (s *StatusSink) Close(context.Context) error {
	return nil
}

// Package progress defines the event structures emitted by the crawl engine.
package progress

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Stage denotes the type of milestone represented by an Event.
type Stage string

// Supported progress stages.
const (
	StageRunStart       Stage = "RUN_START"
	StageRunDone        Stage = "RUN_DONE"
	StageRunError       Stage = "RUN_ERROR"
	StagePageDone       Stage = "PAGE_DONE"
	StageRetry          Stage = "RETRY"
	StageSourceError    Stage = "SOURCE_ERROR"
	StageSourceFinished Stage = "SOURCE_FINISHED"
)

// StatusClass is a coarse HTTP response grouping.
type StatusClass string

// Supported HTTP status classes tracked for page completions.
const (
	Status2xx   StatusClass = "2xx"
	Status3xx   StatusClass = "3xx"
	Status4xx   StatusClass = "4xx"
	Status5xx   StatusClass = "5xx"
	StatusOther StatusClass = "other"
)

// Event captures a single step of crawl progress.
type Event struct {
	// RunID identifies the crawl run using the 16-byte UUID form.
	RunID [16]byte
	// TS is the UTC timestamp recorded by the emitter.
	TS time.Time
	Stage Stage
	// Source is the asset query the event belongs to; empty for run-level stages.
	Source   string
	Endpoint string
	// StatusClass groups the HTTP response code of the page request.
	StatusClass StatusClass
	// Records is the raw page size; Appended counts lines actually written.
	Records  int
	Appended int
	// CursorTS and CursorOffset are the source position after the step.
	CursorTS     int64
	CursorOffset int32
	Attempt      int
	// Dur is the request latency for page events, the wall time for run events,
	// and the imposed cooldown for retries.
	Dur  time.Duration
	Note string
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.RunID == [16]byte{} {
		return errors.New("run id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageRunStart, StageRunDone, StageRunError:
	case StagePageDone:
		if e.Source == "" {
			return errors.New("page done requires source")
		}
		if e.StatusClass == "" {
			return errors.New("page done requires status class")
		}
	case StageRetry, StageSourceError, StageSourceFinished:
		if e.Source == "" {
			return fmt.Errorf("%s requires source", e.Stage)
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}

// RunUUID converts the binary run ID to uuid.UUID.
func (e Event) RunUUID() uuid.UUID {
	return uuid.UUID(e.RunID)
}

// UUIDToBytes encodes a uuid.UUID into the Event form.
func UUIDToBytes(id uuid.UUID) [16]byte {
	var dest [16]byte
	copy(dest[:], id[:])
	return dest
}

// ClassifyStatus groups HTTP status codes for page events.
func ClassifyStatus(code int) StatusClass {
	switch {
	case code >= 200 && code < 300:
		return Status2xx
	case code >= 300 && code < 400:
		return Status3xx
	case code >= 400 && code < 500:
		return Status4xx
	case code >= 500 && code < 600:
		return Status5xx
	default:
		return StatusOther
	}
}

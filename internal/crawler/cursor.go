package crawler

import (
	"time"

	"github.com/xhyumiracle/thorchain-crosschain-data/internal/action"
	"github.com/xhyumiracle/thorchain-crosschain-data/internal/checkpoint"
)

// Cursor is the crawl position of one source. TS is a nanosecond timestamp
// and Offset counts the records already consumed at exactly TS.
type Cursor struct {
	TS            int64
	Offset        int32
	Finished      bool
	CooldownUntil time.Time
}

// Persisted returns the checkpoint form of c.
func (c Cursor) Persisted() checkpoint.Cursor {
	return checkpoint.Cursor{TS: c.TS, Offset: c.Offset, Finished: c.Finished}
}

// Before reports whether c is strictly behind other in crawl order, i.e.
// older timestamp, or the same timestamp with a larger offset.
func (c Cursor) Before(other Cursor) bool {
	if c.TS != other.TS {
		return c.TS < other.TS
	}
	return c.Offset > other.Offset
}

// Advance applies a successful page to c. minBound is the lower bound in
// nanoseconds, 0 when unbounded. It returns the next cursor and the records
// that lie at or above the bound, in page order.
//
// The next position is derived from the raw page: the oldest date on it and
// how many records carry exactly that date. Paging on the timestamp alone
// would skip or repeat records that share an instant. Records dated after
// c.TS (upstream filters by whole seconds) are kept but never move the cursor
// forward. Undated records are kept regardless of minBound.
func Advance(c Cursor, records []action.Record, minBound int64) (Cursor, []action.Record) {
	next := c
	if len(records) == 0 {
		next.Finished = true
		return next, nil
	}

	kept := make([]action.Record, 0, len(records))
	belowBound := false
	for _, rec := range records {
		if minBound > 0 && rec.HasDate() && rec.Date < minBound {
			belowBound = true
			continue
		}
		kept = append(kept, rec)
	}

	var minDate int64
	var countAtMin int32
	for _, rec := range records {
		if !rec.HasDate() || (c.TS > 0 && rec.Date > c.TS) {
			continue
		}
		switch {
		case minDate == 0 || rec.Date < minDate:
			minDate, countAtMin = rec.Date, 1
		case rec.Date == minDate:
			countAtMin++
		}
	}

	switch {
	case minDate == 0:
		// No usable date at or before the cursor: step past the page at the same instant.
		next.Offset += int32(len(records)) //nolint:gosec // page size is bounded by the limit
	case minDate == c.TS:
		next.Offset += countAtMin
	default:
		next.TS = minDate
		next.Offset = countAtMin
	}

	if belowBound && len(kept) == 0 {
		next.Finished = true
	}
	return next, kept
}

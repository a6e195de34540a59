package crawler

import (
	"context"
	"time"

	"github.com/xhyumiracle/thorchain-crosschain-data/internal/upstream"
)

// Fetcher retrieves one classified page. *upstream.Client satisfies it.
type Fetcher interface {
	Next(ctx context.Context, q upstream.Query, attempt int) upstream.Result
}

// Clock returns the current time and waits (useful for testing).
type Clock interface {
	Now() time.Time
	// Sleep blocks for d or until ctx is done, returning ctx.Err() in that case.
	Sleep(ctx context.Context, d time.Duration) error
}

// IDGenerator produces run IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}

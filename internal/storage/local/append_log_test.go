// Package local_test tests the append-only action log.
package local_test

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/xhyumiracle/thorchain-crosschain-data/internal/action"
	"github.com/xhyumiracle/thorchain-crosschain-data/internal/hash/sha256"
	"github.com/xhyumiracle/thorchain-crosschain-data/internal/storage/local"
)

func mustRecord(t *testing.T, raw string) action.Record {
	t.Helper()
	rec, err := action.Parse([]byte(raw))
	require.NoError(t, err)
	return rec
}

func swap(t *testing.T, date int64, txID string) action.Record {
	t.Helper()
	return mustRecord(t, fmt.Sprintf(
		`{"date":"%d","height":"1","type":"swap","status":"success","in":[{"txID":%q}],"out":[]}`,
		date, txID,
	))
}

func readLines(t *testing.T, path string) []string {
	t.Helper()
	// #nosec G304 -- test reads from the controlled temp directory.
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close() //nolint:errcheck // test helper
	var lines []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		lines = append(lines, sc.Text())
	}
	require.NoError(t, sc.Err())
	return lines
}

func TestFileName(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		source   string
		expected string
	}{
		{"BTC.BTC,ETH.ETH", "BTC.BTC__ETH.ETH.ndjson"},
		{" BTC.BTC,DOGE.DOGE ", "BTC.BTC__DOGE.DOGE.ndjson"},
		{"ETH.USDC-0xA0B8/x", "ETH.USDC-0xA0B8_x.ndjson"},
	}
	for _, tc := range testCases {
		assert.Equal(t, tc.expected, local.FileName(tc.source), tc.source)
	}
}

func TestOpenAppendLogRequiresPath(t *testing.T) {
	t.Parallel()

	_, err := local.OpenAppendLog("  ", local.Options{})
	assert.Error(t, err)
}

func TestAppendSkipsSeenKeys(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "data", "a.ndjson")
	log, err := local.OpenAppendLog(path, local.Options{Dedup: true})
	require.NoError(t, err)

	ctx := context.Background()
	n, err := log.Append(ctx, []action.Record{swap(t, 100, "A"), swap(t, 100, "A"), swap(t, 90, "B")}, local.Tag{TS: 100, Offset: 0})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = log.Append(ctx, []action.Record{swap(t, 90, "B"), swap(t, 80, "C")}, local.Tag{TS: 90, Offset: 1})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 3, log.SeenCount())

	lines := readLines(t, path)
	require.Len(t, lines, 3)
	assert.Contains(t, lines[0], `"_api_ts":100,"_api_offset":0`)
	assert.Contains(t, lines[2], `"_api_ts":90,"_api_offset":1`)
}

func TestReopenDeduplicatesAgainstExistingLog(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "a.ndjson")
	ctx := context.Background()
	first, err := local.OpenAppendLog(path, local.Options{Dedup: true})
	require.NoError(t, err)
	_, err = first.Append(ctx, []action.Record{swap(t, 100, "A"), swap(t, 90, "B")}, local.Tag{TS: 100})
	require.NoError(t, err)

	second, err := local.OpenAppendLog(path, local.Options{Dedup: true})
	require.NoError(t, err)
	assert.Equal(t, 2, second.SeenCount())
	n, err := second.Append(ctx, []action.Record{swap(t, 90, "B"), swap(t, 100, "A")}, local.Tag{TS: 50, Offset: 2})
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Len(t, readLines(t, path), 2)
}

func TestReopenWithoutDedupStartsEmpty(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "a.ndjson")
	ctx := context.Background()
	first, err := local.OpenAppendLog(path, local.Options{Dedup: true})
	require.NoError(t, err)
	_, err = first.Append(ctx, []action.Record{swap(t, 100, "A")}, local.Tag{TS: 100})
	require.NoError(t, err)

	second, err := local.OpenAppendLog(path, local.Options{Dedup: false})
	require.NoError(t, err)
	assert.Zero(t, second.SeenCount())
}

func TestLoadSeenMissingFile(t *testing.T) {
	t.Parallel()

	seen, err := local.LoadSeen(filepath.Join(t.TempDir(), "none.ndjson"), 10, nil)
	require.NoError(t, err)
	assert.Empty(t, seen)
}

func TestLoadSeenSkipsMalformedLines(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "a.ndjson")
	content := `{"date":"1","in":[{"txID":"A"}]}` + "\n\n" + `not json` + "\n" + `{"date":"2"}` + "\n" + `{"date":"3","in":[{"tx`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	seen, err := local.LoadSeen(path, 100, nil)
	require.NoError(t, err)
	assert.Len(t, seen, 2)
	assert.Contains(t, seen, sha256.Sum("1|||||in:A|out:"))
}

func TestLoadSeenCapWarns(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "a.ndjson")
	content := `{"date":"1"}` + "\n" + `{"date":"2"}` + "\n" + `{"date":"3"}` + "\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	core, logs := observer.New(zap.WarnLevel)
	seen, err := local.LoadSeen(path, 2, zap.New(core))
	require.NoError(t, err)
	assert.Len(t, seen, 2)
	assert.Equal(t, 1, logs.FilterMessage("dedup key load capped").Len())
}

func TestOpenTerminatesTornTail(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "a.ndjson")
	torn := `{"date":"1","in":[{"txID":"A"}]}` + "\n" + `{"date":"2","in":[{"tx`
	require.NoError(t, os.WriteFile(path, []byte(torn), 0o600))

	log, err := local.OpenAppendLog(path, local.Options{Dedup: true})
	require.NoError(t, err)
	assert.Equal(t, 1, log.SeenCount())

	n, err := log.Append(context.Background(), []action.Record{swap(t, 5, "Z")}, local.Tag{TS: 5})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	lines := readLines(t, path)
	require.Len(t, lines, 3)
	assert.Equal(t, `{"date":"2","in":[{"tx`, lines[1])

	reloaded, err := local.LoadSeen(path, 100, nil)
	require.NoError(t, err)
	assert.Len(t, reloaded, 2)
}

func TestAppendHonorsCanceledContext(t *testing.T) {
	t.Parallel()

	log, err := local.OpenAppendLog(filepath.Join(t.TempDir(), "a.ndjson"), local.Options{})
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = log.Append(ctx, []action.Record{swap(t, 1, "A")}, local.Tag{})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestDateRange(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "a.ndjson")
	content := `{"date":"300"}` + "\n" + `{"date":"100"}` + "\n" + `garbage` + "\n" + `{"date":"200"}` + "\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	r, err := local.DateRange(path)
	require.NoError(t, err)
	assert.True(t, r.Found)
	assert.Equal(t, int64(100), r.Min)
	assert.Equal(t, int64(300), r.Max)
	assert.Equal(t, 4, r.Lines)

	missing, err := local.DateRange(filepath.Join(t.TempDir(), "none.ndjson"))
	require.NoError(t, err)
	assert.False(t, missing.Found)
}

package action

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const swapJSON = `{
  "date": "1700000000123456789",
  "height": "13000000",
  "type": "swap",
  "status": "success",
  "in": [{"txID": "BBB", "address": "bc1q", "coins": [{"asset": "BTC.BTC", "amount": "100"}]}],
  "out": [{"txID": "CCC", "address": "0xabc", "coins": []}, {"txID": "", "address": "thor1", "coins": []}],
  "metadata": {"swap": {"memo": "=:ETH.ETH:0xabc"}}
}`

func TestParseExtractsInspectedFields(t *testing.T) {
	t.Parallel()

	rec, err := Parse([]byte(swapJSON))
	require.NoError(t, err)

	assert.Equal(t, int64(1700000000123456789), rec.Date)
	assert.Equal(t, "1700000000123456789", rec.DateText)
	assert.Equal(t, int64(13000000), rec.Height)
	assert.Equal(t, "swap", rec.Type)
	assert.Equal(t, "success", rec.Status)
	assert.Equal(t, "", rec.Memo)
	require.Len(t, rec.In, 1)
	assert.Equal(t, "BBB", rec.In[0].TxID)
	assert.Equal(t, "bc1q", rec.In[0].Address)
	require.Len(t, rec.Out, 2)
	assert.True(t, rec.HasDate())
	assert.NotContains(t, string(rec.Raw), "\n")
}

func TestParseAcceptsNumericFields(t *testing.T) {
	t.Parallel()

	rec, err := Parse([]byte(`{"date": 100, "height": 7}`))
	require.NoError(t, err)
	assert.Equal(t, int64(100), rec.Date)
	assert.Equal(t, "100", rec.DateText)
	assert.Equal(t, int64(7), rec.Height)
}

func TestParseRejectsNonObjects(t *testing.T) {
	t.Parallel()

	for _, raw := range []string{`[1,2]`, `null`, `"x"`, `{"date":`} {
		_, err := Parse([]byte(raw))
		assert.Error(t, err, raw)
	}
}

func TestParseCoercesOddFields(t *testing.T) {
	t.Parallel()

	rec, err := Parse([]byte(`{"date": "not-a-number", "in": "nope", "out": [null, 5, {"txID": 9}]}`))
	require.NoError(t, err)
	assert.Equal(t, int64(0), rec.Date)
	assert.False(t, rec.HasDate())
	assert.Empty(t, rec.In)
	require.Len(t, rec.Out, 1)
	assert.Equal(t, "9", rec.Out[0].TxID)
}

func TestTaggedAppendsPaginationFields(t *testing.T) {
	t.Parallel()

	rec, err := Parse([]byte(`{"b": 1, "a": "x"}`))
	require.NoError(t, err)

	line, err := rec.Tagged(1700000000, 4)
	require.NoError(t, err)
	assert.Equal(t, `{"b":1,"a":"x","_api_ts":1700000000,"_api_offset":4}`, string(line))

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(line, &decoded))
	assert.InDelta(t, 1700000000, decoded["_api_ts"], 0)
}

func TestTaggedEmptyObject(t *testing.T) {
	t.Parallel()

	rec, err := Parse([]byte(`{ }`))
	require.NoError(t, err)
	line, err := rec.Tagged(1, 0)
	require.NoError(t, err)
	assert.Equal(t, `{"_api_ts":1,"_api_offset":0}`, string(line))
}

func TestKeyFormat(t *testing.T) {
	t.Parallel()

	rec, err := Parse([]byte(swapJSON))
	require.NoError(t, err)
	assert.Equal(t, "1700000000123456789|13000000|swap|success||in:BBB|out:CCC", Key(rec))
}

func TestKeyIgnoresTxIDOrderAndDuplicates(t *testing.T) {
	t.Parallel()

	a, err := Parse([]byte(`{"date":"5","height":"1","type":"swap","status":"success","memo":"m",
		"in":[{"txID":"B"},{"txID":"A"},{"txID":"B"}],"out":[{"txID":"Z"},{"txID":"Y"}]}`))
	require.NoError(t, err)
	b, err := Parse([]byte(`{"out":[{"txID":"Y"},{"txID":"Z"},{"txID":"Y"}],"memo":"m","status":"success",
		"type":"swap","height":"1","date":"5","in":[{"txID":"A"},{"txID":"B"}],"extra":true}`))
	require.NoError(t, err)

	assert.Equal(t, Key(a), Key(b))
	assert.Equal(t, "5|1|swap|success|m|in:A,B|out:Y,Z", Key(a))
}

func TestKeyMissingFields(t *testing.T) {
	t.Parallel()

	rec, err := Parse([]byte(`{}`))
	require.NoError(t, err)
	assert.Equal(t, "|||||in:|out:", Key(rec))
}

func TestKeyStableAcrossTagging(t *testing.T) {
	t.Parallel()

	rec, err := Parse([]byte(swapJSON))
	require.NoError(t, err)
	line, err := rec.Tagged(1700000000, 3)
	require.NoError(t, err)
	reloaded, err := Parse(line)
	require.NoError(t, err)
	assert.Equal(t, Key(rec), Key(reloaded))
}

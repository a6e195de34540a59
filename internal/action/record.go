// Package action models the records served by the upstream /v2/actions
// endpoint. Only the handful of fields the crawler inspects are decoded; the
// full object is kept as Raw and written back out unchanged.
package action

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
)

// Leg is one entry of an action's in or out list.
type Leg struct {
	TxID    string
	Address string
	Coins   json.RawMessage
}

// Record is a single action as fetched from upstream.
type Record struct {
	// Date is the action timestamp in nanoseconds. Zero when absent or unparsable.
	Date int64
	// DateText is the textual form of date used for key derivation.
	DateText   string
	Height     int64
	HeightText string
	Type       string
	Status     string
	Memo       string
	In         []Leg
	Out        []Leg
	// Raw is the compacted JSON object exactly as upstream sent it.
	Raw json.RawMessage
}

// HasDate reports whether the record carries a usable positive timestamp.
func (r Record) HasDate() bool {
	return r.Date > 0
}

var errNotObject = errors.New("action is not a JSON object")

// Parse decodes a single JSON action. Missing or oddly typed fields are
// coerced to their zero value; only a payload that is not a JSON object fails.
func Parse(raw []byte) (Record, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return Record{}, fmt.Errorf("decode action: %w", err)
	}
	if fields == nil {
		return Record{}, errNotObject
	}
	var compact bytes.Buffer
	if err := json.Compact(&compact, raw); err != nil {
		return Record{}, fmt.Errorf("compact action: %w", err)
	}
	rec := Record{
		DateText:   text(fields["date"]),
		HeightText: text(fields["height"]),
		Type:       text(fields["type"]),
		Status:     text(fields["status"]),
		Memo:       text(fields["memo"]),
		In:         legs(fields["in"]),
		Out:        legs(fields["out"]),
		Raw:        compact.Bytes(),
	}
	rec.Date = parseInt(rec.DateText)
	rec.Height = parseInt(rec.HeightText)
	return rec, nil
}

// Tagged returns Raw with the pagination parameters that produced it appended
// as _api_ts and _api_offset. The original fields keep their order and bytes.
func (r Record) Tagged(apiTS int64, apiOffset int32) ([]byte, error) {
	body := bytes.TrimSpace(r.Raw)
	if len(body) < 2 || body[0] != '{' || body[len(body)-1] != '}' {
		return nil, errNotObject
	}
	out := make([]byte, 0, len(body)+48)
	out = append(out, body[:len(body)-1]...)
	if len(bytes.TrimSpace(body[1:len(body)-1])) > 0 {
		out = append(out, ',')
	}
	out = append(out, `"_api_ts":`...)
	out = strconv.AppendInt(out, apiTS, 10)
	out = append(out, `,"_api_offset":`...)
	out = strconv.AppendInt(out, int64(apiOffset), 10)
	out = append(out, '}')
	return out, nil
}

// text renders a JSON scalar the way it reads: strings lose their quotes,
// numbers and booleans keep their literal form, null and absent become "".
func text(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return ""
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return ""
		}
		return s
	}
	if raw[0] == '{' || raw[0] == '[' {
		return ""
	}
	return string(raw)
}

func legs(raw json.RawMessage) []Leg {
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil
	}
	out := make([]Leg, 0, len(items))
	for _, item := range items {
		var fields map[string]json.RawMessage
		if err := json.Unmarshal(item, &fields); err != nil || fields == nil {
			continue
		}
		out = append(out, Leg{
			TxID:    text(fields["txID"]),
			Address: text(fields["address"]),
			Coins:   fields["coins"],
		})
	}
	return out
}

func parseInt(s string) int64 {
	if s == "" {
		return 0
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0
	}
	return n
}

package action

import (
	"sort"
	"strings"
)

// Key derives the canonical identity of a record:
//
//	date|height|type|status|memo|in:<txids>|out:<txids>
//
// where each txid list is sorted, de-duplicated and comma separated. Two
// records with equal keys are the same action; only one is ever stored.
func Key(r Record) string {
	var b strings.Builder
	b.Grow(len(r.DateText) + len(r.HeightText) + len(r.Type) + len(r.Status) + len(r.Memo) + 64)
	b.WriteString(r.DateText)
	b.WriteByte('|')
	b.WriteString(r.HeightText)
	b.WriteByte('|')
	b.WriteString(r.Type)
	b.WriteByte('|')
	b.WriteString(r.Status)
	b.WriteByte('|')
	b.WriteString(r.Memo)
	b.WriteString("|in:")
	b.WriteString(strings.Join(txIDs(r.In), ","))
	b.WriteString("|out:")
	b.WriteString(strings.Join(txIDs(r.Out), ","))
	return b.String()
}

func txIDs(side []Leg) []string {
	seen := make(map[string]struct{}, len(side))
	out := make([]string, 0, len(side))
	for _, leg := range side {
		if leg.TxID == "" {
			continue
		}
		if _, ok := seen[leg.TxID]; ok {
			continue
		}
		seen[leg.TxID] = struct{}{}
		out = append(out, leg.TxID)
	}
	sort.Strings(out)
	return out
}

package workflow

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
)

// SnapshotDiffEntry is one leaf-level difference between two quote snapshots.
// Previous/Current are nil when the field is absent on that side.
type SnapshotDiffEntry struct {
	Field    string      `json:"field"`
	Previous interface{} `json:"previous,omitempty"`
	Current  interface{} `json:"current,omitempty"`
}

// SnapshotDiff compares two snapshot documents field-by-field. Both documents
// are flattened into dotted-path leaf maps (pricing.subtotal, status, ...).
// Arrays are compared as whole values, not per index, to avoid path ambiguity
// under reordering. previous == nil means "no prior snapshot": every leaf of
// current is emitted as an addition.
//
// Output is sorted by field path so identical inputs always yield identical
// output; callers should still treat it as an unordered set.
func SnapshotDiff(previous, current map[string]interface{}) []SnapshotDiffEntry {
	prevLeaves := flattenSnapshot(previous)
	currLeaves := flattenSnapshot(current)

	fields := make(map[string]struct{}, len(prevLeaves)+len(currLeaves))
	for k := range prevLeaves {
		fields[k] = struct{}{}
	}
	for k := range currLeaves {
		fields[k] = struct{}{}
	}

	entries := make([]SnapshotDiffEntry, 0)
	for field := range fields {
		prevVal, prevOk := prevLeaves[field]
		currVal, currOk := currLeaves[field]
		if prevOk && currOk && leafEqual(prevVal, currVal) {
			continue
		}
		entries = append(entries, SnapshotDiffEntry{
			Field:    field,
			Previous: prevVal,
			Current:  currVal,
		})
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].Field < entries[j].Field })
	return entries
}

// SnapshotDiffJSON diffs two serialized snapshots. An empty/nil previous
// document is treated as "no prior snapshot".
func SnapshotDiffJSON(previous, current []byte) ([]SnapshotDiffEntry, error) {
	var prevDoc map[string]interface{}
	if len(previous) > 0 {
		if err := json.Unmarshal(previous, &prevDoc); err != nil {
			return nil, fmt.Errorf("unmarshal previous snapshot: %w", err)
		}
	}
	var currDoc map[string]interface{}
	if len(current) > 0 {
		if err := json.Unmarshal(current, &currDoc); err != nil {
			return nil, fmt.Errorf("unmarshal current snapshot: %w", err)
		}
	}
	return SnapshotDiff(prevDoc, currDoc), nil
}

func flattenSnapshot(doc map[string]interface{}) map[string]interface{} {
	leaves := map[string]interface{}{}
	for key, value := range doc {
		flattenInto(leaves, key, value)
	}
	return leaves
}

func flattenInto(leaves map[string]interface{}, path string, value interface{}) {
	if nested, ok := value.(map[string]interface{}); ok {
		for key, child := range nested {
			flattenInto(leaves, path+"."+key, child)
		}
		return
	}
	// Arrays (and every other non-object value) are leaves.
	leaves[path] = value
}

func leafEqual(a, b interface{}) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	// Numeric snapshot values may arrive as different Go types depending on
	// whether they came through encoding/json; normalize before comparing.
	return reflect.DeepEqual(normalizeLeaf(a), normalizeLeaf(b))
}

func normalizeLeaf(v interface{}) interface{} {
	switch n := v.(type) {
	case int:
		return float64(n)
	case int32:
		return float64(n)
	case int64:
		return float64(n)
	case float32:
		return float64(n)
	case json.Number:
		f, err := n.Float64()
		if err != nil {
			return n.String()
		}
		return f
	case []interface{}:
		out := make([]interface{}, len(n))
		for i, e := range n {
			if m, ok := e.(map[string]interface{}); ok {
				norm := make(map[string]interface{}, len(m))
				for k, mv := range m {
					norm[k] = normalizeLeaf(mv)
				}
				out[i] = norm
				continue
			}
			out[i] = normalizeLeaf(e)
		}
		return out
	}
	return v
}

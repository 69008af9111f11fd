package memory

import (
	"encoding/json"
	"fmt"

	"github.com/hupe1980/agentgraph/core"
)

// DefaultListCap is the number of entries kept per list field.
const DefaultListCap = 50

// Document converts a snapshot into its generic key/value form.
func Document(snap core.Snapshot) (map[string]any, error) {
	data, err := json.Marshal(snap)
	if err != nil {
		return nil, fmt.Errorf("encode snapshot: %w", err)
	}
	var doc map[string]any
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	return doc, nil
}

// Merge folds update into base. Scalar and object keys overwrite. When both
// sides hold a list the update is appended and the result trimmed to the
// most recent limit entries. base is modified and returned.
func Merge(base, update map[string]any, limit int) map[string]any {
	if base == nil {
		base = map[string]any{}
	}
	if limit <= 0 {
		limit = DefaultListCap
	}
	for k, v := range update {
		next, isList := v.([]any)
		if !isList {
			base[k] = v
			continue
		}
		prev, _ := base[k].([]any)
		merged := make([]any, 0, len(prev)+len(next))
		merged = append(merged, prev...)
		merged = append(merged, next...)
		if len(merged) > limit {
			merged = merged[len(merged)-limit:]
		}
		base[k] = merged
	}
	return base
}

func cloneDocument(doc map[string]any) map[string]any {
	out := make(map[string]any, len(doc))
	for k, v := range doc {
		if l, ok := v.([]any); ok {
			v = append([]any(nil), l...)
		}
		out[k] = v
	}
	return out
}

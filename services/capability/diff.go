package capability

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
)

// FieldChange describes one top-level field difference between the current
// and proposed state documents
type FieldChange struct {
	Field string      `json:"field"`
	From  interface{} `json:"from"`
	To    interface{} `json:"to"`
}

// PreviewPayload is the document produced by PreviewDiff and stored on the
// manifest when a preview is generated
type PreviewPayload struct {
	Changes []FieldChange `json:"changes"`
	Summary string        `json:"summary"`
}

// PreviewDiff computes a top-level field diff between the current and
// proposed state documents. Non-object documents fall back to a single
// whole-document change. The result is deterministic: changes are sorted
// by field name.
func PreviewDiff(current, proposed json.RawMessage) (json.RawMessage, error) {
	currentFields, okCurrent := asObject(current)
	proposedFields, okProposed := asObject(proposed)

	var changes []FieldChange
	if okCurrent && okProposed {
		changes = diffObjects(currentFields, proposedFields)
	} else {
		var from, to interface{}
		if len(current) > 0 {
			if err := json.Unmarshal(current, &from); err != nil {
				return nil, fmt.Errorf("invalid current state: %w", err)
			}
		}
		if len(proposed) > 0 {
			if err := json.Unmarshal(proposed, &to); err != nil {
				return nil, fmt.Errorf("invalid proposed state: %w", err)
			}
		}
		if !reflect.DeepEqual(from, to) {
			changes = []FieldChange{{Field: "", From: from, To: to}}
		}
	}

	payload := PreviewPayload{
		Changes: changes,
		Summary: summarize(changes),
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal preview: %w", err)
	}
	return data, nil
}

func asObject(doc json.RawMessage) (map[string]interface{}, bool) {
	if len(doc) == 0 {
		return map[string]interface{}{}, true
	}
	var fields map[string]interface{}
	if err := json.Unmarshal(doc, &fields); err != nil {
		return nil, false
	}
	return fields, true
}

func diffObjects(current, proposed map[string]interface{}) []FieldChange {
	names := make(map[string]struct{}, len(current)+len(proposed))
	for name := range current {
		names[name] = struct{}{}
	}
	for name := range proposed {
		names[name] = struct{}{}
	}

	changes := make([]FieldChange, 0, len(names))
	for name := range names {
		from, inCurrent := current[name]
		to, inProposed := proposed[name]
		if inCurrent && inProposed && reflect.DeepEqual(from, to) {
			continue
		}
		changes = append(changes, FieldChange{Field: name, From: from, To: to})
	}

	sort.Slice(changes, func(i, j int) bool {
		return changes[i].Field < changes[j].Field
	})
	return changes
}

func summarize(changes []FieldChange) string {
	switch len(changes) {
	case 0:
		return "no changes"
	case 1:
		return "1 field changes"
	default:
		return fmt.Sprintf("%d fields change", len(changes))
	}
}

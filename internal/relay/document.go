package relay

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Partitions lists every storage partition in the fixed scan order used by
// lookups that are not partition-scoped.
var Partitions = []Category{
	CategoryLinkedInJobs,
	CategoryIndeedJobs,
	CategoryLinkedInCompanies,
	CategoryGeneric,
}

// ValidateCategory returns ErrUnknownCategory when c has no partition.
func ValidateCategory(c Category) error {
	for _, p := range Partitions {
		if p == c {
			return nil
		}
	}
	return fmt.Errorf("%w: %q", ErrUnknownCategory, string(c))
}

// Compact recursively drops nil values, nil array elements, and objects that
// end up empty. Empty strings and empty arrays are kept. The second return
// value reports whether v itself survives.
//
// The stripping is lossy: an explicit empty object reads back as an absent field.
func Compact(v any) (any, bool) {
	switch val := v.(type) {
	case nil:
		return nil, false
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, child := range val {
			if c, ok := Compact(child); ok {
				out[k] = c
			}
		}
		if len(out) == 0 {
			return nil, false
		}
		return out, true
	case []any:
		out := make([]any, 0, len(val))
		for _, child := range val {
			if c, ok := Compact(child); ok {
				out = append(out, c)
			}
		}
		return out, true
	default:
		return v, true
	}
}

// CompactRecords compacts each record and drops the ones left empty, so the
// slice length matches what a store will hold.
func CompactRecords(records []Record) []Record {
	out := make([]Record, 0, len(records))
	for _, rec := range records {
		c, ok := Compact(map[string]any(rec))
		if !ok {
			continue
		}
		out = append(out, c.(map[string]any))
	}
	return out
}

// ToDocument converts v (a JobRecord or Fields) into a compacted generic document.
func ToDocument(v any) (map[string]any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal document: %w", err)
	}
	var generic map[string]any
	if err := decodeJSON(data, &generic); err != nil {
		return nil, fmt.Errorf("decode document: %w", err)
	}
	compacted, ok := Compact(generic)
	if !ok {
		return map[string]any{}, nil
	}
	doc, _ := compacted.(map[string]any)
	return doc, nil
}

// FromDocument decodes a stored document into a JobRecord.
func FromDocument(doc map[string]any) (JobRecord, error) {
	data, err := json.Marshal(doc)
	if err != nil {
		return JobRecord{}, fmt.Errorf("marshal document: %w", err)
	}
	return DecodeRecord(data)
}

// DecodeRecord decodes raw JSON document bytes into a JobRecord.
func DecodeRecord(data []byte) (JobRecord, error) {
	var rec JobRecord
	if err := decodeJSON(data, &rec); err != nil {
		return JobRecord{}, fmt.Errorf("decode job record: %w", err)
	}
	if rec.Results == nil {
		rec.Results = []Record{}
	}
	return rec, nil
}

// MergeDocument applies a shallow patch onto doc, replacing top-level keys.
func MergeDocument(doc, patch map[string]any) map[string]any {
	out := make(map[string]any, len(doc)+len(patch))
	for k, v := range doc {
		out[k] = v
	}
	for k, v := range patch {
		out[k] = v
	}
	return out
}

func decodeJSON(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("decode json: %w", err)
	}
	return nil
}

// DecodeDocument decodes raw JSON into a generic document, keeping numbers exact.
func DecodeDocument(data []byte) (map[string]any, error) {
	var doc map[string]any
	if err := decodeJSON(data, &doc); err != nil {
		return nil, err
	}
	return doc, nil
}

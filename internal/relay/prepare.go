package relay

import (
	"fmt"
	"sort"
	"time"
)

// PrepareInsert validates rec, assigns a document ID and defaults, and returns
// the compacted document every JobStore backend writes.
func PrepareInsert(rec JobRecord, idGen IDGenerator, now time.Time) (JobRecord, map[string]any, error) {
	if err := ValidateCategory(rec.Category); err != nil {
		return JobRecord{}, nil, err
	}
	if rec.DocID == "" {
		id, err := idGen.NewID()
		if err != nil {
			return JobRecord{}, nil, fmt.Errorf("generate doc id: %w", err)
		}
		rec.DocID = id
	}
	rec.Results = CompactRecords(rec.Results)
	rec.Counters = CountersFor(rec.Results)
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = rec.CreatedAt
	}
	doc, err := ToDocument(rec)
	if err != nil {
		return JobRecord{}, nil, err
	}
	return rec, doc, nil
}

// PreparePatch validates the target category and compacts fields.
func PreparePatch(fields Fields, category Category) (map[string]any, error) {
	if err := ValidateCategory(category); err != nil {
		return nil, err
	}
	patch, err := ToDocument(fields)
	if err != nil {
		return nil, err
	}
	// The partition is fixed at insert time.
	delete(patch, "docId")
	delete(patch, "category")
	return patch, nil
}

// SortNewestFirst orders records by CreatedAt descending, stable for ties.
func SortNewestFirst(records []JobRecord) {
	sort.SliceStable(records, func(i, j int) bool {
		return records[i].CreatedAt.After(records[j].CreatedAt)
	})
}

// Truncate applies a list limit; limit <= 0 means unbounded.
func Truncate(records []JobRecord, limit int) []JobRecord {
	if limit > 0 && len(records) > limit {
		return records[:limit]
	}
	return records
}

package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/JakeFAU/scrape-relay/internal/id/uuid"
	"github.com/JakeFAU/scrape-relay/internal/relay"
)

type partition struct {
	order []string
	docs  map[string]map[string]any
}

// JobStore provides an in-memory relay.JobStore for development/testing.
// Documents are held in their compacted form so reads behave like the
// persistent backends.
type JobStore struct {
	mu         sync.RWMutex
	partitions map[relay.Category]*partition
	idGen      relay.IDGenerator
	now        func() time.Time
}

// NewJobStore constructs a JobStore. A nil idGen falls back to UUIDv7 IDs.
func NewJobStore(idGen relay.IDGenerator) *JobStore {
	if idGen == nil {
		idGen = uuid.NewUUIDGenerator()
	}
	parts := make(map[relay.Category]*partition, len(relay.Partitions))
	for _, c := range relay.Partitions {
		parts[c] = &partition{docs: make(map[string]map[string]any)}
	}
	return &JobStore{
		partitions: parts,
		idGen:      idGen,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Insert stores a new record in its category's partition.
func (s *JobStore) Insert(_ context.Context, rec relay.JobRecord) (string, error) {
	rec, doc, err := relay.PrepareInsert(rec, s.idGen, s.now())
	if err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.partitions[rec.Category]
	if _, exists := p.docs[rec.DocID]; exists {
		return "", fmt.Errorf("insert record: doc %q already exists", rec.DocID)
	}
	p.docs[rec.DocID] = doc
	p.order = append(p.order, rec.DocID)
	return rec.DocID, nil
}

// UpdateByDocID shallow-merges fields into the document in category's partition.
func (s *JobStore) UpdateByDocID(_ context.Context, docID string, fields relay.Fields, category relay.Category) error {
	patch, err := relay.PreparePatch(fields, category)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.partitions[category]
	doc, ok := p.docs[docID]
	if !ok {
		return fmt.Errorf("update %s/%s: %w", category, docID, relay.ErrNotFound)
	}
	p.docs[docID] = relay.MergeDocument(doc, patch)
	return nil
}

// FindByBatchID scans partitions in relay.Partitions order and returns the
// first record carrying batchID.
func (s *JobStore) FindByBatchID(_ context.Context, batchID string) (relay.JobRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, c := range relay.Partitions {
		p := s.partitions[c]
		for _, id := range p.order {
			doc := p.docs[id]
			if doc == nil || doc["batchId"] != batchID {
				continue
			}
			return relay.FromDocument(doc)
		}
	}
	return relay.JobRecord{}, fmt.Errorf("batch %q: %w", batchID, relay.ErrNotFound)
}

// ListByCategory returns up to limit records of one partition, newest first.
func (s *JobStore) ListByCategory(_ context.Context, category relay.Category, limit int) ([]relay.JobRecord, error) {
	if err := relay.ValidateCategory(category); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out, err := s.collect(category)
	if err != nil {
		return nil, err
	}
	relay.SortNewestFirst(out)
	return relay.Truncate(out, limit), nil
}

// ListAll returns up to limit records across every partition, newest first.
func (s *JobStore) ListAll(_ context.Context, limit int) ([]relay.JobRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []relay.JobRecord
	for _, c := range relay.Partitions {
		recs, err := s.collect(c)
		if err != nil {
			return nil, err
		}
		out = append(out, recs...)
	}
	relay.SortNewestFirst(out)
	return relay.Truncate(out, limit), nil
}

// DeleteByDocID removes the document from whichever partition holds it.
func (s *JobStore) DeleteByDocID(_ context.Context, docID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range relay.Partitions {
		p := s.partitions[c]
		if _, ok := p.docs[docID]; !ok {
			continue
		}
		delete(p.docs, docID)
		for i, id := range p.order {
			if id == docID {
				p.order = append(p.order[:i], p.order[i+1:]...)
				break
			}
		}
		return nil
	}
	return fmt.Errorf("delete %s: %w", docID, relay.ErrNotFound)
}

func (s *JobStore) collect(category relay.Category) ([]relay.JobRecord, error) {
	p := s.partitions[category]
	out := make([]relay.JobRecord, 0, len(p.order))
	for _, id := range p.order {
		rec, err := relay.FromDocument(p.docs[id])
		if err != nil {
			return nil, fmt.Errorf("decode %s/%s: %w", category, id, err)
		}
		out = append(out, rec)
	}
	return out, nil
}

// Package storage holds test doubles shared by the job store backends' callers.
package storage

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/JakeFAU/scrape-relay/internal/relay"
)

// MockJobStore is a mock implementation of relay.JobStore for testing.
type MockJobStore struct {
	mock.Mock
}

// Insert is the mock implementation of the Insert method.
func (m *MockJobStore) Insert(ctx context.Context, rec relay.JobRecord) (string, error) {
	args := m.Called(ctx, rec)
	return args.String(0), args.Error(1) //nolint:wrapcheck
}

// UpdateByDocID is the mock implementation of the UpdateByDocID method.
func (m *MockJobStore) UpdateByDocID(ctx context.Context, docID string, fields relay.Fields, category relay.Category) error {
	args := m.Called(ctx, docID, fields, category)
	return args.Error(0) //nolint:wrapcheck
}

// FindByBatchID is the mock implementation of the FindByBatchID method.
func (m *MockJobStore) FindByBatchID(ctx context.Context, batchID string) (relay.JobRecord, error) {
	args := m.Called(ctx, batchID)
	rec, _ := args.Get(0).(relay.JobRecord)
	return rec, args.Error(1) //nolint:wrapcheck
}

// ListByCategory is the mock implementation of the ListByCategory method.
func (m *MockJobStore) ListByCategory(ctx context.Context, category relay.Category, limit int) ([]relay.JobRecord, error) {
	args := m.Called(ctx, category, limit)
	recs, _ := args.Get(0).([]relay.JobRecord)
	return recs, args.Error(1) //nolint:wrapcheck
}

// ListAll is the mock implementation of the ListAll method.
func (m *MockJobStore) ListAll(ctx context.Context, limit int) ([]relay.JobRecord, error) {
	args := m.Called(ctx, limit)
	recs, _ := args.Get(0).([]relay.JobRecord)
	return recs, args.Error(1) //nolint:wrapcheck
}

// DeleteByDocID is the mock implementation of the DeleteByDocID method.
func (m *MockJobStore) DeleteByDocID(ctx context.Context, docID string) error {
	args := m.Called(ctx, docID)
	return args.Error(0) //nolint:wrapcheck
}

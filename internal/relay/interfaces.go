package relay

import (
	"context"
	"io"
	"time"
)

// JobStore is the persistence gateway over partitioned job records.
type JobStore interface {
	Insert(ctx context.Context, rec JobRecord) (string, error)
	UpdateByDocID(ctx context.Context, docID string, fields Fields, category Category) error
	FindByBatchID(ctx context.Context, batchID string) (JobRecord, error)
	ListByCategory(ctx context.Context, category Category, limit int) ([]JobRecord, error)
	ListAll(ctx context.Context, limit int) ([]JobRecord, error)
	DeleteByDocID(ctx context.Context, docID string) error
}

// BlobStore writes raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, r io.Reader) (string, error)
}

// Publisher pushes completion events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces document IDs.
type IDGenerator interface {
	NewID() (string, error)
}

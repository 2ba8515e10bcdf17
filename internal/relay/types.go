// Package relay defines core types shared across subsystems.
package relay

import (
	"errors"
	"time"
)

// Status is the lifecycle marker stored on a job record. Any string is accepted;
// the constants below are the values this service writes itself.
type Status string

// Status values written by the service.
const (
	StatusTriggered Status = "triggered"
	StatusCompleted Status = "completed"
	StatusProcessed Status = "processed"
)

// Category selects the partition a job record lives in.
type Category string

// Known categories. CategoryUnknown is produced by the classifier but has no partition.
const (
	CategoryLinkedInJobs      Category = "linkedin_jobs"
	CategoryIndeedJobs        Category = "indeed_jobs"
	CategoryLinkedInCompanies Category = "linkedin_companies"
	CategoryGeneric           Category = "generic"
	CategoryUnknown           Category = "unknown"
)

// Source records which path created a job record.
type Source string

// Record sources.
const (
	SourceTrigger Source = "trigger"
	SourceWebhook Source = "webhook"
	SourceAPI     Source = "api"
)

// Record is one opaque scraped result object.
type Record = map[string]any

// Errors shared by every JobStore implementation.
var (
	ErrNotFound        = errors.New("job record not found")
	ErrUnknownCategory = errors.New("unknown category")
)

// JobRecord tracks one triggered job's lifecycle and results.
type JobRecord struct {
	DocID         string         `json:"docId,omitempty"`
	BatchID       string         `json:"batchId"`
	Status        Status         `json:"status"`
	Category      Category       `json:"category"`
	Platform      string         `json:"platform,omitempty"`
	Source        Source         `json:"source,omitempty"`
	StatusMessage string         `json:"statusMessage,omitempty"`
	Results       []Record       `json:"results"`
	SearchParams  map[string]any `json:"searchParams,omitempty"`
	Counters      Counters       `json:"counters"`
	CreatedAt     time.Time      `json:"createdAt"`
	UpdatedAt     time.Time      `json:"updatedAt"`
	CompletedAt   *time.Time     `json:"completedAt,omitempty"`
}

// Counters holds derived statistics. ResultCount is computed at write time and
// can drift from len(Results) when records are patched piecemeal.
type Counters struct {
	ResultCount int `json:"resultCount"`
}

// Fields is a shallow partial update keyed by JobRecord JSON field names.
type Fields map[string]any

// Field names used in partial updates.
const (
	FieldStatus        = "status"
	FieldStatusMessage = "statusMessage"
	FieldResults       = "results"
	FieldCounters      = "counters"
	FieldSearchParams  = "searchParams"
	FieldUpdatedAt     = "updatedAt"
	FieldCompletedAt   = "completedAt"
)

// CountersFor returns counters derived from results.
func CountersFor(results []Record) Counters {
	return Counters{ResultCount: len(results)}
}

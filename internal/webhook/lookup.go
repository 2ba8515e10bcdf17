package webhook

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/scrape-relay/internal/backup"
	"github.com/JakeFAU/scrape-relay/internal/payload"
	"github.com/JakeFAU/scrape-relay/internal/relay"
)

// Lookup sources.
const (
	SourceStore  = "store"
	SourceBackup = "backup"
)

// LookupResult is what a dashboard poll for one batch returns.
type LookupResult struct {
	BatchID     string         `json:"batchId"`
	Status      string         `json:"status"`
	Category    relay.Category `json:"category"`
	ResultCount int            `json:"resultCount"`
	Results     []relay.Record `json:"results"`
	Source      string         `json:"source"`
}

// Lookup returns the results for batchID. A stored record with results wins;
// otherwise the newest local backup is used; a stored record without results
// comes last. relay.ErrNotFound means neither source knows the batch.
func (r *Receiver) Lookup(ctx context.Context, batchID string) (LookupResult, error) {
	rec, err := r.store.FindByBatchID(ctx, batchID)
	found := err == nil
	if err != nil && !errors.Is(err, relay.ErrNotFound) {
		r.logger.Warn("store lookup failed, trying backup", zap.String("batch_id", batchID), zap.Error(err))
	}
	if found && len(rec.Results) > 0 {
		return fromRecord(rec), nil
	}

	if r.backup != nil {
		records, berr := r.backup.ReadLatest(ctx, batchID)
		switch {
		case berr == nil:
			res := LookupResult{
				BatchID:     batchID,
				Status:      string(relay.StatusCompleted),
				Category:    payload.Classify(records),
				ResultCount: len(records),
				Results:     records,
				Source:      SourceBackup,
			}
			if found {
				res.Category = rec.Category
			}
			return res, nil
		case !errors.Is(berr, backup.ErrNoBackup):
			return LookupResult{}, fmt.Errorf("read backup: %w", berr)
		}
	}

	if found {
		return fromRecord(rec), nil
	}
	if err != nil && !errors.Is(err, relay.ErrNotFound) {
		return LookupResult{}, err
	}
	return LookupResult{}, fmt.Errorf("batch %q: %w", batchID, relay.ErrNotFound)
}

func fromRecord(rec relay.JobRecord) LookupResult {
	return LookupResult{
		BatchID:     rec.BatchID,
		Status:      string(rec.Status),
		Category:    rec.Category,
		ResultCount: len(rec.Results),
		Results:     rec.Results,
		Source:      SourceStore,
	}
}

// Package maintenance holds operator-invoked consistency jobs.
package maintenance

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/scrape-relay/internal/metrics"
	"github.com/JakeFAU/scrape-relay/internal/relay"
)

// RepairReport summarizes a count repair run.
type RepairReport struct {
	Scanned  int `json:"scanned"`
	Repaired int `json:"repaired"`
}

// RepairCounts recomputes counters.resultCount from len(results) for every
// record and rewrites the ones that drifted.
func RepairCounts(ctx context.Context, store relay.JobStore, clock relay.Clock, logger *zap.Logger) (RepairReport, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("repair")

	records, err := store.ListAll(ctx, 0)
	if err != nil {
		return RepairReport{}, fmt.Errorf("list records: %w", err)
	}
	report := RepairReport{Scanned: len(records)}
	for _, rec := range records {
		want := relay.CountersFor(rec.Results)
		if rec.Counters == want {
			continue
		}
		err := store.UpdateByDocID(ctx, rec.DocID, relay.Fields{
			relay.FieldCounters:  want,
			relay.FieldUpdatedAt: clock.Now(),
		}, rec.Category)
		if err != nil {
			return report, fmt.Errorf("repair %s: %w", rec.DocID, err)
		}
		logger.Info("result count repaired",
			zap.String("doc_id", rec.DocID),
			zap.String("batch_id", rec.BatchID),
			zap.Int("was", rec.Counters.ResultCount),
			zap.Int("now", want.ResultCount),
		)
		report.Repaired++
	}
	metrics.ObserveCountRepairs(report.Repaired)
	logger.Info("count repair finished", zap.Int("scanned", report.Scanned), zap.Int("repaired", report.Repaired))
	return report, nil
}

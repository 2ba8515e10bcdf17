package trigger

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/scrape-relay/internal/metrics"
	"github.com/JakeFAU/scrape-relay/internal/relay"
)

// Triggerer is the outbound side the Launcher drives.
type Triggerer interface {
	Trigger(ctx context.Context, platform Platform, params SearchParams) (string, error)
	TriggerCompanyLookup(ctx context.Context, urls []string) (string, error)
	TriggerDual(ctx context.Context, params SearchParams) (DualResult, error)
}

// Request is an inbound trigger request. CompanyURLs selects a company
// lookup; otherwise Platform (default linkedin) selects keyword discovery.
type Request struct {
	Keyword     string   `json:"keyword"`
	Location    string   `json:"location"`
	Country     string   `json:"country"`
	Platform    Platform `json:"platform"`
	CompanyURLs []string `json:"companyUrls"`
}

// Result reports what was triggered and whether placeholders were stored.
type Result struct {
	BatchID    string            `json:"batchId,omitempty"`
	BatchIDs   map[string]string `json:"batchIds,omitempty"`
	Status     relay.Status      `json:"status"`
	Stored     bool              `json:"stored"`
	StoreError string            `json:"storeError,omitempty"`
}

// Launcher triggers collection jobs and writes "triggered" placeholders.
type Launcher struct {
	client Triggerer
	store  relay.JobStore
	clock  relay.Clock
	logger *zap.Logger
}

// NewLauncher wires a Launcher.
func NewLauncher(client Triggerer, store relay.JobStore, clock relay.Clock, logger *zap.Logger) *Launcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Launcher{client: client, store: store, clock: clock, logger: logger.Named("launcher")}
}

// Launch performs req. The outbound call is detached from ctx cancellation so
// a disconnecting caller does not abort an accepted upstream job.
func (l *Launcher) Launch(ctx context.Context, req Request) (Result, error) {
	ctx = context.WithoutCancel(ctx)

	if len(req.CompanyURLs) > 0 {
		id, err := l.client.TriggerCompanyLookup(ctx, req.CompanyURLs)
		metrics.ObserveTrigger("companies", err)
		if err != nil {
			return Result{}, err
		}
		params := map[string]any{"urls": req.CompanyURLs}
		res := Result{BatchID: id, Status: relay.StatusTriggered}
		res.Stored, res.StoreError = l.placeholder(ctx, id, relay.CategoryLinkedInCompanies, "linkedin", params)
		return res, nil
	}

	if strings.TrimSpace(req.Keyword) == "" {
		return Result{}, fmt.Errorf("%w: keyword or companyUrls is required", ErrEmptyRequest)
	}
	sp := SearchParams{Keyword: req.Keyword, Location: req.Location, Country: req.Country}
	platform := req.Platform
	if platform == "" {
		platform = PlatformLinkedIn
	}

	switch platform {
	case PlatformBoth:
		dual, err := l.client.TriggerDual(ctx, sp)
		metrics.ObserveTrigger(string(PlatformBoth), err)
		if err != nil {
			return Result{}, err
		}
		res := Result{
			BatchIDs: map[string]string{
				string(PlatformLinkedIn): dual.LinkedIn,
				string(PlatformIndeed):   dual.Indeed,
			},
			Status: relay.StatusTriggered,
		}
		okL, errL := l.placeholder(ctx, dual.LinkedIn, relay.CategoryLinkedInJobs, string(PlatformLinkedIn), searchParams(sp))
		okI, errI := l.placeholder(ctx, dual.Indeed, relay.CategoryIndeedJobs, string(PlatformIndeed), searchParams(sp))
		res.Stored = okL && okI
		res.StoreError = strings.Trim(errL+"; "+errI, "; ")
		return res, nil
	case PlatformLinkedIn, PlatformIndeed:
		id, err := l.client.Trigger(ctx, platform, sp)
		metrics.ObserveTrigger(string(platform), err)
		if err != nil {
			return Result{}, err
		}
		category := relay.CategoryLinkedInJobs
		if platform == PlatformIndeed {
			category = relay.CategoryIndeedJobs
		}
		res := Result{BatchID: id, Status: relay.StatusTriggered}
		res.Stored, res.StoreError = l.placeholder(ctx, id, category, string(platform), searchParams(sp))
		return res, nil
	default:
		return Result{}, fmt.Errorf("%w: %q", ErrUnknownPlatform, platform)
	}
}

// placeholder inserts the triggered record. Failures are reported, not returned:
// the upstream job already exists and its batch ID must reach the caller.
func (l *Launcher) placeholder(
	ctx context.Context,
	batchID string,
	category relay.Category,
	platform string,
	params map[string]any,
) (bool, string) {
	now := l.clock.Now()
	_, err := l.store.Insert(ctx, relay.JobRecord{
		BatchID:      batchID,
		Status:       relay.StatusTriggered,
		Category:     category,
		Platform:     platform,
		Source:       relay.SourceTrigger,
		Results:      []relay.Record{},
		SearchParams: params,
		CreatedAt:    now,
		UpdatedAt:    now,
	})
	metrics.ObserveStore("insert", err)
	if err != nil {
		l.logger.Error("store placeholder failed", zap.String("batch_id", batchID), zap.Error(err))
		return false, err.Error()
	}
	return true, ""
}

func searchParams(sp SearchParams) map[string]any {
	out := map[string]any{"keyword": sp.Keyword}
	if sp.Location != "" {
		out["location"] = sp.Location
	}
	if sp.Country != "" {
		out["country"] = sp.Country
	}
	return out
}

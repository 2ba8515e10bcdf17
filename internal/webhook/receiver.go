// Package webhook receives result deliveries from the collection API and
// reconciles them with the placeholders written at trigger time.
package webhook

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/scrape-relay/internal/backup"
	"github.com/JakeFAU/scrape-relay/internal/metrics"
	"github.com/JakeFAU/scrape-relay/internal/payload"
	"github.com/JakeFAU/scrape-relay/internal/relay"
)

// ErrInvalidPayload is returned for bodies that are not JSON.
var ErrInvalidPayload = errors.New("invalid webhook payload")

// Delivery outcomes recorded in metrics.
const (
	outcomeStored       = "stored"
	outcomeBackupOnly   = "backup_only"
	outcomeFailed       = "failed"
	outcomeStatusUpdate = "status_update"
	outcomeDropped      = "dropped"
	outcomeAcknowledged = "acknowledged"
	outcomeRejected     = "rejected"
)

// Config controls webhook authentication and completion notices.
type Config struct {
	Secret          string
	SecretHeader    string
	SecretQuery     string
	CompletionTopic string
}

// Response is the body returned for a handled delivery.
type Response struct {
	Success     bool           `json:"success"`
	BatchID     string         `json:"batchId"`
	DocID       string         `json:"docId,omitempty"`
	Status      string         `json:"status"`
	ResultCount int            `json:"resultCount"`
	Category    relay.Category `json:"category,omitempty"`
	Stored      bool           `json:"stored"`
	StoreError  string         `json:"storeError,omitempty"`
	BackedUp    bool           `json:"backedUp"`
	Created     bool           `json:"created"`
	Updated     bool           `json:"updated"`
	Dropped     bool           `json:"dropped"`
}

// Completion is published after a delivery's results are persisted.
type Completion struct {
	BatchID     string         `json:"batchId"`
	DocID       string         `json:"docId"`
	Category    relay.Category `json:"category"`
	Status      relay.Status   `json:"status"`
	ResultCount int            `json:"resultCount"`
	CompletedAt time.Time      `json:"completedAt"`
}

// Attributes implements the publisher's attribute hook.
func (c Completion) Attributes() map[string]string {
	return map[string]string{
		"batch_id": c.BatchID,
		"category": string(c.Category),
		"status":   string(c.Status),
	}
}

// Receiver handles webhook deliveries.
type Receiver struct {
	cfg       Config
	store     relay.JobStore
	backup    *backup.Writer
	publisher relay.Publisher
	detector  *payload.Detector
	clock     relay.Clock
	logger    *zap.Logger
}

// NewReceiver wires a Receiver. backupWriter and publisher may be nil.
func NewReceiver(
	cfg Config,
	store relay.JobStore,
	backupWriter *backup.Writer,
	publisher relay.Publisher,
	clock relay.Clock,
	logger *zap.Logger,
) *Receiver {
	if cfg.SecretHeader == "" {
		cfg.SecretHeader = DefaultSecretHeader
	}
	if cfg.SecretQuery == "" {
		cfg.SecretQuery = DefaultSecretQuery
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Receiver{
		cfg:       cfg,
		store:     store,
		backup:    backupWriter,
		publisher: publisher,
		detector:  payload.NewDetector(clock),
		clock:     clock,
		logger:    logger.Named("webhook"),
	}
}

// Handle processes one delivery body. Detection failures return
// payload.ErrShapeDetection and nothing is written. A store failure is
// reported in the Response rather than returned, except for
// relay.ErrUnknownCategory on insert.
func (r *Receiver) Handle(ctx context.Context, raw []byte) (Response, error) {
	det, err := r.detector.DetectRaw(raw)
	if err != nil {
		metrics.ObserveWebhook(outcomeRejected)
		if errors.Is(err, payload.ErrShapeDetection) {
			return Response{}, err
		}
		return Response{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	// Counts and stored results must agree once nulls are stripped.
	det.Records = relay.CompactRecords(det.Records)
	logger := r.logger.With(zap.String("batch_id", det.BatchID), zap.String("shape", det.Shape.String()))

	switch {
	case len(det.Records) > 0:
		return r.handleRecords(ctx, logger, raw, det)
	case det.Status != "":
		return r.handleStatus(ctx, logger, det)
	default:
		logger.Info("empty delivery acknowledged")
		metrics.ObserveWebhook(outcomeAcknowledged)
		return Response{Success: true, BatchID: det.BatchID, Status: "received"}, nil
	}
}

func (r *Receiver) handleRecords(ctx context.Context, logger *zap.Logger, raw []byte, det payload.Detection) (Response, error) {
	category := payload.Classify(det.Records)
	resp := Response{
		BatchID:     det.BatchID,
		Status:      string(relay.StatusCompleted),
		ResultCount: len(det.Records),
		Category:    category,
	}
	metrics.ObserveRecords(string(category), len(det.Records))
	resp.BackedUp = r.writeBackup(ctx, logger, raw, det)

	now := r.clock.Now()
	existing, err := r.store.FindByBatchID(ctx, det.BatchID)
	metrics.ObserveStore("find", ignoreNotFound(err))
	switch {
	case err == nil:
		resp.Category = existing.Category
		resp.DocID = existing.DocID
		err = r.store.UpdateByDocID(ctx, existing.DocID, relay.Fields{
			relay.FieldResults:     det.Records,
			relay.FieldStatus:      relay.StatusCompleted,
			relay.FieldCounters:    relay.CountersFor(det.Records),
			relay.FieldCompletedAt: now,
			relay.FieldUpdatedAt:   now,
		}, existing.Category)
		metrics.ObserveStore("update", err)
		if err == nil {
			resp.Stored, resp.Updated = true, true
		}
	case errors.Is(err, relay.ErrNotFound):
		completed := now
		var docID string
		docID, err = r.store.Insert(ctx, relay.JobRecord{
			BatchID:      det.BatchID,
			Status:       relay.StatusCompleted,
			Category:     category,
			Source:       relay.SourceWebhook,
			Results:      det.Records,
			SearchParams: payload.ExtractSearchParams(category, det.Records),
			CreatedAt:    now,
			UpdatedAt:    now,
			CompletedAt:  &completed,
		})
		metrics.ObserveStore("insert", err)
		if errors.Is(err, relay.ErrUnknownCategory) {
			logger.Error("cannot store records of unknown category", zap.Error(err))
			metrics.ObserveWebhook(outcomeFailed)
			return resp, fmt.Errorf("insert record: %w", err)
		}
		if err == nil {
			resp.DocID = docID
			resp.Stored, resp.Created = true, true
		}
	}

	if err != nil {
		resp.StoreError = err.Error()
		logger.Error("store delivery failed", zap.Bool("backed_up", resp.BackedUp), zap.Error(err))
	}
	resp.Success = resp.Stored || resp.BackedUp

	switch {
	case resp.Stored:
		metrics.ObserveWebhook(outcomeStored)
		r.publish(ctx, logger, Completion{
			BatchID:     resp.BatchID,
			DocID:       resp.DocID,
			Category:    resp.Category,
			Status:      relay.StatusCompleted,
			ResultCount: resp.ResultCount,
			CompletedAt: now,
		})
	case resp.BackedUp:
		metrics.ObserveWebhook(outcomeBackupOnly)
	default:
		metrics.ObserveWebhook(outcomeFailed)
	}
	logger.Info("delivery processed",
		zap.Int("records", resp.ResultCount),
		zap.String("category", string(resp.Category)),
		zap.Bool("created", resp.Created),
		zap.Bool("updated", resp.Updated),
		zap.Bool("backed_up", resp.BackedUp),
	)
	return resp, nil
}

func (r *Receiver) handleStatus(ctx context.Context, logger *zap.Logger, det payload.Detection) (Response, error) {
	resp := Response{BatchID: det.BatchID, Status: det.Status}
	existing, err := r.store.FindByBatchID(ctx, det.BatchID)
	metrics.ObserveStore("find", ignoreNotFound(err))
	if errors.Is(err, relay.ErrNotFound) {
		logger.Info("status for unknown batch dropped", zap.String("status", det.Status))
		metrics.ObserveWebhook(outcomeDropped)
		resp.Success, resp.Dropped = true, true
		return resp, nil
	}
	if err == nil {
		resp.Category = existing.Category
		resp.DocID = existing.DocID
		resp.ResultCount = existing.Counters.ResultCount
		fields := relay.Fields{
			relay.FieldStatus:    det.Status,
			relay.FieldUpdatedAt: r.clock.Now(),
		}
		if det.Message != "" {
			fields[relay.FieldStatusMessage] = det.Message
		}
		err = r.store.UpdateByDocID(ctx, existing.DocID, fields, existing.Category)
		metrics.ObserveStore("update", err)
	}
	if err != nil {
		resp.StoreError = err.Error()
		logger.Error("status update failed", zap.Error(err))
		metrics.ObserveWebhook(outcomeFailed)
		return resp, nil
	}
	resp.Success, resp.Stored, resp.Updated = true, true, true
	metrics.ObserveWebhook(outcomeStatusUpdate)
	logger.Info("status updated", zap.String("status", det.Status))
	return resp, nil
}

func (r *Receiver) writeBackup(ctx context.Context, logger *zap.Logger, raw []byte, det payload.Detection) bool {
	if r.backup == nil {
		return false
	}
	_, rawErr := r.backup.WriteRaw(ctx, det.BatchID, raw)
	metrics.ObserveBackup(backup.KindWebhook, rawErr)
	if rawErr != nil {
		logger.Error("raw backup failed", zap.Error(rawErr))
	}
	_, dataErr := r.backup.WriteRecords(ctx, det.BatchID, det.Records)
	metrics.ObserveBackup(backup.KindData, dataErr)
	if dataErr != nil {
		logger.Error("records backup failed", zap.Error(dataErr))
	}
	return rawErr == nil && dataErr == nil
}

func (r *Receiver) publish(ctx context.Context, logger *zap.Logger, c Completion) {
	if r.publisher == nil || r.cfg.CompletionTopic == "" {
		return
	}
	if _, err := r.publisher.Publish(ctx, r.cfg.CompletionTopic, c); err != nil {
		logger.Warn("completion publish failed", zap.Error(err))
	}
}

func ignoreNotFound(err error) error {
	if errors.Is(err, relay.ErrNotFound) {
		return nil
	}
	return err
}

// Package backup keeps a local copy of every webhook delivery so results
// survive a store outage. Files can optionally be mirrored to object storage.
package backup

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/scrape-relay/internal/payload"
	"github.com/JakeFAU/scrape-relay/internal/relay"
	"github.com/JakeFAU/scrape-relay/internal/storage/local"
)

// ErrNoBackup is returned by ReadLatest when no file exists for a batch.
var ErrNoBackup = errors.New("no backup for batch")

// File kinds.
const (
	KindWebhook = "webhook"
	KindData    = "data"
)

const contentTypeJSON = "application/json"

var unsafeChars = regexp.MustCompile(`[^A-Za-z0-9_-]`)

// emptyBatchID is the encoded form of "". EncodeBatchID never produces a lone
// "~" for any other input.
const emptyBatchID = "~"

// Writer writes and reads batch backup files.
type Writer struct {
	store    *local.BlobStore
	mirror   relay.BlobStore
	clock    relay.Clock
	detector *payload.Detector
	logger   *zap.Logger
}

// NewWriter builds a Writer over store. mirror may be nil.
func NewWriter(store *local.BlobStore, mirror relay.BlobStore, clock relay.Clock, logger *zap.Logger) *Writer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Writer{
		store:    store,
		mirror:   mirror,
		clock:    clock,
		detector: payload.NewDetector(clock),
		logger:   logger.Named("backup"),
	}
}

// EncodeBatchID maps a batch ID onto characters safe for file names. Every
// byte outside [A-Za-z0-9_-] becomes "~XX", so distinct IDs never share a name.
func EncodeBatchID(batchID string) string {
	if batchID == "" {
		return emptyBatchID
	}
	return unsafeChars.ReplaceAllStringFunc(batchID, func(s string) string {
		var b strings.Builder
		for i := 0; i < len(s); i++ {
			fmt.Fprintf(&b, "~%02X", s[i])
		}
		return b.String()
	})
}

// FileName returns the backup file name for kind, batchID and a timestamp in ms.
func FileName(kind, batchID string, ms int64) string {
	return fmt.Sprintf("%s_%s_%d.json", kind, EncodeBatchID(batchID), ms)
}

// WriteRaw stores the delivery body exactly as received.
func (w *Writer) WriteRaw(ctx context.Context, batchID string, raw []byte) (string, error) {
	return w.write(ctx, KindWebhook, batchID, raw)
}

// WriteRecords stores the extracted records as a JSON array.
func (w *Writer) WriteRecords(ctx context.Context, batchID string, records []relay.Record) (string, error) {
	if records == nil {
		records = []relay.Record{}
	}
	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal records: %w", err)
	}
	return w.write(ctx, KindData, batchID, data)
}

func (w *Writer) write(ctx context.Context, kind, batchID string, data []byte) (string, error) {
	name := FileName(kind, batchID, w.clock.Now().UnixMilli())
	uri, err := w.store.PutObject(ctx, name, contentTypeJSON, bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("write %s backup: %w", kind, err)
	}
	if w.mirror != nil {
		if mirrored, err := w.mirror.PutObject(ctx, name, contentTypeJSON, bytes.NewReader(data)); err != nil {
			w.logger.Warn("mirror backup failed", zap.String("file", name), zap.Error(err))
		} else {
			w.logger.Debug("backup mirrored", zap.String("file", name), zap.String("uri", mirrored))
		}
	}
	return uri, nil
}

// ReadLatest returns the records of the newest data file for batchID, falling
// back to re-detecting the newest raw webhook file.
func (w *Writer) ReadLatest(ctx context.Context, batchID string) ([]relay.Record, error) {
	for _, kind := range []string{KindData, KindWebhook} {
		name, ok, err := w.latest(ctx, kind, batchID)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		data, err := w.store.GetObject(ctx, name)
		if err != nil {
			return nil, fmt.Errorf("read backup %s: %w", name, err)
		}
		v, err := payload.Decode(data)
		if err != nil {
			return nil, fmt.Errorf("decode backup %s: %w", name, err)
		}
		return relay.CompactRecords(w.detector.Detect(v).Records), nil
	}
	return nil, fmt.Errorf("%w %q", ErrNoBackup, batchID)
}

// latest finds the newest file of kind for batchID. Names of other batches
// sharing the prefix are rejected because the remainder must be "<ms>.json".
func (w *Writer) latest(ctx context.Context, kind, batchID string) (string, bool, error) {
	prefix := kind + "_" + EncodeBatchID(batchID) + "_"
	names, err := w.store.List(ctx, prefix)
	if err != nil {
		return "", false, fmt.Errorf("list backups: %w", err)
	}
	var (
		best   string
		bestMS int64 = -1
	)
	for _, name := range names {
		rest := strings.TrimSuffix(strings.TrimPrefix(name, prefix), ".json")
		ms, err := strconv.ParseInt(rest, 10, 64)
		if err != nil {
			continue
		}
		if ms > bestMS {
			best, bestMS = name, ms
		}
	}
	return best, bestMS >= 0, nil
}

// Package redis provides a Redis-backed job store.
//
// Each partition owns three keys under the configured prefix:
//
//	<prefix>:<partition>:doc:<docID>  JSON document
//	<prefix>:<partition>:index        sorted set of docIDs scored by createdAt (ms)
//	<prefix>:<partition>:batch        hash of batchID -> oldest docID carrying it
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/JakeFAU/scrape-relay/internal/id/uuid"
	"github.com/JakeFAU/scrape-relay/internal/relay"
)

// DefaultPrefix namespaces every key written by the store.
const DefaultPrefix = "relay"

// JobStore is a relay.JobStore over a redis.UniversalClient.
type JobStore struct {
	client redis.UniversalClient
	prefix string
	idGen  relay.IDGenerator
	now    func() time.Time
}

// NewJobStore creates a Redis-backed job store.
func NewJobStore(client redis.UniversalClient, prefix string, idGen relay.IDGenerator) *JobStore {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	if idGen == nil {
		idGen = uuid.NewUUIDGenerator()
	}
	return &JobStore{
		client: client,
		prefix: prefix,
		idGen:  idGen,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func (s *JobStore) docKey(c relay.Category, docID string) string {
	return fmt.Sprintf("%s:%s:doc:%s", s.prefix, c, docID)
}

func (s *JobStore) indexKey(c relay.Category) string {
	return fmt.Sprintf("%s:%s:index", s.prefix, c)
}

func (s *JobStore) batchKey(c relay.Category) string {
	return fmt.Sprintf("%s:%s:batch", s.prefix, c)
}

// Insert stores rec and indexes it by creation time and batch ID.
func (s *JobStore) Insert(ctx context.Context, rec relay.JobRecord) (string, error) {
	rec, doc, err := relay.PrepareInsert(rec, s.idGen, s.now())
	if err != nil {
		return "", err
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("marshal record: %w", err)
	}
	key := s.docKey(rec.Category, rec.DocID)
	// The document and its index entries land in one MULTI; WATCH on the
	// document key rejects a concurrent insert of the same docID.
	err = s.client.Watch(ctx, func(tx *redis.Tx) error {
		n, err := tx.Exists(ctx, key).Result()
		if err != nil {
			return fmt.Errorf("redis exists: %w", err)
		}
		if n > 0 {
			return fmt.Errorf("insert record: doc %q already exists", rec.DocID)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			pipe.ZAdd(ctx, s.indexKey(rec.Category), redis.Z{
				Score:  float64(rec.CreatedAt.UnixMilli()),
				Member: rec.DocID,
			})
			if rec.BatchID != "" {
				pipe.HSetNX(ctx, s.batchKey(rec.Category), rec.BatchID, rec.DocID)
			}
			return nil
		})
		if err != nil {
			return fmt.Errorf("redis insert record: %w", err)
		}
		return nil
	}, key)
	if err != nil {
		return "", err
	}
	return rec.DocID, nil
}

// UpdateByDocID shallow-merges fields into the stored document under WATCH.
func (s *JobStore) UpdateByDocID(ctx context.Context, docID string, fields relay.Fields, category relay.Category) error {
	patch, err := relay.PreparePatch(fields, category)
	if err != nil {
		return err
	}
	key := s.docKey(category, docID)
	err = s.client.Watch(ctx, func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return fmt.Errorf("update %s/%s: %w", category, docID, relay.ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("redis get: %w", err)
		}
		doc, err := relay.DecodeDocument(data)
		if err != nil {
			return err
		}
		merged, err := json.Marshal(relay.MergeDocument(doc, patch))
		if err != nil {
			return fmt.Errorf("marshal record: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, merged, 0)
			return nil
		})
		return err
	}, key)
	if err != nil {
		return err
	}
	return nil
}

// FindByBatchID consults each partition's batch hash in scan order.
func (s *JobStore) FindByBatchID(ctx context.Context, batchID string) (relay.JobRecord, error) {
	for _, c := range relay.Partitions {
		docID, err := s.client.HGet(ctx, s.batchKey(c), batchID).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return relay.JobRecord{}, fmt.Errorf("redis hget: %w", err)
		}
		data, err := s.client.Get(ctx, s.docKey(c, docID)).Bytes()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return relay.JobRecord{}, fmt.Errorf("redis get: %w", err)
		}
		return relay.DecodeRecord(data)
	}
	return relay.JobRecord{}, fmt.Errorf("batch %q: %w", batchID, relay.ErrNotFound)
}

// ListByCategory returns up to limit records of one partition, newest first.
func (s *JobStore) ListByCategory(ctx context.Context, category relay.Category, limit int) ([]relay.JobRecord, error) {
	if err := relay.ValidateCategory(category); err != nil {
		return nil, err
	}
	return s.list(ctx, category, limit)
}

// ListAll merges every partition, newest first.
func (s *JobStore) ListAll(ctx context.Context, limit int) ([]relay.JobRecord, error) {
	var out []relay.JobRecord
	for _, c := range relay.Partitions {
		recs, err := s.list(ctx, c, limit)
		if err != nil {
			return nil, err
		}
		out = append(out, recs...)
	}
	relay.SortNewestFirst(out)
	return relay.Truncate(out, limit), nil
}

// DeleteByDocID removes the document and its index entries. When the document
// owned its batch hash entry, the entry moves to the oldest remaining document
// of that batch in the partition.
func (s *JobStore) DeleteByDocID(ctx context.Context, docID string) error {
	for _, c := range relay.Partitions {
		key := s.docKey(c, docID)
		data, err := s.client.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return fmt.Errorf("redis get: %w", err)
		}
		rec, err := relay.DecodeRecord(data)
		if err != nil {
			return err
		}
		owner, err := s.client.HGet(ctx, s.batchKey(c), rec.BatchID).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return fmt.Errorf("redis hget: %w", err)
		}
		var next string
		if rec.BatchID != "" && owner == docID {
			if next, err = s.batchSuccessor(ctx, c, rec.BatchID, docID); err != nil {
				return err
			}
		}
		_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, key)
			pipe.ZRem(ctx, s.indexKey(c), docID)
			if owner != docID {
				return nil
			}
			if next != "" {
				pipe.HSet(ctx, s.batchKey(c), rec.BatchID, next)
			} else {
				pipe.HDel(ctx, s.batchKey(c), rec.BatchID)
			}
			return nil
		})
		if err != nil {
			return fmt.Errorf("redis delete: %w", err)
		}
		return nil
	}
	return fmt.Errorf("delete %s: %w", docID, relay.ErrNotFound)
}

// batchSuccessor returns the oldest document in category, other than deleted,
// that carries batchID, or "" when none does.
func (s *JobStore) batchSuccessor(ctx context.Context, category relay.Category, batchID, deleted string) (string, error) {
	ids, err := s.client.ZRange(ctx, s.indexKey(category), 0, -1).Result()
	if err != nil {
		return "", fmt.Errorf("redis zrange: %w", err)
	}
	keys := make([]string, 0, len(ids))
	for _, id := range ids {
		if id != deleted {
			keys = append(keys, s.docKey(category, id))
		}
	}
	if len(keys) == 0 {
		return "", nil
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return "", fmt.Errorf("redis mget: %w", err)
	}
	return firstWithBatch(values, batchID)
}

// firstWithBatch returns the docId of the first MGET value whose batchId
// matches. Missing keys come back as nil and are skipped.
func firstWithBatch(values []any, batchID string) (string, error) {
	for _, v := range values {
		str, ok := v.(string)
		if !ok {
			continue
		}
		rec, err := relay.DecodeRecord([]byte(str))
		if err != nil {
			return "", err
		}
		if rec.BatchID == batchID {
			return rec.DocID, nil
		}
	}
	return "", nil
}

func (s *JobStore) list(ctx context.Context, category relay.Category, limit int) ([]relay.JobRecord, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit) - 1
	}
	ids, err := s.client.ZRevRange(ctx, s.indexKey(category), 0, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("redis zrevrange: %w", err)
	}
	out := []relay.JobRecord{}
	if len(ids) == 0 {
		return out, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.docKey(category, id)
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("redis mget: %w", err)
	}
	for _, v := range values {
		str, ok := v.(string)
		if !ok {
			continue
		}
		rec, err := relay.DecodeRecord([]byte(str))
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

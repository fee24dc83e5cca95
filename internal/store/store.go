// Package store is the C1 Durable Store: an append-only event log plus a
// keyed state snapshot, both backed by a single BoltDB file. It is adapted
// from the teacher's WorkflowStore (services/orchestrator/persistence.go),
// generalized from "workflow/execution records" to "generic event log +
// generic keyed state" so the graph, queue, providers, and scheduler
// packages can all durably record their own state through the same store.
package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.etcd.io/bbolt"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var (
	bucketEvents    = []byte("events")
	bucketKV        = []byte("kv")
	bucketVersions  = []byte("kv_versions")
	bucketSnapshots = []byte("snapshots")
	bucketMeta      = []byte("meta")
)

const keyLastSeq = "last_seq"

// Store is the durable event log + keyed state store described by spec §4.1.
// All event appends are serialized through appendMu so sequence numbers are
// dense and monotonic even under concurrent writers.
type Store struct {
	db       *bbolt.DB
	appendMu sync.Mutex

	mu       sync.RWMutex
	kvCache  map[string][]byte
	maxCache int

	readLatency  metric.Float64Histogram
	writeLatency metric.Float64Histogram
	cacheHits    metric.Int64Counter
	cacheMisses  metric.Int64Counter
}

// Open opens (creating if absent) a BoltDB file at dbPath and prepares the
// buckets used by the event log and KV store.
func Open(dbPath string, meter metric.Meter) (*Store, error) {
	opts := &bbolt.Options{
		Timeout:      1 * time.Second,
		NoSync:       false,
		NoGrowSync:   false,
		FreelistType: bbolt.FreelistArrayType,
	}
	db, err := bbolt.Open(dbPath, 0600, opts)
	if err != nil {
		return nil, fmt.Errorf("open boltdb: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, b := range [][]byte{bucketEvents, bucketKV, bucketVersions, bucketSnapshots, bucketMeta} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}

	readLatency, _ := meter.Float64Histogram("taskmesh_store_read_ms")
	writeLatency, _ := meter.Float64Histogram("taskmesh_store_write_ms")
	cacheHits, _ := meter.Int64Counter("taskmesh_store_cache_hits_total")
	cacheMisses, _ := meter.Int64Counter("taskmesh_store_cache_misses_total")

	s := &Store{
		db:           db,
		kvCache:      make(map[string][]byte),
		maxCache:     4096,
		readLatency:  readLatency,
		writeLatency: writeLatency,
		cacheHits:    cacheHits,
		cacheMisses:  cacheMisses,
	}
	if err := s.warmCache(); err != nil {
		return nil, fmt.Errorf("warm cache: %w", err)
	}
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) warmCache() error {
	return s.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketKV)
		return bucket.ForEach(func(k, v []byte) error {
			cp := make([]byte, len(v))
			copy(cp, v)
			s.kvCache[string(k)] = cp
			return nil
		})
	})
}

func (s *Store) observeRead(ctx context.Context, op string, start time.Time) {
	s.readLatency.Record(ctx, float64(time.Since(start).Milliseconds()),
		metric.WithAttributes(attribute.String("operation", op)))
}

func (s *Store) observeWrite(ctx context.Context, op string, start time.Time) {
	s.writeLatency.Record(ctx, float64(time.Since(start).Milliseconds()),
		metric.WithAttributes(attribute.String("operation", op)))
}

// Stats reports bucket sizes and cache occupancy, mirroring the teacher's
// admin-facing GetStats.
func (s *Store) Stats() map[string]interface{} {
	stats := make(map[string]interface{})
	s.db.View(func(tx *bbolt.Tx) error {
		stats["db_size_bytes"] = tx.Size()
		for _, b := range [][]byte{bucketEvents, bucketKV, bucketVersions, bucketSnapshots} {
			if bucket := tx.Bucket(b); bucket != nil {
				stats[string(b)+"_count"] = bucket.Stats().KeyN
			}
		}
		return nil
	})
	s.mu.RLock()
	stats["kv_cache_size"] = len(s.kvCache)
	s.mu.RUnlock()
	return stats
}

func hasPrefix(data, prefix []byte) bool {
	if len(data) < len(prefix) {
		return false
	}
	for i := range prefix {
		if data[i] != prefix[i] {
			return false
		}
	}
	return true
}

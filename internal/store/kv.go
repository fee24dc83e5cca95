package store

import (
	"context"
	"fmt"
	"time"

	"go.etcd.io/bbolt"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Put writes value under key, archiving any previous value into the
// versions bucket first (the supplemental version-history feature, adapted
// from the teacher's PutWorkflow).
func (s *Store) Put(ctx context.Context, key string, value []byte) error {
	start := time.Now()
	defer s.observeWrite(ctx, "put_kv", start)

	err := s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketKV)
		if existing := bucket.Get([]byte(key)); existing != nil {
			versions := tx.Bucket(bucketVersions)
			versionKey := fmt.Sprintf("%s:%d", key, time.Now().UnixNano())
			if err := versions.Put([]byte(versionKey), existing); err != nil {
				return fmt.Errorf("archive previous value: %w", err)
			}
		}
		return bucket.Put([]byte(key), value)
	})
	if err != nil {
		return fmt.Errorf("put kv: %w", err)
	}

	cp := make([]byte, len(value))
	copy(cp, value)
	s.mu.Lock()
	s.kvCache[key] = cp
	s.mu.Unlock()
	return nil
}

// Get reads the value for key, checking the memory cache first.
func (s *Store) Get(ctx context.Context, key string) ([]byte, bool, error) {
	start := time.Now()
	defer s.observeRead(ctx, "get_kv", start)

	s.mu.RLock()
	if v, found := s.kvCache[key]; found {
		s.mu.RUnlock()
		s.cacheHits.Add(ctx, 1, metric.WithAttributes(attribute.String("type", "kv")))
		return v, true, nil
	}
	s.mu.RUnlock()
	s.cacheMisses.Add(ctx, 1, metric.WithAttributes(attribute.String("type", "kv")))

	var value []byte
	err := s.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketKV)
		v := bucket.Get([]byte(key))
		if v == nil {
			return nil
		}
		value = make([]byte, len(v))
		copy(value, v)
		return nil
	})
	if err != nil {
		return nil, false, fmt.Errorf("get kv: %w", err)
	}
	if value == nil {
		return nil, false, nil
	}

	s.mu.Lock()
	s.kvCache[key] = value
	s.mu.Unlock()
	return value, true, nil
}

// Delete archives and removes key.
func (s *Store) Delete(ctx context.Context, key string) error {
	start := time.Now()
	defer s.observeWrite(ctx, "delete_kv", start)

	err := s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketKV)
		existing := bucket.Get([]byte(key))
		if existing != nil {
			versions := tx.Bucket(bucketVersions)
			archiveKey := fmt.Sprintf("archive:%s:%d", key, time.Now().UnixNano())
			if err := versions.Put([]byte(archiveKey), existing); err != nil {
				return err
			}
		}
		return bucket.Delete([]byte(key))
	})
	if err != nil {
		return fmt.Errorf("delete kv: %w", err)
	}
	s.mu.Lock()
	delete(s.kvCache, key)
	s.mu.Unlock()
	return nil
}

// ListKeys returns every key in the KV bucket with the given prefix.
func (s *Store) ListKeys(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	err := s.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketKV)
		cursor := bucket.Cursor()
		p := []byte(prefix)
		for k, _ := cursor.Seek(p); k != nil && hasPrefix(k, p); k, _ = cursor.Next() {
			keys = append(keys, string(k))
		}
		return nil
	})
	return keys, err
}

// Versions returns up to limit archived values for key, most recent last.
func (s *Store) Versions(ctx context.Context, key string, limit int) ([][]byte, error) {
	versions := make([][]byte, 0, limit)
	err := s.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketVersions)
		prefix := []byte(key + ":")
		cursor := bucket.Cursor()
		count := 0
		for k, v := cursor.Seek(prefix); k != nil && count < limit; k, v = cursor.Next() {
			if !hasPrefix(k, prefix) {
				break
			}
			cp := make([]byte, len(v))
			copy(cp, v)
			versions = append(versions, cp)
			count++
		}
		return nil
	})
	return versions, err
}

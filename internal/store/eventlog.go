package store

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	"go.etcd.io/bbolt"

	"github.com/swarmguard/taskmesh/internal/model"
)

// Append writes evt to the event log, assigning it the next dense monotonic
// sequence number. Appends are serialized by appendMu so two concurrent
// callers can never be handed the same sequence number (spec §4.1).
func (s *Store) Append(ctx context.Context, evt model.Event) (uint64, error) {
	start := time.Now()
	defer s.observeWrite(ctx, "append_event", start)

	s.appendMu.Lock()
	defer s.appendMu.Unlock()

	var seq uint64
	err := s.db.Update(func(tx *bbolt.Tx) error {
		meta := tx.Bucket(bucketMeta)
		seq = nextSeq(meta)
		evt.Seq = seq

		data, err := json.Marshal(evt)
		if err != nil {
			return fmt.Errorf("marshal event: %w", err)
		}
		events := tx.Bucket(bucketEvents)
		if err := events.Put(seqKey(seq), data); err != nil {
			return err
		}
		return meta.Put([]byte(keyLastSeq), seqKey(seq))
	})
	if err != nil {
		return 0, fmt.Errorf("append event: %w", err)
	}
	return seq, nil
}

// Range invokes fn for every event with sequence >= fromSeq, in ascending
// sequence order, stopping early if fn returns an error.
func (s *Store) Range(ctx context.Context, fromSeq uint64, fn func(model.Event) error) error {
	start := time.Now()
	defer s.observeRead(ctx, "range_events", start)

	return s.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketEvents)
		cursor := bucket.Cursor()
		for k, v := cursor.Seek(seqKey(fromSeq)); k != nil; k, v = cursor.Next() {
			var evt model.Event
			if err := json.Unmarshal(v, &evt); err != nil {
				continue
			}
			if err := fn(evt); err != nil {
				return err
			}
		}
		return nil
	})
}

// LastSeq returns the sequence number of the most recently appended event,
// or 0 if the log is empty.
func (s *Store) LastSeq() (uint64, error) {
	var seq uint64
	err := s.db.View(func(tx *bbolt.Tx) error {
		meta := tx.Bucket(bucketMeta)
		v := meta.Get([]byte(keyLastSeq))
		if v == nil {
			return nil
		}
		seq = binary.BigEndian.Uint64(v)
		return nil
	})
	return seq, err
}

func nextSeq(meta *bbolt.Bucket) uint64 {
	v := meta.Get([]byte(keyLastSeq))
	if v == nil {
		return 1
	}
	return binary.BigEndian.Uint64(v) + 1
}

func seqKey(seq uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, seq)
	return b
}

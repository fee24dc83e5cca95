package store

import (
	"context"
	"path/filepath"
	"testing"

	"go.opentelemetry.io/otel/metric/noop"

	"github.com/swarmguard/taskmesh/internal/model"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "taskmesh.db"), noop.NewMeterProvider().Meter("test"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestAppendAssignsDenseMonotonicSeq(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		seq, err := s.Append(ctx, model.Event{Type: model.EventTaskSubmitted, Body: map[string]interface{}{"i": i}})
		if err != nil {
			t.Fatalf("append: %v", err)
		}
		if seq != uint64(i+1) {
			t.Fatalf("expected seq %d, got %d", i+1, seq)
		}
	}
	last, err := s.LastSeq()
	if err != nil || last != 5 {
		t.Fatalf("expected last seq 5, got %d err %v", last, err)
	}
}

func TestRangeFromSeq(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		s.Append(ctx, model.Event{Type: model.EventTaskReady})
	}
	var seen []uint64
	err := s.Range(ctx, 3, func(evt model.Event) error {
		seen = append(seen, evt.Seq)
		return nil
	})
	if err != nil {
		t.Fatalf("range: %v", err)
	}
	if len(seen) != 3 || seen[0] != 3 {
		t.Fatalf("expected seqs from 3..5, got %v", seen)
	}
}

func TestPutGetDeleteVersioning(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.Put(ctx, "k1", []byte("v1")); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := s.Put(ctx, "k1", []byte("v2")); err != nil {
		t.Fatalf("put overwrite: %v", err)
	}
	v, found, err := s.Get(ctx, "k1")
	if err != nil || !found || string(v) != "v2" {
		t.Fatalf("expected v2, got %s found=%v err=%v", v, found, err)
	}

	versions, err := s.Versions(ctx, "k1", 10)
	if err != nil {
		t.Fatalf("versions: %v", err)
	}
	if len(versions) != 1 || string(versions[0]) != "v1" {
		t.Fatalf("expected archived v1, got %v", versions)
	}

	if err := s.Delete(ctx, "k1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	_, found, _ = s.Get(ctx, "k1")
	if found {
		t.Fatalf("expected not found after delete")
	}
}

func TestSnapshotRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	state := map[string][]byte{"a": []byte("1"), "b": []byte("2")}
	if err := s.WriteSnapshot(ctx, "latest", 42, state); err != nil {
		t.Fatalf("write snapshot: %v", err)
	}

	snap, err := s.LoadSnapshot(ctx, "latest")
	if err != nil {
		t.Fatalf("load snapshot: %v", err)
	}
	if snap == nil || snap.Seq != 42 || string(snap.State["a"]) != "1" {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}

	latest, err := s.LoadLatestSnapshot(ctx)
	if err != nil || latest == nil || latest.Seq != 42 {
		t.Fatalf("expected latest snapshot seq 42, got %+v err %v", latest, err)
	}
}

func TestLoadSnapshotMissingReturnsNil(t *testing.T) {
	s := openTestStore(t)
	snap, err := s.LoadSnapshot(context.Background(), "nonexistent")
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if snap != nil {
		t.Fatalf("expected nil snapshot")
	}
}

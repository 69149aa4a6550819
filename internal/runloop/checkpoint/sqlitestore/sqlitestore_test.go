package sqlitestore

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"filippo.io/age"

	"github.com/dohr-michael/runloopd/internal/runloop"
)

func openTestStore(t *testing.T, opts ...Option) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "checkpoints.db")
	s, err := Open(path, opts...)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func sampleCheckpoint(id string) *runloop.RunLoopCheckpoint {
	return &runloop.RunLoopCheckpoint{
		ID:            id,
		Mode:          runloop.ModeDefault,
		PendingEvents: 3,
		Metrics: runloop.CheckpointMetrics{
			Iterations:      10,
			EventsProcessed: 20,
			EventsEnqueued:  25,
			Wakeups:         5,
			UptimeSecs:      120,
		},
		Timestamp: time.Now(),
	}
}

func TestStore_SaveAndLoadLatest(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	cp := sampleCheckpoint("cp-1")
	if err := s.SaveRunLoopCheckpoint(ctx, cp); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, err := s.LoadLatestCheckpoint(ctx)
	if err != nil {
		t.Fatalf("LoadLatest: %v", err)
	}
	if got == nil {
		t.Fatal("expected a checkpoint, got nil")
	}
	if got.ID != "cp-1" || got.PendingEvents != 3 || got.Metrics.Iterations != 10 {
		t.Errorf("unexpected checkpoint: %+v", got)
	}
}

func TestStore_LoadLatestEmpty(t *testing.T) {
	s := openTestStore(t)
	got, err := s.LoadLatestCheckpoint(context.Background())
	if err != nil {
		t.Fatalf("LoadLatest: %v", err)
	}
	if got != nil {
		t.Errorf("expected nil on empty store, got %+v", got)
	}
}

func TestStore_PrunesBeyondMax(t *testing.T) {
	s := openTestStore(t, WithMaxCheckpoints(2))
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		cp := sampleCheckpoint(string(rune('a' + i)))
		if err := s.SaveRunLoopCheckpoint(ctx, cp); err != nil {
			t.Fatalf("Save %d: %v", i, err)
		}
	}

	ids, err := s.ListCheckpoints(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(ids) != 2 {
		t.Errorf("expected 2 retained checkpoints, got %d: %v", len(ids), ids)
	}
}

func TestStore_DeleteCheckpoint(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	cp := sampleCheckpoint("cp-del")
	if err := s.SaveRunLoopCheckpoint(ctx, cp); err != nil {
		t.Fatalf("Save: %v", err)
	}

	if err := s.DeleteCheckpoint(ctx, "cp-del"); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	ids, _ := s.ListCheckpoints(ctx)
	for _, id := range ids {
		if id == "cp-del" {
			t.Error("checkpoint still listed after delete")
		}
	}
}

func TestStore_DeleteCheckpointNotFound(t *testing.T) {
	s := openTestStore(t)
	err := s.DeleteCheckpoint(context.Background(), "does-not-exist")
	if err == nil {
		t.Fatal("expected error deleting unknown checkpoint")
	}
	cpErr, ok := err.(*runloop.CheckpointError)
	if !ok || cpErr.Kind != runloop.CheckpointNotFound {
		t.Errorf("expected CheckpointNotFound, got %v", err)
	}
}

func TestStore_EncryptedRoundTrip(t *testing.T) {
	identity, err := age.GenerateX25519Identity()
	if err != nil {
		t.Fatalf("generate identity: %v", err)
	}

	s := openTestStore(t, WithEncryption(identity.Recipient(), identity))
	ctx := context.Background()

	cp := sampleCheckpoint("cp-enc")
	if err := s.SaveRunLoopCheckpoint(ctx, cp); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, err := s.LoadLatestCheckpoint(ctx)
	if err != nil {
		t.Fatalf("LoadLatest: %v", err)
	}
	if got == nil || got.ID != "cp-enc" {
		t.Fatalf("unexpected decrypted checkpoint: %+v", got)
	}
}

func TestStore_EncryptedWithoutIdentityFailsToDecode(t *testing.T) {
	identity, err := age.GenerateX25519Identity()
	if err != nil {
		t.Fatalf("generate identity: %v", err)
	}

	s := openTestStore(t, WithEncryption(identity.Recipient(), nil))
	ctx := context.Background()

	if err := s.SaveRunLoopCheckpoint(ctx, sampleCheckpoint("cp-noid")); err != nil {
		t.Fatalf("Save: %v", err)
	}

	_, err = s.LoadLatestCheckpoint(ctx)
	if err == nil {
		t.Fatal("expected error loading encrypted checkpoint without identity")
	}
}

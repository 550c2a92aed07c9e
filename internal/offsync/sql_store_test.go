package offsync

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func newSQLiteQueue(t *testing.T, path string) ActionStore {
	t.Helper()
	store, err := NewSQLiteActionStore(path, 0)
	if err != nil {
		t.Fatalf("new sqlite action store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestSQLiteActionStoreLifecycle(t *testing.T) {
	store := newSQLiteQueue(t, filepath.Join(t.TempDir(), "queue.db"))

	first, err := store.Enqueue(KindContribution, json.RawMessage(`{"group_id":"g1","amount_sats":100}`))
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	second, err := store.Enqueue(KindGroupJoin, json.RawMessage(`{"group_id":"g1","user_id":"u1"}`))
	if err != nil {
		t.Fatalf("enqueue second: %v", err)
	}

	pending, err := store.ListPending(5)
	if err != nil {
		t.Fatalf("list pending: %v", err)
	}
	if len(pending) != 2 || pending[0].ID != first.ID || pending[1].ID != second.ID {
		t.Fatalf("expected FIFO [%s %s], got %+v", first.ID, second.ID, pending)
	}

	marked, err := store.MarkStatus(first.ID, StatusSyncing, "")
	if err != nil {
		t.Fatalf("mark syncing: %v", err)
	}
	if marked.LastAttemptAt == nil {
		t.Fatal("syncing must stamp lastAttemptAt")
	}
	if marked, err = store.MarkStatus(first.ID, StatusFailed, "timeout"); err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	if marked.RetryCount != 1 || marked.LastError != "timeout" {
		t.Fatalf("unexpected failure state %+v", marked)
	}

	got, err := store.Get(first.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != StatusFailed || got.RetryCount != 1 || got.LastAttemptAt == nil {
		t.Fatalf("persisted state mismatch %+v", got)
	}

	if _, err := store.Get("act_missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestSQLiteEnqueueWithID(t *testing.T) {
	store := newSQLiteQueue(t, filepath.Join(t.TempDir(), "queue.db"))
	payload := json.RawMessage(`{"group_id":"g1","amount_sats":100}`)

	action, err := store.EnqueueWithID("act_direct", KindContribution, payload)
	if err != nil {
		t.Fatalf("enqueue with id: %v", err)
	}
	if action.ID != "act_direct" {
		t.Fatalf("expected the supplied id, got %s", action.ID)
	}
	if _, err := store.EnqueueWithID("act_direct", KindContribution, payload); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState for reused id, got %v", err)
	}
	if _, err := store.EnqueueWithID("", KindContribution, payload); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for empty id, got %v", err)
	}
}

func TestSQLiteActionStoreRetryBudget(t *testing.T) {
	store := newSQLiteQueue(t, filepath.Join(t.TempDir(), "queue.db"))

	action, err := store.Enqueue(KindPayoutRequest, json.RawMessage(`{"group_id":"g1","cycle_id":"c1"}`))
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	if _, err := store.ExhaustRetries(action.ID, "amount exceeds cycle limit"); err != nil {
		t.Fatalf("exhaust: %v", err)
	}
	pending, err := store.ListPending(5)
	if err != nil {
		t.Fatalf("list pending: %v", err)
	}
	if len(pending) != 0 {
		t.Fatalf("exhausted action must not be eligible, got %+v", pending)
	}

	retried, err := store.Retry(action.ID)
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if retried.Status != StatusPending || retried.RetryCount != 0 {
		t.Fatalf("retry must reset the budget, got %+v", retried)
	}
	pending, _ = store.ListPending(5)
	if len(pending) != 1 {
		t.Fatalf("retried action must be eligible again, got %d", len(pending))
	}

	if _, err := store.Retry(action.ID); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("retrying a pending action must fail, got %v", err)
	}
}

func TestSQLiteActionStoreDismissAndSweep(t *testing.T) {
	store := newSQLiteQueue(t, filepath.Join(t.TempDir(), "queue.db"))

	action, err := store.Enqueue(KindContribution, json.RawMessage(`{"group_id":"g1","amount_sats":1}`))
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := store.Dismiss(action.ID); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("dismissing a pending action must fail, got %v", err)
	}

	if _, err := store.MarkStatus(action.ID, StatusConflict, "duplicate contribution"); err != nil {
		t.Fatalf("mark conflict: %v", err)
	}
	removed, err := store.Sweep(-time.Hour)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if removed != 0 {
		t.Fatal("sweep must never remove conflict actions")
	}

	if err := store.Dismiss(action.ID); err != nil {
		t.Fatalf("dismiss conflict: %v", err)
	}
	if _, err := store.Get(action.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after dismiss, got %v", err)
	}

	synced, err := store.Enqueue(KindContribution, json.RawMessage(`{"group_id":"g1","amount_sats":2}`))
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := store.MarkStatus(synced.ID, StatusSynced, ""); err != nil {
		t.Fatalf("mark synced: %v", err)
	}
	if removed, err = store.Sweep(-time.Hour); err != nil || removed != 1 {
		t.Fatalf("expected 1 swept synced action, got %d (%v)", removed, err)
	}
}

func TestSQLiteActionStorePersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.db")

	store := newSQLiteQueue(t, path)
	action, err := store.Enqueue(KindProfileUpdate, json.RawMessage(`{"display_name":"Awa"}`))
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened := newSQLiteQueue(t, path)
	got, err := reopened.Get(action.ID)
	if err != nil {
		t.Fatalf("get after reopen: %v", err)
	}
	if got.Kind != KindProfileUpdate || got.Status != StatusPending {
		t.Fatalf("unexpected reopened action %+v", got)
	}
	count, err := reopened.PendingCount()
	if err != nil || count != 1 {
		t.Fatalf("expected 1 pending after reopen, got %d (%v)", count, err)
	}
}

func TestSQLiteSnapshotStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "snapshots.db")
	store, err := NewSQLiteSnapshotStore(path)
	if err != nil {
		t.Fatalf("new sqlite snapshot store: %v", err)
	}
	defer store.Close()

	if _, err := store.Get("groups"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound on empty store, got %v", err)
	}

	entry, err := store.Put("groups", json.RawMessage(`[{"id":"g1"}]`))
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if entry.Version != 1 {
		t.Fatalf("expected version 1, got %d", entry.Version)
	}
	if entry, err = store.Put("groups", json.RawMessage(`[{"id":"g1"},{"id":"g2"}]`)); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	if entry.Version != 2 {
		t.Fatalf("overwrite must bump version, got %d", entry.Version)
	}

	if _, err := store.Put("group:g1", json.RawMessage(`{"id":"g1"}`)); err != nil {
		t.Fatalf("put second key: %v", err)
	}
	keys, err := store.Keys()
	if err != nil {
		t.Fatalf("keys: %v", err)
	}
	if len(keys) != 2 || keys[0] != "group:g1" || keys[1] != "groups" {
		t.Fatalf("unexpected keys %v", keys)
	}

	meta := SyncMetadata{LastSyncAt: time.Now().UTC().Truncate(time.Microsecond), CycleVersion: 7}
	if err := store.SetMetadata(meta); err != nil {
		t.Fatalf("set metadata: %v", err)
	}
	got, err := store.Metadata()
	if err != nil {
		t.Fatalf("metadata: %v", err)
	}
	if got.CycleVersion != 7 || !got.LastSyncAt.Equal(meta.LastSyncAt) {
		t.Fatalf("metadata mismatch: %+v vs %+v", got, meta)
	}

	if removed, err := store.Sweep(-time.Hour); err != nil || removed != 2 {
		t.Fatalf("expected both entries swept, got %d (%v)", removed, err)
	}
}

func TestPostgresActionStoreIntegration(t *testing.T) {
	dsn := os.Getenv("OFFSYNC_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("OFFSYNC_TEST_POSTGRES_DSN not set")
	}
	store, err := NewPostgresActionStore(dsn, 0)
	if err != nil {
		t.Fatalf("new postgres action store: %v", err)
	}
	defer store.Close()

	action, err := store.Enqueue(KindContribution, json.RawMessage(`{"group_id":"g1","amount_sats":100}`))
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := store.MarkStatus(action.ID, StatusConflict, "duplicate"); err != nil {
		t.Fatalf("mark conflict: %v", err)
	}
	if err := store.Dismiss(action.ID); err != nil {
		t.Fatalf("dismiss: %v", err)
	}
	if _, err := store.Get(action.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after dismiss, got %v", err)
	}
}

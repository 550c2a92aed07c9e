package offsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/tontinelabs/offsync/internal/remote"
)

type fakeAPI struct {
	mu       sync.Mutex
	mutated  []remote.MutationCall
	mutateFn func(remote.MutationCall) error
	fetchFn  func(resource string) (json.RawMessage, error)
}

func (f *fakeAPI) Mutate(_ context.Context, call remote.MutationCall) error {
	f.mu.Lock()
	f.mutated = append(f.mutated, call)
	fn := f.mutateFn
	f.mu.Unlock()
	if fn != nil {
		return fn(call)
	}
	return nil
}

func (f *fakeAPI) Fetch(_ context.Context, resource string) (json.RawMessage, error) {
	f.mu.Lock()
	fn := f.fetchFn
	f.mu.Unlock()
	if fn != nil {
		return fn(resource)
	}
	return json.RawMessage(`[]`), nil
}

func (f *fakeAPI) calls() []remote.MutationCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]remote.MutationCall, len(f.mutated))
	copy(out, f.mutated)
	return out
}

func newTestOrchestrator(t *testing.T, api *fakeAPI, monitor NetworkMonitor) (*Orchestrator, ActionStore, SnapshotStore) {
	t.Helper()
	queue := NewMemoryActionStore(0)
	cache := NewMemorySnapshotStore()
	orchestrator, err := NewOrchestrator(OrchestratorOptions{
		Queue:       queue,
		Cache:       cache,
		Monitor:     monitor,
		Remote:      api,
		MaxRetries:  3,
		BackoffBase: time.Nanosecond,
		BackoffMax:  time.Nanosecond,
	})
	if err != nil {
		t.Fatalf("new orchestrator: %v", err)
	}
	t.Cleanup(func() { _ = orchestrator.Close() })
	return orchestrator, queue, cache
}

func TestSyncRefusesOffline(t *testing.T) {
	api := &fakeAPI{}
	orchestrator, queue, _ := newTestOrchestrator(t, api, NewStaticMonitor(QualityOffline))
	if _, err := queue.Enqueue(KindContribution, json.RawMessage(`{"group_id":"g1","amount_sats":1}`)); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	if _, err := orchestrator.Sync(context.Background()); !errors.Is(err, ErrOffline) {
		t.Fatalf("expected ErrOffline, got %v", err)
	}
	if len(api.calls()) != 0 {
		t.Fatal("offline cycle must not touch the remote")
	}
	action, _ := queue.ListPending(3)
	if len(action) != 1 || action[0].RetryCount != 0 {
		t.Fatal("offline refusal must not burn the retry budget")
	}
}

func TestSyncDeliversQueueInOrder(t *testing.T) {
	api := &fakeAPI{}
	orchestrator, queue, _ := newTestOrchestrator(t, api, NewStaticMonitor(QualityGood))

	var ids []string
	for i := 0; i < 3; i++ {
		payload := json.RawMessage(fmt.Sprintf(`{"group_id":"g%d","amount_sats":100}`, i))
		action, err := queue.Enqueue(KindContribution, payload)
		if err != nil {
			t.Fatalf("enqueue %d: %v", i, err)
		}
		ids = append(ids, action.ID)
		time.Sleep(2 * time.Millisecond)
	}

	result, err := orchestrator.Sync(context.Background())
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if result.Attempted != 3 || result.Synced != 3 || result.Failed != 0 {
		t.Fatalf("unexpected result %+v", result)
	}

	calls := api.calls()
	if len(calls) != 3 {
		t.Fatalf("expected 3 deliveries, got %d", len(calls))
	}
	for i, call := range calls {
		if call.IdempotencyKey != ids[i] {
			t.Fatalf("delivery %d out of order: got %s want %s", i, call.IdempotencyKey, ids[i])
		}
	}
	count, _ := queue.PendingCount()
	if count != 0 {
		t.Fatalf("expected empty queue after sync, got %d", count)
	}
}

func TestSyncFailureDoesNotBlockQueue(t *testing.T) {
	api := &fakeAPI{}
	orchestrator, queue, _ := newTestOrchestrator(t, api, NewStaticMonitor(QualityGood))

	bad, _ := queue.Enqueue(KindContribution, json.RawMessage(`{"group_id":"g1","amount_sats":1}`))
	time.Sleep(2 * time.Millisecond)
	good, _ := queue.Enqueue(KindContribution, json.RawMessage(`{"group_id":"g2","amount_sats":1}`))

	api.mutateFn = func(call remote.MutationCall) error {
		if call.IdempotencyKey == bad.ID {
			return errors.New("connection reset")
		}
		return nil
	}

	result, err := orchestrator.Sync(context.Background())
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if result.Synced != 1 || result.Failed != 1 {
		t.Fatalf("unexpected result %+v", result)
	}

	badState, _ := queue.Get(bad.ID)
	if badState.Status != StatusFailed || badState.RetryCount != 1 {
		t.Fatalf("expected failed/1, got %s/%d", badState.Status, badState.RetryCount)
	}
	goodState, _ := queue.Get(good.ID)
	if goodState.Status != StatusSynced {
		t.Fatalf("later action must still deliver, got %s", goodState.Status)
	}
}

func TestSyncDuplicateIsTerminalConflict(t *testing.T) {
	api := &fakeAPI{}
	orchestrator, queue, _ := newTestOrchestrator(t, api, NewStaticMonitor(QualityGood))

	first, _ := queue.Enqueue(KindGroupJoin, json.RawMessage(`{"group_id":"g1","user_id":"u1"}`))
	time.Sleep(2 * time.Millisecond)
	second, _ := queue.Enqueue(KindGroupJoin, json.RawMessage(`{"group_id":"g1","user_id":"u1"}`))

	api.mutateFn = func(call remote.MutationCall) error {
		if call.IdempotencyKey == second.ID {
			return &remote.DuplicateError{Message: "already a member"}
		}
		return nil
	}

	result, err := orchestrator.Sync(context.Background())
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if len(result.Conflicts) != 1 || result.Conflicts[0].ID != second.ID {
		t.Fatalf("expected one conflict for the second join, got %+v", result.Conflicts)
	}

	firstState, _ := queue.Get(first.ID)
	if firstState.Status != StatusSynced {
		t.Fatalf("first join should sync, got %s", firstState.Status)
	}
	secondState, _ := queue.Get(second.ID)
	if secondState.Status != StatusConflict {
		t.Fatalf("second join should conflict, got %s", secondState.Status)
	}

	// Conflicts are terminal: a later cycle must not redeliver.
	before := len(api.calls())
	if _, err := orchestrator.Sync(context.Background()); err != nil {
		t.Fatalf("second sync: %v", err)
	}
	if len(api.calls()) != before {
		t.Fatal("conflicted action was redelivered")
	}
}

func TestSyncPermanentRejectionSpendsBudget(t *testing.T) {
	api := &fakeAPI{}
	orchestrator, queue, _ := newTestOrchestrator(t, api, NewStaticMonitor(QualityGood))

	action, _ := queue.Enqueue(KindPayoutRequest, json.RawMessage(`{"group_id":"g1","cycle_id":"c1"}`))
	api.mutateFn = func(remote.MutationCall) error {
		return &remote.APIError{StatusCode: 422, Code: "not_your_turn", Message: "payout order not reached"}
	}

	if _, err := orchestrator.Sync(context.Background()); err != nil {
		t.Fatalf("sync: %v", err)
	}
	state, _ := queue.Get(action.ID)
	if state.Status != StatusFailed {
		t.Fatalf("expected failed, got %s", state.Status)
	}

	before := len(api.calls())
	if _, err := orchestrator.Sync(context.Background()); err != nil {
		t.Fatalf("second sync: %v", err)
	}
	if len(api.calls()) != before {
		t.Fatal("rejected action must not be redelivered automatically")
	}

	// Explicit user retry restores eligibility.
	if _, err := queue.Retry(action.ID); err != nil {
		t.Fatalf("retry: %v", err)
	}
	api.mutateFn = nil
	if _, err := orchestrator.Sync(context.Background()); err != nil {
		t.Fatalf("third sync: %v", err)
	}
	state, _ = queue.Get(action.ID)
	if state.Status != StatusSynced {
		t.Fatalf("retried action should sync, got %s", state.Status)
	}
}

func TestSyncStopsRetryingAtMaxRetries(t *testing.T) {
	api := &fakeAPI{}
	orchestrator, queue, _ := newTestOrchestrator(t, api, NewStaticMonitor(QualityGood))

	action, _ := queue.Enqueue(KindContribution, json.RawMessage(`{"group_id":"g1","amount_sats":1}`))
	api.mutateFn = func(remote.MutationCall) error {
		return errors.New("upstream timeout")
	}

	for i := 0; i < 5; i++ {
		if _, err := orchestrator.Sync(context.Background()); err != nil {
			t.Fatalf("sync %d: %v", i, err)
		}
	}
	if got := len(api.calls()); got != 3 {
		t.Fatalf("expected exactly maxRetries=3 delivery attempts, got %d", got)
	}
	state, _ := queue.Get(action.ID)
	if state.Status != StatusFailed || state.RetryCount != 3 {
		t.Fatalf("expected failed/3, got %s/%d", state.Status, state.RetryCount)
	}
}

func TestOfflineContributionRecovery(t *testing.T) {
	api := &fakeAPI{}
	monitor := NewStaticMonitor(QualityOffline)
	orchestrator, queue, _ := newTestOrchestrator(t, api, monitor)

	action, err := queue.Enqueue(KindContribution, json.RawMessage(`{"group_id":"g1","amount_sats":10000}`))
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := orchestrator.Sync(context.Background()); !errors.Is(err, ErrOffline) {
		t.Fatalf("expected ErrOffline, got %v", err)
	}

	monitor.SetQuality(QualityGood)
	result, err := orchestrator.Sync(context.Background())
	if err != nil {
		t.Fatalf("sync after recovery: %v", err)
	}
	if result.Synced != 1 {
		t.Fatalf("expected 1 synced, got %+v", result)
	}
	state, _ := queue.Get(action.ID)
	if state.Status != StatusSynced {
		t.Fatalf("expected synced, got %s", state.Status)
	}
	count, _ := queue.PendingCount()
	if count != 0 {
		t.Fatalf("expected 0 pending after recovery, got %d", count)
	}
}

func TestRefreshCachePopulatesSnapshots(t *testing.T) {
	api := &fakeAPI{}
	api.fetchFn = func(resource string) (json.RawMessage, error) {
		switch resource {
		case "groups":
			return json.RawMessage(`[{"id":"g1"},{"id":"g2"}]`), nil
		case "groups/mine":
			return json.RawMessage(`[{"id":"g1"}]`), nil
		case "groups/g1":
			return json.RawMessage(`{"id":"g1","name":"Village Savings"}`), nil
		case "groups/g1/contributions":
			return json.RawMessage(`[{"amount_sats":10000}]`), nil
		}
		return nil, errors.New("unexpected resource " + resource)
	}
	orchestrator, _, cache := newTestOrchestrator(t, api, NewStaticMonitor(QualityGood))

	// First cycle caches my-groups; second derives the per-group keys.
	for i := 0; i < 2; i++ {
		if _, err := orchestrator.Sync(context.Background()); err != nil {
			t.Fatalf("sync %d: %v", i, err)
		}
	}

	for _, key := range []string{"groups", "my-groups", "group:g1", "contributions:g1"} {
		if _, err := cache.Get(key); err != nil {
			t.Fatalf("missing snapshot %s: %v", key, err)
		}
	}
	meta, _ := cache.Metadata()
	if meta.CycleVersion != 2 || meta.LastSyncAt.IsZero() {
		t.Fatalf("metadata not bumped: %+v", meta)
	}
}

func TestRefreshErrorsDoNotAbortCycle(t *testing.T) {
	api := &fakeAPI{}
	api.fetchFn = func(resource string) (json.RawMessage, error) {
		if resource == "groups" {
			return nil, errors.New("upstream 500")
		}
		return json.RawMessage(`[]`), nil
	}
	orchestrator, _, cache := newTestOrchestrator(t, api, NewStaticMonitor(QualityGood))

	result, err := orchestrator.Sync(context.Background())
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if len(result.RefreshErrors) != 1 {
		t.Fatalf("expected 1 refresh error, got %v", result.RefreshErrors)
	}
	if _, err := cache.Get("my-groups"); err != nil {
		t.Fatalf("other snapshots must still refresh: %v", err)
	}
	meta, _ := cache.Metadata()
	if meta.CycleVersion != 1 {
		t.Fatal("cycle must complete despite refresh errors")
	}
}

func TestSubscribeReceivesCycleResults(t *testing.T) {
	api := &fakeAPI{}
	orchestrator, queue, _ := newTestOrchestrator(t, api, NewStaticMonitor(QualityGood))
	if _, err := queue.Enqueue(KindContribution, json.RawMessage(`{"group_id":"g1","amount_sats":1}`)); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	results := make(chan SyncResult, 1)
	unsubscribe := orchestrator.Subscribe(func(r SyncResult) {
		select {
		case results <- r:
		default:
		}
	})
	defer unsubscribe()

	if _, err := orchestrator.Sync(context.Background()); err != nil {
		t.Fatalf("sync: %v", err)
	}
	select {
	case result := <-results:
		if result.Synced != 1 {
			t.Fatalf("unexpected result %+v", result)
		}
	case <-time.After(time.Second):
		t.Fatal("no cycle result delivered")
	}
}

func TestConcurrentSyncCoalesces(t *testing.T) {
	gate := make(chan struct{})
	api := &fakeAPI{}
	api.mutateFn = func(remote.MutationCall) error {
		<-gate
		return nil
	}
	orchestrator, queue, _ := newTestOrchestrator(t, api, NewStaticMonitor(QualityGood))
	if _, err := queue.Enqueue(KindContribution, json.RawMessage(`{"group_id":"g1","amount_sats":1}`)); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	var wg sync.WaitGroup
	results := make([]SyncResult, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			result, err := orchestrator.Sync(context.Background())
			if err != nil {
				t.Errorf("sync %d: %v", i, err)
				return
			}
			results[i] = result
		}(i)
	}
	time.Sleep(20 * time.Millisecond)
	close(gate)
	wg.Wait()

	if got := len(api.calls()); got != 1 {
		t.Fatalf("expected a single delivery across concurrent cycles, got %d", got)
	}
	if !results[0].Coalesced && !results[1].Coalesced {
		t.Fatal("concurrent callers should share one cycle")
	}
}

package offsync

import (
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

const DefaultQueueCapacity = 1024

// ActionStore is the durable, ordered store of pending mutations. Enqueue
// failures must propagate to the caller; a queued financial intent must not
// silently vanish.
type ActionStore interface {
	Enqueue(kind ActionKind, payload json.RawMessage) (OfflineAction, error)
	// EnqueueWithID enqueues under a caller-supplied id. Used when a direct
	// delivery attempt may have landed remotely: the redelivery must carry
	// the same idempotency key, not a fresh one.
	EnqueueWithID(id string, kind ActionKind, payload json.RawMessage) (OfflineAction, error)
	// ListPending returns actions still eligible for delivery, FIFO by
	// creation time: status pending, or failed with retryCount < maxRetries.
	ListPending(maxRetries int) ([]OfflineAction, error)
	List() ([]OfflineAction, error)
	Get(id string) (OfflineAction, error)
	// MarkStatus transitions one action. Marking syncing stamps
	// lastAttemptAt; marking failed increments retryCount.
	MarkStatus(id string, status ActionStatus, lastErr string) (OfflineAction, error)
	// ExhaustRetries marks the action failed and spends its remaining retry
	// budget, for validation and business-rule rejections that retrying
	// cannot fix.
	ExhaustRetries(id string, lastErr string) (OfflineAction, error)
	// Dismiss removes a terminal failed or conflict action after the user
	// has handled it.
	Dismiss(id string) error
	// Retry resets a failed action to pending with a fresh retry budget.
	Retry(id string) (OfflineAction, error)
	// Sweep deletes synced actions older than maxAge. Failed and conflict
	// actions are kept until explicitly dismissed.
	Sweep(maxAge time.Duration) (int, error)
	PendingCount() (int, error)
	Close() error
}

// SnapshotStore is the durable key/value store of last-known-good read data,
// plus the process-wide sync metadata.
type SnapshotStore interface {
	Get(key string) (CacheEntry, error)
	// Put overwrites the entry for key, bumping its version.
	Put(key string, payload json.RawMessage) (CacheEntry, error)
	Keys() ([]string, error)
	Sweep(maxAge time.Duration) (int, error)
	Metadata() (SyncMetadata, error)
	SetMetadata(meta SyncMetadata) error
	Close() error
}

func newActionID() string {
	return "act_" + uuid.NewString()
}

func validateEnqueue(kind ActionKind, payload json.RawMessage) error {
	if strings.TrimSpace(string(kind)) == "" {
		return ErrInvalidInput
	}
	if len(payload) == 0 || !json.Valid(payload) {
		return ErrInvalidInput
	}
	return nil
}

type memoryActionStore struct {
	mu       sync.Mutex
	capacity int
	actions  []OfflineAction
}

func NewMemoryActionStore(capacity int) ActionStore {
	if capacity <= 0 {
		capacity = DefaultQueueCapacity
	}
	return &memoryActionStore{capacity: capacity}
}

func (s *memoryActionStore) Enqueue(kind ActionKind, payload json.RawMessage) (OfflineAction, error) {
	return s.EnqueueWithID(newActionID(), kind, payload)
}

func (s *memoryActionStore) EnqueueWithID(id string, kind ActionKind, payload json.RawMessage) (OfflineAction, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return OfflineAction{}, ErrInvalidInput
	}
	if err := validateEnqueue(kind, payload); err != nil {
		return OfflineAction{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.actions) >= s.capacity {
		return OfflineAction{}, ErrQueueFull
	}
	for _, a := range s.actions {
		if a.ID == id {
			return OfflineAction{}, ErrInvalidState
		}
	}
	action := OfflineAction{
		ID:        id,
		Kind:      kind,
		Payload:   append(json.RawMessage(nil), payload...),
		Status:    StatusPending,
		CreatedAt: time.Now().UTC(),
	}
	s.actions = append(s.actions, action)
	return action.clone(), nil
}

func (s *memoryActionStore) ListPending(maxRetries int) ([]OfflineAction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return filterPending(s.actions, maxRetries), nil
}

func (s *memoryActionStore) List() ([]OfflineAction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]OfflineAction, 0, len(s.actions))
	for _, a := range s.actions {
		out = append(out, a.clone())
	}
	return out, nil
}

func (s *memoryActionStore) Get(id string) (OfflineAction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range s.actions {
		if a.ID == id {
			return a.clone(), nil
		}
	}
	return OfflineAction{}, ErrNotFound
}

func (s *memoryActionStore) MarkStatus(id string, status ActionStatus, lastErr string) (OfflineAction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.actions {
		if s.actions[i].ID != id {
			continue
		}
		applyTransition(&s.actions[i], status, lastErr)
		return s.actions[i].clone(), nil
	}
	return OfflineAction{}, ErrNotFound
}

func (s *memoryActionStore) ExhaustRetries(id string, lastErr string) (OfflineAction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.actions {
		if s.actions[i].ID != id {
			continue
		}
		applyExhaust(&s.actions[i], lastErr)
		return s.actions[i].clone(), nil
	}
	return OfflineAction{}, ErrNotFound
}

func (s *memoryActionStore) Dismiss(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.actions {
		if s.actions[i].ID != id {
			continue
		}
		if !dismissable(s.actions[i].Status) {
			return ErrInvalidState
		}
		s.actions = append(s.actions[:i], s.actions[i+1:]...)
		return nil
	}
	return ErrNotFound
}

func (s *memoryActionStore) Retry(id string) (OfflineAction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.actions {
		if s.actions[i].ID != id {
			continue
		}
		if s.actions[i].Status != StatusFailed {
			return OfflineAction{}, ErrInvalidState
		}
		resetForRetry(&s.actions[i])
		return s.actions[i].clone(), nil
	}
	return OfflineAction{}, ErrNotFound
}

func (s *memoryActionStore) Sweep(maxAge time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := time.Now().UTC().Add(-maxAge)
	kept := s.actions[:0]
	removed := 0
	for _, a := range s.actions {
		if sweepable(a, cutoff) {
			removed++
			continue
		}
		kept = append(kept, a)
	}
	s.actions = kept
	return removed, nil
}

func (s *memoryActionStore) PendingCount() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for _, a := range s.actions {
		if a.Status == StatusPending || a.Status == StatusSyncing || a.Status == StatusFailed {
			count++
		}
	}
	return count, nil
}

func (s *memoryActionStore) Close() error {
	return nil
}

func filterPending(actions []OfflineAction, maxRetries int) []OfflineAction {
	out := []OfflineAction{}
	for _, a := range actions {
		if eligible(a, maxRetries) {
			out = append(out, a.clone())
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

func eligible(a OfflineAction, maxRetries int) bool {
	switch a.Status {
	case StatusPending:
		return true
	case StatusFailed:
		return a.RetryCount < maxRetries
	default:
		return false
	}
}

func applyTransition(a *OfflineAction, status ActionStatus, lastErr string) {
	now := time.Now().UTC()
	switch status {
	case StatusSyncing:
		a.LastAttemptAt = &now
	case StatusFailed:
		a.RetryCount++
	}
	a.Status = status
	a.LastError = lastErr
}

// exhaustedRetries exceeds any sane maxRetries setting, so an exhausted
// action never reappears in ListPending until explicitly retried.
const exhaustedRetries = 1 << 30

func applyExhaust(a *OfflineAction, lastErr string) {
	now := time.Now().UTC()
	a.Status = StatusFailed
	a.RetryCount = exhaustedRetries
	a.LastAttemptAt = &now
	a.LastError = lastErr
}

func resetForRetry(a *OfflineAction) {
	a.Status = StatusPending
	a.RetryCount = 0
	a.LastError = ""
}

func dismissable(status ActionStatus) bool {
	return status == StatusFailed || status == StatusConflict
}

func sweepable(a OfflineAction, cutoff time.Time) bool {
	return a.Status == StatusSynced && a.CreatedAt.Before(cutoff)
}

type memorySnapshotStore struct {
	mu      sync.Mutex
	entries map[string]CacheEntry
	meta    SyncMetadata
}

func NewMemorySnapshotStore() SnapshotStore {
	return &memorySnapshotStore{entries: map[string]CacheEntry{}}
}

func (s *memorySnapshotStore) Get(key string) (CacheEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[key]
	if !ok {
		return CacheEntry{}, ErrNotFound
	}
	return entry.clone(), nil
}

func (s *memorySnapshotStore) Put(key string, payload json.RawMessage) (CacheEntry, error) {
	if strings.TrimSpace(key) == "" || !json.Valid(payload) {
		return CacheEntry{}, ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	entry := CacheEntry{
		Key:       key,
		Payload:   append(json.RawMessage(nil), payload...),
		FetchedAt: time.Now().UTC(),
		Version:   s.entries[key].Version + 1,
	}
	s.entries[key] = entry
	return entry.clone(), nil
}

func (s *memorySnapshotStore) Keys() ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]string, 0, len(s.entries))
	for key := range s.entries {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *memorySnapshotStore) Sweep(maxAge time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := time.Now().UTC().Add(-maxAge)
	removed := 0
	for key, entry := range s.entries {
		if entry.FetchedAt.Before(cutoff) {
			delete(s.entries, key)
			removed++
		}
	}
	return removed, nil
}

func (s *memorySnapshotStore) Metadata() (SyncMetadata, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.meta, nil
}

func (s *memorySnapshotStore) SetMetadata(meta SyncMetadata) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.meta = meta
	return nil
}

func (s *memorySnapshotStore) Close() error {
	return nil
}

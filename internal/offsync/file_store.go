package offsync

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// fileActionStore persists the whole queue as one JSON document, rewritten
// atomically (tmp + rename) on every mutation. Suited to the single-process
// client targets this engine runs on.
type fileActionStore struct {
	path     string
	capacity int
	mu       sync.Mutex
	actions  []OfflineAction
}

type fileActionState struct {
	Actions []OfflineAction `json:"actions"`
}

func NewFileActionStore(path string, capacity int) (ActionStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	if capacity <= 0 {
		capacity = DefaultQueueCapacity
	}
	s := &fileActionStore{path: path, capacity: capacity}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *fileActionStore) Enqueue(kind ActionKind, payload json.RawMessage) (OfflineAction, error) {
	return s.EnqueueWithID(newActionID(), kind, payload)
}

func (s *fileActionStore) EnqueueWithID(id string, kind ActionKind, payload json.RawMessage) (OfflineAction, error) {
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
	if err := s.saveLocked(); err != nil {
		s.actions = s.actions[:len(s.actions)-1]
		return OfflineAction{}, err
	}
	return action.clone(), nil
}

func (s *fileActionStore) ListPending(maxRetries int) ([]OfflineAction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return filterPending(s.actions, maxRetries), nil
}

func (s *fileActionStore) List() ([]OfflineAction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]OfflineAction, 0, len(s.actions))
	for _, a := range s.actions {
		out = append(out, a.clone())
	}
	return out, nil
}

func (s *fileActionStore) Get(id string) (OfflineAction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range s.actions {
		if a.ID == id {
			return a.clone(), nil
		}
	}
	return OfflineAction{}, ErrNotFound
}

func (s *fileActionStore) MarkStatus(id string, status ActionStatus, lastErr string) (OfflineAction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.actions {
		if s.actions[i].ID != id {
			continue
		}
		previous := s.actions[i]
		applyTransition(&s.actions[i], status, lastErr)
		if err := s.saveLocked(); err != nil {
			s.actions[i] = previous
			return OfflineAction{}, err
		}
		return s.actions[i].clone(), nil
	}
	return OfflineAction{}, ErrNotFound
}

func (s *fileActionStore) ExhaustRetries(id string, lastErr string) (OfflineAction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.actions {
		if s.actions[i].ID != id {
			continue
		}
		previous := s.actions[i]
		applyExhaust(&s.actions[i], lastErr)
		if err := s.saveLocked(); err != nil {
			s.actions[i] = previous
			return OfflineAction{}, err
		}
		return s.actions[i].clone(), nil
	}
	return OfflineAction{}, ErrNotFound
}

func (s *fileActionStore) Dismiss(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.actions {
		if s.actions[i].ID != id {
			continue
		}
		if !dismissable(s.actions[i].Status) {
			return ErrInvalidState
		}
		removed := s.actions[i]
		s.actions = append(s.actions[:i], s.actions[i+1:]...)
		if err := s.saveLocked(); err != nil {
			s.actions = append(s.actions[:i], append([]OfflineAction{removed}, s.actions[i:]...)...)
			return err
		}
		return nil
	}
	return ErrNotFound
}

func (s *fileActionStore) Retry(id string) (OfflineAction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.actions {
		if s.actions[i].ID != id {
			continue
		}
		if s.actions[i].Status != StatusFailed {
			return OfflineAction{}, ErrInvalidState
		}
		previous := s.actions[i]
		resetForRetry(&s.actions[i])
		if err := s.saveLocked(); err != nil {
			s.actions[i] = previous
			return OfflineAction{}, err
		}
		return s.actions[i].clone(), nil
	}
	return OfflineAction{}, ErrNotFound
}

func (s *fileActionStore) Sweep(maxAge time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := time.Now().UTC().Add(-maxAge)
	kept := make([]OfflineAction, 0, len(s.actions))
	removed := 0
	for _, a := range s.actions {
		if sweepable(a, cutoff) {
			removed++
			continue
		}
		kept = append(kept, a)
	}
	if removed == 0 {
		return 0, nil
	}
	previous := s.actions
	s.actions = kept
	if err := s.saveLocked(); err != nil {
		s.actions = previous
		return 0, err
	}
	return removed, nil
}

func (s *fileActionStore) PendingCount() (int, error) {
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

func (s *fileActionStore) Close() error {
	return nil
}

func (s *fileActionStore) load() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	var state fileActionState
	if err := json.Unmarshal(data, &state); err != nil {
		return err
	}
	s.actions = state.Actions
	return nil
}

func (s *fileActionStore) saveLocked() error {
	state := fileActionState{Actions: s.actions}
	data, err := json.Marshal(state)
	if err != nil {
		return err
	}
	return writeFileAtomic(s.path, data)
}

type fileSnapshotStore struct {
	path    string
	mu      sync.Mutex
	entries map[string]CacheEntry
	meta    SyncMetadata
}

type fileSnapshotState struct {
	Entries  map[string]CacheEntry `json:"entries"`
	Metadata SyncMetadata          `json:"metadata"`
}

func NewFileSnapshotStore(path string) (SnapshotStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	s := &fileSnapshotStore{path: path, entries: map[string]CacheEntry{}}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *fileSnapshotStore) Get(key string) (CacheEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[key]
	if !ok {
		return CacheEntry{}, ErrNotFound
	}
	return entry.clone(), nil
}

func (s *fileSnapshotStore) Put(key string, payload json.RawMessage) (CacheEntry, error) {
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
	previous, existed := s.entries[key]
	s.entries[key] = entry
	if err := s.saveLocked(); err != nil {
		if existed {
			s.entries[key] = previous
		} else {
			delete(s.entries, key)
		}
		return CacheEntry{}, err
	}
	return entry.clone(), nil
}

func (s *fileSnapshotStore) Keys() ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]string, 0, len(s.entries))
	for key := range s.entries {
		keys = append(keys, key)
	}
	return keys, nil
}

func (s *fileSnapshotStore) Sweep(maxAge time.Duration) (int, error) {
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
	if removed == 0 {
		return 0, nil
	}
	if err := s.saveLocked(); err != nil {
		return removed, err
	}
	return removed, nil
}

func (s *fileSnapshotStore) Metadata() (SyncMetadata, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.meta, nil
}

func (s *fileSnapshotStore) SetMetadata(meta SyncMetadata) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	previous := s.meta
	s.meta = meta
	if err := s.saveLocked(); err != nil {
		s.meta = previous
		return err
	}
	return nil
}

func (s *fileSnapshotStore) Close() error {
	return nil
}

func (s *fileSnapshotStore) load() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	var state fileSnapshotState
	if err := json.Unmarshal(data, &state); err != nil {
		return err
	}
	if state.Entries == nil {
		state.Entries = map[string]CacheEntry{}
	}
	s.entries = state.Entries
	s.meta = state.Metadata
	return nil
}

func (s *fileSnapshotStore) saveLocked() error {
	state := fileSnapshotState{Entries: s.entries, Metadata: s.meta}
	data, err := json.Marshal(state)
	if err != nil {
		return err
	}
	return writeFileAtomic(s.path, data)
}

func writeFileAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

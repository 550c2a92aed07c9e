package offsync

import (
	"encoding/json"
	"time"
)

type ActionKind string

const (
	KindContribution  ActionKind = "contribution"
	KindGroupJoin     ActionKind = "group-join"
	KindPayoutRequest ActionKind = "payout-request"
	KindProfileUpdate ActionKind = "profile-update"
)

type ActionStatus string

const (
	StatusPending  ActionStatus = "pending"
	StatusSyncing  ActionStatus = "syncing"
	StatusSynced   ActionStatus = "synced"
	StatusFailed   ActionStatus = "failed"
	StatusConflict ActionStatus = "conflict"
)

// OfflineAction is a queued domain mutation awaiting delivery. Its ID doubles
// as the idempotency key sent to the remote service, and never changes.
type OfflineAction struct {
	ID            string          `json:"id"`
	Kind          ActionKind      `json:"kind"`
	Payload       json.RawMessage `json:"payload"`
	Status        ActionStatus    `json:"status"`
	RetryCount    int             `json:"retryCount"`
	CreatedAt     time.Time       `json:"createdAt"`
	LastAttemptAt *time.Time      `json:"lastAttemptAt,omitempty"`
	LastError     string          `json:"lastError,omitempty"`
}

// CacheEntry is a last-known-good read snapshot for one logical resource key.
type CacheEntry struct {
	Key       string          `json:"key"`
	Payload   json.RawMessage `json:"payload"`
	FetchedAt time.Time       `json:"fetchedAt"`
	Version   int64           `json:"version"`
}

// SyncMetadata is process-wide bookkeeping updated at the end of each cycle.
type SyncMetadata struct {
	LastSyncAt   time.Time `json:"lastSyncAt"`
	CycleVersion int64     `json:"cycleVersion"`
}

// SyncResult is the outcome of one sync cycle. It is produced fresh per cycle
// and delivered to subscribers; it is never persisted.
type SyncResult struct {
	StartedAt     time.Time       `json:"startedAt"`
	FinishedAt    time.Time       `json:"finishedAt"`
	Attempted     int             `json:"attempted"`
	Synced        int             `json:"synced"`
	Failed        int             `json:"failed"`
	Conflicts     []OfflineAction `json:"conflicts,omitempty"`
	RefreshErrors []string        `json:"refreshErrors,omitempty"`

	// Coalesced is true when this result was shared from a cycle that was
	// already in flight when the caller requested one.
	Coalesced bool `json:"coalesced,omitempty"`
}

// WriteStatus distinguishes the three ways a facade write can end.
type WriteStatus string

const (
	WriteApplied  WriteStatus = "applied"
	WriteQueued   WriteStatus = "queued"
	WriteRejected WriteStatus = "rejected"
)

// WriteOutcome is returned by every facade write. A Queued outcome must be
// treated by callers as a slow success, not a failure; the action's eventual
// fate arrives through Subscribe.
type WriteOutcome struct {
	Status   WriteStatus `json:"status"`
	ActionID string      `json:"actionId,omitempty"`
	Detail   string      `json:"detail,omitempty"`
}

func (a OfflineAction) clone() OfflineAction {
	out := a
	out.Payload = append(json.RawMessage(nil), a.Payload...)
	if a.LastAttemptAt != nil {
		t := *a.LastAttemptAt
		out.LastAttemptAt = &t
	}
	return out
}

func (e CacheEntry) clone() CacheEntry {
	out := e
	out.Payload = append(json.RawMessage(nil), e.Payload...)
	return out
}

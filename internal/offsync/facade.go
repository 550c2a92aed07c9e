package offsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/tontinelabs/offsync/internal/remote"
)

// ContributionRequest records sats paid into a group's current cycle.
type ContributionRequest struct {
	GroupID    string `json:"group_id"`
	CycleID    string `json:"cycle_id,omitempty"`
	AmountSats int64  `json:"amount_sats"`
	Memo       string `json:"memo,omitempty"`
}

type JoinGroupRequest struct {
	GroupID string `json:"group_id"`
	UserID  string `json:"user_id"`
}

type PayoutRequest struct {
	GroupID string `json:"group_id"`
	CycleID string `json:"cycle_id"`
	Memo    string `json:"memo,omitempty"`
}

// ProfileUpdate carries only the fields being changed.
type ProfileUpdate struct {
	DisplayName string `json:"display_name,omitempty"`
	Phone       string `json:"phone,omitempty"`
	Language    string `json:"language,omitempty"`
}

// Snapshot is a cached read handed to the UI: the last-known-good payload
// plus enough provenance to render a staleness hint.
type Snapshot struct {
	Payload   json.RawMessage `json:"payload"`
	FetchedAt time.Time       `json:"fetchedAt"`
	Version   int64           `json:"version"`
	Stale     bool            `json:"stale"`
}

type ClientOptions struct {
	Queue        ActionStore
	Cache        SnapshotStore
	Monitor      NetworkMonitor
	Remote       remote.API
	Orchestrator *Orchestrator
	Logger       *slog.Logger

	// StaleAfter is the age past which a served snapshot is flagged stale.
	StaleAfter time.Duration
	// DirectTimeout bounds the optimistic direct write attempted on a good
	// connection before falling back to the queue.
	DirectTimeout time.Duration
}

// Client is the single entry point the UI talks to. Writes apply directly
// when the connection is good and fall back to the durable queue otherwise;
// reads always serve the cached snapshot and refresh in the background.
type Client struct {
	opts      ClientOptions
	logger    *slog.Logger
	validator *PayloadValidator
}

func NewClient(opts ClientOptions) (*Client, error) {
	if opts.Queue == nil || opts.Cache == nil || opts.Monitor == nil || opts.Remote == nil {
		return nil, ErrInvalidInput
	}
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = 5 * time.Minute
	}
	if opts.DirectTimeout <= 0 {
		opts.DirectTimeout = 10 * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	validator, err := NewPayloadValidator()
	if err != nil {
		return nil, err
	}
	return &Client{opts: opts, logger: logger, validator: validator}, nil
}

// Contribute records a contribution. On a poor or offline connection the
// intent is queued; a Queued outcome is a slow success, not a failure.
func (c *Client) Contribute(ctx context.Context, req ContributionRequest) (WriteOutcome, error) {
	return c.write(ctx, KindContribution, req)
}

func (c *Client) JoinGroup(ctx context.Context, req JoinGroupRequest) (WriteOutcome, error) {
	return c.write(ctx, KindGroupJoin, req)
}

func (c *Client) RequestPayout(ctx context.Context, req PayoutRequest) (WriteOutcome, error) {
	return c.write(ctx, KindPayoutRequest, req)
}

func (c *Client) UpdateProfile(ctx context.Context, req ProfileUpdate) (WriteOutcome, error) {
	return c.write(ctx, KindProfileUpdate, req)
}

func (c *Client) write(ctx context.Context, kind ActionKind, req any) (WriteOutcome, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return WriteOutcome{Status: WriteRejected, Detail: err.Error()}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if err := c.validator.Validate(kind, payload); err != nil {
		return WriteOutcome{Status: WriteRejected, Detail: err.Error()}, err
	}

	directID := ""
	if c.directEligible() {
		action := OfflineAction{
			ID:        newActionID(),
			Kind:      kind,
			Payload:   payload,
			CreatedAt: time.Now().UTC(),
		}
		callCtx, cancel := context.WithTimeout(ctx, c.opts.DirectTimeout)
		err := c.opts.Remote.Mutate(callCtx, remote.MutationCall{
			Kind:           string(kind),
			Payload:        payload,
			IdempotencyKey: action.ID,
			LoggedAt:       action.CreatedAt,
		})
		cancel()
		switch {
		case err == nil:
			c.requestSync()
			return WriteOutcome{Status: WriteApplied, ActionID: action.ID}, nil
		case remote.IsDuplicate(err):
			return WriteOutcome{Status: WriteRejected, ActionID: action.ID, Detail: err.Error()},
				&ConflictError{ActionID: action.ID, Detail: err.Error()}
		case remote.IsPermanent(err):
			return WriteOutcome{Status: WriteRejected, ActionID: action.ID, Detail: err.Error()}, err
		}
		// Transient failure on a connection that looked good. Fall through
		// to the queue under the same id: the direct call may have landed
		// with its ack lost, and redelivery under a fresh idempotency key
		// could double-apply.
		directID = action.ID
		c.logger.Info("direct write failed, queueing", "kind", string(kind), "action", action.ID, "err", err)
	}

	var queued OfflineAction
	if directID != "" {
		queued, err = c.opts.Queue.EnqueueWithID(directID, kind, payload)
	} else {
		queued, err = c.opts.Queue.Enqueue(kind, payload)
	}
	if err != nil {
		return WriteOutcome{Status: WriteRejected, Detail: err.Error()}, err
	}
	return WriteOutcome{Status: WriteQueued, ActionID: queued.ID}, nil
}

// directEligible reports whether the connection is good enough to try the
// remote call inline. Poor connections go straight to the queue: a write that
// may or may not have landed is worse than one that is explicitly pending.
func (c *Client) directEligible() bool {
	switch c.opts.Monitor.Quality() {
	case QualityGood, QualityExcellent:
		return true
	default:
		return false
	}
}

// Groups returns the cached list of all open groups.
func (c *Client) Groups() (Snapshot, error) {
	return c.read("groups")
}

// MyGroups returns the cached list of groups the user belongs to.
func (c *Client) MyGroups() (Snapshot, error) {
	return c.read("my-groups")
}

func (c *Client) Group(groupID string) (Snapshot, error) {
	if groupID == "" {
		return Snapshot{}, ErrInvalidInput
	}
	return c.read("group:" + groupID)
}

func (c *Client) Contributions(groupID string) (Snapshot, error) {
	if groupID == "" {
		return Snapshot{}, ErrInvalidInput
	}
	return c.read("contributions:" + groupID)
}

// read serves the cached snapshot and, when online, kicks off a background
// refresh. It never blocks the caller on the network.
func (c *Client) read(key string) (Snapshot, error) {
	entry, err := c.opts.Cache.Get(key)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			if !c.opts.Monitor.Online() {
				return Snapshot{}, ErrNoCachedData
			}
			c.requestSync()
			return Snapshot{}, ErrNoCachedData
		}
		return Snapshot{}, err
	}
	if c.opts.Monitor.Online() {
		c.requestSync()
	}
	return Snapshot{
		Payload:   entry.Payload,
		FetchedAt: entry.FetchedAt,
		Version:   entry.Version,
		Stale:     time.Since(entry.FetchedAt) > c.opts.StaleAfter,
	}, nil
}

func (c *Client) requestSync() {
	if c.opts.Orchestrator != nil {
		c.opts.Orchestrator.RequestSync()
	}
}

// PendingActionCount is the number the UI badges: actions not yet confirmed
// by the remote service.
func (c *Client) PendingActionCount() (int, error) {
	return c.opts.Queue.PendingCount()
}

// Actions lists the whole queue, newest state included, for the pending
// actions screen.
func (c *Client) Actions() ([]OfflineAction, error) {
	return c.opts.Queue.List()
}

func (c *Client) Action(id string) (OfflineAction, error) {
	return c.opts.Queue.Get(id)
}

// Dismiss removes a terminal failed or conflicted action once the user has
// reviewed it.
func (c *Client) Dismiss(id string) error {
	return c.opts.Queue.Dismiss(id)
}

// Retry gives a failed action a fresh delivery budget and triggers a cycle.
func (c *Client) Retry(id string) (OfflineAction, error) {
	action, err := c.opts.Queue.Retry(id)
	if err != nil {
		return OfflineAction{}, err
	}
	if c.opts.Monitor.Online() {
		c.requestSync()
	}
	return action, nil
}

// ForceSync runs a cycle now and waits for its result.
func (c *Client) ForceSync(ctx context.Context) (SyncResult, error) {
	if c.opts.Orchestrator == nil {
		return SyncResult{}, ErrNotImplemented
	}
	return c.opts.Orchestrator.Sync(ctx)
}

// Subscribe relays cycle results to the UI.
func (c *Client) Subscribe(fn func(SyncResult)) func() {
	if c.opts.Orchestrator == nil {
		return func() {}
	}
	return c.opts.Orchestrator.Subscribe(fn)
}

// Quality exposes the current connectivity tier for the status bar.
func (c *Client) Quality() Quality {
	return c.opts.Monitor.Quality()
}

// Metadata exposes last-sync bookkeeping for the status bar.
func (c *Client) Metadata() (SyncMetadata, error) {
	return c.opts.Cache.Metadata()
}

package offsync

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/tontinelabs/offsync/internal/metrics"
	"github.com/tontinelabs/offsync/internal/remote"
)

const (
	DefaultMaxRetries      = 5
	DefaultSyncInterval    = 2 * time.Minute
	defaultRecoveryDelay   = 2 * time.Second
	defaultRetentionWindow = 7 * 24 * time.Hour
	defaultCacheMaxAge     = 30 * 24 * time.Hour
	defaultCallTimeout     = 15 * time.Second
)

type OrchestratorOptions struct {
	Queue   ActionStore
	Cache   SnapshotStore
	Monitor NetworkMonitor
	Remote  remote.API
	Logger  *slog.Logger
	Metrics *metrics.Metrics

	// MaxRetries bounds automatic redelivery of a failed action; at the
	// limit the action stays failed until the user retries or dismisses it.
	MaxRetries   int
	SyncInterval time.Duration
	// RecoveryDelay is how long a freshly recovered connection must hold
	// before the recovery-triggered cycle fires. Flapping links on poor
	// networks would otherwise trigger a cycle per flap.
	RecoveryDelay time.Duration
	// RetentionWindow bounds how long synced actions stay around for
	// inspection before the end-of-cycle sweep deletes them.
	RetentionWindow time.Duration
	CacheMaxAge     time.Duration
	// CallTimeout bounds each individual remote call inside a cycle, not
	// the cycle as a whole.
	CallTimeout time.Duration
	BackoffBase time.Duration
	BackoffMax  time.Duration
}

// Orchestrator runs the sync cycle: flush the action queue in order, refresh
// read snapshots, sweep expired rows, bump metadata, notify subscribers. At
// most one cycle runs at a time; concurrent requests share the running
// cycle's result.
type Orchestrator struct {
	opts   OrchestratorOptions
	logger *slog.Logger

	group singleflight.Group
	subs  subscribers[SyncResult]

	runCtx    context.Context
	runCancel context.CancelFunc
	started   bool
	unsub     func()
}

func NewOrchestrator(opts OrchestratorOptions) (*Orchestrator, error) {
	if opts.Queue == nil || opts.Cache == nil || opts.Monitor == nil || opts.Remote == nil {
		return nil, ErrInvalidInput
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = DefaultMaxRetries
	}
	if opts.SyncInterval <= 0 {
		opts.SyncInterval = DefaultSyncInterval
	}
	if opts.RecoveryDelay <= 0 {
		opts.RecoveryDelay = defaultRecoveryDelay
	}
	if opts.RetentionWindow <= 0 {
		opts.RetentionWindow = defaultRetentionWindow
	}
	if opts.CacheMaxAge <= 0 {
		opts.CacheMaxAge = defaultCacheMaxAge
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = defaultCallTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	runCtx, runCancel := context.WithCancel(context.Background())
	return &Orchestrator{
		opts:      opts,
		logger:    logger,
		runCtx:    runCtx,
		runCancel: runCancel,
	}, nil
}

// Subscribe registers a callback invoked after every completed cycle.
func (o *Orchestrator) Subscribe(fn func(SyncResult)) func() {
	return o.subs.add(fn)
}

// Start launches background triggering: a periodic cycle while online, plus
// an immediate (debounced) cycle whenever connectivity recovers from offline.
func (o *Orchestrator) Start() {
	if o.started {
		return
	}
	o.started = true

	var wasOffline atomic.Bool
	wasOffline.Store(!o.opts.Monitor.Online())
	o.unsub = o.opts.Monitor.Subscribe(func(q Quality) {
		if !q.Online() {
			wasOffline.Store(true)
			return
		}
		if !wasOffline.CompareAndSwap(true, false) {
			return
		}
		go func() {
			timer := time.NewTimer(o.opts.RecoveryDelay)
			defer timer.Stop()
			select {
			case <-o.runCtx.Done():
				return
			case <-timer.C:
			}
			if !o.opts.Monitor.Online() {
				return
			}
			o.logger.Info("connectivity recovered, starting sync cycle")
			if _, err := o.Sync(o.runCtx); err != nil {
				o.logger.Warn("recovery sync failed", "err", err)
			}
		}()
	})

	go func() {
		ticker := time.NewTicker(o.opts.SyncInterval)
		defer ticker.Stop()
		for {
			select {
			case <-o.runCtx.Done():
				return
			case <-ticker.C:
				if !o.opts.Monitor.Online() {
					continue
				}
				if _, err := o.Sync(o.runCtx); err != nil {
					o.logger.Warn("periodic sync failed", "err", err)
				}
			}
		}
	}()
}

// RequestSync triggers a cycle without waiting for its result. Offline
// refusals are expected and logged at debug only.
func (o *Orchestrator) RequestSync() {
	go func() {
		if _, err := o.Sync(o.runCtx); err != nil {
			o.logger.Debug("requested sync not run", "err", err)
		}
	}()
}

func (o *Orchestrator) Close() error {
	o.runCancel()
	if o.unsub != nil {
		o.unsub()
	}
	return nil
}

// Sync runs one full cycle, or joins the one already in flight. While
// offline it refuses with ErrOffline rather than burning the retry budget of
// queued actions on guaranteed failures.
func (o *Orchestrator) Sync(ctx context.Context) (SyncResult, error) {
	if !o.opts.Monitor.Online() {
		return SyncResult{}, ErrOffline
	}
	value, err, shared := o.group.Do("cycle", func() (any, error) {
		return o.runCycle(ctx), nil
	})
	if err != nil {
		return SyncResult{}, err
	}
	result := value.(SyncResult)
	result.Coalesced = shared
	return result, nil
}

func (o *Orchestrator) runCycle(ctx context.Context) SyncResult {
	result := SyncResult{StartedAt: time.Now().UTC()}

	o.flushQueue(ctx, &result)
	o.refreshCache(ctx, &result)
	o.sweep()
	o.bumpMetadata()

	result.FinishedAt = time.Now().UTC()
	o.observeCycle(result)
	o.logger.Info("sync cycle finished",
		"attempted", result.Attempted,
		"synced", result.Synced,
		"failed", result.Failed,
		"conflicts", len(result.Conflicts),
		"refreshErrors", len(result.RefreshErrors),
		"duration", result.FinishedAt.Sub(result.StartedAt),
	)
	o.subs.notify(result)
	return result
}

// flushQueue delivers eligible actions oldest-first. One action's failure
// never blocks the actions behind it.
func (o *Orchestrator) flushQueue(ctx context.Context, result *SyncResult) {
	pending, err := o.opts.Queue.ListPending(o.opts.MaxRetries)
	if err != nil {
		o.logger.Error("cannot list pending actions", "err", err)
		return
	}
	now := time.Now().UTC()
	for _, action := range pending {
		if ctx.Err() != nil {
			return
		}
		if !retryDue(action, now, o.opts.BackoffBase, o.opts.BackoffMax) {
			continue
		}
		result.Attempted++
		o.deliver(ctx, action, result)
	}
}

func (o *Orchestrator) deliver(ctx context.Context, action OfflineAction, result *SyncResult) {
	if _, err := o.opts.Queue.MarkStatus(action.ID, StatusSyncing, ""); err != nil {
		o.logger.Error("cannot mark action syncing", "action", action.ID, "err", err)
		return
	}

	callCtx, cancel := context.WithTimeout(ctx, o.opts.CallTimeout)
	err := o.opts.Remote.Mutate(callCtx, remote.MutationCall{
		Kind:           string(action.Kind),
		Payload:        action.Payload,
		IdempotencyKey: action.ID,
		LoggedAt:       action.CreatedAt,
	})
	cancel()

	switch {
	case err == nil:
		if _, markErr := o.opts.Queue.MarkStatus(action.ID, StatusSynced, ""); markErr != nil {
			o.logger.Error("cannot mark action synced", "action", action.ID, "err", markErr)
			return
		}
		result.Synced++
		o.observeAction(action.Kind, "synced")

	case remote.IsDuplicate(err):
		// Terminal. The remote effect exists but may not match this
		// payload, so surface it instead of pretending success.
		marked, markErr := o.opts.Queue.MarkStatus(action.ID, StatusConflict, err.Error())
		if markErr != nil {
			o.logger.Error("cannot mark action conflict", "action", action.ID, "err", markErr)
			return
		}
		result.Conflicts = append(result.Conflicts, marked)
		o.observeAction(action.Kind, "conflict")
		o.logger.Warn("action conflicted", "action", action.ID, "kind", string(action.Kind), "err", err)

	case remote.IsPermanent(err):
		if _, markErr := o.opts.Queue.ExhaustRetries(action.ID, err.Error()); markErr != nil {
			o.logger.Error("cannot exhaust action retries", "action", action.ID, "err", markErr)
			return
		}
		result.Failed++
		o.observeAction(action.Kind, "rejected")
		o.logger.Warn("action rejected by remote", "action", action.ID, "kind", string(action.Kind), "err", err)

	default:
		marked, markErr := o.opts.Queue.MarkStatus(action.ID, StatusFailed, err.Error())
		if markErr != nil {
			o.logger.Error("cannot mark action failed", "action", action.ID, "err", markErr)
			return
		}
		result.Failed++
		o.observeAction(action.Kind, "failed")
		o.logger.Warn("action delivery failed",
			"action", action.ID,
			"kind", string(action.Kind),
			"retryCount", marked.RetryCount,
			"err", err,
		)
	}
}

// Resource keys the cycle always refreshes. Per-group keys are derived from
// the my-groups snapshot below.
var baseRefreshes = []struct {
	resource string
	key      string
}{
	{"groups", "groups"},
	{"groups/mine", "my-groups"},
}

func (o *Orchestrator) refreshCache(ctx context.Context, result *SyncResult) {
	for _, r := range baseRefreshes {
		o.refreshOne(ctx, r.resource, r.key, result)
	}
	for _, groupID := range o.memberGroupIDs() {
		o.refreshOne(ctx, "groups/"+groupID, "group:"+groupID, result)
		o.refreshOne(ctx, "groups/"+groupID+"/contributions", "contributions:"+groupID, result)
	}
}

func (o *Orchestrator) refreshOne(ctx context.Context, resource, key string, result *SyncResult) {
	if ctx.Err() != nil {
		return
	}
	callCtx, cancel := context.WithTimeout(ctx, o.opts.CallTimeout)
	payload, err := o.opts.Remote.Fetch(callCtx, resource)
	cancel()
	if err != nil {
		result.RefreshErrors = append(result.RefreshErrors, fmt.Sprintf("%s: %v", resource, err))
		if o.opts.Metrics != nil {
			o.opts.Metrics.RefreshErrorsTotal.Inc()
		}
		o.logger.Warn("snapshot refresh failed", "resource", resource, "err", err)
		return
	}
	if _, err := o.opts.Cache.Put(key, payload); err != nil {
		result.RefreshErrors = append(result.RefreshErrors, fmt.Sprintf("%s: store: %v", resource, err))
		o.logger.Error("cannot store snapshot", "key", key, "err", err)
	}
}

// memberGroupIDs extracts the ids of groups the user belongs to from the
// cached my-groups snapshot. A missing or unparseable snapshot just means no
// per-group refreshes this cycle.
func (o *Orchestrator) memberGroupIDs() []string {
	entry, err := o.opts.Cache.Get("my-groups")
	if err != nil {
		return nil
	}
	var groups []struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(entry.Payload, &groups); err != nil {
		var wrapped struct {
			Groups []struct {
				ID string `json:"id"`
			} `json:"groups"`
		}
		if err := json.Unmarshal(entry.Payload, &wrapped); err != nil {
			return nil
		}
		groups = wrapped.Groups
	}
	ids := make([]string, 0, len(groups))
	for _, g := range groups {
		if g.ID != "" {
			ids = append(ids, g.ID)
		}
	}
	return ids
}

func (o *Orchestrator) sweep() {
	if removed, err := o.opts.Queue.Sweep(o.opts.RetentionWindow); err != nil {
		o.logger.Error("action sweep failed", "err", err)
	} else if removed > 0 {
		o.logger.Info("swept synced actions", "removed", removed)
	}
	if removed, err := o.opts.Cache.Sweep(o.opts.CacheMaxAge); err != nil {
		o.logger.Error("snapshot sweep failed", "err", err)
	} else if removed > 0 {
		o.logger.Info("swept stale snapshots", "removed", removed)
	}
}

func (o *Orchestrator) bumpMetadata() {
	meta, err := o.opts.Cache.Metadata()
	if err != nil {
		o.logger.Error("cannot read sync metadata", "err", err)
		return
	}
	meta.LastSyncAt = time.Now().UTC()
	meta.CycleVersion++
	if err := o.opts.Cache.SetMetadata(meta); err != nil {
		o.logger.Error("cannot write sync metadata", "err", err)
	}
}

func (o *Orchestrator) observeCycle(result SyncResult) {
	if o.opts.Metrics == nil {
		return
	}
	outcome := "clean"
	if result.Failed > 0 || len(result.Conflicts) > 0 || len(result.RefreshErrors) > 0 {
		outcome = "degraded"
	}
	o.opts.Metrics.SyncCyclesTotal.WithLabelValues(outcome).Inc()
	o.opts.Metrics.CycleDuration.Observe(result.FinishedAt.Sub(result.StartedAt).Seconds())
	if count, err := o.opts.Queue.PendingCount(); err == nil {
		o.opts.Metrics.QueueDepth.Set(float64(count))
	}
}

func (o *Orchestrator) observeAction(kind ActionKind, outcome string) {
	if o.opts.Metrics == nil {
		return
	}
	o.opts.Metrics.ActionOutcomesTotal.WithLabelValues(string(kind), outcome).Inc()
}

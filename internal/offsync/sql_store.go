package offsync

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

const (
	sqlActionTableName   = "offsync_actions"
	sqlSnapshotTableName = "offsync_snapshots"
	sqlMetadataTableName = "offsync_metadata"
	sqlMetadataKey       = "default"
	sqlOperationTimeout  = 5 * time.Second
)

// sqlActionStore backs the action queue with any database/sql driver whose
// dialect accepts $N placeholders. Both the sqlite client target and the
// postgres server target go through this one implementation.
type sqlActionStore struct {
	driverName string
	dsn        string
	capacity   int

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewSQLiteActionStore(path string, capacity int) (ActionStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	return newSQLActionStore("sqlite", path, capacity), nil
}

func NewPostgresActionStore(dsn string, capacity int) (ActionStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	return newSQLActionStore("postgres", dsn, capacity), nil
}

func newSQLActionStore(driverName, dsn string, capacity int) *sqlActionStore {
	if capacity <= 0 {
		capacity = DefaultQueueCapacity
	}
	return &sqlActionStore{driverName: driverName, dsn: dsn, capacity: capacity}
}

func (s *sqlActionStore) ensureReady() error {
	s.initOnce.Do(func() {
		db, err := sql.Open(s.driverName, s.dsn)
		if err != nil {
			s.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), sqlOperationTimeout)
		defer cancel()
		query := fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				id TEXT PRIMARY KEY,
				kind TEXT NOT NULL,
				payload TEXT NOT NULL,
				status TEXT NOT NULL,
				retry_count BIGINT NOT NULL DEFAULT 0,
				created_at BIGINT NOT NULL,
				last_attempt_at BIGINT,
				last_error TEXT NOT NULL DEFAULT ''
			)`, sqlActionTableName)
		if _, err := db.ExecContext(ctx, query); err != nil {
			_ = db.Close()
			s.initErr = err
			return
		}
		s.db = db
	})
	return s.initErr
}

func (s *sqlActionStore) opCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), sqlOperationTimeout)
}

func (s *sqlActionStore) Enqueue(kind ActionKind, payload json.RawMessage) (OfflineAction, error) {
	return s.EnqueueWithID(newActionID(), kind, payload)
}

func (s *sqlActionStore) EnqueueWithID(id string, kind ActionKind, payload json.RawMessage) (OfflineAction, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return OfflineAction{}, ErrInvalidInput
	}
	if err := validateEnqueue(kind, payload); err != nil {
		return OfflineAction{}, err
	}
	if err := s.ensureReady(); err != nil {
		return OfflineAction{}, err
	}
	ctx, cancel := s.opCtx()
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return OfflineAction{}, err
	}
	defer func() { _ = tx.Rollback() }()

	var depth int
	countQuery := fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE status IN ('pending','syncing','failed')", sqlActionTableName)
	if err := tx.QueryRowContext(ctx, countQuery).Scan(&depth); err != nil {
		return OfflineAction{}, err
	}
	if depth >= s.capacity {
		return OfflineAction{}, ErrQueueFull
	}
	if _, err := s.getLocked(ctx, tx, id); err == nil {
		return OfflineAction{}, ErrInvalidState
	} else if !errors.Is(err, ErrNotFound) {
		return OfflineAction{}, err
	}

	action := OfflineAction{
		ID:        id,
		Kind:      kind,
		Payload:   append(json.RawMessage(nil), payload...),
		Status:    StatusPending,
		CreatedAt: time.Now().UTC(),
	}
	insert := fmt.Sprintf(`
		INSERT INTO %s (id, kind, payload, status, retry_count, created_at, last_attempt_at, last_error)
		VALUES ($1, $2, $3, $4, 0, $5, NULL, '')`, sqlActionTableName)
	if _, err := tx.ExecContext(ctx, insert,
		action.ID, string(action.Kind), string(action.Payload), string(action.Status), action.CreatedAt.UnixNano()); err != nil {
		return OfflineAction{}, err
	}
	if err := tx.Commit(); err != nil {
		return OfflineAction{}, err
	}
	return action, nil
}

func (s *sqlActionStore) ListPending(maxRetries int) ([]OfflineAction, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := s.opCtx()
	defer cancel()
	query := fmt.Sprintf(`
		SELECT id, kind, payload, status, retry_count, created_at, last_attempt_at, last_error
		FROM %s
		WHERE status = 'pending' OR (status = 'failed' AND retry_count < $1)
		ORDER BY created_at ASC, id ASC`, sqlActionTableName)
	rows, err := s.db.QueryContext(ctx, query, maxRetries)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanActions(rows)
}

func (s *sqlActionStore) List() ([]OfflineAction, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := s.opCtx()
	defer cancel()
	query := fmt.Sprintf(`
		SELECT id, kind, payload, status, retry_count, created_at, last_attempt_at, last_error
		FROM %s ORDER BY created_at ASC, id ASC`, sqlActionTableName)
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanActions(rows)
}

func (s *sqlActionStore) Get(id string) (OfflineAction, error) {
	if err := s.ensureReady(); err != nil {
		return OfflineAction{}, err
	}
	ctx, cancel := s.opCtx()
	defer cancel()
	return s.getLocked(ctx, s.db, id)
}

type sqlQuerier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *sqlActionStore) getLocked(ctx context.Context, q sqlQuerier, id string) (OfflineAction, error) {
	query := fmt.Sprintf(`
		SELECT id, kind, payload, status, retry_count, created_at, last_attempt_at, last_error
		FROM %s WHERE id = $1`, sqlActionTableName)
	action, err := scanAction(q.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return OfflineAction{}, ErrNotFound
	}
	return action, err
}

func (s *sqlActionStore) MarkStatus(id string, status ActionStatus, lastErr string) (OfflineAction, error) {
	if err := s.ensureReady(); err != nil {
		return OfflineAction{}, err
	}
	ctx, cancel := s.opCtx()
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return OfflineAction{}, err
	}
	defer func() { _ = tx.Rollback() }()

	action, err := s.getLocked(ctx, tx, id)
	if err != nil {
		return OfflineAction{}, err
	}
	applyTransition(&action, status, lastErr)

	var lastAttempt any
	if action.LastAttemptAt != nil {
		lastAttempt = action.LastAttemptAt.UnixNano()
	}
	update := fmt.Sprintf(`
		UPDATE %s SET status = $1, retry_count = $2, last_attempt_at = $3, last_error = $4
		WHERE id = $5`, sqlActionTableName)
	if _, err := tx.ExecContext(ctx, update,
		string(action.Status), action.RetryCount, lastAttempt, action.LastError, id); err != nil {
		return OfflineAction{}, err
	}
	if err := tx.Commit(); err != nil {
		return OfflineAction{}, err
	}
	return action, nil
}

func (s *sqlActionStore) ExhaustRetries(id string, lastErr string) (OfflineAction, error) {
	if err := s.ensureReady(); err != nil {
		return OfflineAction{}, err
	}
	ctx, cancel := s.opCtx()
	defer cancel()
	action, err := s.getLocked(ctx, s.db, id)
	if err != nil {
		return OfflineAction{}, err
	}
	applyExhaust(&action, lastErr)
	update := fmt.Sprintf(`
		UPDATE %s SET status = $1, retry_count = $2, last_attempt_at = $3, last_error = $4
		WHERE id = $5`, sqlActionTableName)
	if _, err := s.db.ExecContext(ctx, update,
		string(action.Status), action.RetryCount, action.LastAttemptAt.UnixNano(), action.LastError, id); err != nil {
		return OfflineAction{}, err
	}
	return action, nil
}

func (s *sqlActionStore) Dismiss(id string) error {
	if err := s.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := s.opCtx()
	defer cancel()
	action, err := s.getLocked(ctx, s.db, id)
	if err != nil {
		return err
	}
	if !dismissable(action.Status) {
		return ErrInvalidState
	}
	del := fmt.Sprintf("DELETE FROM %s WHERE id = $1 AND status IN ('failed','conflict')", sqlActionTableName)
	_, err = s.db.ExecContext(ctx, del, id)
	return err
}

func (s *sqlActionStore) Retry(id string) (OfflineAction, error) {
	if err := s.ensureReady(); err != nil {
		return OfflineAction{}, err
	}
	ctx, cancel := s.opCtx()
	defer cancel()
	action, err := s.getLocked(ctx, s.db, id)
	if err != nil {
		return OfflineAction{}, err
	}
	if action.Status != StatusFailed {
		return OfflineAction{}, ErrInvalidState
	}
	resetForRetry(&action)
	update := fmt.Sprintf(`
		UPDATE %s SET status = 'pending', retry_count = 0, last_error = ''
		WHERE id = $1 AND status = 'failed'`, sqlActionTableName)
	if _, err := s.db.ExecContext(ctx, update, id); err != nil {
		return OfflineAction{}, err
	}
	return action, nil
}

func (s *sqlActionStore) Sweep(maxAge time.Duration) (int, error) {
	if err := s.ensureReady(); err != nil {
		return 0, err
	}
	ctx, cancel := s.opCtx()
	defer cancel()
	cutoff := time.Now().UTC().Add(-maxAge).UnixNano()
	del := fmt.Sprintf("DELETE FROM %s WHERE status = 'synced' AND created_at < $1", sqlActionTableName)
	res, err := s.db.ExecContext(ctx, del, cutoff)
	if err != nil {
		return 0, err
	}
	removed, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(removed), nil
}

func (s *sqlActionStore) PendingCount() (int, error) {
	if err := s.ensureReady(); err != nil {
		return 0, err
	}
	ctx, cancel := s.opCtx()
	defer cancel()
	query := fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE status IN ('pending','syncing','failed')", sqlActionTableName)
	var count int
	if err := s.db.QueryRowContext(ctx, query).Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}

func (s *sqlActionStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAction(row rowScanner) (OfflineAction, error) {
	var (
		action      OfflineAction
		kind        string
		payload     string
		status      string
		createdAt   int64
		lastAttempt sql.NullInt64
	)
	err := row.Scan(&action.ID, &kind, &payload, &status, &action.RetryCount, &createdAt, &lastAttempt, &action.LastError)
	if err != nil {
		return OfflineAction{}, err
	}
	action.Kind = ActionKind(kind)
	action.Payload = json.RawMessage(payload)
	action.Status = ActionStatus(status)
	action.CreatedAt = time.Unix(0, createdAt).UTC()
	if lastAttempt.Valid {
		t := time.Unix(0, lastAttempt.Int64).UTC()
		action.LastAttemptAt = &t
	}
	return action, nil
}

func scanActions(rows *sql.Rows) ([]OfflineAction, error) {
	out := []OfflineAction{}
	for rows.Next() {
		action, err := scanAction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, action)
	}
	return out, rows.Err()
}

// sqlSnapshotStore carries both the cache entries and the sync metadata row.
type sqlSnapshotStore struct {
	driverName string
	dsn        string

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewSQLiteSnapshotStore(path string) (SnapshotStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	return &sqlSnapshotStore{driverName: "sqlite", dsn: path}, nil
}

func NewPostgresSnapshotStore(dsn string) (SnapshotStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	return &sqlSnapshotStore{driverName: "postgres", dsn: dsn}, nil
}

func (s *sqlSnapshotStore) ensureReady() error {
	s.initOnce.Do(func() {
		db, err := sql.Open(s.driverName, s.dsn)
		if err != nil {
			s.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), sqlOperationTimeout)
		defer cancel()
		entries := fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				cache_key TEXT PRIMARY KEY,
				payload TEXT NOT NULL,
				fetched_at BIGINT NOT NULL,
				version BIGINT NOT NULL
			)`, sqlSnapshotTableName)
		meta := fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				meta_key TEXT PRIMARY KEY,
				last_sync_at BIGINT NOT NULL,
				cycle_version BIGINT NOT NULL
			)`, sqlMetadataTableName)
		for _, query := range []string{entries, meta} {
			if _, err := db.ExecContext(ctx, query); err != nil {
				_ = db.Close()
				s.initErr = err
				return
			}
		}
		s.db = db
	})
	return s.initErr
}

func (s *sqlSnapshotStore) opCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), sqlOperationTimeout)
}

func (s *sqlSnapshotStore) Get(key string) (CacheEntry, error) {
	if err := s.ensureReady(); err != nil {
		return CacheEntry{}, err
	}
	ctx, cancel := s.opCtx()
	defer cancel()
	query := fmt.Sprintf("SELECT cache_key, payload, fetched_at, version FROM %s WHERE cache_key = $1", sqlSnapshotTableName)
	var (
		entry     CacheEntry
		payload   string
		fetchedAt int64
	)
	err := s.db.QueryRowContext(ctx, query, key).Scan(&entry.Key, &payload, &fetchedAt, &entry.Version)
	if errors.Is(err, sql.ErrNoRows) {
		return CacheEntry{}, ErrNotFound
	}
	if err != nil {
		return CacheEntry{}, err
	}
	entry.Payload = json.RawMessage(payload)
	entry.FetchedAt = time.Unix(0, fetchedAt).UTC()
	return entry, nil
}

func (s *sqlSnapshotStore) Put(key string, payload json.RawMessage) (CacheEntry, error) {
	if strings.TrimSpace(key) == "" || !json.Valid(payload) {
		return CacheEntry{}, ErrInvalidInput
	}
	if err := s.ensureReady(); err != nil {
		return CacheEntry{}, err
	}
	ctx, cancel := s.opCtx()
	defer cancel()
	now := time.Now().UTC()
	upsert := fmt.Sprintf(`
		INSERT INTO %s (cache_key, payload, fetched_at, version)
		VALUES ($1, $2, $3, 1)
		ON CONFLICT (cache_key)
		DO UPDATE SET payload = EXCLUDED.payload, fetched_at = EXCLUDED.fetched_at, version = %s.version + 1`,
		sqlSnapshotTableName, sqlSnapshotTableName)
	if _, err := s.db.ExecContext(ctx, upsert, key, string(payload), now.UnixNano()); err != nil {
		return CacheEntry{}, err
	}
	return s.Get(key)
}

func (s *sqlSnapshotStore) Keys() ([]string, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := s.opCtx()
	defer cancel()
	query := fmt.Sprintf("SELECT cache_key FROM %s ORDER BY cache_key ASC", sqlSnapshotTableName)
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	keys := []string{}
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

func (s *sqlSnapshotStore) Sweep(maxAge time.Duration) (int, error) {
	if err := s.ensureReady(); err != nil {
		return 0, err
	}
	ctx, cancel := s.opCtx()
	defer cancel()
	cutoff := time.Now().UTC().Add(-maxAge).UnixNano()
	del := fmt.Sprintf("DELETE FROM %s WHERE fetched_at < $1", sqlSnapshotTableName)
	res, err := s.db.ExecContext(ctx, del, cutoff)
	if err != nil {
		return 0, err
	}
	removed, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(removed), nil
}

func (s *sqlSnapshotStore) Metadata() (SyncMetadata, error) {
	if err := s.ensureReady(); err != nil {
		return SyncMetadata{}, err
	}
	ctx, cancel := s.opCtx()
	defer cancel()
	query := fmt.Sprintf("SELECT last_sync_at, cycle_version FROM %s WHERE meta_key = $1", sqlMetadataTableName)
	var lastSync int64
	var meta SyncMetadata
	err := s.db.QueryRowContext(ctx, query, sqlMetadataKey).Scan(&lastSync, &meta.CycleVersion)
	if errors.Is(err, sql.ErrNoRows) {
		return SyncMetadata{}, nil
	}
	if err != nil {
		return SyncMetadata{}, err
	}
	meta.LastSyncAt = time.Unix(0, lastSync).UTC()
	return meta, nil
}

func (s *sqlSnapshotStore) SetMetadata(meta SyncMetadata) error {
	if err := s.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := s.opCtx()
	defer cancel()
	upsert := fmt.Sprintf(`
		INSERT INTO %s (meta_key, last_sync_at, cycle_version)
		VALUES ($1, $2, $3)
		ON CONFLICT (meta_key)
		DO UPDATE SET last_sync_at = EXCLUDED.last_sync_at, cycle_version = EXCLUDED.cycle_version`,
		sqlMetadataTableName)
	_, err := s.db.ExecContext(ctx, upsert, sqlMetadataKey, meta.LastSyncAt.UnixNano(), meta.CycleVersion)
	return err
}

func (s *sqlSnapshotStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

package modelcache

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// Store is the durable, keyed persistence layer. It holds four
// independent collections: artifact blobs + metadata, in-progress
// download checkpoints, encrypted user records, and manifest
// snapshots. The store exclusively owns all persisted bytes.
//
// All implementations must make PutArtifact atomic: readers never
// observe a half-written blob. Writes that would exceed the configured
// quota fail with ErrQuotaExceeded, distinct from generic ErrStorage
// failures, so callers can abort a download instead of retrying.
type Store interface {
	// PutArtifact atomically overwrites any prior record for the
	// descriptor's id. Any staged download checkpoint for the same id
	// is dropped in the same transaction and its bytes credited against
	// the quota, so promoting a checkpointed payload to an artifact
	// never double-counts.
	PutArtifact(ctx context.Context, desc ArtifactDescriptor, blob []byte, verified bool) error

	// GetArtifactBlob returns the stored blob. Returns ErrNotFound if
	// no record exists.
	GetArtifactBlob(ctx context.Context, id string) ([]byte, error)

	// GetArtifactMeta returns the stored descriptor. Returns
	// ErrNotFound if no record exists.
	GetArtifactMeta(ctx context.Context, id string) (ArtifactDescriptor, error)

	// ListArtifacts returns the descriptors of all stored artifacts.
	ListArtifacts(ctx context.Context) ([]ArtifactDescriptor, error)

	// IsReady reports whether a record exists and is verified.
	IsReady(ctx context.Context, id string) (bool, error)

	// PutDownloadState durably checkpoints a download: the state row
	// is replaced and data is appended to the accumulated partial
	// payload in the same transaction.
	PutDownloadState(ctx context.Context, state DownloadState, data []byte) error

	// GetDownloadState returns the checkpoint for an artifact id.
	// Returns ErrNotFound if no download is in progress.
	GetDownloadState(ctx context.Context, id string) (DownloadState, error)

	// GetDownloadData returns the accumulated partial payload for an
	// artifact id. Returns ErrNotFound if no download is in progress.
	GetDownloadData(ctx context.Context, id string) ([]byte, error)

	// ClearDownloadState deletes the checkpoint and partial payload.
	// Clearing an absent checkpoint is not an error.
	ClearDownloadState(ctx context.Context, id string) error

	// PutEncryptedRecord stores a sealed user record.
	PutEncryptedRecord(ctx context.Context, id string, rec EncryptedRecord, createdAt time.Time) error

	// GetEncryptedRecord returns a sealed user record. Returns
	// ErrNotFound if absent.
	GetEncryptedRecord(ctx context.Context, id string) (EncryptedRecord, error)

	// ListEncryptedRecords returns record summaries ordered by
	// creation time descending.
	ListEncryptedRecords(ctx context.Context) ([]RecordInfo, error)

	// DeleteEncryptedRecord removes a sealed user record. Returns
	// ErrNotFound if absent.
	DeleteEncryptedRecord(ctx context.Context, id string) error

	// PutManifestSnapshot stores a manifest payload keyed by version.
	PutManifestSnapshot(ctx context.Context, version string, payload []byte) error

	// GetManifestSnapshot returns a stored manifest payload. Returns
	// ErrNotFound if absent.
	GetManifestSnapshot(ctx context.Context, version string) ([]byte, error)

	// EstimateUsage reports used bytes across all collections and the
	// configured quota.
	EstimateUsage(ctx context.Context) (StorageUsage, error)

	// Close releases the underlying storage handle.
	Close() error
}

// sqliteStore implements Store on a single SQLite database file.
type sqliteStore struct {
	// db is the shared connection pool.
	db *sql.DB

	// quotaBytes caps total stored bytes. Zero means unlimited.
	quotaBytes int64
}

// Ensure sqliteStore implements Store.
var _ Store = (*sqliteStore)(nil)

// NewSQLiteStore opens (creating if needed) the cache database at path.
// quotaBytes of zero disables quota enforcement.
func NewSQLiteStore(path string, quotaBytes int64) (Store, error) {
	dsn := "file:" + path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: opening database: %v", ErrStorage, err)
	}

	s := &sqliteStore{db: db, quotaBytes: quotaBytes}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// migrate creates the collection tables.
func (s *sqliteStore) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS artifacts (
		id TEXT PRIMARY KEY,
		meta TEXT NOT NULL,
		blob BLOB NOT NULL,
		verified INTEGER NOT NULL DEFAULT 0,
		stored_at TEXT NOT NULL
	);
	CREATE TABLE IF NOT EXISTS download_states (
		artifact_id TEXT PRIMARY KEY,
		state TEXT NOT NULL,
		payload BLOB NOT NULL
	);
	CREATE TABLE IF NOT EXISTS encrypted_records (
		id TEXT PRIMARY KEY,
		iv BLOB NOT NULL,
		salt BLOB NOT NULL,
		ciphertext BLOB NOT NULL,
		created_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_records_created_at
		ON encrypted_records(created_at DESC);
	CREATE TABLE IF NOT EXISTS manifests (
		version TEXT PRIMARY KEY,
		payload BLOB NOT NULL,
		stored_at TEXT NOT NULL
	);`
	if _, err := s.db.ExecContext(context.Background(), query); err != nil {
		return fmt.Errorf("%w: migrating schema: %v", ErrStorage, err)
	}
	return nil
}

// usedBytesTx sums stored bytes across all collections within tx.
func usedBytesTx(ctx context.Context, tx *sql.Tx) (int64, error) {
	query := `
	SELECT
		COALESCE((SELECT SUM(LENGTH(blob)) FROM artifacts), 0) +
		COALESCE((SELECT SUM(LENGTH(payload)) FROM download_states), 0) +
		COALESCE((SELECT SUM(LENGTH(iv) + LENGTH(salt) + LENGTH(ciphertext)) FROM encrypted_records), 0) +
		COALESCE((SELECT SUM(LENGTH(payload)) FROM manifests), 0)`
	var used int64
	if err := tx.QueryRowContext(ctx, query).Scan(&used); err != nil {
		return 0, fmt.Errorf("%w: computing usage: %v", ErrStorage, err)
	}
	return used, nil
}

// checkQuotaTx fails with ErrQuotaExceeded if writing delta more bytes
// (after freeing freed bytes) would exceed the quota.
func (s *sqliteStore) checkQuotaTx(ctx context.Context, tx *sql.Tx, delta, freed int64) error {
	if s.quotaBytes <= 0 {
		return nil
	}
	used, err := usedBytesTx(ctx, tx)
	if err != nil {
		return err
	}
	if used-freed+delta > s.quotaBytes {
		return fmt.Errorf("%w: %d used, %d requested, %d quota", ErrQuotaExceeded, used-freed, delta, s.quotaBytes)
	}
	return nil
}

func (s *sqliteStore) PutArtifact(ctx context.Context, desc ArtifactDescriptor, blob []byte, verified bool) error {
	meta, err := json.Marshal(desc)
	if err != nil {
		return fmt.Errorf("%w: marshaling descriptor: %v", ErrStorage, err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: beginning transaction: %v", ErrStorage, err)
	}
	defer tx.Rollback()

	// An overwrite frees the prior blob's bytes, and a staged download
	// payload for the same id is superseded by the blob it was staging.
	var prior int64
	err = tx.QueryRowContext(ctx, `SELECT LENGTH(blob) FROM artifacts WHERE id = ?`, desc.ID).Scan(&prior)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: checking prior blob: %v", ErrStorage, err)
	}
	var staged int64
	err = tx.QueryRowContext(ctx, `SELECT LENGTH(payload) FROM download_states WHERE artifact_id = ?`, desc.ID).Scan(&staged)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: checking staged payload: %v", ErrStorage, err)
	}
	if err := s.checkQuotaTx(ctx, tx, int64(len(blob)), prior+staged); err != nil {
		return err
	}

	v := 0
	if verified {
		v = 1
	}
	_, err = tx.ExecContext(ctx,
		`INSERT OR REPLACE INTO artifacts (id, meta, blob, verified, stored_at) VALUES (?, ?, ?, ?, ?)`,
		desc.ID, string(meta), blob, v, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("%w: writing artifact %s: %v", ErrStorage, desc.ID, err)
	}

	_, err = tx.ExecContext(ctx, `DELETE FROM download_states WHERE artifact_id = ?`, desc.ID)
	if err != nil {
		return fmt.Errorf("%w: dropping staged payload %s: %v", ErrStorage, desc.ID, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: committing artifact %s: %v", ErrStorage, desc.ID, err)
	}
	return nil
}

func (s *sqliteStore) GetArtifactBlob(ctx context.Context, id string) ([]byte, error) {
	var blob []byte
	err := s.db.QueryRowContext(ctx, `SELECT blob FROM artifacts WHERE id = ?`, id).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: artifact %q", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: reading artifact %s: %v", ErrStorage, id, err)
	}
	return blob, nil
}

func (s *sqliteStore) GetArtifactMeta(ctx context.Context, id string) (ArtifactDescriptor, error) {
	var meta string
	err := s.db.QueryRowContext(ctx, `SELECT meta FROM artifacts WHERE id = ?`, id).Scan(&meta)
	if errors.Is(err, sql.ErrNoRows) {
		return ArtifactDescriptor{}, fmt.Errorf("%w: artifact %q", ErrNotFound, id)
	}
	if err != nil {
		return ArtifactDescriptor{}, fmt.Errorf("%w: reading artifact meta %s: %v", ErrStorage, id, err)
	}

	var desc ArtifactDescriptor
	if err := json.Unmarshal([]byte(meta), &desc); err != nil {
		return ArtifactDescriptor{}, fmt.Errorf("%w: parsing artifact meta %s: %v", ErrStorage, id, err)
	}
	return desc, nil
}

func (s *sqliteStore) ListArtifacts(ctx context.Context) ([]ArtifactDescriptor, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT meta FROM artifacts ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("%w: listing artifacts: %v", ErrStorage, err)
	}
	defer rows.Close()

	var out []ArtifactDescriptor
	for rows.Next() {
		var meta string
		if err := rows.Scan(&meta); err != nil {
			return nil, fmt.Errorf("%w: scanning artifact: %v", ErrStorage, err)
		}
		var desc ArtifactDescriptor
		if err := json.Unmarshal([]byte(meta), &desc); err != nil {
			return nil, fmt.Errorf("%w: parsing artifact meta: %v", ErrStorage, err)
		}
		out = append(out, desc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: listing artifacts: %v", ErrStorage, err)
	}
	return out, nil
}

func (s *sqliteStore) IsReady(ctx context.Context, id string) (bool, error) {
	var verified int
	err := s.db.QueryRowContext(ctx, `SELECT verified FROM artifacts WHERE id = ?`, id).Scan(&verified)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("%w: checking artifact %s: %v", ErrStorage, id, err)
	}
	return verified == 1, nil
}

func (s *sqliteStore) PutDownloadState(ctx context.Context, state DownloadState, data []byte) error {
	encoded, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("%w: marshaling download state: %v", ErrStorage, err)
	}
	if data == nil {
		// A nil slice would bind as NULL and poison the appended payload.
		data = []byte{}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: beginning transaction: %v", ErrStorage, err)
	}
	defer tx.Rollback()

	if err := s.checkQuotaTx(ctx, tx, int64(len(data)), 0); err != nil {
		return err
	}

	// Upsert: the payload grows by appending; the state row is
	// replaced wholesale.
	res, err := tx.ExecContext(ctx,
		`UPDATE download_states SET state = ?, payload = payload || ? WHERE artifact_id = ?`,
		string(encoded), data, state.ArtifactID)
	if err != nil {
		return fmt.Errorf("%w: checkpointing download %s: %v", ErrStorage, state.ArtifactID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%w: checkpointing download %s: %v", ErrStorage, state.ArtifactID, err)
	}
	if affected == 0 {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO download_states (artifact_id, state, payload) VALUES (?, ?, ?)`,
			state.ArtifactID, string(encoded), data)
		if err != nil {
			return fmt.Errorf("%w: checkpointing download %s: %v", ErrStorage, state.ArtifactID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: committing checkpoint %s: %v", ErrStorage, state.ArtifactID, err)
	}
	return nil
}

func (s *sqliteStore) GetDownloadState(ctx context.Context, id string) (DownloadState, error) {
	var encoded string
	err := s.db.QueryRowContext(ctx, `SELECT state FROM download_states WHERE artifact_id = ?`, id).Scan(&encoded)
	if errors.Is(err, sql.ErrNoRows) {
		return DownloadState{}, fmt.Errorf("%w: download state %q", ErrNotFound, id)
	}
	if err != nil {
		return DownloadState{}, fmt.Errorf("%w: reading download state %s: %v", ErrStorage, id, err)
	}

	var state DownloadState
	if err := json.Unmarshal([]byte(encoded), &state); err != nil {
		return DownloadState{}, fmt.Errorf("%w: parsing download state %s: %v", ErrStorage, id, err)
	}
	return state, nil
}

func (s *sqliteStore) GetDownloadData(ctx context.Context, id string) ([]byte, error) {
	var payload []byte
	err := s.db.QueryRowContext(ctx, `SELECT payload FROM download_states WHERE artifact_id = ?`, id).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: download data %q", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: reading download data %s: %v", ErrStorage, id, err)
	}
	return payload, nil
}

func (s *sqliteStore) ClearDownloadState(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM download_states WHERE artifact_id = ?`, id); err != nil {
		return fmt.Errorf("%w: clearing download state %s: %v", ErrStorage, id, err)
	}
	return nil
}

func (s *sqliteStore) PutEncryptedRecord(ctx context.Context, id string, rec EncryptedRecord, createdAt time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: beginning transaction: %v", ErrStorage, err)
	}
	defer tx.Rollback()

	size := int64(len(rec.IV) + len(rec.Salt) + len(rec.Ciphertext))
	var prior int64
	err = tx.QueryRowContext(ctx,
		`SELECT LENGTH(iv) + LENGTH(salt) + LENGTH(ciphertext) FROM encrypted_records WHERE id = ?`, id).Scan(&prior)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: checking prior record: %v", ErrStorage, err)
	}
	if err := s.checkQuotaTx(ctx, tx, size, prior); err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx,
		`INSERT OR REPLACE INTO encrypted_records (id, iv, salt, ciphertext, created_at) VALUES (?, ?, ?, ?, ?)`,
		id, rec.IV, rec.Salt, rec.Ciphertext, createdAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("%w: writing record %s: %v", ErrStorage, id, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: committing record %s: %v", ErrStorage, id, err)
	}
	return nil
}

func (s *sqliteStore) GetEncryptedRecord(ctx context.Context, id string) (EncryptedRecord, error) {
	var rec EncryptedRecord
	err := s.db.QueryRowContext(ctx,
		`SELECT iv, salt, ciphertext FROM encrypted_records WHERE id = ?`, id).
		Scan(&rec.IV, &rec.Salt, &rec.Ciphertext)
	if errors.Is(err, sql.ErrNoRows) {
		return EncryptedRecord{}, fmt.Errorf("%w: record %q", ErrNotFound, id)
	}
	if err != nil {
		return EncryptedRecord{}, fmt.Errorf("%w: reading record %s: %v", ErrStorage, id, err)
	}
	return rec, nil
}

func (s *sqliteStore) ListEncryptedRecords(ctx context.Context) ([]RecordInfo, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, created_at, LENGTH(ciphertext) FROM encrypted_records ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("%w: listing records: %v", ErrStorage, err)
	}
	defer rows.Close()

	var out []RecordInfo
	for rows.Next() {
		var info RecordInfo
		var created string
		if err := rows.Scan(&info.ID, &created, &info.SizeBytes); err != nil {
			return nil, fmt.Errorf("%w: scanning record: %v", ErrStorage, err)
		}
		ts, err := time.Parse(time.RFC3339Nano, created)
		if err != nil {
			return nil, fmt.Errorf("%w: parsing record timestamp: %v", ErrStorage, err)
		}
		info.CreatedAt = ts
		out = append(out, info)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: listing records: %v", ErrStorage, err)
	}
	return out, nil
}

func (s *sqliteStore) DeleteEncryptedRecord(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM encrypted_records WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("%w: deleting record %s: %v", ErrStorage, id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%w: deleting record %s: %v", ErrStorage, id, err)
	}
	if affected == 0 {
		return fmt.Errorf("%w: record %q", ErrNotFound, id)
	}
	return nil
}

func (s *sqliteStore) PutManifestSnapshot(ctx context.Context, version string, payload []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO manifests (version, payload, stored_at) VALUES (?, ?, ?)`,
		version, payload, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("%w: writing manifest snapshot %s: %v", ErrStorage, version, err)
	}
	return nil
}

func (s *sqliteStore) GetManifestSnapshot(ctx context.Context, version string) ([]byte, error) {
	var payload []byte
	err := s.db.QueryRowContext(ctx, `SELECT payload FROM manifests WHERE version = ?`, version).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: manifest snapshot %q", ErrNotFound, version)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: reading manifest snapshot %s: %v", ErrStorage, version, err)
	}
	return payload, nil
}

func (s *sqliteStore) EstimateUsage(ctx context.Context) (StorageUsage, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return StorageUsage{}, fmt.Errorf("%w: beginning transaction: %v", ErrStorage, err)
	}
	defer tx.Rollback()

	used, err := usedBytesTx(ctx, tx)
	if err != nil {
		return StorageUsage{}, err
	}
	return StorageUsage{UsedBytes: used, QuotaBytes: s.quotaBytes}, nil
}

func (s *sqliteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("%w: closing database: %v", ErrStorage, err)
	}
	return nil
}

package store

import (
	"context"
	"database/sql"
	"time"
)

// SnapshotRecord is a persisted routing snapshot keyed by the configuration
// hash it was built from. SnapshotJSON is opaque here; the snapshot package
// owns its shape.
type SnapshotRecord struct {
	ConfigHash   string
	SnapshotJSON string
	UpdatedAt    time.Time
}

// SaveSnapshot upserts the snapshot for a configuration hash. The upsert is
// a single statement, so a rebuild replaces the prior row atomically.
func (s *Store) SaveSnapshot(ctx context.Context, configHash, snapshotJSON string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO snapshots (config_hash, snapshot_json, updated_at)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (config_hash) DO UPDATE SET
		   snapshot_json = EXCLUDED.snapshot_json,
		   updated_at = EXCLUDED.updated_at`,
		configHash, snapshotJSON, time.Now().UTC(),
	)
	if err != nil {
		return wrapIO("save snapshot "+configHash, err)
	}
	return nil
}

// LoadSnapshot returns the snapshot JSON for a configuration hash, or nil
// when absent.
func (s *Store) LoadSnapshot(ctx context.Context, configHash string) (*SnapshotRecord, error) {
	var r SnapshotRecord
	err := s.db.QueryRowContext(ctx,
		`SELECT config_hash, snapshot_json, updated_at FROM snapshots WHERE config_hash = $1`,
		configHash,
	).Scan(&r.ConfigHash, &r.SnapshotJSON, &r.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, wrapIO("load snapshot "+configHash, err)
	}
	return &r, nil
}

// DeleteSnapshot removes a snapshot row. Deleting an unknown hash is a no-op.
func (s *Store) DeleteSnapshot(ctx context.Context, configHash string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM snapshots WHERE config_hash = $1`, configHash)
	if err != nil {
		return wrapIO("delete snapshot "+configHash, err)
	}
	return nil
}

// ListSnapshots returns every persisted snapshot, for bundle GC and the
// admin surface.
func (s *Store) ListSnapshots(ctx context.Context) ([]SnapshotRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT config_hash, snapshot_json, updated_at FROM snapshots ORDER BY config_hash`)
	if err != nil {
		return nil, wrapIO("list snapshots", err)
	}
	defer rows.Close()

	var out []SnapshotRecord
	for rows.Next() {
		var r SnapshotRecord
		if err := rows.Scan(&r.ConfigHash, &r.SnapshotJSON, &r.UpdatedAt); err != nil {
			return nil, wrapIO("scan snapshot", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

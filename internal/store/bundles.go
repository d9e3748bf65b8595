package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// BundleRecord is a content-addressed service bundle. DataURL is the
// self-contained data URI the sandbox loads; BundleHash is the content hash
// of the bundled module text. Rows are immutable once written.
type BundleRecord struct {
	BundleHash string
	ServiceID  string
	Version    string
	DataURL    string
	UpdatedAt  time.Time
}

// SaveServiceBundle persists a bundle. Saving the same hash for the same
// service and version is a no-op; the same hash under a different identity
// is ErrHashCollision and must stop the caller.
func (s *Store) SaveServiceBundle(ctx context.Context, b BundleRecord) error {
	existing, err := s.GetServiceBundle(ctx, b.BundleHash)
	if err != nil {
		return err
	}
	if existing != nil {
		if existing.ServiceID != b.ServiceID || existing.Version != b.Version {
			return fmt.Errorf("bundle %s held by %s@%s, refusing write for %s@%s: %w",
				b.BundleHash, existing.ServiceID, existing.Version, b.ServiceID, b.Version, ErrHashCollision)
		}
		return nil
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO service_bundles (bundle_hash, service_id, version, data_url, updated_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (bundle_hash) DO NOTHING`,
		b.BundleHash, b.ServiceID, b.Version, b.DataURL, time.Now().UTC(),
	)
	if err != nil {
		return wrapIO("save bundle "+b.BundleHash, err)
	}
	return nil
}

// GetServiceBundle returns the bundle for a hash, or nil when absent.
func (s *Store) GetServiceBundle(ctx context.Context, bundleHash string) (*BundleRecord, error) {
	var r BundleRecord
	err := s.db.QueryRowContext(ctx,
		`SELECT bundle_hash, service_id, version, data_url, updated_at
		 FROM service_bundles WHERE bundle_hash = $1`,
		bundleHash,
	).Scan(&r.BundleHash, &r.ServiceID, &r.Version, &r.DataURL, &r.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, wrapIO("get bundle "+bundleHash, err)
	}
	return &r, nil
}

// ListAllBundleHashes returns every stored bundle hash.
func (s *Store) ListAllBundleHashes(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT bundle_hash FROM service_bundles ORDER BY bundle_hash`)
	if err != nil {
		return nil, wrapIO("list bundle hashes", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var h string
		if err := rows.Scan(&h); err != nil {
			return nil, wrapIO("scan bundle hash", err)
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

// ListBundles returns full bundle rows, newest first, for the admin surface.
func (s *Store) ListBundles(ctx context.Context) ([]BundleRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT bundle_hash, service_id, version, data_url, updated_at
		 FROM service_bundles ORDER BY updated_at DESC`)
	if err != nil {
		return nil, wrapIO("list bundles", err)
	}
	defer rows.Close()

	var out []BundleRecord
	for rows.Next() {
		var r BundleRecord
		if err := rows.Scan(&r.BundleHash, &r.ServiceID, &r.Version, &r.DataURL, &r.UpdatedAt); err != nil {
			return nil, wrapIO("scan bundle", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// DeleteServiceBundle removes a bundle row. Unknown hashes are a no-op.
func (s *Store) DeleteServiceBundle(ctx context.Context, bundleHash string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM service_bundles WHERE bundle_hash = $1`, bundleHash)
	if err != nil {
		return wrapIO("delete bundle "+bundleHash, err)
	}
	return nil
}

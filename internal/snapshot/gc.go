package snapshot

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/adhocore/gronx"
)

// GCResult reports what a bundle collection pass did.
type GCResult struct {
	Deleted []string `json:"deleted"`
	Kept    []string `json:"kept"`
}

// GCOrphanBundles deletes every bundle no live snapshot references. Treat as
// a stop-the-world admin operation: a build interleaving bundle writes with
// this scan could see its fresh bundle collected before its snapshot lands.
func (b *Builder) GCOrphanBundles(ctx context.Context) (*GCResult, error) {
	snaps, err := b.store.ListSnapshots(ctx)
	if err != nil {
		return nil, err
	}
	live := make(map[string]bool)
	for _, rec := range snaps {
		snap, err := Decode(rec.SnapshotJSON)
		if err != nil {
			// An unreadable snapshot may reference any bundle. Deleting
			// against a partial live set collects bundles still in use, so
			// the whole pass aborts.
			return nil, fmt.Errorf("snapshot %s undecodable, gc aborted: %w", shortHash(rec.ConfigHash), err)
		}
		for h := range snap.BundleHashes() {
			live[h] = true
		}
	}

	hashes, err := b.store.ListAllBundleHashes(ctx)
	if err != nil {
		return nil, err
	}

	res := &GCResult{Deleted: []string{}, Kept: []string{}}
	for _, h := range hashes {
		if live[h] {
			res.Kept = append(res.Kept, h)
			continue
		}
		if err := b.store.DeleteServiceBundle(ctx, h); err != nil {
			return nil, err
		}
		res.Deleted = append(res.Deleted, h)
	}
	sort.Strings(res.Deleted)
	sort.Strings(res.Kept)
	return res, nil
}

// RunScheduledGC evaluates a cron expression once a minute and collects
// orphan bundles when it is due. Errors are logged and swallowed.
func (b *Builder) RunScheduledGC(ctx context.Context, schedule string) {
	if schedule == "" {
		return
	}
	g := gronx.New()
	if !g.IsValid(schedule) {
		slog.Error("invalid gc schedule, scheduled gc disabled", "schedule", schedule)
		return
	}

	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			due, err := g.IsDue(schedule, now)
			if err != nil || !due {
				continue
			}
			res, err := b.GCOrphanBundles(ctx)
			if err != nil {
				slog.Error("scheduled bundle gc failed", "error", err)
				continue
			}
			slog.Info("scheduled bundle gc", "deleted", len(res.Deleted), "kept", len(res.Kept))
		}
	}
}

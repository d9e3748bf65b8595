package snapshot

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/nextlevelbuilder/hivebot/internal/bus"
	"github.com/nextlevelbuilder/hivebot/internal/sandbox"
	"github.com/nextlevelbuilder/hivebot/internal/store"
	"github.com/nextlevelbuilder/hivebot/pkg/sdk"
)

func currentSchemaVersion() int { return sdk.SchemaVersion }

// Builder turns chat configurations into routing snapshots, producing and
// caching service bundles along the way. Safe for concurrent use; builds
// for the same configuration hash are single-flighted.
type Builder struct {
	store       *store.Store
	sourcesRoot string
	events      bus.EventPublisher
	group       singleflight.Group
}

// NewBuilder wires a builder. events may be nil when nothing listens.
func NewBuilder(st *store.Store, sourcesRoot string, events bus.EventPublisher) *Builder {
	return &Builder{store: st, sourcesRoot: sourcesRoot, events: events}
}

// Build returns the routing snapshot for a chat, compiling it when the
// cached one is missing, stale, or force is set. A chat without a
// configuration gets the empty snapshot.
func (b *Builder) Build(ctx context.Context, chatID string, force bool) (*Snapshot, error) {
	rec, err := b.store.GetChatConfig(ctx, chatID)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return Empty(), nil
	}

	if !force {
		if cached, err := b.loadCached(ctx, rec.ConfigHash); err != nil {
			return nil, err
		} else if cached != nil {
			b.publish(chatID, cached, false, true, 0)
			return cached, nil
		}
	}

	// Concurrent builders for the same configuration share one build.
	v, err, _ := b.group.Do(rec.ConfigHash, func() (any, error) {
		start := time.Now()
		snap, err := b.compile(ctx, rec.ConfigJSON, rec.ConfigHash)
		if err != nil {
			return nil, err
		}
		encoded, err := snap.Encode()
		if err != nil {
			return nil, err
		}
		// Single-statement upsert: the prior snapshot row stays readable
		// until the new one lands.
		if err := b.store.SaveSnapshot(ctx, rec.ConfigHash, encoded); err != nil {
			return nil, err
		}
		b.publish(chatID, snap, force, false, time.Since(start).Milliseconds())
		slog.Info("snapshot built",
			"chat_id", chatID,
			"config_hash", shortHash(rec.ConfigHash),
			"commands", len(snap.Commands),
			"listeners", len(snap.Listeners),
			"forced", force,
		)
		return snap, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Snapshot), nil
}

// loadCached returns the persisted snapshot when it is still usable: same
// format version and same SDK schema version as this builder.
func (b *Builder) loadCached(ctx context.Context, configHash string) (*Snapshot, error) {
	rec, err := b.store.LoadSnapshot(ctx, configHash)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, nil
	}
	snap, err := Decode(rec.SnapshotJSON)
	if err != nil {
		// A corrupt row is treated as a cache miss and rebuilt over.
		slog.Warn("discarding undecodable snapshot", "config_hash", shortHash(configHash), "error", err)
		return nil, nil
	}
	if snap.Version != FormatVersion || snap.SDKSchemaVersion != currentSchemaVersion() {
		return nil, nil
	}
	return snap, nil
}

// compile runs the build algorithm over one configuration document.
func (b *Builder) compile(ctx context.Context, configJSON, configHash string) (*Snapshot, error) {
	doc, err := ParseDocument(configJSON)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrManifestInvalid, err)
	}

	snap := &Snapshot{
		Commands:         map[string]Route{},
		BuiltAt:          time.Now().UTC(),
		Version:          FormatVersion,
		SDKSchemaVersion: currentSchemaVersion(),
		ConfigHash:       configHash,
	}

	var sigParts []string
	for _, decl := range doc.Services {
		route, err := b.buildRoute(ctx, decl)
		if err != nil {
			return nil, err
		}
		sigParts = append(sigParts, route.BundleHash)

		switch decl.Kind {
		case sdk.KindListener:
			snap.Listeners = append(snap.Listeners, route)
		default:
			token := strings.ToLower(decl.Command)
			if prior, dup := snap.Commands[token]; dup {
				// First declaration wins; the loser is recorded, not routed.
				snap.Diagnostics = append(snap.Diagnostics, fmt.Sprintf(
					"%s %q: kept %s, dropped %s", ErrDuplicateCommand, token, prior.ServiceID, decl.ServiceID))
				continue
			}
			snap.Commands[token] = route
		}
	}

	snap.SourceSig = HashContent(strings.Join(sigParts, "\n"))
	snap.Integrity = snap.computeIntegrity()
	return snap, nil
}

// buildRoute bundles one service: read source, concatenate with the SDK
// runtime, hash, persist the bundle if new, and validate the manifest the
// bundle declares.
func (b *Builder) buildRoute(ctx context.Context, decl ServiceDecl) (Route, error) {
	if decl.ServiceID == "" || decl.Entry == "" {
		return Route{}, fmt.Errorf("%w: service declaration missing serviceId or entry", ErrManifestInvalid)
	}
	switch decl.Kind {
	case sdk.KindListener:
	case sdk.KindSingleCommand, sdk.KindCommandFlow:
		if decl.Command == "" {
			return Route{}, fmt.Errorf("%w: service %s: kind %s requires a command", ErrManifestInvalid, decl.ServiceID, decl.Kind)
		}
	default:
		return Route{}, fmt.Errorf("%w: service %s: unknown kind %q", ErrManifestInvalid, decl.ServiceID, decl.Kind)
	}

	source, err := b.readSource(decl.Entry)
	if err != nil {
		return Route{}, err
	}

	moduleText := sdk.RuntimeSource + "\n" + source
	bundleHash := HashContent(moduleText)

	manifest, err := sandbox.ProbeManifest(ctx, moduleText)
	if err != nil {
		return Route{}, fmt.Errorf("%w: service %s: %v", ErrManifestInvalid, decl.ServiceID, err)
	}
	if err := manifest.Validate(); err != nil {
		return Route{}, fmt.Errorf("%w: %v", ErrManifestInvalid, err)
	}
	if manifest.ID != decl.ServiceID {
		return Route{}, fmt.Errorf("%w: configuration names %s but bundle declares %s", ErrManifestInvalid, decl.ServiceID, manifest.ID)
	}
	if manifest.Kind != decl.Kind {
		return Route{}, fmt.Errorf("%w: service %s: configuration kind %s but bundle declares %s", ErrManifestInvalid, decl.ServiceID, decl.Kind, manifest.Kind)
	}

	err = b.store.SaveServiceBundle(ctx, store.BundleRecord{
		BundleHash: bundleHash,
		ServiceID:  manifest.ID,
		Version:    manifest.Version,
		DataURL:    sdk.EncodeDataURI(moduleText),
	})
	if err != nil {
		return Route{}, err
	}

	return Route{
		ServiceID:  decl.ServiceID,
		Kind:       decl.Kind,
		BundleHash: bundleHash,
		Config:     decl.Config,
		Datasets:   decl.Datasets,
		Net:        decl.Net,
		Meta: RouteMeta{
			ID:          manifest.ID,
			Command:     manifest.Command,
			Description: manifest.Description,
		},
	}, nil
}

// readSource resolves a logical entry path under the sources root. Entries
// may not escape the root.
func (b *Builder) readSource(entry string) (string, error) {
	clean := filepath.Clean(entry)
	if filepath.IsAbs(clean) || strings.HasPrefix(clean, "..") {
		return "", fmt.Errorf("%w: entry %q escapes sources root", ErrSourceIO, entry)
	}
	data, err := os.ReadFile(filepath.Join(b.sourcesRoot, clean))
	if err != nil {
		return "", fmt.Errorf("%w: %s: %v", ErrSourceIO, entry, err)
	}
	return string(data), nil
}

func (b *Builder) publish(chatID string, snap *Snapshot, forced, cacheHit bool, durationMs int64) {
	if b.events == nil {
		return
	}
	b.events.Broadcast(bus.Event{Name: bus.EventSnapshotBuilt, Payload: bus.SnapshotPayload{
		ChatID:     chatID,
		ConfigHash: shortHash(snap.ConfigHash),
		Commands:   len(snap.Commands),
		Listeners:  len(snap.Listeners),
		Forced:     forced,
		CacheHit:   cacheHit,
		DurationMs: durationMs,
	}})
}

func shortHash(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	return h
}

package snapshot

import (
	"context"
	"io/fs"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher force-rebuilds chat snapshots whose services reference a source
// file that changed on disk. This is not hot patching: a change produces a
// brand-new snapshot build, and in-flight dispatches keep their old bundles.
type Watcher struct {
	builder  *Builder
	root     string
	debounce time.Duration
}

// NewWatcher watches the builder's sources root.
func NewWatcher(b *Builder) *Watcher {
	return &Watcher{builder: b, root: filepath.Clean(b.sourcesRoot), debounce: 500 * time.Millisecond}
}

// Run blocks until ctx is cancelled, rebuilding affected snapshots as
// sources change. Watch errors are logged; the loop keeps going.
func (w *Watcher) Run(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fsw.Close()

	// fsnotify watches are per-directory and not recursive.
	addTree := func(root string) {
		filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil || !d.IsDir() {
				return nil
			}
			if err := fsw.Add(path); err != nil {
				slog.Warn("watch add failed", "dir", path, "error", err)
			}
			return nil
		})
	}
	addTree(w.root)
	slog.Info("watching service sources", "root", w.root)

	dirty := make(map[string]bool)
	var timer *time.Timer
	fire := make(chan struct{}, 1)

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			if ev.Op.Has(fsnotify.Create) {
				// New subdirectories need their own watch.
				addTree(ev.Name)
			}
			if !ev.Op.Has(fsnotify.Write) && !ev.Op.Has(fsnotify.Create) && !ev.Op.Has(fsnotify.Rename) {
				continue
			}
			rel, err := filepath.Rel(w.root, ev.Name)
			if err != nil || strings.HasPrefix(rel, "..") {
				continue
			}
			dirty[filepath.ToSlash(rel)] = true
			if timer == nil {
				timer = time.AfterFunc(w.debounce, func() {
					select {
					case fire <- struct{}{}:
					default:
					}
				})
			} else {
				timer.Reset(w.debounce)
			}
		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			slog.Warn("source watcher error", "error", err)
		case <-fire:
			changed := dirty
			dirty = make(map[string]bool)
			timer = nil
			w.rebuildAffected(ctx, changed)
		}
	}
}

// rebuildAffected finds every chat whose configuration names one of the
// changed entries and rebuilds its snapshot with force.
func (w *Watcher) rebuildAffected(ctx context.Context, changed map[string]bool) {
	configs, err := w.builder.store.ListChatConfigs(ctx)
	if err != nil {
		slog.Error("watcher could not list chat configs", "error", err)
		return
	}
	for _, rec := range configs {
		doc, err := ParseDocument(rec.ConfigJSON)
		if err != nil {
			continue
		}
		affected := false
		for _, svc := range doc.Services {
			if changed[filepath.ToSlash(filepath.Clean(svc.Entry))] {
				affected = true
				break
			}
		}
		if !affected {
			continue
		}
		if _, err := w.builder.Build(ctx, rec.ChatID, true); err != nil {
			slog.Error("watch rebuild failed", "chat_id", rec.ChatID, "error", err)
			continue
		}
		slog.Info("snapshot rebuilt after source change", "chat_id", rec.ChatID)
	}
}

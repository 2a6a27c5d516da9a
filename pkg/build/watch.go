package build

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watch delivers the project status to fn once immediately and again after
// every burst of changes in the runs directory, until ctx is done. Rapid
// changes are debounced into one delivery.
func (o *Orchestrator) Watch(ctx context.Context, ref string, fn func(*Status)) error {
	root, err := projectRoot(ref)
	if err != nil {
		return err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()

	watched := map[string]bool{}
	add := func(dir string) {
		if watched[dir] {
			return
		}
		if err := watcher.Add(dir); err != nil {
			o.logger.Debug("Cannot watch directory", "dir", dir, "error", err)
			return
		}
		watched[dir] = true
	}
	// The project root catches the runs directory being created.
	refresh := func() {
		add(root)
		runsDir, ok := runsDirFor(ref, root)
		if !ok {
			return
		}
		add(runsDir)
		entries, err := os.ReadDir(runsDir)
		if err != nil {
			return
		}
		for _, e := range entries {
			if e.IsDir() {
				add(filepath.Join(runsDir, e.Name()))
			}
		}
	}

	deliver := func() {
		status, err := DeriveStatus(ctx, ref)
		if err != nil {
			o.logger.Warn("Status derivation failed", "project", ref, "error", err)
			return
		}
		fn(status)
	}

	refresh()
	deliver()
	o.logger.Info("Build watcher started", "project", ref, "directories", len(watched))

	debounce := time.NewTimer(o.config.WatchDebounce)
	debounce.Stop()
	defer debounce.Stop()

	for {
		select {
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			o.logger.Debug("Build output event detected",
				"event", event.Op.String(),
				"file", event.Name)
			if event.Op&fsnotify.Create == fsnotify.Create {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					refresh()
				}
			}
			debounce.Reset(o.config.WatchDebounce)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			o.logger.Error("Build watcher error", "error", err)

		case <-debounce.C:
			refresh()
			deliver()

		case <-ctx.Done():
			o.logger.Info("Build watcher stopped", "project", ref)
			return nil
		}
	}
}

package runtime

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
)

// Watch invalidates loaded modules whenever files below the modules
// directory change, until ctx is cancelled.
func (r *StarlarkRuntime) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	r.watcher = watcher

	if err := r.watchDirectory(r.cfg.ModulesDir); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("failed to watch %s: %w", r.cfg.ModulesDir, err)
	}

	go r.processEvents(ctx)

	r.logger.Info().Str("dir", r.cfg.ModulesDir).Msg("Watching modules directory")
	return nil
}

func (r *StarlarkRuntime) watchDirectory(dir string) error {
	return filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return r.watcher.Add(path)
		}
		return nil
	})
}

func (r *StarlarkRuntime) processEvents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			_ = r.watcher.Close()
			return

		case event, ok := <-r.watcher.Events:
			if !ok {
				return
			}
			if event.Op&fsnotify.Create != 0 {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					_ = r.watchDirectory(event.Name)
				}
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}

			name := r.owningModule(event.Name)
			if name == "" {
				continue
			}
			r.logger.Debug().
				Str("module", name).
				Str("file", event.Name).
				Str("op", event.Op.String()).
				Msg("Module changed")
			r.Invalidate(name)

		case err, ok := <-r.watcher.Errors:
			if !ok {
				return
			}
			r.logger.Error().Err(err).Msg("Module watcher error")
		}
	}
}

// owningModule maps a changed file to the module directory containing it.
// Staging directories and their leftovers map to the module they replace.
func (r *StarlarkRuntime) owningModule(path string) string {
	rel, err := filepath.Rel(r.cfg.ModulesDir, path)
	if err != nil || !filepath.IsLocal(rel) {
		return ""
	}
	first, _, _ := strings.Cut(filepath.ToSlash(rel), "/")
	first = strings.TrimSuffix(first, ".old")
	if strings.HasPrefix(first, ".") {
		return ""
	}
	return first
}

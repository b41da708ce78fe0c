package permissions

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watch hot-reloads the grants file whenever it changes on disk, until ctx
// is done. The parent directory is watched rather than the file itself so
// editor rename-and-replace saves keep working. onChange, if set, runs
// after every reload attempt with its outcome.
func (p *Provider) Watch(ctx context.Context, debounce time.Duration, onChange func(error)) error {
	if p.path == "" {
		return fmt.Errorf("permissions: no grants file configured")
	}
	if debounce <= 0 {
		debounce = 200 * time.Millisecond
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	dir := filepath.Dir(p.path)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return fmt.Errorf("watch %s: %w", dir, err)
	}

	go func() {
		defer watcher.Close()

		target := filepath.Base(p.path)
		var pending time.Time
		ticker := time.NewTicker(50 * time.Millisecond)
		defer ticker.Stop()

		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Base(event.Name) != target {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
					pending = time.Now()
				}

			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				slog.Warn("grants watcher error", "error", err)

			case <-ticker.C:
				if pending.IsZero() || time.Since(pending) < debounce {
					continue
				}
				pending = time.Time{}
				err := p.reloadIfValid()
				if err != nil {
					slog.Warn("grants reload rejected, keeping previous grants",
						"path", p.path, "error", err)
				} else {
					slog.Info("grants reloaded", "path", p.path, "grants", p.GrantCount())
				}
				if onChange != nil {
					onChange(err)
				}

			case <-ctx.Done():
				return
			}
		}
	}()
	return nil
}

// reloadIfValid parses the file fully before swapping it in, so a half
// written save never clears live grants.
func (p *Provider) reloadIfValid() error {
	b, err := os.ReadFile(p.path)
	if err != nil {
		return fmt.Errorf("read grants file: %w", err)
	}
	snap, err := parse(b)
	if err != nil {
		return err
	}
	p.mu.Lock()
	p.snap = snap
	p.mu.Unlock()
	return nil
}

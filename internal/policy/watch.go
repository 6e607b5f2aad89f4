package policy

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Watch reloads the policy at path whenever it changes on disk and hands the
// new engine to onChange. Edits that fail to load or validate are logged and
// ignored, so the caller keeps serving the last good policy. Watching stops
// when ctx is cancelled.
func Watch(ctx context.Context, path string, logger *zap.Logger, onChange func(*Engine), opts ...Option) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create policy watcher: %w", err)
	}

	// Editors often replace files instead of writing them, so watch the
	// directory and filter by name.
	dir := filepath.Dir(path)
	name := filepath.Clean(path)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != name || !ev.Has(fsnotify.Write|fsnotify.Create) {
					continue
				}
				p, err := Load(path)
				if err != nil {
					logger.Warn("Policy reload rejected, keeping previous policy",
						zap.String("path", path), zap.Error(err))
					continue
				}
				engine, err := NewEngine(p, opts...)
				if err != nil {
					logger.Warn("Policy reload rejected, keeping previous policy",
						zap.String("path", path), zap.Error(err))
					continue
				}
				logger.Info("Policy reloaded",
					zap.String("path", path),
					zap.Int("rules", len(p.Rules)))
				onChange(engine)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Warn("Policy watcher error", zap.Error(err))
			}
		}
	}()
	return nil
}

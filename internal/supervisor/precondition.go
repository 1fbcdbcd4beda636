package supervisor

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/fsnotify.v1"
)

// pollInterval is used while the parent directory of a watched file does
// not exist yet and cannot be watched.
const pollInterval = time.Second

// WaitForFile blocks until path exists or ctx is done.
func WaitForFile(ctx context.Context, path string) error {
	if exists(path) {
		return nil
	}

	dir := filepath.Dir(filepath.Clean(path))
	for !exists(dir) {
		select {
		case <-ctx.Done():
			return fmt.Errorf("supervisor: waiting for %q: %w", path, ctx.Err())
		case <-time.After(pollInterval):
		}
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	if err := watcher.Add(dir); err != nil {
		return err
	}

	// The file may have appeared between the first check and Add.
	if exists(path) {
		return nil
	}

	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("supervisor: waiting for %q: %w", path, ctx.Err())

		case err := <-watcher.Errors:
			return fmt.Errorf("supervisor: watching %q: %w", dir, err)

		case ev := <-watcher.Events:
			if filepath.Clean(ev.Name) != filepath.Clean(path) {
				continue
			}
			if ev.Op&(fsnotify.Create|fsnotify.Rename|fsnotify.Write|fsnotify.Chmod) != 0 && exists(path) {
				return nil
			}
		}
	}
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

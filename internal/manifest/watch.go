package manifest

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Watch observes an image tree and invokes onChange after the tree has
// been quiet for the debounce interval. Publishing an image touches many
// files; debouncing coalesces the burst into one trigger.
//
// onChange runs on the watch goroutine, so at most one trigger is being
// handled at any time. Watch returns when ctx is cancelled or the watcher
// breaks.
func Watch(ctx context.Context, dir string, debounce time.Duration,
	onChange func(), logger *zap.Logger) error {

	if logger == nil {
		logger = zap.NewNop()
	}
	if debounce <= 0 {
		debounce = 2 * time.Second
	}

	if info, err := os.Stat(dir); err != nil || !info.IsDir() {
		return fmt.Errorf("image tree %q is not a directory", dir)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	addTree := func(root string) error {
		return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return nil // entries can vanish mid-walk during publishing
			}
			if !d.IsDir() {
				return nil
			}
			if strings.HasSuffix(d.Name(), storeExt) {
				return filepath.SkipDir
			}
			return watcher.Add(path)
		})
	}
	if err := addTree(dir); err != nil {
		return err
	}

	timer := time.NewTimer(debounce)
	if !timer.Stop() {
		<-timer.C
	}

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if ev.Op.Has(fsnotify.Create) {
				// New directories need their own watch; ignore failures,
				// the next full pass picks stragglers up.
				_ = addTree(ev.Name)
			}
			logger.Debug("image tree changed", zap.String("path", ev.Name))
			timer.Reset(debounce)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn("image tree watcher error", zap.Error(err))

		case <-timer.C:
			onChange()
		}
	}
}

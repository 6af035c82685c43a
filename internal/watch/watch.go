// Package watch triggers a batch run when new photos land under the root.
package watch

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"orthobatch/internal/fsutil"
)

// Watcher monitors the root and its immediate project folders. Once photo
// activity has been quiet for Settle, Submit is called with the root.
type Watcher struct {
	Root       string
	PhotoTypes []string
	Settle     time.Duration
	Submit     func(root string) error
	Logger     *slog.Logger
}

// Run blocks until ctx is done or the underlying watcher fails.
func (w *Watcher) Run(ctx context.Context) error {
	if w.Submit == nil {
		return errors.New("watch: no submit function")
	}
	logger := w.Logger
	if logger == nil {
		logger = slog.Default()
	}
	settle := w.Settle
	if settle <= 0 {
		settle = 30 * time.Second
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fw.Close()

	if err := fw.Add(w.Root); err != nil {
		return err
	}
	folders, err := fsutil.ListProjectFolders(w.Root)
	if err != nil {
		return err
	}
	for _, dir := range folders {
		if err := fw.Add(dir); err != nil {
			logger.Warn("cannot watch folder", "folder", dir, "error", err)
		}
	}
	logger.Info("watching for new photos", "root", w.Root, "folders", len(folders), "settle", settle)

	exts := fsutil.ExtensionSet(w.PhotoTypes)
	timer := time.NewTimer(settle)
	if !timer.Stop() {
		<-timer.C
	}
	pending := false

	for {
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil

		case event, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if !w.relevant(fw, event, exts, logger) {
				continue
			}
			logger.Debug("photo activity", "path", event.Name, "op", event.Op.String())
			timer.Reset(settle)
			pending = true

		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			logger.Error("filesystem watcher error", "error", err)

		case <-timer.C:
			if !pending {
				continue
			}
			pending = false
			logger.Info("photos settled, submitting run", "root", w.Root)
			if err := w.Submit(w.Root); err != nil {
				logger.Warn("submit run failed", "root", w.Root, "error", err)
			}
		}
	}
}

// relevant reports whether event should (re)arm the settle timer. New
// project folders are added to the watch list as they appear.
func (w *Watcher) relevant(fw *fsnotify.Watcher, event fsnotify.Event, exts map[string]struct{}, logger *slog.Logger) bool {
	if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) && !event.Has(fsnotify.Rename) {
		return false
	}
	base := filepath.Base(event.Name)
	if strings.HasPrefix(base, ".") {
		return false
	}

	if event.Has(fsnotify.Create) && filepath.Dir(event.Name) == filepath.Clean(w.Root) {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			if err := fw.Add(event.Name); err != nil {
				logger.Warn("cannot watch folder", "folder", event.Name, "error", err)
			}
			return true
		}
	}

	_, ok := exts[strings.ToLower(filepath.Ext(base))]
	return ok
}

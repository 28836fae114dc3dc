package offlinesync

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// fileBackedLog is implemented by operation logs stored in a single file.
type fileBackedLog interface {
	FilePath() string
}

// LogWatcher signals when the operation log file changes on disk, which is
// how the daemon notices operations appended by other processes. The
// directory is watched because saves replace the file by rename.
type LogWatcher struct {
	watcher *fsnotify.Watcher
	path    string
	changes chan struct{}
	logger  Logger
}

func NewLogWatcher(path string, logger Logger) (*LogWatcher, error) {
	path = filepath.Clean(path)
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create operation log watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		_ = watcher.Close()
		return nil, fmt.Errorf("watch operation log directory: %w", err)
	}
	return &LogWatcher{
		watcher: watcher,
		path:    path,
		changes: make(chan struct{}, 1),
		logger:  logger,
	}, nil
}

// Changes coalesces bursts of file events into single notifications.
func (w *LogWatcher) Changes() <-chan struct{} {
	return w.changes
}

func (w *LogWatcher) Run(ctx context.Context) {
	defer w.watcher.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			select {
			case w.changes <- struct{}{}:
			default:
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			if w.logger != nil {
				w.logger.Printf("operation log watcher: %v", err)
			}
		}
	}
}

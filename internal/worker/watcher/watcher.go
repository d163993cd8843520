// Package watcher monitors a session's output directory and reports
// artifact changes. Detection is snapshot-based: the tree is stat-walked on
// a fixed interval and an event fires only when the snapshot differs from
// the previous one, so the channel stays quiet while nothing changes.
package watcher

import (
	"context"
	"io/fs"
	"maps"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/msagent/deepresearch/internal/common/logger"
	"github.com/msagent/deepresearch/internal/events"
	"github.com/msagent/deepresearch/internal/worker/protocol"
)

// DefaultPollInterval is the pause between snapshots.
const DefaultPollInterval = 1 * time.Second

// housekeeping directories excluded from snapshots, together with their
// contents.
var ignoreDirs = map[string]bool{
	".locks": true,
	".tmp":   true,
}

// fileStamp identifies a file version. Two snapshots are equal iff their
// stamp mappings are equal.
type fileStamp struct {
	size  int64
	mtime int64
}

// FileEntry describes one artifact in an update event.
type FileEntry struct {
	Path         string  `json:"path"`
	RelativePath string  `json:"relative_path"`
	Size         int64   `json:"size"`
	Modified     float64 `json:"modified"`
}

// Watcher polls one output directory for artifact changes.
type Watcher struct {
	dir       string
	sessionID string
	emit      func(protocol.Event)
	interval  time.Duration
	logger    *logger.Logger

	last map[string]fileStamp

	// fsWatcher nudges an early rescan when the platform supports it; the
	// poll remains authoritative. Nil when unavailable.
	fsWatcher *fsnotify.Watcher
	rescan    chan struct{}
}

// New creates a watcher for dir, emitting dr.artifact.updated events for
// the session.
func New(dir, sessionID string, emit func(protocol.Event), log *logger.Logger) *Watcher {
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		log.Debug("filesystem watcher unavailable, polling only", zap.Error(err))
		fsWatcher = nil
	} else if err := fsWatcher.Add(dir); err != nil {
		// Missing directory is fine; the poll treats it as empty.
		_ = fsWatcher.Close()
		fsWatcher = nil
	}

	return &Watcher{
		dir:       dir,
		sessionID: sessionID,
		emit:      emit,
		interval:  DefaultPollInterval,
		logger:    log.WithFields(zap.String("component", "artifact-watcher")),
		last:      make(map[string]fileStamp),
		fsWatcher: fsWatcher,
		rescan:    make(chan struct{}, 1),
	}
}

// SetInterval overrides the poll interval. Intended for tests.
func (w *Watcher) SetInterval(d time.Duration) {
	w.interval = d
}

// Run polls until the context is cancelled.
func (w *Watcher) Run(ctx context.Context) {
	if w.fsWatcher != nil {
		defer func() { _ = w.fsWatcher.Close() }()
		go w.forwardFsEvents(ctx)
	}

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		w.Poll()
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-w.rescan:
		}
	}
}

// forwardFsEvents collapses filesystem notifications into rescan nudges.
func (w *Watcher) forwardFsEvents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}
			select {
			case w.rescan <- struct{}{}:
			default:
			}
		case _, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
		}
	}
}

// Poll takes one snapshot and emits an update event when it differs from
// the previous snapshot. Exported so tests can drive the watcher without
// timing dependence.
func (w *Watcher) Poll() {
	snapshot, files := w.snapshot()
	if maps.Equal(snapshot, w.last) {
		return
	}
	w.last = snapshot

	sort.Slice(files, func(i, j int) bool {
		return files[i].Modified > files[j].Modified
	})
	entries := make([]interface{}, len(files))
	for i, f := range files {
		entries[i] = map[string]interface{}{
			"path":          f.Path,
			"relative_path": f.RelativePath,
			"size":          f.Size,
			"modified":      f.Modified,
		}
	}
	w.emit(protocol.Event{
		"type":       events.ArtifactUpdated,
		"payload":    map[string]interface{}{"files": entries},
		"session_id": w.sessionID,
	})
}

// snapshot walks the output directory. A missing directory yields an empty
// snapshot rather than an error.
func (w *Watcher) snapshot() (map[string]fileStamp, []FileEntry) {
	snapshot := make(map[string]fileStamp)
	var files []FileEntry

	err := filepath.WalkDir(w.dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == w.dir {
				return filepath.SkipAll
			}
			return nil
		}
		if d.IsDir() {
			if path != w.dir && ignoreDirs[d.Name()] {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		rel, err := filepath.Rel(w.dir, path)
		if err != nil {
			return nil
		}
		rel = filepath.ToSlash(rel)
		snapshot[rel] = fileStamp{size: info.Size(), mtime: info.ModTime().UnixNano()}
		files = append(files, FileEntry{
			Path:         path,
			RelativePath: rel,
			Size:         info.Size(),
			Modified:     float64(info.ModTime().UnixNano()) / float64(time.Second),
		})
		return nil
	})
	if err != nil && !os.IsNotExist(err) {
		w.logger.Debug("artifact walk failed", zap.Error(err))
	}
	return snapshot, files
}

package project

import (
	"io/fs"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/kestrelai/conductor/internal/logging"
)

// Watcher tracks external changes to files under a session's working
// directory so a stale read-then-edit can be flagged: a tool that reads a
// file calls RecordRead; if the file changes on disk afterward (a user's
// editor, a background build, a second session sharing the directory),
// IsStale reports true until the file is read again.
type Watcher struct {
	fsw *fsnotify.Watcher

	mu    sync.Mutex
	reads map[string]struct{}
	stale map[string]struct{}
	done  chan struct{}
}

// watchers holds one Watcher per working directory, started lazily and
// reused across tool calls in the same directory.
var (
	watchersMu sync.Mutex
	watchers   = make(map[string]*Watcher)
)

// Watch returns the Watcher for workDir, starting one if none exists yet.
// Failure to start (e.g. too many open files) is logged and returns nil;
// callers must treat a nil Watcher as "never stale" rather than failing
// the tool call outright - this is a best-effort staleness check, not a
// correctness guarantee.
func Watch(workDir string) *Watcher {
	abs, err := filepath.Abs(workDir)
	if err != nil {
		return nil
	}

	watchersMu.Lock()
	defer watchersMu.Unlock()
	if w, ok := watchers[abs]; ok {
		return w
	}

	w, err := newWatcher(abs)
	if err != nil {
		logging.Warn().Err(err).Str("dir", abs).Msg("failed to start project file watcher")
		return nil
	}
	watchers[abs] = w
	return w
}

func newWatcher(root string) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	w := &Watcher{
		fsw:   fsw,
		reads: make(map[string]struct{}),
		stale: make(map[string]struct{}),
		done:  make(chan struct{}),
	}

	filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if d.Name() != "." && strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			fsw.Add(path)
		}
		return nil
	})

	go w.run()
	return w, nil
}

func (w *Watcher) run() {
	for {
		select {
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			w.mu.Lock()
			if _, tracked := w.reads[ev.Name]; tracked {
				w.stale[ev.Name] = struct{}{}
			}
			w.mu.Unlock()
		case _, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
		case <-w.done:
			return
		}
	}
}

// RecordRead marks path as freshly read, clearing any prior staleness.
func (w *Watcher) RecordRead(path string) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.reads[abs] = struct{}{}
	delete(w.stale, abs)
}

// IsStale reports whether path changed on disk since its last RecordRead.
func (w *Watcher) IsStale(path string) bool {
	abs, err := filepath.Abs(path)
	if err != nil {
		return false
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	_, stale := w.stale[abs]
	return stale
}

// Close stops the watcher and releases its inotify/kqueue handle.
func (w *Watcher) Close() error {
	close(w.done)
	return w.fsw.Close()
}

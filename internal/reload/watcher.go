package reload

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
)

// WatcherStatus is the snapshot returned by FileWatcher.Status.
type WatcherStatus struct {
	Watching      bool
	DirCount      int
	ListenerCount int
	Patterns      []string
	DebounceMs    int
}

// Listener receives debounced, filtered FileChangeEvents.
type Listener func(FileChangeEvent)

// ListenerHandle identifies a previously registered Listener so it can be
// unregistered later; returned by Register.
type ListenerHandle uint64

type registeredListener struct {
	handle ListenerHandle
	fn     Listener
}

// FileWatcher observes a set of directories and delivers a debounced,
// pattern-filtered stream of FileChangeEvents to any number of listeners.
// It is safe for concurrent use.
type FileWatcher struct {
	logger *slog.Logger

	mu         sync.RWMutex
	watching   bool
	dirs       []string
	patterns   []string
	debounceMs int64 // atomic-adjacent; guarded by mu for simplicity of setDebounceDelay

	watcher *fsnotify.Watcher
	cancel  context.CancelFunc
	done    chan struct{}

	listenersMu  sync.Mutex
	listeners    []registeredListener
	nextListener atomic.Uint64

	stamps sync.Map // path -> *atomic.Int64
}

// NewFileWatcher constructs an idle FileWatcher.
func NewFileWatcher(logger *slog.Logger) *FileWatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &FileWatcher{
		logger:     logger,
		debounceMs: 300,
	}
}

// Register adds a listener and returns a handle usable with Unregister.
// Thread-safe.
func (w *FileWatcher) Register(l Listener) ListenerHandle {
	h := ListenerHandle(w.nextListener.Add(1))
	w.listenersMu.Lock()
	defer w.listenersMu.Unlock()
	w.listeners = append(w.listeners, registeredListener{handle: h, fn: l})
	return h
}

// Unregister removes a previously registered listener. Unknown handles are
// no-ops. Thread-safe.
func (w *FileWatcher) Unregister(h ListenerHandle) {
	w.listenersMu.Lock()
	defer w.listenersMu.Unlock()
	for i, l := range w.listeners {
		if l.handle == h {
			w.listeners = append(w.listeners[:i], w.listeners[i+1:]...)
			return
		}
	}
}

// SetDebounceDelay applies to subsequently scheduled notifications.
func (w *FileWatcher) SetDebounceDelay(ms int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.debounceMs = int64(ms)
}

// Status reports the watcher's current configuration and state.
func (w *FileWatcher) Status() WatcherStatus {
	w.mu.RLock()
	defer w.mu.RUnlock()
	w.listenersMu.Lock()
	lc := len(w.listeners)
	w.listenersMu.Unlock()
	return WatcherStatus{
		Watching:      w.watching,
		DirCount:      len(w.dirs),
		ListenerCount: lc,
		Patterns:      append([]string(nil), w.patterns...),
		DebounceMs:    int(w.debounceMs),
	}
}

// StartWatching begins observing directories, matching file names against
// globPatterns. Idempotent per instance: returns an error if already
// watching. Non-existent directories are logged and skipped, not fatal.
func (w *FileWatcher) StartWatching(directories, globPatterns []string) error {
	w.mu.Lock()
	if w.watching {
		w.mu.Unlock()
		return fmt.Errorf("%w: already watching", ErrWatcher)
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		w.mu.Unlock()
		return fmt.Errorf("%w: %v", ErrFatalInit, err)
	}

	added := 0
	for _, dir := range directories {
		if err := fw.Add(dir); err != nil {
			w.logger.Warn("skipping unwatchable directory", "dir", dir, "error", err)
			continue
		}
		added++
	}

	w.watcher = fw
	w.dirs = append([]string(nil), directories...)
	w.patterns = append([]string(nil), globPatterns...)
	w.watching = true
	ctx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel
	w.done = make(chan struct{})
	w.mu.Unlock()

	go w.loop(ctx)

	w.logger.Info("file watcher started", "dirs_requested", len(directories), "dirs_active", added)
	return nil
}

// StopWatching drains and releases all OS watch handles within a bounded
// shutdown window. Idempotent.
func (w *FileWatcher) StopWatching() {
	w.mu.Lock()
	if !w.watching {
		w.mu.Unlock()
		return
	}
	cancel := w.cancel
	done := w.done
	w.mu.Unlock()

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		w.logger.Warn("file watcher shutdown exceeded 5s window")
	}

	w.mu.Lock()
	if w.watcher != nil {
		_ = w.watcher.Close()
	}
	w.watching = false
	w.watcher = nil
	w.mu.Unlock()
}

// loop is the dedicated watcher goroutine: one fsnotify.Watcher event/error
// channel select per instance, bounded by a 1s ticker branch so shutdown
// is observed promptly.
func (w *FileWatcher) loop(ctx context.Context) {
	defer close(w.done)

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(ev)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("file watcher OS error, dropping event", "error", err)
		case <-ticker.C:
			// bounded poll timeout; nothing to do, lets ctx.Done() be
			// observed within ~1s even under low event volume.
		}
	}
}

func (w *FileWatcher) handleEvent(ev fsnotify.Event) {
	base := filepath.Base(ev.Name)
	if isIgnoredName(base) {
		return
	}
	w.mu.RLock()
	patterns := w.patterns
	debounceMs := w.debounceMs
	w.mu.RUnlock()

	if !matchesAny(base, patterns) {
		return
	}

	kind := FileChangeModify
	switch {
	case ev.Op&fsnotify.Create != 0:
		kind = FileChangeCreate
	case ev.Op&fsnotify.Remove != 0, ev.Op&fsnotify.Rename != 0:
		kind = FileChangeDelete
	case ev.Op&fsnotify.Write != 0:
		kind = FileChangeModify
	default:
		return
	}

	w.scheduleDebounced(ev.Name, kind, debounceMs)
}

// scheduleDebounced implements the per-path monotonic-stamp debouncer: a
// new event for a path supersedes any pending timer by incrementing a
// per-path atomic stamp; the scheduled task fires only if its stamp still
// equals the latest recorded stamp.
func (w *FileWatcher) scheduleDebounced(path string, kind FileChangeKind, debounceMs int64) {
	v, _ := w.stamps.LoadOrStore(path, new(atomic.Int64))
	stamp := v.(*atomic.Int64)
	mine := stamp.Add(1)

	time.AfterFunc(time.Duration(debounceMs)*time.Millisecond, func() {
		if stamp.Load() != mine {
			return // superseded by a newer event for this path
		}
		w.dispatch(FileChangeEvent{
			Path:        path,
			Kind:        kind,
			Timestamp:   time.Now(),
			DerivedKind: deriveKind(path),
		})
	})
}

func (w *FileWatcher) dispatch(ev FileChangeEvent) {
	w.listenersMu.Lock()
	listeners := append([]registeredListener(nil), w.listeners...)
	w.listenersMu.Unlock()

	for _, l := range listeners {
		w.invokeSafely(l.fn, ev)
	}
}

// invokeSafely isolates a listener panic so one misbehaving subscriber
// cannot take down the watcher goroutine.
func (w *FileWatcher) invokeSafely(l Listener, ev FileChangeEvent) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("file watcher listener panicked", "recover", r, "path", ev.Path)
		}
	}()
	l(ev)
}

func isIgnoredName(name string) bool {
	if strings.HasPrefix(name, ".") {
		return true
	}
	if strings.HasSuffix(name, ".tmp") || strings.HasSuffix(name, ".swp") {
		return true
	}
	return strings.Contains(name, "~")
}

// matchesAny translates each glob (single `*` wildcard) into a regex and
// checks name against it.
func matchesAny(name string, patterns []string) bool {
	if len(patterns) == 0 {
		return true
	}
	for _, p := range patterns {
		if globMatch(name, p) {
			return true
		}
	}
	return false
}

func globMatch(name, pattern string) bool {
	escaped := regexp.QuoteMeta(pattern)
	escaped = strings.ReplaceAll(escaped, `\*`, ".*")
	re, err := regexp.Compile("^" + escaped + "$")
	if err != nil {
		return false
	}
	return re.MatchString(name)
}

// deriveKind infers FileChangeEvent.DerivedKind from filename substrings,
// case-insensitively: "endpoint"/"api" -> ENDPOINT, "quer" -> QUERY,
// "database" -> DATABASE, else UNKNOWN.
func deriveKind(path string) DerivedKind {
	name := strings.ToLower(filepath.Base(path))
	switch {
	case strings.Contains(name, "endpoint"), strings.Contains(name, "api"):
		return DerivedEndpoint
	case strings.Contains(name, "quer"):
		return DerivedQuery
	case strings.Contains(name, "database"):
		return DerivedDatabase
	default:
		return DerivedUnknown
	}
}

// Package watcher reports changes to a set of directories so the tree
// rows listing them can be refreshed. It uses fsnotify and falls back to
// polling when notifications are unavailable or disabled.
package watcher

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/vanderheijden86/arbor/pkg/debug"
)

// DefaultPollInterval is the default polling interval for fallback mode.
const DefaultPollInterval = 2 * time.Second

// ForcePollEnv forces polling mode when set to a true value.
const ForcePollEnv = "ARBOR_FORCE_POLL"

// Common errors.
var (
	ErrDirRemoved     = errors.New("watched directory was removed")
	ErrNotDirectory   = errors.New("not a directory")
	ErrPermission     = errors.New("permission denied")
	ErrAlreadyStarted = errors.New("watcher already started")
)

// WatcherOption configures a Watcher.
type WatcherOption func(*Watcher)

// WithDebounceDuration sets the debounce duration.
func WithDebounceDuration(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		w.debounceDuration = d
	}
}

// WithPollInterval sets the polling interval for fallback mode.
func WithPollInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		w.pollInterval = d
	}
}

// WithOnChange sets the callback invoked with the directory whose listing
// changed.
func WithOnChange(fn func(dir string)) WatcherOption {
	return func(w *Watcher) {
		w.onChange = fn
	}
}

// WithOnError sets the callback invoked on errors.
func WithOnError(fn func(error)) WatcherOption {
	return func(w *Watcher) {
		w.onError = fn
	}
}

// WithForcePoll forces polling mode even if fsnotify is available.
func WithForcePoll(force bool) WatcherOption {
	return func(w *Watcher) {
		w.forcePoll = force
	}
}

// snapshot is the polled state of one directory.
type snapshot struct {
	mtime   time.Time
	entries int
	ok      bool
}

func takeSnapshot(dir string) (snapshot, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return snapshot{}, err
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return snapshot{}, err
	}
	return snapshot{mtime: info.ModTime(), entries: len(entries), ok: true}, nil
}

// Watcher monitors directory listings for changes.
type Watcher struct {
	debounceDuration time.Duration
	pollInterval     time.Duration
	onChange         func(string)
	onError          func(error)
	forcePoll        bool

	fsWatcher   *fsnotify.Watcher
	debouncer   *Debouncer
	useFallback bool
	dirs        map[string]snapshot

	ctx      context.Context
	cancel   context.CancelFunc
	started  bool
	mu       sync.RWMutex
	changeCh chan string
}

// NewWatcher creates a watcher for the given directories. More can be
// added later with Add.
func NewWatcher(dirs []string, opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{
		debounceDuration: DefaultDebounceDuration,
		pollInterval:     DefaultPollInterval,
		onChange:         func(string) {},
		onError:          func(error) {},
		dirs:             make(map[string]snapshot),
		changeCh:         make(chan string, 16),
	}

	for _, opt := range opts {
		opt(w)
	}

	w.debouncer = NewDebouncer(w.debounceDuration)

	for _, dir := range dirs {
		if err := w.Add(dir); err != nil {
			return nil, err
		}
	}
	return w, nil
}

// Start begins watching.
func (w *Watcher) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.started {
		return ErrAlreadyStarted
	}

	w.ctx, w.cancel = context.WithCancel(context.Background())
	w.useFallback = w.forcePoll || envBool(ForcePollEnv)

	for dir := range w.dirs {
		snap, err := takeSnapshot(dir)
		if err != nil && os.IsPermission(err) {
			w.cancel()
			return fmt.Errorf("%s: %w", dir, ErrPermission)
		}
		w.dirs[dir] = snap
	}

	if !w.useFallback {
		fsw, err := fsnotify.NewWatcher()
		if err != nil {
			debug.Log("watcher: fsnotify unavailable, polling: %v", err)
			w.useFallback = true
		} else {
			for dir := range w.dirs {
				if err := fsw.Add(dir); err != nil {
					debug.Log("watcher: cannot watch %s, polling: %v", dir, err)
					w.useFallback = true
					break
				}
			}
			if w.useFallback {
				fsw.Close()
			} else {
				w.fsWatcher = fsw
				go w.watchFsnotify(fsw.Events, fsw.Errors)
			}
		}
	}

	if w.useFallback {
		go w.watchPolling()
	}

	w.started = true
	return nil
}

// Stop stops watching. The Changed channel is left open so a pending
// receive does not spin.
func (w *Watcher) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.started {
		return
	}

	if w.cancel != nil {
		w.cancel()
	}

	if w.fsWatcher != nil {
		w.fsWatcher.Close()
		w.fsWatcher = nil
	}

	w.debouncer.Cancel()
	w.started = false
}

// Add starts watching dir. Adding a watched directory is a no-op.
func (w *Watcher) Add(dir string) error {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return err
	}
	info, err := os.Stat(abs)
	if err != nil {
		if os.IsPermission(err) {
			return fmt.Errorf("%s: %w", abs, ErrPermission)
		}
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("%s: %w", abs, ErrNotDirectory)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if _, ok := w.dirs[abs]; ok {
		return nil
	}
	snap, _ := takeSnapshot(abs)
	w.dirs[abs] = snap
	if w.fsWatcher != nil {
		if err := w.fsWatcher.Add(abs); err != nil {
			delete(w.dirs, abs)
			return fmt.Errorf("watch %s: %w", abs, err)
		}
	}
	return nil
}

// Remove stops watching dir.
func (w *Watcher) Remove(dir string) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if _, ok := w.dirs[abs]; !ok {
		return
	}
	delete(w.dirs, abs)
	if w.fsWatcher != nil {
		// The kernel drops the watch itself when the directory is deleted.
		_ = w.fsWatcher.Remove(abs)
	}
}

// Dirs returns the watched directories, sorted.
func (w *Watcher) Dirs() []string {
	w.mu.RLock()
	defer w.mu.RUnlock()
	out := make([]string, 0, len(w.dirs))
	for dir := range w.dirs {
		out = append(out, dir)
	}
	slices.Sort(out)
	return out
}

// Watching reports whether dir is watched.
func (w *Watcher) Watching(dir string) bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	_, ok := w.dirs[dir]
	return ok
}

// IsPolling returns true if the watcher is using polling mode.
func (w *Watcher) IsPolling() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.useFallback
}

// IsStarted returns true if the watcher is running.
func (w *Watcher) IsStarted() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.started
}

// Changed returns a channel that receives each changed directory.
// This is an alternative to using the OnChange callback.
func (w *Watcher) Changed() <-chan string {
	return w.changeCh
}

// PollInterval returns the polling interval used when polling mode is active.
func (w *Watcher) PollInterval() time.Duration {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.pollInterval
}

func envBool(name string) bool {
	v := strings.TrimSpace(os.Getenv(name))
	if v == "" {
		return false
	}
	switch strings.ToLower(v) {
	case "1", "true", "yes", "y", "on":
		return true
	default:
		return false
	}
}

// watchFsnotify maps events on entries to the directory containing them.
func (w *Watcher) watchFsnotify(events <-chan fsnotify.Event, errs <-chan error) {
	for {
		select {
		case <-w.ctx.Done():
			return

		case event, ok := <-events:
			if !ok {
				return
			}
			if event.Op == fsnotify.Chmod {
				continue
			}

			if event.Op&(fsnotify.Remove|fsnotify.Rename) != 0 && w.Watching(event.Name) {
				w.Remove(event.Name)
				w.onError(fmt.Errorf("%s: %w", event.Name, ErrDirRemoved))
			}

			dir := filepath.Dir(event.Name)
			if w.Watching(dir) {
				w.schedule(dir)
			}

		case err, ok := <-errs:
			if !ok {
				return
			}
			w.onError(err)
		}
	}
}

// watchPolling compares directory snapshots on every tick.
func (w *Watcher) watchPolling() {
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.ctx.Done():
			return

		case <-ticker.C:
			for _, dir := range w.Dirs() {
				w.poll(dir)
			}
		}
	}
}

func (w *Watcher) poll(dir string) {
	snap, err := takeSnapshot(dir)

	w.mu.Lock()
	prev, ok := w.dirs[dir]
	if !ok {
		w.mu.Unlock()
		return
	}
	if err != nil {
		if os.IsNotExist(err) && prev.ok {
			delete(w.dirs, dir)
			w.mu.Unlock()
			w.onError(fmt.Errorf("%s: %w", dir, ErrDirRemoved))
			w.schedule(filepath.Dir(dir))
			return
		}
		w.mu.Unlock()
		if os.IsPermission(err) {
			w.onError(fmt.Errorf("%s: %w", dir, ErrPermission))
		} else if !os.IsNotExist(err) {
			w.onError(err)
		}
		return
	}
	changed := snap.mtime.After(prev.mtime) || snap.entries != prev.entries || !prev.ok
	w.dirs[dir] = snap
	w.mu.Unlock()

	if changed {
		w.schedule(dir)
	}
}

func (w *Watcher) schedule(dir string) {
	if !w.Watching(dir) {
		return
	}
	w.debouncer.Trigger(dir, func() { w.notifyChange(dir) })
}

// notifyChange invokes the onChange callback and signals the change channel.
func (w *Watcher) notifyChange(dir string) {
	w.mu.RLock()
	started := w.started
	w.mu.RUnlock()

	// Callbacks may still race a concurrent Stop; receivers treat a late
	// notification as a plain refresh.
	if !started {
		return
	}

	debug.Log("watcher: %s changed", dir)
	w.onChange(dir)

	select {
	case w.changeCh <- dir:
	default:
	}
}

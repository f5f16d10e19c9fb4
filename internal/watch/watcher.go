// Package watch follows the source files of registered modules and reports
// which patchable symbols changed on disk. With auto-reload enabled it
// reloads each changed symbol individually; it never reloads a file as a
// batch and does not follow dependents of a changed symbol.
package watch

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"

	"livepatch/internal/logging"
	"livepatch/internal/reload"
	"livepatch/internal/symtab"
)

// Reloader is the part of the reload engine the watcher drives.
type Reloader interface {
	Check(ref symtab.Ref) (bool, error)
	Reload(req reload.Request) reload.Outcome
}

// Options configures a Watcher.
type Options struct {
	// Debounce is how long a file must stay quiet before it is checked.
	Debounce time.Duration
	// AutoReload reloads changed symbols instead of only reporting them.
	AutoReload bool
}

// Change reports one symbol whose source differs from the installed
// implementation. Outcome is set when the symbol was reloaded.
type Change struct {
	File    string
	Ref     symtab.Ref
	Outcome *reload.Outcome
}

// Stats tracks watcher activity.
type Stats struct {
	FilesModified  int
	FilesChecked   int
	ChangesFound   int
	ReloadsRun     int
	ReloadsFailed  int
	Errors         int
	LastEventTime  time.Time
	LastEventPath  string
	LastChangedRef string
}

// Watcher watches the directories holding module files, since editors often
// replace a file rather than write it in place.
type Watcher struct {
	mu          sync.RWMutex
	watcher     *fsnotify.Watcher
	registry    *symtab.Registry
	reloader    Reloader
	opts        Options
	files       map[string][]*symtab.Module
	debounceMap map[string]time.Time
	onChange    func(Change)
	stopCh      chan struct{}
	doneCh      chan struct{}
	running     bool

	stats Stats
}

// New creates a watcher over the modules registered when Start is called.
func New(registry *symtab.Registry, reloader Reloader, opts Options) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if opts.Debounce <= 0 {
		opts.Debounce = 500 * time.Millisecond
	}
	return &Watcher{
		watcher:     fw,
		registry:    registry,
		reloader:    reloader,
		opts:        opts,
		files:       make(map[string][]*symtab.Module),
		debounceMap: make(map[string]time.Time),
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
	}, nil
}

// OnChange sets the callback for detected changes. Call it before Start.
func (w *Watcher) OnChange(fn func(Change)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.onChange = fn
}

// Start begins watching. It is non-blocking.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = true

	dirs := map[string]bool{}
	for _, m := range w.registry.Modules() {
		file := m.File()
		if file == "" {
			logging.WatchDebug("module %s has no source file, not watching", m.Name())
			continue
		}
		file = filepath.Clean(file)
		w.files[file] = append(w.files[file], m)
		dirs[filepath.Dir(file)] = true
	}
	w.mu.Unlock()

	for dir := range dirs {
		if err := w.watcher.Add(dir); err != nil {
			logging.Get(logging.CategoryWatch).Warnf("failed to watch %s: %v", dir, err)
			continue
		}
		logging.Watch("watching directory: %s", dir)
	}

	go w.run(ctx)
	return nil
}

// Stop stops the watcher and waits for its loop to exit.
func (w *Watcher) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	w.mu.Unlock()

	close(w.stopCh)
	<-w.doneCh

	if err := w.watcher.Close(); err != nil {
		logging.Get(logging.CategoryWatch).Errorf("error closing watcher: %v", err)
	}
	logging.Watch("stopped")
}

// Stats returns a copy of the counters.
func (w *Watcher) Stats() Stats {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.stats
}

// WatchedFiles returns the module files being followed.
func (w *Watcher) WatchedFiles() []string {
	w.mu.RLock()
	defer w.mu.RUnlock()
	out := make([]string, 0, len(w.files))
	for f := range w.files {
		out = append(out, f)
	}
	return out
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.doneCh)

	tick := w.opts.Debounce / 5
	if tick < 10*time.Millisecond {
		tick = 10 * time.Millisecond
	}
	debounceTicker := time.NewTicker(tick)
	defer debounceTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			logging.WatchDebug("context cancelled")
			return

		case <-w.stopCh:
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			logging.Get(logging.CategoryWatch).Errorf("watcher error: %v", err)
			w.mu.Lock()
			w.stats.Errors++
			w.mu.Unlock()

		case <-debounceTicker.C:
			w.processDebouncedEvents()
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
		return
	}
	path := filepath.Clean(event.Name)

	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.files[path]; !ok {
		return
	}
	logging.WatchDebug("%s event for %s", event.Op, path)
	w.stats.FilesModified++
	w.stats.LastEventTime = time.Now()
	w.stats.LastEventPath = path
	w.debounceMap[path] = time.Now()
}

func (w *Watcher) processDebouncedEvents() {
	w.mu.Lock()
	now := time.Now()
	var settled []string
	for path, at := range w.debounceMap {
		if now.Sub(at) >= w.opts.Debounce {
			settled = append(settled, path)
			delete(w.debounceMap, path)
		}
	}
	w.mu.Unlock()

	for _, path := range settled {
		w.Scan(path)
	}
}

// Scan checks every symbol registered for path and returns the ones whose
// source changed, reloading each when auto-reload is on.
func (w *Watcher) Scan(path string) []Change {
	path = filepath.Clean(path)
	w.mu.Lock()
	modules := w.files[path]
	onChange := w.onChange
	w.stats.FilesChecked++
	w.mu.Unlock()

	var changes []Change
	for _, m := range modules {
		for _, ref := range m.Refs() {
			changed, err := w.reloader.Check(ref)
			if err != nil {
				logging.WatchDebug("cannot check %s: %v", ref, err)
				continue
			}
			if !changed {
				continue
			}

			ch := Change{File: path, Ref: ref}
			if w.opts.AutoReload {
				out := w.reloader.Reload(reload.Request{ID: uuid.NewString(), Module: ref.Module, Type: ref.Type, Func: ref.Func})
				ch.Outcome = &out
				logging.Watch("auto-reload %s: %s", ref, out.Kind)
			} else {
				logging.Watch("%s changed on disk", ref)
			}

			w.mu.Lock()
			w.stats.ChangesFound++
			w.stats.LastChangedRef = ref.String()
			if ch.Outcome != nil {
				w.stats.ReloadsRun++
				if !ch.Outcome.OK() {
					w.stats.ReloadsFailed++
				}
			}
			w.mu.Unlock()

			changes = append(changes, ch)
			if onChange != nil {
				onChange(ch)
			}
		}
	}
	return changes
}

// Package planwatch reports changes to plan files in a directory.
package planwatch

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
)

// DefaultDebounce collapses bursts of events for the same file.
const DefaultDebounce = 100 * time.Millisecond

// Event kinds.
const (
	EventAdd    = "add"
	EventChange = "change"
	EventUnlink = "unlink"
)

// Update is one debounced plan file change, in its wire form.
type Update struct {
	Type     string `json:"type"`
	Event    string `json:"event"`
	Filename string `json:"filename"`
}

// Watcher watches one plans directory, non-recursively, for markdown files.
type Watcher struct {
	dir      string
	archive  string
	onUpdate func(Update)
	debounce time.Duration

	watcher *fsnotify.Watcher
	ctx     context.Context
	cancel  context.CancelFunc

	mu      sync.Mutex
	running bool
	timers  map[string]*time.Timer
	done    chan struct{}
}

// Option configures a Watcher.
type Option func(*Watcher)

// WithArchive sets the directory of archived plans, which are never
// reported. It defaults to the archive subdirectory of the plans directory.
func WithArchive(dir string) Option {
	return func(w *Watcher) {
		if dir != "" {
			w.archive = filepath.Clean(dir)
		}
	}
}

// New creates a Watcher calling onUpdate for each debounced change in dir.
// A debounce of zero uses DefaultDebounce.
func New(dir string, debounce time.Duration, onUpdate func(Update), opts ...Option) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	ctx, cancel := context.WithCancel(context.Background())
	dir = filepath.Clean(dir)
	w := &Watcher{
		dir:      dir,
		archive:  filepath.Join(dir, "archive"),
		onUpdate: onUpdate,
		debounce: debounce,
		watcher:  fsw,
		ctx:      ctx,
		cancel:   cancel,
		timers:   make(map[string]*time.Timer),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// Start creates the directory if needed and begins watching.
func (w *Watcher) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return nil
	}
	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return err
	}
	if err := w.watcher.Add(w.dir); err != nil {
		return err
	}
	w.running = true
	go w.watchLoop()
	log.Info().Str("path", w.dir).Msg("Watching for plan changes")
	return nil
}

// Stop stops the watcher and drops pending updates.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = false
	w.cancel()
	for key, t := range w.timers {
		t.Stop()
		delete(w.timers, key)
	}
	w.mu.Unlock()

	err := w.watcher.Close()
	<-w.done
	return err
}

func (w *Watcher) watchLoop() {
	defer close(w.done)
	for {
		select {
		case <-w.ctx.Done():
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if kind, ok := classify(event.Op); ok {
				w.handle(kind, event.Name)
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Error().Err(err).Str("path", w.dir).Msg("Plan watcher error")
		}
	}
}

func classify(op fsnotify.Op) (string, bool) {
	switch {
	case op.Has(fsnotify.Create):
		return EventAdd, true
	case op.Has(fsnotify.Write):
		return EventChange, true
	case op.Has(fsnotify.Remove), op.Has(fsnotify.Rename):
		return EventUnlink, true
	default:
		return "", false
	}
}

// wanted reports whether path is a plan file this watcher reports on.
func (w *Watcher) wanted(path string) bool {
	name := filepath.Base(path)
	if strings.HasPrefix(name, ".") || !strings.HasSuffix(name, ".md") {
		return false
	}
	if !within(w.dir, path) {
		return false
	}
	return w.archive == w.dir || !within(w.archive, path)
}

// within reports whether path lies inside root.
func within(root, path string) bool {
	rel, err := filepath.Rel(root, path)
	return err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

func (w *Watcher) handle(kind, path string) {
	if !w.wanted(path) {
		return
	}
	filename := filepath.Base(path)
	key := kind + ":" + filename

	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.running {
		return
	}
	if t, ok := w.timers[key]; ok {
		t.Stop()
	}
	w.timers[key] = time.AfterFunc(w.debounce, func() {
		w.mu.Lock()
		if !w.running {
			w.mu.Unlock()
			return
		}
		delete(w.timers, key)
		w.mu.Unlock()

		log.Debug().Str("event", kind).Str("filename", filename).Msg("Plan changed")
		w.onUpdate(Update{Type: "plan-update", Event: kind, Filename: filename})
	})
}

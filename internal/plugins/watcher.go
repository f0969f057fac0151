package plugins

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Catalog is the live set of loaded plugins. It reloads on demand and can be
// kept fresh by a Watcher.
type Catalog struct {
	mu          sync.RWMutex
	searchPaths []string
	entries     []*Entry
	logger      *zap.Logger
}

// NewCatalog loads plugins from the search paths. Broken plugin directories
// are logged and skipped.
func NewCatalog(searchPaths []string, logger *zap.Logger) *Catalog {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Catalog{searchPaths: searchPaths, logger: logger}
	if err := c.Reload(); err != nil {
		logger.Warn("plugin catalog loaded with errors", zap.Error(err))
	}
	return c
}

// Reload rescans the search paths. Broken plugin directories are skipped;
// their errors are joined into the return value. The surviving entries are
// installed either way.
func (c *Catalog) Reload() error {
	entries, errs := LoadAll(c.searchPaths)

	c.mu.Lock()
	c.entries = entries
	c.mu.Unlock()

	c.logger.Debug("plugin catalog reloaded", zap.Int("count", len(entries)))
	return errors.Join(errs...)
}

// Enabled returns the plugins currently offered to the pipeline.
func (c *Catalog) Enabled() []*Entry {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]*Entry, 0, len(c.entries))
	for _, e := range c.entries {
		if e.Enabled() {
			out = append(out, e)
		}
	}
	return out
}

// Get returns the named plugin, enabled or not.
func (c *Catalog) Get(name string) (*Entry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, e := range c.entries {
		if e.Name == name {
			return e, true
		}
	}
	return nil, false
}

// Watcher reloads the catalog when plugin directories change on disk. Rapid
// save bursts are debounced into a single reload.
type Watcher struct {
	mu          sync.Mutex
	watcher     *fsnotify.Watcher
	catalog     *Catalog
	logger      *zap.Logger
	pending     map[string]time.Time
	debounceDur time.Duration
	stopCh      chan struct{}
	doneCh      chan struct{}
	running     bool
}

// NewWatcher creates a watcher over the catalog's search paths.
func NewWatcher(catalog *Catalog, logger *zap.Logger) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Watcher{
		watcher:     fsw,
		catalog:     catalog,
		logger:      logger,
		pending:     make(map[string]time.Time),
		debounceDur: 500 * time.Millisecond,
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
	}, nil
}

// Start begins watching. Non-blocking; the event loop runs in a goroutine.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = true
	w.mu.Unlock()

	for _, root := range w.catalog.searchPaths {
		if err := w.watcher.Add(root); err != nil {
			w.logger.Warn("plugin watch failed", zap.String("dir", root), zap.Error(err))
		}
	}

	go w.run(ctx)
	return nil
}

// Stop stops the watcher and waits for the event loop to exit.
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
	_ = w.watcher.Close()
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.doneCh)

	tick := time.NewTicker(100 * time.Millisecond)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
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
			w.logger.Warn("plugin watch error", zap.Error(err))
		case <-tick.C:
			w.flushPending()
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
		return
	}
	base := filepath.Base(event.Name)
	if base == metaFileName {
		// Hash write-back must not retrigger a reload loop.
		return
	}

	w.mu.Lock()
	w.pending[event.Name] = time.Now()
	w.mu.Unlock()
}

func (w *Watcher) flushPending() {
	w.mu.Lock()
	now := time.Now()
	settled := false
	for path, at := range w.pending {
		if now.Sub(at) >= w.debounceDur {
			delete(w.pending, path)
			settled = true
		}
	}
	w.mu.Unlock()

	if settled {
		if err := w.catalog.Reload(); err != nil {
			w.logger.Warn("plugin reload reported errors", zap.Error(err))
		}
	}
}

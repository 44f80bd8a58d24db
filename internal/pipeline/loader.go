package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/conductor/internal/config"
)

// definitionExts are the file extensions LoadDir and Watcher pick up.
var definitionExts = map[string]bool{".yaml": true, ".yml": true, ".toml": true}

// LoadFile reads one pipeline from a YAML or TOML file. A missing id is
// taken from the file name.
func LoadFile(path string) (*Pipeline, error) {
	var p Pipeline
	if err := config.DecodeFile(path, &p); err != nil {
		return nil, fmt.Errorf("failed to load pipeline file: %w", err)
	}
	if p.ID == "" {
		base := filepath.Base(path)
		p.ID = strings.TrimSuffix(base, filepath.Ext(base))
	}
	if p.Name == "" {
		p.Name = p.ID
	}
	if err := Validate(&p); err != nil {
		return nil, fmt.Errorf("pipeline file %s: %w", path, err)
	}
	return &p, nil
}

// LoadDir reads every definition file in dir, sorted by name.
func LoadDir(dir string) ([]*Pipeline, error) {
	_, pipelines, err := loadDir(dir)
	return pipelines, err
}

func loadDir(dir string) ([]string, []*Pipeline, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read pipeline directory: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() && definitionExts[strings.ToLower(filepath.Ext(e.Name()))] {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	paths := make([]string, 0, len(names))
	out := make([]*Pipeline, 0, len(names))
	seen := make(map[string]string, len(names))
	for _, name := range names {
		path := filepath.Join(dir, name)
		p, err := LoadFile(path)
		if err != nil {
			return nil, nil, err
		}
		if prev, ok := seen[p.ID]; ok {
			return nil, nil, fmt.Errorf("%w: pipeline %q defined in %s and %s", ErrInvalidPipeline, p.ID, prev, name)
		}
		seen[p.ID] = name
		paths = append(paths, filepath.Clean(path))
		out = append(out, p)
	}
	return paths, out, nil
}

// Watcher keeps a Store in sync with a definitions directory.
type Watcher struct {
	dir    string
	store  Store
	logger *zap.Logger

	mu     sync.Mutex
	byPath map[string]string
	fs     *fsnotify.Watcher
	done   chan struct{}
	wg     sync.WaitGroup
}

// NewWatcher creates a watcher for dir. Call Load, then Start.
func NewWatcher(dir string, store Store, logger *zap.Logger) *Watcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Watcher{
		dir:    dir,
		store:  store,
		logger: logger,
		byPath: make(map[string]string),
		done:   make(chan struct{}),
	}
}

// Load puts every definition in the directory into the store and returns
// how many were loaded.
func (w *Watcher) Load(ctx context.Context) (int, error) {
	paths, pipelines, err := loadDir(w.dir)
	if err != nil {
		return 0, err
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	for i, p := range pipelines {
		if _, err := w.store.Put(ctx, p); err != nil {
			return 0, fmt.Errorf("failed to store pipeline %s: %w", p.ID, err)
		}
		w.byPath[paths[i]] = p.ID
	}
	return len(pipelines), nil
}

// Start watches the directory until Close. Changed files are reloaded and
// removed files delete their pipeline.
func (w *Watcher) Start(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create pipeline watcher: %w", err)
	}
	if err := fw.Add(w.dir); err != nil {
		_ = fw.Close()
		return fmt.Errorf("failed to watch %s: %w", w.dir, err)
	}
	w.fs = fw

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.loop(ctx)
	}()
	return nil
}

func (w *Watcher) loop(ctx context.Context) {
	for {
		select {
		case <-w.done:
			return
		case <-ctx.Done():
			return
		case event, ok := <-w.fs.Events:
			if !ok {
				return
			}
			if !definitionExts[strings.ToLower(filepath.Ext(event.Name))] {
				continue
			}
			path := filepath.Clean(event.Name)
			switch {
			case event.Op&(fsnotify.Write|fsnotify.Create) != 0:
				w.reload(ctx, path)
			case event.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
				w.forget(ctx, path)
			}
		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			w.logger.Warn("pipeline watcher error", zap.Error(err))
		}
	}
}

func (w *Watcher) reload(ctx context.Context, path string) {
	p, err := LoadFile(path)
	if err != nil {
		// Editors often write partial files; the next event retries.
		w.logger.Warn("failed to reload pipeline file", zap.String("path", path), zap.Error(err))
		return
	}
	if _, err := w.store.Put(ctx, p); err != nil {
		w.logger.Warn("failed to store reloaded pipeline", zap.String("pipeline_id", p.ID), zap.Error(err))
		return
	}
	w.mu.Lock()
	w.byPath[path] = p.ID
	w.mu.Unlock()
	w.logger.Info("pipeline reloaded", zap.String("pipeline_id", p.ID), zap.String("path", path))
}

func (w *Watcher) forget(ctx context.Context, path string) {
	w.mu.Lock()
	id, ok := w.byPath[path]
	delete(w.byPath, path)
	w.mu.Unlock()
	if !ok {
		return
	}
	if err := w.store.Delete(ctx, id); err != nil {
		w.logger.Debug("pipeline already gone", zap.String("pipeline_id", id), zap.Error(err))
		return
	}
	w.logger.Info("pipeline removed", zap.String("pipeline_id", id), zap.String("path", path))
}

// Close stops watching.
func (w *Watcher) Close() error {
	select {
	case <-w.done:
		return nil
	default:
		close(w.done)
	}
	var err error
	if w.fs != nil {
		err = w.fs.Close()
	}
	w.wg.Wait()
	return err
}

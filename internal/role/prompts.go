package role

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// PromptCache resolves role instructions, reading prompt files once and
// dropping cached content when the file changes on disk.
type PromptCache struct {
	mu      sync.RWMutex
	entries map[string]string
	watcher *fsnotify.Watcher
	watched map[string]bool
	logger  *zap.Logger
	done    chan struct{}
}

// NewPromptCache creates a cache. When watch is true an fsnotify watcher
// invalidates entries whose file is written, renamed or removed.
func NewPromptCache(watch bool, logger *zap.Logger) (*PromptCache, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &PromptCache{
		entries: make(map[string]string),
		watched: make(map[string]bool),
		logger:  logger,
		done:    make(chan struct{}),
	}
	if !watch {
		return c, nil
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create prompt watcher: %w", err)
	}
	c.watcher = w
	go c.watch()
	return c, nil
}

// Instructions returns the effective instruction text for r.
func (c *PromptCache) Instructions(r *Role) (string, error) {
	if r.PromptFile == "" {
		return r.Instructions, nil
	}
	path := filepath.Clean(r.PromptFile)

	c.mu.RLock()
	text, ok := c.entries[path]
	c.mu.RUnlock()
	if ok {
		return text, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read prompt file for role %s: %w", r.ID, err)
	}
	text = string(data)

	c.mu.Lock()
	c.entries[path] = text
	if c.watcher != nil && !c.watched[path] {
		if err := c.watcher.Add(path); err != nil {
			c.logger.Warn("failed to watch prompt file", zap.String("path", path), zap.Error(err))
		} else {
			c.watched[path] = true
		}
	}
	c.mu.Unlock()
	return text, nil
}

func (c *PromptCache) watch() {
	for {
		select {
		case <-c.done:
			return
		case event, ok := <-c.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			path := filepath.Clean(event.Name)
			c.mu.Lock()
			delete(c.entries, path)
			if event.Op&(fsnotify.Remove|fsnotify.Rename) != 0 {
				// Editors replace files on save; the path must be re-added.
				delete(c.watched, path)
			}
			c.mu.Unlock()
			c.logger.Debug("prompt file changed", zap.String("path", path), zap.String("op", event.Op.String()))
		case err, ok := <-c.watcher.Errors:
			if !ok {
				return
			}
			c.logger.Warn("prompt watcher error", zap.Error(err))
		}
	}
}

// Close stops the watcher.
func (c *PromptCache) Close() error {
	select {
	case <-c.done:
		return nil
	default:
		close(c.done)
	}
	if c.watcher != nil {
		return c.watcher.Close()
	}
	return nil
}

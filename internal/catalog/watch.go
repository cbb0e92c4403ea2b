package catalog

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// StartWatching reloads the catalog when files under the contents
// directory change. Safe to call once; subsequent calls are no-ops.
func (c *Catalog) StartWatching(ctx context.Context) error {
	c.watchMu.Lock()
	if c.watcher != nil {
		c.watchMu.Unlock()
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		c.watchMu.Unlock()
		return err
	}
	c.watcher = watcher
	watchCtx, cancel := context.WithCancel(ctx)
	c.watchCancel = cancel
	c.watchMu.Unlock()

	if err := watcher.Add(c.dir); err != nil {
		c.log.Warn(ctx, "catalog watch add failed", "dir", c.dir, "error", err)
	}
	localePath := filepath.Join(c.dir, localesDir)
	if info, err := os.Stat(localePath); err == nil && info.IsDir() {
		if err := watcher.Add(localePath); err != nil {
			c.log.Warn(ctx, "catalog watch add failed", "dir", localePath, "error", err)
		}
	}

	c.watchWg.Add(1)
	go c.watchLoop(watchCtx)
	return nil
}

// Close stops the watcher, if running.
func (c *Catalog) Close() error {
	c.watchMu.Lock()
	if c.watchCancel != nil {
		c.watchCancel()
		c.watchCancel = nil
	}
	watcher := c.watcher
	c.watcher = nil
	c.watchMu.Unlock()

	if watcher != nil {
		_ = watcher.Close()
	}
	c.watchWg.Wait()
	return nil
}

func (c *Catalog) watchLoop(ctx context.Context) {
	defer c.watchWg.Done()
	c.watchMu.Lock()
	watcher := c.watcher
	c.watchMu.Unlock()
	if watcher == nil {
		return
	}

	var mu sync.Mutex
	var timer *time.Timer
	scheduleReload := func() {
		mu.Lock()
		defer mu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(c.debounce, func() {
			if err := c.Reload(); err != nil {
				c.log.Warn(context.Background(), "catalog reload failed, keeping previous snapshot", "error", err)
			}
		})
	}

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if !strings.HasSuffix(event.Name, ".json") {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) != 0 {
				scheduleReload()
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			c.log.Warn(context.Background(), "catalog watch error", "error", err)
		}
	}
}

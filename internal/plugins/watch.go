package plugins

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/szaher/designs/envsandbox/internal/configs"
	"github.com/szaher/designs/envsandbox/internal/paths"
)

const debounceDelay = 200 * time.Millisecond

// ConfigEvent reports a plugin's configs after its configs.json changed.
type ConfigEvent struct {
	Plugin string
	// Err is the permission check result; non-nil means the plugin's
	// configs file is no longer usable.
	Err error
	// Configs is how many entries loaded.
	Configs int
}

// Watch revalidates a plugin whenever its configs.json changes and reports
// each result to fn. It blocks until ctx is done. fn is only ever called
// from the goroutine running Watch.
func (h *Host) Watch(ctx context.Context, fn func(ConfigEvent)) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer func() { _ = watcher.Close() }()

	if err := watcher.Add(h.roots.Environments); err != nil {
		return err
	}
	roots, err := h.Plugins()
	if err != nil {
		return err
	}
	for _, root := range roots {
		if err := watcher.Add(root.Dir); err != nil {
			return err
		}
	}
	h.logger.Info("watching plugin configs", "dir", h.roots.Environments, "plugins", len(roots))

	var (
		mu      sync.Mutex
		pending = map[string]*time.Timer{}
		due     = make(chan paths.PluginRoot)
	)
	defer func() {
		mu.Lock()
		for _, t := range pending {
			t.Stop()
		}
		mu.Unlock()
	}()
	schedule := func(root paths.PluginRoot) {
		mu.Lock()
		defer mu.Unlock()
		if t, ok := pending[root.ID]; ok {
			t.Stop()
		}
		pending[root.ID] = time.AfterFunc(debounceDelay, func() {
			mu.Lock()
			delete(pending, root.ID)
			mu.Unlock()
			select {
			case due <- root:
			case <-ctx.Done():
			}
		})
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case root := <-due:
			fn(h.revalidate(root))
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Has(fsnotify.Create) && filepath.Dir(event.Name) == h.roots.Environments {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					_ = watcher.Add(event.Name)
				}
				continue
			}
			if filepath.Base(event.Name) != paths.ConfigFile {
				continue
			}
			if root, ok := h.roots.PluginOf(event.Name); ok && filepath.Dir(event.Name) == root.Dir {
				schedule(root)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			h.logger.Error("config watcher error", "error", err)
		}
	}
}

func (h *Host) revalidate(root paths.PluginRoot) ConfigEvent {
	ev := ConfigEvent{Plugin: root.ID}
	if err := configs.ValidatePermissions(root); err != nil {
		h.logger.Error("plugin configs became invalid", "plugin", root.ID, "error", err)
		ev.Err = err
		return ev
	}
	ev.Configs = len(h.loadConfigs(root))
	h.logger.Info("plugin configs reloaded", "plugin", root.ID, "configs", ev.Configs)
	return ev
}

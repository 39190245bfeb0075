package discovery

import (
	"context"
	"encoding/json"
	"log"
	"os"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// TargetList holds statically configured backend addresses loaded from a
// JSON file (["host:port", ...]) and hot-reloaded when the file changes.
type TargetList struct {
	mu    sync.RWMutex
	path  string
	addrs []string
}

// WatchTargets loads the targets file and watches it for changes until ctx
// is cancelled. The initial load must succeed; later reload failures keep
// the previous list.
func WatchTargets(ctx context.Context, path string) (*TargetList, error) {
	t := &TargetList{path: path}
	if err := t.reload(); err != nil {
		return nil, err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := watcher.Add(path); err != nil {
		watcher.Close()
		return nil, err
	}

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
					if err := t.reload(); err != nil {
						log.Printf("⚠️ [DISCOVERY] Failed to reload targets file: %v", err)
					} else {
						log.Printf("🔄 [DISCOVERY] Targets file reloaded: %d entries", len(t.Addresses()))
					}
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Printf("⚠️ [DISCOVERY] Targets watcher error: %v", err)
			}
		}
	}()

	return t, nil
}

// Addresses returns the current target list.
func (t *TargetList) Addresses() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return append([]string(nil), t.addrs...)
}

func (t *TargetList) reload() error {
	data, err := os.ReadFile(t.path)
	if err != nil {
		return err
	}

	var addrs []string
	if err := json.Unmarshal(data, &addrs); err != nil {
		return err
	}

	t.mu.Lock()
	t.addrs = addrs
	t.mu.Unlock()
	return nil
}

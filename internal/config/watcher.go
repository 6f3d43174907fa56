package config

import (
	"context"
	"log"
	"time"

	"github.com/fsnotify/fsnotify"
)

// StartWatcher monitors the config file and hot-reloads the correlation
// policy. Supports both fsnotify and polling as fallback; the slow polling
// loop always runs as a safety net against silent non-reload.
func (c *Config) StartWatcher(ctx context.Context) {
	watcher, err := fsnotify.NewWatcher()
	usePolling := false

	if err != nil {
		log.Printf("[WARN] config watcher: fsnotify failed (%v), falling back to polling", err)
		usePolling = true
	} else {
		if err := watcher.Add(c.path); err != nil {
			log.Printf("[WARN] config watcher: cannot watch %s (%v), falling back to polling", c.path, err)
			usePolling = true
			watcher.Close()
		}
	}

	if !usePolling {
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
					if event.Op&fsnotify.Write == fsnotify.Write || event.Op&fsnotify.Create == fsnotify.Create {
						// Debounce: editors often fire write+rename bursts
						time.Sleep(100 * time.Millisecond)
						if err := c.Reload(); err != nil {
							log.Printf("[ERROR] config watcher: reload failed: %v", err)
						} else {
							log.Printf("config watcher: correlation policy reloaded")
						}
					}
				case err, ok := <-watcher.Errors:
					if !ok {
						return
					}
					log.Printf("[ERROR] config watcher: %v", err)
				}
			}
		}()
	}

	go func() {
		ticker := time.NewTicker(60 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := c.Reload(); err != nil {
					log.Printf("[WARN] config watcher: poll reload failed: %v", err)
				}
			}
		}
	}()
}

package catalog

import (
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const debounceInterval = 500 * time.Millisecond

// Watcher monitors the cache directory and rescans the catalog when
// artifacts appear or disappear, so availability stays truthful even when
// files are swapped out from under the process.
type Watcher struct {
	catalog   *Catalog
	fsWatcher *fsnotify.Watcher

	mu     sync.Mutex
	timer  *time.Timer
	cancel chan struct{}
}

// Watch starts watching the catalog's cache root. The root and any per-source
// subdirectories are created on demand by downloads, so new directories are
// added to the watch as they show up.
func Watch(c *Catalog) (*Watcher, error) {
	fsW, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	root := c.FetchDir()
	if err := os.MkdirAll(root, 0o755); err != nil {
		fsW.Close()
		return nil, err
	}
	if err := addDirsRecursive(fsW, root); err != nil {
		fsW.Close()
		return nil, err
	}

	w := &Watcher{
		catalog:   c,
		fsWatcher: fsW,
		cancel:    make(chan struct{}),
	}
	go w.loop()
	return w, nil
}

// Shutdown stops the watcher.
func (w *Watcher) Shutdown() {
	close(w.cancel)
	w.fsWatcher.Close()

	w.mu.Lock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.mu.Unlock()
}

// loop processes fsnotify events with debouncing: bursts of writes during a
// download collapse into one rescan.
func (w *Watcher) loop() {
	for {
		select {
		case <-w.cancel:
			return

		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}

			if event.Has(fsnotify.Create) {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					w.fsWatcher.Add(event.Name)
				}
			}

			w.mu.Lock()
			if w.timer != nil {
				w.timer.Stop()
			}
			w.timer = time.AfterFunc(debounceInterval, w.catalog.Rescan)
			w.mu.Unlock()

		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			log.Printf("cache watcher: %v", err)
		}
	}
}

func addDirsRecursive(w *fsnotify.Watcher, dir string) error {
	return filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil || !d.IsDir() {
			return nil
		}
		return w.Add(path)
	})
}

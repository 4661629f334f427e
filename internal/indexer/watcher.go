package indexer

import (
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"expertstream/pkg/logger"
)

const (
	// coalesceWindow batches filesystem event bursts before reindexing.
	coalesceWindow = time.Second
	// eventQueueSize bounds the pending event queue; overflow is dropped.
	eventQueueSize = 1024
)

// watcher feeds filesystem events into the index through a bounded
// queue drained by a single worker.
type watcher struct {
	idx   *Indexer
	fsw   *fsnotify.Watcher
	queue chan fsnotify.Event
	done  chan struct{}
}

// Watch starts watching the workspace tree. Subdirectories are added
// recursively, including ones created later.
func (idx *Indexer) Watch() error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	w := &watcher{
		idx:   idx,
		fsw:   fsw,
		queue: make(chan fsnotify.Event, eventQueueSize),
		done:  make(chan struct{}),
	}
	idx.watch = w

	if err := w.addRecursive(idx.root); err != nil {
		fsw.Close()
		return err
	}

	go w.receive()
	go w.work()

	logger.Info().Str("root", idx.root).Msg("Watching workspace for changes")
	return nil
}

func (w *watcher) addRecursive(root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if w.idx.ignoredDir(d.Name()) && path != root {
			return filepath.SkipDir
		}
		return w.fsw.Add(path)
	})
}

// receive moves raw events into the bounded queue.
func (w *watcher) receive() {
	for {
		select {
		case <-w.done:
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			select {
			case w.queue <- ev:
			default:
				logger.Warn().Str("path", ev.Name).Msg("Event queue full, dropping filesystem event")
			}
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			logger.Warn().Err(err).Msg("Filesystem watcher error")
		}
	}
}

// work drains the queue, coalescing bursts within coalesceWindow and
// applying them as one batch.
func (w *watcher) work() {
	for {
		var first fsnotify.Event
		select {
		case <-w.done:
			return
		case first = <-w.queue:
		}

		batch := map[string]fsnotify.Event{first.Name: first}
		timer := time.NewTimer(coalesceWindow)

	collect:
		for {
			select {
			case <-w.done:
				timer.Stop()
				return
			case ev := <-w.queue:
				// Last event per path wins within the window.
				batch[ev.Name] = ev
			case <-timer.C:
				break collect
			}
		}

		w.apply(batch)
	}
}

func (w *watcher) apply(batch map[string]fsnotify.Event) {
	for path, ev := range batch {
		switch {
		case ev.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
			w.idx.Remove(path)
		case ev.Op&(fsnotify.Create|fsnotify.Write) != 0:
			info, err := os.Stat(path)
			if err != nil {
				continue
			}
			if info.IsDir() {
				if ev.Op&fsnotify.Create != 0 {
					if err := w.addRecursive(path); err != nil {
						logger.Warn().Err(err).Str("path", path).Msg("Could not watch new directory")
					}
				}
				continue
			}
			if w.idx.supported(path) {
				if err := w.idx.IndexFile(path); err != nil {
					logger.Warn().Err(err).Str("path", path).Msg("Could not reindex file")
				}
			}
		}
	}
}

func (w *watcher) stop() {
	close(w.done)
	w.fsw.Close()
}

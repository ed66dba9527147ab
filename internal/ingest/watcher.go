package ingest

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
)

const (
	stabilityPoll     = 250 * time.Millisecond
	stabilityAttempts = 40
)

// Watcher auto-ingests supported files created under a directory. Partial
// writes are debounced by waiting for the file size to stop changing.
// Everything here is best-effort; failures are logged, never fatal.
type Watcher struct {
	svc        *Service
	dir        string
	collection string
	fs         *fsnotify.Watcher
	done       chan struct{}
}

// NewWatcher starts watching dir, creating it if needed.
func NewWatcher(svc *Service, dir, collection string) (*Watcher, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create watch dir: %w", err)
	}
	fs, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	if err := fs.Add(dir); err != nil {
		fs.Close()
		return nil, fmt.Errorf("watch %s: %w", dir, err)
	}

	w := &Watcher{svc: svc, dir: dir, collection: collection, fs: fs, done: make(chan struct{})}
	go w.run()

	log.Info().Str("dir", dir).Str("collection", collection).Msg("Watching directory for new files")
	return w, nil
}

func (w *Watcher) run() {
	for {
		select {
		case event, ok := <-w.fs.Events:
			if !ok {
				return
			}
			if event.Has(fsnotify.Create) && IsSupported(event.Name) {
				go w.ingest(event.Name)
			}
		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			log.Warn().Err(err).Msg("Watcher error")
		case <-w.done:
			return
		}
	}
}

func (w *Watcher) ingest(path string) {
	if !w.waitStable(path) {
		log.Warn().Str("file", path).Msg("Watched file never stabilized, skipping")
		return
	}

	data, err := os.ReadFile(path)
	if err != nil {
		log.Warn().Err(err).Str("file", path).Msg("Failed to read watched file")
		return
	}

	jobID, err := w.svc.StartJob(context.Background(),
		[]Upload{{Filename: filepath.Base(path), Data: data}}, w.collection)
	if err != nil {
		log.Error().Err(err).Str("file", path).Msg("Failed to start watch ingestion")
		return
	}
	log.Info().Str("file", path).Str("job_id", jobID).Str("collection", w.collection).
		Msg("Auto-ingesting watched file")
}

// waitStable polls until two consecutive size reads agree and are nonzero.
func (w *Watcher) waitStable(path string) bool {
	var last int64 = -1
	for i := 0; i < stabilityAttempts; i++ {
		select {
		case <-w.done:
			return false
		case <-time.After(stabilityPoll):
		}
		info, err := os.Stat(path)
		if err != nil {
			return false
		}
		size := info.Size()
		if size > 0 && size == last {
			return true
		}
		last = size
	}
	return false
}

func (w *Watcher) Close() error {
	close(w.done)
	return w.fs.Close()
}

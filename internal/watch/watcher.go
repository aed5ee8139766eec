package watch

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/prappser/prappser_uploader/internal/ledger"
	"github.com/prappser/prappser_uploader/internal/metrics"
	"github.com/prappser/prappser_uploader/internal/session"
	"github.com/rs/zerolog/log"
)

const (
	DefaultDebounce = 5 * time.Second
	queueSize       = 256
)

// Uploader pushes one local file through the pipeline and returns the
// video id it was stored under.
type Uploader interface {
	UploadFile(ctx context.Context, path string) (string, error)
}

type Config struct {
	Dir string
	// Debounce is the quiet period after the last write before a file is
	// considered complete.
	Debounce time.Duration
	// ScanExisting queues files already present in Dir at start.
	ScanExisting bool
}

// Watcher uploads new video files dropped into a folder, one at a time.
type Watcher struct {
	config   Config
	uploader Uploader
	ledger   ledger.Ledger

	mu     sync.Mutex
	timers map[string]*time.Timer
	queued map[string]bool
	queue  chan string
	ready  chan struct{}
}

func New(config Config, uploader Uploader, l ledger.Ledger) *Watcher {
	if config.Debounce <= 0 {
		config.Debounce = DefaultDebounce
	}
	if l == nil {
		l = ledger.NewMemoryLedger()
	}
	return &Watcher{
		config:   config,
		uploader: uploader,
		ledger:   l,
		timers:   make(map[string]*time.Timer),
		queued:   make(map[string]bool),
		queue:    make(chan string, queueSize),
		ready:    make(chan struct{}),
	}
}

// Ready is closed once the folder is being watched.
func (w *Watcher) Ready() <-chan struct{} {
	return w.ready
}

// Run watches until ctx is done. Uploads run sequentially on one worker.
func (w *Watcher) Run(ctx context.Context) error {
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer fsWatcher.Close()

	if err := fsWatcher.Add(w.config.Dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", w.config.Dir, err)
	}
	log.Info().Str("dir", w.config.Dir).Dur("debounce", w.config.Debounce).Msg("[WATCH] Watching folder")
	close(w.ready)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		w.work(ctx)
	}()
	defer func() {
		w.stopTimers()
		wg.Wait()
	}()

	if w.config.ScanExisting {
		w.scan()
	}

	for {
		select {
		case <-ctx.Done():
			log.Info().Str("dir", w.config.Dir).Msg("[WATCH] Stopped")
			return nil

		case event, ok := <-fsWatcher.Events:
			if !ok {
				return nil
			}
			w.handle(event)

		case err, ok := <-fsWatcher.Errors:
			if !ok {
				return nil
			}
			log.Error().Err(err).Msg("[WATCH] Watcher error")
		}
	}
}

func (w *Watcher) handle(event fsnotify.Event) {
	if !session.IsVideoFile(event.Name) {
		return
	}
	switch {
	case event.Has(fsnotify.Create), event.Has(fsnotify.Write):
		log.Debug().Str("path", event.Name).Str("op", event.Op.String()).Msg("[WATCH] File changed")
		w.startOrResetTimer(event.Name)
	case event.Has(fsnotify.Remove), event.Has(fsnotify.Rename):
		log.Debug().Str("path", event.Name).Msg("[WATCH] File gone")
		w.cancelTimer(event.Name)
	}
}

func (w *Watcher) scan() {
	entries, err := os.ReadDir(w.config.Dir)
	if err != nil {
		log.Error().Err(err).Str("dir", w.config.Dir).Msg("[WATCH] Failed to scan folder")
		return
	}
	for _, entry := range entries {
		path := filepath.Join(w.config.Dir, entry.Name())
		if !entry.IsDir() && session.IsVideoFile(path) {
			w.enqueue(path)
		}
	}
}

func (w *Watcher) startOrResetTimer(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if timer, ok := w.timers[path]; ok {
		timer.Stop()
	}
	var timer *time.Timer
	timer = time.AfterFunc(w.config.Debounce, func() {
		w.mu.Lock()
		if w.timers[path] == timer {
			delete(w.timers, path)
		}
		w.mu.Unlock()
		w.enqueue(path)
	})
	w.timers[path] = timer
}

func (w *Watcher) cancelTimer(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if timer, ok := w.timers[path]; ok {
		timer.Stop()
		delete(w.timers, path)
	}
}

func (w *Watcher) stopTimers() {
	w.mu.Lock()
	defer w.mu.Unlock()

	for path, timer := range w.timers {
		timer.Stop()
		delete(w.timers, path)
	}
}

func (w *Watcher) enqueue(path string) {
	w.mu.Lock()
	if w.queued[path] {
		w.mu.Unlock()
		return
	}
	w.queued[path] = true
	w.mu.Unlock()

	select {
	case w.queue <- path:
	default:
		w.mu.Lock()
		delete(w.queued, path)
		w.mu.Unlock()
		metrics.WatchedFiles.WithLabelValues("dropped").Inc()
		log.Warn().Str("path", path).Msg("[WATCH] Queue full, dropping file")
	}
}

func (w *Watcher) work(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case path := <-w.queue:
			w.mu.Lock()
			delete(w.queued, path)
			w.mu.Unlock()
			w.process(ctx, path)
		}
	}
}

func (w *Watcher) process(ctx context.Context, path string) {
	info, err := os.Stat(path)
	if err != nil {
		metrics.WatchedFiles.WithLabelValues("failed").Inc()
		log.Error().Err(err).Str("path", path).Msg("[WATCH] Failed to stat file")
		return
	}
	if info.Size() == 0 {
		metrics.WatchedFiles.WithLabelValues("skipped").Inc()
		log.Debug().Str("path", path).Msg("[WATCH] Skipping empty file")
		return
	}

	key := ledger.KeyFor(path, info)
	seen, err := w.ledger.Seen(ctx, key)
	if err != nil {
		log.Error().Err(err).Str("path", path).Msg("[WATCH] Ledger lookup failed")
	}
	if seen {
		metrics.WatchedFiles.WithLabelValues("duplicate").Inc()
		log.Info().Str("path", path).Msg("[WATCH] Already uploaded, skipping")
		return
	}

	log.Info().Str("path", path).Int64("size", info.Size()).Msg("[WATCH] Uploading file")
	videoID, err := w.uploader.UploadFile(ctx, path)
	if err != nil {
		metrics.WatchedFiles.WithLabelValues("failed").Inc()
		log.Error().Err(err).Str("path", path).Msg("[WATCH] Upload failed")
		return
	}

	metrics.WatchedFiles.WithLabelValues("uploaded").Inc()
	if err := w.ledger.Record(ctx, key, videoID); err != nil {
		log.Error().Err(err).Str("path", path).Msg("[WATCH] Failed to record upload")
	}
	log.Info().Str("path", path).Str("videoId", videoID).Msg("[WATCH] Upload complete")
}

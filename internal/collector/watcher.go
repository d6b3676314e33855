package collector

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
)

// SpoolWatcher monitors a directory for sensor dump files written by
// devices that buffered while offline. Each .bin file is a single
// zstd-compressed packet; the watcher publishes it with the configured
// spool user and removes the file after a successful publish.
type SpoolWatcher struct {
	pub         Publisher
	rawExchange string
	spoolDir    string
	userID      string
	log         zerolog.Logger

	watcher *fsnotify.Watcher
	ctx     context.Context
	cancel  context.CancelFunc

	// Coalesce rapid Create+Write events on the same file.
	debounceMu     sync.Mutex
	debounceTimers map[string]*time.Timer

	filesPublished atomic.Int64
	filesSkipped   atomic.Int64
}

// NewSpoolWatcher creates a watcher for spoolDir. Call Start to begin.
func NewSpoolWatcher(pub Publisher, rawExchange, spoolDir, userID string, log zerolog.Logger) *SpoolWatcher {
	ctx, cancel := context.WithCancel(context.Background())
	return &SpoolWatcher{
		pub:            pub,
		rawExchange:    rawExchange,
		spoolDir:       spoolDir,
		userID:         userID,
		log:            log.With().Str("component", "spool").Logger(),
		ctx:            ctx,
		cancel:         cancel,
		debounceTimers: make(map[string]*time.Timer),
	}
}

// Start initializes fsnotify on the spool directory, drains any files
// already present, and begins watching for new ones.
func (sw *SpoolWatcher) Start() error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	sw.watcher = w

	if err := w.Add(sw.spoolDir); err != nil {
		w.Close()
		return err
	}

	sw.log.Info().Str("spool_dir", sw.spoolDir).Msg("spool watcher started")

	go sw.watchLoop()
	go sw.drainExisting()
	return nil
}

// Stop closes the watcher and cancels in-flight publishes.
func (sw *SpoolWatcher) Stop() {
	sw.cancel()
	if sw.watcher != nil {
		sw.watcher.Close()
	}
	sw.log.Info().
		Int64("files_published", sw.filesPublished.Load()).
		Int64("files_skipped", sw.filesSkipped.Load()).
		Msg("spool watcher stopped")
}

func (sw *SpoolWatcher) watchLoop() {
	for {
		select {
		case <-sw.ctx.Done():
			return

		case event, ok := <-sw.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			if !strings.HasSuffix(strings.ToLower(event.Name), ".bin") {
				continue
			}
			sw.schedulePublish(event.Name)

		case err, ok := <-sw.watcher.Errors:
			if !ok {
				return
			}
			sw.log.Error().Err(err).Msg("fsnotify error")
		}
	}
}

// schedulePublish debounces by 500ms so the file is fully written
// before we read it.
func (sw *SpoolWatcher) schedulePublish(path string) {
	sw.debounceMu.Lock()
	defer sw.debounceMu.Unlock()

	if t, ok := sw.debounceTimers[path]; ok {
		t.Reset(500 * time.Millisecond)
		return
	}

	sw.debounceTimers[path] = time.AfterFunc(500*time.Millisecond, func() {
		sw.debounceMu.Lock()
		delete(sw.debounceTimers, path)
		sw.debounceMu.Unlock()

		sw.publishFile(path)
	})
}

// publishFile reads one spool file and publishes it. The file is
// removed only after the broker accepts the message; a failed publish
// leaves it in place for the next drain pass.
func (sw *SpoolWatcher) publishFile(path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		sw.log.Warn().Err(err).Str("path", path).Msg("failed to read spool file")
		return
	}
	if len(data) == 0 {
		sw.filesSkipped.Add(1)
		return
	}

	err = sw.pub.Publish(sw.ctx, sw.rawExchange, "", amqp.Publishing{
		ContentType:     "application/octet-stream",
		ContentEncoding: "zstd",
		Headers:         amqp.Table{"user_id": sw.userID},
		Body:            data,
	})
	if err != nil {
		sw.log.Warn().Err(err).Str("path", path).Msg("spool publish failed, will retry")
		return
	}

	if err := os.Remove(path); err != nil {
		sw.log.Warn().Err(err).Str("path", path).Msg("failed to remove spool file")
	}
	sw.filesPublished.Add(1)
	sw.log.Debug().Str("path", path).Int("bytes", len(data)).Msg("spool file published")
}

// drainExisting publishes files that were spooled before the watcher
// started. It retries on an interval until the directory is empty or
// the watcher stops, covering broker downtime at startup.
func (sw *SpoolWatcher) drainExisting() {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for {
		remaining := 0
		_ = filepath.WalkDir(sw.spoolDir, func(path string, d fs.DirEntry, err error) error {
			if err != nil || d.IsDir() {
				return nil
			}
			if !strings.HasSuffix(strings.ToLower(path), ".bin") {
				return nil
			}
			remaining++
			sw.publishFile(path)
			return nil
		})
		if remaining == 0 {
			return
		}

		select {
		case <-sw.ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

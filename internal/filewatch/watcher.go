// Package filewatch is the alternate ingest front-end: it watches a
// directory for dropped .torrent files, waits for each to stabilize,
// extracts an optional category from a "[Category]name.torrent"
// filename prefix, and feeds the same ingest queue the webhook uses.
package filewatch

import (
	"context"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

const (
	stabilityCheckInterval = 300 * time.Millisecond
	stabilityCheckCount    = 3
	// stabilityCheckSlack covers files written in bursts, mirroring the
	// original watcher's generous timeout before giving up.
	stabilityCheckSlack = 30
)

var categoryPrefix = regexp.MustCompile(`^\[([^\]]+)\]`)

// Enqueuer is the narrow capability the watcher needs from the ingest
// queue.
type Enqueuer interface {
	Enqueue(downloadURL, releaseName, category string) error
}

// Config controls the watched directory and file age policy.
type Config struct {
	WatchDir     string
	MaxAge       time.Duration
	ScanInterval time.Duration // cadence for the stale-file sweep
}

type Watcher struct {
	cfg   Config
	queue Enqueuer
	log   zerolog.Logger
}

func New(cfg Config, queue Enqueuer, log zerolog.Logger) *Watcher {
	if cfg.ScanInterval <= 0 {
		cfg.ScanInterval = time.Minute
	}
	return &Watcher{cfg: cfg, queue: queue, log: log}
}

// Run watches cfg.WatchDir until ctx is canceled. It also launches a
// periodic sweep that deletes torrent files that aged out while
// waiting to stabilize or while the queue was backed up.
func (w *Watcher) Run(ctx context.Context) error {
	if err := os.MkdirAll(w.cfg.WatchDir, 0o755); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Join(w.cfg.WatchDir, "processed"), 0o755); err != nil {
		return err
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fsw.Close()

	if err := fsw.Add(w.cfg.WatchDir); err != nil {
		return err
	}

	w.scanExisting()

	go w.sweepLoop(ctx)

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			// A panic handling one event is caught, logged, and
			// followed by a 5-second sleep before the loop resumes,
			// per the background-worker policy every worker here
			// follows.
			func() {
				defer func() {
					if r := recover(); r != nil {
						w.log.Error().Interface("panic", r).Msg("file watcher panicked, recovering")
						time.Sleep(5 * time.Second)
					}
				}()
				if event.Op&fsnotify.Create == 0 {
					return
				}
				if !strings.HasSuffix(event.Name, ".torrent") {
					return
				}
				w.log.Info().Str("file", filepath.Base(event.Name)).Msg("new torrent file discovered")
				go w.waitForStability(ctx, event.Name)
			}()
		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			w.log.Warn().Err(err).Msg("file watcher error")
		}
	}
}

// scanExisting picks up *.torrent files already sitting in the watch
// directory at startup, so a restart doesn't silently skip anything
// dropped while the process was down. Pre-existing files are assumed
// to be at rest already, so they go straight to enqueueFile rather
// than through the stability poll new fsnotify events use.
func (w *Watcher) scanExisting() {
	matches, err := filepath.Glob(filepath.Join(w.cfg.WatchDir, "*.torrent"))
	if err != nil {
		w.log.Warn().Err(err).Msg("failed to scan watch directory for existing torrent files")
		return
	}
	for _, path := range matches {
		info, err := os.Stat(path)
		if err != nil {
			continue
		}
		w.log.Info().Str("file", filepath.Base(path)).Msg("found existing torrent file at startup")
		w.enqueueFile(path, info.ModTime())
	}
}

// waitForStability polls a file's size until it is unchanged across
// stabilityCheckCount consecutive reads, then enqueues it.
func (w *Watcher) waitForStability(ctx context.Context, path string) {
	lastSize := int64(-1)
	stable := 0

	for i := 0; i < stabilityCheckCount+stabilityCheckSlack; i++ {
		select {
		case <-ctx.Done():
			return
		default:
		}

		info, err := os.Stat(path)
		if err != nil {
			w.log.Debug().Str("file", filepath.Base(path)).Msg("file disappeared before stabilizing")
			return
		}

		if info.Size() == lastSize {
			stable++
			if stable >= stabilityCheckCount {
				w.enqueueFile(path, info.ModTime())
				return
			}
		} else {
			stable = 0
			lastSize = info.Size()
		}

		time.Sleep(stabilityCheckInterval)
	}

	w.log.Warn().Str("file", filepath.Base(path)).Msg("file size never stabilized, giving up")
}

func (w *Watcher) enqueueFile(path string, createdAt time.Time) {
	age := time.Since(createdAt)
	if w.cfg.MaxAge > 0 && age > w.cfg.MaxAge {
		w.log.Warn().Str("file", filepath.Base(path)).Dur("age", age).Msg("skipping expired torrent file")
		return
	}

	name := filepath.Base(path)
	category := extractCategory(name)

	releaseName := strings.TrimSuffix(categoryPrefix.ReplaceAllString(name, ""), ".torrent")

	if err := w.queue.Enqueue("file://"+path, releaseName, category); err != nil {
		w.log.Error().Err(err).Str("file", name).Msg("failed to enqueue torrent file")
		return
	}

	w.log.Info().Str("file", name).Str("category", category).Msg("queued torrent file from watch directory")
	w.moveToProcessed(path)
}

func (w *Watcher) moveToProcessed(path string) {
	dest := filepath.Join(filepath.Dir(path), "processed", filepath.Base(path))
	if err := os.Rename(path, dest); err != nil {
		w.log.Warn().Err(err).Str("file", filepath.Base(path)).Msg("failed to move processed torrent file")
	}
}

// extractCategory pulls a leading "[Category]" prefix from a filename,
// e.g. "[Movies]example.torrent" -> "Movies".
func extractCategory(filename string) string {
	m := categoryPrefix.FindStringSubmatch(filename)
	if m == nil {
		return ""
	}
	return m[1]
}

// sweepLoop periodically deletes torrent files left in the watch
// directory past their max age, catching files that stabilized but
// were never successfully enqueued.
func (w *Watcher) sweepLoop(ctx context.Context) {
	if w.cfg.MaxAge <= 0 {
		return
	}
	ticker := time.NewTicker(w.cfg.ScanInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.sweepOnce()
		}
	}
}

func (w *Watcher) sweepOnce() {
	entries, err := os.ReadDir(w.cfg.WatchDir)
	if err != nil {
		return
	}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".torrent") {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if time.Since(info.ModTime()) > w.cfg.MaxAge {
			path := filepath.Join(w.cfg.WatchDir, entry.Name())
			if err := os.Remove(path); err == nil {
				w.log.Info().Str("file", entry.Name()).Msg("removed expired torrent file from watch directory")
			}
		}
	}
}

package ingest

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/agentworkforce/pulse/internal/pulse"
)

var ErrSpoolUnavailable = errors.New("spool directory unavailable")

const (
	archiveDirName    = "archive"
	quarantineDirName = "quarantine"
	settleDelay       = 100 * time.Millisecond
)

type Options struct {
	// SpoolDir is the directory the importer drops snapshot files into.
	// Processed files move to SpoolDir/archive, rejected ones to
	// SpoolDir/quarantine.
	SpoolDir string
	Pipeline *pulse.Pipeline
}

type Stats struct {
	ProcessedTotal   uint64 `json:"processedTotal"`
	QuarantinedTotal uint64 `json:"quarantinedTotal"`
}

// Watcher ingests snapshot files from a spool directory. JSON snapshots
// carry the user and mailbox state inline; ICS drops are calendar-only
// and name the user in the filename as "<userID>_<anything>.ics". The
// watcher rescans the spool on start so files dropped while the daemon
// was down are not lost.
type Watcher struct {
	spoolDir string
	pipeline *pulse.Pipeline

	watcher   *fsnotify.Watcher
	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	processed   atomic.Uint64
	quarantined atomic.Uint64
}

func NewWatcher(opts Options) (*Watcher, error) {
	spoolDir := strings.TrimSpace(opts.SpoolDir)
	if spoolDir == "" || opts.Pipeline == nil {
		return nil, pulse.ErrInvalidInput
	}
	if err := os.MkdirAll(spoolDir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSpoolUnavailable, err)
	}
	for _, sub := range []string{archiveDirName, quarantineDirName} {
		if err := os.MkdirAll(filepath.Join(spoolDir, sub), 0o755); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrSpoolUnavailable, err)
		}
	}
	return &Watcher{
		spoolDir: spoolDir,
		pipeline: opts.Pipeline,
		closed:   make(chan struct{}),
	}, nil
}

func (w *Watcher) Stats() Stats {
	return Stats{
		ProcessedTotal:   w.processed.Load(),
		QuarantinedTotal: w.quarantined.Load(),
	}
}

// Start rescans the spool for catch-up, then watches for new drops until
// Close is called.
func (w *Watcher) Start(ctx context.Context) error {
	if w == nil {
		return pulse.ErrInvalidInput
	}
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := fsWatcher.Add(w.spoolDir); err != nil {
		_ = fsWatcher.Close()
		return fmt.Errorf("%w: %v", ErrSpoolUnavailable, err)
	}
	w.watcher = fsWatcher

	w.Rescan(ctx)

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.loop(ctx)
	}()
	return nil
}

func (w *Watcher) Close() {
	w.closeOnce.Do(func() {
		close(w.closed)
		if w.watcher != nil {
			_ = w.watcher.Close()
		}
		w.wg.Wait()
	})
}

// Rescan processes every snapshot file currently sitting in the spool.
func (w *Watcher) Rescan(ctx context.Context) {
	entries, err := os.ReadDir(w.spoolDir)
	if err != nil {
		log.Printf("ingest: rescan %s: %v", w.spoolDir, err)
		return
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		w.processFile(ctx, filepath.Join(w.spoolDir, entry.Name()))
	}
}

func (w *Watcher) loop(ctx context.Context) {
	for {
		select {
		case <-w.closed:
			return
		case <-ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			// Give the writer a moment to finish; importers write the
			// file and then close it without an atomic rename.
			time.Sleep(settleDelay)
			w.processFile(ctx, event.Name)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Printf("ingest: watch error: %v", err)
		}
	}
}

func (w *Watcher) processFile(ctx context.Context, path string) {
	name := filepath.Base(path)
	if strings.HasPrefix(name, ".") || strings.HasSuffix(name, ".tmp") {
		return
	}
	ext := strings.ToLower(filepath.Ext(name))
	if ext != ".json" && ext != ".ics" {
		return
	}
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return
	}

	snap, err := w.readSnapshot(path, ext)
	if err != nil {
		// The importer writes in place without an atomic rename, so a
		// Create event can race a half-written file. Give the writer one
		// more settle window before giving up on it.
		time.Sleep(settleDelay)
		snap, err = w.readSnapshot(path, ext)
	}
	if err != nil {
		log.Printf("ingest: rejecting %s: %v", name, err)
		w.quarantined.Add(1)
		w.moveTo(path, quarantineDirName)
		return
	}

	events, _ := w.pipeline.ProcessSnapshot(ctx, snap)
	log.Printf("ingest: processed %s for %s, %d events detected", name, snap.UserID, len(events))
	w.processed.Add(1)
	w.moveTo(path, archiveDirName)
}

func (w *Watcher) readSnapshot(path, ext string) (pulse.Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return pulse.Snapshot{}, err
	}
	if ext == ".ics" {
		userID := userIDFromFilename(filepath.Base(path))
		if userID == "" {
			return pulse.Snapshot{}, fmt.Errorf("%w: ics drop missing user prefix", pulse.ErrInvalidInput)
		}
		items, err := pulse.ParseICSCalendar(data)
		if err != nil {
			return pulse.Snapshot{}, err
		}
		return pulse.Snapshot{
			UserID:        userID,
			CapturedAt:    time.Now().UTC(),
			CalendarItems: items,
		}, nil
	}
	return pulse.DecodeSnapshot(data)
}

func userIDFromFilename(name string) string {
	name = strings.TrimSuffix(name, filepath.Ext(name))
	userID, _, found := strings.Cut(name, "_")
	if !found {
		return ""
	}
	return strings.TrimSpace(userID)
}

func (w *Watcher) moveTo(path, subdir string) {
	target := filepath.Join(w.spoolDir, subdir, fmt.Sprintf("%d-%s", time.Now().UnixNano(), filepath.Base(path)))
	if err := os.Rename(path, target); err != nil {
		log.Printf("ingest: move %s to %s: %v", path, subdir, err)
	}
}

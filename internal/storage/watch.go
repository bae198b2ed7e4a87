package storage

import (
	"context"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultWatchQuiet is the quiet period Watch waits for before reporting.
const DefaultWatchQuiet = 200 * time.Millisecond

// ForeignFunc reports whether a change to the named file came from outside
// the process. Returning false suppresses the event.
type ForeignFunc func(name string) bool

// Watch observes dir for note files changed by other programs and calls
// onChange once per burst of changes, after quiet has elapsed with no
// further events. It blocks until ctx is cancelled.
//
// Rename events are always reported: fsnotify only names the old path, so
// there is nothing left to compare against.
func Watch(ctx context.Context, dir string, quiet time.Duration, foreign ForeignFunc, logger *slog.Logger, onChange func()) error {
	if quiet <= 0 {
		quiet = DefaultWatchQuiet
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()

	if err := w.Add(dir); err != nil {
		return err
	}

	logger.Info("watcher: started", slog.String("root", dir))

	var timer *time.Timer
	var timerCh <-chan time.Time

	schedule := func() {
		if timer == nil {
			timer = time.NewTimer(quiet)
			timerCh = timer.C
		} else {
			timer.Reset(quiet)
		}
	}

	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			logger.Info("watcher: stopped")
			return nil

		case <-timerCh:
			logger.Debug("watcher: external change settled", slog.String("root", dir))
			onChange()

		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			name := filepath.Base(ev.Name)
			if !strings.HasSuffix(name, noteExt) || strings.HasPrefix(name, ".") {
				continue
			}

			switch {
			case ev.Op&fsnotify.Rename != 0:
				logger.Debug("watcher: renamed", slog.String("file", name))
				schedule()
			case ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove) != 0:
				if foreign != nil && !foreign(name) {
					continue
				}
				logger.Debug("watcher: changed", slog.String("file", name), slog.String("op", ev.Op.String()))
				schedule()
			}

		case watchErr, ok := <-w.Errors:
			if !ok {
				return nil
			}
			logger.Error("watcher: error", slog.String("error", watchErr.Error()))
		}
	}
}

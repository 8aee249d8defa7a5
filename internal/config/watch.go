package config

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	logx "mailsched/pkg/logx"
)

const reloadDebounce = 250 * time.Millisecond

// ErrWatcherClosed is returned by Watch when fsnotify stops delivering
// events. Callers restart Watch with backoff.
var ErrWatcherClosed = errors.New("config watcher closed")

// Watch reloads the config whenever its file changes, until ctx is done.
// The parent directory is watched so editors that save by rename are seen.
// A rejected reload is logged and the committed config stays in place.
func (m *ConfigManager) Watch(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()

	dir, name := filepath.Dir(m.path), filepath.Base(m.path)
	if err := w.Add(dir); err != nil {
		return err
	}
	log := m.logger()
	log.Debug("config watch started", logx.String("path", m.path))

	d := &debouncer{delay: reloadDebounce, fn: func() {
		if _, err := m.Reload(ctx); err != nil {
			log.Warn("config rejected", logx.String("path", m.path), logx.Err(err))
		}
	}}
	defer d.stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return ErrWatcherClosed
			}
			if filepath.Base(ev.Name) == name && ev.Op&^fsnotify.Chmod != 0 {
				d.trigger()
			}
		case err, ok := <-w.Errors:
			if !ok {
				return ErrWatcherClosed
			}
			if errors.Is(err, fsnotify.ErrEventOverflow) {
				// Events were lost; the file may have changed.
				log.Warn("config watch overflow; reloading", logx.Err(err))
				d.trigger()
				continue
			}
			log.Warn("config watch error", logx.Err(err))
		}
	}
}

// debouncer runs fn once delay after the last trigger.
type debouncer struct {
	delay time.Duration
	fn    func()

	mu    sync.Mutex
	timer *time.Timer
}

func (d *debouncer) trigger() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = time.AfterFunc(d.delay, d.fn)
}

func (d *debouncer) stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.timer != nil {
		d.timer.Stop()
	}
}

package desk

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Run refreshes the snapshot on every poll tick, after local file changes
// settle, and after operations that change pending work. It returns when ctx
// is done.
func (d *Desk) Run(ctx context.Context) error {
	d.logger.Info("desk started", "poll_interval", d.cfg.PollInterval, "watch", d.cfg.WatchEnabled())

	d.Refresh(ctx)

	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()

	w := d.startWatcher(ctx)
	defer func() { w.close() }()

	var (
		debounce *time.Timer
		settled  <-chan time.Time
	)
	defer func() {
		if debounce != nil {
			debounce.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			d.logger.Info("desk stopped")
			return nil

		case <-ticker.C:
			d.Refresh(ctx)

		case <-d.refreshCh:
			d.Refresh(ctx)

		case <-d.switchCh:
			w.close()
			w = d.startWatcher(ctx)
			settled = nil

		case ev, ok := <-w.events():
			if !ok {
				w.close()
				continue
			}
			if !relevant(ev) {
				continue
			}
			d.logger.Debug("workspace changed", "path", ev.Name, "op", ev.Op.String())
			if debounce == nil {
				debounce = time.NewTimer(d.cfg.Watch.Debounce)
			} else {
				debounce.Reset(d.cfg.Watch.Debounce)
			}
			settled = debounce.C

		case err, ok := <-w.errors():
			if !ok {
				w.close()
				continue
			}
			d.logger.Warn("watcher error", "error", err)

		case <-settled:
			settled = nil
			d.Refresh(ctx)
		}
	}
}

// relevant filters out attribute changes and hidden files such as editor
// swap files and .p4config.
func relevant(ev fsnotify.Event) bool {
	if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Remove) && !ev.Has(fsnotify.Rename) {
		return false
	}
	base := filepath.Base(ev.Name)
	return !strings.HasPrefix(base, ".") && !strings.HasSuffix(base, "~")
}

// rootWatcher wraps an optional fsnotify watcher. A nil watcher yields nil
// channels, which block forever in a select.
type rootWatcher struct {
	fw *fsnotify.Watcher
}

func (w *rootWatcher) events() <-chan fsnotify.Event {
	if w.fw == nil {
		return nil
	}
	return w.fw.Events
}

func (w *rootWatcher) errors() <-chan error {
	if w.fw == nil {
		return nil
	}
	return w.fw.Errors
}

func (w *rootWatcher) close() {
	if w.fw == nil {
		return
	}
	_ = w.fw.Close()
	w.fw = nil
}

// startWatcher watches the workspace root and its visible top-level
// directories. Any failure leaves polling as the only refresh source.
func (d *Desk) startWatcher(ctx context.Context) *rootWatcher {
	w := &rootWatcher{}
	if !d.cfg.WatchEnabled() {
		return w
	}

	info, err := d.client.Info(ctx, d.Session())
	if err != nil || info.Root == "" {
		d.logger.Debug("workspace watch disabled", "reason", "workspace root unknown")
		return w
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		d.logger.Warn("create watcher failed", "error", err)
		return w
	}
	if err := fw.Add(info.Root); err != nil {
		d.logger.Warn("watch workspace root failed", "root", info.Root, "error", err)
		_ = fw.Close()
		return w
	}

	watched := 1
	entries, err := os.ReadDir(info.Root)
	if err == nil {
		for _, e := range entries {
			if !e.IsDir() || strings.HasPrefix(e.Name(), ".") {
				continue
			}
			if err := fw.Add(filepath.Join(info.Root, e.Name())); err != nil {
				d.logger.Debug("watch directory failed", "dir", e.Name(), "error", err)
				continue
			}
			watched++
		}
	}
	d.logger.Info("watching workspace", "root", info.Root, "dirs", watched)
	w.fw = fw
	return w
}

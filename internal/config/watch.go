package config

import (
	"github.com/fsnotify/fsnotify"

	"github.com/petervdpas/chatbackbone/internal/logging"
)

// Watcher hot-reloads non-behavioral fields of a config file, mirroring the
// teacher's own use of fsnotify (petervdpas/goop2 watches site/template
// directories; here it watches the single config file).
type Watcher struct {
	path   string
	fsw    *fsnotify.Watcher
	onLoad func(Config)
	done   chan struct{}
}

// Watch starts watching path for changes and invokes onLoad with the newly
// parsed Config whenever Reloadable(current) holds. Call Close to stop.
func Watch(path string, current Config, onLoad func(Config)) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fsw.Add(path); err != nil {
		fsw.Close()
		return nil, err
	}
	w := &Watcher{path: path, fsw: fsw, onLoad: onLoad, done: make(chan struct{})}
	go w.loop(current)
	return w, nil
}

func (w *Watcher) loop(last Config) {
	for {
		select {
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			next, err := Load(w.path)
			if err != nil {
				logging.Server.Warnw("config reload failed, keeping previous config", "err", err)
				continue
			}
			if !next.Reloadable(last) {
				logging.Server.Warnw("config change touches server_id/udp_port/tcp_port; restart required, ignoring")
				continue
			}
			last = next
			w.onLoad(next)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			logging.Server.Warnw("config watcher error", "err", err)
		case <-w.done:
			return
		}
	}
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	close(w.done)
	return w.fsw.Close()
}

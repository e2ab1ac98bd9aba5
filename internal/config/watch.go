package config

import (
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("config")

// debounceDelay coalesces editor write bursts into one reload.
const debounceDelay = 300 * time.Millisecond

// Watcher reloads the config file on change and hands every valid new
// version to the callback. Invalid edits are logged and skipped; the last
// good config stays in effect.
type Watcher struct {
	path     string
	onChange func(Config)
	fsw      *fsnotify.Watcher
	closed   chan struct{}
}

// Watch starts watching path. The parent directory is watched rather than
// the file itself, so atomic save-and-rename editors keep working.
func Watch(path string, onChange func(Config)) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fsw.Add(filepath.Dir(path)); err != nil {
		fsw.Close()
		return nil, err
	}

	w := &Watcher{
		path:     path,
		onChange: onChange,
		fsw:      fsw,
		closed:   make(chan struct{}),
	}
	go w.loop()
	return w, nil
}

func (w *Watcher) loop() {
	var debounce *time.Timer
	base := filepath.Base(w.path)

	for {
		select {
		case <-w.closed:
			return
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != base {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(debounceDelay, w.reload)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			log.Warnf("watcher error: %v", err)
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := Load(w.path)
	if err != nil {
		log.Warnf("config reload skipped: %v", err)
		return
	}
	log.Infof("config reloaded from %s", w.path)
	w.onChange(cfg)
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	select {
	case <-w.closed:
		return nil
	default:
	}
	close(w.closed)
	return w.fsw.Close()
}

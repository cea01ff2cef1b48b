package config

import (
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// ChangeHandler receives the newly loaded config.
type ChangeHandler func(cfg *Config)

// Watcher reloads the config file when it changes and notifies handlers.
// Changes are debounced; a reload that fails validation is logged and dropped.
type Watcher struct {
	path     string
	watcher  *fsnotify.Watcher
	handlers []ChangeHandler
	debounce time.Duration
	stopCh   chan struct{}
	log      *zap.Logger
	mu       sync.Mutex
}

// NewWatcher creates a watcher for path. Call Start to begin watching.
func NewWatcher(path string, log *zap.Logger) (*Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Watcher{
		path:     path,
		watcher:  w,
		debounce: 300 * time.Millisecond,
		log:      log.Named("config"),
	}, nil
}

// OnChange registers a handler.
func (cw *Watcher) OnChange(h ChangeHandler) {
	cw.mu.Lock()
	defer cw.mu.Unlock()
	cw.handlers = append(cw.handlers, h)
}

func (cw *Watcher) Start() error {
	if err := cw.watcher.Add(cw.path); err != nil {
		return err
	}
	cw.stopCh = make(chan struct{})
	go cw.loop()
	cw.log.Info("config watcher started", zap.String("path", cw.path))
	return nil
}

func (cw *Watcher) Stop() {
	if cw.stopCh != nil {
		close(cw.stopCh)
		cw.stopCh = nil
	}
	cw.watcher.Close()
}

func (cw *Watcher) loop() {
	stop := cw.stopCh
	var timer *time.Timer
	for {
		select {
		case <-stop:
			if timer != nil {
				timer.Stop()
			}
			return
		case ev, ok := <-cw.watcher.Events:
			if !ok {
				return
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(cw.debounce, cw.reload)
		case err, ok := <-cw.watcher.Errors:
			if !ok {
				return
			}
			cw.log.Warn("config watcher error", zap.Error(err))
		}
	}
}

func (cw *Watcher) reload() {
	cfg, err := Load(cw.path)
	if err != nil {
		cw.log.Warn("config reload rejected", zap.String("path", cw.path), zap.Error(err))
		return
	}

	cw.mu.Lock()
	handlers := make([]ChangeHandler, len(cw.handlers))
	copy(handlers, cw.handlers)
	cw.mu.Unlock()

	for _, h := range handlers {
		h(cfg)
	}
	cw.log.Info("config reloaded", zap.String("path", cw.path))
}

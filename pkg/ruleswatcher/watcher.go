package ruleswatcher

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/kubescape/endpoint-agent/pkg/scanner"
	"github.com/kubescape/endpoint-agent/pkg/utils"
	"github.com/kubescape/go-logger"
	"github.com/kubescape/go-logger/helpers"
)

const (
	DefaultDebounce       = 500 * time.Millisecond
	resyncJitterPercent   = 10
	defaultResyncInterval = 5 * time.Minute
)

var _ RulesWatcher = (*RulesWatcherImpl)(nil)

// RulesWatcherImpl reloads rules when files under the watched paths change,
// and on a jittered resync interval in case a notification was missed.
// Failed reloads keep the current ruleset.
type RulesWatcherImpl struct {
	paths    []string
	reloader Reloader
	callback RulesWatcherCallback
	resync   time.Duration
	debounce time.Duration

	mu      sync.Mutex
	watcher *fsnotify.Watcher
	cancel  context.CancelFunc
	done    chan struct{}
	// files maps a watched directory to the rule files watched in it; an
	// empty set means every rule file in the directory counts.
	files map[string]map[string]bool
}

func NewRulesWatcher(paths []string, reloader Reloader, resync, debounce time.Duration, callback RulesWatcherCallback) *RulesWatcherImpl {
	if resync <= 0 {
		resync = defaultResyncInterval
	}
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	return &RulesWatcherImpl{
		paths:    paths,
		reloader: reloader,
		callback: callback,
		resync:   resync,
		debounce: debounce,
	}
}

// InitialSync loads the rules once and returns the error instead of logging
// it, so startup can fail on a broken ruleset.
func (w *RulesWatcherImpl) InitialSync(_ context.Context) error {
	if err := w.reloader.ReloadPaths(w.paths); err != nil {
		return err
	}
	if w.callback != nil {
		w.callback()
	}
	return nil
}

func (w *RulesWatcherImpl) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.watcher != nil {
		return nil
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}
	files := map[string]map[string]bool{}
	for _, path := range w.paths {
		dir, name, err := watchTarget(path)
		if err != nil {
			_ = fw.Close()
			return err
		}
		if _, ok := files[dir]; !ok {
			if err := fw.Add(dir); err != nil {
				_ = fw.Close()
				return fmt.Errorf("failed to watch %s: %w", dir, err)
			}
			files[dir] = map[string]bool{}
		}
		if name != "" {
			files[dir][name] = true
		}
	}

	ctx, cancel := context.WithCancel(ctx)
	w.watcher = fw
	w.files = files
	w.cancel = cancel
	w.done = make(chan struct{})
	go w.run(ctx, fw, w.done)
	logger.L().Info("RulesWatcher - watching rule paths", helpers.Interface("paths", w.paths))
	return nil
}

// watchTarget returns the directory to watch for path and, when path is a
// file, its base name. Files are watched through their directory so editors
// that replace the file are still seen.
func watchTarget(path string) (string, string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", "", fmt.Errorf("rule path %s: %w", path, err)
	}
	if info.IsDir() {
		return filepath.Clean(path), "", nil
	}
	return filepath.Dir(path), filepath.Base(path), nil
}

func (w *RulesWatcherImpl) Stop() {
	w.mu.Lock()
	if w.watcher == nil {
		w.mu.Unlock()
		return
	}
	w.cancel()
	done := w.done
	fw := w.watcher
	w.watcher = nil
	w.mu.Unlock()

	<-done
	_ = fw.Close()
}

func (w *RulesWatcherImpl) run(ctx context.Context, fw *fsnotify.Watcher, done chan struct{}) {
	defer close(done)

	debounce := time.NewTimer(0)
	if !debounce.Stop() {
		<-debounce.C
	}
	resync := time.NewTimer(w.nextResync())
	defer debounce.Stop()
	defer resync.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-fw.Events:
			if !ok {
				return
			}
			if !w.relevant(event) {
				continue
			}
			logger.L().Debug("RulesWatcher - rule change detected",
				helpers.String("path", event.Name),
				helpers.String("op", event.Op.String()))
			debounce.Reset(w.debounce)
		case err, ok := <-fw.Errors:
			if !ok {
				return
			}
			logger.L().Warning("RulesWatcher - file watcher error", helpers.Error(err))
		case <-debounce.C:
			w.syncAndNotify()
		case <-resync.C:
			logger.L().Debug("RulesWatcher - periodic resync")
			w.syncAndNotify()
			resync.Reset(w.nextResync())
		}
	}
}

func (w *RulesWatcherImpl) nextResync() time.Duration {
	d := w.resync
	utils.Jitter(&d, resyncJitterPercent)
	return d
}

func (w *RulesWatcherImpl) relevant(event fsnotify.Event) bool {
	if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
		return false
	}
	w.mu.Lock()
	names, ok := w.files[filepath.Dir(event.Name)]
	w.mu.Unlock()
	if !ok {
		return false
	}
	if len(names) > 0 {
		return names[filepath.Base(event.Name)]
	}
	return scanner.IsRuleFile(event.Name)
}

func (w *RulesWatcherImpl) syncAndNotify() {
	if err := w.reloader.ReloadPaths(w.paths); err != nil {
		logger.L().Warning("RulesWatcher - failed to reload rules, keeping current ruleset", helpers.Error(err))
		return
	}
	if w.callback != nil {
		w.callback()
		logger.L().Debug("RulesWatcher - notified callback with updated rules")
	}
}

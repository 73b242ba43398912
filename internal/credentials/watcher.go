package credentials

import (
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/giantswarm/mcp-tunnel/pkg/logging"
)

const (
	// DefaultDebounceInterval is how long the watcher waits after the last
	// change before notifying.
	DefaultDebounceInterval = 500 * time.Millisecond

	// DefaultPollInterval is used when fsnotify is unavailable.
	DefaultPollInterval = 5 * time.Second
)

// WatcherConfig configures a Watcher.
type WatcherConfig struct {
	// Path is the credential file to watch.
	Path string

	// PollInterval is the fallback polling interval.
	PollInterval time.Duration

	// Debounce collapses bursts of file events into one notification.
	Debounce time.Duration

	// OnChange is called after the credential file was written, replaced or removed.
	OnChange func()
}

// Watcher notifies when the credential file changes, for example after
// "mcp-tunnel auth login" ran in another terminal.
type Watcher struct {
	mu sync.Mutex

	config WatcherConfig

	fsWatcher *fsnotify.Watcher
	stopCh    chan struct{}
	running   bool

	lastMod    time.Time
	lastExists bool

	debounceTimer *time.Timer
	debounceMu    sync.Mutex
}

// NewWatcher creates a watcher. Call Start to begin watching.
func NewWatcher(config WatcherConfig) *Watcher {
	if config.PollInterval == 0 {
		config.PollInterval = DefaultPollInterval
	}
	if config.Debounce == 0 {
		config.Debounce = DefaultDebounceInterval
	}
	return &Watcher{config: config}
}

// Start begins watching. The parent directory is created if needed, since
// fsnotify cannot watch a file that does not exist yet.
func (w *Watcher) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.running {
		return nil
	}

	w.stopCh = make(chan struct{})
	w.running = true

	dir := filepath.Dir(w.config.Path)
	if err := os.MkdirAll(dir, dirMode); err != nil {
		logging.Warn("CredentialWatcher", "Failed to create %s: %v", dir, err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		logging.Warn("CredentialWatcher", "fsnotify not available, falling back to polling: %v", err)
		go w.poll()
		return nil
	}

	if err := watcher.Add(dir); err != nil {
		logging.Warn("CredentialWatcher", "Failed to watch %s, falling back to polling: %v", dir, err)
		watcher.Close()
		go w.poll()
		return nil
	}
	w.fsWatcher = watcher

	go w.processEvents(watcher.Events, watcher.Errors)

	logging.Debug("CredentialWatcher", "Watching %s", w.config.Path)
	return nil
}

func (w *Watcher) processEvents(eventsCh <-chan fsnotify.Event, errorsCh <-chan error) {
	for {
		select {
		case <-w.stopCh:
			return

		case event, ok := <-eventsCh:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.config.Path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			logging.Debug("CredentialWatcher", "Credential file event: %s", event.Op)
			w.notifyDebounced()

		case err, ok := <-errorsCh:
			if !ok {
				return
			}
			logging.Error("CredentialWatcher", err, "fsnotify error")
		}
	}
}

func (w *Watcher) notifyDebounced() {
	w.debounceMu.Lock()
	defer w.debounceMu.Unlock()

	if w.debounceTimer != nil {
		w.debounceTimer.Stop()
	}

	w.debounceTimer = time.AfterFunc(w.config.Debounce, func() {
		w.mu.Lock()
		running := w.running
		callback := w.config.OnChange
		w.mu.Unlock()

		if running && callback != nil {
			callback()
		}
	})
}

func (w *Watcher) poll() {
	ticker := time.NewTicker(w.config.PollInterval)
	defer ticker.Stop()

	w.checkForChange()

	for {
		select {
		case <-w.stopCh:
			return
		case <-ticker.C:
			if w.checkForChange() {
				w.notifyDebounced()
			}
		}
	}
}

// checkForChange compares the file's presence and mtime with the last poll.
func (w *Watcher) checkForChange() bool {
	var (
		exists bool
		mod    time.Time
	)
	if info, err := os.Stat(w.config.Path); err == nil {
		exists = true
		mod = info.ModTime()
	}

	changed := exists != w.lastExists || mod.After(w.lastMod)
	w.lastExists = exists
	w.lastMod = mod
	return changed
}

// Stop ends watching and cancels any pending notification.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.running {
		return nil
	}

	w.running = false
	close(w.stopCh)

	w.debounceMu.Lock()
	if w.debounceTimer != nil {
		w.debounceTimer.Stop()
		w.debounceTimer = nil
	}
	w.debounceMu.Unlock()

	if w.fsWatcher != nil {
		if err := w.fsWatcher.Close(); err != nil {
			logging.Warn("CredentialWatcher", "Error closing fsnotify watcher: %v", err)
		}
		w.fsWatcher = nil
	}
	return nil
}

package orchestrator

import (
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// signalCancel and signalPause are the file names operators (or the
// stop command) drop into the signals directory to control a run.
const (
	signalCancel = "cancel"
	signalPause  = "pause"
)

// SignalWatcher watches the project's .foreman/signals directory for
// cancel and pause files. A file watcher picks signals up immediately;
// the Should* methods also stat the files directly in case an event was
// missed.
type SignalWatcher struct {
	signalsDir string

	mu           sync.RWMutex
	cancelSignal bool
	pauseSignal  bool

	watcher *fsnotify.Watcher
	done    chan struct{}
}

// SignalsDir returns the signals directory for a project.
func SignalsDir(projectRoot string) string {
	return filepath.Join(projectRoot, ".foreman", "signals")
}

// NewSignalWatcher creates the signals directory and starts watching
// it. If the file watcher cannot be created the watcher still works
// through stat polling in Should*.
func NewSignalWatcher(projectRoot string) (*SignalWatcher, error) {
	signalsDir := SignalsDir(projectRoot)
	if err := os.MkdirAll(signalsDir, 0755); err != nil {
		return nil, err
	}

	sw := &SignalWatcher{
		signalsDir: signalsDir,
		done:       make(chan struct{}),
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return sw, nil
	}
	if err := watcher.Add(signalsDir); err != nil {
		watcher.Close()
		return sw, nil
	}
	sw.watcher = watcher
	go sw.watch()

	return sw, nil
}

// watch monitors the signals directory for cancel/pause files.
func (sw *SignalWatcher) watch() {
	for {
		select {
		case <-sw.done:
			return
		case event, ok := <-sw.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			sw.mu.Lock()
			switch filepath.Base(event.Name) {
			case signalCancel:
				sw.cancelSignal = true
			case signalPause:
				sw.pauseSignal = true
			}
			sw.mu.Unlock()
		case <-sw.watcher.Errors:
			// Keep watching; stat fallback covers missed events.
		}
	}
}

// ShouldCancel returns true once a cancel signal has been received.
func (sw *SignalWatcher) ShouldCancel() bool {
	return sw.check(signalCancel, &sw.cancelSignal)
}

// ShouldPause returns true while a pause signal is in effect.
func (sw *SignalWatcher) ShouldPause() bool {
	// Pause is cleared by deleting the file, so trust the file over
	// the cached flag.
	if _, err := os.Stat(filepath.Join(sw.signalsDir, signalPause)); err == nil {
		return true
	}
	sw.mu.Lock()
	sw.pauseSignal = false
	sw.mu.Unlock()
	return false
}

func (sw *SignalWatcher) check(name string, flag *bool) bool {
	if _, err := os.Stat(filepath.Join(sw.signalsDir, name)); err == nil {
		sw.mu.Lock()
		*flag = true
		sw.mu.Unlock()
	}

	sw.mu.RLock()
	defer sw.mu.RUnlock()
	return *flag
}

// SendCancel creates the cancel signal file for a project.
func SendCancel(projectRoot string) error {
	dir := SignalsDir(projectRoot)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, signalCancel), []byte(time.Now().Format(time.RFC3339)), 0644)
}

// SendPause creates the pause signal file for a project.
func SendPause(projectRoot string) error {
	dir := SignalsDir(projectRoot)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, signalPause), []byte(time.Now().Format(time.RFC3339)), 0644)
}

// ClearSignals removes signal files and resets cached state.
func (sw *SignalWatcher) ClearSignals() {
	sw.mu.Lock()
	defer sw.mu.Unlock()

	sw.cancelSignal = false
	sw.pauseSignal = false
	os.Remove(filepath.Join(sw.signalsDir, signalCancel))
	os.Remove(filepath.Join(sw.signalsDir, signalPause))
}

// Close stops the file watcher.
func (sw *SignalWatcher) Close() {
	close(sw.done)
	if sw.watcher != nil {
		sw.watcher.Close()
	}
}

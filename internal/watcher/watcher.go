package watcher

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const (
	// defaultDebounce is how long a file must sit quiet before it is
	// processed. ESO rewrites SavedVariables in multiple write calls.
	defaultDebounce = 500 * time.Millisecond

	readRetries    = 3
	readRetryDelay = 500 * time.Millisecond
)

// Watcher monitors one addon's SavedVariables file and emits detector events
// when its content changes. Events and errors are delivered on channels that
// close when the watcher stops.
type Watcher struct {
	dir       string
	addonFile string
	detector  *Detector
	logger    *log.Logger
	debounce  time.Duration

	fw     *fsnotify.Watcher
	events chan Event
	errors chan error
	done   chan struct{}
	wg     sync.WaitGroup

	mu      sync.Mutex
	running bool
	pending map[string]time.Time
}

// New creates a watcher for addonName's file under dir. A nil detector gets
// a fresh one; a nil logger logs to stderr.
func New(dir, addonName string, detector *Detector, logger *log.Logger) (*Watcher, error) {
	if logger == nil {
		logger = log.New(os.Stderr, "[watcher] ", log.LstdFlags)
	}
	if detector == nil {
		detector = NewDetector(addonName, logger)
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}

	return &Watcher{
		dir:       dir,
		addonFile: addonName + ".lua",
		detector:  detector,
		logger:    logger,
		debounce:  defaultDebounce,
		fw:        fw,
		events:    make(chan Event, 100),
		errors:    make(chan error, 10),
		done:      make(chan struct{}),
		pending:   make(map[string]time.Time),
	}, nil
}

// FilePath returns the full path of the watched SavedVariables file.
func (w *Watcher) FilePath() string {
	return filepath.Join(w.dir, w.addonFile)
}

// Start begins watching the SavedVariables directory. If the addon file
// already exists it is processed once immediately, so runs recorded while
// the agent was down are picked up.
func (w *Watcher) Start() error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return fmt.Errorf("watcher already running")
	}
	w.running = true
	w.mu.Unlock()

	if err := w.fw.Add(w.dir); err != nil {
		w.mu.Lock()
		w.running = false
		w.mu.Unlock()
		return fmt.Errorf("failed to watch %s: %w", w.dir, err)
	}
	w.logger.Printf("watching %s", w.FilePath())

	w.wg.Add(2)
	go w.watchLoop()
	go w.debounceLoop()

	if _, err := os.Stat(w.FilePath()); err == nil {
		w.processFile()
	}

	return nil
}

// Stop shuts the watcher down and closes the event channels. Blocks until
// both loops have exited.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = false
	w.mu.Unlock()

	close(w.done)
	if err := w.fw.Close(); err != nil {
		return fmt.Errorf("failed to close fsnotify watcher: %w", err)
	}
	w.wg.Wait()

	close(w.events)
	close(w.errors)
	return nil
}

// Events returns the channel of detected changes.
func (w *Watcher) Events() <-chan Event {
	return w.events
}

// Errors returns the channel of watch and parse errors.
func (w *Watcher) Errors() <-chan error {
	return w.errors
}

// IsRunning reports whether Start has been called and Stop has not.
func (w *Watcher) IsRunning() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

func (w *Watcher) watchLoop() {
	defer w.wg.Done()

	for {
		select {
		case <-w.done:
			return

		case event, ok := <-w.fw.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != w.addonFile {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			w.mu.Lock()
			w.pending[event.Name] = time.Now()
			w.mu.Unlock()

		case err, ok := <-w.fw.Errors:
			if !ok {
				return
			}
			w.reportError(err)
		}
	}
}

// debounceLoop periodically flushes pending changes that have sat quiet for
// at least the debounce interval.
func (w *Watcher) debounceLoop() {
	defer w.wg.Done()

	ticker := time.NewTicker(w.debounce)
	defer ticker.Stop()

	for {
		select {
		case <-w.done:
			return
		case <-ticker.C:
			if w.takePending() {
				w.processFile()
			}
		}
	}
}

// takePending reports whether a quiet pending change was consumed.
func (w *Watcher) takePending() bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := time.Now()
	consumed := false
	for path, queuedAt := range w.pending {
		if now.Sub(queuedAt) < w.debounce {
			continue
		}
		delete(w.pending, path)
		consumed = true
	}
	return consumed
}

// processFile reads the addon file and forwards detector events. Reads are
// retried because the game may still hold the file open mid-write.
func (w *Watcher) processFile() {
	content, err := w.readWithRetry(w.FilePath())
	if err != nil {
		w.reportError(fmt.Errorf("failed to read %s: %w", w.FilePath(), err))
		return
	}
	if content == nil {
		return
	}

	events, err := w.detector.Check(content)
	if err != nil {
		w.reportError(err)
	}
	for _, event := range events {
		select {
		case w.events <- event:
		case <-w.done:
			return
		}
	}
}

// readWithRetry returns nil content without error when the file vanished.
func (w *Watcher) readWithRetry(path string) ([]byte, error) {
	var lastErr error
	for attempt := 0; attempt < readRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(readRetryDelay * time.Duration(attempt))
		}
		content, err := os.ReadFile(path)
		if err == nil {
			return content, nil
		}
		if os.IsNotExist(err) {
			return nil, nil
		}
		lastErr = err
	}
	return nil, lastErr
}

func (w *Watcher) reportError(err error) {
	w.logger.Printf("watch error: %v", err)
	select {
	case w.errors <- err:
	case <-w.done:
	default:
	}
}

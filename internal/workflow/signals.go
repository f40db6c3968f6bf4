package workflow

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/ShayCichocki/vigil/internal/logging"
	"github.com/ShayCichocki/vigil/pkg/models"
)

// abortPrefix names abort signal files: abort-<testID>.
const abortPrefix = "abort-"

// Aborter halts a workflow. *Orchestrator implements it.
type Aborter interface {
	Abort(testID, reason string) (*models.TestWorkflow, error)
}

// SignalsDir returns the signals directory of a project.
func SignalsDir(projectRoot string) string {
	return filepath.Join(projectRoot, ".vigil", "signals")
}

// SendAbort writes an abort signal file for a test. The file content is the
// abort reason.
func SendAbort(dir, testID, reason string) error {
	if err := validSignalID(testID); err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	if reason == "" {
		reason = "abort signal at " + time.Now().Format(time.RFC3339)
	}
	return os.WriteFile(filepath.Join(dir, abortPrefix+testID), []byte(reason), 0644)
}

// validSignalID rejects test ids that cannot name a file inside the
// signals directory.
func validSignalID(testID string) error {
	if testID == "" || testID == "." || testID == ".." ||
		strings.ContainsAny(testID, `/\`) || strings.Contains(testID, "..") {
		return fmt.Errorf("%w: test id %q cannot be used in an abort signal", models.ErrInvalidInput, testID)
	}
	return nil
}

// SignalWatcher aborts workflows when abort signal files appear.
type SignalWatcher struct {
	dir     string
	aborter Aborter
	logger  *slog.Logger

	mu sync.Mutex

	watcher *fsnotify.Watcher
	done    chan struct{}
	wg      sync.WaitGroup
}

// NewSignalWatcher watches dir for abort files. If the file watcher cannot
// be started it still works through Poll.
func NewSignalWatcher(dir string, aborter Aborter, logger *slog.Logger) (*SignalWatcher, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}
	sw := &SignalWatcher{
		dir:     dir,
		aborter: aborter,
		logger:  logging.OrNop(logger).With("component", "signals"),
		done:    make(chan struct{}),
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		sw.logger.Warn("file watcher unavailable, polling only", "error", err)
		return sw, nil
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		sw.logger.Warn("cannot watch signals directory, polling only", "dir", dir, "error", err)
		return sw, nil
	}
	sw.watcher = watcher

	sw.wg.Add(1)
	go sw.watch()
	return sw, nil
}

func (sw *SignalWatcher) watch() {
	defer sw.wg.Done()
	for {
		select {
		case <-sw.done:
			return
		case event, ok := <-sw.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) != 0 {
				sw.handle(event.Name)
			}
		case err, ok := <-sw.watcher.Errors:
			if !ok {
				return
			}
			sw.logger.Warn("signal watcher error", "error", err)
		}
	}
}

// Poll handles any abort files already present, covering events the
// watcher missed.
func (sw *SignalWatcher) Poll() {
	entries, err := os.ReadDir(sw.dir)
	if err != nil {
		return
	}
	for _, e := range entries {
		if !e.IsDir() {
			sw.handle(filepath.Join(sw.dir, e.Name()))
		}
	}
}

func (sw *SignalWatcher) handle(path string) {
	base := filepath.Base(path)
	if !strings.HasPrefix(base, abortPrefix) {
		return
	}
	testID := strings.TrimPrefix(base, abortPrefix)
	if testID == "" {
		return
	}
	// Handling is serialized so Poll never returns while the watcher is
	// still aborting the same test.
	sw.mu.Lock()
	defer sw.mu.Unlock()
	if _, err := os.Stat(path); err != nil {
		return
	}

	reason := "abort signal"
	if content, err := os.ReadFile(path); err == nil && strings.TrimSpace(string(content)) != "" {
		reason = strings.TrimSpace(string(content))
	}

	if _, err := sw.aborter.Abort(testID, reason); err != nil {
		sw.logger.Warn("abort from signal failed", "test_id", testID, "error", err)
	} else {
		sw.logger.Info("workflow aborted by signal", "test_id", testID)
	}
	os.Remove(path)
}

// Close stops watching.
func (sw *SignalWatcher) Close() {
	close(sw.done)
	if sw.watcher != nil {
		sw.watcher.Close()
	}
	sw.wg.Wait()
}

package monitor

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

// TriggerKind classifies the content of a trigger file.
type TriggerKind int

const (
	// TriggerBare is any content without a recognized tag: an immediate
	// wake-up, discarded after waking the poll worker.
	TriggerBare TriggerKind = iota
	// TriggerAction opens the action menu for a waiting-for-reply thread.
	TriggerAction
	// TriggerExtend extends the after-hours window by two hours.
	TriggerExtend
)

// Trigger is the parsed one-line content of the trigger file.
type Trigger struct {
	Kind     TriggerKind
	ThreadID string    // ACTION
	Stamp    time.Time // EXTEND, informational
}

// ParseTrigger parses trigger-file content. It never fails: unrecognized
// content is a bare wake-up.
func ParseTrigger(content string) Trigger {
	line := strings.TrimSpace(content)
	if id, ok := strings.CutPrefix(line, "ACTION|"); ok && id != "" {
		return Trigger{Kind: TriggerAction, ThreadID: strings.TrimSpace(id)}
	}
	if stamp, ok := strings.CutPrefix(line, "EXTEND|"); ok {
		t := Trigger{Kind: TriggerExtend}
		if parsed, err := time.Parse(time.RFC3339, strings.TrimSpace(stamp)); err == nil {
			t.Stamp = parsed
		}
		return t
	}
	return Trigger{Kind: TriggerBare}
}

// TriggerWatcher observes the per-PR trigger file and publishes its parsed
// content. The file is single-shot: read then deleted. A settle delay
// tolerates late delivery of filesystem events relative to the write.
type TriggerWatcher struct {
	path    string
	settle  time.Duration
	publish func(Trigger)
	logger  *slog.Logger
}

// NewTriggerWatcher creates a watcher for the given trigger file path.
func NewTriggerWatcher(path string, settle time.Duration, publish func(Trigger), logger *slog.Logger) *TriggerWatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &TriggerWatcher{path: path, settle: settle, publish: publish, logger: logger}
}

// Run watches until ctx is cancelled. When fsnotify is unavailable it falls
// back to polling the file once per second.
func (w *TriggerWatcher) Run(ctx context.Context) {
	// A trigger may already be waiting from before the watch started.
	w.consume()

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		w.logger.Debug("fsnotify unavailable, polling trigger file", "error", err)
		w.runPoll(ctx)
		return
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(w.path)); err != nil {
		w.logger.Debug("watching trigger dir failed, polling", "error", err)
		w.runPoll(ctx)
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-watcher.Events:
			if !ok {
				return
			}
			if ev.Name != w.path {
				continue
			}
			if ev.Op.Has(fsnotify.Create) || ev.Op.Has(fsnotify.Write) {
				time.Sleep(w.settle)
				w.consume()
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			w.logger.Debug("trigger watcher error", "error", err)
		}
	}
}

func (w *TriggerWatcher) runPoll(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.consume()
		}
	}
}

// consume reads and deletes the trigger file, then publishes its content.
func (w *TriggerWatcher) consume() {
	data, err := os.ReadFile(w.path)
	if err != nil {
		return
	}
	if err := os.Remove(w.path); err != nil {
		w.logger.Debug("removing trigger file", "error", err)
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return
	}
	w.publish(ParseTrigger(string(data)))
}

package storage

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/dohr-michael/runloopd/internal/events"
)

// defaultMaxLogFiles bounds how many correlation-id JSONL files accumulate
// under the log directory before the oldest are pruned. Unlike a handful of
// long-lived chat sessions, a RunLoop can mint a fresh correlation id for
// every cron firing or webhook delivery, so the directory needs an eviction
// policy the teacher's session-scoped logger never needed.
const defaultMaxLogFiles = 500

// EventLogger persists bus events to JSONL files organized by
// CorrelationID (a task chain's root ID), so a chain's history can be
// replayed by reading one file. It keeps a small cache of open file
// handles rather than reopening a file per event, since a busy chain can
// produce many events in a single cycle, and prunes the oldest files once
// the directory holds more than maxFiles.
type EventLogger struct {
	dir      string
	bus      *events.Bus
	maxFiles int

	mu          sync.Mutex
	handles     map[string]*os.File
	unsubscribe func()
}

// NewEventLogger creates an EventLogger that subscribes to all bus events
// and writes them as JSONL to dir, one file per correlation id, pruning
// down to defaultMaxLogFiles on each write once that cap is exceeded.
func NewEventLogger(dir string, bus *events.Bus) *EventLogger {
	el := &EventLogger{
		dir:      dir,
		bus:      bus,
		maxFiles: defaultMaxLogFiles,
		handles:  make(map[string]*os.File),
	}
	el.unsubscribe = bus.Subscribe(el.handleEvent)
	return el
}

// WithMaxFiles overrides the retention cap. A non-positive value disables
// pruning entirely.
func (el *EventLogger) WithMaxFiles(n int) *EventLogger {
	el.maxFiles = n
	return el
}

// Close unsubscribes the logger from the event bus and releases every
// cached file handle.
func (el *EventLogger) Close() {
	if el.unsubscribe != nil {
		el.unsubscribe()
	}

	el.mu.Lock()
	defer el.mu.Unlock()
	for _, f := range el.handles {
		f.Close()
	}
	el.handles = make(map[string]*os.File)
}

func (el *EventLogger) handleEvent(e events.Event) {
	// Filter out bare cycle-start markers — too noisy, redundant with the
	// per-task events within the same cycle.
	if e.Type == events.EventCycleStart {
		return
	}
	_ = el.writeEvent(e)
}

func (el *EventLogger) writeEvent(e events.Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	data = append(data, '\n')

	el.mu.Lock()
	defer el.mu.Unlock()

	f, err := el.openLocked(e.CorrelationID)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		return err
	}

	el.pruneLocked()
	return nil
}

// openLocked returns a cached, append-mode handle for correlationID's log
// file, opening and caching one on first use. Caller must hold el.mu.
func (el *EventLogger) openLocked(correlationID string) (*os.File, error) {
	path := el.logPath(correlationID)
	if f, ok := el.handles[path]; ok {
		return f, nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, err
	}
	el.handles[path] = f
	return f, nil
}

// pruneLocked removes the oldest-by-modification-time log files once the
// directory holds more than maxFiles, closing any cached handle for a file
// it deletes. Caller must hold el.mu.
func (el *EventLogger) pruneLocked() {
	if el.maxFiles <= 0 {
		return
	}

	entries, err := os.ReadDir(el.dir)
	if err != nil || len(entries) <= el.maxFiles {
		return
	}

	type logFile struct {
		path    string
		modTime int64
	}
	files := make([]logFile, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".jsonl" {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		files = append(files, logFile{path: filepath.Join(el.dir, entry.Name()), modTime: info.ModTime().UnixNano()})
	}
	if len(files) <= el.maxFiles {
		return
	}

	sort.Slice(files, func(i, j int) bool { return files[i].modTime < files[j].modTime })

	for _, lf := range files[:len(files)-el.maxFiles] {
		if f, ok := el.handles[lf.path]; ok {
			f.Close()
			delete(el.handles, lf.path)
		}
		os.Remove(lf.path)
	}
}

func (el *EventLogger) logPath(correlationID string) string {
	if correlationID == "" {
		return filepath.Join(el.dir, "_global.jsonl")
	}
	return filepath.Join(el.dir, correlationID+".jsonl")
}

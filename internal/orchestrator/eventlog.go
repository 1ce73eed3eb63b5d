package orchestrator

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/conclave-oss/conclave/internal/event"
)

// LogEntry is one append-only record in a goal's EventLog: a timestamp,
// the goal (and, for task-scoped events, task) it concerns, an event
// kind drawn from event.EventType, and a free-form payload.
type LogEntry struct {
	Timestamp time.Time              `json:"timestamp"`
	GoalID    string                 `json:"goal_id"`
	TaskID    string                 `json:"task_id,omitempty"`
	Kind      event.EventType        `json:"kind"`
	Payload   map[string]interface{} `json:"payload,omitempty"`
}

// EventLog is an append-only, per-goal event record used for replay and
// introspection. Implementations must be safe for concurrent use.
type EventLog interface {
	Append(entry LogEntry) error
	History(goalID string) ([]LogEntry, error)
}

// InMemoryEventLog keeps every appended entry in memory, grouped by
// goal, in append order.
type InMemoryEventLog struct {
	mu     sync.Mutex
	byGoal map[string][]LogEntry
}

// NewInMemoryEventLog constructs an empty InMemoryEventLog.
func NewInMemoryEventLog() *InMemoryEventLog {
	return &InMemoryEventLog{byGoal: make(map[string][]LogEntry)}
}

// Append records entry under its GoalID.
func (l *InMemoryEventLog) Append(entry LogEntry) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.byGoal[entry.GoalID] = append(l.byGoal[entry.GoalID], entry)
	return nil
}

// History returns every entry recorded for goalID, in append order.
func (l *InMemoryEventLog) History(goalID string) ([]LogEntry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	entries := l.byGoal[goalID]
	out := make([]LogEntry, len(entries))
	copy(out, entries)
	return out, nil
}

// JSONFileSink decorates another EventLog by additionally mirroring
// every appended entry, as a JSON line, to a per-goal file under Dir
// (named "<goal_id>.jsonl"). Reads are served by the wrapped EventLog;
// when it holds nothing for a goal (as after a process restart), History
// reads the goal's JSON file instead (see LoadHistory).
type JSONFileSink struct {
	Dir  string
	next EventLog

	mu    sync.Mutex
	files map[string]*os.File
}

// NewJSONFileSink wraps next, writing a copy of every entry as JSON
// lines under dir.
func NewJSONFileSink(dir string, next EventLog) *JSONFileSink {
	return &JSONFileSink{Dir: dir, next: next, files: make(map[string]*os.File)}
}

// Append writes entry to next and to the goal's JSON file.
func (s *JSONFileSink) Append(entry LogEntry) error {
	if err := s.next.Append(entry); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	f, ok := s.files[entry.GoalID]
	if !ok {
		if err := os.MkdirAll(s.Dir, 0755); err != nil {
			return err
		}
		var err error
		f, err = os.OpenFile(filepath.Join(s.Dir, entry.GoalID+".jsonl"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return err
		}
		s.files[entry.GoalID] = f
	}

	line, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	line = append(line, '\n')
	_, err = f.Write(line)
	return err
}

// History delegates to the wrapped EventLog, falling back to the goal's
// JSON file when the wrapped log has no entries for goalID.
func (s *JSONFileSink) History(goalID string) ([]LogEntry, error) {
	entries, err := s.next.History(goalID)
	if err != nil || len(entries) > 0 {
		return entries, err
	}
	return s.LoadHistory(goalID)
}

// LoadHistory reads a goal's JSON-lines file back into an ordered slice
// of LogEntry, for rehydrating an InMemoryEventLog after a restart. A
// missing file is not an error; it reports no history.
func (s *JSONFileSink) LoadHistory(goalID string) ([]LogEntry, error) {
	data, err := os.ReadFile(filepath.Join(s.Dir, goalID+".jsonl"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var entries []LogEntry
	dec := json.NewDecoder(bytes.NewReader(data))
	for {
		var e LogEntry
		if err := dec.Decode(&e); err != nil {
			break
		}
		entries = append(entries, e)
	}

	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].Timestamp.Before(entries[j].Timestamp)
	})
	return entries, nil
}

// BusEventLog decorates another EventLog by additionally dispatching
// every appended entry to an event.Bus, so configured hooks (shell,
// webhook, log, pause) fire on the same lifecycle events replay and the
// JSON sink observe.
type BusEventLog struct {
	bus  *event.Bus
	next EventLog
}

// NewBusEventLog wraps next, emitting a copy of every entry through bus.
// bus may be nil, in which case Append only delegates to next.
func NewBusEventLog(bus *event.Bus, next EventLog) *BusEventLog {
	return &BusEventLog{bus: bus, next: next}
}

// Append writes entry to next, then emits it on the bus. A blocking
// hook's error is returned to the caller, matching the bus's own
// contract; next's write is never rolled back since hooks are
// best-effort observers of state the store has already committed.
func (b *BusEventLog) Append(entry LogEntry) error {
	if err := b.next.Append(entry); err != nil {
		return err
	}
	return b.bus.Emit(event.Event{
		Type:      entry.Kind,
		Timestamp: entry.Timestamp,
		Data:      entryData(entry),
	})
}

// History delegates to the wrapped EventLog.
func (b *BusEventLog) History(goalID string) ([]LogEntry, error) {
	return b.next.History(goalID)
}

func entryData(entry LogEntry) map[string]interface{} {
	data := make(map[string]interface{}, len(entry.Payload)+2)
	for k, v := range entry.Payload {
		data[k] = v
	}
	data["goal_id"] = entry.GoalID
	if entry.TaskID != "" {
		data["task_id"] = entry.TaskID
	}
	return data
}

// Close closes every open per-goal file.
func (s *JSONFileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var firstErr error
	for _, f := range s.files {
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

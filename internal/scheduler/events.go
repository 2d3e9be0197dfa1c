package scheduler

import (
	"sync"
	"time"
)

// Level is the severity of a scheduler log entry.
type Level string

const (
	LevelDebug   Level = "DEBUG"
	LevelInfo    Level = "INFO"
	LevelWarning Level = "WARNING"
	LevelError   Level = "ERROR"
)

// EventKind identifies the kind of scheduler event.
type EventKind string

const (
	EventLog          EventKind = "log"
	EventTaskComplete EventKind = "taskComplete"
	EventTaskFailed   EventKind = "taskFailed"
)

// Event is delivered to every subscribed Listener. Log events carry Level,
// Message and Metadata; task events carry the task identity plus either
// Result or Err.
type Event struct {
	Kind     EventKind      `json:"kind"`
	Time     time.Time      `json:"time"`
	Level    Level          `json:"level,omitempty"`
	Message  string         `json:"message,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
	TaskID   string         `json:"taskId,omitempty"`
	TaskName string         `json:"taskName,omitempty"`
	Result   any            `json:"result,omitempty"`
	Err      error          `json:"-"`
	Error    string         `json:"error,omitempty"`
}

// Listener receives scheduler events. It is called synchronously from the
// goroutine that produced the event and must not block.
type Listener func(Event)

type listeners struct {
	mu   sync.RWMutex
	next int
	fns  map[int]Listener
}

func (l *listeners) add(fn Listener) func() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.fns == nil {
		l.fns = make(map[int]Listener)
	}
	id := l.next
	l.next++
	l.fns[id] = fn

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.fns, id)
			l.mu.Unlock()
		})
	}
}

func (l *listeners) emit(ev Event) {
	l.mu.RLock()
	fns := make([]Listener, 0, len(l.fns))
	for _, fn := range l.fns {
		fns = append(fns, fn)
	}
	l.mu.RUnlock()

	for _, fn := range fns {
		fn(ev)
	}
}

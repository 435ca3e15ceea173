// Package audit records security events. Every event is kept in a bounded
// in-memory ring for queries and appended, encrypted, to an append-only
// log file that is the durable source of truth.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"maps"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

const (
	defaultRingSize   = 10_000
	defaultBufferSize = 256
	topUsersLimit     = 10
)

// Encrypter seals a serialized event into one log line.
type Encrypter interface {
	EncryptData(plaintext []byte) (string, error)
}

// Notifier receives high and critical events before LogEvent returns.
type Notifier interface {
	Notify(ctx context.Context, ev Event) error
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, ev Event) error

// Notify calls f.
func (f NotifierFunc) Notify(ctx context.Context, ev Event) error { return f(ctx, ev) }

// Options configures a Logger.
type Options struct {
	// Path of the encrypted log file. Empty keeps events in memory only.
	Path       string
	Encrypter  Encrypter
	RingSize   int
	BufferSize int
	Notifiers  []Notifier
	// Observer sees every event after it is recorded (metrics).
	Observer func(Event)
	Logger   *slog.Logger
	Now      func() time.Time
}

type writeReq struct {
	ev      *Event
	flushed chan struct{}
}

// Logger is safe for concurrent use.
type Logger struct {
	mu    sync.RWMutex
	ring  []Event
	head  int
	count int

	notifiers []Notifier
	observer  func(Event)

	file   *os.File
	fileMu sync.Mutex
	enc    Encrypter

	closeMu sync.RWMutex
	closed  bool
	writes  chan writeReq
	done    chan struct{}

	written atomic.Int64
	failed  atomic.Int64

	logger *slog.Logger
	now    func() time.Time
}

// NewLogger opens the log file in append mode (creating it 0600) and starts
// the writer goroutine.
func NewLogger(opts Options) (*Logger, error) {
	if opts.RingSize <= 0 {
		opts.RingSize = defaultRingSize
	}
	if opts.BufferSize <= 0 {
		opts.BufferSize = defaultBufferSize
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	l := &Logger{
		ring:      make([]Event, opts.RingSize),
		notifiers: append([]Notifier(nil), opts.Notifiers...),
		observer:  opts.Observer,
		enc:       opts.Encrypter,
		logger:    opts.Logger,
		now:       opts.Now,
		done:      make(chan struct{}),
	}

	if opts.Path == "" {
		close(l.done)
		return l, nil
	}
	if opts.Encrypter == nil {
		return nil, fmt.Errorf("audit log %s: an encrypter is required", opts.Path)
	}
	f, err := os.OpenFile(opts.Path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("opening audit log: %w", err)
	}
	l.file = f
	l.writes = make(chan writeReq, opts.BufferSize)
	go l.writeLoop()
	return l, nil
}

// AddNotifier registers an additional alert receiver.
func (l *Logger) AddNotifier(n Notifier) {
	l.mu.Lock()
	l.notifiers = append(l.notifiers, n)
	l.mu.Unlock()
}

// LogEvent records ev and returns its assigned id. It never fails: a
// persistence problem is reported through the logger and notifiers.
func (l *Logger) LogEvent(ctx context.Context, ev Event) string {
	ev.EventID = uuid.NewString()
	ev.Timestamp = l.now().UTC()
	if ev.ThreatLevel == "" {
		ev.ThreatLevel = ThreatInfo
	}
	if ev.Details != nil {
		ev.Details = maps.Clone(ev.Details)
	}

	l.mu.Lock()
	l.ring[l.head] = ev
	l.head = (l.head + 1) % len(l.ring)
	if l.count < len(l.ring) {
		l.count++
	}
	notifiers := l.notifiers
	l.mu.Unlock()

	l.enqueue(&ev)

	if l.observer != nil {
		l.observer(ev)
	}
	if ev.ThreatLevel.AtLeast(ThreatHigh) {
		l.alert(ctx, ev, notifiers)
	}
	return ev.EventID
}

func (l *Logger) enqueue(ev *Event) {
	if l.file == nil {
		return
	}
	l.closeMu.RLock()
	defer l.closeMu.RUnlock()
	if l.closed {
		l.logger.Warn("audit logger closed, event kept in memory only", "event_id", ev.EventID, "event_type", ev.EventType)
		return
	}
	select {
	case l.writes <- writeReq{ev: ev}:
	default:
		// Queue full: write on the caller's goroutine rather than drop.
		l.persist(ev)
	}
}

func (l *Logger) alert(ctx context.Context, ev Event, notifiers []Notifier) {
	level := slog.LevelWarn
	if ev.ThreatLevel == ThreatCritical {
		level = slog.LevelError
	}
	l.logger.Log(ctx, level, "security alert",
		"event_id", ev.EventID,
		"event_type", ev.EventType,
		"threat_level", ev.ThreatLevel,
		"user", ev.UserID,
		"agent", ev.AgentID,
		"resource", ev.Resource,
		"result", ev.Result,
	)
	for _, n := range notifiers {
		if err := n.Notify(ctx, ev); err != nil {
			l.logger.Warn("alert notifier failed", "event_id", ev.EventID, "error", err)
		}
	}
}

func (l *Logger) writeLoop() {
	defer close(l.done)
	for req := range l.writes {
		if req.ev != nil {
			l.persist(req.ev)
		}
		if req.flushed != nil {
			close(req.flushed)
		}
	}
}

func (l *Logger) persist(ev *Event) {
	err := l.appendLine(ev)
	if err == nil {
		l.written.Add(1)
		return
	}
	l.failed.Add(1)
	l.logger.Error("audit write failed", "event_id", ev.EventID, "event_type", ev.EventType, "error", err)

	failure := Event{
		EventID:     uuid.NewString(),
		EventType:   "audit_persistence_failure",
		Action:      "persist",
		Result:      "failure",
		ThreatLevel: ThreatCritical,
		Details:     map[string]any{"event_id": ev.EventID, "error": err.Error()},
		Timestamp:   l.now().UTC(),
	}
	l.mu.RLock()
	notifiers := l.notifiers
	l.mu.RUnlock()
	l.alert(context.Background(), failure, notifiers)
}

func (l *Logger) appendLine(ev *Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshaling event: %w", err)
	}
	line, err := l.enc.EncryptData(data)
	if err != nil {
		return fmt.Errorf("encrypting event: %w", err)
	}
	l.fileMu.Lock()
	defer l.fileMu.Unlock()
	if _, err := l.file.WriteString(line + "\n"); err != nil {
		return fmt.Errorf("appending event: %w", err)
	}
	return nil
}

// Flush blocks until every event queued before the call has been written.
func (l *Logger) Flush() {
	if l.file == nil {
		return
	}
	ch := make(chan struct{})
	l.closeMu.RLock()
	if l.closed {
		l.closeMu.RUnlock()
		return
	}
	l.writes <- writeReq{flushed: ch}
	l.closeMu.RUnlock()
	<-ch
}

// Close drains queued writes and closes the file. It is safe to call twice.
func (l *Logger) Close() error {
	l.closeMu.Lock()
	if l.closed {
		l.closeMu.Unlock()
		return nil
	}
	l.closed = true
	if l.writes != nil {
		close(l.writes)
	}
	l.closeMu.Unlock()

	<-l.done
	if l.file == nil {
		return nil
	}
	l.fileMu.Lock()
	defer l.fileMu.Unlock()
	if err := l.file.Sync(); err != nil {
		_ = l.file.Close()
		return fmt.Errorf("syncing audit log: %w", err)
	}
	return l.file.Close()
}

// Events returns the ring contents in chronological order.
func (l *Logger) Events() []Event {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Event, 0, l.count)
	start := (l.head - l.count + len(l.ring)) % len(l.ring)
	for i := 0; i < l.count; i++ {
		out = append(out, l.ring[(start+i)%len(l.ring)])
	}
	return out
}

// Query filters the in-memory ring. Evicted events are only available from
// the log file.
func (l *Logger) Query(q QueryOpts) []Event {
	return Filter(l.Events(), q)
}

// Summary aggregates events from the last hours.
func (l *Logger) Summary(hours int) Summary {
	since := l.now().Add(-time.Duration(hours) * time.Hour)
	return Summarize(l.Events(), since, hours)
}

// Summarize aggregates events at or after since.
func Summarize(events []Event, since time.Time, hours int) Summary {
	s := Summary{
		Hours:         hours,
		ByThreatLevel: make(map[ThreatLevel]int),
		ByEventType:   make(map[string]int),
	}
	users := make(map[string]int)
	for i := range events {
		e := &events[i]
		if e.Timestamp.Before(since) {
			continue
		}
		s.TotalEvents++
		s.ByThreatLevel[e.ThreatLevel]++
		s.ByEventType[e.EventType]++
		if e.UserID != "" {
			users[e.UserID]++
		}
		if e.ThreatLevel.AtLeast(ThreatHigh) {
			s.HighThreatCount++
		}
	}
	for u, n := range users {
		s.TopUsers = append(s.TopUsers, UserCount{UserID: u, Count: n})
	}
	sort.Slice(s.TopUsers, func(i, j int) bool {
		if s.TopUsers[i].Count != s.TopUsers[j].Count {
			return s.TopUsers[i].Count > s.TopUsers[j].Count
		}
		return s.TopUsers[i].UserID < s.TopUsers[j].UserID
	})
	if len(s.TopUsers) > topUsersLimit {
		s.TopUsers = s.TopUsers[:topUsersLimit]
	}
	return s
}

// Stats reports persistence counters.
type Stats struct {
	InMemory int   `json:"in_memory"`
	Capacity int   `json:"capacity"`
	Written  int64 `json:"written"`
	Failed   int64 `json:"failed"`
}

// Stats returns current counters.
func (l *Logger) Stats() Stats {
	l.mu.RLock()
	n := l.count
	l.mu.RUnlock()
	return Stats{
		InMemory: n,
		Capacity: len(l.ring),
		Written:  l.written.Load(),
		Failed:   l.failed.Load(),
	}
}

package audit

import (
	"fmt"
	"sync"
	"time"

	"github.com/kenneth/checkpoint-archive/internal/config"
)

// EventType represents the type of audit event.
type EventType string

const (
	// EventTypeFetch represents a remote archive file download.
	EventTypeFetch EventType = "fetch"
	// EventTypeVerify represents a checkpoint verification.
	EventTypeVerify EventType = "verify"
	// EventTypeManifestRefresh represents a manifest sync attempt.
	EventTypeManifestRefresh EventType = "manifest_refresh"
	// EventTypeRead represents a completed archive read call.
	EventTypeRead EventType = "read"
)

// Event represents a single audit log event.
type Event struct {
	Timestamp time.Time     `json:"timestamp"`
	EventType EventType     `json:"event_type"`
	Key       string        `json:"key,omitempty"`
	Epoch     uint64        `json:"epoch,omitempty"`
	Sequence  uint64        `json:"sequence,omitempty"`
	Success   bool          `json:"success"`
	Error     string        `json:"error,omitempty"`
	Duration  time.Duration `json:"duration_ns"`
}

// Logger is the interface for audit logging.
type Logger interface {
	// Log logs an audit event.
	Log(event *Event) error

	// LogFetch logs a remote file download.
	LogFetch(key string, epoch uint64, success bool, err error, duration time.Duration)

	// LogVerify logs a checkpoint verification.
	LogVerify(sequence uint64, success bool, err error)

	// LogManifestRefresh logs a manifest sync attempt.
	LogManifestRefresh(success bool, err error, duration time.Duration)

	// LogRead logs a completed archive read call.
	LogRead(start, end uint64, success bool, err error, duration time.Duration)

	// GetEvents returns all audit events (for testing/querying).
	GetEvents() []*Event

	// Close closes the logger and its underlying writer.
	Close() error
}

// auditLogger implements the Logger interface.
type auditLogger struct {
	mu        sync.Mutex
	events    []*Event
	maxEvents int
	writer    EventWriter
}

// EventWriter is an interface for writing audit events.
type EventWriter interface {
	WriteEvent(event *Event) error
}

// NewLogger creates a new audit logger.
func NewLogger(maxEvents int, writer EventWriter) Logger {
	if writer == nil {
		writer = &StdoutSink{}
	}

	return &auditLogger{
		events:    make([]*Event, 0, maxEvents),
		maxEvents: maxEvents,
		writer:    writer,
	}
}

// NewLoggerFromConfig creates a new audit logger from configuration.
func NewLoggerFromConfig(cfg config.AuditConfig) (Logger, error) {
	var writer EventWriter

	switch cfg.Sink.Type {
	case "http":
		writer = NewHTTPSink(cfg.Sink.Endpoint)
	case "file":
		writer = NewFileSink(cfg.Sink.FilePath)
	case "stdout", "":
		writer = &StdoutSink{}
	default:
		return nil, fmt.Errorf("unknown sink type: %s", cfg.Sink.Type)
	}

	// Wrap with batch sink if configured
	if cfg.Sink.BatchSize > 0 || cfg.Sink.FlushInterval > 0 {
		writer = NewBatchSink(writer, cfg.Sink.BatchSize, cfg.Sink.FlushInterval.Std(), cfg.Sink.RetryCount, cfg.Sink.RetryBackoff.Std())
	}

	return NewLogger(cfg.MaxEvents, writer), nil
}

// Log logs an audit event.
func (l *auditLogger) Log(event *Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.writer != nil {
		// Sink failures must not surface into the read path.
		_ = l.writer.WriteEvent(event)
	}

	l.events = append(l.events, event)

	// Maintain max events limit
	if len(l.events) > l.maxEvents {
		l.events = l.events[len(l.events)-l.maxEvents:]
	}

	return nil
}

// Close closes the logger and its underlying writer.
func (l *auditLogger) Close() error {
	if closer, ok := l.writer.(interface{ Close() error }); ok {
		return closer.Close()
	}
	return nil
}

// LogFetch logs a remote file download.
func (l *auditLogger) LogFetch(key string, epoch uint64, success bool, err error, duration time.Duration) {
	event := &Event{
		Timestamp: time.Now(),
		EventType: EventTypeFetch,
		Key:       key,
		Epoch:     epoch,
		Success:   success,
		Duration:  duration,
	}

	if err != nil {
		event.Error = err.Error()
	}

	l.Log(event)
}

// LogVerify logs a checkpoint verification.
func (l *auditLogger) LogVerify(sequence uint64, success bool, err error) {
	event := &Event{
		Timestamp: time.Now(),
		EventType: EventTypeVerify,
		Sequence:  sequence,
		Success:   success,
	}

	if err != nil {
		event.Error = err.Error()
	}

	l.Log(event)
}

// LogManifestRefresh logs a manifest sync attempt.
func (l *auditLogger) LogManifestRefresh(success bool, err error, duration time.Duration) {
	event := &Event{
		Timestamp: time.Now(),
		EventType: EventTypeManifestRefresh,
		Success:   success,
		Duration:  duration,
	}

	if err != nil {
		event.Error = err.Error()
	}

	l.Log(event)
}

// LogRead logs a completed archive read call.
func (l *auditLogger) LogRead(start, end uint64, success bool, err error, duration time.Duration) {
	event := &Event{
		Timestamp: time.Now(),
		EventType: EventTypeRead,
		Key:       fmt.Sprintf("[%d,%d)", start, end),
		Success:   success,
		Duration:  duration,
	}

	if err != nil {
		event.Error = err.Error()
	}

	l.Log(event)
}

// GetEvents returns all audit events (for testing/querying).
func (l *auditLogger) GetEvents() []*Event {
	l.mu.Lock()
	defer l.mu.Unlock()

	// Return a copy to prevent external modifications
	events := make([]*Event, len(l.events))
	copy(events, l.events)
	return events
}

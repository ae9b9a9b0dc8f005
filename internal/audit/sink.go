package audit

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Sink is an interface for audit event sinks that support closing.
type Sink interface {
	EventWriter
	Close() error
}

// BatchWriter is implemented by sinks that can write a whole batch at once.
type BatchWriter interface {
	WriteBatch(events []*Event) error
}

// BatchSink buffers events in a bounded queue and flushes them from a single
// worker, either when a batch fills or on the flush interval. Fetch and
// verify events arrive at the pipeline's rate, so enqueueing never blocks:
// when the queue is saturated the event is dropped and counted instead of
// stalling the read path.
type BatchSink struct {
	wrapped       EventWriter
	queue         chan *Event
	batchSize     int
	flushInterval time.Duration
	retryCount    int
	retryBackoff  time.Duration

	dropped atomic.Uint64

	closeOnce sync.Once
	closing   chan struct{}
	done      chan struct{}
}

// NewBatchSink creates a batched sink in front of wrapped. The queue holds
// four batches before new events are dropped.
func NewBatchSink(wrapped EventWriter, size int, interval time.Duration, retryCount int, retryBackoff time.Duration) *BatchSink {
	if size <= 0 {
		size = 100
	}
	if interval <= 0 {
		interval = 5 * time.Second
	}
	if retryBackoff <= 0 {
		retryBackoff = 250 * time.Millisecond
	}

	s := &BatchSink{
		wrapped:       wrapped,
		queue:         make(chan *Event, size*4),
		batchSize:     size,
		flushInterval: interval,
		retryCount:    retryCount,
		retryBackoff:  retryBackoff,
		closing:       make(chan struct{}),
		done:          make(chan struct{}),
	}

	go s.run()

	return s
}

// WriteEvent enqueues an event without blocking. A saturated queue drops the
// event; Dropped reports how many were lost.
func (s *BatchSink) WriteEvent(event *Event) error {
	select {
	case <-s.closing:
		return fmt.Errorf("audit sink is closed")
	default:
	}

	select {
	case s.queue <- event:
		return nil
	default:
		s.dropped.Add(1)
		return nil
	}
}

// Dropped returns the number of events discarded because the queue was full.
func (s *BatchSink) Dropped() uint64 {
	return s.dropped.Load()
}

// Close stops the flush worker after draining whatever is still queued, then
// closes the wrapped sink.
func (s *BatchSink) Close() error {
	s.closeOnce.Do(func() {
		close(s.closing)
	})
	<-s.done

	if closer, ok := s.wrapped.(interface{ Close() error }); ok {
		return closer.Close()
	}
	return nil
}

// run accumulates a batch off the queue and hands it to the wrapped writer
// when full or when the flush interval elapses.
func (s *BatchSink) run() {
	defer close(s.done)

	ticker := time.NewTicker(s.flushInterval)
	defer ticker.Stop()

	batch := make([]*Event, 0, s.batchSize)
	for {
		select {
		case event := <-s.queue:
			batch = append(batch, event)
			if len(batch) >= s.batchSize {
				s.flush(batch)
				batch = batch[:0]
			}
		case <-ticker.C:
			if len(batch) > 0 {
				s.flush(batch)
				batch = batch[:0]
			}
		case <-s.closing:
			// Drain the queue, then flush the remainder once.
			for {
				select {
				case event := <-s.queue:
					batch = append(batch, event)
				default:
					if len(batch) > 0 {
						s.flush(batch)
					}
					return
				}
			}
		}
	}
}

// flush writes one batch with exponential-backoff retry. Events that still
// cannot be written after the retry budget are counted as dropped; audit
// delivery failures never propagate anywhere they could abort a read.
func (s *BatchSink) flush(events []*Event) {
	write := func() error {
		if bw, ok := s.wrapped.(BatchWriter); ok {
			return bw.WriteBatch(events)
		}
		for _, event := range events {
			if err := s.wrapped.WriteEvent(event); err != nil {
				return err
			}
		}
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.retryBackoff
	schedule := backoff.WithMaxRetries(b, uint64(s.retryCount))

	if err := backoff.Retry(write, schedule); err != nil {
		s.dropped.Add(uint64(len(events)))
	}
}

// HTTPSink posts event batches as JSON to an HTTP endpoint.
type HTTPSink struct {
	endpoint string
	client   *http.Client
}

// NewHTTPSink creates a new HTTP sink.
func NewHTTPSink(endpoint string) *HTTPSink {
	return &HTTPSink{
		endpoint: endpoint,
		client:   &http.Client{Timeout: 10 * time.Second},
	}
}

// WriteEvent writes a single event.
func (s *HTTPSink) WriteEvent(event *Event) error {
	return s.WriteBatch([]*Event{event})
}

// WriteBatch writes a batch of events as one JSON array.
func (s *HTTPSink) WriteBatch(events []*Event) error {
	data, err := json.Marshal(events)
	if err != nil {
		return err
	}

	resp, err := s.client.Post(s.endpoint, "application/json", bytes.NewReader(data))
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("audit endpoint returned %s", resp.Status)
	}
	return nil
}

// FileSink appends JSON lines to an audit log file. The file is opened once
// and kept buffered; Close flushes and releases it.
type FileSink struct {
	path string

	mu  sync.Mutex
	f   *os.File
	buf *bufio.Writer
}

// NewFileSink creates a new file sink. The file is opened on first write.
func NewFileSink(path string) *FileSink {
	return &FileSink{path: path}
}

func (s *FileSink) openLocked() error {
	if s.f != nil {
		return nil
	}
	f, err := os.OpenFile(s.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	s.f = f
	s.buf = bufio.NewWriter(f)
	return nil
}

// WriteEvent appends one event as a JSON line.
func (s *FileSink) WriteEvent(event *Event) error {
	return s.WriteBatch([]*Event{event})
}

// WriteBatch appends a batch of events, flushing once at the end.
func (s *FileSink) WriteBatch(events []*Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.openLocked(); err != nil {
		return err
	}
	for _, event := range events {
		data, err := json.Marshal(event)
		if err != nil {
			return err
		}
		if _, err := s.buf.Write(data); err != nil {
			return err
		}
		if err := s.buf.WriteByte('\n'); err != nil {
			return err
		}
	}
	return s.buf.Flush()
}

// Close flushes and closes the underlying file.
func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.f == nil {
		return nil
	}
	if err := s.buf.Flush(); err != nil {
		s.f.Close()
		return err
	}
	err := s.f.Close()
	s.f = nil
	s.buf = nil
	return err
}

// StdoutSink writes events as JSON lines to standard output.
type StdoutSink struct{}

// WriteEvent writes a single event.
func (s *StdoutSink) WriteEvent(event *Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	data = append(data, '\n')
	_, err = os.Stdout.Write(data)
	return err
}

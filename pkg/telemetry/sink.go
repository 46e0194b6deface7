package telemetry

import (
	"log/slog"
	"sync"
	"time"
)

// RecordKind classifies a telemetry record.
type RecordKind string

const (
	KindWalAppend      RecordKind = "wal_append"
	KindToolInvocation RecordKind = "tool_invocation"
	KindTransition     RecordKind = "transition"
)

// Record is the structured record emitted for every WAL append and tool
// invocation.
type Record struct {
	Kind        RecordKind     `json:"kind"`
	ExecutionID string         `json:"execution_id,omitempty"`
	AgentID     string         `json:"agent_id,omitempty"`
	Latency     time.Duration  `json:"latency"`
	Success     bool           `json:"success"`
	Cost        float64        `json:"cost,omitempty"`
	Attributes  map[string]any `json:"attributes,omitempty"`
	At          time.Time      `json:"at"`
}

// Exporter delivers records to the external observability collaborator.
type Exporter interface {
	Export(records []Record)
}

// Sink buffers records locally and drains them in the background. Emit
// never blocks: when the buffer is full the oldest record is dropped and
// counted. The core never blocks on telemetry delivery.
type Sink struct {
	mu       sync.Mutex
	buf      []Record
	capacity int
	dropped  uint64

	exporter Exporter
	interval time.Duration
	stop     chan struct{}
	done     chan struct{}
	logger   *slog.Logger
}

// NewSink creates a sink with the given buffer capacity and flush interval.
func NewSink(exporter Exporter, capacity int, interval time.Duration) *Sink {
	if capacity <= 0 {
		capacity = 1024
	}
	if interval <= 0 {
		interval = time.Second
	}
	s := &Sink{
		buf:      make([]Record, 0, capacity),
		capacity: capacity,
		exporter: exporter,
		interval: interval,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
		logger:   slog.Default().With("component", "telemetry.sink"),
	}
	go s.drain()
	return s
}

// Emit enqueues a record, fire-and-forget.
func (s *Sink) Emit(r Record) {
	if r.At.IsZero() {
		r.At = time.Now().UTC()
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.buf) >= s.capacity {
		copy(s.buf, s.buf[1:])
		s.buf = s.buf[:len(s.buf)-1]
		s.dropped++
	}
	s.buf = append(s.buf, r)
}

// Dropped returns the number of records dropped due to a full buffer.
func (s *Sink) Dropped() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// Close flushes remaining records and stops the drainer.
func (s *Sink) Close() {
	close(s.stop)
	<-s.done
}

func (s *Sink) drain() {
	defer close(s.done)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.flush()
		case <-s.stop:
			s.flush()
			return
		}
	}
}

func (s *Sink) flush() {
	s.mu.Lock()
	if len(s.buf) == 0 {
		s.mu.Unlock()
		return
	}
	batch := make([]Record, len(s.buf))
	copy(batch, s.buf)
	s.buf = s.buf[:0]
	dropped := s.dropped
	s.mu.Unlock()

	if s.exporter != nil {
		s.exporter.Export(batch)
	}
	if dropped > 0 {
		s.logger.Warn("telemetry records dropped under backpressure", "dropped_total", dropped)
	}
}

// SlogExporter writes records to the structured log. Used when no external
// collector is configured.
type SlogExporter struct{}

// Export implements Exporter.
func (SlogExporter) Export(records []Record) {
	for _, r := range records {
		slog.Debug("telemetry record",
			"kind", r.Kind,
			"execution_id", r.ExecutionID,
			"agent_id", r.AgentID,
			"latency_ms", r.Latency.Milliseconds(),
			"success", r.Success,
		)
	}
}

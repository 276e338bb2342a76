// Package audit writes best-effort action records to the event log off the
// primary event path. Writes are queued, retried a bounded number of times
// and then dropped; a full queue also drops rather than blocking a handler.
package audit

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/VictoriaMetrics/metrics"

	"github.com/czd326/cooperative-indoor/internal/event"
)

var (
	droppedTotal = metrics.NewCounter("indoor_audit_dropped_total")
	writtenTotal = metrics.NewCounter("indoor_audit_written_total")
)

// ActionWriter is the slice of the store the recorder needs.
type ActionWriter interface {
	RecordAction(ctx context.Context, mapID string, ev event.MapEvent) error
}

type Config struct {
	BufferSize   int
	MaxRetries   int
	RetryDelay   time.Duration
	WriteTimeout time.Duration
}

type entry struct {
	mapID string
	ev    event.MapEvent
}

type Recorder struct {
	writer ActionWriter
	config Config
	queue  chan entry

	closeOnce sync.Once
	done      chan struct{}

	logger *slog.Logger
}

func NewRecorder(logger *slog.Logger, writer ActionWriter, config Config) *Recorder {
	if config.BufferSize <= 0 {
		config.BufferSize = 256
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = 5 * time.Second
	}
	r := &Recorder{
		writer: writer,
		config: config,
		queue:  make(chan entry, config.BufferSize),
		done:   make(chan struct{}),
		logger: logger.With(slog.String("component", "audit_recorder")),
	}
	go r.run()
	return r
}

// Record queues an action for persistence and returns immediately. A full
// queue drops the record; audit continuity is best-effort.
func (r *Recorder) Record(mapID string, ev event.MapEvent) {
	select {
	case r.queue <- entry{mapID: mapID, ev: ev}:
	default:
		droppedTotal.Inc()
		r.logger.Warn("audit queue full, dropping record",
			slog.String("mapID", mapID),
			slog.String("action", string(ev.Action)),
		)
	}
}

// Close stops accepting records and drains the queue.
func (r *Recorder) Close() {
	r.closeOnce.Do(func() {
		close(r.queue)
		<-r.done
	})
}

func (r *Recorder) run() {
	defer close(r.done)
	for e := range r.queue {
		r.write(e)
	}
}

func (r *Recorder) write(e entry) {
	var err error
	for attempt := 0; attempt <= r.config.MaxRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(r.config.RetryDelay)
		}
		ctx, cancel := context.WithTimeout(context.Background(), r.config.WriteTimeout)
		err = r.writer.RecordAction(ctx, e.mapID, e.ev)
		cancel()
		if err == nil {
			writtenTotal.Inc()
			return
		}
	}
	droppedTotal.Inc()
	r.logger.Warn("audit record dropped after retries",
		slog.String("mapID", e.mapID),
		slog.String("action", string(e.ev.Action)),
		slog.Any("error", err),
	)
}

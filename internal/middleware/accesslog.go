package middleware

import (
	"context"
	"sync"
	"time"

	"github.com/SkynetNext/capi-gateway/internal/logger"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Access log statuses
const (
	StatusClosed   = "closed"
	StatusRejected = "rejected"
	StatusError    = "error"
)

// AccessLogEntry records one legacy client connection from accept to close
type AccessLogEntry struct {
	Timestamp  time.Time `json:"timestamp"`
	TraceID    string    `json:"trace_id,omitempty"`
	SpanID     string    `json:"span_id,omitempty"`
	RemoteAddr string    `json:"remote_addr"`
	ClientID   int       `json:"client_id,omitempty"`
	ConnID     string    `json:"conn_id,omitempty"`
	Username   string    `json:"username,omitempty"`
	Product    string    `json:"product,omitempty"`
	DurationMs int64     `json:"duration_ms"`
	Status     string    `json:"status"` // closed, rejected, error
	Reason     string    `json:"reason,omitempty"`
}

func (e *AccessLogEntry) fields() []zap.Field {
	fields := []zap.Field{
		zap.String("remote_addr", e.RemoteAddr),
		zap.Int64("duration_ms", e.DurationMs),
		zap.String("status", e.Status),
	}

	if e.TraceID != "" {
		fields = append(fields, zap.String("trace_id", e.TraceID))
	}
	if e.SpanID != "" {
		fields = append(fields, zap.String("span_id", e.SpanID))
	}
	if e.ClientID != 0 {
		fields = append(fields, zap.Int("client_id", e.ClientID))
	}
	if e.ConnID != "" {
		fields = append(fields, zap.String("conn_id", e.ConnID))
	}
	if e.Username != "" {
		fields = append(fields, zap.String("username", e.Username))
	}
	if e.Product != "" {
		fields = append(fields, zap.String("product", e.Product))
	}
	if e.Reason != "" {
		fields = append(fields, zap.String("reason", e.Reason))
	}
	return fields
}

// AccessLogger handles access log recording with batching support
type AccessLogger struct {
	logChan       chan *AccessLogEntry
	batchSize     int
	flushInterval time.Duration
	wg            sync.WaitGroup
	stopChan      chan struct{}
	stopOnce      sync.Once
}

var (
	// Global access logger instance
	globalMu           sync.Mutex
	globalAccessLogger *AccessLogger
)

// InitAccessLogger starts the global access logger. Entries are flushed every batchSize
// entries or flushInterval, whichever comes first.
func InitAccessLogger(batchSize int, flushInterval time.Duration) {
	globalMu.Lock()
	defer globalMu.Unlock()
	if globalAccessLogger != nil {
		return
	}

	globalAccessLogger = &AccessLogger{
		logChan:       make(chan *AccessLogEntry, batchSize*2),
		batchSize:     batchSize,
		flushInterval: flushInterval,
		stopChan:      make(chan struct{}),
	}
	globalAccessLogger.start()
}

// LogAccess records an access log entry.
// This is non-blocking - if the buffer is full the entry is dropped.
func LogAccess(ctx context.Context, entry *AccessLogEntry) {
	span := trace.SpanFromContext(ctx)
	if span.SpanContext().IsValid() {
		entry.TraceID = span.SpanContext().TraceID().String()
		entry.SpanID = span.SpanContext().SpanID().String()
	}
	entry.Timestamp = time.Now()

	globalMu.Lock()
	al := globalAccessLogger
	globalMu.Unlock()

	if al == nil {
		// Not started: log directly
		logger.L.Info("access_log", entry.fields()...)
		return
	}

	select {
	case al.logChan <- entry:
	default:
		logger.L.Warn("access log buffer full, dropping entry",
			zap.String("remote_addr", entry.RemoteAddr),
		)
	}
}

// start starts the batch processing goroutine
func (al *AccessLogger) start() {
	al.wg.Add(1)
	go al.processBatches()
}

// processBatches processes access logs in batches
func (al *AccessLogger) processBatches() {
	defer al.wg.Done()

	batch := make([]*AccessLogEntry, 0, al.batchSize)
	ticker := time.NewTicker(al.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-al.stopChan:
			// Drain whatever is queued
			for {
				select {
				case entry := <-al.logChan:
					batch = append(batch, entry)
				default:
					al.flushBatch(batch)
					return
				}
			}
		case entry := <-al.logChan:
			batch = append(batch, entry)
			if len(batch) >= al.batchSize {
				al.flushBatch(batch)
				batch = batch[:0]
			}
		case <-ticker.C:
			if len(batch) > 0 {
				al.flushBatch(batch)
				batch = batch[:0]
			}
		}
	}
}

func (al *AccessLogger) flushBatch(batch []*AccessLogEntry) {
	for _, entry := range batch {
		logger.L.Info("access_log", entry.fields()...)
	}
}

// ShutdownAccessLogger flushes and stops the global access logger
func ShutdownAccessLogger() {
	globalMu.Lock()
	al := globalAccessLogger
	globalAccessLogger = nil
	globalMu.Unlock()

	if al != nil {
		al.stopOnce.Do(func() { close(al.stopChan) })
		al.wg.Wait()
	}
}

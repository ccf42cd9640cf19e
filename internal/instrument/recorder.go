package instrument

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/Mryrghb/todosWithLesan/internal/logger"
)

const StatusOK = "ok"

// Recorder turns spans into prometheus observations and debug log lines.
type Recorder struct {
	log      logger.Logger
	duration *prometheus.HistogramVec
	total    *prometheus.CounterVec
}

func NewRecorder(reg prometheus.Registerer, log logger.Logger) *Recorder {
	factory := promauto.With(reg)
	return &Recorder{
		log: log,
		duration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "todos_span_duration_seconds",
			Help:    "Duration of instrumented operations.",
			Buckets: prometheus.DefBuckets,
		}, []string{"source", "component", "action"}),
		total: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "todos_spans_total",
			Help: "Instrumented operations by outcome.",
		}, []string{"source", "component", "action", "status"}),
	}
}

// StartSpan creates a new span and returns the updated context.
func (r *Recorder) StartSpan(ctx context.Context, source, component, action string) (context.Context, Span) {
	span := &recordedSpan{
		rec:          r,
		traceID:      GetTraceID(ctx),
		spanID:       newUUID(),
		parentSpanID: getParentSpanID(ctx),
		source:       source,
		component:    component,
		action:       action,
		status:       StatusOK,
		startTime:    time.Now(),
	}
	// Child spans reference this span as parent
	return withParentSpanID(ctx, span.spanID), span
}

type recordedSpan struct {
	rec          *Recorder
	traceID      string
	spanID       string
	parentSpanID string
	source       string
	component    string
	action       string
	entity       string
	recordID     string
	status       string
	startTime    time.Time
	metadata     map[string]any
	mu           sync.Mutex
	ended        bool
}

func (s *recordedSpan) TraceID() string { return s.traceID }
func (s *recordedSpan) SpanID() string  { return s.spanID }

func (s *recordedSpan) SetStatus(status string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = status
}

func (s *recordedSpan) SetMetadata(key string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.metadata == nil {
		s.metadata = make(map[string]any)
	}
	s.metadata[key] = value
}

func (s *recordedSpan) SetEntity(entity, recordID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entity = entity
	s.recordID = recordID
}

func (s *recordedSpan) End() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return
	}
	s.ended = true

	elapsed := time.Since(s.startTime)
	s.rec.duration.WithLabelValues(s.source, s.component, s.action).Observe(elapsed.Seconds())
	s.rec.total.WithLabelValues(s.source, s.component, s.action, s.status).Inc()

	fields := []zap.Field{
		zap.String("trace_id", s.traceID),
		zap.String("span_id", s.spanID),
		zap.String("source", s.source),
		zap.String("component", s.component),
		zap.String("action", s.action),
		zap.String("status", s.status),
		zap.Duration("duration", elapsed),
	}
	if s.parentSpanID != "" {
		fields = append(fields, zap.String("parent_span_id", s.parentSpanID))
	}
	if s.entity != "" {
		fields = append(fields, zap.String("entity", s.entity), zap.String("record_id", s.recordID))
	}
	if len(s.metadata) > 0 {
		fields = append(fields, zap.Any("metadata", s.metadata))
	}
	s.rec.log.Debug("span", fields...)
}

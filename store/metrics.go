package store

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	opEventName   = "store.operation"
	opEventDomain = "boardsync"
	tracerName    = "boardsync/store"
)

// opMetrics captures per-operation observability for the mutation
// gateway and snapshot application: stage durations, outcome and an
// accompanying span.
type opMetrics struct {
	logger     *log.Logger
	span       trace.Span
	op         string
	collection string
	start      time.Time

	localDuration  time.Duration
	remoteDuration time.Duration
	docCount       int
	errorStage     string
}

func newOpMetrics(ctx context.Context, logger *log.Logger, op, collection string) (*opMetrics, context.Context) {
	m := &opMetrics{
		logger:     logger,
		op:         op,
		collection: collection,
		start:      time.Now(),
	}
	spanCtx, span := otel.Tracer(tracerName).Start(ctx, op)
	m.span = span
	return m, spanCtx
}

func (m *opMetrics) ObserveLocal(d time.Duration) {
	if d <= 0 {
		return
	}
	m.localDuration = d
}

func (m *opMetrics) ObserveRemote(d time.Duration) {
	if d <= 0 {
		return
	}
	m.remoteDuration = d
}

func (m *opMetrics) SetDocCount(count int) {
	if count < 0 {
		count = 0
	}
	m.docCount = count
}

func (m *opMetrics) SetErrorStage(stage string) {
	if stage == "" {
		return
	}
	m.errorStage = stage
}

func (m *opMetrics) Log(err error) {
	if m == nil {
		return
	}

	attrs := map[string]any{
		"store.op":         m.op,
		"store.collection": m.collection,
		"total_ms":         durationToMillis(time.Since(m.start)),
	}
	if m.localDuration > 0 {
		attrs["local_ms"] = durationToMillis(m.localDuration)
	}
	if m.remoteDuration > 0 {
		attrs["remote_ms"] = durationToMillis(m.remoteDuration)
	}
	if m.docCount > 0 {
		attrs["doc_count"] = m.docCount
	}
	if m.errorStage != "" {
		attrs["error_stage"] = m.errorStage
	}
	if err != nil {
		attrs["error"] = err.Error()
	}

	if m.span != nil {
		m.span.SetAttributes(
			attribute.String("store.op", m.op),
			attribute.String("store.collection", m.collection),
		)
		if err != nil {
			m.span.SetStatus(codes.Error, err.Error())
			m.span.RecordError(err)
		} else {
			m.span.SetStatus(codes.Ok, "")
		}
		m.span.End()
	}

	if m.logger == nil {
		return
	}
	m.logger.WithFields(log.Fields{
		"event.name":   opEventName,
		"event.domain": opEventDomain,
		"attributes":   attrs,
	}).Info("observability.event")
}

func durationToMillis(d time.Duration) float64 {
	if d <= 0 {
		return 0
	}
	return float64(d) / float64(time.Millisecond)
}

package api

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
	tracerName     = "boardsync/api"
	moveEventName  = "board.mutation"
	moveSpanName   = "api.mutation"
	metricsMessage = "observability.event"
)

// moveRequestMetrics collects per-request timings for the mutation path and
// emits them once, as a structured log entry plus span attributes.
type moveRequestMetrics struct {
	logger         *log.Logger
	span           trace.Span
	start          time.Time
	route          string
	authDuration   time.Duration
	commitDuration time.Duration
	intentForm     bool
	deduped        bool
	errorStage     string
}

func newMoveRequestMetrics(ctx context.Context, logger *log.Logger, route string) (*moveRequestMetrics, context.Context) {
	spanCtx, span := otel.Tracer(tracerName).Start(ctx, moveSpanName)
	return &moveRequestMetrics{
		logger: logger,
		span:   span,
		start:  time.Now(),
		route:  route,
	}, spanCtx
}

func (m *moveRequestMetrics) ObserveAuth(duration time.Duration) {
	if duration <= 0 {
		return
	}
	m.authDuration = duration
}

func (m *moveRequestMetrics) ObserveCommit(duration time.Duration) {
	if duration <= 0 {
		return
	}
	m.commitDuration = duration
}

func (m *moveRequestMetrics) SetIntentForm(intent bool) {
	m.intentForm = intent
}

func (m *moveRequestMetrics) SetDeduped(deduped bool) {
	m.deduped = deduped
}

func (m *moveRequestMetrics) SetErrorStage(stage string) {
	if stage == "" {
		return
	}
	m.errorStage = stage
}

func (m *moveRequestMetrics) Log(status int, err error) {
	if m == nil {
		return
	}

	total := time.Since(m.start)
	if m.span != nil {
		attrs := []attribute.KeyValue{
			attribute.String("http.route", m.route),
			attribute.Int("http.status_code", status),
			attribute.Float64("board.mutation.total_ms", durationToMillis(total)),
			attribute.Bool("board.mutation.intent_form", m.intentForm),
			attribute.Bool("board.mutation.deduped", m.deduped),
		}
		if m.authDuration > 0 {
			attrs = append(attrs, attribute.Float64("board.mutation.auth_ms", durationToMillis(m.authDuration)))
		}
		if m.commitDuration > 0 {
			attrs = append(attrs, attribute.Float64("board.mutation.commit_ms", durationToMillis(m.commitDuration)))
		}
		if m.errorStage != "" {
			attrs = append(attrs, attribute.String("board.mutation.error_stage", m.errorStage))
		}
		m.span.SetAttributes(attrs...)
		if err != nil {
			m.span.SetStatus(codes.Error, err.Error())
		}
		m.span.End()
	}

	if m.logger == nil {
		return
	}
	fields := log.Fields{
		"event.name": moveEventName,
		"route":      m.route,
		"status":     status,
		"total_ms":   durationToMillis(total),
		"intent":     m.intentForm,
		"deduped":    m.deduped,
	}
	if m.authDuration > 0 {
		fields["auth_ms"] = durationToMillis(m.authDuration)
	}
	if m.commitDuration > 0 {
		fields["commit_ms"] = durationToMillis(m.commitDuration)
	}
	if m.errorStage != "" {
		fields["error_stage"] = m.errorStage
	}
	if err != nil {
		fields["error"] = err.Error()
	}
	m.logger.WithFields(fields).Info(metricsMessage)
}

func durationToMillis(d time.Duration) float64 {
	if d <= 0 {
		return 0
	}
	return float64(d) / float64(time.Millisecond)
}

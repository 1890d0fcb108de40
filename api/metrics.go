package api

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	tracerName         = "tasklist-api/api"
	requestSpanName    = "tasks.request"
	requestEventName   = "tasks.request.metrics"
	requestEventDomain = "tasklist"
	observabilityEvent = "observability.event"
	attrPrefix         = "tasks."
	metricsContextKey  = "tasks.metrics"
)

type requestMetrics struct {
	logger         *log.Logger
	span           trace.Span
	route          string
	method         string
	start          time.Time
	authDuration   time.Duration
	storeDuration  time.Duration
	encodeDuration time.Duration
	taskID         int64
	tasksReturned  int
	errorStage     string
	failure        error
}

// newRequestMetrics starts the request span. The returned context carries it
// so store spans become children.
func newRequestMetrics(ctx context.Context, logger *log.Logger, method, route string) (*requestMetrics, context.Context) {
	m := &requestMetrics{
		logger:        logger,
		route:         route,
		method:        method,
		start:         time.Now(),
		tasksReturned: -1,
	}
	ctx, m.span = otel.Tracer(tracerName).Start(ctx, requestSpanName,
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String("http.route", route),
			attribute.String("http.method", method),
		))
	return m, ctx
}

func (m *requestMetrics) ObserveAuth(d time.Duration) {
	if m == nil || d <= 0 {
		return
	}
	m.authDuration = d
}

// ObserveStore accumulates time spent in store calls.
func (m *requestMetrics) ObserveStore(d time.Duration) {
	if m == nil || d <= 0 {
		return
	}
	m.storeDuration += d
}

func (m *requestMetrics) ObserveEncode(d time.Duration) {
	if m == nil || d <= 0 {
		return
	}
	m.encodeDuration = d
}

func (m *requestMetrics) SetTaskID(id int64) {
	if m == nil {
		return
	}
	m.taskID = id
}

func (m *requestMetrics) SetTasksReturned(count int) {
	if m == nil {
		return
	}
	if count < 0 {
		count = 0
	}
	m.tasksReturned = count
}

func (m *requestMetrics) SetErrorStage(stage string) {
	if m == nil || stage == "" {
		return
	}
	m.errorStage = stage
}

// SetFailure records an internal error that was rendered as a generic
// response.
func (m *requestMetrics) SetFailure(err error) {
	if m == nil {
		return
	}
	m.failure = err
}

func (m *requestMetrics) attributes(status int, err error) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		attribute.String("http.route", m.route),
		attribute.String("http.method", m.method),
		attribute.Int("http.status_code", status),
		attribute.Float64(attrPrefix+"total_ms", durationToMillis(time.Since(m.start))),
	}
	if m.authDuration > 0 {
		attrs = append(attrs, attribute.Float64(attrPrefix+"auth_ms", durationToMillis(m.authDuration)))
	}
	if m.storeDuration > 0 {
		attrs = append(attrs, attribute.Float64(attrPrefix+"store_ms", durationToMillis(m.storeDuration)))
	}
	if m.encodeDuration > 0 {
		attrs = append(attrs, attribute.Float64(attrPrefix+"encode_ms", durationToMillis(m.encodeDuration)))
	}
	if m.taskID > 0 {
		attrs = append(attrs, attribute.Int64(attrPrefix+"task_id", m.taskID))
	}
	if m.tasksReturned >= 0 {
		attrs = append(attrs, attribute.Int(attrPrefix+"tasks_returned", m.tasksReturned))
	}
	if m.errorStage != "" {
		attrs = append(attrs, attribute.String(attrPrefix+"error_stage", m.errorStage))
	}
	if err != nil {
		attrs = append(attrs, attribute.String("error.message", err.Error()))
	}
	return attrs
}

// Log emits the request event to the span and the logger and ends the span.
func (m *requestMetrics) Log(status int, err error) {
	if m == nil {
		return
	}
	if err == nil {
		err = m.failure
	}
	attrs := m.attributes(status, err)
	severityText, severityNumber := severityForStatus(status, err)

	eventAttrs := append([]attribute.KeyValue{
		attribute.String("event.name", requestEventName),
		attribute.String("event.domain", requestEventDomain),
		attribute.String("severity_text", severityText),
		attribute.Int("severity_number", severityNumber),
	}, attrs...)
	m.span.AddEvent(observabilityEvent, trace.WithAttributes(eventAttrs...))
	m.span.SetAttributes(attrs...)
	switch {
	case err != nil:
		m.span.RecordError(err)
		m.span.SetStatus(codes.Error, err.Error())
	case status >= http.StatusInternalServerError:
		m.span.SetStatus(codes.Error, http.StatusText(status))
	default:
		m.span.SetStatus(codes.Ok, "")
	}
	sc := m.span.SpanContext()
	m.span.End()

	if m.logger == nil {
		return
	}
	data := make(map[string]any, len(attrs))
	for _, kv := range attrs {
		data[string(kv.Key)] = kv.Value.AsInterface()
	}
	fields := log.Fields{
		"event.name":      requestEventName,
		"event.domain":    requestEventDomain,
		"attributes":      data,
		"severity_text":   severityText,
		"severity_number": severityNumber,
	}
	if sc.HasTraceID() {
		fields["trace_id"] = sc.TraceID().String()
	}
	if sc.HasSpanID() {
		fields["span_id"] = sc.SpanID().String()
	}
	entry := m.logger.WithFields(fields)
	switch severityText {
	case "ERROR":
		entry.Error(observabilityEvent)
	case "WARN":
		entry.Warn(observabilityEvent)
	default:
		entry.Info(observabilityEvent)
	}
}

// severityForStatus maps a response to OpenTelemetry severity text and number.
func severityForStatus(status int, err error) (string, int) {
	switch {
	case err != nil || status >= http.StatusInternalServerError:
		return "ERROR", 17
	case status >= http.StatusBadRequest:
		return "WARN", 13
	default:
		return "INFO", 9
	}
}

func durationToMillis(d time.Duration) float64 {
	if d <= 0 {
		return 0
	}
	return float64(d) / float64(time.Millisecond)
}

// RequestMetrics records one span and one log entry per request. Handler
// errors are rendered before logging so the final status is known.
func RequestMetrics(logger *log.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			m, ctx := newRequestMetrics(req.Context(), logger, req.Method, c.Path())
			c.SetRequest(req.WithContext(ctx))
			c.Set(metricsContextKey, m)

			err := next(c)
			if err != nil {
				c.Error(err)
			}
			m.Log(c.Response().Status, handlerError(err))
			return nil
		}
	}
}

// handlerError drops client errors so they are not reported as failures.
func handlerError(err error) error {
	if he, ok := err.(*echo.HTTPError); ok && he.Code < http.StatusInternalServerError {
		return nil
	}
	return err
}

func metricsFrom(c echo.Context) *requestMetrics {
	m, _ := c.Get(metricsContextKey).(*requestMetrics)
	return m
}

package dispatcher

import (
	"context"
	"net/http"
	"net/http/httptrace"
	"net/url"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// startSpan opens the client span covering one dispatch.
func (d *Dispatcher) startSpan(ctx context.Context, op, method string, u *url.URL, id string) (context.Context, trace.Span) {
	attrs := []attribute.KeyValue{
		attribute.String("dispatch.id", id),
		attribute.String("dispatch.op", op),
		attribute.String("http.request.method", method),
	}
	if u != nil {
		attrs = append(attrs,
			attribute.String("url.full", u.Redacted()),
			attribute.String("server.address", u.Hostname()),
		)
	}

	return d.tracer.Start(ctx, "dispatch."+op, trace.WithSpanKind(trace.SpanKindClient), trace.WithAttributes(attrs...))
}

// injectTrace propagates the active span into the outgoing headers using
// the globally configured propagator.
func injectTrace(ctx context.Context, h http.Header) {
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(h))
}

func endSpan(span trace.Span, statusCode int, err error) {
	if statusCode != 0 {
		span.SetAttributes(attribute.Int("http.response.status_code", statusCode))
	}

	if err != nil {
		if e, ok := AsError(err); ok {
			span.SetAttributes(attribute.String("dispatch.error.kind", e.Kind.String()))
			if e.Status != "" {
				span.SetAttributes(attribute.String("dispatch.error.status", string(e.Status)))
			}
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}

	span.End()
}

// clientTrace records wire milestones as span events and hands the
// connection in use to onConn.
func clientTrace(span trace.Span, onConn func(httptrace.GotConnInfo)) *httptrace.ClientTrace {
	return &httptrace.ClientTrace{
		GotConn: func(info httptrace.GotConnInfo) {
			span.AddEvent("connection acquired", trace.WithAttributes(attribute.Bool("reused", info.Reused)))
			if onConn != nil {
				onConn(info)
			}
		},
		WroteRequest: func(info httptrace.WroteRequestInfo) {
			if info.Err != nil {
				span.AddEvent("request write failed", trace.WithAttributes(attribute.String("error", info.Err.Error())))
				return
			}
			span.AddEvent("request written")
		},
		GotFirstResponseByte: func() {
			span.AddEvent("first response byte")
		},
	}
}

package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/openkcm/common-sdk/pkg/commoncfg"
	"github.com/openkcm/common-sdk/pkg/otlp"
	"github.com/samber/oops"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	slogctx "github.com/veqryn/slog-context"

	"github.com/openkcm/session-edge/internal/config"
	"github.com/openkcm/session-edge/internal/serviceerr"
	"github.com/openkcm/session-edge/pkg/session"
)

var (
	counter        metric.Int64Counter
	hist           metric.Int64Histogram
	stateCounter   metric.Int64Counter
	refreshCounter metric.Int64Counter
)

func initMeters(ctx context.Context, cfg *config.Config) error {
	meter := otel.Meter(
		"kms20/"+cfg.Application.Name,
		metric.WithInstrumentationVersion(otel.Version()),
		metric.WithInstrumentationAttributes(otlp.CreateAttributesFrom(cfg.Application)...),
	)

	var err error

	counter, err = meter.Int64Counter(
		"http.request_count",
		metric.WithDescription("Incoming request count"),
		metric.WithUnit("request"),
	)
	if err != nil {
		return oops.In("HTTP Server").
			WithContext(ctx).
			Wrapf(err, "creating request_count meter")
	}

	hist, err = meter.Int64Histogram(
		"http.duration",
		metric.WithDescription("Incoming end to end duration"),
		metric.WithUnit("milliseconds"),
	)
	if err != nil {
		return oops.In("HTTP Server").
			WithContext(ctx).
			Wrapf(err, "creating duration meter")
	}

	stateCounter, err = meter.Int64Counter(
		"session.state",
		metric.WithDescription("Session state of incoming requests"),
		metric.WithUnit("request"),
	)
	if err != nil {
		return oops.In("HTTP Server").
			WithContext(ctx).
			Wrapf(err, "creating session state meter")
	}

	refreshCounter, err = meter.Int64Counter(
		"session.refresh",
		metric.WithDescription("Session refresh attempts by outcome"),
		metric.WithUnit("refresh"),
	)
	if err != nil {
		return oops.In("HTTP Server").
			WithContext(ctx).
			Wrapf(err, "creating session refresh meter")
	}

	return nil
}

// newTraceMiddleware covers a handler with a span, a request id and the
// request metrics.
func newTraceMiddleware(cfg *config.Config, operationID string) func(http.Handler) http.Handler {
	traceAttrs := otlp.CreateAttributesFrom(cfg.Application, attribute.String(commoncfg.AttrOperation, operationID))
	tracer := otel.Tracer(operationID, trace.WithInstrumentationAttributes(traceAttrs...))

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := slogctx.With(r.Context(),
				commoncfg.AttrRequestID, uuid.NewString(),
				commoncfg.AttrOperation, operationID,
			)

			parentCtx := otel.GetTextMapPropagator().Extract(ctx, propagation.HeaderCarrier(r.Header))

			ctx, span := tracer.Start(parentCtx, operationID+"-span", trace.WithAttributes(traceAttrs...))
			defer span.End()

			requestStartTime := time.Now()

			defer func() {
				if counter == nil || hist == nil {
					return
				}

				attrs := metric.WithAttributes(
					otlp.CreateAttributesFrom(cfg.Application,
						attribute.String("userAgent", r.UserAgent()),
						attribute.String(commoncfg.AttrOperation, operationID),
					)...,
				)

				counter.Add(ctx, 1, attrs)
				hist.Record(ctx, time.Since(requestStartTime).Milliseconds(), attrs)
			}()

			slogctx.Info(ctx, fmt.Sprintf("Processing %s request", operationID))
			next.ServeHTTP(w, r.WithContext(ctx))
			slogctx.Info(ctx, fmt.Sprintf("Finished %s request", operationID))
		})
	}
}

// recordSession counts the state of an established session and, when a
// refresh was attempted, its outcome.
func recordSession(ctx context.Context, res session.Result) {
	if stateCounter != nil {
		stateCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("state", res.State.String())))
	}

	switch {
	case res.Refreshed:
		recordRefresh(ctx, "success")
	case serviceerr.CodeOf(res.Diagnostic) == serviceerr.CodeRefreshFailed:
		recordRefresh(ctx, string(serviceerr.ReasonOf(res.Diagnostic)))
	}
}

func recordRefresh(ctx context.Context, outcome string) {
	if refreshCounter == nil {
		return
	}
	refreshCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

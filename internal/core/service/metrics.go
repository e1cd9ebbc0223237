package service

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("profilestore.service")

var (
	saveTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "profile_save_total",
		Help: "Profile saves by mode and result",
	}, []string{"mode", "result"})

	saveDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "profile_save_duration_seconds",
		Help:    "Duration of profile saves including retries",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 14), // 1ms to ~8s
	}, []string{"mode"})

	writeAttempts = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "profile_write_attempts",
		Help:    "Backend attempts per verified write",
		Buckets: []float64{1, 2, 3, 4, 5, 8},
	})

	blockedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "profile_write_blocked_total",
		Help: "Writes vetoed by the validation guard by reason code",
	}, []string{"reason"})

	sanitizeChangedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "profile_sanitize_changed_total",
		Help: "Sanitizer passes that altered the payload, by outcome",
	}, []string{"outcome"})

	saveRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "profile_save_requests_total",
		Help: "Save requests by disposition",
	}, []string{"disposition"})

	flushTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "profile_flush_total",
		Help: "Flush outcomes on session end and shutdown",
	}, []string{"trigger", "result"})

	cachedProfiles = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "profile_cache_entries",
		Help: "Profiles currently held in the cache",
	})
)

func resultLabel(ok bool) string {
	if ok {
		return "ok"
	}
	return "failed"
}

func startSpan(ctx context.Context, op, key string) (context.Context, trace.Span) {
	return tracer.Start(ctx, op, trace.WithAttributes(
		attribute.String("profile.key", key),
	))
}

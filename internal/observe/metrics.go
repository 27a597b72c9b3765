package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/chinmina/blindsign-tokens/internal/observe"

var (
	metricsOnce      sync.Once
	tokenFetchErrors metric.Int64Counter
	cacheRefreshes   metric.Int64Counter
)

func initMetrics() {
	metricsOnce.Do(func() {
		meter := otel.Meter(meterName)

		var err error
		tokenFetchErrors, err = meter.Int64Counter(
			"bsa.token.fetch.errors",
			metric.WithDescription("Token fetch failures by classified cause"),
		)
		if err != nil {
			otel.Handle(err)
		}

		cacheRefreshes, err = meter.Int64Counter(
			"bsa.token.cache.refreshes",
			metric.WithDescription("Scheduled token cache refresh runs"),
		)
		if err != nil {
			otel.Handle(err)
		}
	})
}

// CountTokenFetchError records one failed fetch for the given token kind,
// classified under metricID.
func CountTokenFetchError(ctx context.Context, tokenKind string, metricID string) {
	initMetrics()
	if tokenFetchErrors == nil {
		return
	}
	tokenFetchErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("token.kind", tokenKind),
			attribute.String("error.id", metricID),
		),
	)
}

// CountCacheRefresh records the outcome ("success" or "error") of a
// scheduled cache refresh.
func CountCacheRefresh(ctx context.Context, tokenKind string, status string) {
	initMetrics()
	if cacheRefreshes == nil {
		return
	}
	cacheRefreshes.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("token.kind", tokenKind),
			attribute.String("refresh.status", status),
		),
	)
}

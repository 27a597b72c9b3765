package pool

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chinmina/blindsign-tokens/internal/token"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

var (
	metricsOnce    sync.Once
	poolOperations metric.Int64Counter
	poolTokens     metric.Int64Counter
	poolDuration   metric.Float64Histogram
)

func initMetrics() {
	metricsOnce.Do(func() {
		meter := otel.Meter("github.com/chinmina/blindsign-tokens/internal/pool")

		var err error
		poolOperations, err = meter.Int64Counter(
			"pool.operations",
			metric.WithDescription("Total token pool operations"),
		)
		if err != nil {
			otel.Handle(err)
		}

		poolTokens, err = meter.Int64Counter(
			"pool.tokens",
			metric.WithDescription("Tokens served by token pools and minted to fill them"),
		)
		if err != nil {
			otel.Handle(err)
		}

		poolDuration, err = meter.Float64Histogram(
			"pool.operation.duration",
			metric.WithDescription("Token pool operation duration"),
			metric.WithUnit("s"),
		)
		if err != nil {
			otel.Handle(err)
		}
	})
}

// Instrumented wraps a Pool with metrics instrumentation.
type Instrumented[T token.Token] struct {
	wrapped  Pool[T]
	poolType string
}

// NewInstrumented creates an instrumented pool wrapper. poolType names the
// pool in metric attributes, e.g. "memory" or "durable".
func NewInstrumented[T token.Token](pool Pool[T], poolType string) *Instrumented[T] {
	initMetrics()
	return &Instrumented[T]{
		wrapped:  pool,
		poolType: poolType,
	}
}

// Draw draws from the wrapped pool, counting the tokens served to the caller
// and the tokens minted by the fallback, whether for the caller or for the
// pool's top-up.
func (i *Instrumented[T]) Draw(ctx context.Context, params token.Params, count int, fallback Source[T]) ([]T, error) {
	start := time.Now()

	var minted atomic.Int64
	counting := func(ctx context.Context, params token.Params, atLeast int, valid token.ValidityPredicate[T]) ([]T, error) {
		tokens, err := fallback(ctx, params, atLeast, valid)
		minted.Add(int64(len(tokens)))
		return tokens, err
	}

	tokens, err := i.wrapped.Draw(ctx, params, count, counting)

	duration := time.Since(start)
	i.recordDuration(ctx, "draw", duration)

	status := "success"
	if err != nil {
		status = "error"
	} else {
		i.recordTokens(ctx, params, "served", int64(len(tokens)))
	}
	if n := minted.Load(); n > 0 {
		i.recordTokens(ctx, params, "minted", n)
	}
	i.recordOperation(ctx, "draw", status)
	i.setSpanAttributes(ctx, "draw", status, duration)

	return tokens, err
}

func (i *Instrumented[T]) Clear(ctx context.Context) error {
	return i.instrument(ctx, "clear", func() error {
		return i.wrapped.Clear(ctx)
	})
}

func (i *Instrumented[T]) Refresh(ctx context.Context, source Source[T]) error {
	return i.instrument(ctx, "refresh", func() error {
		return i.wrapped.Refresh(ctx, source)
	})
}

func (i *Instrumented[T]) instrument(ctx context.Context, operation string, fn func() error) error {
	start := time.Now()

	err := fn()

	duration := time.Since(start)
	i.recordDuration(ctx, operation, duration)

	status := "success"
	if err != nil {
		status = "error"
	}
	i.recordOperation(ctx, operation, status)
	i.setSpanAttributes(ctx, operation, status, duration)

	return err
}

func (i *Instrumented[T]) recordOperation(ctx context.Context, operation, status string) {
	if poolOperations == nil {
		return
	}
	poolOperations.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("pool.type", i.poolType),
			attribute.String("pool.operation", operation),
			attribute.String("pool.status", status),
		),
	)
}

func (i *Instrumented[T]) recordTokens(ctx context.Context, params token.Params, flow string, n int64) {
	if poolTokens == nil || n <= 0 {
		return
	}
	poolTokens.Add(ctx, n,
		metric.WithAttributes(
			attribute.String("pool.type", i.poolType),
			attribute.String("token.kind", params.Kind().String()),
			attribute.String("token.flow", flow),
		),
	)
}

func (i *Instrumented[T]) recordDuration(ctx context.Context, operation string, duration time.Duration) {
	if poolDuration == nil {
		return
	}
	poolDuration.Record(ctx, duration.Seconds(),
		metric.WithAttributes(
			attribute.String("pool.type", i.poolType),
			attribute.String("pool.operation", operation),
		),
	)
}

func (i *Instrumented[T]) setSpanAttributes(ctx context.Context, operation, status string, duration time.Duration) {
	span := trace.SpanFromContext(ctx)
	span.SetAttributes(
		attribute.String("pool.type", i.poolType),
		attribute.String("pool."+operation+".status", status),
		attribute.Float64("pool."+operation+".duration", duration.Seconds()),
	)
}

// Package observetest captures OpenTelemetry metrics recorded by the code
// under test.
package observetest

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

var (
	installOnce sync.Once
	reader      *sdkmetric.ManualReader
)

// Reader installs (once per test binary) a global meter provider backed by a
// manual reader and returns the reader. Instruments created through the
// global provider before installation are delegated to it.
func Reader() *sdkmetric.ManualReader {
	installOnce.Do(func() {
		reader = sdkmetric.NewManualReader()
		otel.SetMeterProvider(sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)))
	})
	return reader
}

// CounterValue returns the cumulative value of the named int64 counter for
// the data point whose attributes include every entry of attrs. It is zero
// when no such point has been recorded.
func CounterValue(t *testing.T, name string, attrs map[string]string) int64 {
	t.Helper()

	var rm metricdata.ResourceMetrics
	require.NoError(t, Reader().Collect(context.Background(), &rm))

	var total int64
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			require.True(t, ok, "metric %s is not an int64 sum", name)
			for _, dp := range sum.DataPoints {
				if matches(dp.Attributes, attrs) {
					total += dp.Value
				}
			}
		}
	}
	return total
}

func matches(set attribute.Set, attrs map[string]string) bool {
	for k, v := range attrs {
		got, ok := set.Value(attribute.Key(k))
		if !ok || got.AsString() != v {
			return false
		}
	}
	return true
}

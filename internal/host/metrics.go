package host

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

var (
	meter      = otel.GetMeterProvider().Meter("memshare.internal.host")
	acksMetric = must(meter.Int64Counter("memshare.coordinator.acks",
		metric.WithDescription("mem_ack requests served or rejected by the coordinator")))
	flushedPagesMetric = must(meter.Int64Counter("memshare.coordinator.flushed_pages",
		metric.WithDescription("Source pages copied into guest windows by Flush")))
)

func must[T any](obj T, err error) T {
	if err != nil {
		panic(err)
	}

	return obj
}

package metrics

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// Counter names, shared with the monitor's snapshot keys.
const (
	EventsSubmitted   = "events_submitted_total"
	EventsDropped     = "events_dropped_total"
	EventsBroadcast   = "events_broadcast_total"
	EventsFiltered    = "events_filtered_total"
	EventsDelivered   = "events_delivered_total"
	BytesDelivered    = "bytes_delivered_total"
	ConnectionsOpened = "connections_opened_total"
	ConnectionsClosed = "connections_closed_total"
	DeliveryErrors    = "delivery_errors_total"
)

// Registry owns the meter provider and every instrument the delivery path
// records into. A manual reader keeps collection pull-based: the monitor
// decides when a sample is taken.
type Registry struct {
	reader   *sdkmetric.ManualReader
	provider *sdkmetric.MeterProvider

	EventsSubmitted   metric.Int64Counter
	EventsDropped     metric.Int64Counter
	EventsBroadcast   metric.Int64Counter
	EventsFiltered    metric.Int64Counter
	EventsDelivered   metric.Int64Counter
	BytesDelivered    metric.Int64Counter
	ConnectionsOpened metric.Int64Counter
	ConnectionsClosed metric.Int64Counter
	DeliveryErrors    metric.Int64Counter
}

func NewRegistry() (*Registry, error) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	meter := provider.Meter("streamgate")

	r := &Registry{reader: reader, provider: provider}

	for _, c := range []struct {
		name string
		dst  *metric.Int64Counter
	}{
		{EventsSubmitted, &r.EventsSubmitted},
		{EventsDropped, &r.EventsDropped},
		{EventsBroadcast, &r.EventsBroadcast},
		{EventsFiltered, &r.EventsFiltered},
		{EventsDelivered, &r.EventsDelivered},
		{BytesDelivered, &r.BytesDelivered},
		{ConnectionsOpened, &r.ConnectionsOpened},
		{ConnectionsClosed, &r.ConnectionsClosed},
		{DeliveryErrors, &r.DeliveryErrors},
	} {
		counter, err := meter.Int64Counter(c.name)
		if err != nil {
			return nil, fmt.Errorf("metrics: create counter %s: %w", c.name, err)
		}
		*c.dst = counter
	}

	return r, nil
}

// Reason builds the standard attribute set for close/drop counters.
func Reason(reason string) metric.AddOption {
	return metric.WithAttributes(attribute.String("reason", reason))
}

// Counters collects current totals keyed by instrument name. Attribute sets
// under one instrument are summed together.
func (r *Registry) Counters(ctx context.Context) (map[string]int64, error) {
	var rm metricdata.ResourceMetrics
	if err := r.reader.Collect(ctx, &rm); err != nil {
		return nil, fmt.Errorf("metrics: collect: %w", err)
	}
	out := make(map[string]int64)
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			sum, ok := m.Data.(metricdata.Sum[int64])
			if !ok {
				continue
			}
			var total int64
			for _, dp := range sum.DataPoints {
				total += dp.Value
			}
			out[m.Name] = total
		}
	}
	return out, nil
}

func (r *Registry) Shutdown(ctx context.Context) error {
	return r.provider.Shutdown(ctx)
}

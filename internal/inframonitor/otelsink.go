package inframonitor

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/graphnode/graphnode/internal/telemetry"
)

// OTelSink publishes gauge batches through the node's meter provider.
type OTelSink struct {
	meter metric.Meter

	mu     sync.Mutex
	gauges map[string]metric.Float64Gauge
}

// NewOTelSink builds a sink on the monitor's instrumentation scope.
func NewOTelSink() *OTelSink {
	return &OTelSink{
		meter:  telemetry.Meter("graphnode/inframonitor"),
		gauges: make(map[string]metric.Float64Gauge),
	}
}

var _ MetricsSink = (*OTelSink)(nil)

// Push records each gauge with its labels as attributes.
func (s *OTelSink) Push(ctx context.Context, gauges []Gauge) error {
	for _, g := range gauges {
		instrument, err := s.instrument(g.Name)
		if err != nil {
			return err
		}
		attrs := make([]attribute.KeyValue, 0, len(g.Labels))
		for k, v := range g.Labels {
			attrs = append(attrs, attribute.String(k, v))
		}
		instrument.Record(ctx, g.Value, metric.WithAttributes(attrs...))
	}
	return nil
}

func (s *OTelSink) instrument(name string) (metric.Float64Gauge, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if g, ok := s.gauges[name]; ok {
		return g, nil
	}
	g, err := s.meter.Float64Gauge("graphnode." + name)
	if err != nil {
		return nil, err
	}
	s.gauges[name] = g
	return g, nil
}

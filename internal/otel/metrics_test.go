package otel

import (
	"context"
	"testing"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func TestNewMetrics_RecordsThroughSDK(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	defer mp.Shutdown(context.Background())

	m, err := NewMetrics(mp.Meter(MeterName))
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	ctx := context.Background()
	m.IngestedTokens.Add(ctx, 150)
	m.IngestedTokens.Add(ctx, 30)
	m.GateRejections.Add(ctx, 1)
	m.RequestDuration.Record(ctx, 0.02)

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(ctx, &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	got := map[string]metricdata.Aggregation{}
	for _, sm := range rm.ScopeMetrics {
		for _, md := range sm.Metrics {
			got[md.Name] = md.Data
		}
	}
	sum, ok := got["clawboard.ingest.tokens"].(metricdata.Sum[int64])
	if !ok || len(sum.DataPoints) != 1 || sum.DataPoints[0].Value != 180 {
		t.Fatalf("ingest tokens = %#v", got["clawboard.ingest.tokens"])
	}
	if _, ok := got["clawboard.request.duration"].(metricdata.Histogram[float64]); !ok {
		t.Fatalf("request duration missing: %v", got)
	}
	if _, ok := got["clawboard.workflow.rejections"]; !ok {
		t.Fatal("gate rejections missing")
	}
}

func TestNewMetrics_NoopMeter(t *testing.T) {
	p, err := Init(context.Background(), Config{Enabled: false})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	m, err := NewMetrics(p.Meter)
	if err != nil {
		t.Fatalf("NewMetrics with noop: %v", err)
	}
	m.RateLimitRejects.Add(context.Background(), 1)
	m.ReportDuration.Record(context.Background(), 0.5)
}

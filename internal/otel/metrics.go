package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds the OTel instruments recorded by the gateway and the engines.
type Metrics struct {
	RequestDuration  metric.Float64Histogram
	IngestBatchSize  metric.Int64Histogram
	IngestedTokens   metric.Int64Counter
	ReportDuration   metric.Float64Histogram
	GateRejections   metric.Int64Counter
	RateLimitRejects metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.RequestDuration, err = meter.Float64Histogram("clawboard.request.duration",
		metric.WithDescription("Gateway request duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.IngestBatchSize, err = meter.Int64Histogram("clawboard.ingest.batch_size",
		metric.WithDescription("Usage events per ingestion request"),
	)
	if err != nil {
		return nil, err
	}

	m.IngestedTokens, err = meter.Int64Counter("clawboard.ingest.tokens",
		metric.WithDescription("Total tokens recorded by inserted usage events"),
	)
	if err != nil {
		return nil, err
	}

	m.ReportDuration, err = meter.Float64Histogram("clawboard.report.duration",
		metric.WithDescription("Token report aggregation duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.GateRejections, err = meter.Int64Counter("clawboard.workflow.rejections",
		metric.WithDescription("Writes refused by the workflow gate"),
	)
	if err != nil {
		return nil, err
	}

	m.RateLimitRejects, err = meter.Int64Counter("clawboard.ratelimit.rejects",
		metric.WithDescription("Requests rejected by rate limiter"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const (
	meterName  = "gatehouse"
	tracerName = "gatehouse"
)

// OTelProvider implements Provider using OpenTelemetry.
type OTelProvider struct {
	tracer trace.Tracer
	meter  metric.Meter

	evaluations       metric.Int64Counter
	denials           metric.Int64Counter
	requirementsHits  metric.Int64Counter
	requirementsMiss  metric.Int64Counter
	staleServed       metric.Int64Counter
	storeLoadDuration metric.Float64Histogram
	storeLoadFailure  metric.Int64Counter
}

// NewOTel creates a provider backed by the global OpenTelemetry meter and
// tracer.
func NewOTel() (*OTelProvider, error) {
	p := &OTelProvider{
		tracer: otel.Tracer(tracerName),
		meter:  otel.Meter(meterName),
	}

	if err := p.initMetrics(); err != nil {
		return nil, err
	}

	return p, nil
}

func (p *OTelProvider) initMetrics() error {
	var err error

	p.evaluations, err = p.meter.Int64Counter(
		"gatehouse.evaluations",
		metric.WithDescription("Number of flag evaluations"),
	)
	if err != nil {
		return err
	}

	p.denials, err = p.meter.Int64Counter(
		"gatehouse.denials",
		metric.WithDescription("Number of operations denied by policy"),
	)
	if err != nil {
		return err
	}

	p.requirementsHits, err = p.meter.Int64Counter(
		"gatehouse.requirements.cache.hits",
		metric.WithDescription("Requirements cache hits"),
	)
	if err != nil {
		return err
	}

	p.requirementsMiss, err = p.meter.Int64Counter(
		"gatehouse.requirements.cache.misses",
		metric.WithDescription("Requirements cache misses"),
	)
	if err != nil {
		return err
	}

	p.staleServed, err = p.meter.Int64Counter(
		"gatehouse.requirements.stale_served",
		metric.WithDescription("Requirements served stale after a failed reload"),
	)
	if err != nil {
		return err
	}

	p.storeLoadDuration, err = p.meter.Float64Histogram(
		"gatehouse.store.load.duration",
		metric.WithDescription("Duration of flag store loads"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return err
	}

	p.storeLoadFailure, err = p.meter.Int64Counter(
		"gatehouse.store.load.failures",
		metric.WithDescription("Number of failed flag store loads"),
	)
	if err != nil {
		return err
	}

	return nil
}

func (p *OTelProvider) RecordEvaluation(ctx context.Context, flagName, kind string, enabled bool) {
	p.evaluations.Add(ctx, 1, metric.WithAttributes(
		attribute.String("flag.name", flagName),
		attribute.String("flag.kind", kind),
		attribute.Bool("enabled", enabled),
	))
}

func (p *OTelProvider) RecordDenial(ctx context.Context, operationKey, flagName, scope string) {
	p.denials.Add(ctx, 1, metric.WithAttributes(
		attribute.String("operation.key", operationKey),
		attribute.String("flag.name", flagName),
		attribute.String("scope", scope),
	))
}

func (p *OTelProvider) RecordRequirementsLookup(ctx context.Context, operationKey string, hit bool) {
	attrs := metric.WithAttributes(attribute.String("operation.key", operationKey))
	if hit {
		p.requirementsHits.Add(ctx, 1, attrs)
		return
	}
	p.requirementsMiss.Add(ctx, 1, attrs)
}

func (p *OTelProvider) RecordStaleServed(ctx context.Context, operationKey string) {
	p.staleServed.Add(ctx, 1, metric.WithAttributes(
		attribute.String("operation.key", operationKey),
	))
}

func (p *OTelProvider) RecordStoreLoad(ctx context.Context, duration time.Duration, success bool) {
	p.storeLoadDuration.Record(ctx, float64(duration.Milliseconds()),
		metric.WithAttributes(attribute.Bool("success", success)))
	if !success {
		p.storeLoadFailure.Add(ctx, 1)
	}
}

func (p *OTelProvider) StartSpan(ctx context.Context, name string) (context.Context, func(error)) {
	ctx, span := p.tracer.Start(ctx, name)
	return ctx, func(err error) {
		if err != nil {
			span.RecordError(err)
		}
		span.End()
	}
}

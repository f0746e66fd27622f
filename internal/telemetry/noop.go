package telemetry

import (
	"context"
	"time"
)

// NoopProvider discards all telemetry. It is the default when no provider
// is configured.
type NoopProvider struct{}

func NewNoop() *NoopProvider {
	return &NoopProvider{}
}

func (*NoopProvider) RecordEvaluation(context.Context, string, string, bool) {}

func (*NoopProvider) RecordDenial(context.Context, string, string, string) {}

func (*NoopProvider) RecordRequirementsLookup(context.Context, string, bool) {}

func (*NoopProvider) RecordStaleServed(context.Context, string) {}

func (*NoopProvider) RecordStoreLoad(context.Context, time.Duration, bool) {}

func (*NoopProvider) StartSpan(ctx context.Context, _ string) (context.Context, func(error)) {
	return ctx, func(error) {}
}

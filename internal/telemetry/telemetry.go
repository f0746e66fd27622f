package telemetry

import (
	"context"
	"time"
)

// Provider records policy-engine telemetry. Implementations must be safe
// for concurrent use.
type Provider interface {
	// RecordEvaluation records a single flag evaluation and its outcome.
	RecordEvaluation(ctx context.Context, flagName, kind string, enabled bool)

	// RecordDenial records an interceptor denial.
	RecordDenial(ctx context.Context, operationKey, flagName, scope string)

	// RecordRequirementsLookup records a provider cache hit or miss.
	RecordRequirementsLookup(ctx context.Context, operationKey string, hit bool)

	// RecordStaleServed records a stale-if-error fallback.
	RecordStaleServed(ctx context.Context, operationKey string)

	// RecordStoreLoad records a flag-store load and its duration.
	RecordStoreLoad(ctx context.Context, duration time.Duration, success bool)

	// StartSpan opens a trace span; the returned func ends it, recording
	// the given error if non-nil.
	StartSpan(ctx context.Context, name string) (context.Context, func(error))
}

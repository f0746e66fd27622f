package intercept

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/ledgerline/gatehouse/internal/domain"
	"github.com/ledgerline/gatehouse/internal/registry"
	"github.com/ledgerline/gatehouse/internal/requirements"
	"github.com/ledgerline/gatehouse/internal/telemetry"
)

// Interceptor enforces flag policy around business operations. It is
// stateless per call; the same instance serves the repository, service and
// request boundaries.
type Interceptor struct {
	requirements *requirements.Provider
	registry     *registry.Registry
	logger       *zap.Logger
	telemetry    telemetry.Provider
}

// Option configures an Interceptor.
type Option func(*Interceptor)

// WithLogger sets the logger. Defaults to a no-op logger.
func WithLogger(logger *zap.Logger) Option {
	return func(i *Interceptor) { i.logger = logger }
}

// WithTelemetry sets the telemetry provider. Defaults to noop.
func WithTelemetry(provider telemetry.Provider) Option {
	return func(i *Interceptor) { i.telemetry = provider }
}

// New creates an interceptor over the given provider and registry.
func New(provider *requirements.Provider, reg *registry.Registry, opts ...Option) (*Interceptor, error) {
	if provider == nil {
		return nil, fmt.Errorf("requirements provider is required")
	}
	if reg == nil {
		return nil, fmt.Errorf("registry is required")
	}

	i := &Interceptor{
		requirements: provider,
		registry:     reg,
		logger:       zap.NewNop(),
		telemetry:    telemetry.NewNoop(),
	}

	for _, opt := range opts {
		opt(i)
	}

	return i, nil
}

// Allow decides whether the operation may proceed for the given scope and
// context. It returns nil when the operation is ungated or every required
// flag evaluates true, and a FeatureDisabledError naming the first failing
// flag otherwise. Allow is the only place a policy error is raised; store
// or cache failures are absorbed into a deny here.
func (i *Interceptor) Allow(ctx context.Context, operationKey, scope string, evalCtx domain.EvalContext) error {
	ctx, end := i.telemetry.StartSpan(ctx, "gatehouse.allow")

	required, err := i.requirements.GetRequirements(ctx, operationKey, scope)
	if err != nil {
		// Policy could not be determined; deny without leaking the
		// internal failure to the caller.
		i.logger.Warn("denying operation with unavailable requirements",
			zap.String("operation", operationKey),
			zap.String("scope", scope),
			zap.Error(err),
		)
		i.telemetry.RecordDenial(ctx, operationKey, domain.UnknownFlag, scope)
		denied := domain.NewFeatureDisabledError(operationKey, domain.UnknownFlag, scope)
		end(denied)
		return denied
	}

	for _, flagName := range required {
		if i.registry.Evaluate(ctx, flagName, evalCtx) {
			continue
		}

		i.logger.Info("operation denied by flag",
			zap.String("operation", operationKey),
			zap.String("scope", scope),
			zap.String("flag", flagName),
		)
		i.telemetry.RecordDenial(ctx, operationKey, flagName, scope)
		denied := domain.NewFeatureDisabledError(operationKey, flagName, scope)
		end(denied)
		return denied
	}

	end(nil)
	return nil
}

// Func is a gated business operation.
type Func[A, R any] func(ctx context.Context, arg A) (R, error)

// ScopeFunc derives the requirement scope from an operation's argument,
// keeping the interceptor generic rather than hard-coded to one domain.
// A nil ScopeFunc means the operation is never scoped.
type ScopeFunc[A any] func(arg A) string

// Gated is a wrapped operation that additionally takes the evaluation
// context at call time.
type Gated[A, R any] func(ctx context.Context, evalCtx domain.EvalContext, arg A) (R, error)

// Wrap builds the policy-enforcing handle for one operation. When policy
// allows, the real operation runs exactly once with its argument and
// result passed through unmodified; business errors are never wrapped.
// When a required flag denies, the real operation is never invoked.
func Wrap[A, R any](i *Interceptor, operationKey string, scopeOf ScopeFunc[A], fn Func[A, R]) Gated[A, R] {
	return func(ctx context.Context, evalCtx domain.EvalContext, arg A) (R, error) {
		var scope string
		if scopeOf != nil {
			scope = scopeOf(arg)
		}

		if err := i.Allow(ctx, operationKey, scope, evalCtx); err != nil {
			var zero R
			return zero, err
		}

		return fn(ctx, arg)
	}
}

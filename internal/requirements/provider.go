package requirements

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/ledgerline/gatehouse/internal/circuit"
	"github.com/ledgerline/gatehouse/internal/domain"
	"github.com/ledgerline/gatehouse/internal/store"
	"github.com/ledgerline/gatehouse/internal/telemetry"
)

const (
	// DefaultTTL bounds how stale a cached binding set may be without an
	// explicit invalidation.
	DefaultTTL = 30 * time.Second

	// DefaultLoadTimeout bounds a single store load so cache misses never
	// block callers indefinitely.
	DefaultLoadTimeout = 5 * time.Second
)

// ErrUnavailable is returned when requirements for a never-loaded operation
// cannot be fetched and the provider is fail-closed. The interceptor maps
// it to a deny; it never reaches business callers directly.
var ErrUnavailable = errors.New("requirements unavailable")

type entry struct {
	bindings []domain.Binding
	loadedAt time.Time
}

// Provider answers "which flags gate this operation for this scope" from a
// TTL cache over the flag store. Concurrent misses for the same operation
// key are coalesced into a single store load.
type Provider struct {
	store       store.FlagStore
	ttl         time.Duration
	loadTimeout time.Duration
	failOpen    bool

	mu    sync.RWMutex
	cache map[string]entry
	group singleflight.Group

	// breaker fails loads fast while the store is down, so misses degrade
	// to the stale or fail-closed path without waiting out the timeout.
	breaker *circuit.Breaker

	logger    *zap.Logger
	telemetry telemetry.Provider
}

// Option configures a Provider.
type Option func(*Provider)

// WithTTL sets the cache TTL. Defaults to DefaultTTL.
func WithTTL(ttl time.Duration) Option {
	return func(p *Provider) { p.ttl = ttl }
}

// WithLoadTimeout bounds each store load. Defaults to DefaultLoadTimeout.
func WithLoadTimeout(timeout time.Duration) Option {
	return func(p *Provider) { p.loadTimeout = timeout }
}

// WithFailOpen makes never-loaded operations ungated when the store is
// unreachable. The default is fail-closed: unknown policy denies.
func WithFailOpen(failOpen bool) Option {
	return func(p *Provider) { p.failOpen = failOpen }
}

// WithBreaker replaces the default circuit breaker around store loads.
func WithBreaker(b *circuit.Breaker) Option {
	return func(p *Provider) { p.breaker = b }
}

// WithLogger sets the logger. Defaults to a no-op logger.
func WithLogger(logger *zap.Logger) Option {
	return func(p *Provider) { p.logger = logger }
}

// WithTelemetry sets the telemetry provider. Defaults to noop.
func WithTelemetry(provider telemetry.Provider) Option {
	return func(p *Provider) { p.telemetry = provider }
}

// New creates a provider over the given store.
func New(flagStore store.FlagStore, opts ...Option) (*Provider, error) {
	if flagStore == nil {
		return nil, fmt.Errorf("flag store is required")
	}

	p := &Provider{
		store:       flagStore,
		ttl:         DefaultTTL,
		loadTimeout: DefaultLoadTimeout,
		cache:       make(map[string]entry),
		breaker:     circuit.New(circuit.Config{}),
		logger:      zap.NewNop(),
		telemetry:   telemetry.NewNoop(),
	}

	for _, opt := range opts {
		opt(p)
	}

	if p.ttl <= 0 {
		return nil, fmt.Errorf("ttl must be positive")
	}
	if p.loadTimeout <= 0 {
		return nil, fmt.Errorf("load timeout must be positive")
	}

	return p, nil
}

// GetRequirements returns the flag names gating (operationKey, scope).
// An empty result means the operation is ungated for that scope. An exact
// scope match takes precedence over the scopeless default binding.
//
// Stale entries are served after a failed reload (with a warning); a
// never-loaded key on an unreachable store returns ErrUnavailable unless
// the provider is configured fail-open.
func (p *Provider) GetRequirements(ctx context.Context, operationKey, scope string) ([]string, error) {
	p.mu.RLock()
	cached, ok := p.cache[operationKey]
	p.mu.RUnlock()

	if ok && time.Since(cached.loadedAt) < p.ttl {
		p.telemetry.RecordRequirementsLookup(ctx, operationKey, true)
		return resolve(cached.bindings, scope), nil
	}

	p.telemetry.RecordRequirementsLookup(ctx, operationKey, false)

	bindings, err := p.load(ctx, operationKey)
	if err == nil {
		return resolve(bindings, scope), nil
	}

	p.logger.Warn("requirements reload failed",
		zap.String("operation", operationKey),
		zap.Error(err),
	)

	// Stale-if-error: a previously loaded binding set degrades gracefully.
	if ok {
		p.telemetry.RecordStaleServed(ctx, operationKey)
		p.logger.Warn("serving stale requirements",
			zap.String("operation", operationKey),
			zap.Duration("age", time.Since(cached.loadedAt)),
		)
		return resolve(cached.bindings, scope), nil
	}

	// Never-loaded policy is "not yet allowed" unless configured otherwise.
	if p.failOpen {
		p.logger.Warn("treating unknown operation as ungated (fail-open)",
			zap.String("operation", operationKey),
		)
		return nil, nil
	}

	return nil, ErrUnavailable
}

// load coalesces concurrent misses for one operation key into a single
// store read. The load context is detached from the caller so one caller's
// cancellation cannot fail the shared flight.
func (p *Provider) load(ctx context.Context, operationKey string) ([]domain.Binding, error) {
	result, err, _ := p.group.Do(operationKey, func() (any, error) {
		// Another flight may have refreshed the entry while this caller
		// waited on the singleflight lock.
		p.mu.RLock()
		cached, ok := p.cache[operationKey]
		p.mu.RUnlock()
		if ok && time.Since(cached.loadedAt) < p.ttl {
			return cached.bindings, nil
		}

		loadCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.loadTimeout)
		defer cancel()

		start := time.Now()
		var bindings []domain.Binding
		err := p.breaker.Do(func() error {
			var loadErr error
			bindings, loadErr = p.store.GetRequirements(loadCtx, operationKey)
			return loadErr
		})
		p.telemetry.RecordStoreLoad(ctx, time.Since(start), err == nil)
		if err != nil {
			return nil, domain.NewConfigLoadError(operationKey, err)
		}

		p.mu.Lock()
		p.cache[operationKey] = entry{bindings: bindings, loadedAt: time.Now()}
		p.mu.Unlock()

		return bindings, nil
	})
	if err != nil {
		return nil, err
	}
	return result.([]domain.Binding), nil
}

// Invalidate evicts one operation key; the next read forces a reload.
func (p *Provider) Invalidate(operationKey string) {
	p.mu.Lock()
	delete(p.cache, operationKey)
	p.mu.Unlock()
	p.group.Forget(operationKey)
}

// InvalidateAll evicts every cached entry.
func (p *Provider) InvalidateAll() {
	p.mu.Lock()
	p.cache = make(map[string]entry)
	p.mu.Unlock()
}

// InvalidateByFlag evicts every cached operation whose bindings reference
// the given flag. Wired to registry change notifications.
func (p *Provider) InvalidateByFlag(flagName string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for key, e := range p.cache {
		if bindingsReference(e.bindings, flagName) {
			delete(p.cache, key)
		}
	}
}

func bindingsReference(bindings []domain.Binding, flagName string) bool {
	for _, b := range bindings {
		for _, name := range b.RequiredFlags {
			if name == flagName {
				return true
			}
		}
	}
	return false
}

func resolve(bindings []domain.Binding, scope string) []string {
	b := domain.ResolveBinding(bindings, scope)
	if b == nil {
		return nil
	}
	return b.RequiredFlags
}

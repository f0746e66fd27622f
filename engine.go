// Package gatehouse is a database-backed feature-flag policy engine. It
// centralizes "is this operation allowed right now" decisions and enforces
// them transparently at the data-access, business-logic and request
// boundaries through a single interceptor mechanism.
package gatehouse

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/ledgerline/gatehouse/internal/domain"
	"github.com/ledgerline/gatehouse/internal/evaluator"
	"github.com/ledgerline/gatehouse/internal/intercept"
	"github.com/ledgerline/gatehouse/internal/notify"
	"github.com/ledgerline/gatehouse/internal/registry"
	"github.com/ledgerline/gatehouse/internal/requirements"
	"github.com/ledgerline/gatehouse/internal/server"
	"github.com/ledgerline/gatehouse/internal/store"
	"github.com/ledgerline/gatehouse/internal/telemetry"
)

// Engine is the main entry point. It owns the registry, the requirements
// provider and the interceptor, all constructed once and passed by
// reference; there is no process-wide singleton.
type Engine struct {
	store       FlagStore
	registry    *registry.Registry
	provider    *requirements.Provider
	interceptor *intercept.Interceptor
	management  *server.Management
	logger      *zap.Logger

	notifier    *notify.RedisNotifier
	snapshot    *store.Snapshot
	adminServer *http.Server
	adminAddr   string
}

// New creates an engine with the given options. A flag store is required.
//
// Example:
//
//	engine, err := gatehouse.New(
//	    gatehouse.WithStore(gatehouse.NewGormStore(db)),
//	    gatehouse.WithRequirementsTTL(30 * time.Second),
//	)
func New(opts ...Option) (*Engine, error) {
	cfg := defaultEngineConfig()

	for _, opt := range opts {
		if err := opt(cfg); err != nil {
			return nil, err
		}
	}

	if cfg.store == nil {
		return nil, fmt.Errorf("flag store is required")
	}

	var provider telemetry.Provider = telemetry.NewNoop()
	if cfg.otelEnabled {
		otelProvider, err := telemetry.NewOTel()
		if err != nil {
			return nil, fmt.Errorf("failed to init telemetry: %w", err)
		}
		provider = otelProvider
	}

	reg, err := registry.New(evaluator.New(),
		registry.WithLogger(cfg.logger),
		registry.WithTelemetry(provider),
		registry.WithMemoTTL(cfg.evalMemoTTL),
	)
	if err != nil {
		return nil, err
	}

	reqs, err := requirements.New(cfg.store,
		requirements.WithTTL(cfg.requirementsTTL),
		requirements.WithLoadTimeout(cfg.loadTimeout),
		requirements.WithFailOpen(cfg.failOpen),
		requirements.WithLogger(cfg.logger),
		requirements.WithTelemetry(provider),
	)
	if err != nil {
		return nil, err
	}

	interceptor, err := intercept.New(reqs, reg,
		intercept.WithLogger(cfg.logger),
		intercept.WithTelemetry(provider),
	)
	if err != nil {
		return nil, err
	}

	// A flag write invalidates every cached operation that requires it, so
	// propagation does not have to wait out the TTL.
	reg.Subscribe(func(flag domain.Flag) {
		reqs.InvalidateByFlag(flag.Name)
	})

	e := &Engine{
		store:       cfg.store,
		registry:    reg,
		provider:    reqs,
		interceptor: interceptor,
		logger:      cfg.logger,
		adminAddr:   cfg.adminAddr,
	}

	e.management = server.NewManagement(cfg.store, reg, reqs, cfg.logger)

	if cfg.redisClient != nil {
		e.notifier = notify.NewRedis(cfg.redisClient, cfg.redisChannel, cfg.logger)
		e.management.SetNotifier(e.notifier)
	}

	if cfg.snapshotDir != "" {
		snap, err := store.NewSnapshot(cfg.snapshotDir)
		if err != nil {
			return nil, err
		}
		e.snapshot = snap
	}

	return e, nil
}

// Start loads all flags from the store into the registry and begins
// background processes: the change-notifier subscription and, when
// configured, the management HTTP server. It must be called before
// evaluating flags.
func (e *Engine) Start(ctx context.Context) error {
	if err := e.registry.Load(ctx, e.store); err != nil {
		if e.snapshot == nil {
			return err
		}
		// Boot from the last known flag set; the store reload happens on
		// the next admin refresh or flag change.
		flags, snapErr := e.snapshot.Load()
		if snapErr != nil || len(flags) == 0 {
			return err
		}
		e.logger.Warn("store unreachable, booting from snapshot",
			zap.Int("flags", len(flags)),
			zap.Error(err),
		)
		for _, f := range flags {
			e.registry.Set(f)
		}
	} else {
		e.saveSnapshot()
	}

	if e.notifier != nil {
		if err := e.notifier.Listen(ctx, e.applyRemoteChange); err != nil {
			return fmt.Errorf("failed to start change listener: %w", err)
		}
	}

	if e.adminAddr != "" {
		e.adminServer = &http.Server{
			Addr:    e.adminAddr,
			Handler: e.management.Router(),
		}
		go func() {
			if err := e.adminServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				e.logger.Error("management server failed", zap.Error(err))
			}
		}()
	}

	return nil
}

// Stop shuts down background processes and releases caches.
func (e *Engine) Stop(ctx context.Context) error {
	var firstErr error

	if e.adminServer != nil {
		if err := e.adminServer.Shutdown(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if e.notifier != nil {
		if err := e.notifier.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	e.registry.Close()

	return firstErr
}

// applyRemoteChange reloads one flag after a peer instance changed it.
func (e *Engine) applyRemoteChange(flagName string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	flag, err := e.store.GetFlag(ctx, flagName)
	if err != nil {
		e.logger.Warn("failed to reload remotely changed flag",
			zap.String("flag", flagName),
			zap.Error(err),
		)
		return
	}
	e.registry.Set(*flag)
}

// Evaluate evaluates a single flag against the context. Unknown flags
// deny.
func (e *Engine) Evaluate(ctx context.Context, flagName string, evalCtx Context) bool {
	return e.registry.Evaluate(ctx, flagName, evalCtx)
}

// Allow checks the policy for an operation without wrapping it. It returns
// nil when the operation may proceed and a FeatureDisabledError otherwise.
func (e *Engine) Allow(ctx context.Context, operationKey, scope string, evalCtx Context) error {
	return e.interceptor.Allow(ctx, operationKey, scope, evalCtx)
}

// SetFlag validates and persists a flag, then applies the change to the
// running engine. This is the programmatic twin of PUT /flags/{name}.
func (e *Engine) SetFlag(ctx context.Context, flag Flag) error {
	if flag.Condition != "" {
		if _, err := evaluator.CompileCondition(flag.Condition); err != nil {
			return domain.NewValidationErrorWithCause("invalid condition", err)
		}
	}
	if err := flag.Validate(); err != nil {
		return err
	}
	if err := e.store.UpsertFlag(ctx, flag); err != nil {
		return err
	}

	stored, err := e.store.GetFlag(ctx, flag.Name)
	if err != nil {
		return err
	}
	e.management.ApplyFlagChange(ctx, *stored)
	return nil
}

// SetRequirements validates and persists the full binding set for an
// operation key, then invalidates the cached entry.
func (e *Engine) SetRequirements(ctx context.Context, operationKey string, bindings []Binding) error {
	if err := domain.ValidateBindings(operationKey, bindings); err != nil {
		return err
	}
	if err := e.store.UpsertRequirements(ctx, operationKey, bindings); err != nil {
		return err
	}
	e.provider.Invalidate(operationKey)
	return nil
}

// InvalidateOperation evicts one operation's cached requirements.
func (e *Engine) InvalidateOperation(operationKey string) {
	e.provider.Invalidate(operationKey)
}

// InvalidateAll evicts all cached requirements.
func (e *Engine) InvalidateAll() {
	e.provider.InvalidateAll()
}

// Refresh reloads every flag from the store and drops cached requirements.
func (e *Engine) Refresh(ctx context.Context) error {
	if err := e.registry.Load(ctx, e.store); err != nil {
		return err
	}
	e.provider.InvalidateAll()
	e.saveSnapshot()
	return nil
}

// saveSnapshot writes the current flag set to disk, best effort.
func (e *Engine) saveSnapshot() {
	if e.snapshot == nil {
		return
	}
	if err := e.snapshot.Save(e.registry.Snapshot()); err != nil {
		e.logger.Warn("failed to save flag snapshot", zap.Error(err))
	}
}

// ManagementHandler exposes the management API for mounting into an
// existing HTTP server instead of running the built-in one.
func (e *Engine) ManagementHandler() http.Handler {
	return e.management.Router()
}

// interceptor returns the shared interceptor for the generic wrappers.
func (e *Engine) intercept() *intercept.Interceptor {
	return e.interceptor
}

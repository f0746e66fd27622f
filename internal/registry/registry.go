package registry

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/ristretto"
	"go.uber.org/zap"

	"github.com/ledgerline/gatehouse/internal/domain"
	"github.com/ledgerline/gatehouse/internal/evaluator"
	"github.com/ledgerline/gatehouse/internal/store"
	"github.com/ledgerline/gatehouse/internal/telemetry"
)

// Registry holds the current flag values and evaluates them against a
// caller-supplied context. Reads vastly outnumber writes; the flag map is
// guarded by a reader-writer lock and mutated only through Set.
type Registry struct {
	mu          sync.RWMutex
	flags       map[string]domain.Flag
	subscribers []func(domain.Flag)

	eval      *evaluator.Evaluator
	logger    *zap.Logger
	telemetry telemetry.Provider

	// generation is folded into memo keys so a Set invalidates every
	// memoized result for free.
	generation atomic.Uint64
	memo       *ristretto.Cache
	memoTTL    time.Duration
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the logger. Defaults to a no-op logger.
func WithLogger(logger *zap.Logger) Option {
	return func(r *Registry) { r.logger = logger }
}

// WithTelemetry sets the telemetry provider. Defaults to noop.
func WithTelemetry(provider telemetry.Provider) Option {
	return func(r *Registry) { r.telemetry = provider }
}

// WithMemoTTL enables the evaluation memo cache with the given TTL.
// Zero disables memoization.
func WithMemoTTL(ttl time.Duration) Option {
	return func(r *Registry) { r.memoTTL = ttl }
}

// New creates an empty registry.
func New(eval *evaluator.Evaluator, opts ...Option) (*Registry, error) {
	if eval == nil {
		return nil, fmt.Errorf("evaluator is required")
	}

	r := &Registry{
		flags:     make(map[string]domain.Flag),
		eval:      eval,
		logger:    zap.NewNop(),
		telemetry: telemetry.NewNoop(),
	}

	for _, opt := range opts {
		opt(r)
	}

	if r.memoTTL > 0 {
		memo, err := ristretto.NewCache(&ristretto.Config{
			NumCounters: 1e5,
			MaxCost:     1 << 20,
			BufferItems: 64,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create memo cache: %w", err)
		}
		r.memo = memo
	}

	return r, nil
}

// Load replaces the registry contents with all flags from the store.
// Called once at startup and on explicit admin refresh.
func (r *Registry) Load(ctx context.Context, flagStore store.FlagStore) error {
	flags, err := flagStore.LoadAllFlags(ctx)
	if err != nil {
		return fmt.Errorf("failed to load flags: %w", err)
	}

	next := make(map[string]domain.Flag, len(flags))
	for _, f := range flags {
		next[f.Name] = f
	}

	r.mu.Lock()
	r.flags = next
	r.mu.Unlock()
	r.generation.Add(1)

	r.logger.Info("registry loaded", zap.Int("flags", len(flags)))
	return nil
}

// Set upserts a flag value and notifies subscribers. Validation happens at
// the store-write boundary, not here.
func (r *Registry) Set(flag domain.Flag) {
	r.mu.Lock()
	r.flags[flag.Name] = flag
	subs := make([]func(domain.Flag), len(r.subscribers))
	copy(subs, r.subscribers)
	r.mu.Unlock()

	r.generation.Add(1)

	for _, fn := range subs {
		fn(flag)
	}
}

// Get returns the current definition, or a NotFoundError. NotFound is a
// distinct outcome from "exists but disabled" and callers must deny on it.
func (r *Registry) Get(name string) (domain.Flag, error) {
	r.mu.RLock()
	flag, ok := r.flags[name]
	r.mu.RUnlock()

	if !ok {
		return domain.Flag{}, domain.NewNotFoundError("flag", name)
	}
	return flag, nil
}

// Evaluate decides whether the named flag is enabled for the context.
// Unknown flags and evaluation failures deny (fail-closed).
func (r *Registry) Evaluate(ctx context.Context, name string, evalCtx domain.EvalContext) bool {
	flag, err := r.Get(name)
	if err != nil {
		r.logger.Warn("unknown flag denied", zap.String("flag", name))
		r.telemetry.RecordEvaluation(ctx, name, "", false)
		return false
	}

	if key, ok := r.memoKey(flag, evalCtx); ok {
		if cached, found := r.memo.Get(key); found {
			if enabled, ok := cached.(bool); ok {
				r.telemetry.RecordEvaluation(ctx, name, string(flag.Kind), enabled)
				return enabled
			}
		}

		enabled := r.evaluate(ctx, flag, evalCtx)
		r.memo.SetWithTTL(key, enabled, 1, r.memoTTL)
		return enabled
	}

	return r.evaluate(ctx, flag, evalCtx)
}

func (r *Registry) evaluate(ctx context.Context, flag domain.Flag, evalCtx domain.EvalContext) bool {
	enabled, err := r.eval.Evaluate(flag, evalCtx)
	if err != nil {
		r.logger.Warn("evaluation failed, denying",
			zap.String("flag", flag.Name),
			zap.Error(err),
		)
		enabled = false
	}

	r.telemetry.RecordEvaluation(ctx, flag.Name, string(flag.Kind), enabled)
	return enabled
}

// memoKey returns a cache key for results that are pure functions of
// (flag, subject, segment). Time-window flags depend on the clock and
// condition flags depend on arbitrary attributes, so neither is memoized.
func (r *Registry) memoKey(flag domain.Flag, evalCtx domain.EvalContext) (string, bool) {
	if r.memo == nil || flag.Kind == domain.KindTimeWindow || flag.Condition != "" {
		return "", false
	}
	key := fmt.Sprintf("%d|%s|%s|%s",
		r.generation.Load(), flag.Name, evalCtx.SubjectID, evalCtx.Segment)
	return key, true
}

// Subscribe registers a callback invoked on every Set. Subscribers must not
// call back into the registry's write path.
func (r *Registry) Subscribe(fn func(domain.Flag)) {
	r.mu.Lock()
	r.subscribers = append(r.subscribers, fn)
	r.mu.Unlock()
}

// Snapshot returns a copy of all current definitions.
func (r *Registry) Snapshot() []domain.Flag {
	r.mu.RLock()
	defer r.mu.RUnlock()

	flags := make([]domain.Flag, 0, len(r.flags))
	for _, f := range r.flags {
		flags = append(flags, f)
	}
	return flags
}

// Len returns the number of registered flags.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.flags)
}

// Close releases the memo cache, if any.
func (r *Registry) Close() {
	if r.memo != nil {
		r.memo.Close()
	}
}

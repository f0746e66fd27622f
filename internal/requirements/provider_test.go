package requirements

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ledgerline/gatehouse/internal/circuit"
	"github.com/ledgerline/gatehouse/internal/domain"
	"github.com/ledgerline/gatehouse/internal/store"
)

// flakyStore wraps a MemoryStore so tests can count loads and inject
// failures.
type flakyStore struct {
	*store.MemoryStore

	loads   atomic.Int64
	failing atomic.Bool
	delay   time.Duration
}

func newFlakyStore() *flakyStore {
	return &flakyStore{MemoryStore: store.NewMemoryStore()}
}

func (s *flakyStore) GetRequirements(ctx context.Context, operationKey string) ([]domain.Binding, error) {
	s.loads.Add(1)
	if s.delay > 0 {
		time.Sleep(s.delay)
	}
	if s.failing.Load() {
		return nil, errors.New("store down")
	}
	return s.MemoryStore.GetRequirements(ctx, operationKey)
}

const opKey = "repository:create_typed_entity"

func seedBindings(t *testing.T, s *flakyStore) {
	t.Helper()
	require.NoError(t, s.UpsertRequirements(context.Background(), opKey, []domain.Binding{
		{OperationKey: opKey, RequiredFlags: []string{"flag_x"}},
		{OperationKey: opKey, Scope: "bnpl", RequiredFlags: []string{"flag_x", "flag_y"}},
	}))
}

func TestGetRequirementsScopeResolution(t *testing.T) {
	s := newFlakyStore()
	seedBindings(t, s)
	p, err := New(s)
	require.NoError(t, err)
	ctx := context.Background()

	got, err := p.GetRequirements(ctx, opKey, "bnpl")
	require.NoError(t, err)
	assert.Equal(t, []string{"flag_x", "flag_y"}, got)

	got, err = p.GetRequirements(ctx, opKey, "checking")
	require.NoError(t, err)
	assert.Equal(t, []string{"flag_x"}, got)

	got, err = p.GetRequirements(ctx, opKey, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"flag_x"}, got)
}

func TestGetRequirementsUngatedOperation(t *testing.T) {
	s := newFlakyStore()
	p, err := New(s)
	require.NoError(t, err)

	got, err := p.GetRequirements(context.Background(), "service:unbound_operation", "")
	require.NoError(t, err)
	assert.Empty(t, got, "an operation with no bindings is ungated")
}

func TestGetRequirementsCachesWithinTTL(t *testing.T) {
	s := newFlakyStore()
	seedBindings(t, s)
	p, err := New(s, WithTTL(time.Minute))
	require.NoError(t, err)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		_, err := p.GetRequirements(ctx, opKey, "bnpl")
		require.NoError(t, err)
	}
	assert.Equal(t, int64(1), s.loads.Load(), "repeated reads within the TTL hit the cache")
}

func TestGetRequirementsReloadsAfterTTL(t *testing.T) {
	s := newFlakyStore()
	seedBindings(t, s)
	p, err := New(s, WithTTL(20*time.Millisecond))
	require.NoError(t, err)
	ctx := context.Background()

	_, err = p.GetRequirements(ctx, opKey, "")
	require.NoError(t, err)

	// A change lands in the store; the cached copy may be served until the
	// TTL elapses but no longer.
	require.NoError(t, s.UpsertRequirements(ctx, opKey, []domain.Binding{
		{OperationKey: opKey, RequiredFlags: []string{"flag_z"}},
	}))

	require.Eventually(t, func() bool {
		got, err := p.GetRequirements(ctx, opKey, "")
		return err == nil && len(got) == 1 && got[0] == "flag_z"
	}, time.Second, 5*time.Millisecond)
}

func TestGetRequirementsSingleFlight(t *testing.T) {
	s := newFlakyStore()
	seedBindings(t, s)
	s.delay = 50 * time.Millisecond

	p, err := New(s, WithTTL(time.Minute))
	require.NoError(t, err)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, err := p.GetRequirements(ctx, opKey, "bnpl")
			assert.NoError(t, err)
			assert.Equal(t, []string{"flag_x", "flag_y"}, got)
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(1), s.loads.Load(), "concurrent misses share one store load")
}

func TestGetRequirementsServesStaleOnError(t *testing.T) {
	s := newFlakyStore()
	seedBindings(t, s)
	p, err := New(s, WithTTL(10*time.Millisecond))
	require.NoError(t, err)
	ctx := context.Background()

	got, err := p.GetRequirements(ctx, opKey, "bnpl")
	require.NoError(t, err)
	require.Equal(t, []string{"flag_x", "flag_y"}, got)

	s.failing.Store(true)
	time.Sleep(20 * time.Millisecond)

	got, err = p.GetRequirements(ctx, opKey, "bnpl")
	require.NoError(t, err, "a previously loaded key degrades to the stale copy")
	assert.Equal(t, []string{"flag_x", "flag_y"}, got)
}

func TestGetRequirementsFailClosedWhenNeverLoaded(t *testing.T) {
	s := newFlakyStore()
	s.failing.Store(true)
	p, err := New(s)
	require.NoError(t, err)

	_, err = p.GetRequirements(context.Background(), opKey, "")
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestGetRequirementsFailOpen(t *testing.T) {
	s := newFlakyStore()
	s.failing.Store(true)
	p, err := New(s, WithFailOpen(true))
	require.NoError(t, err)

	got, err := p.GetRequirements(context.Background(), opKey, "")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestInvalidateForcesReload(t *testing.T) {
	s := newFlakyStore()
	seedBindings(t, s)
	p, err := New(s, WithTTL(time.Hour))
	require.NoError(t, err)
	ctx := context.Background()

	_, err = p.GetRequirements(ctx, opKey, "")
	require.NoError(t, err)

	require.NoError(t, s.UpsertRequirements(ctx, opKey, []domain.Binding{
		{OperationKey: opKey, RequiredFlags: []string{"flag_z"}},
	}))
	p.Invalidate(opKey)

	got, err := p.GetRequirements(ctx, opKey, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"flag_z"}, got)
	assert.Equal(t, int64(2), s.loads.Load())
}

func TestInvalidateByFlag(t *testing.T) {
	s := newFlakyStore()
	seedBindings(t, s)
	const otherOp = "service:calculate_interest"
	require.NoError(t, s.UpsertRequirements(context.Background(), otherOp, []domain.Binding{
		{OperationKey: otherOp, RequiredFlags: []string{"interest_engine"}},
	}))

	p, err := New(s, WithTTL(time.Hour))
	require.NoError(t, err)
	ctx := context.Background()

	_, err = p.GetRequirements(ctx, opKey, "")
	require.NoError(t, err)
	_, err = p.GetRequirements(ctx, otherOp, "")
	require.NoError(t, err)
	require.Equal(t, int64(2), s.loads.Load())

	p.InvalidateByFlag("flag_y")

	// Only the operation whose bindings reference flag_y reloads.
	_, err = p.GetRequirements(ctx, opKey, "")
	require.NoError(t, err)
	_, err = p.GetRequirements(ctx, otherOp, "")
	require.NoError(t, err)
	assert.Equal(t, int64(3), s.loads.Load())
}

func TestLoadDetachedFromCallerCancellation(t *testing.T) {
	s := newFlakyStore()
	seedBindings(t, s)
	p, err := New(s)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	got, err := p.GetRequirements(ctx, opKey, "bnpl")
	require.NoError(t, err, "a cancelled caller must not poison the shared load")
	assert.Equal(t, []string{"flag_x", "flag_y"}, got)
}

func TestBreakerFailsFastWhileStoreDown(t *testing.T) {
	s := newFlakyStore()
	s.failing.Store(true)
	p, err := New(s, WithBreaker(circuit.New(circuit.Config{MaxFailures: 2, Cooldown: time.Hour})))
	require.NoError(t, err)
	ctx := context.Background()

	// Two failing loads open the breaker.
	_, err = p.GetRequirements(ctx, opKey, "")
	require.ErrorIs(t, err, ErrUnavailable)
	_, err = p.GetRequirements(ctx, opKey, "")
	require.ErrorIs(t, err, ErrUnavailable)
	require.Equal(t, int64(2), s.loads.Load())

	// Subsequent misses are rejected without touching the store.
	_, err = p.GetRequirements(ctx, opKey, "")
	require.ErrorIs(t, err, ErrUnavailable)
	assert.Equal(t, int64(2), s.loads.Load())
}

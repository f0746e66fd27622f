package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ledgerline/gatehouse/internal/domain"
	"github.com/ledgerline/gatehouse/internal/evaluator"
	"github.com/ledgerline/gatehouse/internal/intercept"
	"github.com/ledgerline/gatehouse/internal/registry"
	"github.com/ledgerline/gatehouse/internal/requirements"
	"github.com/ledgerline/gatehouse/internal/store"
)

func newTestInterceptor(t *testing.T, seed func(st *store.MemoryStore, reg *registry.Registry)) *intercept.Interceptor {
	t.Helper()

	st := store.NewMemoryStore()
	reg, err := registry.New(evaluator.New())
	require.NoError(t, err)
	t.Cleanup(reg.Close)

	if seed != nil {
		seed(st, reg)
	}

	provider, err := requirements.New(st)
	require.NoError(t, err)
	i, err := intercept.New(provider, reg)
	require.NoError(t, err)
	return i
}

func TestGateAllowsAndDenies(t *testing.T) {
	const op = "api:POST /accounts/banking"

	i := newTestInterceptor(t, func(st *store.MemoryStore, reg *registry.Registry) {
		ctx := context.Background()
		flag := domain.Flag{Name: "beta_gate", Kind: domain.KindSegment, AllowedSegments: []string{"beta_testers"}}
		require.NoError(t, st.UpsertFlag(ctx, flag))
		reg.Set(flag)
		require.NoError(t, st.UpsertRequirements(ctx, op, []domain.Binding{
			{OperationKey: op, RequiredFlags: []string{"beta_gate"}},
		}))
	})

	reached := false
	handler := Gate(i, GateOptions{OperationKey: op}, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reached = true
		w.WriteHeader(http.StatusCreated)
	}))

	t.Run("allowed segment passes through", func(t *testing.T) {
		reached = false
		req := httptest.NewRequest(http.MethodPost, "/accounts/banking", nil)
		req.Header.Set("X-Subject-ID", "user-1")
		req.Header.Set("X-Segment", "beta_testers")
		rec := httptest.NewRecorder()

		handler.ServeHTTP(rec, req)

		assert.True(t, reached)
		assert.Equal(t, http.StatusCreated, rec.Code)
	})

	t.Run("other segment gets opaque 403", func(t *testing.T) {
		reached = false
		req := httptest.NewRequest(http.MethodPost, "/accounts/banking", nil)
		req.Header.Set("X-Subject-ID", "user-2")
		req.Header.Set("X-Segment", "general")
		rec := httptest.NewRecorder()

		handler.ServeHTTP(rec, req)

		assert.False(t, reached, "the handler must not run on a denied request")
		assert.Equal(t, http.StatusForbidden, rec.Code)
		assert.NotContains(t, rec.Body.String(), "beta_gate", "the failing flag name must not leak")
	})
}

func TestGateScopeFromRequest(t *testing.T) {
	const op = "api:POST /accounts"

	i := newTestInterceptor(t, func(st *store.MemoryStore, reg *registry.Registry) {
		ctx := context.Background()
		off := domain.Flag{Name: "bnpl_enabled", Kind: domain.KindBoolean, Boolean: false}
		require.NoError(t, st.UpsertFlag(ctx, off))
		reg.Set(off)
		require.NoError(t, st.UpsertRequirements(ctx, op, []domain.Binding{
			{OperationKey: op, Scope: "bnpl", RequiredFlags: []string{"bnpl_enabled"}},
		}))
	})

	handler := Gate(i, GateOptions{
		OperationKey: op,
		Scope:        func(r *http.Request) string { return r.URL.Query().Get("type") },
	}, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
	}))

	t.Run("scoped request denied", func(t *testing.T) {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/accounts?type=bnpl", nil))
		assert.Equal(t, http.StatusForbidden, rec.Code)
	})

	t.Run("other scope is ungated", func(t *testing.T) {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/accounts?type=checking", nil))
		assert.Equal(t, http.StatusCreated, rec.Code)
	})
}

func TestContextFromRequest(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/reports", nil)
	req.Header.Set("X-Subject-ID", "user-9")
	req.Header.Set("X-Segment", "staff")

	evalCtx := ContextFromRequest(req)
	assert.Equal(t, "user-9", evalCtx.SubjectID)
	assert.Equal(t, "staff", evalCtx.Segment)
	assert.Equal(t, "/reports", evalCtx.Attributes["path"])
	assert.Equal(t, http.MethodGet, evalCtx.Attributes["method"])
}

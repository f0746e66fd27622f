package server

import (
	"net/http"

	"github.com/ledgerline/gatehouse/internal/domain"
	"github.com/ledgerline/gatehouse/internal/intercept"
)

// GateOptions configures request-boundary interception for one route.
type GateOptions struct {
	// OperationKey identifies the gated route, e.g.
	// "api:POST /accounts/banking".
	OperationKey string

	// Scope derives the requirement scope from the request. Nil means the
	// route is never scoped.
	Scope func(r *http.Request) string

	// Context builds the evaluation context from the request. Nil falls
	// back to ContextFromRequest.
	Context func(r *http.Request) domain.EvalContext
}

// Gate wraps an HTTP handler with policy enforcement. A denied request
// gets an opaque 403; the failing flag name stays in internal logs only.
func Gate(i *intercept.Interceptor, opts GateOptions, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var scope string
		if opts.Scope != nil {
			scope = opts.Scope(r)
		}

		evalCtx := ContextFromRequest(r)
		if opts.Context != nil {
			evalCtx = opts.Context(r)
		}

		if err := i.Allow(r.Context(), opts.OperationKey, scope, evalCtx); err != nil {
			writeJSON(w, http.StatusForbidden, map[string]string{
				"error": "this feature is not available",
			})
			return
		}

		next.ServeHTTP(w, r)
	})
}

// ContextFromRequest builds a default evaluation context from request
// headers: X-Subject-ID for the stable identity, X-Segment for the
// caller's segment.
func ContextFromRequest(r *http.Request) domain.EvalContext {
	return domain.EvalContext{
		SubjectID: r.Header.Get("X-Subject-ID"),
		Segment:   r.Header.Get("X-Segment"),
		Attributes: map[string]any{
			"path":   r.URL.Path,
			"method": r.Method,
		},
	}
}

package gatehouse

import (
	"net/http"

	"github.com/ledgerline/gatehouse/internal/intercept"
	"github.com/ledgerline/gatehouse/internal/server"
)

// Func is a business operation that can be gated.
type Func[A, R any] = intercept.Func[A, R]

// ScopeFunc derives the requirement scope from an operation's argument.
type ScopeFunc[A any] = intercept.ScopeFunc[A]

// Gated is a wrapped operation. It takes the evaluation context at call
// time and either runs the underlying operation exactly once or returns a
// FeatureDisabledError without running it.
type Gated[A, R any] = intercept.Gated[A, R]

// Wrap gates one operation behind the engine's policy.
//
// Example:
//
//	createAccount := gatehouse.Wrap(engine, "repository:create_typed_entity",
//	    func(req CreateAccountRequest) string { return req.AccountType },
//	    repo.CreateAccount,
//	)
//	account, err := createAccount(ctx, evalCtx, req)
func Wrap[A, R any](e *Engine, operationKey string, scopeOf ScopeFunc[A], fn Func[A, R]) Gated[A, R] {
	return intercept.Wrap(e.intercept(), operationKey, scopeOf, fn)
}

// GateOptions configures request-boundary interception for one route.
type GateOptions struct {
	// OperationKey identifies the gated route, e.g.
	// "api:POST /accounts/banking".
	OperationKey string

	// Scope derives the requirement scope from the request. Nil means the
	// route is never scoped.
	Scope func(r *http.Request) string

	// Context builds the evaluation context from the request. Nil reads
	// the X-Subject-ID and X-Segment headers.
	Context func(r *http.Request) Context
}

// GateHandler wraps an HTTP handler with policy enforcement. Denied
// requests receive an opaque 403 response.
func (e *Engine) GateHandler(opts GateOptions, next http.Handler) http.Handler {
	inner := server.GateOptions{
		OperationKey: opts.OperationKey,
		Scope:        opts.Scope,
	}
	if opts.Context != nil {
		inner.Context = func(r *http.Request) Context { return opts.Context(r) }
	}
	return server.Gate(e.intercept(), inner, next)
}

// ContextFromRequest builds an evaluation context from the X-Subject-ID
// and X-Segment request headers.
func ContextFromRequest(r *http.Request) Context {
	return server.ContextFromRequest(r)
}

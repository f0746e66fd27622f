package domain

import (
	"fmt"
	"time"
)

// Binding maps a gated operation (optionally narrowed by scope) to the
// flags that must all evaluate true for the operation to proceed.
type Binding struct {
	OperationKey string

	// Scope narrows when the binding applies. Empty scope is the default
	// binding for the operation.
	Scope string

	// RequiredFlags are evaluated in order with AND semantics.
	RequiredFlags []string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Validate checks a single binding's invariants.
func (b *Binding) Validate() error {
	if b.OperationKey == "" {
		return NewValidationError("binding operation_key cannot be empty")
	}
	if len(b.RequiredFlags) == 0 {
		return NewValidationError(
			fmt.Sprintf("binding for %s must require at least one flag", b.OperationKey),
		)
	}
	for _, name := range b.RequiredFlags {
		if name == "" {
			return NewValidationError(
				fmt.Sprintf("binding for %s references an empty flag name", b.OperationKey),
			)
		}
	}
	return nil
}

// ValidateBindings validates a full binding set for one operation key:
// every binding must share the key, scopes must be distinct, and at most
// one binding may be scopeless.
func ValidateBindings(operationKey string, bindings []Binding) error {
	if operationKey == "" {
		return NewValidationError("operation_key cannot be empty")
	}

	seen := make(map[string]bool, len(bindings))
	for i := range bindings {
		b := &bindings[i]
		if b.OperationKey != operationKey {
			return NewValidationError(
				fmt.Sprintf("binding %d has operation_key %q, expected %q", i, b.OperationKey, operationKey),
			)
		}
		if err := b.Validate(); err != nil {
			return err
		}
		if seen[b.Scope] {
			if b.Scope == "" {
				return NewValidationError(
					fmt.Sprintf("operation %s has more than one default binding", operationKey),
				)
			}
			return NewValidationError(
				fmt.Sprintf("operation %s has duplicate bindings for scope %q", operationKey, b.Scope),
			)
		}
		seen[b.Scope] = true
	}

	return nil
}

// ResolveBinding picks the binding applicable to the given scope: an exact
// scope match wins, otherwise the default (scopeless) binding, otherwise nil
// (the operation is ungated for that scope).
func ResolveBinding(bindings []Binding, scope string) *Binding {
	var fallback *Binding
	for i := range bindings {
		b := &bindings[i]
		if b.Scope == scope && scope != "" {
			return b
		}
		if b.Scope == "" {
			fallback = b
		}
	}
	if scope == "" {
		return fallback
	}
	return fallback
}

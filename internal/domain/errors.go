package domain

import (
	"fmt"
)

// UnknownFlag is reported as the failing flag when policy data could not be
// loaded and the provider is configured fail-closed.
const UnknownFlag = "unknown"

// -----------------------------
// NotFoundError
// -----------------------------

type NotFoundError struct {
	Resource string
	Key      string
}

func NewNotFoundError(resource, key string) *NotFoundError {
	return &NotFoundError{Resource: resource, Key: key}
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Resource, e.Key)
}

func IsNotFound(err error) bool {
	_, ok := err.(*NotFoundError)
	return ok
}

// -----------------------------
// ValidationError
// -----------------------------

// ValidationError is raised at management-boundary write time when a flag
// or binding violates an invariant. It is never raised during evaluation.
type ValidationError struct {
	Message string
	Cause   error
}

func NewValidationError(message string) *ValidationError {
	return &ValidationError{Message: message}
}

func NewValidationErrorWithCause(message string, cause error) *ValidationError {
	return &ValidationError{Message: message, Cause: cause}
}

func (e *ValidationError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("validation error: %s: %v", e.Message, e.Cause)
	}
	return fmt.Sprintf("validation error: %s", e.Message)
}

func (e *ValidationError) Unwrap() error {
	return e.Cause
}

func IsValidationError(err error) bool {
	_, ok := err.(*ValidationError)
	return ok
}

// -----------------------------
// FeatureDisabledError
// -----------------------------

// FeatureDisabledError is the only policy error surfaced to business
// callers. FlagName is the first required flag that evaluated false.
type FeatureDisabledError struct {
	OperationKey string
	FlagName     string
	Scope        string
}

func NewFeatureDisabledError(operationKey, flagName, scope string) *FeatureDisabledError {
	return &FeatureDisabledError{
		OperationKey: operationKey,
		FlagName:     flagName,
		Scope:        scope,
	}
}

func (e *FeatureDisabledError) Error() string {
	if e.Scope != "" {
		return fmt.Sprintf("feature disabled: operation %s (scope %s) requires flag %s", e.OperationKey, e.Scope, e.FlagName)
	}
	return fmt.Sprintf("feature disabled: operation %s requires flag %s", e.OperationKey, e.FlagName)
}

func IsFeatureDisabled(err error) bool {
	_, ok := err.(*FeatureDisabledError)
	return ok
}

// -----------------------------
// ConfigLoadError
// -----------------------------

// ConfigLoadError wraps a failed requirements load. It stays internal to
// the provider: callers only ever see a stale value or a deny decision.
type ConfigLoadError struct {
	OperationKey string
	Err          error
}

func NewConfigLoadError(operationKey string, err error) *ConfigLoadError {
	return &ConfigLoadError{OperationKey: operationKey, Err: err}
}

func (e *ConfigLoadError) Error() string {
	return fmt.Sprintf("failed to load requirements for %s: %v", e.OperationKey, e.Err)
}

func (e *ConfigLoadError) Unwrap() error {
	return e.Err
}

func IsConfigLoadError(err error) bool {
	_, ok := err.(*ConfigLoadError)
	return ok
}

package gatehouse

import "github.com/ledgerline/gatehouse/internal/domain"

// Error types that may be returned by gatehouse operations.

// FeatureDisabledError is raised when a required flag denies an operation.
// It carries the operation key, the first failing flag, and the scope.
type FeatureDisabledError = domain.FeatureDisabledError

// FlagValidationError is raised at management write time when a flag or
// binding violates an invariant. It is never raised during evaluation.
type FlagValidationError = domain.ValidationError

// NotFoundError indicates a flag was not found.
type NotFoundError = domain.NotFoundError

// ConfigLoadError wraps a failed requirements load. It is internal to the
// provider and only ever observed in logs.
type ConfigLoadError = domain.ConfigLoadError

// IsFeatureDisabled reports whether err is a FeatureDisabledError.
func IsFeatureDisabled(err error) bool { return domain.IsFeatureDisabled(err) }

// IsValidation reports whether err is a FlagValidationError.
func IsValidation(err error) bool { return domain.IsValidationError(err) }

// IsNotFound reports whether err is a NotFoundError.
func IsNotFound(err error) bool { return domain.IsNotFound(err) }

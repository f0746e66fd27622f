package store

import (
	"context"

	"github.com/ledgerline/gatehouse/internal/domain"
)

// FlagStore is the persistence boundary for flag definitions and
// requirement bindings. It is the single source of truth; the registry and
// requirements provider hold derived, cached copies. All timestamps
// crossing this boundary are UTC.
type FlagStore interface {
	// LoadAllFlags returns every flag definition.
	LoadAllFlags(ctx context.Context) ([]domain.Flag, error)

	// GetFlag returns a single flag, or a NotFoundError.
	GetFlag(ctx context.Context, name string) (*domain.Flag, error)

	// UpsertFlag creates or updates a flag definition by name.
	UpsertFlag(ctx context.Context, flag domain.Flag) error

	// GetRequirements returns all bindings for an operation key. An empty
	// result means the operation is ungated.
	GetRequirements(ctx context.Context, operationKey string) ([]domain.Binding, error)

	// UpsertRequirements replaces the binding set for an operation key.
	UpsertRequirements(ctx context.Context, operationKey string, bindings []domain.Binding) error

	// ListBindingsByFlag returns every binding that requires the given
	// flag, across all operation keys. Used to invalidate affected cache
	// entries after a flag write.
	ListBindingsByFlag(ctx context.Context, flagName string) ([]domain.Binding, error)
}

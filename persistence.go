package gatehouse

import (
	"gorm.io/gorm"

	"github.com/ledgerline/gatehouse/internal/store"
)

// NewGormStore wraps an open GORM connection as a FlagStore.
func NewGormStore(db *gorm.DB) FlagStore {
	return store.NewGormStore(db)
}

// NewMemoryStore creates an in-process FlagStore for tests and embedded
// use.
func NewMemoryStore() FlagStore {
	return store.NewMemoryStore()
}

// Migrate creates or updates the flag and requirements tables.
func Migrate(db *gorm.DB) error {
	return store.Migrate(db)
}

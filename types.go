package gatehouse

import (
	"github.com/ledgerline/gatehouse/internal/domain"
	"github.com/ledgerline/gatehouse/internal/store"
)

// Flag is a named, typed policy value.
type Flag = domain.Flag

// Kind identifies how a flag's value is interpreted.
type Kind = domain.Kind

// Supported flag kinds.
const (
	KindBoolean    = domain.KindBoolean
	KindPercentage = domain.KindPercentage
	KindSegment    = domain.KindSegment
	KindTimeWindow = domain.KindTimeWindow
)

// Context carries caller-supplied evaluation inputs: the stable subject
// identity used for percentage bucketing, an optional segment, free-form
// attributes, and an optional clock override for deterministic tests.
type Context = domain.EvalContext

// Binding maps a gated operation (optionally scoped) to its required flags.
type Binding = domain.Binding

// FlagStore is the persistence boundary for flags and bindings.
type FlagStore = store.FlagStore

package mass

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/lodeworks/entsearch/internal/entity"
	enterrors "github.com/lodeworks/entsearch/internal/errors"
	"github.com/lodeworks/entsearch/internal/index"
	"github.com/lodeworks/entsearch/internal/store"
)

// Runner is the mass indexing surface handed to callers. The pooled
// Coordinator is the standard implementation; alternative strategies
// register a Factory and are selected by name through the mass.factory
// config key.
type Runner interface {
	Run(ctx context.Context) error
	Start(ctx context.Context) *Handle
}

// Deps bundles what every runner needs.
type Deps struct {
	Store    store.EntityStore
	Writer   index.Writer
	Registry *entity.Registry
}

// Factory builds a Runner from dependencies and options.
type Factory func(deps Deps, opts Options) (Runner, error)

// DefaultFactoryName selects the pooled coordinator.
const DefaultFactoryName = "pooled"

var (
	factoriesMu sync.RWMutex
	factories   = map[string]Factory{
		DefaultFactoryName: func(deps Deps, opts Options) (Runner, error) {
			return NewCoordinator(deps.Store, deps.Writer, deps.Registry, opts)
		},
	}
)

// RegisterFactory adds a named runner factory. Duplicate names are
// rejected so a typo cannot silently shadow the default.
func RegisterFactory(name string, f Factory) error {
	factoriesMu.Lock()
	defer factoriesMu.Unlock()

	if name == "" || f == nil {
		return enterrors.ValidationError("factory name and constructor are required", nil)
	}
	if _, exists := factories[name]; exists {
		return enterrors.ValidationError(fmt.Sprintf("factory %q already registered", name), nil)
	}
	factories[name] = f
	return nil
}

// NewRunner builds a runner by factory name. An empty name selects the
// default pooled coordinator.
func NewRunner(name string, deps Deps, opts Options) (Runner, error) {
	if name == "" {
		name = DefaultFactoryName
	}

	factoriesMu.RLock()
	f, ok := factories[name]
	factoriesMu.RUnlock()
	if !ok {
		return nil, enterrors.New(enterrors.ErrCodeUnknownFactory,
			fmt.Sprintf("unknown mass indexer factory %q", name), nil).
			WithDetail("available", fmt.Sprintf("%v", FactoryNames())).
			WithSuggestion("check the mass.factory key in entsearch.yaml")
	}
	return f(deps, opts)
}

// FactoryNames returns the registered factory names, sorted.
func FactoryNames() []string {
	factoriesMu.RLock()
	defer factoriesMu.RUnlock()

	names := make([]string, 0, len(factories))
	for name := range factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

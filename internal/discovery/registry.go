// Package discovery routes digest searches to the per-category search
// surfaces of the marketplace.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ChuLiYu/digest-scheduler/pkg/types"
)

// ErrUnknownCategory is returned for a category with no registered surface.
var ErrUnknownCategory = errors.New("unknown search category")

// SearchFunc executes one search on one surface.
type SearchFunc func(ctx context.Context, req types.SearchRequest) (types.SearchResult, error)

// Registry maps categories to search functions. The zero value is not usable;
// call NewRegistry.
type Registry struct {
	mu    sync.RWMutex
	funcs map[types.Category]SearchFunc
}

func NewRegistry() *Registry {
	return &Registry{funcs: make(map[types.Category]SearchFunc)}
}

// Register installs fn for category, replacing any previous function.
func (r *Registry) Register(category types.Category, fn SearchFunc) *Registry {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.funcs[category] = fn
	return r
}

// Search dispatches req to the function registered for category.
func (r *Registry) Search(ctx context.Context, category types.Category, req types.SearchRequest) (types.SearchResult, error) {
	r.mu.RLock()
	fn, ok := r.funcs[category]
	r.mu.RUnlock()
	if !ok {
		return types.SearchResult{}, fmt.Errorf("%w: %q", ErrUnknownCategory, category)
	}
	return fn(ctx, req)
}

// Has reports whether category has a registered function.
func (r *Registry) Has(category types.Category) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.funcs[category]
	return ok
}

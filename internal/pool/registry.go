package pool

import (
	"bytes"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

var ErrDuplicatePool = errors.New("pool already registered")

// Registry resolves pool addresses to Pool handles.
type Registry struct {
	mu    sync.RWMutex
	pools map[common.Address]Pool
}

func NewRegistry() *Registry {
	return &Registry{
		pools: make(map[common.Address]Pool),
	}
}

func (r *Registry) Register(p Pool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.pools[p.Address()]; ok {
		return fmt.Errorf("%s: %w", p.Address().Hex(), ErrDuplicatePool)
	}
	r.pools[p.Address()] = p
	return nil
}

func (r *Registry) Lookup(addr common.Address) (Pool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.pools[addr]
	return p, ok
}

// All returns every registered pool ordered by address.
func (r *Registry) All() []Pool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Pool, 0, len(r.pools))
	for _, p := range r.pools {
		out = append(out, p)
	}
	slices.SortFunc(out, func(a, b Pool) int {
		x, y := a.Address(), b.Address()
		return bytes.Compare(x[:], y[:])
	})
	return out
}

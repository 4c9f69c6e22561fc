package adapter

import (
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// Registry is the authorization set of vault identities permitted to invoke
// bounded execution. Entries are added by the provisioning service at
// instance-creation time; there is no revocation path, but the set is written
// so one would be a single Remove away.
type Registry struct {
	mu     sync.RWMutex
	vaults map[common.Address]struct{}
}

// NewRegistry creates an empty authorization registry.
func NewRegistry() *Registry {
	return &Registry{vaults: make(map[common.Address]struct{})}
}

// Add inserts a vault into the registry. It returns false when the vault was
// already present, making authorization idempotent.
func (r *Registry) Add(vault common.Address) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.vaults[vault]; ok {
		return false
	}
	r.vaults[vault] = struct{}{}
	return true
}

// Contains reports whether a vault is authorized.
func (r *Registry) Contains(vault common.Address) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.vaults[vault]
	return ok
}

// Len returns the number of authorized vaults.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.vaults)
}

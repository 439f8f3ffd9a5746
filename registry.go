package shielded

import (
	"errors"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

// Registry holds the single active contract handle of a session. Store
// replaces the handle, Clear drops it, and Load fails with
// ErrNoActiveContract in between.
type Registry struct {
	mu      sync.Mutex
	session string
	store   Store
	iface   *Contract
	current *ContractHandle
}

// NewRegistry creates a registry persisting through store. A nil store
// keeps the handle in memory only. Without WithSession a random session ID
// is generated, so nothing persisted earlier is visible.
func NewRegistry(store Store, opts ...RegistryOption) *Registry {
	if store == nil {
		store = NewMemoryStore()
	}
	r := &Registry{
		session: uuid.NewString(),
		store:   store,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Session returns the session ID the registry is bound to.
func (r *Registry) Session() string {
	return r.session
}

// Store makes handle the active contract, replacing any previous one.
func (r *Registry) Store(handle *ContractHandle) error {
	if handle == nil || handle.Address == (common.Address{}) {
		return fmt.Errorf("shielded: cannot store a handle without an address")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.store.Put(r.session, handle.Address); err != nil {
		return fmt.Errorf("persist contract handle: %w", err)
	}
	r.current = handle
	return nil
}

// Load returns the active handle. A handle persisted by an earlier run of
// the same session is resumed with the registry's interface descriptor.
func (r *Registry) Load() (*ContractHandle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.current != nil {
		return r.current, nil
	}

	addr, err := r.store.Get(r.session)
	if err != nil {
		if errors.Is(err, ErrNoActiveContract) {
			return nil, err
		}
		return nil, fmt.Errorf("load contract handle: %w", err)
	}
	r.current = &ContractHandle{Address: addr, Contract: r.iface}
	return r.current, nil
}

// Clear drops the active handle. If the store cannot delete it, the handle
// stays active.
func (r *Registry) Clear() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.store.Delete(r.session); err != nil {
		return fmt.Errorf("clear contract handle: %w", err)
	}
	r.current = nil
	return nil
}

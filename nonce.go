package shielded

import (
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// nonceTracker serializes submissions per signer and hands out strictly
// increasing nonces even when the node's pending view lags behind.
type nonceTracker struct {
	mu    sync.Mutex
	locks map[common.Address]*sync.Mutex
	next  map[common.Address]uint64
}

func newNonceTracker() *nonceTracker {
	return &nonceTracker{
		locks: make(map[common.Address]*sync.Mutex),
		next:  make(map[common.Address]uint64),
	}
}

// lock acquires the submission lock of addr and returns its release.
func (t *nonceTracker) lock(addr common.Address) func() {
	t.mu.Lock()
	l, ok := t.locks[addr]
	if !ok {
		l = new(sync.Mutex)
		t.locks[addr] = l
	}
	t.mu.Unlock()

	l.Lock()
	return l.Unlock
}

// resolve returns the nonce to use given the node's pending nonce.
// Callers hold addr's lock.
func (t *nonceTracker) resolve(addr common.Address, pending uint64) uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	if next, ok := t.next[addr]; ok && next > pending {
		return next
	}
	return pending
}

// commit records that nonce was accepted by the node.
func (t *nonceTracker) commit(addr common.Address, nonce uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.next[addr] = nonce + 1
}

// reset drops the local view of addr, deferring to the node next time.
func (t *nonceTracker) reset(addr common.Address) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.next, addr)
}

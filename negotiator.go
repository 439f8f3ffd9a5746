package shielded

import (
	"context"
	"crypto/rand"
	"fmt"
	"io"

	"github.com/ethereum/go-ethereum/common"
)

// NegotiationRequest identifies the payload a context is negotiated for.
type NegotiationRequest struct {
	Destination common.Address
	Plaintext   []byte
}

// Negotiator obtains a fresh EncryptionContext for one outbound payload.
// Implementations never retry internally.
type Negotiator interface {
	Negotiate(ctx context.Context, req NegotiationRequest) (*EncryptionContext, error)
}

// KeyNegotiator negotiates X25519 contexts against the runtime key served
// by a KeySource. The runtime key is fetched on every call and not cached.
type KeyNegotiator struct {
	keys    KeySource
	entropy io.Reader
}

var _ Negotiator = (*KeyNegotiator)(nil)

// NewNegotiator creates a KeyNegotiator. A nil entropy source selects
// crypto/rand.
func NewNegotiator(keys KeySource, entropy io.Reader) *KeyNegotiator {
	if entropy == nil {
		entropy = rand.Reader
	}
	return &KeyNegotiator{keys: keys, entropy: entropy}
}

// Negotiate fetches the runtime key and derives a single-use context.
//
// Errors match ErrNetworkUnavailable when the key could not be fetched and
// ErrKeyExchangeRejected when the network refused or served an unusable key.
func (n *KeyNegotiator) Negotiate(ctx context.Context, req NegotiationRequest) (*EncryptionContext, error) {
	key, err := n.keys.CallDataPublicKey(ctx)
	if err != nil {
		return nil, classifyRPCError(err, ErrKeyExchangeRejected)
	}
	if key == nil || key.Key == ([32]byte{}) {
		return nil, fmt.Errorf("%w: empty runtime key", ErrKeyExchangeRejected)
	}

	ec, err := newEncryptionContext(n.entropy, key)
	if err != nil {
		return nil, err
	}
	return ec, nil
}

package shielded

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/rpc"
	"golang.org/x/crypto/curve25519"
)

// callDataPublicKeyMethod is the RPC method serving the runtime key.
const callDataPublicKeyMethod = "oasis_callDataPublicKey"

// KeySource fetches the network's current call-data public key.
type KeySource interface {
	CallDataPublicKey(ctx context.Context) (*RuntimePublicKey, error)
}

// RPCKeySource fetches the call-data public key over JSON-RPC.
type RPCKeySource struct {
	client *rpc.Client
}

// NewRPCKeySource creates a KeySource backed by an RPC client.
func NewRPCKeySource(client *rpc.Client) *RPCKeySource {
	return &RPCKeySource{client: client}
}

type callDataPublicKeyResponse struct {
	Key       hexutil.Bytes `json:"key"`
	Checksum  hexutil.Bytes `json:"checksum"`
	Signature hexutil.Bytes `json:"signature"`
	Epoch     uint64        `json:"epoch"`
}

// CallDataPublicKey issues one oasis_callDataPublicKey round trip.
func (s *RPCKeySource) CallDataPublicKey(ctx context.Context) (*RuntimePublicKey, error) {
	var resp callDataPublicKeyResponse
	if err := s.client.CallContext(ctx, &resp, callDataPublicKeyMethod); err != nil {
		if isMalformedResult(err) {
			return nil, fmt.Errorf("%w: malformed runtime key: %w", ErrKeyExchangeRejected, err)
		}
		return nil, classifyRPCError(err, ErrKeyExchangeRejected)
	}
	if len(resp.Key) != curve25519.PointSize {
		return nil, fmt.Errorf("%w: runtime key must be %d bytes, got %d", ErrKeyExchangeRejected, curve25519.PointSize, len(resp.Key))
	}

	key := &RuntimePublicKey{
		Checksum:  resp.Checksum,
		Signature: resp.Signature,
		Epoch:     resp.Epoch,
	}
	copy(key.Key[:], resp.Key)
	return key, nil
}

// isMalformedResult reports whether err comes from decoding a result the node
// did return.
func isMalformedResult(err error) bool {
	var typeErr *json.UnmarshalTypeError
	var syntaxErr *json.SyntaxError
	return errors.As(err, &typeErr) || errors.As(err, &syntaxErr)
}

// classifyRPCError maps a transport-level failure to ErrNetworkUnavailable
// and an answer from the node to answered. A nil answered returns answers
// unchanged.
func classifyRPCError(err error, answered error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrNetworkUnavailable) || (answered != nil && errors.Is(err, answered)) {
		return err
	}
	if !isAnswered(err) {
		return fmt.Errorf("%w: %w", ErrNetworkUnavailable, err)
	}
	if answered == nil {
		return err
	}
	return fmt.Errorf("%w: %w", answered, err)
}

// isAnswered reports whether err is a response from the node rather than a
// transport failure.
func isAnswered(err error) bool {
	var rpcErr rpc.Error
	if errors.As(err, &rpcErr) {
		return true
	}
	var httpErr rpc.HTTPError
	return errors.As(err, &httpErr) && httpErr.StatusCode < 500 && httpErr.StatusCode != 429
}

// StaticKeySource serves a pinned runtime key without a network round trip.
type StaticKeySource struct {
	Key *RuntimePublicKey
}

// CallDataPublicKey returns the pinned key.
func (s StaticKeySource) CallDataPublicKey(ctx context.Context) (*RuntimePublicKey, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNetworkUnavailable, err)
	}
	if s.Key == nil {
		return nil, fmt.Errorf("%w: no pinned runtime key", ErrKeyExchangeRejected)
	}
	return s.Key, nil
}

package shielded

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Sentinel errors for the shielded call protocol.
var (
	// ErrNetworkUnavailable indicates a connection failure or timeout talking
	// to the RPC endpoint. Callers may retry with backoff.
	ErrNetworkUnavailable = errors.New("shielded: network unavailable")

	// ErrKeyExchangeRejected indicates the network refused to hand out key
	// material, or returned key material that cannot be used.
	ErrKeyExchangeRejected = errors.New("shielded: key exchange rejected")

	// ErrEncodingMismatch indicates call data or a result disagrees with the
	// contract interface.
	ErrEncodingMismatch = errors.New("shielded: encoding mismatch")

	// ErrDecryptionFailed indicates a ciphertext was not produced under the
	// paired encryption context.
	ErrDecryptionFailed = errors.New("shielded: decryption failed")

	// ErrTransactionFailed indicates the call reverted on chain.
	ErrTransactionFailed = errors.New("shielded: transaction failed")

	// ErrUnconfirmed indicates no receipt was observed before the
	// confirmation deadline or the wait was cancelled.
	ErrUnconfirmed = errors.New("shielded: transaction unconfirmed")

	// ErrNoActiveContract indicates no deploy succeeded in this session, or
	// the registry was cleared since.
	ErrNoActiveContract = errors.New("shielded: no active contract")

	// ErrContextReused indicates an encryption context was used twice.
	ErrContextReused = errors.New("shielded: encryption context already consumed")

	// ErrChainIDMismatch indicates the endpoint serves a different chain than
	// the one configured for the session.
	ErrChainIDMismatch = errors.New("shielded: chain id mismatch")

	// ErrUnboundCall indicates a call has no destination address.
	ErrUnboundCall = errors.New("shielded: call has no destination")
)

// Phase names the protocol step a failure happened in.
type Phase string

// Protocol phases, in the order a shielded call passes through them.
const (
	PhaseEncoding     Phase = "encoding"
	PhaseNegotiation  Phase = "negotiation"
	PhaseEncryption   Phase = "encryption"
	PhasePreparation  Phase = "preparation"
	PhaseSubmission   Phase = "submission"
	PhaseConfirmation Phase = "confirmation"
	PhaseDecryption   Phase = "decryption"
	PhaseDecoding     Phase = "decoding"
)

// CallError wraps a failure of a shielded operation with the phase it
// happened in and the identifiers needed for diagnosis.
type CallError struct {
	Op          string
	Phase       Phase
	Destination common.Address
	ContextID   string
	TxHash      common.Hash
	Err         error
}

func (e *CallError) Error() string {
	msg := fmt.Sprintf("shielded: %s failed during %s", e.Op, e.Phase)
	if e.Destination != (common.Address{}) {
		msg += " to " + e.Destination.Hex()
	}
	if e.ContextID != "" {
		msg += " (context " + e.ContextID + ")"
	}
	if e.TxHash != (common.Hash{}) {
		msg += " tx " + e.TxHash.Hex()
	}
	return msg + ": " + e.Err.Error()
}

func (e *CallError) Unwrap() error {
	return e.Err
}

// RevertError reports an on-chain revert. FeesSpent is true when the
// transaction was included, so gas was charged even though state is unchanged.
type RevertError struct {
	Reason    string
	TxHash    common.Hash
	GasUsed   uint64
	FeesSpent bool
}

func (e *RevertError) Error() string {
	reason := e.Reason
	if reason == "" {
		reason = "no reason given"
	}
	if e.FeesSpent {
		return fmt.Sprintf("shielded: transaction failed: reverted: %s (gas used %d)", reason, e.GasUsed)
	}
	return fmt.Sprintf("shielded: transaction failed: reverted: %s", reason)
}

func (e *RevertError) Unwrap() error {
	return ErrTransactionFailed
}

// UnconfirmedError reports a confirmation wait that ended without a receipt.
// The transaction may still be included later.
type UnconfirmedError struct {
	TxHash common.Hash
	Waited time.Duration
	Cause  error // context error if the caller cancelled, nil on deadline
}

func (e *UnconfirmedError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("shielded: transaction %s unconfirmed after %s: %v", e.TxHash.Hex(), e.Waited, e.Cause)
	}
	return fmt.Sprintf("shielded: transaction %s unconfirmed after %s", e.TxHash.Hex(), e.Waited)
}

func (e *UnconfirmedError) Unwrap() []error {
	if e.Cause != nil {
		return []error{ErrUnconfirmed, e.Cause}
	}
	return []error{ErrUnconfirmed}
}

// MethodNotFoundError indicates the contract doesn't have the requested method.
type MethodNotFoundError struct {
	Method string
}

func (e *MethodNotFoundError) Error() string {
	return fmt.Sprintf("shielded: method %q not found in contract interface", e.Method)
}

func (e *MethodNotFoundError) Unwrap() error {
	return ErrEncodingMismatch
}

// ArgumentError indicates an issue with a function argument.
type ArgumentError struct {
	Method string
	Index  int
	Err    error
}

func (e *ArgumentError) Error() string {
	return fmt.Sprintf("shielded: argument %d for method %q: %v", e.Index, e.Method, e.Err)
}

func (e *ArgumentError) Unwrap() error {
	return e.Err
}

// TypeMismatchError indicates a value's type doesn't match the expected parameter type.
type TypeMismatchError struct {
	Expected string
	Got      string
}

func (e *TypeMismatchError) Error() string {
	return fmt.Sprintf("shielded: type mismatch: expected %s, got %s", e.Expected, e.Got)
}

func (e *TypeMismatchError) Unwrap() error {
	return ErrEncodingMismatch
}

// EncodingError indicates a failure during ABI packing or unpacking.
type EncodingError struct {
	Value any
	Err   error
}

func (e *EncodingError) Error() string {
	return fmt.Sprintf("shielded: encoding error for value %T: %v", e.Value, e.Err)
}

func (e *EncodingError) Unwrap() []error {
	return []error{ErrEncodingMismatch, e.Err}
}

// IsRetryable reports whether err is transient and the whole operation may be
// retried with backoff.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrNetworkUnavailable)
}

// PhaseOf returns the phase recorded in err's *CallError, or "" if none.
func PhaseOf(err error) Phase {
	var ce *CallError
	if errors.As(err, &ce) {
		return ce.Phase
	}
	return ""
}

// Describe renders err for an operator: the failing phase, destination and
// context reference come first, followed by the cause.
func Describe(err error) string {
	if err == nil {
		return ""
	}
	var ce *CallError
	if !errors.As(err, &ce) {
		return err.Error()
	}

	kind := "error"
	switch {
	case errors.Is(err, ErrNetworkUnavailable):
		kind = "network unavailable (retryable)"
	case errors.Is(err, ErrKeyExchangeRejected):
		kind = "key exchange rejected"
	case errors.Is(err, ErrDecryptionFailed):
		kind = "decryption failed"
	case errors.Is(err, ErrEncodingMismatch):
		kind = "encoding mismatch"
	case errors.Is(err, ErrTransactionFailed):
		kind = "transaction failed"
	case errors.Is(err, ErrUnconfirmed), errors.Is(err, context.DeadlineExceeded):
		kind = "unconfirmed"
	}

	out := fmt.Sprintf("%s: %s in phase %s", ce.Op, kind, ce.Phase)
	if ce.Destination != (common.Address{}) {
		out += fmt.Sprintf("\n  destination: %s", ce.Destination.Hex())
	}
	if ce.ContextID != "" {
		out += fmt.Sprintf("\n  context:     %s", ce.ContextID)
	}
	if ce.TxHash != (common.Hash{}) {
		out += fmt.Sprintf("\n  tx:          %s", ce.TxHash.Hex())
	}
	var re *RevertError
	if errors.As(err, &re) && re.FeesSpent {
		out += fmt.Sprintf("\n  fees spent:  yes (gas used %d)", re.GasUsed)
	}
	return out + "\n  cause:       " + ce.Err.Error()
}

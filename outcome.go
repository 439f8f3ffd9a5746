package shielded

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// TxStatus is the confirmation status of a submitted transaction.
type TxStatus uint8

const (
	// StatusPending means the transaction was submitted but not yet observed.
	StatusPending TxStatus = iota

	// StatusConfirmed means the transaction was included and succeeded.
	StatusConfirmed

	// StatusFailed means the transaction was included and reverted.
	StatusFailed

	// StatusUnconfirmed means the confirmation wait ended without a receipt.
	StatusUnconfirmed
)

func (s TxStatus) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusConfirmed:
		return "confirmed"
	case StatusFailed:
		return "failed"
	case StatusUnconfirmed:
		return "unconfirmed"
	default:
		return fmt.Sprintf("TxStatus(%d)", uint8(s))
	}
}

// TransactionOutcome describes a submitted transaction.
type TransactionOutcome struct {
	TxHash          common.Hash
	Status          TxStatus
	Nonce           uint64
	BlockNumber     *big.Int
	BlockHash       common.Hash
	GasUsed         uint64
	ContractAddress common.Address // set for deployments
	ContextID       string         // empty for unencrypted transactions
	Receipt         *types.Receipt
}

// Confirmed returns true if the transaction was included and succeeded.
func (o *TransactionOutcome) Confirmed() bool {
	return o != nil && o.Status == StatusConfirmed
}

// applyReceipt copies inclusion details from a receipt.
func (o *TransactionOutcome) applyReceipt(r *types.Receipt) {
	o.Receipt = r
	o.BlockNumber = r.BlockNumber
	o.BlockHash = r.BlockHash
	o.GasUsed = r.GasUsed
	if r.ContractAddress != (common.Address{}) {
		o.ContractAddress = r.ContractAddress
	}
	if r.Status == types.ReceiptStatusSuccessful {
		o.Status = StatusConfirmed
	} else {
		o.Status = StatusFailed
	}
}

// QueryResult is the decrypted and decoded result of a shielded query.
type QueryResult struct {
	Method    string
	Raw       []byte
	Values    []any
	ContextID string
}

// Value returns the first decoded value, or nil if there is none.
func (r *QueryResult) Value() any {
	if len(r.Values) == 0 {
		return nil
	}
	return r.Values[0]
}

func (r *QueryResult) String() string {
	parts := make([]string, len(r.Values))
	for i, v := range r.Values {
		parts[i] = FormatValue(v)
	}
	return r.Method + "() = " + strings.Join(parts, ", ")
}

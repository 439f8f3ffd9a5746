package shielded

import (
	"fmt"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// Artifact is the interface descriptor the core consumes from a contract
// artifact provider.
type Artifact interface {
	// FunctionSignature returns the argument and return shape of a method.
	FunctionSignature(name string) (abi.Method, error)

	// EncodeCall returns the plaintext call data for a method invocation.
	EncodeCall(name string, args ...any) ([]byte, error)

	// DecodeReturn decodes a method's plaintext return data.
	DecodeReturn(name string, data []byte) ([]any, error)
}

// Contract wraps a compiled contract: its ABI and creation bytecode.
type Contract struct {
	name     string
	abi      abi.ABI
	bytecode []byte
}

var _ Artifact = (*Contract)(nil)

// ContractOption configures a Contract.
type ContractOption func(*Contract)

// WithName sets the contract name used in logs and diagnostics.
func WithName(name string) ContractOption {
	return func(c *Contract) {
		c.name = name
	}
}

// NewContract creates a Contract from a parsed ABI and creation bytecode.
// Bytecode may be nil for contracts that are only interacted with.
func NewContract(contractABI abi.ABI, bytecode []byte, opts ...ContractOption) *Contract {
	c := &Contract{
		abi:      contractABI,
		bytecode: common.CopyBytes(bytecode),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Name returns the contract name, or "" if none was set.
func (c *Contract) Name() string {
	return c.name
}

// ABI returns the contract ABI.
func (c *Contract) ABI() abi.ABI {
	return c.abi
}

// Bytecode returns a copy of the creation bytecode.
func (c *Contract) Bytecode() []byte {
	return common.CopyBytes(c.bytecode)
}

// FunctionSignature returns the ABI method for name.
func (c *Contract) FunctionSignature(name string) (abi.Method, error) {
	method, ok := c.abi.Methods[name]
	if !ok {
		return abi.Method{}, &MethodNotFoundError{Method: name}
	}
	return method, nil
}

// Invoke creates an unbound Call for the named method with the given
// arguments. Bind it to a deployed address with Call.At or use
// ContractHandle.Invoke.
func (c *Contract) Invoke(methodName string, args ...any) (*Call, error) {
	method, err := c.FunctionSignature(methodName)
	if err != nil {
		return nil, err
	}
	return newCall(method, args)
}

// MustInvoke is like Invoke but panics on error.
func (c *Contract) MustInvoke(methodName string, args ...any) *Call {
	call, err := c.Invoke(methodName, args...)
	if err != nil {
		panic(err)
	}
	return call
}

// EncodeCall returns the selector-prefixed call data for a method.
func (c *Contract) EncodeCall(name string, args ...any) ([]byte, error) {
	call, err := c.Invoke(name, args...)
	if err != nil {
		return nil, err
	}
	return call.Data(), nil
}

// DecodeReturn unpacks a method's return data per its declared outputs.
func (c *Contract) DecodeReturn(name string, data []byte) ([]any, error) {
	method, err := c.FunctionSignature(name)
	if err != nil {
		return nil, err
	}
	return decodeOutputs(method, data)
}

// DeployData returns the creation bytecode followed by the packed
// constructor arguments.
func (c *Contract) DeployData(args ...any) ([]byte, error) {
	if len(c.bytecode) == 0 {
		return nil, fmt.Errorf("%w: contract %q has no bytecode", ErrEncodingMismatch, c.name)
	}
	inputs := c.abi.Constructor.Inputs
	if len(args) != len(inputs) {
		return nil, &ArgumentError{
			Method: "constructor",
			Index:  len(args),
			Err:    fmt.Errorf("%w: expected %d arguments, got %d", ErrEncodingMismatch, len(inputs), len(args)),
		}
	}
	packed, err := packArguments("constructor", inputs, args)
	if err != nil {
		return nil, err
	}
	return append(c.Bytecode(), packed...), nil
}

// HasMethod returns true if the contract has a method with the given name.
func (c *Contract) HasMethod(methodName string) bool {
	_, ok := c.abi.Methods[methodName]
	return ok
}

// MethodNames returns all method names in the contract ABI, sorted.
func (c *Contract) MethodNames() []string {
	names := make([]string, 0, len(c.abi.Methods))
	for name := range c.abi.Methods {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ContractHandle is the session's reference to a deployed contract.
type ContractHandle struct {
	Address     common.Address
	Contract    *Contract
	DeployTx    common.Hash
	DeployBlock uint64
}

// Invoke creates a Call bound to the handle's address.
func (h *ContractHandle) Invoke(methodName string, args ...any) (*Call, error) {
	if h.Contract == nil {
		return nil, fmt.Errorf("%w: handle %s has no interface descriptor", ErrEncodingMismatch, h.Address.Hex())
	}
	call, err := h.Contract.Invoke(methodName, args...)
	if err != nil {
		return nil, err
	}
	return call.At(h.Address), nil
}

func (h *ContractHandle) String() string {
	if h.Contract != nil && h.Contract.Name() != "" {
		return h.Contract.Name() + "@" + h.Address.Hex()
	}
	return h.Address.Hex()
}

// ParseABI parses a JSON ABI string into an abi.ABI.
func ParseABI(abiJSON string) (abi.ABI, error) {
	return abi.JSON(strings.NewReader(abiJSON))
}

// MustParseABI is like ParseABI but panics on error.
func MustParseABI(abiJSON string) abi.ABI {
	parsed, err := ParseABI(abiJSON)
	if err != nil {
		panic(err)
	}
	return parsed
}

package shielded

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// Call is a plaintext contract invocation: destination, call data and the
// method shape used to decode its result.
// Call is immutable - modifier methods return new instances.
type Call struct {
	method abi.Method
	args   []any
	data   []byte
	to     common.Address
	value  *big.Int // native value sent with a transaction
}

// newCall packs the arguments against the method's inputs.
func newCall(method abi.Method, rawArgs []any) (*Call, error) {
	if len(rawArgs) != len(method.Inputs) {
		return nil, &ArgumentError{
			Method: method.Name,
			Index:  len(rawArgs),
			Err:    fmt.Errorf("%w: expected %d arguments, got %d", ErrEncodingMismatch, len(method.Inputs), len(rawArgs)),
		}
	}

	packed, err := packArguments(method.Name, method.Inputs, rawArgs)
	if err != nil {
		return nil, err
	}

	data := make([]byte, 0, len(method.ID)+len(packed))
	data = append(data, method.ID...)
	data = append(data, packed...)

	args := make([]any, len(rawArgs))
	copy(args, rawArgs)

	return &Call{
		method: method,
		args:   args,
		data:   data,
	}, nil
}

// NewRawCall wraps pre-encoded call data for a destination. A raw call has no
// method shape, so query results are returned undecoded.
func NewRawCall(to common.Address, data []byte) *Call {
	return &Call{
		data: common.CopyBytes(data),
		to:   to,
	}
}

// Method returns the ABI method for this call. It is the zero value for raw calls.
func (c *Call) Method() abi.Method {
	return c.method
}

// MethodName returns the method name, or "raw" for raw calls.
func (c *Call) MethodName() string {
	if c.method.Name == "" {
		return "raw"
	}
	return c.method.Name
}

// Args returns the Go arguments the call was built from.
func (c *Call) Args() []any {
	return c.args
}

// Data returns a copy of the plaintext call data.
func (c *Call) Data() []byte {
	return common.CopyBytes(c.data)
}

// To returns the destination address.
func (c *Call) To() common.Address {
	return c.to
}

// IsBound returns true if the call has a destination.
func (c *Call) IsBound() bool {
	return c.to != (common.Address{})
}

// Value returns the native value for this call (nil if none).
func (c *Call) Value() *big.Int {
	return c.value
}

// HasReturnValue returns true if the method has return values.
func (c *Call) HasReturnValue() bool {
	return len(c.method.Outputs) > 0
}

// IsReadOnly returns true for view and pure methods.
func (c *Call) IsReadOnly() bool {
	return c.method.Name != "" && c.method.IsConstant()
}

// Selector returns the 4-byte function selector.
func (c *Call) Selector() [4]byte {
	var sel [4]byte
	copy(sel[:], c.data)
	return sel
}

// At binds the call to a destination address.
//
// Returns a new Call with the destination set.
func (c *Call) At(addr common.Address) *Call {
	clone := c.clone()
	clone.to = addr
	return clone
}

// WithValue attaches native value to the call.
// Only valid for payable methods and raw calls.
//
// Returns a new Call with the value set.
func (c *Call) WithValue(amount *big.Int) *Call {
	clone := c.clone()
	if amount != nil {
		clone.value = new(big.Int).Set(amount)
	} else {
		clone.value = nil
	}
	return clone
}

// clone creates a shallow copy of the Call.
func (c *Call) clone() *Call {
	clone := *c
	// Deep copy the args slice
	clone.args = make([]any, len(c.args))
	copy(clone.args, c.args)
	return &clone
}

// validateTx checks the call can be sent as a transaction, which needs
// non-empty call data.
func (c *Call) validateTx() error {
	if len(c.data) == 0 {
		return fmt.Errorf("%w: empty call data", ErrEncodingMismatch)
	}
	return c.validate()
}

// validate checks the call can be issued as a read. Empty call data is
// allowed.
func (c *Call) validate() error {
	if !c.IsBound() {
		return ErrUnboundCall
	}
	if c.method.Name != "" && len(c.data) < 4 {
		return fmt.Errorf("%w: call data shorter than a selector", ErrEncodingMismatch)
	}

	// Value transfer only valid for payable methods
	if c.value != nil && c.value.Sign() > 0 && c.method.Name != "" && !c.method.IsPayable() {
		return fmt.Errorf("%w: method %q is not payable", ErrEncodingMismatch, c.method.Name)
	}
	if c.value != nil && c.value.Sign() < 0 {
		return fmt.Errorf("%w: negative value", ErrEncodingMismatch)
	}
	return nil
}

// packArguments packs args one by one so a failure names the offending index.
func packArguments(method string, inputs abi.Arguments, args []any) ([]byte, error) {
	converted := make([]any, len(args))
	for i, arg := range args {
		v, err := convertToABIType(arg, inputs[i].Type)
		if err != nil {
			return nil, &ArgumentError{Method: method, Index: i, Err: err}
		}
		single := abi.Arguments{{Type: inputs[i].Type}}
		if _, err := single.Pack(v); err != nil {
			return nil, &ArgumentError{Method: method, Index: i, Err: &EncodingError{Value: arg, Err: err}}
		}
		converted[i] = v
	}

	packed, err := inputs.Pack(converted...)
	if err != nil {
		return nil, &EncodingError{Value: args, Err: err}
	}
	return packed, nil
}

package shielded

import (
	"fmt"
	"math/big"
	"reflect"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// convertToABIType handles common Go type conversions for ABI encoding.
// Go integers are widened to *big.Int for 256-bit types and narrowed to the
// exact Go kind go-ethereum expects for the smaller sizes.
func convertToABIType(value any, abiType abi.Type) (any, error) {
	if abiType.T != abi.IntTy && abiType.T != abi.UintTy {
		return value, nil
	}

	var n *big.Int
	switch v := value.(type) {
	case int:
		n = big.NewInt(int64(v))
	case int64:
		n = big.NewInt(v)
	case uint64:
		n = new(big.Int).SetUint64(v)
	case int32:
		n = big.NewInt(int64(v))
	case uint32:
		n = new(big.Int).SetUint64(uint64(v))
	case *big.Int:
		n = v
	default:
		return value, nil
	}
	return intValue(n, abiType)
}

// intValue returns n as the Go type abiType packs from.
func intValue(n *big.Int, abiType abi.Type) (any, error) {
	if n == nil {
		return nil, &TypeMismatchError{Expected: abiType.String(), Got: "nil"}
	}
	if abiType.T == abi.UintTy && n.Sign() < 0 {
		return nil, &TypeMismatchError{Expected: abiType.String(), Got: "negative integer"}
	}
	if !fitsInt(n, abiType) {
		return nil, &TypeMismatchError{Expected: abiType.String(), Got: "integer out of range"}
	}

	switch abiType.Size {
	case 8, 16, 32, 64:
	default:
		return new(big.Int).Set(n), nil
	}

	target := abiType.GetType()
	if abiType.T == abi.UintTy {
		return reflect.ValueOf(n.Uint64()).Convert(target).Interface(), nil
	}
	return reflect.ValueOf(n.Int64()).Convert(target).Interface(), nil
}

// fitsInt reports whether n is representable in abiType.
func fitsInt(n *big.Int, abiType abi.Type) bool {
	if abiType.T == abi.UintTy {
		return n.BitLen() <= abiType.Size
	}
	limit := new(big.Int).Lsh(big.NewInt(1), uint(abiType.Size-1))
	if n.Sign() >= 0 {
		return n.Cmp(limit) < 0
	}
	return n.Cmp(new(big.Int).Neg(limit)) >= 0
}

// ParseArg converts an operator-supplied string into the Go value abiType
// packs from. Supported types:
//   - intN, uintN (decimal or 0x-prefixed hex)
//   - address (0x-prefixed hex)
//   - bool
//   - string
//   - bytes, bytesN (0x-prefixed hex)
func ParseArg(abiType abi.Type, raw string) (any, error) {
	switch abiType.T {
	case abi.IntTy, abi.UintTy:
		n, ok := new(big.Int).SetString(strings.TrimSpace(raw), 0)
		if !ok {
			return nil, &TypeMismatchError{Expected: abiType.String(), Got: strconv.Quote(raw)}
		}
		return intValue(n, abiType)

	case abi.BoolTy:
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return nil, &TypeMismatchError{Expected: abiType.String(), Got: strconv.Quote(raw)}
		}
		return b, nil

	case abi.AddressTy:
		if !common.IsHexAddress(raw) {
			return nil, &TypeMismatchError{Expected: abiType.String(), Got: strconv.Quote(raw)}
		}
		return common.HexToAddress(raw), nil

	case abi.StringTy:
		return raw, nil

	case abi.BytesTy:
		b, err := hexutil.Decode(raw)
		if err != nil {
			return nil, &TypeMismatchError{Expected: abiType.String(), Got: strconv.Quote(raw)}
		}
		return b, nil

	case abi.FixedBytesTy:
		b, err := hexutil.Decode(raw)
		if err != nil || len(b) != abiType.Size {
			return nil, &TypeMismatchError{Expected: abiType.String(), Got: strconv.Quote(raw)}
		}
		arr := reflect.New(abiType.GetType()).Elem()
		reflect.Copy(arr, reflect.ValueOf(b))
		return arr.Interface(), nil

	default:
		return nil, &TypeMismatchError{Expected: "elementary type", Got: abiType.String()}
	}
}

// ParseArgs converts operator-supplied strings against a method's inputs.
func ParseArgs(inputs abi.Arguments, raw []string) ([]any, error) {
	if len(raw) != len(inputs) {
		return nil, fmt.Errorf("%w: expected %d arguments, got %d", ErrEncodingMismatch, len(inputs), len(raw))
	}
	out := make([]any, len(raw))
	for i, s := range raw {
		v, err := ParseArg(inputs[i].Type, s)
		if err != nil {
			return nil, &ArgumentError{Method: inputs[i].Name, Index: i, Err: err}
		}
		out[i] = v
	}
	return out, nil
}

// decodeOutputs unpacks return data per the method's declared outputs.
func decodeOutputs(method abi.Method, data []byte) ([]any, error) {
	if len(method.Outputs) == 0 {
		if len(data) != 0 {
			return nil, fmt.Errorf("%w: method %q declares no outputs but returned %d bytes", ErrEncodingMismatch, method.Name, len(data))
		}
		return nil, nil
	}
	values, err := method.Outputs.Unpack(data)
	if err != nil {
		return nil, &EncodingError{Value: data, Err: err}
	}
	return values, nil
}

// FormatValue renders a decoded ABI value for display.
func FormatValue(v any) string {
	switch val := v.(type) {
	case nil:
		return "<nil>"
	case *big.Int:
		return val.String()
	case common.Address:
		return val.Hex()
	case common.Hash:
		return val.Hex()
	case []byte:
		return hexutil.Encode(val)
	case string:
		return val
	}

	rv := reflect.ValueOf(v)
	if rv.Kind() == reflect.Array && rv.Type().Elem().Kind() == reflect.Uint8 {
		b := make([]byte, rv.Len())
		reflect.Copy(reflect.ValueOf(b), rv)
		return hexutil.Encode(b)
	}
	return fmt.Sprint(v)
}

package shielded

import (
	"github.com/fxamacker/cbor/v2"
)

// CallFormat is the envelope format tag of a call.
type CallFormat uint64

const (
	// CallFormatPlain is an unencrypted call.
	CallFormatPlain CallFormat = 0

	// CallFormatX25519DeoxysII is a call encrypted under an X25519-derived
	// Deoxys-II key.
	CallFormatX25519DeoxysII CallFormat = 1
)

// Call envelope as submitted in transaction data and eth_call data:
//
//	{format: 1, body: {pk, nonce, data, epoch}}
//
// data seals the CBOR map {body: <abi call data>}.
type callEnvelope struct {
	Format CallFormat      `cbor:"format,omitempty"`
	Body   cbor.RawMessage `cbor:"body"`
}

type x25519DeoxysIIBody struct {
	PK    []byte `cbor:"pk"`
	Nonce []byte `cbor:"nonce"`
	Data  []byte `cbor:"data"`
	Epoch uint64 `cbor:"epoch,omitempty"`
}

type callPlaintext struct {
	Body []byte `cbor:"body"`
}

// Result envelope as returned by eth_call:
//
//	{ok: {nonce, data}} | {unknown: {nonce, data}} | {fail: {module, code, message}}
//
// data seals {ok: <abi return data>} or {fail: {...}}.
type sealedResult struct {
	Nonce []byte `cbor:"nonce"`
	Data  []byte `cbor:"data"`
}

type failure struct {
	Module  string `cbor:"module,omitempty"`
	Code    uint64 `cbor:"code,omitempty"`
	Message string `cbor:"message,omitempty"`
}

type resultPlaintext struct {
	Ok     cbor.RawMessage `cbor:"ok,omitempty"`
	Failed *failure        `cbor:"fail,omitempty"`
}

// wireEnvelope accepts either envelope shape so Decrypt can open both.
type wireEnvelope struct {
	Format  CallFormat      `cbor:"format,omitempty"`
	Body    cbor.RawMessage `cbor:"body,omitempty"`
	Ok      cbor.RawMessage `cbor:"ok,omitempty"`
	Failed  *failure        `cbor:"fail,omitempty"`
	Unknown *sealedResult   `cbor:"unknown,omitempty"`
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	if encMode, err = cbor.CoreDetEncOptions().EncMode(); err != nil {
		panic(err)
	}
	if decMode, err = (cbor.DecOptions{DupMapKey: cbor.DupMapKeyEnforcedAPF}).DecMode(); err != nil {
		panic(err)
	}
}

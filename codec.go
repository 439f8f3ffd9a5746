package shielded

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/oasisprotocol/deoxysii"
)

// ShieldedPayload is an encrypted call ready for submission.
type ShieldedPayload struct {
	Destination  common.Address
	Ciphertext   []byte
	PlaintextLen int
	ContextID    string
}

// Codec encrypts call data and decrypts results under an EncryptionContext.
// It has no knowledge of transactions.
type Codec struct{}

// NewCodec creates a new codec.
func NewCodec() *Codec {
	return &Codec{}
}

// Encrypt seals plaintext into a call envelope. The context is consumed:
// encrypting twice with one context fails with ErrContextReused.
func (c *Codec) Encrypt(ec *EncryptionContext, plaintext []byte) ([]byte, error) {
	if err := ec.claimEncrypt(); err != nil {
		return nil, err
	}

	inner, err := encMode.Marshal(callPlaintext{Body: plaintext})
	if err != nil {
		return nil, &EncodingError{Value: plaintext, Err: err}
	}
	aead, err := ec.aead()
	if err != nil {
		return nil, err
	}
	sealed := aead.Seal(nil, ec.nonce[:], inner, nil)

	body, err := encMode.Marshal(x25519DeoxysIIBody{
		PK:    ec.publicKey[:],
		Nonce: ec.nonce[:],
		Data:  sealed,
		Epoch: ec.epoch,
	})
	if err != nil {
		return nil, &EncodingError{Value: sealed, Err: err}
	}
	out, err := encMode.Marshal(callEnvelope{Format: CallFormatX25519DeoxysII, Body: body})
	if err != nil {
		return nil, &EncodingError{Value: body, Err: err}
	}
	return out, nil
}

// Seal encrypts a bound call into a ShieldedPayload.
func (c *Codec) Seal(ec *EncryptionContext, call *Call) (*ShieldedPayload, error) {
	plaintext := call.Data()
	ciphertext, err := c.Encrypt(ec, plaintext)
	if err != nil {
		return nil, err
	}
	return &ShieldedPayload{
		Destination:  call.To(),
		Ciphertext:   ciphertext,
		PlaintextLen: len(plaintext),
		ContextID:    ec.ID(),
	}, nil
}

// Decrypt opens a ciphertext produced under ec: either a call envelope
// sealed by Encrypt or a result envelope returned by the network. Anything
// not authenticated under ec's key fails with ErrDecryptionFailed. A sealed
// or plain failure result is returned as a *RevertError.
func (c *Codec) Decrypt(ec *EncryptionContext, ciphertext []byte) ([]byte, error) {
	if err := ec.claimDecrypt(); err != nil {
		return nil, err
	}

	var env wireEnvelope
	if err := decMode.Unmarshal(ciphertext, &env); err != nil {
		return nil, fmt.Errorf("%w: malformed envelope: %v", ErrDecryptionFailed, err)
	}

	switch {
	case env.Failed != nil:
		return nil, revertFromFailure(env.Failed)

	case len(env.Body) > 0:
		return c.openCall(ec, env)

	case len(env.Ok) > 0:
		var sealed sealedResult
		if err := decMode.Unmarshal(env.Ok, &sealed); err != nil {
			return nil, fmt.Errorf("%w: result is not sealed: %v", ErrDecryptionFailed, err)
		}
		return c.openResult(ec, &sealed)

	case env.Unknown != nil:
		return c.openResult(ec, env.Unknown)

	default:
		return nil, fmt.Errorf("%w: empty envelope", ErrDecryptionFailed)
	}
}

func (c *Codec) openCall(ec *EncryptionContext, env wireEnvelope) ([]byte, error) {
	if env.Format != CallFormatX25519DeoxysII {
		return nil, fmt.Errorf("%w: unsupported call format %d", ErrDecryptionFailed, env.Format)
	}
	var body x25519DeoxysIIBody
	if err := decMode.Unmarshal(env.Body, &body); err != nil {
		return nil, fmt.Errorf("%w: malformed call body: %v", ErrDecryptionFailed, err)
	}
	if !bytes.Equal(body.PK, ec.publicKey[:]) {
		return nil, fmt.Errorf("%w: envelope sealed for another context", ErrDecryptionFailed)
	}

	inner, err := c.open(ec, body.Nonce, body.Data)
	if err != nil {
		return nil, err
	}
	var pt callPlaintext
	if err := decMode.Unmarshal(inner, &pt); err != nil {
		return nil, fmt.Errorf("%w: malformed call plaintext: %v", ErrDecryptionFailed, err)
	}
	return pt.Body, nil
}

func (c *Codec) openResult(ec *EncryptionContext, sealed *sealedResult) ([]byte, error) {
	inner, err := c.open(ec, sealed.Nonce, sealed.Data)
	if err != nil {
		return nil, err
	}
	var pt resultPlaintext
	if err := decMode.Unmarshal(inner, &pt); err != nil {
		return nil, fmt.Errorf("%w: malformed result plaintext: %v", ErrDecryptionFailed, err)
	}
	if pt.Failed != nil {
		return nil, revertFromFailure(pt.Failed)
	}
	if len(pt.Ok) == 0 {
		return nil, fmt.Errorf("%w: result carries neither ok nor fail", ErrDecryptionFailed)
	}
	var out []byte
	if err := decMode.Unmarshal(pt.Ok, &out); err != nil {
		return nil, fmt.Errorf("%w: malformed result data: %v", ErrDecryptionFailed, err)
	}
	return out, nil
}

func (c *Codec) open(ec *EncryptionContext, nonce, data []byte) ([]byte, error) {
	if len(nonce) != deoxysii.NonceSize {
		return nil, fmt.Errorf("%w: nonce must be %d bytes, got %d", ErrDecryptionFailed, deoxysii.NonceSize, len(nonce))
	}
	aead, err := ec.aead()
	if err != nil {
		return nil, err
	}
	plaintext, err := aead.Open(nil, nonce, data, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}
	return plaintext, nil
}

// revertFromFailure maps a runtime failure to a RevertError.
func revertFromFailure(f *failure) error {
	reason := parseRevertMessage(f.Message)
	if reason == "" && f.Module != "" {
		reason = fmt.Sprintf("%s error %d", f.Module, f.Code)
	}
	return &RevertError{Reason: reason}
}

// parseRevertMessage extracts a revert reason from a node message. EVM
// reverts arrive as "reverted: <base64 revert data>" or
// "execution reverted: <reason>"; Error(string) revert data is decoded.
func parseRevertMessage(msg string) string {
	if rest, ok := strings.CutPrefix(msg, "execution reverted: "); ok {
		return rest
	}
	rest, ok := strings.CutPrefix(msg, "reverted: ")
	if !ok {
		return msg
	}
	data, err := base64.StdEncoding.DecodeString(rest)
	if err != nil {
		return rest
	}
	if len(data) == 0 {
		return ""
	}
	if decoded, err := abi.UnpackRevert(data); err == nil {
		return decoded
	}
	return rest
}

// isRevert reports whether err carries an on-chain revert.
func isRevert(err error) bool {
	var re *RevertError
	return errors.As(err, &re)
}

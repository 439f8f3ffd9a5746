package shielded

import (
	"crypto/cipher"
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"fmt"
	"io"
	"sync/atomic"

	"github.com/oasisprotocol/deoxysii"
	"golang.org/x/crypto/curve25519"
)

// mraeBoxContext is the KDF personalization of the MRAE box construction.
const mraeBoxContext = "MRAE_Box_Deoxys-II-256-128"

// RuntimePublicKey is the network's call-data public key.
type RuntimePublicKey struct {
	Key       [curve25519.PointSize]byte
	Checksum  []byte
	Signature []byte
	Epoch     uint64
}

// EncryptionContext is the single-use key material of one shielded call. It
// encrypts one request and decrypts at most one response.
//
// The shared key never leaves the context: String, GoString and Format only
// render the public context reference.
type EncryptionContext struct {
	id        string
	publicKey [curve25519.PointSize]byte
	sharedKey [deoxysii.KeySize]byte
	nonce     [deoxysii.NonceSize]byte
	epoch     uint64

	encrypted atomic.Bool
	decrypted atomic.Bool
}

// newEncryptionContext draws an ephemeral key pair and nonce from entropy and
// derives the shared key with the runtime key.
func newEncryptionContext(entropy io.Reader, runtimeKey *RuntimePublicKey) (*EncryptionContext, error) {
	var secret [curve25519.ScalarSize]byte
	defer clear(secret[:])

	if _, err := io.ReadFull(entropy, secret[:]); err != nil {
		return nil, fmt.Errorf("read entropy: %w", err)
	}
	pub, err := curve25519.X25519(secret[:], curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("derive ephemeral public key: %w", err)
	}

	ec := &EncryptionContext{epoch: runtimeKey.Epoch}
	copy(ec.publicKey[:], pub)

	if err := deriveSymmetricKey(ec.sharedKey[:], runtimeKey.Key[:], secret[:]); err != nil {
		return nil, err
	}
	if _, err := io.ReadFull(entropy, ec.nonce[:]); err != nil {
		return nil, fmt.Errorf("read entropy: %w", err)
	}

	ec.id = fmt.Sprintf("%s/e%d", hex.EncodeToString(ec.publicKey[:8]), ec.epoch)
	return ec, nil
}

// deriveSymmetricKey computes the Deoxys-II key shared between a secret
// scalar and a peer public key. It fails on low-order peer points.
func deriveSymmetricKey(dst, peerPublic, secret []byte) error {
	shared, err := curve25519.X25519(secret, peerPublic)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrKeyExchangeRejected, err)
	}
	defer clear(shared)

	kdf := hmac.New(sha512.New512_256, []byte(mraeBoxContext))
	kdf.Write(shared)
	sum := kdf.Sum(nil)
	defer clear(sum)

	copy(dst, sum)
	return nil
}

// ID returns the public context reference: the ephemeral public key prefix
// and the runtime key epoch. Safe to log.
func (ec *EncryptionContext) ID() string {
	return ec.id
}

// PublicKey returns the ephemeral public key sent with the request.
func (ec *EncryptionContext) PublicKey() [curve25519.PointSize]byte {
	return ec.publicKey
}

// Epoch returns the runtime key epoch the context was negotiated against.
func (ec *EncryptionContext) Epoch() uint64 {
	return ec.epoch
}

func (ec *EncryptionContext) String() string {
	return "EncryptionContext(" + ec.id + ")"
}

func (ec *EncryptionContext) GoString() string {
	return ec.String()
}

// Format renders only the context reference for every verb.
func (ec *EncryptionContext) Format(f fmt.State, _ rune) {
	_, _ = io.WriteString(f, ec.String())
}

// aead returns the Deoxys-II cipher keyed with the shared key.
func (ec *EncryptionContext) aead() (cipher.AEAD, error) {
	return deoxysii.New(ec.sharedKey[:])
}

// claimEncrypt marks the context as used for encryption.
func (ec *EncryptionContext) claimEncrypt() error {
	if !ec.encrypted.CompareAndSwap(false, true) {
		return ErrContextReused
	}
	return nil
}

// claimDecrypt marks the context as used for decryption.
func (ec *EncryptionContext) claimDecrypt() error {
	if !ec.decrypted.CompareAndSwap(false, true) {
		return ErrContextReused
	}
	return nil
}

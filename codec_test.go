package shielded

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common"
)

// newTestContext negotiates a context against the fake chain's runtime key.
func newTestContext(t *testing.T, chain *fakeChain) *EncryptionContext {
	t.Helper()
	ec, err := NewNegotiator(chain, nil).Negotiate(context.Background(), NegotiationRequest{})
	if err != nil {
		t.Fatalf("Failed to negotiate: %v", err)
	}
	return ec
}

func TestCodecRoundTrip(t *testing.T) {
	chain := newFakeChain(t)
	codec := NewCodec()

	tests := []struct {
		name      string
		plaintext []byte
	}{
		{"empty", []byte{}},
		{"selector only", []byte{0xe2, 0x1f, 0x37, 0xce}},
		{"setMessage call", newMessageBox().MustInvoke("setMessage", "world").Data()},
		{"large payload", bytes.Repeat([]byte{0xab}, 64*1024)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ec := newTestContext(t, chain)

			ciphertext, err := codec.Encrypt(ec, tt.plaintext)
			if err != nil {
				t.Fatalf("Encrypt failed: %v", err)
			}
			if len(tt.plaintext) > 8 && bytes.Contains(ciphertext, tt.plaintext) {
				t.Error("Ciphertext contains the plaintext")
			}

			got, err := codec.Decrypt(ec, ciphertext)
			if err != nil {
				t.Fatalf("Decrypt failed: %v", err)
			}
			if !bytes.Equal(got, tt.plaintext) {
				t.Errorf("Expected %x, got %x", tt.plaintext, got)
			}
		})
	}
}

func TestCodecContextIsolation(t *testing.T) {
	chain := newFakeChain(t)
	codec := NewCodec()
	plaintext := newMessageBox().MustInvoke("message").Data()

	c1 := newTestContext(t, chain)
	c2 := newTestContext(t, chain)
	if c1.ID() == c2.ID() {
		t.Fatalf("Expected independent contexts, both are %s", c1.ID())
	}

	ct1, err := codec.Encrypt(c1, plaintext)
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}
	ct2, err := codec.Encrypt(c2, plaintext)
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}

	t.Run("identical plaintexts produce distinct ciphertexts", func(t *testing.T) {
		if bytes.Equal(ct1, ct2) {
			t.Error("Expected different ciphertexts for independent contexts")
		}
	})

	t.Run("mismatched context fails", func(t *testing.T) {
		_, err := codec.Decrypt(c2, ct1)
		if !errors.Is(err, ErrDecryptionFailed) {
			t.Errorf("Expected ErrDecryptionFailed, got %v", err)
		}
	})
}

func TestCodecRejectsForeignResult(t *testing.T) {
	chain := newFakeChain(t)
	codec := NewCodec()

	c1 := newTestContext(t, chain)
	c2 := newTestContext(t, chain)

	// A result sealed for c1's key must not open under c2.
	key := make([]byte, 32)
	pk := c1.PublicKey()
	if err := deriveSymmetricKey(key, pk[:], chain.runtimeSecret[:]); err != nil {
		t.Fatalf("Failed to derive key: %v", err)
	}
	result, err := chain.seal(key, execResult{ret: []byte("hello")})
	if err != nil {
		t.Fatalf("Failed to seal result: %v", err)
	}

	if _, err := codec.Decrypt(c2, result); !errors.Is(err, ErrDecryptionFailed) {
		t.Errorf("Expected ErrDecryptionFailed, got %v", err)
	}

	got, err := codec.Decrypt(c1, result)
	if err != nil {
		t.Fatalf("Decrypt failed: %v", err)
	}
	if string(got) != "hello" {
		t.Errorf("Expected hello, got %q", got)
	}
}

func TestCodecDecryptFailures(t *testing.T) {
	chain := newFakeChain(t)
	codec := NewCodec()

	tests := []struct {
		name       string
		ciphertext func(t *testing.T) []byte
	}{
		{
			name:       "not cbor",
			ciphertext: func(t *testing.T) []byte { return []byte{0xff, 0x00, 0x13} },
		},
		{
			name:       "empty envelope",
			ciphertext: func(t *testing.T) []byte { return []byte{0xa0} },
		},
		{
			name: "flipped byte",
			ciphertext: func(t *testing.T) []byte {
				ec := newTestContext(t, chain)
				ct, err := codec.Encrypt(ec, []byte("payload"))
				if err != nil {
					t.Fatalf("Encrypt failed: %v", err)
				}
				var env callEnvelope
				if err := decMode.Unmarshal(ct, &env); err != nil {
					t.Fatalf("Failed to decode envelope: %v", err)
				}
				var body x25519DeoxysIIBody
				if err := decMode.Unmarshal(env.Body, &body); err != nil {
					t.Fatalf("Failed to decode body: %v", err)
				}
				body.Data[0] ^= 0x01
				env.Body, _ = encMode.Marshal(body)
				out, _ := encMode.Marshal(env)
				return out
			},
		},
		{
			name: "unsupported format",
			ciphertext: func(t *testing.T) []byte {
				body, _ := encMode.Marshal(x25519DeoxysIIBody{PK: make([]byte, 32), Nonce: make([]byte, 15), Data: []byte{1}})
				ct, _ := encMode.Marshal(callEnvelope{Format: 7, Body: body})
				return ct
			},
		},
		{
			name: "short nonce",
			ciphertext: func(t *testing.T) []byte {
				inner, _ := encMode.Marshal(sealedResult{Nonce: []byte{1, 2, 3}, Data: []byte{4, 5, 6}})
				ct, _ := encMode.Marshal(wireEnvelope{Ok: inner})
				return ct
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ct := tt.ciphertext(t)
			ec := newTestContext(t, chain)
			_, err := codec.Decrypt(ec, ct)
			if !errors.Is(err, ErrDecryptionFailed) {
				t.Errorf("Expected ErrDecryptionFailed, got %v", err)
			}
		})
	}
}

func TestCodecFailureResult(t *testing.T) {
	chain := newFakeChain(t)
	codec := NewCodec()

	t.Run("plain failure", func(t *testing.T) {
		ct, _ := encMode.Marshal(wireEnvelope{Failed: &failure{Module: "evm", Code: 8, Message: "execution reverted: nope"}})
		_, err := codec.Decrypt(newTestContext(t, chain), ct)

		var re *RevertError
		if !errors.As(err, &re) {
			t.Fatalf("Expected *RevertError, got %v", err)
		}
		if re.Reason != "nope" {
			t.Errorf("Expected reason nope, got %q", re.Reason)
		}
		if !errors.Is(err, ErrTransactionFailed) {
			t.Error("Expected error to match ErrTransactionFailed")
		}
	})

	t.Run("sealed failure", func(t *testing.T) {
		ec := newTestContext(t, chain)
		key := make([]byte, 32)
		pk := ec.PublicKey()
		if err := deriveSymmetricKey(key, pk[:], chain.runtimeSecret[:]); err != nil {
			t.Fatalf("Failed to derive key: %v", err)
		}
		ct, err := chain.seal(key, execResult{reverted: true, reason: "insufficient balance"})
		if err != nil {
			t.Fatalf("Failed to seal: %v", err)
		}

		_, err = codec.Decrypt(ec, ct)
		var re *RevertError
		if !errors.As(err, &re) {
			t.Fatalf("Expected *RevertError, got %v", err)
		}
		if re.Reason != "insufficient balance" {
			t.Errorf("Expected reason %q, got %q", "insufficient balance", re.Reason)
		}
		if re.FeesSpent {
			t.Error("Expected FeesSpent to be false for a read")
		}
	})

	t.Run("module error without message", func(t *testing.T) {
		ct, _ := encMode.Marshal(wireEnvelope{Failed: &failure{Module: "core", Code: 2}})
		_, err := codec.Decrypt(newTestContext(t, chain), ct)
		var re *RevertError
		if !errors.As(err, &re) {
			t.Fatalf("Expected *RevertError, got %v", err)
		}
		if re.Reason != "core error 2" {
			t.Errorf("Expected reason %q, got %q", "core error 2", re.Reason)
		}
	})
}

func TestCodecContextReuse(t *testing.T) {
	chain := newFakeChain(t)
	codec := NewCodec()
	ec := newTestContext(t, chain)

	ct, err := codec.Encrypt(ec, []byte("first"))
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}
	if _, err := codec.Encrypt(ec, []byte("second")); !errors.Is(err, ErrContextReused) {
		t.Errorf("Expected ErrContextReused on second encrypt, got %v", err)
	}

	if _, err := codec.Decrypt(ec, ct); err != nil {
		t.Fatalf("Decrypt failed: %v", err)
	}
	if _, err := codec.Decrypt(ec, ct); !errors.Is(err, ErrContextReused) {
		t.Errorf("Expected ErrContextReused on second decrypt, got %v", err)
	}
}

func TestCodecSeal(t *testing.T) {
	chain := newFakeChain(t)
	addr := common.HexToAddress("0x1111111111111111111111111111111111111111")
	call := newMessageBox().MustInvoke("setMessage", "world").At(addr)
	ec := newTestContext(t, chain)

	payload, err := NewCodec().Seal(ec, call)
	if err != nil {
		t.Fatalf("Seal failed: %v", err)
	}
	if payload.Destination != addr {
		t.Errorf("Expected destination %s, got %s", addr.Hex(), payload.Destination.Hex())
	}
	if payload.PlaintextLen != len(call.Data()) {
		t.Errorf("Expected plaintext length %d, got %d", len(call.Data()), payload.PlaintextLen)
	}
	if payload.ContextID != ec.ID() {
		t.Errorf("Expected context %s, got %s", ec.ID(), payload.ContextID)
	}

	plaintext, _, err := chain.open(payload.Ciphertext)
	if err != nil {
		t.Fatalf("Network failed to open payload: %v", err)
	}
	if !bytes.Equal(plaintext, call.Data()) {
		t.Errorf("Expected network to see %x, got %x", call.Data(), plaintext)
	}
}

func TestEncryptionContextNeverPrintsKey(t *testing.T) {
	chain := newFakeChain(t)
	ec := newTestContext(t, chain)
	secret := hex.EncodeToString(ec.sharedKey[:])

	for _, verb := range []string{"%v", "%+v", "%#v", "%s", "%x", "%q"} {
		out := fmt.Sprintf(verb, ec)
		if strings.Contains(out, secret) || strings.Contains(out, base64.StdEncoding.EncodeToString(ec.sharedKey[:])) {
			t.Errorf("Format %s leaked key material: %s", verb, out)
		}
		if !strings.Contains(out, ec.ID()) {
			t.Errorf("Format %s should render the context id, got %s", verb, out)
		}
	}
	if !strings.HasSuffix(ec.ID(), "/e7") {
		t.Errorf("Expected context id to carry epoch 7, got %s", ec.ID())
	}
}

func TestParseRevertMessage(t *testing.T) {
	tests := []struct {
		msg  string
		want string
	}{
		{"execution reverted: empty message", "empty message"},
		{"reverted: " + base64.StdEncoding.EncodeToString(revertData("insufficient balance")), "insufficient balance"},
		{"reverted: ", ""},
		{"reverted: not-base64!", "not-base64!"},
		{"out of gas", "out of gas"},
	}

	for _, tt := range tests {
		t.Run(tt.msg, func(t *testing.T) {
			if got := parseRevertMessage(tt.msg); got != tt.want {
				t.Errorf("Expected %q, got %q", tt.want, got)
			}
		})
	}
}

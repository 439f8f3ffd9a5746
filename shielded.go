// Package shielded provides a Go client for confidential EVM networks, such
// as Oasis Sapphire, where contract call data and view results are encrypted
// end to end between the caller and the network.
//
// The package covers the client side of the shielded call protocol:
//   - Negotiating a single-use encryption context against the network's
//     call-data public key (X25519 + Deoxys-II)
//   - Encrypting outbound call data and decrypting view call results
//   - Submitting signed transactions and waiting for bounded confirmation
//   - Tracking the one active contract of a session across deploy and
//     interaction steps
//
// # Basic Usage
//
// Dial the network, deploy a contract and drive it:
//
//	client, err := shielded.Dial(ctx, shielded.NetworkEndpoint{
//	    URL:     "https://testnet.sapphire.oasis.io",
//	    ChainID: big.NewInt(0x5aff),
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	signer, _ := shielded.NewKeySigner(privateKeyHex, client.ChainID())
//	box := shielded.MustLoadArtifact("out/MessageBox.sol/MessageBox.json")
//
//	registry := shielded.NewRegistry(shielded.NewMemoryStore())
//	orch := shielded.NewOrchestrator(client, registry, box)
//
//	if _, err := orch.Deploy(ctx, signer, "hello"); err != nil {
//	    log.Fatal(shielded.Describe(err))
//	}
//	res, err := orch.Query(ctx, signer, "message")
//	fmt.Println(res.Values[0]) // hello
//
// # Encryption Contexts
//
// Every shielded send or query negotiates a fresh EncryptionContext. A context
// encrypts exactly one payload and decrypts at most one response. Reusing one
// fails with ErrContextReused, so ciphertexts of unrelated calls can never be
// correlated through shared key material.
//
// # Handle Continuity
//
// The Registry owns the session's single ContractHandle. A deploy stores the
// handle only after the creation transaction is confirmed, and every later
// send or query resolves its destination through Registry.Load, which fails
// with ErrNoActiveContract until a deploy succeeds or after Clear.
//
// # Errors
//
// Failures are never collapsed: each protocol phase wraps its cause in a
// *CallError, and the sentinels ErrNetworkUnavailable, ErrKeyExchangeRejected,
// ErrEncodingMismatch, ErrDecryptionFailed, ErrTransactionFailed,
// ErrUnconfirmed and ErrNoActiveContract can be matched with errors.Is.
//
// # References
//
//   - https://docs.oasis.io/build/sapphire/ (Sapphire ParaTime)
//   - https://github.com/oasisprotocol/deoxysii (Deoxys-II-256-128)
package shielded

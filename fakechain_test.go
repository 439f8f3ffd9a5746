package shielded

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/oasisprotocol/deoxysii"
	"golang.org/x/crypto/curve25519"
)

// Test contracts
const messageBoxABI = `[
	{"type": "constructor", "stateMutability": "nonpayable", "inputs": [{"name": "initial", "type": "string"}]},
	{"name": "message", "type": "function", "stateMutability": "view", "inputs": [], "outputs": [{"name": "", "type": "string"}]},
	{"name": "author", "type": "function", "stateMutability": "view", "inputs": [], "outputs": [{"name": "", "type": "address"}]},
	{"name": "setMessage", "type": "function", "stateMutability": "nonpayable", "inputs": [{"name": "next", "type": "string"}], "outputs": []}
]`

const tokenABI = `[
	{"type": "constructor", "stateMutability": "nonpayable", "inputs": [{"name": "supply", "type": "uint256"}]},
	{"name": "balanceOf", "type": "function", "stateMutability": "view", "inputs": [{"name": "owner", "type": "address"}], "outputs": [{"name": "", "type": "uint256"}]},
	{"name": "transfer", "type": "function", "stateMutability": "nonpayable", "inputs": [{"name": "to", "type": "address"}, {"name": "amount", "type": "uint256"}], "outputs": [{"name": "", "type": "bool"}]}
]`

var (
	messageBoxCode = []byte{0x60, 0x80, 0x60, 0x40, 0xb0, 0x0b}
	tokenCode      = []byte{0x60, 0x80, 0x60, 0x40, 0x70, 0x4e}

	testGasPrice = big.NewInt(1_000_000_000)
	testFunds    = new(big.Int).Mul(big.NewInt(1000), big.NewInt(1e18))
)

const (
	gasTransfer = 21_000
	gasCall     = 60_000
	gasDeploy   = 250_000
)

func newMessageBox() *Contract {
	return NewContract(MustParseABI(messageBoxABI), messageBoxCode, WithName("MessageBox"))
}

func newToken() *Contract {
	return NewContract(MustParseABI(tokenABI), tokenCode, WithName("Token"))
}

// fakeRPCError is an error answered by the node.
type fakeRPCError struct {
	code int
	msg  string
	data any
}

func (e *fakeRPCError) Error() string          { return e.msg }
func (e *fakeRPCError) ErrorCode() int         { return e.code }
func (e *fakeRPCError) ErrorData() interface{} { return e.data }

var errConnRefused = errors.New("dial tcp 127.0.0.1:8545: connect: connection refused")

type fakeContract struct {
	kind     string
	message  string
	author   common.Address
	balances map[common.Address]*big.Int
}

func (c *fakeContract) clone() *fakeContract {
	out := *c
	out.balances = make(map[common.Address]*big.Int, len(c.balances))
	for k, v := range c.balances {
		out.balances[k] = new(big.Int).Set(v)
	}
	return &out
}

type execResult struct {
	ret      []byte
	reverted bool
	reason   string
	gas      uint64
	created  common.Address
	contract *fakeContract
}

// fakeChain is an in-process confidential EVM. It holds a runtime X25519
// key, opens encrypted calls, seals query results and mines every accepted
// transaction into its own block.
type fakeChain struct {
	mu sync.Mutex

	chainID       *big.Int
	signer        types.Signer
	runtimeSecret [curve25519.ScalarSize]byte
	runtimeKey    RuntimePublicKey

	block     uint64
	balances  map[common.Address]*big.Int
	nonces    map[common.Address]uint64
	contracts map[common.Address]*fakeContract
	receipts  map[common.Hash]*types.Receipt

	// Hooks
	withholdReceipts  bool
	stalePendingNonce bool
	keyFailures       int
	nonceFailures     int
	gasPriceFailures  int
	rejectKeys        bool
	corruptResponses  int
	callFailures      int

	// Observations
	keyRequests int
	sent        []*types.Transaction
	sentData    [][]byte
}

var (
	_ Backend   = (*fakeChain)(nil)
	_ KeySource = (*fakeChain)(nil)
)

func newFakeChain(t testing.TB) *fakeChain {
	t.Helper()
	f := &fakeChain{
		chainID:   big.NewInt(0x5afd),
		balances:  make(map[common.Address]*big.Int),
		nonces:    make(map[common.Address]uint64),
		contracts: make(map[common.Address]*fakeContract),
		receipts:  make(map[common.Hash]*types.Receipt),
	}
	f.signer = types.LatestSignerForChainID(f.chainID)
	if _, err := rand.Read(f.runtimeSecret[:]); err != nil {
		t.Fatalf("Failed to generate runtime key: %v", err)
	}
	pub, err := curve25519.X25519(f.runtimeSecret[:], curve25519.Basepoint)
	if err != nil {
		t.Fatalf("Failed to derive runtime key: %v", err)
	}
	copy(f.runtimeKey.Key[:], pub)
	f.runtimeKey.Epoch = 7
	return f
}

// fund credits an account with test funds.
func (f *fakeChain) fund(addr common.Address) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.balances[addr] = new(big.Int).Set(testFunds)
}

func (f *fakeChain) balance(addr common.Address) *big.Int {
	if b, ok := f.balances[addr]; ok {
		return b
	}
	return new(big.Int)
}

func (f *fakeChain) set(fn func(f *fakeChain)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f)
}

func (f *fakeChain) CallDataPublicKey(ctx context.Context) (*RuntimePublicKey, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.keyRequests++
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if f.keyFailures > 0 {
		f.keyFailures--
		return nil, errConnRefused
	}
	if f.rejectKeys {
		return nil, &fakeRPCError{code: -32601, msg: "the method oasis_callDataPublicKey does not exist/is not available"}
	}
	key := f.runtimeKey
	return &key, nil
}

func (f *fakeChain) ChainID(ctx context.Context) (*big.Int, error) {
	return new(big.Int).Set(f.chainID), nil
}

func (f *fakeChain) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.nonceFailures > 0 {
		f.nonceFailures--
		return 0, errConnRefused
	}
	if f.stalePendingNonce {
		return 0, nil
	}
	return f.nonces[account], nil
}

func (f *fakeChain) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.gasPriceFailures > 0 {
		f.gasPriceFailures--
		return nil, errConnRefused
	}
	return new(big.Int).Set(testGasPrice), nil
}

func (f *fakeChain) EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	value := msg.Value
	if value == nil {
		value = new(big.Int)
	}
	if f.balance(msg.From).Cmp(value) < 0 {
		return 0, &fakeRPCError{code: -32000, msg: "insufficient funds for transfer"}
	}
	data, _, err := f.open(msg.Data)
	if err != nil {
		return 0, err
	}
	res := f.execute(msg.From, msg.To, value, data, f.nonces[msg.From])
	if res.reverted {
		return 0, revertRPCError(res.reason)
	}
	return res.gas, nil
}

func (f *fakeChain) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	from, err := types.Sender(f.signer, tx)
	if err != nil {
		return &fakeRPCError{code: -32000, msg: "invalid sender: " + err.Error()}
	}
	if tx.Nonce() != f.nonces[from] {
		if tx.Nonce() < f.nonces[from] {
			return &fakeRPCError{code: -32000, msg: "nonce too low"}
		}
		return &fakeRPCError{code: -32000, msg: "nonce too high"}
	}
	cost := new(big.Int).Add(tx.Value(), new(big.Int).Mul(tx.GasPrice(), new(big.Int).SetUint64(tx.Gas())))
	if f.balance(from).Cmp(cost) < 0 {
		return &fakeRPCError{code: -32000, msg: "insufficient funds for gas * price + value"}
	}

	data, _, err := f.open(tx.Data())
	if err != nil {
		return err
	}

	f.sent = append(f.sent, tx)
	f.sentData = append(f.sentData, data)
	f.nonces[from]++
	f.block++

	res := f.execute(from, tx.To(), tx.Value(), data, tx.Nonce())
	receipt := &types.Receipt{
		TxHash:      tx.Hash(),
		BlockNumber: new(big.Int).SetUint64(f.block),
		BlockHash:   common.BigToHash(new(big.Int).SetUint64(f.block)),
		GasUsed:     res.gas,
		Status:      types.ReceiptStatusSuccessful,
	}
	if res.gas > tx.Gas() {
		res.reverted, res.reason = true, "out of gas"
		receipt.GasUsed = tx.Gas()
	}

	fee := new(big.Int).Mul(tx.GasPrice(), new(big.Int).SetUint64(receipt.GasUsed))
	f.balances[from] = new(big.Int).Sub(f.balance(from), fee)

	if res.reverted {
		receipt.Status = types.ReceiptStatusFailed
	} else {
		f.commit(from, tx.To(), tx.Value(), res)
		receipt.ContractAddress = res.created
	}
	f.receipts[tx.Hash()] = receipt
	return nil
}

func (f *fakeChain) TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	receipt, ok := f.receipts[hash]
	if !ok || f.withholdReceipts {
		return nil, ethereum.NotFound
	}
	return receipt, nil
}

func (f *fakeChain) CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.callFailures > 0 {
		f.callFailures--
		return nil, errConnRefused
	}

	data, key, err := f.open(msg.Data)
	if err != nil {
		return nil, err
	}
	value := msg.Value
	if value == nil {
		value = new(big.Int)
	}
	res := f.execute(msg.From, msg.To, value, data, f.nonces[msg.From])

	if key == nil {
		if res.reverted {
			return nil, revertRPCError(res.reason)
		}
		return res.ret, nil
	}
	return f.seal(key, res)
}

func (f *fakeChain) BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return new(big.Int).Set(f.balance(account)), nil
}

// open returns the plaintext of data and, for encrypted envelopes, the key
// the response must be sealed under.
func (f *fakeChain) open(data []byte) ([]byte, []byte, error) {
	var env callEnvelope
	if len(data) == 0 || decMode.Unmarshal(data, &env) != nil || env.Format != CallFormatX25519DeoxysII {
		return data, nil, nil
	}
	var body x25519DeoxysIIBody
	if err := decMode.Unmarshal(env.Body, &body); err != nil {
		return nil, nil, &fakeRPCError{code: -32000, msg: "invalid call body"}
	}
	key := make([]byte, deoxysii.KeySize)
	if err := deriveSymmetricKey(key, body.PK, f.runtimeSecret[:]); err != nil {
		return nil, nil, &fakeRPCError{code: -32000, msg: "invalid public key"}
	}
	aead, err := deoxysii.New(key)
	if err != nil {
		return nil, nil, err
	}
	inner, err := aead.Open(nil, body.Nonce, body.Data, nil)
	if err != nil {
		return nil, nil, &fakeRPCError{code: -32000, msg: "core: invalid call format: decryption failed"}
	}
	var pt callPlaintext
	if err := decMode.Unmarshal(inner, &pt); err != nil {
		return nil, nil, &fakeRPCError{code: -32000, msg: "core: invalid call format"}
	}
	return pt.Body, key, nil
}

// seal encrypts an execution result under key the way the runtime does.
func (f *fakeChain) seal(key []byte, res execResult) ([]byte, error) {
	var inner resultPlaintext
	if res.reverted {
		inner.Failed = &failure{
			Module:  "evm",
			Code:    8,
			Message: "reverted: " + base64.StdEncoding.EncodeToString(revertData(res.reason)),
		}
	} else {
		ok, err := encMode.Marshal(res.ret)
		if err != nil {
			return nil, err
		}
		inner.Ok = ok
	}
	plaintext, err := encMode.Marshal(inner)
	if err != nil {
		return nil, err
	}

	var nonce [deoxysii.NonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, err
	}
	aead, err := deoxysii.New(key)
	if err != nil {
		return nil, err
	}
	sealed := aead.Seal(nil, nonce[:], plaintext, nil)
	if f.corruptResponses > 0 {
		f.corruptResponses--
		sealed[len(sealed)/2] ^= 0x01
	}

	body, err := encMode.Marshal(sealedResult{Nonce: nonce[:], Data: sealed})
	if err != nil {
		return nil, err
	}
	return encMode.Marshal(wireEnvelope{Ok: body})
}

// execute runs a call against a copy of the state. Callers hold f.mu.
func (f *fakeChain) execute(from common.Address, to *common.Address, value *big.Int, data []byte, nonce uint64) execResult {
	if to == nil {
		return f.deploy(from, data, nonce)
	}
	c, ok := f.contracts[*to]
	if !ok {
		return execResult{gas: gasTransfer}
	}
	c = c.clone()
	res := execResult{gas: gasCall, contract: c}

	if len(data) < 4 {
		return reverted(res, "")
	}
	var contractABI abi.ABI
	switch c.kind {
	case "box":
		contractABI = MustParseABI(messageBoxABI)
	default:
		contractABI = MustParseABI(tokenABI)
	}
	method, err := contractABI.MethodById(data[:4])
	if err != nil {
		return reverted(res, "")
	}
	args, err := method.Inputs.Unpack(data[4:])
	if err != nil {
		return reverted(res, "")
	}

	var out []any
	switch method.Name {
	case "message":
		out = []any{c.message}
	case "author":
		out = []any{c.author}
	case "setMessage":
		next := args[0].(string)
		if next == "" {
			return reverted(res, "empty message")
		}
		c.message, c.author = next, from
	case "balanceOf":
		out = []any{balanceIn(c.balances, args[0].(common.Address))}
	case "transfer":
		dst, amount := args[0].(common.Address), args[1].(*big.Int)
		if balanceIn(c.balances, from).Cmp(amount) < 0 {
			return reverted(res, "insufficient balance")
		}
		c.balances[from] = new(big.Int).Sub(balanceIn(c.balances, from), amount)
		c.balances[dst] = new(big.Int).Add(balanceIn(c.balances, dst), amount)
		out = []any{true}
	}

	ret, err := method.Outputs.Pack(out...)
	if err != nil {
		panic(fmt.Sprintf("fake chain: pack %s: %v", method.Name, err))
	}
	res.ret = ret
	return res
}

func (f *fakeChain) deploy(from common.Address, data []byte, nonce uint64) execResult {
	res := execResult{gas: gasDeploy, created: crypto.CreateAddress(from, nonce)}
	switch {
	case bytes.HasPrefix(data, messageBoxCode):
		args, err := MustParseABI(messageBoxABI).Constructor.Inputs.Unpack(data[len(messageBoxCode):])
		if err != nil {
			return reverted(res, "")
		}
		res.contract = &fakeContract{kind: "box", message: args[0].(string), author: from}
	case bytes.HasPrefix(data, tokenCode):
		args, err := MustParseABI(tokenABI).Constructor.Inputs.Unpack(data[len(tokenCode):])
		if err != nil {
			return reverted(res, "")
		}
		res.contract = &fakeContract{
			kind:     "token",
			balances: map[common.Address]*big.Int{from: args[0].(*big.Int)},
		}
	default:
		return reverted(res, "")
	}
	return res
}

// commit applies a successful execution. Callers hold f.mu.
func (f *fakeChain) commit(from common.Address, to *common.Address, value *big.Int, res execResult) {
	if value != nil && value.Sign() > 0 {
		f.balances[from] = new(big.Int).Sub(f.balance(from), value)
		dst := res.created
		if to != nil {
			dst = *to
		}
		f.balances[dst] = new(big.Int).Add(f.balance(dst), value)
	}
	if res.contract == nil {
		return
	}
	if to == nil {
		f.contracts[res.created] = res.contract
		return
	}
	f.contracts[*to] = res.contract
}

func reverted(res execResult, reason string) execResult {
	res.reverted = true
	res.reason = reason
	res.ret = nil
	return res
}

func balanceIn(m map[common.Address]*big.Int, addr common.Address) *big.Int {
	if b, ok := m[addr]; ok {
		return b
	}
	return new(big.Int)
}

// revertData encodes reason as Error(string) revert data.
func revertData(reason string) []byte {
	if reason == "" {
		return nil
	}
	stringType, _ := abi.NewType("string", "", nil)
	packed, err := abi.Arguments{{Type: stringType}}.Pack(reason)
	if err != nil {
		panic(err)
	}
	return append(crypto.Keccak256([]byte("Error(string)"))[:4], packed...)
}

func revertRPCError(reason string) error {
	msg := "execution reverted"
	if reason != "" {
		msg += ": " + reason
	}
	return &fakeRPCError{code: 3, msg: msg, data: hexutil.Encode(revertData(reason))}
}

// testEnv bundles a fake chain with a client and a funded signer.
type testEnv struct {
	chain  *fakeChain
	client *Client
	signer *KeySigner
	key    *ecdsa.PrivateKey
}

func newTestEnv(t testing.TB, opts ...ClientOption) *testEnv {
	t.Helper()
	chain := newFakeChain(t)

	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("Failed to generate key: %v", err)
	}
	signer := NewKeySignerFromECDSA(key, chain.chainID)
	chain.fund(signer.Address())

	base := []ClientOption{
		WithPollInterval(time.Millisecond),
		WithConfirmTimeout(2 * time.Second),
	}
	client := NewClient(chain, NewNegotiator(chain, nil), chain.chainID, append(base, opts...)...)
	return &testEnv{chain: chain, client: client, signer: signer, key: key}
}

// newSigner returns a second funded signer on the same chain.
func (e *testEnv) newSigner(t testing.TB) *KeySigner {
	t.Helper()
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("Failed to generate key: %v", err)
	}
	signer := NewKeySignerFromECDSA(key, e.chain.chainID)
	e.chain.fund(signer.Address())
	return signer
}

// deploy deploys contract with args and returns its handle.
func (e *testEnv) deploy(t testing.TB, contract *Contract, args ...any) *ContractHandle {
	t.Helper()
	outcome, err := e.client.Deploy(context.Background(), e.signer, contract, args...)
	if err != nil {
		t.Fatalf("Failed to deploy %s: %v", contract.Name(), err)
	}
	return &ContractHandle{Address: outcome.ContractAddress, Contract: contract, DeployTx: outcome.TxHash}
}

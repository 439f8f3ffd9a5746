package shielded

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
)

// Backend is the subset of the chain API the client drives.
// *ethclient.Client satisfies it.
type Backend interface {
	ChainID(ctx context.Context) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
}

var _ Backend = (*ethclient.Client)(nil)

// NetworkEndpoint is the RPC endpoint and chain a session talks to.
type NetworkEndpoint struct {
	URL     string
	ChainID *big.Int
}

// Client submits shielded transactions and queries. It is safe for
// concurrent use: sends are serialized per signer, queries run in parallel.
type Client struct {
	backend    Backend
	negotiator Negotiator
	codec      *Codec
	chainID    *big.Int
	nonces     *nonceTracker
	cfg        *clientConfig
	closer     func()
}

// NewClient creates a client over an existing backend and negotiator.
func NewClient(backend Backend, negotiator Negotiator, chainID *big.Int, opts ...ClientOption) *Client {
	return newClient(backend, negotiator, chainID, newClientConfig(opts))
}

func newClient(backend Backend, negotiator Negotiator, chainID *big.Int, cfg *clientConfig) *Client {
	return &Client{
		backend:    backend,
		negotiator: negotiator,
		codec:      NewCodec(),
		chainID:    new(big.Int).Set(chainID),
		nonces:     newNonceTracker(),
		cfg:        cfg,
	}
}

func newClientConfig(opts []ClientOption) *clientConfig {
	cfg := defaultClientConfig()
	for _, opt := range opts {
		opt(cfg)
	}
	return cfg
}

// Dial connects to endpoint, verifies it serves the configured chain and
// returns a client negotiating against the endpoint's runtime key.
func Dial(ctx context.Context, endpoint NetworkEndpoint, opts ...ClientOption) (*Client, error) {
	if endpoint.ChainID == nil {
		return nil, fmt.Errorf("shielded: endpoint %s has no chain id", endpoint.URL)
	}
	rpcClient, err := rpc.DialContext(ctx, endpoint.URL)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %w", ErrNetworkUnavailable, endpoint.URL, err)
	}
	backend := ethclient.NewClient(rpcClient)

	remote, err := backend.ChainID(ctx)
	if err != nil {
		rpcClient.Close()
		return nil, fmt.Errorf("query chain id: %w", classifyRPCError(err, nil))
	}
	if remote.Cmp(endpoint.ChainID) != 0 {
		rpcClient.Close()
		return nil, fmt.Errorf("%w: endpoint serves %s, configured %s", ErrChainIDMismatch, remote, endpoint.ChainID)
	}

	cfg := newClientConfig(opts)
	c := newClient(backend, NewNegotiator(NewRPCKeySource(rpcClient), cfg.entropy), endpoint.ChainID, cfg)
	c.closer = rpcClient.Close
	cfg.logger.Info("connected", "url", endpoint.URL, "chain_id", remote)
	return c, nil
}

// Close releases the underlying connection if the client dialed it.
func (c *Client) Close() {
	if c.closer != nil {
		c.closer()
	}
}

// ChainID returns the chain the client signs for.
func (c *Client) ChainID() *big.Int {
	return new(big.Int).Set(c.chainID)
}

// ShieldedSend encrypts call under a fresh context, submits it as a
// transaction from signer and waits for confirmation.
//
// A non-nil outcome is returned once the transaction was accepted by the
// node, even if confirmation later fails, so the caller keeps the tx hash.
func (c *Client) ShieldedSend(ctx context.Context, signer Signer, call *Call) (outcome *TransactionOutcome, err error) {
	const op = "send"
	defer func() { c.cfg.metrics.observeCall(op, err) }()

	dest := call.To()
	if err := call.validateTx(); err != nil {
		return nil, &CallError{Op: op, Phase: PhaseEncoding, Destination: dest, Err: err}
	}

	ec, err := c.negotiate(ctx, call)
	if err != nil {
		return nil, &CallError{Op: op, Phase: PhaseNegotiation, Destination: dest, Err: err}
	}
	payload, err := c.codec.Seal(ec, call)
	if err != nil {
		return nil, &CallError{Op: op, Phase: PhaseEncryption, Destination: dest, ContextID: ec.ID(), Err: err}
	}

	outcome, phase, err := c.submit(ctx, signer, &dest, call.Value(), payload.Ciphertext)
	if err != nil {
		return nil, &CallError{Op: op, Phase: phase, Destination: dest, ContextID: ec.ID(), Err: err}
	}
	outcome.ContextID = ec.ID()
	c.cfg.logger.Info("shielded transaction submitted",
		"method", call.MethodName(), "to", dest.Hex(), "tx", outcome.TxHash.Hex(),
		"nonce", outcome.Nonce, "context", ec.ID())

	replay := func(receipt *types.Receipt) string {
		return c.replayShielded(ctx, signer, call, receipt)
	}
	if err := c.confirm(ctx, outcome, replay); err != nil {
		return outcome, &CallError{Op: op, Phase: PhaseConfirmation, Destination: dest, ContextID: ec.ID(), TxHash: outcome.TxHash, Err: err}
	}
	c.cfg.logger.Info("shielded transaction confirmed", "tx", outcome.TxHash.Hex(), "block", outcome.BlockNumber, "gas_used", outcome.GasUsed)
	return outcome, nil
}

// ShieldedQuery encrypts call under a fresh context, issues it as a
// read-only call and decrypts the response with the same context. signer
// may be nil, in which case the call is made from the zero address.
func (c *Client) ShieldedQuery(ctx context.Context, signer Signer, call *Call) (result *QueryResult, err error) {
	const op = "query"
	defer func() { c.cfg.metrics.observeCall(op, err) }()
	return c.query(ctx, op, signer, call, nil)
}

func (c *Client) query(ctx context.Context, op string, signer Signer, call *Call, block *big.Int) (*QueryResult, error) {
	dest := call.To()
	if err := call.validate(); err != nil {
		return nil, &CallError{Op: op, Phase: PhaseEncoding, Destination: dest, Err: err}
	}

	ec, err := c.negotiate(ctx, call)
	if err != nil {
		return nil, &CallError{Op: op, Phase: PhaseNegotiation, Destination: dest, Err: err}
	}
	ciphertext, err := c.codec.Encrypt(ec, call.Data())
	if err != nil {
		return nil, &CallError{Op: op, Phase: PhaseEncryption, Destination: dest, ContextID: ec.ID(), Err: err}
	}

	msg := ethereum.CallMsg{To: &dest, Value: call.Value(), Data: ciphertext}
	if signer != nil {
		msg.From = signer.Address()
	}
	raw, err := c.backend.CallContract(ctx, msg, block)
	if err != nil {
		return nil, &CallError{Op: op, Phase: PhaseSubmission, Destination: dest, ContextID: ec.ID(), Err: answeredAsRevert(err)}
	}

	plaintext, err := c.codec.Decrypt(ec, raw)
	if err != nil {
		return nil, &CallError{Op: op, Phase: PhaseDecryption, Destination: dest, ContextID: ec.ID(), Err: err}
	}

	result := &QueryResult{Method: call.MethodName(), Raw: plaintext, ContextID: ec.ID()}
	if call.Method().Name != "" {
		values, err := decodeOutputs(call.Method(), plaintext)
		if err != nil {
			return nil, &CallError{Op: op, Phase: PhaseDecoding, Destination: dest, ContextID: ec.ID(), Err: err}
		}
		result.Values = values
	}
	c.cfg.logger.Debug("shielded query answered", "method", call.MethodName(), "to", dest.Hex(), "context", ec.ID())
	return result, nil
}

// Deploy sends an unencrypted creation transaction for contract and waits
// for confirmation. The outcome carries the created address.
func (c *Client) Deploy(ctx context.Context, signer Signer, contract *Contract, args ...any) (outcome *TransactionOutcome, err error) {
	const op = "deploy"
	defer func() { c.cfg.metrics.observeCall(op, err) }()

	data, err := contract.DeployData(args...)
	if err != nil {
		return nil, &CallError{Op: op, Phase: PhaseEncoding, Err: err}
	}

	outcome, phase, err := c.submit(ctx, signer, nil, nil, data)
	if err != nil {
		return nil, &CallError{Op: op, Phase: phase, Err: err}
	}
	if outcome.ContractAddress == (common.Address{}) {
		outcome.ContractAddress = crypto.CreateAddress(signer.Address(), outcome.Nonce)
	}
	c.cfg.logger.Info("deployment submitted", "contract", contract.Name(), "tx", outcome.TxHash.Hex(), "nonce", outcome.Nonce)

	replay := func(receipt *types.Receipt) string {
		return c.replayPlain(ctx, signer.Address(), nil, nil, data, receipt)
	}
	if err := c.confirm(ctx, outcome, replay); err != nil {
		return outcome, &CallError{Op: op, Phase: PhaseConfirmation, Destination: outcome.ContractAddress, TxHash: outcome.TxHash, Err: err}
	}
	c.cfg.logger.Info("contract deployed", "contract", contract.Name(), "address", outcome.ContractAddress.Hex(), "block", outcome.BlockNumber)
	return outcome, nil
}

// Transfer sends amount of the native token from signer to to. Plain value
// transfers carry no call data and are not encrypted.
func (c *Client) Transfer(ctx context.Context, signer Signer, to common.Address, amount *big.Int) (outcome *TransactionOutcome, err error) {
	const op = "transfer"
	defer func() { c.cfg.metrics.observeCall(op, err) }()

	if to == (common.Address{}) {
		return nil, &CallError{Op: op, Phase: PhaseEncoding, Err: ErrUnboundCall}
	}
	if amount == nil || amount.Sign() < 0 {
		return nil, &CallError{Op: op, Phase: PhaseEncoding, Destination: to, Err: fmt.Errorf("%w: invalid amount %v", ErrEncodingMismatch, amount)}
	}

	outcome, phase, err := c.submit(ctx, signer, &to, amount, nil)
	if err != nil {
		return nil, &CallError{Op: op, Phase: phase, Destination: to, Err: err}
	}
	c.cfg.logger.Info("transfer submitted", "to", to.Hex(), "amount", amount, "tx", outcome.TxHash.Hex(), "nonce", outcome.Nonce)

	replay := func(receipt *types.Receipt) string {
		return c.replayPlain(ctx, signer.Address(), &to, amount, nil, receipt)
	}
	if err := c.confirm(ctx, outcome, replay); err != nil {
		return outcome, &CallError{Op: op, Phase: PhaseConfirmation, Destination: to, TxHash: outcome.TxHash, Err: err}
	}
	return outcome, nil
}

// Balance returns the latest native balance of account.
func (c *Client) Balance(ctx context.Context, account common.Address) (*big.Int, error) {
	balance, err := c.backend.BalanceAt(ctx, account, nil)
	if err != nil {
		return nil, fmt.Errorf("balance of %s: %w", account.Hex(), classifyRPCError(err, nil))
	}
	return balance, nil
}

func (c *Client) negotiate(ctx context.Context, call *Call) (*EncryptionContext, error) {
	start := time.Now()
	ec, err := c.negotiator.Negotiate(ctx, NegotiationRequest{Destination: call.To(), Plaintext: call.Data()})
	c.cfg.metrics.observeNegotiation(time.Since(start))
	return ec, err
}

// submit resolves nonce, gas price and gas limit, signs and sends one
// transaction. It holds the signer's lock throughout so concurrent sends get
// strictly increasing nonces. Failures before the transaction is handed to
// the node are reported in PhasePreparation.
func (c *Client) submit(ctx context.Context, signer Signer, to *common.Address, value *big.Int, data []byte) (*TransactionOutcome, Phase, error) {
	from := signer.Address()
	unlock := c.nonces.lock(from)
	defer unlock()

	pending, err := c.backend.PendingNonceAt(ctx, from)
	if err != nil {
		return nil, PhasePreparation, fmt.Errorf("pending nonce: %w", classifyRPCError(err, nil))
	}
	nonce := c.nonces.resolve(from, pending)

	gasPrice, err := c.backend.SuggestGasPrice(ctx)
	if err != nil {
		return nil, PhasePreparation, fmt.Errorf("gas price: %w", classifyRPCError(err, nil))
	}

	if value == nil {
		value = new(big.Int)
	}
	gas := c.cfg.gasLimit
	if gas == 0 {
		gas, err = c.backend.EstimateGas(ctx, ethereum.CallMsg{
			From:     from,
			To:       to,
			GasPrice: gasPrice,
			Value:    value,
			Data:     data,
		})
		if err != nil {
			return nil, PhasePreparation, answeredAsRevert(err)
		}
	}

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		GasPrice: gasPrice,
		Gas:      gas,
		To:       to,
		Value:    value,
		Data:     data,
	})
	signed, err := signer.SignTx(tx)
	if err != nil {
		return nil, PhasePreparation, fmt.Errorf("sign transaction: %w", err)
	}

	if err := c.backend.SendTransaction(ctx, signed); err != nil {
		if isAnswered(err) && strings.Contains(strings.ToLower(err.Error()), "nonce") {
			c.nonces.reset(from)
		}
		return nil, PhaseSubmission, answeredAsRevert(err)
	}
	c.nonces.commit(from, nonce)

	return &TransactionOutcome{
		TxHash: signed.Hash(),
		Status: StatusPending,
		Nonce:  nonce,
	}, PhaseSubmission, nil
}

// replayShielded re-runs a reverted call as a shielded query at the state
// its transaction executed against, returning the revert reason.
func (c *Client) replayShielded(ctx context.Context, signer Signer, call *Call, receipt *types.Receipt) string {
	_, err := c.query(ctx, "replay", signer, call, parentBlock(receipt))
	return reasonOf(err)
}

// replayPlain re-runs a reverted plain transaction as a call.
func (c *Client) replayPlain(ctx context.Context, from common.Address, to *common.Address, value *big.Int, data []byte, receipt *types.Receipt) string {
	msg := ethereum.CallMsg{From: from, To: to, Value: value, Data: data}
	_, err := c.backend.CallContract(ctx, msg, parentBlock(receipt))
	if err == nil {
		return ""
	}
	return reasonOf(answeredAsRevert(err))
}

func parentBlock(receipt *types.Receipt) *big.Int {
	if receipt.BlockNumber == nil || receipt.BlockNumber.Sign() == 0 {
		return nil
	}
	return new(big.Int).Sub(receipt.BlockNumber, common.Big1)
}

func reasonOf(err error) string {
	var re *RevertError
	if errors.As(err, &re) {
		return re.Reason
	}
	return ""
}

// answeredAsRevert maps a node's refusal to execute to a *RevertError with
// no fees spent. Transport failures become ErrNetworkUnavailable.
func answeredAsRevert(err error) error {
	classified := classifyRPCError(err, nil)
	if errors.Is(classified, ErrNetworkUnavailable) {
		return classified
	}
	return &RevertError{Reason: rpcRevertReason(err)}
}

// rpcRevertReason extracts the revert reason from a JSON-RPC error, decoding
// Error(string) revert data when the node attaches it.
func rpcRevertReason(err error) string {
	var dataErr rpc.DataError
	if errors.As(err, &dataErr) {
		if s, ok := dataErr.ErrorData().(string); ok {
			if data, derr := hexutil.Decode(s); derr == nil && len(data) > 0 {
				if reason, uerr := abi.UnpackRevert(data); uerr == nil {
					return reason
				}
			}
		}
	}
	return parseRevertMessage(err.Error())
}

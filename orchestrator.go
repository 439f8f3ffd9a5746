package shielded

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/cenkalti/backoff/v4"
	"github.com/ethereum/go-ethereum/common"
)

// TaskKind names an orchestrator task.
type TaskKind string

// Supported task kinds.
const (
	TaskDeploy   TaskKind = "deploy"
	TaskSend     TaskKind = "send"
	TaskQuery    TaskKind = "query"
	TaskTransfer TaskKind = "transfer"
	TaskShow     TaskKind = "show"
	TaskCleanup  TaskKind = "cleanup"
)

// Task is one unit of work for the orchestrator. Method and Args apply to
// send and query, Args alone to deploy, To and Value to transfer.
type Task struct {
	Kind   TaskKind
	Method string
	Args   []any
	Value  *big.Int
	To     common.Address
}

// TaskResult is the typed result of a task. Exactly the field matching the
// task kind is set; cleanup sets none.
type TaskResult struct {
	Kind    TaskKind
	Outcome *TransactionOutcome
	Query   *QueryResult
	Handle  *ContractHandle
}

// Orchestrator runs tasks one at a time against the session's registry,
// retrying only what is safe to retry.
type Orchestrator struct {
	client   *Client
	registry *Registry
	contract *Contract
	cfg      *orchestratorConfig
}

// NewOrchestrator creates an orchestrator deploying and driving contract.
func NewOrchestrator(client *Client, registry *Registry, contract *Contract, opts ...OrchestratorOption) *Orchestrator {
	cfg := defaultOrchestratorConfig()
	for _, opt := range opts {
		opt(cfg)
	}
	return &Orchestrator{
		client:   client,
		registry: registry,
		contract: contract,
		cfg:      cfg,
	}
}

// Run dispatches task to the matching operation.
func (o *Orchestrator) Run(ctx context.Context, signer Signer, task Task) (*TaskResult, error) {
	result := &TaskResult{Kind: task.Kind}
	var err error

	switch task.Kind {
	case TaskDeploy:
		result.Outcome, err = o.Deploy(ctx, signer, task.Args...)
	case TaskSend:
		result.Outcome, err = o.Send(ctx, signer, task.Method, task.Value, task.Args...)
	case TaskQuery:
		result.Query, err = o.Query(ctx, signer, task.Method, task.Args...)
	case TaskTransfer:
		result.Outcome, err = o.Transfer(ctx, signer, task.To, task.Value)
	case TaskShow:
		result.Handle, err = o.Show()
	case TaskCleanup:
		err = o.Cleanup()
	default:
		return nil, fmt.Errorf("shielded: unknown task kind %q", task.Kind)
	}
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Deploy deploys the contract and makes it the session's active handle once
// the creation transaction is confirmed.
func (o *Orchestrator) Deploy(ctx context.Context, signer Signer, args ...any) (*TransactionOutcome, error) {
	var outcome *TransactionOutcome
	err := o.retry(ctx, "deploy", true, func() error {
		var err error
		outcome, err = o.client.Deploy(ctx, signer, o.contract, args...)
		return err
	})
	if err != nil {
		return outcome, err
	}

	handle := &ContractHandle{
		Address:  outcome.ContractAddress,
		Contract: o.contract,
		DeployTx: outcome.TxHash,
	}
	if outcome.BlockNumber != nil {
		handle.DeployBlock = outcome.BlockNumber.Uint64()
	}
	if err := o.registry.Store(handle); err != nil {
		return outcome, err
	}
	o.cfg.logger.Info("active contract stored", "session", o.registry.Session(), "handle", handle.String())
	return outcome, nil
}

// Send invokes method on the active contract as a shielded transaction.
func (o *Orchestrator) Send(ctx context.Context, signer Signer, method string, value *big.Int, args ...any) (*TransactionOutcome, error) {
	call, err := o.bind(method, args)
	if err != nil {
		return nil, err
	}
	if value != nil {
		call = call.WithValue(value)
	}

	var outcome *TransactionOutcome
	err = o.retry(ctx, "send", true, func() error {
		var err error
		outcome, err = o.client.ShieldedSend(ctx, signer, call)
		return err
	})
	return outcome, err
}

// Query invokes method on the active contract as a shielded read.
func (o *Orchestrator) Query(ctx context.Context, signer Signer, method string, args ...any) (*QueryResult, error) {
	call, err := o.bind(method, args)
	if err != nil {
		return nil, err
	}

	var result *QueryResult
	err = o.retry(ctx, "query", false, func() error {
		var err error
		result, err = o.client.ShieldedQuery(ctx, signer, call)
		return err
	})
	return result, err
}

// Transfer sends native value. It does not touch the registry.
func (o *Orchestrator) Transfer(ctx context.Context, signer Signer, to common.Address, amount *big.Int) (*TransactionOutcome, error) {
	var outcome *TransactionOutcome
	err := o.retry(ctx, "transfer", true, func() error {
		var err error
		outcome, err = o.client.Transfer(ctx, signer, to, amount)
		return err
	})
	return outcome, err
}

// Show returns the active contract handle.
func (o *Orchestrator) Show() (*ContractHandle, error) {
	return o.registry.Load()
}

// Cleanup clears the active contract handle.
func (o *Orchestrator) Cleanup() error {
	if err := o.registry.Clear(); err != nil {
		return err
	}
	o.cfg.logger.Info("active contract cleared", "session", o.registry.Session())
	return nil
}

func (o *Orchestrator) bind(method string, args []any) (*Call, error) {
	handle, err := o.registry.Load()
	if err != nil {
		return nil, err
	}
	if handle.Contract == nil {
		handle = &ContractHandle{Address: handle.Address, Contract: o.contract}
	}
	return handle.Invoke(method, args...)
}

// retry runs fn under the retry policy. Network failures are retried with
// exponential backoff and protocol failures once with a fresh negotiation.
// When sideEffects is set, only failures before submission are retried.
func (o *Orchestrator) retry(ctx context.Context, op string, sideEffects bool, fn func() error) error {
	protocolLeft := o.cfg.protocolRetries

	operation := func() error {
		err := fn()
		if err == nil {
			return nil
		}
		if sideEffects && !beforeSubmission(err) {
			return backoff.Permanent(err)
		}

		switch {
		case IsRetryable(err) && o.cfg.maxElapsed > 0:
			o.cfg.logger.Warn("retrying after network failure", "op", op, "phase", PhaseOf(err), "error", err)
			o.client.cfg.metrics.observeRetry("network")
			return err
		case isProtocolError(err) && protocolLeft > 0:
			protocolLeft--
			o.cfg.logger.Warn("retrying with fresh negotiation", "op", op, "phase", PhaseOf(err), "error", err)
			o.client.cfg.metrics.observeRetry("protocol")
			return err
		default:
			return backoff.Permanent(err)
		}
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = o.cfg.initialInterval
	b.MaxElapsedTime = o.cfg.maxElapsed
	if o.cfg.maxElapsed <= 0 {
		b.MaxElapsedTime = o.cfg.initialInterval * 4
	}
	return backoff.Retry(operation, backoff.WithContext(b, ctx))
}

// beforeSubmission reports whether err happened before anything was sent
// to the network as a transaction.
func beforeSubmission(err error) bool {
	switch PhaseOf(err) {
	case PhaseEncoding, PhaseNegotiation, PhaseEncryption, PhasePreparation:
		return true
	default:
		return false
	}
}

func isProtocolError(err error) bool {
	return errors.Is(err, ErrKeyExchangeRejected) || errors.Is(err, ErrDecryptionFailed)
}

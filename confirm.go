package shielded

import (
	"context"
	"errors"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// waitConfirmed polls for the receipt of hash until it appears, the
// confirmation timeout elapses or ctx is cancelled. It never touches the
// transaction itself: an abandoned wait leaves it in the mempool.
func (c *Client) waitConfirmed(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	start := time.Now()
	waitCtx, cancel := context.WithTimeout(ctx, c.cfg.confirmTimeout)
	defer cancel()

	ticker := time.NewTicker(c.cfg.pollInterval)
	defer ticker.Stop()

	for {
		receipt, err := c.backend.TransactionReceipt(waitCtx, hash)
		switch {
		case err == nil && receipt != nil:
			c.cfg.metrics.observeConfirmation(time.Since(start))
			return receipt, nil
		case err != nil && !errors.Is(err, ethereum.NotFound) && waitCtx.Err() == nil:
			c.cfg.logger.Debug("receipt poll failed", "tx", hash.Hex(), "error", err)
		}

		select {
		case <-waitCtx.Done():
			waited := time.Since(start)
			c.cfg.metrics.observeConfirmation(waited)
			uerr := &UnconfirmedError{TxHash: hash, Waited: waited}
			if ctx.Err() != nil {
				uerr.Cause = ctx.Err()
			}
			c.cfg.logger.Warn("transaction unconfirmed", "tx", hash.Hex(), "waited", waited)
			return nil, uerr
		case <-ticker.C:
		}
	}
}

// confirm waits for outcome's transaction and applies its receipt. A
// reverted receipt yields a *RevertError whose reason comes from replay.
func (c *Client) confirm(ctx context.Context, outcome *TransactionOutcome, replay func(*types.Receipt) string) error {
	receipt, err := c.waitConfirmed(ctx, outcome.TxHash)
	if err != nil {
		outcome.Status = StatusUnconfirmed
		return err
	}
	outcome.applyReceipt(receipt)
	if outcome.Status == StatusConfirmed {
		return nil
	}

	var reason string
	if replay != nil {
		reason = replay(receipt)
	}
	return &RevertError{
		Reason:    reason,
		TxHash:    outcome.TxHash,
		GasUsed:   receipt.GasUsed,
		FeesSpent: true,
	}
}

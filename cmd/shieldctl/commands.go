package main

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/branched-services/go-shielded"
	"github.com/ethereum/go-ethereum/common"
	"github.com/urfave/cli/v2"
)

var deployCommand = &cli.Command{
	Name:      "deploy",
	Usage:     "deploy the artifact and make it the session's active contract",
	ArgsUsage: "[constructor args...]",
	Action: func(c *cli.Context) error {
		s, err := openSession(c, true)
		if err != nil {
			return err
		}
		defer s.Close()
		if err := s.requireSigner(); err != nil {
			return err
		}

		args, err := shielded.ParseArgs(s.contract.ABI().Constructor.Inputs, c.Args().Slice())
		if err != nil {
			return err
		}
		res, err := s.orch.Run(c.Context, s.signer, shielded.Task{Kind: shielded.TaskDeploy, Args: args})
		if err != nil {
			return err
		}
		printOutcome(res.Outcome)
		fmt.Printf("contract:  %s\n", res.Outcome.ContractAddress.Hex())
		return nil
	},
}

var sendCommand = &cli.Command{
	Name:      "send",
	Usage:     "send an encrypted transaction to the active contract",
	ArgsUsage: "<method> [args...]",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "value", Usage: "native value in wei"},
	},
	Action: func(c *cli.Context) error {
		s, err := openSession(c, true)
		if err != nil {
			return err
		}
		defer s.Close()
		if err := s.requireSigner(); err != nil {
			return err
		}

		task, err := methodTask(c, s.contract, shielded.TaskSend)
		if err != nil {
			return err
		}
		if v := c.String("value"); v != "" {
			amount, ok := new(big.Int).SetString(v, 10)
			if !ok {
				return fmt.Errorf("invalid value %q", v)
			}
			task.Value = amount
		}
		res, err := s.orch.Run(c.Context, s.signer, task)
		if err != nil {
			return err
		}
		printOutcome(res.Outcome)
		return nil
	},
}

var callCommand = &cli.Command{
	Name:      "call",
	Usage:     "run an encrypted read-only call against the active contract",
	ArgsUsage: "<method> [args...]",
	Action: func(c *cli.Context) error {
		s, err := openSession(c, true)
		if err != nil {
			return err
		}
		defer s.Close()

		task, err := methodTask(c, s.contract, shielded.TaskQuery)
		if err != nil {
			return err
		}
		res, err := s.orch.Run(c.Context, s.signer, task)
		if err != nil {
			return err
		}
		fmt.Println(res.Query.String())
		return nil
	},
}

var transferCommand = &cli.Command{
	Name:      "transfer",
	Usage:     "send native value to an address",
	ArgsUsage: "<to> <amount-wei>",
	Action: func(c *cli.Context) error {
		if c.NArg() != 2 {
			return errors.New("usage: transfer <to> <amount-wei>")
		}
		if !common.IsHexAddress(c.Args().Get(0)) {
			return fmt.Errorf("invalid address %q", c.Args().Get(0))
		}
		amount, ok := new(big.Int).SetString(c.Args().Get(1), 10)
		if !ok {
			return fmt.Errorf("invalid amount %q", c.Args().Get(1))
		}

		s, err := openSession(c, false)
		if err != nil {
			return err
		}
		defer s.Close()
		if err := s.requireSigner(); err != nil {
			return err
		}

		res, err := s.orch.Run(c.Context, s.signer, shielded.Task{
			Kind:  shielded.TaskTransfer,
			To:    common.HexToAddress(c.Args().Get(0)),
			Value: amount,
		})
		if err != nil {
			return err
		}
		printOutcome(res.Outcome)
		return nil
	},
}

var balanceCommand = &cli.Command{
	Name:      "balance",
	Usage:     "print the native balance of an address (default: the signer)",
	ArgsUsage: "[address]",
	Action: func(c *cli.Context) error {
		s, err := openSession(c, false)
		if err != nil {
			return err
		}
		defer s.Close()

		var account common.Address
		switch {
		case c.NArg() > 0 && common.IsHexAddress(c.Args().First()):
			account = common.HexToAddress(c.Args().First())
		case c.NArg() > 0:
			return fmt.Errorf("invalid address %q", c.Args().First())
		case s.signer != nil:
			account = s.signer.Address()
		default:
			return errors.New("no address given and no signer configured")
		}

		balance, err := s.client.Balance(c.Context, account)
		if err != nil {
			return err
		}
		fmt.Printf("%s %s wei\n", account.Hex(), balance)
		return nil
	},
}

var showCommand = &cli.Command{
	Name:  "show",
	Usage: "print the session's active contract",
	Action: func(c *cli.Context) error {
		contract, err := loadContract(c)
		if err != nil {
			return err
		}
		registry, closer, err := openRegistry(c, contract)
		if err != nil {
			return err
		}
		defer closer()

		handle, err := registry.Load()
		if err != nil {
			return err
		}
		fmt.Println(handle.String())
		return nil
	},
}

var clearCommand = &cli.Command{
	Name:  "clear",
	Usage: "forget the session's active contract",
	Action: func(c *cli.Context) error {
		registry, closer, err := openRegistry(c, nil)
		if err != nil {
			return err
		}
		defer closer()
		if err := registry.Clear(); err != nil {
			return err
		}
		fmt.Printf("session %s cleared\n", registry.Session())
		return nil
	},
}

// methodTask builds a send or query task from "<method> [args...]".
func methodTask(c *cli.Context, contract *shielded.Contract, kind shielded.TaskKind) (shielded.Task, error) {
	if c.NArg() < 1 {
		return shielded.Task{}, errors.New("method name required")
	}
	method, err := contract.FunctionSignature(c.Args().First())
	if err != nil {
		return shielded.Task{}, err
	}
	args, err := shielded.ParseArgs(method.Inputs, c.Args().Tail())
	if err != nil {
		return shielded.Task{}, err
	}
	return shielded.Task{Kind: kind, Method: method.Name, Args: args}, nil
}

func printOutcome(o *shielded.TransactionOutcome) {
	fmt.Printf("tx:        %s\n", o.TxHash.Hex())
	fmt.Printf("status:    %s\n", o.Status)
	if o.BlockNumber != nil {
		fmt.Printf("block:     %s\n", o.BlockNumber)
	}
	fmt.Printf("gas used:  %d\n", o.GasUsed)
	if o.ContextID != "" {
		fmt.Printf("context:   %s\n", o.ContextID)
	}
}

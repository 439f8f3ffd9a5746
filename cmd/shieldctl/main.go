// Command shieldctl deploys and drives a contract on a confidential EVM
// network from the command line.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/urfave/cli/v2"
)

func main() {
	_ = godotenv.Load()

	app := &cli.App{
		Name:  "shieldctl",
		Usage: "deploy and call contracts with encrypted call data",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "rpc",
				Usage:   "JSON-RPC endpoint",
				Value:   "http://localhost:8545",
				EnvVars: []string{"SAPPHIRE_RPC_URL"},
			},
			&cli.Uint64Flag{
				Name:    "chain-id",
				Usage:   "expected chain id (0x5afd localnet, 0x5aff testnet, 0x5afe mainnet)",
				Value:   0x5afd,
				EnvVars: []string{"SAPPHIRE_CHAIN_ID"},
			},
			&cli.StringFlag{
				Name:    "private-key",
				Usage:   "hex private key of the signing account",
				EnvVars: []string{"PRIVATE_KEY"},
			},
			&cli.StringFlag{
				Name:    "artifact",
				Usage:   "compiled contract artifact (Foundry or Hardhat JSON)",
				EnvVars: []string{"SHIELDCTL_ARTIFACT"},
			},
			&cli.StringFlag{
				Name:    "session",
				Usage:   "session id the active contract is stored under",
				Value:   "default",
				EnvVars: []string{"SHIELDCTL_SESSION"},
			},
			&cli.StringFlag{
				Name:  "store",
				Usage: "registry backend: file, badger or memory",
				Value: "file",
			},
			&cli.StringFlag{
				Name:  "state-dir",
				Usage: "directory for the registry backend",
				Value: ".shieldctl",
			},
			&cli.DurationFlag{
				Name:  "confirm-timeout",
				Usage: "how long to wait for a transaction receipt",
				Value: 2 * time.Minute,
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "debug, info, warn or error",
				Value: "info",
			},
			&cli.StringFlag{
				Name:  "metrics-addr",
				Usage: "serve Prometheus metrics on this address while running",
			},
		},
		Before: func(c *cli.Context) error {
			slog.SetDefault(newLogger(c.String("log-level")))
			return nil
		},
		Commands: []*cli.Command{
			deployCommand,
			sendCommand,
			callCommand,
			transferCommand,
			balanceCommand,
			showCommand,
			clearCommand,
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, describe(err))
		os.Exit(1)
	}
}

func newLogger(level string) *slog.Logger {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))
}

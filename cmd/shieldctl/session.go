package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"path/filepath"

	"github.com/branched-services/go-shielded"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli/v2"
)

// session bundles everything a command needs for one run.
type session struct {
	client   *shielded.Client
	signer   shielded.Signer
	contract *shielded.Contract
	registry *shielded.Registry
	orch     *shielded.Orchestrator
	closers  []func()
}

func (s *session) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
}

// openRegistry opens the configured registry backend.
func openRegistry(c *cli.Context, contract *shielded.Contract) (*shielded.Registry, func(), error) {
	opts := []shielded.RegistryOption{shielded.WithSession(c.String("session"))}
	if contract != nil {
		opts = append(opts, shielded.WithInterface(contract))
	}

	dir := c.String("state-dir")
	switch c.String("store") {
	case "memory":
		return shielded.NewRegistry(shielded.NewMemoryStore(), opts...), func() {}, nil
	case "file":
		store, err := shielded.NewFileStore(dir)
		if err != nil {
			return nil, nil, err
		}
		return shielded.NewRegistry(store, opts...), func() {}, nil
	case "badger":
		store, err := shielded.OpenBadgerStore(filepath.Join(dir, "badger"))
		if err != nil {
			return nil, nil, err
		}
		closer := func() {
			if err := store.Close(); err != nil {
				slog.Warn("close registry store", "error", err)
			}
		}
		return shielded.NewRegistry(store, opts...), closer, nil
	default:
		return nil, nil, fmt.Errorf("unknown store %q", c.String("store"))
	}
}

// loadContract loads the artifact if one is configured.
func loadContract(c *cli.Context) (*shielded.Contract, error) {
	path := c.String("artifact")
	if path == "" {
		return nil, nil
	}
	return shielded.LoadArtifact(path)
}

// openSession dials the network and wires client, signer, registry and
// orchestrator.
func openSession(c *cli.Context, needContract bool) (*session, error) {
	s := &session{}
	ok := false
	defer func() {
		if !ok {
			s.Close()
		}
	}()

	contract, err := loadContract(c)
	if err != nil {
		return nil, err
	}
	if needContract && contract == nil {
		return nil, errors.New("--artifact is required for this command")
	}
	s.contract = contract

	registry, closeRegistry, err := openRegistry(c, contract)
	if err != nil {
		return nil, err
	}
	s.registry = registry
	s.closers = append(s.closers, closeRegistry)

	opts := []shielded.ClientOption{
		shielded.WithConfirmTimeout(c.Duration("confirm-timeout")),
		shielded.WithLogger(slog.Default()),
	}
	if addr := c.String("metrics-addr"); addr != "" {
		reg := prometheus.NewRegistry()
		opts = append(opts, shielded.WithMetrics(shielded.NewMetrics(reg)))
		s.closers = append(s.closers, serveMetrics(addr, reg))
	}

	chainID := new(big.Int).SetUint64(c.Uint64("chain-id"))
	client, err := shielded.Dial(c.Context, shielded.NetworkEndpoint{URL: c.String("rpc"), ChainID: chainID}, opts...)
	if err != nil {
		return nil, err
	}
	s.client = client
	s.closers = append(s.closers, client.Close)

	if key := c.String("private-key"); key != "" {
		signer, err := shielded.NewKeySigner(key, chainID)
		if err != nil {
			return nil, err
		}
		s.signer = signer
	}

	s.orch = shielded.NewOrchestrator(client, registry, contract, shielded.WithOrchestratorLogger(slog.Default()))
	ok = true
	return s, nil
}

func (s *session) requireSigner() error {
	if s.signer == nil {
		return errors.New("--private-key (or PRIVATE_KEY) is required for this command")
	}
	return nil
}

func serveMetrics(addr string, reg *prometheus.Registry) func() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Warn("metrics server stopped", "error", err)
		}
	}()
	slog.Info("serving metrics", "addr", addr)
	return func() { _ = srv.Shutdown(context.Background()) }
}

func describe(err error) string {
	return shielded.Describe(err)
}

// Package main plays the CabalCoin claim story against a node. With no RPC
// endpoint configured it starts an in-process devnet node first.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"cabalcoin-lab/internal/claim"
	"cabalcoin-lab/internal/config"
	"cabalcoin-lab/internal/node"
	"cabalcoin-lab/internal/rpc"
	"cabalcoin-lab/internal/scenario"
	"cabalcoin-lab/internal/txn"
)

func main() {
	// Load .env file if exists
	if err := config.LoadEnvFile(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	configPath := flag.String("config", "", "YAML scenario config (defaults apply if empty)")
	fast := flag.Bool("fast", false, "In-process only: advance ledger time instead of waiting and skip pacing")
	logJSON := flag.Bool("log-json", config.GetenvBool(config.EnvLogJSON, false), "Emit JSON logs")

	flag.Parse()

	logger, err := newLogger(*logJSON)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer logger.Sync()

	cfg, err := config.LoadScenarioConfig(*configPath)
	if err != nil {
		logger.Fatal("invalid scenario config", zap.Error(err))
	}
	if *fast {
		cfg.Pace = 0
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg, *fast, logger); err != nil {
		logger.Error("scenario failed", zap.Error(err))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.ScenarioConfig, fast bool, logger *zap.Logger) error {
	rpcEndpoint, wsEndpoint := cfg.RPCEndpoint, cfg.WSEndpoint
	var (
		clock   claim.Clock      = claim.SystemClock{}
		sleeper scenario.Sleeper = scenario.WallSleeper{}
		chainID uint8
	)

	if cfg.InProcess() {
		if fast {
			manual := claim.NewManualClock(time.Now())
			clock, sleeper = manual, scenario.ClockSleeper{Clock: manual}
		}
		endpoint, stop, err := startNode(ctx, clock, logger.Named("devnet"))
		if err != nil {
			return err
		}
		defer stop()
		rpcEndpoint, wsEndpoint = endpoint, config.WSEndpointFor(endpoint)
		chainID = node.DefaultChainID
	} else if fast {
		logger.Warn("-fast only applies to an in-process node; waiting on the wall clock")
	}

	client := rpc.NewHTTPClient(rpcEndpoint)
	if chainID == 0 {
		info, err := client.GetLedgerInfo(ctx)
		if err != nil {
			return fmt.Errorf("get ledger info: %w", err)
		}
		chainID = info.ChainID
	}

	waiterOpts := []rpc.WaiterOption{rpc.WithWaiterLogger(logger.Named("waiter"))}
	ws, err := rpc.NewWSClient(ctx, wsEndpoint, nil, logger.Named("ws"))
	if err != nil {
		logger.Warn("websocket unavailable, polling for transactions", zap.String("endpoint", wsEndpoint), zap.Error(err))
	} else {
		defer ws.Close()
		waiterOpts = append(waiterOpts, rpc.WithSubscriber(ws))
	}

	submitter := rpc.NewSubmitter(client, rpc.NewWaiter(client, waiterOpts...), txn.Builder{ChainID: chainID, Now: clock.Now})

	runner, err := scenario.New(scenario.Options{
		Client:    client,
		Submitter: submitter,
		Config:    cfg,
		Sleeper:   sleeper,
		Narrator:  logger.Sugar(),
	})
	if err != nil {
		return err
	}

	logger.Info("starting scenario",
		zap.String("network", string(cfg.Network)),
		zap.String("rpc", rpcEndpoint),
		zap.Uint8("chain_id", chainID))

	result, err := runner.Run(ctx)
	if err != nil {
		return err
	}
	return result.Verify()
}

// startNode serves an in-memory node on a loopback port and returns its RPC endpoint.
func startNode(ctx context.Context, clock claim.Clock, logger *zap.Logger) (string, func(), error) {
	n, err := node.New(ctx, node.WithMemoryStores(node.Options{Clock: clock, Logger: logger}))
	if err != nil {
		return "", nil, fmt.Errorf("create node: %w", err)
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return "", nil, fmt.Errorf("listen: %w", err)
	}

	nodeCtx, cancel := context.WithCancel(ctx)
	srv := &http.Server{
		Handler:           node.NewServer(n, logger.Named("rpc")).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server", zap.Error(err))
		}
	}()
	go n.Run(nodeCtx)

	stop := func() {
		cancel()
		shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
		defer done()
		srv.Shutdown(shutdownCtx)
	}
	return "http://" + ln.Addr().String(), stop, nil
}

// newLogger returns a narration-friendly console logger, or a production
// JSON logger.
func newLogger(json bool) (*zap.Logger, error) {
	if json {
		return zap.NewProduction()
	}
	cfg := zap.NewDevelopmentConfig()
	cfg.EncoderConfig.TimeKey = ""
	cfg.EncoderConfig.CallerKey = ""
	cfg.DisableStacktrace = true
	return cfg.Build()
}

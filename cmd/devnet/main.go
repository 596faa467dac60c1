// Package main runs a single-process CabalCoin devnet node:
// - JSON-RPC over HTTP and transaction subscriptions over WebSocket
// - serial transaction executor and event indexer
// - /health and Prometheus /metrics
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"cabalcoin-lab/internal/config"
	"cabalcoin-lab/internal/events"
	"cabalcoin-lab/internal/events/kafka"
	"cabalcoin-lab/internal/node"
	chstore "cabalcoin-lab/internal/storage/clickhouse"
	"cabalcoin-lab/internal/storage/migrations"
	pgstore "cabalcoin-lab/internal/storage/postgres"
)

func main() {
	// Load .env file if exists
	if err := config.LoadEnvFile(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	env := config.NodeConfigFromEnv()

	// Parse flags (env vars as defaults)
	listenAddr := flag.String("listen", env.ListenAddr, "HTTP listen address for RPC, WebSocket and metrics")
	postgresDSN := flag.String("postgres-dsn", env.PostgresDSN, "PostgreSQL connection string")
	clickhouseDSN := flag.String("clickhouse-dsn", env.ClickhouseDSN, "ClickHouse connection string")
	useMemory := flag.Bool("use-memory", false, "Use in-memory storage instead of PostgreSQL and ClickHouse")
	kafkaBrokers := flag.String("kafka-brokers", strings.Join(env.KafkaBrokers, ","), "Comma-separated Kafka brokers for ledger events (empty disables)")
	kafkaTopic := flag.String("kafka-topic", env.KafkaTopic, "Kafka topic for ledger events")
	chainID := flag.Uint("chain-id", uint(env.ChainID), "Chain id transactions must carry (0 uses the default)")
	logJSON := flag.Bool("log-json", env.LogJSON, "Emit JSON logs")

	flag.Parse()

	cfg := config.NodeConfig{
		ListenAddr:    *listenAddr,
		PostgresDSN:   *postgresDSN,
		ClickhouseDSN: *clickhouseDSN,
		UseMemory:     *useMemory,
		KafkaTopic:    *kafkaTopic,
		ChainID:       uint8(*chainID),
		LogJSON:       *logJSON,
	}
	for _, b := range strings.Split(*kafkaBrokers, ",") {
		if b = strings.TrimSpace(b); b != "" {
			cfg.KafkaBrokers = append(cfg.KafkaBrokers, b)
		}
	}

	logger, err := newLogger(cfg.LogJSON)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := cfg.Validate(); err != nil {
		logger.Fatal("invalid configuration", zap.Error(err))
	}
	if *chainID > 255 {
		logger.Fatal("chain id must fit in a byte", zap.Uint("chain_id", *chainID))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	opts, cleanup, err := createStores(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("failed to create stores", zap.Error(err))
	}
	defer cleanup()

	opts.Publisher = events.Nop{}
	if len(cfg.KafkaBrokers) > 0 {
		opts.Publisher = kafka.NewPublisher(cfg.KafkaBrokers, cfg.KafkaTopic)
		logger.Info("publishing ledger events to kafka", zap.Strings("brokers", cfg.KafkaBrokers))
	}
	defer opts.Publisher.Close()

	opts.ChainID = cfg.ChainID
	opts.Logger = logger.Named("node")

	n, err := node.New(ctx, opts)
	if err != nil {
		logger.Fatal("failed to create node", zap.Error(err))
	}

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           node.NewServer(n, logger.Named("rpc")).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Channel to signal completion
	done := make(chan struct{})

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		logger.Info("received signal, initiating graceful shutdown", zap.String("signal", sig.String()))
		cancel()

		// Wait for second signal for immediate shutdown
		select {
		case sig := <-sigCh:
			logger.Warn("received second signal, forcing immediate shutdown", zap.String("signal", sig.String()))
			os.Exit(1)
		case <-time.After(30 * time.Second):
			logger.Error("graceful shutdown timed out after 30s, forcing exit")
			os.Exit(1)
		case <-done:
		}
	}()

	errCh := make(chan error, 2)
	go func() {
		logger.Info("listening", zap.String("addr", cfg.ListenAddr), zap.Uint8("chain_id", n.ChainID()))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()
	go func() {
		if err := n.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			errCh <- fmt.Errorf("executor: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
	case err = <-errCh:
		logger.Error("node stopped", zap.Error(err))
		cancel()
	}

	shutdownCtx, stop := context.WithTimeout(context.Background(), 10*time.Second)
	defer stop()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", zap.Error(err))
	}
	close(done)

	logger.Info("shutdown complete", zap.Uint64("version", n.Version()))
	if err != nil {
		os.Exit(1)
	}
}

func newLogger(json bool) (*zap.Logger, error) {
	if json {
		return zap.NewProduction()
	}
	return zap.NewDevelopment()
}

// createStores returns node options with every store set, plus a cleanup func.
func createStores(ctx context.Context, cfg config.NodeConfig, logger *zap.Logger) (node.Options, func(), error) {
	if cfg.UseMemory {
		logger.Info("using in-memory storage")
		return node.WithMemoryStores(node.Options{}), func() {}, nil
	}

	// PostgreSQL: ledger state, transactions, indexer progress
	pool, err := pgstore.NewPool(ctx, cfg.PostgresDSN)
	if err != nil {
		return node.Options{}, nil, fmt.Errorf("connect to postgres: %w", err)
	}
	applied, err := migrations.RunPostgresMigrations(ctx, pool)
	if err != nil {
		pool.Close()
		return node.Options{}, nil, fmt.Errorf("postgres migrations: %w", err)
	}
	logger.Info("postgres migrations applied", zap.Strings("files", applied))

	// ClickHouse: balance index and claim events
	chConn, err := migrations.RunClickhouseMigrations(ctx, cfg.ClickhouseDSN)
	if err != nil {
		pool.Close()
		return node.Options{}, nil, fmt.Errorf("clickhouse migrations: %w", err)
	}

	opts := node.Options{
		LedgerStore:  pgstore.NewLedgerStore(pool),
		Transactions: pgstore.NewTransactionStore(pool),
		Progress:     pgstore.NewIndexerProgressStore(pool),
		Balances:     chstore.NewBalanceIndexStore(chConn),
		ClaimEvents:  chstore.NewClaimEventStore(chConn),
	}

	cleanup := func() {
		chConn.Close()
		pool.Close()
	}
	return opts, cleanup, nil
}

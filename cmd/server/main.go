package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"tokengate/internal/captcha"
	"tokengate/internal/config"
	"tokengate/internal/idempotency"
	"tokengate/internal/ledger"
	"tokengate/internal/server"
	"tokengate/internal/settlement"
)

func main() {
	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("logger error: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("config error", zap.Error(err))
	}

	amounts, err := cfg.Sale.Amounts()
	if err != nil {
		logger.Fatal("sale config error", zap.Error(err))
	}

	idemStore, pendingStore, err := buildStores(cfg)
	if err != nil {
		logger.Fatal("store error", zap.Error(err))
	}

	var transfer ledger.Transferrer = ledger.FakeTransferrer{}
	if cfg.Service.ChainPrivateKey != "" {
		eth, err := ledger.NewEthTransferrer(context.Background(), ledger.EthTransferrerConfig{
			RPCURL:        cfg.Service.ChainRPCURL,
			PrivateKeyHex: cfg.Service.ChainPrivateKey,
		}, logger)
		if err != nil {
			logger.Fatal("chain client error", zap.Error(err))
		}
		transfer = eth
	}

	var exec settlement.Executor
	if cmd := strings.Fields(cfg.Service.VerifierCommand); len(cmd) > 0 {
		exec = &settlement.ProcessExecutor{Command: cmd}
	} else {
		exec = &settlement.LocalExecutor{Client: captcha.NewClient(cfg.Sale.LaunchpadURL, logger)}
	}

	saleLedger := ledger.NewSaleLedger(cfg.Sale.Owner, amounts.TotalSupply, cfg.Sale.LaunchpadURL)

	coord := settlement.NewCoordinator(settlement.Config{
		MinPurchase:   amounts.MinPurchase,
		ExecutionFee:  amounts.ExecutionFee,
		UnitPrice:     amounts.UnitPrice,
		TokensPerUnit: cfg.Sale.TokensPerUnit,
		SettlementTTL: cfg.Sale.SettlementTTL(),
		ExecTimeout:   cfg.Sale.ExecTimeout(),
		TransferRetry: settlement.RetryPolicy{
			MaxAttempts:       cfg.Sale.Retry.MaxAttempts,
			InitialBackoff:    cfg.Sale.InitialBackoff(),
			MaxBackoff:        cfg.Sale.MaxBackoff(),
			BackoffMultiplier: cfg.Sale.Retry.BackoffMultiplier,
		},
		DLQPath: cfg.Service.DLQPath,
	}, saleLedger, pendingStore, exec, transfer, logger)

	apiServer := server.NewServer(cfg, coord, saleLedger, idemStore, transfer, logger)

	go func() {
		if err := apiServer.Start(); err != nil {
			logger.Warn("server stopped", zap.Error(err))
		}
	}()

	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	<-ch

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = apiServer.Shutdown(ctx)
}

// buildStores picks the persistence backend: Postgres when a DSN is set,
// SQLite when file paths are set, in-memory otherwise.
func buildStores(cfg *config.AppConfig) (idempotency.Store, settlement.Store, error) {
	if dsn := cfg.Service.PostgresDSN; dsn != "" {
		ctx := context.Background()
		idem, err := idempotency.NewPostgresStore(ctx, dsn)
		if err != nil {
			return nil, nil, err
		}
		pending, err := settlement.NewPostgresStore(ctx, dsn)
		if err != nil {
			return nil, nil, err
		}
		return idem, pending, nil
	}

	var idem idempotency.Store = idempotency.NewMemoryStore()
	if path := cfg.Service.IdempotencyStorePath; path != "" {
		s, err := idempotency.NewSQLiteStore(path)
		if err != nil {
			return nil, nil, err
		}
		idem = s
	}

	var pending settlement.Store = settlement.NewMemoryStore()
	if path := cfg.Service.SettlementStorePath; path != "" {
		s, err := settlement.NewSQLiteStore(path)
		if err != nil {
			return nil, nil, err
		}
		pending = s
	}

	return idem, pending, nil
}

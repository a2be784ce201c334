package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cipherlend/native/fhe"
	"cipherlend/native/fhe/fhesim"
	"cipherlend/native/lending"
	"cipherlend/observability"
	"cipherlend/observability/logging"
	"cipherlend/services/lendingd/config"
	"cipherlend/services/lendingd/server"
)

const shutdownTimeout = 10 * time.Second

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "services/lendingd/config.yaml", "path to lendingd config")
	flag.Parse()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	var out io.Writer = os.Stdout
	if cfg.LogFile != "" {
		out = logging.RotatingWriter(cfg.LogFile)
	}
	logger := logging.SetupWithWriter("lendingd", cfg.Environment, out)

	admin, err := cfg.AdminAddress()
	if err != nil {
		logger.Error("decode admin address", "error", err)
		os.Exit(1)
	}

	sim, err := fhesim.NewRandom()
	if err != nil {
		logger.Error("initialise cipher engine", "error", err)
		os.Exit(1)
	}
	metrics := observability.LendingMetrics()
	sim.SetAuditHook(func(kind string, _ fhe.Handle) {
		metrics.ObserveDecryption(kind)
	})

	engine := lending.NewEngine(admin, lending.RiskParameters{
		MaxLTVBps:               cfg.Risk.MaxLTVBps,
		LiquidationThresholdBps: cfg.Risk.LiquidationThresholdBps,
		CollateralFactorBps:     cfg.Risk.CollateralFactorBps,
	}, sim)
	engine.SetState(lending.NewMemoryState())
	custody := server.NewMemoryCustody()
	engine.SetCustody(custody)
	engine.SetEmitter(server.NewLogEmitter(logger))

	for _, market := range cfg.Markets {
		rate, err := sim.Seal(new(big.Int).SetUint64(market.InterestRateBps), admin.Bytes())
		if err != nil {
			logger.Error("seal seed rate", "asset", market.Asset, "error", err)
			os.Exit(1)
		}
		if err := engine.AddMarket(admin, market.Asset, rate); err != nil {
			logger.Error("seed market", "asset", market.Asset, "error", err)
			os.Exit(1)
		}
		logger.Info("market seeded", "asset", market.Asset)
	}

	srv := &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           server.New(engine, custody, admin, cfg.Auth, logger).Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("lendingd listening", "address", cfg.ListenAddress)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("listen", "error", err)
			os.Exit(1)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	logger.Info("shutting down lendingd")
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("graceful shutdown failed", "error", err)
	}
}

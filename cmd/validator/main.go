package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/upow-network/imagepool/internal/server"
	"github.com/upow-network/imagepool/internal/storage"
	"github.com/upow-network/imagepool/internal/validator"
	"github.com/upow-network/imagepool/internal/wallet"
)

func main() {
	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}
	defer logger.Sync()

	port := envOr("VALIDATOR_PORT", "9091")
	dataDir := envOr("VALIDATOR_DATA_DIR", "data")

	keyHex := os.Getenv("VALIDATOR_PRIVATE_KEY")
	if keyHex == "" {
		logger.Fatal("VALIDATOR_PRIVATE_KEY environment variable is required")
	}
	key, err := wallet.FromHex(keyHex)
	if err != nil {
		logger.Fatal("parse VALIDATOR_PRIVATE_KEY", zap.Error(err))
	}

	var registry validator.Registry
	switch {
	case os.Getenv("POOL_REGISTRY_URL") != "":
		registry = validator.NewHTTPRegistry(os.Getenv("POOL_REGISTRY_URL"), logger)
	case os.Getenv("ALLOWED_POOL_WALLET") != "":
		registry = validator.NewStaticRegistry(os.Getenv("ALLOWED_POOL_WALLET"))
	default:
		logger.Fatal("set POOL_REGISTRY_URL or ALLOWED_POOL_WALLET")
	}

	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		logger.Fatal("create data dir", zap.Error(err))
	}
	db, err := storage.NewDB(dataDir + "/validator.db")
	if err != nil {
		logger.Fatal("open database", zap.Error(err))
	}
	defer db.Close()

	verifier := validator.NewVerifier(db, registry, logger)
	processor := validator.NewProcessor(db, validator.NewEngine(), key.Address(), logger)
	sender := validator.NewSender(db, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	validator.NewWorkers(processor, sender, logger).Start(ctx)

	router := server.NewValidatorServer(verifier, key.Address(), logger).Router()
	srv := &http.Server{Addr: ":" + port, Handler: router}

	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		logger.Info("shutting down")
		cancel()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		srv.Shutdown(shutdownCtx)
	}()

	logger.Info("validator running",
		zap.String("port", port),
		zap.String("address", key.Address()))
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatal("http server", zap.Error(err))
	}
}

// envOr returns the environment value or a default when unset.
func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

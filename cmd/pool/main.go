package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/upow-network/imagepool/internal/ledger"
	"github.com/upow-network/imagepool/internal/outputs"
	"github.com/upow-network/imagepool/internal/pool"
	"github.com/upow-network/imagepool/internal/server"
	"github.com/upow-network/imagepool/internal/storage"
	"github.com/upow-network/imagepool/internal/wallet"
)

func main() {
	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}
	defer logger.Sync()

	port := envOr("POOL_PORT", "9090")
	dataDir := envOr("POOL_DATA_DIR", "data")
	poolIP := envOr("POOL_IP", "127.0.0.1")
	validatorURL := envOr("VALIDATOR_URL", "http://127.0.0.1:9091")
	redisAddr := os.Getenv("REDIS_ADDR")
	reserveBalance := envOr("POOL_RESERVE_BALANCE", "1000")

	keyHex := os.Getenv("POOL_PRIVATE_KEY")
	if keyHex == "" {
		logger.Fatal("POOL_PRIVATE_KEY environment variable is required")
	}
	key, err := wallet.FromHex(keyHex)
	if err != nil {
		logger.Fatal("parse POOL_PRIVATE_KEY", zap.Error(err))
	}

	portNum, err := strconv.Atoi(port)
	if err != nil {
		logger.Fatal("POOL_PORT must be numeric", zap.String("port", port))
	}

	batchTTL := pool.DefaultBatchTTL
	if v := os.Getenv("POOL_BATCH_TTL_MINUTES"); v != "" {
		mins, err := strconv.Atoi(v)
		if err != nil || mins <= 0 {
			logger.Fatal("POOL_BATCH_TTL_MINUTES must be a positive integer", zap.String("value", v))
		}
		batchTTL = time.Duration(mins) * time.Minute
	}

	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		logger.Fatal("create data dir", zap.Error(err))
	}
	db, err := storage.NewDB(dataDir + "/pool.db")
	if err != nil {
		logger.Fatal("open database", zap.Error(err))
	}
	defer db.Close()

	if err := db.EnsureAccount(storage.ReserveWallet, reserveBalance, time.Now().Unix()); err != nil {
		logger.Fatal("seed reserve account", zap.Error(err))
	}

	var cache outputs.Cache = outputs.NewMemoryCache()
	if redisAddr != "" {
		rc := outputs.NewRedisCache(redisAddr)
		if err := rc.Ping(context.Background()); err != nil {
			logger.Fatal("connect to redis", zap.String("addr", redisAddr), zap.Error(err))
		}
		cache = rc
	} else {
		logger.Warn("REDIS_ADDR not set, using in-process output cache")
	}

	batcher := pool.NewBatcher(db, batchTTL, logger)
	assigner := pool.NewAssigner(db, cache, batcher, logger)
	settlement := pool.NewSettlement(db, batcher, logger)
	uploader := pool.NewUploader(db, key, poolIP, portNum, validatorURL, logger)
	lg := ledger.New(db, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pool.NewWorkers(db, batcher, uploader, logger).Start(ctx)

	router := server.NewPoolServer(assigner, settlement, lg, db, logger).Router()
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

	logger.Info("pool running",
		zap.String("port", port),
		zap.String("wallet", key.Address()),
		zap.String("validator", validatorURL))
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

package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"curve-indexer/internal/apply"
	"curve-indexer/internal/curve"
	"curve-indexer/internal/derive"
	"curve-indexer/internal/observability"
	"curve-indexer/internal/parser"
	"curve-indexer/internal/pipeline"
	"curve-indexer/internal/price"
	"curve-indexer/internal/queue"
	"curve-indexer/internal/solana"
	"curve-indexer/internal/storage"
	chstore "curve-indexer/internal/storage/clickhouse"
	"curve-indexer/internal/storage/memory"
	"curve-indexer/internal/storage/migrations"
	pgstore "curve-indexer/internal/storage/postgres"
)

func main() {
	rpcEndpoint := flag.String("rpc-endpoint", envOr("RPC_ENDPOINT", ""), "Solana RPC HTTP endpoint")
	postgresDSN := flag.String("postgres-dsn", envOr("POSTGRES_DSN", ""), "PostgreSQL connection string")
	clickhouseDSN := flag.String("clickhouse-dsn", envOr("CLICKHOUSE_DSN", ""), "ClickHouse DSN for the trade archive (empty to disable)")
	redisAddr := flag.String("redis-addr", envOr("REDIS_ADDR", "localhost:6379"), "Redis address")
	redisPassword := flag.String("redis-password", envOr("REDIS_PASSWORD", ""), "Redis password")
	stream := flag.String("stream", envOr("QUEUE_STREAM", queue.DefaultStream), "Redis stream key")
	consumerName := flag.String("consumer", envOr("CONSUMER_NAME", hostnameOr("worker")), "Consumer name within the queue group")
	programID := flag.String("program", envOr("PROGRAM_ID", parser.PumpProgramID), "Bonding-curve program ID")
	completionSOL := flag.Int64("completion-sol", 85, "Virtual SOL reserves (whole SOL) at which a curve completes")
	hermesEndpoint := flag.String("hermes-endpoint", envOr("HERMES_ENDPOINT", price.DefaultHermesEndpoint), "Pyth Hermes endpoint for the SOL/USD feed (empty to disable USD metrics)")
	fetchWorkers := flag.Int("fetch-workers", 8, "Concurrent RPC resolution workers")
	applyShards := flag.Int("apply-shards", 4, "Apply workers (per-mint serialization shards)")
	useMemory := flag.Bool("use-memory", false, "Use in-memory storage instead of PostgreSQL")
	metricsAddr := flag.String("metrics-addr", envOr("METRICS_ADDR", ":9090"), "Prometheus metrics HTTP address (empty to disable)")
	flag.Parse()

	logger := log.New(os.Stdout, "[worker] ", log.LstdFlags)

	if *rpcEndpoint == "" {
		logger.Fatal("missing --rpc-endpoint")
	}
	if *postgresDSN == "" && !*useMemory {
		logger.Fatal("missing --postgres-dsn (or pass --use-memory)")
	}

	if *metricsAddr != "" {
		go serveMetrics(logger, *metricsAddr)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go handleSignals(logger, cancel, done)

	// Storage.
	var store storage.LedgerStore
	if *useMemory {
		logger.Println("Using in-memory storage")
		store = memory.NewLedgerStore()
	} else {
		pool, err := pgstore.NewPool(ctx, *postgresDSN)
		if err != nil {
			logger.Fatalf("PostgreSQL connect failed: %v", err)
		}
		defer pool.Close()

		if err := migrations.RunPostgresMigrations(ctx, pool); err != nil {
			logger.Fatalf("PostgreSQL migrations failed: %v", err)
		}
		store = pgstore.NewLedgerStore(pool)
	}

	var archive storage.TradeArchive
	if *clickhouseDSN != "" {
		conn, err := migrations.RunClickhouseMigrations(ctx, *clickhouseDSN)
		if err != nil {
			logger.Fatalf("ClickHouse setup failed: %v", err)
		}
		defer conn.Close()
		archive = chstore.NewTradeArchiveStore(conn)
		logger.Println("Trade archive enabled")
	}

	// Queue.
	rdb := redis.NewClient(&redis.Options{
		Addr:     *redisAddr,
		Password: *redisPassword,
	})
	defer rdb.Close()

	consumer, err := queue.NewRedisQueue(ctx, rdb, *consumerName, queue.WithStream(*stream))
	if err != nil {
		logger.Fatalf("Queue setup failed: %v", err)
	}

	// Price feed.
	var priceSource pipeline.PriceSource
	if *hermesEndpoint != "" {
		priceSource = price.NewOracle(price.OracleOptions{
			Fetcher: price.NewPythFetcher(price.WithEndpoint(*hermesEndpoint)),
			Logger:  logger,
		})
	} else {
		logger.Println("No price feed configured, USD metrics disabled")
	}

	params := curve.Params{
		CompletionLamports: decimal.NewFromInt(*completionSOL * curve.LamportsPerSOL),
		TotalSupply:        decimal.NewFromInt(curve.DefaultTokenTotalSupply),
	}

	driver := pipeline.New(pipeline.Options{
		Consumer: consumer,
		RPC:      solana.NewHTTPClient(*rpcEndpoint),
		Parser:   parser.New(parser.Options{ProgramID: *programID, Logger: logger}),
		Deriver:  derive.New(params),
		Applier:  apply.New(store, apply.Options{Archive: archive, Logger: logger}),
		Store:    store,
		Price:    priceSource,
		Logger:   logger,
		Config: pipeline.Config{
			FetchWorkers: *fetchWorkers,
			ApplyShards:  *applyShards,
		},
	})

	logger.Printf("Worker started, program %s, stream %s", *programID, *stream)
	err = driver.Run(ctx)
	done <- err
	cancel()

	if err != nil && err != context.Canceled {
		logger.Fatalf("Worker failed: %v", err)
	}
	logger.Println("Worker stopped")
}

func serveMetrics(logger *log.Logger, addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", observability.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	logger.Printf("Starting metrics server on %s", addr)
	if err := http.ListenAndServe(addr, mux); err != nil && err != http.ErrServerClosed {
		logger.Printf("Metrics server error: %v", err)
	}
}

func handleSignals(logger *log.Logger, cancel context.CancelFunc, done <-chan error) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Printf("Received signal %v, initiating graceful shutdown...", sig)
	cancel()

	select {
	case sig := <-sigCh:
		logger.Printf("Received second signal %v, forcing immediate shutdown", sig)
		os.Exit(1)
	case <-time.After(30 * time.Second):
		logger.Println("Graceful shutdown timed out after 30s, forcing exit")
		os.Exit(1)
	case <-done:
	}
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func hostnameOr(def string) string {
	if h, err := os.Hostname(); err == nil && h != "" {
		return h
	}
	return def
}

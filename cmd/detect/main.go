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

	"curve-indexer/internal/detector"
	"curve-indexer/internal/observability"
	"curve-indexer/internal/parser"
	"curve-indexer/internal/queue"
	"curve-indexer/internal/solana"
)

func main() {
	wsEndpoint := flag.String("ws-endpoint", envOr("WS_ENDPOINT", ""), "Solana WebSocket endpoint")
	redisAddr := flag.String("redis-addr", envOr("REDIS_ADDR", "localhost:6379"), "Redis address")
	redisPassword := flag.String("redis-password", envOr("REDIS_PASSWORD", ""), "Redis password")
	stream := flag.String("stream", envOr("QUEUE_STREAM", queue.DefaultStream), "Redis stream key")
	programID := flag.String("program", envOr("PROGRAM_ID", parser.PumpProgramID), "Bonding-curve program ID to watch")
	metricsAddr := flag.String("metrics-addr", envOr("METRICS_ADDR", ":9091"), "Prometheus metrics HTTP address (empty to disable)")
	flag.Parse()

	logger := log.New(os.Stdout, "[detect] ", log.LstdFlags)

	if *wsEndpoint == "" {
		logger.Fatal("missing --ws-endpoint")
	}

	if *metricsAddr != "" {
		go serveMetrics(logger, *metricsAddr)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go handleSignals(logger, cancel, done)

	rdb := redis.NewClient(&redis.Options{
		Addr:     *redisAddr,
		Password: *redisPassword,
	})
	defer rdb.Close()

	publisher, err := queue.NewRedisQueue(ctx, rdb, "detect", queue.WithStream(*stream))
	if err != nil {
		logger.Fatalf("Queue setup failed: %v", err)
	}

	wsCfg := solana.DefaultWSConfig()
	wsCfg.Logger = logger
	ws, err := solana.NewWSClient(ctx, *wsEndpoint, &wsCfg)
	if err != nil {
		logger.Fatalf("WebSocket connect failed: %v", err)
	}
	defer ws.Close()

	det := detector.New(detector.Options{
		Streamer:  ws,
		Publisher: publisher,
		ProgramID: *programID,
		Logger:    logger,
	})

	err = det.Run(ctx)
	done <- err
	cancel()

	if err != nil && err != context.Canceled {
		logger.Fatalf("Detector failed: %v", err)
	}
	logger.Println("Detector stopped")
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

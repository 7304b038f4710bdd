package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"fileforge/internal/api"
	"fileforge/internal/artifacts"
	"fileforge/internal/cache"
	"fileforge/internal/config"
	"fileforge/internal/events"
	"fileforge/internal/ledger"
	"fileforge/internal/pipeline"
	"fileforge/internal/ratelimit"
	"fileforge/internal/sweeper"
	"fileforge/internal/worker"
)

func main() {
	cfg := config.Load()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	for _, dir := range []string{cfg.UploadDir(), cfg.ResultDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			log.Fatalf("create %s: %v", dir, err)
		}
	}

	led, err := ledger.Open(ctx, cfg)
	if err != nil {
		log.Fatalf("open ledger: %v", err)
	}
	defer led.Close()

	recovered, err := led.RecoverInFlight(ctx)
	if err != nil {
		log.Fatalf("recover in-flight jobs: %v", err)
	}
	if recovered > 0 {
		log.Printf("requeued %d jobs left processing by previous run", recovered)
	}

	resultCache, err := cache.Open(ctx, cfg.CachePath(), cfg.CacheMaxFileEntries, cfg.CacheMaxPageEntries)
	if err != nil {
		log.Fatalf("open result cache: %v", err)
	}
	defer resultCache.Close()

	store, err := artifacts.New(ctx, cfg)
	if err != nil {
		log.Fatalf("open artifact store: %v", err)
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	broadcaster := events.New(redisClient)
	limiter := ratelimit.NewSubmissionLimiter(redisClient, cfg.RateLimitCapacity, cfg.RateLimitRefill)

	pipe := pipeline.New(cfg, led, resultCache, store, broadcaster, pipeline.DefaultToolset(cfg))

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		worker.NewPool(cfg, led, pipe).Run(ctx)
	}()
	go func() {
		defer wg.Done()
		sweeper.New(cfg, led, store).Run(ctx)
	}()

	server := api.New(cfg, led, store, broadcaster, limiter)
	httpServer := &http.Server{
		Addr:    ":" + cfg.HTTPPort,
		Handler: server.Router(),
	}

	log.Printf("api listening on :%s", cfg.HTTPPort)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
	wg.Wait()
}

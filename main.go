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

	"filepulse/config"
	"filepulse/dispatch"
	"filepulse/handlers"
	"filepulse/progress"
	"filepulse/ratelimit"
	"filepulse/services"
	"filepulse/store"
	"filepulse/worker"

	"github.com/redis/go-redis/v9"
	"github.com/rs/cors"
)

func main() {
	log.Println("Starting FilePulse Conversion Service...")

	cfg := config.Load()
	ttl := time.Duration(cfg.JobTTLSeconds) * time.Second
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Redis is optional: without it the service runs single-node with
	// in-memory stores and simulated progress only.
	var redisClient *redis.Client
	if cfg.RedisAddr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err := redisClient.Ping(ctx).Err(); err != nil {
			log.Fatalf("Failed to connect to Redis: %v", err)
		}
		log.Println("Connected to Redis successfully")
	}

	// Durable store for authenticated jobs, when a database is configured
	var durable store.Jobs
	var dbStore *store.DatabaseStore
	if cfg.DatabaseURL != "" {
		var err error
		dbStore, err = store.NewDatabaseStore(cfg.DatabaseURL, ttl)
		if err != nil {
			log.Fatalf("Failed to connect to database: %v", err)
		}
		defer dbStore.Close()
		durable = dbStore
		log.Println("Connected to database successfully")
	}

	var cache store.Jobs
	var limiter ratelimit.Limiter
	var queue dispatch.Queue
	var memStore *store.MemoryStore
	if redisClient != nil {
		cache = store.NewRedisStore(redisClient, cfg.RedisPrefix, ttl)
		limiter = ratelimit.NewRedis(redisClient, cfg.RedisPrefix, cfg.GuestDailyLimit)
		queue = dispatch.NewRedisQueue(redisClient, cfg.PendingQueue)
	} else {
		memStore = store.NewMemoryStore(ttl)
		cache = memStore
		limiter = ratelimit.NewMemory(cfg.GuestDailyLimit)
		queue = dispatch.NopQueue{}
	}

	var blobs services.BlobStore
	if cfg.AWSS3AccessKey != "" {
		blobs = services.NewS3Blobs(cfg)
		log.Printf("Using S3 blob storage (bucket %s)", cfg.S3Bucket)
	} else {
		blobs = services.NewMemoryBlobs()
		log.Println("S3 not configured, using in-memory blob storage")
	}

	jobs := store.NewRouter(cache, durable)
	projector := progress.NewProjector(jobs, blobs)
	dispatcher := dispatch.NewDispatcher(queue, jobs, blobs)

	var wg sync.WaitGroup

	// Conversion workers need the Redis queue to pop from
	if redisClient != nil {
		var convertSvc *services.ConvertClient
		if cfg.ConverterURL != "" {
			convertSvc = services.NewConvertClient(cfg.ConverterURL)
			log.Printf("Converter URL: %s", cfg.ConverterURL)
		} else {
			log.Println("No converter configured, workers run in passthrough mode")
		}

		pool := worker.NewPool(cfg, redisClient, convertSvc, blobs, jobs, dispatcher)
		for i := 0; i < cfg.WorkerCount; i++ {
			wg.Add(1)
			go func(workerID int) {
				defer wg.Done()
				pool.StartWorker(ctx, workerID)
			}(i)
			log.Printf("Started worker %d", i)
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			pool.RecoveryLoop(ctx)
		}()

		log.Printf("Started %d conversion workers", cfg.WorkerCount)
		log.Printf("Listening on Redis queue: %s", cfg.PendingQueue)
	}

	if memStore != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ticker := time.NewTicker(time.Minute)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					memStore.Sweep()
				}
			}
		}()
	}

	handler := handlers.NewHandler(jobs, limiter, projector, dispatcher, blobs, nil, cfg.GuestDailyLimit)
	router := handlers.NewRouter(handler)

	c := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type", "X-User-ID"},
	})

	srv := &http.Server{
		Addr:    cfg.ServerAddr,
		Handler: c.Handler(router),
	}

	go func() {
		log.Printf("HTTP server listening on %s", cfg.ServerAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("HTTP server failed: %v", err)
		}
	}()

	log.Println("Service is ready to process conversions")

	// Wait for shutdown signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	log.Println("Shutdown signal received, stopping...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("HTTP shutdown error: %v", err)
	}

	cancel()

	// Wait for workers to finish with timeout
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Println("All workers stopped gracefully")
	case <-time.After(30 * time.Second):
		log.Println("Shutdown timeout, forcing exit")
	}

	if redisClient != nil {
		redisClient.Close()
	}
	log.Println("Conversion service stopped")
}

package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/reelworks/renderd/internal/api"
	"github.com/reelworks/renderd/internal/cache"
	"github.com/reelworks/renderd/internal/config"
	"github.com/reelworks/renderd/internal/db"
	"github.com/reelworks/renderd/internal/models"
	"github.com/reelworks/renderd/internal/progress"
	"github.com/reelworks/renderd/internal/queue"
	"github.com/reelworks/renderd/internal/render"
	"github.com/reelworks/renderd/internal/services"
	"github.com/reelworks/renderd/internal/storage"
	"github.com/reelworks/renderd/internal/worker"
)

func main() {
	log.Println("Starting renderd API...")

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Connect to database
	database, err := db.New(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer database.Close()
	log.Println("Connected to database")

	// Connect to Redis: render queue plus durable progress snapshots
	q, err := queue.New(cfg.RedisURL)
	if err != nil {
		log.Fatalf("Failed to connect to queue: %v", err)
	}
	defer q.Close()
	log.Println("Connected to Redis queue")

	// Initialize object storage
	store := storage.New(cfg.StorageURL, cfg.StorageServiceKey, cfg.StorageBucket)
	log.Println("Initialized object storage")

	// Progress reporter over the shared Redis connection
	reporter := progress.NewReporter(progress.NewRedisStore(q.Client()))

	// Create API handler
	handler := api.NewHandler(database, q, reporter)
	router := api.NewRouter(handler, api.RouterConfig{
		BackendAPIKey:      cfg.BackendAPIKey,
		CorsAllowedOrigins: cfg.CorsAllowedOrigins,
	})

	if cfg.BackendAPIKey != "" {
		log.Println("API key authentication enabled")
	} else {
		log.Println("WARNING: No BACKEND_API_KEY set — API is unprotected (dev mode)")
	}

	// Start HTTP server
	server := &http.Server{
		Addr:    ":" + cfg.APIPort,
		Handler: router,
	}

	// Start worker if enabled
	var workerCtx context.Context
	var workerCancel context.CancelFunc
	if cfg.WorkerEnabled {
		log.Println("Worker enabled, starting background processing...")

		// Ordered clip model candidates; empty chain means every render
		// uses camera-motion synthesis.
		generators := buildGenerators(cfg)
		if len(generators) == 0 {
			log.Println("AI clip generation disabled — using camera-motion synthesis")
		}

		tier := models.Tier{
			Name:      cfg.DefaultTierName,
			MaxWidth:  cfg.FreeTierMaxWidth,
			MaxHeight: cfg.FreeTierMaxHeight,
			Watermark: cfg.DefaultTierName == "free",
		}

		engine := services.NewFFmpegService()
		orch := render.NewOrchestrator(
			store,
			cache.NewIndex(store, cfg.CacheNamespace),
			render.NewAcquirer(store, database, generators, reporter, cfg.ClipWorkers),
			render.NewCompositor(engine, reporter),
			render.NewAssembler(engine),
			reporter,
			render.StaticTierResolver{Tier: tier},
			render.NopBilling{},
			cfg.TempDir,
			cfg.WatermarkText,
		)

		w := worker.New(database, q, orch, reporter)

		workerCtx, workerCancel = context.WithCancel(context.Background())
		go w.Start(workerCtx, cfg.MaxConcurrentJobs)
	}

	// Start server in goroutine
	go func() {
		log.Printf("API server listening on :%s", cfg.APIPort)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")

	// Shutdown worker
	if workerCancel != nil {
		workerCancel()
	}

	// Shutdown HTTP server
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Fatalf("Server forced to shutdown: %v", err)
	}

	log.Println("Server exited")
}

// buildGenerators assembles the clip model fallback chain in configured
// order, skipping disabled backends.
func buildGenerators(cfg *config.Config) []services.ClipGenerator {
	available := map[string]services.ClipGenerator{}

	if cfg.GrokVideoEnabled && cfg.GrokAPIKey != "" {
		g := services.NewGrokVideoService(cfg.GrokAPIKey)
		available[g.ModelID()] = g
		log.Println("Grok Imagine clip generation enabled")
	}
	if cfg.VeoEnabled && cfg.VeoAPIKey != "" {
		g := services.NewVeoService(cfg.VeoAPIKey, cfg.VeoModel)
		available[g.ModelID()] = g
		log.Printf("Veo clip generation enabled (model: %s)", cfg.VeoModel)
	}

	var chain []services.ClipGenerator
	for _, id := range cfg.ClipModelOrder {
		if g, ok := available[id]; ok {
			chain = append(chain, g)
			delete(available, id)
		}
	}
	// Enabled backends not named in the order go last, in no fixed order.
	for _, g := range available {
		chain = append(chain, g)
	}
	return chain
}

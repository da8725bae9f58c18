package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

type Config struct {
	// Server
	APIPort            string
	WorkerEnabled      bool
	BackendAPIKey      string // API key for authenticating requests (empty = no auth, dev mode)
	CorsAllowedOrigins string // Comma-separated allowed origins (empty = *, dev mode)

	// Database
	DatabaseURL string

	// Redis (render queue + progress snapshots)
	RedisURL string

	// Object storage (Supabase-compatible REST API)
	StorageURL        string
	StorageServiceKey string
	StorageBucket     string

	// Remote clip generation
	GrokVideoEnabled bool   // When true, grok-imagine-video joins the candidate chain
	GrokAPIKey       string
	VeoEnabled       bool   // When true, Veo joins the candidate chain after Grok
	VeoAPIKey        string // Gemini API key, shared with Veo
	VeoModel         string
	ClipModelOrder   []string // Ordered candidate model ids, e.g. "grok-imagine-video,veo-3.1-generate-preview"

	// Rendering
	TempDir           string
	CacheNamespace    string
	WatermarkText     string
	DefaultTierName   string
	FreeTierMaxWidth  int
	FreeTierMaxHeight int

	// Worker
	MaxConcurrentJobs int
	ClipWorkers       int // Bounded concurrency for per-scene clip acquisition
}

func Load() (*Config, error) {
	// Load .env file if it exists (ignore error in production)
	_ = godotenv.Load()

	cfg := &Config{
		APIPort:            getEnv("API_PORT", "8080"),
		WorkerEnabled:      getEnvBool("WORKER_ENABLED", true),
		BackendAPIKey:      getEnv("BACKEND_API_KEY", ""),
		CorsAllowedOrigins: getEnv("CORS_ALLOWED_ORIGINS", ""),
		DatabaseURL:        getEnv("DATABASE_URL", ""),
		RedisURL:           getEnv("REDIS_URL", "redis://localhost:6379"),
		StorageURL:         getEnv("STORAGE_URL", ""),
		StorageServiceKey:  getEnv("STORAGE_SERVICE_KEY", ""),
		StorageBucket:      getEnv("STORAGE_BUCKET", "renderd-artifacts"),
		GrokVideoEnabled:   getEnvBool("GROK_VIDEO_ENABLED", false),
		GrokAPIKey:         getEnv("GROK_API_KEY", ""),
		VeoEnabled:         getEnvBool("VEO_ENABLED", false),
		VeoAPIKey:          getEnv("GEMINI_API_KEY", ""),
		VeoModel:           getEnv("VEO_MODEL", "veo-3.1-generate-preview"),
		ClipModelOrder:     getEnvList("CLIP_MODEL_ORDER", "grok-imagine-video,veo-3.1-generate-preview"),
		TempDir:            getEnv("RENDER_TEMP_DIR", "/tmp/renderd"),
		CacheNamespace:     getEnv("CACHE_NAMESPACE", "cache"),
		WatermarkText:      getEnv("WATERMARK_TEXT", "made with renderd"),
		DefaultTierName:    getEnv("DEFAULT_TIER", "free"),
		FreeTierMaxWidth:   getEnvInt("FREE_TIER_MAX_WIDTH", 1080),
		FreeTierMaxHeight:  getEnvInt("FREE_TIER_MAX_HEIGHT", 1920),
		MaxConcurrentJobs:  getEnvInt("MAX_CONCURRENT_JOBS", 3),
		ClipWorkers:        getEnvInt("CLIP_WORKERS", 2),
	}

	// Validate required fields
	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	if cfg.StorageURL == "" || cfg.StorageServiceKey == "" {
		return nil, fmt.Errorf("STORAGE_URL and STORAGE_SERVICE_KEY are required")
	}

	if cfg.GrokVideoEnabled && cfg.GrokAPIKey == "" {
		return nil, fmt.Errorf("GROK_API_KEY is required when GROK_VIDEO_ENABLED=true")
	}

	if cfg.VeoEnabled && cfg.VeoAPIKey == "" {
		return nil, fmt.Errorf("GEMINI_API_KEY is required when VEO_ENABLED=true")
	}

	if cfg.ClipWorkers < 1 {
		cfg.ClipWorkers = 1
	}

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		b, err := strconv.ParseBool(value)
		if err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		i, err := strconv.Atoi(value)
		if err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvList(key, defaultValue string) []string {
	raw := getEnv(key, defaultValue)
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// Package config holds all docgather worker configuration.
// Configuration is environment-driven: Load() starts from defaults and
// applies the documented environment variables on top.
package config

import (
	"fmt"
	"os"
	"strconv"
)

// Config holds the full worker configuration.
type Config struct {
	// RedisURL is the broker endpoint (REDIS_URL).
	RedisURL string

	// Port is the HTTP control surface port (PORT).
	Port int

	// Version identifies the running worker build (FLY_MACHINE_VERSION).
	Version string

	// Supabase is the persistence facade endpoint.
	Supabase SupabaseConfig

	// Edge is the storage facade endpoint.
	Edge EdgeConfig

	// LLM configures the gateway, cache and providers.
	LLM LLMConfig

	// FileCache configures the per-worker decrypted blob cache.
	FileCache FileCacheConfig

	// MasterKeyVersion is the current vault master key version
	// (SB_MASTER_KEY_VERSION), used when a document has no private row yet.
	MasterKeyVersion int

	// ResultsDir, when non-empty, enables the dev-only results snapshot
	// writer under <ResultsDir>/results/<ocr>/<text>/<vision>/<id>.json.
	ResultsDir string
}

// SupabaseConfig holds the remote-procedure endpoint settings.
type SupabaseConfig struct {
	URL       string // SUPABASE_URL
	SecretKey string // SB_SECRET_KEY
}

// EdgeConfig holds the storage facade endpoint settings.
type EdgeConfig struct {
	URL    string // FLY_WORKER_URL
	APIKey string // FLY_WORKER_API_KEY
}

// FileCacheConfig configures the per-worker file cache.
type FileCacheConfig struct {
	// KeepOnDisk skips the per-document clear after finalize
	// (FILE_CACHE_KEEP_ON_DISK).
	KeepOnDisk bool
}

// Default returns the configuration defaults applied before env overrides.
func Default() Config {
	return Config{
		RedisURL:         "redis://localhost:6379",
		Port:             8080,
		Version:          "dev",
		LLM:              DefaultLLM(),
		MasterKeyVersion: 1,
	}
}

// Load builds the configuration from defaults plus environment overrides.
func Load() (Config, error) {
	cfg := Default()

	cfg.RedisURL = getenv("REDIS_URL", cfg.RedisURL)
	cfg.Version = getenv("FLY_MACHINE_VERSION", cfg.Version)
	cfg.Supabase.URL = os.Getenv("SUPABASE_URL")
	cfg.Supabase.SecretKey = os.Getenv("SB_SECRET_KEY")
	cfg.Edge.URL = os.Getenv("FLY_WORKER_URL")
	cfg.Edge.APIKey = os.Getenv("FLY_WORKER_API_KEY")
	cfg.FileCache.KeepOnDisk = getenvBool("FILE_CACHE_KEEP_ON_DISK", false)
	cfg.ResultsDir = os.Getenv("RESULTS_STORE_DIR")

	var err error
	if cfg.Port, err = getenvInt("PORT", cfg.Port); err != nil {
		return cfg, err
	}
	if cfg.MasterKeyVersion, err = getenvInt("SB_MASTER_KEY_VERSION", cfg.MasterKeyVersion); err != nil {
		return cfg, err
	}
	if err := cfg.LLM.applyEnv(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getenvInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback, fmt.Errorf("invalid %s=%q: %w", key, v, err)
	}
	return n, nil
}

func getenvBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v == "1" || v == "true" || v == "TRUE" || v == "yes"
}

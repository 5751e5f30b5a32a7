package config

import "testing"

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Port != 8080 {
		t.Errorf("Port=%d, want 8080", cfg.Port)
	}
	if cfg.LLM.MistralMaxRPS != 1 {
		t.Errorf("MistralMaxRPS=%d, want 1", cfg.LLM.MistralMaxRPS)
	}
	if cfg.LLM.OCR.Provider != ProviderOCREndpoint {
		t.Errorf("OCR provider=%s, want %s", cfg.LLM.OCR.Provider, ProviderOCREndpoint)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("REDIS_URL", "redis://broker:6379")
	t.Setenv("LLM_TEXT_PROVIDER", "local-serialized")
	t.Setenv("LLM_TEXT_MODEL", "qwen2.5:32b")
	t.Setenv("LLM_TEXT_ENDPOINT", "http://localhost:11434")
	t.Setenv("MISTRAL_MAX_RPS", "4")
	t.Setenv("LLM_CACHE_ENABLED", "true")
	t.Setenv("FILE_CACHE_KEEP_ON_DISK", "1")
	t.Setenv("SB_MASTER_KEY_VERSION", "3")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Port != 9090 {
		t.Errorf("Port=%d, want 9090", cfg.Port)
	}
	if cfg.RedisURL != "redis://broker:6379" {
		t.Errorf("RedisURL=%s", cfg.RedisURL)
	}
	if cfg.LLM.Text.Provider != ProviderLocalSerialized {
		t.Errorf("Text provider=%s", cfg.LLM.Text.Provider)
	}
	if cfg.LLM.Text.Model != "qwen2.5:32b" {
		t.Errorf("Text model=%s", cfg.LLM.Text.Model)
	}
	if cfg.LLM.MistralMaxRPS != 4 {
		t.Errorf("MistralMaxRPS=%d, want 4", cfg.LLM.MistralMaxRPS)
	}
	if !cfg.LLM.CacheEnabled {
		t.Error("CacheEnabled=false, want true")
	}
	if !cfg.FileCache.KeepOnDisk {
		t.Error("KeepOnDisk=false, want true")
	}
	if cfg.MasterKeyVersion != 3 {
		t.Errorf("MasterKeyVersion=%d, want 3", cfg.MasterKeyVersion)
	}
}

func TestBadIntEnv(t *testing.T) {
	t.Setenv("PORT", "not-a-port")
	if _, err := Load(); err == nil {
		t.Fatal("Load succeeded with invalid PORT")
	}
}

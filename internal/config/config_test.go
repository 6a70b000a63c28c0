package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"subburn/internal/pkg/errors"
)

func TestDefaults(t *testing.T) {
	cfg, err := FromViper(newViper())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.Port != "3000" {
		t.Errorf("port = %s", cfg.Server.Port)
	}
	if cfg.Mongo.URI != "mongodb://localhost:27017" || cfg.Mongo.Database != "InsightLearnDB" {
		t.Errorf("mongo = %+v", cfg.Mongo)
	}
	if cfg.Mongo.ConnectAttempts != 5 || cfg.Mongo.RetryBase != 5*time.Second {
		t.Errorf("retry = %d/%s", cfg.Mongo.ConnectAttempts, cfg.Mongo.RetryBase)
	}
	if cfg.Blob.Backend != "gridfs" || cfg.Blob.GridFSBucket != "videos" {
		t.Errorf("blob = %+v", cfg.Blob)
	}
	if cfg.Registry.Backend != "memory" {
		t.Errorf("registry = %s", cfg.Registry.Backend)
	}
	if cfg.Renderer.Timeout != 30*time.Minute {
		t.Errorf("renderer timeout = %s", cfg.Renderer.Timeout)
	}
	if cfg.Render.DefaultComposition != "VideoWithCaptions" || cfg.Render.DefaultFPS != 30 || cfg.Render.CRF != 23 {
		t.Errorf("render = %+v", cfg.Render)
	}
	if len(cfg.Server.CORSOrigins) != 1 || cfg.Server.CORSOrigins[0] != "*" {
		t.Errorf("cors = %v", cfg.Server.CORSOrigins)
	}
}

func TestEnvironmentOverrides(t *testing.T) {
	t.Setenv("PORT", "8088")
	t.Setenv("MONGODB_DB", "Captions")
	t.Setenv("RENDER_MAX_CONCURRENT", "4")
	t.Setenv("CORS_ALLOWED_ORIGINS", "https://a.example, https://b.example")
	t.Setenv("RENDERER_HTTP_BASEURL", "http://renderer:3001/")

	cfg, err := FromViper(newViper())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.Port != "8088" || cfg.Mongo.Database != "Captions" {
		t.Errorf("overrides not applied: %+v", cfg)
	}
	if cfg.Render.MaxConcurrent != 4 {
		t.Errorf("max concurrent = %d", cfg.Render.MaxConcurrent)
	}
	if len(cfg.Server.CORSOrigins) != 2 {
		t.Errorf("cors = %v", cfg.Server.CORSOrigins)
	}
	if cfg.Renderer.BaseURL != "http://renderer:3001" {
		t.Errorf("base url = %s", cfg.Renderer.BaseURL)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"unknown blob backend", map[string]string{"BLOB_BACKEND": "s3"}},
		{"gdrive without credentials", map[string]string{"BLOB_BACKEND": "gdrive"}},
		{"postgres without url", map[string]string{"REGISTRY_BACKEND": "postgres"}},
		{"unknown renderer", map[string]string{"RENDERER_MODE": "grpc"}},
		{"zero attempts", map[string]string{"MONGODB_CONNECT_ATTEMPTS": "0"}},
		{"negative cap", map[string]string{"RENDER_MAX_CONCURRENT": "-1"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := FromViper(newViper())
			if !errors.IsCode(err, errors.CodeValidation) {
				t.Errorf("expected validation error, got %v", err)
			}
		})
	}
}

func TestLoadEnvFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	if err := os.WriteFile(path, []byte("REGISTRY_BACKEND=redis\nREDIS_KEY_PREFIX=test:render\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	// godotenv does not override variables that are already set, so make sure
	// these are unset and cleaned up after the test.
	t.Setenv("REGISTRY_BACKEND", "")
	t.Setenv("REDIS_KEY_PREFIX", "")
	os.Unsetenv("REGISTRY_BACKEND")
	os.Unsetenv("REDIS_KEY_PREFIX")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Registry.Backend != "redis" || cfg.Registry.RedisPrefix != "test:render" {
		t.Errorf("registry = %+v", cfg.Registry)
	}
}

func TestLoadMissingEnvFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.env")); err != nil {
		t.Errorf("missing env file should be ignored, got %v", err)
	}
}

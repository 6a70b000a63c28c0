// Package config loads process configuration from the environment and an optional .env file.
package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"subburn/internal/httpkit"
	"subburn/internal/pkg/errors"
)

type Config struct {
	Server   ServerConfig
	Mongo    MongoConfig
	Blob     BlobConfig
	Registry RegistryConfig
	Renderer RendererConfig
	Render   RenderConfig
	Log      LogConfig
}

type ServerConfig struct {
	Port            string
	CORSOrigins     []string
	ShutdownTimeout time.Duration
	RequestTimeout  time.Duration
}

type MongoConfig struct {
	URI             string
	Database        string
	ConnectAttempts int
	RetryBase       time.Duration
	PingTimeout     time.Duration
}

type BlobConfig struct {
	Backend      string // gridfs, localfs, gdrive
	GridFSBucket string
	LocalRoot    string
	GDrive       GDriveConfig
}

type GDriveConfig struct {
	ClientID     string
	ClientSecret string
	RefreshToken string
	FolderID     string
}

type RegistryConfig struct {
	Backend     string // memory, redis, postgres
	RedisAddr   string
	RedisPass   string
	RedisPrefix string
	DatabaseURL string
}

type RendererConfig struct {
	Mode    string // http, command
	BaseURL string
	Timeout time.Duration
	Command string
}

type RenderConfig struct {
	OutputDir          string
	DefaultComposition string
	DefaultFPS         int
	Codec              string
	CRF                int
	MaxConcurrent      int
}

type LogConfig struct {
	Level  string
	Format string
	Source bool
}

// Load reads envFile when present, then the environment.
// A missing envFile is not an error.
func Load(envFile string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !os.IsNotExist(err) {
			return nil, errors.Wrap(err, "config.Load", "read env file")
		}
	}
	return FromViper(newViper())
}

func newViper() *viper.Viper {
	v := viper.New()
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	v.SetDefault("PORT", "3000")
	v.SetDefault("CORS_ALLOWED_ORIGINS", "*")
	v.SetDefault("SHUTDOWN_TIMEOUT", "30s")
	v.SetDefault("REQUEST_TIMEOUT", "30s")

	v.SetDefault("MONGODB_URI", "mongodb://localhost:27017")
	v.SetDefault("MONGODB_DB", "InsightLearnDB")
	v.SetDefault("MONGODB_CONNECT_ATTEMPTS", 5)
	v.SetDefault("MONGODB_RETRY_BASE", "5s")
	v.SetDefault("MONGODB_PING_TIMEOUT", "5s")

	v.SetDefault("BLOB_BACKEND", "gridfs")
	v.SetDefault("GRIDFS_BUCKET", "videos")
	v.SetDefault("BLOB_LOCAL_ROOT", "/data/blobs")

	v.SetDefault("REGISTRY_BACKEND", "memory")
	v.SetDefault("REDIS_ADDR", "localhost:6379")
	v.SetDefault("REDIS_KEY_PREFIX", "subburn:render")

	v.SetDefault("RENDERER_MODE", "http")
	v.SetDefault("RENDERER_HTTP_BASEURL", "http://localhost:3001")
	v.SetDefault("RENDERER_TIMEOUT", "30m")
	v.SetDefault("RENDERER_COMMAND", "npx remotion render")

	v.SetDefault("RENDER_OUTPUT_DIR", filepath.Join(os.TempDir(), "subburn-output"))
	v.SetDefault("RENDER_DEFAULT_COMPOSITION", "VideoWithCaptions")
	v.SetDefault("RENDER_DEFAULT_FPS", 30)
	v.SetDefault("RENDER_CODEC", "h264")
	v.SetDefault("RENDER_CRF", 23)
	v.SetDefault("RENDER_MAX_CONCURRENT", 0)

	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "json")
	v.SetDefault("LOG_SOURCE", false)
	return v
}

// FromViper builds and validates a Config from v.
func FromViper(v *viper.Viper) (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port:            v.GetString("PORT"),
			CORSOrigins:     httpkit.SplitList(v.GetString("CORS_ALLOWED_ORIGINS")),
			ShutdownTimeout: v.GetDuration("SHUTDOWN_TIMEOUT"),
			RequestTimeout:  v.GetDuration("REQUEST_TIMEOUT"),
		},
		Mongo: MongoConfig{
			URI:             v.GetString("MONGODB_URI"),
			Database:        v.GetString("MONGODB_DB"),
			ConnectAttempts: v.GetInt("MONGODB_CONNECT_ATTEMPTS"),
			RetryBase:       v.GetDuration("MONGODB_RETRY_BASE"),
			PingTimeout:     v.GetDuration("MONGODB_PING_TIMEOUT"),
		},
		Blob: BlobConfig{
			Backend:      strings.ToLower(v.GetString("BLOB_BACKEND")),
			GridFSBucket: v.GetString("GRIDFS_BUCKET"),
			LocalRoot:    v.GetString("BLOB_LOCAL_ROOT"),
			GDrive: GDriveConfig{
				ClientID:     v.GetString("GDRIVE_CLIENT_ID"),
				ClientSecret: v.GetString("GDRIVE_CLIENT_SECRET"),
				RefreshToken: v.GetString("GDRIVE_REFRESH_TOKEN"),
				FolderID:     v.GetString("GDRIVE_FOLDER_ID"),
			},
		},
		Registry: RegistryConfig{
			Backend:     strings.ToLower(v.GetString("REGISTRY_BACKEND")),
			RedisAddr:   v.GetString("REDIS_ADDR"),
			RedisPass:   v.GetString("REDIS_PASSWORD"),
			RedisPrefix: v.GetString("REDIS_KEY_PREFIX"),
			DatabaseURL: v.GetString("DATABASE_URL"),
		},
		Renderer: RendererConfig{
			Mode:    strings.ToLower(v.GetString("RENDERER_MODE")),
			BaseURL: strings.TrimRight(v.GetString("RENDERER_HTTP_BASEURL"), "/"),
			Timeout: v.GetDuration("RENDERER_TIMEOUT"),
			Command: v.GetString("RENDERER_COMMAND"),
		},
		Render: RenderConfig{
			OutputDir:          v.GetString("RENDER_OUTPUT_DIR"),
			DefaultComposition: v.GetString("RENDER_DEFAULT_COMPOSITION"),
			DefaultFPS:         v.GetInt("RENDER_DEFAULT_FPS"),
			Codec:              v.GetString("RENDER_CODEC"),
			CRF:                v.GetInt("RENDER_CRF"),
			MaxConcurrent:      v.GetInt("RENDER_MAX_CONCURRENT"),
		},
		Log: LogConfig{
			Level:  v.GetString("LOG_LEVEL"),
			Format: v.GetString("LOG_FORMAT"),
			Source: v.GetBool("LOG_SOURCE"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects unknown backends and settings the backends cannot start with.
func (c *Config) Validate() error {
	switch c.Blob.Backend {
	case "gridfs", "localfs":
	case "gdrive":
		g := c.Blob.GDrive
		if g.ClientID == "" || g.ClientSecret == "" || g.RefreshToken == "" {
			return errors.Validation("gdrive blob backend requires GDRIVE_CLIENT_ID, GDRIVE_CLIENT_SECRET and GDRIVE_REFRESH_TOKEN")
		}
	default:
		return errors.Newf(errors.CodeValidation, "unknown BLOB_BACKEND %q", c.Blob.Backend)
	}

	switch c.Registry.Backend {
	case "memory", "redis":
	case "postgres":
		if c.Registry.DatabaseURL == "" {
			return errors.Validation("postgres registry requires DATABASE_URL")
		}
	default:
		return errors.Newf(errors.CodeValidation, "unknown REGISTRY_BACKEND %q", c.Registry.Backend)
	}

	switch c.Renderer.Mode {
	case "http", "command":
	default:
		return errors.Newf(errors.CodeValidation, "unknown RENDERER_MODE %q", c.Renderer.Mode)
	}

	if c.Mongo.ConnectAttempts < 1 {
		return errors.Validation("MONGODB_CONNECT_ATTEMPTS must be at least 1")
	}
	if c.Render.DefaultFPS <= 0 {
		return errors.Validation("RENDER_DEFAULT_FPS must be positive")
	}
	if c.Render.MaxConcurrent < 0 {
		return errors.Validation("RENDER_MAX_CONCURRENT must not be negative")
	}
	return nil
}

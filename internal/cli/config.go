package cli

// ============================================================================
// 設定載入
// ============================================================================
//
// 優先順序（後者覆蓋前者）：
//   1. defaultConfig() 內建預設值
//   2. YAML 設定檔（--config / -c）
//   3. .env / .env.local（只補上尚未設定的環境變數）
//   4. PLAN2MESH_* 環境變數
//
// ============================================================================

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// EnvPrefix 環境變數前綴
const EnvPrefix = "PLAN2MESH_"

// Config represents the complete service configuration.
type Config struct {
	Server struct {
		HTTPAddr string `yaml:"http_addr"`
		GRPCAddr string `yaml:"grpc_addr"` // 空字串代表不啟動 gRPC
	} `yaml:"server"`

	Worker struct {
		WorkerCount int           `yaml:"worker_count"`
		TaskTimeout time.Duration `yaml:"task_timeout"`
		QueueSize   int           `yaml:"queue_size"`
		Seed        int64         `yaml:"seed"`
	} `yaml:"worker"`

	Storage struct {
		UploadDir    string `yaml:"upload_dir"`
		OutputDir    string `yaml:"output_dir"`
		CleanupHours int    `yaml:"cleanup_hours"` // 0 代表不清理
	} `yaml:"storage"`

	Dataset struct {
		Root     string `yaml:"root"`
		MaxCrops int    `yaml:"max_crops"`
	} `yaml:"dataset"`

	Texture struct {
		GPU         bool   `yaml:"gpu"`
		ModelPath   string `yaml:"model_path"`
		TargetSize  int    `yaml:"target_size"`
		WorkSize    int    `yaml:"work_size"`
		MaxGPUCrops int    `yaml:"max_gpu_crops"`
	} `yaml:"texture"`

	Journal struct {
		WALPath          string        `yaml:"wal_path"`
		SnapshotPath     string        `yaml:"snapshot_path"`
		SnapshotInterval time.Duration `yaml:"snapshot_interval"`
		SnapshotBackups  int           `yaml:"snapshot_backups"`
		Sync             bool          `yaml:"sync"`
	} `yaml:"journal"`

	Metrics struct {
		Enabled bool `yaml:"enabled"`
	} `yaml:"metrics"`

	Limits struct {
		MaxPhotos    int   `yaml:"max_photos"`
		MaxFileBytes int64 `yaml:"max_file_bytes"`
	} `yaml:"limits"`

	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"` // text | json
	} `yaml:"log"`
}

func defaultConfig() *Config {
	var cfg Config
	cfg.Server.HTTPAddr = ":8000"
	cfg.Server.GRPCAddr = ":50051"
	cfg.Worker.WorkerCount = 2
	cfg.Worker.TaskTimeout = 10 * time.Minute
	cfg.Storage.UploadDir = "uploads"
	cfg.Storage.OutputDir = "outputs"
	cfg.Storage.CleanupHours = 24
	cfg.Dataset.Root = "data"
	cfg.Dataset.MaxCrops = 10
	cfg.Texture.TargetSize = 512
	cfg.Texture.WorkSize = 128
	cfg.Texture.MaxGPUCrops = 5
	cfg.Journal.WALPath = "state/jobs.wal"
	cfg.Journal.SnapshotPath = "state/snapshot.json"
	cfg.Journal.SnapshotInterval = 30 * time.Second
	cfg.Journal.SnapshotBackups = 3
	cfg.Metrics.Enabled = true
	cfg.Limits.MaxPhotos = 20
	cfg.Limits.MaxFileBytes = 10 << 20
	cfg.Log.Level = "info"
	cfg.Log.Format = "text"
	return &cfg
}

// loadConfig reads the YAML file at path (skipped when path is empty) on top
// of the defaults, then applies the dotenv files and PLAN2MESH_* overrides.
func loadConfig(path string, envFiles ...string) (*Config, error) {
	cfg := defaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config YAML: %w", err)
		}
	}

	// godotenv.Load 遇到第一個不存在的檔案就停止，所以逐一載入
	for _, f := range envFiles {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to load %s: %w", f, err)
		}
	}

	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overrides fields from PLAN2MESH_* variables.
func applyEnv(cfg *Config) error {
	str := func(key string, dst *string) {
		if v, ok := os.LookupEnv(EnvPrefix + key); ok {
			*dst = v
		}
	}
	var errs []error
	num := func(key string, dst *int) {
		if v, ok := os.LookupEnv(EnvPrefix + key); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, key, err))
				return
			}
			*dst = n
		}
	}
	flag := func(key string, dst *bool) {
		if v, ok := os.LookupEnv(EnvPrefix + key); ok {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, key, err))
				return
			}
			*dst = b
		}
	}

	str("HTTP_ADDR", &cfg.Server.HTTPAddr)
	str("GRPC_ADDR", &cfg.Server.GRPCAddr)
	num("WORKERS", &cfg.Worker.WorkerCount)
	str("UPLOAD_DIR", &cfg.Storage.UploadDir)
	str("OUTPUT_DIR", &cfg.Storage.OutputDir)
	str("DATA_ROOT", &cfg.Dataset.Root)
	flag("GPU", &cfg.Texture.GPU)
	str("MODEL_PATH", &cfg.Texture.ModelPath)
	str("WAL_PATH", &cfg.Journal.WALPath)
	str("SNAPSHOT_PATH", &cfg.Journal.SnapshotPath)
	flag("METRICS", &cfg.Metrics.Enabled)
	num("MAX_PHOTOS", &cfg.Limits.MaxPhotos)
	str("LOG_LEVEL", &cfg.Log.Level)
	str("LOG_FORMAT", &cfg.Log.Format)

	return errors.Join(errs...)
}

func (c *Config) validate() error {
	if c.Worker.WorkerCount < 1 {
		return fmt.Errorf("worker.worker_count must be >= 1, got %d", c.Worker.WorkerCount)
	}
	if c.Limits.MaxPhotos < 1 {
		return fmt.Errorf("limits.max_photos must be >= 1, got %d", c.Limits.MaxPhotos)
	}
	if c.Storage.UploadDir == "" || c.Storage.OutputDir == "" {
		return errors.New("storage.upload_dir and storage.output_dir are required")
	}
	if c.Journal.WALPath == "" || c.Journal.SnapshotPath == "" {
		return errors.New("journal.wal_path and journal.snapshot_path are required")
	}
	if _, err := parseLevel(c.Log.Level); err != nil {
		return err
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("log.format must be text or json, got %q", c.Log.Format)
	}
	return nil
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.ToUpper(s))); err != nil {
		return 0, fmt.Errorf("invalid log level %q: %w", s, err)
	}
	return level, nil
}

// newLogger builds the process logger from the log section.
func newLogger(c *Config, w io.Writer) *slog.Logger {
	level, _ := parseLevel(c.Log.Level)
	opts := &slog.HandlerOptions{Level: level}
	if c.Log.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/plan2mesh/internal/crops"
	"github.com/ChuLiYu/plan2mesh/pkg/types"
)

// ============================================================================
// 命令結構
// ============================================================================

func TestBuildCLI(t *testing.T) {
	cmd := BuildCLI()

	assert.Equal(t, "plan2mesh", cmd.Use)
	assert.Equal(t, Version, cmd.Version)

	names := make(map[string]bool)
	for _, c := range cmd.Commands() {
		names[c.Name()] = true
	}
	for _, want := range []string{"serve", "submit", "status", "mesh", "version"} {
		assert.True(t, names[want], "missing %q command", want)
	}

	configFlag := cmd.PersistentFlags().Lookup("config")
	require.NotNil(t, configFlag)
	assert.Equal(t, "configs/default.yaml", configFlag.DefValue)
	assert.Equal(t, "c", configFlag.Shorthand)
	assert.NotNil(t, cmd.PersistentFlags().Lookup("env"))
}

func TestSubmitCommandFlags(t *testing.T) {
	cmd := buildSubmitCommand()

	fp := cmd.Flags().Lookup("floorplan")
	require.NotNil(t, fp)
	assert.Equal(t, "f", fp.Shorthand)
	photo := cmd.Flags().Lookup("photo")
	require.NotNil(t, photo)
	assert.Equal(t, "p", photo.Shorthand)
}

func TestStatusCommandRejectsExtraArgs(t *testing.T) {
	cmd := BuildCLI()
	cmd.SetArgs([]string{"status", "a", "b"})
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	assert.Error(t, cmd.Execute())
}

func TestVersionCommand(t *testing.T) {
	var out bytes.Buffer
	cmd := BuildCLI()
	cmd.SetArgs([]string{"version"})
	cmd.SetOut(&out)

	require.NoError(t, cmd.Execute())
	assert.Equal(t, "plan2mesh "+Version+"\n", out.String())
}

// ============================================================================
// 設定載入
// ============================================================================

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadConfig_ValidYAML(t *testing.T) {
	path := writeFile(t, t.TempDir(), "config.yaml", `
server:
  http_addr: ":9000"
  grpc_addr: ""
worker:
  worker_count: 4
  task_timeout: 5s
storage:
  upload_dir: /srv/uploads
  output_dir: /srv/outputs
  cleanup_hours: 0
dataset:
  root: /data/rent3d
  max_crops: 3
texture:
  gpu: true
  model_path: /models/ckpt.bin
  target_size: 256
journal:
  wal_path: /state/jobs.wal
  snapshot_path: /state/snap.json
  snapshot_interval: 15s
  snapshot_backups: 5
  sync: true
metrics:
  enabled: false
limits:
  max_photos: 8
  max_file_bytes: 1048576
log:
  level: debug
  format: json
`)

	cfg, err := loadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, ":9000", cfg.Server.HTTPAddr)
	assert.Empty(t, cfg.Server.GRPCAddr)
	assert.Equal(t, 4, cfg.Worker.WorkerCount)
	assert.Equal(t, 5*time.Second, cfg.Worker.TaskTimeout)
	assert.Equal(t, "/srv/uploads", cfg.Storage.UploadDir)
	assert.Equal(t, 0, cfg.Storage.CleanupHours)
	assert.Equal(t, "/data/rent3d", cfg.Dataset.Root)
	assert.Equal(t, 3, cfg.Dataset.MaxCrops)
	assert.True(t, cfg.Texture.GPU)
	assert.Equal(t, 256, cfg.Texture.TargetSize)
	assert.Equal(t, 128, cfg.Texture.WorkSize, "unset fields keep defaults")
	assert.Equal(t, 15*time.Second, cfg.Journal.SnapshotInterval)
	assert.Equal(t, 5, cfg.Journal.SnapshotBackups)
	assert.True(t, cfg.Journal.Sync)
	assert.False(t, cfg.Metrics.Enabled)
	assert.Equal(t, 8, cfg.Limits.MaxPhotos)
	assert.Equal(t, int64(1<<20), cfg.Limits.MaxFileBytes)
	assert.Equal(t, "json", cfg.Log.Format)
}

func TestLoadConfig_FileNotFound(t *testing.T) {
	cfg, err := loadConfig("/nonexistent/config.yaml")

	assert.Nil(t, cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read config file")
}

func TestLoadConfig_InvalidYAML(t *testing.T) {
	path := writeFile(t, t.TempDir(), "invalid.yaml", `
worker:
  worker_count: "not a number"
  invalid yaml structure
    broken indentation
`)

	cfg, err := loadConfig(path)
	assert.Nil(t, cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse config YAML")
}

func TestLoadConfig_EmptyFileUsesDefaults(t *testing.T) {
	path := writeFile(t, t.TempDir(), "empty.yaml", "")

	cfg, err := loadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, defaultConfig(), cfg)
}

func TestLoadConfig_NoFile(t *testing.T) {
	cfg, err := loadConfig("")
	require.NoError(t, err)
	assert.Equal(t, 20, cfg.Limits.MaxPhotos)
	assert.Equal(t, int64(10<<20), cfg.Limits.MaxFileBytes)
}

func TestLoadConfig_Validation(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"zero workers", "worker:\n  worker_count: 0\n", "worker_count"},
		{"zero photos", "limits:\n  max_photos: 0\n", "max_photos"},
		{"missing wal", "journal:\n  wal_path: \"\"\n", "wal_path"},
		{"bad level", "log:\n  level: loud\n", "invalid log level"},
		{"bad format", "log:\n  format: xml\n", "log.format"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeFile(t, t.TempDir(), "c.yaml", tt.yaml)
			_, err := loadConfig(path)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoadConfig_EnvOverrides(t *testing.T) {
	t.Setenv("PLAN2MESH_WORKERS", "6")
	t.Setenv("PLAN2MESH_DATA_ROOT", "/env/data")
	t.Setenv("PLAN2MESH_GPU", "true")
	t.Setenv("PLAN2MESH_HTTP_ADDR", ":7000")

	path := writeFile(t, t.TempDir(), "c.yaml", "worker:\n  worker_count: 2\ndataset:\n  root: /yaml/data\n")
	cfg, err := loadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, 6, cfg.Worker.WorkerCount)
	assert.Equal(t, "/env/data", cfg.Dataset.Root)
	assert.True(t, cfg.Texture.GPU)
	assert.Equal(t, ":7000", cfg.Server.HTTPAddr)
}

func TestLoadConfig_EnvOverrideInvalid(t *testing.T) {
	t.Setenv("PLAN2MESH_WORKERS", "many")
	t.Setenv("PLAN2MESH_METRICS", "perhaps")

	_, err := loadConfig("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "PLAN2MESH_WORKERS")
	assert.Contains(t, err.Error(), "PLAN2MESH_METRICS")
}

func TestLoadConfig_DotenvOverlay(t *testing.T) {
	// t.Setenv 記錄原值以便還原，再清掉讓 dotenv 可以設定
	t.Setenv("PLAN2MESH_LOG_FORMAT", "")
	require.NoError(t, os.Unsetenv("PLAN2MESH_LOG_FORMAT"))
	t.Setenv("PLAN2MESH_LOG_LEVEL", "warn")

	dir := t.TempDir()
	env := writeFile(t, dir, ".env", "PLAN2MESH_LOG_FORMAT=json\nPLAN2MESH_LOG_LEVEL=debug\n")

	cfg, err := loadConfig("", filepath.Join(dir, "missing.env"), env)
	require.NoError(t, err)

	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, "warn", cfg.Log.Level, "process environment wins over dotenv")
}

func TestNewLogger(t *testing.T) {
	cfg := defaultConfig()
	cfg.Log.Format = "json"
	cfg.Log.Level = "warn"

	var buf bytes.Buffer
	lg := newLogger(cfg, &buf)
	lg.Info("hidden")
	lg.Warn("shown", "jobID", "j1")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 1)
	var rec map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &rec))
	assert.Equal(t, "shown", rec["msg"])
	assert.Equal(t, "j1", rec["jobID"])
}

type brokenStore struct{}

func (brokenStore) Crops(string, types.Surface) ([]string, error) { return nil, errors.New("boom") }
func (brokenStore) FallbackPool(string) ([]string, error)        { return nil, nil }

// 設定好的 handler 必須套用到其他 package 的 log
func TestConfiguredLoggerReachesPackages(t *testing.T) {
	cfg := defaultConfig()
	cfg.Log.Format = "json"
	cfg.Log.Level = "debug"

	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })

	var buf bytes.Buffer
	slog.SetDefault(newLogger(cfg, &buf))

	crops.NewCollector(brokenStore{}, 0).CollectAll("h1", rand.New(rand.NewSource(1)))

	var warned, collected int
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		var rec map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &rec), line)
		switch rec["msg"] {
		case "crop lookup failed":
			warned++
			assert.Equal(t, "WARN", rec["level"])
			assert.Equal(t, "h1", rec["entity"])
			assert.Equal(t, "boom", rec["err"])
		case "crops collected":
			collected++
			assert.Equal(t, "DEBUG", rec["level"])
			assert.Equal(t, "h1", rec["entity"])
			assert.Contains(t, rec, "surface")
		}
	}
	assert.Equal(t, len(types.Surfaces), warned)
	assert.Equal(t, len(types.Surfaces), collected)
}

// ============================================================================
// serve
// ============================================================================

func testConfig(t *testing.T) *Config {
	t.Helper()
	dir := t.TempDir()
	cfg := defaultConfig()
	cfg.Server.HTTPAddr = "127.0.0.1:0"
	cfg.Server.GRPCAddr = "127.0.0.1:0"
	cfg.Worker.WorkerCount = 1
	cfg.Storage.UploadDir = filepath.Join(dir, "uploads")
	cfg.Storage.OutputDir = filepath.Join(dir, "outputs")
	cfg.Dataset.Root = filepath.Join(dir, "data")
	cfg.Journal.WALPath = filepath.Join(dir, "state", "jobs.wal")
	cfg.Journal.SnapshotPath = filepath.Join(dir, "state", "snapshot.json")
	return cfg
}

func TestBuildStack(t *testing.T) {
	cfg := testConfig(t)
	st, err := buildStack(cfg)
	require.NoError(t, err)
	defer st.ctrl.Stop()

	assert.DirExists(t, cfg.Storage.UploadDir)
	assert.DirExists(t, cfg.Storage.OutputDir)
	assert.NotNil(t, st.api.Metrics)
	assert.Equal(t, 20, st.api.Limits.MaxPhotos)
	assert.Equal(t, "cpu", st.ctrl.Health().Device)
}

func TestBuildStackWithoutMetrics(t *testing.T) {
	cfg := testConfig(t)
	cfg.Metrics.Enabled = false

	st, err := buildStack(cfg)
	require.NoError(t, err)
	defer st.ctrl.Stop()
	assert.Nil(t, st.api.Metrics)
}

func TestRunServeStopsOnCancel(t *testing.T) {
	cfg := testConfig(t)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- runServe(ctx, cfg) }()

	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("runServe did not return after cancel")
	}
	assert.FileExists(t, cfg.Journal.SnapshotPath)
}

// ============================================================================
// submit
// ============================================================================

func TestSubmitCommandWaits(t *testing.T) {
	var polls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/api/upload", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		if !assert.NoError(t, r.ParseMultipartForm(1<<20)) {
			return
		}
		assert.Len(t, r.MultipartForm.File["floorplan"], 1)
		assert.Len(t, r.MultipartForm.File["photos"], 2)
		w.Write([]byte(`{"job_id":"job-1","status":"queued","message":"Processing started"}`))
	})
	mux.HandleFunc("/api/status/job-1", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		if polls.Add(1) < 3 {
			w.Write([]byte(`{"job_id":"job-1","status":"processing","progress":40}`))
			return
		}
		w.Write([]byte(`{"job_id":"job-1","status":"completed","progress":100}`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	dir := t.TempDir()
	plan := writeFile(t, dir, "plan.png", "plan")
	a := writeFile(t, dir, "a.jpg", "a")
	b := writeFile(t, dir, "b.jpg", "b")

	var out bytes.Buffer
	cmd := BuildCLI()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"submit", "--server", srv.URL, "-f", plan, "-p", a, "-p", b, "--wait", "--interval", "10ms"})
	require.NoError(t, cmd.Execute())

	assert.True(t, strings.HasPrefix(out.String(), "job-1\n"))
	assert.Contains(t, out.String(), `"status": "completed"`)
	assert.EqualValues(t, 3, polls.Load())
}

func TestSubmitCommandReportsServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"detail":"Invalid floorplan image format"}`))
	}))
	defer srv.Close()

	dir := t.TempDir()
	plan := writeFile(t, dir, "plan.png", "plan")
	photo := writeFile(t, dir, "a.jpg", "a")

	cmd := BuildCLI()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetArgs([]string{"submit", "--server", srv.URL, "-f", plan, "-p", photo})
	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Invalid floorplan image format")
}

func TestSubmitCommandMissingFile(t *testing.T) {
	cmd := BuildCLI()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetArgs([]string{"submit", "--server", "http://127.0.0.1:1", "-f", "/nonexistent.png", "-p", "/nonexistent.jpg"})
	assert.Error(t, cmd.Execute())
}

// ============================================================================
// mesh
// ============================================================================

func TestMeshCommand(t *testing.T) {
	dir := t.TempDir()
	arch := writeFile(t, dir, "h1.scene.json", `{"scene":{"arch":{"elements":[
 {"type":"Floor","roomId":"r1","points":[[[0,0,0],[4,0,0],[4,0,4],[0,0,4]]]},
 {"type":"Ceiling","roomId":"r1","offset":[0,2.8,0]}
]}}}`)
	outDir := filepath.Join(dir, "out")

	var out bytes.Buffer
	cmd := BuildCLI()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"mesh", arch, "-o", outDir})
	require.NoError(t, cmd.Execute())

	assert.Contains(t, out.String(), "1 rooms")
	obj, err := os.ReadFile(filepath.Join(outDir, "model.obj"))
	require.NoError(t, err)
	assert.Contains(t, string(obj), "mtllib model.mtl")
	assert.FileExists(t, filepath.Join(outDir, "model.mtl"))
}

func TestMeshCommandFallback(t *testing.T) {
	dir := t.TempDir()
	arch := writeFile(t, dir, "broken.json", `{"scene":`)

	m, err := buildMesh(arch, true)
	require.NoError(t, err)
	assert.True(t, m.Fallback)

	_, err = buildMesh(arch, false)
	assert.Error(t, err)
}

// ============================================================================
// plan2mesh CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// Purpose: cobra 命令列介面
//
// Command Structure:
//   plan2mesh                      # Root command
//   ├── serve                      # 啟動 HTTP + gRPC 服務與 worker pool
//   ├── submit                     # 以 HTTP 上傳 floorplan 與照片
//   │   ├── --floorplan, -f
//   │   ├── --photo, -p (可重複)
//   │   └── --wait
//   ├── status [job-id]            # 透過 gRPC 查詢單一任務或列表
//   ├── mesh <arch.json>           # 離線把建築檔轉成 OBJ/MTL
//   └── version
//
// 全域旗標：
//   --config, -c   YAML 設定檔（預設 configs/default.yaml）
//   --env          額外的 dotenv 檔（可重複，預設 .env 與 .env.local）
//
// ============================================================================

package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/ChuLiYu/plan2mesh/internal/architecture"
	"github.com/ChuLiYu/plan2mesh/internal/mesh"
	"github.com/ChuLiYu/plan2mesh/internal/server"
	"github.com/ChuLiYu/plan2mesh/pkg/types"
)

// Version is overridden at build time with -ldflags "-X ...cli.Version=".
var Version = "0.1.0"

func logger() *slog.Logger { return slog.Default() }

type options struct {
	configFile string
	envFiles   []string
}

// BuildCLI returns the root command.
func BuildCLI() *cobra.Command {
	opts := &options{}

	rootCmd := &cobra.Command{
		Use:   "plan2mesh",
		Short: "plan2mesh: floorplan + room photos to a textured 3D model",
		Long: `plan2mesh turns an uploaded floorplan and room photos into a textured
3D mesh using Rent3D++ reference houses:
- asynchronous jobs on a bounded worker pool
- WAL + snapshot job registry that survives restarts
- HTTP upload/status/download API and a gRPC status service
- Prometheus metrics`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&opts.configFile, "config", "c", "configs/default.yaml", "config file path (empty for built-in defaults)")
	rootCmd.PersistentFlags().StringSliceVar(&opts.envFiles, "env", []string{".env", ".env.local"}, "dotenv files applied before PLAN2MESH_* overrides")

	rootCmd.AddCommand(buildServeCommand(opts))
	rootCmd.AddCommand(buildSubmitCommand())
	rootCmd.AddCommand(buildStatusCommand())
	rootCmd.AddCommand(buildMeshCommand())
	rootCmd.AddCommand(buildVersionCommand())

	return rootCmd
}

// Execute runs the CLI and returns the process exit code.
func Execute(ctx context.Context) int {
	if err := BuildCLI().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		return 1
	}
	return 0
}

// ============================================================================
// serve
// ============================================================================

func buildServeCommand(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the plan2mesh service",
		Long:  "Start the HTTP API, the gRPC status service and the job worker pool",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(opts.configFile, opts.envFiles...)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			slog.SetDefault(newLogger(cfg, cmd.ErrOrStderr()))
			return runServe(cmd.Context(), cfg)
		},
	}
	return cmd
}

// ============================================================================
// submit
// ============================================================================

func buildSubmitCommand() *cobra.Command {
	var (
		baseURL   string
		floorplan string
		photos    []string
		wait      bool
		interval  time.Duration
	)

	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Upload a floorplan and room photos",
		Long:  "Upload a floorplan and room photos to a running server and print the job id",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(photos) == 0 {
				return fmt.Errorf("at least one --photo is required")
			}
			ctx := cmd.Context()
			c := newHTTPClient(baseURL)

			id, err := c.upload(ctx, floorplan, photos)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), id)
			if !wait {
				return nil
			}

			st, err := c.waitFor(ctx, id, interval)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), st)
		},
	}

	cmd.Flags().StringVar(&baseURL, "server", "http://localhost:8000", "HTTP server base URL")
	cmd.Flags().StringVarP(&floorplan, "floorplan", "f", "", "floorplan image")
	cmd.Flags().StringArrayVarP(&photos, "photo", "p", nil, "room photo (repeatable)")
	cmd.Flags().BoolVar(&wait, "wait", false, "poll until the job finishes")
	cmd.Flags().DurationVar(&interval, "interval", time.Second, "poll interval with --wait")
	_ = cmd.MarkFlagRequired("floorplan")

	return cmd
}

// ============================================================================
// status
// ============================================================================

func buildStatusCommand() *cobra.Command {
	var (
		addr    string
		limit   int
		status  string
		timeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "status [job-id]",
		Short: "Show job status",
		Long:  "Show one job's status, or list recent jobs when no id is given, over gRPC",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := server.Dial(addr)
			if err != nil {
				return err
			}
			defer client.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			if len(args) == 1 {
				st, err := client.GetStatus(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), st)
			}
			jobs, err := client.ListJobs(ctx, limit, status)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), jobs)
		},
	}

	cmd.Flags().StringVar(&addr, "grpc", "localhost:50051", "gRPC server address")
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum jobs to list")
	cmd.Flags().StringVar(&status, "status", "", "only list jobs in this status")
	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Second, "request timeout")

	return cmd
}

// ============================================================================
// mesh
// ============================================================================

func buildMeshCommand() *cobra.Command {
	var (
		outDir   string
		fallback bool
	)

	cmd := &cobra.Command{
		Use:   "mesh <architecture.json>",
		Short: "Convert an architecture file to OBJ/MTL",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := buildMesh(args[0], fallback)
			if err != nil {
				return err
			}
			if err := writeMeshFiles(outDir, m); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s: %d vertices, %d faces, %d rooms\n",
				filepath.Join(outDir, "model.obj"), len(m.Vertices), len(m.Faces), len(m.Rooms))
			return nil
		},
	}

	cmd.Flags().StringVarP(&outDir, "out", "o", ".", "output directory")
	cmd.Flags().BoolVar(&fallback, "fallback", true, "emit the placeholder solid when the file is unusable")

	return cmd
}

func buildMesh(path string, fallback bool) (*mesh.Mesh, error) {
	arch, err := architecture.Load(path)
	if err != nil {
		if !fallback {
			return nil, err
		}
		logger().Warn("architecture unusable, using fallback mesh", "path", path, "error", err)
		return mesh.Fallback(), nil
	}
	return mesh.FromArchitecture(arch, mesh.Options{DisableFallback: !fallback})
}

func writeMeshFiles(dir string, m *mesh.Mesh) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	obj, err := os.Create(filepath.Join(dir, "model.obj"))
	if err != nil {
		return err
	}
	if err := mesh.WriteOBJ(obj, m, mesh.OBJOptions{Header: []string{"plan2mesh mesh"}, MaterialLib: "model.mtl"}); err != nil {
		obj.Close()
		return err
	}
	if err := obj.Close(); err != nil {
		return err
	}

	mtl, err := os.Create(filepath.Join(dir, "model.mtl"))
	if err != nil {
		return err
	}
	if err := mesh.WriteMTL(mtl, map[types.Surface]string{}); err != nil {
		mtl.Close()
		return err
	}
	return mtl.Close()
}

// ============================================================================
// version
// ============================================================================

func buildVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), "plan2mesh", Version)
		},
	}
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

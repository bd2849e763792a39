package main

// ============================================================================
// 崩潰恢復示範
// ============================================================================
//
//   go run ./cmd/demo start     # 建立示範資料、送出任務，處理中按 Ctrl+C
//   go run ./cmd/demo recover   # 重新啟動，檢查 WAL + 快照恢復的結果
//
// 處理中的任務在重啟後會標記為 failed（interrupted by restart），
// 尚未開始的任務會重新排入佇列。
// ============================================================================

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/png"
	"log/slog"
	"math/rand"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/ChuLiYu/plan2mesh/internal/controller"
	"github.com/ChuLiYu/plan2mesh/internal/crops"
	"github.com/ChuLiYu/plan2mesh/internal/dataset"
	"github.com/ChuLiYu/plan2mesh/internal/jobmanager"
	"github.com/ChuLiYu/plan2mesh/internal/pipeline"
	"github.com/ChuLiYu/plan2mesh/internal/storage"
	"github.com/ChuLiYu/plan2mesh/internal/texture"
	"github.com/ChuLiYu/plan2mesh/pkg/types"
)

const (
	demoDir  = "demo-state"
	demoJobs = 40
)

const demoHouse = `{"scene":{"arch":{"elements":[
 {"type":"Floor","roomId":"living","points":[[[0,0,0],[6,0,0],[6,0,4],[0,0,4]]]},
 {"type":"Ceiling","roomId":"living","offset":[0,2.7,0]},
 {"type":"Floor","roomId":"bed","points":[[[6,0,0],[9,0,0],[9,0,4],[6,0,4]]]},
 {"type":"Ceiling","roomId":"bed","offset":[0,2.5,0]}
]}}}`

func main() {
	if len(os.Args) < 2 || (os.Args[1] != "start" && os.Args[1] != "recover") {
		fmt.Println("Usage: go run ./cmd/demo <start|recover>")
		os.Exit(1)
	}
	mode := os.Args[1]

	if err := run(mode); err != nil {
		slog.Error("demo failed", "error", err)
		os.Exit(1)
	}
}

func run(mode string) error {
	if mode == "start" {
		if err := os.RemoveAll(demoDir); err != nil {
			return err
		}
	}
	archPath, err := writeDemoHouse()
	if err != nil {
		return err
	}

	layout, err := storage.NewLayout(filepath.Join(demoDir, "uploads"), filepath.Join(demoDir, "outputs"))
	if err != nil {
		return err
	}
	ctrl, err := controller.NewController(controller.Config{
		WorkerCount:      4,
		SnapshotInterval: 2 * time.Second,
		WALPath:          filepath.Join(demoDir, "state", "jobs.wal"),
		SnapshotPath:     filepath.Join(demoDir, "state", "snapshot.json"),
	}, controller.Deps{
		Processor: &pipeline.Processor{
			Source:      demoSource{ref: dataset.Reference{HouseID: "demo", Split: "test", ArchPath: archPath}},
			Crops:       crops.NewCollector(crops.FSStore{Root: filepath.Join(demoDir, "data")}, 0),
			Synthesizer: texture.New(texture.Config{TargetSize: 1024}),
		},
		Layout: layout,
	})
	if err != nil {
		return err
	}
	if err := ctrl.Start(); err != nil {
		return err
	}
	fmt.Printf("✓ Controller started (mode: %s)\n", mode)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if mode == "recover" {
		printStats("Immediate Status After Recovery", ctrl)
		for _, j := range ctrl.List(jobmanager.ListFilter{Status: types.StatusFailed, Limit: 5}) {
			fmt.Printf("  %s: %s\n", j.ID, j.Error)
		}
	} else {
		if err := submitDemoJobs(ctx, ctrl, layout); err != nil {
			ctrl.Stop()
			return err
		}
		fmt.Printf("✓ Submitted %d jobs\n", demoJobs)
		fmt.Printf("💡 Press Ctrl+C while jobs are processing, then run 'recover'\n\n")
	}

	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			fmt.Println("\nReceived shutdown signal, stopping gracefully...")
			ctrl.Stop()
			fmt.Println("✓ Controller stopped")
			return nil
		case <-ticker.C:
			h := ctrl.Health()
			fmt.Printf("📊 queued=%d processing=%d completed=%d failed=%d\n",
				h.ByStatus[types.StatusQueued], h.ByStatus[types.StatusProcessing],
				h.ByStatus[types.StatusCompleted], h.ByStatus[types.StatusFailed])
			if h.ByStatus[types.StatusQueued]+h.ByStatus[types.StatusProcessing] == 0 {
				printStats("Final Status", ctrl)
				ctrl.Stop()
				return nil
			}
		}
	}
}

type demoSource struct{ ref dataset.Reference }

func (s demoSource) Pick(*rand.Rand) (dataset.Reference, error) { return s.ref, nil }

func writeDemoHouse() (string, error) {
	path := filepath.Join(demoDir, "data", "demo.scene.json")
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", err
	}
	return path, os.WriteFile(path, []byte(demoHouse), 0o644)
}

func submitDemoJobs(ctx context.Context, ctrl *controller.Controller, layout *storage.Layout) error {
	img := image.NewRGBA(image.Rect(0, 0, 32, 32))
	for i := range img.Pix {
		img.Pix[i] = uint8(i)
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return err
	}

	for i := 0; i < demoJobs; i++ {
		id := controller.NewJobID()
		plan, err := layout.SaveFloorplan(string(id), "plan.png", buf.Bytes())
		if err != nil {
			return err
		}
		photo, err := layout.SavePhoto(string(id), 0, "room.png", buf.Bytes())
		if err != nil {
			return err
		}
		if _, err := ctrl.Submit(ctx, controller.Submission{ID: id, FloorplanPath: plan, PhotoPaths: []string{photo}}); err != nil {
			return err
		}
	}
	return nil
}

func printStats(title string, ctrl *controller.Controller) {
	h := ctrl.Health()
	fmt.Printf("\n📊 %s:\n", title)
	fmt.Printf("  Queued:     %d\n", h.ByStatus[types.StatusQueued])
	fmt.Printf("  Processing: %d\n", h.ByStatus[types.StatusProcessing])
	fmt.Printf("  Completed:  %d\n", h.ByStatus[types.StatusCompleted])
	fmt.Printf("  Failed:     %d\n", h.ByStatus[types.StatusFailed])
	fmt.Printf("  ─────────────────\n")
	fmt.Printf("  Total:      %d\n\n", h.TotalJobs)
}

// Package pipeline runs the stages of one floorplan → mesh job and reports
// progress as a stream of events.
package pipeline

// ============================================================================
// 任務處理流程
// 階段與進度點：
//   5  初始化          10 挑選參考 house     20 架構檔定位
//   30 收集 crops      40 載入架構           50 材質合成
//   65 產生網格        80 寫出 metadata      95 收尾
// 100 由 orchestrator 在標記 Completed 時設定
// ============================================================================

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"path/filepath"
	"time"

	"github.com/ChuLiYu/plan2mesh/internal/architecture"
	"github.com/ChuLiYu/plan2mesh/internal/crops"
	"github.com/ChuLiYu/plan2mesh/internal/dataset"
	"github.com/ChuLiYu/plan2mesh/internal/mesh"
	"github.com/ChuLiYu/plan2mesh/internal/texture"
	"github.com/ChuLiYu/plan2mesh/pkg/types"
)

// logger resolves the default logger on each call.
func logger() *slog.Logger { return slog.Default() }

// 輸出檔名
const (
	ModelOBJ  = "model.obj"
	ModelMTL  = "model.mtl"
	SceneJSON = "scene.json"
	Video     = "walkthrough.mp4"
)

// VideoPlaceholder is the content of the walkthrough artifact.
var VideoPlaceholder = []byte("MP4_PLACEHOLDER")

// Input is what a job hands to the pipeline.
type Input struct {
	JobID         types.JobID
	FloorplanPath string
	PhotoPaths    []string
	OutputDir     string
}

// Processor wires the stage components together.
type Processor struct {
	Source      dataset.Source
	Crops       *crops.Collector
	Synthesizer *texture.Synthesizer
	MeshOptions mesh.Options
	Now         func() time.Time
}

// Run executes every stage. Progress events are sent on progress, which may
// be nil; a send blocks until received or ctx is done.
func (p *Processor) Run(ctx context.Context, in Input, rng *rand.Rand, progress chan<- types.ProgressEvent) (*types.ResultBundle, error) {
	now := p.Now
	if now == nil {
		now = time.Now
	}
	started := now()
	report := func(pct int, msg string) error {
		if progress == nil {
			return nil
		}
		select {
		case progress <- types.ProgressEvent{JobID: in.JobID, Progress: pct, Message: msg}:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if err := report(5, "Initializing pipeline"); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(in.OutputDir, 0o755); err != nil {
		return nil, fmt.Errorf("create output dir: %w", err)
	}
	logger().Info("pipeline started", "jobID", in.JobID, "floorplan", in.FloorplanPath, "photos", len(in.PhotoPaths))

	// 參考 house
	if err := report(10, "Selecting reference house"); err != nil {
		return nil, err
	}
	ref, err := p.Source.Pick(rng)
	if err != nil {
		return nil, err
	}
	if err := report(20, fmt.Sprintf("Loading house %s architecture", ref.HouseID)); err != nil {
		return nil, err
	}

	// crops
	if err := report(30, "Collecting surface texture crops"); err != nil {
		return nil, err
	}
	collection := p.Crops.CollectAll(ref.HouseID, rng)

	// 架構
	if err := report(40, "Loading 3D architecture"); err != nil {
		return nil, err
	}
	arch, err := architecture.Load(ref.ArchPath)
	if err != nil {
		logger().Warn("architecture unreadable, treating as empty", "jobID", in.JobID, "house", ref.HouseID, "err", err)
		arch = &architecture.Architecture{}
	}

	// 材質
	if err := report(50, "Running texture synthesis"); err != nil {
		return nil, err
	}
	set, err := p.Synthesizer.SynthesizeAll(ctx, collection.Crops, rng)
	if err != nil {
		return nil, err
	}
	texPaths, err := texture.SaveAll(in.OutputDir, set)
	if err != nil {
		return nil, err
	}

	// 網格
	if err := report(65, "Generating mesh geometry"); err != nil {
		return nil, err
	}
	m, err := mesh.FromArchitecture(arch, p.MeshOptions)
	if err != nil {
		return nil, err
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	if err := writeModel(in.OutputDir, ref.HouseID, m, texPaths); err != nil {
		return nil, err
	}

	// metadata
	if err := report(80, "Writing scene metadata"); err != nil {
		return nil, err
	}
	meta := buildMetadata(in, ref, collection, set, arch, m, p.Synthesizer.DeviceName(), started, now())
	if err := writeJSON(filepath.Join(in.OutputDir, SceneJSON), meta); err != nil {
		return nil, err
	}

	if err := report(95, "Finalizing outputs"); err != nil {
		return nil, err
	}
	if err := os.WriteFile(filepath.Join(in.OutputDir, Video), VideoPlaceholder, 0o644); err != nil {
		return nil, err
	}

	textures := make(map[string]string, len(texPaths))
	for s, rel := range texPaths {
		textures[string(s)] = rel
	}
	logger().Info("pipeline finished", "jobID", in.JobID, "house", ref.HouseID,
		"vertices", len(m.Vertices), "faces", len(m.Faces), "fallbackMesh", m.Fallback)

	return &types.ResultBundle{
		ModelOBJ:  ModelOBJ,
		ModelMTL:  ModelMTL,
		Textures:  textures,
		Video:     Video,
		SceneJSON: SceneJSON,
		Summary:   fmt.Sprintf("Generated textured model using Rent3D++ house %s", ref.HouseID),
	}, nil
}

func writeModel(dir, houseID string, m *mesh.Mesh, textures map[types.Surface]string) (err error) {
	obj, err := os.Create(filepath.Join(dir, ModelOBJ))
	if err != nil {
		return err
	}
	defer func() {
		err = errors.Join(err, obj.Close())
	}()

	header := []string{"plan2mesh generated model", "Reference House: " + houseID}
	if m.Fallback {
		header = append(header, "Fallback simple house (architecture unusable)")
	}
	if err := mesh.WriteOBJ(obj, m, mesh.OBJOptions{Header: header, MaterialLib: ModelMTL}); err != nil {
		return fmt.Errorf("write obj: %w", err)
	}

	mtl, err := os.Create(filepath.Join(dir, ModelMTL))
	if err != nil {
		return err
	}
	defer func() {
		err = errors.Join(err, mtl.Close())
	}()
	return mesh.WriteMTL(mtl, textures)
}

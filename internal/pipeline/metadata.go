package pipeline

import (
	"encoding/json"
	"os"
	"time"

	"github.com/ChuLiYu/plan2mesh/internal/architecture"
	"github.com/ChuLiYu/plan2mesh/internal/crops"
	"github.com/ChuLiYu/plan2mesh/internal/dataset"
	"github.com/ChuLiYu/plan2mesh/internal/mesh"
	"github.com/ChuLiYu/plan2mesh/internal/texture"
	"github.com/ChuLiYu/plan2mesh/pkg/types"
)

// SceneMetadata is the scene.json document.
type SceneMetadata struct {
	JobID       types.JobID       `json:"job_id"`
	Status      string            `json:"status"`
	Reference   dataset.Reference `json:"reference_house"`
	Dataset     DatasetInfo       `json:"dataset_info"`
	Arch        ArchInfo          `json:"architecture"`
	Mesh        MeshInfo          `json:"mesh"`
	UserInputs  UserInputs        `json:"user_inputs"`
	StartedAt   time.Time         `json:"started_at"`
	CompletedAt time.Time         `json:"completed_at"`
}

// DatasetInfo summarises crops and synthesis.
type DatasetInfo struct {
	CropsUsed         map[types.Surface]int            `json:"crops_used"`
	TotalCrops        int                              `json:"total_crops"`
	Substitutions     map[types.Surface]string         `json:"fallback_substitutions,omitempty"`
	TexturesGenerated int                              `json:"textures_generated"`
	SynthesisMethod   map[types.Surface]texture.Method `json:"synthesis_method"`
	Device            string                           `json:"device"`
	GPUAccelerated    bool                             `json:"gpu_accelerated"`
}

// ArchInfo carries architecture statistics.
type ArchInfo struct {
	architecture.Stats
	RoomsMeshed  int  `json:"rooms_meshed"`
	FallbackMesh bool `json:"fallback_mesh"`
}

// MeshInfo carries mesh sizes.
type MeshInfo struct {
	Vertices int `json:"vertices"`
	Faces    int `json:"faces"`
}

// UserInputs records what the user uploaded.
type UserInputs struct {
	Floorplan string `json:"floorplan"`
	Photos    int    `json:"photos"`
}

func buildMetadata(in Input, ref dataset.Reference, col crops.Collection, set texture.Set,
	arch *architecture.Architecture, m *mesh.Mesh, device string, started, completed time.Time) SceneMetadata {

	counts := col.Crops.Counts()
	total := 0
	for _, n := range counts {
		total += n
	}

	methods := make(map[types.Surface]texture.Method, len(set))
	gpu := false
	for s, tex := range set {
		methods[s] = tex.Method
		gpu = gpu || tex.Method == texture.MethodGPU
	}

	return SceneMetadata{
		JobID:     in.JobID,
		Status:    "complete",
		Reference: ref,
		Dataset: DatasetInfo{
			CropsUsed:         counts,
			TotalCrops:        total,
			Substitutions:     col.Substituted,
			TexturesGenerated: len(set),
			SynthesisMethod:   methods,
			Device:            device,
			GPUAccelerated:    gpu,
		},
		Arch: ArchInfo{
			Stats:        arch.Stats(),
			RoomsMeshed:  len(m.Rooms),
			FallbackMesh: m.Fallback,
		},
		Mesh:        MeshInfo{Vertices: len(m.Vertices), Faces: len(m.Faces)},
		UserInputs:  UserInputs{Floorplan: in.FloorplanPath, Photos: len(in.PhotoPaths)},
		StartedAt:   started,
		CompletedAt: completed,
	}
}

func writeJSON(path string, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, b, 0o644)
}

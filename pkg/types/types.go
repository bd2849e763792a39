// Package types 定義了 plan2mesh 系統中使用的核心領域模型
package types

import (
	"time"
)

// JobID 任務唯一識別碼
type JobID string

// JobStatus 任務狀態
type JobStatus string

// 定義任務狀態常數
const (
	StatusQueued     JobStatus = "queued"     // 已建立，等待 worker 取走
	StatusProcessing JobStatus = "processing" // pipeline 執行中
	StatusCompleted  JobStatus = "completed"  // 成功結束，Result 一定存在
	StatusFailed     JobStatus = "failed"     // 失敗結束，Error 一定非空
)

// IsTerminal reports whether no further transitions are allowed.
func (s JobStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Valid reports whether s is one of the four known states.
func (s JobStatus) Valid() bool {
	switch s {
	case StatusQueued, StatusProcessing, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// Job 任務結構，代表一次 floorplan → mesh 的處理請求
type Job struct {
	// 識別
	ID JobID `json:"job_id"`

	// 狀態追蹤
	Status   JobStatus `json:"status"`
	Progress int       `json:"progress"` // 0..100，單次執行內單調不減
	Message  string    `json:"message"`
	Error    string    `json:"error,omitempty"`

	// 輸入與輸出位置
	FloorplanPath string   `json:"floorplan_path"`
	PhotoPaths    []string `json:"photo_paths"`
	OutputDir     string   `json:"output_dir"`

	// 時間
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	// 成功時的產出
	Result *ResultBundle `json:"result,omitempty"`
}

// Clone returns a deep copy that shares no mutable state with j.
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	c := *j
	if j.PhotoPaths != nil {
		c.PhotoPaths = append([]string(nil), j.PhotoPaths...)
	}
	if j.StartedAt != nil {
		t := *j.StartedAt
		c.StartedAt = &t
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		c.CompletedAt = &t
	}
	c.Result = j.Result.Clone()
	return &c
}

// ResultBundle 成功任務的產出檔案（皆為相對於 OutputDir 的路徑）
type ResultBundle struct {
	ModelOBJ  string            `json:"model_obj"`
	ModelMTL  string            `json:"model_mtl,omitempty"`
	Textures  map[string]string `json:"textures"`
	Video     string            `json:"video"`
	SceneJSON string            `json:"scene_json"`
	Summary   string            `json:"summary"`
}

// Clone returns a deep copy of the bundle.
func (r *ResultBundle) Clone() *ResultBundle {
	if r == nil {
		return nil
	}
	c := *r
	if r.Textures != nil {
		c.Textures = make(map[string]string, len(r.Textures))
		for k, v := range r.Textures {
			c.Textures[k] = v
		}
	}
	return &c
}

// Surface 表面類型，三種材質各自獨立追蹤
type Surface string

const (
	SurfaceFloor   Surface = "floor"
	SurfaceWall    Surface = "wall"
	SurfaceCeiling Surface = "ceiling"
)

// Surfaces lists every surface in output order.
var Surfaces = []Surface{SurfaceFloor, SurfaceWall, SurfaceCeiling}

// ProgressEvent pipeline 回報的進度事件，由 controller 消費並寫回 registry
type ProgressEvent struct {
	JobID    JobID  `json:"job_id"`
	Progress int    `json:"progress"`
	Message  string `json:"message"`
}

// SnapshotData 快照資料，用於單機重啟時恢復 registry
type SnapshotData struct {
	Jobs      map[JobID]*Job `json:"jobs"`       // 所有任務的完整資料
	SchemaVer int            `json:"schema_ver"` // 資料結構版本號
	LastSeq   uint64         `json:"last_seq"`   // 快照時 journal 的最後序號
}

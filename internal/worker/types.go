package worker

import (
	"context"
	"time"

	"github.com/ChuLiYu/plan2mesh/pkg/types"
)

// Task 代表要執行的任務
type Task struct {
	ID      types.JobID                     // 任務唯一識別碼
	Timeout time.Duration                   // 執行超時時間，<= 0 代表不限
	Run     func(ctx context.Context) error // 實際的工作內容
}

// Result 代表任務執行結果
type Result struct {
	JobID    types.JobID   // 任務 ID
	WorkerID int           // 執行的 Worker
	Success  bool          // 執行是否成功
	Error    error         // 錯誤訊息（如果有）
	Duration time.Duration // 實際執行時間
}

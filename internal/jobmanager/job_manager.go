// ============================================================================
// plan2mesh 任務管理器 - 任務狀態機實現
// ============================================================================
//
// Package: internal/jobmanager
// 文件: job_manager.go
// 功能: 管理 floorplan → mesh 任務的完整生命週期和狀態轉換
//
// 任務狀態轉換 (State Machine):
//   Queued (排隊中)
//      ↓ PopQueued() + MarkProcessing()
//   Processing (處理中)
//      ↓ MarkCompleted() 或 MarkFailed()
//   Completed (已完成) / Failed (失敗)
//
// 狀態轉換規則:
//   - Queued → Processing: 唯一入口 MarkProcessing()，終態任務一律拒絕
//   - Processing → Completed: MarkCompleted()，progress 設為 100
//   - Queued/Processing → Failed: MarkFailed()，保留最後的 progress
//   - 終態任務只能被刪除，不能再轉換
//
// 數據結構設計:
//   store Store - 注入的任務存儲（單一真實來源）
//   queue []JobID - 排隊中任務，保證 FIFO
//
// 並發安全:
//   - sync.RWMutex 序列化所有狀態轉換
//   - 所有讀取回傳深拷貝，輪詢者永遠看到一致的 status/progress 組合
//
// 快照支持:
//   - Snapshot() / Restore() 配合 journal 做單機重啟恢復
//
// ============================================================================

package jobmanager

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ChuLiYu/plan2mesh/pkg/types"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// 任務 ID 重複
	ErrDuplicateJob = errors.New("job already exists")
	// 任務不存在
	ErrJobNotFound = errors.New("job not found")
	// 任務已在終態，不允許再轉換
	ErrTerminalJob = errors.New("job already in terminal state")
	// 任務不在預期狀態
	ErrInvalidTransition = errors.New("invalid job state transition")
	// 任務處理中，不能刪除
	ErrJobBusy = errors.New("job is processing")
)

// SchemaVersion 快照資料結構版本
const SchemaVersion = 1

// ============================================================================
// 資料結構定義
// ============================================================================

// JobManager 任務註冊表與狀態機
type JobManager struct {
	mu    sync.RWMutex
	store Store
	queue []types.JobID // 排隊中任務
	now   func() time.Time
}

// ListFilter 列表查詢條件
type ListFilter struct {
	Status types.JobStatus // 空字串代表不過濾
	Limit  int             // <= 0 代表不限
}

// NewJobManager 建立新的任務管理器實例
//
// 參數說明：
//   - store: 任務存儲，nil 時使用 MemoryStore
//
// 併發安全：返回的實例是執行緒安全的
func NewJobManager(store Store) *JobManager {
	if store == nil {
		store = NewMemoryStore()
	}
	return &JobManager{
		store: store,
		queue: make([]types.JobID, 0),
		now:   time.Now,
	}
}

// ============================================================================
// 狀態轉換
// ============================================================================

// Create 將新任務加入系統，設定為排隊狀態
//
// 行為：
//   - Status 設為 Queued，Progress 歸零，清除 Error/Result
//   - CreatedAt 為零值時填入當前時間
//
// 錯誤處理：
//   - ErrDuplicateJob: 任務 ID 已存在
//
// 併發安全：使用互斥鎖保護
func (jm *JobManager) Create(job types.Job) (types.Job, error) {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	if job.ID == "" {
		return types.Job{}, errors.New("job id is required")
	}
	if _, exists := jm.store.Get(job.ID); exists {
		return types.Job{}, ErrDuplicateJob
	}

	j := job.Clone()
	j.Status = types.StatusQueued
	j.Progress = 0
	j.Error = ""
	j.Result = nil
	j.StartedAt = nil
	j.CompletedAt = nil
	if j.Message == "" {
		j.Message = "Job queued"
	}
	if j.CreatedAt.IsZero() {
		j.CreatedAt = jm.now()
	}

	jm.store.Set(j)
	jm.queue = append(jm.queue, j.ID)
	return *j.Clone(), nil
}

// PopQueued 取出一個排隊中的任務 ID，但不改變其狀態
//
// 已被刪除或不再是 Queued 的 ID 會被略過
//
// 返回值：
//   - types.JobID: 任務 ID
//   - bool: 佇列是否有可用任務
func (jm *JobManager) PopQueued() (types.JobID, bool) {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	for len(jm.queue) > 0 {
		id := jm.queue[0]
		jm.queue = jm.queue[1:]
		if j, ok := jm.store.Get(id); ok && j.Status == types.StatusQueued {
			return id, true
		}
	}
	return "", false
}

// MarkProcessing 將任務從 Queued 轉為 Processing
//
// 錯誤處理：
//   - ErrJobNotFound: 任務不存在
//   - ErrTerminalJob: 任務已是 Completed/Failed，不允許重新進入
//   - ErrInvalidTransition: 任務已在處理中
func (jm *JobManager) MarkProcessing(id types.JobID) (types.Job, error) {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	j, ok := jm.store.Get(id)
	if !ok {
		return types.Job{}, ErrJobNotFound
	}
	if j.Status.IsTerminal() {
		return types.Job{}, ErrTerminalJob
	}
	if j.Status != types.StatusQueued {
		return types.Job{}, fmt.Errorf("%w: %s is %s", ErrInvalidTransition, id, j.Status)
	}

	next := j.Clone()
	now := jm.now()
	next.Status = types.StatusProcessing
	next.StartedAt = &now
	next.Message = "Processing started"
	jm.store.Set(next)
	return *next.Clone(), nil
}

// UpdateProgress 套用進度事件
//
// progress 取目前值與新值的最大者，並限制在 0..100，確保單調不減。
// 只有 Processing 的任務能更新進度。
func (jm *JobManager) UpdateProgress(id types.JobID, progress int, message string) (types.Job, error) {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	j, ok := jm.store.Get(id)
	if !ok {
		return types.Job{}, ErrJobNotFound
	}
	if j.Status.IsTerminal() {
		return types.Job{}, ErrTerminalJob
	}
	if j.Status != types.StatusProcessing {
		return types.Job{}, fmt.Errorf("%w: progress on %s job", ErrInvalidTransition, j.Status)
	}

	next := j.Clone()
	next.Progress = max(next.Progress, min(max(progress, 0), 100))
	if message != "" {
		next.Message = message
	}
	jm.store.Set(next)
	return *next.Clone(), nil
}

// MarkCompleted 將處理中的任務標記為完成，progress 設為 100
//
// 錯誤處理：
//   - ErrJobNotFound / ErrTerminalJob / ErrInvalidTransition
func (jm *JobManager) MarkCompleted(id types.JobID, result *types.ResultBundle) (types.Job, error) {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	j, ok := jm.store.Get(id)
	if !ok {
		return types.Job{}, ErrJobNotFound
	}
	if j.Status.IsTerminal() {
		return types.Job{}, ErrTerminalJob
	}
	if j.Status != types.StatusProcessing {
		return types.Job{}, fmt.Errorf("%w: complete %s job", ErrInvalidTransition, j.Status)
	}
	if result == nil {
		return types.Job{}, errors.New("completed job requires a result")
	}

	next := j.Clone()
	now := jm.now()
	next.Status = types.StatusCompleted
	next.Progress = 100
	next.Message = "Complete"
	if result.Summary != "" {
		next.Message = result.Summary
	}
	next.Result = result.Clone()
	next.CompletedAt = &now
	jm.store.Set(next)
	return *next.Clone(), nil
}

// MarkFailed 將任務標記為失敗，保留最後的 progress
//
// Queued 與 Processing 都可失敗（例如重啟時中斷的任務）。
// errMsg 為空時使用 "unknown error"，確保失敗任務一定有錯誤描述。
func (jm *JobManager) MarkFailed(id types.JobID, errMsg string) (types.Job, error) {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	j, ok := jm.store.Get(id)
	if !ok {
		return types.Job{}, ErrJobNotFound
	}
	if j.Status.IsTerminal() {
		return types.Job{}, ErrTerminalJob
	}
	if errMsg == "" {
		errMsg = "unknown error"
	}

	next := j.Clone()
	now := jm.now()
	next.Status = types.StatusFailed
	next.Error = errMsg
	next.Message = "Processing failed: " + errMsg
	next.CompletedAt = &now
	jm.store.Set(next)
	return *next.Clone(), nil
}

// Delete 移除任務
//
// 錯誤處理：
//   - ErrJobNotFound: 任務不存在
//   - ErrJobBusy: 任務處理中，無法中途取消
func (jm *JobManager) Delete(id types.JobID) (types.Job, error) {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	j, ok := jm.store.Get(id)
	if !ok {
		return types.Job{}, ErrJobNotFound
	}
	if j.Status == types.StatusProcessing {
		return types.Job{}, ErrJobBusy
	}
	jm.store.Delete(id)
	// queue 中殘留的 ID 會在 PopQueued 時被略過
	return *j.Clone(), nil
}

// ============================================================================
// 查詢方法
// ============================================================================

// Get 取得任務的深拷貝
func (jm *JobManager) Get(id types.JobID) (types.Job, error) {
	jm.mu.RLock()
	defer jm.mu.RUnlock()

	j, ok := jm.store.Get(id)
	if !ok {
		return types.Job{}, ErrJobNotFound
	}
	return *j.Clone(), nil
}

// List 依建立時間新到舊列出任務
func (jm *JobManager) List(f ListFilter) []types.Job {
	jm.mu.RLock()
	all := jm.store.List()
	out := make([]types.Job, 0, len(all))
	for _, j := range all {
		if f.Status != "" && j.Status != f.Status {
			continue
		}
		out = append(out, *j.Clone())
	}
	jm.mu.RUnlock()

	sort.Slice(out, func(a, b int) bool {
		if !out[a].CreatedAt.Equal(out[b].CreatedAt) {
			return out[a].CreatedAt.After(out[b].CreatedAt)
		}
		return out[a].ID > out[b].ID
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out
}

// TerminalBefore 回傳在 cutoff 之前結束的終態任務 ID
//
// 用途：過期任務清理
func (jm *JobManager) TerminalBefore(cutoff time.Time) []types.JobID {
	jm.mu.RLock()
	defer jm.mu.RUnlock()

	var ids []types.JobID
	for _, j := range jm.store.List() {
		if j.Status.IsTerminal() && j.CompletedAt != nil && j.CompletedAt.Before(cutoff) {
			ids = append(ids, j.ID)
		}
	}
	return ids
}

// Stats 取得各狀態任務的統計資訊
func (jm *JobManager) Stats() map[types.JobStatus]int {
	jm.mu.RLock()
	defer jm.mu.RUnlock()

	stats := map[types.JobStatus]int{
		types.StatusQueued:     0,
		types.StatusProcessing: 0,
		types.StatusCompleted:  0,
		types.StatusFailed:     0,
	}
	for _, j := range jm.store.List() {
		stats[j.Status]++
	}
	return stats
}

// QueueLen 排隊中的任務數
func (jm *JobManager) QueueLen() int {
	jm.mu.RLock()
	defer jm.mu.RUnlock()
	return len(jm.queue)
}

// ============================================================================
// 快照與恢復相關方法
// ============================================================================

// Snapshot 生成快照資料（深拷貝）
func (jm *JobManager) Snapshot() types.SnapshotData {
	jm.mu.RLock()
	defer jm.mu.RUnlock()

	all := jm.store.List()
	jobs := make(map[types.JobID]*types.Job, len(all))
	for _, j := range all {
		jobs[j.ID] = j.Clone()
	}
	return types.SnapshotData{Jobs: jobs, SchemaVer: SchemaVersion}
}

// Restore 以快照內容取代目前狀態
//
// Queued 任務依 CreatedAt 重新排入佇列。Processing 任務原樣保留，
// 由呼叫端決定如何處理（重啟時會標記為失敗）。
func (jm *JobManager) Restore(data types.SnapshotData) error {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	for _, j := range jm.store.List() {
		jm.store.Delete(j.ID)
	}
	jm.queue = jm.queue[:0]

	restored := make([]*types.Job, 0, len(data.Jobs))
	for id, j := range data.Jobs {
		if j == nil {
			continue
		}
		if !j.Status.Valid() {
			return fmt.Errorf("restore %s: unknown status %q", id, j.Status)
		}
		c := j.Clone()
		c.ID = id
		restored = append(restored, c)
	}
	sort.Slice(restored, func(a, b int) bool {
		if !restored[a].CreatedAt.Equal(restored[b].CreatedAt) {
			return restored[a].CreatedAt.Before(restored[b].CreatedAt)
		}
		return restored[a].ID < restored[b].ID
	})

	for _, j := range restored {
		jm.store.Set(j)
		if j.Status == types.StatusQueued {
			jm.queue = append(jm.queue, j.ID)
		}
	}
	return nil
}

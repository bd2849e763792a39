// ============================================================================
// plan2mesh 控制器 - 任務協調核心
// ============================================================================
//
// Package: internal/controller
// 文件: controller.go
// 功能: 接收任務、分派給 worker pool、套用進度、記錄終態，並負責重啟恢復
//
// 架構設計:
//   - JobManager: 任務註冊表與狀態機（queued/processing/completed/failed）
//   - WAL: 每次狀態轉換都寫入 journal
//   - Snapshot: 定期保存註冊表，寫完後旋轉 WAL
//   - WorkerPool: 在 request goroutine 之外執行 pipeline
//
// 核心循環:
//   1. Dispatch Loop - 取出排隊任務交給 worker pool
//   2. Result Loop - 消費 worker 結果（記錄與統計）
//   3. Snapshot Loop - 定期快照
//   4. Cleanup Loop - 清除過期終態任務與檔案（retention > 0 時）
//
// 任務執行（在 worker 內）:
//   MarkProcessing → pipeline.Run（進度經 channel 回到單一 consumer）
//   → MarkCompleted 或 MarkFailed，每個任務恰好一次終態轉換
//
// 限制:
//   Processing 中的任務不能取消；Stop 會等待它們結束
//
// ============================================================================

package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ChuLiYu/plan2mesh/internal/jobmanager"
	"github.com/ChuLiYu/plan2mesh/internal/metrics"
	"github.com/ChuLiYu/plan2mesh/internal/pipeline"
	"github.com/ChuLiYu/plan2mesh/internal/snapshot"
	"github.com/ChuLiYu/plan2mesh/internal/storage"
	"github.com/ChuLiYu/plan2mesh/internal/storage/wal"
	"github.com/ChuLiYu/plan2mesh/internal/worker"
	"github.com/ChuLiYu/plan2mesh/pkg/types"
)

// logger 每次呼叫時取得目前的 default logger，CLI 設定的 handler 才會生效
func logger() *slog.Logger { return slog.Default() }

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	ErrJobNotFound = jobmanager.ErrJobNotFound
	ErrJobBusy     = jobmanager.ErrJobBusy

	// ErrProcessingFailure wraps any error or panic raised while a job runs.
	ErrProcessingFailure = errors.New("processing failure")
	// ErrInvalidSubmission is returned by Submit for unusable input.
	ErrInvalidSubmission = errors.New("invalid submission")
	// ErrStopped is returned once Stop has been called.
	ErrStopped = errors.New("controller stopped")
)

// InterruptedMessage is the error recorded on jobs found processing at startup.
const InterruptedMessage = "interrupted by restart"

// ============================================================================
// 資料結構定義
// ============================================================================

// Config Controller 配置
type Config struct {
	WorkerCount      int           // Worker 數量
	TaskTimeout      time.Duration // 單一任務上限，0 代表不限
	QueueSize        int           // worker pool 緩衝
	SnapshotInterval time.Duration // 快照間隔
	SnapshotBackups  int           // 保留的舊快照數
	WALPath          string        // WAL 檔案路徑
	SnapshotPath     string        // 快照檔案路徑
	SyncJournal      bool          // 每筆事件都 fsync
	Retention        time.Duration // 終態任務保留時間，0 代表永久
	CleanupInterval  time.Duration // 清理間隔
	Seed             int64         // 0 代表以時間為種子
}

// Deps 外部注入的元件
type Deps struct {
	Processor *pipeline.Processor
	Layout    *storage.Layout
	Metrics   *metrics.Collector // 可為 nil
	Store     jobmanager.Store   // nil 時使用 MemoryStore
}

// Submission 一次處理請求
type Submission struct {
	ID            types.JobID // 空字串時自動產生
	FloorplanPath string
	PhotoPaths    []string
	OutputDir     string // 空字串時使用 layout 的預設位置
}

// Report 狀態查詢結果
type Report struct {
	JobID       types.JobID       `json:"job_id"`
	Status      types.JobStatus   `json:"status"`
	Progress    int               `json:"progress"`
	Message     string            `json:"message"`
	Error       string            `json:"error,omitempty"`
	Artifacts   map[string]string `json:"artifacts,omitempty"` // 名稱 → 相對於輸出目錄的路徑
	CreatedAt   time.Time         `json:"created_at"`
	CompletedAt *time.Time        `json:"completed_at,omitempty"`
}

// Health 系統狀態摘要
type Health struct {
	Uptime     time.Duration           `json:"-"`
	Workers    int                     `json:"workers"`
	Device     string                  `json:"device"`
	Queued     int                     `json:"queued"`
	ActiveJobs int                     `json:"active_jobs"`
	TotalJobs  int                     `json:"total_jobs"`
	ByStatus   map[types.JobStatus]int `json:"by_status"`
}

// Controller 核心控制器
type Controller struct {
	jobs      *jobmanager.JobManager
	wal       *wal.WAL
	snapshot  *snapshot.Manager
	pool      *worker.Pool
	processor *pipeline.Processor
	layout    *storage.Layout
	metrics   *metrics.Collector
	config    Config

	journalMu sync.Mutex // 串行化「狀態轉換 + 寫 journal」與快照

	rngMu sync.Mutex
	rng   *rand.Rand

	mu        sync.Mutex
	started   bool
	stopped   bool
	startTime time.Time

	wakeCh chan struct{}
	stopCh chan struct{}
	loopWg sync.WaitGroup
}

// ============================================================================
// 生命週期
// ============================================================================

// NewController 建立新的 Controller 實例
func NewController(config Config, deps Deps) (*Controller, error) {
	if deps.Processor == nil {
		return nil, errors.New("controller: processor is required")
	}
	if deps.Layout == nil {
		return nil, errors.New("controller: storage layout is required")
	}
	if config.WorkerCount <= 0 {
		config.WorkerCount = 1
	}
	if config.QueueSize <= 0 {
		config.QueueSize = config.WorkerCount
	}
	if config.SnapshotInterval <= 0 {
		config.SnapshotInterval = 30 * time.Second
	}
	if config.CleanupInterval <= 0 {
		config.CleanupInterval = time.Hour
	}
	seed := config.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}

	journal, err := wal.NewWAL(config.WALPath, config.SyncJournal)
	if err != nil {
		return nil, fmt.Errorf("failed to open WAL: %w", err)
	}

	return &Controller{
		jobs:      jobmanager.NewJobManager(deps.Store),
		wal:       journal,
		snapshot:  snapshot.NewManager(config.SnapshotPath),
		pool:      worker.NewPool(config.QueueSize),
		processor: deps.Processor,
		layout:    deps.Layout,
		metrics:   deps.Metrics,
		config:    config,
		rng:       rand.New(rand.NewSource(seed)),
		wakeCh:    make(chan struct{}, 1),
		stopCh:    make(chan struct{}),
	}, nil
}

// Start 恢復狀態後啟動 worker pool 與背景循環
func (c *Controller) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return ErrStopped
	}
	if c.started {
		return errors.New("controller already started")
	}
	c.startTime = time.Now()

	logger().Info("Starting recovery...")
	interrupted, err := c.recoverState()
	if err != nil {
		return fmt.Errorf("recovery failed: %w", err)
	}
	recovery := time.Since(c.startTime)
	if c.metrics != nil {
		c.metrics.SetRecoveryTime(recovery.Seconds())
	}
	logger().Info("Recovery completed",
		"duration", recovery,
		"queued", c.jobs.QueueLen(),
		"interrupted", interrupted)

	if err := c.pool.Start(c.config.WorkerCount); err != nil {
		return fmt.Errorf("failed to start worker pool: %w", err)
	}

	loops := []func(){c.dispatchLoop, c.resultLoop, c.snapshotLoop}
	if c.config.Retention > 0 {
		loops = append(loops, c.cleanupLoop)
	}
	c.loopWg.Add(len(loops))
	for _, loop := range loops {
		go loop()
	}
	c.started = true
	c.wake()

	logger().Info("Controller started", "workers", c.config.WorkerCount)
	return nil
}

// Stop 優雅關閉：停止分派、等待進行中任務、寫最後一次快照
//
// 關閉順序：
//  1. close(stopCh) → dispatch/snapshot/cleanup 循環退出，尚未開始的任務保持 queued
//  2. pool.Stop()   → 等待進行中任務結束，關閉 resultCh 讓 resultLoop 退出
//  3. loopWg.Wait()
//  4. 最後快照，關閉 WAL
func (c *Controller) Stop() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		logger().Info("Controller already stopped")
		return
	}
	c.stopped = true
	started := c.started
	c.mu.Unlock()

	logger().Info("Stopping controller...")
	close(c.stopCh)

	if started {
		c.pool.Stop()
		c.loopWg.Wait()
		if err := c.TakeSnapshot(); err != nil {
			logger().Error("Failed to take final snapshot", "error", err)
		}
	}

	if err := c.wal.Close(); err != nil {
		logger().Error("Failed to close WAL", "error", err)
	}
	logger().Info("Controller stopped")
}

// ============================================================================
// 公開方法
// ============================================================================

// NewJobID 產生新的任務 ID
func NewJobID() types.JobID {
	return types.JobID(uuid.NewString())
}

// Submit 建立 queued 任務並喚醒分派循環
func (c *Controller) Submit(ctx context.Context, sub Submission) (types.Job, error) {
	if err := ctx.Err(); err != nil {
		return types.Job{}, err
	}
	if c.isStopped() {
		return types.Job{}, ErrStopped
	}
	if len(sub.PhotoPaths) == 0 {
		return types.Job{}, fmt.Errorf("%w: at least one photo is required", ErrInvalidSubmission)
	}
	if sub.ID == "" {
		sub.ID = NewJobID()
	}
	if sub.OutputDir == "" {
		sub.OutputDir = c.layout.JobOutputDir(string(sub.ID))
	}

	job, err := c.transition(wal.EventSubmit, func() (types.Job, error) {
		return c.jobs.Create(types.Job{
			ID:            sub.ID,
			Message:       "Job queued for processing",
			FloorplanPath: sub.FloorplanPath,
			PhotoPaths:    append([]string(nil), sub.PhotoPaths...),
			OutputDir:     sub.OutputDir,
		})
	})
	if err != nil {
		return types.Job{}, err
	}
	if c.metrics != nil {
		c.metrics.RecordSubmitted()
	}
	logger().Info("Job submitted", "jobID", job.ID, "photos", len(job.PhotoPaths))
	c.wake()
	return job, nil
}

// Get 取得任務的一致性副本
func (c *Controller) Get(id types.JobID) (types.Job, error) {
	return c.jobs.Get(id)
}

// Status 取得任務狀態；只有 completed 帶產出，只有 failed 帶錯誤
func (c *Controller) Status(id types.JobID) (Report, error) {
	job, err := c.jobs.Get(id)
	if err != nil {
		return Report{}, err
	}
	r := Report{
		JobID:       job.ID,
		Status:      job.Status,
		Progress:    job.Progress,
		Message:     job.Message,
		CreatedAt:   job.CreatedAt,
		CompletedAt: job.CompletedAt,
	}
	switch job.Status {
	case types.StatusCompleted:
		r.Artifacts = artifacts(job.Result)
	case types.StatusFailed:
		r.Error = job.Error
	}
	return r, nil
}

// List 依建立時間由新到舊列出任務
func (c *Controller) List(filter jobmanager.ListFilter) []types.Job {
	return c.jobs.List(filter)
}

// Delete 刪除非處理中的任務及其檔案
func (c *Controller) Delete(id types.JobID) error {
	job, err := c.transition(wal.EventDelete, func() (types.Job, error) {
		return c.jobs.Delete(id)
	})
	if err != nil {
		return err
	}
	if err := c.layout.RemoveJob(string(id), job.OutputDir); err != nil {
		logger().Warn("Failed to remove job files", "jobID", id, "error", err)
	}
	c.refreshStats()
	logger().Info("Job deleted", "jobID", id)
	return nil
}

// Health 回傳系統狀態摘要
func (c *Controller) Health() Health {
	c.mu.Lock()
	var uptime time.Duration
	if c.started {
		uptime = time.Since(c.startTime)
	}
	c.mu.Unlock()

	stats := c.jobs.Stats()
	total := 0
	for _, n := range stats {
		total += n
	}
	device := "cpu"
	if c.processor.Synthesizer != nil {
		device = c.processor.Synthesizer.DeviceName()
	}
	return Health{
		Uptime:     uptime,
		Workers:    c.config.WorkerCount,
		Device:     device,
		Queued:     c.jobs.QueueLen(),
		ActiveJobs: stats[types.StatusProcessing],
		TotalJobs:  total,
		ByStatus:   stats,
	}
}

// Layout 回傳檔案布局
func (c *Controller) Layout() *storage.Layout {
	return c.layout
}

// TakeSnapshot 寫入快照並旋轉 WAL
func (c *Controller) TakeSnapshot() error {
	start := time.Now()

	c.journalMu.Lock()
	defer c.journalMu.Unlock()

	data := c.jobs.Snapshot()
	data.LastSeq = c.wal.GetLastSeq()

	if err := c.snapshot.WriteWithBackup(data, c.config.SnapshotBackups); err != nil {
		return fmt.Errorf("failed to write snapshot: %w", err)
	}
	if err := c.wal.Rotate(); err != nil {
		return fmt.Errorf("failed to rotate WAL: %w", err)
	}

	logger().Debug("Snapshot taken",
		"duration", time.Since(start),
		"jobs", len(data.Jobs),
		"lastSeq", data.LastSeq)
	return nil
}

// ============================================================================
// 背景循環
// ============================================================================

// dispatchLoop 取出排隊任務交給 worker pool
func (c *Controller) dispatchLoop() {
	defer c.loopWg.Done()
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			logger().Info("Dispatch loop stopped")
			return
		case <-c.wakeCh:
		case <-ticker.C:
		}

		for {
			id, ok := c.jobs.PopQueued()
			if !ok {
				break
			}
			task := worker.Task{
				ID:      id,
				Timeout: c.config.TaskTimeout,
				Run: func(ctx context.Context) error {
					return c.runJob(ctx, id)
				},
			}
			if err := c.pool.Submit(task); err != nil {
				// 任務仍是 queued，重啟時會重新排入
				if !errors.Is(err, worker.ErrPoolClosed) {
					logger().Error("Failed to submit task", "jobID", id, "error", err)
				}
				return
			}
		}
	}
}

// resultLoop 消費 worker 結果，直到 pool 關閉
func (c *Controller) resultLoop() {
	defer c.loopWg.Done()
	for {
		result, err := c.pool.ReceiveResult()
		if err != nil {
			logger().Info("Result loop stopped")
			return
		}
		if !result.Success {
			logger().Debug("Task finished with error",
				"jobID", result.JobID,
				"worker", result.WorkerID,
				"duration", result.Duration,
				"error", result.Error)
		}
		c.refreshStats()
	}
}

// snapshotLoop 定期生成快照
func (c *Controller) snapshotLoop() {
	defer c.loopWg.Done()
	ticker := time.NewTicker(c.config.SnapshotInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			logger().Info("Snapshot loop stopped")
			return
		case <-ticker.C:
			if err := c.TakeSnapshot(); err != nil {
				logger().Error("Failed to take snapshot", "error", err)
			}
		}
	}
}

// cleanupLoop 定期清除過期任務
func (c *Controller) cleanupLoop() {
	defer c.loopWg.Done()
	c.cleanup(time.Now())

	ticker := time.NewTicker(c.config.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stopCh:
			logger().Info("Cleanup loop stopped")
			return
		case now := <-ticker.C:
			c.cleanup(now)
		}
	}
}

// cleanup 刪除 retention 之前結束的任務，以及不屬於任何任務的過期目錄
func (c *Controller) cleanup(now time.Time) {
	cutoff := now.Add(-c.config.Retention)
	for _, id := range c.jobs.TerminalBefore(cutoff) {
		if err := c.Delete(id); err != nil && !errors.Is(err, ErrJobNotFound) {
			logger().Warn("Failed to delete expired job", "jobID", id, "error", err)
		}
	}
	known := func(id string) bool {
		_, err := c.jobs.Get(types.JobID(id))
		return err == nil
	}
	if _, err := c.layout.Cleanup(cutoff, known); err != nil {
		logger().Warn("Cleanup of expired directories incomplete", "error", err)
	}
}

// ============================================================================
// 任務執行
// ============================================================================

// runJob 在 worker goroutine 內執行單一任務並完成唯一一次終態轉換
func (c *Controller) runJob(ctx context.Context, id types.JobID) error {
	// 關閉中不再開始新任務，保持 queued
	if c.isStopped() {
		return ErrStopped
	}

	job, err := c.transition(wal.EventStart, func() (types.Job, error) {
		return c.jobs.MarkProcessing(id)
	})
	if err != nil {
		logger().Warn("Job not started", "jobID", id, "error", err)
		return err
	}
	c.refreshStats()
	logger().Info("Job processing", "jobID", id)

	progress := make(chan types.ProgressEvent, 16)
	consumed := make(chan struct{})
	go c.consumeProgress(progress, consumed)

	start := time.Now()
	result, runErr := c.runPipeline(ctx, job, c.jobRand(), progress)
	close(progress)
	<-consumed
	elapsed := time.Since(start)

	if runErr != nil {
		c.fail(id, runErr, elapsed)
		return fmt.Errorf("%w: %w", ErrProcessingFailure, runErr)
	}

	if _, err := c.transition(wal.EventComplete, func() (types.Job, error) {
		return c.jobs.MarkCompleted(id, result)
	}); err != nil {
		logger().Error("Failed to mark completed", "jobID", id, "error", err)
		return err
	}
	if c.metrics != nil {
		c.metrics.RecordCompleted(elapsed.Seconds())
	}
	logger().Info("Job completed", "jobID", id, "duration", elapsed)
	return nil
}

// runPipeline 呼叫 pipeline，把 panic 轉成錯誤
func (c *Controller) runPipeline(ctx context.Context, job types.Job, rng *rand.Rand, progress chan<- types.ProgressEvent) (result *types.ResultBundle, err error) {
	defer func() {
		if r := recover(); r != nil {
			result, err = nil, fmt.Errorf("panic: %v", r)
		}
	}()
	return c.processor.Run(ctx, pipeline.Input{
		JobID:         job.ID,
		FloorplanPath: job.FloorplanPath,
		PhotoPaths:    job.PhotoPaths,
		OutputDir:     job.OutputDir,
	}, rng, progress)
}

// consumeProgress 是單一任務唯一的進度寫入者
func (c *Controller) consumeProgress(events <-chan types.ProgressEvent, done chan<- struct{}) {
	defer close(done)
	for ev := range events {
		_, err := c.transition(wal.EventProgress, func() (types.Job, error) {
			return c.jobs.UpdateProgress(ev.JobID, ev.Progress, ev.Message)
		})
		if err != nil {
			logger().Warn("Progress update rejected", "jobID", ev.JobID, "progress", ev.Progress, "error", err)
		}
	}
}

func (c *Controller) fail(id types.JobID, cause error, elapsed time.Duration) {
	msg := cause.Error()
	if _, err := c.transition(wal.EventFail, func() (types.Job, error) {
		return c.jobs.MarkFailed(id, msg)
	}); err != nil {
		logger().Error("Failed to mark failed", "jobID", id, "error", err)
		return
	}
	if c.metrics != nil {
		c.metrics.RecordFailed(elapsed.Seconds())
	}
	logger().Warn("Job failed", "jobID", id, "duration", elapsed, "error", msg)
}

// ============================================================================
// 內部工具
// ============================================================================

// transition 執行狀態變更並寫入對應的 journal 事件
//
// journal 寫入失敗只記錄，不回滾已生效的狀態。
func (c *Controller) transition(typ wal.EventType, fn func() (types.Job, error)) (types.Job, error) {
	c.journalMu.Lock()
	defer c.journalMu.Unlock()

	job, err := fn()
	if err != nil {
		return job, err
	}
	ev := wal.Event{
		Type:     typ,
		JobID:    job.ID,
		Status:   job.Status,
		Progress: job.Progress,
		Message:  job.Message,
	}
	if typ == wal.EventSubmit || typ == wal.EventComplete || typ == wal.EventFail {
		full := job
		ev.Job = &full
	}
	if _, err := c.wal.Append(ev, typ != wal.EventProgress); err != nil {
		logger().Error("Failed to append journal event", "type", typ, "jobID", job.ID, "error", err)
	}
	return job, nil
}

func (c *Controller) jobRand() *rand.Rand {
	c.rngMu.Lock()
	defer c.rngMu.Unlock()
	return rand.New(rand.NewSource(c.rng.Int63()))
}

func (c *Controller) wake() {
	select {
	case c.wakeCh <- struct{}{}:
	default:
	}
}

func (c *Controller) isStopped() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopped
}

func (c *Controller) refreshStats() {
	if c.metrics != nil {
		c.metrics.UpdateJobStats(c.jobs.Stats())
	}
}

func artifacts(r *types.ResultBundle) map[string]string {
	if r == nil {
		return nil
	}
	out := map[string]string{
		"model":      r.ModelOBJ,
		"video":      r.Video,
		"scene_json": r.SceneJSON,
	}
	if r.ModelMTL != "" {
		out["material"] = r.ModelMTL
	}
	for s, p := range r.Textures {
		out["texture_"+s] = p
	}
	return out
}

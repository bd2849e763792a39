package controller

// ============================================================================
// 重啟恢復
// 流程：
//  1. 載入快照（不存在時為空）
//  2. 重放 seq > LastSeq 的 journal 事件
//  3. Restore 註冊表，queued 任務依建立時間重新排隊
//  4. 仍在 processing 的任務無法重入，標記為 failed
// ============================================================================

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/ChuLiYu/plan2mesh/internal/jobmanager"
	"github.com/ChuLiYu/plan2mesh/internal/storage/wal"
	"github.com/ChuLiYu/plan2mesh/pkg/types"
)

// recoverState 回傳被標記為中斷的任務數
func (c *Controller) recoverState() (int, error) {
	data, err := c.snapshot.Load()
	if err != nil {
		return 0, fmt.Errorf("failed to load snapshot: %w", err)
	}
	c.wal.AdvanceSeq(data.LastSeq)

	// seq 斷層代表事件遺失，只記錄不中止
	if err := wal.ValidateWAL(c.config.WALPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		logger().Warn("WAL validation failed", "path", c.config.WALPath, "error", err)
	}

	replayed := 0
	err = c.wal.Replay(func(e wal.Event) error {
		if e.Seq <= data.LastSeq {
			return nil
		}
		applyEvent(data.Jobs, e)
		replayed++
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to replay WAL: %w", err)
	}

	if err := c.jobs.Restore(data); err != nil {
		return 0, fmt.Errorf("failed to restore state: %w", err)
	}
	logger().Info("Registry restored", "jobs", len(data.Jobs), "replayedEvents", replayed, "snapshotSeq", data.LastSeq)

	interrupted := 0
	for _, job := range c.jobs.List(jobmanager.ListFilter{Status: types.StatusProcessing}) {
		if _, err := c.transition(wal.EventFail, func() (types.Job, error) {
			return c.jobs.MarkFailed(job.ID, InterruptedMessage)
		}); err != nil {
			logger().Error("Failed to fail interrupted job", "jobID", job.ID, "error", err)
			continue
		}
		interrupted++
	}
	c.refreshStats()
	return interrupted, nil
}

// applyEvent 把單一 journal 事件套用到投影上
//
// 帶完整 Job 的事件直接覆寫；其餘只更新狀態欄位。
func applyEvent(jobs map[types.JobID]*types.Job, e wal.Event) {
	if e.Type == wal.EventDelete {
		delete(jobs, e.JobID)
		return
	}
	if e.Job != nil {
		j := e.Job.Clone()
		j.ID = e.JobID
		jobs[e.JobID] = j
		return
	}

	j, ok := jobs[e.JobID]
	if !ok {
		logger().Warn("Journal event for unknown job", "type", e.Type, "jobID", e.JobID, "seq", e.Seq)
		return
	}
	if j.Status.IsTerminal() {
		return
	}
	at := time.UnixMilli(e.Timestamp)
	switch e.Type {
	case wal.EventStart:
		j.StartedAt = &at
	case wal.EventComplete, wal.EventFail:
		j.CompletedAt = &at
	}
	if e.Status.Valid() {
		j.Status = e.Status
	}
	if e.Progress > j.Progress {
		j.Progress = e.Progress
	}
	j.Message = e.Message
}

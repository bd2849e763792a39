package wal

// ============================================================================
// WAL 工具函式
// 職責：提供 WAL 相關的輔助功能
// ============================================================================

import (
	"errors"
	"fmt"
	"os"
)

// GetLastEvent 從 WAL 檔案讀取最後一個事件
//
// 採用從頭掃描的方式：job journal 每次快照後都會旋轉，檔案不大。
// 檔案為空時回傳 ErrEmptyWAL。
func GetLastEvent(path string) (*Event, error) {
	var last *Event
	err := replayFile(path, func(e Event) error {
		ev := e
		last = &ev
		return nil
	})
	if err != nil {
		return last, err
	}
	if last == nil {
		return nil, ErrEmptyWAL
	}
	return last, nil
}

// CountEvents 計算 WAL 中的事件總數
func CountEvents(path string) (int, error) {
	n := 0
	err := replayFile(path, func(Event) error {
		n++
		return nil
	})
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	return n, err
}

// ValidateWAL 驗證 WAL 檔案的完整性
//
// 檢查項目：
// - 所有事件的 JSON 格式與 checksum 正確（由 replayFile 保證）
// - seq 嚴格遞增且連續
func ValidateWAL(path string) error {
	var lastSeq uint64
	first := true
	return replayFile(path, func(e Event) error {
		if !first && e.Seq != lastSeq+1 {
			return fmt.Errorf("%w: seq gap after %d (got %d)", ErrCorruptedWAL, lastSeq, e.Seq)
		}
		first = false
		lastSeq = e.Seq
		return nil
	})
}

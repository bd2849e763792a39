package main

// ============================================================================
// 職責說明：
// 1. CLI 應用程式入口點
// 2. 處理頂層 panic recovery
// 3. 所有邏輯都在 internal/cli
//
// 編譯：
//   go build -ldflags "-X github.com/ChuLiYu/plan2mesh/internal/cli.Version=1.0.0" -o bin/plan2mesh ./cmd/plan2mesh
// ============================================================================

import (
	"context"
	"fmt"
	"os"

	"github.com/ChuLiYu/plan2mesh/internal/cli"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(os.Stderr, "嚴重錯誤: %v\n", r)
			os.Exit(2)
		}
	}()

	os.Exit(cli.Execute(context.Background()))
}
